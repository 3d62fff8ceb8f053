package basic

// TranID 事务标识
type TranID = int32

// TranState 事务状态机
type TranState int

const (
	TranRecovery TranState = iota
	TranActive
	TranUnactiveCommitted
	TranUnactiveWillCommit
	TranUnactiveCommittedWithPostpone
	TranUnactiveAborted
	TranUnactiveUnilaterallyAborted
	TranUnactive2PCPrepare
	TranUnactive2PCCollectingVotes
	TranUnactive2PCAbortDecision
	TranUnactive2PCCommitDecision
	TranUnactiveCommittedInformingParticipants
	TranUnactiveAbortedInformingParticipants
	TranUnactiveUnknown
)

var tranStateNames = map[TranState]string{
	TranRecovery:                               "TRAN_RECOVERY",
	TranActive:                                 "TRAN_ACTIVE",
	TranUnactiveCommitted:                      "TRAN_UNACTIVE_COMMITTED",
	TranUnactiveWillCommit:                     "TRAN_UNACTIVE_WILL_COMMIT",
	TranUnactiveCommittedWithPostpone:          "TRAN_UNACTIVE_COMMITTED_WITH_POSTPONE",
	TranUnactiveAborted:                        "TRAN_UNACTIVE_ABORTED",
	TranUnactiveUnilaterallyAborted:            "TRAN_UNACTIVE_UNILATERALLY_ABORTED",
	TranUnactive2PCPrepare:                     "TRAN_UNACTIVE_2PC_PREPARE",
	TranUnactive2PCCollectingVotes:             "TRAN_UNACTIVE_2PC_COLLECTING_PARTICIPANT_VOTES",
	TranUnactive2PCAbortDecision:               "TRAN_UNACTIVE_2PC_ABORT_DECISION",
	TranUnactive2PCCommitDecision:              "TRAN_UNACTIVE_2PC_COMMIT_DECISION",
	TranUnactiveCommittedInformingParticipants: "TRAN_UNACTIVE_COMMITTED_INFORMING_PARTICIPANTS",
	TranUnactiveAbortedInformingParticipants:   "TRAN_UNACTIVE_ABORTED_INFORMING_PARTICIPANTS",
	TranUnactiveUnknown:                        "TRAN_UNACTIVE_UNKNOWN",
}

func (s TranState) String() string {
	if name, ok := tranStateNames[s]; ok {
		return name
	}
	return "TRAN_STATE_INVALID"
}

// IsCommitted 处于已提交族状态
func (s TranState) IsCommitted() bool {
	switch s {
	case TranUnactiveCommitted, TranUnactiveWillCommit,
		TranUnactiveCommittedWithPostpone, TranUnactive2PCCommitDecision,
		TranUnactiveCommittedInformingParticipants:
		return true
	}
	return false
}

// IsAborted 处于已中止族状态
func (s TranState) IsAborted() bool {
	switch s {
	case TranUnactiveAborted, TranUnactiveUnilaterallyAborted,
		TranUnactive2PCAbortDecision, TranUnactiveAbortedInformingParticipants:
		return true
	}
	return false
}

// Is2PCLooseEnd 恢复后仍需2PC善后
func (s TranState) Is2PCLooseEnd() bool {
	switch s {
	case TranUnactive2PCPrepare, TranUnactive2PCCollectingVotes,
		TranUnactiveCommittedInformingParticipants, TranUnactiveAbortedInformingParticipants:
		return true
	}
	return false
}

// IsInDoubt 参与方决议未知, 只能等待外部裁决
func (s TranState) IsInDoubt() bool {
	return s == TranUnactive2PCPrepare
}

// TranIsolation 隔离级别, 对本核心是透传给锁管理器的不透明键
type TranIsolation int

const (
	TranSerializable TranIsolation = iota
	TranRepClassRepInstance
	TranRepClassCommitInstance
	TranRepClassUncommitInstance
	TranCommitClassCommitInstance
	TranCommitClassUncommitInstance
)

func (i TranIsolation) String() string {
	switch i {
	case TranSerializable:
		return "SERIALIZABLE"
	case TranRepClassRepInstance:
		return "REP_CLASS_REP_INSTANCE"
	case TranRepClassCommitInstance:
		return "REP_CLASS_COMMIT_INSTANCE"
	case TranRepClassUncommitInstance:
		return "REP_CLASS_UNCOMMIT_INSTANCE"
	case TranCommitClassCommitInstance:
		return "COMMIT_CLASS_COMMIT_INSTANCE"
	case TranCommitClassUncommitInstance:
		return "COMMIT_CLASS_UNCOMMIT_INSTANCE"
	}
	return "ISOLATION_INVALID"
}
