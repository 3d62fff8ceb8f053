package wal

// RecType 日志记录类型
// 顺序大致按出现频率排列。
type RecType int16

const (
	RecSmallerType RecType = iota // 下界哨兵

	RecUndoRedoData     // undo+redo数据
	RecUndoData         // 仅undo数据
	RecRedoData         // 仅redo数据
	RecDBExternRedoData // 与页无关的redo数据
	RecPostpone         // 延迟到提交后执行的redo
	RecRunPostpone      // postpone的实际执行记录
	RecCompensate       // 补偿记录(CLR)
	RecLCompensate      // 逻辑undo的补偿记录

	RecWillCommit          // 即将提交
	RecCommitWithPostpone  // 带postpone的提交起点
	RecCommit              // 提交
	RecCommitTopopeWithPostpone
	RecCommitTopope // 嵌套顶层操作的部分提交
	RecAbort        // 中止
	RecAbortTopope  // 嵌套顶层操作的部分中止(回滚到savepoint共用)

	RecStartChkpt // 检查点开始
	RecEndChkpt   // 检查点汇总
	RecSavepoint  // 用户保存点

	Rec2PCPrepare            // 参与方prepare
	Rec2PCStart              // 协调方启动2PC
	Rec2PCCommitDecision     // 全局提交决议
	Rec2PCAbortDecision      // 全局中止决议
	Rec2PCCommitInformParticps
	Rec2PCAbortInformParticps
	Rec2PCRecvAck // 收到参与方对决议的ack

	RecEndOfLog // 写入边界哨兵

	RecDummyHeadPostpone      // no-op
	RecDummyCrashRecovery     // no-op, 标记崩溃恢复开始
	RecDummyFillPageForArchive // no-op, 当前页逻辑结束以便归档

	RecReplicationData   // 行复制记录
	RecReplicationSchema // 模式复制记录
	RecUnlockCommit      // 复制侧保证提交次序的unlock信息
	RecUnlockAbort

	RecDiffUndoRedoData // 差分undo+redo数据
	RecDummyHAServerState
	RecDummyOvfRecord // overflow记录首段指示

	RecLargerType // 上界哨兵
)

var recTypeNames = map[RecType]string{
	RecUndoRedoData:             "UNDOREDO_DATA",
	RecUndoData:                 "UNDO_DATA",
	RecRedoData:                 "REDO_DATA",
	RecDBExternRedoData:         "DBEXTERN_REDO_DATA",
	RecPostpone:                 "POSTPONE",
	RecRunPostpone:              "RUN_POSTPONE",
	RecCompensate:               "COMPENSATE",
	RecLCompensate:              "LOGICAL_COMPENSATE",
	RecWillCommit:               "WILL_COMMIT",
	RecCommitWithPostpone:       "COMMIT_WITH_POSTPONE",
	RecCommit:                   "COMMIT",
	RecCommitTopopeWithPostpone: "COMMIT_TOPOPE_WITH_POSTPONE",
	RecCommitTopope:             "COMMIT_TOPOPE",
	RecAbort:                    "ABORT",
	RecAbortTopope:              "ABORT_TOPOPE",
	RecStartChkpt:               "START_CHKPT",
	RecEndChkpt:                 "END_CHKPT",
	RecSavepoint:                "SAVEPOINT",
	Rec2PCPrepare:               "2PC_PREPARE",
	Rec2PCStart:                 "2PC_START",
	Rec2PCCommitDecision:        "2PC_COMMIT_DECISION",
	Rec2PCAbortDecision:         "2PC_ABORT_DECISION",
	Rec2PCCommitInformParticps:  "2PC_COMMIT_INFORM_PARTICPS",
	Rec2PCAbortInformParticps:   "2PC_ABORT_INFORM_PARTICPS",
	Rec2PCRecvAck:               "2PC_RECV_ACK",
	RecEndOfLog:                 "END_OF_LOG",
	RecDummyHeadPostpone:        "DUMMY_HEAD_POSTPONE",
	RecDummyCrashRecovery:       "DUMMY_CRASH_RECOVERY",
	RecDummyFillPageForArchive:  "DUMMY_FILLPAGE_FORARCHIVE",
	RecReplicationData:          "REPLICATION_DATA",
	RecReplicationSchema:        "REPLICATION_SCHEMA",
	RecUnlockCommit:             "UNLOCK_COMMIT",
	RecUnlockAbort:              "UNLOCK_ABORT",
	RecDiffUndoRedoData:         "DIFF_UNDOREDO_DATA",
	RecDummyHAServerState:       "DUMMY_HA_SERVER_STATE",
	RecDummyOvfRecord:           "DUMMY_OVF_RECORD",
}

func (t RecType) String() string {
	if name, ok := recTypeNames[t]; ok {
		return name
	}
	return "UNKNOWN_RECTYPE"
}

// IsValid 排除哨兵后的合法类型
func (t RecType) IsValid() bool {
	return t > RecSmallerType && t < RecLargerType
}

// RcvIndex 恢复函数表下标
type RcvIndex int16

const (
	RcvNull RcvIndex = iota

	// 磁盘管理器
	RVDK_NEWVOL
	RVDK_FORMAT
	RVDK_INITMAP
	RVDK_VHDR_SCALLOC
	RVDK_VHDR_PGALLOC
	RVDK_IDALLOC
	RVDK_IDDEALLOC_WITH_VOLHEADER
	RVDK_IDDEALLOC_BITMAP_ONLY
	RVDK_IDDEALLOC_VHDR_ONLY
	RVDK_CHANGE_CREATION
	RVDK_RESET_BOOT_HFID
	RVDK_LINK_PERM_VOLEXT

	// 堆文件(上层协作者注册, 本核心只路由)
	RVHF_INSERT
	RVHF_DELETE
	RVHF_UPDATE

	// 复制
	RVREPL_DATA_INSERT
	RVREPL_DATA_UPDATE
	RVREPL_DATA_DELETE
	RVREPL_DATA_UPDATE_START
	RVREPL_DATA_UPDATE_END
	RVREPL_SCHEMA

	RcvIndexCount
)

var rcvIndexNames = map[RcvIndex]string{
	RVDK_NEWVOL:                   "RVDK_NEWVOL",
	RVDK_FORMAT:                   "RVDK_FORMAT",
	RVDK_INITMAP:                  "RVDK_INITMAP",
	RVDK_VHDR_SCALLOC:             "RVDK_VHDR_SCALLOC",
	RVDK_VHDR_PGALLOC:             "RVDK_VHDR_PGALLOC",
	RVDK_IDALLOC:                  "RVDK_IDALLOC",
	RVDK_IDDEALLOC_WITH_VOLHEADER: "RVDK_IDDEALLOC_WITH_VOLHEADER",
	RVDK_IDDEALLOC_BITMAP_ONLY:    "RVDK_IDDEALLOC_BITMAP_ONLY",
	RVDK_IDDEALLOC_VHDR_ONLY:      "RVDK_IDDEALLOC_VHDR_ONLY",
	RVDK_CHANGE_CREATION:          "RVDK_CHANGE_CREATION",
	RVDK_RESET_BOOT_HFID:          "RVDK_RESET_BOOT_HFID",
	RVDK_LINK_PERM_VOLEXT:         "RVDK_LINK_PERM_VOLEXT",
	RVHF_INSERT:                   "RVHF_INSERT",
	RVHF_DELETE:                   "RVHF_DELETE",
	RVHF_UPDATE:                   "RVHF_UPDATE",
	RVREPL_DATA_INSERT:            "RVREPL_DATA_INSERT",
	RVREPL_DATA_UPDATE:            "RVREPL_DATA_UPDATE",
	RVREPL_DATA_DELETE:            "RVREPL_DATA_DELETE",
	RVREPL_DATA_UPDATE_START:      "RVREPL_DATA_UPDATE_START",
	RVREPL_DATA_UPDATE_END:        "RVREPL_DATA_UPDATE_END",
	RVREPL_SCHEMA:                 "RVREPL_SCHEMA",
}

func (i RcvIndex) String() string {
	if name, ok := rcvIndexNames[i]; ok {
		return name
	}
	return "RV_UNKNOWN"
}
