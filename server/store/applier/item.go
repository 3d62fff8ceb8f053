package applier

import (
	"github.com/zhukovaskychina/xtide-server/server/store/basic"
	"github.com/zhukovaskychina/xtide-server/server/store/wal"
)

// 应用清单: 主库事务号 -> 待重放的复制记录链,
// 提交队列按出现次序排队, 只有COMMIT是触发边。

// ItemKind 复制条目的种类
type ItemKind int

const (
	ItemInsert ItemKind = iota
	ItemUpdate
	ItemDelete
	ItemUpdateStart // MULTI_UPDATE括号开
	ItemUpdateEnd   // MULTI_UPDATE括号闭
	ItemSchema
)

// Item 一条待重放的复制记录
type Item struct {
	Kind     ItemKind
	LSA      wal.LSA
	TargetLSA wal.LSA // 源记录地址(REC_RELOCATION追链用)
	Payload  []byte
	Next     *Item
}

// ApplyList 单个主库事务攒下的条目链
type ApplyList struct {
	TranID  basic.TranID
	HeadLSA wal.LSA
	Head    *Item
	Tail    *Item
	NItems  int
}

// Add 追加条目
func (l *ApplyList) Add(it *Item) {
	if l.Head == nil {
		l.Head = it
		l.HeadLSA = it.LSA
	} else {
		l.Tail.Next = it
	}
	l.Tail = it
	l.NItems++
}

// CommitState 提交队列条目的状态
type CommitState int

const (
	// CommitUnlock UNLOCK_COMMIT已到, 等真正的COMMIT
	CommitUnlock CommitState = iota
	// CommitFired COMMIT已到, 可以重放
	CommitFired
)

// CommitEntry 提交队列条目
type CommitEntry struct {
	TranID     basic.TranID
	LSA        wal.LSA
	State      CommitState
	MasterTime int64 // 主库的事务结束时间
	Next       *CommitEntry
}

// lists 应用清单集合
type lists struct {
	byTran     map[basic.TranID]*ApplyList
	commitHead *CommitEntry
	commitTail *CommitEntry
}

func newLists() *lists {
	return &lists{byTran: make(map[basic.TranID]*ApplyList)}
}

// get 找到或新建事务的清单
func (s *lists) get(trid basic.TranID) *ApplyList {
	l := s.byTran[trid]
	if l == nil {
		l = &ApplyList{TranID: trid}
		s.byTran[trid] = l
	}
	return l
}

// drop 丢弃事务的全部条目(ABORT)
func (s *lists) drop(trid basic.TranID) {
	delete(s.byTran, trid)
}

// enqueueUnlock UNLOCK_COMMIT进队
func (s *lists) enqueueUnlock(trid basic.TranID, lsa wal.LSA) {
	e := &CommitEntry{TranID: trid, LSA: lsa, State: CommitUnlock}
	if s.commitHead == nil {
		s.commitHead = e
	} else {
		s.commitTail.Next = e
	}
	s.commitTail = e
}

// fire COMMIT到达, 把对应条目点火
func (s *lists) fire(trid basic.TranID, eotTime int64) bool {
	for e := s.commitHead; e != nil; e = e.Next {
		if e.TranID == trid && e.State == CommitUnlock {
			e.State = CommitFired
			e.MasterTime = eotTime
			return true
		}
	}
	return false
}

// pending 还有没有攒着的条目
func (s *lists) pending() int {
	n := 0
	for _, l := range s.byTran {
		n += l.NItems
	}
	return n
}

// minHeadPage 所有活动清单的最小head页号, 归档裁剪授权用
func (s *lists) minHeadPage() int32 {
	min := int32(-1)
	for _, l := range s.byTran {
		if l.Head == nil {
			continue
		}
		if min < 0 || l.HeadLSA.PageID < min {
			min = l.HeadLSA.PageID
		}
	}
	return min
}
