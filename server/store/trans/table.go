package trans

import (
	"github.com/juju/errors"
	"github.com/zhukovaskychina/xtide-server/logger"
	"github.com/zhukovaskychina/xtide-server/server/store/basic"
	"github.com/zhukovaskychina/xtide-server/server/store/latch"
	"github.com/zhukovaskychina/xtide-server/server/store/pgbuf"
	"github.com/zhukovaskychina/xtide-server/server/store/wal"
	uatomic "go.uber.org/atomic"
)

// SystemTranIndex 0号槽保留给恢复/系统事务
const SystemTranIndex = 0

// Table 固定容量的事务表
// 槽位分配从hint_free_index起扫描, CSECT_TRAN_TABLE独占保护分配/释放。
type Table struct {
	cs            *latch.Csect
	all           []*TDES
	hintFreeIndex int
	numAssigned   int
	NumInterrupts uatomic.Int32

	logMgr *wal.Manager
	pgbuf  *pgbuf.Manager
}

// NewTable 创建num_total_indices个槽位的事务表
func NewTable(capacity int, cs *latch.Csect, logMgr *wal.Manager, pb *pgbuf.Manager) *Table {
	if capacity < 2 {
		capacity = 2
	}
	tb := &Table{
		cs:            cs,
		all:           make([]*TDES, capacity),
		hintFreeIndex: SystemTranIndex + 1,
		logMgr:        logMgr,
		pgbuf:         pb,
	}
	for i := range tb.all {
		tdes := &TDES{TranIndex: i, logMgr: logMgr, pgbuf: pb}
		tdes.clear()
		tb.all[i] = tdes
	}
	// 系统事务常驻
	sys := tb.all[SystemTranIndex]
	sys.TranID = 0
	sys.State = basic.TranActive
	tb.numAssigned = 1
	return tb
}

// Capacity 总槽位数
func (tb *Table) Capacity() int { return len(tb.all) }

// NumAssigned 已占用槽位数
func (tb *Table) NumAssigned() int {
	tb.cs.EnterShared()
	defer tb.cs.ExitShared()
	return tb.numAssigned
}

// SystemTDES 系统事务
func (tb *Table) SystemTDES() *TDES {
	return tb.all[SystemTranIndex]
}

// AssignIndex 领一个槽位开启新事务
// trid为NullTranID时从日志头派发新事务号。
func (tb *Table) AssignIndex(trid basic.TranID, client ClientIDs,
	waitSecs int, isolation basic.TranIsolation) (*TDES, error) {

	tb.cs.Enter()
	defer tb.cs.Exit()

	n := len(tb.all)
	idx := -1
	for probe := 0; probe < n; probe++ {
		i := (tb.hintFreeIndex + probe) % n
		if i == SystemTranIndex {
			continue
		}
		if tb.all[i].TranID == -1 {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, errors.Trace(ErrTableFull)
	}
	tdes := tb.all[idx]
	tdes.clear()
	if trid < 0 {
		trid = tb.logMgr.NextTranID()
	}
	tdes.TranID = trid
	tdes.State = basic.TranActive
	tdes.Isolation = isolation
	tdes.WaitSecs = waitSecs
	tdes.Client = client
	tb.hintFreeIndex = (idx + 1) % n
	tb.numAssigned++
	logger.Debugf("assigned tran index %d trid=%d isolation=%s\n", idx, trid, isolation)
	return tdes, nil
}

// FreeIndex 归还槽位
// 清掉持有的资源: 顶层操作栈, 脏类表, 复制缓冲, 唯一统计。
func (tb *Table) FreeIndex(tdes *TDES) {
	tb.cs.Enter()
	defer tb.cs.Exit()
	if tdes.TranIndex == SystemTranIndex {
		return
	}
	tdes.clear()
	tb.numAssigned--
	if tdes.TranIndex < tb.hintFreeIndex {
		tb.hintFreeIndex = tdes.TranIndex
	}
}

// Get 按槽位号取TDES
func (tb *Table) Get(index int) (*TDES, error) {
	if index < 0 || index >= len(tb.all) {
		return nil, errors.Annotatef(ErrUnknownTranIndex, "%d", index)
	}
	return tb.all[index], nil
}

// FindByTranID 按事务号查找
func (tb *Table) FindByTranID(trid basic.TranID) *TDES {
	tb.cs.EnterShared()
	defer tb.cs.ExitShared()
	for _, tdes := range tb.all {
		if tdes.TranID == trid {
			return tdes
		}
	}
	return nil
}

// RvFindOrAssign 恢复路径: 找到或重建trid的槽位
func (tb *Table) RvFindOrAssign(trid basic.TranID) (*TDES, error) {
	if tdes := tb.FindByTranID(trid); tdes != nil {
		return tdes, nil
	}
	return tb.AssignIndex(trid, ClientIDs{DBUser: "recovery"}, -1, basic.TranSerializable)
}

// SetInterrupt 置某槽位的中断标志
func (tb *Table) SetInterrupt(index int, v bool) error {
	tdes, err := tb.Get(index)
	if err != nil {
		return errors.Trace(err)
	}
	was := tdes.Interrupted()
	tdes.SetInterrupt(v)
	if v && !was {
		tb.NumInterrupts.Inc()
	} else if !v && was {
		tb.NumInterrupts.Dec()
	}
	return nil
}

// Each 遍历所有已分配槽位(含系统槽)
func (tb *Table) Each(fn func(tdes *TDES) bool) {
	tb.cs.EnterShared()
	defer tb.cs.ExitShared()
	for _, tdes := range tb.all {
		if tdes.TranID >= 0 {
			if !fn(tdes) {
				return
			}
		}
	}
}

// MinHeadLSAPage 存活事务最老head_lsa的页号
// 归档裁剪以此为界。没有存活事务时返回-1。
func (tb *Table) MinHeadLSAPage() int32 {
	minPage := int32(-1)
	tb.Each(func(tdes *TDES) bool {
		if tdes.TranIndex == SystemTranIndex || tdes.HeadLSA.IsNull() {
			return true
		}
		if minPage < 0 || tdes.HeadLSA.PageID < minPage {
			minPage = tdes.HeadLSA.PageID
		}
		return true
	})
	return minPage
}
