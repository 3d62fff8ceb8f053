package recovery

import (
	"github.com/juju/errors"
	"github.com/zhukovaskychina/xtide-server/logger"
	"github.com/zhukovaskychina/xtide-server/server/store/basic"
	"github.com/zhukovaskychina/xtide-server/server/store/pgbuf"
	"github.com/zhukovaskychina/xtide-server/server/store/trans"
	"github.com/zhukovaskychina/xtide-server/server/store/wal"
)

// ARIES三遍恢复, 以活动日志头的chkpt_lsa为界。

// Phase 恢复阶段
type Phase int

const (
	PhaseRestarted Phase = iota
	PhaseAnalysis
	PhaseRedo
	PhaseUndo
	PhaseFinish2PC
)

// Stats 恢复统计
type Stats struct {
	RecordsScanned int
	RedoApplied    int
	UndoApplied    int
	TransRecovered int
	TransUndone    int
	InDoubt        int
}

// Recovery 恢复驱动
type Recovery struct {
	logMgr *wal.Manager
	table  *trans.Table
	pgbuf  *pgbuf.Manager

	// StopAt 介质恢复的时间上界(unix纳秒), 0表示无界
	StopAt int64

	Phase Phase
	Stats Stats

	// 分析遍的产物
	redoStartLSA wal.LSA
	lastRecLSA   wal.LSA
	appendLSA    wal.LSA
}

// New 创建恢复驱动
func New(logMgr *wal.Manager, table *trans.Table, pb *pgbuf.Manager) *Recovery {
	return &Recovery{logMgr: logMgr, table: table, pgbuf: pb}
}

// Run 执行完整的三遍恢复
func (r *Recovery) Run() error {
	chkptLSA := r.logMgr.Hdr.ChkptLSA
	logger.Infof("recovery starting from checkpoint %s\n", chkptLSA)

	r.Phase = PhaseAnalysis
	if err := r.analysis(chkptLSA); err != nil {
		return errors.Trace(err)
	}
	// 追加游标先复位, redo/undo阶段要续写日志
	if err := r.logMgr.RestoreAppendState(r.appendLSA, r.lastRecLSA); err != nil {
		return errors.Trace(err)
	}

	r.Phase = PhaseRedo
	redoStart := r.redoStartLSA
	if redoStart.IsNull() || chkptLSA.Less(redoStart) {
		redoStart = chkptLSA
	}
	if err := r.redo(redoStart); err != nil {
		return errors.Trace(err)
	}

	r.Phase = PhaseUndo
	if err := r.undo(); err != nil {
		return errors.Trace(err)
	}

	r.Phase = PhaseFinish2PC
	r.finish2PC()

	if err := r.logMgr.FlushAll(); err != nil {
		return errors.Trace(err)
	}
	if err := r.pgbuf.FlushAll(); err != nil {
		return errors.Trace(err)
	}
	r.Phase = PhaseRestarted
	logger.Infof("recovery done: scanned=%d redo=%d undo=%d trans=%d undone=%d indoubt=%d\n",
		r.Stats.RecordsScanned, r.Stats.RedoApplied, r.Stats.UndoApplied,
		r.Stats.TransRecovered, r.Stats.TransUndone, r.Stats.InDoubt)
	return nil
}

// reader 日志记录读取器
func (r *Recovery) reader() *wal.RecordReader {
	return wal.NewRecordReader(r.logMgr.Buffer(), r.logMgr.PageSizeBytes())
}

// finish2PC 2PC善后
// prepare态与通知中的事务重新挂起为loose end;
// 参与方决议未知的保持in-doubt, 不自主提交或中止, 锁继续持有。
func (r *Recovery) finish2PC() {
	r.table.Each(func(tdes *trans.TDES) bool {
		if tdes.TranIndex == trans.SystemTranIndex {
			return true
		}
		if tdes.State.Is2PCLooseEnd() {
			tdes.IsLooseEnd = true
			r.Stats.InDoubt++
			logger.Infof("2pc loose end: trid=%d state=%s gtrid=%d\n",
				tdes.TranID, tdes.State, tdes.GTrid)
		}
		return true
	})
}

// freeFinished 恢复收尾: 已完结的事务槽位归还
func (r *Recovery) freeFinished() {
	var done []*trans.TDES
	r.table.Each(func(tdes *trans.TDES) bool {
		if tdes.TranIndex == trans.SystemTranIndex {
			return true
		}
		if (tdes.State.IsCommitted() || tdes.State.IsAborted()) && !tdes.IsLooseEnd {
			done = append(done, tdes)
		}
		return true
	})
	for _, tdes := range done {
		r.table.FreeIndex(tdes)
	}
}

// ensureNextTranID 日志头的next_trid要跳过恢复期间见过的所有trid
func (r *Recovery) ensureNextTranID(maxSeen basic.TranID) {
	if r.logMgr.Hdr.NextTranID <= maxSeen {
		r.logMgr.Hdr.NextTranID = maxSeen + 1
	}
}
