package recovery

import (
	"github.com/juju/errors"
	"github.com/zhukovaskychina/xtide-server/logger"
	"github.com/zhukovaskychina/xtide-server/server/store/pgbuf"
	"github.com/zhukovaskychina/xtide-server/server/store/rvfun"
	"github.com/zhukovaskychina/xtide-server/server/store/wal"
)

// redo遍: 从min(redo_lsa, chkpt_lsa)正向重放。
// 页LSA < 记录LSA才应用; 恢复函数对同一LSA的重放幂等。

func (r *Recovery) redo(startLSA wal.LSA) error {
	rr := r.reader()
	lsa := startLSA
	for !lsa.IsNull() {
		hdr, cur, err := rr.ReadHeader(lsa)
		if err != nil {
			logger.Debugf("redo stops at %s: %v\n", lsa, err)
			break
		}
		if !hdr.Type.IsValid() || hdr.Type == wal.RecEndOfLog {
			cur.Close()
			break
		}
		stop, err := r.redoRecord(lsa, hdr, cur)
		cur.Close()
		if err != nil {
			return errors.Trace(err)
		}
		if stop {
			logger.Infof("redo bounded by stopat at %s\n", lsa)
			break
		}
		lsa = hdr.ForwLSA
	}
	return nil
}

// redoRecord 重放一条记录, 返回是否因stopat终止
func (r *Recovery) redoRecord(lsa wal.LSA, hdr wal.RecordHeader, cur *wal.SpanCursor) (bool, error) {
	switch hdr.Type {
	case wal.RecUndoRedoData, wal.RecDiffUndoRedoData:
		body, _, redoImg, err := cur.ReadUndoRedo()
		if err != nil {
			return false, errors.Trace(err)
		}
		return false, r.applyRedo(body.Rcv, redoImg, lsa, false)
	case wal.RecRedoData:
		body, redoImg, err := cur.ReadRedo()
		if err != nil {
			return false, errors.Trace(err)
		}
		return false, r.applyRedo(body.Rcv, redoImg, lsa, false)
	case wal.RecRunPostpone:
		body, redoImg, err := cur.ReadRunPostpone()
		if err != nil {
			return false, errors.Trace(err)
		}
		return false, r.applyRedo(body.Rcv, redoImg, lsa, false)
	case wal.RecCompensate:
		// 补偿记录的镜像经undo函数重放
		body, img, err := cur.ReadCompensate()
		if err != nil {
			return false, errors.Trace(err)
		}
		return false, r.applyRedo(body.Rcv, img, lsa, true)
	case wal.RecDBExternRedoData:
		body, img, err := cur.ReadDBExternRedo()
		if err != nil {
			return false, errors.Trace(err)
		}
		rcv := &rvfun.Rcv{Pg: nil, Data: img, RcvLSA: lsa}
		if err = rvfun.Redo(body.RcvIndex, rcv); err != nil {
			logger.Errorf("dbextern redo %s at %s: %v\n", body.RcvIndex, lsa, err)
			return false, nil
		}
		r.Stats.RedoApplied++
		return false, nil
	case wal.RecCommit, wal.RecAbort:
		body, err := cur.ReadDoneTime()
		if err != nil {
			return false, errors.Trace(err)
		}
		// 介质恢复按事务结束时间截断
		if r.StopAt > 0 && body.AtTime > r.StopAt {
			return true, nil
		}
		return false, nil
	}
	return false, nil
}

// applyRedo 取目标页, 比对LSA后经恢复函数表应用镜像
func (r *Recovery) applyRedo(rcv wal.RcvAddr, img []byte, lsa wal.LSA, useUndoFunc bool) error {
	vpid := pgbuf.VPID{VolID: rcv.VolID, PageID: rcv.PageID}
	pg, err := r.pgbuf.Fix(vpid, pgbuf.LatchWrite, nil)
	if err != nil {
		// 卷可能尚未恢复出来(dbextern redo靠后), 记下继续
		logger.Errorf("redo fetch %d|%d at %s: %v\n", vpid.VolID, vpid.PageID, lsa, err)
		return nil
	}
	defer r.pgbuf.Unfix(pg)

	pageLSA := pg.LSA()
	if !useUndoFunc && !pageLSA.IsNull() && !pageLSA.Less(lsa) {
		return nil // 页已经包含这次变更
	}
	rv := &rvfun.Rcv{Pg: pg, Offset: rcv.Offset, Data: img, RcvLSA: lsa}
	if useUndoFunc {
		err = rvfun.Undo(rcv.Index, rv)
	} else {
		err = rvfun.Redo(rcv.Index, rv)
	}
	if err != nil {
		logger.Errorf("redo %s at %s: %v\n", rcv.Index, lsa, err)
		return nil
	}
	pg.SetLSA(lsa)
	r.pgbuf.SetDirty(pg)
	r.Stats.RedoApplied++
	return nil
}
