package trans

import (
	"github.com/juju/errors"
	"github.com/zhukovaskychina/xtide-server/logger"
	"github.com/zhukovaskychina/xtide-server/server/store/basic"
	"github.com/zhukovaskychina/xtide-server/server/store/pgbuf"
	"github.com/zhukovaskychina/xtide-server/server/store/rvfun"
	"github.com/zhukovaskychina/xtide-server/server/store/wal"
)

// 提交/中止/保存点/顶层操作的日志路径。

// reader 日志记录读取器
func (t *TDES) reader() *wal.RecordReader {
	return wal.NewRecordReader(t.logMgr.Buffer(), t.logMgr.PageSizeBytes())
}

// Commit 本地提交
// 有postpone先落COMMIT_WITH_POSTPONE并刷日志, 跑完postpone再落COMMIT;
// 最后挂到组提交上等待持久。
func (t *TDES) Commit() error {
	if t.Coord != nil {
		return t.commitDistributed()
	}
	return t.commitLocal()
}

func (t *TDES) commitLocal() error {
	if !t.PospNxLSA.IsNull() {
		body := wal.StartPostponeBody{PospLSA: t.PospNxLSA}
		w := wal.NewWriter()
		body.Pack(w)
		if _, err := t.append(wal.RecCommitWithPostpone, w.Bytes()); err != nil {
			return errors.Trace(err)
		}
		t.State = basic.TranUnactiveCommittedWithPostpone
		// postpone生效前commit-with-postpone必须已持久
		if err := t.logMgr.FlushAll(); err != nil {
			return errors.Trace(err)
		}
		if err := t.runPostpone(t.PospNxLSA, t.TailLSA); err != nil {
			return errors.Trace(err)
		}
	}
	dt := wal.DoneTimeBody{AtTime: nowUnixNano()}
	w := wal.NewWriter()
	dt.Pack(w)
	lsa, err := t.append(wal.RecCommit, w.Bytes())
	if err != nil {
		return errors.Trace(err)
	}
	t.State = basic.TranUnactiveWillCommit
	if err = t.logMgr.ForceCommitDurable(lsa); err != nil {
		return errors.Trace(err)
	}
	t.State = basic.TranUnactiveCommitted
	return nil
}

// Abort 本地中止: 全量undo后落ABORT
// 中止不强制刷盘。
func (t *TDES) Abort() error {
	if err := t.rollbackTo(wal.NullLSA); err != nil {
		return errors.Trace(err)
	}
	dt := wal.DoneTimeBody{AtTime: nowUnixNano()}
	w := wal.NewWriter()
	dt.Pack(w)
	if _, err := t.append(wal.RecAbort, w.Bytes()); err != nil {
		return errors.Trace(err)
	}
	t.State = basic.TranUnactiveAborted
	return nil
}

// AbortUnilaterally 服务器单方面中止(死锁牺牲, 断连)
func (t *TDES) AbortUnilaterally() error {
	if err := t.Abort(); err != nil {
		return errors.Trace(err)
	}
	t.State = basic.TranUnactiveUnilaterallyAborted
	return nil
}

// StartTopOp 开启一个顶层系统操作
func (t *TDES) StartTopOp() {
	t.Topops = append(t.Topops, TopOp{
		LastParentLSA: t.TailLSA,
		PospLSA:       wal.NullLSA,
	})
}

// CommitTopOp 提交顶层操作
// 本层postpone先跑, 然后落COMMIT_TOPOPE并弹栈。
func (t *TDES) CommitTopOp() error {
	if len(t.Topops) == 0 {
		return errors.Trace(ErrNoTopOp)
	}
	top := t.Topops[len(t.Topops)-1]
	if !top.PospLSA.IsNull() {
		body := wal.TopopeStartPostponeBody{
			LastParentLSA: top.LastParentLSA,
			PospLSA:       top.PospLSA,
		}
		w := wal.NewWriter()
		body.Pack(w)
		if _, err := t.append(wal.RecCommitTopopeWithPostpone, w.Bytes()); err != nil {
			return errors.Trace(err)
		}
		if err := t.logMgr.FlushAll(); err != nil {
			return errors.Trace(err)
		}
		if err := t.runPostpone(top.PospLSA, t.TailLSA); err != nil {
			return errors.Trace(err)
		}
	}
	body := wal.TopopResultBody{
		LastParentLSA:   top.LastParentLSA,
		PrvTopresultLSA: t.TailTopresultLSA,
	}
	w := wal.NewWriter()
	body.Pack(w)
	lsa, err := t.append(wal.RecCommitTopope, w.Bytes())
	if err != nil {
		return errors.Trace(err)
	}
	t.TailTopresultLSA = lsa
	t.Topops = t.Topops[:len(t.Topops)-1]
	return nil
}

// AbortTopOp 中止顶层操作: undo回到lastparent并落ABORT_TOPOPE
func (t *TDES) AbortTopOp() error {
	if len(t.Topops) == 0 {
		return errors.Trace(ErrNoTopOp)
	}
	top := t.Topops[len(t.Topops)-1]
	if err := t.rollbackTo(top.LastParentLSA); err != nil {
		return errors.Trace(err)
	}
	body := wal.TopopResultBody{
		LastParentLSA:   top.LastParentLSA,
		PrvTopresultLSA: t.TailTopresultLSA,
	}
	w := wal.NewWriter()
	body.Pack(w)
	lsa, err := t.append(wal.RecAbortTopope, w.Bytes())
	if err != nil {
		return errors.Trace(err)
	}
	t.TailTopresultLSA = lsa
	t.Topops = t.Topops[:len(t.Topops)-1]
	return nil
}

// ResumePostponeAndCommit 恢复路径: COMMIT_WITH_POSTPONE之后崩溃的事务
// 把postpone重放到头(RUN_POSTPONE使重放幂等)再落COMMIT。
func (t *TDES) ResumePostponeAndCommit() error {
	if !t.PospNxLSA.IsNull() {
		if err := t.runPostpone(t.PospNxLSA, t.TailLSA); err != nil {
			return errors.Trace(err)
		}
	}
	dt := wal.DoneTimeBody{AtTime: nowUnixNano()}
	w := wal.NewWriter()
	dt.Pack(w)
	if _, err := t.append(wal.RecCommit, w.Bytes()); err != nil {
		return errors.Trace(err)
	}
	t.State = basic.TranUnactiveCommitted
	return nil
}

// Savepoint 建立命名保存点
func (t *TDES) Savepoint(name string) error {
	_, err := t.AppendSavepoint(name)
	return errors.Trace(err)
}

// findSavepoint 沿保存点链找名字
func (t *TDES) findSavepoint(name string) (wal.LSA, error) {
	rr := t.reader()
	for lsa := t.SaveptLSA; !lsa.IsNull(); {
		hdr, cur, err := rr.ReadHeader(lsa)
		if err != nil {
			return wal.NullLSA, errors.Trace(err)
		}
		if hdr.Type != wal.RecSavepoint {
			cur.Close()
			return wal.NullLSA, errors.Trace(ErrNoSavepoint)
		}
		body, spName, err := cur.ReadSavepoint()
		cur.Close()
		if err != nil {
			return wal.NullLSA, errors.Trace(err)
		}
		if spName == name {
			return lsa, nil
		}
		lsa = body.PrvSavept
	}
	return wal.NullLSA, errors.Annotatef(ErrNoSavepoint, "%q", name)
}

// RollbackToSavepoint 部分回滚到保存点
// 与顶层操作中止共用undo路径: 以保存点地址作lastparent。
func (t *TDES) RollbackToSavepoint(name string) error {
	spLSA, err := t.findSavepoint(name)
	if err != nil {
		return errors.Trace(err)
	}
	if err = t.rollbackTo(spLSA); err != nil {
		return errors.Trace(err)
	}
	body := wal.TopopResultBody{
		LastParentLSA:   spLSA,
		PrvTopresultLSA: t.TailTopresultLSA,
	}
	w := wal.NewWriter()
	body.Pack(w)
	lsa, err := t.append(wal.RecAbortTopope, w.Bytes())
	if err != nil {
		return errors.Trace(err)
	}
	t.TailTopresultLSA = lsa
	t.SaveptLSA = spLSA
	return nil
}

// runPostpone 执行[startLSA, endLSA]区间内本事务的postpone
// 先收集区间内已有RUN_POSTPONE的引用, 崩溃后续跑时跳过已生效的条目。
func (t *TDES) runPostpone(startLSA, endLSA wal.LSA) error {
	rr := t.reader()
	done := make(map[wal.LSA]bool)
	for lsa := startLSA; !lsa.IsNull() && lsa.LessEqual(endLSA); {
		hdr, cur, err := rr.ReadHeader(lsa)
		if err != nil {
			return errors.Trace(err)
		}
		if hdr.TranID == t.TranID && hdr.Type == wal.RecRunPostpone {
			body, _, err2 := cur.ReadRunPostpone()
			if err2 != nil {
				cur.Close()
				return errors.Trace(err2)
			}
			done[body.RefLSA] = true
		}
		cur.Close()
		lsa = hdr.ForwLSA
	}

	for lsa := startLSA; !lsa.IsNull() && lsa.LessEqual(endLSA); {
		hdr, cur, err := rr.ReadHeader(lsa)
		if err != nil {
			return errors.Trace(err)
		}
		if hdr.TranID == t.TranID && hdr.Type == wal.RecPostpone && !done[lsa] {
			body, data, err2 := cur.ReadRedo()
			cur.Close()
			if err2 != nil {
				return errors.Trace(err2)
			}
			if err2 = t.execPostpone(&body, data, lsa); err2 != nil {
				return errors.Trace(err2)
			}
		} else {
			cur.Close()
		}
		lsa = hdr.ForwLSA
	}
	return nil
}

// execPostpone 执行单条postpone
func (t *TDES) execPostpone(body *wal.RedoBody, data []byte, refLSA wal.LSA) error {
	entry := rvfun.Get(body.Rcv.Index)
	vpid := pgbuf.VPID{VolID: body.Rcv.VolID, PageID: body.Rcv.PageID}
	if entry.Postpone != nil {
		return errors.Trace(entry.Postpone(t, vpid, body.Rcv.Offset, data, refLSA))
	}
	if entry.Redo == nil {
		return errors.Annotatef(rvfun.ErrNoFunc, "postpone %s", body.Rcv.Index)
	}
	pg, err := t.pgbuf.Fix(vpid, pgbuf.LatchWrite, t)
	if err != nil {
		return errors.Trace(err)
	}
	defer t.pgbuf.Unfix(pg)
	if err = t.AppendRunPostpone(body.Rcv.Index, vpid, body.Rcv.Offset, pg, data, refLSA); err != nil {
		return errors.Trace(err)
	}
	if err = entry.Redo(&rvfun.Rcv{Pg: pg, Offset: body.Rcv.Offset, Data: data, RcvLSA: refLSA}); err != nil {
		return errors.Trace(err)
	}
	t.pgbuf.SetDirty(pg)
	return nil
}

// rollbackTo 沿事务后链undo到stopLSA(不含)
// 每undo一条发一条补偿记录, 指向被undo记录的prev_tranlsa,
// 崩溃后的undo由此跳过已补偿段。
func (t *TDES) rollbackTo(stopLSA wal.LSA) error {
	rr := t.reader()
	cur := t.UndoNxLSA
	for !cur.IsNull() && (stopLSA.IsNull() || cur.Greater(stopLSA)) {
		hdr, span, err := rr.ReadHeader(cur)
		if err != nil {
			return errors.Trace(err)
		}
		next := hdr.PrevTranLSA
		switch hdr.Type {
		case wal.RecUndoRedoData, wal.RecDiffUndoRedoData:
			body, undoImg, _, err2 := span.ReadUndoRedo()
			span.Close()
			if err2 != nil {
				return errors.Trace(err2)
			}
			if err2 = t.undoOne(body.Rcv, undoImg, next); err2 != nil {
				return errors.Trace(err2)
			}
		case wal.RecUndoData:
			body, undoImg, err2 := span.ReadUndo()
			span.Close()
			if err2 != nil {
				return errors.Trace(err2)
			}
			if err2 = t.undoOne(body.Rcv, undoImg, next); err2 != nil {
				return errors.Trace(err2)
			}
		case wal.RecCompensate:
			body, _, err2 := span.ReadCompensate()
			span.Close()
			if err2 != nil {
				return errors.Trace(err2)
			}
			next = body.UndoNxLSA
		case wal.RecLCompensate:
			body, err2 := span.ReadLCompensate()
			span.Close()
			if err2 != nil {
				return errors.Trace(err2)
			}
			next = body.UndoNxLSA
		case wal.RecCommitTopope, wal.RecAbortTopope:
			// 已完结的顶层操作整段跳过
			body, err2 := span.ReadTopopResult()
			span.Close()
			if err2 != nil {
				return errors.Trace(err2)
			}
			next = body.LastParentLSA
		default:
			span.Close()
		}
		cur = next
	}
	t.UndoNxLSA = stopLSA
	return nil
}

// undoOne 回放单条undo并留下CLR
func (t *TDES) undoOne(rcv wal.RcvAddr, undoImg []byte, undoNxLSA wal.LSA) error {
	entry := rvfun.Get(rcv.Index)
	if entry.Undo == nil {
		logger.Errorf("no undo function for %s, skipped\n", rcv.Index)
		return nil
	}
	if entry.IsLogical {
		// 逻辑undo与单页无关, 先执行再标记
		if err := entry.Undo(&rvfun.Rcv{Pg: nil, Offset: rcv.Offset, Data: undoImg}); err != nil {
			return errors.Trace(err)
		}
		_, err := t.AppendLCompensate(rcv.Index, undoNxLSA)
		return errors.Trace(err)
	}
	vpid := pgbuf.VPID{VolID: rcv.VolID, PageID: rcv.PageID}
	pg, err := t.pgbuf.Fix(vpid, pgbuf.LatchWrite, t)
	if err != nil {
		return errors.Trace(err)
	}
	defer t.pgbuf.Unfix(pg)
	lsa, err := t.AppendCompensate(rcv.Index, vpid, rcv.Offset, pg, undoNxLSA, undoImg)
	if err != nil {
		return errors.Trace(err)
	}
	if err = entry.Undo(&rvfun.Rcv{Pg: pg, Offset: rcv.Offset, Data: undoImg, RcvLSA: lsa}); err != nil {
		return errors.Trace(err)
	}
	t.pgbuf.SetDirty(pg)
	return nil
}
