package recovery

import (
	"github.com/juju/errors"
	"github.com/zhukovaskychina/xtide-server/logger"
	"github.com/zhukovaskychina/xtide-server/server/store/basic"
	"github.com/zhukovaskychina/xtide-server/server/store/trans"
	"github.com/zhukovaskychina/xtide-server/server/store/wal"
)

// 分析遍: 从chkpt_lsa正向扫描, 重建事务表。

func (r *Recovery) analysis(startLSA wal.LSA) error {
	rr := r.reader()
	maxTranID := basic.TranID(0)
	lsa := startLSA
	r.lastRecLSA = wal.NullLSA
	r.appendLSA = startLSA
	r.redoStartLSA = wal.NullLSA

	for !lsa.IsNull() {
		hdr, cur, err := rr.ReadHeader(lsa)
		if err != nil {
			// 日志在这里结束(崩溃把尾巴截掉了)
			logger.Debugf("analysis stops at %s: %v\n", lsa, err)
			break
		}
		if !hdr.Type.IsValid() {
			cur.Close()
			break
		}
		if hdr.Type == wal.RecEndOfLog {
			cur.Close()
			r.appendLSA = lsa
			break
		}
		r.Stats.RecordsScanned++
		if hdr.TranID > maxTranID {
			maxTranID = hdr.TranID
		}

		if err = r.analyzeRecord(lsa, hdr, cur); err != nil {
			cur.Close()
			return errors.Trace(err)
		}
		cur.Align()
		r.lastRecLSA = lsa
		r.appendLSA = cur.Position()
		cur.Close()
		lsa = hdr.ForwLSA
	}

	r.ensureNextTranID(maxTranID)
	r.table.Each(func(tdes *trans.TDES) bool {
		if tdes.TranIndex != trans.SystemTranIndex {
			r.Stats.TransRecovered++
		}
		return true
	})
	return nil
}

// analyzeRecord 单条记录对事务表的影响
// 游标消费记录体, 返回后游标停在记录尾。
func (r *Recovery) analyzeRecord(lsa wal.LSA, hdr wal.RecordHeader, cur *wal.SpanCursor) error {
	var tdes *trans.TDES
	var err error
	if hdr.TranID >= 0 && hdr.TranID != 0 {
		if tdes, err = r.table.RvFindOrAssign(hdr.TranID); err != nil {
			return errors.Trace(err)
		}
		if tdes.HeadLSA.IsNull() {
			tdes.HeadLSA = lsa
		}
		tdes.TailLSA = lsa
	}

	switch hdr.Type {
	case wal.RecUndoRedoData, wal.RecDiffUndoRedoData:
		body, _, _, err := cur.ReadUndoRedo()
		if err != nil {
			return errors.Trace(err)
		}
		_ = body
		if tdes != nil {
			tdes.UndoNxLSA = lsa
		}
	case wal.RecUndoData:
		if _, _, err := cur.ReadUndo(); err != nil {
			return errors.Trace(err)
		}
		if tdes != nil {
			tdes.UndoNxLSA = lsa
		}
	case wal.RecRedoData, wal.RecPostpone:
		body, _, err := cur.ReadRedo()
		if err != nil {
			return errors.Trace(err)
		}
		if hdr.Type == wal.RecPostpone && tdes != nil && tdes.PospNxLSA.IsNull() {
			tdes.PospNxLSA = lsa
		}
		_ = body
	case wal.RecDBExternRedoData:
		if _, _, err := cur.ReadDBExternRedo(); err != nil {
			return errors.Trace(err)
		}
	case wal.RecRunPostpone:
		if _, _, err := cur.ReadRunPostpone(); err != nil {
			return errors.Trace(err)
		}
	case wal.RecCompensate:
		body, _, err := cur.ReadCompensate()
		if err != nil {
			return errors.Trace(err)
		}
		if tdes != nil {
			tdes.UndoNxLSA = body.UndoNxLSA
		}
	case wal.RecLCompensate:
		body, err := cur.ReadLCompensate()
		if err != nil {
			return errors.Trace(err)
		}
		if tdes != nil {
			tdes.UndoNxLSA = body.UndoNxLSA
		}
	case wal.RecCommitWithPostpone:
		body, err := cur.ReadStartPostpone()
		if err != nil {
			return errors.Trace(err)
		}
		if tdes != nil {
			tdes.State = basic.TranUnactiveCommittedWithPostpone
			tdes.PospNxLSA = body.PospLSA
		}
	case wal.RecCommitTopopeWithPostpone:
		if _, err := cur.ReadTopopeStartPostpone(); err != nil {
			return errors.Trace(err)
		}
	case wal.RecCommit:
		if _, err := cur.ReadDoneTime(); err != nil {
			return errors.Trace(err)
		}
		if tdes != nil {
			tdes.State = basic.TranUnactiveCommitted
		}
	case wal.RecAbort:
		if _, err := cur.ReadDoneTime(); err != nil {
			return errors.Trace(err)
		}
		if tdes != nil {
			tdes.State = basic.TranUnactiveAborted
		}
	case wal.RecCommitTopope, wal.RecAbortTopope:
		body, err := cur.ReadTopopResult()
		if err != nil {
			return errors.Trace(err)
		}
		if tdes != nil {
			tdes.TailTopresultLSA = lsa
			if hdr.Type == wal.RecAbortTopope {
				tdes.UndoNxLSA = body.LastParentLSA
			}
		}
	case wal.RecSavepoint:
		if _, _, err := cur.ReadSavepoint(); err != nil {
			return errors.Trace(err)
		}
		if tdes != nil {
			tdes.SaveptLSA = lsa
		}
	case wal.RecStartChkpt:
		// 标记而已
	case wal.RecEndChkpt:
		body, snaps, topops, err := cur.ReadEndChkpt()
		if err != nil {
			return errors.Trace(err)
		}
		if r.redoStartLSA.IsNull() || body.RedoLSA.Less(r.redoStartLSA) {
			if !body.RedoLSA.IsNull() {
				r.redoStartLSA = body.RedoLSA
			}
		}
		if err = r.seedFromChkpt(snaps, topops); err != nil {
			return errors.Trace(err)
		}
	case wal.Rec2PCPrepare:
		body, _, err := cur.ReadTwoPCPrepare()
		if err != nil {
			return errors.Trace(err)
		}
		if tdes != nil {
			tdes.State = basic.TranUnactive2PCPrepare
			tdes.GTrid = body.GTrid
		}
	case wal.Rec2PCStart:
		body, block, err := cur.ReadTwoPCStart()
		if err != nil {
			return errors.Trace(err)
		}
		if tdes != nil {
			tdes.State = basic.TranUnactive2PCCollectingVotes
			tdes.AttachCoordinator(body.GTrid, body.ParticpIDLen, block, nil)
		}
	case wal.Rec2PCCommitDecision:
		if tdes != nil {
			tdes.State = basic.TranUnactive2PCCommitDecision
		}
	case wal.Rec2PCAbortDecision:
		if tdes != nil {
			tdes.State = basic.TranUnactive2PCAbortDecision
		}
	case wal.Rec2PCCommitInformParticps:
		if tdes != nil {
			tdes.State = basic.TranUnactiveCommittedInformingParticipants
		}
	case wal.Rec2PCAbortInformParticps:
		if tdes != nil {
			tdes.State = basic.TranUnactiveAbortedInformingParticipants
		}
	case wal.Rec2PCRecvAck:
		body, err := cur.ReadTwoPCAck()
		if err != nil {
			return errors.Trace(err)
		}
		if tdes != nil && tdes.Coord != nil &&
			int(body.ParticpIndex) < len(tdes.Coord.AckReceived) {
			tdes.Coord.AckReceived[body.ParticpIndex] = true
		}
	case wal.RecReplicationData, wal.RecReplicationSchema:
		if _, _, err := cur.ReadReplication(); err != nil {
			return errors.Trace(err)
		}
	case wal.RecDummyHAServerState:
		if _, err := cur.ReadHAServerState(); err != nil {
			return errors.Trace(err)
		}
	case wal.RecWillCommit:
		if tdes != nil {
			tdes.State = basic.TranUnactiveWillCommit
		}
	case wal.RecUnlockCommit, wal.RecUnlockAbort,
		wal.RecDummyHeadPostpone, wal.RecDummyCrashRecovery,
		wal.RecDummyFillPageForArchive, wal.RecDummyOvfRecord:
		// 无体
	default:
		logger.Debugf("analysis: unexpected record type %s at %s\n", hdr.Type, lsa)
	}
	return nil
}

// seedFromChkpt 用END_CHKPT快照补齐事务表
// 快照只在没有更新信息时使用: 检查点之后的记录已把对应tdes推到更新状态。
func (r *Recovery) seedFromChkpt(snaps []wal.ChkptTrans, topops []wal.ChkptTopop) error {
	for i := range snaps {
		snap := &snaps[i]
		if snap.State.IsCommitted() || snap.State.IsAborted() {
			continue
		}
		tdes, err := r.table.RvFindOrAssign(snap.TranID)
		if err != nil {
			return errors.Trace(err)
		}
		if !tdes.TailLSA.IsNull() && !tdes.TailLSA.Less(snap.TailLSA) {
			continue // 扫描已经走得更远
		}
		tdes.IsLooseEnd = snap.IsLooseEnd != 0
		tdes.State = snap.State
		tdes.HeadLSA = snap.HeadLSA
		tdes.TailLSA = snap.TailLSA
		tdes.UndoNxLSA = snap.UndoNxLSA
		tdes.PospNxLSA = snap.PospNxLSA
		tdes.SaveptLSA = snap.SaveptLSA
		tdes.TailTopresultLSA = snap.TailTopresultLSA
		tdes.ClientUndoLSA = snap.ClientUndoLSA
		tdes.ClientPospLSA = snap.ClientPospLSA
		tdes.Client.DBUser = snap.UserName
	}
	for i := range topops {
		top := &topops[i]
		tdes := r.table.FindByTranID(top.TranID)
		if tdes == nil {
			continue
		}
		tdes.Topops = append(tdes.Topops, trans.TopOp{
			LastParentLSA: top.LastParentLSA,
			PospLSA:       top.PospLSA,
		})
	}
	return nil
}
