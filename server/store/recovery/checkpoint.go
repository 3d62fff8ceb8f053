package recovery

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xtide-server/logger"
	"github.com/zhukovaskychina/xtide-server/server/store/pgbuf"
	"github.com/zhukovaskychina/xtide-server/server/store/trans"
	"github.com/zhukovaskychina/xtide-server/server/store/wal"
)

// 检查点: START_CHKPT + END_CHKPT夹住活动事务与顶层操作的快照。
// redo_lsa取页缓冲里最老脏页的LSA, 恢复的redo不会更早开始。

// Checkpointer 检查点执行器
type Checkpointer struct {
	logMgr *wal.Manager
	table  *trans.Table
	pgbuf  *pgbuf.Manager

	// Interval 守护循环的巡检间隔
	Interval time.Duration

	// OnDone 完成回调(卷头打点等)
	OnDone func(chkptLSA wal.LSA)
}

// NewCheckpointer 创建检查点执行器
func NewCheckpointer(logMgr *wal.Manager, table *trans.Table, pb *pgbuf.Manager) *Checkpointer {
	return &Checkpointer{
		logMgr:   logMgr,
		table:    table,
		pgbuf:    pb,
		Interval: time.Second,
	}
}

// Execute 打一个检查点
func (c *Checkpointer) Execute() (wal.LSA, error) {
	sys := c.table.SystemTDES()

	redoLSA := c.pgbuf.OldestDirtyLSA()

	startLSA, err := c.logMgr.Append(wal.AppendSpec{
		TranID:      sys.TranID,
		PrevTranLSA: wal.NullLSA,
		Type:        wal.RecStartChkpt,
	})
	if err != nil {
		return wal.NullLSA, errors.Trace(err)
	}
	if redoLSA.IsNull() {
		redoLSA = startLSA
	}

	// 活动事务与顶层操作的快照
	var snaps []wal.ChkptTrans
	var topops []wal.ChkptTopop
	c.table.Each(func(tdes *trans.TDES) bool {
		if tdes.TranIndex == trans.SystemTranIndex || tdes.HeadLSA.IsNull() {
			return true
		}
		isLoose := int32(0)
		if tdes.IsLooseEnd {
			isLoose = 1
		}
		snaps = append(snaps, wal.ChkptTrans{
			IsLooseEnd:       isLoose,
			TranID:           tdes.TranID,
			State:            tdes.State,
			HeadLSA:          tdes.HeadLSA,
			TailLSA:          tdes.TailLSA,
			UndoNxLSA:        tdes.UndoNxLSA,
			PospNxLSA:        tdes.PospNxLSA,
			SaveptLSA:        tdes.SaveptLSA,
			TailTopresultLSA: tdes.TailTopresultLSA,
			ClientUndoLSA:    tdes.ClientUndoLSA,
			ClientPospLSA:    tdes.ClientPospLSA,
			UserName:         tdes.Client.DBUser,
		})
		for _, top := range tdes.Topops {
			topops = append(topops, wal.ChkptTopop{
				TranID:        tdes.TranID,
				LastParentLSA: top.LastParentLSA,
				PospLSA:       top.PospLSA,
			})
		}
		return true
	})

	body := wal.ChkptBody{
		RedoLSA: redoLSA,
		NTrans:  int32(len(snaps)),
		NTops:   int32(len(topops)),
	}
	w := wal.NewWriter()
	body.Pack(w)
	crumbs := [][]byte{w.Bytes()}
	for i := range snaps {
		sw := wal.NewWriter()
		snaps[i].Pack(sw)
		crumbs = append(crumbs, sw.Bytes())
	}
	for i := range topops {
		tw := wal.NewWriter()
		topops[i].Pack(tw)
		crumbs = append(crumbs, tw.Bytes())
	}
	if _, err = c.logMgr.Append(wal.AppendSpec{
		TranID:      sys.TranID,
		PrevTranLSA: wal.NullLSA,
		Type:        wal.RecEndChkpt,
		Crumbs:      crumbs,
	}); err != nil {
		return wal.NullLSA, errors.Trace(err)
	}

	if err = c.logMgr.FlushAll(); err != nil {
		return wal.NullLSA, errors.Trace(err)
	}
	c.logMgr.Hdr.ChkptLSA = startLSA
	if err = c.logMgr.FlushHeader(); err != nil {
		return wal.NullLSA, errors.Trace(err)
	}
	c.logMgr.ChkptTaken()

	// 归档裁剪授权: 存活事务最老head之前的归档不再需要
	if minPage := c.table.MinHeadLSAPage(); minPage > 0 {
		if err = c.logMgr.DeleteUnneededArchives(minPage); err != nil {
			logger.Errorf("archive pruning after checkpoint: %v\n", err)
		}
	}

	if c.OnDone != nil {
		c.OnDone(startLSA)
	}
	logger.Infof("checkpoint at %s redo=%s ntrans=%d ntops=%d\n",
		startLSA, redoLSA, len(snaps), len(topops))
	return startLSA, nil
}

// RunDaemon 检查点守护循环
// 追加页数达到chkpt_every_npages或显式请求时打点。
func (c *Checkpointer) RunDaemon(ctx context.Context) error {
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if c.logMgr.ChkptNeeded() {
				if _, err := c.Execute(); err != nil {
					logger.Errorf("checkpoint: %v\n", err)
				}
			}
		}
	}
}
