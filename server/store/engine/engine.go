package engine

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xtide-server/logger"
	"github.com/zhukovaskychina/xtide-server/server/conf"
	"github.com/zhukovaskychina/xtide-server/server/store/basic"
	"github.com/zhukovaskychina/xtide-server/server/store/disk"
	"github.com/zhukovaskychina/xtide-server/server/store/io"
	"github.com/zhukovaskychina/xtide-server/server/store/latch"
	"github.com/zhukovaskychina/xtide-server/server/store/pgbuf"
	"github.com/zhukovaskychina/xtide-server/server/store/recovery"
	"github.com/zhukovaskychina/xtide-server/server/store/trans"
	"github.com/zhukovaskychina/xtide-server/server/store/wal"
	"golang.org/x/sync/errgroup"
)

// Engine 存储核心的进程内单例集合
// 日志头, 追加游标, 刷写阈值与卷缓存都收拢到这一个值里,
// 命名临界区按固定顺序加锁。
type Engine struct {
	Cfg   *conf.Cfg
	Cs    *latch.Set
	Reg   *io.Registry
	Log   *wal.Manager
	Pgbuf *pgbuf.Manager
	Disk  *disk.Manager
	Table *trans.Table
	TranMap *trans.TranIDMap
	Chkpt *recovery.Checkpointer

	eg     *errgroup.Group
	cancel context.CancelFunc
}

// dbFullName 第0卷路径
func dbFullName(cfg *conf.Cfg) string {
	return filepath.Join(cfg.DataDir, cfg.Name)
}

// build 公共装配
func build(cfg *conf.Cfg, logMgr *wal.Manager, cs *latch.Set, reg *io.Registry) *Engine {
	pb := pgbuf.NewManager(cfg.DataNBuffers, cfg.IOPageSize, reg, logMgr.FlushLogForWAL)
	cache := disk.NewVolCache(cs.Get(latch.CsectDiskRefreshGoodvol))
	dm := disk.NewManager(disk.Config{
		DBFullName:  dbFullName(cfg),
		IOPageSize:  cfg.IOPageSize,
		MaxTmpPages: int32(cfg.MaxTmpPages),
	}, pb, reg, cache)
	dm.RegisterRecovery()
	table := trans.NewTable(cfg.MaxClients+1, cs.Get(latch.CsectTranTable), logMgr, pb)
	e := &Engine{
		Cfg:     cfg,
		Cs:      cs,
		Reg:     reg,
		Log:     logMgr,
		Pgbuf:   pb,
		Disk:    dm,
		Table:   table,
		TranMap: trans.NewTranIDMap(cs.Get(latch.CsectTranIDMap)),
	}
	e.Chkpt = recovery.NewCheckpointer(logMgr, table, pb)
	e.Chkpt.OnDone = func(chkptLSA wal.LSA) {
		// 卷头打点, 介质恢复以此为界
		reg.Each(func(volID int16, _ *io.Volume) bool {
			if err := dm.SetCheckpoint(volID, chkptLSA); err != nil {
				logger.Errorf("set checkpoint on volume %d: %v\n", volID, err)
			}
			return true
		})
	}
	return e
}

// walConfig 日志层配置
func walConfig(cfg *conf.Cfg) wal.Config {
	return wal.Config{
		Dir:                      cfg.DataDir,
		Prefix:                   cfg.Name,
		PageSize:                 cfg.LogPageSize,
		NBuffers:                 cfg.LogNBuffers,
		NPages:                   int32(cfg.LogNPages),
		GroupCommitIntervalMsecs: cfg.GroupCommitIntervalMsecs,
		BgArchive:                cfg.LogBgArchive,
		ChkptEveryNPages:         int32(cfg.ChkptEveryNPages),
	}
}

// Create 初始化一个全新的数据库
// 活动日志 + 第0卷(GENERIC用途), 格式化动作由系统事务记账。
func Create(cfg *conf.Cfg, npages int32) (*Engine, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, errors.Trace(err)
	}
	cs := latch.NewSet()
	reg := io.NewRegistry()
	now := time.Now().UnixNano()
	logMgr, err := wal.Create(walConfig(cfg), cs.Get(latch.CsectLog), now, int32(cfg.IOPageSize))
	if err != nil {
		return nil, errors.Trace(err)
	}
	e := build(cfg, logMgr, cs, reg)

	sys := e.Table.SystemTDES()
	if _, err = e.Disk.Format(cfg.Name, 0, dbFullName(cfg), "first volume",
		npages, disk.PermGenericPurpose, sys); err != nil {
		logMgr.Shutdown()
		return nil, errors.Trace(err)
	}
	if err = logMgr.FlushAll(); err != nil {
		return nil, errors.Trace(err)
	}
	if _, err = e.Chkpt.Execute(); err != nil {
		return nil, errors.Trace(err)
	}
	if err = logMgr.InfoTrail().Append(wal.InfoMsgCreated, cfg.Name); err != nil {
		logger.Errorf("log info trail: %v\n", err)
	}
	e.startDaemons()
	logger.Infof("created database %s at %s\n", cfg.Name, cfg.DataDir)
	return e, nil
}

// Open 挂载既有数据库并执行崩溃恢复
func Open(cfg *conf.Cfg) (*Engine, error) {
	cs := latch.NewSet()
	reg := io.NewRegistry()
	logMgr, err := wal.Open(walConfig(cfg), cs.Get(latch.CsectLog))
	if err != nil {
		return nil, errors.Trace(err)
	}
	e := build(cfg, logMgr, cs, reg)

	// 顺着next_vol链逐卷挂载
	if err = e.mountVolumes(); err != nil {
		logMgr.Shutdown()
		return nil, errors.Trace(err)
	}

	rec := recovery.New(logMgr, e.Table, e.Pgbuf)
	if err = rec.Run(); err != nil {
		logMgr.Shutdown()
		return nil, errors.Trace(err)
	}
	if _, err = e.Chkpt.Execute(); err != nil {
		return nil, errors.Trace(err)
	}
	e.startDaemons()
	logger.Infof("opened database %s, append=%s\n", cfg.Name, logMgr.Hdr.AppendLSA)
	return e, nil
}

// mountVolumes 从第0卷起沿链挂载全部卷
func (e *Engine) mountVolumes() error {
	name := dbFullName(e.Cfg)
	for volID := int16(0); name != ""; volID++ {
		vh, err := e.Disk.Mount(volID, name)
		if err != nil {
			return errors.Annotatef(err, "volume %d (%s)", volID, name)
		}
		name = vh.NextVolFullName
	}
	return nil
}

// startDaemons 组提交flusher/后台归档/检查点守护
func (e *Engine) startDaemons() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	eg, ctx := errgroup.WithContext(ctx)
	e.eg = eg
	eg.Go(func() error { return e.Log.RunGroupCommitFlusher(ctx) })
	eg.Go(func() error { return e.Log.RunBackgroundArchiver(ctx) })
	eg.Go(func() error { return e.Chkpt.RunDaemon(ctx) })
}

// BeginTran 开启一个客户端事务
func (e *Engine) BeginTran(client trans.ClientIDs, waitSecs int,
	isolation basic.TranIsolation) (*trans.TDES, error) {
	return e.Table.AssignIndex(-1, client, waitSecs, isolation)
}

// EndTran 提交或中止并归还槽位
func (e *Engine) EndTran(tdes *trans.TDES, commit bool) error {
	var err error
	if commit {
		err = tdes.Commit()
	} else {
		err = tdes.Abort()
	}
	e.Table.FreeIndex(tdes)
	return errors.Trace(err)
}

// Shutdown 静默关停: 守护退场, 数据页与日志落盘
func (e *Engine) Shutdown() error {
	if e.cancel != nil {
		e.cancel()
		e.eg.Wait()
	}
	if _, err := e.Chkpt.Execute(); err != nil {
		logger.Errorf("final checkpoint: %v\n", err)
	}
	if err := e.Pgbuf.FlushAll(); err != nil {
		return errors.Trace(err)
	}
	e.Reg.Each(func(volID int16, vol *io.Volume) bool {
		vol.Sync()
		return true
	})
	if err := e.Log.Shutdown(); err != nil {
		return errors.Trace(err)
	}
	e.Reg.Each(func(volID int16, vol *io.Volume) bool {
		vol.Dismount()
		return true
	})
	logger.Infof("database %s shut down\n", e.Cfg.Name)
	return nil
}
