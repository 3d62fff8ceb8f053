package applier

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/process"
	"github.com/zhukovaskychina/xtide-server/logger"
	"github.com/zhukovaskychina/xtide-server/server/store/wal"
)

// 复制应用者: 跟随主库日志流, 解出复制记录,
// 在副本库上重放行操作。

// State 应用者对外发布的状态
type State int

const (
	StateRecovering State = iota
	StateWorking
	StateDone
)

func (s State) String() string {
	switch s {
	case StateRecovering:
		return "RECOVERING"
	case StateWorking:
		return "WORKING"
	case StateDone:
		return "DONE"
	}
	return "UNKNOWN"
}

// ErrReguNoSpace 自我内存上限触顶, 退出等待外部重启
var ErrReguNoSpace = errors.New("applier: resident memory exceeds max_mem_size")

// ErrShutdown 连接断开等致命条件触发的关停
var ErrShutdown = errors.New("applier: shutting down")

// Counters 应用计数器
type Counters struct {
	Insert int64
	Update int64
	Delete int64
	Schema int64
	Commit int64
	Fail   int64
}

// Config 应用者配置
type Config struct {
	Dir          string // 主库日志副本所在目录
	Prefix       string
	ReplicaDSN   string
	DBName       string
	NBuffers     int
	MaxMemSizeMB uint64        // 0不限
	PollInterval time.Duration // 追上EOF后的轮询间隔
	SyncInterval time.Duration // 记账刷新间隔, 下限500ms
}

// Applier 日志应用者
type Applier struct {
	cfg Config
	src *LogSource
	pb  *wal.PageBuffer
	rr  *wal.RecordReader
	db  *DBClient

	lists     *lists
	final     wal.LSA // 下一条要读的记录
	lastDone  wal.LSA // 已处理过的最后一条(等forw回填时防止重放)
	committed wal.LSA // 已提交到副本的位置

	state        State
	counters     Counters
	requiredPage int32
	lastSync     time.Time
	inMultiUpd   int
	proc         *process.Process
}

// New 创建应用者
func New(cfg Config) (*Applier, error) {
	if cfg.SyncInterval < 500*time.Millisecond {
		cfg.SyncInterval = 500 * time.Millisecond
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	src, err := OpenLogSource(cfg.Dir, cfg.Prefix)
	if err != nil {
		return nil, err
	}
	db, err := OpenDBClient(cfg.ReplicaDSN, cfg.DBName)
	if err != nil {
		src.Close()
		return nil, err
	}
	proc, _ := process.NewProcess(int32(os.Getpid()))
	a := &Applier{
		cfg:      cfg,
		src:      src,
		db:       db,
		lists:    newLists(),
		state:    StateRecovering,
		lastDone: wal.NullLSA,
		proc:     proc,
	}
	a.pb = wal.NewPageBuffer(cfg.NBuffers, src.PageSize(), src)
	a.rr = wal.NewRecordReader(a.pb, src.PageSize())

	// 记账行定位续读点, 没有就从当前EOF开始
	start, err := db.EnsureApplyInfo(src.Hdr.EOFLSA)
	if err != nil {
		a.Close()
		return nil, err
	}
	if err = db.Commit(); err != nil {
		a.Close()
		return nil, err
	}
	a.final = start
	a.committed = start
	logger.Infof("applier starts at %s state=%s\n", a.final, a.state)
	return a, nil
}

// Close 收尾
func (a *Applier) Close() {
	a.db.Close()
	a.src.Close()
}

// State 当前状态
func (a *Applier) State() State { return a.state }

// Counters 计数快照
func (a *Applier) Counters() Counters { return a.counters }

// Run 应用者主循环
func (a *Applier) Run(ctx context.Context) error {
	defer a.Close()
	for {
		select {
		case <-ctx.Done():
			a.syncBookkeeping()
			return nil
		default:
		}
		if err := a.src.RefreshHeader(); err != nil {
			logger.Errorf("applier header refresh: %v\n", err)
			return errors.Wrap(ErrShutdown, err.Error())
		}

		progressed, err := a.consumeAvailable()
		if err != nil {
			return err
		}

		if time.Since(a.lastSync) >= a.cfg.SyncInterval {
			if err = a.periodicSync(); err != nil {
				return err
			}
		}
		if !progressed {
			select {
			case <-ctx.Done():
				a.syncBookkeeping()
				return nil
			case <-time.After(a.cfg.PollInterval):
			}
		}
	}
}

// consumeAvailable 把当前EOF之前的记录吃完
func (a *Applier) consumeAvailable() (bool, error) {
	progressed := false
	eof := a.src.Hdr.EOFLSA
	for a.final.Less(eof) {
		hdr, cur, err := a.rr.ReadHeader(a.final)
		if err != nil {
			// 页还没拷贝到位, 等下一轮
			logger.Debugf("applier waits at %s: %v\n", a.final, err)
			break
		}
		if !hdr.Type.IsValid() || hdr.Type == wal.RecEndOfLog {
			cur.Close()
			break
		}
		// 末尾记录的forw要等下一条追加才回填, 其间不能重放
		if !a.final.Equal(a.lastDone) {
			if err = a.consumeRecord(a.final, hdr, cur); err != nil {
				cur.Close()
				return progressed, err
			}
			a.lastDone = a.final
			progressed = true
		}
		cur.Close()
		if hdr.ForwLSA.IsNull() {
			break
		}
		a.final = hdr.ForwLSA
	}
	return progressed, nil
}

// consumeRecord 单条记录入清单/触发提交
func (a *Applier) consumeRecord(lsa wal.LSA, hdr wal.RecordHeader, cur *wal.SpanCursor) error {
	switch hdr.Type {
	case wal.RecReplicationData:
		body, payload, err := cur.ReadReplication()
		if err != nil {
			return errors.Wrap(ErrShutdown, err.Error())
		}
		kind, ok := itemKindOf(wal.RcvIndex(body.RcvIndex))
		if !ok {
			logger.Debugf("unknown replication rcvindex %d at %s\n", body.RcvIndex, lsa)
			return nil
		}
		a.lists.get(hdr.TranID).Add(&Item{
			Kind: kind, LSA: lsa, TargetLSA: body.TargetLSA, Payload: payload,
		})
	case wal.RecReplicationSchema:
		_, payload, err := cur.ReadReplication()
		if err != nil {
			return errors.Wrap(ErrShutdown, err.Error())
		}
		a.lists.get(hdr.TranID).Add(&Item{Kind: ItemSchema, LSA: lsa, Payload: payload})
	case wal.RecUnlockCommit:
		a.lists.enqueueUnlock(hdr.TranID, lsa)
	case wal.RecCommit, wal.RecCommitTopope:
		eot := int64(0)
		if hdr.Type == wal.RecCommit {
			body, err := cur.ReadDoneTime()
			if err != nil {
				return errors.Wrap(ErrShutdown, err.Error())
			}
			eot = body.AtTime
		} else {
			if _, err := cur.ReadTopopResult(); err != nil {
				return errors.Wrap(ErrShutdown, err.Error())
			}
		}
		if a.lists.fire(hdr.TranID, eot) {
			if err := a.drainCommitQueue(); err != nil {
				return err
			}
		}
	case wal.RecAbort, wal.RecAbortTopope, wal.RecUnlockAbort:
		a.lists.drop(hdr.TranID)
	case wal.RecEndChkpt:
		if _, _, _, err := cur.ReadEndChkpt(); err != nil {
			return errors.Wrap(ErrShutdown, err.Error())
		}
		// 归档裁剪授权: 活动清单最老head之前的页不再需要
		if min := a.lists.minHeadPage(); min >= 0 {
			a.requiredPage = min
		} else {
			a.requiredPage = lsa.PageID
		}
	}
	return nil
}

// drainCommitQueue 从队头按序重放已点火的提交
func (a *Applier) drainCommitQueue() error {
	for a.lists.commitHead != nil && a.lists.commitHead.State == CommitFired {
		e := a.lists.commitHead
		if err := a.applyTran(e); err != nil {
			return err
		}
		a.lists.commitHead = e.Next
		if a.lists.commitHead == nil {
			a.lists.commitTail = nil
		}
	}
	return nil
}

// applyTran 把一个事务的条目重放到副本并本地提交
func (a *Applier) applyTran(e *CommitEntry) error {
	l := a.lists.byTran[e.TranID]
	if l != nil {
		for it := l.Head; it != nil; it = it.Next {
			if err := a.applyItem(it); err != nil {
				if errors.Cause(err) == ErrCantConnect {
					return errors.Wrap(ErrShutdown, err.Error())
				}
				a.counters.Fail++
				logger.Errorf("apply item at %s: %v\n", it.LSA, err)
			}
		}
		a.lists.drop(e.TranID)
	}
	a.committed = e.LSA
	a.counters.Commit++
	if err := a.db.Commit(); err != nil {
		return errors.Wrap(ErrShutdown, err.Error())
	}
	return nil
}

// applyItem 单条重放
func (a *Applier) applyItem(it *Item) error {
	switch it.Kind {
	case ItemInsert:
		ri, err := UnpackRowImage(it.Payload)
		if err != nil {
			return err
		}
		if err = a.db.ApplyInsert(ri); err != nil {
			return err
		}
		a.counters.Insert++
	case ItemUpdate:
		ri, err := UnpackRowImage(it.Payload)
		if err != nil {
			return err
		}
		if err = a.db.ApplyUpdate(ri); err != nil {
			return err
		}
		a.counters.Update++
	case ItemDelete:
		ri, err := UnpackRowImage(it.Payload)
		if err != nil {
			return err
		}
		if err = a.db.ApplyDelete(ri); err != nil {
			return err
		}
		a.counters.Delete++
	case ItemUpdateStart:
		a.inMultiUpd++
	case ItemUpdateEnd:
		if a.inMultiUpd > 0 {
			a.inMultiUpd--
		}
		if a.inMultiUpd == 0 {
			// 成批更新的边界: 批内更新一并可见
			if err := a.db.Commit(); err != nil {
				return err
			}
		}
	case ItemSchema:
		si, err := UnpackSchemaImage(it.Payload)
		if err != nil {
			return err
		}
		if err = a.db.ApplySchema(si); err != nil {
			return err
		}
		a.counters.Schema++
	}
	return nil
}

// periodicSync 周期性记账/状态机/内存检查
func (a *Applier) periodicSync() error {
	a.syncBookkeeping()
	a.lastSync = time.Now()

	if err := a.updateState(); err != nil {
		return err
	}
	if a.cfg.MaxMemSizeMB > 0 && a.proc != nil {
		if mi, err := a.proc.MemoryInfo(); err == nil {
			if mi.RSS > a.cfg.MaxMemSizeMB*1024*1024 && a.lists.pending() == 0 {
				logger.Errorf("applier rss %d exceeds cap %dMB, exiting for restart\n",
					mi.RSS, a.cfg.MaxMemSizeMB)
				return ErrReguNoSpace
			}
		}
	}
	return nil
}

// syncBookkeeping 本地提交并刷新记账行
func (a *Applier) syncBookkeeping() {
	if err := a.db.UpdateApplyInfo(a.final, a.committed, &a.counters, a.requiredPage); err != nil {
		logger.Errorf("apply info update: %v\n", err)
		return
	}
	if err := a.db.Commit(); err != nil {
		logger.Errorf("apply info commit: %v\n", err)
	}
}

// updateState 状态机
// RECOVERING->WORKING: 主库ACTIVE/TO_BE_STANDBY且追上EOF且文件SYNCHRONIZED;
// WORKING->DONE: 主库STANDBY/DEAD且到EOF; 其余回RECOVERING。
// 状态切换先本地提交再发布, 记账与状态保持一致。
func (a *Applier) updateState() error {
	master := a.src.Hdr.HAServerState
	fileStatus := a.src.Hdr.HAFileStatus
	caughtUp := !a.final.Less(a.src.Hdr.EOFLSA)

	next := StateRecovering
	switch {
	case (master == wal.HAStateActive || master == wal.HAStateToBeStandby) &&
		caughtUp && fileStatus == wal.HAFileSynchronized:
		next = StateWorking
	case (master == wal.HAStateStandby || master == wal.HAStateDead) && caughtUp:
		next = StateDone
	}
	if next == a.state {
		return nil
	}
	if err := a.db.Commit(); err != nil {
		return errors.Wrap(ErrShutdown, err.Error())
	}
	if err := a.db.NotifyState(next); err != nil {
		return errors.Wrap(ErrShutdown, err.Error())
	}
	logger.Infof("applier state %s -> %s\n", a.state, next)
	a.state = next
	return nil
}

// itemKindOf rcvindex到条目种类
func itemKindOf(idx wal.RcvIndex) (ItemKind, bool) {
	switch idx {
	case wal.RVREPL_DATA_INSERT:
		return ItemInsert, true
	case wal.RVREPL_DATA_UPDATE:
		return ItemUpdate, true
	case wal.RVREPL_DATA_DELETE:
		return ItemDelete, true
	case wal.RVREPL_DATA_UPDATE_START:
		return ItemUpdateStart, true
	case wal.RVREPL_DATA_UPDATE_END:
		return ItemUpdateEnd, true
	case wal.RVREPL_SCHEMA:
		return ItemSchema, true
	}
	return ItemInsert, false
}
