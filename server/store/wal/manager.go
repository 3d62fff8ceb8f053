package wal

import (
	"os"
	"path"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xtide-server/logger"
	"github.com/zhukovaskychina/xtide-server/server/common"
	"github.com/zhukovaskychina/xtide-server/server/store/io"
	"github.com/zhukovaskychina/xtide-server/server/store/latch"
	uatomic "go.uber.org/atomic"
)

// Config 日志管理器配置
type Config struct {
	Dir                      string
	Prefix                   string // 数据库名, 文件名前缀
	PageSize                 int    // db_logpagesize
	NBuffers                 int    // log_nbuffers
	NPages                   int32  // 活动日志循环区页数
	GroupCommitIntervalMsecs int    // 0关闭批量提交
	BgArchive                bool   // 后台归档暂存
	ChkptEveryNPages         int32
}

// Stats 日志层统计
type Stats struct {
	TotalAppendPageCount uatomic.Int64
	TotalSyncCount       uatomic.Int64
	FlushCallCount       uatomic.Int64
	CommitCount          uatomic.Int64
	GroupCommitCount     uatomic.Int64
	ArchiveCount         uatomic.Int64
}

// Manager 预写日志管理器
// 活动日志头, 追加游标, 页缓冲, 组提交与归档都收拢在这一个值里,
// CSECT_LOG保护追加路径与头变更。
type Manager struct {
	cs  *latch.Csect
	cfg Config

	Hdr    *ActiveHeader
	active *io.Volume
	pb     *PageBuffer

	// 追加状态
	appendSlot  *BufSlot // 当前追加页, 常驻钉住
	delayedSlot *BufSlot // 上一条记录头所在页, 钉住以便回填forw_lsa
	prevLSA     LSA      // 上一条已追加记录的地址
	appending   bool     // 一条记录正在落页, 其间不得写EOL哨兵

	// 刷写状态
	flushMu    sync.Mutex
	flushedLSA LSA // 此前的日志字节已全部落盘

	gc groupCommitState

	arv struct {
		vol *io.Volume
		hdr ArchiveHeader
		num int32
		ok  bool
	}
	bgArv *bgArchiveState

	logInfo *InfoTrail

	pagesSinceChkpt uatomic.Int32
	chkptRequested  uatomic.Bool

	Stats Stats
}

// ActiveLogName 活动日志文件路径
func ActiveLogName(dir, prefix string) string {
	return path.Join(dir, prefix+"_lgat")
}

// ArchiveLogName 归档日志文件路径
func ArchiveLogName(dir, prefix string, arvNum int32) string {
	n := arvNum
	buf := []byte{'0', '0', '0'}
	for i := 2; i >= 0 && n > 0; i-- {
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return path.Join(dir, prefix+"_lgar"+string(buf))
}

// Create 格式化一个全新的活动日志
func Create(cfg Config, cs *latch.Csect, dbCreation int64, ioPageSize int32) (*Manager, error) {
	if cfg.NBuffers < MinNBuffers {
		cfg.NBuffers = MinNBuffers
	}
	ps := cfg.PageSize
	if ps < common.MinLogPageSize || ps > common.MaxLogPageSize || !common.IsPowerOfTwo(ps) {
		return nil, errors.Trace(ErrBadPageSize)
	}
	vol, err := io.Format(ActiveLogName(cfg.Dir, cfg.Prefix), ps, cfg.NPages+1)
	if err != nil {
		return nil, errors.Trace(err)
	}
	m := &Manager{
		cs:      cs,
		cfg:     cfg,
		Hdr:     NewActiveHeader(cfg.Prefix, dbCreation, ioPageSize, int32(ps), cfg.NPages),
		active:  vol,
		prevLSA: NullLSA,
	}
	m.pb = NewPageBuffer(cfg.NBuffers, ps, m)
	m.gc.init(time.Duration(cfg.GroupCommitIntervalMsecs) * time.Millisecond)
	m.logInfo = NewInfoTrail(path.Join(cfg.Dir, cfg.Prefix+"_lginf"))
	if cfg.BgArchive {
		m.bgArv = newBgArchiveState(cfg.Dir, cfg.Prefix)
	}
	m.flushedLSA = LSA{PageID: 0, Offset: 0}
	if err = m.flushHeaderLocked(); err != nil {
		vol.Dismount()
		return nil, errors.Trace(err)
	}
	if err = m.initFirstAppendPage(); err != nil {
		vol.Dismount()
		return nil, errors.Trace(err)
	}
	logger.Infof("created active log %s npages=%d pagesize=%d\n",
		vol.FullName(), cfg.NPages, ps)
	return m, nil
}

// Open 挂载既有活动日志
func Open(cfg Config, cs *latch.Csect) (*Manager, error) {
	if cfg.NBuffers < MinNBuffers {
		cfg.NBuffers = MinNBuffers
	}
	name := ActiveLogName(cfg.Dir, cfg.Prefix)
	// 头页先以最小页大小读出, 拿到真实页大小后按该页大小重新挂载
	vol, err := io.Mount(name, common.MinLogPageSize)
	if err != nil {
		return nil, errors.Annotatef(io.ErrMountFail, "log %s: %v", name, err)
	}
	buf := make([]byte, common.MinLogPageSize)
	if err = vol.ReadPage(0, buf); err != nil {
		vol.Dismount()
		return nil, errors.Trace(err)
	}
	hdr := &ActiveHeader{}
	if err = hdr.Unpack(NewReader(buf)); err != nil {
		vol.Dismount()
		return nil, errors.Trace(err)
	}
	if err = hdr.Validate(cfg.Prefix); err != nil {
		vol.Dismount()
		return nil, errors.Trace(err)
	}
	vol.Dismount()
	ps := int(hdr.DBLogPageSize)
	if vol, err = io.Mount(name, ps); err != nil {
		return nil, errors.Trace(err)
	}
	cfg.PageSize = ps
	cfg.NPages = hdr.NPages

	m := &Manager{
		cs:      cs,
		cfg:     cfg,
		Hdr:     hdr,
		active:  vol,
		prevLSA: NullLSA,
	}
	m.pb = NewPageBuffer(cfg.NBuffers, ps, m)
	m.gc.init(time.Duration(cfg.GroupCommitIntervalMsecs) * time.Millisecond)
	m.logInfo = NewInfoTrail(path.Join(cfg.Dir, cfg.Prefix+"_lginf"))
	if cfg.BgArchive {
		m.bgArv = newBgArchiveState(cfg.Dir, cfg.Prefix)
	}
	m.flushedLSA = hdr.AppendLSA
	m.Hdr.IsShutdown = 0
	logger.Infof("mounted active log %s append=%s chkpt=%s\n",
		name, hdr.AppendLSA, hdr.ChkptLSA)
	return m, nil
}

// PageSizeBytes 日志页大小
func (m *Manager) PageSizeBytes() int { return m.cfg.PageSize }

// PayloadCap 每页载荷容量
func (m *Manager) PayloadCap() int { return PayloadSize(m.cfg.PageSize) }

// Buffer 日志页缓冲
func (m *Manager) Buffer() *PageBuffer { return m.pb }

// InfoTrail 日志信息轨迹
func (m *Manager) InfoTrail() *InfoTrail { return m.logInfo }

// Csect 日志临界区
func (m *Manager) Csect() *latch.Csect { return m.cs }

// ReadLogPage 实现PageSource: 活动区或归档读取
// 归档读取不重试, 失败直接返回错误。
func (m *Manager) ReadLogPage(pageID int32, buf []byte) (bool, error) {
	if pageID >= m.Hdr.NxArvPageID {
		phy := m.Hdr.PhysicalPageID(pageID)
		if err := m.active.ReadPage(phy, buf); err != nil {
			return false, errors.Trace(err)
		}
		return false, nil
	}
	if err := m.readFromArchive(pageID, buf); err != nil {
		return true, errors.Trace(err)
	}
	return true, nil
}

// readFromArchive 定位并读取归档页
func (m *Manager) readFromArchive(pageID int32, buf []byte) error {
	if m.arv.ok && m.arv.hdr.ContainsPage(pageID) {
		phy := pageID - m.arv.hdr.FPageID + 1
		return errors.Trace(m.arv.vol.ReadPage(phy, buf))
	}
	// 从最新往回找覆盖该页的归档
	for num := m.Hdr.NxArvNum - 1; num >= 0; num-- {
		name := ArchiveLogName(m.cfg.Dir, m.cfg.Prefix, num)
		if _, err := os.Stat(name); err != nil {
			continue
		}
		vol, err := io.Mount(name, m.cfg.PageSize)
		if err != nil {
			return errors.Trace(err)
		}
		hbuf := make([]byte, m.cfg.PageSize)
		if err = vol.ReadPage(0, hbuf); err != nil {
			vol.Dismount()
			return errors.Trace(err)
		}
		var ah ArchiveHeader
		if err = ah.Unpack(NewReader(hbuf)); err != nil {
			vol.Dismount()
			return errors.Trace(err)
		}
		if err = ah.Validate(); err != nil {
			vol.Dismount()
			return errors.Trace(err)
		}
		if !ah.ContainsPage(pageID) {
			vol.Dismount()
			if pageID >= ah.FPageID+ah.NPages {
				break // 更老的归档更不可能包含
			}
			continue
		}
		if m.arv.ok {
			m.arv.vol.Dismount()
		}
		m.arv.vol = vol
		m.arv.hdr = ah
		m.arv.num = num
		m.arv.ok = true
		phy := pageID - ah.FPageID + 1
		return errors.Trace(vol.ReadPage(phy, buf))
	}
	return errors.Annotatef(ErrPageCorrupted, "logical page %d not in any archive", pageID)
}

// initFirstAppendPage 新库的第一张追加页
func (m *Manager) initFirstAppendPage() error {
	m.cs.Enter()
	defer m.cs.Exit()
	slot, err := m.pb.AllocNew(0, m.Hdr.PhysicalPageID(0))
	if err != nil {
		return errors.Trace(err)
	}
	m.appendSlot = slot
	m.pb.SetDirty(slot)
	return nil
}

// RestoreAppendState 恢复后重建追加游标
// prevLSA是日志中最后一条完整记录的地址。
func (m *Manager) RestoreAppendState(appendLSA, prevLSA LSA) error {
	m.cs.Enter()
	defer m.cs.Exit()
	m.Hdr.AppendLSA = appendLSA
	m.Hdr.EOFLSA = appendLSA
	m.prevLSA = prevLSA
	if m.appendSlot != nil {
		m.pb.Unfix(m.appendSlot)
		m.appendSlot = nil
	}
	slot, err := m.pb.Fix(appendLSA.PageID)
	if err != nil {
		// 页还没写过(刚好停在页边界), 新建
		slot, err = m.pb.AllocNew(appendLSA.PageID, m.Hdr.PhysicalPageID(appendLSA.PageID))
		if err != nil {
			return errors.Trace(err)
		}
	}
	m.appendSlot = slot
	m.pb.SetDirty(slot)
	m.flushMu.Lock()
	m.flushedLSA = appendLSA
	m.flushMu.Unlock()
	return nil
}

// flushHeaderLocked 把活动日志头写到物理页0并落盘
func (m *Manager) flushHeaderLocked() error {
	w := NewWriter()
	m.Hdr.Pack(w)
	buf := make([]byte, m.cfg.PageSize)
	copy(buf, w.Bytes())
	if err := m.active.WritePage(0, buf); err != nil {
		return errors.Trace(err)
	}
	if err := m.active.Sync(); err != nil {
		return errors.Trace(err)
	}
	m.Stats.TotalSyncCount.Inc()
	return nil
}

// FlushHeader 对外暴露的头刷写(检查点等)
func (m *Manager) FlushHeader() error {
	m.cs.Enter()
	defer m.cs.Exit()
	return m.flushHeaderLocked()
}

// NextTranID 在CSECT_LOG内派发新事务号
func (m *Manager) NextTranID() int32 {
	m.cs.Enter()
	defer m.cs.Exit()
	id := m.Hdr.NextTranID
	m.Hdr.NextTranID++
	return id
}

// ChkptNeeded 自上次检查点以来追加页数是否达到阈值
func (m *Manager) ChkptNeeded() bool {
	if m.chkptRequested.Load() {
		return true
	}
	return m.cfg.ChkptEveryNPages > 0 && m.pagesSinceChkpt.Load() >= m.cfg.ChkptEveryNPages
}

// RequestChkpt 显式请求检查点
func (m *Manager) RequestChkpt() { m.chkptRequested.Store(true) }

// ChkptTaken 检查点完成, 复位调度计数
func (m *Manager) ChkptTaken() {
	m.pagesSinceChkpt.Store(0)
	m.chkptRequested.Store(false)
}

// Shutdown 静默关闭: final flush并标记is_shutdown
func (m *Manager) Shutdown() error {
	m.cs.Enter()
	defer m.cs.Exit()
	if err := m.flushAllAppendPagesLocked(); err != nil {
		return errors.Trace(err)
	}
	m.Hdr.IsShutdown = 1
	if err := m.flushHeaderLocked(); err != nil {
		return errors.Trace(err)
	}
	if m.arv.ok {
		m.arv.vol.Dismount()
		m.arv.ok = false
	}
	return errors.Trace(m.active.Dismount())
}
