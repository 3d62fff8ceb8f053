package pgbuf

import (
	"container/list"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xtide-server/server/store/io"
	"github.com/zhukovaskychina/xtide-server/server/store/wal"
)

// 数据页缓冲
// 磁盘管理器与上层堆/索引层经由这里存取卷页; 写出数据页之前
// 先通过FlushLogForWAL保证WAL规则。

var (
	ErrBadPageID        = errors.New("pgbuf: page id out of volume range")
	ErrLatchTimedOut    = errors.New("pgbuf: page latch timed out")
	ErrLatchAborted     = errors.New("pgbuf: page latch aborted")
	ErrInterrupted      = errors.New("pgbuf: transaction interrupted")
	ErrVolumeNotMounted = errors.New("pgbuf: volume not mounted")
)

// DataPageHeaderSize 数据页头: 页LSA(8)
const DataPageHeaderSize = 8

// TempLogLSA TEMP卷页携带的哨兵LSA, 表示不受WAL保护
var TempLogLSA = wal.LSA{PageID: -2, Offset: -2}

// VPID 卷页标识
type VPID struct {
	VolID  int16
	PageID int32
}

// Interruptible 中断观察点, 由事务描述符实现
type Interruptible interface {
	Interrupted() bool
}

// LatchMode 页闩模式
type LatchMode int

const (
	LatchRead LatchMode = iota
	LatchWrite
)

// PageHandle 一个被fix住的数据页
type PageHandle struct {
	VPID VPID
	Data []byte // 整页, 前8字节是页LSA

	frame *frame
	mode  LatchMode
}

// LSA 页LSA
func (h *PageHandle) LSA() wal.LSA {
	d := h.Data
	pageID := int32(uint32(d[0]) | uint32(d[1])<<8 | uint32(d[2])<<16 | uint32(d[3])<<24)
	off := int16(uint16(d[4]) | uint16(d[5])<<8)
	return wal.LSA{PageID: pageID, Offset: off}
}

// SetLSA 更新页LSA
func (h *PageHandle) SetLSA(l wal.LSA) {
	u := uint32(l.PageID)
	h.Data[0] = byte(u)
	h.Data[1] = byte(u >> 8)
	h.Data[2] = byte(u >> 16)
	h.Data[3] = byte(u >> 24)
	o := uint16(l.Offset)
	h.Data[4] = byte(o)
	h.Data[5] = byte(o >> 8)
	h.Data[6] = 0
	h.Data[7] = 0
}

// Payload 页LSA之后的内容区
func (h *PageHandle) Payload() []byte {
	return h.Data[DataPageHeaderSize:]
}

type frame struct {
	vpid    VPID
	data    []byte
	dirty   bool
	fixCnt  int
	latch   pageLatch
	lruElem *list.Element
}

// Manager 数据页缓冲管理器
type Manager struct {
	mu        sync.Mutex
	frames    map[VPID]*frame
	lru       *list.List // 前端最新
	poolSize  int
	pageSize  int
	reg       *io.Registry
	flushWAL  func(wal.LSA) error

	latchTimeout time.Duration
}

// NewManager 创建数据页缓冲
// flushWAL为WAL规则钩子, 写出脏页前调用。
func NewManager(poolSize, pageSize int, reg *io.Registry, flushWAL func(wal.LSA) error) *Manager {
	if poolSize < 8 {
		poolSize = 8
	}
	return &Manager{
		frames:       make(map[VPID]*frame),
		lru:          list.New(),
		poolSize:     poolSize,
		pageSize:     pageSize,
		reg:          reg,
		flushWAL:     flushWAL,
		latchTimeout: 5 * time.Second,
	}
}

// Fix 取数据页并加闩
// intr非nil时在取页入口观察中断标志。
func (m *Manager) Fix(vpid VPID, mode LatchMode, intr Interruptible) (*PageHandle, error) {
	if intr != nil && intr.Interrupted() {
		return nil, errors.Trace(ErrInterrupted)
	}
	fr, err := m.fixFrame(vpid)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !fr.latch.acquire(mode, m.latchTimeout) {
		m.unfixFrame(fr)
		return nil, errors.Trace(ErrLatchTimedOut)
	}
	return &PageHandle{VPID: vpid, Data: fr.data, frame: fr, mode: mode}, nil
}

func (m *Manager) fixFrame(vpid VPID) (*frame, error) {
	m.mu.Lock()
	if fr, ok := m.frames[vpid]; ok {
		fr.fixCnt++
		m.lru.MoveToFront(fr.lruElem)
		m.mu.Unlock()
		return fr, nil
	}
	m.mu.Unlock()

	vol, ok := m.reg.Get(vpid.VolID)
	if !ok {
		return nil, errors.Annotatef(ErrVolumeNotMounted, "volid %d", vpid.VolID)
	}
	if vpid.PageID < 0 || vpid.PageID >= vol.NPages() {
		return nil, errors.Annotatef(ErrBadPageID, "vpid %d|%d", vpid.VolID, vpid.PageID)
	}
	data := make([]byte, m.pageSize)
	if err := vol.ReadPage(vpid.PageID, data); err != nil {
		return nil, errors.Trace(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if fr, ok := m.frames[vpid]; ok {
		fr.fixCnt++
		m.lru.MoveToFront(fr.lruElem)
		return fr, nil
	}
	if err := m.evictIfFullLocked(); err != nil {
		return nil, errors.Trace(err)
	}
	fr := &frame{vpid: vpid, data: data, fixCnt: 1}
	fr.lruElem = m.lru.PushFront(fr)
	m.frames[vpid] = fr
	return fr, nil
}

// evictIfFullLocked 池满时从LRU尾部淘汰一个未fix的帧
func (m *Manager) evictIfFullLocked() error {
	for len(m.frames) >= m.poolSize {
		var victim *frame
		for e := m.lru.Back(); e != nil; e = e.Prev() {
			fr := e.Value.(*frame)
			if fr.fixCnt == 0 {
				victim = fr
				break
			}
		}
		if victim == nil {
			return errors.New("pgbuf: buffer pool is full of fixed pages")
		}
		if victim.dirty {
			if err := m.writeFrameLocked(victim); err != nil {
				return errors.Trace(err)
			}
		}
		m.lru.Remove(victim.lruElem)
		delete(m.frames, victim.vpid)
	}
	return nil
}

// writeFrameLocked WAL规则后写出一帧
func (m *Manager) writeFrameLocked(fr *frame) error {
	lsa := frameLSA(fr.data)
	if m.flushWAL != nil && !lsa.Equal(TempLogLSA) {
		if err := m.flushWAL(lsa); err != nil {
			return errors.Trace(err)
		}
	}
	vol, ok := m.reg.Get(fr.vpid.VolID)
	if !ok {
		return errors.Annotatef(ErrVolumeNotMounted, "volid %d", fr.vpid.VolID)
	}
	if err := vol.WritePage(fr.vpid.PageID, fr.data); err != nil {
		return errors.Trace(err)
	}
	fr.dirty = false
	return nil
}

func frameLSA(d []byte) wal.LSA {
	pageID := int32(uint32(d[0]) | uint32(d[1])<<8 | uint32(d[2])<<16 | uint32(d[3])<<24)
	off := int16(uint16(d[4]) | uint16(d[5])<<8)
	return wal.LSA{PageID: pageID, Offset: off}
}

func (m *Manager) unfixFrame(fr *frame) {
	m.mu.Lock()
	fr.fixCnt--
	m.mu.Unlock()
}

// Unfix 释放页闩与fix
func (m *Manager) Unfix(h *PageHandle) {
	h.frame.latch.release(h.mode)
	m.unfixFrame(h.frame)
}

// SetDirty 标脏
func (m *Manager) SetDirty(h *PageHandle) {
	m.mu.Lock()
	h.frame.dirty = true
	m.mu.Unlock()
}

// NewPage 初始化一张新页(清零并写入LSA哨兵或NULL)
func (m *Manager) NewPage(vpid VPID, temp bool) (*PageHandle, error) {
	h, err := m.Fix(vpid, LatchWrite, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	for i := range h.Data {
		h.Data[i] = 0
	}
	if temp {
		h.SetLSA(TempLogLSA)
	} else {
		h.SetLSA(wal.NullLSA)
	}
	m.SetDirty(h)
	return h, nil
}

// FlushAll 写出全部脏页
func (m *Manager) FlushAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, fr := range m.frames {
		if fr.dirty {
			if err := m.writeFrameLocked(fr); err != nil {
				return errors.Trace(err)
			}
		}
	}
	return nil
}

// FlushVolume 写出指定卷的脏页并fsync
func (m *Manager) FlushVolume(volID int16) error {
	m.mu.Lock()
	for _, fr := range m.frames {
		if fr.vpid.VolID == volID && fr.dirty {
			if err := m.writeFrameLocked(fr); err != nil {
				m.mu.Unlock()
				return errors.Trace(err)
			}
		}
	}
	m.mu.Unlock()
	vol, ok := m.reg.Get(volID)
	if !ok {
		return errors.Annotatef(ErrVolumeNotMounted, "volid %d", volID)
	}
	return errors.Trace(vol.Sync())
}

// InvalidateVolume 丢弃指定卷的全部缓冲页(unformat前)
func (m *Manager) InvalidateVolume(volID int16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for vpid, fr := range m.frames {
		if vpid.VolID == volID {
			m.lru.Remove(fr.lruElem)
			delete(m.frames, vpid)
		}
	}
}

// OldestDirtyLSA 当前脏页中最老的LSA, 作为检查点redo_lsa
// 无脏页时返回NullLSA。
func (m *Manager) OldestDirtyLSA() wal.LSA {
	m.mu.Lock()
	defer m.mu.Unlock()
	oldest := wal.NullLSA
	for _, fr := range m.frames {
		if !fr.dirty {
			continue
		}
		lsa := frameLSA(fr.data)
		if lsa.Equal(TempLogLSA) || lsa.IsNull() {
			continue
		}
		oldest = wal.MinLSA(oldest, lsa)
	}
	return oldest
}

// pageLatch 带超时的读写页闩
type pageLatch struct {
	mu      sync.Mutex
	cond    *sync.Cond
	writers int
	readers int
	inited  bool
}

func (l *pageLatch) lazyInit() {
	if !l.inited {
		l.cond = sync.NewCond(&l.mu)
		l.inited = true
	}
}

func (l *pageLatch) acquire(mode LatchMode, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	l.mu.Lock()
	l.lazyInit()
	defer l.mu.Unlock()

	wakeup := time.AfterFunc(timeout, func() { l.cond.Broadcast() })
	defer wakeup.Stop()

	for {
		if mode == LatchRead && l.writers == 0 {
			l.readers++
			return true
		}
		if mode == LatchWrite && l.writers == 0 && l.readers == 0 {
			l.writers = 1
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		l.cond.Wait()
	}
}

func (l *pageLatch) release(mode LatchMode) {
	l.mu.Lock()
	if mode == LatchRead {
		l.readers--
	} else {
		l.writers = 0
	}
	l.mu.Unlock()
	l.cond.Broadcast()
}
