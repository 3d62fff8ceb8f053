package wal

import (
	"strconv"
	"sync"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xtide-server/util"
	uatomic "go.uber.org/atomic"
	"golang.org/x/sync/singleflight"
)

// ErrNoUnfixedSlot 缓冲全部被钉住, 无法淘汰
var ErrNoUnfixedSlot = errors.New("wal: all log buffers are fixed")

// MinNBuffers 日志页缓冲的页数下限
const MinNBuffers = 3

// PageSource 日志页的后备读取来源(活动日志或归档)
type PageSource interface {
	// ReadLogPage 把逻辑页读进buf, 返回该页是否来自归档
	ReadLogPage(pageID int32, buf []byte) (inArchive bool, err error)
}

// BufSlot 日志页缓冲槽
type BufSlot struct {
	PageID        int32
	PhyPageID     int32
	FixCnt        uatomic.Int32
	RecentlyFreed uatomic.Bool // 时钟扫描的第二次机会
	InArchive     bool
	Dirty         bool
	Drop          bool
	Pg            *Page

	hashNext int32 // 桶内链
}

// PageBuffer 固定容量的日志页缓冲
// 时钟置换, 只扫未钉住的槽; 查找经由xxhash分桶的散列表。
type PageBuffer struct {
	mu        sync.Mutex
	slots     []*BufSlot
	clockHand int
	buckets   []int32 // 桶头: slots下标, -1为空
	bucketMask uint64
	pageSize  int
	src       PageSource
	readGroup singleflight.Group
}

// NewPageBuffer 创建nbuffers页的缓冲
func NewPageBuffer(nbuffers, pageSize int, src PageSource) *PageBuffer {
	if nbuffers < MinNBuffers {
		nbuffers = MinNBuffers
	}
	nbuckets := 1
	for nbuckets < nbuffers*2 {
		nbuckets <<= 1
	}
	pb := &PageBuffer{
		slots:      make([]*BufSlot, nbuffers),
		buckets:    make([]int32, nbuckets),
		bucketMask: uint64(nbuckets - 1),
		pageSize:   pageSize,
		src:        src,
	}
	for i := range pb.slots {
		pb.slots[i] = &BufSlot{PageID: -1, Pg: NewPage(pageSize), hashNext: -1}
	}
	for i := range pb.buckets {
		pb.buckets[i] = -1
	}
	return pb
}

func (pb *PageBuffer) bucketOf(pageID int32) uint64 {
	return util.HashPageID(pageID) & pb.bucketMask
}

// lookupLocked 散列查找, 命中返回槽下标
func (pb *PageBuffer) lookupLocked(pageID int32) int32 {
	for idx := pb.buckets[pb.bucketOf(pageID)]; idx >= 0; idx = pb.slots[idx].hashNext {
		if pb.slots[idx].PageID == pageID {
			return idx
		}
	}
	return -1
}

func (pb *PageBuffer) insertLocked(idx int32) {
	b := pb.bucketOf(pb.slots[idx].PageID)
	pb.slots[idx].hashNext = pb.buckets[b]
	pb.buckets[b] = idx
}

func (pb *PageBuffer) removeLocked(idx int32) {
	b := pb.bucketOf(pb.slots[idx].PageID)
	cur := pb.buckets[b]
	if cur == idx {
		pb.buckets[b] = pb.slots[idx].hashNext
		pb.slots[idx].hashNext = -1
		return
	}
	for cur >= 0 {
		next := pb.slots[cur].hashNext
		if next == idx {
			pb.slots[cur].hashNext = pb.slots[idx].hashNext
			pb.slots[idx].hashNext = -1
			return
		}
		cur = next
	}
}

// victimLocked 时钟扫描选择牺牲槽
// recently_freed的槽给一次机会; 脏槽与钉住的槽跳过。
func (pb *PageBuffer) victimLocked() (int, error) {
	n := len(pb.slots)
	for round := 0; round < 2*n; round++ {
		idx := pb.clockHand
		pb.clockHand = (pb.clockHand + 1) % n
		s := pb.slots[idx]
		if s.FixCnt.Load() > 0 || s.Dirty {
			continue
		}
		if s.RecentlyFreed.Load() {
			s.RecentlyFreed.Store(false)
			continue
		}
		return idx, nil
	}
	return 0, errors.Trace(ErrNoUnfixedSlot)
}

// Fix 钉住一个日志页, 不在缓冲时从后备源读入
func (pb *PageBuffer) Fix(pageID int32) (*BufSlot, error) {
	pb.mu.Lock()
	if idx := pb.lookupLocked(pageID); idx >= 0 {
		s := pb.slots[idx]
		s.FixCnt.Inc()
		pb.mu.Unlock()
		return s, nil
	}
	pb.mu.Unlock()

	// 同页并发miss只读一次
	v, err, _ := pb.readGroup.Do(strconv.Itoa(int(pageID)), func() (interface{}, error) {
		return pb.readAndInstall(pageID)
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	s := v.(*BufSlot)
	// singleflight的followers也要自己加一次fix
	pb.mu.Lock()
	if s.PageID != pageID || s.Drop {
		pb.mu.Unlock()
		return pb.Fix(pageID) // 槽在间隙里被回收, 重来
	}
	s.FixCnt.Inc()
	pb.mu.Unlock()
	return s, nil
}

func (pb *PageBuffer) readAndInstall(pageID int32) (*BufSlot, error) {
	buf := make([]byte, pb.pageSize)
	inArchive, err := pb.src.ReadLogPage(pageID, buf)
	if err != nil {
		return nil, errors.Trace(err)
	}
	pb.mu.Lock()
	defer pb.mu.Unlock()
	if idx := pb.lookupLocked(pageID); idx >= 0 {
		return pb.slots[idx], nil
	}
	idx, err := pb.victimLocked()
	if err != nil {
		return nil, errors.Trace(err)
	}
	s := pb.slots[idx]
	if s.PageID >= 0 {
		pb.removeLocked(int32(idx))
	}
	copy(s.Pg.Data, buf)
	s.Pg.LoadHeader()
	if s.Pg.LogicalPageID != pageID {
		// 循环日志里该物理槽还没写过这一代逻辑页
		return nil, errors.Annotatef(ErrPageCorrupted,
			"logical page %d not found (stale page %d)", pageID, s.Pg.LogicalPageID)
	}
	s.PageID = pageID
	s.InArchive = inArchive
	s.Dirty = false
	s.Drop = false
	pb.insertLocked(int32(idx))
	return s, nil
}

// AllocNew 为追加路径分配一个新的空页槽(不读后备源)
func (pb *PageBuffer) AllocNew(pageID int32, phyPageID int32) (*BufSlot, error) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	if idx := pb.lookupLocked(pageID); idx >= 0 {
		s := pb.slots[idx]
		s.FixCnt.Inc()
		return s, nil
	}
	idx, err := pb.victimLocked()
	if err != nil {
		return nil, errors.Trace(err)
	}
	s := pb.slots[idx]
	if s.PageID >= 0 {
		pb.removeLocked(int32(idx))
	}
	s.Pg.Reset(pageID)
	s.PageID = pageID
	s.PhyPageID = phyPageID
	s.InArchive = false
	s.Dirty = false
	s.Drop = false
	s.FixCnt.Inc()
	pb.insertLocked(int32(idx))
	return s, nil
}

// Unfix 释放钉住
func (pb *PageBuffer) Unfix(s *BufSlot) {
	if s.FixCnt.Dec() == 0 {
		s.RecentlyFreed.Store(true)
	}
}

// SetDirty 标脏, 由追加路径在页内容变化后调用
func (pb *PageBuffer) SetDirty(s *BufSlot) {
	pb.mu.Lock()
	s.Dirty = true
	pb.mu.Unlock()
}

// DirtySlots 按pageid升序返回当前所有脏槽
// flusher据此保证追加单调性: 不跳页刷写。
func (pb *PageBuffer) DirtySlots() []*BufSlot {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	var out []*BufSlot
	for _, s := range pb.slots {
		if s.PageID >= 0 && s.Dirty {
			out = append(out, s)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].PageID > out[j].PageID; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// MarkClean 刷写完成后清脏
func (pb *PageBuffer) MarkClean(s *BufSlot) {
	pb.mu.Lock()
	s.Dirty = false
	pb.mu.Unlock()
}

// InvalidateAll 丢弃全部缓冲内容(unformat后)
func (pb *PageBuffer) InvalidateAll() {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	for i, s := range pb.slots {
		if s.PageID >= 0 {
			pb.removeLocked(int32(i))
		}
		s.PageID = -1
		s.Dirty = false
		s.Drop = true
	}
}
