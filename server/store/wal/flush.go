package wal

import (
	"github.com/juju/errors"
)

// flushAllAppendPagesLocked 把全部脏日志页写入活动文件并fsync一次
// 脏页按pageid升序写出, 保证追加单调性。
func (m *Manager) flushAllAppendPagesLocked() error {
	m.Stats.FlushCallCount.Inc()
	m.writeEOLLocked()

	dirty := m.pb.DirtySlots()
	if len(dirty) == 0 {
		return nil
	}
	for _, s := range dirty {
		if s.InArchive {
			continue
		}
		phy := m.Hdr.PhysicalPageID(s.PageID)
		if err := m.active.WritePage(phy, s.Pg.Data); err != nil {
			return errors.Trace(err)
		}
	}
	if err := m.active.Sync(); err != nil {
		return errors.Trace(err)
	}
	m.Stats.TotalSyncCount.Inc()
	for _, s := range dirty {
		m.pb.MarkClean(s)
	}

	m.flushMu.Lock()
	m.flushedLSA = m.Hdr.AppendLSA
	m.flushMu.Unlock()
	m.gc.notifyFlushed(m.Hdr.AppendLSA)
	return nil
}

// FlushAll 独占CSECT_LOG后刷写全部追加页
func (m *Manager) FlushAll() error {
	m.cs.Enter()
	defer m.cs.Exit()
	return m.flushAllAppendPagesLocked()
}

// FlushedLSA 已落盘日志的下界(不含)
func (m *Manager) FlushedLSA() LSA {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()
	return m.flushedLSA
}

// FlushLogForWAL WAL规则强制: 数据页落盘前其LSA覆盖的日志必须先落盘
// 页缓冲在写出任何数据页之前调用。
func (m *Manager) FlushLogForWAL(pageLSA LSA) error {
	if pageLSA.IsNull() {
		return nil
	}
	m.flushMu.Lock()
	durable := pageLSA.Less(m.flushedLSA)
	m.flushMu.Unlock()
	if durable {
		return nil
	}
	return m.FlushAll()
}
