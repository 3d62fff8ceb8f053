package wal

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xtide-server/logger"
)

// groupCommitState 组提交协调状态
// 提交者在条件变量上等待flusher把自己的commit LSA刷过。
type groupCommitState struct {
	mu        sync.Mutex
	cond      *sync.Cond
	interval  time.Duration
	signal    chan struct{}
	flushedUp LSA
}

func (g *groupCommitState) init(interval time.Duration) {
	g.interval = interval
	g.cond = sync.NewCond(&g.mu)
	g.signal = make(chan struct{}, 1)
	g.flushedUp = NullLSA
}

// requestFlush 唤醒flusher, 不阻塞
func (g *groupCommitState) requestFlush() {
	select {
	case g.signal <- struct{}{}:
	default:
	}
}

// notifyFlushed flusher刷写完成后的广播
func (g *groupCommitState) notifyFlushed(upTo LSA) {
	g.mu.Lock()
	if g.flushedUp.IsNull() || g.flushedUp.Less(upTo) {
		g.flushedUp = upTo
	}
	g.mu.Unlock()
	g.cond.Broadcast()
}

// waitFlushed 等待刷写下界越过lsa
func (g *groupCommitState) waitFlushed(lsa LSA) {
	g.mu.Lock()
	for g.flushedUp.IsNull() || !lsa.Less(g.flushedUp) {
		g.cond.Wait()
	}
	g.mu.Unlock()
}

// GroupCommitEnabled 组提交是否开启
func (m *Manager) GroupCommitEnabled() bool {
	return m.gc.interval > 0
}

// ForceCommitDurable 让commitLSA之前的日志变为持久
// interval为0时直接刷写; 否则挂到组提交上,
// 由flusher的一次fsync服务整批提交者。
func (m *Manager) ForceCommitDurable(commitLSA LSA) error {
	m.Stats.CommitCount.Inc()
	if !m.GroupCommitEnabled() {
		return errors.Trace(m.FlushAll())
	}
	m.flushMu.Lock()
	durable := commitLSA.Less(m.flushedLSA)
	m.flushMu.Unlock()
	if durable {
		return nil
	}
	m.Stats.GroupCommitCount.Inc()
	m.gc.requestFlush()
	m.gc.waitFlushed(commitLSA)
	return nil
}

// RunGroupCommitFlusher 组提交flusher守护循环
// 按配置间隔或被提交者唤醒时刷写一轮, 然后广播。
func (m *Manager) RunGroupCommitFlusher(ctx context.Context) error {
	if !m.GroupCommitEnabled() {
		<-ctx.Done()
		return nil
	}
	timer := time.NewTimer(m.gc.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			// 退出前把挂着的提交者放掉
			if err := m.FlushAll(); err != nil {
				logger.Errorf("group commit final flush: %v\n", err)
			}
			return nil
		case <-m.gc.signal:
		case <-timer.C:
		}
		if err := m.FlushAll(); err != nil {
			logger.Errorf("group commit flush: %v\n", err)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(m.gc.interval)
	}
}
