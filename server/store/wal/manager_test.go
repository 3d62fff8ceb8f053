package wal

import (
	"context"
	"os"
	"path"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/xtide-server/server/store/latch"
)

func testConfig(dir string, npages int32, gcInterval int) Config {
	return Config{
		Dir:                      dir,
		Prefix:                   "testdb",
		PageSize:                 512,
		NBuffers:                 16,
		NPages:                   npages,
		GroupCommitIntervalMsecs: gcInterval,
		ChkptEveryNPages:         0,
	}
}

func newTestManager(t *testing.T, npages int32, gcInterval int) *Manager {
	t.Helper()
	cs := latch.NewSet()
	m, err := Create(testConfig(t.TempDir(), npages, gcInterval), cs.Get(latch.CsectLog), 1, 512)
	require.NoError(t, err)
	return m
}

// appendSimple 追加一条带载荷的redo型记录
func appendSimple(t *testing.T, m *Manager, trid int32, prev LSA, payload []byte) LSA {
	t.Helper()
	body := RedoBody{
		Rcv: RcvAddr{Index: RVHF_INSERT, VolID: 0, PageID: 5, Offset: 0},
		Len: MakeBodyLen(len(payload), false),
	}
	w := NewWriter()
	body.Pack(w)
	lsa, err := m.Append(AppendSpec{
		TranID:      trid,
		PrevTranLSA: prev,
		Type:        RecRedoData,
		Crumbs:      [][]byte{w.Bytes(), payload},
	})
	require.NoError(t, err)
	return lsa
}

func TestAppendLSAMonotonic(t *testing.T) {
	m := newTestManager(t, 64, 0)
	defer m.Shutdown()

	prev := NullLSA
	var last LSA
	for i := 0; i < 50; i++ {
		lsa := appendSimple(t, m, 1, prev, []byte("payload-data"))
		if i > 0 {
			assert.True(t, last.Less(lsa), "append %d: %s !< %s", i, last, lsa)
		}
		last = lsa
		prev = lsa
	}
	assert.True(t, last.Less(m.AppendLSA()))
}

func TestForwChainBackpatch(t *testing.T) {
	m := newTestManager(t, 64, 0)
	defer m.Shutdown()

	var lsas []LSA
	prev := NullLSA
	for i := 0; i < 10; i++ {
		lsa := appendSimple(t, m, 1, prev, []byte("0123456789abcdef0123456789abcdef"))
		lsas = append(lsas, lsa)
		prev = lsa
	}
	require.NoError(t, m.FlushAll())

	rr := NewRecordReader(m.Buffer(), m.PageSizeBytes())
	for i := 0; i < 9; i++ {
		hdr, cur, err := rr.ReadHeader(lsas[i])
		require.NoError(t, err)
		cur.Close()
		assert.Equal(t, lsas[i+1], hdr.ForwLSA, "forw of record %d", i)
		if i > 0 {
			assert.Equal(t, lsas[i-1], hdr.BackLSA)
		}
	}
	// 最后一条的forw还没被回填
	hdr, cur, err := rr.ReadHeader(lsas[9])
	require.NoError(t, err)
	cur.Close()
	assert.True(t, hdr.ForwLSA.IsNull())
}

func TestRecordSpansPages(t *testing.T) {
	m := newTestManager(t, 64, 0)
	defer m.Shutdown()

	// 载荷远大于单页, 记录必然跨页
	big := make([]byte, 3*m.PayloadCap())
	for i := range big {
		big[i] = byte(i % 251)
	}
	lsa := appendSimple(t, m, 1, NullLSA, big)
	require.NoError(t, m.FlushAll())

	rr := NewRecordReader(m.Buffer(), m.PageSizeBytes())
	hdr, cur, err := rr.ReadHeader(lsa)
	require.NoError(t, err)
	defer cur.Close()
	assert.Equal(t, RecRedoData, hdr.Type)
	body, data, err := cur.ReadRedo()
	require.NoError(t, err)
	assert.Equal(t, RVHF_INSERT, body.Rcv.Index)
	assert.Equal(t, big, data)
}

func TestAppendAtExactPageEnd(t *testing.T) {
	m := newTestManager(t, 64, 0)
	defer m.Shutdown()

	// 填到页尾不足一个记录头, 下一条必须落在下一页
	prev := NullLSA
	var last LSA
	for m.AppendLSA().PageID == 0 {
		last = appendSimple(t, m, 1, prev, make([]byte, 40))
		prev = last
	}
	next := appendSimple(t, m, 1, prev, []byte("x"))
	assert.True(t, next.PageID > last.PageID || next.Offset > last.Offset)
	require.NoError(t, m.FlushAll())

	// 前一条的forw_lsa指向新页上的记录
	rr := NewRecordReader(m.Buffer(), m.PageSizeBytes())
	hdr, cur, err := rr.ReadHeader(last)
	require.NoError(t, err)
	cur.Close()
	assert.Equal(t, next, hdr.ForwLSA)
}

func TestFlushAndWALRule(t *testing.T) {
	m := newTestManager(t, 64, 0)
	defer m.Shutdown()

	lsa := appendSimple(t, m, 1, NullLSA, []byte("data"))
	assert.True(t, m.FlushedLSA().LessEqual(lsa))

	require.NoError(t, m.FlushLogForWAL(lsa))
	assert.True(t, lsa.Less(m.FlushedLSA()))

	// 已持久的LSA不再触发刷写
	before := m.Stats.FlushCallCount.Load()
	require.NoError(t, m.FlushLogForWAL(lsa))
	assert.Equal(t, before, m.Stats.FlushCallCount.Load())
}

func TestGroupCommitBatchesFsync(t *testing.T) {
	m := newTestManager(t, 64, 50)
	defer m.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		m.RunGroupCommitFlusher(ctx)
		close(done)
	}()

	// 五个并发提交者共享一轮fsync
	syncsBefore := m.Stats.TotalSyncCount.Load()
	var lsas [5]LSA
	prev := NullLSA
	for i := range lsas {
		lsas[i] = appendSimple(t, m, int32(i+1), prev, []byte("commit-me"))
	}

	var wg sync.WaitGroup
	for i := range lsas {
		wg.Add(1)
		go func(lsa LSA) {
			defer wg.Done()
			assert.NoError(t, m.ForceCommitDurable(lsa))
		}(lsas[i])
	}
	wg.Wait()

	maxLSA := lsas[4]
	assert.True(t, maxLSA.Less(m.FlushedLSA()))
	delta := m.Stats.TotalSyncCount.Load() - syncsBefore
	assert.GreaterOrEqual(t, delta, int64(1))
	assert.LessOrEqual(t, delta, int64(3))

	cancel()
	<-done
}

func TestArchiveRotation(t *testing.T) {
	dir := t.TempDir()
	cs := latch.NewSet()
	m, err := Create(testConfig(dir, 8, 0), cs.Get(latch.CsectLog), 1, 512)
	require.NoError(t, err)
	defer m.Shutdown()

	// 填满0..7页再继续写, 触发第一次卷出
	prev := NullLSA
	for m.Hdr.NxArvNum == 0 {
		prev = appendSimple(t, m, 1, prev, make([]byte, 64))
	}

	assert.Equal(t, int32(1), m.Hdr.NxArvNum)
	assert.Equal(t, int32(8), m.Hdr.NxArvPageID)

	arvName := ArchiveLogName(dir, "testdb", 0)
	raw, err := os.ReadFile(arvName)
	require.NoError(t, err)
	var ah ArchiveHeader
	require.NoError(t, ah.Unpack(NewReader(raw[:512])))
	require.NoError(t, ah.Validate())
	assert.Equal(t, int32(0), ah.ArvNum)
	assert.Equal(t, int32(0), ah.FPageID)
	assert.Equal(t, int32(8), ah.NPages)

	// log_info多了一行归档创建记录
	info, err := os.ReadFile(path.Join(dir, "testdb_lginf"))
	require.NoError(t, err)
	assert.Contains(t, string(info), "is created")

	// 归档页可以透明读回
	rr := NewRecordReader(m.Buffer(), m.PageSizeBytes())
	hdr, cur, err := rr.ReadHeader(LSA{PageID: 0, Offset: 0})
	require.NoError(t, err)
	cur.Close()
	assert.True(t, hdr.Type.IsValid())
}

func TestOpenExisting(t *testing.T) {
	dir := t.TempDir()
	cs := latch.NewSet()
	m, err := Create(testConfig(dir, 64, 0), cs.Get(latch.CsectLog), 99, 512)
	require.NoError(t, err)
	lsa := appendSimple(t, m, 1, NullLSA, []byte("persisted"))
	require.NoError(t, m.FlushAll())
	require.NoError(t, m.Shutdown())

	cs2 := latch.NewSet()
	m2, err := Open(testConfig(dir, 64, 0), cs2.Get(latch.CsectLog))
	require.NoError(t, err)
	defer m2.Shutdown()
	assert.Equal(t, int64(99), m2.Hdr.DBCreation)
	assert.True(t, lsa.Less(m2.Hdr.AppendLSA))

	rr := NewRecordReader(m2.Buffer(), m2.PageSizeBytes())
	hdr, cur, err := rr.ReadHeader(lsa)
	require.NoError(t, err)
	defer cur.Close()
	assert.Equal(t, RecRedoData, hdr.Type)
	_, data, err := cur.ReadRedo()
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), data)
}

func TestBadMagicRejected(t *testing.T) {
	dir := t.TempDir()
	cs := latch.NewSet()
	m, err := Create(testConfig(dir, 64, 0), cs.Get(latch.CsectLog), 1, 512)
	require.NoError(t, err)
	require.NoError(t, m.Shutdown())

	// 损坏头页magic
	name := ActiveLogName(dir, "testdb")
	f, err := os.OpenFile(name, os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("GARBAGE"), 0)
	require.NoError(t, err)
	f.Close()

	_, err = Open(testConfig(dir, 64, 0), latch.NewSet().Get(latch.CsectLog))
	require.Error(t, err)
}

func TestChkptScheduling(t *testing.T) {
	m := newTestManager(t, 64, 0)
	defer m.Shutdown()
	m.cfg.ChkptEveryNPages = 2

	assert.False(t, m.ChkptNeeded())
	prev := NullLSA
	for i := 0; i < 40; i++ {
		prev = appendSimple(t, m, 1, prev, make([]byte, 64))
	}
	assert.True(t, m.ChkptNeeded())
	m.ChkptTaken()
	assert.False(t, m.ChkptNeeded())

	m.RequestChkpt()
	assert.True(t, m.ChkptNeeded())
}
