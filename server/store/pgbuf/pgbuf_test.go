package pgbuf

import (
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/xtide-server/server/store/io"
	"github.com/zhukovaskychina/xtide-server/server/store/wal"
)

func newTestPool(t *testing.T, flushWAL func(wal.LSA) error) (*Manager, *io.Registry) {
	t.Helper()
	reg := io.NewRegistry()
	vol, err := io.Format(path.Join(t.TempDir(), "vol"), 512, 32)
	require.NoError(t, err)
	t.Cleanup(func() { vol.Dismount() })
	require.NoError(t, reg.Attach(0, vol))
	return NewManager(8, 512, reg, flushWAL), reg
}

func TestFixReadsThrough(t *testing.T) {
	m, reg := newTestPool(t, nil)
	vol, _ := reg.Get(0)

	raw := make([]byte, 512)
	copy(raw[DataPageHeaderSize:], "hello page")
	require.NoError(t, vol.WritePage(5, raw))

	h, err := m.Fix(VPID{VolID: 0, PageID: 5}, LatchRead, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello page", string(h.Payload()[:10]))
	m.Unfix(h)
}

func TestBadPageID(t *testing.T) {
	m, _ := newTestPool(t, nil)
	_, err := m.Fix(VPID{VolID: 0, PageID: 99}, LatchRead, nil)
	assert.Error(t, err)
	_, err = m.Fix(VPID{VolID: 7, PageID: 0}, LatchRead, nil)
	assert.Error(t, err)
}

func TestPageLSARoundTrip(t *testing.T) {
	m, _ := newTestPool(t, nil)
	h, err := m.NewPage(VPID{VolID: 0, PageID: 3}, false)
	require.NoError(t, err)
	defer m.Unfix(h)

	assert.True(t, h.LSA().IsNull())
	lsa := wal.LSA{PageID: 9, Offset: 321}
	h.SetLSA(lsa)
	assert.Equal(t, lsa, h.LSA())
}

func TestWALRuleOnFlush(t *testing.T) {
	var flushed []wal.LSA
	m, reg := newTestPool(t, func(l wal.LSA) error {
		flushed = append(flushed, l)
		return nil
	})

	h, err := m.NewPage(VPID{VolID: 0, PageID: 2}, false)
	require.NoError(t, err)
	lsa := wal.LSA{PageID: 4, Offset: 40}
	h.SetLSA(lsa)
	m.SetDirty(h)
	m.Unfix(h)

	require.NoError(t, m.FlushAll())
	require.Len(t, flushed, 1)
	assert.Equal(t, lsa, flushed[0])

	// 落盘内容带着页LSA
	raw := make([]byte, 512)
	vol, _ := reg.Get(0)
	require.NoError(t, vol.ReadPage(2, raw))
	assert.Equal(t, byte(4), raw[0])
}

func TestTempPageSkipsWALRule(t *testing.T) {
	called := false
	m, _ := newTestPool(t, func(l wal.LSA) error {
		called = true
		return nil
	})
	h, err := m.NewPage(VPID{VolID: 0, PageID: 2}, true)
	require.NoError(t, err)
	assert.Equal(t, TempLogLSA, h.LSA())
	m.SetDirty(h)
	m.Unfix(h)

	require.NoError(t, m.FlushAll())
	assert.False(t, called)
}

func TestOldestDirtyLSA(t *testing.T) {
	m, _ := newTestPool(t, nil)
	assert.True(t, m.OldestDirtyLSA().IsNull())

	for i, lsa := range []wal.LSA{{PageID: 9, Offset: 0}, {PageID: 3, Offset: 8}, {PageID: 5, Offset: 0}} {
		h, err := m.NewPage(VPID{VolID: 0, PageID: int32(i + 1)}, false)
		require.NoError(t, err)
		h.SetLSA(lsa)
		m.SetDirty(h)
		m.Unfix(h)
	}
	assert.Equal(t, wal.LSA{PageID: 3, Offset: 8}, m.OldestDirtyLSA())
}

func TestEvictionWritesDirty(t *testing.T) {
	m, _ := newTestPool(t, nil)
	// 池容量8, 第9页会逼出一页
	for i := int32(0); i < 9; i++ {
		h, err := m.NewPage(VPID{VolID: 0, PageID: i + 1}, false)
		require.NoError(t, err)
		copy(h.Payload(), []byte{byte(i + 1)})
		m.SetDirty(h)
		m.Unfix(h)
	}
	// 所有内容都能读回(被逐出的从盘上来)
	for i := int32(0); i < 9; i++ {
		h, err := m.Fix(VPID{VolID: 0, PageID: i + 1}, LatchRead, nil)
		require.NoError(t, err)
		assert.Equal(t, byte(i+1), h.Payload()[0])
		m.Unfix(h)
	}
}

type interruptFlag bool

func (f interruptFlag) Interrupted() bool { return bool(f) }

func TestInterruptObservedAtFetch(t *testing.T) {
	m, _ := newTestPool(t, nil)
	_, err := m.Fix(VPID{VolID: 0, PageID: 1}, LatchRead, interruptFlag(true))
	assert.Equal(t, ErrInterrupted, errCause(err))
}

func errCause(err error) error {
	type causer interface{ Cause() error }
	for err != nil {
		c, ok := err.(causer)
		if !ok {
			break
		}
		next := c.Cause()
		if next == nil {
			break
		}
		err = next
	}
	return err
}
