package trans

import (
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/xtide-server/server/store/basic"
	"github.com/zhukovaskychina/xtide-server/server/store/io"
	"github.com/zhukovaskychina/xtide-server/server/store/latch"
	"github.com/zhukovaskychina/xtide-server/server/store/pgbuf"
	"github.com/zhukovaskychina/xtide-server/server/store/rvfun"
	"github.com/zhukovaskychina/xtide-server/server/store/wal"
)

// 测试用恢复函数: 把镜像原样拷进页内偏移处
func registerTestRv() {
	put := func(rcv *rvfun.Rcv) error {
		copy(rcv.Pg.Payload()[rcv.Offset:], rcv.Data)
		return nil
	}
	rvfun.Register(wal.RVHF_INSERT, rvfun.Entry{Redo: put, Undo: put})
}

type tranHarness struct {
	log   *wal.Manager
	pb    *pgbuf.Manager
	table *Table
	volID int16
}

func newTranHarness(t *testing.T) *tranHarness {
	t.Helper()
	registerTestRv()
	dir := t.TempDir()
	cs := latch.NewSet()
	logMgr, err := wal.Create(wal.Config{
		Dir:      dir,
		Prefix:   "trandb",
		PageSize: 512,
		NBuffers: 16,
		NPages:   256,
	}, cs.Get(latch.CsectLog), 1, 512)
	require.NoError(t, err)
	t.Cleanup(func() { logMgr.Shutdown() })

	reg := io.NewRegistry()
	vol, err := io.Format(path.Join(dir, "trandb"), 512, 32)
	require.NoError(t, err)
	require.NoError(t, reg.Attach(0, vol))
	pb := pgbuf.NewManager(16, 512, reg, logMgr.FlushLogForWAL)
	table := NewTable(8, cs.Get(latch.CsectTranTable), logMgr, pb)
	return &tranHarness{log: logMgr, pb: pb, table: table, volID: 0}
}

func (h *tranHarness) begin(t *testing.T) *TDES {
	t.Helper()
	tdes, err := h.table.AssignIndex(-1, ClientIDs{DBUser: "dba"}, -1, basic.TranSerializable)
	require.NoError(t, err)
	return tdes
}

// write 模拟一次堆内写: 记undoredo并改页
func (h *tranHarness) write(t *testing.T, tdes *TDES, pageID int32, off int16, oldImg, newImg []byte) {
	t.Helper()
	vpid := pgbuf.VPID{VolID: h.volID, PageID: pageID}
	pg, err := h.pb.Fix(vpid, pgbuf.LatchWrite, tdes)
	require.NoError(t, err)
	defer h.pb.Unfix(pg)
	require.NoError(t, tdes.AppendUndoRedo(wal.RVHF_INSERT, vpid, off, pg, oldImg, newImg))
	copy(pg.Payload()[off:], newImg)
	h.pb.SetDirty(pg)
}

func (h *tranHarness) pageBytes(t *testing.T, pageID int32, off int16, n int) []byte {
	t.Helper()
	pg, err := h.pb.Fix(pgbuf.VPID{VolID: h.volID, PageID: pageID}, pgbuf.LatchRead, nil)
	require.NoError(t, err)
	defer h.pb.Unfix(pg)
	out := append([]byte(nil), pg.Payload()[off:int(off)+n]...)
	return out
}

func TestCommitKeepsChanges(t *testing.T) {
	h := newTranHarness(t)
	tdes := h.begin(t)

	h.write(t, tdes, 1, 0, []byte("____"), []byte("AAAA"))
	require.NoError(t, tdes.Commit())
	assert.Equal(t, basic.TranUnactiveCommitted, tdes.State)
	assert.Equal(t, []byte("AAAA"), h.pageBytes(t, 1, 0, 4))
}

func TestAbortUndoesChanges(t *testing.T) {
	h := newTranHarness(t)
	tdes := h.begin(t)

	h.write(t, tdes, 1, 0, []byte("\x00\x00\x00\x00"), []byte("AAAA"))
	h.write(t, tdes, 1, 8, []byte("\x00\x00\x00\x00"), []byte("BBBB"))
	require.NoError(t, tdes.Abort())
	assert.Equal(t, basic.TranUnactiveAborted, tdes.State)
	assert.Equal(t, make([]byte, 4), h.pageBytes(t, 1, 0, 4))
	assert.Equal(t, make([]byte, 4), h.pageBytes(t, 1, 8, 4))
	assert.True(t, tdes.UndoNxLSA.IsNull())
}

func TestRollbackToSavepoint(t *testing.T) {
	h := newTranHarness(t)
	tdes := h.begin(t)

	zero := make([]byte, 4)
	h.write(t, tdes, 1, 0, zero, []byte("AAAA"))
	h.write(t, tdes, 1, 8, zero, []byte("BBBB"))
	require.NoError(t, tdes.Savepoint("s"))
	h.write(t, tdes, 1, 16, zero, []byte("CCCC"))
	h.write(t, tdes, 1, 24, zero, []byte("DDDD"))

	require.NoError(t, tdes.RollbackToSavepoint("s"))

	// D和C被undo, A和B保留
	assert.Equal(t, []byte("AAAA"), h.pageBytes(t, 1, 0, 4))
	assert.Equal(t, []byte("BBBB"), h.pageBytes(t, 1, 8, 4))
	assert.Equal(t, zero, h.pageBytes(t, 1, 16, 4))
	assert.Equal(t, zero, h.pageBytes(t, 1, 24, 4))

	// 每条被undo的记录都有补偿记录
	rr := wal.NewRecordReader(h.log.Buffer(), h.log.PageSizeBytes())
	compensates := 0
	for lsa := tdes.TailLSA; !lsa.IsNull(); {
		hdr, cur, err := rr.ReadHeader(lsa)
		require.NoError(t, err)
		cur.Close()
		if hdr.Type == wal.RecCompensate {
			compensates++
		}
		lsa = hdr.BackLSA
	}
	assert.Equal(t, 2, compensates)

	// 随后的提交保住A与B
	require.NoError(t, tdes.Commit())
	assert.Equal(t, []byte("AAAA"), h.pageBytes(t, 1, 0, 4))
	assert.Equal(t, []byte("BBBB"), h.pageBytes(t, 1, 8, 4))
}

func TestSavepointNotFound(t *testing.T) {
	h := newTranHarness(t)
	tdes := h.begin(t)
	h.write(t, tdes, 1, 0, make([]byte, 4), []byte("AAAA"))
	err := tdes.RollbackToSavepoint("nope")
	assert.Error(t, err)
}

func TestTopOpCommitAndAbort(t *testing.T) {
	h := newTranHarness(t)
	tdes := h.begin(t)
	zero := make([]byte, 4)

	h.write(t, tdes, 1, 0, zero, []byte("AAAA"))

	// 嵌套操作提交: 变更保留, 栈弹空
	tdes.StartTopOp()
	h.write(t, tdes, 1, 8, zero, []byte("BBBB"))
	require.NoError(t, tdes.CommitTopOp())
	assert.Empty(t, tdes.Topops)
	assert.Equal(t, []byte("BBBB"), h.pageBytes(t, 1, 8, 4))

	// 嵌套操作中止: 只回滚作用域内的
	tdes.StartTopOp()
	h.write(t, tdes, 1, 16, zero, []byte("CCCC"))
	require.NoError(t, tdes.AbortTopOp())
	assert.Empty(t, tdes.Topops)
	assert.Equal(t, zero, h.pageBytes(t, 1, 16, 4))
	assert.Equal(t, []byte("AAAA"), h.pageBytes(t, 1, 0, 4))
	assert.Equal(t, []byte("BBBB"), h.pageBytes(t, 1, 8, 4))

	require.NoError(t, tdes.Commit())
}

func TestAbortTopOpWithoutStart(t *testing.T) {
	h := newTranHarness(t)
	tdes := h.begin(t)
	assert.Error(t, tdes.AbortTopOp())
	assert.Error(t, tdes.CommitTopOp())
}

func TestTableAssignFree(t *testing.T) {
	h := newTranHarness(t)

	t1 := h.begin(t)
	t2 := h.begin(t)
	assert.NotEqual(t, t1.TranID, t2.TranID)
	assert.Equal(t, 3, h.table.NumAssigned()) // 含系统槽

	h.table.FreeIndex(t1)
	assert.Equal(t, 2, h.table.NumAssigned())

	t3 := h.begin(t)
	assert.NotNil(t, t3)
	// trid单调
	assert.Greater(t, t3.TranID, t2.TranID)
}

func TestTableFull(t *testing.T) {
	h := newTranHarness(t)
	// 容量8, 槽0是系统的
	for i := 0; i < 7; i++ {
		h.begin(t)
	}
	_, err := h.table.AssignIndex(-1, ClientIDs{}, -1, basic.TranSerializable)
	assert.Error(t, err)
}

func TestInterruptSticky(t *testing.T) {
	h := newTranHarness(t)
	tdes := h.begin(t)

	require.NoError(t, h.table.SetInterrupt(tdes.TranIndex, true))
	assert.Equal(t, int32(1), h.table.NumInterrupts.Load())

	// 下一次取页观察到中断
	_, err := h.pb.Fix(pgbuf.VPID{VolID: 0, PageID: 1}, pgbuf.LatchRead, tdes)
	assert.Error(t, err)

	// 直到清除前保持粘性
	_, err = h.pb.Fix(pgbuf.VPID{VolID: 0, PageID: 1}, pgbuf.LatchRead, tdes)
	assert.Error(t, err)

	require.NoError(t, h.table.SetInterrupt(tdes.TranIndex, false))
	pg, err := h.pb.Fix(pgbuf.VPID{VolID: 0, PageID: 1}, pgbuf.LatchRead, tdes)
	require.NoError(t, err)
	h.pb.Unfix(pg)
}

func TestUniqueStatsAccumulate(t *testing.T) {
	h := newTranHarness(t)
	tdes := h.begin(t)
	btid := BTID{VolID: 0, FileID: 1, RootID: 2}
	tdes.AddUniqueStats(btid, 3, 1, 3, 0)
	tdes.AddUniqueStats(btid, 2, 0, 2, 1)
	s := tdes.UniqueStats[btid]
	assert.Equal(t, int32(5), s.NumInserted)
	assert.Equal(t, int32(1), s.NumDeleted)
	assert.Equal(t, int32(5), s.NumOIDs)
	assert.Equal(t, int32(1), s.NumNulls)

	// 槽位复用时清空
	h.table.FreeIndex(tdes)
	assert.Nil(t, tdes.UniqueStats)
}
