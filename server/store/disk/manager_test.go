package disk

import (
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/xtide-server/server/common"
	"github.com/zhukovaskychina/xtide-server/server/store/latch"
	"github.com/zhukovaskychina/xtide-server/server/store/io"
	"github.com/zhukovaskychina/xtide-server/server/store/pgbuf"
	"github.com/zhukovaskychina/xtide-server/server/store/trans"
	"github.com/zhukovaskychina/xtide-server/server/store/wal"
)

type harness struct {
	dir   string
	cs    *latch.Set
	log   *wal.Manager
	reg   *io.Registry
	pb    *pgbuf.Manager
	cache *VolCache
	mgr   *Manager
	table *trans.Table
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	cs := latch.NewSet()
	logMgr, err := wal.Create(wal.Config{
		Dir:      dir,
		Prefix:   "testdb",
		PageSize: 512,
		NBuffers: 16,
		NPages:   512,
	}, cs.Get(latch.CsectLog), 1, 512)
	require.NoError(t, err)
	t.Cleanup(func() { logMgr.Shutdown() })

	reg := io.NewRegistry()
	pb := pgbuf.NewManager(64, 512, reg, logMgr.FlushLogForWAL)
	cache := NewVolCache(cs.Get(latch.CsectDiskRefreshGoodvol))
	mgr := NewManager(Config{
		DBFullName:  path.Join(dir, "testdb"),
		IOPageSize:  512,
		MaxTmpPages: 20000,
	}, pb, reg, cache)
	mgr.RegisterRecovery()
	table := trans.NewTable(8, cs.Get(latch.CsectTranTable), logMgr, pb)
	return &harness{dir: dir, cs: cs, log: logMgr, reg: reg, pb: pb, cache: cache, mgr: mgr, table: table}
}

func (h *harness) begin(t *testing.T) *trans.TDES {
	t.Helper()
	tdes, err := h.table.AssignIndex(-1, trans.ClientIDs{DBUser: "dba"}, -1, 0)
	require.NoError(t, err)
	return tdes
}

func (h *harness) formatDataVol(t *testing.T, npages int32) (int16, *trans.TDES) {
	t.Helper()
	tdes := h.begin(t)
	volID, err := h.mgr.Format("testdb", 0, path.Join(h.dir, "testdb"), "unit test",
		npages, PermDataPurpose, tdes)
	require.NoError(t, err)
	return volID, tdes
}

func TestFormatLayout(t *testing.T) {
	h := newHarness(t)
	volID, tdes := h.formatDataVol(t, 1000)
	require.NoError(t, tdes.Commit())

	vh, err := h.mgr.GetHeader(volID)
	require.NoError(t, err)
	assert.Equal(t, common.MagicDatabaseVolume, vh.Magic)
	assert.Equal(t, PermDataPurpose, vh.Purpose)
	assert.Equal(t, int32(1000), vh.TotalPages)
	assert.Equal(t, int32(100), vh.TotalSects)
	// 分配表布局不变式
	assert.Equal(t, vh.PageAlloctbPage1+vh.PageAlloctbNPages-1, vh.SysLastPage)
	assert.Equal(t, vh.TotalPages-vh.SysLastPage-1, vh.FreePages)
	assert.Equal(t, path.Join(h.dir, "testdb"), vh.VolFullName)
	assert.Equal(t, "unit test", vh.VolRemarks)

	result, err := h.mgr.Check(volID, false)
	require.NoError(t, err)
	assert.Equal(t, CheckValid, result)
}

func TestFormatRejectsBadArgs(t *testing.T) {
	h := newHarness(t)
	tdes := h.begin(t)

	_, err := h.mgr.Format("testdb", 0, path.Join(h.dir, "v"), "", 0, PermDataPurpose, tdes)
	assert.Error(t, err)

	_, err = h.mgr.Format("testdb", 0, path.Join(h.dir, "v"), "", 100, VolPurpose(99), tdes)
	assert.Error(t, err)

	// 页数装不下系统页
	_, err = h.mgr.Format("testdb", 0, path.Join(h.dir, "v"), "", 2, PermDataPurpose, tdes)
	assert.Error(t, err)
	_, statErr := os.Stat(path.Join(h.dir, "v"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestVolHeaderRoundTrip(t *testing.T) {
	in := &VolHeader{
		Magic:             common.MagicDatabaseVolume,
		IOPageSize:        512,
		VolID:             3,
		Purpose:           PermIndexPurpose,
		SectNPages:        10,
		TotalPages:        500,
		TotalSects:        50,
		FreePages:         400,
		FreeSects:         40,
		HintAllocSect:     5,
		SectAlloctbNPages: 1,
		PageAlloctbNPages: 1,
		SectAlloctbPage1:  1,
		PageAlloctbPage1:  2,
		SysLastPage:       2,
		WarnAt:            75,
		DBCreation:        123,
		ChkptLSA:          wal.LSA{PageID: 8, Offset: 16},
		BootHFID:          HFID{VolID: 0, FileID: 7, HPgID: 9},
		VolFullName:       "/data/db_x003",
		NextVolFullName:   "/data/db_x004",
		VolRemarks:        "extension volume",
	}
	w := wal.NewWriter()
	in.Pack(w)
	out := &VolHeader{}
	require.NoError(t, out.Unpack(wal.NewReader(w.Bytes())))
	assert.Equal(t, in, out)
	assert.NoError(t, out.Validate())
}

func TestAllocSectorAndPages(t *testing.T) {
	h := newHarness(t)
	volID, tdes := h.formatDataVol(t, 1000)

	sect, err := h.mgr.AllocSector(volID, 1, 1, tdes)
	require.NoError(t, err)
	assert.Greater(t, sect, common.SpecialSectID)

	vhBefore, _ := h.mgr.GetHeader(volID)
	pageID, err := h.mgr.AllocPage(volID, sect, 1, common.NullPageID, tdes)
	require.NoError(t, err)
	// 页号落在扇区范围内, 不落系统页区
	assert.GreaterOrEqual(t, pageID, vhBefore.FirstSectPage(sect))
	assert.LessOrEqual(t, pageID, vhBefore.LastSectPage(sect))
	assert.Greater(t, pageID, vhBefore.SysLastPage)

	vhAfter, _ := h.mgr.GetHeader(volID)
	assert.Equal(t, vhBefore.FreePages-1, vhAfter.FreePages)

	valid, err := h.mgr.IsValidPage(volID, pageID)
	require.NoError(t, err)
	assert.Equal(t, CheckValid, valid)
	require.NoError(t, tdes.Commit())
}

func TestAllocPageSpecialSector(t *testing.T) {
	h := newHarness(t)
	volID, tdes := h.formatDataVol(t, 1000)

	pageID, err := h.mgr.AllocPage(volID, common.SpecialSectID, 5, common.NullPageID, tdes)
	require.NoError(t, err)
	assert.Greater(t, pageID, int32(2))

	// 连续5页全部置位
	for i := int32(0); i < 5; i++ {
		valid, err := h.mgr.IsValidPage(volID, pageID+i)
		require.NoError(t, err)
		assert.Equal(t, CheckValid, valid)
	}
	require.NoError(t, tdes.Commit())
}

func TestAllocMoreThanExists(t *testing.T) {
	h := newHarness(t)
	volID, tdes := h.formatDataVol(t, 100)

	vhBefore, _ := h.mgr.GetHeader(volID)
	_, err := h.mgr.AllocPage(volID, common.SpecialSectID, vhBefore.FreePages+1, common.NullPageID, tdes)
	assert.Error(t, err)

	// 无副作用
	vhAfter, _ := h.mgr.GetHeader(volID)
	assert.Equal(t, vhBefore.FreePages, vhAfter.FreePages)
	result, err := h.mgr.Check(volID, false)
	require.NoError(t, err)
	assert.Equal(t, CheckValid, result)
}

func TestAllocExactlyAllRemaining(t *testing.T) {
	h := newHarness(t)
	volID, tdes := h.formatDataVol(t, 100)

	vh, _ := h.mgr.GetHeader(volID)
	pageID, err := h.mgr.AllocPage(volID, common.SpecialSectID, vh.FreePages, common.NullPageID, tdes)
	require.NoError(t, err)
	assert.Equal(t, vh.SysLastPage+1, pageID)

	vhAfter, _ := h.mgr.GetHeader(volID)
	assert.Equal(t, int32(0), vhAfter.FreePages)
	require.NoError(t, tdes.Commit())
}

func TestDeallocRunsAtCommit(t *testing.T) {
	h := newHarness(t)
	volID, tdes := h.formatDataVol(t, 1000)
	require.NoError(t, tdes.Commit())
	h.table.FreeIndex(tdes)

	tdes = h.begin(t)
	vhBefore, _ := h.mgr.GetHeader(volID)

	pageID, err := h.mgr.AllocPage(volID, common.SpecialSectID, 3, common.NullPageID, tdes)
	require.NoError(t, err)
	require.NoError(t, h.mgr.DeallocPage(volID, pageID, 3, tdes))

	// 提交前: 计数已减, 位还置着(释放是postpone)
	vhMid, _ := h.mgr.GetHeader(volID)
	assert.Equal(t, vhBefore.FreePages-3, vhMid.FreePages)
	valid, _ := h.mgr.IsValidPage(volID, pageID)
	assert.Equal(t, CheckValid, valid)

	require.NoError(t, tdes.Commit())

	// 提交后: 位清了, 计数回到原位
	vhAfter, _ := h.mgr.GetHeader(volID)
	assert.Equal(t, vhBefore.FreePages, vhAfter.FreePages)
	valid, _ = h.mgr.IsValidPage(volID, pageID)
	assert.Equal(t, CheckInvalid, valid)

	result, err := h.mgr.Check(volID, false)
	require.NoError(t, err)
	assert.Equal(t, CheckValid, result)
}

func TestDeallocSysPageRejected(t *testing.T) {
	h := newHarness(t)
	volID, tdes := h.formatDataVol(t, 1000)
	err := h.mgr.DeallocPage(volID, 0, 1, tdes)
	assert.Error(t, err)
}

func TestUnformatRemovesArtifacts(t *testing.T) {
	h := newHarness(t)
	name := path.Join(h.dir, "scratch")
	tdes := h.begin(t)
	volID, err := h.mgr.Format("testdb", 3, name, "", 100, TempTempPurpose, tdes)
	require.NoError(t, err)

	require.NoError(t, h.mgr.Unformat(volID))
	_, statErr := os.Stat(name)
	assert.True(t, os.IsNotExist(statErr))
	_, ok := h.reg.Get(volID)
	assert.False(t, ok)
}

func TestTempTempSizedForFutureMax(t *testing.T) {
	h := newHarness(t)
	tdes := h.begin(t)
	volID, err := h.mgr.Format("testdb", 5, path.Join(h.dir, "tmpvol"), "",
		100, TempTempPurpose, tdes)
	require.NoError(t, err)

	vh, err := h.mgr.GetHeader(volID)
	require.NoError(t, err)
	// 分配表按未来最大尺寸预留, 扩展无需重排
	bits := BitsPerPage(512)
	assert.GreaterOrEqual(t, vh.PageAlloctbNPages*bits, int32(20000))
	assert.Equal(t, int32(-1), vh.WarnAt)

	grown, err := h.mgr.ExpandTmp(volID, 10, 200)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, grown, int32(10))
	vh2, _ := h.mgr.GetHeader(volID)
	assert.Equal(t, vh.TotalPages+grown, vh2.TotalPages)
}

func TestSetLinkAndBootHFID(t *testing.T) {
	h := newHarness(t)
	volID, tdes := h.formatDataVol(t, 200)

	require.NoError(t, h.mgr.SetLink(volID, "/data/next_x001", tdes))
	require.NoError(t, h.mgr.SetBootHFID(volID, HFID{VolID: 0, FileID: 3, HPgID: 4}, tdes))

	vh, err := h.mgr.GetHeader(volID)
	require.NoError(t, err)
	assert.Equal(t, "/data/next_x001", vh.NextVolFullName)
	assert.Equal(t, HFID{VolID: 0, FileID: 3, HPgID: 4}, vh.BootHFID)
	// 变长字段重排后其余字符串原样保留
	assert.Equal(t, path.Join(h.dir, "testdb"), vh.VolFullName)
	require.NoError(t, tdes.Commit())
}

func TestCheckpointGetSet(t *testing.T) {
	h := newHarness(t)
	volID, tdes := h.formatDataVol(t, 200)
	require.NoError(t, tdes.Commit())

	lsa := wal.LSA{PageID: 11, Offset: 88}
	require.NoError(t, h.mgr.SetCheckpoint(volID, lsa))
	got, err := h.mgr.GetCheckpoint(volID)
	require.NoError(t, err)
	assert.Equal(t, lsa, got)
}

func TestBitmapBitOrder(t *testing.T) {
	// 字节内低位在前
	b := make([]byte, 2)
	bitSet(b, 0)
	assert.Equal(t, byte(0x01), b[0])
	bitSet(b, 7)
	assert.Equal(t, byte(0x81), b[0])
	bitSet(b, 8)
	assert.Equal(t, byte(0x01), b[1])
	assert.True(t, bitIsSet(b, 0))
	assert.False(t, bitIsSet(b, 1))
	bitClear(b, 0)
	assert.False(t, bitIsSet(b, 0))
	assert.Equal(t, byte(0x80), b[0])
}
