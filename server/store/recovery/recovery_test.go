package recovery

import (
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/xtide-server/server/common"
	"github.com/zhukovaskychina/xtide-server/server/store/basic"
	"github.com/zhukovaskychina/xtide-server/server/store/disk"
	"github.com/zhukovaskychina/xtide-server/server/store/io"
	"github.com/zhukovaskychina/xtide-server/server/store/latch"
	"github.com/zhukovaskychina/xtide-server/server/store/pgbuf"
	"github.com/zhukovaskychina/xtide-server/server/store/rvfun"
	"github.com/zhukovaskychina/xtide-server/server/store/trans"
	"github.com/zhukovaskychina/xtide-server/server/store/wal"
)

// put型恢复函数: 镜像拷进页内
func registerTestRv() {
	put := func(rcv *rvfun.Rcv) error {
		copy(rcv.Pg.Payload()[rcv.Offset:], rcv.Data)
		return nil
	}
	rvfun.Register(wal.RVHF_INSERT, rvfun.Entry{Redo: put, Undo: put})
}

// stack 一套完整的存储栈
type stack struct {
	dir   string
	log   *wal.Manager
	pb    *pgbuf.Manager
	dm    *disk.Manager
	table *trans.Table
}

func openStack(t *testing.T, dir string, create bool, logNPages int32) *stack {
	t.Helper()
	registerTestRv()
	cs := latch.NewSet()
	cfg := wal.Config{
		Dir:      dir,
		Prefix:   "recdb",
		PageSize: 512,
		NBuffers: 16,
		NPages:   logNPages,
	}
	var logMgr *wal.Manager
	var err error
	if create {
		logMgr, err = wal.Create(cfg, cs.Get(latch.CsectLog), 1, 512)
	} else {
		logMgr, err = wal.Open(cfg, cs.Get(latch.CsectLog))
	}
	require.NoError(t, err)

	reg := io.NewRegistry()
	pb := pgbuf.NewManager(64, 512, reg, logMgr.FlushLogForWAL)
	cache := disk.NewVolCache(cs.Get(latch.CsectDiskRefreshGoodvol))
	dm := disk.NewManager(disk.Config{
		DBFullName:  path.Join(dir, "recdb"),
		IOPageSize:  512,
		MaxTmpPages: -1,
	}, pb, reg, cache)
	dm.RegisterRecovery()
	table := trans.NewTable(8, cs.Get(latch.CsectTranTable), logMgr, pb)
	s := &stack{dir: dir, log: logMgr, pb: pb, dm: dm, table: table}
	if !create {
		_, err = dm.Mount(0, path.Join(dir, "recdb"))
		require.NoError(t, err)
	}
	return s
}

func (s *stack) begin(t *testing.T) *trans.TDES {
	t.Helper()
	tdes, err := s.table.AssignIndex(-1, trans.ClientIDs{DBUser: "dba"}, -1, basic.TranSerializable)
	require.NoError(t, err)
	return tdes
}

func (s *stack) recover(t *testing.T) *Recovery {
	t.Helper()
	r := New(s.log, s.table, s.pb)
	require.NoError(t, r.Run())
	return r
}

// TestSingleRecordCommitCrashRecovery 单记录提交后崩溃
// redo必须重放页分配与插入, 事务以已提交收场, free_pages少1。
func TestSingleRecordCommitCrashRecovery(t *testing.T) {
	dir := t.TempDir()
	s := openStack(t, dir, true, 256)

	// 基态: 格式化1000页的DATA卷并提交落盘
	setup := s.begin(t)
	volID, err := s.dm.Format("recdb", 0, path.Join(dir, "recdb"), "",
		1000, disk.PermDataPurpose, setup)
	require.NoError(t, err)
	require.NoError(t, setup.Commit())
	s.table.FreeIndex(setup)
	baseHdr, err := s.dm.GetHeader(volID)
	require.NoError(t, err)

	// T1: 分配一页, 插入64字节, 提交。数据页不落盘(模拟崩溃窗口)。
	t1 := s.begin(t)
	pageID, err := s.dm.AllocPage(volID, common.SpecialSectID, 1, common.NullPageID, t1)
	require.NoError(t, err)
	payload := make([]byte, 64)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}
	vpid := pgbuf.VPID{VolID: volID, PageID: pageID}
	pg, err := s.pb.Fix(vpid, pgbuf.LatchWrite, t1)
	require.NoError(t, err)
	require.NoError(t, t1.AppendUndoRedo(wal.RVHF_INSERT, vpid, 16, pg, make([]byte, 64), payload))
	copy(pg.Payload()[16:], payload)
	s.pb.SetDirty(pg)
	s.pb.Unfix(pg)
	require.NoError(t, t1.Commit())
	// 崩溃: 旧栈直接丢弃, 数据页从未写回

	s2 := openStack(t, dir, false, 256)
	r := s2.recover(t)

	assert.GreaterOrEqual(t, r.Stats.RedoApplied, 2)
	assert.Equal(t, 0, r.Stats.TransUndone)
	assert.Equal(t, 0, r.Stats.InDoubt)

	// 插入的行回来了
	pg2, err := s2.pb.Fix(vpid, pgbuf.LatchRead, nil)
	require.NoError(t, err)
	assert.Equal(t, payload, pg2.Payload()[16:16+64])
	s2.pb.Unfix(pg2)

	// 位图与计数重放到位
	valid, err := s2.dm.IsValidPage(volID, pageID)
	require.NoError(t, err)
	assert.Equal(t, disk.CheckValid, valid)
	hdr2, err := s2.dm.GetHeader(volID)
	require.NoError(t, err)
	assert.Equal(t, baseHdr.FreePages-1, hdr2.FreePages)

	result, err := s2.dm.Check(volID, false)
	require.NoError(t, err)
	assert.Equal(t, disk.CheckValid, result)

	// 已提交的事务不再占槽
	assert.Equal(t, 1, s2.table.NumAssigned())
}

// TestUncommittedTranIsUndone 未提交事务在恢复时回滚
func TestUncommittedTranIsUndone(t *testing.T) {
	dir := t.TempDir()
	s := openStack(t, dir, true, 256)

	setup := s.begin(t)
	volID, err := s.dm.Format("recdb", 0, path.Join(dir, "recdb"), "",
		500, disk.PermDataPurpose, setup)
	require.NoError(t, err)
	require.NoError(t, setup.Commit())
	s.table.FreeIndex(setup)
	baseHdr, _ := s.dm.GetHeader(volID)

	t1 := s.begin(t)
	pageID, err := s.dm.AllocPage(volID, common.SpecialSectID, 1, common.NullPageID, t1)
	require.NoError(t, err)
	// 日志落盘但没有提交记录
	require.NoError(t, s.log.FlushAll())

	s2 := openStack(t, dir, false, 256)
	r := s2.recover(t)
	assert.Equal(t, 1, r.Stats.TransUndone)

	// 分配被补偿回去
	valid, err := s2.dm.IsValidPage(volID, pageID)
	require.NoError(t, err)
	assert.Equal(t, disk.CheckInvalid, valid)
	hdr2, _ := s2.dm.GetHeader(volID)
	assert.Equal(t, baseHdr.FreePages, hdr2.FreePages)

	result, err := s2.dm.Check(volID, false)
	require.NoError(t, err)
	assert.Equal(t, disk.CheckValid, result)
	assert.Equal(t, 1, s2.table.NumAssigned())
}

// TestRecoveryIdempotent 同一日志前缀跑两遍恢复结果一致
func TestRecoveryIdempotent(t *testing.T) {
	dir := t.TempDir()
	s := openStack(t, dir, true, 256)

	setup := s.begin(t)
	volID, err := s.dm.Format("recdb", 0, path.Join(dir, "recdb"), "",
		500, disk.PermDataPurpose, setup)
	require.NoError(t, err)
	require.NoError(t, setup.Commit())
	s.table.FreeIndex(setup)

	t1 := s.begin(t)
	pageID, err := s.dm.AllocPage(volID, common.SpecialSectID, 2, common.NullPageID, t1)
	require.NoError(t, err)
	require.NoError(t, t1.Commit())

	s2 := openStack(t, dir, false, 256)
	s2.recover(t)
	hdrA, _ := s2.dm.GetHeader(volID)
	validA, _ := s2.dm.IsValidPage(volID, pageID)
	require.NoError(t, s2.pb.FlushAll())

	s3 := openStack(t, dir, false, 256)
	s3.recover(t)
	hdrB, _ := s3.dm.GetHeader(volID)
	validB, _ := s3.dm.IsValidPage(volID, pageID)

	assert.Equal(t, hdrA.FreePages, hdrB.FreePages)
	assert.Equal(t, hdrA.FreeSects, hdrB.FreeSects)
	assert.Equal(t, validA, validB)
}

// TestInDoubtPreparedSurvivesRecovery 参与方prepare后崩溃
// 恢复后处于UNACTIVE_2PC_PREPARE, 不被自主提交或中止。
func TestInDoubtPreparedSurvivesRecovery(t *testing.T) {
	dir := t.TempDir()
	s := openStack(t, dir, true, 256)

	setup := s.begin(t)
	volID, err := s.dm.Format("recdb", 0, path.Join(dir, "recdb"), "",
		500, disk.PermDataPurpose, setup)
	require.NoError(t, err)
	require.NoError(t, setup.Commit())
	s.table.FreeIndex(setup)

	t1 := s.begin(t)
	trid := t1.TranID
	pageID, err := s.dm.AllocPage(volID, common.SpecialSectID, 1, common.NullPageID, t1)
	require.NoError(t, err)
	require.NoError(t, t1.Prepare(777, []byte("xa-branch"), 3, 1))

	s2 := openStack(t, dir, false, 256)
	r := s2.recover(t)
	assert.Equal(t, 1, r.Stats.InDoubt)
	assert.Equal(t, 0, r.Stats.TransUndone)

	tdes := s2.table.FindByTranID(trid)
	require.NotNil(t, tdes)
	assert.Equal(t, basic.TranUnactive2PCPrepare, tdes.State)
	assert.Equal(t, int32(777), tdes.GTrid)
	assert.True(t, tdes.IsLooseEnd)

	// 分配没有被undo
	valid, err := s2.dm.IsValidPage(volID, pageID)
	require.NoError(t, err)
	assert.Equal(t, disk.CheckValid, valid)

	// 外部裁决: 中止
	require.NoError(t, tdes.AbortPrepared())
	valid, _ = s2.dm.IsValidPage(volID, pageID)
	assert.Equal(t, disk.CheckInvalid, valid)
}

// TestCheckpointBoundsAnalysis 检查点之后的恢复从chkpt_lsa开始
func TestCheckpointBoundsAnalysis(t *testing.T) {
	dir := t.TempDir()
	s := openStack(t, dir, true, 256)

	setup := s.begin(t)
	volID, err := s.dm.Format("recdb", 0, path.Join(dir, "recdb"), "",
		500, disk.PermDataPurpose, setup)
	require.NoError(t, err)
	require.NoError(t, setup.Commit())
	s.table.FreeIndex(setup)

	ckpt := NewCheckpointer(s.log, s.table, s.pb)
	chkptLSA, err := ckpt.Execute()
	require.NoError(t, err)
	assert.Equal(t, chkptLSA, s.log.Hdr.ChkptLSA)

	// 检查点后一笔已提交分配
	t1 := s.begin(t)
	_, err = s.dm.AllocPage(volID, common.SpecialSectID, 1, common.NullPageID, t1)
	require.NoError(t, err)
	require.NoError(t, t1.Commit())

	s2 := openStack(t, dir, false, 256)
	r := s2.recover(t)
	// 分析只看检查点之后的记录
	assert.Less(t, r.Stats.RecordsScanned, 20)
}

// TestActiveTranSnapshotInChkpt 检查点携带活动事务, 恢复后回滚
func TestActiveTranSnapshotInChkpt(t *testing.T) {
	dir := t.TempDir()
	s := openStack(t, dir, true, 256)

	setup := s.begin(t)
	volID, err := s.dm.Format("recdb", 0, path.Join(dir, "recdb"), "",
		500, disk.PermDataPurpose, setup)
	require.NoError(t, err)
	require.NoError(t, setup.Commit())
	s.table.FreeIndex(setup)
	baseHdr, _ := s.dm.GetHeader(volID)

	// T1活动中打检查点
	t1 := s.begin(t)
	pageID, err := s.dm.AllocPage(volID, common.SpecialSectID, 1, common.NullPageID, t1)
	require.NoError(t, err)
	ckpt := NewCheckpointer(s.log, s.table, s.pb)
	_, err = ckpt.Execute()
	require.NoError(t, err)
	require.NoError(t, s.log.FlushAll())

	s2 := openStack(t, dir, false, 256)
	r := s2.recover(t)
	assert.Equal(t, 1, r.Stats.TransUndone)

	valid, _ := s2.dm.IsValidPage(volID, pageID)
	assert.Equal(t, disk.CheckInvalid, valid)
	hdr2, _ := s2.dm.GetHeader(volID)
	assert.Equal(t, baseHdr.FreePages, hdr2.FreePages)
}

// TestRecoveryFromArchiveBoundary chkpt_lsa落在已归档页上
func TestRecoveryFromArchiveBoundary(t *testing.T) {
	dir := t.TempDir()
	s := openStack(t, dir, true, 8)

	setup := s.begin(t)
	volID, err := s.dm.Format("recdb", 0, path.Join(dir, "recdb"), "",
		500, disk.PermDataPurpose, setup)
	require.NoError(t, err)
	require.NoError(t, setup.Commit())
	s.table.FreeIndex(setup)

	// 制造足够日志触发归档卷出
	t1 := s.begin(t)
	for i := 0; i < 400 && s.log.Hdr.NxArvNum == 0; i++ {
		_, err = s.dm.AllocPage(volID, common.SpecialSectID, 1, common.NullPageID, t1)
		require.NoError(t, err)
	}
	require.NoError(t, t1.Commit())
	require.Greater(t, s.log.Hdr.NxArvNum, int32(0))
	// chkpt_lsa(0|0)已经被归档覆盖
	require.Less(t, s.log.Hdr.ChkptLSA.PageID, s.log.Hdr.NxArvPageID)

	s2 := openStack(t, dir, false, 8)
	r := s2.recover(t)
	assert.Greater(t, r.Stats.RecordsScanned, 0)

	result, err := s2.dm.Check(volID, false)
	require.NoError(t, err)
	assert.Equal(t, disk.CheckValid, result)
}
