package disk

import (
	"github.com/juju/errors"
	"github.com/zhukovaskychina/xtide-server/logger"
	"github.com/zhukovaskychina/xtide-server/server/store/io"
	"github.com/zhukovaskychina/xtide-server/server/store/pgbuf"
	"github.com/zhukovaskychina/xtide-server/server/store/wal"
)

// 卷头字段的读取与变更。
// 变长字符串的打包必须被精确恢复, 所以除检查点外的变更都带UNDO/REDO镜像。

// CheckResult 一致性检查结论
type CheckResult int

const (
	CheckValid CheckResult = iota
	CheckInvalid
	CheckError
)

func (r CheckResult) String() string {
	switch r {
	case CheckValid:
		return "VALID"
	case CheckInvalid:
		return "INVALID"
	}
	return "ERROR"
}

// GetCheckpoint 读卷头检查点
func (m *Manager) GetCheckpoint(volID int16) (wal.LSA, error) {
	h, vh, err := m.fixHeader(volID, pgbuf.LatchRead, nil)
	if err != nil {
		return wal.NullLSA, errors.Trace(err)
	}
	defer m.pgbuf.Unfix(h)
	return vh.ChkptLSA, nil
}

// SetCheckpoint 设置卷头检查点
// 检查点是唯一不记日志的头变更。
func (m *Manager) SetCheckpoint(volID int16, lsa wal.LSA) error {
	h, vh, err := m.fixHeader(volID, pgbuf.LatchWrite, nil)
	if err != nil {
		return errors.Trace(err)
	}
	defer m.pgbuf.Unfix(h)
	vh.ChkptLSA = lsa
	m.storeHeader(h, vh)
	return nil
}

// GetPurpose 卷用途
func (m *Manager) GetPurpose(volID int16) (VolPurpose, error) {
	h, vh, err := m.fixHeader(volID, pgbuf.LatchRead, nil)
	if err != nil {
		return PermDataPurpose, errors.Trace(err)
	}
	defer m.pgbuf.Unfix(h)
	return vh.Purpose, nil
}

// GetHeader 整个卷头的快照
func (m *Manager) GetHeader(volID int16) (*VolHeader, error) {
	h, vh, err := m.fixHeader(volID, pgbuf.LatchRead, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer m.pgbuf.Unfix(h)
	return vh, nil
}

// SetBootHFID 设置引导堆标识
func (m *Manager) SetBootHFID(volID int16, hfid HFID, tlog TranLog) error {
	h, vh, err := m.fixHeader(volID, pgbuf.LatchWrite, tlog)
	if err != nil {
		return errors.Trace(err)
	}
	defer m.pgbuf.Unfix(h)

	undo := RecvHFID{HFID: vh.BootHFID}
	redo := RecvHFID{HFID: hfid}
	uw := wal.NewWriter()
	undo.Pack(uw)
	rw := wal.NewWriter()
	redo.Pack(rw)
	if err = tlog.AppendUndoRedo(wal.RVDK_RESET_BOOT_HFID,
		pgbuf.VPID{VolID: volID, PageID: VolHeaderPage}, 0, h,
		uw.Bytes(), rw.Bytes()); err != nil {
		return errors.Trace(err)
	}
	vh.BootHFID = hfid
	m.storeHeader(h, vh)
	return nil
}

// SetLink 把下一卷的路径链进本卷头
func (m *Manager) SetLink(volID int16, nextVolFullName string, tlog TranLog) error {
	h, vh, err := m.fixHeader(volID, pgbuf.LatchWrite, tlog)
	if err != nil {
		return errors.Trace(err)
	}
	defer m.pgbuf.Unfix(h)

	undo := RecvLink{NextVolFullName: vh.NextVolFullName}
	redo := RecvLink{NextVolFullName: nextVolFullName}
	uw := wal.NewWriter()
	undo.Pack(uw)
	rw := wal.NewWriter()
	redo.Pack(rw)
	if err = tlog.AppendUndoRedo(wal.RVDK_LINK_PERM_VOLEXT,
		pgbuf.VPID{VolID: volID, PageID: VolHeaderPage}, 0, h,
		uw.Bytes(), rw.Bytes()); err != nil {
		return errors.Trace(err)
	}
	vh.NextVolFullName = nextVolFullName
	m.storeHeader(h, vh)
	// 链接关系用于启动时逐卷挂载, 立即落盘
	return errors.Trace(m.pgbuf.FlushVolume(volID))
}

// SetCreationTime 变更卷创建时间(备份恢复路径)
func (m *Manager) SetCreationTime(volID int16, dbCreation int64, chkptLSA wal.LSA, tlog TranLog) error {
	h, vh, err := m.fixHeader(volID, pgbuf.LatchWrite, tlog)
	if err != nil {
		return errors.Trace(err)
	}
	defer m.pgbuf.Unfix(h)

	undo := RecvChangeCreation{DBCreation: vh.DBCreation, ChkptLSA: vh.ChkptLSA, VolName: vh.VolFullName}
	redo := RecvChangeCreation{DBCreation: dbCreation, ChkptLSA: chkptLSA, VolName: vh.VolFullName}
	uw := wal.NewWriter()
	undo.Pack(uw)
	rw := wal.NewWriter()
	redo.Pack(rw)
	if err = tlog.AppendUndoRedo(wal.RVDK_CHANGE_CREATION,
		pgbuf.VPID{VolID: volID, PageID: VolHeaderPage}, 0, h,
		uw.Bytes(), rw.Bytes()); err != nil {
		return errors.Trace(err)
	}
	vh.DBCreation = dbCreation
	vh.ChkptLSA = chkptLSA
	m.storeHeader(h, vh)
	return nil
}

// countFreeBits 数一段位图里的空闲单元
func (m *Manager) countFreeBits(volID int16, atPg1, nunits int32) (int32, error) {
	bits := m.bitsPerPage()
	free := int32(0)
	for cur := int32(0); cur < nunits; {
		tablePage := cur/bits + atPg1
		pg, err := m.pgbuf.Fix(pgbuf.VPID{VolID: volID, PageID: tablePage}, pgbuf.LatchRead, nil)
		if err != nil {
			return 0, errors.Trace(err)
		}
		payload := pg.Payload()
		for ; cur < nunits && cur/bits+atPg1 == tablePage; cur++ {
			if !bitIsSet(payload, cur%bits) {
				free++
			}
		}
		m.pgbuf.Unfix(pg)
	}
	return free, nil
}

// Check 重算空闲计数并与卷头比对, repair时修正
func (m *Manager) Check(volID int16, repair bool) (CheckResult, error) {
	h, vh, err := m.fixHeader(volID, pgbuf.LatchWrite, nil)
	if err != nil {
		return CheckError, errors.Trace(err)
	}
	defer m.pgbuf.Unfix(h)

	freePages, err := m.countFreeBits(volID, vh.PageAlloctbPage1, vh.TotalPages)
	if err != nil {
		return CheckError, errors.Trace(err)
	}
	freeSects, err := m.countFreeBits(volID, vh.SectAlloctbPage1, vh.TotalSects)
	if err != nil {
		return CheckError, errors.Trace(err)
	}

	if freePages == vh.FreePages && freeSects == vh.FreeSects {
		return CheckValid, nil
	}
	logger.Errorf("volume %d counters mismatch: header free_pages=%d/%d free_sects=%d/%d\n",
		volID, vh.FreePages, freePages, vh.FreeSects, freeSects)
	if !repair {
		return CheckInvalid, nil
	}
	vh.FreePages = freePages
	vh.FreeSects = freeSects
	m.storeHeader(h, vh)
	m.cache.SetFreePages(volID, vh.Purpose, freePages)
	return CheckValid, nil
}

// ExpandTmp 原地扩展TEMP_TEMP卷
// 分配表是按未来最大尺寸预留的, 扩展只改总数并补位图。
func (m *Manager) ExpandTmp(volID int16, minPages, maxPages int32) (int32, error) {
	h, vh, err := m.fixHeader(volID, pgbuf.LatchWrite, nil)
	if err != nil {
		return 0, errors.Trace(err)
	}
	defer m.pgbuf.Unfix(h)

	if vh.Purpose != TempTempPurpose {
		return 0, errors.Annotatef(ErrUnknownPurpose,
			"volume %d is %s, only TEMP_TEMP can expand", volID, vh.Purpose)
	}
	bits := m.bitsPerPage()
	maxCap := vh.PageAlloctbNPages * bits
	npages := maxPages
	if vh.TotalPages+npages > maxCap {
		npages = maxCap - vh.TotalPages
	}
	if limit := m.maxTmpNPages(); vh.TotalPages+npages > limit {
		npages = limit - vh.TotalPages
	}
	if npages < minPages {
		return 0, errors.Annotatef(ErrNotEnoughPages,
			"tmp volume %d cannot grow by %d pages", volID, minPages)
	}

	vol, ok := m.reg.Get(volID)
	if !ok {
		return 0, errors.Annotatef(io.ErrDismounted, "volid %d", volID)
	}
	if _, err = vol.Expand(npages); err != nil {
		return 0, errors.Trace(err)
	}

	vh.TotalPages += npages
	vh.TotalSects = ceilDiv(vh.TotalPages, vh.SectNPages)
	vh.FreePages += npages
	vh.FreeSects = vh.TotalSects - ceilDiv(vh.SysLastPage+1, vh.SectNPages)
	m.storeHeader(h, vh)
	m.cache.GrowVolume(volID, vh.Purpose, npages)
	logger.Infof("expanded tmp volume %d by %d pages, total=%d\n", volID, npages, vh.TotalPages)
	return npages, nil
}

// IsValidPage 页号是否落在已分配位内
func (m *Manager) IsValidPage(volID int16, pageID int32) (CheckResult, error) {
	h, vh, err := m.fixHeader(volID, pgbuf.LatchRead, nil)
	if err != nil {
		return CheckError, errors.Trace(err)
	}
	defer m.pgbuf.Unfix(h)
	if pageID < VolHeaderPage || pageID >= vh.TotalPages {
		return CheckInvalid, nil
	}
	if pageID <= vh.SysLastPage {
		return CheckValid, nil
	}
	bits := m.bitsPerPage()
	tablePage := pageID/bits + vh.PageAlloctbPage1
	pg, err := m.pgbuf.Fix(pgbuf.VPID{VolID: volID, PageID: tablePage}, pgbuf.LatchRead, nil)
	if err != nil {
		return CheckError, errors.Trace(err)
	}
	defer m.pgbuf.Unfix(pg)
	if bitIsSet(pg.Payload(), pageID%bits) {
		return CheckValid, nil
	}
	return CheckInvalid, nil
}

// GetMaxContiguousPages 卷内最长连续空闲页段, 上限stopAt
func (m *Manager) GetMaxContiguousPages(volID int16, stopAt int32) (int32, error) {
	h, vh, err := m.fixHeader(volID, pgbuf.LatchRead, nil)
	if err != nil {
		return 0, errors.Trace(err)
	}
	defer m.pgbuf.Unfix(h)

	bits := m.bitsPerPage()
	best := int32(0)
	run := int32(0)
	for cur := vh.SysLastPage + 1; cur < vh.TotalPages && best < stopAt; {
		tablePage := cur/bits + vh.PageAlloctbPage1
		pg, err := m.pgbuf.Fix(pgbuf.VPID{VolID: volID, PageID: tablePage}, pgbuf.LatchRead, nil)
		if err != nil {
			return 0, errors.Trace(err)
		}
		payload := pg.Payload()
		for ; cur < vh.TotalPages && best < stopAt && cur/bits+vh.PageAlloctbPage1 == tablePage; cur++ {
			if !bitIsSet(payload, cur%bits) {
				run++
				if run > best {
					best = run
				}
			} else {
				run = 0
			}
		}
		m.pgbuf.Unfix(pg)
	}
	return best, nil
}
