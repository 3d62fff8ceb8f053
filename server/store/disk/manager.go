package disk

import (
	"math"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xtide-server/logger"
	"github.com/zhukovaskychina/xtide-server/server/common"
	"github.com/zhukovaskychina/xtide-server/server/store/io"
	"github.com/zhukovaskychina/xtide-server/server/store/pgbuf"
	"github.com/zhukovaskychina/xtide-server/server/store/wal"
)

// NullPageIDWithEnoughDiskPages 扇区内不够但全盘页数足够
const NullPageIDWithEnoughDiskPages = int32(-2)

// HintStartSect 新卷从靠前一点的扇区开始分配,
// 给特殊扇区的系统分配留出贴近卷头的页。
const HintStartSect = int32(5)

// warnOutspaceFactor 低水位系数
const warnOutspaceFactor = 0.15

// latchRetryMax 位图变更路径上页闩超时的重试上限
const latchRetryMax = 10

// unitType 位图单元类型
type unitType int

const (
	unitSector unitType = iota
	unitPage
)

// TranLog 事务日志挂钩, 由事务描述符实现
// 磁盘管理器的所有位图/卷头变更经由这里记账, 从而可恢复。
type TranLog interface {
	AppendUndoRedo(idx wal.RcvIndex, vpid pgbuf.VPID, offset int16, pg *pgbuf.PageHandle, undo, redo []byte) error
	AppendUndo(idx wal.RcvIndex, vpid pgbuf.VPID, offset int16, pg *pgbuf.PageHandle, undo []byte) error
	AppendRedo(idx wal.RcvIndex, vpid pgbuf.VPID, offset int16, pg *pgbuf.PageHandle, redo []byte) error
	AppendPostpone(idx wal.RcvIndex, vpid pgbuf.VPID, offset int16, data []byte) error
	AppendDBExternRedo(idx wal.RcvIndex, data []byte) error
	Interrupted() bool
}

// Config 磁盘管理器配置
type Config struct {
	DBFullName  string // 第0卷的完整路径
	IOPageSize  int
	MaxTmpPages int32 // TEMP_TEMP卷的增长上限, -1不限
}

// Manager 磁盘管理器
// 掌管卷头与扇区/页分配位图, 派发页号与扇区号。
type Manager struct {
	cfg     Config
	pgbuf   *pgbuf.Manager
	reg     *io.Registry
	cache   *VolCache
	volInfo *VolInfoTrail
}

// NewManager 创建磁盘管理器
func NewManager(cfg Config, pb *pgbuf.Manager, reg *io.Registry, cache *VolCache) *Manager {
	return &Manager{
		cfg:     cfg,
		pgbuf:   pb,
		reg:     reg,
		cache:   cache,
		volInfo: NewVolInfoTrail(cfg.DBFullName + "_vinf"),
	}
}

// Cache 卷用途缓存
func (m *Manager) Cache() *VolCache { return m.cache }

// bitsPerPage 每张分配表页的位数
func (m *Manager) bitsPerPage() int32 {
	return BitsPerPage(m.cfg.IOPageSize)
}

// setAlloctables 计算分配表布局
// TEMP_TEMP卷按未来最大尺寸预留, 以后扩展不需要重排。
func (m *Manager) setAlloctables(purpose VolPurpose, totalSects, totalPages int32) (h struct {
	SectNPages, PageNPages, SectPage1, PagePage1, SysLastPage int32
}) {
	possibleMaxNPages := totalPages
	possibleMaxSects := totalSects
	if purpose == TempTempPurpose {
		possibleMaxNPages = m.maxTmpNPages()
		possibleMaxSects = ceilDiv(possibleMaxNPages, common.DiskSectNPages)
	}
	bits := m.bitsPerPage()
	h.SectNPages = ceilDiv(possibleMaxSects, bits)
	h.PageNPages = ceilDiv(possibleMaxNPages, bits)
	h.SectPage1 = VolHeaderPage + 1
	h.PagePage1 = h.SectPage1 + h.SectNPages
	h.SysLastPage = h.PagePage1 + h.PageNPages - 1
	return h
}

func (m *Manager) maxTmpNPages() int32 {
	limit := int32(math.MaxInt32 / int32(m.cfg.IOPageSize))
	if m.cfg.MaxTmpPages >= 0 && m.cfg.MaxTmpPages < limit {
		return m.cfg.MaxTmpPages
	}
	return limit
}

func ceilDiv(a, b int32) int32 {
	return (a + b - 1) / b
}

// fixHeader 取卷头页
func (m *Manager) fixHeader(volID int16, mode pgbuf.LatchMode, tlog TranLog) (*pgbuf.PageHandle, *VolHeader, error) {
	var intr pgbuf.Interruptible
	if tlog != nil {
		intr = tlog
	}
	h, err := m.pgbuf.Fix(pgbuf.VPID{VolID: volID, PageID: VolHeaderPage}, mode, intr)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	vh := &VolHeader{}
	if err = vh.Unpack(wal.NewReader(h.Payload())); err != nil {
		m.pgbuf.Unfix(h)
		return nil, nil, errors.Trace(err)
	}
	return h, vh, nil
}

// fixHeaderRetry 位图变更路径: 页闩超时重试至多10次
func (m *Manager) fixHeaderRetry(volID int16, tlog TranLog) (*pgbuf.PageHandle, *VolHeader, error) {
	var lastErr error
	for retry := 0; retry <= latchRetryMax; retry++ {
		h, vh, err := m.fixHeader(volID, pgbuf.LatchWrite, tlog)
		if err == nil {
			return h, vh, nil
		}
		lastErr = err
		if errors.Cause(err) != pgbuf.ErrLatchTimedOut {
			return nil, nil, errors.Trace(err)
		}
	}
	return nil, nil, errors.Annotatef(pgbuf.ErrLatchAborted, "%v", lastErr)
}

// storeHeader 把卷头写回页
func (m *Manager) storeHeader(h *pgbuf.PageHandle, vh *VolHeader) {
	w := wal.NewWriter()
	vh.Pack(w)
	payload := h.Payload()
	copy(payload, w.Bytes())
	for i := w.Len(); i < len(payload); i++ {
		payload[i] = 0
	}
	m.pgbuf.SetDirty(h)
}

// Format 格式化新卷
// 非TEMP_TEMP卷的卷头与位图初始化全部记日志, 回滚会删除卷文件;
// TEMP_TEMP卷不记日志。
func (m *Manager) Format(dbname string, volID int16, fullName, remarks string,
	npages int32, purpose VolPurpose, tlog TranLog) (int16, error) {

	if len(fullName)+1 > common.MaxVolumeFullNameLen {
		return common.NullVolID, errors.Annotatef(ErrNameTooLong, "%s", fullName)
	}
	if !purpose.IsValidFormatPurpose() {
		return common.NullVolID, errors.Annotatef(ErrUnknownPurpose, "%d", int32(purpose))
	}
	if npages <= 0 {
		return common.NullVolID, errors.Annotatef(ErrFormatBadNpages, "%d pages", npages)
	}

	vol, err := io.Format(fullName, m.cfg.IOPageSize, npages)
	if err != nil {
		return common.NullVolID, errors.Trace(err)
	}
	if err = m.reg.Attach(volID, vol); err != nil {
		vol.DismountAndDestroy()
		return common.NullVolID, errors.Trace(err)
	}
	cleanup := func() {
		m.pgbuf.InvalidateVolume(volID)
		m.reg.Detach(volID)
		vol.DismountAndDestroy()
	}

	totalSects := ceilDiv(npages, common.DiskSectNPages)
	layout := m.setAlloctables(purpose, totalSects, npages)
	if layout.SysLastPage >= npages {
		cleanup()
		return common.NullVolID, errors.Annotatef(ErrFormatBadNpages,
			"%s with %d pages cannot hold its system pages", fullName, npages)
	}

	vh := &VolHeader{
		Magic:             common.MagicDatabaseVolume,
		IOPageSize:        int32(m.cfg.IOPageSize),
		VolID:             volID,
		Purpose:           purpose,
		SectNPages:        common.DiskSectNPages,
		TotalPages:        npages,
		TotalSects:        totalSects,
		SectAlloctbNPages: layout.SectNPages,
		PageAlloctbNPages: layout.PageNPages,
		SectAlloctbPage1:  layout.SectPage1,
		PageAlloctbPage1:  layout.PagePage1,
		SysLastPage:       layout.SysLastPage,
		BootHFID:          NullHFID,
		VolFullName:       fullName,
		VolRemarks:        remarks,
		ChkptLSA:          wal.NullLSA,
	}
	vh.FreePages = npages - layout.SysLastPage - 1
	vh.FreeSects = totalSects - ceilDiv(layout.SysLastPage+1, common.DiskSectNPages)
	if purpose == TempTempPurpose {
		vh.WarnAt = -1
	} else {
		vh.WarnAt = int32(float64(npages) * warnOutspaceFactor)
	}
	if purpose != TempTempPurpose && totalSects > HintStartSect &&
		totalSects-vh.FreeSects < HintStartSect {
		vh.HintAllocSect = HintStartSect
	} else {
		vh.HintAllocSect = totalSects - 1
	}

	// 先以数据库外redo保证崩溃后卷文件存在
	hw := wal.NewWriter()
	vh.Pack(hw)
	if purpose != TempTempPurpose {
		if err = tlog.AppendDBExternRedo(wal.RVDK_NEWVOL, hw.Bytes()); err != nil {
			cleanup()
			return common.NullVolID, errors.Trace(err)
		}
	}

	hdrVPID := pgbuf.VPID{VolID: volID, PageID: VolHeaderPage}
	hpg, err := m.pgbuf.NewPage(hdrVPID, purpose.IsTemp())
	if err != nil {
		cleanup()
		return common.NullVolID, errors.Trace(err)
	}
	m.storeHeader(hpg, vh)

	if purpose != TempTempPurpose {
		// UNDO=unformat(逻辑), REDO=卷头字节
		if err = tlog.AppendUndo(wal.RVDK_FORMAT, hdrVPID, 0, nil, []byte(fullName)); err != nil {
			m.pgbuf.Unfix(hpg)
			cleanup()
			return common.NullVolID, errors.Trace(err)
		}
		if err = tlog.AppendRedo(wal.RVDK_FORMAT, hdrVPID, 0, hpg, hw.Bytes()); err != nil {
			m.pgbuf.Unfix(hpg)
			cleanup()
			return common.NullVolID, errors.Trace(err)
		}
	}
	m.pgbuf.Unfix(hpg)

	// 初始化扇区位图与页位图
	allocSects := totalSects - vh.FreeSects
	if err = m.mapInit(volID, layout.SectPage1, layout.SectPage1+layout.SectNPages-1,
		allocSects, purpose, tlog); err != nil {
		cleanup()
		return common.NullVolID, errors.Trace(err)
	}
	if err = m.mapInit(volID, layout.PagePage1, layout.PagePage1+layout.PageNPages-1,
		layout.SysLastPage+1, purpose, tlog); err != nil {
		cleanup()
		return common.NullVolID, errors.Trace(err)
	}

	// 把新卷链进上一卷
	if purpose != TempTempPurpose && volID > 0 {
		if err = m.SetLink(volID-1, fullName, tlog); err != nil {
			cleanup()
			return common.NullVolID, errors.Trace(err)
		}
	}

	// 临时用途卷的系统页全部打上临时LSA, 不受WAL保护
	if purpose.IsTemp() {
		if err = m.pgbuf.FlushVolume(volID); err != nil {
			cleanup()
			return common.NullVolID, errors.Trace(err)
		}
		for pageID := VolHeaderPage; pageID <= layout.SysLastPage; pageID++ {
			pg, err := m.pgbuf.Fix(pgbuf.VPID{VolID: volID, PageID: pageID}, pgbuf.LatchWrite, nil)
			if err != nil {
				cleanup()
				return common.NullVolID, errors.Trace(err)
			}
			pg.SetLSA(pgbuf.TempLogLSA)
			m.pgbuf.SetDirty(pg)
			m.pgbuf.Unfix(pg)
		}
	}

	if err = m.pgbuf.FlushVolume(volID); err != nil {
		cleanup()
		return common.NullVolID, errors.Trace(err)
	}

	m.cache.AddVolume(volID, purpose, npages, vh.FreePages)
	if err = m.volInfo.AddVolume(volID, fullName); err != nil {
		logger.Errorf("volume info trail: %v\n", err)
	}
	logger.Infof("formatted volume %s volid=%d purpose=%s npages=%d free=%d\n",
		fullName, volID, purpose, npages, vh.FreePages)
	return volID, nil
}

// mapInit 初始化一张或多张分配表页, 前nalloc个单元标记为已分配
func (m *Manager) mapInit(volID int16, fromPage, toPage, nalloc int32,
	purpose VolPurpose, tlog TranLog) error {

	bits := m.bitsPerPage()
	for pageID := fromPage; pageID <= toPage; pageID++ {
		pg, err := m.pgbuf.NewPage(pgbuf.VPID{VolID: volID, PageID: pageID}, purpose.IsTemp())
		if err != nil {
			return errors.Trace(err)
		}
		// 本页覆盖的单元区间
		unit0 := (pageID - fromPage) * bits
		n := nalloc - unit0
		if n < 0 {
			n = 0
		}
		if n > bits {
			n = bits
		}
		payload := pg.Payload()
		for i := int32(0); i < n; i++ {
			bitSet(payload, i)
		}
		if purpose != TempTempPurpose {
			img := RecvMtabBits{StartBit: 0, Num: n}
			w := wal.NewWriter()
			img.Pack(w)
			if err = tlog.AppendRedo(wal.RVDK_INITMAP,
				pgbuf.VPID{VolID: volID, PageID: pageID}, 0, pg, w.Bytes()); err != nil {
				m.pgbuf.Unfix(pg)
				return errors.Trace(err)
			}
		}
		m.pgbuf.SetDirty(pg)
		m.pgbuf.Unfix(pg)
	}
	return nil
}

// Unformat 刷掉并丢弃缓冲页后删除卷文件
func (m *Manager) Unformat(volID int16) error {
	vol := m.reg.Detach(volID)
	m.pgbuf.InvalidateVolume(volID)
	m.cache.RemoveVolume(volID)
	if vol == nil {
		return errors.Annotatef(io.ErrDismounted, "volid %d", volID)
	}
	if err := m.volInfo.RemoveVolume(volID); err != nil {
		logger.Errorf("volume info trail: %v\n", err)
	}
	logger.Infof("unformat volume %s\n", vol.FullName())
	return errors.Trace(vol.DismountAndDestroy())
}

// Mount 挂载既有卷并登记进用途缓存
func (m *Manager) Mount(volID int16, fullName string) (*VolHeader, error) {
	vol, err := io.Mount(fullName, m.cfg.IOPageSize)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err = m.reg.Attach(volID, vol); err != nil {
		vol.Dismount()
		return nil, errors.Trace(err)
	}
	h, vh, err := m.fixHeader(volID, pgbuf.LatchRead, nil)
	if err != nil {
		m.reg.Detach(volID)
		vol.Dismount()
		return nil, errors.Trace(err)
	}
	m.pgbuf.Unfix(h)
	if err = vh.Validate(); err != nil {
		m.reg.Detach(volID)
		vol.Dismount()
		return nil, errors.Trace(err)
	}
	m.cache.AddVolume(volID, vh.Purpose, vh.TotalPages, vh.FreePages)
	return vh, nil
}

// AllocSector 分配nsects个连续扇区
// 卷耗尽或每扇区空闲页不足时退回特殊扇区(0号, 全卷页)。
// 单扇区请求带exp_npages时还要求候选扇区内有这么多连续空闲页。
func (m *Manager) AllocSector(volID int16, nsects int32, expNPages int32, tlog TranLog) (int32, error) {
	h, vh, err := m.fixHeader(volID, pgbuf.LatchWrite, tlog)
	if err != nil {
		return common.SpecialSectID, errors.Trace(err)
	}
	defer m.pgbuf.Unfix(h)

	if vh.FreeSects < nsects || vh.FreePages < vh.SectNPages {
		return common.SpecialSectID, nil
	}

	allocSect, err := m.idAlloc(volID, vh, nsects, vh.HintAllocSect, vh.TotalSects-1,
		unitSector, expNPages, tlog)
	if err != nil {
		return common.SpecialSectID, errors.Trace(err)
	}
	if allocSect == common.NullSectID {
		allocSect, err = m.idAlloc(volID, vh, nsects, 1, vh.HintAllocSect-1,
			unitSector, expNPages, tlog)
		if err != nil {
			return common.SpecialSectID, errors.Trace(err)
		}
	}
	if allocSect == common.NullSectID {
		return common.SpecialSectID, nil
	}

	// 轮转提示前移; 空闲数不单独记日志, undo/redo是逻辑增量
	if allocSect+nsects >= vh.TotalSects {
		vh.HintAllocSect = 1
	} else {
		vh.HintAllocSect = allocSect + nsects
	}
	vh.FreeSects -= nsects

	w := wal.NewWriter()
	w.WriteInt32(nsects)
	undo := w.Bytes()
	w2 := wal.NewWriter()
	w2.WriteInt32(-nsects)
	redo := w2.Bytes()
	if err = tlog.AppendUndoRedo(wal.RVDK_VHDR_SCALLOC,
		pgbuf.VPID{VolID: volID, PageID: VolHeaderPage}, 0, h, undo, redo); err != nil {
		return common.SpecialSectID, errors.Trace(err)
	}
	m.storeHeader(h, vh)
	return allocSect, nil
}

// AllocPage 在指定扇区里分配npages个连续页
// 特殊扇区跨越整个非系统区。返回NULL_PAGEID表示全卷页数不足;
// NullPageIDWithEnoughDiskPages表示扇区内不足但全卷足够。
func (m *Manager) AllocPage(volID int16, sectID, npages, nearPage int32, tlog TranLog) (int32, error) {
	h, vh, err := m.fixHeader(volID, pgbuf.LatchWrite, tlog)
	if err != nil {
		return common.NullPageID, errors.Trace(err)
	}
	defer m.pgbuf.Unfix(h)

	if sectID < 0 || sectID > vh.TotalSects {
		logger.Debugf("unknown sector %d on volume %d, assuming special sector\n", sectID, volID)
		sectID = common.SpecialSectID
	}

	if vh.FreePages < npages {
		return common.NullPageID, errors.Annotatef(ErrNotEnoughPages,
			"volume %d: want %d, free %d", volID, npages, vh.FreePages)
	}

	var fpageid, lpageid int32
	if sectID == common.SpecialSectID {
		fpageid = vh.SysLastPage + 1
		lpageid = vh.TotalPages - 1
	} else {
		fpageid = vh.FirstSectPage(sectID)
		lpageid = vh.LastSectPage(sectID)
	}

	if sectID == common.SpecialSectID && nearPage == common.NullPageID {
		nearPage = HintStartSect * common.DiskSectNPages
		if nearPage < vh.TotalPages-vh.FreePages {
			nearPage = vh.TotalPages - vh.FreePages - 1
		}
	}
	if nearPage == common.NullPageID || nearPage < fpageid || nearPage+npages > lpageid {
		nearPage = fpageid
	}

	newPageID, err := m.idAlloc(volID, vh, npages, nearPage, lpageid, unitPage, -1, tlog)
	if err != nil {
		return common.NullPageID, errors.Trace(err)
	}
	if newPageID == common.NullPageID && nearPage != fpageid {
		// 回绕到扇区开头再找一次, 多页请求允许与near重叠
		newPageID, err = m.idAlloc(volID, vh, npages, fpageid, nearPage+npages-2, unitPage, -1, tlog)
		if err != nil {
			return common.NullPageID, errors.Trace(err)
		}
	}
	if newPageID == common.NullPageID {
		if sectID != common.SpecialSectID {
			return NullPageIDWithEnoughDiskPages, nil
		}
		return common.NullPageID, errors.Annotatef(ErrNotEnoughPages,
			"volume %d: no contiguous run of %d pages", volID, npages)
	}

	vh.FreePages -= npages
	if vh.WarnAt > 0 && vh.FreePages < vh.WarnAt {
		// 越接近枯竭告警越稀
		vh.WarnAt = int32(float64(vh.FreePages) * warnOutspaceFactor)
		if vh.WarnAt < 10 {
			vh.WarnAt = 0
		}
		logger.Errorf("volume %d almost out of space: total=%d free=%d\n",
			volID, vh.TotalPages, vh.FreePages)
	}

	// 特殊扇区偷走了提示扇区的页, 把提示往后挪
	if sectID == common.SpecialSectID &&
		vh.HintAllocSect >= newPageID/vh.SectNPages &&
		vh.HintAllocSect <= (newPageID+npages)/vh.SectNPages {
		vh.HintAllocSect = (newPageID+npages)/vh.SectNPages + 1
		if vh.HintAllocSect > vh.TotalSects {
			vh.HintAllocSect = 1
		}
	}

	w := wal.NewWriter()
	w.WriteInt32(npages)
	undo := w.Bytes()
	w2 := wal.NewWriter()
	w2.WriteInt32(-npages)
	redo := w2.Bytes()
	if err = tlog.AppendUndoRedo(wal.RVDK_VHDR_PGALLOC,
		pgbuf.VPID{VolID: volID, PageID: VolHeaderPage}, 0, h, undo, redo); err != nil {
		return common.NullPageID, errors.Trace(err)
	}
	m.storeHeader(h, vh)
	m.cache.UpdateFreePages(volID, vh.Purpose, -npages)
	return newPageID, nil
}

// idAlloc 在位图上分配nalloc个连续单元
// 线性位扫描, 连续计数遇置位归零; 候选区跨表页时换页续扫。
// 同一次调用返回的区间严格递增, 不保证全局最小。
func (m *Manager) idAlloc(volID int16, vh *VolHeader, nalloc, lowID, highID int32,
	ut unitType, expNPages int32, tlog TranLog) (int32, error) {

	if lowID < 0 || lowID > highID {
		return common.NullPageID, nil
	}
	atPg1 := vh.SectAlloctbPage1
	if ut == unitPage {
		atPg1 = vh.PageAlloctbPage1
	}
	bits := m.bitsPerPage()

	nfound := int32(0)
	allID := common.NullPageID
	cur := lowID
	for tablePage := cur/bits + atPg1; nfound < nalloc && cur <= highID; tablePage++ {
		pg, err := m.pgbuf.Fix(pgbuf.VPID{VolID: volID, PageID: tablePage}, pgbuf.LatchRead, tlog)
		if err != nil {
			return common.NullPageID, errors.Trace(err)
		}
		payload := pg.Payload()
		for ; nfound < nalloc && cur <= highID && cur/bits+atPg1 == tablePage; cur++ {
			if !bitIsSet(payload, cur%bits) {
				if allID == common.NullPageID {
					allID = cur
				}
				nfound++
				// 单扇区分配校验扇区内有足够的连续空闲页
				if ut == unitSector && nalloc == 1 && nfound == 1 &&
					expNPages > 0 && allID > common.SpecialSectID {
					ok, err := m.checkSectorHasNPages(volID, vh, allID, expNPages, tlog)
					if err != nil {
						m.pgbuf.Unfix(pg)
						return common.NullPageID, errors.Trace(err)
					}
					if !ok {
						nfound = 0
						allID = common.NullPageID
					}
				}
			} else {
				nfound = 0
				allID = common.NullPageID
			}
		}
		m.pgbuf.Unfix(pg)
	}
	if nfound != nalloc {
		return common.NullPageID, nil
	}

	// 置位阶段, 一张表页一条日志
	cur = allID
	for cur < allID+nalloc {
		tablePage := cur/bits + atPg1
		pg, err := m.fixTableRetry(volID, tablePage, tlog)
		if err != nil {
			return common.NullPageID, errors.Trace(err)
		}
		payload := pg.Payload()
		byteOff := int16((cur % bits) / 8)
		img := RecvMtabBits{StartBit: (cur % bits) % 8, Num: 0}
		for ; cur < allID+nalloc && cur/bits+atPg1 == tablePage; cur++ {
			bitSet(payload, cur%bits)
			img.Num++
		}
		w := wal.NewWriter()
		img.Pack(w)
		if err = tlog.AppendUndoRedo(wal.RVDK_IDALLOC,
			pgbuf.VPID{VolID: volID, PageID: tablePage}, byteOff, pg,
			w.Bytes(), w.Bytes()); err != nil {
			m.pgbuf.Unfix(pg)
			return common.NullPageID, errors.Trace(err)
		}
		m.pgbuf.SetDirty(pg)
		m.pgbuf.Unfix(pg)
	}
	return allID, nil
}

// fixTableRetry 写闩分配表页, 超时重试
func (m *Manager) fixTableRetry(volID int16, pageID int32, tlog TranLog) (*pgbuf.PageHandle, error) {
	var lastErr error
	for retry := 0; retry <= latchRetryMax; retry++ {
		pg, err := m.pgbuf.Fix(pgbuf.VPID{VolID: volID, PageID: pageID}, pgbuf.LatchWrite, tlog)
		if err == nil {
			return pg, nil
		}
		lastErr = err
		if errors.Cause(err) != pgbuf.ErrLatchTimedOut {
			return nil, errors.Trace(err)
		}
	}
	return nil, errors.Annotatef(pgbuf.ErrLatchAborted, "%v", lastErr)
}

// checkSectorHasNPages 校验扇区内有expNPages个连续空闲页
func (m *Manager) checkSectorHasNPages(volID int16, vh *VolHeader,
	sectID, expNPages int32, tlog TranLog) (bool, error) {

	low := vh.FirstSectPage(sectID)
	high := vh.LastSectPage(sectID)
	bits := m.bitsPerPage()
	nfound := int32(0)
	for cur := low; nfound < expNPages && cur <= high; {
		tablePage := cur/bits + vh.PageAlloctbPage1
		pg, err := m.pgbuf.Fix(pgbuf.VPID{VolID: volID, PageID: tablePage}, pgbuf.LatchRead, tlog)
		if err != nil {
			return false, errors.Trace(err)
		}
		payload := pg.Payload()
		for ; nfound < expNPages && cur <= high && cur/bits+vh.PageAlloctbPage1 == tablePage; cur++ {
			if !bitIsSet(payload, cur%bits) {
				nfound++
			} else {
				nfound = 0
			}
		}
		m.pgbuf.Unfix(pg)
	}
	return nfound >= expNPages, nil
}

// DeallocPage 释放从pageID起的npages个连续页
// 释放作为postpone记入, 随事务提交生效。
func (m *Manager) DeallocPage(volID int16, pageID, npages int32, tlog TranLog) error {
	h, vh, err := m.fixHeaderRetry(volID, tlog)
	if err != nil {
		return errors.Trace(err)
	}
	defer m.pgbuf.Unfix(h)

	if pageID <= vh.SysLastPage && pageID >= VolHeaderPage {
		return errors.Annotatef(ErrDeallocSysPage, "page %d on volume %d", pageID, volID)
	}
	if pageID < VolHeaderPage || pageID >= vh.TotalPages {
		return errors.Annotatef(ErrUnknownPage, "page %d on volume %d", pageID, volID)
	}
	n, err := m.idDealloc(volID, vh.PageAlloctbPage1, pageID, npages, DeallocPage, tlog)
	if err != nil {
		return errors.Trace(err)
	}
	if n <= 0 {
		return errors.Annotatef(ErrUnknownPage, "no allocated pages in [%d,%d)", pageID, pageID+npages)
	}
	return nil
}

// DeallocSector 释放从sectID起的nsects个连续扇区
// 0号特殊扇区永远不释放。
func (m *Manager) DeallocSector(volID int16, sectID, nsects int32, tlog TranLog) error {
	if sectID == common.SpecialSectID {
		if nsects <= 1 {
			return nil
		}
		sectID++
		nsects--
	}
	h, vh, err := m.fixHeaderRetry(volID, tlog)
	if err != nil {
		return errors.Trace(err)
	}
	defer m.pgbuf.Unfix(h)

	if sectID < 0 {
		skip := -sectID
		if skip >= nsects {
			return errors.Annotatef(ErrUnknownSector, "%d", sectID)
		}
		sectID = 0
		nsects -= skip
	}
	if sectID+nsects > vh.TotalSects {
		nsects = vh.TotalSects - sectID
		if nsects <= 0 {
			return errors.Annotatef(ErrUnknownSector, "%d", sectID)
		}
	}
	n, err := m.idDealloc(volID, vh.SectAlloctbPage1, sectID, nsects, DeallocSector, tlog)
	if err != nil {
		return errors.Trace(err)
	}
	if n <= 0 {
		return errors.Annotatef(ErrUnknownSector, "no allocated sectors in [%d,%d)", sectID, sectID+nsects)
	}
	return nil
}

// idDealloc 把释放作为postpone记到位图页上
// 实际清位与卷头计数更新在run-postpone时经恢复函数执行。
func (m *Manager) idDealloc(volID int16, atPg1, deallID, ndealloc int32,
	dt DeallocType, tlog TranLog) (int32, error) {

	bits := m.bitsPerPage()
	nfound := int32(0)
	for ndealloc > 0 {
		tablePage := deallID/bits + atPg1
		pg, err := m.fixTableRetry(volID, tablePage, tlog)
		if err != nil {
			return -1, errors.Trace(err)
		}
		payload := pg.Payload()
		byteOff := int16((deallID % bits) / 8)
		img := RecvMtabBitsWith{StartBit: (deallID % bits) % 8, Num: 0, DeallidType: dt}

		post := func() error {
			if img.Num == 0 {
				return nil
			}
			w := wal.NewWriter()
			img.Pack(w)
			return tlog.AppendPostpone(wal.RVDK_IDDEALLOC_WITH_VOLHEADER,
				pgbuf.VPID{VolID: volID, PageID: tablePage}, byteOff, w.Bytes())
		}
		for ; ndealloc > 0 && deallID/bits+atPg1 == tablePage; deallID, ndealloc = deallID+1, ndealloc-1 {
			if bitIsSet(payload, deallID%bits) {
				img.Num++
				nfound++
			} else {
				// 未分配的id; 把已累计的段先post出去再继续
				logger.Debugf("dealloc of unallocated id %d (type %d) on volume %d\n",
					deallID, dt, volID)
				if err = post(); err != nil {
					m.pgbuf.Unfix(pg)
					return -1, errors.Trace(err)
				}
				byteOff = int16(((deallID + 1) % bits) / 8)
				img = RecvMtabBitsWith{StartBit: (deallID + 1) % bits % 8, Num: 0, DeallidType: dt}
			}
		}
		if err = post(); err != nil {
			m.pgbuf.Unfix(pg)
			return -1, errors.Trace(err)
		}
		m.pgbuf.Unfix(pg)
	}
	if nfound == 0 {
		return -1, nil
	}
	return nfound, nil
}
