package disk

import (
	"fmt"
	"os"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xtide-server/logger"
	"github.com/zhukovaskychina/xtide-server/server/store/io"
	"github.com/zhukovaskychina/xtide-server/server/store/pgbuf"
	"github.com/zhukovaskychina/xtide-server/server/store/rvfun"
	"github.com/zhukovaskychina/xtide-server/server/store/wal"
)

// 磁盘管理器的恢复函数
// 位图与卷头的每一次变更都带着足够回放的镜像(start_bit, num, dealloc类型),
// set/clear的重放是幂等的。

// RegisterRecovery 把磁盘管理器的恢复函数挂进函数表
func (m *Manager) RegisterRecovery() {
	rvfun.Register(wal.RVDK_NEWVOL, rvfun.Entry{
		Redo: m.rvRedoNewVol, Dump: dumpHeaderImage,
	})
	rvfun.Register(wal.RVDK_FORMAT, rvfun.Entry{
		Redo: m.rvRedoFormat, Undo: m.rvUndoFormat, IsLogical: true,
		Dump: dumpHeaderImage,
	})
	rvfun.Register(wal.RVDK_INITMAP, rvfun.Entry{
		Redo: rvRedoInitMap, Dump: dumpMtabBits,
	})
	rvfun.Register(wal.RVDK_IDALLOC, rvfun.Entry{
		Redo: rvSetAlloctable, Undo: rvClearAlloctable, Dump: dumpMtabBits,
	})
	rvfun.Register(wal.RVDK_VHDR_SCALLOC, rvfun.Entry{
		Redo: rvVhdrScalloc, Undo: rvVhdrScalloc,
	})
	rvfun.Register(wal.RVDK_VHDR_PGALLOC, rvfun.Entry{
		Redo: rvVhdrPgalloc, Undo: rvVhdrPgalloc,
	})
	rvfun.Register(wal.RVDK_IDDEALLOC_WITH_VOLHEADER, rvfun.Entry{
		Postpone: m.rvRunPostponeDealloc, Dump: dumpMtabBitsWith,
	})
	rvfun.Register(wal.RVDK_IDDEALLOC_BITMAP_ONLY, rvfun.Entry{
		Redo: rvClearAlloctableWith, Undo: rvSetAlloctableWith, Dump: dumpMtabBitsWith,
	})
	rvfun.Register(wal.RVDK_IDDEALLOC_VHDR_ONLY, rvfun.Entry{
		Redo: rvVhdrDealloc, Undo: rvVhdrDeallocUndo, Dump: dumpMtabBitsWith,
	})
	rvfun.Register(wal.RVDK_CHANGE_CREATION, rvfun.Entry{
		Redo: rvChangeCreation, Undo: rvChangeCreation,
	})
	rvfun.Register(wal.RVDK_RESET_BOOT_HFID, rvfun.Entry{
		Redo: rvBootHFID, Undo: rvBootHFID,
	})
	rvfun.Register(wal.RVDK_LINK_PERM_VOLEXT, rvfun.Entry{
		Redo: rvLink, Undo: rvLink,
	})
}

// rvRedoNewVol 数据库外redo: 崩溃后确保卷文件存在
func (m *Manager) rvRedoNewVol(rcv *rvfun.Rcv) error {
	vh := &VolHeader{}
	if err := vh.Unpack(wal.NewReader(rcv.Data)); err != nil {
		return errors.Trace(err)
	}
	if _, err := os.Stat(vh.VolFullName); err == nil {
		return nil // 已存在
	}
	vol, err := io.Format(vh.VolFullName, int(vh.IOPageSize), vh.TotalPages)
	if err != nil {
		return errors.Trace(err)
	}
	if err = m.reg.Attach(vh.VolID, vol); err != nil {
		vol.Dismount()
		return errors.Trace(err)
	}
	logger.Infof("recovery recreated volume %s\n", vh.VolFullName)
	return nil
}

// rvRedoFormat 把卷头镜像原样放回页上
func (m *Manager) rvRedoFormat(rcv *rvfun.Rcv) error {
	payload := rcv.Pg.Payload()
	copy(payload, rcv.Data)
	for i := len(rcv.Data); i < len(payload); i++ {
		payload[i] = 0
	}
	return nil
}

// rvUndoFormat 逻辑undo: 删除卷文件
func (m *Manager) rvUndoFormat(rcv *rvfun.Rcv) error {
	fullName := string(rcv.Data)
	var volID int16 = -1
	m.reg.Each(func(id int16, vol *io.Volume) bool {
		if vol.FullName() == fullName {
			volID = id
			return false
		}
		return true
	})
	if volID >= 0 {
		return errors.Trace(m.Unformat(volID))
	}
	// 没挂载也要保证文件消失
	os.Remove(fullName)
	return nil
}

// rvRedoInitMap 初始化位图页: 前num位置位, 其余清零
func rvRedoInitMap(rcv *rvfun.Rcv) error {
	var img RecvMtabBits
	img.Unpack(wal.NewReader(rcv.Data))
	payload := rcv.Pg.Payload()
	for i := range payload {
		payload[i] = 0
	}
	for i := int32(0); i < img.Num; i++ {
		bitSet(payload, i)
	}
	return nil
}

// applyBits 在记录地址处按镜像置/清位
func applyBits(rcv *rvfun.Rcv, start, num int32, set bool) {
	payload := rcv.Pg.Payload()
	base := int32(rcv.Offset)*8 + start
	for i := int32(0); i < num; i++ {
		if set {
			bitSet(payload, base+i)
		} else {
			bitClear(payload, base+i)
		}
	}
}

func rvSetAlloctable(rcv *rvfun.Rcv) error {
	var img RecvMtabBits
	img.Unpack(wal.NewReader(rcv.Data))
	applyBits(rcv, img.StartBit, img.Num, true)
	return nil
}

func rvClearAlloctable(rcv *rvfun.Rcv) error {
	var img RecvMtabBits
	img.Unpack(wal.NewReader(rcv.Data))
	applyBits(rcv, img.StartBit, img.Num, false)
	return nil
}

func rvSetAlloctableWith(rcv *rvfun.Rcv) error {
	var img RecvMtabBitsWith
	img.Unpack(wal.NewReader(rcv.Data))
	applyBits(rcv, img.StartBit, img.Num, true)
	return nil
}

func rvClearAlloctableWith(rcv *rvfun.Rcv) error {
	var img RecvMtabBitsWith
	img.Unpack(wal.NewReader(rcv.Data))
	applyBits(rcv, img.StartBit, img.Num, false)
	return nil
}

// mutateHeader 解包-改-重打包卷头页
func mutateHeader(rcv *rvfun.Rcv, fn func(*VolHeader)) error {
	vh := &VolHeader{}
	if err := vh.Unpack(wal.NewReader(rcv.Pg.Payload())); err != nil {
		return errors.Trace(err)
	}
	fn(vh)
	w := wal.NewWriter()
	vh.Pack(w)
	payload := rcv.Pg.Payload()
	copy(payload, w.Bytes())
	for i := w.Len(); i < len(payload); i++ {
		payload[i] = 0
	}
	return nil
}

// rvVhdrScalloc 空闲扇区数增量(镜像即带符号增量)
func rvVhdrScalloc(rcv *rvfun.Rcv) error {
	delta := wal.NewReader(rcv.Data).ReadInt32()
	return mutateHeader(rcv, func(vh *VolHeader) {
		vh.FreeSects += delta
	})
}

// rvVhdrPgalloc 空闲页数增量
func rvVhdrPgalloc(rcv *rvfun.Rcv) error {
	delta := wal.NewReader(rcv.Data).ReadInt32()
	return mutateHeader(rcv, func(vh *VolHeader) {
		vh.FreePages += delta
	})
}

// rvVhdrDealloc 释放生效: 空闲计数加回
func rvVhdrDealloc(rcv *rvfun.Rcv) error {
	var img RecvMtabBitsWith
	img.Unpack(wal.NewReader(rcv.Data))
	return mutateHeader(rcv, func(vh *VolHeader) {
		if img.DeallidType == DeallocSector {
			vh.FreeSects += img.Num
		} else {
			vh.FreePages += img.Num
		}
	})
}

func rvVhdrDeallocUndo(rcv *rvfun.Rcv) error {
	var img RecvMtabBitsWith
	img.Unpack(wal.NewReader(rcv.Data))
	return mutateHeader(rcv, func(vh *VolHeader) {
		if img.DeallidType == DeallocSector {
			vh.FreeSects -= img.Num
		} else {
			vh.FreePages -= img.Num
		}
	})
}

func rvChangeCreation(rcv *rvfun.Rcv) error {
	var img RecvChangeCreation
	img.Unpack(wal.NewReader(rcv.Data))
	return mutateHeader(rcv, func(vh *VolHeader) {
		vh.DBCreation = img.DBCreation
		vh.ChkptLSA = img.ChkptLSA
	})
}

func rvBootHFID(rcv *rvfun.Rcv) error {
	var img RecvHFID
	img.Unpack(wal.NewReader(rcv.Data))
	return mutateHeader(rcv, func(vh *VolHeader) {
		vh.BootHFID = img.HFID
	})
}

func rvLink(rcv *rvfun.Rcv) error {
	var img RecvLink
	img.Unpack(wal.NewReader(rcv.Data))
	return mutateHeader(rcv, func(vh *VolHeader) {
		vh.NextVolFullName = img.NextVolFullName
	})
}

// rvRunPostponeDealloc IDDEALLOC_WITH_VOLHEADER的run-postpone
// 位图与卷头计数经两条联动redo原子生效, 每条各自重闩正确的页,
// 避免同时持两把页闩造成死锁。
func (m *Manager) rvRunPostponeDealloc(env rvfun.PostponeEnv,
	vpid pgbuf.VPID, offset int16, data []byte, refLSA wal.LSA) error {

	var img RecvMtabBitsWith
	img.Unpack(wal.NewReader(data))

	// 第一条: 只清位图
	pg, err := m.fixTableRetryNoLog(vpid)
	if err != nil {
		return errors.Trace(err)
	}
	if err = env.AppendRunPostpone(wal.RVDK_IDDEALLOC_BITMAP_ONLY,
		vpid, offset, pg, data, refLSA); err != nil {
		env.Pgbuf().Unfix(pg)
		return errors.Trace(err)
	}
	rcv := &rvfun.Rcv{Pg: pg, Offset: offset, Data: data}
	if err = rvClearAlloctableWith(rcv); err != nil {
		env.Pgbuf().Unfix(pg)
		return errors.Trace(err)
	}
	env.Pgbuf().SetDirty(pg)
	env.Pgbuf().Unfix(pg)

	// 第二条: 只改卷头计数
	hdrVPID := pgbuf.VPID{VolID: vpid.VolID, PageID: VolHeaderPage}
	hpg, err := m.fixTableRetryNoLog(hdrVPID)
	if err != nil {
		return errors.Trace(err)
	}
	if err = env.AppendRunPostpone(wal.RVDK_IDDEALLOC_VHDR_ONLY,
		hdrVPID, 0, hpg, data, refLSA); err != nil {
		env.Pgbuf().Unfix(hpg)
		return errors.Trace(err)
	}
	rcv = &rvfun.Rcv{Pg: hpg, Offset: 0, Data: data}
	if err = rvVhdrDealloc(rcv); err != nil {
		env.Pgbuf().Unfix(hpg)
		return errors.Trace(err)
	}
	env.Pgbuf().SetDirty(hpg)
	env.Pgbuf().Unfix(hpg)

	// 缓存计数跟进
	if img.DeallidType == DeallocPage {
		if purpose, err := m.GetPurpose(vpid.VolID); err == nil {
			m.cache.UpdateFreePages(vpid.VolID, purpose, img.Num)
		}
	}
	return nil
}

// fixTableRetryNoLog 与fixTableRetry相同但无事务挂钩(恢复路径)
func (m *Manager) fixTableRetryNoLog(vpid pgbuf.VPID) (*pgbuf.PageHandle, error) {
	var lastErr error
	for retry := 0; retry <= latchRetryMax; retry++ {
		pg, err := m.pgbuf.Fix(vpid, pgbuf.LatchWrite, nil)
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

func dumpMtabBits(data []byte) string {
	var img RecvMtabBits
	img.Unpack(wal.NewReader(data))
	return fmt.Sprintf("start_bit=%d num=%d", img.StartBit, img.Num)
}

func dumpMtabBitsWith(data []byte) string {
	var img RecvMtabBitsWith
	img.Unpack(wal.NewReader(data))
	return fmt.Sprintf("start_bit=%d num=%d type=%d", img.StartBit, img.Num, img.DeallidType)
}

func dumpHeaderImage(data []byte) string {
	vh := &VolHeader{}
	if err := vh.Unpack(wal.NewReader(data)); err != nil {
		return "corrupted volume header image"
	}
	return fmt.Sprintf("volid=%d purpose=%s total=%d free=%d name=%s",
		vh.VolID, vh.Purpose, vh.TotalPages, vh.FreePages, vh.VolFullName)
}
