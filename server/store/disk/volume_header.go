package disk

import (
	"github.com/juju/errors"
	"github.com/zhukovaskychina/xtide-server/server/common"
	"github.com/zhukovaskychina/xtide-server/server/store/wal"
)

// VolHeaderPage 卷头所在页号
const VolHeaderPage = int32(0)

// HFID 引导堆文件标识
type HFID struct {
	VolID  int16
	FileID int32
	HPgID  int32
}

// NullHFID 空HFID
var NullHFID = HFID{VolID: common.NullVolID, FileID: common.NullPageID, HPgID: common.NullPageID}

// VolHeader 卷头, 存放在每个数据卷的第0页
// 三个变长字符串(卷路径, 下一卷路径, 备注)连续打包在var_fields里,
// 其起始偏移必须被精确恢复, 因此头变更都带UNDO/REDO镜像。
type VolHeader struct {
	Magic             string
	IOPageSize        int32
	VolID             int16
	Purpose           VolPurpose
	SectNPages        int32 // 每扇区页数, 格式化后固定
	TotalPages        int32
	TotalSects        int32
	FreePages         int32
	FreeSects         int32
	HintAllocSect     int32 // 轮转分配提示
	SectAlloctbNPages int32
	PageAlloctbNPages int32
	SectAlloctbPage1  int32
	PageAlloctbPage1  int32
	SysLastPage       int32
	WarnAt            int32 // 空闲页低水位
	DBCreation        int64
	ChkptLSA          wal.LSA
	BootHFID          HFID

	VolFullName     string
	NextVolFullName string
	VolRemarks      string
}

// packFixed 打包卷头定长部分(不含三个偏移字段, 偏移由Pack写出)
func (h *VolHeader) packFixed(w *wal.Writer) {
	w.WriteFixedString(h.Magic, common.MagicMaxLength)
	w.WriteZeros(3)
	w.WriteInt32(h.IOPageSize)
	w.WriteInt16(h.VolID)
	w.WriteZeros(2)
	w.WriteInt32(int32(h.Purpose))
	w.WriteInt32(h.SectNPages)
	w.WriteInt32(h.TotalPages)
	w.WriteInt32(h.TotalSects)
	w.WriteInt32(h.FreePages)
	w.WriteInt32(h.FreeSects)
	w.WriteInt32(h.HintAllocSect)
	w.WriteInt32(h.SectAlloctbNPages)
	w.WriteInt32(h.PageAlloctbNPages)
	w.WriteInt32(h.SectAlloctbPage1)
	w.WriteInt32(h.PageAlloctbPage1)
	w.WriteInt32(h.SysLastPage)
	w.WriteInt32(h.WarnAt)
	w.WriteInt64(h.DBCreation)
	w.WriteLSA(h.ChkptLSA)
	w.WriteInt16(h.BootHFID.VolID)
	w.WriteZeros(2)
	w.WriteInt32(h.BootHFID.FileID)
	w.WriteInt32(h.BootHFID.HPgID)
}

// Pack 序列化整个卷头(定长部分 + 偏移 + 变长字符串)
func (h *VolHeader) Pack(w *wal.Writer) {
	h.packFixed(w)
	// 变长字段: 三个偏移 + NUL结尾字符串紧凑排列
	offFull := int32(0)
	offNext := offFull + int32(len(h.VolFullName)) + 1
	offRemarks := offNext + int32(len(h.NextVolFullName)) + 1
	w.WriteInt32(offFull)
	w.WriteInt32(offNext)
	w.WriteInt32(offRemarks)
	w.WriteBytes([]byte(h.VolFullName))
	w.WriteByte(0)
	w.WriteBytes([]byte(h.NextVolFullName))
	w.WriteByte(0)
	w.WriteBytes([]byte(h.VolRemarks))
	w.WriteByte(0)
}

// Unpack 反序列化
func (h *VolHeader) Unpack(r *wal.Reader) error {
	h.Magic = r.ReadFixedString(common.MagicMaxLength)
	r.Skip(3)
	h.IOPageSize = r.ReadInt32()
	h.VolID = r.ReadInt16()
	r.Skip(2)
	h.Purpose = VolPurpose(r.ReadInt32())
	h.SectNPages = r.ReadInt32()
	h.TotalPages = r.ReadInt32()
	h.TotalSects = r.ReadInt32()
	h.FreePages = r.ReadInt32()
	h.FreeSects = r.ReadInt32()
	h.HintAllocSect = r.ReadInt32()
	h.SectAlloctbNPages = r.ReadInt32()
	h.PageAlloctbNPages = r.ReadInt32()
	h.SectAlloctbPage1 = r.ReadInt32()
	h.PageAlloctbPage1 = r.ReadInt32()
	h.SysLastPage = r.ReadInt32()
	h.WarnAt = r.ReadInt32()
	h.DBCreation = r.ReadInt64()
	h.ChkptLSA = r.ReadLSA()
	h.BootHFID.VolID = r.ReadInt16()
	r.Skip(2)
	h.BootHFID.FileID = r.ReadInt32()
	h.BootHFID.HPgID = r.ReadInt32()
	offFull := r.ReadInt32()
	offNext := r.ReadInt32()
	offRemarks := r.ReadInt32()
	if r.Err() != nil {
		return errors.Trace(ErrInconsistentVolHeader)
	}
	varStart := r.Offset()
	readAt := func(off int32) (string, bool) {
		pos := varStart + int(off)
		buf := make([]byte, 0, 32)
		for {
			b, ok := byteAt(r, pos)
			if !ok {
				return "", false
			}
			if b == 0 {
				return string(buf), true
			}
			buf = append(buf, b)
			pos++
		}
	}
	var ok bool
	if h.VolFullName, ok = readAt(offFull); !ok {
		return errors.Trace(ErrInconsistentVolHeader)
	}
	if h.NextVolFullName, ok = readAt(offNext); !ok {
		return errors.Trace(ErrInconsistentVolHeader)
	}
	if h.VolRemarks, ok = readAt(offRemarks); !ok {
		return errors.Trace(ErrInconsistentVolHeader)
	}
	return nil
}

// Validate 挂载时的卷头校验
func (h *VolHeader) Validate() error {
	if h.Magic != common.MagicDatabaseVolume {
		return errors.Annotatef(ErrInconsistentVolHeader, "magic %q", h.Magic)
	}
	if h.SysLastPage != h.PageAlloctbPage1+h.PageAlloctbNPages-1 {
		return errors.Annotatef(ErrInconsistentVolHeader,
			"sys_lastpage %d != page_alloctb %d+%d-1",
			h.SysLastPage, h.PageAlloctbPage1, h.PageAlloctbNPages)
	}
	if h.SectAlloctbPage1 < 1 || h.SysLastPage >= h.TotalPages {
		return errors.Annotatef(ErrInconsistentVolHeader,
			"allocation tables out of [1,%d]", h.SysLastPage)
	}
	return nil
}

// FirstSectPage / LastSectPage 扇区的页范围
func (h *VolHeader) FirstSectPage(sectID int32) int32 {
	return sectID * h.SectNPages
}

func (h *VolHeader) LastSectPage(sectID int32) int32 {
	if sectID+1 == h.TotalSects {
		return h.TotalPages - 1
	}
	return h.FirstSectPage(sectID) + h.SectNPages - 1
}

// byteAt 从Reader底层缓冲取任意偏移字节
func byteAt(r *wal.Reader, pos int) (byte, bool) {
	raw := r.Raw()
	if pos < 0 || pos >= len(raw) {
		return 0, false
	}
	return raw[pos], true
}
