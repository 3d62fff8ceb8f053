package wal

import (
	"github.com/juju/errors"
	"github.com/zhukovaskychina/xtide-server/server/common"
	"github.com/zhukovaskychina/xtide-server/server/store/basic"
)

// 活动日志/归档日志头都存放在各自文件的第一个物理页。

// ErrBadMagic 挂载时magic不匹配
var ErrBadMagic = errors.New("wal: bad magic on log volume")

// ErrBadPageSize 日志页大小非法
var ErrBadPageSize = errors.New("wal: log page size out of range or not a power of two")

// HAServerState 主备状态
type HAServerState int32

const (
	HAStateNA HAServerState = iota
	HAStateActive
	HAStateToBeActive
	HAStateStandby
	HAStateToBeStandby
	HAStateDead
)

// HAFileStatus 日志文件同步状态
type HAFileStatus int32

const (
	HAFileUnknown HAFileStatus = iota
	HAFileSynchronized
	HAFileArchived
)

// BackupLevelCount 备份级别数
const BackupLevelCount = 3

// BackupLevelInfo 每个备份级别的度量
type BackupLevelInfo struct {
	BkupAtTime       int64
	IOBaselineTime   int64
	IOBackupTime     int64
	NDirtyPagesPost  int32
	IONumPages       int32
}

func (b *BackupLevelInfo) pack(w *Writer) {
	w.WriteInt64(b.BkupAtTime)
	w.WriteInt64(b.IOBaselineTime)
	w.WriteInt64(b.IOBackupTime)
	w.WriteInt32(b.NDirtyPagesPost)
	w.WriteInt32(b.IONumPages)
}

func (b *BackupLevelInfo) unpack(r *Reader) {
	b.BkupAtTime = r.ReadInt64()
	b.IOBaselineTime = r.ReadInt64()
	b.IOBackupTime = r.ReadInt64()
	b.NDirtyPagesPost = r.ReadInt32()
	b.IONumPages = r.ReadInt32()
}

// ActiveHeader 活动日志头
type ActiveHeader struct {
	Magic         string
	DBCreation    int64
	DBRelease     string
	DBIOPageSize  int32
	DBLogPageSize int32
	IsShutdown    int32
	NextTranID    basic.TranID
	AvgNTrans     int32
	AvgNLocks     int32
	NPages        int32 // 活动日志循环区页数, 不含头页
	FPageID       int32 // 物理位置1处的逻辑页号
	AppendLSA     LSA
	ChkptLSA      LSA
	NxArvPageID   int32 // 下一个待归档逻辑页
	NxArvPhyPageID int32
	NxArvNum      int32
	LastArvNumForSysCrashes int32
	LastDeletedArvNum       int32
	HasLoggingBeenSkipped   int32
	BkupLevelLSA  [BackupLevelCount]LSA
	PrefixName    string
	LowestArvNumForBackup  int32
	HighestArvNumForBackup int32
	PermStatus    int32
	BkInfo        [BackupLevelCount]BackupLevelInfo
	HAServerState HAServerState
	HAFileStatus  HAFileStatus
	EOFLSA        LSA
}

// NewActiveHeader 初始化新数据库的活动日志头
func NewActiveHeader(prefix string, dbCreation int64, ioPageSize, logPageSize, npages int32) *ActiveHeader {
	h := &ActiveHeader{
		Magic:         common.MagicLogActive,
		DBCreation:    dbCreation,
		DBRelease:     ReleaseString,
		DBIOPageSize:  ioPageSize,
		DBLogPageSize: logPageSize,
		NextTranID:    1,
		NPages:        npages,
		FPageID:       0,
		AppendLSA:     LSA{PageID: 0, Offset: 0},
		ChkptLSA:      LSA{PageID: 0, Offset: 0},
		NxArvPageID:   0,
		NxArvPhyPageID: 1,
		NxArvNum:      0,
		LastArvNumForSysCrashes: -1,
		LastDeletedArvNum:       -1,
		PrefixName:    prefix,
		HAServerState: HAStateNA,
		HAFileStatus:  HAFileUnknown,
		EOFLSA:        LSA{PageID: 0, Offset: 0},
	}
	for i := range h.BkupLevelLSA {
		h.BkupLevelLSA[i] = NullLSA
	}
	return h
}

// ReleaseString 写进日志头的发行串
const ReleaseString = "xtide-1.0.0"

// Pack 序列化到页大小的缓冲
func (h *ActiveHeader) Pack(w *Writer) {
	w.WriteFixedString(h.Magic, common.MagicMaxLength)
	w.WriteZeros(7) // 8字节对齐
	w.WriteInt64(h.DBCreation)
	w.WriteFixedString(h.DBRelease, common.MaxReleaseLen)
	w.WriteInt32(h.DBIOPageSize)
	w.WriteInt32(h.DBLogPageSize)
	w.WriteInt32(h.IsShutdown)
	w.WriteInt32(h.NextTranID)
	w.WriteInt32(h.AvgNTrans)
	w.WriteInt32(h.AvgNLocks)
	w.WriteInt32(h.NPages)
	w.WriteInt32(h.FPageID)
	w.WriteLSA(h.AppendLSA)
	w.WriteLSA(h.ChkptLSA)
	w.WriteInt32(h.NxArvPageID)
	w.WriteInt32(h.NxArvPhyPageID)
	w.WriteInt32(h.NxArvNum)
	w.WriteInt32(h.LastArvNumForSysCrashes)
	w.WriteInt32(h.LastDeletedArvNum)
	w.WriteInt32(h.HasLoggingBeenSkipped)
	for i := range h.BkupLevelLSA {
		w.WriteLSA(h.BkupLevelLSA[i])
	}
	w.WriteFixedString(h.PrefixName, common.MaxPrefixNameLen)
	w.WriteInt32(h.LowestArvNumForBackup)
	w.WriteInt32(h.HighestArvNumForBackup)
	w.WriteInt32(h.PermStatus)
	w.WriteZeros(4)
	for i := range h.BkInfo {
		h.BkInfo[i].pack(w)
	}
	w.WriteInt32(int32(h.HAServerState))
	w.WriteInt32(int32(h.HAFileStatus))
	w.WriteLSA(h.EOFLSA)
}

// Unpack 从页缓冲解析
func (h *ActiveHeader) Unpack(r *Reader) error {
	h.Magic = r.ReadFixedString(common.MagicMaxLength)
	r.Skip(7)
	h.DBCreation = r.ReadInt64()
	h.DBRelease = r.ReadFixedString(common.MaxReleaseLen)
	h.DBIOPageSize = r.ReadInt32()
	h.DBLogPageSize = r.ReadInt32()
	h.IsShutdown = r.ReadInt32()
	h.NextTranID = r.ReadInt32()
	h.AvgNTrans = r.ReadInt32()
	h.AvgNLocks = r.ReadInt32()
	h.NPages = r.ReadInt32()
	h.FPageID = r.ReadInt32()
	h.AppendLSA = r.ReadLSA()
	h.ChkptLSA = r.ReadLSA()
	h.NxArvPageID = r.ReadInt32()
	h.NxArvPhyPageID = r.ReadInt32()
	h.NxArvNum = r.ReadInt32()
	h.LastArvNumForSysCrashes = r.ReadInt32()
	h.LastDeletedArvNum = r.ReadInt32()
	h.HasLoggingBeenSkipped = r.ReadInt32()
	for i := range h.BkupLevelLSA {
		h.BkupLevelLSA[i] = r.ReadLSA()
	}
	h.PrefixName = r.ReadFixedString(common.MaxPrefixNameLen)
	h.LowestArvNumForBackup = r.ReadInt32()
	h.HighestArvNumForBackup = r.ReadInt32()
	h.PermStatus = r.ReadInt32()
	r.Skip(4)
	for i := range h.BkInfo {
		h.BkInfo[i].unpack(r)
	}
	h.HAServerState = HAServerState(r.ReadInt32())
	h.HAFileStatus = HAFileStatus(r.ReadInt32())
	h.EOFLSA = r.ReadLSA()
	if r.Err() != nil {
		return errors.Trace(r.Err())
	}
	return nil
}

// Validate 挂载时的持久布局校验
func (h *ActiveHeader) Validate(prefix string) error {
	if h.Magic != common.MagicLogActive {
		return errors.Annotatef(ErrBadMagic, "found %q", h.Magic)
	}
	if h.PrefixName != prefix {
		return errors.Annotatef(ErrBadMagic, "log belongs to %q, not %q", h.PrefixName, prefix)
	}
	ps := int(h.DBLogPageSize)
	if ps < common.MinLogPageSize || ps > common.MaxLogPageSize || !common.IsPowerOfTwo(ps) {
		return errors.Annotatef(ErrBadPageSize, "%d", ps)
	}
	return nil
}

// PhysicalPageID 逻辑页号到活动日志文件内物理页号
// 物理0页是头页, 循环区从物理1开始。
func (h *ActiveHeader) PhysicalPageID(logicalPageID int32) int32 {
	return (logicalPageID-h.FPageID)%h.NPages + 1
}

// ArchiveHeader 归档日志头
type ArchiveHeader struct {
	Magic      string
	DBCreation int64
	NextTranID basic.TranID
	NPages     int32
	FPageID    int32
	ArvNum     int32
}

// Pack 序列化
func (h *ArchiveHeader) Pack(w *Writer) {
	w.WriteFixedString(h.Magic, common.MagicMaxLength)
	w.WriteZeros(7)
	w.WriteInt64(h.DBCreation)
	w.WriteInt32(h.NextTranID)
	w.WriteInt32(h.NPages)
	w.WriteInt32(h.FPageID)
	w.WriteInt32(h.ArvNum)
}

// Unpack 反序列化
func (h *ArchiveHeader) Unpack(r *Reader) error {
	h.Magic = r.ReadFixedString(common.MagicMaxLength)
	r.Skip(7)
	h.DBCreation = r.ReadInt64()
	h.NextTranID = r.ReadInt32()
	h.NPages = r.ReadInt32()
	h.FPageID = r.ReadInt32()
	h.ArvNum = r.ReadInt32()
	if r.Err() != nil {
		return errors.Trace(r.Err())
	}
	return nil
}

// Validate 归档头校验
func (h *ArchiveHeader) Validate() error {
	if h.Magic != common.MagicLogArchive {
		return errors.Annotatef(ErrBadMagic, "found %q", h.Magic)
	}
	return nil
}

// ContainsPage 归档是否覆盖该逻辑页
func (h *ArchiveHeader) ContainsPage(pageID int32) bool {
	return pageID >= h.FPageID && pageID < h.FPageID+h.NPages
}
