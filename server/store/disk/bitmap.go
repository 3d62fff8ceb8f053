package disk

import (
	"github.com/zhukovaskychina/xtide-server/server/store/pgbuf"
	"github.com/zhukovaskychina/xtide-server/server/store/wal"
	"github.com/zhukovaskychina/xtide-server/util"
)

// 扇区/页分配表是按位打包的位图, 一字节8位, 字节内低位在前,
// 置位表示已分配。pageid与位位置的换算:
//   所在表页 = pageid/bits_per_page + alloctb_page1
//   页内位   = pageid%bits_per_page (先字节后位)

// BitsPerPage 每张分配表页可表示的单元数
func BitsPerPage(ioPageSize int) int32 {
	return int32((ioPageSize - pgbuf.DataPageHeaderSize) * 8)
}

func bitSet(b []byte, n int32) {
	util.SetBit(b, n)
}

func bitClear(b []byte, n int32) {
	util.ClearBit(b, n)
}

func bitIsSet(b []byte, n int32) bool {
	return util.IsBitSet(b, n)
}

// RecvMtabBits 分配表位变更的恢复镜像
// 按位记录而不是按字节, 因为同一字节会被并发事务修改,
// undo/redo必须是逻辑操作。
type RecvMtabBits struct {
	StartBit int32 // 起始位(相对记录地址的字节偏移)
	Num      int32 // 位数
}

// Pack 序列化
func (m *RecvMtabBits) Pack(w *wal.Writer) {
	w.WriteInt32(m.StartBit)
	w.WriteInt32(m.Num)
}

// Unpack 反序列化
func (m *RecvMtabBits) Unpack(r *wal.Reader) {
	m.StartBit = r.ReadInt32()
	m.Num = r.ReadInt32()
}

// DeallocType 被延迟释放的单元类型
type DeallocType int32

const (
	DeallocSector DeallocType = iota
	DeallocPage
)

// RecvMtabBitsWith 带类型与头页联动信息的释放镜像
type RecvMtabBitsWith struct {
	StartBit    int32
	Num         int32
	DeallidType DeallocType
}

// Pack 序列化
func (m *RecvMtabBitsWith) Pack(w *wal.Writer) {
	w.WriteInt32(m.StartBit)
	w.WriteInt32(m.Num)
	w.WriteInt32(int32(m.DeallidType))
}

// Unpack 反序列化
func (m *RecvMtabBitsWith) Unpack(r *wal.Reader) {
	m.StartBit = r.ReadInt32()
	m.Num = r.ReadInt32()
	m.DeallidType = DeallocType(r.ReadInt32())
}

// RecvChangeCreation 创建时间变更的恢复镜像
type RecvChangeCreation struct {
	DBCreation int64
	ChkptLSA   wal.LSA
	VolName    string
}

// Pack 序列化
func (m *RecvChangeCreation) Pack(w *wal.Writer) {
	w.WriteInt64(m.DBCreation)
	w.WriteLSA(m.ChkptLSA)
	w.WriteInt32(int32(len(m.VolName)))
	w.WriteBytes([]byte(m.VolName))
}

// Unpack 反序列化
func (m *RecvChangeCreation) Unpack(r *wal.Reader) {
	m.DBCreation = r.ReadInt64()
	m.ChkptLSA = r.ReadLSA()
	n := r.ReadInt32()
	m.VolName = string(r.ReadBytes(int(n)))
}

// RecvHFID boot_hfid变更的恢复镜像
type RecvHFID struct {
	HFID HFID
}

// Pack 序列化
func (m *RecvHFID) Pack(w *wal.Writer) {
	w.WriteInt16(m.HFID.VolID)
	w.WriteZeros(2)
	w.WriteInt32(m.HFID.FileID)
	w.WriteInt32(m.HFID.HPgID)
}

// Unpack 反序列化
func (m *RecvHFID) Unpack(r *wal.Reader) {
	m.HFID.VolID = r.ReadInt16()
	r.Skip(2)
	m.HFID.FileID = r.ReadInt32()
	m.HFID.HPgID = r.ReadInt32()
}

// RecvLink 卷链接变更的恢复镜像(整个卷头重打包)
type RecvLink struct {
	NextVolFullName string
}

// Pack 序列化
func (m *RecvLink) Pack(w *wal.Writer) {
	w.WriteInt32(int32(len(m.NextVolFullName)))
	w.WriteBytes([]byte(m.NextVolFullName))
}

// Unpack 反序列化
func (m *RecvLink) Unpack(r *wal.Reader) {
	n := r.ReadInt32()
	m.NextVolFullName = string(r.ReadBytes(int(n)))
}
