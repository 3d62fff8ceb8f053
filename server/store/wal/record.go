package wal

import (
	"github.com/juju/errors"
	"github.com/zhukovaskychina/xtide-server/server/common"
	"github.com/zhukovaskychina/xtide-server/server/store/basic"
)

// RecordHeaderSize 定长记录头: trid(4) + prev_tranlsa(8) + back_lsa(8) + forw_lsa(8) + type(2) + pad(2)
const RecordHeaderSize = 32

// RcvAddrSize 恢复地址: rcvindex(2) + volid(2) + pageid(4) + offset(2) + pad(2)
const RcvAddrSize = 12

// ErrBadRecord 记录体解析失败
var ErrBadRecord = errors.New("wal: malformed log record")

// RecordHeader 所有日志记录共用的定长头
type RecordHeader struct {
	TranID      basic.TranID
	PrevTranLSA LSA // 同一事务上一条记录
	BackLSA     LSA // 全局后链
	ForwLSA     LSA // 全局前链, 追加下一条时回填
	Type        RecType
}

// Pack 序列化记录头
func (h *RecordHeader) Pack(w *Writer) {
	w.WriteInt32(h.TranID)
	w.WriteLSA(h.PrevTranLSA)
	w.WriteLSA(h.BackLSA)
	w.WriteLSA(h.ForwLSA)
	w.WriteInt16(int16(h.Type))
	w.WriteZeros(2)
}

// Unpack 反序列化记录头
func (h *RecordHeader) Unpack(r *Reader) error {
	h.TranID = r.ReadInt32()
	h.PrevTranLSA = r.ReadLSA()
	h.BackLSA = r.ReadLSA()
	h.ForwLSA = r.ReadLSA()
	h.Type = RecType(r.ReadInt16())
	r.Skip(2)
	if r.Err() != nil {
		return errors.Trace(ErrBadRecord)
	}
	return nil
}

// RcvAddr 恢复数据的位置
type RcvAddr struct {
	Index  RcvIndex
	VolID  int16
	PageID int32
	Offset int16
}

// Pack 序列化
func (a *RcvAddr) Pack(w *Writer) {
	w.WriteInt16(int16(a.Index))
	w.WriteInt16(a.VolID)
	w.WriteInt32(a.PageID)
	w.WriteInt16(a.Offset)
	w.WriteZeros(2)
}

// Unpack 反序列化
func (a *RcvAddr) Unpack(r *Reader) {
	a.Index = RcvIndex(r.ReadInt16())
	a.VolID = r.ReadInt16()
	a.PageID = r.ReadInt32()
	a.Offset = r.ReadInt16()
	r.Skip(2)
}

// zipFlag 长度字段的最高位标记压缩体
const zipFlag = int32(-1 << 31)

// MakeBodyLen 组合长度与压缩标记
func MakeBodyLen(n int, zipped bool) int32 {
	v := int32(n)
	if zipped {
		v |= zipFlag
	}
	return v
}

// IsZipped 长度字段带压缩标记
func IsZipped(l int32) bool {
	return l&zipFlag != 0
}

// BodyLen 去除压缩标记后的长度
func BodyLen(l int32) int {
	return int(l &^ zipFlag)
}

// UndoRedoBody UNDOREDO / DIFF_UNDOREDO 记录体, 后随undo与redo字节
type UndoRedoBody struct {
	Rcv  RcvAddr
	ULen int32 // 带zip标记
	RLen int32 // 带zip标记
}

func (b *UndoRedoBody) Pack(w *Writer) {
	b.Rcv.Pack(w)
	w.WriteInt32(b.ULen)
	w.WriteInt32(b.RLen)
}

func (b *UndoRedoBody) Unpack(r *Reader) {
	b.Rcv.Unpack(r)
	b.ULen = r.ReadInt32()
	b.RLen = r.ReadInt32()
}

// UndoBody UNDO 记录体
type UndoBody struct {
	Rcv RcvAddr
	Len int32
}

func (b *UndoBody) Pack(w *Writer) {
	b.Rcv.Pack(w)
	w.WriteInt32(b.Len)
}

func (b *UndoBody) Unpack(r *Reader) {
	b.Rcv.Unpack(r)
	b.Len = r.ReadInt32()
}

// RedoBody REDO / POSTPONE 记录体
type RedoBody struct {
	Rcv RcvAddr
	Len int32
}

func (b *RedoBody) Pack(w *Writer) {
	b.Rcv.Pack(w)
	w.WriteInt32(b.Len)
}

func (b *RedoBody) Unpack(r *Reader) {
	b.Rcv.Unpack(r)
	b.Len = r.ReadInt32()
}

// DBExternRedoBody 与页无关的redo
type DBExternRedoBody struct {
	RcvIndex RcvIndex
	Len      int32
}

func (b *DBExternRedoBody) Pack(w *Writer) {
	w.WriteInt16(int16(b.RcvIndex))
	w.WriteZeros(2)
	w.WriteInt32(b.Len)
}

func (b *DBExternRedoBody) Unpack(r *Reader) {
	b.RcvIndex = RcvIndex(r.ReadInt16())
	r.Skip(2)
	b.Len = r.ReadInt32()
}

// CompensateBody 补偿记录(CLR)
type CompensateBody struct {
	Rcv       RcvAddr
	UndoNxLSA LSA // 继续undo的下一条地址
	Len       int32
}

func (b *CompensateBody) Pack(w *Writer) {
	b.Rcv.Pack(w)
	w.WriteLSA(b.UndoNxLSA)
	w.WriteInt32(b.Len)
}

func (b *CompensateBody) Unpack(r *Reader) {
	b.Rcv.Unpack(r)
	b.UndoNxLSA = r.ReadLSA()
	b.Len = r.ReadInt32()
}

// LCompensateBody 逻辑undo结束标记
type LCompensateBody struct {
	RcvIndex  RcvIndex
	UndoNxLSA LSA
}

func (b *LCompensateBody) Pack(w *Writer) {
	w.WriteInt16(int16(b.RcvIndex))
	w.WriteZeros(2)
	w.WriteLSA(b.UndoNxLSA)
}

func (b *LCompensateBody) Unpack(r *Reader) {
	b.RcvIndex = RcvIndex(r.ReadInt16())
	r.Skip(2)
	b.UndoNxLSA = r.ReadLSA()
}

// RunPostponeBody postpone的执行记录
type RunPostponeBody struct {
	Rcv    RcvAddr
	RefLSA LSA // 原postpone记录地址
	Len    int32
}

func (b *RunPostponeBody) Pack(w *Writer) {
	b.Rcv.Pack(w)
	w.WriteLSA(b.RefLSA)
	w.WriteInt32(b.Len)
}

func (b *RunPostponeBody) Unpack(r *Reader) {
	b.Rcv.Unpack(r)
	b.RefLSA = r.ReadLSA()
	b.Len = r.ReadInt32()
}

// StartPostponeBody COMMIT_WITH_POSTPONE 记录体
type StartPostponeBody struct {
	PospLSA LSA // 第一条postpone记录地址
}

func (b *StartPostponeBody) Pack(w *Writer) {
	w.WriteLSA(b.PospLSA)
}

func (b *StartPostponeBody) Unpack(r *Reader) {
	b.PospLSA = r.ReadLSA()
}

// TopopeStartPostponeBody COMMIT_TOPOPE_WITH_POSTPONE 记录体
type TopopeStartPostponeBody struct {
	LastParentLSA LSA
	PospLSA       LSA
}

func (b *TopopeStartPostponeBody) Pack(w *Writer) {
	w.WriteLSA(b.LastParentLSA)
	w.WriteLSA(b.PospLSA)
}

func (b *TopopeStartPostponeBody) Unpack(r *Reader) {
	b.LastParentLSA = r.ReadLSA()
	b.PospLSA = r.ReadLSA()
}

// TopopResultBody COMMIT_TOPOPE / ABORT_TOPOPE 记录体
type TopopResultBody struct {
	LastParentLSA   LSA // 顶层操作开始前父事务的最后地址
	PrvTopresultLSA LSA // 上一个部分提交/中止
}

func (b *TopopResultBody) Pack(w *Writer) {
	w.WriteLSA(b.LastParentLSA)
	w.WriteLSA(b.PrvTopresultLSA)
}

func (b *TopopResultBody) Unpack(r *Reader) {
	b.LastParentLSA = r.ReadLSA()
	b.PrvTopresultLSA = r.ReadLSA()
}

// DoneTimeBody COMMIT / ABORT 记录体, 事务结束的墙上时间
// 介质恢复的stopat以此为界。
type DoneTimeBody struct {
	AtTime int64 // unix纳秒
}

func (b *DoneTimeBody) Pack(w *Writer) {
	w.WriteInt64(b.AtTime)
}

func (b *DoneTimeBody) Unpack(r *Reader) {
	b.AtTime = r.ReadInt64()
}

// SavepointBody SAVEPOINT 记录体, 后随名字字节
type SavepointBody struct {
	PrvSavept LSA // 前一个保存点
	Len       int32
}

func (b *SavepointBody) Pack(w *Writer) {
	w.WriteLSA(b.PrvSavept)
	w.WriteInt32(b.Len)
}

func (b *SavepointBody) Unpack(r *Reader) {
	b.PrvSavept = r.ReadLSA()
	b.Len = r.ReadInt32()
}

// ChkptBody START_CHKPT无体; END_CHKPT体 = 本结构 + ntrans个ChkptTrans + ntops个ChkptTopop
type ChkptBody struct {
	RedoLSA LSA // 页缓冲中最老脏页LSA, redo起点下界
	NTrans  int32
	NTops   int32
}

func (b *ChkptBody) Pack(w *Writer) {
	w.WriteLSA(b.RedoLSA)
	w.WriteInt32(b.NTrans)
	w.WriteInt32(b.NTops)
}

func (b *ChkptBody) Unpack(r *Reader) {
	b.RedoLSA = r.ReadLSA()
	b.NTrans = r.ReadInt32()
	b.NTops = r.ReadInt32()
}

// ChkptTrans END_CHKPT携带的单事务快照
type ChkptTrans struct {
	IsLooseEnd       int32
	TranID           basic.TranID
	State            basic.TranState
	HeadLSA          LSA
	TailLSA          LSA
	UndoNxLSA        LSA
	PospNxLSA        LSA
	SaveptLSA        LSA
	TailTopresultLSA LSA
	ClientUndoLSA    LSA
	ClientPospLSA    LSA
	UserName         string
}

func (c *ChkptTrans) Pack(w *Writer) {
	w.WriteInt32(c.IsLooseEnd)
	w.WriteInt32(c.TranID)
	w.WriteInt32(int32(c.State))
	w.WriteLSA(c.HeadLSA)
	w.WriteLSA(c.TailLSA)
	w.WriteLSA(c.UndoNxLSA)
	w.WriteLSA(c.PospNxLSA)
	w.WriteLSA(c.SaveptLSA)
	w.WriteLSA(c.TailTopresultLSA)
	w.WriteLSA(c.ClientUndoLSA)
	w.WriteLSA(c.ClientPospLSA)
	w.WriteFixedString(c.UserName, common.MaxUserNameLen)
}

func (c *ChkptTrans) Unpack(r *Reader) {
	c.IsLooseEnd = r.ReadInt32()
	c.TranID = r.ReadInt32()
	c.State = basic.TranState(r.ReadInt32())
	c.HeadLSA = r.ReadLSA()
	c.TailLSA = r.ReadLSA()
	c.UndoNxLSA = r.ReadLSA()
	c.PospNxLSA = r.ReadLSA()
	c.SaveptLSA = r.ReadLSA()
	c.TailTopresultLSA = r.ReadLSA()
	c.ClientUndoLSA = r.ReadLSA()
	c.ClientPospLSA = r.ReadLSA()
	c.UserName = r.ReadFixedString(common.MaxUserNameLen)
}

// ChkptTopop END_CHKPT携带的单顶层操作快照
type ChkptTopop struct {
	TranID        basic.TranID
	LastParentLSA LSA
	PospLSA       LSA
	ClientPospLSA LSA
	ClientUndoLSA LSA
}

func (c *ChkptTopop) Pack(w *Writer) {
	w.WriteInt32(c.TranID)
	w.WriteLSA(c.LastParentLSA)
	w.WriteLSA(c.PospLSA)
	w.WriteLSA(c.ClientPospLSA)
	w.WriteLSA(c.ClientUndoLSA)
}

func (c *ChkptTopop) Unpack(r *Reader) {
	c.TranID = r.ReadInt32()
	c.LastParentLSA = r.ReadLSA()
	c.PospLSA = r.ReadLSA()
	c.ClientPospLSA = r.ReadLSA()
	c.ClientUndoLSA = r.ReadLSA()
}

// TwoPCPrepareBody 2PC_PREPARE 记录体, 后随gtrinfo字节
type TwoPCPrepareBody struct {
	UserName       string
	GTrid          int32
	GTrinfoLen     int32
	NumObjectLocks uint32
	NumPageLocks   uint32
}

func (b *TwoPCPrepareBody) Pack(w *Writer) {
	w.WriteFixedString(b.UserName, common.MaxUserNameLen)
	w.WriteInt32(b.GTrid)
	w.WriteInt32(b.GTrinfoLen)
	w.WriteInt32(int32(b.NumObjectLocks))
	w.WriteInt32(int32(b.NumPageLocks))
}

func (b *TwoPCPrepareBody) Unpack(r *Reader) {
	b.UserName = r.ReadFixedString(common.MaxUserNameLen)
	b.GTrid = r.ReadInt32()
	b.GTrinfoLen = r.ReadInt32()
	b.NumObjectLocks = uint32(r.ReadInt32())
	b.NumPageLocks = uint32(r.ReadInt32())
}

// TwoPCStartBody 2PC_START 记录体, 后随 num_particps*particp_id_len 的参与者块
type TwoPCStartBody struct {
	UserName      string
	GTrid         int32
	NumParticps   int32
	ParticpIDLen  int32
}

func (b *TwoPCStartBody) Pack(w *Writer) {
	w.WriteFixedString(b.UserName, common.MaxUserNameLen)
	w.WriteInt32(b.GTrid)
	w.WriteInt32(b.NumParticps)
	w.WriteInt32(b.ParticpIDLen)
}

func (b *TwoPCStartBody) Unpack(r *Reader) {
	b.UserName = r.ReadFixedString(common.MaxUserNameLen)
	b.GTrid = r.ReadInt32()
	b.NumParticps = r.ReadInt32()
	b.ParticpIDLen = r.ReadInt32()
}

// TwoPCAckBody 2PC_RECV_ACK 记录体
type TwoPCAckBody struct {
	ParticpIndex int32
}

func (b *TwoPCAckBody) Pack(w *Writer) {
	w.WriteInt32(b.ParticpIndex)
}

func (b *TwoPCAckBody) Unpack(r *Reader) {
	b.ParticpIndex = r.ReadInt32()
}

// ReplicationBody REPLICATION_DATA / REPLICATION_SCHEMA 记录体, 后随载荷字节
type ReplicationBody struct {
	TargetLSA LSA // 复制对象的源记录地址
	Len       int32
	RcvIndex  int32
}

func (b *ReplicationBody) Pack(w *Writer) {
	w.WriteLSA(b.TargetLSA)
	w.WriteInt32(b.Len)
	w.WriteInt32(b.RcvIndex)
}

func (b *ReplicationBody) Unpack(r *Reader) {
	b.TargetLSA = r.ReadLSA()
	b.Len = r.ReadInt32()
	b.RcvIndex = r.ReadInt32()
}

// HAServerStateBody DUMMY_HA_SERVER_STATE 记录体
type HAServerStateBody struct {
	State int32
}

func (b *HAServerStateBody) Pack(w *Writer) {
	w.WriteInt32(b.State)
}

func (b *HAServerStateBody) Unpack(r *Reader) {
	b.State = r.ReadInt32()
}
