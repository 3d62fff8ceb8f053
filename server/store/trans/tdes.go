package trans

import (
	"time"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xtide-server/server/common"
	"github.com/zhukovaskychina/xtide-server/server/store/basic"
	"github.com/zhukovaskychina/xtide-server/server/store/pgbuf"
	"github.com/zhukovaskychina/xtide-server/server/store/wal"
	uatomic "go.uber.org/atomic"
)

// ClientIDs 客户端身份
type ClientIDs struct {
	ClientType  int32
	ClientInfo  string
	DBUser      string
	ProgramName string
	LoginName   string
	HostName    string
	ProcessID   int32
}

// OID 对象标识
type OID struct {
	VolID  int16
	PageID int32
	SlotID int16
}

// BTID B树标识
type BTID struct {
	VolID  int16
	FileID int32
	RootID int32
}

// UniqueStats 唯一索引的本地统计累加器
// 多行更新在提交前统一反映到全局统计。
type UniqueStats struct {
	NumInserted int32
	NumDeleted  int32
	NumOIDs     int32
	NumNulls    int32
}

// TopOp 一个活动的顶层系统操作
type TopOp struct {
	LastParentLSA wal.LSA // 开始时父事务的最后地址
	PospLSA       wal.LSA // 本层第一条postpone
}

// ReplRecord 攒在事务里的复制记录
type ReplRecord struct {
	RecType  wal.RecType
	RcvIndex int32
	InstOID  OID
	LSA      wal.LSA
	Data     []byte
}

// TDES 事务描述符, 事务表的一个槽位
type TDES struct {
	TranIndex int
	TranID    basic.TranID
	IsLooseEnd bool
	State     basic.TranState
	Isolation basic.TranIsolation
	WaitSecs  int

	HeadLSA          wal.LSA // 事务第一条日志
	TailLSA          wal.LSA // 事务最后一条日志
	UndoNxLSA        wal.LSA // undo游标, 补偿记录使之跳过已undo段
	PospNxLSA        wal.LSA // 第一条postpone
	SaveptLSA        wal.LSA // 最近保存点
	TailTopresultLSA wal.LSA // 最近的部分提交/中止
	ClientUndoLSA    wal.LSA
	ClientPospLSA    wal.LSA

	GTrid       int32 // 2PC全局事务号(参与方prepare后)
	GlobalTranID int32
	Client      ClientIDs
	Coord       *Coordinator // 本站点是协调方时非nil

	Topops []TopOp // 顶层操作栈, 按需增长

	UniqueStats       map[BTID]*UniqueStats
	ModifiedClassList []OID
	ReplRecords       []ReplRecord
	SuppressRepl      bool

	interrupt uatomic.Bool

	logMgr *wal.Manager
	pgbuf  *pgbuf.Manager
}

// Interrupted 中断观察点, 下一次取页时生效
func (t *TDES) Interrupted() bool {
	return t.interrupt.Load()
}

// SetInterrupt 置/清中断标志, 在清除前保持粘性
func (t *TDES) SetInterrupt(v bool) {
	t.interrupt.Store(v)
}

// Pgbuf 数据页缓冲(rvfun.PostponeEnv)
func (t *TDES) Pgbuf() *pgbuf.Manager {
	return t.pgbuf
}

// clear 槽位复用前的复位
func (t *TDES) clear() {
	t.TranID = common.NullTranID
	t.IsLooseEnd = false
	t.State = basic.TranUnactiveUnknown
	t.HeadLSA = wal.NullLSA
	t.TailLSA = wal.NullLSA
	t.UndoNxLSA = wal.NullLSA
	t.PospNxLSA = wal.NullLSA
	t.SaveptLSA = wal.NullLSA
	t.TailTopresultLSA = wal.NullLSA
	t.ClientUndoLSA = wal.NullLSA
	t.ClientPospLSA = wal.NullLSA
	t.GTrid = -1
	t.GlobalTranID = -1
	t.Coord = nil
	t.Topops = t.Topops[:0]
	t.UniqueStats = nil
	t.ModifiedClassList = nil
	t.ReplRecords = nil
	t.SuppressRepl = false
	t.interrupt.Store(false)
}

// IsActive 事务还在跑
func (t *TDES) IsActive() bool {
	return t.State == basic.TranActive
}

// append 记录一条日志并维护事务链
func (t *TDES) append(rectype wal.RecType, crumbs ...[]byte) (wal.LSA, error) {
	lsa, err := t.logMgr.Append(wal.AppendSpec{
		TranID:      t.TranID,
		PrevTranLSA: t.TailLSA,
		Type:        rectype,
		Crumbs:      crumbs,
	})
	if err != nil {
		return wal.NullLSA, errors.Trace(err)
	}
	if t.HeadLSA.IsNull() {
		t.HeadLSA = lsa
	}
	t.TailLSA = lsa
	return lsa, nil
}

// stampPage 物理日志追加后把页LSA推进到记录LSA
func (t *TDES) stampPage(pg *pgbuf.PageHandle, lsa wal.LSA) {
	if pg == nil {
		return
	}
	if pg.LSA().Equal(pgbuf.TempLogLSA) {
		return
	}
	pg.SetLSA(lsa)
	t.pgbuf.SetDirty(pg)
}

// pageIsTemp 临时页不记日志
func pageIsTemp(pg *pgbuf.PageHandle) bool {
	return pg != nil && pg.LSA().Equal(pgbuf.TempLogLSA)
}

// zipCrumb 压缩一段镜像, 返回(字节, 带标记长度)
func zipCrumb(data []byte) ([]byte, int32) {
	out, zipped := wal.ZipBody(data)
	return out, wal.MakeBodyLen(len(out), zipped)
}

// AppendUndoRedo 追加UNDOREDO记录(disk.TranLog)
func (t *TDES) AppendUndoRedo(idx wal.RcvIndex, vpid pgbuf.VPID, offset int16,
	pg *pgbuf.PageHandle, undo, redo []byte) error {

	if pageIsTemp(pg) {
		return nil
	}
	ub, ulen := zipCrumb(undo)
	rb, rlen := zipCrumb(redo)
	body := wal.UndoRedoBody{
		Rcv:  wal.RcvAddr{Index: idx, VolID: vpid.VolID, PageID: vpid.PageID, Offset: offset},
		ULen: ulen,
		RLen: rlen,
	}
	w := wal.NewWriter()
	body.Pack(w)
	lsa, err := t.append(wal.RecUndoRedoData, w.Bytes(), ub, rb)
	if err != nil {
		return errors.Trace(err)
	}
	t.UndoNxLSA = lsa
	t.stampPage(pg, lsa)
	return nil
}

// AppendUndo 追加UNDO记录
func (t *TDES) AppendUndo(idx wal.RcvIndex, vpid pgbuf.VPID, offset int16,
	pg *pgbuf.PageHandle, undo []byte) error {

	if pageIsTemp(pg) {
		return nil
	}
	ub, ulen := zipCrumb(undo)
	body := wal.UndoBody{
		Rcv: wal.RcvAddr{Index: idx, VolID: vpid.VolID, PageID: vpid.PageID, Offset: offset},
		Len: ulen,
	}
	w := wal.NewWriter()
	body.Pack(w)
	lsa, err := t.append(wal.RecUndoData, w.Bytes(), ub)
	if err != nil {
		return errors.Trace(err)
	}
	t.UndoNxLSA = lsa
	t.stampPage(pg, lsa)
	return nil
}

// AppendRedo 追加REDO记录
func (t *TDES) AppendRedo(idx wal.RcvIndex, vpid pgbuf.VPID, offset int16,
	pg *pgbuf.PageHandle, redo []byte) error {

	if pageIsTemp(pg) {
		return nil
	}
	rb, rlen := zipCrumb(redo)
	body := wal.RedoBody{
		Rcv: wal.RcvAddr{Index: idx, VolID: vpid.VolID, PageID: vpid.PageID, Offset: offset},
		Len: rlen,
	}
	w := wal.NewWriter()
	body.Pack(w)
	lsa, err := t.append(wal.RecRedoData, w.Bytes(), rb)
	if err != nil {
		return errors.Trace(err)
	}
	t.stampPage(pg, lsa)
	return nil
}

// AppendPostpone 记一笔提交后才执行的redo
func (t *TDES) AppendPostpone(idx wal.RcvIndex, vpid pgbuf.VPID, offset int16, data []byte) error {
	db, dlen := zipCrumb(data)
	body := wal.RedoBody{
		Rcv: wal.RcvAddr{Index: idx, VolID: vpid.VolID, PageID: vpid.PageID, Offset: offset},
		Len: dlen,
	}
	w := wal.NewWriter()
	body.Pack(w)
	lsa, err := t.append(wal.RecPostpone, w.Bytes(), db)
	if err != nil {
		return errors.Trace(err)
	}
	// 本作用域的第一条postpone
	if len(t.Topops) > 0 {
		top := &t.Topops[len(t.Topops)-1]
		if top.PospLSA.IsNull() {
			top.PospLSA = lsa
		}
	} else if t.PospNxLSA.IsNull() {
		t.PospNxLSA = lsa
	}
	return nil
}

// AppendRunPostpone postpone执行时的联动redo(rvfun.PostponeEnv)
func (t *TDES) AppendRunPostpone(idx wal.RcvIndex, vpid pgbuf.VPID, offset int16,
	pg *pgbuf.PageHandle, data []byte, refLSA wal.LSA) error {

	db, dlen := zipCrumb(data)
	body := wal.RunPostponeBody{
		Rcv:    wal.RcvAddr{Index: idx, VolID: vpid.VolID, PageID: vpid.PageID, Offset: offset},
		RefLSA: refLSA,
		Len:    dlen,
	}
	w := wal.NewWriter()
	body.Pack(w)
	lsa, err := t.append(wal.RecRunPostpone, w.Bytes(), db)
	if err != nil {
		return errors.Trace(err)
	}
	t.stampPage(pg, lsa)
	return nil
}

// AppendDBExternRedo 与页无关的redo
func (t *TDES) AppendDBExternRedo(idx wal.RcvIndex, data []byte) error {
	db, dlen := zipCrumb(data)
	body := wal.DBExternRedoBody{RcvIndex: idx, Len: dlen}
	w := wal.NewWriter()
	body.Pack(w)
	_, err := t.append(wal.RecDBExternRedoData, w.Bytes(), db)
	return errors.Trace(err)
}

// AppendCompensate 追加补偿记录(CLR)
func (t *TDES) AppendCompensate(idx wal.RcvIndex, vpid pgbuf.VPID, offset int16,
	pg *pgbuf.PageHandle, undoNxLSA wal.LSA, data []byte) (wal.LSA, error) {

	db, dlen := zipCrumb(data)
	body := wal.CompensateBody{
		Rcv:       wal.RcvAddr{Index: idx, VolID: vpid.VolID, PageID: vpid.PageID, Offset: offset},
		UndoNxLSA: undoNxLSA,
		Len:       dlen,
	}
	w := wal.NewWriter()
	body.Pack(w)
	lsa, err := t.append(wal.RecCompensate, w.Bytes(), db)
	if err != nil {
		return wal.NullLSA, errors.Trace(err)
	}
	t.UndoNxLSA = undoNxLSA
	t.stampPage(pg, lsa)
	return lsa, nil
}

// AppendLCompensate 逻辑undo结束标记
func (t *TDES) AppendLCompensate(idx wal.RcvIndex, undoNxLSA wal.LSA) (wal.LSA, error) {
	body := wal.LCompensateBody{RcvIndex: idx, UndoNxLSA: undoNxLSA}
	w := wal.NewWriter()
	body.Pack(w)
	lsa, err := t.append(wal.RecLCompensate, w.Bytes())
	if err != nil {
		return wal.NullLSA, errors.Trace(err)
	}
	t.UndoNxLSA = undoNxLSA
	return lsa, nil
}

// AppendSavepoint 记一个用户保存点
func (t *TDES) AppendSavepoint(name string) (wal.LSA, error) {
	body := wal.SavepointBody{PrvSavept: t.SaveptLSA, Len: int32(len(name))}
	w := wal.NewWriter()
	body.Pack(w)
	lsa, err := t.append(wal.RecSavepoint, w.Bytes(), []byte(name))
	if err != nil {
		return wal.NullLSA, errors.Trace(err)
	}
	t.SaveptLSA = lsa
	return lsa, nil
}

// AppendReplication 攒一条复制记录并立即写日志
func (t *TDES) AppendReplication(rectype wal.RecType, rcvIndex int32,
	inst OID, data []byte) error {

	if t.SuppressRepl {
		return nil
	}
	db, dlen := zipCrumb(data)
	body := wal.ReplicationBody{TargetLSA: t.TailLSA, Len: dlen, RcvIndex: rcvIndex}
	w := wal.NewWriter()
	body.Pack(w)
	lsa, err := t.append(rectype, w.Bytes(), db)
	if err != nil {
		return errors.Trace(err)
	}
	t.ReplRecords = append(t.ReplRecords, ReplRecord{
		RecType: rectype, RcvIndex: rcvIndex, InstOID: inst, LSA: lsa, Data: data,
	})
	return nil
}

// AddUniqueStats 累加唯一索引统计
func (t *TDES) AddUniqueStats(btid BTID, inserted, deleted, oids, nulls int32) {
	if t.UniqueStats == nil {
		t.UniqueStats = make(map[BTID]*UniqueStats)
	}
	s := t.UniqueStats[btid]
	if s == nil {
		s = &UniqueStats{}
		t.UniqueStats[btid] = s
	}
	s.NumInserted += inserted
	s.NumDeleted += deleted
	s.NumOIDs += oids
	s.NumNulls += nulls
}

// MarkClassModified 记脏类
func (t *TDES) MarkClassModified(classOID OID) {
	for _, oid := range t.ModifiedClassList {
		if oid == classOID {
			return
		}
	}
	t.ModifiedClassList = append(t.ModifiedClassList, classOID)
}

// nowUnixNano 终结记录的墙上时间
func nowUnixNano() int64 {
	return time.Now().UnixNano()
}
