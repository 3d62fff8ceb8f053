package wal

import (
	"github.com/juju/errors"
	"github.com/zhukovaskychina/xtide-server/server/common"
)

// 恢复与应用者共用的记录读取设施。
// 记录可以跨页, 读者在页边界处换页并按对齐粒度续读。

// SpanCursor 跨页顺序读取游标
type SpanCursor struct {
	pb         *PageBuffer
	payloadCap int
	pageID     int32
	off        int
	slot       *BufSlot
}

// RecordReader 面向日志记录的读取器
type RecordReader struct {
	pb         *PageBuffer
	payloadCap int
}

// NewRecordReader 在页缓冲上创建记录读取器
func NewRecordReader(pb *PageBuffer, pageSize int) *RecordReader {
	return &RecordReader{pb: pb, payloadCap: PayloadSize(pageSize)}
}

// openCursor 在lsa处打开游标
func (rr *RecordReader) openCursor(lsa LSA) (*SpanCursor, error) {
	slot, err := rr.pb.Fix(lsa.PageID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &SpanCursor{
		pb:         rr.pb,
		payloadCap: rr.payloadCap,
		pageID:     lsa.PageID,
		off:        int(lsa.Offset),
		slot:       slot,
	}, nil
}

// Close 释放游标持有的页
func (c *SpanCursor) Close() {
	if c.slot != nil {
		c.pb.Unfix(c.slot)
		c.slot = nil
	}
}

// Position 游标当前位置
func (c *SpanCursor) Position() LSA {
	return LSA{PageID: c.pageID, Offset: int16(c.off)}
}

func (c *SpanCursor) advancePage() error {
	c.pb.Unfix(c.slot)
	c.slot = nil
	slot, err := c.pb.Fix(c.pageID + 1)
	if err != nil {
		return errors.Trace(err)
	}
	c.slot = slot
	c.pageID++
	c.off = 0
	return nil
}

// ReadFull 跨页读满n字节
func (c *SpanCursor) ReadFull(n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for n > 0 {
		if c.off >= c.payloadCap {
			if err := c.advancePage(); err != nil {
				return nil, errors.Trace(err)
			}
		}
		payload := c.slot.Pg.Payload()
		take := c.payloadCap - c.off
		if take > n {
			take = n
		}
		out = append(out, payload[c.off:c.off+take]...)
		c.off += take
		n -= take
	}
	return out, nil
}

// Align 游标对齐到下一个MaxAlignment边界
func (c *SpanCursor) Align() {
	aligned := common.Align(c.off)
	if aligned > c.payloadCap {
		aligned = c.payloadCap
	}
	c.off = aligned
}

// ReadHeader 读取lsa处的记录头并返回指向体部的游标
// 调用方负责Close游标。
func (rr *RecordReader) ReadHeader(lsa LSA) (RecordHeader, *SpanCursor, error) {
	var hdr RecordHeader
	cur, err := rr.openCursor(lsa)
	if err != nil {
		return hdr, nil, errors.Trace(err)
	}
	raw, err := cur.ReadFull(RecordHeaderSize)
	if err != nil {
		cur.Close()
		return hdr, nil, errors.Trace(err)
	}
	if err = hdr.Unpack(NewReader(raw)); err != nil {
		cur.Close()
		return hdr, nil, errors.Trace(err)
	}
	cur.Align()
	return hdr, cur, nil
}

// 各定长记录体的打包尺寸
var (
	sizeUndoRedoBody          = packedSize(&UndoRedoBody{})
	sizeUndoBody              = packedSize(&UndoBody{})
	sizeRedoBody              = packedSize(&RedoBody{})
	sizeDBExternRedoBody      = packedSize(&DBExternRedoBody{})
	sizeCompensateBody        = packedSize(&CompensateBody{})
	sizeLCompensateBody       = packedSize(&LCompensateBody{})
	sizeRunPostponeBody       = packedSize(&RunPostponeBody{})
	sizeStartPostponeBody     = packedSize(&StartPostponeBody{})
	sizeTopopeStartPospBody   = packedSize(&TopopeStartPostponeBody{})
	sizeTopopResultBody       = packedSize(&TopopResultBody{})
	sizeDoneTimeBody          = packedSize(&DoneTimeBody{})
	sizeSavepointBody         = packedSize(&SavepointBody{})
	sizeChkptBody             = packedSize(&ChkptBody{})
	sizeChkptTrans            = packedSize(&ChkptTrans{})
	sizeChkptTopop            = packedSize(&ChkptTopop{})
	sizeTwoPCPrepareBody      = packedSize(&TwoPCPrepareBody{})
	sizeTwoPCStartBody        = packedSize(&TwoPCStartBody{})
	sizeTwoPCAckBody          = packedSize(&TwoPCAckBody{})
	sizeReplicationBody       = packedSize(&ReplicationBody{})
	sizeHAServerStateBody     = packedSize(&HAServerStateBody{})
)

type packer interface {
	Pack(*Writer)
}

func packedSize(p packer) int {
	w := NewWriter()
	p.Pack(w)
	return w.Len()
}

// readBody 读定长记录体
func (c *SpanCursor) readBody(size int) (*Reader, error) {
	raw, err := c.ReadFull(size)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return NewReader(raw), nil
}

// ReadBlob 对齐后读一个带zip标记长度的载荷, 自动解压
func (c *SpanCursor) ReadBlob(lenField int32) ([]byte, error) {
	c.Align()
	n := BodyLen(lenField)
	raw, err := c.ReadFull(n)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if IsZipped(lenField) {
		out, err := UnzipBody(raw)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return out, nil
	}
	return raw, nil
}

// ReadUndoRedo 解出UNDOREDO体与两段载荷
func (c *SpanCursor) ReadUndoRedo() (UndoRedoBody, []byte, []byte, error) {
	var b UndoRedoBody
	r, err := c.readBody(sizeUndoRedoBody)
	if err != nil {
		return b, nil, nil, errors.Trace(err)
	}
	b.Unpack(r)
	undo, err := c.ReadBlob(b.ULen)
	if err != nil {
		return b, nil, nil, errors.Trace(err)
	}
	redo, err := c.ReadBlob(b.RLen)
	if err != nil {
		return b, nil, nil, errors.Trace(err)
	}
	return b, undo, redo, nil
}

// ReadUndo 解出UNDO体与载荷
func (c *SpanCursor) ReadUndo() (UndoBody, []byte, error) {
	var b UndoBody
	r, err := c.readBody(sizeUndoBody)
	if err != nil {
		return b, nil, errors.Trace(err)
	}
	b.Unpack(r)
	data, err := c.ReadBlob(b.Len)
	if err != nil {
		return b, nil, errors.Trace(err)
	}
	return b, data, nil
}

// ReadRedo 解出REDO/POSTPONE体与载荷
func (c *SpanCursor) ReadRedo() (RedoBody, []byte, error) {
	var b RedoBody
	r, err := c.readBody(sizeRedoBody)
	if err != nil {
		return b, nil, errors.Trace(err)
	}
	b.Unpack(r)
	data, err := c.ReadBlob(b.Len)
	if err != nil {
		return b, nil, errors.Trace(err)
	}
	return b, data, nil
}

// ReadDBExternRedo 解出外部REDO体与载荷
func (c *SpanCursor) ReadDBExternRedo() (DBExternRedoBody, []byte, error) {
	var b DBExternRedoBody
	r, err := c.readBody(sizeDBExternRedoBody)
	if err != nil {
		return b, nil, errors.Trace(err)
	}
	b.Unpack(r)
	data, err := c.ReadBlob(b.Len)
	if err != nil {
		return b, nil, errors.Trace(err)
	}
	return b, data, nil
}

// ReadCompensate 解出补偿体与载荷
func (c *SpanCursor) ReadCompensate() (CompensateBody, []byte, error) {
	var b CompensateBody
	r, err := c.readBody(sizeCompensateBody)
	if err != nil {
		return b, nil, errors.Trace(err)
	}
	b.Unpack(r)
	data, err := c.ReadBlob(b.Len)
	if err != nil {
		return b, nil, errors.Trace(err)
	}
	return b, data, nil
}

// ReadLCompensate 解出逻辑补偿体
func (c *SpanCursor) ReadLCompensate() (LCompensateBody, error) {
	var b LCompensateBody
	r, err := c.readBody(sizeLCompensateBody)
	if err != nil {
		return b, errors.Trace(err)
	}
	b.Unpack(r)
	return b, nil
}

// ReadRunPostpone 解出postpone执行体与载荷
func (c *SpanCursor) ReadRunPostpone() (RunPostponeBody, []byte, error) {
	var b RunPostponeBody
	r, err := c.readBody(sizeRunPostponeBody)
	if err != nil {
		return b, nil, errors.Trace(err)
	}
	b.Unpack(r)
	data, err := c.ReadBlob(b.Len)
	if err != nil {
		return b, nil, errors.Trace(err)
	}
	return b, data, nil
}

// ReadStartPostpone COMMIT_WITH_POSTPONE体
func (c *SpanCursor) ReadStartPostpone() (StartPostponeBody, error) {
	var b StartPostponeBody
	r, err := c.readBody(sizeStartPostponeBody)
	if err != nil {
		return b, errors.Trace(err)
	}
	b.Unpack(r)
	return b, nil
}

// ReadTopopeStartPostpone COMMIT_TOPOPE_WITH_POSTPONE体
func (c *SpanCursor) ReadTopopeStartPostpone() (TopopeStartPostponeBody, error) {
	var b TopopeStartPostponeBody
	r, err := c.readBody(sizeTopopeStartPospBody)
	if err != nil {
		return b, errors.Trace(err)
	}
	b.Unpack(r)
	return b, nil
}

// ReadTopopResult 顶层操作终结体
func (c *SpanCursor) ReadTopopResult() (TopopResultBody, error) {
	var b TopopResultBody
	r, err := c.readBody(sizeTopopResultBody)
	if err != nil {
		return b, errors.Trace(err)
	}
	b.Unpack(r)
	return b, nil
}

// ReadDoneTime COMMIT/ABORT体
func (c *SpanCursor) ReadDoneTime() (DoneTimeBody, error) {
	var b DoneTimeBody
	r, err := c.readBody(sizeDoneTimeBody)
	if err != nil {
		return b, errors.Trace(err)
	}
	b.Unpack(r)
	return b, nil
}

// ReadSavepoint SAVEPOINT体与名字
func (c *SpanCursor) ReadSavepoint() (SavepointBody, string, error) {
	var b SavepointBody
	r, err := c.readBody(sizeSavepointBody)
	if err != nil {
		return b, "", errors.Trace(err)
	}
	b.Unpack(r)
	name, err := c.ReadBlob(b.Len)
	if err != nil {
		return b, "", errors.Trace(err)
	}
	return b, string(name), nil
}

// ReadEndChkpt END_CHKPT体与事务/顶层操作快照
func (c *SpanCursor) ReadEndChkpt() (ChkptBody, []ChkptTrans, []ChkptTopop, error) {
	var b ChkptBody
	r, err := c.readBody(sizeChkptBody)
	if err != nil {
		return b, nil, nil, errors.Trace(err)
	}
	b.Unpack(r)
	trans := make([]ChkptTrans, b.NTrans)
	for i := range trans {
		c.Align()
		r, err = c.readBody(sizeChkptTrans)
		if err != nil {
			return b, nil, nil, errors.Trace(err)
		}
		trans[i].Unpack(r)
	}
	topops := make([]ChkptTopop, b.NTops)
	for i := range topops {
		c.Align()
		r, err = c.readBody(sizeChkptTopop)
		if err != nil {
			return b, nil, nil, errors.Trace(err)
		}
		topops[i].Unpack(r)
	}
	return b, trans, topops, nil
}

// ReadTwoPCPrepare 2PC_PREPARE体与gtrinfo
func (c *SpanCursor) ReadTwoPCPrepare() (TwoPCPrepareBody, []byte, error) {
	var b TwoPCPrepareBody
	r, err := c.readBody(sizeTwoPCPrepareBody)
	if err != nil {
		return b, nil, errors.Trace(err)
	}
	b.Unpack(r)
	info, err := c.ReadBlob(b.GTrinfoLen)
	if err != nil {
		return b, nil, errors.Trace(err)
	}
	return b, info, nil
}

// ReadTwoPCStart 2PC_START体与参与者块
func (c *SpanCursor) ReadTwoPCStart() (TwoPCStartBody, []byte, error) {
	var b TwoPCStartBody
	r, err := c.readBody(sizeTwoPCStartBody)
	if err != nil {
		return b, nil, errors.Trace(err)
	}
	b.Unpack(r)
	block, err := c.ReadBlob(b.NumParticps * b.ParticpIDLen)
	if err != nil {
		return b, nil, errors.Trace(err)
	}
	return b, block, nil
}

// ReadTwoPCAck 2PC_RECV_ACK体
func (c *SpanCursor) ReadTwoPCAck() (TwoPCAckBody, error) {
	var b TwoPCAckBody
	r, err := c.readBody(sizeTwoPCAckBody)
	if err != nil {
		return b, errors.Trace(err)
	}
	b.Unpack(r)
	return b, nil
}

// ReadReplication 复制体与载荷
func (c *SpanCursor) ReadReplication() (ReplicationBody, []byte, error) {
	var b ReplicationBody
	r, err := c.readBody(sizeReplicationBody)
	if err != nil {
		return b, nil, errors.Trace(err)
	}
	b.Unpack(r)
	data, err := c.ReadBlob(b.Len)
	if err != nil {
		return b, nil, errors.Trace(err)
	}
	return b, data, nil
}

// ReadHAServerState HA状态体
func (c *SpanCursor) ReadHAServerState() (HAServerStateBody, error) {
	var b HAServerStateBody
	r, err := c.readBody(sizeHAServerStateBody)
	if err != nil {
		return b, errors.Trace(err)
	}
	b.Unpack(r)
	return b, nil
}
