package wal

import (
	"errors"

	"github.com/zhukovaskychina/xtide-server/server/common"
)

// ErrCodecOverrun 读越界, reader置错后所有后续读取都是no-op
var ErrCodecOverrun = errors.New("wal: codec buffer overrun")

// Reader 带错误标志的顺序读取器
// 越界不panic: 置err, 之后的读取全部返回零值。
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader 在buf上创建读取器
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Err 第一个发生的错误
func (r *Reader) Err() error { return r.err }

// Offset 当前游标
func (r *Reader) Offset() int { return r.off }

// Remain 剩余字节数
func (r *Reader) Remain() int { return len(r.buf) - r.off }

// Raw 底层缓冲
func (r *Reader) Raw() []byte { return r.buf }

func (r *Reader) ensure(n int) bool {
	if r.err != nil {
		return false
	}
	if r.off+n > len(r.buf) {
		r.err = ErrCodecOverrun
		return false
	}
	return true
}

// Skip 跳过n字节
func (r *Reader) Skip(n int) {
	if r.ensure(n) {
		r.off += n
	}
}

// AlignSkip 游标对齐到MaxAlignment
func (r *Reader) AlignSkip() {
	aligned := common.Align(r.off)
	if aligned > r.off {
		r.Skip(aligned - r.off)
	}
}

// ReadByte 读1字节
func (r *Reader) ReadByte() byte {
	if !r.ensure(1) {
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

// ReadInt16 小端读int16
func (r *Reader) ReadInt16() int16 {
	if !r.ensure(2) {
		return 0
	}
	v := uint16(r.buf[r.off]) | uint16(r.buf[r.off+1])<<8
	r.off += 2
	return int16(v)
}

// ReadInt32 小端读int32
func (r *Reader) ReadInt32() int32 {
	if !r.ensure(4) {
		return 0
	}
	v := uint32(r.buf[r.off]) | uint32(r.buf[r.off+1])<<8 |
		uint32(r.buf[r.off+2])<<16 | uint32(r.buf[r.off+3])<<24
	r.off += 4
	return int32(v)
}

// ReadInt64 小端读int64
func (r *Reader) ReadInt64() int64 {
	if !r.ensure(8) {
		return 0
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(r.buf[r.off+i]) << (8 * uint(i))
	}
	r.off += 8
	return int64(v)
}

// ReadFloat32bits 读float32的位表示
func (r *Reader) ReadFloat32bits() uint32 {
	return uint32(r.ReadInt32())
}

// ReadBytes 读n字节, 返回的切片引用内部buf
func (r *Reader) ReadBytes(n int) []byte {
	if n < 0 {
		r.err = ErrCodecOverrun
		return nil
	}
	if !r.ensure(n) {
		return nil
	}
	v := r.buf[r.off : r.off+n]
	r.off += n
	return v
}

// ReadFixedString 读定长字段中的NUL结尾字符串
func (r *Reader) ReadFixedString(n int) string {
	raw := r.ReadBytes(n)
	if raw == nil {
		return ""
	}
	for i, c := range raw {
		if c == 0 {
			return string(raw[:i])
		}
	}
	return string(raw)
}

// ReadLSA 读LSA: int32 pageid, int16 offset, 2字节填充
func (r *Reader) ReadLSA() LSA {
	pageID := r.ReadInt32()
	offset := r.ReadInt16()
	r.Skip(2)
	if r.err != nil {
		return NullLSA
	}
	return LSA{PageID: pageID, Offset: offset}
}

// Writer 顺序写入器
type Writer struct {
	buf []byte
}

// NewWriter 创建写入器
func NewWriter() *Writer {
	return &Writer{buf: make([]byte, 0, 128)}
}

// Bytes 已写内容
func (w *Writer) Bytes() []byte { return w.buf }

// Len 已写字节数
func (w *Writer) Len() int { return len(w.buf) }

// WriteByte 写1字节
func (w *Writer) WriteByte(b byte) {
	w.buf = append(w.buf, b)
}

// WriteInt16 小端写int16
func (w *Writer) WriteInt16(v int16) {
	w.buf = append(w.buf, byte(v), byte(uint16(v)>>8))
}

// WriteInt32 小端写int32
func (w *Writer) WriteInt32(v int32) {
	u := uint32(v)
	w.buf = append(w.buf, byte(u), byte(u>>8), byte(u>>16), byte(u>>24))
}

// WriteInt64 小端写int64
func (w *Writer) WriteInt64(v int64) {
	u := uint64(v)
	for i := 0; i < 8; i++ {
		w.buf = append(w.buf, byte(u>>(8*uint(i))))
	}
}

// WriteBytes 写原始字节
func (w *Writer) WriteBytes(b []byte) {
	w.buf = append(w.buf, b...)
}

// WriteZeros 写n个零字节
func (w *Writer) WriteZeros(n int) {
	for i := 0; i < n; i++ {
		w.buf = append(w.buf, 0)
	}
}

// WriteFixedString 写NUL填充的定长字符串, 超长截断
func (w *Writer) WriteFixedString(s string, n int) {
	raw := []byte(s)
	if len(raw) > n {
		raw = raw[:n]
	}
	w.buf = append(w.buf, raw...)
	w.WriteZeros(n - len(raw))
}

// WriteLSA 写LSA: int32 pageid, int16 offset, 2字节填充
func (w *Writer) WriteLSA(l LSA) {
	w.WriteInt32(l.PageID)
	w.WriteInt16(l.Offset)
	w.WriteZeros(2)
}

// AlignPad 填零对齐到MaxAlignment
func (w *Writer) AlignPad() {
	aligned := common.Align(len(w.buf))
	w.WriteZeros(aligned - len(w.buf))
}
