package wal

import (
	"github.com/juju/errors"
	"github.com/pierrec/lz4/v4"
)

// zipThreshold 小于该长度的记录体不值得压缩
const zipThreshold = 255

// ErrUnzip 解压失败
var ErrUnzip = errors.New("wal: cannot uncompress log record body")

// ZipBody 尝试压缩记录体
// 压缩后不缩小则原样返回。返回的bool表示是否压缩。
// 压缩格式: 4字节小端原始长度 + lz4块。
func ZipBody(data []byte) ([]byte, bool) {
	if len(data) < zipThreshold {
		return data, false
	}
	dst := make([]byte, 4+lz4.CompressBlockBound(len(data)))
	var c lz4.Compressor
	n, err := c.CompressBlock(data, dst[4:])
	if err != nil || n == 0 || n+4 >= len(data) {
		return data, false
	}
	orig := uint32(len(data))
	dst[0] = byte(orig)
	dst[1] = byte(orig >> 8)
	dst[2] = byte(orig >> 16)
	dst[3] = byte(orig >> 24)
	return dst[:4+n], true
}

// UnzipBody 解压带zip标记的记录体
// 恢复, 应用者, 事务回滚与postpone执行读记录体时都会走到这里。
func UnzipBody(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, errors.Trace(ErrUnzip)
	}
	orig := int(uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24)
	if orig < 0 || orig > 1<<30 {
		return nil, errors.Trace(ErrUnzip)
	}
	dst := make([]byte, orig)
	n, err := lz4.UncompressBlock(data[4:], dst)
	if err != nil || n != orig {
		return nil, errors.Annotatef(ErrUnzip, "lz4: %v", err)
	}
	return dst, nil
}
