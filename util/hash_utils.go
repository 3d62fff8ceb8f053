package util

import (
	"github.com/OneOfOne/xxhash"
)

// HashCode 将一个键进行Hash
func HashCode(key []byte) uint64 {
	h := xxhash.New64()
	h.Write(key)
	return h.Sum64()
}

// HashPageID 页号的Hash, 日志页缓冲的散列表分桶用
func HashPageID(pageID int32) uint64 {
	var key [4]byte
	u := uint32(pageID)
	key[0] = byte(u)
	key[1] = byte(u >> 8)
	key[2] = byte(u >> 16)
	key[3] = byte(u >> 24)
	return HashCode(key[:])
}
