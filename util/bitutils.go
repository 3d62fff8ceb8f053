package util

import (
	"strconv"
	"strings"
)

// 位图工具
// 分配表按字节打包, 字节内低位在前: 第n位落在 b[n/8] 的第 n%8 位。

// SetBit 置位
func SetBit(b []byte, n int32) {
	b[n/8] |= 1 << uint(n%8)
}

// ClearBit 清位
func ClearBit(b []byte, n int32) {
	b[n/8] &^= 1 << uint(n%8)
}

// IsBitSet 是否置位
func IsBitSet(b []byte, n int32) bool {
	return b[n/8]&(1<<uint(n%8)) != 0
}

// CountZeroBits 数一段范围内的清零位
func CountZeroBits(b []byte, nbits int32) int32 {
	count := int32(0)
	for i := int32(0); i < nbits; i++ {
		if !IsBitSet(b, i) {
			count++
		}
	}
	return count
}

// ToBinaryString 单字节的位串表示, 诊断转储用
func ToBinaryString(data byte) string {
	result := make([]string, 0, 8)
	for i := 0; i < 8; i++ {
		move := uint(7 - i)
		result = append(result, strconv.Itoa(int((data>>move)&1)))
	}
	return strings.Join(result, "")
}
