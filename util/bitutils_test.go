package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBitOrderLowFirst(t *testing.T) {
	b := make([]byte, 2)
	SetBit(b, 0)
	assert.Equal(t, byte(0x01), b[0])
	SetBit(b, 7)
	assert.Equal(t, byte(0x81), b[0])
	SetBit(b, 8)
	assert.Equal(t, byte(0x01), b[1])

	assert.True(t, IsBitSet(b, 0))
	assert.False(t, IsBitSet(b, 3))

	ClearBit(b, 7)
	assert.Equal(t, byte(0x01), b[0])
}

func TestCountZeroBits(t *testing.T) {
	b := make([]byte, 2)
	assert.Equal(t, int32(16), CountZeroBits(b, 16))
	SetBit(b, 2)
	SetBit(b, 9)
	assert.Equal(t, int32(14), CountZeroBits(b, 16))
	assert.Equal(t, int32(7), CountZeroBits(b, 8))
}

func TestToBinaryString(t *testing.T) {
	assert.Equal(t, "00000001", ToBinaryString(0x01))
	assert.Equal(t, "10000001", ToBinaryString(0x81))
}

func TestHashPageIDStable(t *testing.T) {
	a := HashPageID(42)
	b := HashPageID(42)
	c := HashPageID(43)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
