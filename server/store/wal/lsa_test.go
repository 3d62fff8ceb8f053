package wal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLSAOrdering(t *testing.T) {
	a := LSA{PageID: 1, Offset: 100}
	b := LSA{PageID: 1, Offset: 200}
	c := LSA{PageID: 2, Offset: 0}

	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.True(t, a.Less(c))
	assert.True(t, c.Greater(a))
	assert.True(t, a.LessEqual(a))
	assert.Equal(t, 0, a.Compare(a))
}

func TestNullLSA(t *testing.T) {
	assert.True(t, NullLSA.IsNull())
	assert.False(t, LSA{PageID: 0, Offset: 0}.IsNull())
	assert.Equal(t, "(-1|-1)", NullLSA.String())
}

func TestMinMaxLSA(t *testing.T) {
	a := LSA{PageID: 3, Offset: 8}
	b := LSA{PageID: 5, Offset: 0}

	assert.Equal(t, a, MinLSA(a, b))
	assert.Equal(t, b, MaxLSA(a, b))
	// NULL不参与最小值
	assert.Equal(t, a, MinLSA(NullLSA, a))
	assert.Equal(t, a, MinLSA(a, NullLSA))
}
