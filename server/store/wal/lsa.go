package wal

import (
	"fmt"

	"github.com/zhukovaskychina/xtide-server/server/common"
)

// LSA 日志序列地址 (pageid, offset), 按字典序全序
// 同一数据库生命期内单调递增。
type LSA struct {
	PageID int32
	Offset int16
}

// NullLSA 哨兵值
var NullLSA = LSA{PageID: common.NullPageID, Offset: common.NullOffset}

// IsNull 是否为哨兵值
func (l LSA) IsNull() bool {
	return l.PageID == common.NullPageID
}

// Compare 字典序比较, 返回-1/0/1
func (l LSA) Compare(o LSA) int {
	if l.PageID != o.PageID {
		if l.PageID < o.PageID {
			return -1
		}
		return 1
	}
	if l.Offset != o.Offset {
		if l.Offset < o.Offset {
			return -1
		}
		return 1
	}
	return 0
}

// Less l < o
func (l LSA) Less(o LSA) bool {
	return l.Compare(o) < 0
}

// LessEqual l <= o
func (l LSA) LessEqual(o LSA) bool {
	return l.Compare(o) <= 0
}

// Greater l > o
func (l LSA) Greater(o LSA) bool {
	return l.Compare(o) > 0
}

// GreaterEqual l >= o
func (l LSA) GreaterEqual(o LSA) bool {
	return l.Compare(o) >= 0
}

// Equal l == o
func (l LSA) Equal(o LSA) bool {
	return l.PageID == o.PageID && l.Offset == o.Offset
}

func (l LSA) String() string {
	if l.IsNull() {
		return "(-1|-1)"
	}
	return fmt.Sprintf("(%d|%d)", l.PageID, l.Offset)
}

// MinLSA 取较小者
func MinLSA(a, b LSA) LSA {
	if a.IsNull() {
		return b
	}
	if b.IsNull() {
		return a
	}
	if a.Less(b) {
		return a
	}
	return b
}

// MaxLSA 取较大者
func MaxLSA(a, b LSA) LSA {
	if a.Greater(b) {
		return a
	}
	return b
}
