package wal

import (
	"github.com/juju/errors"
	"github.com/zhukovaskychina/xtide-server/server/common"
)

// PageHeaderSize 日志页头: logical_pageid(4) + offset(2) + pad(2)
// 字段次序是跨版本的硬契约。
const PageHeaderSize = 8

// NullPageOffset 页内没有任何记录头时的offset值
const NullPageOffset = int16(-1)

// ErrPageCorrupted 日志页校验失败
var ErrPageCorrupted = errors.New("wal: log page corrupted")

// Page 一个内存中的日志页
// Data含页头与载荷区, 长度恒等于db_logpagesize。
type Page struct {
	LogicalPageID int32
	FirstRecOff   int16 // 页内第一个记录头的偏移, 无则-1
	Data          []byte
}

// NewPage 分配一个空日志页
func NewPage(pageSize int) *Page {
	p := &Page{
		LogicalPageID: common.NullPageID,
		FirstRecOff:   NullPageOffset,
		Data:          make([]byte, pageSize),
	}
	p.syncHeader()
	return p
}

// Reset 复位为指定逻辑页
func (p *Page) Reset(logicalPageID int32) {
	p.LogicalPageID = logicalPageID
	p.FirstRecOff = NullPageOffset
	for i := range p.Data {
		p.Data[i] = 0
	}
	p.syncHeader()
}

// syncHeader 把页头字段写进Data前8字节
func (p *Page) syncHeader() {
	u := uint32(p.LogicalPageID)
	p.Data[0] = byte(u)
	p.Data[1] = byte(u >> 8)
	p.Data[2] = byte(u >> 16)
	p.Data[3] = byte(u >> 24)
	o := uint16(p.FirstRecOff)
	p.Data[4] = byte(o)
	p.Data[5] = byte(o >> 8)
	p.Data[6] = 0
	p.Data[7] = 0
}

// SetFirstRecOff 设定页内第一个记录头偏移
func (p *Page) SetFirstRecOff(off int16) {
	p.FirstRecOff = off
	o := uint16(off)
	p.Data[4] = byte(o)
	p.Data[5] = byte(o >> 8)
}

// SetLogicalPageID 修改逻辑页号(循环日志复用物理页时)
func (p *Page) SetLogicalPageID(id int32) {
	p.LogicalPageID = id
	u := uint32(id)
	p.Data[0] = byte(u)
	p.Data[1] = byte(u >> 8)
	p.Data[2] = byte(u >> 16)
	p.Data[3] = byte(u >> 24)
}

// LoadHeader 从Data解析页头字段
func (p *Page) LoadHeader() {
	p.LogicalPageID = int32(uint32(p.Data[0]) | uint32(p.Data[1])<<8 |
		uint32(p.Data[2])<<16 | uint32(p.Data[3])<<24)
	p.FirstRecOff = int16(uint16(p.Data[4]) | uint16(p.Data[5])<<8)
}

// Payload 载荷区
func (p *Page) Payload() []byte {
	return p.Data[PageHeaderSize:]
}

// PayloadSize 页面载荷容量
func PayloadSize(pageSize int) int {
	return pageSize - PageHeaderSize
}

// ValidateLoadedPage 校验读入的页与期望逻辑页号一致
func ValidateLoadedPage(p *Page, wantPageID int32) error {
	if p.LogicalPageID != wantPageID {
		return errors.Annotatef(ErrPageCorrupted,
			"want logical page %d, found %d", wantPageID, p.LogicalPageID)
	}
	return nil
}
