package wal

import (
	"github.com/juju/errors"
	"github.com/zhukovaskychina/xtide-server/server/common"
	"github.com/zhukovaskychina/xtide-server/server/store/basic"
)

// AppendSpec 一次追加的输入
// Crumbs是已打包的记录体与载荷片段, 追加器把每个crumb对齐存放。
type AppendSpec struct {
	TranID      basic.TranID
	PrevTranLSA LSA
	Type        RecType
	Crumbs      [][]byte
}

// forwLSAFieldOff forw_lsa在记录头内的偏移: trid(4)+prev(8)+back(8)
const forwLSAFieldOff = 4 + 8 + 8

// Append 追加一条日志记录, 返回其LSA
// 独占进入CSECT_LOG。
func (m *Manager) Append(spec AppendSpec) (LSA, error) {
	m.cs.Enter()
	defer m.cs.Exit()
	return m.appendLocked(spec)
}

// AppendLocked 调用方已持有CSECT_LOG时的追加入口
func (m *Manager) AppendLocked(spec AppendSpec) (LSA, error) {
	return m.appendLocked(spec)
}

func (m *Manager) appendLocked(spec AppendSpec) (LSA, error) {
	if m.appendSlot == nil {
		return NullLSA, errors.New("wal: append before log is opened")
	}
	// 记录跨页时中途可能触发归档/置换刷写, 压住EOL哨兵以免打烂半条记录
	m.appending = true
	defer func() { m.appending = false }()
	payloadCap := m.PayloadCap()
	off := int(m.Hdr.AppendLSA.Offset)

	// 记录头必须连续存放
	if off+RecordHeaderSize > payloadCap {
		if err := m.nextAppendPageLocked(); err != nil {
			return NullLSA, errors.Trace(err)
		}
		off = 0
	}
	recLSA := LSA{PageID: m.appendSlot.PageID, Offset: int16(off)}

	hdr := RecordHeader{
		TranID:      spec.TranID,
		PrevTranLSA: spec.PrevTranLSA,
		BackLSA:     m.prevLSA,
		ForwLSA:     NullLSA,
		Type:        spec.Type,
	}
	w := NewWriter()
	hdr.Pack(w)

	// 记录头所在页额外钉住, 直到下一条追加完成forw_lsa回填
	hdrSlot := m.appendSlot
	hdrSlot.FixCnt.Inc()

	// 页内第一个记录头
	if m.appendSlot.Pg.FirstRecOff == NullPageOffset {
		m.appendSlot.Pg.SetFirstRecOff(int16(off))
	}
	if err := m.appendBytesLocked(&off, w.Bytes()); err != nil {
		m.pb.Unfix(hdrSlot)
		return NullLSA, errors.Trace(err)
	}
	for _, crumb := range spec.Crumbs {
		m.alignAppendOffLocked(&off)
		if err := m.appendBytesLocked(&off, crumb); err != nil {
			m.pb.Unfix(hdrSlot)
			return NullLSA, errors.Trace(err)
		}
	}
	m.alignAppendOffLocked(&off)

	// 回填上一条记录的forw_lsa, 其记录头页就是delayedSlot
	if !m.prevLSA.IsNull() {
		if err := m.patchForwLSALocked(m.prevLSA, recLSA); err != nil {
			m.pb.Unfix(hdrSlot)
			return NullLSA, errors.Trace(err)
		}
	}
	// 延迟释放钉从上一条的记录头页转到本条的记录头页
	if m.delayedSlot != nil {
		m.pb.Unfix(m.delayedSlot)
	}
	m.delayedSlot = hdrSlot

	m.prevLSA = recLSA
	m.Hdr.AppendLSA = LSA{PageID: m.appendSlot.PageID, Offset: int16(off)}
	m.Hdr.EOFLSA = m.Hdr.AppendLSA
	m.pb.SetDirty(m.appendSlot)
	return recLSA, nil
}

// alignAppendOffLocked 把页内偏移对齐, 对齐越界则留给下次写入换页
func (m *Manager) alignAppendOffLocked(off *int) {
	aligned := common.Align(*off)
	max := m.PayloadCap()
	if aligned > max {
		aligned = max
	}
	if aligned > *off {
		payload := m.appendSlot.Pg.Payload()
		for i := *off; i < aligned; i++ {
			payload[i] = 0
		}
		*off = aligned
	}
}

// appendBytesLocked 跨页拷贝数据到追加页
func (m *Manager) appendBytesLocked(off *int, data []byte) error {
	payloadCap := m.PayloadCap()
	for len(data) > 0 {
		if *off >= payloadCap {
			if err := m.nextAppendPageLocked(); err != nil {
				return errors.Trace(err)
			}
			*off = 0
		}
		payload := m.appendSlot.Pg.Payload()
		n := payloadCap - *off
		if n > len(data) {
			n = len(data)
		}
		copy(payload[*off:], data[:n])
		*off += n
		data = data[n:]
	}
	return nil
}

// nextAppendPageLocked 封存当前追加页并启用下一逻辑页
// 封存页若还带着记录头钉会继续驻留到回填完成。
func (m *Manager) nextAppendPageLocked() error {
	newPageID := m.appendSlot.PageID + 1

	// 循环窗口被追上, 先归档
	if newPageID-m.Hdr.NxArvPageID >= m.Hdr.NPages {
		if err := m.archiveActiveLogLocked(newPageID); err != nil {
			return errors.Trace(err)
		}
	}

	m.pb.SetDirty(m.appendSlot)
	old := m.appendSlot

	slot, err := m.pb.AllocNew(newPageID, m.Hdr.PhysicalPageID(newPageID))
	if errors.Cause(err) == ErrNoUnfixedSlot {
		// 缓冲全是脏页, 以置换触发一次刷写再重试
		if err = m.flushAllAppendPagesLocked(); err != nil {
			return errors.Trace(err)
		}
		slot, err = m.pb.AllocNew(newPageID, m.Hdr.PhysicalPageID(newPageID))
	}
	if err != nil {
		return errors.Trace(err)
	}
	m.appendSlot = slot
	m.pb.SetDirty(slot)
	m.pb.Unfix(old) // 释放追加钉, 记录头钉(如有)另算
	m.Hdr.AppendLSA = LSA{PageID: newPageID, Offset: 0}
	m.Stats.TotalAppendPageCount.Inc()
	m.pagesSinceChkpt.Inc()
	if m.bgArv != nil {
		m.bgArv.notifySealed(newPageID - 1)
	}
	return nil
}

// patchForwLSALocked 修改既有记录头的forw_lsa
func (m *Manager) patchForwLSALocked(at LSA, forw LSA) error {
	var slot *BufSlot
	switch {
	case m.delayedSlot != nil && m.delayedSlot.PageID == at.PageID:
		slot = m.delayedSlot
	case m.appendSlot != nil && m.appendSlot.PageID == at.PageID:
		slot = m.appendSlot
	default:
		// 不在追加路径的钉住页上(恢复重放等场景), 常规fix
		s, err := m.pb.Fix(at.PageID)
		if err != nil {
			return errors.Trace(err)
		}
		defer m.pb.Unfix(s)
		slot = s
	}
	payload := slot.Pg.Payload()
	pos := int(at.Offset) + forwLSAFieldOff
	u := uint32(forw.PageID)
	payload[pos] = byte(u)
	payload[pos+1] = byte(u >> 8)
	payload[pos+2] = byte(u >> 16)
	payload[pos+3] = byte(u >> 24)
	o := uint16(forw.Offset)
	payload[pos+4] = byte(o)
	payload[pos+5] = byte(o >> 8)
	payload[pos+6] = 0
	payload[pos+7] = 0
	m.pb.SetDirty(slot)
	return nil
}

// writeEOLLocked 在追加边界写入END_OF_LOG哨兵(不推进append_lsa)
// 下一次追加会原地覆盖它。
func (m *Manager) writeEOLLocked() {
	if m.appendSlot == nil || m.appending {
		return
	}
	off := int(m.Hdr.AppendLSA.Offset)
	if off+RecordHeaderSize > m.PayloadCap() {
		return // 页尾放不下, 读者以append_lsa为界
	}
	hdr := RecordHeader{
		TranID:      common.NullTranID,
		PrevTranLSA: NullLSA,
		BackLSA:     m.prevLSA,
		ForwLSA:     NullLSA,
		Type:        RecEndOfLog,
	}
	w := NewWriter()
	hdr.Pack(w)
	copy(m.appendSlot.Pg.Payload()[off:], w.Bytes())
	if m.appendSlot.Pg.FirstRecOff == NullPageOffset {
		m.appendSlot.Pg.SetFirstRecOff(int16(off))
	}
	m.pb.SetDirty(m.appendSlot)
}

// PrevLSA 最后一条已追加记录的地址
func (m *Manager) PrevLSA() LSA {
	m.cs.EnterShared()
	defer m.cs.ExitShared()
	return m.prevLSA
}

// AppendLSA 当前追加位置
func (m *Manager) AppendLSA() LSA {
	m.cs.EnterShared()
	defer m.cs.ExitShared()
	return m.Hdr.AppendLSA
}
