package wal

import (
	"context"
	"os"
	"path"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xtide-server/logger"
	"github.com/zhukovaskychina/xtide-server/server/common"
	"github.com/zhukovaskychina/xtide-server/server/store/io"
)

// archiveActiveLogLocked 把活动日志中[NxArvPageID, upTo)的页卷出成归档文件
// 循环窗口即将覆盖未归档页时由追加路径触发。
func (m *Manager) archiveActiveLogLocked(upTo int32) error {
	fpage := m.Hdr.NxArvPageID
	npages := upTo - fpage
	if npages <= 0 {
		return nil
	}
	// 先保证被归档页全部落盘
	if err := m.flushAllAppendPagesLocked(); err != nil {
		return errors.Trace(err)
	}

	arvNum := m.Hdr.NxArvNum
	name := ArchiveLogName(m.cfg.Dir, m.cfg.Prefix, arvNum)

	var vol *io.Volume
	var err error
	if m.bgArv != nil && m.bgArv.takeStaged(fpage, upTo, name) {
		// 后台暂存已经把页拷齐, 只差头页
		if vol, err = io.Mount(name, m.cfg.PageSize); err != nil {
			return errors.Trace(err)
		}
	} else {
		if vol, err = io.Format(name, m.cfg.PageSize, npages+1); err != nil {
			return errors.Trace(err)
		}
		buf := make([]byte, m.cfg.PageSize)
		for pageID := fpage; pageID < upTo; pageID++ {
			phy := m.Hdr.PhysicalPageID(pageID)
			if err = m.active.ReadPage(phy, buf); err != nil {
				vol.Dismount()
				os.Remove(name)
				return errors.Trace(err)
			}
			if err = vol.WritePage(pageID-fpage+1, buf); err != nil {
				vol.Dismount()
				os.Remove(name)
				return errors.Trace(err)
			}
		}
	}

	ah := ArchiveHeader{
		Magic:      common.MagicLogArchive,
		DBCreation: m.Hdr.DBCreation,
		NextTranID: m.Hdr.NextTranID,
		NPages:     npages,
		FPageID:    fpage,
		ArvNum:     arvNum,
	}
	w := NewWriter()
	ah.Pack(w)
	hbuf := make([]byte, m.cfg.PageSize)
	copy(hbuf, w.Bytes())
	if err = vol.WritePage(0, hbuf); err != nil {
		vol.Dismount()
		return errors.Trace(err)
	}
	if err = vol.Sync(); err != nil {
		vol.Dismount()
		return errors.Trace(err)
	}
	m.Stats.TotalSyncCount.Inc()
	vol.Dismount()

	m.Hdr.NxArvPageID = upTo
	m.Hdr.NxArvPhyPageID = m.Hdr.PhysicalPageID(upTo)
	m.Hdr.NxArvNum = arvNum + 1
	m.Hdr.LastArvNumForSysCrashes = arvNum
	if err = m.flushHeaderLocked(); err != nil {
		return errors.Trace(err)
	}
	m.Stats.ArchiveCount.Inc()
	if err = m.logInfo.Append(InfoMsgArchiveCreated, name, upTo, time.Now().UTC().Format(time.RFC3339)); err != nil {
		logger.Errorf("log info trail: %v\n", err)
	}
	logger.Infof("archived log pages [%d,%d) into %s arv_num=%d\n", fpage, upTo, name, arvNum)
	if m.bgArv != nil {
		m.bgArv.restart(upTo)
	}
	return nil
}

// DeleteUnneededArchives 删除所有页号完全小于requiredPageID的归档
// requiredPageID通常来自存活事务head_lsa的最小值。
func (m *Manager) DeleteUnneededArchives(requiredPageID int32) error {
	m.cs.Enter()
	defer m.cs.Exit()
	for num := m.Hdr.LastDeletedArvNum + 1; num < m.Hdr.NxArvNum; num++ {
		name := ArchiveLogName(m.cfg.Dir, m.cfg.Prefix, num)
		vol, err := io.Mount(name, m.cfg.PageSize)
		if err != nil {
			// 已被手工挪走
			m.Hdr.LastDeletedArvNum = num
			continue
		}
		buf := make([]byte, m.cfg.PageSize)
		if err = vol.ReadPage(0, buf); err != nil {
			vol.Dismount()
			return errors.Trace(err)
		}
		var ah ArchiveHeader
		if err = ah.Unpack(NewReader(buf)); err != nil {
			vol.Dismount()
			return errors.Trace(err)
		}
		vol.Dismount()
		if ah.FPageID+ah.NPages > requiredPageID {
			break
		}
		if m.arv.ok && m.arv.num == num {
			m.arv.vol.Dismount()
			m.arv.ok = false
		}
		if err = os.Remove(name); err != nil {
			return errors.Trace(err)
		}
		m.Hdr.LastDeletedArvNum = num
		if err = m.logInfo.Append(InfoMsgArchiveDeletable, name); err != nil {
			logger.Errorf("log info trail: %v\n", err)
		}
	}
	return m.flushHeaderLocked()
}

// bgArchiveState 后台归档暂存
// 守护任务把已封存的活动页预拷进暂存文件, 正式卷出时先改名再只补头页。
type bgArchiveState struct {
	mu          sync.Mutex
	dir         string
	prefix      string
	startPageID int32
	currPageID  int32 // 已拷贝到的页(含)
	sealed      chan int32
	vol         *io.Volume
}

func newBgArchiveState(dir, prefix string) *bgArchiveState {
	return &bgArchiveState{
		dir:         dir,
		prefix:      prefix,
		startPageID: -1,
		currPageID:  -1,
		sealed:      make(chan int32, 64),
	}
}

func (b *bgArchiveState) stagingName() string {
	return path.Join(b.dir, b.prefix+"_lgar_t")
}

// notifySealed 追加路径通知又有一页封存
func (b *bgArchiveState) notifySealed(pageID int32) {
	select {
	case b.sealed <- pageID:
	default:
		// 守护任务落后了, 卷出时会走前台拷贝
	}
}

// takeStaged 卷出路径查询暂存是否已覆盖[fpage, upTo)
// 覆盖则把暂存文件改名为正式归档(页区已就位)。
func (b *bgArchiveState) takeStaged(fpage, upTo int32, finalName string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.vol == nil || b.startPageID != fpage || b.currPageID < upTo-1 {
		return false
	}
	b.vol.Sync()
	b.vol.Dismount()
	b.vol = nil
	if err := os.Rename(b.stagingName(), finalName); err != nil {
		logger.Errorf("bg archive rename: %v\n", err)
		return false
	}
	return true
}

// restart 卷出完成后从新起点重新暂存
func (b *bgArchiveState) restart(startPageID int32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.vol != nil {
		b.vol.Dismount()
		os.Remove(b.stagingName())
		b.vol = nil
	}
	b.startPageID = startPageID
	b.currPageID = startPageID - 1
}

// RunBackgroundArchiver 后台归档守护循环
func (m *Manager) RunBackgroundArchiver(ctx context.Context) error {
	if m.bgArv == nil {
		<-ctx.Done()
		return nil
	}
	b := m.bgArv
	b.restart(m.Hdr.NxArvPageID)
	buf := make([]byte, m.cfg.PageSize)
	for {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			if b.vol != nil {
				b.vol.Dismount()
				os.Remove(b.stagingName())
				b.vol = nil
			}
			b.mu.Unlock()
			return nil
		case sealedPage := <-b.sealed:
			b.mu.Lock()
			if b.startPageID < 0 {
				b.startPageID = sealedPage
				b.currPageID = sealedPage - 1
			}
			if b.vol == nil {
				vol, err := io.Format(b.stagingName(), m.cfg.PageSize, m.Hdr.NPages+1)
				if err != nil {
					logger.Errorf("bg archive staging: %v\n", err)
					b.mu.Unlock()
					continue
				}
				b.vol = vol
			}
			for b.currPageID < sealedPage {
				next := b.currPageID + 1
				m.cs.EnterShared()
				phy := m.Hdr.PhysicalPageID(next)
				err := m.active.ReadPage(phy, buf)
				m.cs.ExitShared()
				if err != nil {
					logger.Errorf("bg archive read page %d: %v\n", next, err)
					break
				}
				if err = b.vol.WritePage(next-b.startPageID+1, buf); err != nil {
					logger.Errorf("bg archive write page %d: %v\n", next, err)
					break
				}
				b.currPageID = next
			}
			b.mu.Unlock()
		}
	}
}
