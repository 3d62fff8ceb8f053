package applier

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/zhukovaskychina/xtide-server/logger"
	"github.com/zhukovaskychina/xtide-server/server/store/io"
	"github.com/zhukovaskychina/xtide-server/server/store/wal"
)

// 主库日志副本的读取面: 活动日志优先, 老页按归档号查归档。
// 归档文件可能正在被拷贝过来, 读取带有界重试后放弃,
// 而不是无限重开。

// arvRetryMax 归档读取的重试上限
const arvRetryMax = 14

// ErrArchiveUnavailable 有界重试后归档仍不可用
var ErrArchiveUnavailable = errors.New("applier: archive log unavailable after bounded retries")

// LogSource 主库日志文件集
type LogSource struct {
	dir      string
	prefix   string
	pageSize int

	actVol *io.Volume
	Hdr    *wal.ActiveHeader

	arv struct {
		vol *io.Volume
		hdr wal.ArchiveHeader
		ok  bool
	}
}

// OpenLogSource 打开主库活动日志副本并校验头
func OpenLogSource(dir, prefix string) (*LogSource, error) {
	s := &LogSource{dir: dir, prefix: prefix}
	name := wal.ActiveLogName(dir, prefix)

	vol, err := io.Mount(name, 512)
	if err != nil {
		return nil, errors.Wrapf(err, "mount %s", name)
	}
	buf := make([]byte, 512)
	if err = vol.ReadPage(0, buf); err != nil {
		vol.Dismount()
		return nil, errors.Wrap(err, "read active log header")
	}
	hdr := &wal.ActiveHeader{}
	if err = hdr.Unpack(wal.NewReader(buf)); err != nil {
		vol.Dismount()
		return nil, errors.Wrap(err, "unpack active log header")
	}
	if err = hdr.Validate(prefix); err != nil {
		vol.Dismount()
		return nil, errors.Wrap(err, "validate active log header")
	}
	vol.Dismount()

	s.pageSize = int(hdr.DBLogPageSize)
	if s.actVol, err = io.Mount(name, s.pageSize); err != nil {
		return nil, errors.Wrapf(err, "remount %s", name)
	}
	s.Hdr = hdr
	logger.Infof("applier opened master log %s append=%s eof=%s\n",
		name, hdr.AppendLSA, hdr.EOFLSA)
	return s, nil
}

// PageSize 日志页大小
func (s *LogSource) PageSize() int { return s.pageSize }

// Close 关闭
func (s *LogSource) Close() {
	if s.arv.ok {
		s.arv.vol.Dismount()
		s.arv.ok = false
	}
	s.actVol.Dismount()
}

// RefreshHeader 重读活动日志头(EOF与HA状态会被主库推进)
func (s *LogSource) RefreshHeader() error {
	buf := make([]byte, s.pageSize)
	if err := s.actVol.ReadPage(0, buf); err != nil {
		return errors.Wrap(err, "reread active log header")
	}
	hdr := &wal.ActiveHeader{}
	if err := hdr.Unpack(wal.NewReader(buf)); err != nil {
		return errors.Wrap(err, "unpack active log header")
	}
	s.Hdr = hdr
	return nil
}

// ReadLogPage 实现wal.PageSource
func (s *LogSource) ReadLogPage(pageID int32, buf []byte) (bool, error) {
	if pageID >= s.Hdr.NxArvPageID {
		phy := s.Hdr.PhysicalPageID(pageID)
		if err := s.actVol.ReadPage(phy, buf); err != nil {
			return false, errors.Wrapf(err, "active page %d", pageID)
		}
		return false, nil
	}
	if err := s.readFromArchive(pageID, buf); err != nil {
		return true, err
	}
	return true, nil
}

// readFromArchive 按归档号定位页, 文件未就绪时有界重试
func (s *LogSource) readFromArchive(pageID int32, buf []byte) error {
	for retry := 0; retry < arvRetryMax; retry++ {
		if s.arv.ok && s.arv.hdr.ContainsPage(pageID) {
			phy := pageID - s.arv.hdr.FPageID + 1
			if err := s.arv.vol.ReadPage(phy, buf); err == nil {
				return nil
			}
			// 页读不动: 重开再试
			s.arv.vol.Dismount()
			s.arv.ok = false
		}
		if err := s.openArchiveFor(pageID); err != nil {
			logger.Debugf("archive for page %d not ready (retry %d): %v\n", pageID, retry, err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
	}
	return errors.Wrapf(ErrArchiveUnavailable, "page %d", pageID)
}

// openArchiveFor 从最新归档号往回找覆盖该页的归档
func (s *LogSource) openArchiveFor(pageID int32) error {
	for num := s.Hdr.NxArvNum - 1; num >= 0; num-- {
		name := wal.ArchiveLogName(s.dir, s.prefix, num)
		if _, err := os.Stat(name); err != nil {
			continue
		}
		vol, err := io.Mount(name, s.pageSize)
		if err != nil {
			return errors.Wrapf(err, "mount %s", name)
		}
		hbuf := make([]byte, s.pageSize)
		if err = vol.ReadPage(0, hbuf); err != nil {
			vol.Dismount()
			return errors.Wrapf(err, "read %s header", name)
		}
		var ah wal.ArchiveHeader
		if err = ah.Unpack(wal.NewReader(hbuf)); err != nil {
			vol.Dismount()
			return errors.Wrapf(err, "unpack %s header", name)
		}
		if err = ah.Validate(); err != nil {
			vol.Dismount()
			return errors.Wrapf(err, "validate %s", name)
		}
		if !ah.ContainsPage(pageID) {
			vol.Dismount()
			if pageID >= ah.FPageID+ah.NPages {
				break
			}
			continue
		}
		if s.arv.ok {
			s.arv.vol.Dismount()
		}
		s.arv.vol = vol
		s.arv.hdr = ah
		s.arv.ok = true
		return nil
	}
	return errors.Errorf("no archive covers page %d", pageID)
}
