package wal

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/juju/errors"
)

// InfoTrail <dbname>_lginf 只追加的人类可读日志轨迹
// 每行以"MM/DD/YY HH:MM:SS.mmm - "开头, 后随固定目录里的消息。
type InfoTrail struct {
	mu   sync.Mutex
	path string
}

// 消息目录
const (
	InfoMsgArchiveCreated   = "Log archive %s, which contains log pages before %d, is created on %s"
	InfoMsgArchiveDeletable = "Log archive %s is not needed any longer unless a database media crash occurs"
	InfoMsgBackupRecorded   = "Backup level %d is recorded with lsa %s"
	InfoMsgMediaRecovery    = "Media recovery up to %s has been executed"
	InfoMsgCreated          = "Log info file for database %s is created"
)

// NewInfoTrail 创建信息轨迹
func NewInfoTrail(path string) *InfoTrail {
	return &InfoTrail{path: path}
}

// Path 文件路径
func (t *InfoTrail) Path() string { return t.path }

// Append 追加一行
func (t *InfoTrail) Append(format string, args ...interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return errors.Trace(err)
	}
	defer f.Close()
	now := time.Now().UTC()
	stamp := fmt.Sprintf("%02d/%02d/%02d %02d:%02d:%02d.%03d",
		int(now.Month()), now.Day(), now.Year()%100,
		now.Hour(), now.Minute(), now.Second(), now.Nanosecond()/1e6)
	line := stamp + " - " + fmt.Sprintf(format, args...) + "\n"
	if _, err = f.WriteString(line); err != nil {
		return errors.Trace(err)
	}
	return nil
}
