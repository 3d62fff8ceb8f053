package disk

import (
	"fmt"
	"os"
	"sync"

	"github.com/juju/errors"
)

// VolInfoTrail <dbname>_vinf 纯文本的卷清单
// 每行一卷: "volid fullname"。启动工具靠它枚举卷文件。
type VolInfoTrail struct {
	mu   sync.Mutex
	path string
}

// NewVolInfoTrail 创建卷清单
func NewVolInfoTrail(path string) *VolInfoTrail {
	return &VolInfoTrail{path: path}
}

// AddVolume 追加一行
func (t *VolInfoTrail) AddVolume(volID int16, fullName string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return errors.Trace(err)
	}
	defer f.Close()
	if _, err = fmt.Fprintf(f, "%d %s\n", volID, fullName); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// RemoveVolume 重写清单去掉一卷
func (t *VolInfoTrail) RemoveVolume(volID int16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	raw, err := os.ReadFile(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Trace(err)
	}
	out := make([]byte, 0, len(raw))
	line := make([]byte, 0, 64)
	prefix := fmt.Sprintf("%d ", volID)
	flush := func() {
		if len(line) > 0 && string(line[:min(len(line), len(prefix))]) != prefix {
			out = append(out, line...)
			out = append(out, '\n')
		}
		line = line[:0]
	}
	for _, c := range raw {
		if c == '\n' {
			flush()
			continue
		}
		line = append(line, c)
	}
	flush()
	return errors.Trace(os.WriteFile(t.path, out, 0644))
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
