package wal

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/xtide-server/server/store/latch"
)

func TestDeleteUnneededArchives(t *testing.T) {
	dir := t.TempDir()
	cs := latch.NewSet()
	m, err := Create(testConfig(dir, 8, 0), cs.Get(latch.CsectLog), 1, 512)
	require.NoError(t, err)
	defer m.Shutdown()

	// 卷出至少两个归档
	prev := NullLSA
	for m.Hdr.NxArvNum < 2 {
		prev = appendSimple(t, m, 1, prev, make([]byte, 64))
	}
	arv0 := ArchiveLogName(dir, "testdb", 0)
	arv1 := ArchiveLogName(dir, "testdb", 1)
	_, err = os.Stat(arv0)
	require.NoError(t, err)
	_, err = os.Stat(arv1)
	require.NoError(t, err)

	// 只有第0个归档完全低于required页
	require.NoError(t, m.DeleteUnneededArchives(8))
	_, err = os.Stat(arv0)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(arv1)
	assert.NoError(t, err)
	assert.Equal(t, int32(0), m.Hdr.LastDeletedArvNum)

	// 存活事务还需要的页拦住进一步删除
	require.NoError(t, m.DeleteUnneededArchives(8))
	_, err = os.Stat(arv1)
	assert.NoError(t, err)
}

func TestInfoTrailFormat(t *testing.T) {
	dir := t.TempDir()
	trail := NewInfoTrail(dir + "/db_lginf")
	require.NoError(t, trail.Append(InfoMsgCreated, "demodb"))

	raw, err := os.ReadFile(trail.Path())
	require.NoError(t, err)
	line := string(raw)
	// "MM/DD/YY HH:MM:SS.mmm - <消息>"
	assert.Regexp(t, `^\d{2}/\d{2}/\d{2} \d{2}:\d{2}:\d{2}\.\d{3} - `, line)
	assert.Contains(t, line, "demodb")
}
