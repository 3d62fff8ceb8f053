package io

import (
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatReadWrite(t *testing.T) {
	name := path.Join(t.TempDir(), "vol000")
	vol, err := Format(name, 512, 10)
	require.NoError(t, err)
	defer vol.Dismount()

	assert.Equal(t, int32(10), vol.NPages())

	in := make([]byte, 512)
	for i := range in {
		in[i] = byte(i % 7)
	}
	require.NoError(t, vol.WritePage(3, in))
	require.NoError(t, vol.Sync())

	out := make([]byte, 512)
	require.NoError(t, vol.ReadPage(3, out))
	assert.Equal(t, in, out)

	// 未写过的页读出为零
	require.NoError(t, vol.ReadPage(9, out))
	for _, b := range out {
		assert.Zero(t, b)
	}
}

func TestFormatBadNpages(t *testing.T) {
	_, err := Format(path.Join(t.TempDir(), "bad"), 512, 0)
	assert.Error(t, err)
}

func TestExpand(t *testing.T) {
	vol, err := Format(path.Join(t.TempDir(), "vol"), 512, 4)
	require.NoError(t, err)
	defer vol.Dismount()

	total, err := vol.Expand(6)
	require.NoError(t, err)
	assert.Equal(t, int32(10), total)
	assert.Equal(t, int32(10), vol.NPages())

	buf := make([]byte, 512)
	require.NoError(t, vol.ReadPage(9, buf))
}

func TestDismountAndDestroy(t *testing.T) {
	name := path.Join(t.TempDir(), "gone")
	vol, err := Format(name, 512, 2)
	require.NoError(t, err)
	require.NoError(t, vol.DismountAndDestroy())
	_, err = os.Stat(name)
	assert.True(t, os.IsNotExist(err))

	// 关闭后的IO报错而不是panic
	err = vol.ReadPage(0, make([]byte, 512))
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	vol, err := Format(path.Join(t.TempDir(), "v"), 512, 2)
	require.NoError(t, err)
	defer vol.Dismount()

	require.NoError(t, reg.Attach(0, vol))
	assert.Error(t, reg.Attach(0, vol))

	got, ok := reg.Get(0)
	assert.True(t, ok)
	assert.Equal(t, vol, got)

	assert.Equal(t, vol, reg.Detach(0))
	_, ok = reg.Get(0)
	assert.False(t, ok)
}

func TestVolumeFileName(t *testing.T) {
	assert.Equal(t, "/data/demo", VolumeFileName("/data/demo", 0))
	assert.Equal(t, "/data/demo_x001", VolumeFileName("/data/demo", 1))
	assert.Equal(t, "/data/demo_x042", VolumeFileName("/data/demo", 42))
}
