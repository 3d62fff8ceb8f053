package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/xtide-server/server/common"
	"github.com/zhukovaskychina/xtide-server/server/conf"
	"github.com/zhukovaskychina/xtide-server/server/store/basic"
	"github.com/zhukovaskychina/xtide-server/server/store/disk"
	"github.com/zhukovaskychina/xtide-server/server/store/trans"
)

func testCfg(t *testing.T) *conf.Cfg {
	t.Helper()
	cfg := conf.NewCfg()
	cfg.Name = "enginedb"
	cfg.DataDir = t.TempDir()
	cfg.IOPageSize = 512
	cfg.LogPageSize = 512
	cfg.LogNPages = 256
	cfg.LogNBuffers = 16
	cfg.DataNBuffers = 64
	cfg.MaxClients = 8
	cfg.LogError = cfg.DataDir + "/err.log"
	cfg.LogInfos = cfg.DataDir + "/info.log"
	return cfg
}

func TestCreateShutdownReopen(t *testing.T) {
	cfg := testCfg(t)
	eng, err := Create(cfg, 500)
	require.NoError(t, err)

	// 一个事务: 分配一页并提交
	tdes, err := eng.BeginTran(trans.ClientIDs{DBUser: "dba"}, -1, basic.TranSerializable)
	require.NoError(t, err)
	pageID, err := eng.Disk.AllocPage(0, common.SpecialSectID, 1, common.NullPageID, tdes)
	require.NoError(t, err)
	require.NoError(t, eng.EndTran(tdes, true))

	require.NoError(t, eng.Shutdown())

	// 重开: 恢复后分配仍然在
	eng2, err := Open(cfg)
	require.NoError(t, err)
	defer eng2.Shutdown()

	valid, err := eng2.Disk.IsValidPage(0, pageID)
	require.NoError(t, err)
	assert.Equal(t, disk.CheckValid, valid)

	result, err := eng2.Disk.Check(0, false)
	require.NoError(t, err)
	assert.Equal(t, disk.CheckValid, result)
}

func TestAbortedTranLeavesNoTrace(t *testing.T) {
	cfg := testCfg(t)
	eng, err := Create(cfg, 500)
	require.NoError(t, err)
	defer eng.Shutdown()

	before, err := eng.Disk.GetHeader(0)
	require.NoError(t, err)

	tdes, err := eng.BeginTran(trans.ClientIDs{DBUser: "dba"}, -1, basic.TranSerializable)
	require.NoError(t, err)
	pageID, err := eng.Disk.AllocPage(0, common.SpecialSectID, 2, common.NullPageID, tdes)
	require.NoError(t, err)
	require.NoError(t, eng.EndTran(tdes, false))

	valid, err := eng.Disk.IsValidPage(0, pageID)
	require.NoError(t, err)
	assert.Equal(t, disk.CheckInvalid, valid)
	after, err := eng.Disk.GetHeader(0)
	require.NoError(t, err)
	assert.Equal(t, before.FreePages, after.FreePages)
}

func TestVolumeChainMount(t *testing.T) {
	cfg := testCfg(t)
	eng, err := Create(cfg, 300)
	require.NoError(t, err)

	// 扩展卷: 链到第0卷之后
	tdes, err := eng.BeginTran(trans.ClientIDs{DBUser: "dba"}, -1, basic.TranSerializable)
	require.NoError(t, err)
	name := cfg.DataDir + "/enginedb_x001"
	_, err = eng.Disk.Format(cfg.Name, 1, name, "extension", 200, disk.PermDataPurpose, tdes)
	require.NoError(t, err)
	require.NoError(t, eng.EndTran(tdes, true))
	require.NoError(t, eng.Shutdown())

	eng2, err := Open(cfg)
	require.NoError(t, err)
	defer eng2.Shutdown()

	// 两卷都被顺链挂载
	_, ok := eng2.Reg.Get(0)
	assert.True(t, ok)
	_, ok = eng2.Reg.Get(1)
	assert.True(t, ok)

	vh, err := eng2.Disk.GetHeader(0)
	require.NoError(t, err)
	assert.Equal(t, name, vh.NextVolFullName)
}
