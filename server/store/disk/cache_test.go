package disk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/zhukovaskychina/xtide-server/server/common"
	"github.com/zhukovaskychina/xtide-server/server/store/latch"
)

func newTestCache() *VolCache {
	return NewVolCache(latch.NewSet().Get(latch.CsectDiskRefreshGoodvol))
}

func TestFindGoodVolCascade(t *testing.T) {
	c := newTestCache()
	c.AddVolume(0, PermDataPurpose, 1000, 50)
	c.AddVolume(1, PermGenericPurpose, 1000, 800)
	c.AddVolume(2, PermIndexPurpose, 1000, 600)

	// DATA优先DATA卷
	assert.Equal(t, int16(0), c.FindGoodVol(PermDataPurpose, 10, common.NullVolID, NonContiguous))
	// DATA卷装不下时退到GENERIC
	assert.Equal(t, int16(1), c.FindGoodVol(PermDataPurpose, 100, common.NullVolID, NonContiguous))
	// INDEX优先INDEX卷
	assert.Equal(t, int16(2), c.FindGoodVol(PermIndexPurpose, 10, common.NullVolID, NonContiguous))
	// 都不满足
	assert.Equal(t, common.NullVolID, c.FindGoodVol(PermDataPurpose, 5000, common.NullVolID, NonContiguous))
}

func TestFindGoodVolTempCascade(t *testing.T) {
	c := newTestCache()
	c.AddVolume(3, PermTempPurpose, 500, 400)
	c.AddVolume(4, TempTempPurpose, 500, 100)

	// TEMP先临时临时卷, 再永久临时卷
	assert.Equal(t, int16(4), c.FindGoodVol(TempTempPurpose, 50, common.NullVolID, NonContiguous))
	assert.Equal(t, int16(3), c.FindGoodVol(TempTempPurpose, 300, common.NullVolID, NonContiguous))
	assert.Equal(t, int16(4), c.FindGoodVol(EitherTempPurpose, 50, common.NullVolID, NonContiguous))
}

func TestFindGoodVolAvoidsUndesirable(t *testing.T) {
	c := newTestCache()
	c.AddVolume(0, PermDataPurpose, 1000, 500)
	c.AddVolume(1, PermDataPurpose, 1000, 400)

	assert.Equal(t, int16(0), c.FindGoodVol(PermDataPurpose, 10, common.NullVolID, NonContiguous))
	assert.Equal(t, int16(1), c.FindGoodVol(PermDataPurpose, 10, 0, NonContiguous))
}

func TestSpanVolsNeedsAnyContribution(t *testing.T) {
	c := newTestCache()
	c.AddVolume(0, PermDataPurpose, 100, 3)

	assert.Equal(t, common.NullVolID, c.FindGoodVol(PermDataPurpose, 10, common.NullVolID, NonContiguous))
	assert.Equal(t, int16(0), c.FindGoodVol(PermDataPurpose, 10, common.NullVolID, NonContiguousSpanVols))
}

func TestCacheCounterDrift(t *testing.T) {
	c := newTestCache()
	c.AddVolume(0, PermDataPurpose, 1000, 900)
	c.UpdateFreePages(0, PermDataPurpose, -30)
	c.UpdateFreePages(0, PermDataPurpose, 10)

	_, total, free := c.PurposeInfo(PermDataPurpose)
	assert.Equal(t, int32(1000), total)
	// hint只是参考值: hint <= 实际 + 漂移
	assert.LessOrEqual(t, free, int32(900))
	assert.Equal(t, int32(880), free)

	c.RemoveVolume(0)
	nvols, _, _ := c.PurposeInfo(PermDataPurpose)
	assert.Equal(t, int32(0), nvols)
}
