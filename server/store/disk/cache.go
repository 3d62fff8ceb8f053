package disk

import (
	"sync"

	"github.com/zhukovaskychina/xtide-server/logger"
	"github.com/zhukovaskychina/xtide-server/server/common"
	"github.com/zhukovaskychina/xtide-server/server/store/latch"
)

// ContiguityPolicy 分配时对连续性的要求
type ContiguityPolicy int

const (
	// Contiguous 必须单卷内连续
	Contiguous ContiguityPolicy = iota
	// NonContiguous 单卷内可不连续
	NonContiguous
	// NonContiguousSpanVols 可跨卷凑足
	NonContiguousSpanVols
)

// volFreeInfo 单卷的滚动提示
// hint_freepages没有严格一致性契约, 只作参考。
type volFreeInfo struct {
	volID         int16
	purpose       VolPurpose
	totalPages    int32
	hintFreePages int32
}

// purposeInfo 每个用途的汇总
type purposeInfo struct {
	nvols           int32
	totalPages      int32
	freePages       int32
	warnatFreePages int32
}

// VolCache 进程级的按用途空闲页缓存, 加速放置决策
// 轻量计数增量走短临界区; 需要时全量重扫所有挂载卷重建。
type VolCache struct {
	mu        sync.Mutex
	cs        *latch.Csect // CSECT_DISK_REFRESH_GOODVOL
	numAccess int          // 重建与读者互斥的引用计数
	vols      []volFreeInfo
	purposes  map[VolPurpose]*purposeInfo
}

// NewVolCache 创建卷缓存
func NewVolCache(cs *latch.Csect) *VolCache {
	return &VolCache{
		cs:       cs,
		purposes: make(map[VolPurpose]*purposeInfo),
	}
}

func (c *VolCache) enter() {
	c.mu.Lock()
	c.numAccess++
	c.mu.Unlock()
}

func (c *VolCache) exit() {
	c.mu.Lock()
	c.numAccess--
	c.mu.Unlock()
}

// AddVolume 登记新挂载/新格式化的卷
func (c *VolCache) AddVolume(volID int16, purpose VolPurpose, totalPages, freePages int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.vols {
		if c.vols[i].volID == volID {
			return
		}
	}
	c.vols = append(c.vols, volFreeInfo{
		volID: volID, purpose: purpose,
		totalPages: totalPages, hintFreePages: freePages,
	})
	pi := c.purposes[purpose]
	if pi == nil {
		pi = &purposeInfo{}
		c.purposes[purpose] = pi
	}
	pi.nvols++
	pi.totalPages += totalPages
	pi.freePages += freePages
	pi.warnatFreePages = int32(float64(pi.totalPages) * warnOutspaceFactor)
}

// RemoveVolume 注销卷
func (c *VolCache) RemoveVolume(volID int16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.vols {
		if c.vols[i].volID == volID {
			v := c.vols[i]
			if pi := c.purposes[v.purpose]; pi != nil {
				pi.nvols--
				pi.totalPages -= v.totalPages
				pi.freePages -= v.hintFreePages
			}
			c.vols = append(c.vols[:i], c.vols[i+1:]...)
			return
		}
	}
}

// UpdateFreePages 计数增量
func (c *VolCache) UpdateFreePages(volID int16, purpose VolPurpose, delta int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.vols {
		if c.vols[i].volID == volID {
			c.vols[i].hintFreePages += delta
			if c.vols[i].hintFreePages < 0 {
				c.vols[i].hintFreePages = 0
			}
			break
		}
	}
	if pi := c.purposes[purpose]; pi != nil {
		pi.freePages += delta
		if pi.freePages < 0 {
			pi.freePages = 0
		}
	}
}

// SetFreePages 直接设定(修复路径)
func (c *VolCache) SetFreePages(volID int16, purpose VolPurpose, freePages int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.vols {
		if c.vols[i].volID == volID {
			delta := freePages - c.vols[i].hintFreePages
			c.vols[i].hintFreePages = freePages
			if pi := c.purposes[purpose]; pi != nil {
				pi.freePages += delta
			}
			return
		}
	}
}

// GrowVolume 卷扩展后的计数更新
func (c *VolCache) GrowVolume(volID int16, purpose VolPurpose, npages int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.vols {
		if c.vols[i].volID == volID {
			c.vols[i].totalPages += npages
			c.vols[i].hintFreePages += npages
			break
		}
	}
	if pi := c.purposes[purpose]; pi != nil {
		pi.totalPages += npages
		pi.freePages += npages
	}
}

// PurposeInfo 某用途的汇总快照
func (c *VolCache) PurposeInfo(purpose VolPurpose) (nvols, totalPages, freePages int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pi := c.purposes[purpose]; pi != nil {
		return pi.nvols, pi.totalPages, pi.freePages
	}
	return 0, 0, 0
}

// Refresh 全量重建: 扫描所有挂载卷
// 等到没有读者才开始, CSECT_DISK_REFRESH_GOODVOL保护期间的结构。
func (c *VolCache) Refresh(m *Manager) error {
	c.cs.Enter()
	defer c.cs.Exit()
	// 自旋等读者离场
	for {
		c.mu.Lock()
		if c.numAccess == 0 {
			break
		}
		c.mu.Unlock()
	}
	vols := c.vols
	c.vols = nil
	c.purposes = make(map[VolPurpose]*purposeInfo)
	c.mu.Unlock()

	for _, v := range vols {
		vh, err := m.GetHeader(v.volID)
		if err != nil {
			logger.Errorf("volume cache refresh: volid %d: %v\n", v.volID, err)
			continue
		}
		c.AddVolume(v.volID, vh.Purpose, vh.TotalPages, vh.FreePages)
	}
	return nil
}

// cascade 用途回退链
// DATA先DATA再GENERIC; INDEX先INDEX再GENERIC; TEMP按临时链回退。
func cascade(purpose VolPurpose) []VolPurpose {
	switch purpose {
	case PermDataPurpose:
		return []VolPurpose{PermDataPurpose, PermGenericPurpose}
	case PermIndexPurpose:
		return []VolPurpose{PermIndexPurpose, PermGenericPurpose}
	case TempTempPurpose, EitherTempPurpose:
		return []VolPurpose{TempTempPurpose, PermTempPurpose}
	case PermTempPurpose:
		return []VolPurpose{PermTempPurpose, TempTempPurpose}
	default:
		return []VolPurpose{purpose}
	}
}

// FindGoodVol 为一次分配挑选卷
// 返回NullVolID表示没有卷满足, 调用方可触发自动扩卷。
func (c *VolCache) FindGoodVol(purpose VolPurpose, expNPages int32,
	undesirableVolID int16, policy ContiguityPolicy) int16 {

	c.enter()
	defer c.exit()
	c.mu.Lock()
	defer c.mu.Unlock()

	need := expNPages
	if policy == NonContiguousSpanVols {
		// 跨卷凑足时单卷只要有贡献即可
		need = 1
	}
	best := common.NullVolID
	bestFree := int32(-1)
	for _, want := range cascade(purpose) {
		for i := range c.vols {
			v := &c.vols[i]
			if v.purpose != want || v.volID == undesirableVolID {
				continue
			}
			if v.hintFreePages >= need && v.hintFreePages > bestFree {
				best = v.volID
				bestFree = v.hintFreePages
			}
		}
		if best != common.NullVolID {
			return best
		}
	}
	return common.NullVolID
}
