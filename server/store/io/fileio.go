package io

import (
	"os"
	"path"
	"sync"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xtide-server/logger"
	"github.com/zhukovaskychina/xtide-server/server/common"
)

// Volume 一个已挂载的卷文件, 以页为粒度做同步读写
// 对应数据卷, 活动日志或归档日志文件。
type Volume struct {
	mu       sync.RWMutex
	file     *os.File
	fullName string
	pageSize int
	npages   int32
}

// Mount 打开既有卷文件
func Mount(fullName string, pageSize int) (*Volume, error) {
	if len(fullName) >= common.MaxVolumeFullNameLen {
		return nil, errors.Trace(ErrNameTooLong)
	}
	f, err := os.OpenFile(fullName, os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Annotatef(ErrMountFail, "%s: %v", fullName, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Annotatef(ErrMountFail, "%s: %v", fullName, err)
	}
	return &Volume{
		file:     f,
		fullName: fullName,
		pageSize: pageSize,
		npages:   int32(st.Size() / int64(pageSize)),
	}, nil
}

// Format 创建并预分配一个新卷文件
// npages张页全部清零。已存在的文件会被截断重建。
func Format(fullName string, pageSize int, npages int32) (*Volume, error) {
	if npages <= 0 {
		return nil, errors.Trace(ErrFormatBadNpage)
	}
	if len(fullName) >= common.MaxVolumeFullNameLen {
		return nil, errors.Trace(ErrNameTooLong)
	}
	f, err := os.OpenFile(fullName, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.Annotatef(ErrMountFail, "%s: %v", fullName, err)
	}
	if err = f.Truncate(int64(npages) * int64(pageSize)); err != nil {
		f.Close()
		os.Remove(fullName)
		return nil, errors.Annotatef(ErrIOWrite, "truncate %s: %v", fullName, err)
	}
	if err = f.Sync(); err != nil {
		f.Close()
		os.Remove(fullName)
		return nil, errors.Annotatef(ErrIOSync, "%s: %v", fullName, err)
	}
	logger.Debugf("formatted volume %s npages=%d pagesize=%d\n", fullName, npages, pageSize)
	return &Volume{
		file:     f,
		fullName: fullName,
		pageSize: pageSize,
		npages:   npages,
	}, nil
}

// FullName 卷文件的完整路径
func (v *Volume) FullName() string {
	return v.fullName
}

// PageSize 卷的页大小
func (v *Volume) PageSize() int {
	return v.pageSize
}

// NPages 卷当前包含的页数
func (v *Volume) NPages() int32 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.npages
}

// ReadPage 同步读取一页到buf, len(buf)必须等于页大小
func (v *Volume) ReadPage(pageID int32, buf []byte) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.file == nil {
		return errors.Trace(ErrDismounted)
	}
	if _, err := v.file.ReadAt(buf, int64(pageID)*int64(v.pageSize)); err != nil {
		return &IOError{Op: "read", Path: v.fullName, PageID: pageID, Err: err}
	}
	return nil
}

// WritePage 同步写入一页, 不保证落盘, 需配合Sync
func (v *Volume) WritePage(pageID int32, buf []byte) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.file == nil {
		return errors.Trace(ErrDismounted)
	}
	if _, err := v.file.WriteAt(buf, int64(pageID)*int64(v.pageSize)); err != nil {
		return &IOError{Op: "write", Path: v.fullName, PageID: pageID, Err: err}
	}
	return nil
}

// WritePages 连续写多页, first为起始页号
func (v *Volume) WritePages(first int32, buf []byte) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.file == nil {
		return errors.Trace(ErrDismounted)
	}
	if _, err := v.file.WriteAt(buf, int64(first)*int64(v.pageSize)); err != nil {
		return &IOError{Op: "writev", Path: v.fullName, PageID: first, Err: err}
	}
	return nil
}

// Sync 将卷上的所有已写页落盘
func (v *Volume) Sync() error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.file == nil {
		return errors.Trace(ErrDismounted)
	}
	if err := v.file.Sync(); err != nil {
		return errors.Annotatef(ErrIOSync, "%s: %v", v.fullName, err)
	}
	return nil
}

// Expand 将卷扩展npages页, 新页清零, 返回扩展后的总页数
func (v *Volume) Expand(npages int32) (int32, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.file == nil {
		return 0, errors.Trace(ErrDismounted)
	}
	if npages <= 0 {
		return 0, errors.Trace(ErrFormatBadNpage)
	}
	newTotal := v.npages + npages
	if err := v.file.Truncate(int64(newTotal) * int64(v.pageSize)); err != nil {
		return 0, errors.Annotatef(ErrIOWrite, "expand %s: %v", v.fullName, err)
	}
	v.npages = newTotal
	return newTotal, nil
}

// Dismount 关闭卷文件
func (v *Volume) Dismount() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.file == nil {
		return nil
	}
	err := v.file.Close()
	v.file = nil
	return err
}

// DismountAndDestroy 关闭并删除卷文件
func (v *Volume) DismountAndDestroy() error {
	if err := v.Dismount(); err != nil {
		return err
	}
	return os.Remove(v.fullName)
}

// Registry 进程级已挂载卷表, volid到卷描述符的映射
type Registry struct {
	mu      sync.RWMutex
	volumes map[int16]*Volume
}

// NewRegistry 创建卷表
func NewRegistry() *Registry {
	return &Registry{volumes: make(map[int16]*Volume)}
}

// Attach 登记一个已挂载卷
func (r *Registry) Attach(volID int16, vol *Volume) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.volumes[volID]; ok {
		return errors.Trace(ErrAlreadyMounted)
	}
	r.volumes[volID] = vol
	return nil
}

// Detach 注销卷, 不关闭文件
func (r *Registry) Detach(volID int16) *Volume {
	r.mu.Lock()
	defer r.mu.Unlock()
	vol := r.volumes[volID]
	delete(r.volumes, volID)
	return vol
}

// Get 按volid取卷
func (r *Registry) Get(volID int16) (*Volume, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	vol, ok := r.volumes[volID]
	return vol, ok
}

// Each 遍历全部已挂载卷, volid升序无保证
func (r *Registry) Each(fn func(volID int16, vol *Volume) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, vol := range r.volumes {
		if !fn(id, vol) {
			return
		}
	}
}

// VolumeFileName 计算第n个扩展卷的文件名, n=0为主卷
func VolumeFileName(dbFullName string, volID int16) string {
	if volID == 0 {
		return dbFullName
	}
	dir, base := path.Split(dbFullName)
	return path.Join(dir, base+volSuffix(volID))
}

func volSuffix(volID int16) string {
	const digits = "0123456789"
	buf := []byte{'_', 'x', '0', '0', '0'}
	v := int(volID)
	for i := 4; i >= 2 && v > 0; i-- {
		buf[i] = digits[v%10]
		v /= 10
	}
	return string(buf)
}
