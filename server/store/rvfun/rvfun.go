package rvfun

import (
	"github.com/juju/errors"
	"github.com/zhukovaskychina/xtide-server/server/store/pgbuf"
	"github.com/zhukovaskychina/xtide-server/server/store/wal"
)

// 恢复函数表
// 静态数组按rcvindex下标派发, redo/undo各自独立注册。
// 每个函数对同一LSA的重复应用必须幂等。

// ErrNoFunc 该rcvindex没有注册对应函数
var ErrNoFunc = errors.New("rvfun: no recovery function registered")

// Rcv 恢复函数的输入
type Rcv struct {
	Pg     *pgbuf.PageHandle // 目标页, 数据库外/逻辑操作为nil
	Offset int16             // 记录地址里的页内偏移
	Data   []byte            // undo或redo镜像
	RcvLSA wal.LSA           // 记录自身地址
}

// Func 恢复函数
type Func func(rcv *Rcv) error

// DumpFunc 诊断转储
type DumpFunc func(data []byte) string

// PostponeEnv run-postpone执行环境, 由事务描述符提供
type PostponeEnv interface {
	Pgbuf() *pgbuf.Manager
	AppendRunPostpone(idx wal.RcvIndex, vpid pgbuf.VPID, offset int16,
		pg *pgbuf.PageHandle, data []byte, refLSA wal.LSA) error
}

// PostponeFunc 需要展开成多条联动redo的postpone执行器
type PostponeFunc func(env PostponeEnv, vpid pgbuf.VPID, offset int16,
	data []byte, refLSA wal.LSA) error

// Entry 一个rcvindex的恢复函数组
type Entry struct {
	Redo      Func
	Undo      Func
	Dump      DumpFunc
	IsLogical bool         // undo不针对单页(逻辑undo)
	Postpone  PostponeFunc // 非nil时run-postpone走这里而不是Redo
}

var table [wal.RcvIndexCount]Entry

// Register 注册一个rcvindex的函数组
func Register(idx wal.RcvIndex, e Entry) {
	table[idx] = e
}

// Get 取函数组
func Get(idx wal.RcvIndex) Entry {
	if idx <= wal.RcvNull || idx >= wal.RcvIndexCount {
		return Entry{}
	}
	return table[idx]
}

// Redo 应用redo镜像
func Redo(idx wal.RcvIndex, rcv *Rcv) error {
	e := Get(idx)
	if e.Redo == nil {
		return errors.Annotatef(ErrNoFunc, "redo %s", idx)
	}
	return e.Redo(rcv)
}

// Undo 应用undo镜像
func Undo(idx wal.RcvIndex, rcv *Rcv) error {
	e := Get(idx)
	if e.Undo == nil {
		return errors.Annotatef(ErrNoFunc, "undo %s", idx)
	}
	return e.Undo(rcv)
}

// IsLogicalUndo 该rcvindex的undo是否为逻辑undo
func IsLogicalUndo(idx wal.RcvIndex) bool {
	return Get(idx).IsLogical
}
