package applier

import (
	"database/sql"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"github.com/zhukovaskychina/xtide-server/logger"
	"github.com/zhukovaskychina/xtide-server/server/store/wal"
)

// 副本连接: 行级重放与db_ha_apply_info记账都走database/sql。

var (
	ErrCantConnect   = errors.New("applier: cannot connect to replica server")
	ErrDuplicateRow  = errors.New("applier: object with same primary key already exists")
	ErrRowNotFound   = errors.New("applier: object not found by primary key")
)

// applyInfoTable 记账表
const applyInfoTable = "db_ha_apply_info"

// DBClient 副本数据库客户端
type DBClient struct {
	db     *sql.DB
	dbName string
	tx     *sql.Tx
}

// OpenDBClient 连接副本
func OpenDBClient(dsn, dbName string) (*DBClient, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, errors.Wrap(ErrCantConnect, err.Error())
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(ErrCantConnect, err.Error())
	}
	return &DBClient{db: db, dbName: dbName}, nil
}

// Close 断开
func (c *DBClient) Close() error {
	if c.tx != nil {
		c.tx.Rollback()
		c.tx = nil
	}
	return c.db.Close()
}

// begin 惰性开启本地事务
func (c *DBClient) begin() (*sql.Tx, error) {
	if c.tx != nil {
		return c.tx, nil
	}
	tx, err := c.db.Begin()
	if err != nil {
		return nil, errors.Wrap(ErrCantConnect, err.Error())
	}
	c.tx = tx
	return tx, nil
}

// Commit 提交本地事务
func (c *DBClient) Commit() error {
	if c.tx == nil {
		return nil
	}
	err := c.tx.Commit()
	c.tx = nil
	if err != nil {
		return errors.Wrap(ErrCantConnect, err.Error())
	}
	return nil
}

// Rollback 回滚本地事务
func (c *DBClient) Rollback() {
	if c.tx != nil {
		c.tx.Rollback()
		c.tx = nil
	}
}

// EnsureApplyInfo 取记账行, 不存在则插入
func (c *DBClient) EnsureApplyInfo(startLSA wal.LSA) (wal.LSA, error) {
	tx, err := c.begin()
	if err != nil {
		return wal.NullLSA, err
	}
	var pageID int64
	var offset int64
	row := tx.QueryRow(
		"SELECT page_id, offset FROM "+applyInfoTable+" WHERE db_name = ?", c.dbName)
	switch err = row.Scan(&pageID, &offset); err {
	case nil:
		return wal.LSA{PageID: int32(pageID), Offset: int16(offset)}, nil
	case sql.ErrNoRows:
		_, err = tx.Exec(
			"INSERT INTO "+applyInfoTable+
				" (db_name, page_id, offset, committed_lsa_pageid, committed_lsa_offset,"+
				" insert_counter, update_counter, delete_counter, schema_counter,"+
				" commit_counter, fail_counter, required_page_id, status, start_time)"+
				" VALUES (?, ?, ?, ?, ?, 0, 0, 0, 0, 0, 0, 0, 0, ?)",
			c.dbName, startLSA.PageID, startLSA.Offset,
			startLSA.PageID, startLSA.Offset, time.Now())
		if err != nil {
			return wal.NullLSA, errors.Wrap(ErrCantConnect, err.Error())
		}
		return startLSA, nil
	default:
		return wal.NullLSA, errors.Wrap(ErrCantConnect, err.Error())
	}
}

// UpdateApplyInfo 刷新记账行
func (c *DBClient) UpdateApplyInfo(final, committed wal.LSA, counters *Counters, requiredPageID int32) error {
	tx, err := c.begin()
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		"UPDATE "+applyInfoTable+" SET page_id = ?, offset = ?,"+
			" committed_lsa_pageid = ?, committed_lsa_offset = ?,"+
			" insert_counter = ?, update_counter = ?, delete_counter = ?,"+
			" schema_counter = ?, commit_counter = ?, fail_counter = ?,"+
			" required_page_id = ?, last_access_time = ? WHERE db_name = ?",
		final.PageID, final.Offset, committed.PageID, committed.Offset,
		counters.Insert, counters.Update, counters.Delete,
		counters.Schema, counters.Commit, counters.Fail,
		requiredPageID, time.Now(), c.dbName)
	if err != nil {
		return errors.Wrap(ErrCantConnect, err.Error())
	}
	return nil
}

// NotifyState 把应用者状态发布给副本
func (c *DBClient) NotifyState(state State) error {
	tx, err := c.begin()
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		"UPDATE "+applyInfoTable+" SET status = ? WHERE db_name = ?",
		int(state), c.dbName)
	if err != nil {
		return errors.Wrap(ErrCantConnect, err.Error())
	}
	return c.Commit()
}

// rowExists 按主键探测
func (c *DBClient) rowExists(tx *sql.Tx, ri *RowImage) (bool, error) {
	where, args := pkeyWhere(ri)
	var one int
	row := tx.QueryRow("SELECT 1 FROM "+quoteIdent(ri.ClassName)+" WHERE "+where, args...)
	switch err := row.Scan(&one); err {
	case nil:
		return true, nil
	case sql.ErrNoRows:
		return false, nil
	default:
		return false, errors.Wrap(ErrCantConnect, err.Error())
	}
}

// ApplyInsert 重放insert
// 同主键对象已存在则拒绝。
func (c *DBClient) ApplyInsert(ri *RowImage) error {
	tx, err := c.begin()
	if err != nil {
		return err
	}
	exists, err := c.rowExists(tx, ri)
	if err != nil {
		return err
	}
	if exists {
		return errors.Wrapf(ErrDuplicateRow, "class %s", ri.ClassName)
	}
	cols := make([]string, 0, len(ri.Attrs))
	marks := make([]string, 0, len(ri.Attrs))
	args := make([]interface{}, 0, len(ri.Attrs))
	for i := range ri.Attrs {
		cols = append(cols, quoteIdent(ri.Attrs[i].Name))
		marks = append(marks, "?")
		args = append(args, ri.Attrs[i].Value.sqlArg())
	}
	_, err = tx.Exec("INSERT INTO "+quoteIdent(ri.ClassName)+
		" ("+strings.Join(cols, ", ")+") VALUES ("+strings.Join(marks, ", ")+")", args...)
	if err != nil {
		return errors.Wrapf(err, "insert into %s", ri.ClassName)
	}
	return nil
}

// ApplyUpdate 重放update: 按主键取既有对象, 逐属性改写
func (c *DBClient) ApplyUpdate(ri *RowImage) error {
	tx, err := c.begin()
	if err != nil {
		return err
	}
	exists, err := c.rowExists(tx, ri)
	if err != nil {
		return err
	}
	if !exists {
		return errors.Wrapf(ErrRowNotFound, "class %s", ri.ClassName)
	}
	sets := make([]string, 0, len(ri.Attrs))
	args := make([]interface{}, 0, len(ri.Attrs)+len(ri.PKeyCols))
	for i := range ri.Attrs {
		sets = append(sets, quoteIdent(ri.Attrs[i].Name)+" = ?")
		args = append(args, ri.Attrs[i].Value.sqlArg())
	}
	where, whereArgs := pkeyWhere(ri)
	args = append(args, whereArgs...)
	_, err = tx.Exec("UPDATE "+quoteIdent(ri.ClassName)+
		" SET "+strings.Join(sets, ", ")+" WHERE "+where, args...)
	if err != nil {
		return errors.Wrapf(err, "update %s", ri.ClassName)
	}
	return nil
}

// ApplyDelete 重放delete, 不存在算失败但不中断
func (c *DBClient) ApplyDelete(ri *RowImage) error {
	tx, err := c.begin()
	if err != nil {
		return err
	}
	where, args := pkeyWhere(ri)
	res, err := tx.Exec("DELETE FROM "+quoteIdent(ri.ClassName)+" WHERE "+where, args...)
	if err != nil {
		return errors.Wrapf(err, "delete from %s", ri.ClassName)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrRowNotFound, "class %s", ri.ClassName)
	}
	return nil
}

// ApplySchema 以记录的用户身份执行DDL
// 连接级用户切换由DSN承担, 这里记录并执行。
func (c *DBClient) ApplySchema(si *SchemaImage) error {
	tx, err := c.begin()
	if err != nil {
		return err
	}
	logger.Infof("applying schema as %s: %s\n", si.DBUser, si.DDL)
	if _, err = tx.Exec(si.DDL); err != nil {
		return errors.Wrapf(err, "ddl by %s", si.DBUser)
	}
	return nil
}

// pkeyWhere 主键谓词
func pkeyWhere(ri *RowImage) (string, []interface{}) {
	parts := make([]string, 0, len(ri.PKeyCols))
	args := make([]interface{}, 0, len(ri.PKeyCols))
	for i := range ri.PKeyCols {
		parts = append(parts, quoteIdent(ri.PKeyCols[i].Name)+" = ?")
		args = append(args, ri.PKeyCols[i].Value.sqlArg())
	}
	return strings.Join(parts, " AND "), args
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
