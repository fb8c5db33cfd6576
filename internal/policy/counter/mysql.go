package counter

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"math/big"
	"strings"
	"time"

	xerrors "Vincent/internal/errors"
	storagemysql "Vincent/internal/storage/mysql"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore 把计数器落在 MySQL。同窗口的并发累加依赖
// ON DUPLICATE KEY UPDATE 的行级原子性，提交后的总值在同一
// 事务内读回，行锁保证读到的就是本次累加后的值。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 连接 MySQL 并应用待执行的模式迁移。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	if err := storagemysql.Migrate(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &MySQLStore{db: db}, nil
}

// Count 返回窗口内的累计值。
func (s *MySQLStore) Count(ctx context.Context, key string, windowStart int64) (*big.Int, error) {
	const stmt = `SELECT CAST(amount AS CHAR) FROM policy_counters WHERE counter_key = ? AND window_start = ?`

	var raw string
	err := s.db.QueryRowContext(ctx, stmt, key, windowStart).Scan(&raw)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询计数器失败")
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, xerrors.New(xerrors.CodeStorageFailure, "计数器数值损坏: "+raw)
	}
	return value, nil
}

// Commit 累加 delta 并返回新值。
func (s *MySQLStore) Commit(ctx context.Context, key string, windowStart int64, delta *big.Int) (*big.Int, error) {
	if delta == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "计数增量不能为空")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启计数事务失败")
	}

	const upsert = `INSERT INTO policy_counters (counter_key, window_start, amount, updated_at)
        VALUES (?, ?, CAST(? AS DECIMAL(65,0)), ?)
        ON DUPLICATE KEY UPDATE amount = amount + VALUES(amount), updated_at = VALUES(updated_at)`

	if _, err := tx.ExecContext(ctx, upsert, key, windowStart, delta.String(), time.Now().Unix()); err != nil {
		tx.Rollback()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "累加计数器失败")
	}

	const query = `SELECT CAST(amount AS CHAR) FROM policy_counters WHERE counter_key = ? AND window_start = ?`

	var raw string
	if err := tx.QueryRowContext(ctx, query, key, windowStart).Scan(&raw); err != nil {
		tx.Rollback()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取计数器失败")
	}

	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交计数事务失败")
	}

	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, xerrors.New(xerrors.CodeStorageFailure, "计数器数值损坏: "+raw)
	}
	return value, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*MySQLStore)(nil)
