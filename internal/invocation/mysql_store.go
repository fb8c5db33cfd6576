package invocation

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"Vincent/internal/config"
	xerrors "Vincent/internal/errors"
	storagemysql "Vincent/internal/storage/mysql"

	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 持久化调用记录。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 连接 MySQL 并应用待执行的模式迁移。
func NewMySQLStore(cfg config.InvocationStoreConfig) (*MySQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 20
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 10
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	if cfg.ConnMaxLifetimeSeconds > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeSeconds) * time.Second)
	} else {
		db.SetConnMaxLifetime(10 * time.Minute)
	}
	if cfg.ConnMaxIdleTimeSeconds > 0 {
		db.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleTimeSeconds) * time.Second)
	}

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	if err := storagemysql.Migrate(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &MySQLStore{db: db}, nil
}

// Create 插入新的调用记录。
func (s *MySQLStore) Create(ctx context.Context, record *Record) error {
	if record == nil || strings.TrimSpace(record.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "调用记录 ID 不能为空")
	}

	now := time.Now().Unix()
	record.CreatedAt = now
	record.UpdatedAt = now

	const stmt = `INSERT INTO invocations
        (id, ability, ability_cid, mode, delegatee, delegator, phase, allow_decision,
         error_code, last_error, result_json, policies_json, commits_json, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		record.ID,
		record.Ability,
		record.AbilityCID,
		record.Mode,
		record.Delegatee,
		record.Delegator,
		record.Phase,
		record.Allow,
		record.ErrorCode,
		record.LastError,
		record.ResultJSON,
		record.PoliciesJSON,
		record.CommitsJSON,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入调用记录失败")
	}
	return nil
}

// Update 整行更新记录。
func (s *MySQLStore) Update(ctx context.Context, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "调用记录不能为空")
	}

	const stmt = `UPDATE invocations SET phase = ?, allow_decision = ?, error_code = ?, last_error = ?,
        result_json = ?, policies_json = ?, commits_json = ?, updated_at = ? WHERE id = ?`

	record.UpdatedAt = time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		record.Phase,
		record.Allow,
		record.ErrorCode,
		record.LastError,
		record.ResultJSON,
		record.PoliciesJSON,
		record.CommitsJSON,
		record.UpdatedAt,
		record.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新调用记录失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Get 查询指定记录。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Record, error) {
	const stmt = `SELECT id, ability, ability_cid, mode, delegatee, delegator, phase, allow_decision,
        error_code, last_error, result_json, policies_json, commits_json, created_at, updated_at
        FROM invocations WHERE id = ?`

	record, err := scanRecord(s.db.QueryRowContext(ctx, stmt, id))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询调用记录失败")
	}
	return record, nil
}

// List 按更新时间倒序返回记录。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Record, error) {
	opts.applyDefaults()

	query := `SELECT id, ability, ability_cid, mode, delegatee, delegator, phase, allow_decision,
        error_code, last_error, result_json, policies_json, commits_json, created_at, updated_at
        FROM invocations`

	conditions := make([]string, 0, 4)
	args := make([]any, 0, 6)
	if opts.Ability != "" {
		conditions = append(conditions, "ability = ?")
		args = append(args, opts.Ability)
	}
	if opts.Mode != "" {
		conditions = append(conditions, "mode = ?")
		args = append(args, opts.Mode)
	}
	if opts.Phase != "" {
		conditions = append(conditions, "phase = ?")
		args = append(args, opts.Phase)
	}
	if opts.Delegator != "" {
		conditions = append(conditions, "LOWER(delegator) = LOWER(?)")
		args = append(args, opts.Delegator)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY updated_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询调用列表失败")
	}
	defer rows.Close()

	records := make([]*Record, 0, opts.Limit)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析调用记录失败")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历调用记录失败")
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var record Record
	var lastError, resultJSON, policiesJSON, commitsJSON sql.NullString
	if err := row.Scan(
		&record.ID,
		&record.Ability,
		&record.AbilityCID,
		&record.Mode,
		&record.Delegatee,
		&record.Delegator,
		&record.Phase,
		&record.Allow,
		&record.ErrorCode,
		&lastError,
		&resultJSON,
		&policiesJSON,
		&commitsJSON,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return nil, err
	}
	record.LastError = lastError.String
	record.ResultJSON = resultJSON.String
	record.PoliciesJSON = policiesJSON.String
	record.CommitsJSON = commitsJSON.String
	return &record, nil
}

var _ Store = (*MySQLStore)(nil)
