package invocation

import (
	"context"
	"strings"

	"Vincent/internal/config"
	xerrors "Vincent/internal/errors"
)

// ListOptions 控制调用记录的查询范围。
type ListOptions struct {
	Limit     int
	Offset    int
	Ability   string
	Mode      Mode
	Phase     Phase
	Delegator string
}

func (o *ListOptions) applyDefaults() {
	if o.Limit <= 0 || o.Limit > 500 {
		o.Limit = 50
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}

// Store 持久化调用记录。
type Store interface {
	// Create 插入新的调用记录。ID 冲突返回 ErrConflict。
	Create(ctx context.Context, record *Record) error
	// Update 以 ID 为键整行更新记录。
	Update(ctx context.Context, record *Record) error
	// Get 查询指定记录，不存在返回 ErrNotFound。
	Get(ctx context.Context, id string) (*Record, error)
	// List 按更新时间倒序返回记录。
	List(ctx context.Context, opts ListOptions) ([]*Record, error)
	// Close 释放底层资源。
	Close() error
}

// StoreFromConfig 根据配置构造调用记录存储。
func StoreFromConfig(cfg config.InvocationStoreConfig) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "mysql":
		return NewMySQLStore(cfg)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的调用存储驱动: "+cfg.Driver)
	}
}
