package counter

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"Vincent/internal/config"
	xerrors "Vincent/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

// Store 是策略计数器的持久化能力。键标识一条计数序列，窗口起点
// 区分不同计费周期。计数只能经 Commit 变更，Count 与评估阶段的
// 任何投影都不得写入。
type Store interface {
	// Count 返回指定窗口内的累计值，窗口不存在时为 0。
	Count(ctx context.Context, key string, windowStart int64) (*big.Int, error)
	// Commit 把 delta 累加进指定窗口并返回累加后的值。
	Commit(ctx context.Context, key string, windowStart int64, delta *big.Int) (*big.Int, error)
	// Close 释放底层连接。
	Close() error
}

// Key 生成 (策略， 被代理地址) 维度的计数键。
func Key(policyCID string, delegator common.Address) string {
	return policyCID + ":" + strings.ToLower(delegator.Hex())
}

// FromConfig 根据配置构造计数器后端。
func FromConfig(cfg config.CounterConfig) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "mysql":
		return NewMySQLStore(cfg.DSN)
	case "redis":
		return NewRedisStore(RedisConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的计数器驱动: %s", cfg.Driver))
	}
}
