package counter

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	xerrors "Vincent/internal/errors"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 计数器的连接参数。
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore 用 INCRBY 在 Redis 中维护计数器，多实例部署时
// 依赖 Redis 的单线程原子性解决并发累加。
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore 连接 Redis 并构造计数器。
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "vincent:counter"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) redisKey(key string, windowStart int64) string {
	return fmt.Sprintf("%s:%s:%d", s.prefix, key, windowStart)
}

// Count 返回窗口内的累计值。
func (s *RedisStore) Count(ctx context.Context, key string, windowStart int64) (*big.Int, error) {
	raw, err := s.client.Get(ctx, s.redisKey(key, windowStart)).Result()
	if err == redis.Nil {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 计数器失败")
	}
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, xerrors.New(xerrors.CodeStorageFailure, "Redis 计数器数值损坏: "+raw)
	}
	return value, nil
}

// Commit 累加 delta 并返回新值。增量必须落在 int64 范围内，
// 这是 INCRBY 的限制。
func (s *RedisStore) Commit(ctx context.Context, key string, windowStart int64, delta *big.Int) (*big.Int, error) {
	if delta == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "计数增量不能为空")
	}
	if !delta.IsInt64() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "计数增量超出 Redis 支持范围: "+delta.String())
	}
	newValue, err := s.client.IncrBy(ctx, s.redisKey(key, windowStart), delta.Int64()).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "累加 Redis 计数器失败")
	}
	return big.NewInt(newValue), nil
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
