package counter

import (
	"context"
	"math/big"
	"sync"

	xerrors "Vincent/internal/errors"
)

// MemoryStore 在进程内存中维护计数器，适用于测试与单机演示。
type MemoryStore struct {
	mu      sync.Mutex
	windows map[memoryKey]*big.Int
}

type memoryKey struct {
	key         string
	windowStart int64
}

// NewMemoryStore 创建内存计数器。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[memoryKey]*big.Int)}
}

// Count 返回窗口内的累计值。
func (s *MemoryStore) Count(_ context.Context, key string, windowStart int64) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value, ok := s.windows[memoryKey{key, windowStart}]; ok {
		return new(big.Int).Set(value), nil
	}
	return big.NewInt(0), nil
}

// Commit 累加 delta 并返回新值。
func (s *MemoryStore) Commit(_ context.Context, key string, windowStart int64, delta *big.Int) (*big.Int, error) {
	if delta == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "计数增量不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memoryKey{key, windowStart}
	value, ok := s.windows[k]
	if !ok {
		value = big.NewInt(0)
		s.windows[k] = value
	}
	value.Add(value, delta)
	return new(big.Int).Set(value), nil
}

// Close 对内存实现没有资源可释放。
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
