package invocation

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore 在内存中保存调用记录，用于测试与单机演示。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore 创建内存调用存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Create 插入新的调用记录。
func (s *MemoryStore) Create(_ context.Context, record *Record) error {
	if record == nil || strings.TrimSpace(record.ID) == "" {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[record.ID]; exists {
		return ErrConflict
	}
	now := time.Now().Unix()
	record.CreatedAt = now
	record.UpdatedAt = now
	clone := *record
	s.records[record.ID] = &clone
	return nil
}

// Update 整行更新记录。
func (s *MemoryStore) Update(_ context.Context, record *Record) error {
	if record == nil {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.records[record.ID]
	if !ok {
		return ErrNotFound
	}
	record.CreatedAt = existing.CreatedAt
	record.UpdatedAt = time.Now().Unix()
	clone := *record
	s.records[record.ID] = &clone
	return nil
}

// Get 查询指定记录。
func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *record
	return &clone, nil
}

// List 按更新时间倒序返回记录。
func (s *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Record, error) {
	opts.applyDefaults()

	s.mu.RLock()
	matched := make([]*Record, 0, len(s.records))
	for _, record := range s.records {
		if !matches(record, opts) {
			continue
		}
		clone := *record
		matched = append(matched, &clone)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].UpdatedAt != matched[j].UpdatedAt {
			return matched[i].UpdatedAt > matched[j].UpdatedAt
		}
		return matched[i].ID > matched[j].ID
	})

	if opts.Offset >= len(matched) {
		return []*Record{}, nil
	}
	matched = matched[opts.Offset:]
	if len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}

// Close 对内存实现没有资源可释放。
func (s *MemoryStore) Close() error { return nil }

func matches(record *Record, opts ListOptions) bool {
	if opts.Ability != "" && record.Ability != opts.Ability {
		return false
	}
	if opts.Mode != "" && record.Mode != opts.Mode {
		return false
	}
	if opts.Phase != "" && record.Phase != opts.Phase {
		return false
	}
	if opts.Delegator != "" && !strings.EqualFold(record.Delegator, opts.Delegator) {
		return false
	}
	return true
}

var _ Store = (*MemoryStore)(nil)
