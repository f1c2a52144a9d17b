package actor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	ErrNotFound = errors.New("entity not found")
	ErrStopped  = errors.New("entity host stopped")
)

// StateStore 实体状态的持久化接口, 按 kind 区分实体类型
type StateStore interface {
	// Load 把 key 的状态解码到 v, 不存在时返回 false
	Load(ctx context.Context, kind, key string, v any) (bool, error)
	Save(ctx context.Context, kind, key string, v any) error
	// Keys 返回该类型下所有已保存的 key, 用于重启后恢复目录
	Keys(ctx context.Context, kind string) ([]string, error)
}

// MemoryStore 进程内存储, 单节点部署和测试使用
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string][]byte)}
}

func (m *MemoryStore) Load(_ context.Context, kind, key string, v any) (bool, error) {
	m.mu.RLock()
	raw, ok := m.data[kind][key]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", kind, key, err)
	}
	return true, nil
}

func (m *MemoryStore) Save(_ context.Context, kind, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", kind, key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[kind] == nil {
		m.data[kind] = make(map[string][]byte)
	}
	m.data[kind][key] = raw
	return nil
}

func (m *MemoryStore) Keys(_ context.Context, kind string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data[kind]))
	for k := range m.data[kind] {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}
