package actor

import (
	"slices"
	"sync"
)

// Partition 持有一组实体及其有序 key 索引, 目录按分区分页枚举
type Partition[S any] struct {
	name    string
	mu      sync.Mutex
	actors  map[string]*Actor[S]
	index   []string
	stopped bool
}

func newPartition[S any](name string) *Partition[S] {
	return &Partition[S]{
		name:   name,
		actors: make(map[string]*Actor[S]),
	}
}

func (p *Partition[S]) Name() string { return p.name }

func (p *Partition[S]) register(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registerLocked(key)
}

func (p *Partition[S]) registerLocked(key string) {
	pos, found := slices.BinarySearch(p.index, key)
	if !found {
		p.index = slices.Insert(p.index, pos, key)
	}
}

// Len 返回已登记的实体数量
func (p *Partition[S]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.index)
}

// Page 返回排在 token 之后的至多 limit 个 key 以及下一页的 token;
// token 为空表示从头开始, 返回的 next 为空表示已经到底
func (p *Partition[S]) Page(token string, limit int) (keys []string, next string) {
	if limit <= 0 {
		limit = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	start := 0
	if token != "" {
		pos, found := slices.BinarySearch(p.index, token)
		if found {
			pos++
		}
		start = pos
	}
	end := min(start+limit, len(p.index))
	if start >= end {
		return nil, ""
	}

	keys = slices.Clone(p.index[start:end])
	if end < len(p.index) {
		next = keys[len(keys)-1]
	}
	return keys, next
}
