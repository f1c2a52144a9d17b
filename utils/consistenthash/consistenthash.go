package consistenthash

import (
	"slices"
	"sort"
	"strconv"
	"sync"

	"github.com/twmb/murmur3"
)

// Hash 定义哈希函数接口
type Hash func(data []byte) uint32

// Ring 一致性哈希环, 用于把实体 key 映射到分区
type Ring struct {
	mu       sync.RWMutex
	hash     Hash
	replicas int               // 虚拟节点数量
	keys     []uint32          // 排序的哈希环位置
	hashMap  map[uint32]string // 哈希值到节点的映射
	nodes    map[string]bool
}

// New 创建一致性哈希环, fn 为 nil 时使用 murmur3
func New(replicas int, fn Hash) *Ring {
	r := &Ring{
		replicas: replicas,
		hash:     fn,
		hashMap:  make(map[uint32]string),
		nodes:    make(map[string]bool),
	}
	if r.hash == nil {
		r.hash = murmur3.Sum32
	}
	if r.replicas <= 0 {
		r.replicas = 50
	}
	return r
}

// Add 添加节点到哈希环, 重复节点会被忽略
func (r *Ring) Add(nodes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, node := range nodes {
		if node == "" || r.nodes[node] {
			continue
		}
		r.nodes[node] = true

		for i := 0; i < r.replicas; i++ {
			h := r.hash([]byte(node + "#" + strconv.Itoa(i)))
			if _, taken := r.hashMap[h]; taken {
				// 碰撞时保留先到的节点
				continue
			}
			r.keys = append(r.keys, h)
			r.hashMap[h] = node
		}
	}
	slices.Sort(r.keys)
}

// Remove 从哈希环中移除节点
func (r *Ring) Remove(nodes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, node := range nodes {
		if !r.nodes[node] {
			continue
		}
		delete(r.nodes, node)
		for h, owner := range r.hashMap {
			if owner == node {
				delete(r.hashMap, h)
			}
		}
	}

	r.keys = r.keys[:0]
	for h := range r.hashMap {
		r.keys = append(r.keys, h)
	}
	slices.Sort(r.keys)
}

// Get 返回顺时针方向最近的节点, 空环返回 ""
func (r *Ring) Get(key string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.keys) == 0 {
		return ""
	}

	hash := r.hash([]byte(key))
	idx := sort.Search(len(r.keys), func(i int) bool {
		return r.keys[i] >= hash
	})
	if idx == len(r.keys) {
		idx = 0
	}
	return r.hashMap[r.keys[idx]]
}

// Nodes 返回排序后的真实节点列表
func (r *Ring) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]string, 0, len(r.nodes))
	for node := range r.nodes {
		nodes = append(nodes, node)
	}
	slices.Sort(nodes)
	return nodes
}

func (r *Ring) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.nodes)
}
