package actor

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	logger "github.com/Gopher0727/GroupChat/middleware/log"
	"github.com/Gopher0727/GroupChat/utils/consistenthash"
)

var ErrEmptyKey = errors.New("entity key is empty")

type Options struct {
	Partitions  int
	Replicas    int
	MailboxSize int
}

// Host 管理一种实体的所有分区
// key 经一致性哈希落到分区, 实体在首次访问时从 StateStore 激活
type Host[S any] struct {
	kind       string
	ring       *consistenthash.Ring
	partitions map[string]*Partition[S]
	names      []string
	store      StateStore
	newState   func(key string) S
	mailbox    int
	logger     *logger.Logger
}

// NewHost newState 为从未保存过的 key 构造初始状态
func NewHost[S any](kind string, opts Options, store StateStore, newState func(key string) S, log *logger.Logger) *Host[S] {
	if opts.Partitions <= 0 {
		opts.Partitions = 1
	}

	h := &Host[S]{
		kind:       kind,
		ring:       consistenthash.New(opts.Replicas, nil),
		partitions: make(map[string]*Partition[S], opts.Partitions),
		store:      store,
		newState:   newState,
		mailbox:    opts.MailboxSize,
		logger:     log.Named(kind),
	}
	for i := 0; i < opts.Partitions; i++ {
		name := kind + "-" + strconv.Itoa(i)
		h.partitions[name] = newPartition[S](name)
		h.names = append(h.names, name)
	}
	h.ring.Add(h.names...)
	return h
}

func (h *Host[S]) Kind() string { return h.kind }

// Partitions 按固定顺序返回全部分区
func (h *Host[S]) Partitions() []*Partition[S] {
	out := make([]*Partition[S], 0, len(h.names))
	for _, name := range h.names {
		out = append(out, h.partitions[name])
	}
	return out
}

func (h *Host[S]) partitionFor(key string) *Partition[S] {
	return h.partitions[h.ring.Get(key)]
}

// Ask 在 key 对应的实体上执行 fn, 实体不存在时以初始状态创建
func (h *Host[S]) Ask(ctx context.Context, key string, fn Handler[S]) error {
	a, err := h.activate(ctx, key, true)
	if err != nil {
		return err
	}
	return a.Ask(ctx, fn)
}

// AskExisting 与 Ask 相同, 但实体从未被保存过时返回 ErrNotFound
func (h *Host[S]) AskExisting(ctx context.Context, key string, fn Handler[S]) error {
	a, err := h.activate(ctx, key, false)
	if err != nil {
		return err
	}
	return a.Ask(ctx, fn)
}

func (h *Host[S]) activate(ctx context.Context, key string, create bool) (*Actor[S], error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	p := h.partitionFor(key)

	if a, err := h.lookup(p, key, create); a != nil || err != nil {
		return a, err
	}

	// 读存储时不持有分区锁
	state, found, err := h.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found && !create {
		return nil, ErrNotFound
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil, ErrStopped
	}
	// 并发激活同一个 key 时以先登记的实体为准
	if a, ok := p.actors[key]; ok {
		if !create && !a.exists.Load() {
			return nil, ErrNotFound
		}
		return a, nil
	}

	a := newActor(key, state, h.mailbox,
		func(ctx context.Context, s *S) error {
			return h.store.Save(ctx, h.kind, key, s)
		},
		func(ctx context.Context) (S, error) {
			s, _, err := h.load(ctx, key)
			return s, err
		},
		func() { p.register(key) },
	)
	if found {
		a.exists.Store(true)
		p.registerLocked(key)
	}
	p.actors[key] = a
	go a.run()

	h.logger.Debug("entity activated",
		zap.String("key", key),
		zap.String("partition", p.name),
		zap.Bool("restored", found),
	)
	return a, nil
}

func (h *Host[S]) lookup(p *Partition[S], key string, create bool) (*Actor[S], error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil, ErrStopped
	}
	a, ok := p.actors[key]
	if !ok {
		return nil, nil
	}
	if !create && !a.exists.Load() {
		return nil, ErrNotFound
	}
	return a, nil
}

// load 读取已保存的状态, 不存在时返回初始状态和 found=false
func (h *Host[S]) load(ctx context.Context, key string) (S, bool, error) {
	var state S
	found, err := h.store.Load(ctx, h.kind, key, &state)
	if err != nil {
		return state, false, fmt.Errorf("load %s %s: %w", h.kind, key, err)
	}
	if !found {
		return h.newState(key), false, nil
	}
	return state, true, nil
}

// Restore 把存储中已有的 key 登记到分区索引, 实体本身仍按需激活
// owns 不为 nil 时只登记它接受的 key, 集群中其余 key 归别的节点
func (h *Host[S]) Restore(ctx context.Context, owns func(key string) bool) (int, error) {
	keys, err := h.store.Keys(ctx, h.kind)
	if err != nil {
		return 0, fmt.Errorf("restore %s keys: %w", h.kind, err)
	}
	n := 0
	for _, key := range keys {
		if owns != nil && !owns(key) {
			continue
		}
		h.partitionFor(key).register(key)
		n++
	}
	h.logger.Info("entity index restored", zap.Int("count", n), zap.Int("stored", len(keys)))
	return n, nil
}

// Stop 停止所有实体协程, 之后的调用返回 ErrStopped
func (h *Host[S]) Stop() {
	for _, p := range h.Partitions() {
		p.mu.Lock()
		p.stopped = true
		actors := make([]*Actor[S], 0, len(p.actors))
		for _, a := range p.actors {
			actors = append(actors, a)
		}
		p.mu.Unlock()

		for _, a := range actors {
			a.stop()
		}
	}
}
