package actor

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Handler 在实体的协程内执行, 返回 mutated=true 时状态会被持久化
type Handler[S any] func(state *S) (mutated bool, err error)

type request[S any] struct {
	ctx   context.Context
	fn    Handler[S]
	reply chan error
}

// Actor 单写者实体: 一个协程加一个有界邮箱, 对同一实体的调用按到达顺序逐个执行
type Actor[S any] struct {
	key     string
	state   S
	mailbox chan request[S]
	quit    chan struct{}
	done    chan struct{}

	persist   func(ctx context.Context, state *S) error
	reload    func(ctx context.Context) (S, error)
	onCreated func()
	exists    atomic.Bool // 状态至少被持久化过一次
	stale     bool        // 内存状态与存储不一致, 下次调用前需重新加载
}

// reload 为 nil 时持久化失败后保留内存中的修改
func newActor[S any](key string, state S, mailboxSize int, persist func(context.Context, *S) error, reload func(context.Context) (S, error), onCreated func()) *Actor[S] {
	if mailboxSize <= 0 {
		mailboxSize = 1
	}
	return &Actor[S]{
		key:       key,
		state:     state,
		mailbox:   make(chan request[S], mailboxSize),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		persist:   persist,
		reload:    reload,
		onCreated: onCreated,
	}
}

func (a *Actor[S]) Key() string { return a.key }

func (a *Actor[S]) run() {
	defer close(a.done)
	for {
		select {
		case req := <-a.mailbox:
			req.reply <- a.handle(req)
		case <-a.quit:
			return
		}
	}
}

func (a *Actor[S]) handle(req request[S]) (err error) {
	if err := req.ctx.Err(); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			a.stale = a.reload != nil
			err = fmt.Errorf("entity %s panic: %v", a.key, r)
		}
	}()

	if a.stale {
		if err := a.refresh(req.ctx); err != nil {
			return fmt.Errorf("reload entity %s: %w", a.key, err)
		}
	}

	mutated, err := req.fn(&a.state)
	if err != nil || !mutated {
		return err
	}
	// 调用方取消不应打断已经发生的写入
	if err := a.persist(context.WithoutCancel(req.ctx), &a.state); err != nil {
		// 内存状态回到最后一次成功保存的版本; 存储暂时读不到时留到下次调用
		if a.reload != nil {
			a.stale = true
			_ = a.refresh(context.WithoutCancel(req.ctx))
		}
		return fmt.Errorf("persist entity %s: %w", a.key, err)
	}
	if !a.exists.Swap(true) && a.onCreated != nil {
		a.onCreated()
	}
	return nil
}

func (a *Actor[S]) refresh(ctx context.Context) error {
	state, err := a.reload(ctx)
	if err != nil {
		return err
	}
	a.state = state
	a.stale = false
	return nil
}

// Ask 把 fn 放入邮箱并等待执行结果; 邮箱已满时阻塞, 直到有空位或 ctx 结束
func (a *Actor[S]) Ask(ctx context.Context, fn Handler[S]) error {
	req := request[S]{ctx: ctx, fn: fn, reply: make(chan error, 1)}

	select {
	case a.mailbox <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-a.quit:
		return ErrStopped
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		select {
		case err := <-req.reply:
			return err
		default:
			return ErrStopped
		}
	}
}

func (a *Actor[S]) stop() {
	close(a.quit)
	<-a.done
}
