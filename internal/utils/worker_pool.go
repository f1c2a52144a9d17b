package utils

import (
	"errors"
	"sync"

	"github.com/twmb/murmur3"
	"go.uber.org/zap"
)

var ErrPoolStopped = errors.New("worker pool stopped")

// WorkerPool 按 key 分道的协程池
// 同一个 key 的任务总是落在同一条通道上, 按提交顺序串行执行;
// 不同 key 之间互不阻塞
type WorkerPool struct {
	lanes  []chan func()
	logger *zap.Logger
	wg     sync.WaitGroup
	quit   chan struct{}
	once   sync.Once
}

// NewWorkerPool 创建协程池, 每条通道的队列长度为 queueSize
func NewWorkerPool(workerNum int, queueSize int, logger *zap.Logger) *WorkerPool {
	if workerNum <= 0 {
		workerNum = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	lanes := make([]chan func(), workerNum)
	for i := range lanes {
		lanes[i] = make(chan func(), queueSize)
	}
	return &WorkerPool{
		lanes:  lanes,
		logger: logger,
		quit:   make(chan struct{}),
	}
}

// Start 启动协程池
func (p *WorkerPool) Start() {
	for i, lane := range p.lanes {
		p.wg.Add(1)
		go p.run(i, lane)
	}
	p.logger.Info("worker pool started", zap.Int("lanes", len(p.lanes)))
}

func (p *WorkerPool) run(id int, lane chan func()) {
	defer p.wg.Done()
	for {
		select {
		case job := <-lane:
			p.exec(id, job)
		case <-p.quit:
			// 退出前执行完已入队的任务
			for {
				select {
				case job := <-lane:
					p.exec(id, job)
				default:
					return
				}
			}
		}
	}
}

func (p *WorkerPool) exec(id int, job func()) {
	// 单个任务 panic 不影响所在通道
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker panic", zap.Int("lane", id), zap.Any("panic", r))
		}
	}()
	job()
}

// Lane 返回 key 所在的通道编号
func (p *WorkerPool) Lane(key string) int {
	return int(murmur3.Sum32([]byte(key)) % uint32(len(p.lanes)))
}

// Submit 提交任务, 队列已满时阻塞直到有空位
func (p *WorkerPool) Submit(key string, job func()) error {
	lane := p.lanes[p.Lane(key)]
	select {
	case <-p.quit:
		return ErrPoolStopped
	default:
	}
	select {
	case lane <- job:
		return nil
	case <-p.quit:
		return ErrPoolStopped
	}
}

// Stop 停止协程池, 等待已入队的任务执行完毕
func (p *WorkerPool) Stop() {
	p.once.Do(func() { close(p.quit) })
	p.wg.Wait()
}
