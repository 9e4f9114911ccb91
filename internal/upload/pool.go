package upload

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrPoolClosed 表示写入池已经开始关闭，不再接受新任务。
var ErrPoolClosed = errors.New("upload: worker pool closed")

// ErrForcedShutdown 表示宽限期内未能排空任务，剩余任务已被强制取消。
var ErrForcedShutdown = errors.New("upload: worker pool forced shutdown")

// Task 在写入 worker 上执行。ctx 会在调用方放弃等待或池被强制关闭时取消。
type Task func(ctx context.Context) error

// Pool 是与请求处理分离的有界写入 worker 池。
type Pool struct {
	sem    *semaphore.Weighted
	size   int
	base   context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	mu       sync.Mutex
	closed   bool
	wg       sync.WaitGroup
	inFlight atomic.Int64
}

// NewPool 创建最多同时执行 workers 个任务的池。
func NewPool(workers int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:    semaphore.NewWeighted(int64(workers)),
		size:   workers,
		base:   base,
		cancel: cancel,
		logger: logger,
	}
}

// Submit 等待空闲 worker，然后在独立 goroutine 中执行 task。
// 等待过程同样受 ctx 约束；返回的 channel 恰好收到一次 task 的结果。
func (p *Pool) Submit(ctx context.Context, task Task) (<-chan error, error) {
	taskCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(p.base, cancel)
	release := func() {
		stop()
		cancel()
	}

	if err := p.sem.Acquire(taskCtx, 1); err != nil {
		release()
		if p.base.Err() != nil {
			return nil, ErrPoolClosed
		}
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		release()
		return nil, ErrPoolClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	done := make(chan error, 1)
	p.inFlight.Add(1)
	go func() {
		defer func() {
			p.inFlight.Add(-1)
			p.sem.Release(1)
			release()
			p.wg.Done()
		}()
		done <- task(taskCtx)
	}()
	return done, nil
}

// InFlight 返回正在执行的任务数。
func (p *Pool) InFlight() int64 {
	return p.inFlight.Load()
}

// Size 返回 worker 上限。
func (p *Pool) Size() int {
	return p.size
}

// Shutdown 停止接受新任务并等待已有任务结束；ctx 到期后取消所有任务的 ctx
// 并返回 ErrForcedShutdown，不再继续等待。
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		p.cancel()
		p.logger.Info("upload pool drained")
		return nil
	case <-ctx.Done():
		remaining := p.inFlight.Load()
		p.cancel()
		p.logger.Warn("upload pool grace period elapsed, cancelling writes", zap.Int64("in_flight", remaining))
		return ErrForcedShutdown
	}
}
