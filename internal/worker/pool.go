package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/iago/leave-bot/internal/telemetry"
	"go.uber.org/zap"
)

var (
	ErrPoolClosed = errors.New("background pool is closed")
	ErrPoolFull   = errors.New("background pool backpressure: queue is full")
)

// Func is a fire-and-forget unit of background work. All data it needs must
// be captured by value; ctx is cancelled when the pool shuts down.
type Func func(ctx context.Context)

type PoolConfig struct {
	Workers   int
	QueueSize int
	// DrainTimeout bounds how long Close waits for queued work.
	DrainTimeout time.Duration
}

type submission struct {
	name string
	fn   Func
}

// Pool runs background closures on a bounded set of goroutines.
type Pool struct {
	in      chan submission
	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup
	config  PoolConfig
	logger  *zap.Logger

	mu     sync.Mutex
	closed bool
	timers map[*time.Timer]struct{}
}

func NewPool(config PoolConfig, logger *zap.Logger) *Pool {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool := &Pool{
		in:     make(chan submission, config.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		config: config,
		logger: logger.Named("worker.pool"),
		timers: make(map[*time.Timer]struct{}),
	}
	for i := 0; i < config.Workers; i++ {
		pool.workers.Add(1)
		go pool.run()
	}
	return pool
}

// Submit queues fn without blocking.
func (p *Pool) Submit(name string, fn Func) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.in <- submission{name: name, fn: fn}:
		telemetry.BackgroundQueueDepth.Inc()
		return nil
	default:
		return fmt.Errorf("submit %s: %w", name, ErrPoolFull)
	}
}

// SubmitAfter queues fn once delay has elapsed. Pending delayed work is
// dropped by Close.
func (p *Pool) SubmitAfter(name string, delay time.Duration, fn Func) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		p.mu.Lock()
		delete(p.timers, timer)
		p.mu.Unlock()
		if err := p.Submit(name, fn); err != nil {
			p.logger.Warn("delayed submission dropped", zap.String("name", name), zap.Error(err))
		}
	})
	p.timers[timer] = struct{}{}
	return nil
}

// Close stops accepting work, drains the queue and waits for running closures.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for timer := range p.timers {
		timer.Stop()
	}
	p.timers = nil
	close(p.in)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.config.DrainTimeout):
		p.logger.Warn("background pool drain timed out, cancelling running work")
		p.cancel()
		<-done
	}
	p.cancel()
}

func (p *Pool) run() {
	defer p.workers.Done()
	for item := range p.in {
		telemetry.BackgroundQueueDepth.Dec()
		p.execute(item)
	}
}

func (p *Pool) execute(item submission) {
	defer func() {
		if recovered := recover(); recovered != nil {
			p.logger.Error("background task panicked", zap.String("name", item.name), zap.Any("panic", recovered))
		}
	}()
	item.fn(p.ctx)
}
