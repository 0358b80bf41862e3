package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/iago/leave-bot/internal/cache"
	"github.com/iago/leave-bot/internal/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	ErrClosed       = errors.New("scheduler is closed")
	ErrBackpressure = errors.New("scheduler backpressure: key queue is full")
	ErrFlagBusy     = errors.New("processing flag still held")
)

// Handler processes one queued payload.
type Handler func(ctx context.Context, payload any) error

// DropHandler is told about an item that was dequeued but never handled.
type DropHandler func(ctx context.Context, item Item, err error)

// Item is one unit of work. Items sharing a Key run one at a time in arrival
// order. While an item runs the processing flag of UserID is held, so work
// queued under another key for the same user waits for it.
type Item struct {
	Key     string
	UserID  string
	Payload any
}

type Config struct {
	// IdleTimeout is how long a key worker waits for new items before exiting.
	IdleTimeout time.Duration
	// MaxWorkers bounds handlers running at once across all keys.
	MaxWorkers int
	QueueSize  int
	FlagTTL    time.Duration
	// FlagWait is how long an item polls for a flag held elsewhere.
	FlagWait time.Duration
	FlagPoll time.Duration
	// OnDrop lets the sender know an item was given up on.
	OnDrop DropHandler
}

func (c *Config) withDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 64
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.FlagTTL <= 0 {
		c.FlagTTL = 2 * time.Minute
	}
	if c.FlagWait <= 0 {
		c.FlagWait = c.FlagTTL
	}
	if c.FlagPoll <= 0 {
		c.FlagPoll = 50 * time.Millisecond
	}
}

type keyQueue struct {
	items chan Item
}

// Scheduler runs one worker goroutine per active key.
type Scheduler struct {
	handler Handler
	flags   cache.Cache
	config  Config
	slots   *semaphore.Weighted
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	queues map[string]*keyQueue
	closed bool
	wg     sync.WaitGroup
}

func New(handler Handler, flags cache.Cache, config Config, logger *zap.Logger) *Scheduler {
	config.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		handler: handler,
		flags:   flags,
		config:  config,
		slots:   semaphore.NewWeighted(int64(config.MaxWorkers)),
		logger:  logger.Named("scheduler"),
		ctx:     ctx,
		cancel:  cancel,
		queues:  make(map[string]*keyQueue),
	}
}

// Enqueue appends item to its key's queue, starting a worker if none is
// running. It never blocks.
func (s *Scheduler) Enqueue(item Item) error {
	if item.Key == "" {
		return fmt.Errorf("enqueue: empty key")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	queue, ok := s.queues[item.Key]
	if !ok {
		queue = &keyQueue{items: make(chan Item, s.config.QueueSize)}
		s.queues[item.Key] = queue
		s.wg.Add(1)
		go s.work(item.Key, queue)
	}

	select {
	case queue.items <- item:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close stops accepting items and waits for queued ones to finish.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, queue := range s.queues {
		close(queue.items)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.cancel()
}

func (s *Scheduler) work(key string, queue *keyQueue) {
	defer s.wg.Done()

	idle := time.NewTimer(s.config.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case item, ok := <-queue.items:
			if !ok {
				return
			}
			s.run(item)
			resetTimer(idle, s.config.IdleTimeout)
		case <-idle.C:
			if s.retire(key, queue) {
				return
			}
			idle.Reset(s.config.IdleTimeout)
		}
	}
}

// retire removes an empty queue. Enqueue sends under the same lock, so no
// item can slip in between the length check and the removal.
func (s *Scheduler) retire(key string, queue *keyQueue) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(queue.items) > 0 {
		return false
	}
	delete(s.queues, key)
	return true
}

func (s *Scheduler) run(item Item) {
	if err := s.slots.Acquire(s.ctx, 1); err != nil {
		s.logger.Error("acquire worker slot", zap.String("key", item.Key), zap.Error(err))
		return
	}
	telemetry.ActiveWorkers.Inc()
	defer func() {
		telemetry.ActiveWorkers.Dec()
		s.slots.Release(1)
	}()

	token, err := s.acquireFlag(item.UserID)
	if err != nil {
		s.logger.Error("dropping item, processing flag unavailable",
			zap.String("key", item.Key),
			zap.String("user_id", item.UserID),
			zap.Error(err),
		)
		s.drop(item, err)
		return
	}
	defer s.releaseFlag(item.UserID, token)

	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("handler panicked", zap.String("key", item.Key), zap.Any("panic", recovered))
		}
	}()
	if err := s.handler(s.ctx, item.Payload); err != nil {
		s.logger.Debug("handler returned error", zap.String("key", item.Key), zap.Error(err))
	}
}

func (s *Scheduler) drop(item Item, err error) {
	if s.config.OnDrop == nil {
		return
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("drop handler panicked", zap.String("key", item.Key), zap.Any("panic", recovered))
		}
	}()
	s.config.OnDrop(context.WithoutCancel(s.ctx), item, err)
}

func (s *Scheduler) acquireFlag(userID string) ([]byte, error) {
	if userID == "" || s.flags == nil {
		return nil, nil
	}
	key := cache.UserStatusKey(userID)
	token := []byte(cache.ProcessingFlag + ":" + uuid.NewString())
	deadline := time.Now().Add(s.config.FlagWait)

	for {
		ok, err := s.flags.SetIfAbsent(s.ctx, key, token, s.config.FlagTTL)
		if err != nil {
			return nil, fmt.Errorf("set processing flag: %w", err)
		}
		if ok {
			return token, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrFlagBusy
		}

		timer := time.NewTimer(s.config.FlagPoll)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return nil, s.ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Scheduler) releaseFlag(userID string, token []byte) {
	if token == nil {
		return
	}
	released, err := s.flags.DeleteIfValue(context.Background(), cache.UserStatusKey(userID), token)
	if err != nil {
		s.logger.Error("release processing flag", zap.String("user_id", userID), zap.Error(err))
		return
	}
	if !released {
		s.logger.Warn("processing flag expired before release", zap.String("user_id", userID))
	}
}

func resetTimer(timer *time.Timer, d time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
}
