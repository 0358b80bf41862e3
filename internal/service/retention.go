package service

import (
	"context"
	"time"

	"github.com/iago/leave-bot/internal/repository"
	"github.com/iago/leave-bot/internal/telemetry"
	"go.uber.org/zap"
)

type RetentionConfig struct {
	Interval time.Duration
	MaxAge   time.Duration
}

// Retention periodically deletes idle jobs that nothing still waits on.
type Retention struct {
	store  repository.Store
	config RetentionConfig
	now    func() time.Time
	logger *zap.Logger
}

func NewRetention(store repository.Store, config RetentionConfig, logger *zap.Logger) *Retention {
	if config.Interval <= 0 {
		config.Interval = time.Hour
	}
	if config.MaxAge <= 0 {
		config.MaxAge = 30 * 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retention{
		store:  store,
		config: config,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.Named("retention"),
	}
}

// Run sweeps on every interval until ctx is done.
func (r *Retention) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("retention sweep failed", zap.Error(err))
			}
		}
	}
}

func (r *Retention) SweepOnce(ctx context.Context) (int, error) {
	removed, err := r.store.Sweep(ctx, r.now().Add(-r.config.MaxAge))
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		telemetry.SweptJobs.Add(float64(removed))
		r.logger.Info("swept idle jobs", zap.Int("removed", removed))
	}
	return removed, nil
}
