package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iago/leave-bot/internal/cache"
	"github.com/iago/leave-bot/internal/domain"
	"github.com/iago/leave-bot/internal/notify"
	"github.com/iago/leave-bot/internal/repository"
	"github.com/iago/leave-bot/internal/telemetry"
	"go.uber.org/zap"
)

// Provider status values accepted by OnStatus.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

var ErrUnknownStatus = errors.New("unknown delivery status")

type Config struct {
	// ParkTTL bounds how long a callback for a not yet recorded provider id
	// is kept.
	ParkTTL time.Duration
}

// Reconciler applies asynchronous delivery callbacks to stored messages and
// aggregates fan-out batches.
type Reconciler struct {
	store    repository.Store
	cache    cache.Cache
	notifier *notify.Dispatcher
	config   Config
	logger   *zap.Logger
}

func New(
	store repository.Store,
	cacheStore cache.Cache,
	notifier *notify.Dispatcher,
	config Config,
	logger *zap.Logger,
) *Reconciler {
	if config.ParkTTL <= 0 {
		config.ParkTTL = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		store:    store,
		cache:    cacheStore,
		notifier: notifier,
		config:   config,
		logger:   logger.Named("reconciler"),
	}
}

func deliveryStatus(status string) (domain.DeliveryStatus, bool, error) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case StatusSent:
		return "", false, nil
	case StatusDelivered, StatusRead:
		return domain.DeliveryCompleted, true, nil
	case StatusFailed:
		return domain.DeliveryFailed, true, nil
	default:
		return "", false, fmt.Errorf("%w: %q", ErrUnknownStatus, status)
	}
}

// OnStatus applies one provider callback. Repeated and out-of-order
// callbacks are harmless: a message leaves PENDING_CALLBACK exactly once.
func (r *Reconciler) OnStatus(ctx context.Context, providerID, status string) error {
	target, actionable, err := deliveryStatus(status)
	if err != nil {
		return err
	}
	if !actionable {
		telemetry.DeliveryCallbacks.WithLabelValues(status, "ignored").Inc()
		return nil
	}
	return r.apply(ctx, providerID, target)
}

func (r *Reconciler) apply(ctx context.Context, providerID string, target domain.DeliveryStatus) error {
	message, changed, err := r.store.ResolveMessage(ctx, providerID, target)
	if errors.Is(err, repository.ErrNotFound) {
		return r.park(ctx, providerID, target)
	}
	if err != nil {
		return fmt.Errorf("resolve message %s: %w", providerID, err)
	}
	if !changed {
		telemetry.DeliveryCallbacks.WithLabelValues(string(target), "duplicate").Inc()
		r.logger.Debug("callback for resolved message ignored",
			zap.String("provider_id", providerID),
			zap.String("status", string(message.Status)),
		)
		return nil
	}
	telemetry.DeliveryCallbacks.WithLabelValues(string(target), "applied").Inc()

	switch {
	case message.Kind == domain.MessageKindPrimary && target == domain.DeliveryFailed && message.JobID != "":
		return r.failJob(ctx, message)
	case message.Kind == domain.MessageKindForward && message.SeqNo > 0:
		return r.SettleBatch(ctx, message.JobID, message.SeqNo)
	}
	return nil
}

// park keeps a callback that raced ahead of the sender recording the provider
// id. The re-check closes the window where the sender looked before the
// callback was parked.
func (r *Reconciler) park(ctx context.Context, providerID string, target domain.DeliveryStatus) error {
	if err := r.cache.Set(ctx, cache.DeliveryKey(providerID), []byte(target), r.config.ParkTTL); err != nil {
		return fmt.Errorf("park callback %s: %w", providerID, err)
	}
	telemetry.DeliveryCallbacks.WithLabelValues(string(target), "parked").Inc()

	if _, err := r.store.GetMessageByProviderID(ctx, providerID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("recheck parked message %s: %w", providerID, err)
	}
	return r.ApplyParked(ctx, providerID)
}

// ApplyParked applies a parked callback once the provider id is known.
func (r *Reconciler) ApplyParked(ctx context.Context, providerID string) error {
	key := cache.DeliveryKey(providerID)
	raw, err := r.cache.Get(ctx, key)
	if errors.Is(err, cache.ErrMiss) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load parked callback %s: %w", providerID, err)
	}
	if err := r.cache.Delete(ctx, key); err != nil {
		return fmt.Errorf("drop parked callback %s: %w", providerID, err)
	}

	message, err := r.store.GetMessageByProviderID(ctx, providerID)
	if err != nil {
		return fmt.Errorf("load parked message %s: %w", providerID, err)
	}
	if message.Status.Resolved() {
		return nil
	}
	return r.apply(ctx, providerID, domain.DeliveryStatus(raw))
}

func (r *Reconciler) failJob(ctx context.Context, message *domain.OutgoingMessage) error {
	moved, err := r.store.TransitionJob(
		ctx,
		message.JobID,
		[]domain.JobStatus{domain.JobStatusActive},
		domain.JobStatusFailed,
		"primary reply delivery failed",
	)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", message.JobID, err)
	}
	if moved {
		r.logger.Warn("job failed by delivery callback", zap.String("job_id", message.JobID), zap.String("message_id", message.ID))
	}
	return nil
}

// SettleBatch sends the aggregate summary to the job owner once every message
// of the batch is resolved. The notify count guarantees at most one summary;
// a lost send is not retried.
func (r *Reconciler) SettleBatch(ctx context.Context, jobID string, seqNo int) error {
	if _, err := r.store.GetBatch(ctx, jobID, seqNo); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.logger.Warn("batch tracker missing, callback dropped", zap.String("job_id", jobID), zap.Int("seq_no", seqNo))
			return nil
		}
		return fmt.Errorf("load batch: %w", err)
	}

	summary, err := r.summarize(ctx, jobID, seqNo)
	if err != nil {
		return err
	}
	if !summary.Resolved() {
		return nil
	}

	claimed, err := r.store.ClaimBatchNotification(ctx, jobID, seqNo)
	if err != nil {
		return fmt.Errorf("claim batch notification: %w", err)
	}
	if !claimed {
		return nil
	}

	if err := r.sendSummary(ctx, jobID, summary); err != nil {
		r.logger.Error("batch summary not delivered", zap.String("job_id", jobID), zap.Int("seq_no", seqNo), zap.Error(err))
	} else {
		telemetry.AggregateNotices.Inc()
	}
	return r.CompleteJobIfSettled(ctx, jobID)
}

func (r *Reconciler) summarize(ctx context.Context, jobID string, seqNo int) (domain.BatchSummary, error) {
	messages, err := r.store.ListBatchMessages(ctx, jobID, seqNo)
	if err != nil {
		return domain.BatchSummary{}, fmt.Errorf("list batch messages: %w", err)
	}

	var summary domain.BatchSummary
	for _, message := range messages {
		name := r.recipientName(ctx, message)
		switch message.Status {
		case domain.DeliveryCompleted:
			summary.Succeeded = append(summary.Succeeded, name)
		case domain.DeliveryFailed:
			summary.Failed = append(summary.Failed, name)
		default:
			summary.Pending = append(summary.Pending, name)
		}
	}
	return summary, nil
}

func (r *Reconciler) recipientName(ctx context.Context, message domain.OutgoingMessage) string {
	if message.UserID != "" {
		if user, err := r.store.GetUser(ctx, message.UserID); err == nil {
			return user.DisplayName()
		}
	}
	return message.To
}

func (r *Reconciler) sendSummary(ctx context.Context, jobID string, summary domain.BatchSummary) error {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	owner, err := r.store.GetUser(ctx, job.UserID)
	if err != nil {
		return fmt.Errorf("load job owner: %w", err)
	}
	_, err = r.notifier.Deliver(ctx, jobID, *owner, domain.MessageKindSummary, notify.Summary(summary))
	return err
}

// CheckBatch is the delayed delivery check. It settles a batch whose last
// outcome arrived without a callback and reports batches still pending.
func (r *Reconciler) CheckBatch(ctx context.Context, jobID string, seqNo int) {
	summary, err := r.summarize(ctx, jobID, seqNo)
	if err != nil {
		r.logger.Error("delivery check failed", zap.String("job_id", jobID), zap.Int("seq_no", seqNo), zap.Error(err))
		return
	}
	if summary.Resolved() {
		if err := r.SettleBatch(ctx, jobID, seqNo); err != nil {
			r.logger.Error("settle batch on delivery check", zap.String("job_id", jobID), zap.Error(err))
		}
		return
	}
	telemetry.UnresolvedBatches.Inc()
	r.logger.Warn("fan-out batch still pending",
		zap.String("job_id", jobID),
		zap.Int("seq_no", seqNo),
		zap.Strings("pending", summary.Pending),
	)
}

// CompleteJobIfSettled marks an ACTIVE job COMPLETED when its last task ended
// the request and none of its forwards await a callback.
func (r *Reconciler) CompleteJobIfSettled(ctx context.Context, jobID string) error {
	return r.store.WithTx(ctx, func(tx repository.Store) error {
		job, err := tx.GetJob(ctx, jobID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("load job: %w", err)
		}
		if job.Status != domain.JobStatusActive {
			return nil
		}

		task, err := tx.LatestTask(ctx, jobID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("load latest task: %w", err)
		}
		if !task.Type.Settles() || task.Status != domain.TaskStatusCompleted {
			return nil
		}

		pending, err := tx.PendingForwardCount(ctx, jobID)
		if err != nil {
			return fmt.Errorf("count pending forwards: %w", err)
		}
		if pending > 0 {
			return nil
		}

		moved, err := tx.TransitionJob(ctx, jobID, []domain.JobStatus{domain.JobStatusActive}, domain.JobStatusCompleted, "")
		if err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
		if moved {
			r.logger.Info("job completed", zap.String("job_id", jobID))
		}
		return nil
	})
}
