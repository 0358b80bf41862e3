package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/iago/leave-bot/internal/domain"
	"github.com/iago/leave-bot/internal/repository"
	"github.com/iago/leave-bot/internal/transport"
	"github.com/iago/leave-bot/internal/worker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Tracker is the delivery-state side the dispatcher reports to.
type Tracker interface {
	// ApplyParked applies a status callback that arrived before the provider
	// id was recorded.
	ApplyParked(ctx context.Context, providerID string) error
	// SettleBatch sends the aggregate notification if every message of the
	// batch is resolved.
	SettleBatch(ctx context.Context, jobID string, seqNo int) error
	// CheckBatch is the delayed delivery check.
	CheckBatch(ctx context.Context, jobID string, seqNo int)
}

type Config struct {
	// SendConcurrency bounds parallel sends inside one fan-out.
	SendConcurrency int
	CheckDelay      time.Duration
}

// Dispatcher records outgoing messages and hands them to the transport.
type Dispatcher struct {
	store  repository.Store
	sender transport.Sender
	pool   *worker.Pool
	config Config
	now    func() time.Time
	logger *zap.Logger

	mu      sync.RWMutex
	tracker Tracker
}

func NewDispatcher(
	store repository.Store,
	sender transport.Sender,
	pool *worker.Pool,
	config Config,
	logger *zap.Logger,
) *Dispatcher {
	if config.SendConcurrency <= 0 {
		config.SendConcurrency = 4
	}
	if config.CheckDelay <= 0 {
		config.CheckDelay = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		store:  store,
		sender: sender,
		pool:   pool,
		config: config,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.Named("notify"),
	}
}

// SetTracker wires the reconciler after both sides are constructed.
func (d *Dispatcher) SetTracker(tracker Tracker) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tracker = tracker
}

func (d *Dispatcher) currentTracker() Tracker {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.tracker
}

// Deliver records a message of the given kind for a job and sends it
// synchronously. A send failure marks the message FAILED and is returned.
func (d *Dispatcher) Deliver(
	ctx context.Context,
	jobID string,
	to domain.User,
	kind domain.MessageKind,
	content transport.Content,
) (*domain.OutgoingMessage, error) {
	message := d.newMessage(jobID, to, kind, 0, content)
	if err := d.store.CreateMessage(ctx, message); err != nil {
		return nil, fmt.Errorf("record %s message: %w", kind, err)
	}
	if err := d.send(ctx, message, content); err != nil {
		return message, err
	}
	return message, nil
}

// Reply sends the job's primary reply to a user.
func (d *Dispatcher) Reply(ctx context.Context, jobID string, to domain.User, content transport.Content) error {
	_, err := d.Deliver(ctx, jobID, to, domain.MessageKindPrimary, content)
	return err
}

// SendDirect sends without a job or record, e.g. to an unknown number.
func (d *Dispatcher) SendDirect(ctx context.Context, number string, content transport.Content) error {
	_, err := d.sender.Send(ctx, number, content)
	return err
}

// FanOut records one batch of forward messages and sends them in the
// background. It returns the batch sequence number, or zero when there are no
// recipients.
func (d *Dispatcher) FanOut(
	ctx context.Context,
	jobID string,
	recipients []domain.User,
	build func(domain.User) transport.Content,
) (int, error) {
	if len(recipients) == 0 {
		return 0, nil
	}

	var (
		seqNo    int
		messages []domain.OutgoingMessage
		contents []transport.Content
	)
	err := d.store.WithTx(ctx, func(tx repository.Store) error {
		var err error
		seqNo, err = tx.NextSeqNo(ctx, jobID)
		if err != nil {
			return err
		}
		if err := tx.CreateBatch(ctx, &domain.ForwardBatch{
			JobID:     jobID,
			SeqNo:     seqNo,
			Total:     len(recipients),
			CreatedAt: d.now(),
		}); err != nil {
			return err
		}
		messages = make([]domain.OutgoingMessage, 0, len(recipients))
		contents = make([]transport.Content, 0, len(recipients))
		for _, recipient := range recipients {
			content := build(recipient)
			message := d.newMessage(jobID, recipient, domain.MessageKindForward, seqNo, content)
			if err := tx.CreateMessage(ctx, message); err != nil {
				return err
			}
			messages = append(messages, *message)
			contents = append(contents, content)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("record fan-out batch: %w", err)
	}

	work := func(ctx context.Context) {
		d.sendBatch(ctx, jobID, seqNo, messages, contents)
	}
	if err := d.pool.Submit("fanout", work); err != nil {
		d.logger.Warn("fan-out sent inline", zap.String("job_id", jobID), zap.Error(err))
		work(context.WithoutCancel(ctx))
	}
	return seqNo, nil
}

func (d *Dispatcher) sendBatch(
	ctx context.Context,
	jobID string,
	seqNo int,
	messages []domain.OutgoingMessage,
	contents []transport.Content,
) {
	var (
		mu     sync.Mutex
		failed int
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(d.config.SendConcurrency)
	for i := range messages {
		message := messages[i]
		content := contents[i]
		group.Go(func() error {
			if err := d.send(groupCtx, &message, content); err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()

	tracker := d.currentTracker()
	if tracker == nil {
		return
	}
	if failed > 0 {
		if err := tracker.SettleBatch(ctx, jobID, seqNo); err != nil {
			d.logger.Error("settle batch after send failures", zap.String("job_id", jobID), zap.Int("seq_no", seqNo), zap.Error(err))
		}
	}
	if err := d.pool.SubmitAfter("delivery.check", d.config.CheckDelay, func(ctx context.Context) {
		tracker.CheckBatch(ctx, jobID, seqNo)
	}); err != nil {
		d.logger.Warn("delivery check not scheduled", zap.String("job_id", jobID), zap.Error(err))
	}
}

// send hands one recorded message to the transport and stores the provider id.
func (d *Dispatcher) send(ctx context.Context, message *domain.OutgoingMessage, content transport.Content) error {
	providerID, err := d.sender.Send(ctx, message.To, content)
	if err != nil {
		if _, failErr := d.store.FailUnsent(context.WithoutCancel(ctx), message.ID); failErr != nil {
			d.logger.Error("mark unsent message failed", zap.String("message_id", message.ID), zap.Error(failErr))
		}
		d.logger.Warn("send failed",
			zap.String("message_id", message.ID),
			zap.String("job_id", message.JobID),
			zap.String("kind", string(message.Kind)),
			zap.Error(err),
		)
		return err
	}

	if err := d.store.SetProviderID(ctx, message.ID, providerID); err != nil {
		return fmt.Errorf("record provider id: %w", err)
	}
	message.ProviderID = providerID

	if tracker := d.currentTracker(); tracker != nil {
		if err := tracker.ApplyParked(ctx, providerID); err != nil {
			d.logger.Error("apply parked callback", zap.String("provider_id", providerID), zap.Error(err))
		}
	}
	return nil
}

func (d *Dispatcher) newMessage(
	jobID string,
	to domain.User,
	kind domain.MessageKind,
	seqNo int,
	content transport.Content,
) *domain.OutgoingMessage {
	now := d.now()
	return &domain.OutgoingMessage{
		ID:         uuid.NewString(),
		JobID:      jobID,
		UserID:     to.ID,
		To:         to.Number,
		SeqNo:      seqNo,
		Kind:       kind,
		Status:     domain.DeliveryPendingCallback,
		TemplateID: content.TemplateID,
		Variables:  content.Variables,
		Body:       content.Body,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}
