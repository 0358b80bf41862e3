package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/iago/leave-bot/internal/apperror"
	"github.com/iago/leave-bot/internal/domain"
	"github.com/iago/leave-bot/internal/extract"
	"github.com/iago/leave-bot/internal/notify"
	"github.com/iago/leave-bot/internal/policy"
	"github.com/iago/leave-bot/internal/repository"
	"github.com/iago/leave-bot/internal/scheduler"
	"github.com/iago/leave-bot/internal/task"
	"github.com/iago/leave-bot/internal/telemetry"
	"github.com/iago/leave-bot/internal/transport"
	"github.com/iago/leave-bot/internal/workflow"
	"go.uber.org/zap"
)

// Enqueuer accepts work for serialized processing.
type Enqueuer interface {
	Enqueue(item scheduler.Item) error
}

// inbound is the scheduled unit: a message plus who sent it and, for replies
// to a forwarded request, the job it answers.
type inbound struct {
	Message domain.InboundMessage
	Actor   domain.User
	JobID   string
}

// Conversations routes inbound messages to jobs and drives them through the
// state machine.
type Conversations struct {
	store    repository.Store
	notifier *notify.Dispatcher
	executor *task.Executor
	queue    Enqueuer
	now      func() time.Time
	logger   *zap.Logger
}

func NewConversations(
	store repository.Store,
	notifier *notify.Dispatcher,
	executor *task.Executor,
	logger *zap.Logger,
) *Conversations {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conversations{
		store:    store,
		notifier: notifier,
		executor: executor,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.Named("conversations"),
	}
}

// SetQueue wires the scheduler, which itself is built around Process.
func (c *Conversations) SetQueue(queue Enqueuer) {
	c.queue = queue
}

// HandleInbound resolves the sender and queues the message under the key that
// serializes it: the sender for their own requests, the job for approver replies.
func (c *Conversations) HandleInbound(ctx context.Context, message domain.InboundMessage) error {
	actor, err := c.store.GetUserByNumber(ctx, message.From)
	if errors.Is(err, repository.ErrNotFound) {
		telemetry.InboundMessages.WithLabelValues("unknown_sender").Inc()
		c.logger.Info("message from unknown number", zap.String("from", policy.MaskNumber(message.From)))
		return c.notifier.SendDirect(ctx, message.From, notify.UnknownSender())
	}
	if err != nil {
		return fmt.Errorf("resolve sender: %w", err)
	}

	if job, ok := c.forwardedJob(ctx, message.RepliedToID); ok {
		telemetry.InboundMessages.WithLabelValues("approver").Inc()
		return c.enqueue(scheduler.Item{
			Key:     "job:" + job.ID,
			UserID:  job.UserID,
			Payload: inbound{Message: message, Actor: *actor, JobID: job.ID},
		})
	}

	telemetry.InboundMessages.WithLabelValues("owner").Inc()
	return c.enqueue(scheduler.Item{
		Key:     "user:" + actor.ID,
		UserID:  actor.ID,
		Payload: inbound{Message: message, Actor: *actor},
	})
}

func (c *Conversations) enqueue(item scheduler.Item) error {
	if c.queue == nil {
		return fmt.Errorf("enqueue %s: no queue configured", item.Key)
	}
	if err := c.queue.Enqueue(item); err != nil {
		return fmt.Errorf("enqueue %s: %w", item.Key, err)
	}
	return nil
}

// forwardedJob finds the job whose forwarded request the message replies to.
func (c *Conversations) forwardedJob(ctx context.Context, repliedToID string) (*domain.Job, bool) {
	if repliedToID == "" {
		return nil, false
	}
	forwarded, err := c.store.GetMessageByProviderID(ctx, repliedToID)
	if err != nil || forwarded.Kind != domain.MessageKindForward || forwarded.JobID == "" {
		return nil, false
	}
	job, err := c.store.GetJob(ctx, forwarded.JobID)
	if err != nil {
		return nil, false
	}
	return job, true
}

// Dropped is the scheduler drop handler. It asks the actor to resend.
func (c *Conversations) Dropped(ctx context.Context, item scheduler.Item, err error) {
	in, ok := item.Payload.(inbound)
	if !ok {
		return
	}
	c.logger.Warn("message dropped",
		zap.String("key", item.Key),
		zap.String("user_id", in.Actor.ID),
		zap.Error(err),
	)
	if sendErr := c.notifier.SendDirect(ctx, in.Actor.Number, notify.Busy()); sendErr != nil {
		c.logger.Warn("resend request not sent", zap.String("user_id", in.Actor.ID), zap.Error(sendErr))
	}
}

// Process is the scheduler handler. Errors are already answered to the user
// by the time they are returned.
func (c *Conversations) Process(ctx context.Context, payload any) error {
	in, ok := payload.(inbound)
	if !ok {
		return fmt.Errorf("unexpected payload %T", payload)
	}
	if in.JobID != "" {
		return c.processReply(ctx, in)
	}
	return c.processOwn(ctx, in)
}

func (c *Conversations) processReply(ctx context.Context, in inbound) error {
	job, err := c.store.GetJob(ctx, in.JobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	owner, err := c.store.GetUser(ctx, job.UserID)
	if err != nil {
		return fmt.Errorf("load job owner: %w", err)
	}
	if job.Status.Terminal() {
		return c.notifier.Reply(ctx, job.ID, in.Actor, notify.RequestClosed(job.Status))
	}
	return c.advance(ctx, job, *owner, in)
}

func (c *Conversations) processOwn(ctx context.Context, in inbound) error {
	selection := workflow.ParseSelection(in.Message.Body)

	job, last, err := c.latestLeave(ctx, in.Actor.ID)
	if err != nil {
		return err
	}

	switch {
	case selection.Structured():
		if job == nil {
			return c.notifier.SendDirect(ctx, in.Actor.Number, notify.Help())
		}
		if job.Status.Terminal() {
			return c.notifier.Reply(ctx, job.ID, in.Actor, notify.RequestClosed(job.Status))
		}
		return c.advance(ctx, job, in.Actor, in)

	case extract.HasLeaveIntent(in.Message.Body):
		if job == nil || !reusable(job, last) {
			job, err = c.newLeaveJob(ctx, in.Actor)
			if err != nil {
				return err
			}
		}
		return c.advance(ctx, job, in.Actor, in)

	case job != nil && (awaitingInput(job, last) || confirmed(job, last)):
		return c.advance(ctx, job, in.Actor, in)

	default:
		return c.notifier.SendDirect(ctx, in.Actor.Number, notify.Help())
	}
}

// reusable reports whether a new request may continue job: it is open and
// none of its tasks succeeded yet, e.g. after a rejected extraction.
func reusable(job *domain.Job, last domain.TaskType) bool {
	return job.Status == domain.JobStatusActive && last == domain.TaskTypeNone
}

func awaitingInput(job *domain.Job, last domain.TaskType) bool {
	if job.Status != domain.JobStatusActive {
		return false
	}
	return last == domain.TaskTypeNone || last == domain.TaskTypeRequestConfirmation
}

// confirmed reports whether the owner already confirmed job, so stray text
// is answered by the state machine instead of the help text.
func confirmed(job *domain.Job, last domain.TaskType) bool {
	if job.Status != domain.JobStatusActive && job.Status != domain.JobStatusCompleted {
		return false
	}
	return last == domain.TaskTypeConfirm || last == domain.TaskTypeApprove
}

func (c *Conversations) latestLeave(ctx context.Context, userID string) (*domain.Job, domain.TaskType, error) {
	job, err := c.store.LatestJobForUser(ctx, userID, domain.JobTypeLeave)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, domain.TaskTypeNone, nil
	}
	if err != nil {
		return nil, domain.TaskTypeNone, fmt.Errorf("load latest job: %w", err)
	}
	last, err := c.lastTaskType(ctx, job.ID)
	if err != nil {
		return nil, domain.TaskTypeNone, err
	}
	return job, last, nil
}

func (c *Conversations) lastTaskType(ctx context.Context, jobID string) (domain.TaskType, error) {
	latest, err := c.store.LatestTask(ctx, jobID)
	if errors.Is(err, repository.ErrNotFound) {
		return domain.TaskTypeNone, nil
	}
	if err != nil {
		return domain.TaskTypeNone, fmt.Errorf("load latest task: %w", err)
	}
	return latest.Type, nil
}

func (c *Conversations) newLeaveJob(ctx context.Context, owner domain.User) (*domain.Job, error) {
	now := c.now()
	job := &domain.Job{
		ID:        uuid.NewString(),
		Type:      domain.JobTypeLeave,
		UserID:    owner.ID,
		Status:    domain.JobStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	c.logger.Info("job created", zap.String("job_id", job.ID), zap.String("user_id", owner.ID))
	return job, nil
}

// advance picks the next task for the message, runs it, then runs any task
// the system chains after it.
func (c *Conversations) advance(ctx context.Context, job *domain.Job, owner domain.User, in inbound) error {
	last, err := c.lastTaskType(ctx, job.ID)
	if err != nil {
		return err
	}
	input := workflow.Input{
		Selection: workflow.ParseSelection(in.Message.Body),
		FromOwner: in.Actor.ID == owner.ID,
	}

	next, err := workflow.NextTaskType(job.Type, last, input)
	if err != nil {
		reply := apperror.AsReply(err)
		c.logger.Info("message rejected by state machine",
			zap.String("job_id", job.ID),
			zap.String("last_task", string(last)),
			zap.String("code", reply.Code),
		)
		if sendErr := c.notifier.Reply(ctx, job.ID, in.Actor, transport.Text(reply.UserMessage)); sendErr != nil {
			c.logger.Warn("state machine reply not sent", zap.String("job_id", job.ID), zap.Error(sendErr))
		}
		return reply
	}

	for {
		done, err := c.executor.Run(ctx, task.Request{
			Job:      job,
			TaskType: next,
			Owner:    owner,
			Actor:    in.Actor,
			Message:  in.Message,
			Input:    input,
		})
		if err != nil {
			return err
		}
		chained, ok := workflow.AutoNext(done.Type)
		if !ok {
			return nil
		}
		next = chained
	}
}
