package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/iago/leave-bot/internal/apperror"
	"github.com/iago/leave-bot/internal/cache"
	"github.com/iago/leave-bot/internal/domain"
	"github.com/iago/leave-bot/internal/extract"
	"github.com/iago/leave-bot/internal/notify"
	"github.com/iago/leave-bot/internal/repository"
	"github.com/iago/leave-bot/internal/sheets"
	"github.com/iago/leave-bot/internal/telemetry"
	"github.com/iago/leave-bot/internal/transport"
	"github.com/iago/leave-bot/internal/worker"
	"github.com/iago/leave-bot/internal/workflow"
	"go.uber.org/zap"
)

// RestoreMode says whether a handler needs the payload cached by the
// previous task of the job.
type RestoreMode int

const (
	RestoreNone RestoreMode = iota
	RestoreOptional
	RestoreRequired
)

// Completer closes a job once its request has settled.
type Completer interface {
	CompleteJobIfSettled(ctx context.Context, jobID string) error
}

// Env is everything a handler may touch. It is passed explicitly; handlers
// keep no state of their own.
type Env struct {
	Store     repository.Store
	Cache     cache.Cache
	Notifier  *notify.Dispatcher
	Syncer    sheets.Syncer
	Extractor extract.Extractor
	Pool      *worker.Pool
	Completer Completer
	Location  *time.Location
	Now       func() time.Time
	TaskTTL   time.Duration
	Logger    *zap.Logger
}

func (e *Env) withDefaults() {
	if e.Location == nil {
		e.Location = time.UTC
	}
	if e.Now == nil {
		e.Now = func() time.Time { return time.Now().UTC() }
	}
	if e.TaskTTL <= 0 {
		e.TaskTTL = 10 * time.Minute
	}
	if e.Logger == nil {
		e.Logger = zap.NewNop()
	}
}

// Handler runs one task type of one job type.
type Handler struct {
	Restore RestoreMode
	Execute func(ctx context.Context, env *Env, run *Run) error
}

type handlerKey struct {
	jobType  domain.JobType
	taskType domain.TaskType
}

// Request is one task execution asked for by the conversation layer.
type Request struct {
	Job      *domain.Job
	TaskType domain.TaskType
	Owner    domain.User
	Actor    domain.User
	Message  domain.InboundMessage
	Input    workflow.Input
}

// Run is the per-execution state shared between the executor and a handler.
type Run struct {
	Job      *domain.Job
	Task     *domain.Task
	Owner    domain.User
	Actor    domain.User
	Message  domain.InboundMessage
	Input    workflow.Input
	Restored json.RawMessage

	carry      any
	clearCache bool
	result     any
}

// Carry caches value for the next task of the job. On a validation conflict
// the carried value is still cached so the user can correct the request.
func (r *Run) Carry(value any) {
	r.carry = value
}

// ClearCache drops the job's cached payload after success.
func (r *Run) ClearCache() {
	r.clearCache = true
}

// SetResult stores value as the task's persisted payload.
func (r *Run) SetResult(value any) {
	r.result = value
}

// Executor runs one task to completion.
type Executor struct {
	env      *Env
	handlers map[handlerKey]Handler
	logger   *zap.Logger
}

func NewExecutor(env *Env) *Executor {
	env.withDefaults()
	executor := &Executor{
		env:      env,
		handlers: make(map[handlerKey]Handler),
		logger:   env.Logger.Named("task.executor"),
	}
	registerLeaveHandlers(executor)
	return executor
}

func (e *Executor) Register(jobType domain.JobType, taskType domain.TaskType, handler Handler) {
	e.handlers[handlerKey{jobType: jobType, taskType: taskType}] = handler
}

// Run creates the task row, restores cached state, executes the handler and
// persists the outcome. A failure is returned as *apperror.ReplyError after a
// best-effort reply to the actor.
func (e *Executor) Run(ctx context.Context, request Request) (*domain.Task, error) {
	now := e.env.Now()
	task := &domain.Task{
		ID:        uuid.NewString(),
		JobID:     request.Job.ID,
		Type:      request.TaskType,
		Status:    domain.TaskStatusPending,
		CacheKey:  cache.TaskKey(request.Job.ID),
		CreatedAt: now,
		UpdatedAt: now,
	}
	run := &Run{
		Job:     request.Job,
		Task:    task,
		Owner:   request.Owner,
		Actor:   request.Actor,
		Message: request.Message,
		Input:   request.Input,
	}

	handler, ok := e.handlers[handlerKey{jobType: request.Job.Type, taskType: request.TaskType}]
	if !ok {
		return task, e.fail(ctx, run, apperror.UserInput("unknown_intent", "", apperror.ErrUnknownIntent), false)
	}
	if err := e.env.Store.CreateTask(ctx, task); err != nil {
		return task, e.fail(ctx, run, err, false)
	}

	if err := e.restore(ctx, handler.Restore, run); err != nil {
		return task, e.fail(ctx, run, err, true)
	}
	if err := handler.Execute(ctx, e.env, run); err != nil {
		return task, e.fail(ctx, run, err, true)
	}
	if err := e.succeed(ctx, run); err != nil {
		return task, e.fail(ctx, run, err, true)
	}

	telemetry.TaskRuns.WithLabelValues(string(task.Type), "completed").Inc()
	e.logger.Info("task completed",
		zap.String("job_id", run.Job.ID),
		zap.String("task_id", task.ID),
		zap.String("task_type", string(task.Type)),
	)

	if task.Type.Settles() && e.env.Completer != nil {
		if err := e.env.Completer.CompleteJobIfSettled(ctx, run.Job.ID); err != nil {
			e.logger.Error("job completion check failed", zap.String("job_id", run.Job.ID), zap.Error(err))
		}
	}
	return task, nil
}

func (e *Executor) restore(ctx context.Context, mode RestoreMode, run *Run) error {
	if mode == RestoreNone {
		return nil
	}
	raw, err := e.env.Cache.Get(ctx, run.Task.CacheKey)
	switch {
	case err == nil:
		run.Restored = raw
		return nil
	case errors.Is(err, cache.ErrMiss) && mode == RestoreOptional:
		return nil
	case errors.Is(err, cache.ErrMiss):
		return apperror.Timeout("request_expired", "", apperror.ErrRequestExpired)
	default:
		return apperror.Storage(fmt.Errorf("restore task payload: %w", err))
	}
}

func (e *Executor) succeed(ctx context.Context, run *Run) error {
	switch {
	case run.clearCache:
		if err := e.env.Cache.Delete(ctx, run.Task.CacheKey); err != nil {
			return apperror.Storage(fmt.Errorf("clear task payload: %w", err))
		}
	case run.carry != nil:
		if err := cache.SetJSON(ctx, e.env.Cache, run.Task.CacheKey, run.carry, e.env.TaskTTL); err != nil {
			return apperror.Storage(fmt.Errorf("save task payload: %w", err))
		}
	}

	result := run.result
	if result == nil {
		result = run.carry
	}
	if result != nil {
		encoded, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encode task result: %w", err)
		}
		run.Task.Payload = encoded
	}

	now := e.env.Now()
	run.Task.Status = domain.TaskStatusCompleted
	run.Task.UpdatedAt = now
	if err := e.env.Store.UpdateTask(ctx, run.Task); err != nil {
		return err
	}
	run.Job.UpdatedAt = now
	return e.env.Store.UpdateJob(ctx, run.Job)
}

// fail records the failure, applies its effect on the job, replies to the
// actor and returns the reply error. The flag release is the caller's.
func (e *Executor) fail(ctx context.Context, run *Run, cause error, persisted bool) error {
	// The reply and bookkeeping must happen even when ctx was cancelled.
	ctx = context.WithoutCancel(ctx)
	kind := apperror.KindOf(cause)

	if persisted {
		run.Task.Status = domain.TaskStatusFailed
		run.Task.Error = cause.Error()
		run.Task.UpdatedAt = e.env.Now()
		if err := e.env.Store.UpdateTask(ctx, run.Task); err != nil {
			e.logger.Error("mark task failed", zap.String("task_id", run.Task.ID), zap.Error(err))
		}
	}

	switch kind {
	case apperror.KindValidationConflict:
		if run.carry != nil {
			if err := cache.SetJSON(ctx, e.env.Cache, run.Task.CacheKey, run.carry, e.env.TaskTTL); err != nil {
				e.logger.Error("cache partial payload", zap.String("job_id", run.Job.ID), zap.Error(err))
			}
		}
	case apperror.KindTimeout:
		e.transitionJob(ctx, run.Job, domain.JobStatusExpired, "request expired")
	case apperror.KindExternalService:
		e.transitionJob(ctx, run.Job, domain.JobStatusFailed, cause.Error())
	}

	reply := apperror.AsReply(cause)
	if err := e.env.Notifier.Reply(ctx, run.Job.ID, run.Actor, replyContent(reply)); err != nil {
		e.logger.Warn("error reply not sent", zap.String("job_id", run.Job.ID), zap.Error(err))
	}

	telemetry.TaskRuns.WithLabelValues(string(run.Task.Type), "failed").Inc()
	fields := []zap.Field{
		zap.String("job_id", run.Job.ID),
		zap.String("task_id", run.Task.ID),
		zap.String("task_type", string(run.Task.Type)),
		zap.String("code", reply.Code),
		zap.Error(cause),
	}
	switch kind {
	case apperror.KindUserInput, apperror.KindValidationConflict, apperror.KindTimeout:
		e.logger.Info("task rejected", fields...)
	default:
		e.logger.Error("task failed", fields...)
	}
	return reply
}

func (e *Executor) transitionJob(ctx context.Context, job *domain.Job, to domain.JobStatus, reason string) {
	moved, err := e.env.Store.TransitionJob(
		ctx,
		job.ID,
		[]domain.JobStatus{domain.JobStatusActive},
		to,
		reason,
	)
	if err != nil {
		e.logger.Error("transition job", zap.String("job_id", job.ID), zap.String("to", string(to)), zap.Error(err))
		return
	}
	if moved {
		job.Status = to
		job.Error = reason
	}
}

func replyContent(reply *apperror.ReplyError) transport.Content {
	return transport.Text(reply.UserMessage)
}
