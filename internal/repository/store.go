package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iago/leave-bot/internal/apperror"
	"github.com/iago/leave-bot/internal/domain"
)

var (
	ErrNotFound = errors.New("resource not found")
	ErrConflict = errors.New("resource conflict")
)

// Store is the durable record store. Implementations must be safe for
// concurrent use; WithTx runs fn with all-or-nothing semantics.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Store) error) error

	UpsertUser(ctx context.Context, user *domain.User) error
	GetUser(ctx context.Context, id string) (*domain.User, error)
	GetUserByNumber(ctx context.Context, number string) (*domain.User, error)
	ListDepartmentAdmins(ctx context.Context, department string) ([]domain.User, error)
	ListGlobalAdmins(ctx context.Context) ([]domain.User, error)
	DeactivateUser(ctx context.Context, id string) error

	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	// UpdateJob writes the job's leave type, error and updated_at. Status
	// only changes through TransitionJob.
	UpdateJob(ctx context.Context, job *domain.Job) error
	// TransitionJob moves the job to status to when its current status is one
	// of from. It reports whether the transition happened.
	TransitionJob(ctx context.Context, id string, from []domain.JobStatus, to domain.JobStatus, reason string) (bool, error)
	LatestJobForUser(ctx context.Context, userID string, jobType domain.JobType) (*domain.Job, error)

	CreateTask(ctx context.Context, task *domain.Task) error
	UpdateTask(ctx context.Context, task *domain.Task) error
	// LatestTask returns the most recent task of the job that did not fail.
	LatestTask(ctx context.Context, jobID string) (*domain.Task, error)
	ListTasks(ctx context.Context, jobID string) ([]domain.Task, error)

	InsertLeaveRecords(ctx context.Context, records []domain.LeaveRecord) error
	ListLeaveRecords(ctx context.Context, jobID string) ([]domain.LeaveRecord, error)
	// ActiveLeaveDates returns which of dates already hold a PENDING or
	// APPROVED record of the user under a job other than excludeJobID.
	ActiveLeaveDates(ctx context.Context, userID string, dates []time.Time, excludeJobID string) ([]time.Time, error)
	UpdateLeaveStatus(ctx context.Context, jobID string, from []domain.LeaveStatus, to domain.LeaveStatus) (int, error)
	UpdateSyncStatus(ctx context.Context, ids []string, status domain.SyncStatus) error

	CreateMessage(ctx context.Context, message *domain.OutgoingMessage) error
	SetProviderID(ctx context.Context, messageID, providerID string) error
	GetMessageByProviderID(ctx context.Context, providerID string) (*domain.OutgoingMessage, error)
	// ResolveMessage moves a PENDING_CALLBACK message to status. changed is
	// false when the message had already been resolved.
	ResolveMessage(ctx context.Context, providerID string, status domain.DeliveryStatus) (message *domain.OutgoingMessage, changed bool, err error)
	// FailUnsent marks a message FAILED when the transport rejected it before
	// a provider id existed.
	FailUnsent(ctx context.Context, messageID string) (bool, error)
	ListBatchMessages(ctx context.Context, jobID string, seqNo int) ([]domain.OutgoingMessage, error)
	ListMessages(ctx context.Context, jobID string) ([]domain.OutgoingMessage, error)
	PendingForwardCount(ctx context.Context, jobID string) (int, error)

	NextSeqNo(ctx context.Context, jobID string) (int, error)
	CreateBatch(ctx context.Context, batch *domain.ForwardBatch) error
	GetBatch(ctx context.Context, jobID string, seqNo int) (*domain.ForwardBatch, error)
	// ClaimBatchNotification increments the notify count from zero. Only one
	// caller ever gets true for a batch.
	ClaimBatchNotification(ctx context.Context, jobID string, seqNo int) (bool, error)

	// Sweep deletes jobs idle since before olderThan that reference no
	// pending message or unsynced leave record.
	Sweep(ctx context.Context, olderThan time.Time) (int, error)
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
		return err
	}
	return apperror.Storage(fmt.Errorf("%s: %w", op, err))
}
