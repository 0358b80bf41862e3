package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/iago/leave-bot/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedJob(t *testing.T, store Store, id, userID string, updatedAt time.Time) *domain.Job {
	t.Helper()
	job := &domain.Job{
		ID:        id,
		Type:      domain.JobTypeLeave,
		UserID:    userID,
		Status:    domain.JobStatusActive,
		CreatedAt: updatedAt,
		UpdatedAt: updatedAt,
	}
	require.NoError(t, store.CreateJob(context.Background(), job))
	return job
}

func leaveRecord(id, jobID, userID string, date time.Time, status domain.LeaveStatus) domain.LeaveRecord {
	return domain.LeaveRecord{
		ID:         id,
		JobID:      jobID,
		UserID:     userID,
		Date:       date,
		LeaveType:  domain.LeaveTypeAnnual,
		Status:     status,
		SyncStatus: domain.SyncStatusCompleted,
	}
}

func TestActiveLeaveDatesIgnoresOwnJobAndInactiveRecords(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()
	seedJob(t, store, "job-1", "u1", now)
	seedJob(t, store, "job-2", "u1", now)

	d1 := time.Date(2026, 11, 2, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2026, 11, 3, 0, 0, 0, 0, time.UTC)
	d3 := time.Date(2026, 11, 4, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.InsertLeaveRecords(ctx, []domain.LeaveRecord{
		leaveRecord("r1", "job-1", "u1", d1, domain.LeaveStatusApproved),
		leaveRecord("r2", "job-1", "u1", d2, domain.LeaveStatusCancelled),
		leaveRecord("r3", "job-2", "u1", d3, domain.LeaveStatusPending),
	}))

	active, err := store.ActiveLeaveDates(ctx, "u1", []time.Time{d1, d2, d3}, "job-2")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, domain.DateKey(d1), domain.DateKey(active[0]))

	other, err := store.ActiveLeaveDates(ctx, "u2", []time.Time{d1}, "")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestInsertLeaveRecordsRejectsDuplicateDateInJob(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedJob(t, store, "job-1", "u1", time.Now().UTC())
	day := time.Date(2026, 11, 2, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.InsertLeaveRecords(ctx, []domain.LeaveRecord{
		leaveRecord("r1", "job-1", "u1", day, domain.LeaveStatusPending),
	}))
	err := store.InsertLeaveRecords(ctx, []domain.LeaveRecord{
		leaveRecord("r2", "job-1", "u1", day, domain.LeaveStatusPending),
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestResolveMessageIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedJob(t, store, "job-1", "u1", time.Now().UTC())
	require.NoError(t, store.CreateMessage(ctx, &domain.OutgoingMessage{
		ID:     "m1",
		JobID:  "job-1",
		Kind:   domain.MessageKindForward,
		SeqNo:  1,
		Status: domain.DeliveryPendingCallback,
	}))
	require.NoError(t, store.SetProviderID(ctx, "m1", "wamid-1"))

	message, changed, err := store.ResolveMessage(ctx, "wamid-1", domain.DeliveryCompleted)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, domain.DeliveryCompleted, message.Status)

	message, changed, err = store.ResolveMessage(ctx, "wamid-1", domain.DeliveryFailed)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, domain.DeliveryCompleted, message.Status)

	_, _, err = store.ResolveMessage(ctx, "unknown", domain.DeliveryCompleted)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimBatchNotificationOnlyOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedJob(t, store, "job-1", "u1", time.Now().UTC())
	seq, err := store.NextSeqNo(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, 1, seq)
	require.NoError(t, store.CreateBatch(ctx, &domain.ForwardBatch{JobID: "job-1", SeqNo: seq, Total: 3}))

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		claims int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.ClaimBatchNotification(ctx, "job-1", seq)
			if err == nil && ok {
				mu.Lock()
				claims++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, claims)
	batch, err := store.GetBatch(ctx, "job-1", seq)
	require.NoError(t, err)
	assert.Equal(t, 1, batch.NotifyCount)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx Store) error {
		seedJob(t, tx, "job-1", "u1", time.Now().UTC())
		return tx.WithTx(ctx, func(inner Store) error {
			require.NoError(t, inner.CreateBatch(ctx, &domain.ForwardBatch{JobID: "job-1", SeqNo: 1}))
			return boom
		})
	})
	require.ErrorIs(t, err, boom)

	_, err = store.GetJob(ctx, "job-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetBatch(ctx, "job-1", 1)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.WithTx(ctx, func(tx Store) error {
		seedJob(t, tx, "job-2", "u1", time.Now().UTC())
		return nil
	}))
	_, err = store.GetJob(ctx, "job-2")
	assert.NoError(t, err)
}

func TestLatestTaskSkipsFailed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedJob(t, store, "job-1", "u1", time.Now().UTC())

	require.NoError(t, store.CreateTask(ctx, &domain.Task{ID: "t1", JobID: "job-1", Type: domain.TaskTypeExtractDates, Status: domain.TaskStatusCompleted}))
	require.NoError(t, store.CreateTask(ctx, &domain.Task{ID: "t2", JobID: "job-1", Type: domain.TaskTypeConfirm, Status: domain.TaskStatusFailed}))

	task, err := store.LatestTask(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "t1", task.ID)

	_, err = store.LatestTask(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSweepKeepsReferencedJobs(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	old := time.Now().UTC().Add(-48 * time.Hour)
	seedJob(t, store, "idle", "u1", old)
	seedJob(t, store, "waiting", "u1", old)
	seedJob(t, store, "unsynced", "u1", old)
	seedJob(t, store, "fresh", "u1", time.Now().UTC())

	require.NoError(t, store.CreateMessage(ctx, &domain.OutgoingMessage{
		ID:     "m1",
		JobID:  "waiting",
		Kind:   domain.MessageKindForward,
		Status: domain.DeliveryPendingCallback,
	}))
	record := leaveRecord("r1", "unsynced", "u1", old, domain.LeaveStatusPending)
	record.SyncStatus = domain.SyncStatusPending
	require.NoError(t, store.InsertLeaveRecords(ctx, []domain.LeaveRecord{record}))

	removed, err := store.Sweep(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = store.GetJob(ctx, "idle")
	assert.ErrorIs(t, err, ErrNotFound)
	for _, id := range []string{"waiting", "unsynced", "fresh"} {
		_, err := store.GetJob(ctx, id)
		assert.NoError(t, err, id)
	}
}

func TestDeactivateUserClearsReportingOfficer(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.UpsertUser(ctx, &domain.User{ID: "boss", Number: "100", IsActive: true}))
	require.NoError(t, store.UpsertUser(ctx, &domain.User{ID: "emp", Number: "200", IsActive: true, ReportingOfficerID: "boss"}))

	require.NoError(t, store.DeactivateUser(ctx, "boss"))

	emp, err := store.GetUser(ctx, "emp")
	require.NoError(t, err)
	assert.Empty(t, emp.ReportingOfficerID)
	_, err = store.GetUserByNumber(ctx, "100")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionJobIsConditional(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedJob(t, store, "job-1", "u1", time.Now().UTC())

	ok, err := store.TransitionJob(ctx, "job-1", []domain.JobStatus{domain.JobStatusActive}, domain.JobStatusCompleted, "")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.TransitionJob(ctx, "job-1", []domain.JobStatus{domain.JobStatusActive}, domain.JobStatusFailed, "late")
	require.NoError(t, err)
	assert.False(t, ok)

	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Empty(t, job.Error)

	job.LeaveType = domain.LeaveTypeMedical
	job.Status = domain.JobStatusFailed
	require.NoError(t, store.UpdateJob(ctx, job))
	job, err = store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.LeaveTypeMedical, job.LeaveType)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
}

func TestWriteDuringFailedTxSurvivesRollback(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedJob(t, store, "job-1", "u1", time.Now().UTC())
	require.NoError(t, store.CreateMessage(ctx, &domain.OutgoingMessage{
		ID:     "m1",
		JobID:  "job-1",
		Kind:   domain.MessageKindForward,
		SeqNo:  1,
		Status: domain.DeliveryPendingCallback,
	}))
	require.NoError(t, store.SetProviderID(ctx, "m1", "wamid-1"))

	entered := make(chan struct{})
	release := make(chan struct{})
	txDone := make(chan error, 1)
	go func() {
		txDone <- store.WithTx(ctx, func(tx Store) error {
			require.NoError(t, tx.CreateBatch(ctx, &domain.ForwardBatch{JobID: "job-1", SeqNo: 2}))
			close(entered)
			<-release
			return errors.New("duplicate dates")
		})
	}()
	<-entered

	resolved := make(chan bool, 1)
	go func() {
		_, changed, err := store.ResolveMessage(ctx, "wamid-1", domain.DeliveryCompleted)
		resolved <- err == nil && changed
	}()
	select {
	case <-resolved:
		t.Fatal("write went through while a transaction was running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	require.Error(t, <-txDone)
	assert.True(t, <-resolved)

	message, err := store.GetMessageByProviderID(ctx, "wamid-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryCompleted, message.Status)
	_, err = store.GetBatch(ctx, "job-1", 2)
	assert.ErrorIs(t, err, ErrNotFound)
}
