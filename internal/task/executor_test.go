package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/iago/leave-bot/internal/apperror"
	"github.com/iago/leave-bot/internal/cache"
	"github.com/iago/leave-bot/internal/domain"
	"github.com/iago/leave-bot/internal/extract"
	"github.com/iago/leave-bot/internal/notify"
	"github.com/iago/leave-bot/internal/reconciler"
	"github.com/iago/leave-bot/internal/repository"
	"github.com/iago/leave-bot/internal/sheets"
	"github.com/iago/leave-bot/internal/transport"
	"github.com/iago/leave-bot/internal/worker"
	"github.com/iago/leave-bot/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var referenceNow = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type sentMessage struct {
	to      string
	content transport.Content
}

type fakeSender struct {
	mu   sync.Mutex
	down bool
	next int
	sent []sentMessage
}

func (f *fakeSender) Send(_ context.Context, to string, content transport.Content) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return "", apperror.ExternalService("transport_error", "", errors.New("provider unavailable"))
	}
	f.next++
	f.sent = append(f.sent, sentMessage{to: to, content: content})
	return fmt.Sprintf("wamid-%d", f.next), nil
}

func (f *fakeSender) to(number string) []transport.Content {
	f.mu.Lock()
	defer f.mu.Unlock()
	var contents []transport.Content
	for _, message := range f.sent {
		if message.to == number {
			contents = append(contents, message.content)
		}
	}
	return contents
}

type fakeSyncer struct {
	mu       sync.Mutex
	existing []time.Time
	uploaded []sheets.Row
	deleted  []sheets.Row
}

func (f *fakeSyncer) Upload(_ context.Context, rows []sheets.Row) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploaded = append(f.uploaded, rows...)
	return nil
}

func (f *fakeSyncer) Delete(_ context.Context, rows []sheets.Row) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, rows...)
	return nil
}

func (f *fakeSyncer) FindExistingDates(context.Context, string) ([]time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.existing...), nil
}

func (f *fakeSyncer) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploaded), len(f.deleted)
}

type fixture struct {
	store    *repository.MemoryStore
	cache    *cache.MemoryCache
	sender   *fakeSender
	syncer   *fakeSyncer
	executor *Executor
	owner    domain.User
	boss     domain.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := repository.NewMemoryStore()
	memCache := cache.NewMemoryCache(cache.MemoryConfig{})
	sender := &fakeSender{}
	syncer := &fakeSyncer{}
	pool := worker.NewPool(worker.PoolConfig{Workers: 2}, nil)
	t.Cleanup(pool.Close)

	dispatcher := notify.NewDispatcher(store, sender, pool, notify.Config{CheckDelay: time.Hour}, nil)
	rec := reconciler.New(store, memCache, dispatcher, reconciler.Config{}, nil)
	dispatcher.SetTracker(rec)

	owner := domain.User{ID: "u1", Name: "Alice", Number: "100", Department: "ops", IsActive: true, ReportingOfficerID: "boss"}
	boss := domain.User{ID: "boss", Name: "Bob", Number: "200", Department: "ops", IsActive: true}
	require.NoError(t, store.UpsertUser(ctx, &boss))
	require.NoError(t, store.UpsertUser(ctx, &owner))

	executor := NewExecutor(&Env{
		Store:     store,
		Cache:     memCache,
		Notifier:  dispatcher,
		Syncer:    syncer,
		Extractor: extract.NewRegex(extract.RegexConfig{}),
		Pool:      pool,
		Completer: rec,
		Now:       func() time.Time { return referenceNow },
	})
	return &fixture{
		store:    store,
		cache:    memCache,
		sender:   sender,
		syncer:   syncer,
		executor: executor,
		owner:    owner,
		boss:     boss,
	}
}

func (f *fixture) newJob(t *testing.T, id string) *domain.Job {
	t.Helper()
	job := &domain.Job{ID: id, Type: domain.JobTypeLeave, UserID: f.owner.ID, Status: domain.JobStatusActive}
	require.NoError(t, f.store.CreateJob(context.Background(), job))
	return job
}

func (f *fixture) run(t *testing.T, job *domain.Job, taskType domain.TaskType, actor domain.User, body string) (*domain.Task, error) {
	t.Helper()
	return f.executor.Run(context.Background(), Request{
		Job:      job,
		TaskType: taskType,
		Owner:    f.owner,
		Actor:    actor,
		Message:  domain.InboundMessage{From: actor.Number, Body: body},
		Input: workflow.Input{
			Selection: workflow.ParseSelection(body),
			FromOwner: actor.ID == f.owner.ID,
		},
	})
}

func (f *fixture) cached(t *testing.T, jobID string) LeavePayload {
	t.Helper()
	var payload LeavePayload
	require.NoError(t, cache.GetJSON(context.Background(), f.cache, cache.TaskKey(jobID), &payload))
	return payload
}

func (f *fixture) approvedOn(t *testing.T, jobID string, dates ...time.Time) {
	t.Helper()
	f.newJob(t, jobID)
	records := make([]domain.LeaveRecord, 0, len(dates))
	for i, date := range dates {
		records = append(records, domain.LeaveRecord{
			ID:         fmt.Sprintf("%s-r%d", jobID, i),
			JobID:      jobID,
			UserID:     f.owner.ID,
			Date:       date,
			LeaveType:  domain.LeaveTypeAnnual,
			Status:     domain.LeaveStatusApproved,
			SyncStatus: domain.SyncStatusCompleted,
		})
	}
	require.NoError(t, f.store.InsertLeaveRecords(context.Background(), records))
}

func day(d int) time.Time {
	return time.Date(2024, 5, d, 0, 0, 0, 0, time.UTC)
}

func TestExtractDatesSplitsDuplicateDates(t *testing.T) {
	f := newFixture(t)
	f.approvedOn(t, "job-old", day(10))
	job := f.newJob(t, "job-1")

	task, err := f.run(t, job, domain.TaskTypeExtractDates, f.owner, "on leave from 9/5 to 11/5")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, task.Status)

	payload := f.cached(t, job.ID)
	assert.Equal(t, []string{"2024-05-09", "2024-05-11"}, payload.Dates)
	assert.Equal(t, []string{"2024-05-10"}, payload.Duplicates)
	assert.Equal(t, 3, payload.Duration)
}

func TestExtractDatesUsesSheetDuplicates(t *testing.T) {
	f := newFixture(t)
	f.syncer.existing = []time.Time{day(12)}
	job := f.newJob(t, "job-1")

	_, err := f.run(t, job, domain.TaskTypeExtractDates, f.owner, "mc from 10/5 to 12/5")
	require.NoError(t, err)

	payload := f.cached(t, job.ID)
	assert.Equal(t, []string{"2024-05-10", "2024-05-11"}, payload.Dates)
	assert.Equal(t, []string{"2024-05-12"}, payload.Duplicates)
	assert.Equal(t, domain.LeaveTypeMedical, payload.LeaveType)
}

func TestExtractDatesAllDuplicateKeepsPartialPayload(t *testing.T) {
	f := newFixture(t)
	f.approvedOn(t, "job-old", day(9), day(10), day(11))
	job := f.newJob(t, "job-1")

	task, err := f.run(t, job, domain.TaskTypeExtractDates, f.owner, "annual leave 9/5 to 11/5")

	var reply *apperror.ReplyError
	require.ErrorAs(t, err, &reply)
	assert.Equal(t, "duplicate_dates", reply.Code)
	assert.Equal(t, apperror.KindValidationConflict, reply.Kind)
	assert.Equal(t, domain.TaskStatusFailed, task.Status)

	payload := f.cached(t, job.ID)
	assert.Empty(t, payload.Dates)
	assert.Len(t, payload.Duplicates, 3)
	assert.Equal(t, domain.LeaveTypeAnnual, payload.LeaveType)

	stored, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusActive, stored.Status)
	require.NotEmpty(t, f.sender.to(f.owner.Number))
}

func TestExtractDatesRejectsPastStart(t *testing.T) {
	f := newFixture(t)
	job := f.newJob(t, "job-1")

	_, err := f.run(t, job, domain.TaskTypeExtractDates, f.owner, "leave on 20/4")

	var reply *apperror.ReplyError
	require.ErrorAs(t, err, &reply)
	assert.Equal(t, "start_in_past", reply.Code)
}

func TestExtractDatesMergesEndDateWithCachedStart(t *testing.T) {
	f := newFixture(t)
	f.approvedOn(t, "job-old", day(9), day(10), day(11))
	job := f.newJob(t, "job-1")

	_, err := f.run(t, job, domain.TaskTypeExtractDates, f.owner, "annual leave 9/5 to 11/5")
	var reply *apperror.ReplyError
	require.ErrorAs(t, err, &reply)
	require.Equal(t, "duplicate_dates", reply.Code)

	task, err := f.run(t, job, domain.TaskTypeExtractDates, f.owner, "ok then until 13/5")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, task.Status)

	payload := f.cached(t, job.ID)
	assert.Equal(t, []string{"2024-05-12", "2024-05-13"}, payload.Dates)
	assert.Equal(t, []string{"2024-05-09", "2024-05-10", "2024-05-11"}, payload.Duplicates)
	assert.Equal(t, 5, payload.Duration)
	assert.Equal(t, domain.LeaveTypeAnnual, payload.LeaveType)
}

func TestExtractDatesKeepsCachedLengthForNewStart(t *testing.T) {
	f := newFixture(t)
	job := f.newJob(t, "job-1")

	_, err := f.run(t, job, domain.TaskTypeExtractDates, f.owner, "leave 20/4 to 22/4")
	var reply *apperror.ReplyError
	require.ErrorAs(t, err, &reply)
	require.Equal(t, "start_in_past", reply.Code)

	_, err = f.run(t, job, domain.TaskTypeExtractDates, f.owner, "sorry, 20/5")
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-05-20", "2024-05-21", "2024-05-22"}, f.cached(t, job.ID).Dates)

	_, err = f.run(t, job, domain.TaskTypeExtractDates, f.owner, "make it 2 days")
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-05-20", "2024-05-21"}, f.cached(t, job.ID).Dates)
}

func TestExtractDatesUnreadableTextIsUserInput(t *testing.T) {
	f := newFixture(t)
	job := f.newJob(t, "job-1")

	_, err := f.run(t, job, domain.TaskTypeExtractDates, f.owner, "I need some leave please")

	var reply *apperror.ReplyError
	require.ErrorAs(t, err, &reply)
	assert.Equal(t, apperror.KindUserInput, reply.Kind)
	assert.ErrorIs(t, err, extract.ErrNoDates)

	_, err = f.cache.Get(context.Background(), cache.TaskKey(job.ID))
	assert.ErrorIs(t, err, cache.ErrMiss)
}

func TestRequiredRestoreMissExpiresJob(t *testing.T) {
	f := newFixture(t)
	job := f.newJob(t, "job-1")

	task, err := f.run(t, job, domain.TaskTypeRequestConfirmation, f.owner, "")

	var reply *apperror.ReplyError
	require.ErrorAs(t, err, &reply)
	assert.Equal(t, "request_expired", reply.Code)
	assert.ErrorIs(t, err, apperror.ErrRequestExpired)
	assert.Equal(t, domain.TaskStatusFailed, task.Status)

	stored, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusExpired, stored.Status)

	replies := f.sender.to(f.owner.Number)
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Body, "expired")
}

func TestTransportFailureFailsJob(t *testing.T) {
	f := newFixture(t)
	job := f.newJob(t, "job-1")
	_, err := f.run(t, job, domain.TaskTypeExtractDates, f.owner, "leave 10/5 to 12/5")
	require.NoError(t, err)

	f.sender.down = true
	_, err = f.run(t, job, domain.TaskTypeRequestConfirmation, f.owner, "")

	assert.Equal(t, apperror.KindExternalService, apperror.KindOf(err))
	stored, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
}

func TestConfirmRecordsLeaveAndForwards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.newJob(t, "job-1")

	_, err := f.run(t, job, domain.TaskTypeExtractDates, f.owner, "on leave from 10/5 to 12/5")
	require.NoError(t, err)
	_, err = f.run(t, job, domain.TaskTypeRequestConfirmation, f.owner, "")
	require.NoError(t, err)
	task, err := f.run(t, job, domain.TaskTypeConfirm, f.owner, "2")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, task.Status)

	records, err := f.store.ListLeaveRecords(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, record := range records {
		assert.Equal(t, domain.LeaveStatusPending, record.Status)
		assert.Equal(t, domain.LeaveTypeMedical, record.LeaveType)
	}

	stored, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LeaveTypeMedical, stored.LeaveType)
	assert.Equal(t, domain.JobStatusActive, stored.Status)

	_, err = f.cache.Get(ctx, cache.TaskKey(job.ID))
	assert.ErrorIs(t, err, cache.ErrMiss)

	require.Eventually(t, func() bool {
		return len(f.sender.to(f.boss.Number)) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, notify.TemplateRequestForward, f.sender.to(f.boss.Number)[0].TemplateID)

	require.Eventually(t, func() bool {
		records, err := f.store.ListLeaveRecords(ctx, job.ID)
		if err != nil {
			return false
		}
		for _, record := range records {
			if record.SyncStatus != domain.SyncStatusCompleted {
				return false
			}
		}
		return true
	}, time.Second, 10*time.Millisecond)
	uploaded, _ := f.syncer.counts()
	assert.Equal(t, 3, uploaded)
}

func TestConfirmRechecksDuplicatesAtCommit(t *testing.T) {
	f := newFixture(t)
	job := f.newJob(t, "job-1")
	_, err := f.run(t, job, domain.TaskTypeExtractDates, f.owner, "leave 10/5 to 11/5")
	require.NoError(t, err)

	f.approvedOn(t, "job-other", day(10), day(11))
	_, err = f.run(t, job, domain.TaskTypeConfirm, f.owner, "annual")

	var reply *apperror.ReplyError
	require.ErrorAs(t, err, &reply)
	assert.Equal(t, "duplicate_dates", reply.Code)

	records, err := f.store.ListLeaveRecords(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func confirmedJob(t *testing.T, f *fixture) *domain.Job {
	t.Helper()
	job := f.newJob(t, "job-1")
	_, err := f.run(t, job, domain.TaskTypeExtractDates, f.owner, "leave 10/5 to 11/5")
	require.NoError(t, err)
	_, err = f.run(t, job, domain.TaskTypeConfirm, f.owner, "annual")
	require.NoError(t, err)
	return job
}

func TestApproveThenRejectIsAlreadyDecided(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := confirmedJob(t, f)

	_, err := f.run(t, job, domain.TaskTypeApprove, f.boss, "approve")
	require.NoError(t, err)

	records, err := f.store.ListLeaveRecords(ctx, job.ID)
	require.NoError(t, err)
	for _, record := range records {
		assert.Equal(t, domain.LeaveStatusApproved, record.Status)
	}
	notices := f.sender.to(f.owner.Number)
	assert.Contains(t, notices[len(notices)-1].Body, "approved by Bob")

	_, err = f.run(t, job, domain.TaskTypeReject, f.boss, "reject")
	var reply *apperror.ReplyError
	require.ErrorAs(t, err, &reply)
	assert.Equal(t, "already_decided", reply.Code)
}

func TestCancelMarksRecordsAndDeletesRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := confirmedJob(t, f)

	_, err := f.run(t, job, domain.TaskTypeCancel, f.owner, "cancel")
	require.NoError(t, err)

	records, err := f.store.ListLeaveRecords(ctx, job.ID)
	require.NoError(t, err)
	for _, record := range records {
		assert.Equal(t, domain.LeaveStatusCancelled, record.Status)
	}
	require.Eventually(t, func() bool {
		_, deleted := f.syncer.counts()
		return deleted == 2
	}, time.Second, 10*time.Millisecond)

	_, err = f.run(t, job, domain.TaskTypeCancel, f.owner, "cancel")
	assert.ErrorIs(t, err, apperror.ErrAlreadyCancelled)
}

func TestUnregisteredTaskIsUnknownIntent(t *testing.T) {
	f := newFixture(t)
	job := &domain.Job{ID: "job-x", Type: domain.JobTypeSearch, UserID: f.owner.ID, Status: domain.JobStatusActive}
	require.NoError(t, f.store.CreateJob(context.Background(), job))

	_, err := f.run(t, job, domain.TaskTypeExtractDates, f.owner, "find something")
	assert.ErrorIs(t, err, apperror.ErrUnknownIntent)
}

func TestDetectLeaveType(t *testing.T) {
	cases := map[string]domain.LeaveType{
		"MC tomorrow":                 domain.LeaveTypeMedical,
		"annual leave from 10/5":      domain.LeaveTypeAnnual,
		"need a day off on 3/6":       domain.LeaveTypeOff,
		"childcare leave next friday": domain.LeaveTypeChildcare,
		"on leave from 10/5 to 12/5":  "",
	}
	for text, want := range cases {
		assert.Equal(t, want, detectLeaveType(text), text)
	}
}
