package reconciler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/iago/leave-bot/internal/cache"
	"github.com/iago/leave-bot/internal/domain"
	"github.com/iago/leave-bot/internal/notify"
	"github.com/iago/leave-bot/internal/repository"
	"github.com/iago/leave-bot/internal/transport"
	"github.com/iago/leave-bot/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu        sync.Mutex
	next      int
	templates []string
}

func (s *recordingSender) Send(_ context.Context, _ string, content transport.Content) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.templates = append(s.templates, content.TemplateID)
	return fmt.Sprintf("wamid-%d", s.next), nil
}

func (s *recordingSender) count(template string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.templates {
		if t == template {
			n++
		}
	}
	return n
}

type fixture struct {
	store      *repository.MemoryStore
	sender     *recordingSender
	dispatcher *notify.Dispatcher
	reconciler *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := repository.NewMemoryStore()
	sender := &recordingSender{}
	pool := worker.NewPool(worker.PoolConfig{Workers: 2}, nil)
	t.Cleanup(pool.Close)

	dispatcher := notify.NewDispatcher(store, sender, pool, notify.Config{CheckDelay: time.Hour}, nil)
	rec := New(store, cache.NewMemoryCache(cache.MemoryConfig{}), dispatcher, Config{}, nil)
	dispatcher.SetTracker(rec)

	require.NoError(t, store.UpsertUser(ctx, &domain.User{ID: "owner", Name: "Owner", Number: "100", IsActive: true}))
	require.NoError(t, store.CreateJob(ctx, &domain.Job{ID: "job-1", Type: domain.JobTypeLeave, UserID: "owner", Status: domain.JobStatusActive}))
	require.NoError(t, store.CreateTask(ctx, &domain.Task{ID: "t1", JobID: "job-1", Type: domain.TaskTypeConfirm, Status: domain.TaskStatusCompleted}))
	return &fixture{store: store, sender: sender, dispatcher: dispatcher, reconciler: rec}
}

// fanOut sends a three-recipient batch and returns provider ids in recipient order.
func (f *fixture) fanOut(t *testing.T) (int, []string) {
	t.Helper()
	ctx := context.Background()
	recipients := []domain.User{
		{ID: "a1", Name: "Approver 1", Number: "201", IsActive: true},
		{ID: "a2", Name: "Approver 2", Number: "202", IsActive: true},
		{ID: "a3", Name: "Approver 3", Number: "203", IsActive: true},
	}
	for i := range recipients {
		require.NoError(t, f.store.UpsertUser(ctx, &recipients[i]))
	}

	seqNo, err := f.dispatcher.FanOut(ctx, "job-1", recipients, func(user domain.User) transport.Content {
		return notify.Forward(notify.TemplateRequestForward, domain.User{Name: "Owner"}, nil, domain.LeaveTypeAnnual)
	})
	require.NoError(t, err)

	ids := make([]string, len(recipients))
	require.Eventually(t, func() bool {
		messages, err := f.store.ListBatchMessages(ctx, "job-1", seqNo)
		if err != nil || len(messages) != len(recipients) {
			return false
		}
		for _, message := range messages {
			if message.ProviderID == "" {
				return false
			}
			for i, recipient := range recipients {
				if recipient.ID == message.UserID {
					ids[i] = message.ProviderID
				}
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return seqNo, ids
}

func (f *fixture) jobStatus(t *testing.T) domain.JobStatus {
	t.Helper()
	job, err := f.store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	return job.Status
}

func TestFanOutAggregatesOnceRegardlessOfOrder(t *testing.T) {
	orders := map[string][]int{
		"2,1,3": {1, 0, 2},
		"3,2,1": {2, 1, 0},
	}
	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			seqNo, ids := f.fanOut(t)

			for i, index := range order {
				require.NoError(t, f.reconciler.OnStatus(ctx, ids[index], StatusDelivered))
				if i < len(order)-1 {
					assert.Zero(t, f.sender.count(notify.TemplateBatchSummary))
					assert.Equal(t, domain.JobStatusActive, f.jobStatus(t))
				}
			}

			assert.Equal(t, 1, f.sender.count(notify.TemplateBatchSummary))
			batch, err := f.store.GetBatch(ctx, "job-1", seqNo)
			require.NoError(t, err)
			assert.Equal(t, 1, batch.NotifyCount)
			assert.Equal(t, domain.JobStatusCompleted, f.jobStatus(t))
		})
	}
}

func TestDuplicateDeliveredCallbackIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, ids := f.fanOut(t)

	for _, id := range ids {
		require.NoError(t, f.reconciler.OnStatus(ctx, id, StatusDelivered))
	}
	require.NoError(t, f.reconciler.OnStatus(ctx, ids[0], StatusDelivered))
	require.NoError(t, f.reconciler.OnStatus(ctx, ids[1], StatusFailed))

	assert.Equal(t, 1, f.sender.count(notify.TemplateBatchSummary))
	message, err := f.store.GetMessageByProviderID(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryCompleted, message.Status)
}

func TestFailedCallbackCountsTowardsBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, ids := f.fanOut(t)

	require.NoError(t, f.reconciler.OnStatus(ctx, ids[0], StatusFailed))
	require.NoError(t, f.reconciler.OnStatus(ctx, ids[1], StatusSent))
	assert.Zero(t, f.sender.count(notify.TemplateBatchSummary))
	require.NoError(t, f.reconciler.OnStatus(ctx, ids[1], StatusDelivered))
	require.NoError(t, f.reconciler.OnStatus(ctx, ids[2], StatusRead))

	assert.Equal(t, 1, f.sender.count(notify.TemplateBatchSummary))
	assert.Equal(t, domain.JobStatusCompleted, f.jobStatus(t))
}

func TestFailedPrimaryReplyFailsJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	message, err := f.dispatcher.Deliver(ctx, "job-1", domain.User{ID: "owner", Number: "100"}, domain.MessageKindPrimary, transport.Text("hi"))
	require.NoError(t, err)

	require.NoError(t, f.reconciler.OnStatus(ctx, message.ProviderID, StatusFailed))
	assert.Equal(t, domain.JobStatusFailed, f.jobStatus(t))

	require.NoError(t, f.reconciler.OnStatus(ctx, message.ProviderID, StatusDelivered))
	assert.Equal(t, domain.JobStatusFailed, f.jobStatus(t))
}

func TestEarlyCallbackIsParkedAndApplied(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.reconciler.OnStatus(ctx, "wamid-1", StatusFailed))
	message, err := f.dispatcher.Deliver(ctx, "job-1", domain.User{ID: "owner", Number: "100"}, domain.MessageKindPrimary, transport.Text("hi"))
	require.NoError(t, err)
	require.Equal(t, "wamid-1", message.ProviderID)

	stored, err := f.store.GetMessageByProviderID(ctx, "wamid-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryFailed, stored.Status)
	assert.Equal(t, domain.JobStatusFailed, f.jobStatus(t))
}

func TestMissingBatchTrackerDropsEvent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reconciler.SettleBatch(context.Background(), "job-1", 42))
	assert.Zero(t, f.sender.count(notify.TemplateBatchSummary))
}

func TestCheckBatchSettlesResolvedBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seqNo, ids := f.fanOut(t)

	for _, id := range ids[:2] {
		require.NoError(t, f.reconciler.OnStatus(ctx, id, StatusDelivered))
	}
	f.reconciler.CheckBatch(ctx, "job-1", seqNo)
	assert.Zero(t, f.sender.count(notify.TemplateBatchSummary))

	messages, err := f.store.ListBatchMessages(ctx, "job-1", seqNo)
	require.NoError(t, err)
	for _, message := range messages {
		if message.ProviderID == ids[2] {
			_, err := f.store.FailUnsent(ctx, message.ID)
			require.NoError(t, err)
		}
	}
	f.reconciler.CheckBatch(ctx, "job-1", seqNo)
	assert.Equal(t, 1, f.sender.count(notify.TemplateBatchSummary))
}

func TestUnknownStatusIsRejected(t *testing.T) {
	f := newFixture(t)
	err := f.reconciler.OnStatus(context.Background(), "wamid-1", "bounced")
	assert.ErrorIs(t, err, ErrUnknownStatus)
}

func TestFailedReplyAfterCompletionKeepsJobCompleted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	moved, err := f.store.TransitionJob(ctx, "job-1", []domain.JobStatus{domain.JobStatusActive}, domain.JobStatusCompleted, "")
	require.NoError(t, err)
	require.True(t, moved)

	message, err := f.dispatcher.Deliver(ctx, "job-1", domain.User{ID: "owner", Number: "100"}, domain.MessageKindPrimary, transport.Text("already confirmed"))
	require.NoError(t, err)

	require.NoError(t, f.reconciler.OnStatus(ctx, message.ProviderID, StatusFailed))
	assert.Equal(t, domain.JobStatusCompleted, f.jobStatus(t))

	stored, err := f.store.GetMessageByProviderID(ctx, message.ProviderID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryFailed, stored.Status)
}
