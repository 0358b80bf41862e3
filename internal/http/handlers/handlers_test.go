package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/iago/leave-bot/internal/cache"
	"github.com/iago/leave-bot/internal/domain"
	"github.com/iago/leave-bot/internal/reconciler"
	"github.com/iago/leave-bot/internal/repository"
	"github.com/iago/leave-bot/internal/scheduler"
	"github.com/iago/leave-bot/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInbound struct {
	mu       sync.Mutex
	messages []domain.InboundMessage
	err      error
}

func (f *fakeInbound) HandleInbound(_ context.Context, message domain.InboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, message)
	return nil
}

type fakeStatuses struct {
	calls [][2]string
	err   error
}

func (f *fakeStatuses) OnStatus(_ context.Context, providerID, status string) error {
	f.calls = append(f.calls, [2]string{providerID, status})
	return f.err
}

type fakeJobs struct {
	views map[string]*service.JobView
}

func (f *fakeJobs) GetJob(_ context.Context, jobID string) (*service.JobView, error) {
	view, ok := f.views[jobID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return view, nil
}

type apiFixture struct {
	api      *API
	inbound  *fakeInbound
	statuses *fakeStatuses
	jobs     *fakeJobs
	router   http.Handler
}

func newAPIFixture() *apiFixture {
	f := &apiFixture{
		inbound:  &fakeInbound{},
		statuses: &fakeStatuses{},
		jobs:     &fakeJobs{views: map[string]*service.JobView{}},
	}
	f.api = NewAPI(f.inbound, f.statuses, f.jobs, cache.NewMemoryCache(cache.MemoryConfig{}), Options{}, nil)

	r := chi.NewRouter()
	r.Post("/webhooks/whatsapp/messages", f.api.InboundMessage)
	r.Post("/webhooks/whatsapp/status", f.api.DeliveryStatus)
	r.Get("/v1/jobs/{id}", f.api.JobStatus)
	r.Get("/healthz", f.api.Health)
	f.router = r
	return f
}

func (f *apiFixture) do(method, path, body string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, path, strings.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	f.router.ServeHTTP(recorder, request)
	return recorder
}

func decodeError(t *testing.T, recorder *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var payload errorPayload
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &payload))
	return payload
}

func TestInboundMessageAcceptedOnce(t *testing.T) {
	f := newAPIFixture()
	body := `{"from":"100","body":"leave tomorrow","message_id":"wamid-1","timestamp":1714554000}`

	first := f.do(http.MethodPost, "/webhooks/whatsapp/messages", body)
	second := f.do(http.MethodPost, "/webhooks/whatsapp/messages", body)

	assert.Equal(t, http.StatusAccepted, first.Code)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.JSONEq(t, `{"status":"duplicate"}`, second.Body.String())
	require.Len(t, f.inbound.messages, 1)
	message := f.inbound.messages[0]
	assert.Equal(t, "100", message.From)
	assert.Equal(t, "wamid-1", message.ProviderMessageID)
	assert.Equal(t, time.Unix(1714554000, 0).UTC(), message.ReceivedAt)
}

func TestInboundMessageValidation(t *testing.T) {
	f := newAPIFixture()

	cases := []struct {
		name    string
		body    string
		message string
	}{
		{name: "malformed json", body: `{"from":`, message: "request body is not valid json"},
		{name: "unknown field", body: `{"from":"1","body":"x","message_id":"m","extra":true}`, message: "request body is not valid json"},
		{name: "missing message id", body: `{"from":"1","body":"x"}`, message: "Message Id is required"},
		{name: "missing body", body: `{"from":"1","message_id":"m"}`, message: "Body is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			recorder := f.do(http.MethodPost, "/webhooks/whatsapp/messages", tc.body)

			assert.Equal(t, http.StatusBadRequest, recorder.Code)
			payload := decodeError(t, recorder)
			assert.Equal(t, "invalid_request", payload.Error.Code)
			assert.Equal(t, tc.message, payload.Error.Message)
		})
	}
	assert.Empty(t, f.inbound.messages)
}

func TestInboundMessageBackpressureAllowsRetry(t *testing.T) {
	f := newAPIFixture()
	body := `{"from":"100","body":"leave tomorrow","message_id":"wamid-2"}`

	f.inbound.err = errors.Join(errors.New("enqueue user:u1"), scheduler.ErrBackpressure)
	busy := f.do(http.MethodPost, "/webhooks/whatsapp/messages", body)
	assert.Equal(t, http.StatusServiceUnavailable, busy.Code)
	assert.Equal(t, "busy", decodeError(t, busy).Error.Code)

	f.inbound.err = nil
	retried := f.do(http.MethodPost, "/webhooks/whatsapp/messages", body)
	assert.Equal(t, http.StatusAccepted, retried.Code)
	assert.Len(t, f.inbound.messages, 1)
}

func TestDeliveryStatus(t *testing.T) {
	f := newAPIFixture()

	ok := f.do(http.MethodPost, "/webhooks/whatsapp/status", `{"message_id":"wamid-9","status":"delivered"}`)
	assert.Equal(t, http.StatusOK, ok.Code)
	assert.Equal(t, [][2]string{{"wamid-9", "delivered"}}, f.statuses.calls)

	invalid := f.do(http.MethodPost, "/webhooks/whatsapp/status", `{"message_id":"wamid-9","status":"bounced"}`)
	assert.Equal(t, http.StatusBadRequest, invalid.Code)
	assert.Equal(t, "Status must be one of: sent delivered read failed", decodeError(t, invalid).Error.Message)

	f.statuses.err = errors.New("db down")
	failed := f.do(http.MethodPost, "/webhooks/whatsapp/status", `{"message_id":"wamid-9","status":"read"}`)
	assert.Equal(t, http.StatusInternalServerError, failed.Code)

	f.statuses.err = reconciler.ErrUnknownStatus
	unknown := f.do(http.MethodPost, "/webhooks/whatsapp/status", `{"message_id":"wamid-9","status":"sent"}`)
	assert.Equal(t, http.StatusBadRequest, unknown.Code)
}

func TestJobStatus(t *testing.T) {
	f := newAPIFixture()
	created := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	f.jobs.views["job-1"] = &service.JobView{
		Job: domain.Job{
			ID:        "job-1",
			Type:      domain.JobTypeLeave,
			UserID:    "u1",
			Status:    domain.JobStatusCompleted,
			LeaveType: domain.LeaveTypeAnnual,
			CreatedAt: created,
			UpdatedAt: created,
		},
		Tasks: []domain.Task{{
			ID:      "t1",
			Type:    domain.TaskTypeExtractDates,
			Status:  domain.TaskStatusCompleted,
			Payload: json.RawMessage(`{"dates_to_update":["2024-05-09"],"duration":1}`),
		}},
		Records: []domain.LeaveRecord{{
			Date:       time.Date(2024, 5, 9, 0, 0, 0, 0, time.UTC),
			LeaveType:  domain.LeaveTypeAnnual,
			Status:     domain.LeaveStatusPending,
			SyncStatus: domain.SyncStatusCompleted,
		}},
	}

	recorder := f.do(http.MethodGet, "/v1/jobs/job-1", "")
	require.Equal(t, http.StatusOK, recorder.Code)

	var response jobResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, "job-1", response.JobID)
	assert.Equal(t, domain.JobStatusCompleted, response.Status)
	require.Len(t, response.Tasks, 1)
	assert.Equal(t, map[string]any{"dates_to_update": []any{"2024-05-09"}, "duration": float64(1)}, response.Tasks[0].Payload)
	require.Len(t, response.Records, 1)
	assert.Equal(t, "2024-05-09", response.Records[0].Date)
	assert.Empty(t, response.Messages)

	missing := f.do(http.MethodGet, "/v1/jobs/nope", "")
	assert.Equal(t, http.StatusNotFound, missing.Code)
	assert.Equal(t, "not_found", decodeError(t, missing).Error.Code)
}

func TestHealth(t *testing.T) {
	f := newAPIFixture()
	recorder := f.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.JSONEq(t, `{"status":"ok"}`, recorder.Body.String())
}
