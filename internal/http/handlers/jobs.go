package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/iago/leave-bot/internal/domain"
	"github.com/iago/leave-bot/internal/repository"
	"github.com/iago/leave-bot/internal/service"
	"go.uber.org/zap"
)

type taskResponse struct {
	ID        string            `json:"id"`
	Type      domain.TaskType   `json:"type"`
	Status    domain.TaskStatus `json:"status"`
	Payload   any               `json:"payload,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

type recordResponse struct {
	Date       string             `json:"date"`
	LeaveType  domain.LeaveType   `json:"leave_type"`
	Status     domain.LeaveStatus `json:"status"`
	SyncStatus domain.SyncStatus  `json:"sync_status"`
}

type messageResponse struct {
	ID         string                `json:"id"`
	Kind       domain.MessageKind    `json:"kind"`
	UserID     string                `json:"user_id"`
	SeqNo      int                   `json:"seq_no,omitempty"`
	Status     domain.DeliveryStatus `json:"status"`
	ProviderID string                `json:"provider_id,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
}

type jobResponse struct {
	JobID     string            `json:"job_id"`
	Type      domain.JobType    `json:"type"`
	UserID    string            `json:"user_id"`
	Status    domain.JobStatus  `json:"status"`
	LeaveType domain.LeaveType  `json:"leave_type,omitempty"`
	Error     string            `json:"error,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Tasks     []taskResponse    `json:"tasks"`
	Records   []recordResponse  `json:"leave_records"`
	Messages  []messageResponse `json:"messages"`
}

// JobStatus serves GET /v1/jobs/{id}.
func (api *API) JobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(chi.URLParam(r, "id"))
	if jobID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "job id is required")
		return
	}

	view, err := api.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "job not found")
			return
		}
		api.logger.Error("load job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to load job")
		return
	}

	writeJSON(w, http.StatusOK, newJobResponse(view))
}

func newJobResponse(view *service.JobView) jobResponse {
	job := view.Job
	response := jobResponse{
		JobID:     job.ID,
		Type:      job.Type,
		UserID:    job.UserID,
		Status:    job.Status,
		LeaveType: job.LeaveType,
		Error:     job.Error,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
		Tasks:     make([]taskResponse, 0, len(view.Tasks)),
		Records:   make([]recordResponse, 0, len(view.Records)),
		Messages:  make([]messageResponse, 0, len(view.Messages)),
	}
	for _, task := range view.Tasks {
		item := taskResponse{
			ID:        task.ID,
			Type:      task.Type,
			Status:    task.Status,
			CreatedAt: task.CreatedAt,
		}
		if len(task.Payload) > 0 {
			item.Payload = jsonRawOrFallback(task.Payload)
		}
		response.Tasks = append(response.Tasks, item)
	}
	for _, record := range view.Records {
		response.Records = append(response.Records, recordResponse{
			Date:       domain.DateKey(record.Date),
			LeaveType:  record.LeaveType,
			Status:     record.Status,
			SyncStatus: record.SyncStatus,
		})
	}
	for _, message := range view.Messages {
		response.Messages = append(response.Messages, messageResponse{
			ID:         message.ID,
			Kind:       message.Kind,
			UserID:     message.UserID,
			SeqNo:      message.SeqNo,
			Status:     message.Status,
			ProviderID: message.ProviderID,
			CreatedAt:  message.CreatedAt,
		})
	}
	return response
}

func jsonRawOrFallback(value []byte) any {
	var decoded any
	if err := json.Unmarshal(value, &decoded); err == nil {
		return decoded
	}
	return string(value)
}
