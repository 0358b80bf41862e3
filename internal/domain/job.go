package domain

import (
	"encoding/json"
	"time"
)

type JobType string

const (
	JobTypeLeave   JobType = "LEAVE"
	JobTypeDaemon  JobType = "DAEMON"
	JobTypeSearch  JobType = "SEARCH"
	JobTypeUnknown JobType = "UNKNOWN"
)

type JobStatus string

const (
	JobStatusActive    JobStatus = "ACTIVE"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusExpired   JobStatus = "EXPIRED"
)

// Terminal reports whether the job can no longer receive messages.
func (s JobStatus) Terminal() bool {
	return s == JobStatusFailed || s == JobStatusExpired
}

// Job is one user-initiated workflow, e.g. a single leave request.
type Job struct {
	ID        string
	Type      JobType
	UserID    string
	Status    JobStatus
	Error     string
	LeaveType LeaveType
	CreatedAt time.Time
	UpdatedAt time.Time
}

type TaskType string

const (
	TaskTypeNone                TaskType = ""
	TaskTypeExtractDates        TaskType = "EXTRACT_DATES"
	TaskTypeRequestConfirmation TaskType = "REQUEST_CONFIRMATION"
	TaskTypeConfirm             TaskType = "CONFIRM"
	TaskTypeCancel              TaskType = "CANCEL"
	TaskTypeApprove             TaskType = "APPROVE"
	TaskTypeReject              TaskType = "REJECT"
)

// Settles reports whether a completed task of this type ends the current request.
func (t TaskType) Settles() bool {
	switch t {
	case TaskTypeConfirm, TaskTypeCancel, TaskTypeApprove, TaskTypeReject:
		return true
	}
	return false
}

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
)

// Task is one persisted step of a job. Tasks are append-only history.
type Task struct {
	ID        string
	JobID     string
	Type      TaskType
	Status    TaskStatus
	Payload   json.RawMessage
	CacheKey  string
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}
