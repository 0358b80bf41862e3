package domain

import (
	"strings"
	"time"
)

type LeaveType string

const (
	LeaveTypeAnnual        LeaveType = "annual"
	LeaveTypeMedical       LeaveType = "medical"
	LeaveTypeChildcare     LeaveType = "childcare"
	LeaveTypeCompassionate LeaveType = "compassionate"
	LeaveTypeOff           LeaveType = "off"
)

var leaveTypes = []LeaveType{
	LeaveTypeAnnual,
	LeaveTypeMedical,
	LeaveTypeChildcare,
	LeaveTypeCompassionate,
	LeaveTypeOff,
}

// LeaveTypes lists the selectable leave types in prompt order.
func LeaveTypes() []LeaveType {
	return append([]LeaveType(nil), leaveTypes...)
}

// ParseLeaveType accepts the type name or its common aliases.
func ParseLeaveType(value string) (LeaveType, bool) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "annual", "al", "annual leave", "vacation":
		return LeaveTypeAnnual, true
	case "medical", "mc", "sick", "medical leave", "sick leave":
		return LeaveTypeMedical, true
	case "childcare", "child care", "ccl":
		return LeaveTypeChildcare, true
	case "compassionate", "compassionate leave":
		return LeaveTypeCompassionate, true
	case "off", "off day", "day off":
		return LeaveTypeOff, true
	}
	return "", false
}

type LeaveStatus string

const (
	LeaveStatusPending   LeaveStatus = "PENDING"
	LeaveStatusApproved  LeaveStatus = "APPROVED"
	LeaveStatusCancelled LeaveStatus = "CANCELLED"
	LeaveStatusRejected  LeaveStatus = "REJECTED"
	LeaveStatusError     LeaveStatus = "ERROR"
)

// Active reports whether the status blocks the same date on another job.
func (s LeaveStatus) Active() bool {
	return s == LeaveStatusPending || s == LeaveStatusApproved
}

type SyncStatus string

const (
	SyncStatusPending   SyncStatus = "PENDING"
	SyncStatusCompleted SyncStatus = "COMPLETED"
	SyncStatusFailed    SyncStatus = "FAILED"
)

// LeaveRecord is one calendar date of leave under one job.
type LeaveRecord struct {
	ID         string
	JobID      string
	UserID     string
	Date       time.Time
	LeaveType  LeaveType
	Status     LeaveStatus
	SyncStatus SyncStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

const DateLayout = "2006-01-02"

// Day truncates t to midnight in its own location.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// DateKey is the canonical map key for a calendar date.
func DateKey(t time.Time) string {
	return t.Format(DateLayout)
}
