package sheets

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/iago/leave-bot/internal/apperror"
	"github.com/iago/leave-bot/internal/domain"
)

// Row is one leave date as written to the shared spreadsheet.
type Row struct {
	RecordID   string `json:"record_id"`
	UserID     string `json:"user_id"`
	Name       string `json:"name"`
	Department string `json:"department"`
	Date       string `json:"date"`
	LeaveType  string `json:"leave_type"`
	Status     string `json:"status"`
}

func RowFromRecord(record domain.LeaveRecord, user domain.User) Row {
	return Row{
		RecordID:   record.ID,
		UserID:     record.UserID,
		Name:       user.DisplayName(),
		Department: user.Department,
		Date:       domain.DateKey(record.Date),
		LeaveType:  string(record.LeaveType),
		Status:     string(record.Status),
	}
}

// Syncer mirrors leave records into the external spreadsheet.
type Syncer interface {
	Upload(ctx context.Context, rows []Row) error
	Delete(ctx context.Context, rows []Row) error
	FindExistingDates(ctx context.Context, userID string) ([]time.Time, error)
}

// FindDuplicateDates splits dates into those already present in the
// spreadsheet for the user and the rest. Order of dates is kept.
func FindDuplicateDates(ctx context.Context, syncer Syncer, userID string, dates []time.Time) ([]time.Time, []time.Time, error) {
	existing, err := syncer.FindExistingDates(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	taken := make(map[string]bool, len(existing))
	for _, date := range existing {
		taken[domain.DateKey(date)] = true
	}

	duplicate := make([]time.Time, 0)
	fresh := make([]time.Time, 0, len(dates))
	for _, date := range dates {
		if taken[domain.DateKey(date)] {
			duplicate = append(duplicate, date)
			continue
		}
		fresh = append(fresh, date)
	}
	return duplicate, fresh, nil
}

// Error is a failed spreadsheet call.
type Error struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("sheets status=%d message=%s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("sheets transport: %v", e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func isRetryable(err error) bool {
	var syncErr *Error
	if errors.As(err, &syncErr) {
		if syncErr.StatusCode == 0 {
			return !errors.Is(syncErr.Err, context.Canceled)
		}
		return syncErr.StatusCode == http.StatusTooManyRequests || syncErr.StatusCode >= 500
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

func external(err error) error {
	return apperror.ExternalService(
		"sync_error",
		"We could not update the leave sheet. Please contact support.",
		err,
	)
}

// Noop accepts every call. Used when no spreadsheet endpoint is configured.
type Noop struct{}

func (Noop) Upload(context.Context, []Row) error { return nil }

func (Noop) Delete(context.Context, []Row) error { return nil }

func (Noop) FindExistingDates(context.Context, string) ([]time.Time, error) { return nil, nil }
