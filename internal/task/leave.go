package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/iago/leave-bot/internal/apperror"
	"github.com/iago/leave-bot/internal/domain"
	"github.com/iago/leave-bot/internal/extract"
	"github.com/iago/leave-bot/internal/notify"
	"github.com/iago/leave-bot/internal/repository"
	"github.com/iago/leave-bot/internal/sheets"
	"github.com/iago/leave-bot/internal/transport"
	"go.uber.org/zap"
)

// LeavePayload is carried in the cache between the tasks of one leave request.
// Dates are kept as YYYY-MM-DD keys.
type LeavePayload struct {
	Dates      []string         `json:"dates_to_update"`
	Duplicates []string         `json:"duplicate"`
	Duration   int              `json:"duration"`
	LeaveType  domain.LeaveType `json:"leave_type,omitempty"`
	Text       string           `json:"text,omitempty"`
}

func registerLeaveHandlers(e *Executor) {
	e.Register(domain.JobTypeLeave, domain.TaskTypeExtractDates, Handler{Restore: RestoreOptional, Execute: extractDates})
	e.Register(domain.JobTypeLeave, domain.TaskTypeRequestConfirmation, Handler{Restore: RestoreRequired, Execute: requestConfirmation})
	e.Register(domain.JobTypeLeave, domain.TaskTypeConfirm, Handler{Restore: RestoreRequired, Execute: confirm})
	e.Register(domain.JobTypeLeave, domain.TaskTypeCancel, Handler{Restore: RestoreNone, Execute: cancel})
	e.Register(domain.JobTypeLeave, domain.TaskTypeApprove, Handler{Restore: RestoreNone, Execute: decide(domain.LeaveStatusApproved)})
	e.Register(domain.JobTypeLeave, domain.TaskTypeReject, Handler{Restore: RestoreNone, Execute: decide(domain.LeaveStatusRejected)})
}

func extractDates(ctx context.Context, env *Env, run *Run) error {
	previous, err := decodePayload(run.Restored)
	if err != nil {
		previous = LeavePayload{}
	}

	text := run.Message.Body
	payload := LeavePayload{
		Text:      text,
		LeaveType: detectLeaveType(text),
	}
	if payload.LeaveType == "" {
		payload.LeaveType = previous.LeaveType
	}

	now := env.Now().In(env.Location)
	result, err := env.Extractor.Extract(text, now)
	if err != nil {
		return extractionError(run, payload, err)
	}
	result, err = env.Extractor.Merge(result, previousRange(previous, env.Location))
	if err != nil {
		return extractionError(run, payload, err)
	}
	payload.Duration = result.Duration

	today := domain.Day(now)
	if result.Start.Before(today) {
		payload.Dates = dateKeys(result.Dates)
		run.Carry(payload)
		return apperror.ValidationConflict(
			"start_in_past",
			fmt.Sprintf("The start date %s is in the past. Please send dates from today onwards.", notify.FormatDates([]time.Time{result.Start})),
			nil,
		)
	}

	fresh, duplicates, err := splitDuplicates(ctx, env, env.Store, run.Owner, run.Job.ID, result.Dates)
	if err != nil {
		return err
	}
	payload.Dates = dateKeys(fresh)
	payload.Duplicates = dateKeys(duplicates)

	if len(fresh) == 0 {
		run.Carry(payload)
		return apperror.ValidationConflict(
			"duplicate_dates",
			fmt.Sprintf("You are already on leave on %s. Please send different dates.", notify.FormatDates(duplicates)),
			nil,
		)
	}

	run.Carry(payload)
	return nil
}

// previousRange rebuilds the range an earlier attempt of the same request
// settled on. Duplicate dates count since they were part of what was asked.
func previousRange(previous LeavePayload, location *time.Location) extract.Result {
	dates, err := parseDateKeys(mergeKeys(previous.Dates, previous.Duplicates), location)
	if err != nil || len(dates) == 0 {
		return extract.Result{}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	duration := previous.Duration
	if duration <= 0 {
		duration = len(dates)
	}
	return extract.Result{
		Start:    dates[0],
		End:      dates[len(dates)-1],
		Duration: duration,
		Dates:    dates,
		Stated:   extract.PartStart | extract.PartEnd,
	}
}

func extractionError(run *Run, payload LeavePayload, err error) error {
	switch {
	case errors.Is(err, extract.ErrNoDates):
		return apperror.UserInput("no_dates", "I could not find any dates. Please send them like \"10/5 to 12/5\".", err)
	case errors.Is(err, extract.ErrConflictingDates):
		return apperror.UserInput("conflicting_dates", "Your message mentions different start dates. Please send one date range.", err)
	case errors.Is(err, extract.ErrInvalidRange):
		return apperror.UserInput("invalid_range", "That date range is not valid. Please check the dates and try again.", err)
	case errors.Is(err, extract.ErrDurationMismatch):
		run.Carry(payload)
		return apperror.ValidationConflict("duration_mismatch", "The number of days does not match the dates. Please send the dates again.", err)
	default:
		return fmt.Errorf("extract dates: %w", err)
	}
}

// splitDuplicates separates dates the user already holds active leave on,
// either in the store or in the spreadsheet, from the rest.
func splitDuplicates(
	ctx context.Context,
	env *Env,
	store repository.Store,
	owner domain.User,
	jobID string,
	dates []time.Time,
) ([]time.Time, []time.Time, error) {
	active, err := store.ActiveLeaveDates(ctx, owner.ID, dates, jobID)
	if err != nil {
		return nil, nil, fmt.Errorf("check active leave: %w", err)
	}
	taken := make(map[string]bool, len(active))
	for _, date := range active {
		taken[domain.DateKey(date)] = true
	}

	if env.Syncer != nil {
		sheetDup, _, err := sheets.FindDuplicateDates(ctx, env.Syncer, owner.ID, dates)
		if err != nil {
			env.Logger.Warn("sheet duplicate check skipped", zap.String("user_id", owner.ID), zap.Error(err))
		}
		for _, date := range sheetDup {
			taken[domain.DateKey(date)] = true
		}
	}

	fresh := make([]time.Time, 0, len(dates))
	duplicates := make([]time.Time, 0)
	for _, date := range dates {
		if taken[domain.DateKey(date)] {
			duplicates = append(duplicates, date)
			continue
		}
		fresh = append(fresh, date)
	}
	return fresh, duplicates, nil
}

func requestConfirmation(ctx context.Context, env *Env, run *Run) error {
	payload, err := decodePayload(run.Restored)
	if err != nil {
		return apperror.Timeout("request_expired", "", apperror.ErrRequestExpired)
	}
	dates, err := parseDateKeys(payload.Dates, env.Location)
	if err != nil {
		return err
	}
	duplicates, err := parseDateKeys(payload.Duplicates, env.Location)
	if err != nil {
		return err
	}

	if err := env.Notifier.Reply(ctx, run.Job.ID, run.Actor, notify.LeaveTypePrompt(dates, duplicates, payload.LeaveType)); err != nil {
		return fmt.Errorf("send leave type prompt: %w", err)
	}
	run.Carry(payload)
	return nil
}

func confirm(ctx context.Context, env *Env, run *Run) error {
	payload, err := decodePayload(run.Restored)
	if err != nil {
		return apperror.Timeout("request_expired", "", apperror.ErrRequestExpired)
	}
	leaveType := run.Input.Selection.LeaveType
	if leaveType == "" {
		return apperror.UserInput("invalid_input", "Please reply with one of the listed leave types.", apperror.ErrInvalidInput)
	}
	requested, err := parseDateKeys(payload.Dates, env.Location)
	if err != nil {
		return err
	}

	var (
		records []domain.LeaveRecord
		dates   []time.Time
	)
	err = env.Store.WithTx(ctx, func(tx repository.Store) error {
		fresh, duplicates, err := splitDuplicates(ctx, env, tx, run.Owner, run.Job.ID, requested)
		if err != nil {
			return err
		}
		if len(fresh) == 0 {
			return apperror.ValidationConflict(
				"duplicate_dates",
				fmt.Sprintf("You are already on leave on %s. Please send different dates.", notify.FormatDates(duplicates)),
				nil,
			)
		}

		now := env.Now()
		records = make([]domain.LeaveRecord, 0, len(fresh))
		for _, date := range fresh {
			records = append(records, domain.LeaveRecord{
				ID:         uuid.NewString(),
				JobID:      run.Job.ID,
				UserID:     run.Owner.ID,
				Date:       date,
				LeaveType:  leaveType,
				Status:     domain.LeaveStatusPending,
				SyncStatus: domain.SyncStatusPending,
				CreatedAt:  now,
				UpdatedAt:  now,
			})
		}
		if err := tx.InsertLeaveRecords(ctx, records); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return apperror.ValidationConflict("duplicate_dates", "Some of these dates are already recorded for this request.", err)
			}
			return err
		}

		run.Job.LeaveType = leaveType
		run.Job.UpdatedAt = now
		if err := tx.UpdateJob(ctx, run.Job); err != nil {
			return err
		}
		dates = fresh
		payload.Dates = dateKeys(fresh)
		payload.Duplicates = mergeKeys(payload.Duplicates, dateKeys(duplicates))
		return nil
	})
	if err != nil {
		return err
	}

	payload.LeaveType = leaveType
	run.ClearCache()
	run.SetResult(payload)

	approvers, err := notify.ResolveApprovers(ctx, env.Store, run.Owner)
	if err != nil {
		return fmt.Errorf("resolve approvers: %w", err)
	}
	if err := env.Notifier.Reply(ctx, run.Job.ID, run.Actor, notify.Confirmed(dates, leaveType, approvers)); err != nil {
		return fmt.Errorf("send confirmation: %w", err)
	}
	owner := run.Owner
	if _, err := env.Notifier.FanOut(ctx, run.Job.ID, approvers, func(domain.User) transport.Content {
		return notify.Forward(notify.TemplateRequestForward, owner, dates, leaveType)
	}); err != nil {
		return fmt.Errorf("forward request: %w", err)
	}

	syncInBackground(env, "sheets.upload", owner, records, false)
	return nil
}

func cancel(ctx context.Context, env *Env, run *Run) error {
	existing, err := env.Store.ListLeaveRecords(ctx, run.Job.ID)
	if err != nil {
		return err
	}
	active := make([]domain.LeaveRecord, 0, len(existing))
	for _, record := range existing {
		if record.Status.Active() {
			active = append(active, record)
		}
	}

	updated, err := env.Store.UpdateLeaveStatus(
		ctx,
		run.Job.ID,
		[]domain.LeaveStatus{domain.LeaveStatusPending, domain.LeaveStatusApproved},
		domain.LeaveStatusCancelled,
	)
	if err != nil {
		return err
	}
	if updated == 0 {
		return apperror.UserInput("already_cancelled", "There is nothing left to cancel on this request.", apperror.ErrAlreadyCancelled)
	}

	reopen(ctx, env, run)
	run.ClearCache()

	dates := make([]time.Time, 0, len(active))
	for i := range active {
		active[i].Status = domain.LeaveStatusCancelled
		dates = append(dates, active[i].Date)
	}
	run.SetResult(LeavePayload{Dates: dateKeys(dates), LeaveType: run.Job.LeaveType})

	if err := env.Notifier.Reply(ctx, run.Job.ID, run.Actor, notify.Cancelled(dates)); err != nil {
		return fmt.Errorf("send cancellation: %w", err)
	}
	approvers, err := notify.ResolveApprovers(ctx, env.Store, run.Owner)
	if err != nil {
		return fmt.Errorf("resolve approvers: %w", err)
	}
	owner, leaveType := run.Owner, run.Job.LeaveType
	if _, err := env.Notifier.FanOut(ctx, run.Job.ID, approvers, func(domain.User) transport.Content {
		return notify.Forward(notify.TemplateCancelForward, owner, dates, leaveType)
	}); err != nil {
		return fmt.Errorf("forward cancellation: %w", err)
	}

	syncInBackground(env, "sheets.delete", owner, active, true)
	return nil
}

func decide(status domain.LeaveStatus) func(ctx context.Context, env *Env, run *Run) error {
	decision := strings.ToLower(string(status))
	return func(ctx context.Context, env *Env, run *Run) error {
		updated, err := env.Store.UpdateLeaveStatus(ctx, run.Job.ID, []domain.LeaveStatus{domain.LeaveStatusPending}, status)
		if err != nil {
			return err
		}
		if updated == 0 {
			return apperror.UserInput("already_decided", "A decision has already been recorded for this request.", apperror.ErrAlreadyDecided)
		}
		reopen(ctx, env, run)

		records, err := env.Store.ListLeaveRecords(ctx, run.Job.ID)
		if err != nil {
			return err
		}
		decided := make([]domain.LeaveRecord, 0, len(records))
		dates := make([]time.Time, 0, len(records))
		for _, record := range records {
			if record.Status == status {
				decided = append(decided, record)
				dates = append(dates, record.Date)
			}
		}
		run.SetResult(LeavePayload{Dates: dateKeys(dates), LeaveType: run.Job.LeaveType})

		if err := env.Notifier.Reply(ctx, run.Job.ID, run.Actor, notify.DecisionRecorded(decision, run.Owner)); err != nil {
			return fmt.Errorf("send decision receipt: %w", err)
		}
		if err := env.Notifier.Reply(ctx, run.Job.ID, run.Owner, notify.DecisionNotice(decision, run.Actor, dates)); err != nil {
			return fmt.Errorf("notify owner of decision: %w", err)
		}

		syncInBackground(env, "sheets.upload", run.Owner, decided, false)
		return nil
	}
}

// reopen moves a completed job back to ACTIVE so the completion check runs
// again for the new request state.
func reopen(ctx context.Context, env *Env, run *Run) {
	moved, err := env.Store.TransitionJob(ctx, run.Job.ID, []domain.JobStatus{domain.JobStatusCompleted}, domain.JobStatusActive, "")
	if err != nil {
		env.Logger.Warn("reopen job", zap.String("job_id", run.Job.ID), zap.Error(err))
		return
	}
	if moved {
		run.Job.Status = domain.JobStatusActive
	}
}

func syncInBackground(env *Env, name string, owner domain.User, records []domain.LeaveRecord, remove bool) {
	if len(records) == 0 || env.Syncer == nil {
		return
	}
	work := func(ctx context.Context) {
		syncRecords(ctx, env, owner, records, remove)
	}
	if env.Pool == nil {
		work(context.Background())
		return
	}
	if err := env.Pool.Submit(name, work); err != nil {
		env.Logger.Warn("background sync submit failed, running inline", zap.String("task", name), zap.Error(err))
		work(context.Background())
	}
}

func syncRecords(ctx context.Context, env *Env, owner domain.User, records []domain.LeaveRecord, remove bool) {
	rows := make([]sheets.Row, 0, len(records))
	ids := make([]string, 0, len(records))
	for _, record := range records {
		rows = append(rows, sheets.RowFromRecord(record, owner))
		ids = append(ids, record.ID)
	}

	var err error
	if remove {
		err = env.Syncer.Delete(ctx, rows)
	} else {
		err = env.Syncer.Upload(ctx, rows)
	}
	status := domain.SyncStatusCompleted
	if err != nil {
		status = domain.SyncStatusFailed
		env.Logger.Error("sheet sync failed", zap.String("user_id", owner.ID), zap.Int("rows", len(rows)), zap.Error(err))
	}
	if err := env.Store.UpdateSyncStatus(ctx, ids, status); err != nil {
		env.Logger.Error("record sync status", zap.String("user_id", owner.ID), zap.Error(err))
	}
}

func decodePayload(raw json.RawMessage) (LeavePayload, error) {
	var payload LeavePayload
	if len(raw) == 0 {
		return payload, errors.New("empty payload")
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("decode leave payload: %w", err)
	}
	return payload, nil
}

func dateKeys(dates []time.Time) []string {
	keys := make([]string, 0, len(dates))
	for _, date := range dates {
		keys = append(keys, domain.DateKey(date))
	}
	return keys
}

func parseDateKeys(keys []string, location *time.Location) ([]time.Time, error) {
	dates := make([]time.Time, 0, len(keys))
	for _, key := range keys {
		date, err := time.ParseInLocation(domain.DateLayout, key, location)
		if err != nil {
			return nil, fmt.Errorf("parse cached date %q: %w", key, err)
		}
		dates = append(dates, date)
	}
	return dates, nil
}

func mergeKeys(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	merged := make([]string, 0, len(a)+len(b))
	for _, key := range append(append([]string(nil), a...), b...) {
		if seen[key] {
			continue
		}
		seen[key] = true
		merged = append(merged, key)
	}
	return merged
}

// detectLeaveType looks for a leave type keyword in free text.
func detectLeaveType(text string) domain.LeaveType {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z')
	})
	for i, word := range words {
		if i+1 < len(words) {
			if leaveType, ok := domain.ParseLeaveType(word + " " + words[i+1]); ok {
				return leaveType
			}
		}
		// A bare "off" is too common to mean a leave type.
		if word == "off" {
			continue
		}
		if leaveType, ok := domain.ParseLeaveType(word); ok {
			return leaveType
		}
	}
	return ""
}
