package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iago/leave-bot/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresStore struct {
	pool *pgxpool.Pool
	db   dbtx
	inTx bool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	return &PostgresStore{pool: pool, db: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// RunMigrations executes the embedded SQL files in name order.
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(Store) error) error {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return storageErr("begin tx", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&PostgresStore{pool: s.pool, db: tx, inTx: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return storageErr("commit tx", err)
	}
	return nil
}

func (s *PostgresStore) UpsertUser(ctx context.Context, user *domain.User) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(ctx, `
		INSERT INTO users (
			id, alias, name, number, department, is_global_admin, is_dept_admin,
			is_active, reporting_officer_id, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
		ON CONFLICT (id) DO UPDATE SET
			alias = EXCLUDED.alias,
			name = EXCLUDED.name,
			number = EXCLUDED.number,
			department = EXCLUDED.department,
			is_global_admin = EXCLUDED.is_global_admin,
			is_dept_admin = EXCLUDED.is_dept_admin,
			is_active = EXCLUDED.is_active,
			reporting_officer_id = EXCLUDED.reporting_officer_id,
			updated_at = EXCLUDED.updated_at
	`,
		user.ID,
		user.Alias,
		user.Name,
		user.Number,
		user.Department,
		user.IsGlobalAdmin,
		user.IsDeptAdmin,
		user.IsActive,
		nullable(user.ReportingOfficerID),
		now,
	)
	return storageErr("upsert user", mapPgError(err))
}

const userColumns = `id, alias, name, number, department, is_global_admin, is_dept_admin,
	is_active, reporting_officer_id, created_at, updated_at`

func scanUser(row pgx.Row) (*domain.User, error) {
	var (
		user    domain.User
		officer *string
	)
	err := row.Scan(
		&user.ID,
		&user.Alias,
		&user.Name,
		&user.Number,
		&user.Department,
		&user.IsGlobalAdmin,
		&user.IsDeptAdmin,
		&user.IsActive,
		&officer,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if officer != nil {
		user.ReportingOfficerID = *officer
	}
	return &user, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*domain.User, error) {
	user, err := scanUser(s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	return user, storageErr("query user", mapPgError(err))
}

func (s *PostgresStore) GetUserByNumber(ctx context.Context, number string) (*domain.User, error) {
	user, err := scanUser(s.db.QueryRow(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE number = $1 AND is_active
		ORDER BY updated_at DESC
		LIMIT 1
	`, number))
	return user, storageErr("query user by number", mapPgError(err))
}

func (s *PostgresStore) ListDepartmentAdmins(ctx context.Context, department string) ([]domain.User, error) {
	return s.queryUsers(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE is_active AND is_dept_admin AND department = $1
		ORDER BY id
	`, department)
}

func (s *PostgresStore) ListGlobalAdmins(ctx context.Context) ([]domain.User, error) {
	return s.queryUsers(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE is_active AND is_global_admin
		ORDER BY id
	`)
}

func (s *PostgresStore) queryUsers(ctx context.Context, sql string, args ...any) ([]domain.User, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, storageErr("list users", err)
	}
	defer rows.Close()

	users := make([]domain.User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, storageErr("scan user", err)
		}
		users = append(users, *user)
	}
	if rows.Err() != nil {
		return nil, storageErr("iterate users", rows.Err())
	}
	return users, nil
}

func (s *PostgresStore) DeactivateUser(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(tx Store) error {
		db := tx.(*PostgresStore).db
		command, err := db.Exec(ctx, `UPDATE users SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, id)
		if err != nil {
			return storageErr("deactivate user", err)
		}
		if command.RowsAffected() == 0 {
			return ErrNotFound
		}
		_, err = db.Exec(ctx, `
			UPDATE users SET reporting_officer_id = NULL, updated_at = NOW()
			WHERE reporting_officer_id = $1
		`, id)
		return storageErr("clear reporting officer", err)
	})
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *domain.Job) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO jobs (id, type, user_id, status, error, leave_type, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`,
		job.ID,
		string(job.Type),
		job.UserID,
		string(job.Status),
		job.Error,
		string(job.LeaveType),
		job.CreatedAt,
		job.UpdatedAt,
	)
	return storageErr("insert job", mapPgError(err))
}

const jobColumns = `id, type, user_id, status, error, leave_type, created_at, updated_at`

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job       domain.Job
		jobType   string
		status    string
		leaveType string
	)
	if err := row.Scan(&job.ID, &jobType, &job.UserID, &status, &job.Error, &leaveType, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}
	job.Type = domain.JobType(jobType)
	job.Status = domain.JobStatus(status)
	job.LeaveType = domain.LeaveType(leaveType)
	return &job, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	job, err := scanJob(s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	return job, storageErr("query job", mapPgError(err))
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *domain.Job) error {
	command, err := s.db.Exec(ctx, `
		UPDATE jobs
		SET error = $2, leave_type = $3, updated_at = $4
		WHERE id = $1
	`, job.ID, job.Error, string(job.LeaveType), job.UpdatedAt)
	if err != nil {
		return storageErr("update job", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) TransitionJob(
	ctx context.Context,
	id string,
	from []domain.JobStatus,
	to domain.JobStatus,
	reason string,
) (bool, error) {
	fromValues := make([]string, 0, len(from))
	for _, status := range from {
		fromValues = append(fromValues, string(status))
	}
	command, err := s.db.Exec(ctx, `
		UPDATE jobs
		SET status = $3,
			error = CASE WHEN $4::text = '' THEN error ELSE $4::text END,
			updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)
	`, id, fromValues, string(to), reason)
	if err != nil {
		return false, storageErr("transition job", err)
	}
	if command.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PostgresStore) LatestJobForUser(ctx context.Context, userID string, jobType domain.JobType) (*domain.Job, error) {
	job, err := scanJob(s.db.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE user_id = $1 AND type = $2
		ORDER BY seq DESC
		LIMIT 1
	`, userID, string(jobType)))
	return job, storageErr("query latest job", mapPgError(err))
}

func (s *PostgresStore) CreateTask(ctx context.Context, task *domain.Task) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO tasks (id, job_id, type, status, payload, cache_key, error, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`,
		task.ID,
		task.JobID,
		string(task.Type),
		string(task.Status),
		nullableJSON(task.Payload),
		task.CacheKey,
		task.Error,
		task.CreatedAt,
		task.UpdatedAt,
	)
	return storageErr("insert task", mapPgError(err))
}

func (s *PostgresStore) UpdateTask(ctx context.Context, task *domain.Task) error {
	command, err := s.db.Exec(ctx, `
		UPDATE tasks
		SET status = $2, payload = $3, cache_key = $4, error = $5, updated_at = $6
		WHERE id = $1
	`, task.ID, string(task.Status), nullableJSON(task.Payload), task.CacheKey, task.Error, task.UpdatedAt)
	if err != nil {
		return storageErr("update task", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const taskColumns = `id, job_id, type, status, payload, cache_key, error, created_at, updated_at`

func scanTask(row pgx.Row) (*domain.Task, error) {
	var (
		task     domain.Task
		taskType string
		status   string
		payload  []byte
	)
	if err := row.Scan(&task.ID, &task.JobID, &taskType, &status, &payload, &task.CacheKey, &task.Error, &task.CreatedAt, &task.UpdatedAt); err != nil {
		return nil, err
	}
	task.Type = domain.TaskType(taskType)
	task.Status = domain.TaskStatus(status)
	task.Payload = json.RawMessage(payload)
	return &task, nil
}

func (s *PostgresStore) LatestTask(ctx context.Context, jobID string) (*domain.Task, error) {
	task, err := scanTask(s.db.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE job_id = $1 AND status <> $2
		ORDER BY seq DESC
		LIMIT 1
	`, jobID, string(domain.TaskStatusFailed)))
	return task, storageErr("query latest task", mapPgError(err))
}

func (s *PostgresStore) ListTasks(ctx context.Context, jobID string) ([]domain.Task, error) {
	rows, err := s.db.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE job_id = $1 ORDER BY seq`, jobID)
	if err != nil {
		return nil, storageErr("list tasks", err)
	}
	defer rows.Close()

	tasks := make([]domain.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, storageErr("scan task", err)
		}
		tasks = append(tasks, *task)
	}
	if rows.Err() != nil {
		return nil, storageErr("iterate tasks", rows.Err())
	}
	return tasks, nil
}

func (s *PostgresStore) InsertLeaveRecords(ctx context.Context, records []domain.LeaveRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, record := range records {
		batch.Queue(`
			INSERT INTO leave_records (id, job_id, user_id, date, leave_type, status, sync_status, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`,
			record.ID,
			record.JobID,
			record.UserID,
			record.Date,
			string(record.LeaveType),
			string(record.Status),
			string(record.SyncStatus),
			record.CreatedAt,
			record.UpdatedAt,
		)
	}
	return s.WithTx(ctx, func(tx Store) error {
		results := tx.(*PostgresStore).db.(pgx.Tx).SendBatch(ctx, batch)
		for range records {
			if _, err := results.Exec(); err != nil {
				results.Close()
				return storageErr("insert leave record", mapPgError(err))
			}
		}
		return storageErr("close leave batch", results.Close())
	})
}

const recordColumns = `id, job_id, user_id, date, leave_type, status, sync_status, created_at, updated_at`

func (s *PostgresStore) ListLeaveRecords(ctx context.Context, jobID string) ([]domain.LeaveRecord, error) {
	rows, err := s.db.Query(ctx, `SELECT `+recordColumns+` FROM leave_records WHERE job_id = $1 ORDER BY date`, jobID)
	if err != nil {
		return nil, storageErr("list leave records", err)
	}
	defer rows.Close()

	records := make([]domain.LeaveRecord, 0)
	for rows.Next() {
		var (
			record     domain.LeaveRecord
			leaveType  string
			status     string
			syncStatus string
		)
		if err := rows.Scan(
			&record.ID,
			&record.JobID,
			&record.UserID,
			&record.Date,
			&leaveType,
			&status,
			&syncStatus,
			&record.CreatedAt,
			&record.UpdatedAt,
		); err != nil {
			return nil, storageErr("scan leave record", err)
		}
		record.LeaveType = domain.LeaveType(leaveType)
		record.Status = domain.LeaveStatus(status)
		record.SyncStatus = domain.SyncStatus(syncStatus)
		records = append(records, record)
	}
	if rows.Err() != nil {
		return nil, storageErr("iterate leave records", rows.Err())
	}
	return records, nil
}

func (s *PostgresStore) ActiveLeaveDates(
	ctx context.Context,
	userID string,
	dates []time.Time,
	excludeJobID string,
) ([]time.Time, error) {
	if len(dates) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(dates))
	for _, date := range dates {
		keys = append(keys, domain.DateKey(date))
	}

	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT to_char(date, 'YYYY-MM-DD') FROM leave_records
		WHERE user_id = $1
			AND job_id <> $2
			AND status IN ($3, $4)
			AND date = ANY($5::date[])
	`, userID, excludeJobID, string(domain.LeaveStatusPending), string(domain.LeaveStatusApproved), keys)
	if err != nil {
		return nil, storageErr("query active leave dates", err)
	}
	defer rows.Close()

	taken := make(map[string]bool)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, storageErr("scan active leave date", err)
		}
		taken[key] = true
	}
	if rows.Err() != nil {
		return nil, storageErr("iterate active leave dates", rows.Err())
	}

	active := make([]time.Time, 0, len(taken))
	for _, date := range dates {
		if taken[domain.DateKey(date)] {
			active = append(active, date)
		}
	}
	return active, nil
}

func (s *PostgresStore) UpdateLeaveStatus(
	ctx context.Context,
	jobID string,
	from []domain.LeaveStatus,
	to domain.LeaveStatus,
) (int, error) {
	fromValues := make([]string, 0, len(from))
	for _, status := range from {
		fromValues = append(fromValues, string(status))
	}
	command, err := s.db.Exec(ctx, `
		UPDATE leave_records SET status = $3, updated_at = NOW()
		WHERE job_id = $1 AND status = ANY($2)
	`, jobID, fromValues, string(to))
	if err != nil {
		return 0, storageErr("update leave status", err)
	}
	return int(command.RowsAffected()), nil
}

func (s *PostgresStore) UpdateSyncStatus(ctx context.Context, ids []string, status domain.SyncStatus) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		UPDATE leave_records SET sync_status = $2, updated_at = NOW()
		WHERE id = ANY($1)
	`, ids, string(status))
	return storageErr("update sync status", err)
}

func (s *PostgresStore) CreateMessage(ctx context.Context, message *domain.OutgoingMessage) error {
	variables, err := json.Marshal(message.Variables)
	if err != nil {
		return fmt.Errorf("encode message variables: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO outgoing_messages (
			id, job_id, user_id, recipient, seq_no, kind, provider_id, status,
			template_id, variables, body, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`,
		message.ID,
		nullable(message.JobID),
		message.UserID,
		message.To,
		message.SeqNo,
		string(message.Kind),
		nullable(message.ProviderID),
		string(message.Status),
		message.TemplateID,
		variables,
		message.Body,
		message.CreatedAt,
		message.UpdatedAt,
	)
	return storageErr("insert message", mapPgError(err))
}

func (s *PostgresStore) SetProviderID(ctx context.Context, messageID, providerID string) error {
	command, err := s.db.Exec(ctx, `
		UPDATE outgoing_messages SET provider_id = $2, updated_at = NOW() WHERE id = $1
	`, messageID, providerID)
	if err != nil {
		return storageErr("set provider id", mapPgError(err))
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const messageColumns = `id, job_id, user_id, recipient, seq_no, kind, provider_id, status,
	template_id, variables, body, created_at, updated_at`

func scanMessage(row pgx.Row) (*domain.OutgoingMessage, error) {
	var (
		message    domain.OutgoingMessage
		jobID      *string
		providerID *string
		kind       string
		status     string
		variables  []byte
	)
	if err := row.Scan(
		&message.ID,
		&jobID,
		&message.UserID,
		&message.To,
		&message.SeqNo,
		&kind,
		&providerID,
		&status,
		&message.TemplateID,
		&variables,
		&message.Body,
		&message.CreatedAt,
		&message.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if jobID != nil {
		message.JobID = *jobID
	}
	if providerID != nil {
		message.ProviderID = *providerID
	}
	message.Kind = domain.MessageKind(kind)
	message.Status = domain.DeliveryStatus(status)
	if len(variables) > 0 {
		if err := json.Unmarshal(variables, &message.Variables); err != nil {
			return nil, fmt.Errorf("decode message variables: %w", err)
		}
	}
	return &message, nil
}

func (s *PostgresStore) GetMessageByProviderID(ctx context.Context, providerID string) (*domain.OutgoingMessage, error) {
	message, err := scanMessage(s.db.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM outgoing_messages WHERE provider_id = $1
	`, providerID))
	return message, storageErr("query message", mapPgError(err))
}

func (s *PostgresStore) ResolveMessage(
	ctx context.Context,
	providerID string,
	status domain.DeliveryStatus,
) (*domain.OutgoingMessage, bool, error) {
	message, err := scanMessage(s.db.QueryRow(ctx, `
		UPDATE outgoing_messages SET status = $2, updated_at = NOW()
		WHERE provider_id = $1 AND status = $3
		RETURNING `+messageColumns,
		providerID, string(status), string(domain.DeliveryPendingCallback)))
	if err == nil {
		return message, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, storageErr("resolve message", err)
	}

	existing, err := s.GetMessageByProviderID(ctx, providerID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) FailUnsent(ctx context.Context, messageID string) (bool, error) {
	command, err := s.db.Exec(ctx, `
		UPDATE outgoing_messages SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, messageID, string(domain.DeliveryFailed), string(domain.DeliveryPendingCallback))
	if err != nil {
		return false, storageErr("fail unsent message", err)
	}
	return command.RowsAffected() == 1, nil
}

func (s *PostgresStore) ListBatchMessages(ctx context.Context, jobID string, seqNo int) ([]domain.OutgoingMessage, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+messageColumns+` FROM outgoing_messages
		WHERE job_id = $1 AND seq_no = $2 AND kind = $3
		ORDER BY created_at, id
	`, jobID, seqNo, string(domain.MessageKindForward))
	if err != nil {
		return nil, storageErr("list batch messages", err)
	}
	defer rows.Close()

	messages := make([]domain.OutgoingMessage, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, storageErr("scan batch message", err)
		}
		messages = append(messages, *message)
	}
	if rows.Err() != nil {
		return nil, storageErr("iterate batch messages", rows.Err())
	}
	return messages, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, jobID string) ([]domain.OutgoingMessage, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+messageColumns+` FROM outgoing_messages
		WHERE job_id = $1
		ORDER BY created_at, id
	`, jobID)
	if err != nil {
		return nil, storageErr("list messages", err)
	}
	defer rows.Close()

	messages := make([]domain.OutgoingMessage, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, storageErr("scan message", err)
		}
		messages = append(messages, *message)
	}
	if rows.Err() != nil {
		return nil, storageErr("iterate messages", rows.Err())
	}
	return messages, nil
}

func (s *PostgresStore) PendingForwardCount(ctx context.Context, jobID string) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM outgoing_messages
		WHERE job_id = $1 AND kind = $2 AND status = $3
	`, jobID, string(domain.MessageKindForward), string(domain.DeliveryPendingCallback)).Scan(&count)
	return count, storageErr("count pending forwards", err)
}

func (s *PostgresStore) NextSeqNo(ctx context.Context, jobID string) (int, error) {
	var seq int
	err := s.db.QueryRow(ctx, `
		INSERT INTO job_sequences (job_id, last) VALUES ($1, 1)
		ON CONFLICT (job_id) DO UPDATE SET last = job_sequences.last + 1
		RETURNING last
	`, jobID).Scan(&seq)
	return seq, storageErr("next seq no", mapPgError(err))
}

func (s *PostgresStore) CreateBatch(ctx context.Context, batch *domain.ForwardBatch) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO forward_batches (job_id, seq_no, total, notify_count, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, batch.JobID, batch.SeqNo, batch.Total, batch.NotifyCount, batch.CreatedAt)
	return storageErr("insert batch", mapPgError(err))
}

func (s *PostgresStore) GetBatch(ctx context.Context, jobID string, seqNo int) (*domain.ForwardBatch, error) {
	var batch domain.ForwardBatch
	err := s.db.QueryRow(ctx, `
		SELECT job_id, seq_no, total, notify_count, created_at
		FROM forward_batches WHERE job_id = $1 AND seq_no = $2
	`, jobID, seqNo).Scan(&batch.JobID, &batch.SeqNo, &batch.Total, &batch.NotifyCount, &batch.CreatedAt)
	if err != nil {
		return nil, storageErr("query batch", mapPgError(err))
	}
	return &batch, nil
}

func (s *PostgresStore) ClaimBatchNotification(ctx context.Context, jobID string, seqNo int) (bool, error) {
	command, err := s.db.Exec(ctx, `
		UPDATE forward_batches SET notify_count = notify_count + 1
		WHERE job_id = $1 AND seq_no = $2 AND notify_count = 0
	`, jobID, seqNo)
	if err != nil {
		return false, storageErr("claim batch notification", err)
	}
	if command.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.GetBatch(ctx, jobID, seqNo); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PostgresStore) Sweep(ctx context.Context, olderThan time.Time) (int, error) {
	command, err := s.db.Exec(ctx, `
		DELETE FROM jobs j
		WHERE j.updated_at < $1
			AND NOT EXISTS (
				SELECT 1 FROM outgoing_messages m WHERE m.job_id = j.id AND m.status = $2
			)
			AND NOT EXISTS (
				SELECT 1 FROM leave_records r WHERE r.job_id = j.id AND r.sync_status = $3
			)
	`, olderThan, string(domain.DeliveryPendingCallback), string(domain.SyncStatusPending))
	if err != nil {
		return 0, storageErr("sweep jobs", err)
	}
	return int(command.RowsAffected()), nil
}

func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}

func nullable(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func nullableJSON(value json.RawMessage) []byte {
	if len(value) == 0 {
		return nil
	}
	return value
}
