package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iago/leave-bot/internal/domain"
)

type memoryState struct {
	users    map[string]*domain.User
	jobs     map[string]*domain.Job
	jobOrder []string
	tasks    map[string][]*domain.Task
	records  map[string][]*domain.LeaveRecord
	messages map[string]*domain.OutgoingMessage
	byProv   map[string]string
	batches  map[batchKey]*domain.ForwardBatch
	seqs     map[string]int
}

type batchKey struct {
	jobID string
	seqNo int
}

// MemoryStore keeps records in memory for local development and tests.
// Transactions are serialized with every other write, so rolling one back
// cannot discard work done elsewhere. Reads are not blocked by a running
// transaction and may observe its uncommitted writes.
type MemoryStore struct {
	mu    *sync.RWMutex
	txMu  *sync.Mutex
	inTx  bool
	state *memoryState
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mu:    &sync.RWMutex{},
		txMu:  &sync.Mutex{},
		state: newMemoryState(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func newMemoryState() *memoryState {
	return &memoryState{
		users:    make(map[string]*domain.User),
		jobs:     make(map[string]*domain.Job),
		tasks:    make(map[string][]*domain.Task),
		records:  make(map[string][]*domain.LeaveRecord),
		messages: make(map[string]*domain.OutgoingMessage),
		byProv:   make(map[string]string),
		batches:  make(map[batchKey]*domain.ForwardBatch),
		seqs:     make(map[string]int),
	}
}

// WithTx runs fn against a view of the store that already holds the write
// side of the transaction lock; nested calls join the running transaction.
// The state is restored from a snapshot when fn fails.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(Store) error) error {
	if s.inTx {
		return fn(s)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()

	tx := &MemoryStore{mu: s.mu, txMu: s.txMu, inTx: true, state: s.state, now: s.now}
	if err := fn(tx); err != nil {
		s.mu.Lock()
		*s.state = *snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

// lockWrite takes the write lock. Outside a transaction it first waits for
// the running transaction, if any, to finish.
func (s *MemoryStore) lockWrite() func() {
	if !s.inTx {
		s.txMu.Lock()
	}
	s.mu.Lock()
	return func() {
		s.mu.Unlock()
		if !s.inTx {
			s.txMu.Unlock()
		}
	}
}

func (s *MemoryStore) UpsertUser(_ context.Context, user *domain.User) error {
	defer s.lockWrite()()

	now := s.now()
	clone := *user
	if existing, ok := s.state.users[user.ID]; ok {
		clone.CreatedAt = existing.CreatedAt
	} else if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	s.state.users[user.ID] = &clone
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.state.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *user
	return &clone, nil
}

func (s *MemoryStore) GetUserByNumber(_ context.Context, number string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, user := range s.state.users {
		if user.Number == number && user.IsActive {
			clone := *user
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListDepartmentAdmins(_ context.Context, department string) ([]domain.User, error) {
	return s.filterUsers(func(u *domain.User) bool {
		return u.IsActive && u.IsDeptAdmin && u.Department == department
	}), nil
}

func (s *MemoryStore) ListGlobalAdmins(_ context.Context) ([]domain.User, error) {
	return s.filterUsers(func(u *domain.User) bool {
		return u.IsActive && u.IsGlobalAdmin
	}), nil
}

func (s *MemoryStore) filterUsers(keep func(*domain.User) bool) []domain.User {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.User, 0)
	for _, user := range s.state.users {
		if keep(user) {
			users = append(users, *user)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users
}

func (s *MemoryStore) DeactivateUser(_ context.Context, id string) error {
	defer s.lockWrite()()

	user, ok := s.state.users[id]
	if !ok {
		return ErrNotFound
	}
	user.IsActive = false
	user.UpdatedAt = s.now()
	for _, other := range s.state.users {
		if other.ReportingOfficerID == id {
			other.ReportingOfficerID = ""
		}
	}
	return nil
}

func (s *MemoryStore) CreateJob(_ context.Context, job *domain.Job) error {
	defer s.lockWrite()()

	if _, exists := s.state.jobs[job.ID]; exists {
		return ErrConflict
	}
	clone := *job
	s.state.jobs[job.ID] = &clone
	s.state.jobOrder = append(s.state.jobOrder, job.ID)
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.state.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *job
	return &clone, nil
}

func (s *MemoryStore) UpdateJob(_ context.Context, job *domain.Job) error {
	defer s.lockWrite()()

	current, ok := s.state.jobs[job.ID]
	if !ok {
		return ErrNotFound
	}
	current.LeaveType = job.LeaveType
	current.Error = job.Error
	current.UpdatedAt = job.UpdatedAt
	return nil
}

func (s *MemoryStore) TransitionJob(
	_ context.Context,
	id string,
	from []domain.JobStatus,
	to domain.JobStatus,
	reason string,
) (bool, error) {
	defer s.lockWrite()()

	job, ok := s.state.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	allowed := false
	for _, status := range from {
		if job.Status == status {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, nil
	}
	job.Status = to
	if reason != "" {
		job.Error = reason
	}
	job.UpdatedAt = s.now()
	return true, nil
}

func (s *MemoryStore) LatestJobForUser(_ context.Context, userID string, jobType domain.JobType) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.state.jobOrder) - 1; i >= 0; i-- {
		job, ok := s.state.jobs[s.state.jobOrder[i]]
		if !ok {
			continue
		}
		if job.UserID == userID && job.Type == jobType {
			clone := *job
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) CreateTask(_ context.Context, task *domain.Task) error {
	defer s.lockWrite()()

	if _, ok := s.state.jobs[task.JobID]; !ok {
		return ErrNotFound
	}
	s.state.tasks[task.JobID] = append(s.state.tasks[task.JobID], cloneTask(task))
	return nil
}

func (s *MemoryStore) UpdateTask(_ context.Context, task *domain.Task) error {
	defer s.lockWrite()()

	tasks := s.state.tasks[task.JobID]
	for i := range tasks {
		if tasks[i].ID == task.ID {
			tasks[i] = cloneTask(task)
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) LatestTask(_ context.Context, jobID string) (*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := s.state.tasks[jobID]
	for i := len(tasks) - 1; i >= 0; i-- {
		if tasks[i].Status != domain.TaskStatusFailed {
			return cloneTask(tasks[i]), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListTasks(_ context.Context, jobID string) ([]domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]domain.Task, 0, len(s.state.tasks[jobID]))
	for _, task := range s.state.tasks[jobID] {
		tasks = append(tasks, *cloneTask(task))
	}
	return tasks, nil
}

func (s *MemoryStore) InsertLeaveRecords(_ context.Context, records []domain.LeaveRecord) error {
	defer s.lockWrite()()

	for _, record := range records {
		for _, existing := range s.state.records[record.JobID] {
			if existing.Date.Equal(record.Date) {
				return ErrConflict
			}
		}
	}
	for _, record := range records {
		clone := record
		s.state.records[record.JobID] = append(s.state.records[record.JobID], &clone)
	}
	return nil
}

func (s *MemoryStore) ListLeaveRecords(_ context.Context, jobID string) ([]domain.LeaveRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]domain.LeaveRecord, 0, len(s.state.records[jobID]))
	for _, record := range s.state.records[jobID] {
		records = append(records, *record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Date.Before(records[j].Date) })
	return records, nil
}

func (s *MemoryStore) ActiveLeaveDates(
	_ context.Context,
	userID string,
	dates []time.Time,
	excludeJobID string,
) ([]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	taken := make(map[string]bool)
	for jobID, records := range s.state.records {
		if jobID == excludeJobID {
			continue
		}
		for _, record := range records {
			if record.UserID == userID && record.Status.Active() {
				taken[domain.DateKey(record.Date)] = true
			}
		}
	}

	active := make([]time.Time, 0)
	for _, date := range dates {
		if taken[domain.DateKey(date)] {
			active = append(active, date)
		}
	}
	return active, nil
}

func (s *MemoryStore) UpdateLeaveStatus(
	_ context.Context,
	jobID string,
	from []domain.LeaveStatus,
	to domain.LeaveStatus,
) (int, error) {
	defer s.lockWrite()()

	updated := 0
	for _, record := range s.state.records[jobID] {
		if containsStatus(from, record.Status) {
			record.Status = to
			record.UpdatedAt = s.now()
			updated++
		}
	}
	return updated, nil
}

func (s *MemoryStore) UpdateSyncStatus(_ context.Context, ids []string, status domain.SyncStatus) error {
	defer s.lockWrite()()

	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	for _, records := range s.state.records {
		for _, record := range records {
			if wanted[record.ID] {
				record.SyncStatus = status
				record.UpdatedAt = s.now()
			}
		}
	}
	return nil
}

func (s *MemoryStore) CreateMessage(_ context.Context, message *domain.OutgoingMessage) error {
	defer s.lockWrite()()

	if _, exists := s.state.messages[message.ID]; exists {
		return ErrConflict
	}
	if message.ProviderID != "" {
		if _, taken := s.state.byProv[message.ProviderID]; taken {
			return ErrConflict
		}
		s.state.byProv[message.ProviderID] = message.ID
	}
	s.state.messages[message.ID] = cloneMessage(message)
	return nil
}

func (s *MemoryStore) SetProviderID(_ context.Context, messageID, providerID string) error {
	defer s.lockWrite()()

	message, ok := s.state.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	if owner, taken := s.state.byProv[providerID]; taken && owner != messageID {
		return ErrConflict
	}
	message.ProviderID = providerID
	message.UpdatedAt = s.now()
	s.state.byProv[providerID] = messageID
	return nil
}

func (s *MemoryStore) GetMessageByProviderID(_ context.Context, providerID string) (*domain.OutgoingMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.state.byProv[providerID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMessage(s.state.messages[id]), nil
}

func (s *MemoryStore) ResolveMessage(
	_ context.Context,
	providerID string,
	status domain.DeliveryStatus,
) (*domain.OutgoingMessage, bool, error) {
	defer s.lockWrite()()

	id, ok := s.state.byProv[providerID]
	if !ok {
		return nil, false, ErrNotFound
	}
	message := s.state.messages[id]
	if message.Status != domain.DeliveryPendingCallback {
		return cloneMessage(message), false, nil
	}
	message.Status = status
	message.UpdatedAt = s.now()
	return cloneMessage(message), true, nil
}

func (s *MemoryStore) FailUnsent(_ context.Context, messageID string) (bool, error) {
	defer s.lockWrite()()

	message, ok := s.state.messages[messageID]
	if !ok {
		return false, ErrNotFound
	}
	if message.Status != domain.DeliveryPendingCallback {
		return false, nil
	}
	message.Status = domain.DeliveryFailed
	message.UpdatedAt = s.now()
	return true, nil
}

func (s *MemoryStore) ListBatchMessages(_ context.Context, jobID string, seqNo int) ([]domain.OutgoingMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages := make([]domain.OutgoingMessage, 0)
	for _, message := range s.state.messages {
		if message.JobID == jobID && message.SeqNo == seqNo && message.Kind == domain.MessageKindForward {
			messages = append(messages, *cloneMessage(message))
		}
	}
	sort.Slice(messages, func(i, j int) bool {
		if messages[i].CreatedAt.Equal(messages[j].CreatedAt) {
			return messages[i].ID < messages[j].ID
		}
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
	return messages, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, jobID string) ([]domain.OutgoingMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages := make([]domain.OutgoingMessage, 0)
	for _, message := range s.state.messages {
		if message.JobID == jobID {
			messages = append(messages, *cloneMessage(message))
		}
	}
	sort.Slice(messages, func(i, j int) bool {
		if messages[i].CreatedAt.Equal(messages[j].CreatedAt) {
			return messages[i].ID < messages[j].ID
		}
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
	return messages, nil
}

func (s *MemoryStore) PendingForwardCount(_ context.Context, jobID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, message := range s.state.messages {
		if message.JobID == jobID && message.Kind == domain.MessageKindForward && message.Status == domain.DeliveryPendingCallback {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) NextSeqNo(_ context.Context, jobID string) (int, error) {
	defer s.lockWrite()()

	s.state.seqs[jobID]++
	return s.state.seqs[jobID], nil
}

func (s *MemoryStore) CreateBatch(_ context.Context, batch *domain.ForwardBatch) error {
	defer s.lockWrite()()

	key := batchKey{jobID: batch.JobID, seqNo: batch.SeqNo}
	if _, exists := s.state.batches[key]; exists {
		return ErrConflict
	}
	clone := *batch
	s.state.batches[key] = &clone
	return nil
}

func (s *MemoryStore) GetBatch(_ context.Context, jobID string, seqNo int) (*domain.ForwardBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batch, ok := s.state.batches[batchKey{jobID: jobID, seqNo: seqNo}]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *batch
	return &clone, nil
}

func (s *MemoryStore) ClaimBatchNotification(_ context.Context, jobID string, seqNo int) (bool, error) {
	defer s.lockWrite()()

	batch, ok := s.state.batches[batchKey{jobID: jobID, seqNo: seqNo}]
	if !ok {
		return false, ErrNotFound
	}
	if batch.NotifyCount > 0 {
		return false, nil
	}
	batch.NotifyCount++
	return true, nil
}

func (s *MemoryStore) Sweep(_ context.Context, olderThan time.Time) (int, error) {
	defer s.lockWrite()()

	removed := 0
	kept := s.state.jobOrder[:0]
	for _, jobID := range s.state.jobOrder {
		job, ok := s.state.jobs[jobID]
		if !ok {
			continue
		}
		if !job.UpdatedAt.Before(olderThan) || s.referencedLocked(jobID) {
			kept = append(kept, jobID)
			continue
		}
		s.deleteJobLocked(jobID)
		removed++
	}
	s.state.jobOrder = kept
	return removed, nil
}

func (s *MemoryStore) referencedLocked(jobID string) bool {
	for _, message := range s.state.messages {
		if message.JobID == jobID && message.Status == domain.DeliveryPendingCallback {
			return true
		}
	}
	for _, record := range s.state.records[jobID] {
		if record.SyncStatus == domain.SyncStatusPending {
			return true
		}
	}
	return false
}

func (s *MemoryStore) deleteJobLocked(jobID string) {
	delete(s.state.jobs, jobID)
	delete(s.state.tasks, jobID)
	delete(s.state.records, jobID)
	delete(s.state.seqs, jobID)
	for id, message := range s.state.messages {
		if message.JobID != jobID {
			continue
		}
		if message.ProviderID != "" {
			delete(s.state.byProv, message.ProviderID)
		}
		delete(s.state.messages, id)
	}
	for key := range s.state.batches {
		if key.jobID == jobID {
			delete(s.state.batches, key)
		}
	}
}

func (m *memoryState) clone() *memoryState {
	c := newMemoryState()
	for id, user := range m.users {
		clone := *user
		c.users[id] = &clone
	}
	for id, job := range m.jobs {
		clone := *job
		c.jobs[id] = &clone
	}
	c.jobOrder = append([]string(nil), m.jobOrder...)
	for jobID, tasks := range m.tasks {
		for _, task := range tasks {
			c.tasks[jobID] = append(c.tasks[jobID], cloneTask(task))
		}
	}
	for jobID, records := range m.records {
		for _, record := range records {
			clone := *record
			c.records[jobID] = append(c.records[jobID], &clone)
		}
	}
	for id, message := range m.messages {
		c.messages[id] = cloneMessage(message)
	}
	for provider, id := range m.byProv {
		c.byProv[provider] = id
	}
	for key, batch := range m.batches {
		clone := *batch
		c.batches[key] = &clone
	}
	for jobID, seq := range m.seqs {
		c.seqs[jobID] = seq
	}
	return c
}

func cloneTask(task *domain.Task) *domain.Task {
	clone := *task
	clone.Payload = append([]byte(nil), task.Payload...)
	return &clone
}

func cloneMessage(message *domain.OutgoingMessage) *domain.OutgoingMessage {
	clone := *message
	if message.Variables != nil {
		clone.Variables = make(map[string]string, len(message.Variables))
		for key, value := range message.Variables {
			clone.Variables[key] = value
		}
	}
	return &clone
}

func containsStatus(values []domain.LeaveStatus, target domain.LeaveStatus) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
