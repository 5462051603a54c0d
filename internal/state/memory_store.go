package state

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-memory twin of PostgresStore. Every transition holds
// the mutex for the full check-and-set, giving it the same atomicity the SQL
// conditional updates provide.
type MemoryStore struct {
	mu            sync.Mutex
	tasks         map[string]TaskRecord
	byKey         map[string]string
	accounts      map[string]AccountRecord
	registrations map[string]RegistrationRecord
	credentials   map[string]CredentialRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:         make(map[string]TaskRecord),
		byKey:         make(map[string]string),
		accounts:      make(map[string]AccountRecord),
		registrations: make(map[string]RegistrationRecord),
		credentials:   make(map[string]CredentialRecord),
	}
}

func (m *MemoryStore) CreateTask(_ context.Context, task TaskRecord) (TaskRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byKey[task.IdempotencyKey]; ok {
		return m.tasks[id], false, nil
	}
	now := time.Now().UTC()
	task.Status = TaskPending
	task.CreatedAt = now
	task.UpdatedAt = now
	m.tasks[task.ID] = task
	m.byKey[task.IdempotencyKey] = task.ID
	return task, true, nil
}

func (m *MemoryStore) GetTask(_ context.Context, taskID string) (TaskRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	return t, ok, nil
}

func (m *MemoryStore) TryClaim(_ context.Context, taskID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok || t.Status != TaskPending {
		return false, nil
	}
	t.Status = TaskProcessing
	t.StartedAt = now
	t.Attempts++
	t.UpdatedAt = now
	m.tasks[taskID] = t
	return true, nil
}

func (m *MemoryStore) VerifyOwnership(_ context.Context, taskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	return ok && t.Status == TaskProcessing, nil
}

func (m *MemoryStore) MarkStepCompleted(_ context.Context, taskID string, step Step, patch ResolvedPatch) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok || t.Status != TaskProcessing {
		return false, nil
	}
	t.CompletedSteps = t.CompletedSteps.With(step)
	if patch.WABAID != "" {
		t.ResolvedWABAID = patch.WABAID
	}
	if patch.BusinessID != "" {
		t.ResolvedBusinessID = patch.BusinessID
	}
	if patch.PhoneNumberID != "" {
		t.ResolvedPhoneNumberID = patch.PhoneNumberID
	}
	if patch.Summary != "" {
		t.Summary = patch.Summary
	}
	t.UpdatedAt = time.Now().UTC()
	m.tasks[taskID] = t
	return true, nil
}

func (m *MemoryStore) MarkCompleted(_ context.Context, taskID, accountID, summary string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok || (t.Status != TaskProcessing && t.Status != TaskFailed) {
		return false, nil
	}
	now := time.Now().UTC()
	t.Status = TaskCompleted
	if accountID != "" {
		t.ResultAccount = accountID
	}
	if summary != "" {
		t.Summary = summary
	}
	t.LastError = ""
	t.CompletedAt = now
	t.UpdatedAt = now
	m.tasks[taskID] = t
	return true, nil
}

func (m *MemoryStore) MarkFailed(_ context.Context, taskID, lastError string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok || t.Status != TaskProcessing {
		return false, nil
	}
	now := time.Now().UTC()
	t.Status = TaskFailed
	t.LastError = lastError
	t.RetryCount++
	t.CompletedAt = now
	t.UpdatedAt = now
	m.tasks[taskID] = t
	return true, nil
}

func (m *MemoryStore) MarkCancelled(_ context.Context, taskID, reason string, stuckAfter time.Duration, now time.Time) (TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return TaskRecord{}, ErrNotFound
	}
	switch t.Status {
	case TaskCancelled:
		return t, nil
	case TaskFailed:
	case TaskProcessing:
		if t.StartedAt.After(now.Add(-stuckAfter)) {
			return t, ErrConflict
		}
	default:
		return t, ErrConflict
	}
	t.Status = TaskCancelled
	t.LastError = reason
	t.CompletedAt = now
	t.UpdatedAt = now
	m.tasks[taskID] = t
	return t, nil
}

func (m *MemoryStore) ResetStuck(_ context.Context, olderThan time.Time) ([]TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TaskRecord, 0)
	now := time.Now().UTC()
	for id, t := range m.tasks {
		if t.Status != TaskProcessing || !t.StartedAt.Before(olderThan) {
			continue
		}
		t.Status = TaskPending
		t.UpdatedAt = now
		m.tasks[id] = t
		out = append(out, t)
	}
	sortTasks(out)
	return out, nil
}

func (m *MemoryStore) ListStalePending(_ context.Context, olderThan time.Time, limit int) ([]TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TaskRecord, 0)
	for _, t := range m.tasks {
		if t.Status == TaskPending && !t.UpdatedAt.After(olderThan) {
			out = append(out, t)
		}
	}
	sortTasks(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListRetryableFailed(_ context.Context, maxRetries, limit int) ([]TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TaskRecord, 0)
	for _, t := range m.tasks {
		if t.Status == TaskFailed && t.RetryCount < maxRetries {
			out = append(out, t)
		}
	}
	sortTasks(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ResetFailed(_ context.Context, taskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok || t.Status != TaskFailed {
		return false, nil
	}
	t.Status = TaskPending
	t.UpdatedAt = time.Now().UTC()
	m.tasks[taskID] = t
	return true, nil
}

func (m *MemoryStore) ListArchivable(_ context.Context, olderThan time.Time, limit int) ([]TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TaskRecord, 0)
	for _, t := range m.tasks {
		terminal := t.Status == TaskCompleted || t.Status == TaskCancelled ||
			(t.Status == TaskFailed && !t.CompletedAt.IsZero())
		if !terminal || !t.ArchivedAt.IsZero() || !t.CompletedAt.Before(olderThan) {
			continue
		}
		out = append(out, t)
	}
	sortTasks(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkArchived(_ context.Context, taskID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	t.ArchivedAt = at
	t.UpdatedAt = at
	m.tasks[taskID] = t
	return nil
}

func (m *MemoryStore) CreateAccount(_ context.Context, account AccountRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[account.WABAID]; ok {
		return ErrWABATaken
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}
	m.accounts[account.WABAID] = account
	return nil
}

func (m *MemoryStore) GetAccountByWABA(_ context.Context, wabaID string) (AccountRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[wabaID]
	return a, ok, nil
}

func (m *MemoryStore) EnsureRegistrationPending(_ context.Context, phoneNumberID, wabaID string) (RegistrationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.registrations[phoneNumberID]; ok {
		return r, nil
	}
	now := time.Now().UTC()
	r := RegistrationRecord{
		PhoneNumberID: phoneNumberID,
		WABAID:        wabaID,
		Status:        RegistrationPending,
		Attempts:      1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.registrations[phoneNumberID] = r
	return r, nil
}

func (m *MemoryStore) GetRegistration(_ context.Context, phoneNumberID string) (RegistrationRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.registrations[phoneNumberID]
	return r, ok, nil
}

func (m *MemoryStore) FinalizeRegistration(_ context.Context, phoneNumberID string, to RegistrationStatus, lastError string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.registrations[phoneNumberID]
	if !ok || r.Status != RegistrationPending {
		return false, nil
	}
	r.Status = to
	r.LastError = lastError
	r.UpdatedAt = time.Now().UTC()
	m.registrations[phoneNumberID] = r
	return true, nil
}

func (m *MemoryStore) ResetRegistrationFailed(_ context.Context, phoneNumberID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.registrations[phoneNumberID]
	if !ok || r.Status != RegistrationFailed {
		return false, nil
	}
	r.Status = RegistrationPending
	r.Attempts++
	r.LastError = ""
	r.UpdatedAt = time.Now().UTC()
	m.registrations[phoneNumberID] = r
	return true, nil
}

func (m *MemoryStore) CountRegistrationsByWABA(_ context.Context, wabaID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.registrations {
		if r.WABAID == wabaID && r.Status != RegistrationDisabled {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) UpsertCredential(_ context.Context, cred CredentialRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred.UpdatedAt = time.Now().UTC()
	m.credentials[cred.OrgID] = cred
	return nil
}

func (m *MemoryStore) GetCredential(_ context.Context, orgID string) (CredentialRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[orgID]
	return c, ok, nil
}

func sortTasks(tasks []TaskRecord) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
}
