package state

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the referenced record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a requested transition violates the task
	// state machine, e.g. cancelling a live task.
	ErrConflict = errors.New("state conflict")

	// ErrWABATaken is returned when another organization already committed
	// the same WABA.
	ErrWABATaken = errors.New("waba already claimed by another organization")
)

// Store owns every state transition of the coordination layer. All writes are
// single conditional updates (compare-and-swap on current status), never
// read-then-write, so racing workers and scheduler instances cannot both
// succeed. Each call commits independently of any caller transaction.
type Store interface {
	// CreateTask inserts a PENDING task, deduplicating on the idempotency
	// key. Returns the stored record and whether this call created it.
	CreateTask(ctx context.Context, task TaskRecord) (TaskRecord, bool, error)

	GetTask(ctx context.Context, taskID string) (TaskRecord, bool, error)

	// TryClaim transitions PENDING->PROCESSING, records the start time and
	// increments the claim attempt counter. Returns whether this call won.
	TryClaim(ctx context.Context, taskID string, now time.Time) (bool, error)

	// VerifyOwnership reports whether the task is still PROCESSING.
	VerifyOwnership(ctx context.Context, taskID string) (bool, error)

	// MarkStepCompleted persists a step marker plus resolved outputs,
	// conditional on the task still being PROCESSING. A false return means
	// ownership was lost; nothing was written.
	MarkStepCompleted(ctx context.Context, taskID string, step Step, patch ResolvedPatch) (bool, error)

	// MarkCompleted commits the terminal success. Allowed from PROCESSING or
	// FAILED (a slow worker may finish after another path marked the task
	// failed) but never over CANCELLED. A false return means the result must
	// be discarded; it is not an error.
	MarkCompleted(ctx context.Context, taskID, accountID, summary string) (bool, error)

	// MarkFailed commits the terminal failure, allowed only from PROCESSING
	// so a straggler can never clobber COMPLETED or CANCELLED.
	MarkFailed(ctx context.Context, taskID, lastError string) (bool, error)

	// MarkCancelled is idempotent on CANCELLED, succeeds from FAILED or from
	// PROCESSING older than stuckAfter, and returns ErrConflict for PENDING,
	// fresh PROCESSING and COMPLETED.
	MarkCancelled(ctx context.Context, taskID, reason string, stuckAfter time.Duration, now time.Time) (TaskRecord, error)

	// ResetStuck returns PROCESSING tasks started before olderThan to
	// PENDING, conditional on each row still being stale PROCESSING.
	ResetStuck(ctx context.Context, olderThan time.Time) ([]TaskRecord, error)

	// ListStalePending returns PENDING tasks not touched since olderThan,
	// oldest first. Rows a crash orphaned between create and claim show up
	// here.
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]TaskRecord, error)

	// ListRetryableFailed returns FAILED tasks below the retry limit.
	ListRetryableFailed(ctx context.Context, maxRetries, limit int) ([]TaskRecord, error)

	// ResetFailed transitions FAILED->PENDING for a scheduler retry.
	ResetFailed(ctx context.Context, taskID string) (bool, error)

	// ListArchivable returns unarchived terminal tasks finished before
	// olderThan.
	ListArchivable(ctx context.Context, olderThan time.Time, limit int) ([]TaskRecord, error)

	MarkArchived(ctx context.Context, taskID string, at time.Time) error

	// CreateAccount inserts the onboarded account; ErrWABATaken when the
	// WABA id is already committed.
	CreateAccount(ctx context.Context, account AccountRecord) error

	GetAccountByWABA(ctx context.Context, wabaID string) (AccountRecord, bool, error)

	// EnsureRegistrationPending records registration intent, inserting a
	// PENDING row if none exists, and returns the current record.
	EnsureRegistrationPending(ctx context.Context, phoneNumberID, wabaID string) (RegistrationRecord, error)

	GetRegistration(ctx context.Context, phoneNumberID string) (RegistrationRecord, bool, error)

	// FinalizeRegistration transitions PENDING to the given terminal status,
	// conditional on the row still being PENDING.
	FinalizeRegistration(ctx context.Context, phoneNumberID string, to RegistrationStatus, lastError string) (bool, error)

	// ResetRegistrationFailed transitions REGISTRATION_FAILED back to
	// PENDING for a fresh attempt.
	ResetRegistrationFailed(ctx context.Context, phoneNumberID string) (bool, error)

	CountRegistrationsByWABA(ctx context.Context, wabaID string) (int, error)

	UpsertCredential(ctx context.Context, cred CredentialRecord) error

	GetCredential(ctx context.Context, orgID string) (CredentialRecord, bool, error)
}
