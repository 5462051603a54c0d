package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/db/migrations"
)

// PostgresStore implements Store on a single Postgres database. Concurrency
// control is entirely conditional UPDATE statements; the WHERE clause carries
// the expected current status, so only one of several racing writers sees
// RowsAffected == 1.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if !hasSQLDriver("pgx") {
		return nil, errors.New("pgx SQL driver is not linked; import github.com/jackc/pgx/v5/stdlib")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	store := &PostgresStore{db: db}
	if err := store.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func hasSQLDriver(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return err
	}
	files, err := listMigrationFiles(migrations.Files)
	if err != nil {
		return err
	}
	for _, file := range files {
		applied, err := p.isMigrationApplied(ctx, file)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := p.applyMigration(ctx, file); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) isMigrationApplied(ctx context.Context, version string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) applyMigration(ctx context.Context, file string) error {
	sqlBytes, err := migrations.Files.ReadFile(file)
	if err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, file, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

const taskColumns = `id, org_id, idempotency_key, waba_id, phone_number_id,
	resolved_waba_id, resolved_business_id, resolved_phone_number_id,
	status, completed_steps, attempts, retry_count, started_at, completed_at,
	last_error, result_account_id, summary, archived_at, created_at, updated_at`

func (p *PostgresStore) CreateTask(ctx context.Context, task TaskRecord) (TaskRecord, bool, error) {
	now := time.Now().UTC()
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO tasks (id, org_id, idempotency_key, waba_id, phone_number_id, status, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		task.ID, task.OrgID, task.IdempotencyKey, task.WABAID, task.PhoneNumberID, TaskPending, now,
	)
	if err != nil {
		return TaskRecord{}, false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return TaskRecord{}, false, err
	}
	stored, found, err := p.getTaskByKey(ctx, task.IdempotencyKey)
	if err != nil {
		return TaskRecord{}, false, err
	}
	if !found {
		return TaskRecord{}, false, fmt.Errorf("task with key %s vanished after insert", task.IdempotencyKey)
	}
	return stored, rows == 1, nil
}

func (p *PostgresStore) getTaskByKey(ctx context.Context, key string) (TaskRecord, bool, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE idempotency_key=$1`, key,
	)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRecord{}, false, nil
	}
	if err != nil {
		return TaskRecord{}, false, err
	}
	return t, true, nil
}

func (p *PostgresStore) GetTask(ctx context.Context, taskID string) (TaskRecord, bool, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id=$1`, taskID,
	)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRecord{}, false, nil
	}
	if err != nil {
		return TaskRecord{}, false, err
	}
	return t, true, nil
}

func (p *PostgresStore) TryClaim(ctx context.Context, taskID string, now time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE tasks SET status=$2, started_at=$3, attempts=attempts+1, updated_at=$3
		 WHERE id=$1 AND status=$4`,
		taskID, TaskProcessing, now, TaskPending,
	)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	return rows == 1, err
}

func (p *PostgresStore) VerifyOwnership(ctx context.Context, taskID string) (bool, error) {
	var status TaskStatus
	err := p.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id=$1`, taskID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return status == TaskProcessing, nil
}

func (p *PostgresStore) MarkStepCompleted(ctx context.Context, taskID string, step Step, patch ResolvedPatch) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE tasks SET
		 completed_steps = completed_steps | $2,
		 resolved_waba_id = CASE WHEN $3 <> '' THEN $3 ELSE resolved_waba_id END,
		 resolved_business_id = CASE WHEN $4 <> '' THEN $4 ELSE resolved_business_id END,
		 resolved_phone_number_id = CASE WHEN $5 <> '' THEN $5 ELSE resolved_phone_number_id END,
		 summary = CASE WHEN $6 <> '' THEN $6 ELSE summary END,
		 updated_at = $7
		 WHERE id=$1 AND status=$8`,
		taskID, int64(1)<<step, patch.WABAID, patch.BusinessID, patch.PhoneNumberID, patch.Summary,
		time.Now().UTC(), TaskProcessing,
	)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	return rows == 1, err
}

func (p *PostgresStore) MarkCompleted(ctx context.Context, taskID, accountID, summary string) (bool, error) {
	now := time.Now().UTC()
	res, err := p.db.ExecContext(ctx,
		`UPDATE tasks SET status=$2, last_error='',
		 result_account_id = CASE WHEN $3 <> '' THEN $3 ELSE result_account_id END,
		 summary = CASE WHEN $4 <> '' THEN $4 ELSE summary END,
		 completed_at=$5, updated_at=$5
		 WHERE id=$1 AND status IN ($6, $7)`,
		taskID, TaskCompleted, accountID, summary, now, TaskProcessing, TaskFailed,
	)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	return rows == 1, err
}

func (p *PostgresStore) MarkFailed(ctx context.Context, taskID, lastError string) (bool, error) {
	now := time.Now().UTC()
	res, err := p.db.ExecContext(ctx,
		`UPDATE tasks SET status=$2, last_error=$3, retry_count=retry_count+1, completed_at=$4, updated_at=$4
		 WHERE id=$1 AND status=$5`,
		taskID, TaskFailed, lastError, now, TaskProcessing,
	)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	return rows == 1, err
}

func (p *PostgresStore) MarkCancelled(ctx context.Context, taskID, reason string, stuckAfter time.Duration, now time.Time) (TaskRecord, error) {
	staleBefore := now.Add(-stuckAfter)
	res, err := p.db.ExecContext(ctx,
		`UPDATE tasks SET status=$2, last_error=$3, completed_at=$4, updated_at=$4
		 WHERE id=$1 AND (status=$5 OR (status=$6 AND started_at <= $7))`,
		taskID, TaskCancelled, reason, now, TaskFailed, TaskProcessing, staleBefore,
	)
	if err != nil {
		return TaskRecord{}, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return TaskRecord{}, err
	}
	t, found, err := p.GetTask(ctx, taskID)
	if err != nil {
		return TaskRecord{}, err
	}
	if !found {
		return TaskRecord{}, ErrNotFound
	}
	if rows == 1 || t.Status == TaskCancelled {
		return t, nil
	}
	return t, ErrConflict
}

func (p *PostgresStore) ResetStuck(ctx context.Context, olderThan time.Time) ([]TaskRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`UPDATE tasks SET status=$1, updated_at=$2
		 WHERE status=$3 AND started_at < $4
		 RETURNING `+taskColumns,
		TaskPending, time.Now().UTC(), TaskProcessing, olderThan,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]TaskRecord, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]TaskRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status=$1 AND updated_at <= $2
		 ORDER BY updated_at ASC LIMIT $3`,
		TaskPending, olderThan, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]TaskRecord, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListRetryableFailed(ctx context.Context, maxRetries, limit int) ([]TaskRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status=$1 AND retry_count < $2
		 ORDER BY updated_at ASC LIMIT $3`,
		TaskFailed, maxRetries, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]TaskRecord, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ResetFailed(ctx context.Context, taskID string) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE tasks SET status=$2, updated_at=$3 WHERE id=$1 AND status=$4`,
		taskID, TaskPending, time.Now().UTC(), TaskFailed,
	)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	return rows == 1, err
}

func (p *PostgresStore) ListArchivable(ctx context.Context, olderThan time.Time, limit int) ([]TaskRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status IN ($1, $2, $3) AND archived_at IS NULL
		 AND completed_at IS NOT NULL AND completed_at < $4
		 ORDER BY completed_at ASC LIMIT $5`,
		TaskCompleted, TaskCancelled, TaskFailed, olderThan, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]TaskRecord, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkArchived(ctx context.Context, taskID string, at time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE tasks SET archived_at=$2, updated_at=$2 WHERE id=$1`, taskID, at,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) CreateAccount(ctx context.Context, account AccountRecord) error {
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO accounts (id, org_id, waba_id, business_id, display_name, status, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (waba_id) DO NOTHING`,
		account.ID, account.OrgID, account.WABAID, account.BusinessID, account.DisplayName, account.Status, account.CreatedAt,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrWABATaken
	}
	return nil
}

func (p *PostgresStore) GetAccountByWABA(ctx context.Context, wabaID string) (AccountRecord, bool, error) {
	var a AccountRecord
	err := p.db.QueryRowContext(ctx,
		`SELECT id, org_id, waba_id, business_id, display_name, status, created_at
		 FROM accounts WHERE waba_id=$1`, wabaID,
	).Scan(&a.ID, &a.OrgID, &a.WABAID, &a.BusinessID, &a.DisplayName, &a.Status, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return AccountRecord{}, false, nil
	}
	if err != nil {
		return AccountRecord{}, false, err
	}
	return a, true, nil
}

func (p *PostgresStore) EnsureRegistrationPending(ctx context.Context, phoneNumberID, wabaID string) (RegistrationRecord, error) {
	now := time.Now().UTC()
	if _, err := p.db.ExecContext(ctx,
		`INSERT INTO registrations (phone_number_id, waba_id, status, attempts, created_at, updated_at)
		 VALUES ($1,$2,$3,1,$4,$4)
		 ON CONFLICT (phone_number_id) DO NOTHING`,
		phoneNumberID, wabaID, RegistrationPending, now,
	); err != nil {
		return RegistrationRecord{}, err
	}
	r, found, err := p.GetRegistration(ctx, phoneNumberID)
	if err != nil {
		return RegistrationRecord{}, err
	}
	if !found {
		return RegistrationRecord{}, fmt.Errorf("registration %s vanished after insert", phoneNumberID)
	}
	return r, nil
}

func (p *PostgresStore) GetRegistration(ctx context.Context, phoneNumberID string) (RegistrationRecord, bool, error) {
	var r RegistrationRecord
	err := p.db.QueryRowContext(ctx,
		`SELECT phone_number_id, waba_id, status, last_error, attempts, created_at, updated_at
		 FROM registrations WHERE phone_number_id=$1`, phoneNumberID,
	).Scan(&r.PhoneNumberID, &r.WABAID, &r.Status, &r.LastError, &r.Attempts, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RegistrationRecord{}, false, nil
	}
	if err != nil {
		return RegistrationRecord{}, false, err
	}
	return r, true, nil
}

func (p *PostgresStore) FinalizeRegistration(ctx context.Context, phoneNumberID string, to RegistrationStatus, lastError string) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE registrations SET status=$2, last_error=$3, updated_at=$4
		 WHERE phone_number_id=$1 AND status=$5`,
		phoneNumberID, to, lastError, time.Now().UTC(), RegistrationPending,
	)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	return rows == 1, err
}

func (p *PostgresStore) ResetRegistrationFailed(ctx context.Context, phoneNumberID string) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE registrations SET status=$2, attempts=attempts+1, last_error='', updated_at=$3
		 WHERE phone_number_id=$1 AND status=$4`,
		phoneNumberID, RegistrationPending, time.Now().UTC(), RegistrationFailed,
	)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	return rows == 1, err
}

func (p *PostgresStore) CountRegistrationsByWABA(ctx context.Context, wabaID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM registrations WHERE waba_id=$1 AND status <> $2`,
		wabaID, RegistrationDisabled,
	).Scan(&n)
	return n, err
}

func (p *PostgresStore) UpsertCredential(ctx context.Context, cred CredentialRecord) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO credentials (org_id, envelope, expires_at, service_identity, updated_at)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (org_id) DO UPDATE SET
		 envelope=EXCLUDED.envelope,
		 expires_at=EXCLUDED.expires_at,
		 service_identity=EXCLUDED.service_identity,
		 updated_at=EXCLUDED.updated_at`,
		cred.OrgID, cred.Envelope, nullTime(cred.ExpiresAt), cred.ServiceIdentity, time.Now().UTC(),
	)
	return err
}

func (p *PostgresStore) GetCredential(ctx context.Context, orgID string) (CredentialRecord, bool, error) {
	var c CredentialRecord
	var expiresAt sql.NullTime
	err := p.db.QueryRowContext(ctx,
		`SELECT org_id, envelope, expires_at, service_identity, updated_at
		 FROM credentials WHERE org_id=$1`, orgID,
	).Scan(&c.OrgID, &c.Envelope, &expiresAt, &c.ServiceIdentity, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CredentialRecord{}, false, nil
	}
	if err != nil {
		return CredentialRecord{}, false, err
	}
	if expiresAt.Valid {
		c.ExpiresAt = expiresAt.Time
	}
	return c, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (TaskRecord, error) {
	var t TaskRecord
	var completedSteps int64
	var startedAt, completedAt, archivedAt sql.NullTime
	err := row.Scan(
		&t.ID, &t.OrgID, &t.IdempotencyKey, &t.WABAID, &t.PhoneNumberID,
		&t.ResolvedWABAID, &t.ResolvedBusinessID, &t.ResolvedPhoneNumberID,
		&t.Status, &completedSteps, &t.Attempts, &t.RetryCount, &startedAt, &completedAt,
		&t.LastError, &t.ResultAccount, &t.Summary, &archivedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return TaskRecord{}, err
	}
	t.CompletedSteps = StepSet(completedSteps)
	if startedAt.Valid {
		t.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = completedAt.Time
	}
	if archivedAt.Valid {
		t.ArchivedAt = archivedAt.Time
	}
	return t, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
