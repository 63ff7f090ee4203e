package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = errors.New("job not found")

// ErrLockLost is returned when a release mutation finds the job no longer
// locked by the caller: the job was swept as an orphan, and possibly claimed
// by another worker, while the caller was still ticking it.
var ErrLockLost = errors.New("job lock lost")

// SQLiteStore is a SQLite-backed implementation of Store.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// WAL mode for better concurrent read performance; busy_timeout so
	// concurrent dispatchers wait on the write lock instead of erroring.
	if _, err = db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id                TEXT PRIMARY KEY,
			owner_ref         TEXT NOT NULL,
			job_type          TEXT NOT NULL,
			status            TEXT NOT NULL DEFAULT 'pending',
			stage             TEXT NOT NULL DEFAULT '',
			progress          INTEGER NOT NULL DEFAULT 0,
			payload           TEXT NOT NULL DEFAULT '{}',
			checkpoint_cursor INTEGER NOT NULL DEFAULT 0,
			dedupe_key        TEXT,
			locked_by         TEXT NOT NULL DEFAULT '',
			locked_at         DATETIME,
			attempt_count     INTEGER NOT NULL DEFAULT 0,
			error_message     TEXT NOT NULL DEFAULT '',
			next_retry_at     DATETIME,
			created_at        DATETIME NOT NULL,
			updated_at        DATETIME NOT NULL,
			completed_at      DATETIME
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_dedupe ON jobs(dedupe_key) WHERE dedupe_key IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, created_at);
		CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner_ref, job_type, status);

		CREATE TABLE IF NOT EXISTS dead_letters (
			id         TEXT PRIMARY KEY,
			job_id     TEXT NOT NULL UNIQUE,
			owner_ref  TEXT NOT NULL,
			job_type   TEXT NOT NULL,
			reason     TEXT NOT NULL,
			payload    TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL
		);
	`)
	return err
}

const jobColumns = `id, owner_ref, job_type, status, stage, progress, payload, checkpoint_cursor,
	dedupe_key, locked_by, locked_at, attempt_count, error_message, next_retry_at,
	created_at, updated_at, completed_at`

func (s *SQLiteStore) Spawn(ctx context.Context, req SpawnRequest) (string, error) {
	id := uuid.New().String()
	now := s.now().UTC()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, owner_ref, job_type, status, stage, payload, dedupe_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dedupe_key) WHERE dedupe_key IS NOT NULL DO NOTHING
	`,
		id,
		req.OwnerRef,
		req.Type,
		StatusPending,
		InitialStage(req.Type),
		payloadOrEmpty(req.Payload),
		nullableString(req.DedupeKey),
		now,
		now,
	)
	if err != nil {
		return "", fmt.Errorf("spawn %s job: %w", req.Type, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("spawn %s job: rows affected: %w", req.Type, err)
	}
	if n > 0 {
		return id, nil
	}

	// Lost the insert to an earlier spawn with the same dedupe key.
	var existing string
	err = s.db.QueryRowContext(ctx, `SELECT id FROM jobs WHERE dedupe_key = ?`, req.DedupeKey).Scan(&existing)
	if err != nil {
		return "", fmt.Errorf("spawn %s job: lookup dedupe key %q: %w", req.Type, req.DedupeKey, err)
	}
	return existing, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

// Claim is a single conditional UPDATE...RETURNING: only rows still pending at
// commit time transition to processing, so two concurrent dispatchers can
// never win the same row.
func (s *SQLiteStore) Claim(ctx context.Context, types []Type, limit int, workerID string) ([]*Job, error) {
	if limit <= 0 || len(types) == 0 {
		return nil, nil
	}
	now := s.now().UTC()

	placeholders := strings.Repeat("?,", len(types))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]interface{}, 0, len(types)+5)
	args = append(args, StatusProcessing, workerID, now, now, now)
	for _, t := range types {
		args = append(args, t)
	}
	args = append(args, limit, StatusPending)

	//nolint:gosec // placeholders is built from "?" only
	query := fmt.Sprintf(`
		UPDATE jobs SET status = ?, locked_by = ?, locked_at = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'pending'
			  AND (next_retry_at IS NULL OR next_retry_at <= ?)
			  AND job_type IN (%s)
			ORDER BY created_at ASC
			LIMIT ?
		) AND status = ?
		RETURNING %s
	`, placeholders, jobColumns)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var claimed []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed job: %w", err)
		}
		claimed = append(claimed, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed jobs: %w", err)
	}
	return claimed, nil
}

func (s *SQLiteStore) Heartbeat(ctx context.Context, id, lockedBy string) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET locked_at = ?, updated_at = ? WHERE id = ? AND locked_by = ? AND status = ?
	`, now, now, id, lockedBy, StatusProcessing)
	if err != nil {
		return fmt.Errorf("heartbeat job %s: %w", id, err)
	}
	return s.requireClaim(ctx, res, id)
}

func (s *SQLiteStore) Advance(ctx context.Context, id, lockedBy, stage string, progress int, payload []byte, cursor int, delay time.Duration) error {
	now := s.now().UTC()
	var nextRetry interface{}
	if delay > 0 {
		nextRetry = now.Add(delay)
	}

	// MAX keeps progress monotonically non-decreasing even if a re-run of an
	// earlier tick reports a smaller value.
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = ?, stage = ?, progress = MAX(progress, ?), payload = ?,
			checkpoint_cursor = ?, locked_by = '', locked_at = NULL,
			next_retry_at = ?, updated_at = ?
		WHERE id = ? AND locked_by = ?
	`, StatusPending, stage, progress, payloadOrEmpty(payload), cursor, nextRetry, now, id, lockedBy)
	if err != nil {
		return fmt.Errorf("advance job %s to %s: %w", id, stage, err)
	}
	return s.requireClaim(ctx, res, id)
}

func (s *SQLiteStore) Complete(ctx context.Context, id, lockedBy string) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = ?, stage = ?, progress = 100, locked_by = '', locked_at = NULL,
			error_message = '', next_retry_at = NULL, completed_at = ?, updated_at = ?
		WHERE id = ? AND locked_by = ?
	`, StatusCompleted, StageCompleted, now, now, id, lockedBy)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	return s.requireClaim(ctx, res, id)
}

func (s *SQLiteStore) Retry(ctx context.Context, id, lockedBy, reason string, delay time.Duration) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = ?, attempt_count = attempt_count + 1, error_message = ?,
			next_retry_at = ?, locked_by = '', locked_at = NULL, updated_at = ?
		WHERE id = ? AND locked_by = ?
	`, StatusPending, reason, now.Add(delay), now, id, lockedBy)
	if err != nil {
		return fmt.Errorf("retry job %s: %w", id, err)
	}
	return s.requireClaim(ctx, res, id)
}

func (s *SQLiteStore) Fail(ctx context.Context, id, lockedBy, reason string) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = ?, stage = ?, error_message = ?, locked_by = '', locked_at = NULL,
			next_retry_at = NULL, completed_at = ?, updated_at = ?
		WHERE id = ? AND locked_by = ?
	`, StatusFailed, StageFailed, reason, now, now, id, lockedBy)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	return s.requireClaim(ctx, res, id)
}

func (s *SQLiteStore) CountActive(ctx context.Context, owner string, t Type) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE owner_ref = ? AND job_type = ? AND status IN (?, ?)
	`, owner, t, StatusPending, StatusProcessing).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active %s jobs for %s: %w", t, owner, err)
	}
	return n, nil
}

func (s *SQLiteStore) ListByOwner(ctx context.Context, owner string) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE owner_ref = ? ORDER BY created_at ASC
	`, owner)
	if err != nil {
		return nil, fmt.Errorf("list jobs for %s: %w", owner, err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// List returns jobs ordered by created_at DESC with pagination, and the total count.
func (s *SQLiteStore) List(ctx context.Context, limit, offset int) ([]*Job, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

func (s *SQLiteStore) SweepOrphans(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := s.now().UTC().Add(-threshold)
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, locked_by = '', locked_at = NULL, updated_at = ?
		WHERE status = ? AND locked_at <= ? AND updated_at <= ?
	`, StatusPending, s.now().UTC(), StatusProcessing, cutoff, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep orphans: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep orphans: rows affected: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) InsertDeadLetter(ctx context.Context, j *Job, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (id, job_id, owner_ref, job_type, reason, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET reason = excluded.reason, created_at = excluded.created_at
	`, uuid.New().String(), j.ID, j.OwnerRef, j.Type, reason, payloadOrEmpty(j.Payload), s.now().UTC())
	if err != nil {
		return fmt.Errorf("insert dead letter for job %s: %w", j.ID, err)
	}
	return nil
}

func (s *SQLiteStore) ListDeadLetters(ctx context.Context) ([]*DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, owner_ref, job_type, reason, payload, created_at
		FROM dead_letters ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var letters []*DeadLetter
	for rows.Next() {
		d := &DeadLetter{}
		var payload string
		if err := rows.Scan(&d.ID, &d.JobID, &d.OwnerRef, &d.Type, &d.Reason, &payload, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		d.Payload = []byte(payload)
		letters = append(letters, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return letters, nil
}

func (s *SQLiteStore) Requeue(ctx context.Context, deadLetterID string) error {
	var jobID string
	err := s.db.QueryRowContext(ctx, `SELECT job_id FROM dead_letters WHERE id = ?`, deadLetterID).Scan(&jobID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("dead letter %s: %w", deadLetterID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lookup dead letter %s: %w", deadLetterID, err)
	}

	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = ?, attempt_count = 0, error_message = '', next_retry_at = NULL,
			locked_by = '', locked_at = NULL, completed_at = NULL, updated_at = ?
		WHERE id = ?
	`, StatusPending, now, jobID)
	if err != nil {
		return fmt.Errorf("requeue job %s: %w", jobID, err)
	}
	if err := requireRow(res, jobID); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, deadLetterID); err != nil {
		return fmt.Errorf("delete dead letter %s: %w", deadLetterID, err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	j := &Job{}
	var payload string
	var dedupeKey sql.NullString
	var lockedAt, nextRetryAt, completedAt sql.NullTime

	err := row.Scan(
		&j.ID, &j.OwnerRef, &j.Type, &j.Status, &j.Stage, &j.Progress,
		&payload, &j.Cursor, &dedupeKey, &j.LockedBy, &lockedAt,
		&j.AttemptCount, &j.ErrorMessage, &nextRetryAt,
		&j.CreatedAt, &j.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	j.Payload = []byte(payload)
	if dedupeKey.Valid {
		j.DedupeKey = dedupeKey.String
	}
	if lockedAt.Valid {
		t := lockedAt.Time
		j.LockedAt = &t
	}
	if nextRetryAt.Valid {
		t := nextRetryAt.Time
		j.NextRetryAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return j, nil
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// requireClaim distinguishes a zero-row conditional update: the id is unknown
// (ErrNotFound) or the row exists but the caller's lock is gone (ErrLockLost).
func (s *SQLiteStore) requireClaim(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("job %s: rows affected: %w", id, err)
	}
	if n > 0 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("job %s: %w", id, err)
	}
	return fmt.Errorf("job %s: %w", id, ErrLockLost)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("job %s: rows affected: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

func payloadOrEmpty(b []byte) string {
	if len(b) == 0 {
		return "{}"
	}
	return string(b)
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
