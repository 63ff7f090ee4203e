package job

import (
	"context"
	"time"
)

// Store persists jobs and implements the claim protocol. It is the only
// shared mutable resource between dispatcher instances: all mutual exclusion
// happens through Claim's atomic conditional update.
type Store interface {
	// Spawn creates a job in status pending. When the request carries a dedupe
	// key that already exists the call is a no-op returning the existing job's
	// id (insert-or-ignore, never read-then-write).
	Spawn(ctx context.Context, req SpawnRequest) (string, error)
	Get(ctx context.Context, id string) (*Job, error)

	// Claim atomically moves up to limit runnable jobs of the given types from
	// pending to processing, stamping locked_by/locked_at, and returns only the
	// rows this call actually won. FIFO by created_at.
	Claim(ctx context.Context, types []Type, limit int, workerID string) ([]*Job, error)

	// Heartbeat refreshes locked_at/updated_at on a processing job so the
	// orphan sweeper does not mistake slow work for a dead worker.
	Heartbeat(ctx context.Context, id, lockedBy string) error

	// Advance checkpoints a stage transition (or a same-stage deferral) and
	// releases the claim in the same update. A non-zero delay sets
	// next_retry_at so the job stays invisible to claims until then.
	//
	// Advance, Complete, Retry and Fail all write only while lockedBy still
	// matches the row's locked_by, and report ErrLockLost otherwise. A worker
	// that outlived the staleness threshold cannot clobber the checkpoint of
	// whoever re-claimed its job after the sweep.
	Advance(ctx context.Context, id, lockedBy, stage string, progress int, payload []byte, cursor int, delay time.Duration) error

	// Complete marks a job completed and releases the claim.
	Complete(ctx context.Context, id, lockedBy string) error

	// Retry releases the claim, increments attempt_count and schedules the job
	// for re-claim after delay. The retry ceiling is the dispatcher's concern.
	Retry(ctx context.Context, id, lockedBy, reason string, delay time.Duration) error

	// Fail marks a job permanently failed and releases the claim.
	Fail(ctx context.Context, id, lockedBy, reason string) error

	// CountActive returns the number of jobs for owner of type t still in
	// pending or processing. The synthesize barrier polls this; permanently
	// failed siblings are excluded from the wait set.
	CountActive(ctx context.Context, owner string, t Type) (int, error)

	ListByOwner(ctx context.Context, owner string) ([]*Job, error)
	List(ctx context.Context, limit, offset int) ([]*Job, int, error)

	// SweepOrphans resets processing jobs whose locked_at and updated_at are
	// both older than the threshold back to pending with the lock cleared.
	// attempt_count is untouched: a dead worker is not a failure of the job.
	SweepOrphans(ctx context.Context, threshold time.Duration) (int, error)

	// InsertDeadLetter records a job that exhausted its retry budget.
	InsertDeadLetter(ctx context.Context, j *Job, reason string) error
	ListDeadLetters(ctx context.Context) ([]*DeadLetter, error)
	// Requeue moves a dead-lettered job back to pending with a fresh retry
	// budget and removes the dead letter.
	Requeue(ctx context.Context, deadLetterID string) error
}
