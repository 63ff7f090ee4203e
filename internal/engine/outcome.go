// Package engine is the job-orchestration core: the worker contract, the
// per-invocation time budget, and the dispatcher that drains the job graph
// one bounded tick at a time.
package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/studyforge/studyforge/internal/job"
)

type outcomeKind int

const (
	kindAdvance outcomeKind = iota
	kindComplete
	kindRetry
	kindFail
)

// Outcome is the result of one worker tick. Workers never write job lifecycle
// fields themselves; the dispatcher applies the outcome to the store exactly
// once per tick.
type Outcome struct {
	kind     outcomeKind
	stage    string
	progress int
	payload  json.RawMessage
	cursor   int
	delay    time.Duration
	reason   string
	// covered marks a permanent failure that a sibling path accounts for
	// (a failed segment is recorded by the barrier, not fatal to the owner).
	covered bool
}

// Advance checkpoints payload/cursor, releases the claim and re-queues the job
// at stage. Passing the job's current stage defers the tick without losing work.
func Advance(stage string, progress int, payload json.RawMessage, cursor int) Outcome {
	return Outcome{kind: kindAdvance, stage: stage, progress: progress, payload: payload, cursor: cursor}
}

// WithDelay keeps the job invisible to claims for d. Used by the barrier so
// the dispatcher owns the polling interval instead of an in-process sleep.
func (o Outcome) WithDelay(d time.Duration) Outcome {
	o.delay = d
	return o
}

// Complete marks the job done. Successors must already have been spawned
// (idempotently) by the worker before returning this.
func Complete() Outcome {
	return Outcome{kind: kindComplete}
}

// Retry reports a transient failure; the dispatcher applies backoff and the
// retry ceiling.
func Retry(err error) Outcome {
	return Outcome{kind: kindRetry, reason: err.Error()}
}

// Fail reports a permanent failure that also fails the owning document.
func Fail(err error) Outcome {
	return Outcome{kind: kindFail, reason: err.Error()}
}

// Covered marks this failure (or retry exhaustion) as accounted for by a
// sibling path: the job still fails terminally, but the owning document keeps
// processing and the downstream barrier records the gap.
func (o Outcome) Covered() Outcome {
	o.covered = true
	return o
}

// Worker executes one bounded tick against one claimed job. Implementations
// must checkpoint (via Advance) before the budget runs out rather than start
// work they may not finish.
type Worker interface {
	Tick(ctx context.Context, j *job.Job, b *Budget) Outcome
}

// WorkerFunc adapts a function to the Worker interface.
type WorkerFunc func(ctx context.Context, j *job.Job, b *Budget) Outcome

func (f WorkerFunc) Tick(ctx context.Context, j *job.Job, b *Budget) Outcome {
	return f(ctx, j, b)
}
