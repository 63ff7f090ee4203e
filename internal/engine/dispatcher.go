package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/studyforge/studyforge/internal/job"
)

// Options are the engine's recognized configuration knobs.
type Options struct {
	MaxAttempts        int
	BackoffBase        time.Duration
	BackoffCap         time.Duration
	StalenessThreshold time.Duration
	ClaimBatchSize     int
	TickTimeBudget     time.Duration
}

// OwnerStore lets the dispatcher propagate a terminal job failure to the
// owning aggregate.
type OwnerStore interface {
	MarkFailed(ctx context.Context, ownerRef, reason string) error
}

// Report summarizes one dispatch cycle.
type Report struct {
	Swept     int `json:"swept"`
	Claimed   int `json:"claimed"`
	Completed int `json:"completed"`
	Advanced  int `json:"advanced"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
}

// Dispatcher claims runnable jobs, invokes the worker registered for each
// job's type, and applies the returned outcome to the store. It holds no
// long-lived state, so any number of instances may run concurrently; the claim
// protocol's mutual exclusion is the only coordination between them.
type Dispatcher struct {
	store   job.Store
	owners  OwnerStore
	workers map[job.Type]Worker
	opts    Options
	id      string
	log     *slog.Logger
}

// New constructs a Dispatcher. The instance id becomes locked_by on every job
// this dispatcher claims.
func New(store job.Store, owners OwnerStore, opts Options, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:   store,
		owners:  owners,
		workers: make(map[job.Type]Worker),
		opts:    opts,
		id:      uuid.New().String(),
		log:     log,
	}
}

// Register binds a worker to a job type. Not safe for concurrent use with
// RunOnce; register everything at startup.
func (d *Dispatcher) Register(t job.Type, w Worker) {
	d.workers[t] = w
}

// RunOnce executes one dispatch cycle: sweep orphans, claim a batch, tick each
// claimed job, apply outcomes. It returns a non-nil error only on store
// failures; individual job failures are part of the report.
func (d *Dispatcher) RunOnce(ctx context.Context) (Report, error) {
	var report Report

	swept, err := d.store.SweepOrphans(ctx, d.opts.StalenessThreshold)
	if err != nil {
		return report, fmt.Errorf("sweep orphans: %w", err)
	}
	report.Swept = swept
	if swept > 0 {
		d.log.Info("reclaimed orphaned jobs", "count", swept)
	}

	types := make([]job.Type, 0, len(d.workers))
	for t := range d.workers {
		types = append(types, t)
	}

	claimed, err := d.store.Claim(ctx, types, d.opts.ClaimBatchSize, d.id)
	if err != nil {
		return report, fmt.Errorf("claim: %w", err)
	}
	report.Claimed = len(claimed)

	budget := NewBudget(d.opts.TickTimeBudget)
	for _, j := range claimed {
		d.tickOne(ctx, j, budget, &report)
	}
	return report, nil
}

func (d *Dispatcher) tickOne(ctx context.Context, j *job.Job, budget *Budget, report *Report) {
	// Out of budget for this invocation: put the job back untouched so the
	// next cycle resumes it from its last checkpoint.
	if budget.Exhausted() {
		if err := d.store.Advance(ctx, j.ID, d.id, j.Stage, j.Progress, j.Payload, j.Cursor, 0); err != nil {
			d.applyErr("defer", j, err)
			return
		}
		report.Advanced++
		return
	}

	if err := job.ValidatePayload(j.Type, j.Payload); err != nil {
		d.failJob(ctx, j, fmt.Sprintf("payload schema: %v", err), false, true)
		report.Failed++
		return
	}

	worker, ok := d.workers[j.Type]
	if !ok {
		d.failJob(ctx, j, fmt.Sprintf("no worker registered for job type %s", j.Type), false, true)
		report.Failed++
		return
	}

	outcome := d.safeTick(ctx, worker, j, budget)

	switch outcome.kind {
	case kindAdvance:
		if err := d.store.Advance(ctx, j.ID, d.id, outcome.stage, outcome.progress, outcome.payload, outcome.cursor, outcome.delay); err != nil {
			d.applyErr("advance", j, err)
			return
		}
		report.Advanced++

	case kindComplete:
		if err := d.store.Complete(ctx, j.ID, d.id); err != nil {
			d.applyErr("complete", j, err)
			return
		}
		report.Completed++

	case kindRetry:
		attempts := j.AttemptCount + 1
		if attempts >= d.opts.MaxAttempts {
			reason := fmt.Sprintf("retries exhausted after %d attempts: %s", attempts, outcome.reason)
			d.failJob(ctx, j, reason, outcome.covered, true)
			report.Failed++
			return
		}
		delay := backoffDelay(d.opts.BackoffBase, d.opts.BackoffCap, attempts)
		if err := d.store.Retry(ctx, j.ID, d.id, outcome.reason, delay); err != nil {
			d.applyErr("retry", j, err)
			return
		}
		d.log.Warn("job will retry", "job_id", j.ID, "type", j.Type, "attempt", attempts, "delay", delay, "reason", outcome.reason)
		report.Retried++

	case kindFail:
		d.failJob(ctx, j, outcome.reason, outcome.covered, false)
		report.Failed++
	}
}

// safeTick converts a worker panic into a transient retry so one bad tick
// cannot take the whole dispatch cycle down.
func (d *Dispatcher) safeTick(ctx context.Context, w Worker, j *job.Job, budget *Budget) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("worker panicked", "job_id", j.ID, "type", j.Type, "panic", r)
			outcome = Retry(fmt.Errorf("worker panic: %v", r))
		}
	}()
	return w.Tick(ctx, j, budget)
}

// applyErr logs a failed outcome write. A lost lock means the job was swept
// and possibly re-claimed mid-tick; the outcome is dropped so the new
// claimant's state stays intact.
func (d *Dispatcher) applyErr(op string, j *job.Job, err error) {
	if errors.Is(err, job.ErrLockLost) {
		d.log.Warn("claim lost before outcome applied", "op", op, "job_id", j.ID, "type", j.Type)
		return
	}
	d.log.Error(op+" job", "job_id", j.ID, "error", err)
}

func (d *Dispatcher) failJob(ctx context.Context, j *job.Job, reason string, covered, deadLetter bool) {
	if err := d.store.Fail(ctx, j.ID, d.id, reason); err != nil {
		d.applyErr("fail", j, err)
		return
	}
	if deadLetter {
		if err := d.store.InsertDeadLetter(ctx, j, reason); err != nil {
			d.log.Error("insert dead letter", "job_id", j.ID, "error", err)
		}
	}
	d.log.Error("job failed permanently", "job_id", j.ID, "type", j.Type, "owner", j.OwnerRef, "reason", reason)

	if covered {
		return
	}
	if err := d.owners.MarkFailed(ctx, j.OwnerRef, reason); err != nil {
		d.log.Error("mark owner failed", "owner", j.OwnerRef, "error", err)
	}
}
