package engine

import "time"

// Budget tracks the wall-clock allowance of one dispatcher invocation. It is
// shared by every tick of the invocation: a worker checks Allows before
// starting a slow external call and defers instead of risking being killed
// mid-flight with no checkpoint saved.
type Budget struct {
	start time.Time
	limit time.Duration
	now   func() time.Time
}

// NewBudget starts a budget of limit from now.
func NewBudget(limit time.Duration) *Budget {
	return newBudget(limit, time.Now)
}

func newBudget(limit time.Duration, now func() time.Time) *Budget {
	return &Budget{start: now(), limit: limit, now: now}
}

// Remaining returns the unspent portion of the budget, never negative.
func (b *Budget) Remaining() time.Duration {
	r := b.limit - b.now().Sub(b.start)
	if r < 0 {
		return 0
	}
	return r
}

// Allows reports whether an operation expected to take d fits in the
// remaining budget.
func (b *Budget) Allows(d time.Duration) bool {
	return b.Remaining() >= d
}

// Exhausted reports whether no time is left at all.
func (b *Budget) Exhausted() bool {
	return b.Remaining() == 0
}
