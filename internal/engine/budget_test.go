package engine

import (
	"testing"
	"time"
)

// fakeClock returns a now func that starts at a fixed instant and can be moved
// forward by the test.
func fakeClock() (func() time.Time, func(time.Duration)) {
	current := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	now := func() time.Time { return current }
	advance := func(d time.Duration) { current = current.Add(d) }
	return now, advance
}

func TestBudgetRemaining(t *testing.T) {
	now, advance := fakeClock()
	b := newBudget(4*time.Minute, now)

	if got := b.Remaining(); got != 4*time.Minute {
		t.Errorf("Remaining = %v, want 4m", got)
	}

	advance(90 * time.Second)
	if got := b.Remaining(); got != 150*time.Second {
		t.Errorf("Remaining = %v, want 2m30s", got)
	}

	advance(10 * time.Minute)
	if got := b.Remaining(); got != 0 {
		t.Errorf("Remaining = %v, want 0 once overspent", got)
	}
}

func TestBudgetAllows(t *testing.T) {
	now, advance := fakeClock()
	b := newBudget(time.Minute, now)

	if !b.Allows(time.Minute) {
		t.Error("Allows(1m) = false with a full 1m budget")
	}
	if b.Allows(61 * time.Second) {
		t.Error("Allows(61s) = true with a 1m budget")
	}

	advance(45 * time.Second)
	if b.Allows(30 * time.Second) {
		t.Error("Allows(30s) = true with 15s remaining")
	}
	if !b.Allows(10 * time.Second) {
		t.Error("Allows(10s) = false with 15s remaining")
	}
}

func TestBudgetExhausted(t *testing.T) {
	now, advance := fakeClock()
	b := newBudget(time.Second, now)

	if b.Exhausted() {
		t.Error("fresh budget reports exhausted")
	}
	advance(time.Second)
	if !b.Exhausted() {
		t.Error("spent budget reports not exhausted")
	}
}
