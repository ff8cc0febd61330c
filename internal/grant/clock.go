package grant

import "sync/atomic"

// Clock is the ledger time source: a monotonically non-decreasing
// counter used for issuance and expiry stamps. The engine advances it
// by one unit after every successful mutating call; it never moves
// backwards.
type Clock interface {
	Now() uint64
	Advance(delta uint64)
}

// StepClock is an in-process Clock. Safe for concurrent use.
type StepClock struct {
	t atomic.Uint64
}

// NewStepClock creates a clock positioned at start.
func NewStepClock(start uint64) *StepClock {
	c := &StepClock{}
	c.t.Store(start)
	return c
}

// Now returns the current ledger time without advancing it.
func (c *StepClock) Now() uint64 { return c.t.Load() }

// Advance moves the clock forward by delta units.
func (c *StepClock) Advance(delta uint64) { c.t.Add(delta) }
