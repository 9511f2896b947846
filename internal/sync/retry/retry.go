// Package retry provides the backoff schedule for queued message delivery.
package retry

import (
	"time"

	"github.com/notestash/relay/internal/errors"
)

// DefaultSchedule is the escalating delay applied after each failure.
var DefaultSchedule = []time.Duration{
	5 * time.Second,
	10 * time.Second,
	15 * time.Second,
	30 * time.Second,
}

// Policy maps failure counts to retry delays.
type Policy struct {
	schedule    []time.Duration
	maxAttempts int
}

// NewPolicy creates a Policy. An empty schedule uses DefaultSchedule.
// maxAttempts <= 0 means delivery is retried forever.
func NewPolicy(schedule []time.Duration, maxAttempts int) (*Policy, error) {
	if len(schedule) == 0 {
		schedule = DefaultSchedule
	}
	for i, d := range schedule {
		if d <= 0 {
			return nil, errors.Newf(errors.ErrConfigInvalid, "retry schedule entry %d must be positive, got %s", i, d)
		}
		if i > 0 && d < schedule[i-1] {
			return nil, errors.Newf(errors.ErrConfigInvalid, "retry schedule must be non-decreasing (%s after %s)", d, schedule[i-1])
		}
	}
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	return &Policy{
		schedule:    append([]time.Duration(nil), schedule...),
		maxAttempts: maxAttempts,
	}, nil
}

// DefaultPolicy returns the default schedule with unlimited attempts.
func DefaultPolicy() *Policy {
	p, _ := NewPolicy(nil, 0)
	return p
}

// NextDelay returns the delay after a failure, given the number of failures
// recorded before it. 0 maps to the first entry; counts past the end of the
// schedule hold at the last entry.
func (p *Policy) NextDelay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts >= len(p.schedule) {
		return p.schedule[len(p.schedule)-1]
	}
	return p.schedule[attempts]
}

// Longest returns the last (largest) schedule entry.
func (p *Policy) Longest() time.Duration {
	return p.schedule[len(p.schedule)-1]
}

// Exhausted reports whether a message that has failed attempts times should
// stop being retried.
func (p *Policy) Exhausted(attempts int) bool {
	return p.maxAttempts > 0 && attempts >= p.maxAttempts
}

// MaxAttempts returns the configured cap, 0 meaning unlimited.
func (p *Policy) MaxAttempts() int {
	return p.maxAttempts
}

// Schedule returns a copy of the delay schedule.
func (p *Policy) Schedule() []time.Duration {
	return append([]time.Duration(nil), p.schedule...)
}
