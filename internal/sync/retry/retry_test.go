// Package retry tests for the backoff schedule.
package retry

import (
	"testing"
	"time"

	"github.com/notestash/relay/internal/errors"
)

// TestPolicy_NextDelay verifies the default schedule and its clamp.
func TestPolicy_NextDelay(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{-1, 5 * time.Second},
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 15 * time.Second},
		{3, 30 * time.Second},
		{4, 30 * time.Second},
		{100, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := p.NextDelay(tt.attempts); got != tt.want {
			t.Errorf("NextDelay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

// TestPolicy_NextDelayMonotonic verifies delays never decrease and become
// constant after the last schedule entry.
func TestPolicy_NextDelayMonotonic(t *testing.T) {
	schedules := [][]time.Duration{
		DefaultSchedule,
		{time.Second},
		{time.Second, time.Second, 2 * time.Second},
		{100 * time.Millisecond, time.Minute, time.Hour},
	}

	for _, s := range schedules {
		p, err := NewPolicy(s, 0)
		if err != nil {
			t.Fatalf("NewPolicy(%v) failed: %v", s, err)
		}
		prev := time.Duration(0)
		for n := 0; n < len(s)+10; n++ {
			d := p.NextDelay(n)
			if d < prev {
				t.Errorf("schedule %v: NextDelay(%d) = %v < NextDelay(%d) = %v", s, n, d, n-1, prev)
			}
			if n >= len(s)-1 && d != p.Longest() {
				t.Errorf("schedule %v: NextDelay(%d) = %v, want constant %v", s, n, d, p.Longest())
			}
			prev = d
		}
	}
}

func TestNewPolicy_invalid(t *testing.T) {
	bad := [][]time.Duration{
		{0},
		{time.Second, -time.Second},
		{10 * time.Second, 5 * time.Second},
	}
	for _, s := range bad {
		if _, err := NewPolicy(s, 0); !errors.Is(err, errors.ErrConfigInvalid) {
			t.Errorf("NewPolicy(%v) error = %v, want CONFIG_INVALID", s, err)
		}
	}
}

func TestPolicy_Exhausted(t *testing.T) {
	unlimited := DefaultPolicy()
	if unlimited.Exhausted(1_000_000) {
		t.Error("unlimited policy should never be exhausted")
	}

	p, _ := NewPolicy(nil, 3)
	if p.Exhausted(2) {
		t.Error("Exhausted(2) with max 3 should be false")
	}
	if !p.Exhausted(3) {
		t.Error("Exhausted(3) with max 3 should be true")
	}
	if p.MaxAttempts() != 3 {
		t.Errorf("MaxAttempts() = %d", p.MaxAttempts())
	}
}

// TestPolicy_ScheduleIsCopied verifies callers cannot mutate the policy.
func TestPolicy_ScheduleIsCopied(t *testing.T) {
	src := []time.Duration{time.Second, 2 * time.Second}
	p, _ := NewPolicy(src, 0)
	src[0] = time.Hour
	s := p.Schedule()
	s[1] = time.Hour

	if p.NextDelay(0) != time.Second || p.NextDelay(1) != 2*time.Second {
		t.Error("policy schedule was mutated through an alias")
	}
}
