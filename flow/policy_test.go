package flow

import (
	"errors"
	"testing"
	"time"
)

func TestRetryPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		wantErr bool
	}{
		{"valid", RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}, false},
		{"single attempt", RetryPolicy{MaxAttempts: 1}, false},
		{"zero attempts", RetryPolicy{MaxAttempts: 0}, true},
		{"negative attempts", RetryPolicy{MaxAttempts: -1}, true},
		{"max below base", RetryPolicy{MaxAttempts: 3, BaseDelay: time.Minute, MaxDelay: time.Second}, true},
		{"no cap", RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr && !errors.Is(err, ErrInvalidRetryPolicy) {
				t.Errorf("Validate() = %v, want ErrInvalidRetryPolicy", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestComputeBackoffGrowsAndCaps(t *testing.T) {
	base := 100 * time.Millisecond
	maxDelay := 400 * time.Millisecond

	for attempt, wantBase := range []time.Duration{
		100 * time.Millisecond, // 0: base
		200 * time.Millisecond, // 1: base*2
		400 * time.Millisecond, // 2: base*4
		400 * time.Millisecond, // 3: capped
		400 * time.Millisecond, // 4: capped
	} {
		got := computeBackoff(attempt, base, maxDelay)
		if got < wantBase || got >= wantBase+base {
			t.Errorf("computeBackoff(%d) = %v, want [%v, %v)", attempt, got, wantBase, wantBase+base)
		}
	}
}

func TestComputeBackoffZeroBase(t *testing.T) {
	if got := computeBackoff(3, 0, time.Minute); got != 0 {
		t.Errorf("computeBackoff with zero base = %v, want 0", got)
	}
}
