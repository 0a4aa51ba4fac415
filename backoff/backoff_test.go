package backoff_test

import (
	"testing"
	"time"

	"github.com/dreadew/conveyor/backoff"
)

func TestConstant_ReturnsFixedDelay(t *testing.T) {
	c := backoff.NewConstant(5 * time.Second)
	for attempt := 1; attempt <= 10; attempt++ {
		if got := c.Delay(attempt); got != 5*time.Second {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, 5*time.Second)
		}
	}
}

func TestLinear_GrowsLinearly(t *testing.T) {
	l := backoff.NewLinear(time.Second, time.Minute)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 3 * time.Second},
		{5, 5 * time.Second},
		{10, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := l.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestLinear_CapsAtMax(t *testing.T) {
	l := backoff.NewLinear(time.Second, 5*time.Second)

	if got := l.Delay(10); got != 5*time.Second {
		t.Errorf("Delay(10) = %v, want %v (capped at Max)", got, 5*time.Second)
	}
	if got := l.Delay(100); got != 5*time.Second {
		t.Errorf("Delay(100) = %v, want %v (capped at Max)", got, 5*time.Second)
	}
}

func TestExponential_DoublesEachAttempt(t *testing.T) {
	e := backoff.NewExponential(time.Second, time.Hour)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},  // 1 * 2^0
		{2, 2 * time.Second},  // 1 * 2^1
		{3, 4 * time.Second},  // 1 * 2^2
		{4, 8 * time.Second},  // 1 * 2^3
		{5, 16 * time.Second}, // 1 * 2^4
	}
	for _, tt := range tests {
		if got := e.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponential_CapsAtMax(t *testing.T) {
	e := backoff.NewExponential(time.Second, 10*time.Second)

	// Attempt 5 = 16s > 10s max → should return 10s.
	if got := e.Delay(5); got != 10*time.Second {
		t.Errorf("Delay(5) = %v, want %v (capped at Max)", got, 10*time.Second)
	}
	if got := e.Delay(20); got != 10*time.Second {
		t.Errorf("Delay(20) = %v, want %v (capped at Max)", got, 10*time.Second)
	}
}

func TestExponentialWithJitter_WithinBounds(t *testing.T) {
	e := backoff.NewExponentialWithJitter(time.Second, 10*time.Second)

	for attempt := 1; attempt <= 5; attempt++ {
		maxDelay := 10 * time.Second // capped at Max

		for range 100 {
			got := e.Delay(attempt)
			if got < 0 {
				t.Errorf("Delay(%d) = %v, should be >= 0", attempt, got)
			}
			if got > maxDelay {
				t.Errorf("Delay(%d) = %v, should be <= %v", attempt, got, maxDelay)
			}
		}
	}
}

func TestExponentialWithJitter_ProducesVariance(t *testing.T) {
	e := backoff.NewExponentialWithJitter(time.Second, time.Minute)

	// Collect 100 samples for attempt 3 and check they're not all the same.
	seen := make(map[time.Duration]bool)
	for range 100 {
		d := e.Delay(3)
		seen[d] = true
	}

	if len(seen) < 2 {
		t.Errorf("expected variance in jitter, got only %d distinct values", len(seen))
	}
}

func TestExponentialWithEqualJitter_WithinBounds(t *testing.T) {
	e := backoff.NewExponentialWithEqualJitter(time.Second, time.Hour, 0.2)

	tests := []struct {
		attempt int
		lo      time.Duration
		hi      time.Duration
	}{
		{1, 800 * time.Millisecond, 1200 * time.Millisecond},   // 1s ± 20%
		{2, 1600 * time.Millisecond, 2400 * time.Millisecond},  // 2s ± 20%
		{3, 3200 * time.Millisecond, 4800 * time.Millisecond},  // 4s ± 20%
		{4, 6400 * time.Millisecond, 9600 * time.Millisecond},  // 8s ± 20%
	}
	for _, tt := range tests {
		for range 100 {
			got := e.Delay(tt.attempt)
			if got < tt.lo || got > tt.hi {
				t.Errorf("Delay(%d) = %v, want in [%v, %v]", tt.attempt, got, tt.lo, tt.hi)
			}
		}
	}
}

func TestExponentialWithEqualJitter_CapsAtMax(t *testing.T) {
	e := backoff.NewExponentialWithEqualJitter(time.Second, 5*time.Second, 0.2)

	for range 100 {
		if got := e.Delay(10); got > 5*time.Second {
			t.Errorf("Delay(10) = %v, should be capped at %v", got, 5*time.Second)
		}
	}
}

func TestExponentialWithEqualJitter_ZeroJitterIsDeterministic(t *testing.T) {
	e := backoff.NewExponentialWithEqualJitter(time.Second, time.Hour, 0)

	if got := e.Delay(1); got != time.Second {
		t.Errorf("Delay(1) = %v, want %v", got, time.Second)
	}
	if got := e.Delay(3); got != 4*time.Second {
		t.Errorf("Delay(3) = %v, want %v", got, 4*time.Second)
	}
}

func TestDefaultStrategy(t *testing.T) {
	s := backoff.DefaultStrategy()
	if s == nil {
		t.Fatal("DefaultStrategy() returned nil")
	}

	d := s.Delay(1)
	if d < 800*time.Millisecond || d > 1200*time.Millisecond {
		t.Errorf("DefaultStrategy().Delay(1) = %v, want 1s ± 20%%", d)
	}
}
