package backoff

import (
	"context"
	"testing"
	"time"
)

func TestJitterStaysInBounds(t *testing.T) {
	base := 10 * time.Second
	for i := 0; i < 200; i++ {
		got := Jitter(base, 0.1)
		if got < 9*time.Second || got > 11*time.Second {
			t.Fatalf("Jitter() = %v, want within ±10%% of %v", got, base)
		}
	}
	if got := Jitter(base, 0); got != base {
		t.Fatalf("Jitter(frac=0) = %v, want %v", got, base)
	}
}

func TestSleepHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := Sleep(ctx, time.Hour); err == nil {
		t.Fatalf("expected context error")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("Sleep did not return promptly")
	}
}

func TestExponential(t *testing.T) {
	tests := []struct {
		name     string
		failures int
		hint     time.Duration
		want     time.Duration
	}{
		{name: "first", failures: 1, want: time.Minute},
		{name: "third", failures: 3, want: 4 * time.Minute},
		{name: "capped", failures: 20, want: time.Hour},
		{name: "hint wins", failures: 1, hint: 15 * time.Minute, want: 15 * time.Minute},
		{name: "hint capped", failures: 1, hint: 3 * time.Hour, want: time.Hour},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := Exponential(time.Minute, time.Hour, tt.failures, tt.hint); got != tt.want {
				t.Fatalf("Exponential() = %v, want %v", got, tt.want)
			}
		})
	}
}
