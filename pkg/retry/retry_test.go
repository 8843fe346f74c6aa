package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Default(), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	p := Policy{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
	err := Do(context.Background(), p, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	base := errors.New("still broken")
	p := Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
	err := Do(context.Background(), p, func() error {
		calls++
		return base
	})
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if !errors.Is(err, base) {
		t.Errorf("expected wrapped base error, got %v", err)
	}
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	base := errors.New("dimension mismatch")
	p := Policy{MaxAttempts: 5, InitialDelay: time.Millisecond}
	err := Do(context.Background(), p, func() error {
		calls++
		return NonRetryable(base)
	})
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if !errors.Is(err, base) {
		t.Errorf("expected base error, got %v", err)
	}
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	p := Policy{MaxAttempts: 10, InitialDelay: 50 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	err := Do(ctx, p, func() error {
		calls++
		cancel()
		return errors.New("transient")
	})
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call before cancellation, got %d", calls)
	}
}

func TestDo_ZeroPolicyRunsOnce(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{}, func() error {
		calls++
		return errors.New("boom")
	})
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if err == nil {
		t.Error("expected error")
	}
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	p := Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
	v, err := DoWithResult(context.Background(), p, func() (int, error) {
		calls++
		if calls < 2 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Errorf("expected 42, got %d", v)
	}
}

func TestIsNonRetryable(t *testing.T) {
	if IsNonRetryable(errors.New("plain")) {
		t.Error("plain error should be retryable")
	}
	if !IsNonRetryable(NonRetryable(errors.New("x"))) {
		t.Error("wrapped error should be non-retryable")
	}
	if NonRetryable(nil) != nil {
		t.Error("NonRetryable(nil) should return nil")
	}
}

func TestPolicy_DelayCapsAtMax(t *testing.T) {
	p := Policy{MaxAttempts: 10, InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, Multiplier: 2.0}
	p = p.normalized()
	if d := p.delay(8); d > 4*time.Millisecond {
		t.Errorf("delay %v exceeds MaxDelay", d)
	}
}

func TestPresets(t *testing.T) {
	if got := Transport().MaxAttempts; got != 2 {
		t.Errorf("Transport preset should allow exactly one retry, got %d attempts", got)
	}
	if got := Probe().MaxAttempts; got != 20 {
		t.Errorf("Probe preset should allow 20 attempts, got %d", got)
	}
	if Probe().InitialDelay != 500*time.Millisecond {
		t.Error("Probe preset should poll at 500ms")
	}
}
