// Package retry provides configurable backoff retry logic shared by the
// bridge's transport recovery and sandbox liveness probing.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

var (
	// Thread-safe random source for jitter
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// NonRetryableError wraps errors that should not be retried.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable wraps an error to indicate it should not be retried.
// The RPC channel uses this to shield sandbox application errors from the
// transport retry policy.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable checks if an error is marked as non-retryable.
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// Policy configures retry behavior. The zero value runs the operation once
// with no retries.
type Policy struct {
	MaxAttempts  int           // Total attempts including the first (<=0 means 1)
	InitialDelay time.Duration // Delay before the second attempt
	MaxDelay     time.Duration // Upper bound on the delay between attempts
	Multiplier   float64       // Backoff multiplier (1.0 = constant delay)
	AddJitter    bool          // Add up to 25% randomness to each delay
}

// Default returns the policy used for ordinary transient failures.
func Default() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

// Transport returns the policy applied after a transport-level delivery
// failure: one forced sandbox reinitialization followed by a single retry
// of the identical request.
func Transport() Policy {
	return Policy{
		MaxAttempts:  2,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     250 * time.Millisecond,
		Multiplier:   1.0,
	}
}

// Probe returns the policy used to liveness-probe a shared sandbox
// instance: many cheap attempts at a fixed interval.
func Probe() Policy {
	return Policy{
		MaxAttempts:  20,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
		Multiplier:   1.0,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = p.InitialDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = 1.0
	}
	return p
}

// delay returns the wait before attempt n (1-based; n=1 has no wait).
func (p Policy) delay(n int) time.Duration {
	d := p.InitialDelay
	for i := 2; i < n; i++ {
		next := float64(d) * p.Multiplier
		if next >= float64(p.MaxDelay) {
			d = p.MaxDelay
			break
		}
		d = time.Duration(next)
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.AddJitter && d > 0 {
		randMu.Lock()
		jitter := time.Duration(randSource.Int63n(int64(d/4) + 1))
		randMu.Unlock()
		d += jitter
	}
	return d
}

// Do executes fn according to the policy, sleeping between attempts with
// backoff. It stops early on success, on a NonRetryable error, or when ctx
// is done.
func Do(ctx context.Context, p Policy, fn func() error) error {
	p = p.normalized()

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(p.delay(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry canceled before attempt %d: %w", attempt, ctx.Err())
			case <-timer.C:
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if IsNonRetryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry canceled after attempt %d: %w", attempt, ctx.Err())
		}
	}

	return fmt.Errorf("retry failed after %d attempts: %w", p.MaxAttempts, lastErr)
}

// DoWithResult executes fn with retry and returns both result and error.
func DoWithResult[T any](ctx context.Context, p Policy, fn func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, p, func() error {
		var innerErr error
		result, innerErr = fn()
		return innerErr
	})
	return result, err
}
