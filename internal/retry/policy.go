// Package retry provides the retry policy shared by every component that talks
// to the exchange: a bounded or unbounded attempt budget, an exponential
// backoff schedule and a predicate deciding which errors are worth retrying.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy describes how an operation is retried. The zero value makes a single
// attempt.
type Policy struct {
	// MaxAttempts bounds the number of calls. Zero or negative with a
	// MaxElapsed budget means unlimited attempts within that budget.
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter is the randomization factor applied to each delay (0.1 = +/-10%).
	Jitter float64
	// MaxElapsed stops retrying once this much time has passed since the
	// first attempt. Zero means no time budget.
	MaxElapsed time.Duration
	// Retryable decides whether an error is transient. Nil retries nothing.
	Retryable func(error) bool
	// OnRetry, when set, is called before sleeping between attempts.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// ExhaustedError is returned when the attempt or time budget runs out while
// the last error was still retryable.
type ExhaustedError struct {
	Attempts int
	Elapsed  time.Duration
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: gave up after %d attempts in %s: %v", e.Attempts, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Func is one attempt. attempt starts at 1.
type Func func(ctx context.Context, attempt int) error

// WithMaxAttempts returns a copy of p with a different attempt budget.
func (p Policy) WithMaxAttempts(n int) Policy {
	p.MaxAttempts = n
	return p
}

// WithMaxElapsed returns a copy of p with a different time budget.
func (p Policy) WithMaxElapsed(d time.Duration) Policy {
	p.MaxElapsed = d
	return p
}

// Unlimited reports whether the policy never runs out of attempts.
func (p Policy) Unlimited() bool {
	return p.MaxAttempts <= 0 && p.MaxElapsed <= 0 && p.Retryable != nil
}

func (p Policy) schedule() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialDelay,
		RandomizationFactor: p.Jitter,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxDelay,
	}
	if b.InitialInterval <= 0 {
		b.InitialInterval = 100 * time.Millisecond
	}
	if b.Multiplier < 1 {
		b.Multiplier = 2
	}
	if b.MaxInterval <= 0 {
		b.MaxInterval = 30 * time.Second
	}
	b.Reset()
	return b
}

// Do runs fn until it succeeds, returns a non-retryable error, the budget is
// spent or ctx is done. A non-retryable error is returned as is.
func (p Policy) Do(ctx context.Context, fn Func) error {
	sched := p.schedule()
	start := time.Now()

	for attempt := 1; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("retry: %w (last error: %v)", ctxErr, err)
		}
		if p.Retryable == nil || !p.Retryable(err) {
			return err
		}

		elapsed := time.Since(start)
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return &ExhaustedError{Attempts: attempt, Elapsed: elapsed, Err: err}
		}

		delay := sched.NextBackOff()
		if p.MaxElapsed > 0 {
			if elapsed >= p.MaxElapsed {
				return &ExhaustedError{Attempts: attempt, Elapsed: elapsed, Err: err}
			}
			if remaining := p.MaxElapsed - elapsed; delay > remaining {
				delay = remaining
			}
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry: %w (last error: %v)", ctx.Err(), err)
		case <-timer.C:
		}
	}
}

// IsExhausted reports whether err came from a spent retry budget.
func IsExhausted(err error) bool {
	var ex *ExhaustedError
	return errors.As(err, &ex)
}
