// Package retry holds the polling policy shared by signers that wait on a
// facilitator or a chain.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Defaults match the facilitator contract: poll once a second for a minute.
const (
	DefaultInterval    = time.Second
	DefaultMaxAttempts = 60
)

// ErrExhausted is returned when every attempt ran without reaching a
// terminal state.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy describes a bounded polling loop.
type Policy struct {
	// Interval is the wait between attempts.
	Interval time.Duration

	// MaxAttempts is the total number of attempts. Defaults to
	// DefaultMaxAttempts if <= 0.
	MaxAttempts int

	// Retryable reports whether an attempt error should be retried rather than
	// returned. If nil, every error is terminal.
	Retryable func(error) bool
}

// Default returns the 1s x 60 policy.
func Default() Policy {
	return Policy{Interval: DefaultInterval, MaxAttempts: DefaultMaxAttempts}
}

// AttemptFunc performs one attempt. It returns done=true once a terminal
// state is reached; a non-nil error stops the loop unless Retryable allows
// it.
type AttemptFunc func(ctx context.Context, attempt int) (done bool, err error)

// Do runs fn under the policy. The first attempt is immediate. It returns
// nil on done, the terminal error, ctx.Err() on cancellation, or an error
// wrapping ErrExhausted.
func (p Policy) Do(ctx context.Context, fn AttemptFunc) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		done, err := fn(ctx, attempt)
		switch {
		case err != nil && (p.Retryable == nil || !p.Retryable(err)):
			return err
		case err != nil:
			lastErr = err
		case done:
			return nil
		}

		if attempt == maxAttempts {
			break
		}
		if err := sleep(ctx, p.Interval); err != nil {
			return err
		}
	}

	if lastErr != nil {
		return fmt.Errorf("%w after %d attempts: %v", ErrExhausted, maxAttempts, lastErr)
	}
	return fmt.Errorf("%w after %d attempts", ErrExhausted, maxAttempts)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
