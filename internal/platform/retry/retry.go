// Package retry implements a generic retry loop with exponential backoff and
// an escape hatch for rate-limited responses that dictate their own wait.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

type Action int

const (
	Stop  Action = iota // permanent error, abort immediately
	Retry               // transient error, use the doubling backoff
	After               // rate-limited, sleep the classifier-supplied duration
)

type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	// MaxBackoff clamps the doubling backoff. Zero means no clamp.
	MaxBackoff time.Duration
	// Clock is used for backoff sleeps; nil means the real clock.
	Clock   clockwork.Clock
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Classify maps an operation error to an Action. The duration is only
// consulted for After, where it is the exact wait before the next attempt.
type Classify func(err error) (Action, time.Duration)

type Operation[T any] func() (T, error)

// Do runs op up to p.MaxAttempts times. A Retry sleep starts at
// InitialBackoff and doubles (clamped at MaxBackoff); an After sleep uses the
// classifier's duration and leaves the doubling untouched. Stop aborts with a
// PermanentError wrapping the cause.
func Do[T any](ctx context.Context, p Policy, classify Classify, op Operation[T]) (T, error) {
	var zero T

	clock := p.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	backoff := p.InitialBackoff
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		val, err := op()
		if err == nil {
			return val, nil
		}

		action, wait := classify(err)
		if action == Stop {
			return zero, &PermanentError{Err: err}
		}

		if attempt == p.MaxAttempts {
			return zero, fmt.Errorf("failed after %d attempts: %w", p.MaxAttempts, err)
		}

		if action == Retry {
			wait = backoff
			backoff *= 2
			if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
				backoff = p.MaxBackoff
			}
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}

		select {
		case <-clock.After(wait):
		case <-ctx.Done():
			return zero, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}

	panic("unreachable: MaxAttempts must be >= 1")
}

type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }
