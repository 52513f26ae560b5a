// Package retry runs operations with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrTimeout is matched by every *TimeoutError.
var ErrTimeout = errors.New("retry deadline exceeded")

// TimeoutError is returned when a Policy deadline passes before the
// operation succeeds or the condition holds.
type TimeoutError struct {
	Deadline time.Duration
	// Last is the most recent operation error, if any.
	Last error
}

func (e *TimeoutError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("gave up after %s: %v", e.Deadline, e.Last)
	}
	return fmt.Sprintf("gave up after %s", e.Deadline)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

func (e *TimeoutError) Unwrap() error { return e.Last }

// Policy bounds a retry loop. Attempts counts the first try; zero means
// unlimited, in which case Deadline should be set.
type Policy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
	Deadline time.Duration
}

// Bounded returns p, limited to attempts tries when it has neither an
// attempt limit nor a deadline.
func (p Policy) Bounded(attempts int) Policy {
	if p.Attempts <= 0 && p.Deadline <= 0 {
		p.Attempts = attempts
	}
	return p
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

func (p Policy) backOff(ctx context.Context) backoff.BackOffContext {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Initial
	if eb.InitialInterval <= 0 {
		eb.InitialInterval = 500 * time.Millisecond
	}
	eb.MaxInterval = p.Max
	if eb.MaxInterval <= 0 {
		eb.MaxInterval = 30 * time.Second
	}
	// The deadline is carried by the context.
	eb.MaxElapsedTime = 0

	var b backoff.BackOff = eb
	if p.Attempts > 0 {
		b = backoff.WithMaxRetries(eb, uint64(p.Attempts-1))
	}
	return backoff.WithContext(b, ctx)
}

// Do calls op until it succeeds, returns a permanent error, or the policy is
// exhausted. Exhaustion returns the last error; a passed deadline returns a
// *TimeoutError.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error, logger *slog.Logger) error {
	ctx, cancel := p.withDeadline(ctx)
	defer cancel()

	var last error
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		last = op(ctx)
		return last
	}, p.backOff(ctx), func(err error, next time.Duration) {
		if logger != nil {
			logger.Warn("operation failed, retrying", "attempt", attempt, "next", next, "error", err)
		}
	})
	if err == nil {
		return nil
	}
	if p.Deadline > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Deadline: p.Deadline, Last: last}
	}
	return err
}

// Until polls cond until it reports true. When the policy runs out first it
// returns a *TimeoutError; an error from cond is retried like in Do.
func Until(ctx context.Context, p Policy, cond func(ctx context.Context) (bool, error)) error {
	errNotYet := errors.New("condition not met")
	var last error
	err := Do(ctx, p, func(ctx context.Context) error {
		ok, err := cond(ctx)
		if err != nil {
			last = err
			return err
		}
		if !ok {
			return errNotYet
		}
		return nil
	}, nil)
	if err == nil {
		return nil
	}

	var te *TimeoutError
	if errors.As(err, &te) {
		te.Last = last
		return te
	}
	if errors.Is(err, errNotYet) {
		return &TimeoutError{Deadline: p.Deadline, Last: last}
	}
	return err
}

func (p Policy) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.Deadline > 0 {
		return context.WithTimeout(ctx, p.Deadline)
	}
	return context.WithCancel(ctx)
}
