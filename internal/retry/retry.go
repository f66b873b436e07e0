// Package retry runs an operation again while it fails with an error a
// classifier deems transient, waiting between attempts as a backoff policy
// dictates.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
)

// Classifier reports whether an error is worth retrying.
type Classifier func(error) bool

// Policy configures Do.
type Policy struct {
	// BackOff yields the wait before each retry; backoff.Stop ends retrying.
	BackOff backoff.BackOff

	// Retryable classifies errors. Errors it rejects are returned as is.
	Retryable Classifier

	// MaxElapsed bounds the total time spent retrying. Zero means no bound.
	MaxElapsed time.Duration

	// OnRetry is called before each wait, if set.
	OnRetry func(attempt int, err error, wait time.Duration)

	// Sleep waits for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error

	// Now defaults to time.Now.
	Now func() time.Time
}

// ExhaustedError is returned when every attempt failed with a retryable
// error. Errors holds one error per attempt.
type ExhaustedError struct {
	Tries  int
	Errors *multierror.Error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d tries: %v", e.Tries, e.Errors)
}

// Unwrap exposes every attempt's error to errors.Is and errors.As.
func (e *ExhaustedError) Unwrap() []error {
	return e.Errors.WrappedErrors()
}

// Do calls op until it succeeds, fails with a non-retryable error, or the
// policy runs out. attempt starts at 1.
func Do(ctx context.Context, p Policy, op func(ctx context.Context, attempt int) error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	now := p.Now
	if now == nil {
		now = time.Now
	}
	p.BackOff.Reset()
	start := now()

	var errs *multierror.Error
	for attempt := 1; ; attempt++ {
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		if p.Retryable == nil || !p.Retryable(err) {
			return err
		}
		errs = multierror.Append(errs, err)

		wait := p.BackOff.NextBackOff()
		if wait == backoff.Stop || (p.MaxElapsed > 0 && now().Sub(start)+wait > p.MaxElapsed) {
			return &ExhaustedError{Tries: attempt, Errors: errs}
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
