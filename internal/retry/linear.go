package retry

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// LinearBackOff waits Initial, then Initial+Increment, Initial+2*Increment
// and so on.
type LinearBackOff struct {
	Initial   time.Duration
	Increment time.Duration

	n int
}

var _ backoff.BackOff = (*LinearBackOff)(nil)

// NextBackOff implements backoff.BackOff.
func (b *LinearBackOff) NextBackOff() time.Duration {
	d := b.Initial + time.Duration(b.n)*b.Increment
	b.n++
	return d
}

// Reset implements backoff.BackOff.
func (b *LinearBackOff) Reset() {
	b.n = 0
}

// Linear returns a linear backoff allowing tries attempts in total.
func Linear(initial, increment time.Duration, tries int) backoff.BackOff {
	retries := 0
	if tries > 1 {
		retries = tries - 1
	}
	return backoff.WithMaxRetries(&LinearBackOff{Initial: initial, Increment: increment}, uint64(retries))
}
