package queue

import (
	"context"
	"time"
)

// backoff doubles the wait between reconnect attempts up to a ceiling.
type backoff struct {
	initial time.Duration
	ceiling time.Duration
	next    time.Duration
}

func newBackoff(initial, ceiling time.Duration) *backoff {
	return &backoff{initial: initial, ceiling: ceiling, next: initial}
}

// Next returns the current wait and advances to the following one.
func (b *backoff) Next() time.Duration {
	wait := b.next
	b.next *= 2
	if b.next > b.ceiling {
		b.next = b.ceiling
	}
	return wait
}

func (b *backoff) Reset() {
	b.next = b.initial
}

// Wait sleeps for the next interval. It returns ctx.Err() if the context ends
// first.
func (b *backoff) Wait(ctx context.Context) error {
	timer := time.NewTimer(b.Next())
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
