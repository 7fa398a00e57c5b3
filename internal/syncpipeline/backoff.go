package syncpipeline

import (
	"context"
	"time"
)

// ExpBackoff is a simple capped exponential backoff, used to pace
// indefinite out-of-memory retry loops without hammering the
// allocator.
type ExpBackoff struct {
	Initial time.Duration
	Max     time.Duration
	current time.Duration
}

func NewExpBackoff(initial, max time.Duration) *ExpBackoff {
	return &ExpBackoff{Initial: initial, Max: max, current: initial}
}

func (b *ExpBackoff) Wait(ctx context.Context) error {
	if b.current == 0 {
		b.current = b.Initial
	}
	select {
	case <-time.After(b.current):
	case <-ctx.Done():
		return ctx.Err()
	}
	next := b.current * 2
	if next > b.Max {
		next = b.Max
	}
	b.current = next
	return nil
}
