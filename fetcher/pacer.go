package fetcher

import (
	"context"
	"math/rand/v2"
	"time"
)

// Pacer delays outgoing requests so the portal is not hammered.
type Pacer interface {
	Wait(ctx context.Context) error
}

// RandomPacer sleeps a uniformly random duration in [Min, Max].
type RandomPacer struct {
	Min time.Duration
	Max time.Duration
}

// DefaultPacer waits one to two seconds before every request.
var DefaultPacer = RandomPacer{Min: time.Second, Max: 2 * time.Second}

// Wait blocks for the chosen delay or until ctx is done.
func (p RandomPacer) Wait(ctx context.Context) error {
	d := p.Min
	if p.Max > p.Min {
		d += time.Duration(rand.Int64N(int64(p.Max - p.Min + 1)))
	}
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NoDelay is a pacer that never waits.
type NoDelay struct{}

// Wait returns immediately unless ctx is already done.
func (NoDelay) Wait(ctx context.Context) error {
	return ctx.Err()
}
