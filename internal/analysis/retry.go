package analysis

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy controls how transient footage failures are retried.
type RetryPolicy struct {
	Limit      int // retries after the first attempt
	MinBackoff time.Duration
	MaxBackoff time.Duration
	JitterFrac float64
}

func computeBackoff(r RetryPolicy, attempts int) time.Duration {
	minB := r.MinBackoff
	maxB := r.MaxBackoff
	j := r.JitterFrac
	if minB <= 0 {
		minB = 500 * time.Millisecond
	}
	if maxB <= 0 {
		maxB = 10 * time.Second
	}
	if j <= 0 {
		j = 0.20
	}
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(float64(minB) * math.Pow(2, float64(attempts-1)))
	if d > maxB {
		d = maxB
	}
	delta := float64(d) * j
	low := max(0, float64(d)-delta)
	high := float64(d) + delta
	return time.Duration(low + rand.Float64()*(high-low)) //nolint:gosec
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
