package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// Policy is a bounded retry schedule with exponential backoff and jitter.
// The zero value makes exactly one attempt.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Jitter adds up to Jitter*delay of random extra wait. 0 disables it.
	Jitter float64

	// Sleep and Rand are overridable for tests.
	Sleep func(ctx context.Context, d time.Duration) error
	Rand  func() float64
}

// Attempts is the total number of tries the policy allows.
func (p Policy) Attempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// Backoff returns the wait before retry number attempt (0-based): base * 2^attempt plus jitter,
// capped at MaxDelay when set.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}

	d := p.BaseDelay << attempt
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}

	if p.Jitter > 0 && d > 0 {
		r := p.Rand
		if r == nil {
			r = rand.Float64
		}
		d += time.Duration(float64(d) * p.Jitter * r())
	}
	return d
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return Sleep(ctx, d)
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

// Do calls fn until it succeeds, returns an error retryable rejects, or the attempts run out.
// It returns the number of attempts made. A nil retryable retries every error.
func (p Policy) Do(ctx context.Context, retryable func(error) bool, fn func(ctx context.Context, attempt int) error) (int, error) {
	var lastErr error
	max := p.Attempts()

	for attempt := 0; attempt < max; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt, err
		}

		err := fn(ctx, attempt)
		if err == nil {
			return attempt + 1, nil
		}
		lastErr = err

		if retryable != nil && !retryable(err) {
			return attempt + 1, err
		}
		if attempt == max-1 {
			break
		}

		if err := p.sleep(ctx, p.Backoff(attempt)); err != nil {
			return attempt + 1, err
		}
	}

	return max, fmt.Errorf("failed after %d attempts: %w", max, lastErr)
}
