package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/zarguell/tia-n-list-sub002/internal/fallback"
)

// ErrRequestCapReached is returned once a provider used up its per-run request allowance.
var ErrRequestCapReached = errors.New("request cap reached")

// Limits for one provider. Zero values disable the matching limit.
type Limits struct {
	RPS         float64
	Burst       int
	MaxRequests int
}

// Usage is a snapshot of a limited provider's consumption.
type Usage struct {
	Provider string
	Used     int
	Max      int
	Rejected int
}

// Limited wraps a provider with a token-bucket rate limit and a request cap.
type Limited struct {
	next    fallback.Provider
	limiter *rate.Limiter
	max     int
	logger  *zap.Logger

	mu       sync.Mutex
	used     int
	rejected int
}

// Wrap decorates p. With no limits set it still counts usage.
func Wrap(p fallback.Provider, limits Limits, logger *zap.Logger) *Limited {
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Limited{
		next:   p,
		max:    limits.MaxRequests,
		logger: logger.Named("ratelimit"),
	}
	if limits.RPS > 0 {
		burst := limits.Burst
		if burst <= 0 {
			burst = 1
		}
		l.limiter = rate.NewLimiter(rate.Limit(limits.RPS), burst)
	}
	return l
}

func (l *Limited) Name() string {
	return l.next.Name()
}

// Generate waits for the rate limiter, then calls the wrapped provider. Exceeding the
// request cap is a permanent failure so the chain moves to the next provider.
func (l *Limited) Generate(ctx context.Context, prompt string, budget fallback.Budget) (string, error) {
	if err := l.reserve(); err != nil {
		return "", err
	}

	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			l.release()
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			// Wait fails early when the deadline is shorter than the wait.
			return "", fallback.Transient(fmt.Errorf("%s rate limit: %w", l.Name(), err))
		}
	}

	return l.next.Generate(ctx, prompt, budget)
}

func (l *Limited) reserve() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.max > 0 && l.used >= l.max {
		l.rejected++
		l.logger.Warn("provider request cap reached",
			zap.String("provider", l.Name()),
			zap.Int("used", l.used),
			zap.Int("max", l.max))
		return fallback.Permanent(fmt.Errorf("%s: %w (%d/%d)", l.Name(), ErrRequestCapReached, l.used, l.max))
	}
	l.used++
	return nil
}

func (l *Limited) release() {
	l.mu.Lock()
	l.used--
	l.mu.Unlock()
}

// Usage returns current consumption.
func (l *Limited) Usage() Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Usage{Provider: l.Name(), Used: l.used, Max: l.max, Rejected: l.rejected}
}
