// Package fallback runs a generation request through an ordered list of interchangeable
// providers, retrying transient failures with backoff and advancing on permanent ones.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zarguell/tia-n-list-sub002/internal/retry"
)

// Budget bounds a single generation. It is passed unchanged to every attempt.
type Budget struct {
	MaxTokens   int
	MaxDuration time.Duration
}

// Provider is a text-generation backend.
type Provider interface {
	Name() string
	Generate(ctx context.Context, prompt string, budget Budget) (string, error)
}

// ProviderSpec places a provider in the chain.
type ProviderSpec struct {
	Name        string
	Priority    int
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Provider    Provider
}

// Request is one generation.
type Request struct {
	Prompt string
	Budget Budget
}

// Result is a successful generation. Failures lists the providers tried before the winner.
type Result struct {
	Provider string
	Output   string
	Attempts int
	Failures []ProviderFailure
}

// Attempt outcomes reported to the hook.
const (
	OutcomeSuccess   = "success"
	OutcomeTransient = "transient"
	OutcomePermanent = "permanent"
)

// Chain is immutable after NewChain and safe for concurrent Execute calls.
type Chain struct {
	specs  []ProviderSpec
	logger *zap.Logger
	jitter float64
	sleep  func(ctx context.Context, d time.Duration) error
	onTry  func(provider, outcome string)
	onWin  func(provider string, d time.Duration)
}

// Option configures a Chain.
type Option func(*Chain)

func WithLogger(l *zap.Logger) Option {
	return func(c *Chain) { c.logger = l }
}

// WithJitter sets the backoff jitter fraction.
func WithJitter(j float64) Option {
	return func(c *Chain) { c.jitter = j }
}

// WithSleep replaces the backoff wait, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Chain) { c.sleep = fn }
}

// WithAttemptHook is called after every attempt with its outcome.
func WithAttemptHook(fn func(provider, outcome string)) Option {
	return func(c *Chain) { c.onTry = fn }
}

// WithSuccessHook is called with the winning provider and the elapsed time of its attempts.
func WithSuccessHook(fn func(provider string, d time.Duration)) Option {
	return func(c *Chain) { c.onWin = fn }
}

// NewChain orders specs by priority. Equal priorities keep their given order.
func NewChain(specs []ProviderSpec, opts ...Option) (*Chain, error) {
	if len(specs) == 0 {
		return nil, ErrNoProviders
	}

	ordered := append([]ProviderSpec(nil), specs...)
	seen := make(map[string]bool, len(ordered))
	for i := range ordered {
		s := &ordered[i]
		if s.Provider == nil {
			return nil, fmt.Errorf("fallback: spec %d (%s) has no provider", i, s.Name)
		}
		if s.Name == "" {
			s.Name = s.Provider.Name()
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("fallback: duplicate provider %q", s.Name)
		}
		seen[s.Name] = true
		if s.MaxRetries < 0 {
			return nil, fmt.Errorf("fallback: provider %q has negative retries", s.Name)
		}
	}

	c := &Chain{
		specs:  ordered,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("fallback")

	sort.SliceStable(c.specs, func(i, j int) bool { return c.specs[i].Priority < c.specs[j].Priority })
	return c, nil
}

// Providers returns provider names in execution order.
func (c *Chain) Providers() []string {
	names := make([]string, len(c.specs))
	for i, s := range c.specs {
		names[i] = s.Name
	}
	return names
}

// Execute tries providers in priority order until one succeeds. It returns
// *AllProvidersFailedError when all fail, or the context error when ctx ends first.
func (c *Chain) Execute(ctx context.Context, req Request) (Result, error) {
	var failures []ProviderFailure

	for i, spec := range c.specs {
		if err := ctx.Err(); err != nil {
			return Result{Failures: failures}, fmt.Errorf("fallback: %w", err)
		}

		start := time.Now()
		output, attempts, err := c.run(ctx, spec, req)
		if err == nil {
			if c.onWin != nil {
				c.onWin(spec.Name, time.Since(start))
			}
			return Result{
				Provider: spec.Name,
				Output:   output,
				Attempts: attempts,
				Failures: failures,
			}, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{Failures: failures}, fmt.Errorf("fallback: %w", ctxErr)
		}

		failures = append(failures, ProviderFailure{Provider: spec.Name, Attempts: attempts, Err: err})

		if IsTransient(err) {
			c.logger.Warn("provider exhausted its retries",
				zap.String("provider", spec.Name),
				zap.Int("attempts", attempts),
				zap.Error(err))
			continue
		}

		if i == 0 {
			c.logger.Error("first-priority provider failed permanently, check its configuration",
				zap.String("provider", spec.Name),
				zap.Error(err))
		} else {
			c.logger.Warn("provider failed permanently",
				zap.String("provider", spec.Name),
				zap.Error(err))
		}
	}

	return Result{}, &AllProvidersFailedError{Failures: failures}
}

func (c *Chain) run(ctx context.Context, spec ProviderSpec, req Request) (string, int, error) {
	policy := retry.Policy{
		MaxRetries: spec.MaxRetries,
		BaseDelay:  spec.BaseBackoff,
		MaxDelay:   spec.MaxBackoff,
		Jitter:     c.jitter,
		Sleep:      c.sleep,
	}

	var output string
	var lastErr error
	attempts, err := policy.Do(ctx, IsTransient, func(ctx context.Context, attempt int) error {
		out, err := c.attempt(ctx, spec, req)
		if err != nil {
			lastErr = err
			outcome := OutcomePermanent
			if IsTransient(err) {
				outcome = OutcomeTransient
			}
			c.report(spec.Name, outcome)
			c.logger.Debug("attempt failed",
				zap.String("provider", spec.Name),
				zap.Int("attempt", attempt+1),
				zap.String("outcome", outcome),
				zap.Error(err))
			return err
		}
		c.report(spec.Name, OutcomeSuccess)
		output = out
		return nil
	})
	if err != nil {
		// keep the classified provider error rather than the retry wrapper
		if lastErr != nil && ctx.Err() == nil {
			err = lastErr
		}
		return "", attempts, err
	}
	return output, attempts, nil
}

func (c *Chain) attempt(ctx context.Context, spec ProviderSpec, req Request) (string, error) {
	actx := ctx
	if req.Budget.MaxDuration > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, req.Budget.MaxDuration)
		defer cancel()
	}

	out, err := spec.Provider.Generate(actx, req.Prompt, req.Budget)
	if err != nil {
		if ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			return "", Transient(fmt.Errorf("attempt timed out after %s (%v): %w", req.Budget.MaxDuration, err, context.DeadlineExceeded))
		}
		return "", err
	}
	if strings.TrimSpace(out) == "" {
		return "", Permanent(ErrEmptyOutput)
	}
	return out, nil
}

func (c *Chain) report(provider, outcome string) {
	if c.onTry != nil {
		c.onTry(provider, outcome)
	}
}
