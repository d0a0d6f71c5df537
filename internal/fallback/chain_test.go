package fallback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type scriptedProvider struct {
	name string

	mu      sync.Mutex
	calls   int
	budgets []Budget
	respond func(ctx context.Context, call int) (string, error)
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Generate(ctx context.Context, _ string, budget Budget) (string, error) {
	p.mu.Lock()
	p.calls++
	call := p.calls
	p.budgets = append(p.budgets, budget)
	p.mu.Unlock()
	return p.respond(ctx, call)
}

func (p *scriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func failing(name string, err error) *scriptedProvider {
	return &scriptedProvider{name: name, respond: func(context.Context, int) (string, error) { return "", err }}
}

func succeeding(name, out string) *scriptedProvider {
	return &scriptedProvider{name: name, respond: func(context.Context, int) (string, error) { return out, nil }}
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestExecute_OrderingRetriesAndFallback(t *testing.T) {
	rateLimited := failing("primary", Transient(errors.New("429 too many requests")))
	rejected := failing("secondary", Permanent(errors.New("401 unauthorized")))
	ok := succeeding("tertiary", "summary text")

	var slept []time.Duration
	var hooks []string
	chain, err := NewChain([]ProviderSpec{
		{Priority: 3, MaxRetries: 5, Provider: ok},
		{Priority: 1, MaxRetries: 2, BaseBackoff: 10 * time.Millisecond, Provider: rateLimited},
		{Priority: 2, MaxRetries: 4, Provider: rejected},
	},
		WithSleep(func(_ context.Context, d time.Duration) error { slept = append(slept, d); return nil }),
		WithAttemptHook(func(p, o string) { hooks = append(hooks, p+":"+o) }),
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"primary", "secondary", "tertiary"}, chain.Providers())

	res, err := chain.Execute(context.Background(), Request{Prompt: "p", Budget: Budget{MaxTokens: 512}})
	require.NoError(t, err)

	assert.Equal(t, "tertiary", res.Provider)
	assert.Equal(t, "summary text", res.Output)
	assert.Equal(t, 1, res.Attempts)

	assert.Equal(t, 3, rateLimited.Calls(), "1 + MaxRetries attempts")
	assert.Equal(t, 1, rejected.Calls(), "permanent failures are not retried")
	assert.Equal(t, 1, ok.Calls())
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, slept)

	require.Len(t, res.Failures, 2)
	assert.Equal(t, "primary", res.Failures[0].Provider)
	assert.Equal(t, 3, res.Failures[0].Attempts)
	assert.Equal(t, "secondary", res.Failures[1].Provider)
	assert.Equal(t, 1, res.Failures[1].Attempts)

	assert.Equal(t, []string{
		"primary:transient", "primary:transient", "primary:transient",
		"secondary:permanent", "tertiary:success",
	}, hooks)
}

func TestExecute_BudgetPassedUnchanged(t *testing.T) {
	a := failing("a", Transient(errors.New("503")))
	b := failing("b", Permanent(errors.New("bad request")))
	c := succeeding("c", "ok")

	chain, err := NewChain([]ProviderSpec{
		{Priority: 0, MaxRetries: 1, Provider: a},
		{Priority: 1, Provider: b},
		{Priority: 2, Provider: c},
	}, WithSleep(noSleep))
	require.NoError(t, err)

	budget := Budget{MaxTokens: 1024, MaxDuration: 45 * time.Second}
	_, err = chain.Execute(context.Background(), Request{Prompt: "p", Budget: budget})
	require.NoError(t, err)

	for _, p := range []*scriptedProvider{a, b, c} {
		for _, got := range p.budgets {
			assert.Equal(t, budget, got, p.name)
		}
	}
	assert.Len(t, a.budgets, 2)
}

func TestExecute_StableForEqualPriority(t *testing.T) {
	chain, err := NewChain([]ProviderSpec{
		{Priority: 1, Provider: succeeding("first", "x")},
		{Priority: 1, Provider: succeeding("second", "y")},
		{Priority: 0, Provider: succeeding("zero", "z")},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"zero", "first", "second"}, chain.Providers())
}

func TestExecute_AllFail(t *testing.T) {
	errA := errors.New("quota exhausted")
	errB := errors.New("model not found")
	chain, err := NewChain([]ProviderSpec{
		{Priority: 0, MaxRetries: 1, Provider: failing("a", Transient(errA))},
		{Priority: 1, Provider: failing("b", Permanent(errB))},
	}, WithSleep(noSleep))
	require.NoError(t, err)

	_, err = chain.Execute(context.Background(), Request{Prompt: "p"})

	var all *AllProvidersFailedError
	require.ErrorAs(t, err, &all)
	require.Len(t, all.Failures, 2)
	assert.Equal(t, 2, all.Failures[0].Attempts)
	assert.Equal(t, 1, all.Failures[1].Attempts)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Contains(t, err.Error(), "a (2 attempts)")
}

func TestExecute_UnclassifiedErrorIsPermanent(t *testing.T) {
	p := failing("a", errors.New("something odd"))
	chain, err := NewChain([]ProviderSpec{{MaxRetries: 3, Provider: p}}, WithSleep(noSleep))
	require.NoError(t, err)

	_, err = chain.Execute(context.Background(), Request{Prompt: "p"})
	assert.Error(t, err)
	assert.Equal(t, 1, p.Calls())
}

func TestExecute_EmptyOutputAdvances(t *testing.T) {
	empty := succeeding("empty", "  ")
	ok := succeeding("ok", "text")
	chain, err := NewChain([]ProviderSpec{
		{Priority: 0, MaxRetries: 2, Provider: empty},
		{Priority: 1, Provider: ok},
	}, WithSleep(noSleep))
	require.NoError(t, err)

	res, err := chain.Execute(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Provider)
	assert.Equal(t, 1, empty.Calls())
	assert.ErrorIs(t, res.Failures[0].Err, ErrEmptyOutput)
}

func TestExecute_AttemptTimeoutIsTransient(t *testing.T) {
	slow := &scriptedProvider{name: "slow", respond: func(ctx context.Context, _ int) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	chain, err := NewChain([]ProviderSpec{
		{Priority: 0, MaxRetries: 1, Provider: slow},
		{Priority: 1, Provider: succeeding("fast", "done")},
	}, WithSleep(noSleep))
	require.NoError(t, err)

	res, err := chain.Execute(context.Background(), Request{Prompt: "p", Budget: Budget{MaxDuration: 5 * time.Millisecond}})
	require.NoError(t, err)
	assert.Equal(t, "fast", res.Provider)
	assert.Equal(t, 2, slow.Calls())
	assert.True(t, IsTransient(res.Failures[0].Err))
}

func TestExecute_ParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	first := &scriptedProvider{name: "first", respond: func(context.Context, int) (string, error) {
		cancel()
		return "", Transient(errors.New("503"))
	}}
	second := succeeding("second", "never")

	chain, err := NewChain([]ProviderSpec{
		{Priority: 0, MaxRetries: 3, Provider: first},
		{Priority: 1, Provider: second},
	}, WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))
	require.NoError(t, err)

	_, err = chain.Execute(ctx, Request{Prompt: "p"})
	assert.ErrorIs(t, err, context.Canceled)

	var all *AllProvidersFailedError
	assert.False(t, errors.As(err, &all))
	assert.Equal(t, 0, second.Calls())
}

func TestExecute_FirstProviderPermanentLogsConfigProblem(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	chain, err := NewChain([]ProviderSpec{
		{Priority: 0, Provider: failing("primary", Permanent(errors.New("invalid api key")))},
		{Priority: 1, Provider: failing("backup", Permanent(errors.New("invalid api key")))},
		{Priority: 2, Provider: succeeding("last", "ok")},
	}, WithLogger(zap.New(core)))
	require.NoError(t, err)

	_, err = chain.Execute(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)

	errs := logs.FilterLevelExact(zapcore.ErrorLevel).All()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "check its configuration")
	assert.Equal(t, "primary", errs[0].ContextMap()["provider"])
	assert.Equal(t, 1, logs.FilterMessage("provider failed permanently").Len())
}

func TestExecute_ConcurrentCallsShareNoState(t *testing.T) {
	p := &scriptedProvider{name: "flaky", respond: func(_ context.Context, call int) (string, error) {
		if call%2 == 1 {
			return "", Transient(errors.New("429"))
		}
		return "ok", nil
	}}
	chain, err := NewChain([]ProviderSpec{{MaxRetries: 1, Provider: p}}, WithSleep(noSleep))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = chain.Execute(context.Background(), Request{Prompt: "p"})
		}()
	}
	wg.Wait()
	assert.GreaterOrEqual(t, p.Calls(), 8)
}

func TestNewChain_Validation(t *testing.T) {
	_, err := NewChain(nil)
	assert.ErrorIs(t, err, ErrNoProviders)

	_, err = NewChain([]ProviderSpec{{Name: "x"}})
	assert.Error(t, err)

	_, err = NewChain([]ProviderSpec{
		{Provider: succeeding("dup", "a")},
		{Provider: succeeding("dup", "b")},
	})
	assert.Error(t, err)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(Transient(errors.New("x"))))
	assert.False(t, IsTransient(Permanent(errors.New("x"))))
	assert.False(t, IsTransient(errors.New("x")))
	assert.False(t, IsTransient(nil))
	assert.Nil(t, Transient(nil))
}
