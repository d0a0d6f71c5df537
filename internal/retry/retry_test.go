package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func recordingPolicy(retries int, slept *[]time.Duration) Policy {
	return Policy{
		MaxRetries: retries,
		BaseDelay:  100 * time.Millisecond,
		Sleep: func(_ context.Context, d time.Duration) error {
			*slept = append(*slept, d)
			return nil
		},
	}
}

func TestBackoff_Exponential(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 800*time.Millisecond, p.Backoff(3))

	p.MaxDelay = 300 * time.Millisecond
	assert.Equal(t, 300*time.Millisecond, p.Backoff(3))
}

func TestBackoff_Jitter(t *testing.T) {
	p := Policy{BaseDelay: time.Second, Jitter: 0.5, Rand: func() float64 { return 0.5 }}
	assert.Equal(t, 1250*time.Millisecond, p.Backoff(0))

	p.Rand = nil
	for i := 0; i < 20; i++ {
		d := p.Backoff(1)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.Less(t, d, 3*time.Second)
	}
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	var slept []time.Duration
	calls := 0

	attempts, err := recordingPolicy(3, &slept).Do(context.Background(), nil, func(_ context.Context, attempt int) error {
		assert.Equal(t, calls, attempt)
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, slept)
}

func TestDo_Exhausted(t *testing.T) {
	var slept []time.Duration
	attempts, err := recordingPolicy(2, &slept).Do(context.Background(), nil, func(context.Context, int) error {
		return errFlaky
	})

	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 3, attempts)
	assert.Len(t, slept, 2)
}

func TestDo_StopsOnNonRetryable(t *testing.T) {
	var slept []time.Duration
	fatal := errors.New("unauthorized")

	attempts, err := recordingPolicy(5, &slept).Do(context.Background(),
		func(err error) bool { return !errors.Is(err, fatal) },
		func(context.Context, int) error { return fatal })

	assert.Same(t, fatal, err)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, slept)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxRetries: 3, BaseDelay: time.Hour}

	attempts, err := p.Do(ctx, nil, func(context.Context, int) error {
		cancel()
		return errFlaky
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestDo_ZeroPolicySingleAttempt(t *testing.T) {
	calls := 0
	_, err := Policy{}.Do(context.Background(), nil, func(context.Context, int) error {
		calls++
		return errFlaky
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
