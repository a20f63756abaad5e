package crawler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type instantPauser struct{ calls int }

func (p *instantPauser) Pause(ctx context.Context, _ time.Duration) error {
	p.calls++
	return ctx.Err()
}

func TestExponentialRetryPolicy(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(2)
	boom := errors.New("boom")
	require.True(t, p.ShouldRetry(boom, 1))
	require.True(t, p.ShouldRetry(boom, 2))
	require.False(t, p.ShouldRetry(boom, 3))
	require.False(t, p.ShouldRetry(nil, 1))
	require.False(t, p.ShouldRetry(context.Canceled, 1))
	require.False(t, p.ShouldRetry(fmt.Errorf("404: %w", ErrPermanent), 1))

	for attempt := 1; attempt < 10; attempt++ {
		require.LessOrEqual(t, p.Backoff(attempt), 5*time.Second)
	}
}

func TestRetryStopsOnSuccess(t *testing.T) {
	t.Parallel()

	pauser := &instantPauser{}
	calls := 0
	out, err := Retry(context.Background(), NewExponentialRetryPolicy(3), pauser, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("flaky")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", out)
	require.Equal(t, 3, calls)
	require.Equal(t, 2, pauser.calls)
}

func TestRetryGivesUp(t *testing.T) {
	t.Parallel()

	calls := 0
	_, err := Retry(context.Background(), NewExponentialRetryPolicy(1), &instantPauser{}, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("down")
	})
	require.Error(t, err)
	require.Equal(t, 2, calls)
}
