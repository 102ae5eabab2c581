package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/minutegraph/internal/config"
	"github.com/raphaelgruber/minutegraph/internal/failure"
)

func fastPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Millisecond}
}

var exaCall = Call{Kind: failure.KindProviderError, Provider: failure.ProviderExa, Name: "exa search"}

func TestDelay(t *testing.T) {
	p := Policy{BaseDelay: 500 * time.Millisecond, Multiplier: 2, MaxDelay: 3 * time.Second}

	assert.Equal(t, 500*time.Millisecond, p.Delay(0))
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 3*time.Second, p.Delay(3), "capped at MaxDelay")
}

func TestPolicyFromConfig(t *testing.T) {
	p := PolicyFromConfig(config.Config{RetryMaxAttempts: 5})
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, DefaultPolicy().BaseDelay, p.BaseDelay)
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), exaCall, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("503 service unavailable")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustedIsClassified(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), exaCall, func(context.Context) error {
		calls++
		return errors.New("connection reset")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)

	var fe *failure.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, failure.KindProviderError, fe.Kind)
	assert.Equal(t, failure.ProviderExa, fe.Provider)
	assert.Equal(t, "connection reset", fe.Message)
	assert.Equal(t, 3, fe.Attempts)
}

func TestDoKeepsKindOfLastError(t *testing.T) {
	err := Do(context.Background(), fastPolicy(), Generation, func(context.Context) error {
		return failure.Newf(failure.KindInvalidResponse, "unexpected end of JSON input")
	})
	assert.True(t, failure.Is(err, failure.KindInvalidResponse))
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), exaCall, func(context.Context) error {
		calls++
		return failure.NotFound("transcript", "x.md")
	})
	assert.ErrorIs(t, err, failure.ErrNotFound)
	assert.Equal(t, 1, calls)
}

func TestDoHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, Policy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2}, exaCall, func(context.Context) error {
		calls++
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.LessOrEqual(t, calls, 1)
}

func TestValue(t *testing.T) {
	calls := 0
	got, err := Value(context.Background(), fastPolicy(), Generation, func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("rate limited")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}
