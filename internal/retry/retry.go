// Package retry wraps external calls in a bounded exponential backoff and
// classifies the final failure.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/raphaelgruber/minutegraph/internal/config"
	"github.com/raphaelgruber/minutegraph/internal/failure"
)

// Policy holds backoff settings. The delay before retry n (0-based) is
// BaseDelay * Multiplier^n, capped at MaxDelay. There is no jitter.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// DefaultPolicy returns 3 attempts, 500ms base, doubling, 10s cap.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Second}
}

// PolicyFromConfig builds a policy from config; zero values fall back to defaults.
func PolicyFromConfig(cfg config.Config) Policy {
	p := DefaultPolicy()
	if cfg.RetryMaxAttempts > 0 {
		p.MaxAttempts = cfg.RetryMaxAttempts
	}
	if cfg.RetryBaseDelay > 0 {
		p.BaseDelay = cfg.RetryBaseDelay
	}
	if cfg.RetryMultiplier > 0 {
		p.Multiplier = cfg.RetryMultiplier
	}
	if cfg.RetryMaxDelay > 0 {
		p.MaxDelay = cfg.RetryMaxDelay
	}
	return p
}

// Delay returns the wait before retry n (0-based).
func (p Policy) Delay(n int) time.Duration {
	d := time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(n)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxInterval = p.MaxDelay
	b.MaxElapsedTime = 0

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// Call identifies what is being retried, for classification and logs.
type Call struct {
	Kind     failure.Kind
	Provider string
	Name     string
}

// Generation is the Call used for every LLM generation request.
var Generation = Call{Kind: failure.KindProviderError, Provider: failure.ProviderGeneration, Name: "generate"}

// Do runs op until it succeeds, returns a permanent error, or the policy is
// exhausted. An exhausted error comes back as *failure.Error; if the last
// error already carries a kind, that kind wins over call.Kind.
func Do(ctx context.Context, p Policy, call Call, op func(ctx context.Context) error) error {
	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		err := op(ctx)
		if err != nil && failure.Permanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, p.backOff(ctx), func(err error, wait time.Duration) {
		slog.Warn("retrying call",
			"call", call.Name,
			"provider", call.Provider,
			"attempt", attempts,
			"wait", wait,
			"error", err)
	})
	if err == nil {
		return nil
	}
	if failure.Permanent(err) {
		return err
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}
	return classify(call, err, attempts)
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, call Call, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, call, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func classify(call Call, err error, attempts int) error {
	var fe *failure.Error
	if errors.As(err, &fe) {
		return &failure.Error{
			Kind:     fe.Kind,
			Provider: firstNonEmpty(fe.Provider, call.Provider),
			Message:  fe.Message,
			Attempts: attempts,
			Err:      err,
		}
	}
	return &failure.Error{
		Kind:     call.Kind,
		Provider: call.Provider,
		Message:  err.Error(),
		Attempts: attempts,
		Err:      err,
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
