package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chirp-indexer/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(maxFailures, probes int) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker(&Config{
		Name:             "ledger",
		MaxFailures:      maxFailures,
		Timeout:          time.Minute,
		HalfOpenMaxCalls: probes,
		Logger:           logging.Nop(),
	})
	cb.now = clock.now
	cb.lastStateChange = clock.now()
	return cb, clock
}

var errDown = errors.New("endpoint down")

func fail(ctx context.Context) error { return errDown }

func ok(ctx context.Context) error { return nil }

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(3, 1)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errDown)
	}
	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_SuccessResetsConsecutiveCount(t *testing.T) {
	cb, _ := newTestBreaker(2, 1)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	require.NoError(t, cb.Execute(ctx, ok))
	_ = cb.Execute(ctx, fail)

	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb, clock := newTestBreaker(1, 2)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	require.Equal(t, StateOpen, cb.GetState())

	clock.advance(2 * time.Minute)
	require.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateHalfOpen, cb.GetState())

	require.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	cb, clock := newTestBreaker(1, 1)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clock.advance(2 * time.Minute)
	_ = cb.Execute(ctx, fail)

	assert.Equal(t, StateOpen, cb.GetState())
	assert.ErrorIs(t, cb.Execute(ctx, ok), ErrCircuitOpen)
}

func TestCircuitBreaker_IgnoresNonFailures(t *testing.T) {
	userErr := errors.New("bad input")
	cb := NewCircuitBreaker(&Config{
		Name:        "ledger",
		MaxFailures: 1,
		Timeout:     time.Minute,
		IsFailure:   func(err error) bool { return !errors.Is(err, userErr) },
		Logger:      logging.Nop(),
	})
	ctx := context.Background()

	_ = cb.Execute(ctx, func(ctx context.Context) error { return userErr })
	_ = cb.Execute(ctx, func(ctx context.Context) error { return context.Canceled })

	assert.Equal(t, StateClosed, cb.GetState())
	stats := cb.GetStats()
	assert.Equal(t, 2, stats.TotalCalls)
	assert.Equal(t, 0, stats.TotalFailures)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(1, 1)
	_ = cb.Execute(context.Background(), fail)
	require.Equal(t, StateOpen, cb.GetState())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
	assert.NoError(t, cb.Execute(context.Background(), ok))
}
