package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitAdmitsWithinBudget(t *testing.T) {
	l := NewLimiter(60, 60000, time.Second)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Wait(ctx, 100))
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond,
		"requests within budget must not be delayed")
}

func TestWaitDelaysBurstBeyondBudget(t *testing.T) {
	// 10 rpm with burst 10: an 11th immediate request must wait for refill,
	// never be rejected.
	l := NewLimiter(10, 1_000_000, time.Second)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Wait(ctx, 1))
	}

	start := time.Now()
	require.NoError(t, l.Wait(ctx, 1))
	// Refill rate is 10/min → one slot every 6s. Do not wait the full 6s in
	// tests; just assert a real delay was imposed.
	assert.Greater(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitCancellable(t *testing.T) {
	l := NewLimiter(1, 1_000_000, time.Second)
	require.NoError(t, l.Wait(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCooldownSuspendsDispatch(t *testing.T) {
	l := NewLimiter(600, 1_000_000, 300*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, 1))
	l.OnRateLimitError()
	assert.True(t, l.InCooldown())

	start := time.Now()
	require.NoError(t, l.Wait(ctx, 1))
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond,
		"dispatch during cooldown must be suspended")
	assert.False(t, l.InCooldown())
}

func TestCooldownCancellable(t *testing.T) {
	l := NewLimiter(600, 1_000_000, 10*time.Second)
	l.OnRateLimitError()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReconcileNeverBlocks(t *testing.T) {
	l := NewLimiter(600, 1000, time.Second)
	require.NoError(t, l.Wait(context.Background(), 500))

	done := make(chan struct{})
	go func() {
		// Actual usage far beyond both the estimate and remaining capacity.
		l.Reconcile(500, 100_000)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Reconcile blocked")
	}
}

func TestOversizedEstimateClamped(t *testing.T) {
	l := NewLimiter(600, 100, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Estimate exceeds the entire per-minute budget; must still admit
	// (after draining the bucket) rather than wait forever.
	err := l.Wait(ctx, 10_000)
	assert.NoError(t, err)
}
