package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffGrowth(t *testing.T) {
	b := &Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}

	assert.Equal(t, 100*time.Millisecond, b.Next())
	assert.Equal(t, 200*time.Millisecond, b.Next())
	assert.Equal(t, 400*time.Millisecond, b.Next())
	assert.Equal(t, 800*time.Millisecond, b.Next())
	assert.Equal(t, time.Second, b.Next(), "capped at Max")
	assert.Equal(t, time.Second, b.Next())
}

func TestBackoffJitterBounds(t *testing.T) {
	b := New()

	for i := 0; i < 50; i++ {
		b.Reset()
		d := b.Next()
		assert.GreaterOrEqual(t, d, 700*time.Millisecond)
		assert.LessOrEqual(t, d, 1300*time.Millisecond)
	}
}

func TestBackoffReset(t *testing.T) {
	b := &Backoff{Initial: 50 * time.Millisecond, Max: time.Second, Multiplier: 2}

	b.Next()
	b.Next()
	assert.Equal(t, 2, b.Attempt())

	b.Reset()
	assert.Equal(t, 0, b.Attempt())
	assert.Equal(t, 50*time.Millisecond, b.Next())
}

func TestSleepHonorsCancellation(t *testing.T) {
	b := &Backoff{Initial: 10 * time.Second, Max: 10 * time.Second, Multiplier: 1}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := b.Sleep(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSleepCompletes(t *testing.T) {
	b := &Backoff{Initial: 5 * time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 1}
	require.NoError(t, b.Sleep(context.Background()))
}
