package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialGrowsToMax(t *testing.T) {
	b := New(Config{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Multiplier: 2})

	want := []time.Duration{10, 20, 40, 50, 50}
	for i, w := range want {
		assert.Equal(t, w*time.Millisecond, b.Next(), "attempt %d", i+1)
	}
	assert.Equal(t, len(want), b.Attempts())

	b.Reset()
	assert.Zero(t, b.Attempts())
	assert.Equal(t, 10*time.Millisecond, b.Next())
}

func TestExponentialJitterBounds(t *testing.T) {
	b := New(Config{Initial: 100 * time.Millisecond, Max: 100 * time.Millisecond, Multiplier: 2, Jitter: 0.5})
	for i := 0; i < 100; i++ {
		d := b.Next()
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestExponentialDefaults(t *testing.T) {
	b := New(Config{Jitter: 7})
	assert.Equal(t, 200*time.Millisecond, b.config.Initial)
	assert.Equal(t, 30*time.Second, b.config.Max)
	assert.Equal(t, 2.0, b.config.Multiplier)
	assert.Equal(t, 1.0, b.config.Jitter)
}

func TestWaitHonorsContext(t *testing.T) {
	b := New(Config{Initial: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.Wait(ctx), context.Canceled)

	b = New(Config{Initial: time.Millisecond})
	assert.NoError(t, b.Wait(context.Background()))
}
