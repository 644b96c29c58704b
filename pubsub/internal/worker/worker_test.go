package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsJobs(t *testing.T) {
	p := New(3, 10)
	var n atomic.Int32
	for i := 0; i < 20; i++ {
		require.NoError(t, p.Submit(context.Background(), func(context.Context) { n.Add(1) }))
	}
	p.Close()
	p.Wait()
	assert.EqualValues(t, 20, n.Load())
	assert.Equal(t, 3, p.Size())
	assert.Zero(t, p.Running())
}

func TestPoolSubmitAfterClose(t *testing.T) {
	p := New(1, 1)
	p.Close()
	p.Close()
	assert.ErrorIs(t, p.Submit(context.Background(), func(context.Context) {}), ErrClosed)
	p.Wait()
}

func TestPoolDropsJobsWithEndedContext(t *testing.T) {
	p := New(1, 4)
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(context.Context) {
		close(started)
		<-release
	}))
	<-started
	assert.Equal(t, 1, p.Running())

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	require.NoError(t, p.Submit(ctx, func(context.Context) { ran.Store(true) }))
	assert.Equal(t, 1, p.Queued())
	cancel()

	close(release)
	p.Close()
	p.Wait()
	assert.False(t, ran.Load())
	assert.Equal(t, 1, p.Dropped())
}

func TestPoolSubmitBlocksUntilContextEnds(t *testing.T) {
	p := New(1, 1)
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(context.Context) {
		close(started)
		<-release
	}))
	<-started
	require.NoError(t, p.Submit(context.Background(), func(context.Context) {}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Submit(ctx, func(context.Context) {}), context.DeadlineExceeded)

	close(release)
	p.Close()
	p.Wait()
}
