package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LumeraProtocol/keynode/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestTryGoSaturates(t *testing.T) {
	p := New("test", 1)
	release := make(chan struct{})
	started := make(chan struct{})

	require.NoError(t, p.TryGo(context.Background(), "block", func(context.Context) {
		close(started)
		<-release
	}))
	<-started

	err := p.TryGo(context.Background(), "second", func(context.Context) {})
	require.True(t, errors.Is(err, ErrSaturated))
	require.Equal(t, 1, p.Busy())

	close(release)
	p.Wait()
	require.Equal(t, 0, p.Busy())
}

func TestGoQueuesUntilWorkerFree(t *testing.T) {
	p := New("test", 2)
	var done atomic.Int32
	for i := 0; i < 10; i++ {
		p.Go(context.Background(), "count", func(context.Context) {
			time.Sleep(time.Millisecond)
			done.Add(1)
		})
	}
	p.Wait()
	require.EqualValues(t, 10, done.Load())
}

func TestGoDropsOnCancelledContext(t *testing.T) {
	p := New("test", 1)
	release := make(chan struct{})
	require.NoError(t, p.TryGo(context.Background(), "hold", func(context.Context) { <-release }))

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	p.Go(ctx, "dropped", func(context.Context) { ran.Store(true) })
	cancel()
	close(release)
	p.Wait()
	require.False(t, ran.Load())
}

func TestPanicIsRecovered(t *testing.T) {
	p := New("test", 1)
	require.NoError(t, p.Submit(context.Background(), "boom", func(context.Context) { panic("boom") }))
	p.Wait()
	require.NoError(t, p.TryGo(context.Background(), "after", func(context.Context) {}))
	p.Wait()
}
