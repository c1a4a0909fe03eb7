package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockUntilCancel runs until the context ends, counting starts.
func blockUntilCancel(starts *atomic.Int32) RunFunc {
	return func(ctx context.Context) error {
		starts.Add(1)
		<-ctx.Done()
		return nil
	}
}

// failNTimes fails the first n runs, then blocks until cancel.
func failNTimes(starts *atomic.Int32, n int32) RunFunc {
	var failures atomic.Int32
	return func(ctx context.Context) error {
		starts.Add(1)
		if failures.Add(1) <= n {
			return errors.New("loop failed")
		}
		<-ctx.Done()
		return nil
	}
}

func TestGroupRestartsFailedChild(t *testing.T) {
	var starts atomic.Int32

	g := NewGroup("system")
	g.Add("loop", failNTimes(&starts, 1))
	g.Start(context.Background())
	defer g.Stop()

	require.Eventually(t, func() bool {
		return starts.Load() == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.NoError(t, g.Err())
}

func TestGroupRestForOne(t *testing.T) {
	var aStarts, bStarts, cStarts atomic.Int32

	g := NewGroup("system")
	g.Add("a", blockUntilCancel(&aStarts))
	g.Add("b", failNTimes(&bStarts, 1))
	g.Add("c", blockUntilCancel(&cStarts))

	g.Start(context.Background())
	defer g.Stop()

	// b's one failure takes c down with it; both come back.
	require.Eventually(t, func() bool {
		return bStarts.Load() == 2 && cStarts.Load() == 2
	}, 2*time.Second, 10*time.Millisecond)

	// a precedes b and is untouched.
	assert.Never(t, func() bool {
		return aStarts.Load() > 1
	}, 300*time.Millisecond, 20*time.Millisecond)
	assert.NoError(t, g.Err())
}

func TestGroupFatalOnIntensityBreach(t *testing.T) {
	var starts atomic.Int32

	g := NewGroup("system", WithGroupIntensity(2, time.Minute))
	g.Add("doomed", func(ctx context.Context) error {
		starts.Add(1)
		return errors.New("always fails")
	})
	g.Start(context.Background())

	select {
	case <-g.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("group did not give up")
	}

	require.Error(t, g.Err())
	assert.Contains(t, g.Err().Error(), "restart intensity exceeded")
	// First start plus two restarts from the budget.
	assert.Equal(t, int32(3), starts.Load())
}

func TestGroupCleanFinishNotRestarted(t *testing.T) {
	var starts atomic.Int32

	g := NewGroup("system")
	g.Add("once", func(ctx context.Context) error {
		starts.Add(1)
		return nil
	})
	g.Start(context.Background())
	defer g.Stop()

	assert.Never(t, func() bool {
		return starts.Load() > 1
	}, 300*time.Millisecond, 20*time.Millisecond)
	assert.NoError(t, g.Err())
}

func TestGroupPanicRecovered(t *testing.T) {
	var starts atomic.Int32

	g := NewGroup("system")
	g.Add("panicky", func(ctx context.Context) error {
		if starts.Add(1) == 1 {
			panic("kaboom")
		}
		<-ctx.Done()
		return nil
	})
	g.Start(context.Background())
	defer g.Stop()

	require.Eventually(t, func() bool {
		return starts.Load() == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.NoError(t, g.Err())
}

func TestGroupStop(t *testing.T) {
	var aStarts, bStarts atomic.Int32

	g := NewGroup("system")
	g.Add("a", blockUntilCancel(&aStarts))
	g.Add("b", blockUntilCancel(&bStarts))
	g.Start(context.Background())

	require.Eventually(t, func() bool {
		return aStarts.Load() == 1 && bStarts.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		g.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	// Stop twice is fine.
	g.Stop()
	assert.NoError(t, g.Err())
}

func TestIntensityWindowSlides(t *testing.T) {
	w := newIntensityWindow(2, 50*time.Millisecond)
	base := time.Now()

	assert.True(t, w.Add(base))
	assert.True(t, w.Add(base.Add(10*time.Millisecond)))
	assert.False(t, w.Add(base.Add(20*time.Millisecond)))

	// Old entries expire out of the window.
	assert.True(t, w.Add(base.Add(100*time.Millisecond)))
	assert.Equal(t, 1, w.Count())
}
