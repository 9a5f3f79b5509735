package coordinator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, mr *miniredis.Miniredis) *Registry {
	t.Helper()
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })
	r := NewRegistry(context.Background(), c, "test:run_id")
	t.Cleanup(r.StopAll)
	return r
}

func TestRegistry_RunIDSurvivesRestart(t *testing.T) {
	mr := miniredis.RunT(t)

	first := newTestRegistry(t, mr)
	id1 := first.Start("sweep", time.Hour, func(context.Context) error { return nil })
	first.StopAll()
	require.Zero(t, first.RunID("sweep"))

	second := newTestRegistry(t, mr)
	id2 := second.Start("sweep", time.Hour, func(context.Context) error { return nil })
	require.Greater(t, id2, id1)
	require.Equal(t, id2, second.RunID("sweep"))
}

func TestRegistry_TriggerRunsCycle(t *testing.T) {
	r := newTestRegistry(t, miniredis.RunT(t))

	var calls atomic.Int64
	r.Start("drain", time.Hour, func(context.Context) error {
		calls.Add(1)
		return nil
	})
	require.True(t, r.Trigger("drain"))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.False(t, r.Trigger("missing"))
}

func TestRegistry_TickerRunsCycles(t *testing.T) {
	r := newTestRegistry(t, miniredis.RunT(t))

	var calls atomic.Int64
	r.Start("monitor", 5*time.Millisecond, func(context.Context) error {
		calls.Add(1)
		return nil
	})
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestRegistry_StopWaitsForCycle(t *testing.T) {
	r := newTestRegistry(t, miniredis.RunT(t))

	entered := make(chan struct{})
	var finished atomic.Bool
	r.Start("slow", time.Hour, func(ctx context.Context) error {
		close(entered)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	r.Trigger("slow")
	<-entered

	r.Stop("slow")
	require.True(t, finished.Load())
	require.Zero(t, r.RunID("slow"))
}

func TestRegistry_RestartNeverOverlapsCycles(t *testing.T) {
	r := newTestRegistry(t, miniredis.RunT(t))

	var active, maxActive, calls atomic.Int64
	release := make(chan struct{})
	fn := func(ctx context.Context) error {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		if calls.Add(1) == 1 {
			<-release
		}
		active.Add(-1)
		return nil
	}

	r.Start("drain", time.Hour, fn)
	r.Trigger("drain")
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	// the new run is triggered while the stale run is still inside its cycle
	r.Start("drain", time.Hour, fn)
	r.Trigger("drain")
	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 1, calls.Load())

	close(release)
	require.Eventually(t, func() bool { return active.Load() == 0 }, time.Second, time.Millisecond)

	r.Trigger("drain")
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)
	require.EqualValues(t, 1, maxActive.Load())
}

func TestRegistry_WorksWithoutRedis(t *testing.T) {
	r := NewRegistry(context.Background(), nil, "")
	defer r.StopAll()

	a := r.Start("a", time.Hour, func(context.Context) error { return nil })
	b := r.Start("b", time.Hour, func(context.Context) error { return nil })
	require.Equal(t, a+1, b)
}

func TestRegistry_CancelledBaseStartsNoNewCycles(t *testing.T) {
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })

	base, cancel := context.WithCancel(context.Background())
	r := NewRegistry(base, c, "test:run_id")

	var calls atomic.Int64
	r.Start("drain", time.Hour, func(context.Context) error {
		calls.Add(1)
		return nil
	})
	cancel()
	r.Trigger("drain")
	r.Stop("drain")
	require.Zero(t, calls.Load())
}

func TestRegistry_CycleInProgressFinishesAfterBaseCancel(t *testing.T) {
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })

	base, cancel := context.WithCancel(context.Background())
	r := NewRegistry(base, c, "test:run_id")

	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	r.Start("drain", time.Hour, func(ctx context.Context) error {
		close(entered)
		<-release
		finished.Store(ctx.Err() != nil)
		return nil
	})
	require.True(t, r.Trigger("drain"))
	<-entered

	cancel()
	close(release)
	r.Stop("drain")
	require.True(t, finished.Load())
}
