package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/coordinator"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/governor"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/integrations/carrier/fake"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/models"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/queue"
)

type env struct {
	q       *queue.RedisQueue
	mutex   *coordinator.Mutex
	carrier *fake.FakeClient
	gov     *governor.Governor
	waits   []time.Duration
	b       *Backfill
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })

	e := &env{
		q:       queue.NewWithClient(c, "test"),
		mutex:   coordinator.NewMutex(c, "test:lock", time.Minute),
		carrier: fake.New(),
	}
	e.gov = governor.New(governor.Config{}, nil).WithClock(time.Now, func(_ context.Context, d time.Duration) error {
		e.waits = append(e.waits, d)
		e.carrier.WithBudget(40, time.Minute)
		return nil
	})
	e.b = New(e.mutex, e.q, e.carrier, e.gov).WithPageSize(2)
	return e
}

func (e *env) put(id string, modified time.Time) {
	e.carrier.Put(json.RawMessage(fmt.Sprintf(`{"shipmentId":%q,"modifyDate":%q}`, id, modified.Format(time.RFC3339))))
}

func TestBackfill_EnqueuesWindowAndReleasesLock(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	from := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	for i := 1; i <= 3; i++ {
		e.put(fmt.Sprintf("B%d", i), from.Add(time.Duration(i)*time.Hour))
	}
	e.put("OUT", to.Add(time.Hour))

	res, err := e.b.Run(ctx, from, to)
	require.NoError(t, err)
	require.Equal(t, 2, res.Pages)
	require.Equal(t, 3, res.Found)
	require.Equal(t, 3, res.Enqueued)

	claims, err := e.q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claims, 3)
	require.Equal(t, models.KindBackfill, claims[0].Message.Kind)
	require.Equal(t, models.SourceBackfill, claims[0].Message.Source)

	held, err := e.mutex.Held(ctx, coordinator.ExclusiveOperation)
	require.NoError(t, err)
	require.False(t, held)

	st := e.b.Stats()
	require.False(t, st.Running)
	require.Equal(t, 3, st.Last.Enqueued)
}

func TestBackfill_LockHeld(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	lock, err := e.mutex.TryAcquire(ctx, coordinator.ExclusiveOperation)
	require.NoError(t, err)
	defer func() { _ = lock.Release(ctx) }()

	_, err = e.b.Run(ctx, time.Now().Add(-time.Hour), time.Now())
	require.ErrorIs(t, err, coordinator.ErrLockHeld)
	require.ErrorIs(t, e.b.Start(ctx, time.Now().Add(-time.Hour), time.Now()), coordinator.ErrLockHeld)
	require.Zero(t, e.carrier.Calls())
}

func TestBackfill_EmptyWindowRejected(t *testing.T) {
	e := newEnv(t)
	now := time.Now()
	_, err := e.b.Run(context.Background(), now, now)
	require.Error(t, err)
}

func TestBackfill_WaitsOutRateLimit(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.carrier.WithBudget(0, time.Minute)
	from := time.Now().Add(-time.Hour)
	e.put("B1", from.Add(time.Minute))

	res, err := e.b.Run(ctx, from, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, res.Enqueued)
	require.NotEmpty(t, e.waits)
	require.LessOrEqual(t, e.waits[0], time.Minute)
}

func TestBackfill_StartRunsInBackground(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	from := time.Now().Add(-time.Hour)
	e.put("B1", from.Add(time.Minute))

	require.NoError(t, e.b.Start(ctx, from, time.Now()))
	require.Eventually(t, func() bool {
		st := e.b.Stats()
		return !st.Running && st.Last != nil
	}, 2*time.Second, 10*time.Millisecond)

	n, err := e.q.Len(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}
