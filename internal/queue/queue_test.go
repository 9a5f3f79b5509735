package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/models"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	q := NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test")
	t.Cleanup(func() { _ = q.Close() })
	return q, mr
}

func TestEnqueue_DuplicateIdentityRejected(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	ok, err := q.Enqueue(ctx, models.ChangeMessage{Kind: models.KindTrackingLookup, TrackingNumber: "1Z999"})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = q.Enqueue(ctx, models.ChangeMessage{Kind: models.KindTrackingLookup, TrackingNumber: "1Z999"})
	require.NoError(t, err)
	require.False(t, ok)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	claims, err := q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	require.Equal(t, "1Z999", claims[0].Message.TrackingNumber)
}

func TestEnqueue_RequiresIdentity(t *testing.T) {
	q, _ := newTestQueue(t)
	_, err := q.Enqueue(context.Background(), models.ChangeMessage{Kind: models.KindOrderLookup})
	require.ErrorIs(t, err, ErrInvalidMessage)
}

func TestDequeueBatch_KeepsInFlightUntilRelease(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	msg := models.ChangeMessage{Kind: models.KindOrderLookup, OrderNumber: "A-100"}
	ok, err := q.Enqueue(ctx, msg)
	require.NoError(t, err)
	require.True(t, ok)

	claims, err := q.DequeueBatch(ctx, 5)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	require.NotEmpty(t, claims[0].Message.ID)
	require.False(t, claims[0].Message.EnqueuedAt.IsZero())

	// Dequeued but not released: still blocked.
	ok, err = q.Enqueue(ctx, msg)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, claims[0].Release(ctx))
	require.True(t, claims[0].Released())
	require.NoError(t, claims[0].Release(ctx))

	ok, err = q.Enqueue(ctx, msg)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestClaim_StaleReleaseDoesNotClearNewOwner(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	msg := models.ChangeMessage{Kind: models.KindTrackingLookup, TrackingNumber: "T1"}

	_, err := q.Enqueue(ctx, msg)
	require.NoError(t, err)
	first, err := q.DequeueBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// A restart wipes markers and a new producer takes the identity.
	_, err = q.ClearAllInFlight(ctx)
	require.NoError(t, err)
	ok, err := q.Enqueue(ctx, msg)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, first[0].Release(ctx))

	inFlight, err := q.InFlight(ctx, "tracking:T1")
	require.NoError(t, err)
	require.True(t, inFlight)
}

func TestDequeueBatch_RespectsMaxAndOrder(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	for _, n := range []string{"A", "B", "C"} {
		_, err := q.Enqueue(ctx, models.ChangeMessage{Kind: models.KindOrderLookup, OrderNumber: n})
		require.NoError(t, err)
	}

	claims, err := q.DequeueBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, claims, 2)
	require.Equal(t, "A", claims[0].Message.OrderNumber)
	require.Equal(t, "B", claims[1].Message.OrderNumber)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestDequeueBatch_Empty(t *testing.T) {
	q, _ := newTestQueue(t)
	claims, err := q.DequeueBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, claims)
}

func TestClearAllInFlight_ReturnsCount(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	for _, n := range []string{"A", "B"} {
		_, err := q.Enqueue(ctx, models.ChangeMessage{Kind: models.KindOrderLookup, OrderNumber: n})
		require.NoError(t, err)
	}
	n, err := q.ClearAllInFlight(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	n, err = q.ClearAllInFlight(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestOldestEnqueuedAt(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	ts, err := q.OldestEnqueuedAt(ctx)
	require.NoError(t, err)
	require.Nil(t, ts)

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err = q.Enqueue(ctx, models.ChangeMessage{
		Kind:            models.KindBackfill,
		ShipmentID:      "S1",
		EmbeddedPayload: json.RawMessage(`{"shipmentId":"S1"}`),
		EnqueuedAt:      at,
	})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, models.ChangeMessage{Kind: models.KindBackfill, ShipmentID: "S2"})
	require.NoError(t, err)

	ts, err = q.OldestEnqueuedAt(ctx)
	require.NoError(t, err)
	require.NotNil(t, ts)
	require.True(t, at.Equal(*ts))
}

func TestQueue_UnavailableReturnsError(t *testing.T) {
	q, mr := newTestQueue(t)
	mr.Close()

	_, err := q.Enqueue(context.Background(), models.ChangeMessage{Kind: models.KindOrderLookup, OrderNumber: "X"})
	require.Error(t, err)
	_, err = q.DequeueBatch(context.Background(), 1)
	require.Error(t, err)
}

func TestDequeueBatch_UndecodableEntryIsParkedAndIdentityFreed(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	ok, err := q.Enqueue(ctx, models.ChangeMessage{Kind: models.KindReverseVerify, ShipmentID: "S1"})
	require.NoError(t, err)
	require.True(t, ok)

	// replace the stored entry with one whose message no longer matches the schema
	raw, err := mr.Lpop("test:queue")
	require.NoError(t, err)
	var head map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &head))
	head["message"] = "garbage"
	broken, err := json.Marshal(head)
	require.NoError(t, err)
	_, err = mr.Push("test:queue", string(broken))
	require.NoError(t, err)

	claims, err := q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, claims)

	parked, err := q.Undecodable(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []string{string(broken)}, parked)

	inFlight, err := q.InFlight(ctx, "shipment:S1")
	require.NoError(t, err)
	require.False(t, inFlight)

	ok, err = q.Enqueue(ctx, models.ChangeMessage{Kind: models.KindReverseVerify, ShipmentID: "S1"})
	require.NoError(t, err)
	require.True(t, ok)
}
