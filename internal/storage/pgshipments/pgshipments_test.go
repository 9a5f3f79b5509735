package pgshipments

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/models"
)

func strp(s string) *string { return &s }

func startStorage(t *testing.T) *Storage {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "admin",
			"POSTGRES_PASSWORD": "admin",
			"POSTGRES_DB":       "shipsync_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := "postgres://admin:admin@" + host + ":" + port.Port() + "/shipsync_test?sslmode=disable"
	st, err := New(dsn)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

func TestPGShipments_RepoFlow(t *testing.T) {
	ctx := context.Background()
	st := startStorage(t)

	created, err := st.Upsert(ctx, models.ShipmentPatch{
		ShipmentID:     "S1",
		OrderNumber:    strp("A-100"),
		Status:         models.ShipmentStatusOnHold,
		TrackingNumber: strp("1Z1"),
		CarrierCode:    strp("ups"),
		RawPayload:     json.RawMessage(`{"shipmentId":"S1","shipmentStatus":"on_hold"}`),
	})
	require.NoError(t, err)
	require.True(t, created)

	// nil fields keep stored values
	created, err = st.Upsert(ctx, models.ShipmentPatch{
		ShipmentID: "S1",
		Status:     models.ShipmentStatusInTransit,
	})
	require.NoError(t, err)
	require.False(t, created)

	sh, err := st.GetByShipmentID(ctx, "S1")
	require.NoError(t, err)
	require.Equal(t, models.ShipmentStatusInTransit, sh.Status)
	require.Equal(t, "ups", *sh.CarrierCode)
	require.Equal(t, "A-100", *sh.OrderNumber)
	require.JSONEq(t, `{"shipmentId":"S1","shipmentStatus":"on_hold"}`, string(sh.RawPayload))
	require.False(t, sh.IsOrderLinked())

	byTracking, err := st.GetByTrackingNumber(ctx, "1Z1")
	require.NoError(t, err)
	require.Equal(t, "S1", byTracking.ShipmentID)

	missing, err := st.GetByShipmentID(ctx, "nope")
	require.NoError(t, err)
	require.Nil(t, missing)

	orderID, err := st.OrderIDByNumber(ctx, "A-100")
	require.NoError(t, err)
	require.Nil(t, orderID)

	require.NoError(t, st.UpsertOrder(ctx, "order-1", "A-100"))
	orderID, err = st.OrderIDByNumber(ctx, "A-100")
	require.NoError(t, err)
	require.Equal(t, "order-1", *orderID)

	list, err := st.ListByOrderNumber(ctx, "A-100")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.True(t, list[0].IsOrderLinked())

	open, err := st.ListOpenLinked(ctx, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
}

func TestPGShipments_UpsertNeverLeavesTerminalStatus(t *testing.T) {
	ctx := context.Background()
	st := startStorage(t)

	_, err := st.Upsert(ctx, models.ShipmentPatch{ShipmentID: "S7", Status: models.ShipmentStatusDelivered})
	require.NoError(t, err)

	// a writer that read the record before delivery lands late
	_, err = st.Upsert(ctx, models.ShipmentPatch{
		ShipmentID:     "S7",
		Status:         models.ShipmentStatusInTransit,
		TrackingNumber: strp("1Z7"),
	})
	require.NoError(t, err)

	sh, err := st.GetByShipmentID(ctx, "S7")
	require.NoError(t, err)
	require.Equal(t, models.ShipmentStatusDelivered, sh.Status)
	require.Equal(t, "1Z7", *sh.TrackingNumber)

	_, err = st.Upsert(ctx, models.ShipmentPatch{ShipmentID: "S8", Status: models.ShipmentStatusInTransit})
	require.NoError(t, err)
	_, err = st.Upsert(ctx, models.ShipmentPatch{ShipmentID: "S8", Status: models.ShipmentStatusOutForDelivery})
	require.NoError(t, err)
	sh, err = st.GetByShipmentID(ctx, "S8")
	require.NoError(t, err)
	require.Equal(t, models.ShipmentStatusOutForDelivery, sh.Status)
}

func TestPGShipments_SweepQueries(t *testing.T) {
	ctx := context.Background()
	st := startStorage(t)

	for _, id := range []string{"H1", "H2"} {
		_, err := st.Upsert(ctx, models.ShipmentPatch{ShipmentID: id, Status: models.ShipmentStatusOnHold})
		require.NoError(t, err)
	}
	_, err := st.Upsert(ctx, models.ShipmentPatch{ShipmentID: "D1", Status: models.ShipmentStatusDelivered})
	require.NoError(t, err)

	_, err = st.db.Exec(ctx, `UPDATE shipments SET updated_at = now() - interval '2 hour' WHERE shipment_id = 'H1'`)
	require.NoError(t, err)

	stale, err := st.ListStale(ctx, models.ShipmentStatusOnHold, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, "H1", stale[0].ShipmentID)

	latest, err := st.LatestUpdatedAt(ctx, models.ShipmentStatusOnHold)
	require.NoError(t, err)
	require.WithinDuration(t, time.Now(), *latest, time.Minute)

	none, err := st.LatestUpdatedAt(ctx, models.ShipmentStatusException)
	require.NoError(t, err)
	require.Nil(t, none)

	require.NoError(t, st.Touch(ctx, "H1"))
	stale, err = st.ListStale(ctx, models.ShipmentStatusOnHold, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, stale)

	ok, err := st.MarkCancelled(ctx, "H2")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = st.MarkCancelled(ctx, "D1")
	require.NoError(t, err)
	require.False(t, ok)

	d1, err := st.GetByShipmentID(ctx, "D1")
	require.NoError(t, err)
	require.Equal(t, models.ShipmentStatusDelivered, d1.Status)
}

func TestPGShipments_Failures(t *testing.T) {
	ctx := context.Background()
	st := startStorage(t)

	start := time.Now().Add(-time.Second)
	require.NoError(t, st.InsertFailure(ctx, models.FailureRecord{
		Identity:   "shipment:S9",
		Reason:     "target not found after retries",
		Message:    json.RawMessage(`{"shipment_id":"S9"}`),
		RetryCount: 5,
	}))

	n, err := st.CountFailuresSince(ctx, start)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	list, err := st.ListFailures(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, 5, list[0].RetryCount)
	require.Empty(t, list[0].ResponseSnapshot)
}
