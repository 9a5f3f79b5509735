package normalizer

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/models"
)

func strp(s string) *string { return &s }

func TestNormalize_FullPayload(t *testing.T) {
	raw := json.RawMessage(`{"shipmentId":12345,"orderNumber":"A-100","trackingNumber":"1Z9","carrierCode":"ups","serviceCode":"ups_ground","shipmentStatus":"on_hold"}`)

	p, err := Normalize(raw, nil, strp("order-7"))
	require.NoError(t, err)
	require.Equal(t, "12345", p.ShipmentID)
	require.Equal(t, "order-7", *p.OrderID)
	require.Equal(t, "A-100", *p.OrderNumber)
	require.Equal(t, "1Z9", *p.TrackingNumber)
	require.Equal(t, "ups", *p.CarrierCode)
	require.Equal(t, "ups_ground", *p.ServiceCode)
	require.Equal(t, models.ShipmentStatusOnHold, p.Status)
}

func TestNormalize_Idempotent(t *testing.T) {
	raw := json.RawMessage(`{"shipmentId":"S1","trackingStatus":"IT","b":1,"a":[1,2]}`)
	first, err := Normalize(raw, nil, nil)
	require.NoError(t, err)
	second, err := Normalize(raw, first.RawPayload, nil)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestNormalize_PartialMergesOntoPrevious(t *testing.T) {
	prev := json.RawMessage(`{"shipmentId":"S1","orderNumber":"A-1","carrierCode":"usps","shipmentStatus":"shipped"}`)
	partial := json.RawMessage(`{"trackingNumber":"9400","trackingStatus":"DE","carrierCode":null}`)

	p, err := Normalize(partial, prev, nil)
	require.NoError(t, err)
	require.Equal(t, "S1", p.ShipmentID)
	require.Equal(t, "usps", *p.CarrierCode)
	require.Equal(t, "9400", *p.TrackingNumber)
	require.Equal(t, models.ShipmentStatusDelivered, p.Status)
	require.Nil(t, p.OrderID)

	var merged map[string]any
	require.NoError(t, json.Unmarshal(p.RawPayload, &merged))
	require.Equal(t, "A-1", merged["orderNumber"])
	require.Equal(t, "DE", merged["trackingStatus"])
}

func TestNormalize_MissingIdentity(t *testing.T) {
	_, err := Normalize(json.RawMessage(`{"trackingNumber":"T1"}`), nil, nil)
	require.ErrorIs(t, err, ErrMissingIdentity)
}

func TestNormalize_Malformed(t *testing.T) {
	_, err := Normalize(json.RawMessage(`[1,2]`), nil, nil)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestNormalize_StatusPrecedence(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"voided wins", `{"shipmentId":"S","voided":true,"trackingStatus":"DE"}`, models.ShipmentStatusCancelled},
		{"delivered shipment status beats stale tracking", `{"shipmentId":"S","shipmentStatus":"delivered","trackingStatus":"IT"}`, models.ShipmentStatusDelivered},
		{"tracking beats shipment", `{"shipmentId":"S","shipmentStatus":"shipped","trackingStatus":"AT"}`, models.ShipmentStatusOutForDelivery},
		{"unknown tracking ignored", `{"shipmentId":"S","shipmentStatus":"on_hold","trackingStatus":"UN"}`, models.ShipmentStatusOnHold},
		{"nothing", `{"shipmentId":"S"}`, models.ShipmentStatusUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := Normalize(json.RawMessage(tc.raw), nil, nil)
			require.NoError(t, err)
			require.Equal(t, tc.want, p.Status)
		})
	}
}

func TestMergeStatus_TerminalIsSticky(t *testing.T) {
	require.Equal(t, models.ShipmentStatusDelivered, MergeStatus(models.ShipmentStatusDelivered, models.ShipmentStatusInTransit))
	require.Equal(t, models.ShipmentStatusCancelled, MergeStatus(models.ShipmentStatusCancelled, models.ShipmentStatusOnHold))
	require.Equal(t, models.ShipmentStatusDelivered, MergeStatus(models.ShipmentStatusDelivered, models.ShipmentStatusCancelled))
	require.Equal(t, models.ShipmentStatusInTransit, MergeStatus(models.ShipmentStatusInTransit, models.ShipmentStatusUnknown))
	require.Equal(t, models.ShipmentStatusDelivered, MergeStatus(models.ShipmentStatusInTransit, models.ShipmentStatusDelivered))
	require.Equal(t, models.ShipmentStatusOnHold, MergeStatus("", models.ShipmentStatusOnHold))
}

func TestMergeStatus_AnySequenceNeverLeavesTerminal(t *testing.T) {
	all := []string{
		models.ShipmentStatusPending, models.ShipmentStatusOnHold, models.ShipmentStatusInTransit,
		models.ShipmentStatusDelivered, models.ShipmentStatusException, models.ShipmentStatusCancelled,
		models.ShipmentStatusUnknown, models.ShipmentStatusLabelPurchased,
	}
	for _, start := range all {
		status := start
		reachedTerminal := models.IsTerminalStatus(status)
		for i := 0; i < 3; i++ {
			for _, next := range all {
				status = MergeStatus(status, next)
				if reachedTerminal {
					require.True(t, models.IsTerminalStatus(status))
				}
				reachedTerminal = reachedTerminal || models.IsTerminalStatus(status)
			}
		}
	}
}

func TestPeek(t *testing.T) {
	require.Equal(t, "S1", PeekShipmentID(json.RawMessage(`{"shipment_id":"S1"}`)))
	require.Equal(t, "", PeekShipmentID(json.RawMessage(`{"trackingNumber":"T"}`)))
	require.Equal(t, models.ShipmentStatusOnHold, PeekStatus(json.RawMessage(`{"shipmentStatus":"ON_HOLD"}`)))
	require.Equal(t, models.ShipmentStatusUnknown, PeekStatus(json.RawMessage(`nope`)))
}

func TestPeekModifiedAt(t *testing.T) {
	ts, ok := PeekModifiedAt(json.RawMessage(`{"modifyDate":"2025-06-01T10:00:00Z"}`))
	require.True(t, ok)
	require.Equal(t, time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC), ts)

	ts, ok = PeekModifiedAt(json.RawMessage(`{"modifyDate":"2025-06-01T10:00:00.1230000"}`))
	require.True(t, ok)
	require.Equal(t, 123*time.Millisecond, time.Duration(ts.Nanosecond()))

	_, ok = PeekModifiedAt(json.RawMessage(`{"modifyDate":"yesterday"}`))
	require.False(t, ok)
}
