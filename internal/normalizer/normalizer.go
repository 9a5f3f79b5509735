// Package normalizer turns raw carrier shipment payloads into canonical shipment
// patches. Webhook payloads, sweep results and API lookups all go through Normalize,
// so the transport never decides how a payload becomes a record.
package normalizer

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/models"
)

var (
	ErrMissingIdentity = errors.New("payload has no shipment id")
	ErrMalformed       = errors.New("payload is not a json object")
)

// Carrier tracking status codes.
var trackingStatuses = map[string]string{
	"NY": models.ShipmentStatusLabelPurchased,
	"AC": models.ShipmentStatusInTransit,
	"IT": models.ShipmentStatusInTransit,
	"AT": models.ShipmentStatusOutForDelivery,
	"EX": models.ShipmentStatusException,
	"DE": models.ShipmentStatusDelivered,
	"SP": models.ShipmentStatusDelivered,
}

var shipmentStatuses = map[string]string{
	"pending":           models.ShipmentStatusPending,
	"awaiting_payment":  models.ShipmentStatusPending,
	"awaiting_shipment": models.ShipmentStatusAwaitingShipment,
	"on_hold":           models.ShipmentStatusOnHold,
	"label_purchased":   models.ShipmentStatusLabelPurchased,
	"shipped":           models.ShipmentStatusLabelPurchased,
	"in_transit":        models.ShipmentStatusInTransit,
	"out_for_delivery":  models.ShipmentStatusOutForDelivery,
	"exception":         models.ShipmentStatusException,
	"delivered":         models.ShipmentStatusDelivered,
	"cancelled":         models.ShipmentStatusCancelled,
	"canceled":          models.ShipmentStatusCancelled,
	"voided":            models.ShipmentStatusCancelled,
}

// Normalize merges raw onto previous (the last stored payload, may be empty) and
// extracts the canonical fields. Keys present in raw win; null values in raw do not
// erase stored ones, which lets tracking-only updates land on a full record.
// knownOrderID is the local order link, when the caller resolved one.
func Normalize(raw, previous json.RawMessage, knownOrderID *string) (models.ShipmentPatch, error) {
	merged, err := mergeObjects(previous, raw)
	if err != nil {
		return models.ShipmentPatch{}, err
	}

	id := stringField(merged, "shipmentId", "shipment_id")
	if id == "" {
		return models.ShipmentPatch{}, ErrMissingIdentity
	}

	canonical, err := json.Marshal(merged)
	if err != nil {
		return models.ShipmentPatch{}, errors.Wrap(err, "marshal merged payload")
	}

	return models.ShipmentPatch{
		ShipmentID:     id,
		OrderID:        nonEmpty(knownOrderID),
		OrderNumber:    optString(merged, "orderNumber", "order_number"),
		Status:         statusOf(merged),
		TrackingNumber: optString(merged, "trackingNumber", "tracking_number"),
		CarrierCode:    optString(merged, "carrierCode", "carrier_code"),
		ServiceCode:    optString(merged, "serviceCode", "service_code"),
		RawPayload:     canonical,
	}, nil
}

// PeekShipmentID returns the shipment id of a payload without normalizing it.
func PeekShipmentID(raw json.RawMessage) string {
	m, err := decodeObject(raw)
	if err != nil {
		return ""
	}
	return stringField(m, "shipmentId", "shipment_id")
}

// PeekStatus returns the canonical status a payload would normalize to on its own.
func PeekStatus(raw json.RawMessage) string {
	m, err := decodeObject(raw)
	if err != nil {
		return models.ShipmentStatusUnknown
	}
	return statusOf(m)
}

// PeekModifiedAt returns the upstream modification time of a payload, when present.
func PeekModifiedAt(raw json.RawMessage) (time.Time, bool) {
	m, err := decodeObject(raw)
	if err != nil {
		return time.Time{}, false
	}
	v := stringField(m, "modifyDate", "modify_date", "updatedAt")
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.0000000", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// MergeStatus applies the monotonic rule: a terminal status is sticky, and an
// unknown incoming status never replaces a known one.
func MergeStatus(current, incoming string) string {
	if current == "" {
		return incoming
	}
	if models.IsTerminalStatus(current) {
		return current
	}
	if incoming == "" || incoming == models.ShipmentStatusUnknown {
		return current
	}
	return incoming
}

func statusOf(m map[string]any) string {
	if b, ok := m["voided"].(bool); ok && b {
		return models.ShipmentStatusCancelled
	}
	fromShipment := shipmentStatuses[strings.ToLower(stringField(m, "shipmentStatus", "shipment_status", "status"))]
	fromTracking := trackingStatuses[strings.ToUpper(stringField(m, "trackingStatus", "tracking_status", "status_code"))]
	switch {
	case fromShipment == models.ShipmentStatusCancelled:
		return fromShipment
	case models.IsTerminalStatus(fromTracking):
		return fromTracking
	case models.IsTerminalStatus(fromShipment):
		return fromShipment
	case fromTracking != "":
		return fromTracking
	case fromShipment != "":
		return fromShipment
	}
	return models.ShipmentStatusUnknown
}

func mergeObjects(previous, raw json.RawMessage) (map[string]any, error) {
	base := map[string]any{}
	if len(bytes.TrimSpace(previous)) > 0 {
		prev, err := decodeObject(previous)
		if err != nil {
			return nil, err
		}
		base = prev
	}
	incoming, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	for k, v := range incoming {
		if v == nil {
			continue
		}
		base[k] = v
	}
	return base, nil
}

func decodeObject(raw json.RawMessage) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	if m == nil {
		return map[string]any{}, nil
	}
	return m, nil
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}

func optString(m map[string]any, keys ...string) *string {
	if s := stringField(m, keys...); s != "" {
		return &s
	}
	return nil
}

func nonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	v := *s
	return &v
}
