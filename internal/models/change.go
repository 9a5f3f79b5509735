package models

import (
	"encoding/json"
	"time"
)

type MessageKind string

const (
	KindTrackingLookup MessageKind = "tracking_lookup"
	KindOrderLookup    MessageKind = "order_lookup"
	KindReverseVerify  MessageKind = "reverse_verify"
	KindBackfill       MessageKind = "backfill"
)

type MessageSource string

const (
	SourceCarrierWebhook MessageSource = "carrier_webhook"
	SourceOrderEvent     MessageSource = "order_event"
	SourceForwardSweep   MessageSource = "forward_sweep"
	SourceReverseSweep   MessageSource = "reverse_sweep"
	SourceBackfill       MessageSource = "backfill"
	SourceRequeue        MessageSource = "requeue"
)

// ChangeMessage is a unit of work on the change queue.
type ChangeMessage struct {
	ID     string        `json:"id"`
	Kind   MessageKind   `json:"kind"`
	Source MessageSource `json:"source"`

	TrackingNumber string `json:"tracking_number,omitempty"`
	OrderNumber    string `json:"order_number,omitempty"`
	ShipmentID     string `json:"shipment_id,omitempty"`

	EmbeddedPayload json.RawMessage `json:"embedded_payload,omitempty"`

	RetryCount int       `json:"retry_count"`
	LastError  string    `json:"last_error,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	// LowConfidence marks messages whose producer only suspects that a shipment exists.
	LowConfidence bool `json:"low_confidence,omitempty"`
}

// IdentityKey is the in-flight dedup key. Shipment id wins over tracking number,
// tracking number over order number. Empty when the message carries no identity.
func (m ChangeMessage) IdentityKey() string {
	switch {
	case m.ShipmentID != "":
		return "shipment:" + m.ShipmentID
	case m.TrackingNumber != "":
		return "tracking:" + m.TrackingNumber
	case m.OrderNumber != "":
		return "order:" + m.OrderNumber
	default:
		return ""
	}
}

// HasEmbeddedPayload reports whether the message can be applied without an external call.
func (m ChangeMessage) HasEmbeddedPayload() bool {
	return len(m.EmbeddedPayload) > 0 && string(m.EmbeddedPayload) != "null"
}
