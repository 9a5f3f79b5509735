package models

import (
	"encoding/json"
	"time"
)

// Normalized shipment statuses.
const (
	ShipmentStatusUnknown          = "UNKNOWN"
	ShipmentStatusPending          = "PENDING"
	ShipmentStatusAwaitingShipment = "AWAITING_SHIPMENT"
	ShipmentStatusOnHold           = "ON_HOLD"
	ShipmentStatusLabelPurchased   = "LABEL_PURCHASED"
	ShipmentStatusInTransit        = "IN_TRANSIT"
	ShipmentStatusOutForDelivery   = "OUT_FOR_DELIVERY"
	ShipmentStatusException        = "EXCEPTION"
	ShipmentStatusDelivered        = "DELIVERED"
	ShipmentStatusCancelled        = "CANCELLED"
)

// IsTerminalStatus reports whether no further transition is permitted from status.
func IsTerminalStatus(status string) bool {
	return status == ShipmentStatusDelivered || status == ShipmentStatusCancelled
}

type Shipment struct {
	ShipmentID     string
	OrderID        *string
	OrderNumber    *string
	Status         string
	TrackingNumber *string
	CarrierCode    *string
	ServiceCode    *string
	RawPayload     json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsOrderLinked reports whether the shipment is already attached to a local order.
func (s *Shipment) IsOrderLinked() bool {
	return s != nil && s.OrderID != nil && *s.OrderID != ""
}

// ShipmentPatch is the normalized view of an external payload, ready to be upserted.
type ShipmentPatch struct {
	ShipmentID     string
	OrderID        *string
	OrderNumber    *string
	Status         string
	TrackingNumber *string
	CarrierCode    *string
	ServiceCode    *string
	RawPayload     json.RawMessage
}

type FailureRecord struct {
	ID               uint64
	Identity         string
	Reason           string
	Message          json.RawMessage
	ResponseSnapshot json.RawMessage
	RetryCount       int
	FailedAt         time.Time
}
