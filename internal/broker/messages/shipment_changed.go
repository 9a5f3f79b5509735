package messages

import "time"

const (
	EventShipmentCreated       = "shipment.created"
	EventShipmentUpdated       = "shipment.updated"
	EventShipmentStatusChanged = "shipment.status_changed"
	EventShipmentCancelled     = "shipment.cancelled"
)

// ShipmentChanged is broadcast after a shipment record was applied locally.
type ShipmentChanged struct {
	OrderID        *string `json:"order_id,omitempty"`
	ShipmentID     string  `json:"shipment_id"`
	OrderNumber    *string `json:"order_number,omitempty"`
	TrackingNumber *string `json:"tracking_number,omitempty"`

	Status         string `json:"status"`
	PreviousStatus string `json:"previous_status,omitempty"`

	EventType  string    `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at"`
}
