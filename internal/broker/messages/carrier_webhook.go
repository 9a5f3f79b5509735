package messages

import (
	"encoding/json"
	"time"
)

const (
	WebhookTrackingUpdated = "tracking.updated"
	WebhookShipmentUpdated = "shipment.updated"
	WebhookOrderShipped    = "order.shipped"
)

// CarrierWebhook is the verified push notification body sent by the carrier platform.
type CarrierWebhook struct {
	Event      string    `json:"event"`
	OccurredAt time.Time `json:"occurred_at"`

	TrackingNumber string `json:"tracking_number,omitempty"`
	ShipmentID     string `json:"shipment_id,omitempty"`
	OrderNumber    string `json:"order_number,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`
}
