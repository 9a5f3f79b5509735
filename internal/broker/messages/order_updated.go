package messages

import "time"

// OrderUpdated is consumed from the e-commerce platform. It only hints that shipments
// may exist for the order, so the resulting lookups are low confidence.
type OrderUpdated struct {
	OrderID     string    `json:"order_id"`
	OrderNumber string    `json:"order_number"`
	EventType   string    `json:"event_type,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}
