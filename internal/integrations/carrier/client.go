package carrier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrNotFound    = errors.New("carrier: not found")
	ErrRateLimited = errors.New("carrier: rate limited")
)

// RateLimit is the budget reported on a carrier response. Remaining and
// ResetInSeconds are -1 when the header was missing or unreadable.
type RateLimit struct {
	Remaining      int
	Limit          int
	ResetInSeconds int
}

type RateLimitError struct {
	RateLimit RateLimit
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("carrier rate limit (remaining=%d reset=%ds)", e.RateLimit.Remaining, e.RateLimit.ResetInSeconds)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// LookupResult carries raw shipment payloads; their shape is owned by the normalizer.
type LookupResult struct {
	Shipments []json.RawMessage
	RateLimit RateLimit
}

type ListQuery struct {
	Status         string
	TrackingNumber string
	ModifiedSince  time.Time
	ModifiedUntil  time.Time
	Page           int
	PageSize       int
}

type ListResult struct {
	Shipments []json.RawMessage
	Page      int
	Pages     int
	RateLimit RateLimit
}

type Client interface {
	LookupByOrderNumber(ctx context.Context, orderNumber string) (LookupResult, error)
	LookupByShipmentID(ctx context.Context, shipmentID string) (LookupResult, error)
	ListShipments(ctx context.Context, q ListQuery) (ListResult, error)
}
