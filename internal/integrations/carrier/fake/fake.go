package fake

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xrgarcia/jerky-shipping-sub004/internal/integrations/carrier"
)

type shipment struct {
	raw            json.RawMessage
	orderNumber    string
	trackingNumber string
	status         string
	modifiedAt     time.Time
}

// FakeClient is an in-memory carrier used for local runs and tests. It reports a
// fixed-window budget the way the real API does, so governor behavior is exercised.
type FakeClient struct {
	mu        sync.Mutex
	shipments map[string]shipment

	limit     int
	remaining int
	window    time.Duration
	resetAt   time.Time
	now       func() time.Time

	calls int
}

func New() *FakeClient {
	return &FakeClient{
		shipments: map[string]shipment{},
		limit:     40,
		remaining: 40,
		window:    time.Minute,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithBudget sets the calls allowed per window.
func (f *FakeClient) WithBudget(limit int, window time.Duration) *FakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limit, f.remaining, f.window = limit, limit, window
	f.resetAt = time.Time{}
	return f
}

// Put stores a shipment payload. The payload must carry shipmentId; orderNumber,
// trackingNumber, shipmentStatus and modifyDate are indexed when present.
func (f *FakeClient) Put(raw json.RawMessage) {
	var head struct {
		ShipmentID     string `json:"shipmentId"`
		OrderNumber    string `json:"orderNumber"`
		TrackingNumber string `json:"trackingNumber"`
		ShipmentStatus string `json:"shipmentStatus"`
		ModifyDate     string `json:"modifyDate"`
	}
	_ = json.Unmarshal(raw, &head)
	modified, err := time.Parse(time.RFC3339, head.ModifyDate)
	if err != nil {
		modified = f.now()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shipments[head.ShipmentID] = shipment{
		raw:            append(json.RawMessage(nil), raw...),
		orderNumber:    head.OrderNumber,
		trackingNumber: head.TrackingNumber,
		status:         strings.ToLower(head.ShipmentStatus),
		modifiedAt:     modified.UTC(),
	}
}

func (f *FakeClient) Delete(shipmentID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.shipments, shipmentID)
}

// Calls returns how many API calls were made.
func (f *FakeClient) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *FakeClient) LookupByOrderNumber(ctx context.Context, orderNumber string) (carrier.LookupResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rl, err := f.spendLocked()
	if err != nil {
		return carrier.LookupResult{RateLimit: rl}, err
	}
	var out []json.RawMessage
	for _, id := range f.sortedIDsLocked() {
		if s := f.shipments[id]; s.orderNumber == orderNumber {
			out = append(out, s.raw)
		}
	}
	return carrier.LookupResult{Shipments: out, RateLimit: rl}, nil
}

func (f *FakeClient) LookupByShipmentID(ctx context.Context, shipmentID string) (carrier.LookupResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rl, err := f.spendLocked()
	if err != nil {
		return carrier.LookupResult{RateLimit: rl}, err
	}
	s, ok := f.shipments[shipmentID]
	if !ok {
		return carrier.LookupResult{RateLimit: rl}, carrier.ErrNotFound
	}
	return carrier.LookupResult{Shipments: []json.RawMessage{s.raw}, RateLimit: rl}, nil
}

func (f *FakeClient) ListShipments(ctx context.Context, q carrier.ListQuery) (carrier.ListResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rl, err := f.spendLocked()
	if err != nil {
		return carrier.ListResult{RateLimit: rl}, err
	}

	var match []json.RawMessage
	for _, id := range f.sortedIDsLocked() {
		s := f.shipments[id]
		if q.Status != "" && s.status != strings.ToLower(q.Status) {
			continue
		}
		if q.TrackingNumber != "" && s.trackingNumber != q.TrackingNumber {
			continue
		}
		if !q.ModifiedSince.IsZero() && s.modifiedAt.Before(q.ModifiedSince) {
			continue
		}
		if !q.ModifiedUntil.IsZero() && s.modifiedAt.After(q.ModifiedUntil) {
			continue
		}
		match = append(match, s.raw)
	}

	page, size := q.Page, q.PageSize
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 100
	}
	pages := (len(match) + size - 1) / size
	from := (page - 1) * size
	if from > len(match) {
		from = len(match)
	}
	to := from + size
	if to > len(match) {
		to = len(match)
	}
	return carrier.ListResult{Shipments: match[from:to], Page: page, Pages: pages, RateLimit: rl}, nil
}

func (f *FakeClient) spendLocked() (carrier.RateLimit, error) {
	now := f.now()
	if f.resetAt.IsZero() || !now.Before(f.resetAt) {
		f.remaining = f.limit
		f.resetAt = now.Add(f.window)
	}
	reset := int(f.resetAt.Sub(now).Seconds())
	if f.remaining <= 0 {
		rl := carrier.RateLimit{Remaining: 0, Limit: f.limit, ResetInSeconds: reset}
		return rl, &carrier.RateLimitError{RateLimit: rl}
	}
	f.calls++
	f.remaining--
	return carrier.RateLimit{Remaining: f.remaining, Limit: f.limit, ResetInSeconds: reset}, nil
}

func (f *FakeClient) sortedIDsLocked() []string {
	ids := make([]string, 0, len(f.shipments))
	for id := range f.shipments {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
