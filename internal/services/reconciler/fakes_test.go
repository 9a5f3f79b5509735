package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/broker/messages"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/models"
)

type memStore struct {
	mu        sync.Mutex
	shipments map[string]*models.Shipment
	orders    map[string]string
	failures  []models.FailureRecord
	upserts   int

	failUpsert error
}

func newMemStore() *memStore {
	return &memStore{shipments: map[string]*models.Shipment{}, orders: map[string]string{}}
}

func (s *memStore) GetByShipmentID(_ context.Context, id string) (*models.Shipment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sh, ok := s.shipments[id]; ok {
		cp := *sh
		return &cp, nil
	}
	return nil, nil
}

func (s *memStore) GetByTrackingNumber(_ context.Context, tn string) (*models.Shipment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sh := range s.shipments {
		if sh.TrackingNumber != nil && *sh.TrackingNumber == tn {
			cp := *sh
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) OrderIDByNumber(_ context.Context, number string) (*string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.orders[number]; ok {
		return &id, nil
	}
	return nil, nil
}

func (s *memStore) Upsert(_ context.Context, p models.ShipmentPatch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpsert != nil {
		return false, s.failUpsert
	}
	s.upserts++
	now := time.Now().UTC()
	cur, ok := s.shipments[p.ShipmentID]
	if !ok {
		cur = &models.Shipment{ShipmentID: p.ShipmentID, CreatedAt: now}
		s.shipments[p.ShipmentID] = cur
	}
	cur.Status = p.Status
	cur.UpdatedAt = now
	coalesce(&cur.OrderID, p.OrderID)
	coalesce(&cur.OrderNumber, p.OrderNumber)
	coalesce(&cur.TrackingNumber, p.TrackingNumber)
	coalesce(&cur.CarrierCode, p.CarrierCode)
	coalesce(&cur.ServiceCode, p.ServiceCode)
	if len(p.RawPayload) > 0 {
		cur.RawPayload = p.RawPayload
	}
	return !ok, nil
}

func (s *memStore) InsertFailure(ctx context.Context, f models.FailureRecord) error {
	// honors cancellation the way the pgx pool does
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, f)
	return nil
}

func (s *memStore) put(sh *models.Shipment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shipments[sh.ShipmentID] = sh
}

func (s *memStore) get(id string) *models.Shipment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shipments[id]
}

func (s *memStore) failureCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.failures)
}

func coalesce(dst **string, v *string) {
	if v != nil {
		*dst = v
	}
}

type broadcasterMock struct {
	mock.Mock
}

func (m *broadcasterMock) Broadcast(ctx context.Context, ev messages.ShipmentChanged) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.data[key]
	return b, ok, nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

// rejectingQueue accepts the initial enqueue but refuses every requeue.
type rejectingQueue struct {
	Queue
	err error
}

func (q rejectingQueue) Enqueue(ctx context.Context, msg models.ChangeMessage) (bool, error) {
	if msg.Source == models.SourceRequeue {
		return false, q.err
	}
	return q.Queue.Enqueue(ctx, msg)
}

var errStoreDown = errors.New("store down")
