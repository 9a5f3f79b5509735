// Package sweeper polls the carrier for shipments that push notifications do not cover.
package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/coordinator"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/integrations/carrier"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/models"
)

// ErrExclusiveOperation is returned when a cycle was skipped because a long exclusive
// job holds the coordinator mutex.
var ErrExclusiveOperation = errors.New("exclusive operation in progress")

type Store interface {
	GetByShipmentID(ctx context.Context, shipmentID string) (*models.Shipment, error)
	LatestUpdatedAt(ctx context.Context, status string) (*time.Time, error)
	ListStale(ctx context.Context, status string, olderThan time.Time, limit int) ([]*models.Shipment, error)
	ListOpenLinked(ctx context.Context, limit int) ([]*models.Shipment, error)
	Touch(ctx context.Context, shipmentID string) error
	MarkCancelled(ctx context.Context, shipmentID string) (bool, error)
}

type Queue interface {
	Enqueue(ctx context.Context, msg models.ChangeMessage) (bool, error)
	Len(ctx context.Context) (int64, error)
	OldestEnqueuedAt(ctx context.Context) (*time.Time, error)
}

type Governor interface {
	Acquire(ctx context.Context) error
	RecordResponse(remaining, limit, resetInSeconds int)
}

type Mutex interface {
	Held(ctx context.Context, name string) (bool, error)
}

type Sweeper struct {
	store   Store
	q       Queue
	carrier carrier.Client
	gov     Governor
	mutex   Mutex

	status        string
	carrierStatus string

	interval        time.Duration
	staleness       time.Duration
	lookback        time.Duration
	initialWindow   time.Duration
	pageSize        int
	reverseLimit    int
	courtesyDelay   time.Duration
	staleQueueAfter time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	degraded          atomic.Bool
	lastForwardNano   atomic.Int64
	lastReverseNano   atomic.Int64
	totalForwardFound atomic.Int64
	totalEnqueued     atomic.Int64
	totalTouched      atomic.Int64
	totalCancelled    atomic.Int64
	totalErrors       atomic.Int64
	queueDepth        atomic.Int64
	oldestAgeSeconds  atomic.Int64
	lastErrorMu       sync.Mutex
	lastError         string
}

func New(store Store, q Queue, c carrier.Client, gov Governor, mutex Mutex) *Sweeper {
	return &Sweeper{
		store: store, q: q, carrier: c, gov: gov, mutex: mutex,
		status:          models.ShipmentStatusOnHold,
		carrierStatus:   "on_hold",
		interval:        5 * time.Minute,
		lookback:        10 * time.Minute,
		initialWindow:   24 * time.Hour,
		pageSize:        100,
		reverseLimit:    100,
		courtesyDelay:   250 * time.Millisecond,
		staleQueueAfter: 15 * time.Minute,
		now:             func() time.Time { return time.Now().UTC() },
		sleep:           sleepCtx,
	}
}

// WithSettings tunes the sweep. staleness defaults to twice the interval so the forward
// sweep had a fair chance to touch a record before it is reverse-checked.
func (s *Sweeper) WithSettings(interval, staleness, lookback time.Duration, pageSize, reverseLimit int, courtesyDelay time.Duration) *Sweeper {
	if interval > 0 {
		s.interval = interval
	}
	if staleness > 0 {
		s.staleness = staleness
	}
	if lookback > 0 {
		s.lookback = lookback
	}
	if pageSize > 0 {
		s.pageSize = pageSize
	}
	if reverseLimit > 0 {
		s.reverseLimit = reverseLimit
	}
	if courtesyDelay > 0 {
		s.courtesyDelay = courtesyDelay
	}
	return s
}

func (s *Sweeper) WithStaleQueueThreshold(d time.Duration) *Sweeper {
	if d > 0 {
		s.staleQueueAfter = d
	}
	return s
}

func (s *Sweeper) Staleness() time.Duration {
	if s.staleness > 0 {
		return s.staleness
	}
	return 2 * s.interval
}

type Stats struct {
	Degraded           bool       `json:"degraded"`
	LastForwardAt      *time.Time `json:"lastForwardAt,omitempty"`
	LastReverseAt      *time.Time `json:"lastReverseAt,omitempty"`
	TotalForwardFound  int64      `json:"totalForwardFound"`
	TotalEnqueued      int64      `json:"totalEnqueued"`
	TotalTouched       int64      `json:"totalTouched"`
	TotalCancelled     int64      `json:"totalCancelled"`
	TotalErrors        int64      `json:"totalErrors"`
	QueueDepth         int64      `json:"queueDepth"`
	OldestQueuedAgeSec int64      `json:"oldestQueuedAgeSeconds"`
	LastError          string     `json:"lastError,omitempty"`
}

func (s *Sweeper) Stats() Stats {
	st := Stats{
		Degraded:           s.degraded.Load(),
		TotalForwardFound:  s.totalForwardFound.Load(),
		TotalEnqueued:      s.totalEnqueued.Load(),
		TotalTouched:       s.totalTouched.Load(),
		TotalCancelled:     s.totalCancelled.Load(),
		TotalErrors:        s.totalErrors.Load(),
		QueueDepth:         s.queueDepth.Load(),
		OldestQueuedAgeSec: s.oldestAgeSeconds.Load(),
	}
	if n := s.lastForwardNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastForwardAt = &t
	}
	if n := s.lastReverseNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastReverseAt = &t
	}
	s.lastErrorMu.Lock()
	st.LastError = s.lastError
	s.lastErrorMu.Unlock()
	return st
}

func (s *Sweeper) setLastError(err error) {
	s.totalErrors.Add(1)
	s.lastErrorMu.Lock()
	s.lastError = err.Error()
	s.lastErrorMu.Unlock()
}

// checkExclusive reports whether the cycle may run. An unreachable mutex store counts
// as held: the cycle is skipped, never forced.
func (s *Sweeper) checkExclusive(ctx context.Context, sweep string) error {
	if s.mutex == nil {
		s.degraded.Store(false)
		return nil
	}
	held, err := s.mutex.Held(ctx, coordinator.ExclusiveOperation)
	if err != nil {
		s.degraded.Store(true)
		slog.Error("check exclusive operation", "sweep", sweep, "error", err.Error())
		return errors.Wrap(err, "check exclusive operation")
	}
	if held {
		s.degraded.Store(true)
		slog.Warn("sweep skipped, exclusive operation in progress", "sweep", sweep)
		return ErrExclusiveOperation
	}
	s.degraded.Store(false)
	return nil
}

func (s *Sweeper) record(rl carrier.RateLimit) {
	if rl.Remaining >= 0 {
		s.gov.RecordResponse(rl.Remaining, rl.Limit, rl.ResetInSeconds)
	}
}

func (s *Sweeper) enqueue(ctx context.Context, msg models.ChangeMessage) error {
	ok, err := s.q.Enqueue(ctx, msg)
	if err != nil {
		return err
	}
	if ok {
		s.totalEnqueued.Add(1)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
