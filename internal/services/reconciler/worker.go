// Package reconciler drains the change queue and applies carrier shipment state to the
// local record store.
package reconciler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xrgarcia/jerky-shipping-sub004/internal/broker/messages"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/governor"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/integrations/carrier"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/models"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/queue"
)

type Queue interface {
	Enqueue(ctx context.Context, msg models.ChangeMessage) (bool, error)
	DequeueBatch(ctx context.Context, max int) ([]*queue.Claim, error)
}

type Store interface {
	GetByShipmentID(ctx context.Context, shipmentID string) (*models.Shipment, error)
	GetByTrackingNumber(ctx context.Context, trackingNumber string) (*models.Shipment, error)
	OrderIDByNumber(ctx context.Context, orderNumber string) (*string, error)
	Upsert(ctx context.Context, p models.ShipmentPatch) (bool, error)
	InsertFailure(ctx context.Context, f models.FailureRecord) error
}

type Governor interface {
	Acquire(ctx context.Context) error
	RecordResponse(remaining, limit, resetInSeconds int)
	AvailableQuota() governor.Quota
}

type Broadcaster interface {
	Broadcast(ctx context.Context, ev messages.ShipmentChanged) error
}

// Cache keeps order lookup results for a short time. Optional.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type Worker struct {
	q           Queue
	store       Store
	carrier     carrier.Client
	gov         Governor
	broadcaster Broadcaster
	cache       Cache

	batchSize   int
	maxRetries  int
	parallelCap int
	cacheTTL    time.Duration

	now func() time.Time

	startedAtUnixNano int64
	lastCycleUnixNano atomic.Int64
	totalDequeued     atomic.Int64
	totalApplied      atomic.Int64
	totalRequeued     atomic.Int64
	totalDeadLettered atomic.Int64
	totalErrors       atomic.Int64
	inFlight          atomic.Int64
	lastErrorMu       sync.Mutex
	lastError         string
}

func New(q Queue, store Store, c carrier.Client, gov Governor, b Broadcaster) *Worker {
	return &Worker{
		q: q, store: store, carrier: c, gov: gov, broadcaster: b,
		batchSize:         50,
		maxRetries:        5,
		parallelCap:       10,
		cacheTTL:          30 * time.Second,
		now:               func() time.Time { return time.Now().UTC() },
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (w *Worker) WithSettings(batchSize, maxRetries, parallelCap int) *Worker {
	if batchSize > 0 {
		w.batchSize = batchSize
	}
	if maxRetries > 0 {
		w.maxRetries = maxRetries
	}
	if parallelCap > 0 {
		w.parallelCap = parallelCap
	}
	return w
}

func (w *Worker) WithCache(c Cache, ttl time.Duration) *Worker {
	w.cache = c
	if ttl > 0 {
		w.cacheTTL = ttl
	}
	return w
}

type Stats struct {
	StartedAt         time.Time  `json:"startedAt"`
	LastCycleAt       *time.Time `json:"lastCycleAt,omitempty"`
	TotalDequeued     int64      `json:"totalDequeued"`
	TotalApplied      int64      `json:"totalApplied"`
	TotalRequeued     int64      `json:"totalRequeued"`
	TotalDeadLettered int64      `json:"totalDeadLettered"`
	TotalErrors       int64      `json:"totalErrors"`
	InFlight          int64      `json:"inFlight"`
	LastError         string     `json:"lastError,omitempty"`
}

func (w *Worker) Stats() Stats {
	st := Stats{
		StartedAt:         time.Unix(0, w.startedAtUnixNano).UTC(),
		TotalDequeued:     w.totalDequeued.Load(),
		TotalApplied:      w.totalApplied.Load(),
		TotalRequeued:     w.totalRequeued.Load(),
		TotalDeadLettered: w.totalDeadLettered.Load(),
		TotalErrors:       w.totalErrors.Load(),
		InFlight:          w.inFlight.Load(),
	}
	if n := w.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	w.lastErrorMu.Lock()
	st.LastError = w.lastError
	w.lastErrorMu.Unlock()
	return st
}

func (w *Worker) setLastError(err error) {
	w.totalErrors.Add(1)
	w.lastErrorMu.Lock()
	w.lastError = err.Error()
	w.lastErrorMu.Unlock()
}

// DrainOnce processes one batch. Queue unavailability is logged and reported, the
// next cycle simply tries again.
func (w *Worker) DrainOnce(ctx context.Context) error {
	w.lastCycleUnixNano.Store(w.now().UnixNano())

	claims, err := w.q.DequeueBatch(ctx, w.batchSize)
	if err != nil {
		slog.Error("dequeue change batch", "error", err.Error())
		w.setLastError(err)
		return err
	}
	if len(claims) == 0 {
		return nil
	}
	w.totalDequeued.Add(int64(len(claims)))

	var serial, parallel []*queue.Claim
	for _, c := range claims {
		if isParallelSafe(c.Message) {
			parallel = append(parallel, c)
		} else {
			serial = append(serial, c)
		}
	}

	for _, c := range serial {
		w.handle(ctx, c, w.gov.Acquire)
	}
	if len(parallel) > 0 {
		w.drainParallel(ctx, parallel)
	}

	slog.Info("change batch drained", "dequeued", len(claims), "parallel", len(parallel))
	return nil
}

// handle runs the state machine for one claim and then the single cleanup step.
func (w *Worker) handle(ctx context.Context, c *queue.Claim, gate func(context.Context) error) Outcome {
	w.inFlight.Add(1)
	defer w.inFlight.Add(-1)

	var out Outcome
	if ctx.Err() != nil {
		// Stopping: hand the claim back untouched, the retry budget stays as it was.
		out = w.requeue(ctx, c, c.Message, "shutdown: "+ctx.Err().Error())
	} else {
		out = w.process(ctx, c, gate)
	}

	if !c.Released() {
		if err := c.Release(context.WithoutCancel(ctx)); err != nil {
			slog.Error("release in-flight marker", "identity", c.Identity(), "error", err.Error())
			w.setLastError(err)
		}
	}

	switch out.Kind {
	case OutcomeApplied:
		w.totalApplied.Add(1)
	case OutcomeRequeued:
		w.totalRequeued.Add(1)
	case OutcomeDeadLettered:
		w.totalDeadLettered.Add(1)
	}
	slog.Debug("change processed",
		"message_id", c.Message.ID,
		"identity", c.Identity(),
		"outcome", out.Kind.String(),
		"reason", out.Reason,
	)
	return out
}

func marshalMessage(msg models.ChangeMessage) json.RawMessage {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil
	}
	return b
}
