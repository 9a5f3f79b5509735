// Package backfill replays a historical window of carrier shipments through the change
// queue while holding the exclusive-operation lock, which pauses the poll sweeps.
package backfill

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
	"github.com/xrgarcia/jerky-shipping-sub004/internal/normalizer"
)

type Queue interface {
	Enqueue(ctx context.Context, msg models.ChangeMessage) (bool, error)
}

type Governor interface {
	Acquire(ctx context.Context) error
	RecordResponse(remaining, limit, resetInSeconds int)
	AwaitReset(ctx context.Context, resetInSeconds int) error
}

type Locker interface {
	TryAcquire(ctx context.Context, name string) (*coordinator.Lock, error)
}

type Result struct {
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
	Pages    int       `json:"pages"`
	Found    int       `json:"found"`
	Enqueued int       `json:"enqueued"`
}

type Backfill struct {
	locker   Locker
	q        Queue
	carrier  carrier.Client
	gov      Governor
	pageSize int

	running   atomic.Bool
	lastMu    sync.Mutex
	last      *Result
	lastError string
}

func New(locker Locker, q Queue, c carrier.Client, gov Governor) *Backfill {
	return &Backfill{locker: locker, q: q, carrier: c, gov: gov, pageSize: 100}
}

func (b *Backfill) WithPageSize(n int) *Backfill {
	if n > 0 {
		b.pageSize = n
	}
	return b
}

// Run blocks until the window was enqueued. It returns coordinator.ErrLockHeld when
// another exclusive operation is running.
func (b *Backfill) Run(ctx context.Context, from, to time.Time) (Result, error) {
	lock, err := b.acquire(ctx, from, to)
	if err != nil {
		return Result{}, err
	}
	return b.runLocked(ctx, lock, from, to)
}

// Start acquires the lock and runs the backfill in the background under ctx.
func (b *Backfill) Start(ctx context.Context, from, to time.Time) error {
	lock, err := b.acquire(ctx, from, to)
	if err != nil {
		return err
	}
	go func() {
		if _, err := b.runLocked(ctx, lock, from, to); err != nil {
			slog.Error("backfill", "from", from, "to", to, "error", err.Error())
		}
	}()
	return nil
}

func (b *Backfill) acquire(ctx context.Context, from, to time.Time) (*coordinator.Lock, error) {
	if !to.After(from) {
		return nil, errors.Errorf("empty backfill window %s..%s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	lock, err := b.locker.TryAcquire(ctx, coordinator.ExclusiveOperation)
	if err != nil {
		return nil, err
	}
	b.running.Store(true)
	return lock, nil
}

func (b *Backfill) runLocked(ctx context.Context, lock *coordinator.Lock, from, to time.Time) (res Result, err error) {
	res = Result{From: from, To: to}
	defer func() {
		if rerr := lock.Release(context.WithoutCancel(ctx)); rerr != nil {
			slog.Error("release backfill lock", "error", rerr.Error())
		}
		b.running.Store(false)
		b.lastMu.Lock()
		b.last = &res
		b.lastError = ""
		if err != nil {
			b.lastError = err.Error()
		}
		b.lastMu.Unlock()
	}()

	slog.Info("backfill started", "from", from, "to", to)
	for page := 1; ; {
		if err := lock.Extend(ctx); err != nil {
			return res, errors.Wrap(err, "extend backfill lock")
		}
		if err := b.gov.Acquire(ctx); err != nil {
			return res, errors.Wrap(err, "await carrier quota")
		}
		lr, err := b.carrier.ListShipments(ctx, carrier.ListQuery{
			ModifiedSince: from,
			ModifiedUntil: to,
			Page:          page,
			PageSize:      b.pageSize,
		})
		if lr.RateLimit.Remaining >= 0 {
			b.gov.RecordResponse(lr.RateLimit.Remaining, lr.RateLimit.Limit, lr.RateLimit.ResetInSeconds)
		}
		var rlErr *carrier.RateLimitError
		if errors.As(err, &rlErr) {
			if err := b.gov.AwaitReset(ctx, rlErr.RateLimit.ResetInSeconds); err != nil {
				return res, err
			}
			continue
		}
		if err != nil {
			return res, errors.Wrap(err, "list shipments")
		}

		res.Pages++
		res.Found += len(lr.Shipments)
		for _, raw := range lr.Shipments {
			id := normalizer.PeekShipmentID(raw)
			if id == "" {
				continue
			}
			ok, err := b.q.Enqueue(ctx, models.ChangeMessage{
				Kind:            models.KindBackfill,
				Source:          models.SourceBackfill,
				ShipmentID:      id,
				EmbeddedPayload: raw,
			})
			if err != nil {
				return res, errors.Wrap(err, "enqueue backfill message")
			}
			if ok {
				res.Enqueued++
			}
		}

		if len(lr.Shipments) < b.pageSize || (lr.Pages > 0 && page >= lr.Pages) {
			break
		}
		page++
	}

	slog.Info("backfill done", "pages", res.Pages, "found", res.Found, "enqueued", res.Enqueued)
	return res, nil
}

type Stats struct {
	Running   bool    `json:"running"`
	Last      *Result `json:"last,omitempty"`
	LastError string  `json:"lastError,omitempty"`
}

func (b *Backfill) Stats() Stats {
	b.lastMu.Lock()
	defer b.lastMu.Unlock()
	return Stats{Running: b.running.Load(), Last: b.last, LastError: b.lastError}
}
