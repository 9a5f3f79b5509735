package sweeper

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/integrations/carrier"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/models"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/normalizer"
)

// ReverseSweep re-checks local records still in the transitional status that nothing
// touched for longer than the staleness threshold, one lookup at a time.
func (s *Sweeper) ReverseSweep(ctx context.Context) error {
	if err := s.checkExclusive(ctx, "reverse"); err != nil {
		return err
	}
	now := s.now()
	s.lastReverseNano.Store(now.UnixNano())

	stale, err := s.store.ListStale(ctx, s.status, now.Add(-s.Staleness()), s.reverseLimit)
	if err != nil {
		s.setLastError(err)
		return err
	}

	var changed, touched, cancelled int
	for i, sh := range stale {
		if i > 0 {
			if err := s.sleep(ctx, s.courtesyDelay); err != nil {
				return err
			}
		}
		if err := s.gov.Acquire(ctx); err != nil {
			return errors.Wrap(err, "await carrier quota")
		}

		res, err := s.carrier.LookupByShipmentID(ctx, sh.ShipmentID)
		s.record(res.RateLimit)
		switch {
		case errors.Is(err, carrier.ErrNotFound):
			ok, err := s.store.MarkCancelled(ctx, sh.ShipmentID)
			if err != nil {
				s.setLastError(err)
				continue
			}
			if ok {
				cancelled++
				s.totalCancelled.Add(1)
				slog.Info("shipment gone upstream, marked cancelled", "shipment_id", sh.ShipmentID)
			}
			continue
		case errors.Is(err, carrier.ErrRateLimited):
			// the governor now knows the budget is gone; the rest waits for the next cycle
			slog.Warn("reverse sweep rate limited", "checked", i, "pending", len(stale)-i)
			return nil
		case err != nil:
			s.setLastError(err)
			slog.Error("reverse sweep lookup", "shipment_id", sh.ShipmentID, "error", err.Error())
			continue
		}
		if len(res.Shipments) == 0 {
			continue
		}

		raw := res.Shipments[0]
		upstream := normalizer.PeekStatus(raw)
		if upstream == sh.Status || upstream == models.ShipmentStatusUnknown {
			if err := s.store.Touch(ctx, sh.ShipmentID); err != nil {
				s.setLastError(err)
				continue
			}
			touched++
			s.totalTouched.Add(1)
			continue
		}

		msg := models.ChangeMessage{
			Kind:            models.KindReverseVerify,
			Source:          models.SourceReverseSweep,
			ShipmentID:      sh.ShipmentID,
			EmbeddedPayload: raw,
		}
		if err := s.enqueue(ctx, msg); err != nil {
			s.setLastError(err)
			slog.Error("reverse sweep enqueue", "shipment_id", sh.ShipmentID, "error", err.Error())
			continue
		}
		changed++
	}

	slog.Info("reverse sweep done", "checked", len(stale), "changed", changed, "touched", touched, "cancelled", cancelled)
	return nil
}

// EnqueueReverify queues a payload-less status check for every open linked shipment.
// The reconciler runs these lookups in parallel rounds sized by the rate budget.
func (s *Sweeper) EnqueueReverify(ctx context.Context, limit int) (int, error) {
	open, err := s.store.ListOpenLinked(ctx, limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, sh := range open {
		ok, err := s.q.Enqueue(ctx, models.ChangeMessage{
			Kind:       models.KindReverseVerify,
			Source:     models.SourceReverseSweep,
			ShipmentID: sh.ShipmentID,
		})
		if err != nil {
			return n, err
		}
		if ok {
			n++
			s.totalEnqueued.Add(1)
		}
	}
	return n, nil
}
