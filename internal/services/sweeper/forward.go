package sweeper

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/integrations/carrier"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/models"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/normalizer"
)

// ForwardSweep lists carrier shipments in the transitional status modified since the
// newest local one (minus the lookback) and enqueues those the store has not caught up with.
func (s *Sweeper) ForwardSweep(ctx context.Context) error {
	if err := s.checkExclusive(ctx, "forward"); err != nil {
		return err
	}
	now := s.now()
	s.lastForwardNano.Store(now.UnixNano())

	floor := now.Add(-s.initialWindow)
	latest, err := s.store.LatestUpdatedAt(ctx, s.status)
	if err != nil {
		s.setLastError(err)
		return err
	}
	if latest != nil {
		floor = latest.Add(-s.lookback)
	}

	found, enqueued := 0, 0
	for page := 1; ; page++ {
		if err := s.gov.Acquire(ctx); err != nil {
			return errors.Wrap(err, "await carrier quota")
		}
		res, err := s.carrier.ListShipments(ctx, carrier.ListQuery{
			Status:        s.carrierStatus,
			ModifiedSince: floor,
			Page:          page,
			PageSize:      s.pageSize,
		})
		s.record(res.RateLimit)
		if err != nil {
			s.setLastError(err)
			return errors.Wrap(err, "list transitional shipments")
		}
		found += len(res.Shipments)

		for _, raw := range res.Shipments {
			ok, err := s.enqueueIfStale(ctx, raw)
			if err != nil {
				s.setLastError(err)
				slog.Error("forward sweep enqueue", "error", err.Error())
				continue
			}
			if ok {
				enqueued++
			}
		}

		if len(res.Shipments) < s.pageSize || (res.Pages > 0 && page >= res.Pages) {
			break
		}
	}
	s.totalForwardFound.Add(int64(found))

	slog.Info("forward sweep done", "floor", floor, "found", found, "enqueued", enqueued)
	return nil
}

func (s *Sweeper) enqueueIfStale(ctx context.Context, raw []byte) (bool, error) {
	id := normalizer.PeekShipmentID(raw)
	if id == "" {
		return false, nil
	}
	local, err := s.store.GetByShipmentID(ctx, id)
	if err != nil {
		return false, err
	}
	if local != nil {
		if modified, ok := normalizer.PeekModifiedAt(raw); ok && !local.UpdatedAt.Before(modified) {
			return false, nil
		}
	}

	msg := models.ChangeMessage{
		Kind:            models.KindOrderLookup,
		Source:          models.SourceForwardSweep,
		ShipmentID:      id,
		EmbeddedPayload: raw,
	}
	if local != nil && local.OrderNumber != nil {
		msg.OrderNumber = *local.OrderNumber
	}
	if err := s.enqueue(ctx, msg); err != nil {
		return false, err
	}
	return true, nil
}
