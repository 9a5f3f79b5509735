package reconciler

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"

	"github.com/pkg/errors"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/integrations/carrier"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/normalizer"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/queue"
)

// process classifies the message and runs exactly one path. It never releases the
// claim itself except ahead of a requeue; handle does the final release.
func (w *Worker) process(ctx context.Context, c *queue.Claim, gate func(context.Context) error) Outcome {
	msg := c.Message

	// Full payload: zero external calls.
	if msg.HasEmbeddedPayload() && normalizer.PeekShipmentID(msg.EmbeddedPayload) != "" {
		return w.applyOrClassify(ctx, c, msg.EmbeddedPayload)
	}

	// Tracking update for a record we already own: merge in place.
	if msg.TrackingNumber != "" && msg.ShipmentID == "" {
		local, err := w.store.GetByTrackingNumber(ctx, msg.TrackingNumber)
		if err != nil {
			return w.retryOrDeadLetter(ctx, c, "local tracking lookup: "+err.Error(), nil)
		}
		if local.IsOrderLinked() {
			var partial json.RawMessage
			if msg.HasEmbeddedPayload() {
				partial = msg.EmbeddedPayload
			}
			raw, err := withShipmentID(partial, local.ShipmentID)
			if err != nil {
				return w.deadLetter(ctx, c.Identity(), msg, "malformed tracking payload: "+err.Error(), nil)
			}
			return w.apply(ctx, c, raw, local)
		}
	}

	return w.fallback(ctx, c, gate)
}

// withShipmentID makes a partial tracking payload addressable, so it normalizes onto
// the stored record of that shipment.
func withShipmentID(partial json.RawMessage, shipmentID string) (json.RawMessage, error) {
	m := map[string]any{}
	if len(partial) > 0 {
		dec := json.NewDecoder(bytes.NewReader(partial))
		dec.UseNumber()
		if err := dec.Decode(&m); err != nil {
			return nil, errors.Wrap(err, "decode partial payload")
		}
		if m == nil {
			m = map[string]any{}
		}
	}
	if _, ok := m["shipmentId"]; !ok {
		m["shipmentId"] = shipmentID
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "encode partial payload")
	}
	return b, nil
}

func (w *Worker) fallback(ctx context.Context, c *queue.Claim, gate func(context.Context) error) Outcome {
	msg := c.Message

	var (
		shipments []json.RawMessage
		err       error
	)
	switch {
	case msg.OrderNumber != "":
		shipments, err = w.lookupOrder(ctx, msg.OrderNumber, gate)
	case msg.ShipmentID != "":
		shipments, err = w.call(ctx, gate, func(ctx context.Context) ([]json.RawMessage, carrier.RateLimit, error) {
			res, err := w.carrier.LookupByShipmentID(ctx, msg.ShipmentID)
			return res.Shipments, res.RateLimit, err
		})
	case msg.TrackingNumber != "":
		shipments, err = w.call(ctx, gate, func(ctx context.Context) ([]json.RawMessage, carrier.RateLimit, error) {
			res, err := w.carrier.ListShipments(ctx, carrier.ListQuery{TrackingNumber: msg.TrackingNumber})
			return res.Shipments, res.RateLimit, err
		})
	default:
		return w.deadLetter(ctx, c.Identity(), msg, "message has no identity", nil)
	}

	switch {
	case errors.Is(err, carrier.ErrRateLimited):
		// a scheduling signal, not a failure: the retry budget is untouched
		return w.requeue(ctx, c, msg, err.Error())
	case errors.Is(err, carrier.ErrNotFound):
		return w.notFound(ctx, c)
	case ctx.Err() != nil && err != nil:
		return w.requeue(ctx, c, msg, "canceled: "+err.Error())
	case err != nil:
		return w.retryOrDeadLetter(ctx, c, "carrier lookup: "+err.Error(), nil)
	}

	if len(shipments) == 0 {
		return w.notFound(ctx, c)
	}

	if msg.ShipmentID != "" && msg.OrderNumber != "" {
		target := findShipment(shipments, msg.ShipmentID)
		if target == nil {
			// the order is visible upstream but the shipment is not yet part of it
			if w.cache != nil {
				if err := w.cache.Delete(ctx, orderCacheKey(msg.OrderNumber)); err != nil {
					slog.Warn("invalidate order lookup cache", "order_number", msg.OrderNumber, "error", err.Error())
				}
			}
			return w.retryOrDeadLetter(ctx, c, "target shipment not in order lookup", shipments)
		}
		shipments = []json.RawMessage{target}
	}

	var last Outcome
	for _, raw := range shipments {
		last = w.applyOrClassify(ctx, c, raw)
		if last.Kind != OutcomeApplied {
			return last
		}
	}
	return last
}

// notFound is informative for low-confidence producers and a failure for everybody else.
func (w *Worker) notFound(ctx context.Context, c *queue.Claim) Outcome {
	if c.Message.LowConfidence {
		slog.Debug("shipment not visible upstream yet", "identity", c.Identity(), "source", string(c.Message.Source))
		return applied("not found upstream")
	}
	return w.deadLetter(ctx, c.Identity(), c.Message, "not found upstream", nil)
}

// call issues one carrier request through the gate and records the observed budget.
func (w *Worker) call(
	ctx context.Context,
	gate func(context.Context) error,
	fn func(ctx context.Context) ([]json.RawMessage, carrier.RateLimit, error),
) ([]json.RawMessage, error) {
	if err := gate(ctx); err != nil {
		return nil, errors.Wrap(err, "await carrier quota")
	}
	shipments, rl, err := fn(ctx)

	var rlErr *carrier.RateLimitError
	if errors.As(err, &rlErr) {
		rl = rlErr.RateLimit
		slog.Warn("carrier rate limited", "remaining", rl.Remaining, "reset_in_seconds", rl.ResetInSeconds)
	}
	// Remaining is -1 when no response headers were seen.
	if rl.Remaining >= 0 {
		w.gov.RecordResponse(rl.Remaining, rl.Limit, rl.ResetInSeconds)
	}
	return shipments, err
}

func orderCacheKey(orderNumber string) string {
	return "order:" + orderNumber
}

func (w *Worker) lookupOrder(ctx context.Context, orderNumber string, gate func(context.Context) error) ([]json.RawMessage, error) {
	key := orderCacheKey(orderNumber)
	if w.cache != nil {
		b, ok, err := w.cache.Get(ctx, key)
		if err != nil {
			slog.Warn("order lookup cache get", "order_number", orderNumber, "error", err.Error())
		}
		if ok {
			var cached []json.RawMessage
			if json.Unmarshal(b, &cached) == nil {
				return cached, nil
			}
		}
	}

	shipments, err := w.call(ctx, gate, func(ctx context.Context) ([]json.RawMessage, carrier.RateLimit, error) {
		res, err := w.carrier.LookupByOrderNumber(ctx, orderNumber)
		return res.Shipments, res.RateLimit, err
	})
	if err != nil {
		return nil, err
	}

	if w.cache != nil && len(shipments) > 0 {
		if b, err := json.Marshal(shipments); err == nil {
			if err := w.cache.Set(ctx, key, b, w.cacheTTL); err != nil {
				slog.Warn("order lookup cache set", "order_number", orderNumber, "error", err.Error())
			}
		}
	}
	return shipments, nil
}

func findShipment(shipments []json.RawMessage, shipmentID string) json.RawMessage {
	for _, raw := range shipments {
		if normalizer.PeekShipmentID(raw) == shipmentID {
			return raw
		}
	}
	return nil
}
