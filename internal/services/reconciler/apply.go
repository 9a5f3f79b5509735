package reconciler

import (
	"context"
	"encoding/json"
	"log/slog"
	"reflect"

	"github.com/pkg/errors"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/broker/messages"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/models"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/normalizer"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/queue"
)

// applyOrClassify loads the stored record for the payload and applies it.
func (w *Worker) applyOrClassify(ctx context.Context, c *queue.Claim, raw []byte) Outcome {
	id := normalizer.PeekShipmentID(raw)
	if id == "" {
		return w.deadLetter(ctx, c.Identity(), c.Message, normalizer.ErrMissingIdentity.Error(), nil)
	}
	existing, err := w.store.GetByShipmentID(ctx, id)
	if err != nil {
		return w.retryOrDeadLetter(ctx, c, "load shipment: "+err.Error(), nil)
	}
	return w.apply(ctx, c, raw, existing)
}

// apply normalizes raw onto the stored record (nil when new), enforces the status
// merge rule, writes, and broadcasts the change.
func (w *Worker) apply(ctx context.Context, c *queue.Claim, raw []byte, existing *models.Shipment) Outcome {
	var (
		previousRaw    []byte
		previousStatus string
		knownOrderID   *string
	)
	if existing != nil {
		previousRaw = existing.RawPayload
		previousStatus = existing.Status
		knownOrderID = existing.OrderID
	}

	patch, err := normalizer.Normalize(raw, previousRaw, knownOrderID)
	if err != nil {
		if errors.Is(err, normalizer.ErrMissingIdentity) || errors.Is(err, normalizer.ErrMalformed) {
			return w.deadLetter(ctx, c.Identity(), c.Message, "data error: "+err.Error(), nil)
		}
		return w.retryOrDeadLetter(ctx, c, "normalize: "+err.Error(), nil)
	}

	if patch.OrderID == nil && patch.OrderNumber != nil {
		orderID, err := w.store.OrderIDByNumber(ctx, *patch.OrderNumber)
		if err != nil {
			return w.retryOrDeadLetter(ctx, c, "resolve order: "+err.Error(), nil)
		}
		patch.OrderID = orderID
	}

	incoming := patch.Status
	patch.Status = normalizer.MergeStatus(previousStatus, incoming)
	if patch.Status != incoming && incoming != models.ShipmentStatusUnknown {
		slog.Debug("stale status ignored", "shipment_id", patch.ShipmentID, "status", patch.Status, "incoming", incoming)
	}

	if existing != nil && unchanged(existing, patch) {
		return applied("unchanged")
	}

	created, err := w.store.Upsert(ctx, patch)
	if err != nil {
		return w.retryOrDeadLetter(ctx, c, "upsert shipment: "+err.Error(), nil)
	}

	w.broadcast(ctx, patch, previousStatus, created)
	return applied("upserted")
}

func unchanged(existing *models.Shipment, p models.ShipmentPatch) bool {
	return existing.Status == p.Status &&
		sameJSON(existing.RawPayload, p.RawPayload) &&
		sameString(existing.OrderID, p.OrderID)
}

// sameJSON compares documents rather than bytes: the store may re-encode payloads.
func sameJSON(a, b []byte) bool {
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

func sameString(a, b *string) bool {
	if b == nil {
		return true
	}
	return a != nil && *a == *b
}

func eventType(created bool, previousStatus, status string) string {
	switch {
	case created:
		return messages.EventShipmentCreated
	case status == previousStatus:
		return messages.EventShipmentUpdated
	case status == models.ShipmentStatusCancelled:
		return messages.EventShipmentCancelled
	default:
		return messages.EventShipmentStatusChanged
	}
}

// broadcast failures never fail the apply.
func (w *Worker) broadcast(ctx context.Context, p models.ShipmentPatch, previousStatus string, created bool) {
	if w.broadcaster == nil {
		return
	}
	ev := messages.ShipmentChanged{
		OrderID:        p.OrderID,
		ShipmentID:     p.ShipmentID,
		OrderNumber:    p.OrderNumber,
		TrackingNumber: p.TrackingNumber,
		Status:         p.Status,
		PreviousStatus: previousStatus,
		EventType:      eventType(created, previousStatus, p.Status),
		OccurredAt:     w.now(),
	}
	if err := w.broadcaster.Broadcast(ctx, ev); err != nil {
		slog.Error("broadcast shipment change", "shipment_id", p.ShipmentID, "error", err.Error())
	}
}
