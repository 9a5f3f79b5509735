// Package ingest turns inbound notifications into change queue entries.
package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/broker/messages"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/models"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/normalizer"
)

const (
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderSignature = "X-Webhook-Signature"

	maxWebhookBody = 1 << 20
)

var (
	ErrBadSignature = errors.New("webhook signature mismatch")
	ErrStale        = errors.New("webhook timestamp outside replay window")
	ErrBadEvent     = errors.New("webhook event is not usable")
)

type Queue interface {
	Enqueue(ctx context.Context, msg models.ChangeMessage) (bool, error)
}

// OrderStore records order links seen on e-commerce events. Optional.
type OrderStore interface {
	UpsertOrder(ctx context.Context, orderID, orderNumber string) error
}

type Ingest struct {
	q      Queue
	orders OrderStore

	secret       []byte
	replayWindow time.Duration
	now          func() time.Time

	webhooksAccepted atomic.Int64
	webhooksRejected atomic.Int64
	orderEvents      atomic.Int64
	duplicates       atomic.Int64
}

func New(q Queue, orders OrderStore, secret string) *Ingest {
	return &Ingest{
		q:            q,
		orders:       orders,
		secret:       []byte(secret),
		replayWindow: 5 * time.Minute,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (i *Ingest) WithReplayWindow(d time.Duration) *Ingest {
	if d > 0 {
		i.replayWindow = d
	}
	return i
}

// Sign returns the hex signature the carrier sends for body at timestamp.
func Sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("\n"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the signature and the replay window. With no secret configured every
// request is accepted.
func (i *Ingest) Verify(timestamp, signature string, body []byte) error {
	if len(i.secret) == 0 {
		return nil
	}
	sec, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return errors.Wrap(ErrStale, "unreadable timestamp")
	}
	age := i.now().Sub(time.Unix(sec, 0))
	if age < 0 {
		age = -age
	}
	if age > i.replayWindow {
		return ErrStale
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return ErrBadSignature
	}
	want, _ := hex.DecodeString(Sign(i.secret, timestamp, body))
	if !hmac.Equal(got, want) {
		return ErrBadSignature
	}
	return nil
}

// messageFor maps a verified webhook onto the change it announces.
func messageFor(ev messages.CarrierWebhook) (models.ChangeMessage, error) {
	msg := models.ChangeMessage{
		Source:         models.SourceCarrierWebhook,
		TrackingNumber: ev.TrackingNumber,
		ShipmentID:     ev.ShipmentID,
		OrderNumber:    ev.OrderNumber,
	}
	if len(ev.Payload) > 0 && string(ev.Payload) != "null" {
		msg.EmbeddedPayload = ev.Payload
		if msg.ShipmentID == "" {
			msg.ShipmentID = normalizer.PeekShipmentID(ev.Payload)
		}
	}

	switch ev.Event {
	case messages.WebhookTrackingUpdated:
		msg.Kind = models.KindTrackingLookup
		if msg.TrackingNumber == "" {
			return msg, errors.Wrap(ErrBadEvent, "tracking event without tracking number")
		}
	case messages.WebhookShipmentUpdated:
		msg.Kind = models.KindOrderLookup
		if msg.ShipmentID == "" {
			return msg, errors.Wrap(ErrBadEvent, "shipment event without shipment id")
		}
	case messages.WebhookOrderShipped:
		msg.Kind = models.KindOrderLookup
		if msg.OrderNumber == "" {
			return msg, errors.Wrap(ErrBadEvent, "order event without order number")
		}
	default:
		return msg, errors.Wrapf(ErrBadEvent, "unknown event %q", ev.Event)
	}
	return msg, nil
}

// HandleCarrierWebhook verifies and enqueues a carrier push. A queue failure answers
// 503 so the carrier retries the delivery.
func (i *Ingest) HandleCarrierWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "read body"})
		return
	}

	if err := i.Verify(r.Header.Get(HeaderTimestamp), r.Header.Get(HeaderSignature), body); err != nil {
		i.webhooksRejected.Add(1)
		slog.Warn("carrier webhook rejected", "error", err.Error())
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
		return
	}

	var ev messages.CarrierWebhook
	if err := json.Unmarshal(body, &ev); err != nil {
		i.webhooksRejected.Add(1)
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	msg, err := messageFor(ev)
	if err != nil {
		i.webhooksRejected.Add(1)
		slog.Warn("carrier webhook unusable", "event", ev.Event, "error", err.Error())
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	ok, err := i.q.Enqueue(r.Context(), msg)
	if err != nil {
		slog.Error("enqueue carrier webhook", "event", ev.Event, "error", err.Error())
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "queue unavailable"})
		return
	}
	i.webhooksAccepted.Add(1)
	if !ok {
		i.duplicates.Add(1)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"enqueued": ok})
}

// HandleOrderEvent consumes an e-commerce order event. Malformed records are logged and
// skipped; only queue failures stop the consumer.
func (i *Ingest) HandleOrderEvent(ctx context.Context, key, value []byte) error {
	var ev messages.OrderUpdated
	if err := json.Unmarshal(value, &ev); err != nil {
		slog.Warn("skip malformed order event", "key", string(key), "error", err.Error())
		return nil
	}
	if ev.OrderNumber == "" {
		slog.Warn("skip order event without order number", "key", string(key))
		return nil
	}
	i.orderEvents.Add(1)

	if i.orders != nil && ev.OrderID != "" {
		if err := i.orders.UpsertOrder(ctx, ev.OrderID, ev.OrderNumber); err != nil {
			slog.Error("record order link", "order_number", ev.OrderNumber, "error", err.Error())
		}
	}

	ok, err := i.q.Enqueue(ctx, models.ChangeMessage{
		Kind:          models.KindOrderLookup,
		Source:        models.SourceOrderEvent,
		OrderNumber:   ev.OrderNumber,
		LowConfidence: true,
	})
	if err != nil {
		return errors.Wrap(err, "enqueue order event")
	}
	if !ok {
		i.duplicates.Add(1)
	}
	return nil
}

type Stats struct {
	WebhooksAccepted int64 `json:"webhooksAccepted"`
	WebhooksRejected int64 `json:"webhooksRejected"`
	OrderEvents      int64 `json:"orderEvents"`
	Duplicates       int64 `json:"duplicates"`
}

func (i *Ingest) Stats() Stats {
	return Stats{
		WebhooksAccepted: i.webhooksAccepted.Load(),
		WebhooksRejected: i.webhooksRejected.Load(),
		OrderEvents:      i.orderEvents.Load(),
		Duplicates:       i.duplicates.Load(),
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
