package reconciler

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/pkg/errors"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/models"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/queue"
)

// OutcomeKind is the terminal state of one dequeued message. Every message ends in
// exactly one of them.
type OutcomeKind int

const (
	OutcomeApplied OutcomeKind = iota + 1
	OutcomeRequeued
	OutcomeDeadLettered
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeApplied:
		return "applied"
	case OutcomeRequeued:
		return "requeued"
	case OutcomeDeadLettered:
		return "deadlettered"
	default:
		return "unknown"
	}
}

type Outcome struct {
	Kind   OutcomeKind
	Reason string
}

func applied(reason string) Outcome { return Outcome{Kind: OutcomeApplied, Reason: reason} }

// requeue clears the in-flight marker and pushes msg back. When the queue refuses
// (another producer already holds the identity) or fails, the message is dead-lettered
// so it is never dropped silently.
func (w *Worker) requeue(ctx context.Context, c *queue.Claim, msg models.ChangeMessage, reason string) Outcome {
	// A claim popped before shutdown must still land back in the queue.
	ctx = context.WithoutCancel(ctx)
	if err := c.Release(ctx); err != nil {
		w.setLastError(err)
		return w.deadLetter(ctx, c.Identity(), msg, "requeue: release in-flight: "+err.Error(), nil)
	}

	msg.Source = models.SourceRequeue
	msg.LastError = reason
	ok, err := w.q.Enqueue(ctx, msg)
	if err != nil {
		w.setLastError(err)
		return w.deadLetter(ctx, c.Identity(), msg, "requeue failed: "+err.Error(), nil)
	}
	if !ok {
		return w.deadLetter(ctx, c.Identity(), msg, "requeue rejected: identity already in flight", nil)
	}
	slog.Info("change requeued", "identity", c.Identity(), "retry_count", msg.RetryCount, "reason", reason)
	return Outcome{Kind: OutcomeRequeued, Reason: reason}
}

// retryOrDeadLetter requeues with an incremented retry count until maxRetries is reached.
func (w *Worker) retryOrDeadLetter(ctx context.Context, c *queue.Claim, reason string, snapshot any) Outcome {
	msg := c.Message
	if msg.RetryCount >= w.maxRetries {
		return w.deadLetter(ctx, c.Identity(), msg, reason+" (retries exhausted)", snapshot)
	}
	msg.RetryCount++
	return w.requeue(ctx, c, msg, reason)
}

func (w *Worker) deadLetter(ctx context.Context, identity string, msg models.ChangeMessage, reason string, snapshot any) Outcome {
	ctx = context.WithoutCancel(ctx)
	rec := models.FailureRecord{
		Identity:   identity,
		Reason:     reason,
		Message:    marshalMessage(msg),
		RetryCount: msg.RetryCount,
		FailedAt:   w.now(),
	}
	if snapshot != nil {
		if b, err := json.Marshal(snapshot); err == nil {
			rec.ResponseSnapshot = b
		}
	}
	if err := w.store.InsertFailure(ctx, rec); err != nil {
		// nothing left to fall back to; the log line carries the full message
		slog.Error("insert failure record",
			"identity", identity,
			"reason", reason,
			"message", string(rec.Message),
			"error", errors.Wrap(err, "dead letter").Error(),
		)
		w.setLastError(err)
	} else {
		slog.Warn("change dead-lettered", "identity", identity, "retry_count", msg.RetryCount, "reason", reason)
	}
	return Outcome{Kind: OutcomeDeadLettered, Reason: reason}
}
