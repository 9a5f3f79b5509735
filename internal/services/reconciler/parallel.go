package reconciler

import (
	"context"
	"log/slog"

	"github.com/xrgarcia/jerky-shipping-sub004/internal/models"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/queue"
	"golang.org/x/sync/errgroup"
)

// isParallelSafe marks status re-verification of already linked shipments: one lookup
// by shipment id each, no ordering between them.
func isParallelSafe(msg models.ChangeMessage) bool {
	return msg.Kind == models.KindReverseVerify && msg.ShipmentID != "" && !msg.HasEmbeddedPayload()
}

func passGate(context.Context) error { return nil }

// drainParallel fires rounds of concurrent lookups sized by the remaining quota. Calls
// of a round are already admitted, so a round that exhausts the budget still completes;
// the next round waits for the reset.
func (w *Worker) drainParallel(ctx context.Context, claims []*queue.Claim) {
	pending := claims
	for len(pending) > 0 {
		if err := w.gov.Acquire(ctx); err != nil {
			slog.Warn("parallel verify interrupted", "pending", len(pending), "error", err.Error())
			for _, c := range pending {
				w.handle(ctx, c, w.gov.Acquire)
			}
			return
		}

		size := w.parallelCap
		if q := w.gov.AvailableQuota(); q.Known && q.Remaining > 0 {
			size = min(size, q.Remaining)
		}
		size = min(size, len(pending))

		round := pending[:size]
		pending = pending[size:]

		var g errgroup.Group
		for _, c := range round {
			c := c
			g.Go(func() error {
				w.handle(ctx, c, passGate)
				return nil
			})
		}
		_ = g.Wait()
		slog.Debug("parallel verify round", "size", size, "pending", len(pending))
	}
}
