package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/xrgarcia/jerky-shipping-sub004/config"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/coordinator"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/governor"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/models"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/services/backfill"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/services/ingest"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/services/reconciler"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/services/sweeper"
)

type workerHTTPOpts struct {
	httpAddr    string
	swaggerPath string
	onListen    func(httpAddr string)

	// appCtx outlives single requests; background jobs started over HTTP run under it.
	appCtx context.Context
	cfg    *config.Config

	registry *coordinator.Registry
	worker   *reconciler.Worker
	sweeper  *sweeper.Sweeper
	backfill *backfill.Backfill
	ingest   *ingest.Ingest
	consumer orderConsumer
	governor *governor.Governor

	ready         func(ctx context.Context) error
	failuresSince func(ctx context.Context, since time.Time) (int64, error)
	listFailures  func(ctx context.Context, limit int) ([]*models.FailureRecord, error)
}

func runWorkerHTTPServer(ctx context.Context, opts workerHTTPOpts) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8082"
	}
	if opts.appCtx == nil {
		opts.appCtx = ctx
	}

	r, err := newWorkerRouter(opts)
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	srv := &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newWorkerRouter(opts workerHTTPOpts) (http.Handler, error) {
	if opts.appCtx == nil {
		opts.appCtx = context.Background()
	}

	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if opts.ready != nil {
			if err := opts.ready(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{}
		if opts.worker != nil {
			out["reconciler"] = opts.worker.Stats()
		}
		if opts.sweeper != nil {
			out["sweeper"] = opts.sweeper.Stats()
		}
		if opts.backfill != nil {
			out["backfill"] = opts.backfill.Stats()
		}
		if opts.ingest != nil {
			out["ingest"] = opts.ingest.Stats()
		}
		if opts.consumer != nil {
			out["orderEvents"] = opts.consumer.Stats()
		}
		if opts.governor != nil {
			out["carrierQuota"] = opts.governor.AvailableQuota()
		}
		if opts.failuresSince != nil {
			n, err := opts.failuresSince(r.Context(), time.Now().UTC().Add(-24*time.Hour))
			if err != nil {
				out["failures24hError"] = err.Error()
			} else {
				out["failures24h"] = n
			}
		}
		writeJSON(w, http.StatusOK, out)
	})

	r.Get("/failures", func(w http.ResponseWriter, r *http.Request) {
		if opts.listFailures == nil {
			writeJSON(w, http.StatusOK, map[string]string{"error": "store not wired"})
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		out, err := opts.listFailures(r.Context(), limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, out)
	})

	r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		if opts.cfg == nil {
			writeJSON(w, http.StatusOK, map[string]string{"error": "config not wired"})
			return
		}
		s := opts.cfg.ShipSync
		// Secrets stay out; only operational settings.
		writeJSON(w, http.StatusOK, map[string]any{
			"drainIntervalSeconds":        s.DrainIntervalSeconds,
			"batchSize":                   s.BatchSize,
			"maxRetries":                  s.MaxRetries,
			"parallelVerifyCap":           s.ParallelVerifyCap,
			"sweepIntervalSeconds":        s.SweepIntervalSeconds,
			"reverseStalenessSeconds":     s.ReverseStalenessSeconds,
			"reverseSweepIntervalSeconds": s.ReverseSweepIntervalSeconds,
			"sweepLookbackSeconds":        s.SweepLookbackSeconds,
			"sweepPageSize":               s.SweepPageSize,
			"reverseSweepLimit":           s.ReverseSweepLimit,
			"courtesyDelayMillis":         s.CourtesyDelayMillis,
			"courtesyCallsPerMinute":      s.CourtesyCallsPerMinute,
			"resetCeilingSeconds":         s.ResetCeilingSeconds,
			"staleQueueThresholdSeconds":  s.StaleQueueThresholdSeconds,
			"carrierMode":                 s.CarrierMode,
			"webhookSigned":               s.WebhookSecret != "",
		})
	})

	r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
		if opts.registry == nil {
			writeJSON(w, http.StatusOK, map[string]string{"error": "registry not wired"})
			return
		}
		name := r.URL.Query().Get("task")
		if name == "" {
			name = taskReconcile
		}
		writeJSON(w, http.StatusOK, map[string]any{"task": name, "triggered": opts.registry.Trigger(name)})
	})

	r.Post("/reverify", func(w http.ResponseWriter, r *http.Request) {
		if opts.sweeper == nil {
			writeJSON(w, http.StatusOK, map[string]string{"error": "sweeper not wired"})
			return
		}
		limit := 500
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
				return
			}
			limit = n
		}
		n, err := opts.sweeper.EnqueueReverify(r.Context(), limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"enqueued": n, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"enqueued": n})
	})

	r.Get("/backfill", func(w http.ResponseWriter, r *http.Request) {
		if opts.backfill == nil {
			writeJSON(w, http.StatusOK, map[string]string{"error": "backfill not wired"})
			return
		}
		writeJSON(w, http.StatusOK, opts.backfill.Stats())
	})
	r.Post("/backfill", func(w http.ResponseWriter, r *http.Request) {
		if opts.backfill == nil {
			writeJSON(w, http.StatusOK, map[string]string{"error": "backfill not wired"})
			return
		}
		var req struct {
			From time.Time `json:"from"`
			To   time.Time `json:"to"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body must be {\"from\":RFC3339,\"to\":RFC3339}"})
			return
		}
		if !req.To.After(req.From) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "to must be after from"})
			return
		}
		err := opts.backfill.Start(opts.appCtx, req.From.UTC(), req.To.UTC())
		switch {
		case errors.Is(err, coordinator.ErrLockHeld):
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		case err != nil:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		default:
			writeJSON(w, http.StatusAccepted, map[string]bool{"started": true})
		}
	})

	if opts.ingest != nil {
		r.Post("/webhooks/carrier", opts.ingest.HandleCarrierWebhook)
	}

	if opts.swaggerPath != "" {
		fi, err := os.Stat(opts.swaggerPath)
		if err != nil {
			return nil, errors.Wrapf(err, "worker swagger file %s", opts.swaggerPath)
		}
		r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "no-store")
			http.ServeFile(w, r, opts.swaggerPath)
		})
		swaggerURL := fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
		r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))
	}

	return r, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
