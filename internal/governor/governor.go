package governor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultResetCeiling = 5 * time.Minute
	defaultFallbackWait = 60 * time.Second
	minResetWait        = time.Second
)

// Limiter is a cross-process fixed-window counter (see rediscache.RateLimiter).
type Limiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

type Config struct {
	ResetCeiling time.Duration // default: 5 minutes
	FallbackWait time.Duration // default: 60 seconds

	// Optional courtesy cap shared by every process talking to the carrier.
	CourtesyPerMinute int64
	CourtesyKey       string
}

type Quota struct {
	Remaining      int  `json:"remaining"`
	Limit          int  `json:"limit"`
	ResetInSeconds int  `json:"resetInSeconds"`
	Known          bool `json:"known"`
}

// Governor holds the process-wide view of the carrier rate budget. The budget is
// never counted locally: every observed response overwrites it.
type Governor struct {
	cfg     Config
	limiter Limiter

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	known     bool
	remaining int
	limit     int
	resetAt   time.Time
}

func New(cfg Config, limiter Limiter) *Governor {
	if cfg.ResetCeiling <= 0 {
		cfg.ResetCeiling = defaultResetCeiling
	}
	if cfg.FallbackWait <= 0 {
		cfg.FallbackWait = defaultFallbackWait
	}
	if cfg.FallbackWait > cfg.ResetCeiling {
		cfg.FallbackWait = cfg.ResetCeiling
	}
	if cfg.CourtesyKey == "" {
		cfg.CourtesyKey = "rl:carrier"
	}
	return &Governor{
		cfg:     cfg,
		limiter: limiter,
		now:     func() time.Time { return time.Now().UTC() },
		sleep:   sleepCtx,
	}
}

// WithClock replaces the time source and the sleeper; used by tests.
func (g *Governor) WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) *Governor {
	if now != nil {
		g.now = now
	}
	if sleep != nil {
		g.sleep = sleep
	}
	return g
}

func (g *Governor) AvailableQuota() Quota {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.known {
		return Quota{}
	}
	resetIn := int(g.resetAt.Sub(g.now()).Seconds())
	if resetIn < 0 {
		resetIn = 0
	}
	return Quota{Remaining: g.remaining, Limit: g.limit, ResetInSeconds: resetIn, Known: true}
}

// RecordResponse stores the budget observed on the latest carrier response.
// A negative resetInSeconds means the header was missing or unreadable.
func (g *Governor) RecordResponse(remaining, limit, resetInSeconds int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.known = true
	g.remaining = remaining
	if limit > 0 {
		g.limit = limit
	}
	g.resetAt = g.now().Add(g.ResetWait(resetInSeconds))
}

// ResetWait turns an observed reset value into a bounded wait. Values that are
// negative or above the ceiling are not trusted and map to the fallback wait.
func (g *Governor) ResetWait(resetInSeconds int) time.Duration {
	if resetInSeconds < 0 {
		return g.cfg.FallbackWait
	}
	d := time.Duration(resetInSeconds) * time.Second
	if d > g.cfg.ResetCeiling {
		return g.cfg.FallbackWait
	}
	if d < minResetWait {
		return minResetWait
	}
	return d
}

// AwaitReset blocks the calling path until the window is expected to reset.
func (g *Governor) AwaitReset(ctx context.Context, resetInSeconds int) error {
	d := g.ResetWait(resetInSeconds)
	slog.Warn("carrier rate limit reached, waiting", "reset_in_seconds", resetInSeconds, "wait", d.String())
	if err := g.sleep(ctx, d); err != nil {
		return err
	}
	g.mu.Lock()
	g.known = false
	g.mu.Unlock()
	return nil
}

// Acquire returns once a call may be issued: it waits out an exhausted budget and
// then the optional cross-process courtesy cap.
func (g *Governor) Acquire(ctx context.Context) error {
	g.mu.Lock()
	exhausted := g.known && g.remaining <= 0
	wait := g.resetAt.Sub(g.now())
	g.mu.Unlock()

	if exhausted {
		if wait < minResetWait {
			wait = minResetWait
		}
		slog.Warn("carrier budget exhausted, waiting for reset", "wait", wait.String())
		if err := g.sleep(ctx, wait); err != nil {
			return err
		}
		g.mu.Lock()
		g.known = false
		g.mu.Unlock()
	}
	return g.courtesy(ctx)
}

func (g *Governor) courtesy(ctx context.Context) error {
	if g.limiter == nil || g.cfg.CourtesyPerMinute <= 0 {
		return nil
	}
	for {
		now := g.now()
		key := fmt.Sprintf("%s:%s", g.cfg.CourtesyKey, now.Format("200601021504"))
		allowed, n, err := g.limiter.Allow(ctx, key, g.cfg.CourtesyPerMinute, 70*time.Second)
		if err != nil {
			// Limiter outage must not stall reconciliation; the carrier budget still applies.
			slog.Error("courtesy rate limiter", "error", err.Error())
			return nil
		}
		if allowed {
			return nil
		}
		next := now.Truncate(time.Minute).Add(time.Minute)
		slog.Warn("courtesy rate limit exceeded", "count", n, "wait", next.Sub(now).String())
		if err := g.sleep(ctx, next.Sub(now)); err != nil {
			return err
		}
	}
}

// ParseResetHeader reads a reset header value in seconds; -1 marks it unusable.
func ParseResetHeader(v string) int {
	v = strings.TrimSpace(v)
	if v == "" {
		return -1
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		f, ferr := strconv.ParseFloat(v, 64)
		if ferr != nil || f != f || f > 1e9 || f < -1e9 {
			return -1
		}
		n = int(f)
	}
	if n < 0 {
		return -1
	}
	return n
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
