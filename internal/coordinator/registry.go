package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Task is one cycle of a periodic worker.
type Task func(ctx context.Context) error

// Registry owns the periodic workers of the process. It is built once in main and
// passed to whoever needs to start, stop or trigger a task.
type Registry struct {
	c          redis.UniversalClient
	counterKey string
	base       context.Context

	localRunID atomic.Int64

	mu    sync.Mutex
	tasks map[string]*task
}

type task struct {
	name string
	// running holds the run id of the run currently inside a cycle, 0 when idle.
	// It is shared by every run of the task so cycles never overlap across restarts.
	running atomic.Int64

	current *run
}

type run struct {
	id      int64
	stop    chan struct{}
	trigger chan struct{}
	done    chan struct{}
}

// NewRegistry creates a registry whose task cycles run under base. Cancelling base
// stops new cycles; a cycle in progress sees the cancelled context and is expected to
// hand back unfinished work before returning. Stop lets the current cycle finish.
func NewRegistry(base context.Context, c redis.UniversalClient, counterKey string) *Registry {
	if counterKey == "" {
		counterKey = "shipsync:coordinator:run_id"
	}
	return &Registry{
		c:          c,
		counterKey: counterKey,
		base:       base,
		tasks:      map[string]*task{},
	}
}

// nextRunID draws from a counter that is never reset, so ids stay unique across
// process restarts. Without Redis it falls back to a process-local counter.
func (r *Registry) nextRunID() int64 {
	if r.c != nil {
		id, err := r.c.Incr(r.base, r.counterKey).Result()
		if err == nil {
			if local := r.localRunID.Load(); id <= local {
				id = r.localRunID.Add(1)
			} else {
				r.localRunID.Store(id)
			}
			return id
		}
		slog.Warn("run id counter unavailable", "error", errors.Wrap(err, "redis incr").Error())
	}
	return r.localRunID.Add(1)
}

// Start launches fn every interval under name and returns the new run id. A previous
// run of the same name is stopped first; if it is still inside a cycle, the new run
// skips ticks until that cycle ends.
func (r *Registry) Start(name string, interval time.Duration, fn Task) int64 {
	if interval <= 0 {
		interval = time.Minute
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[name]
	if !ok {
		t = &task{name: name}
		r.tasks[name] = t
	}
	if t.current != nil {
		close(t.current.stop)
	}

	rn := &run{
		id:      r.nextRunID(),
		stop:    make(chan struct{}),
		trigger: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	t.current = rn
	go r.loop(t, rn, interval, fn)

	slog.Info("task started", "task", name, "run_id", rn.id, "interval", interval.String())
	return rn.id
}

// Trigger asks the current run of name for an immediate cycle. It reports false when
// the task is not running.
func (r *Registry) Trigger(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[name]
	if !ok || t.current == nil {
		return false
	}
	select {
	case t.current.trigger <- struct{}{}:
	default:
	}
	return true
}

// RunID returns the id of the current run of name, 0 when stopped.
func (r *Registry) RunID(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.tasks[name]; ok && t.current != nil {
		return t.current.id
	}
	return 0
}

// Stop signals the run of name and waits until its loop exited. A cycle in progress
// completes first.
func (r *Registry) Stop(name string) {
	r.mu.Lock()
	t, ok := r.tasks[name]
	if !ok || t.current == nil {
		r.mu.Unlock()
		return
	}
	rn := t.current
	t.current = nil
	close(rn.stop)
	r.mu.Unlock()

	<-rn.done
	slog.Info("task stopped", "task", name, "run_id", rn.id)
}

func (r *Registry) StopAll() {
	r.mu.Lock()
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	r.mu.Unlock()

	for _, name := range names {
		r.Stop(name)
	}
}

func (r *Registry) loop(t *task, rn *run, interval time.Duration, fn Task) {
	defer close(rn.done)

	tk := time.NewTicker(interval)
	defer tk.Stop()

	for {
		select {
		case <-rn.stop:
			return
		case <-r.base.Done():
			return
		case <-tk.C:
		case <-rn.trigger:
		}

		select {
		case <-rn.stop:
			return
		case <-r.base.Done():
			return
		default:
		}
		r.cycle(t, rn, fn)
	}
}

func (r *Registry) cycle(t *task, rn *run, fn Task) {
	if !t.running.CompareAndSwap(0, rn.id) {
		slog.Debug("task cycle skipped", "task", t.name, "run_id", rn.id, "holder", t.running.Load())
		return
	}
	// Only the holder clears the flag; a stale run never releases a newer run's cycle.
	defer t.running.CompareAndSwap(rn.id, 0)

	if err := fn(r.base); err != nil {
		slog.Error("task cycle", "task", t.name, "run_id", rn.id, "error", err.Error())
	}
}
