// Package health runs the background workers and watches the signal queue.
//
// Every worker is a Ticker wrapped in a Runner: a fixed-interval loop that
// backs off exponentially while the worker keeps failing and snaps back to
// the base interval on the first success. The registry exposes a status
// snapshot per worker for the monitoring endpoint.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jpillora/backoff"
)

// Ticker is one unit of periodic work.
type Ticker interface {
	Tick(ctx context.Context) error
}

// TickerFunc adapts a function to the Ticker interface.
type TickerFunc func(ctx context.Context) error

func (f TickerFunc) Tick(ctx context.Context) error { return f(ctx) }

// WorkerStatus is one worker's state for the monitoring endpoint.
type WorkerStatus struct {
	Name           string     `json:"name"`
	Running        bool       `json:"running"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	LastDurationMs int64      `json:"last_duration_ms"`
	LastErrorAt    *time.Time `json:"last_error_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	BackoffMs      int64      `json:"backoff_ms,omitzero"`
	TickCount      int64      `json:"tick_count"`
	ErrorCount     int64      `json:"error_count"`
}

// Runner drives one Ticker on a fixed interval with error backoff.
type Runner struct {
	name     string
	ticker   Ticker
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	status   WorkerStatus
	retry    *backoff.Backoff
	stopping chan struct{}
	done     chan struct{}
}

// NewRunner builds a runner. The backoff caps at 10× the base interval so a
// persistently failing worker never goes silent for long.
func NewRunner(name string, ticker Ticker, interval time.Duration, logger *slog.Logger) *Runner {
	return &Runner{
		name:     name,
		ticker:   ticker,
		interval: interval,
		logger:   logger.With("component", "worker", "worker", name),
		status:   WorkerStatus{Name: name},
		retry: &backoff.Backoff{
			Min:    interval,
			Max:    10 * interval,
			Factor: 2,
			Jitter: true,
		},
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the loop. The first tick runs immediately.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	r.status.Running = true
	r.mu.Unlock()

	go r.loop(ctx)
	r.logger.Info("worker started", "interval", r.interval)
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.done)
	defer func() {
		r.mu.Lock()
		r.status.Running = false
		r.mu.Unlock()
	}()

	wait := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopping:
			return
		case <-time.After(wait):
		}
		wait = r.runOnce(ctx)
	}
}

// runOnce executes one tick and returns how long to wait before the next.
func (r *Runner) runOnce(ctx context.Context) time.Duration {
	started := time.Now()
	err := r.ticker.Tick(ctx)
	elapsed := time.Since(started)

	r.mu.Lock()
	defer r.mu.Unlock()

	now := started.UTC()
	r.status.LastRunAt = &now
	r.status.LastDurationMs = elapsed.Milliseconds()
	r.status.TickCount++

	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		r.status.ErrorCount++
		errAt := time.Now().UTC()
		r.status.LastErrorAt = &errAt
		r.status.LastError = err.Error()

		wait := r.retry.Duration()
		r.status.BackoffMs = wait.Milliseconds()
		r.logger.Error("worker tick failed", "error", err, "backoff", wait)
		return wait
	}

	r.status.LastError = ""
	r.status.BackoffMs = 0
	r.retry.Reset()
	return r.interval
}

// StopAndDrain signals the loop to stop and waits for the in-flight tick, up
// to the timeout.
func (r *Runner) StopAndDrain(timeout time.Duration) bool {
	select {
	case <-r.stopping:
	default:
		close(r.stopping)
	}

	select {
	case <-r.done:
		return true
	case <-time.After(timeout):
		r.logger.Warn("worker did not drain in time")
		return false
	}
}

// Status returns a snapshot of the runner's state.
func (r *Runner) Status() WorkerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Registry owns the set of runners and their shared lifecycle.
type Registry struct {
	mu      sync.Mutex
	runners []*Runner
	logger  *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger.With("component", "worker_registry")}
}

// Register adds and starts a runner.
func (g *Registry) Register(ctx context.Context, name string, ticker Ticker, interval time.Duration) *Runner {
	r := NewRunner(name, ticker, interval, g.logger)
	g.mu.Lock()
	g.runners = append(g.runners, r)
	g.mu.Unlock()
	r.Start(ctx)
	return r
}

// StopAll drains every runner, splitting the timeout evenly.
func (g *Registry) StopAll(timeout time.Duration) {
	g.mu.Lock()
	runners := make([]*Runner, len(g.runners))
	copy(runners, g.runners)
	g.mu.Unlock()

	if len(runners) == 0 {
		return
	}
	per := timeout / time.Duration(len(runners))
	for _, r := range runners {
		r.StopAndDrain(per)
	}
	g.logger.Info("workers stopped", "count", len(runners))
}

// Statuses returns the snapshot for every registered runner.
func (g *Registry) Statuses() []WorkerStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]WorkerStatus, 0, len(g.runners))
	for _, r := range g.runners {
		out = append(out, r.Status())
	}
	return out
}
