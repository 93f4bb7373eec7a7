package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/HaloHealthAfrica/optionsengine/internal/config"
)

// QueueStore reads signal-queue state from the store.
type QueueStore interface {
	QueueDepth(ctx context.Context) (int, error)
	LastProcessedAt(ctx context.Context) (time.Time, error)
}

// Alerter forwards queue alerts downstream. May be nil.
type Alerter interface {
	PublishRiskEvent(ctx context.Context, event string, fields map[string]any) error
}

// QueueStatus is the monitor's current view for the monitoring endpoint.
type QueueStatus struct {
	Depth           int        `json:"depth"`
	DepthAlert      bool       `json:"depth_alert"`
	Stalled         bool       `json:"stalled"`
	LastProcessedAt *time.Time `json:"last_processed_at,omitempty"`
}

// QueueMonitor watches pending-signal depth and pipeline liveness. A depth
// alert fires only after the depth stays over the threshold for the
// configured duration, and re-fires at most once per cooldown.
type QueueMonitor struct {
	store   QueueStore
	alerter Alerter
	cfg     config.HealthConfig
	logger  *slog.Logger
	now     func() time.Time

	overSince   time.Time
	lastAlertAt time.Time

	mu     sync.Mutex
	status QueueStatus
}

func NewQueueMonitor(st QueueStore, alerter Alerter, cfg config.HealthConfig, logger *slog.Logger) *QueueMonitor {
	return &QueueMonitor{
		store:   st,
		alerter: alerter,
		cfg:     cfg,
		logger:  logger.With("component", "queue_monitor"),
		now:     time.Now,
	}
}

// stalledAfter is how long without a processed signal counts as a stalled
// pipeline while the queue is non-empty.
const stalledAfter = 5 * time.Minute

// Tick runs one heartbeat pass. Only called from a single runner goroutine.
func (q *QueueMonitor) Tick(ctx context.Context) error {
	depth, err := q.store.QueueDepth(ctx)
	if err != nil {
		return err
	}
	now := q.now()

	status := QueueStatus{Depth: depth}
	if last, err := q.store.LastProcessedAt(ctx); err == nil && !last.IsZero() {
		status.LastProcessedAt = &last
		status.Stalled = depth > 0 && now.Sub(last) > stalledAfter
	} else {
		status.Stalled = depth > 0
	}

	// The breach window opens only when depth exceeds the threshold; sitting
	// exactly at it is still healthy.
	if depth <= q.cfg.QueueDepthAlert || q.cfg.QueueDepthAlert <= 0 {
		q.overSince = time.Time{}
	} else {
		if q.overSince.IsZero() {
			q.overSince = now
		}
		sustained := now.Sub(q.overSince) >= q.cfg.AlertDuration
		status.DepthAlert = sustained
		if sustained && now.Sub(q.lastAlertAt) >= q.cfg.AlertCooldown {
			q.lastAlertAt = now
			q.alert(ctx, depth, now.Sub(q.overSince))
		}
	}

	if status.Stalled {
		q.logger.Warn("signal pipeline stalled",
			"depth", depth, "last_processed_at", status.LastProcessedAt)
	}

	q.mu.Lock()
	q.status = status
	q.mu.Unlock()

	q.logger.Debug("heartbeat", "queue_depth", depth, "stalled", status.Stalled)
	return nil
}

func (q *QueueMonitor) alert(ctx context.Context, depth int, sustained time.Duration) {
	q.logger.Error("queue depth alert",
		"depth", depth, "threshold", q.cfg.QueueDepthAlert, "sustained", sustained)
	if q.alerter == nil {
		return
	}
	err := q.alerter.PublishRiskEvent(ctx, "queue_depth_alert", map[string]any{
		"depth":         depth,
		"threshold":     q.cfg.QueueDepthAlert,
		"sustained_sec": int(sustained.Seconds()),
	})
	if err != nil {
		q.logger.Warn("failed to publish queue alert", "error", err)
	}
}

// Status returns the last heartbeat's view.
func (q *QueueMonitor) Status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.status
}
