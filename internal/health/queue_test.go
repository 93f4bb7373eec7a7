package health

import (
	"context"
	"testing"
	"time"

	"github.com/HaloHealthAfrica/optionsengine/internal/config"
)

type fakeQueueStore struct {
	depth   int
	lastAt  time.Time
	lastErr error
}

func (f *fakeQueueStore) QueueDepth(context.Context) (int, error) { return f.depth, nil }

func (f *fakeQueueStore) LastProcessedAt(context.Context) (time.Time, error) {
	return f.lastAt, f.lastErr
}

type fakeAlerter struct {
	events []string
}

func (f *fakeAlerter) PublishRiskEvent(_ context.Context, event string, _ map[string]any) error {
	f.events = append(f.events, event)
	return nil
}

func queueConfig() config.HealthConfig {
	return config.HealthConfig{
		HeartbeatInterval: 30 * time.Second,
		QueueDepthAlert:   10,
		AlertDuration:     60 * time.Second,
		AlertCooldown:     15 * time.Minute,
	}
}

func newTestQueueMonitor(st *fakeQueueStore, al *fakeAlerter, at time.Time) (*QueueMonitor, *time.Time) {
	clock := at
	var alerter Alerter
	if al != nil {
		alerter = al
	}
	q := NewQueueMonitor(st, alerter, queueConfig(), testLogger())
	q.now = func() time.Time { return clock }
	return q, &clock
}

func TestQueueAlertRequiresSustainedDepth(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)
	st := &fakeQueueStore{depth: 25, lastAt: base}
	al := &fakeAlerter{}
	q, clock := newTestQueueMonitor(st, al, base)

	// First breach starts the clock; no alert yet.
	if err := q.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(al.events) != 0 {
		t.Fatalf("events = %v, alert fired before duration elapsed", al.events)
	}
	if q.Status().DepthAlert {
		t.Error("DepthAlert set before duration elapsed")
	}

	// Still over the threshold past the duration: alert.
	*clock = base.Add(90 * time.Second)
	if err := q.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(al.events) != 1 || al.events[0] != "queue_depth_alert" {
		t.Fatalf("events = %v", al.events)
	}
	if !q.Status().DepthAlert {
		t.Error("DepthAlert not set")
	}

	// Within the cooldown: no second alert.
	*clock = base.Add(5 * time.Minute)
	if err := q.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(al.events) != 1 {
		t.Errorf("events = %v, alert re-fired inside cooldown", al.events)
	}

	// Past the cooldown, still breached: alert again.
	*clock = base.Add(20 * time.Minute)
	if err := q.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(al.events) != 2 {
		t.Errorf("events = %v, want second alert after cooldown", al.events)
	}
}

func TestQueueAlertOnlyAboveThreshold(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)
	st := &fakeQueueStore{depth: 10, lastAt: base} // exactly at the threshold
	al := &fakeAlerter{}
	q, clock := newTestQueueMonitor(st, al, base)

	if err := q.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	*clock = base.Add(5 * time.Minute)
	if err := q.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(al.events) != 0 || q.Status().DepthAlert {
		t.Fatalf("events = %v, depth at the threshold must not alert", al.events)
	}

	// One over the threshold starts the window; sustained, it alerts.
	st.depth = 11
	if err := q.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	*clock = base.Add(10 * time.Minute)
	if err := q.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(al.events) != 1 {
		t.Errorf("events = %v, want alert once depth exceeds the threshold", al.events)
	}
}

func TestQueueRecoveryResetsAlertClock(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)
	st := &fakeQueueStore{depth: 25, lastAt: base}
	al := &fakeAlerter{}
	q, clock := newTestQueueMonitor(st, al, base)

	if err := q.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	// Depth recovers; the sustained window restarts from scratch.
	st.depth = 3
	*clock = base.Add(30 * time.Second)
	if err := q.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	st.depth = 25
	*clock = base.Add(2 * time.Minute)
	if err := q.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(al.events) != 0 {
		t.Errorf("events = %v, breach window should have restarted", al.events)
	}
}

func TestQueueStalledDetection(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		depth   int
		lastAt  time.Time
		stalled bool
	}{
		{"fresh pipeline", 5, base.Add(-time.Minute), false},
		{"stalled with backlog", 5, base.Add(-10 * time.Minute), true},
		{"old but empty queue", 0, base.Add(-10 * time.Minute), false},
		{"never processed with backlog", 5, time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			st := &fakeQueueStore{depth: tt.depth, lastAt: tt.lastAt}
			q, _ := newTestQueueMonitor(st, nil, base)

			if err := q.Tick(context.Background()); err != nil {
				t.Fatalf("Tick: %v", err)
			}
			if got := q.Status().Stalled; got != tt.stalled {
				t.Errorf("Stalled = %v, want %v", got, tt.stalled)
			}
		})
	}
}
