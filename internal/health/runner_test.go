package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunnerTicksAndDrains(t *testing.T) {
	t.Parallel()

	var ticks atomic.Int64
	r := NewRunner("counter", TickerFunc(func(context.Context) error {
		ticks.Add(1)
		return nil
	}), 5*time.Millisecond, testLogger())

	r.Start(context.Background())
	deadline := time.After(2 * time.Second)
	for ticks.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("ticks = %d, want ≥ 3", ticks.Load())
		case <-time.After(time.Millisecond):
		}
	}

	if !r.StopAndDrain(time.Second) {
		t.Fatal("runner did not drain")
	}

	st := r.Status()
	if st.Running {
		t.Error("Running still true after drain")
	}
	if st.TickCount < 3 || st.ErrorCount != 0 {
		t.Errorf("status = %+v", st)
	}
	if st.LastRunAt == nil {
		t.Error("LastRunAt not recorded")
	}
}

func TestRunnerBacksOffOnErrors(t *testing.T) {
	t.Parallel()

	var ticks atomic.Int64
	r := NewRunner("failing", TickerFunc(func(context.Context) error {
		ticks.Add(1)
		return errors.New("store unavailable")
	}), 2*time.Millisecond, testLogger())

	r.Start(context.Background())
	deadline := time.After(2 * time.Second)
	for ticks.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("ticks = %d, want ≥ 2", ticks.Load())
		case <-time.After(time.Millisecond):
		}
	}
	r.StopAndDrain(time.Second)

	st := r.Status()
	if st.ErrorCount == 0 || st.LastError != "store unavailable" {
		t.Errorf("status = %+v", st)
	}
	if st.BackoffMs <= 0 {
		t.Errorf("BackoffMs = %d, want backoff engaged", st.BackoffMs)
	}
	if st.LastErrorAt == nil {
		t.Error("LastErrorAt not recorded")
	}
}

func TestRunnerRecoveryResetsBackoff(t *testing.T) {
	t.Parallel()

	var ticks atomic.Int64
	r := NewRunner("flaky", TickerFunc(func(context.Context) error {
		if ticks.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	}), 2*time.Millisecond, testLogger())

	r.Start(context.Background())
	deadline := time.After(2 * time.Second)
	for ticks.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("ticks = %d, want recovery tick", ticks.Load())
		case <-time.After(time.Millisecond):
		}
	}
	r.StopAndDrain(time.Second)

	st := r.Status()
	if st.BackoffMs != 0 || st.LastError != "" {
		t.Errorf("status = %+v, want backoff cleared after success", st)
	}
}

func TestRunnerStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	r := NewRunner("cancelled", TickerFunc(func(context.Context) error {
		return nil
	}), time.Millisecond, testLogger())
	r.Start(ctx)
	cancel()

	select {
	case <-r.done:
	case <-time.After(time.Second):
		t.Fatal("runner did not stop on context cancel")
	}
}

func TestRegistryStatuses(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testLogger())
	ctx := context.Background()
	reg.Register(ctx, "one", TickerFunc(func(context.Context) error { return nil }), 5*time.Millisecond)
	reg.Register(ctx, "two", TickerFunc(func(context.Context) error { return nil }), 5*time.Millisecond)

	statuses := reg.Statuses()
	if len(statuses) != 2 {
		t.Fatalf("statuses = %d, want 2", len(statuses))
	}
	if statuses[0].Name != "one" || statuses[1].Name != "two" {
		t.Errorf("names = %s, %s", statuses[0].Name, statuses[1].Name)
	}

	reg.StopAll(time.Second)
	for _, st := range reg.Statuses() {
		if st.Running {
			t.Errorf("worker %s still running after StopAll", st.Name)
		}
	}
}
