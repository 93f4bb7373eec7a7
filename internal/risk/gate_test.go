package risk

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/HaloHealthAfrica/optionsengine/internal/config"
)

type fakeGateStore struct {
	open    int
	fills   int
	pnl     float64
	openErr error
}

func (f *fakeGateStore) CountOpenPositions(context.Context) (int, error) { return f.open, f.openErr }
func (f *fakeGateStore) CountFillsToday(context.Context) (int, error)   { return f.fills, nil }
func (f *fakeGateStore) RealizedPnLToday(context.Context) (float64, error) {
	return f.pnl, nil
}

type fakeRiskPublisher struct {
	events []string
}

func (f *fakeRiskPublisher) PublishRiskEvent(_ context.Context, event string, _ map[string]any) error {
	f.events = append(f.events, event)
	return nil
}

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxPositionSize:  1000,
		MaxDailyTrades:   20,
		MaxDailyLoss:     2000,
		MaxOpenPositions: 10,
	}
}

func newTestGate(store *fakeGateStore, pub RiskPublisher) *Gate {
	return NewGate(testRiskConfig(), store, pub, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCheckEntryAllows(t *testing.T) {
	t.Parallel()

	g := newTestGate(&fakeGateStore{open: 3, fills: 5, pnl: -100}, nil)
	if err := g.CheckEntry(context.Background(), 4.00, 2); err != nil {
		t.Fatalf("CheckEntry: %v", err)
	}
}

func TestCheckEntryCaps(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		store   *fakeGateStore
		premium float64
		qty     int
		want    error
	}{
		{"position size", &fakeGateStore{}, 6.00, 2, ErrPositionSize}, // $1200 > $1000
		{"open positions", &fakeGateStore{open: 10}, 1.00, 1, ErrOpenPositions},
		{"daily trades", &fakeGateStore{fills: 20}, 1.00, 1, ErrDailyTradeLimit},
		{"daily loss", &fakeGateStore{pnl: -2500}, 1.00, 1, ErrDailyLossLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGate(tt.store, nil)
			err := g.CheckEntry(context.Background(), tt.premium, tt.qty)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCheckEntryFailsClosed(t *testing.T) {
	t.Parallel()

	g := newTestGate(&fakeGateStore{openErr: errors.New("db down")}, nil)
	if err := g.CheckEntry(context.Background(), 1.00, 1); err == nil {
		t.Error("store failure should deny the entry")
	}
}

func TestDailyLossEngagesHalt(t *testing.T) {
	t.Parallel()

	store := &fakeGateStore{pnl: -2500}
	pub := &fakeRiskPublisher{}
	g := newTestGate(store, pub)

	if err := g.CheckEntry(context.Background(), 1.00, 1); !errors.Is(err, ErrDailyLossLimit) {
		t.Fatalf("err = %v, want daily loss", err)
	}

	// Even after P&L recovers, the halt holds for the rest of the day.
	store.pnl = 0
	if err := g.CheckEntry(context.Background(), 1.00, 1); !errors.Is(err, ErrHalted) {
		t.Errorf("err = %v, want halted", err)
	}

	if len(pub.events) != 1 || pub.events[0] != "trading_halted" {
		t.Errorf("events = %v", pub.events)
	}

	snap := g.GetSnapshot()
	if !snap.HaltActive || snap.HaltReason == "" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestHaltExpiresNextDay(t *testing.T) {
	t.Parallel()

	store := &fakeGateStore{pnl: -2500}
	g := newTestGate(store, nil)

	now := time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	_ = g.CheckEntry(context.Background(), 1.00, 1)
	store.pnl = 0

	now = time.Date(2025, 6, 2, 23, 59, 0, 0, time.UTC)
	if err := g.CheckEntry(context.Background(), 1.00, 1); !errors.Is(err, ErrHalted) {
		t.Fatalf("err = %v, want halted before midnight", err)
	}

	now = time.Date(2025, 6, 3, 0, 1, 0, 0, time.UTC)
	if err := g.CheckEntry(context.Background(), 1.00, 1); err != nil {
		t.Errorf("err = %v, want allowed after midnight", err)
	}
}

func TestRemainingFills(t *testing.T) {
	t.Parallel()

	g := newTestGate(&fakeGateStore{fills: 18}, nil)
	n, err := g.RemainingFills(context.Background())
	if err != nil {
		t.Fatalf("RemainingFills: %v", err)
	}
	if n != 2 {
		t.Errorf("remaining = %d, want 2", n)
	}

	g = newTestGate(&fakeGateStore{fills: 25}, nil)
	n, err = g.RemainingFills(context.Background())
	if err != nil {
		t.Fatalf("RemainingFills: %v", err)
	}
	if n != 0 {
		t.Errorf("remaining = %d, want 0", n)
	}
}
