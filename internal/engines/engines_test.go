package engines

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/HaloHealthAfrica/optionsengine/pkg/types"
)

var engNow = time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testBudget() types.RiskBudget {
	return types.RiskBudget{MaxPremiumLoss: 2000, MaxCapitalAllocation: 5000}
}

// liquidChain returns one call and one put that pass every SWING filter.
func liquidChain() []types.OptionContract {
	exp := engNow.AddDate(0, 0, 45)
	return []types.OptionContract{
		{
			Symbol: "SPY-C", Underlying: "SPY", Strike: 550, Expiration: exp,
			Type: types.Call, Bid: 3.95, Ask: 4.05, Delta: 0.32, Theta: -0.04,
			OpenInterest: 1200, Volume: 300,
		},
		{
			Symbol: "SPY-P", Underlying: "SPY", Strike: 545, Expiration: exp,
			Type: types.Put, Bid: 3.95, Ask: 4.05, Delta: -0.32, Theta: -0.04,
			OpenInterest: 1200, Volume: 300,
		},
	}
}

func bullContext() types.MarketContext {
	return types.MarketContext{
		Symbol:       "SPY",
		SpotPrice:    548,
		ATR:          4.5,
		Regime:       types.Bull,
		GexState:     types.GexNeutral,
		IVPercentile: 40,
		Chain:        liquidChain(),
		BuiltAt:      engNow,
	}
}

func longSignal(tf string) types.Signal {
	return types.Signal{ID: "sig-1", Symbol: "SPY", Direction: types.Long, Timeframe: tf}
}

func TestMomentumEngineRecommends(t *testing.T) {
	t.Parallel()

	e := NewMomentumEngine(testBudget(), true, testLogger())
	rec, err := e.Evaluate(context.Background(), longSignal("1h"), bullContext())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if rec == nil {
		t.Fatal("rec = nil, want recommendation")
	}
	if rec.Engine != types.VariantA {
		t.Errorf("Engine = %s", rec.Engine)
	}
	if rec.Strike != 550 {
		t.Errorf("Strike = %.2f, want 550", rec.Strike)
	}
	if rec.Quantity < 1 {
		t.Errorf("Quantity = %d", rec.Quantity)
	}
	if rec.EntryPrice != 4.00 {
		t.Errorf("EntryPrice = %.2f, want 4.00", rec.EntryPrice)
	}
}

func TestMomentumEngineDeclines(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		sig  types.Signal
		mod  func(*types.MarketContext)
	}{
		{
			"regime against long",
			longSignal("1h"),
			func(mc *types.MarketContext) { mc.Regime = types.Bear },
		},
		{
			"bias strongly opposed",
			longSignal("1h"),
			func(mc *types.MarketContext) {
				mc.Bias = &types.BiasState{Symbol: "SPY", Bias: types.Short, Confidence: 85}
			},
		},
		{
			"empty chain",
			longSignal("1h"),
			func(mc *types.MarketContext) { mc.Chain = nil },
		},
	}

	e := NewMomentumEngine(testBudget(), true, testLogger())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mc := bullContext()
			tt.mod(&mc)
			rec, err := e.Evaluate(context.Background(), tt.sig, mc)
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if rec != nil {
				t.Errorf("rec = %+v, want nil", rec)
			}
		})
	}
}

func TestMomentumEngineScalpSetupOnShortTimeframe(t *testing.T) {
	t.Parallel()

	// 5m timeframe selects SCALP_GUARDED, whose delta band (0.40–0.60)
	// rejects the 0.32-delta chain, so the engine declines.
	e := NewMomentumEngine(testBudget(), true, testLogger())
	rec, err := e.Evaluate(context.Background(), longSignal("5m"), bullContext())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if rec != nil {
		t.Errorf("rec = %+v, want nil for out-of-band scalp chain", rec)
	}
}

func TestStructureEngineRecommends(t *testing.T) {
	t.Parallel()

	e := NewStructureEngine(testBudget(), true, testLogger())
	rec, err := e.Evaluate(context.Background(), longSignal("4h"), bullContext())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if rec == nil {
		t.Fatal("rec = nil, want recommendation")
	}
	if rec.Engine != types.VariantB {
		t.Errorf("Engine = %s", rec.Engine)
	}
}

func TestStructureEngineDeclines(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		sig  types.Signal
		mod  func(*types.MarketContext)
	}{
		{
			"choppy and neutral gamma",
			longSignal("4h"),
			func(mc *types.MarketContext) { mc.Regime = types.Choppy },
		},
		{
			"negative gamma against long",
			longSignal("4h"),
			func(mc *types.MarketContext) { mc.GexState = types.GexNegativeHigh },
		},
	}

	e := NewStructureEngine(testBudget(), true, testLogger())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mc := bullContext()
			tt.mod(&mc)
			rec, err := e.Evaluate(context.Background(), tt.sig, mc)
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if rec != nil {
				t.Errorf("rec = %+v, want nil", rec)
			}
		})
	}
}

func TestTimeframeMinutes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tf   string
		want int
	}{
		{"5m", 5}, {"15m", 15}, {"1h", 60}, {"4h", 240},
		{"1d", 1440}, {"1w", 10080}, {"", 0}, {"abc", 0},
	}
	for _, tt := range tests {
		if got := timeframeMinutes(tt.tf); got != tt.want {
			t.Errorf("timeframeMinutes(%q) = %d, want %d", tt.tf, got, tt.want)
		}
	}
}

// stubEngine drives the coordinator tests.
type stubEngine struct {
	name      types.Variant
	available bool
	rec       *types.TradeRecommendation
	err       error
	delay     time.Duration
}

func (s *stubEngine) Name() types.Variant { return s.name }
func (s *stubEngine) Available() bool     { return s.available }

func (s *stubEngine) Evaluate(ctx context.Context, _ types.Signal, _ types.MarketContext) (*types.TradeRecommendation, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.rec, s.err
}

func TestCoordinatorBothSucceed(t *testing.T) {
	t.Parallel()

	a := &stubEngine{name: types.VariantA, available: true, rec: &types.TradeRecommendation{Engine: types.VariantA}}
	b := &stubEngine{name: types.VariantB, available: true, rec: &types.TradeRecommendation{Engine: types.VariantB}}
	c := NewCoordinator(a, b, time.Second, testLogger())

	pair := c.Invoke(context.Background(), types.Signal{ID: "sig-1"}, types.MarketContext{})
	if pair.A == nil || pair.A.Engine != types.VariantA {
		t.Errorf("A = %+v", pair.A)
	}
	if pair.B == nil || pair.B.Engine != types.VariantB {
		t.Errorf("B = %+v", pair.B)
	}
}

func TestCoordinatorFailureIsolated(t *testing.T) {
	t.Parallel()

	a := &stubEngine{name: types.VariantA, available: true, err: errors.New("engine blew up")}
	b := &stubEngine{name: types.VariantB, available: true, rec: &types.TradeRecommendation{Engine: types.VariantB}}
	c := NewCoordinator(a, b, time.Second, testLogger())

	pair := c.Invoke(context.Background(), types.Signal{ID: "sig-1"}, types.MarketContext{})
	if pair.A != nil {
		t.Errorf("A = %+v, want nil after failure", pair.A)
	}
	if pair.B == nil {
		t.Error("B = nil, sibling should be unaffected")
	}
}

func TestCoordinatorTimeoutIsolated(t *testing.T) {
	t.Parallel()

	a := &stubEngine{name: types.VariantA, available: true, delay: 500 * time.Millisecond, rec: &types.TradeRecommendation{}}
	b := &stubEngine{name: types.VariantB, available: true, rec: &types.TradeRecommendation{Engine: types.VariantB}}
	c := NewCoordinator(a, b, 20*time.Millisecond, testLogger())

	pair := c.Invoke(context.Background(), types.Signal{ID: "sig-1"}, types.MarketContext{})
	if pair.A != nil {
		t.Errorf("A = %+v, want nil after timeout", pair.A)
	}
	if pair.B == nil {
		t.Error("B = nil, sibling should be unaffected")
	}
}

func TestCoordinatorUnavailableEngine(t *testing.T) {
	t.Parallel()

	a := &stubEngine{name: types.VariantA, available: false, rec: &types.TradeRecommendation{}}
	b := &stubEngine{name: types.VariantB, available: true, rec: &types.TradeRecommendation{Engine: types.VariantB}}
	c := NewCoordinator(a, b, time.Second, testLogger())

	availA, availB := c.Availability()
	if availA || !availB {
		t.Errorf("Availability = (%v,%v), want (false,true)", availA, availB)
	}

	pair := c.Invoke(context.Background(), types.Signal{ID: "sig-1"}, types.MarketContext{})
	if pair.A != nil {
		t.Errorf("A = %+v, want nil when unavailable", pair.A)
	}
	if pair.B == nil {
		t.Error("B = nil")
	}
}

func TestPairByVariant(t *testing.T) {
	t.Parallel()

	p := Pair{
		A: &types.TradeRecommendation{Engine: types.VariantA},
		B: &types.TradeRecommendation{Engine: types.VariantB},
	}
	if p.ByVariant(types.VariantA).Engine != types.VariantA {
		t.Error("ByVariant(A) wrong")
	}
	if p.ByVariant(types.VariantB).Engine != types.VariantB {
		t.Error("ByVariant(B) wrong")
	}
}
