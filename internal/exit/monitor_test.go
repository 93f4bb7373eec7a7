package exit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/HaloHealthAfrica/optionsengine/internal/store"
	"github.com/HaloHealthAfrica/optionsengine/pkg/types"
)

type fakePositionStore struct {
	positions  []types.Position
	rule       types.ExitRule
	ruleErr    error
	reserved   []string
	reserveOK  bool
	reserveErr error
	reduced    map[string]int
	reduceOK   bool
	reduceErr  error
	milestones map[string][]int
	exitOrders []types.Order
}

func newFakePositionStore(positions ...types.Position) *fakePositionStore {
	return &fakePositionStore{
		positions:  positions,
		rule:       types.ExitRule{ProfitTargetPercent: 50, StopLossPercent: 50, Enabled: true},
		reserveOK:  true,
		reduceOK:   true,
		reduced:    make(map[string]int),
		milestones: make(map[string][]int),
	}
}

func (f *fakePositionStore) OpenPositions(context.Context, int) ([]types.Position, error) {
	return f.positions, nil
}

// The claim methods mirror the store's transactional contract: on error
// nothing is recorded, as if the transaction rolled back.
func (f *fakePositionStore) ReserveClose(_ context.Context, id, _ string, o types.Order) (bool, error) {
	if f.reserveErr != nil {
		return false, f.reserveErr
	}
	if !f.reserveOK {
		return false, nil
	}
	f.reserved = append(f.reserved, id)
	f.exitOrders = append(f.exitOrders, o)
	return true, nil
}

func (f *fakePositionStore) ReduceQuantity(_ context.Context, id string, qty, milestone int, o types.Order) (bool, error) {
	if f.reduceErr != nil {
		return false, f.reduceErr
	}
	if !f.reduceOK {
		return false, nil
	}
	f.reduced[id] += qty
	if milestone > 0 {
		f.milestones[id] = append(f.milestones[id], milestone)
	}
	f.exitOrders = append(f.exitOrders, o)
	return true, nil
}

func (f *fakePositionStore) ActiveExitRule(context.Context) (types.ExitRule, error) {
	if f.ruleErr != nil {
		return types.ExitRule{}, f.ruleErr
	}
	return f.rule, nil
}

type fakeQuotes struct {
	quotes map[string]types.OptionContract
	spot   float64
	err    error
}

func (f *fakeQuotes) OptionQuote(_ context.Context, symbol string, _ float64, _ time.Time, _ types.OptionType) (types.OptionContract, error) {
	if f.err != nil {
		return types.OptionContract{}, f.err
	}
	q, ok := f.quotes[symbol]
	if !ok {
		return types.OptionContract{}, errors.New("no quote for " + symbol)
	}
	return q, nil
}

func (f *fakeQuotes) StockPrice(context.Context, string) (float64, error) {
	return f.spot, nil
}

type fakeAdjuster struct {
	adj *BiasAdjustment
}

func (f *fakeAdjuster) Adjust(context.Context, types.Position, Decision) (*BiasAdjustment, error) {
	return f.adj, nil
}

func quoteAt(mid float64) types.OptionContract {
	return types.OptionContract{Bid: mid - 0.05, Ask: mid + 0.05, Theta: -0.02}
}

func newTestMonitor(st *fakePositionStore, quotes QuoteReader, bias BiasAdjuster) *Monitor {
	m := NewMonitor(st, quotes, nil, bias, nil,
		types.ExitRule{StopLossPercent: 50}, 200,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.now = func() time.Time { return exitNow }
	return m
}

func TestTickFullExitOnStopLoss(t *testing.T) {
	t.Parallel()

	pos := swingPosition()
	st := newFakePositionStore(pos)
	quotes := &fakeQuotes{quotes: map[string]types.OptionContract{"SPY": quoteAt(2.00)}, spot: 540}
	m := newTestMonitor(st, quotes, nil)

	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(st.reserved) != 1 || st.reserved[0] != pos.ID {
		t.Fatalf("reserved = %v", st.reserved)
	}
	if len(st.exitOrders) != 1 {
		t.Fatalf("exit orders = %d", len(st.exitOrders))
	}

	o := st.exitOrders[0]
	if o.Quantity != pos.Quantity {
		t.Errorf("Quantity = %d, want %d", o.Quantity, pos.Quantity)
	}
	if o.OrderKind != types.OrderExit {
		t.Errorf("OrderKind = %s", o.OrderKind)
	}
	if o.SignalID != "" {
		t.Errorf("SignalID = %q, exit orders carry no signal", o.SignalID)
	}
}

func TestTickLostReserveSkips(t *testing.T) {
	t.Parallel()

	st := newFakePositionStore(swingPosition())
	st.reserveOK = false
	quotes := &fakeQuotes{quotes: map[string]types.OptionContract{"SPY": quoteAt(2.00)}}
	m := newTestMonitor(st, quotes, nil)

	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(st.exitOrders) != 0 {
		t.Errorf("exit orders = %d, want 0 after losing the claim", len(st.exitOrders))
	}
}

func TestTickPartialExitAtMilestone(t *testing.T) {
	t.Parallel()

	pos := swingPosition() // quantity 4
	st := newFakePositionStore(pos)
	quotes := &fakeQuotes{quotes: map[string]types.OptionContract{"SPY": quoteAt(6.50)}} // +30%
	m := newTestMonitor(st, quotes, nil)

	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	// 25% of 4 = 1 contract out; position stays open.
	if st.reduced[pos.ID] != 1 {
		t.Errorf("reduced = %v, want 1 contract", st.reduced)
	}
	if len(st.reserved) != 0 {
		t.Errorf("reserved = %v, partial must not close", st.reserved)
	}
	if got := st.milestones[pos.ID]; len(got) != 1 || got[0] != 25 {
		t.Errorf("milestones = %v, want [25]", got)
	}
	if len(st.exitOrders) != 1 || st.exitOrders[0].Quantity != 1 {
		t.Errorf("exit orders = %+v", st.exitOrders)
	}
}

func TestTickPartialConsumingAllEscalates(t *testing.T) {
	t.Parallel()

	pos := swingPosition()
	pos.Quantity = 1 // 25% of 1 rounds to 1 ⇒ whole position
	st := newFakePositionStore(pos)
	quotes := &fakeQuotes{quotes: map[string]types.OptionContract{"SPY": quoteAt(6.50)}}
	m := newTestMonitor(st, quotes, nil)

	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(st.reserved) != 1 {
		t.Errorf("reserved = %v, want full-exit escalation", st.reserved)
	}
	if len(st.reduced) != 0 {
		t.Errorf("reduced = %v, want none", st.reduced)
	}
}

func TestTickClaimWriteFailureLeavesPositionOpen(t *testing.T) {
	t.Parallel()

	pos := swingPosition()
	st := newFakePositionStore(pos)
	st.reserveErr = errors.New("order insert failed")
	quotes := &fakeQuotes{quotes: map[string]types.OptionContract{"SPY": quoteAt(2.00)}, spot: 540}
	m := newTestMonitor(st, quotes, nil)

	// The claim transaction fails; nothing may be half-written.
	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(st.reserved) != 0 {
		t.Fatalf("reserved = %v, claim must roll back with its order", st.reserved)
	}
	if len(st.exitOrders) != 0 {
		t.Fatalf("exit orders = %d, want 0 after rollback", len(st.exitOrders))
	}

	// Store recovers; the next scan still sees the position and exits it.
	st.reserveErr = nil
	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(st.reserved) != 1 || st.reserved[0] != pos.ID {
		t.Errorf("reserved = %v, want retry to complete the exit", st.reserved)
	}
	if len(st.exitOrders) != 1 {
		t.Errorf("exit orders = %d, want 1", len(st.exitOrders))
	}
}

func TestTickBiasOverrideForcesExit(t *testing.T) {
	t.Parallel()

	pos := swingPosition()
	st := newFakePositionStore(pos)
	quotes := &fakeQuotes{quotes: map[string]types.OptionContract{"SPY": quoteAt(5.10)}} // would HOLD
	bias := &fakeAdjuster{adj: &BiasAdjustment{ForceExit: true, Reason: "bias collapsed"}}
	m := newTestMonitor(st, quotes, bias)

	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(st.reserved) != 1 {
		t.Errorf("reserved = %v, want bias-forced exit", st.reserved)
	}
}

func TestTickQuoteFailureIsolated(t *testing.T) {
	t.Parallel()

	bad := swingPosition()
	bad.ID = "pos-bad"
	bad.Symbol = "QQQ"
	good := swingPosition()

	// QQQ has no quote and errors; SPY still stops out.
	st := newFakePositionStore(bad, good)
	quotes := &fakeQuotes{quotes: map[string]types.OptionContract{"SPY": quoteAt(2.00)}}
	m := newTestMonitor(st, quotes, nil)

	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(st.reserved) != 1 || st.reserved[0] != good.ID {
		t.Errorf("reserved = %v, want only the SPY position", st.reserved)
	}
}

func TestTickRuleFallback(t *testing.T) {
	t.Parallel()

	st := newFakePositionStore(swingPosition())
	st.ruleErr = store.ErrNotFound
	quotes := &fakeQuotes{quotes: map[string]types.OptionContract{"SPY": quoteAt(2.00)}}
	m := newTestMonitor(st, quotes, nil)

	// Fallback rule has the same 50% stop; the exit still fires.
	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(st.reserved) != 1 {
		t.Errorf("reserved = %v, want exit via fallback rule", st.reserved)
	}
}

func TestTickErrorPerPositionContinues(t *testing.T) {
	t.Parallel()

	st := newFakePositionStore(swingPosition())
	quotes := &fakeQuotes{err: errors.New("vendor down")}
	m := newTestMonitor(st, quotes, nil)

	// The only position errors; the tick itself still succeeds.
	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(st.reserved) != 0 {
		t.Errorf("reserved = %v", st.reserved)
	}
}
