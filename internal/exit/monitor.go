package exit

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/HaloHealthAfrica/optionsengine/internal/store"
	"github.com/HaloHealthAfrica/optionsengine/pkg/types"
)

// PositionStore is the slice of the store the monitor drives. Both claim
// methods create the exit order inside the claim transaction: the position
// transition and its order commit or roll back as one.
type PositionStore interface {
	OpenPositions(ctx context.Context, limit int) ([]types.Position, error)
	ReserveClose(ctx context.Context, positionID, reason string, o types.Order) (bool, error)
	ReduceQuantity(ctx context.Context, positionID string, qty, milestone int, o types.Order) (bool, error)
	ActiveExitRule(ctx context.Context) (types.ExitRule, error)
}

// QuoteReader supplies the market state for one position.
type QuoteReader interface {
	OptionQuote(ctx context.Context, symbol string, strike float64, expiration time.Time, optType types.OptionType) (types.OptionContract, error)
	StockPrice(ctx context.Context, symbol string) (float64, error)
}

// RegimeReader classifies the current market stance for a symbol. May be
// nil; the decision engine then sees a choppy regime, which never forces a
// flip exit.
type RegimeReader interface {
	Regime(ctx context.Context, symbol string) (types.Regime, error)
}

// BiasAdjustment is the bias collaborator's override for one position.
type BiasAdjustment struct {
	ForceExit   bool
	SizePercent float64 // 0 or 100 means full
	Reason      string
}

// BiasAdjuster may escalate a decision based on aggregate bias state. May be
// nil.
type BiasAdjuster interface {
	Adjust(ctx context.Context, pos types.Position, d Decision) (*BiasAdjustment, error)
}

// RealtimePublisher notifies clients of position changes. May be nil.
type RealtimePublisher interface {
	PublishPositionUpdate(positionID string)
}

// Monitor scans open positions and converts exit decisions into claims and
// exit orders.
type Monitor struct {
	store        PositionStore
	quotes       QuoteReader
	regimes      RegimeReader
	bias         BiasAdjuster
	realtime     RealtimePublisher
	fallbackRule types.ExitRule
	maxPositions int
	logger       *slog.Logger
	now          func() time.Time
}

// NewMonitor builds the monitor. regimes, bias, and realtime may be nil.
// fallbackRule applies when the store has no enabled exit rule.
func NewMonitor(st PositionStore, quotes QuoteReader, regimes RegimeReader, bias BiasAdjuster,
	realtime RealtimePublisher, fallbackRule types.ExitRule, maxPositions int, logger *slog.Logger) *Monitor {
	return &Monitor{
		store:        st,
		quotes:       quotes,
		regimes:      regimes,
		bias:         bias,
		realtime:     realtime,
		fallbackRule: fallbackRule,
		maxPositions: maxPositions,
		logger:       logger.With("component", "exit_monitor"),
		now:          time.Now,
	}
}

// Tick runs one monitor pass. A single position's failure never aborts the
// scan.
func (m *Monitor) Tick(ctx context.Context) error {
	rule, err := m.store.ActiveExitRule(ctx)
	if errors.Is(err, store.ErrNotFound) {
		rule = m.fallbackRule
	} else if err != nil {
		return err
	}

	positions, err := m.store.OpenPositions(ctx, m.maxPositions)
	if err != nil {
		return err
	}

	for _, pos := range positions {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.evaluateOne(ctx, pos, rule); err != nil {
			m.logger.Error("position evaluation failed",
				"position_id", pos.ID, "option", pos.OptionSymbol, "error", err)
		}
	}
	return nil
}

func (m *Monitor) evaluateOne(ctx context.Context, pos types.Position, rule types.ExitRule) error {
	quote, err := m.quotes.OptionQuote(ctx, pos.Symbol, pos.Strike, pos.Expiration, pos.Type)
	if err != nil {
		return err
	}

	snap := Snapshot{
		Mid:         quote.Mid(),
		SpreadPct:   quote.SpreadPct(),
		Theta:       quote.Theta,
		ThesisValid: true,
	}
	if spot, err := m.quotes.StockPrice(ctx, pos.Symbol); err == nil {
		snap.SpotPrice = spot
	}
	if m.regimes != nil {
		if regime, err := m.regimes.Regime(ctx, pos.Symbol); err == nil {
			snap.Regime = regime
		}
	}

	d := Decide(pos, rule, snap, m.now())

	// The bias layer can only escalate, never soften.
	if m.bias != nil && d.Action != FullExit {
		adj, err := m.bias.Adjust(ctx, pos, d)
		if err != nil {
			m.logger.Warn("bias adjustment failed", "position_id", pos.ID, "error", err)
		} else if adj != nil && adj.ForceExit {
			d.TriggeredRules = append(d.TriggeredRules, "BIAS_OVERRIDE")
			d.Rationale = append(d.Rationale, adj.Reason)
			if adj.SizePercent > 0 && adj.SizePercent < 100 {
				d.Action = PartialExit
				d.SizePercent = adj.SizePercent
				d.Milestone = 0
			} else {
				d.Action = FullExit
				d.Urgency = UrgencyHigh
			}
		}
	}

	switch d.Action {
	case FullExit:
		return m.fullExit(ctx, pos, d)
	case PartialExit:
		return m.partialExit(ctx, pos, d)
	case TightenStop:
		m.logger.Info("stop tightened",
			"position_id", pos.ID, "new_stop", d.NewStopLevel, "rules", d.TriggeredRules)
		return nil
	default:
		return nil
	}
}

// fullExit claims open→closing with one exit order for the full size, in a
// single store transaction. Losing the claim means another monitor got there
// first; a write failure leaves the position open for the next scan.
func (m *Monitor) fullExit(ctx context.Context, pos types.Position, d Decision) error {
	reason := firstRule(d)
	claimed, err := m.store.ReserveClose(ctx, pos.ID, reason, exitOrder(pos, pos.Quantity))
	if err != nil {
		return err
	}
	if !claimed {
		m.logger.Debug("close already reserved elsewhere", "position_id", pos.ID)
		return nil
	}

	m.logger.Info("full exit",
		"position_id", pos.ID,
		"option", pos.OptionSymbol,
		"reason", reason,
		"urgency", d.Urgency,
		"pnl_pct", d.Metrics.OptionPnLPct,
	)
	m.notify(pos.ID)
	return nil
}

// partialExit decrements quantity, records the milestone, and emits an exit
// order for the slice, all in one store transaction. A partial that would
// consume the whole position escalates to a full exit.
func (m *Monitor) partialExit(ctx context.Context, pos types.Position, d Decision) error {
	exitQty := int(math.Round(float64(pos.Quantity) * d.SizePercent / 100))
	if exitQty < 1 {
		exitQty = 1
	}
	if exitQty >= pos.Quantity {
		return m.fullExit(ctx, pos, d)
	}

	claimed, err := m.store.ReduceQuantity(ctx, pos.ID, exitQty, d.Milestone, exitOrder(pos, exitQty))
	if err != nil {
		return err
	}
	if !claimed {
		m.logger.Debug("partial exit lost the claim", "position_id", pos.ID)
		return nil
	}

	m.logger.Info("partial exit",
		"position_id", pos.ID,
		"option", pos.OptionSymbol,
		"exit_qty", exitQty,
		"size_pct", d.SizePercent,
		"rules", d.TriggeredRules,
	)
	m.notify(pos.ID)
	return nil
}

func (m *Monitor) notify(positionID string) {
	if m.realtime != nil {
		m.realtime.PublishPositionUpdate(positionID)
	}
}

func exitOrder(pos types.Position, qty int) types.Order {
	return types.Order{
		Engine:       pos.Engine,
		ExperimentID: pos.ExperimentID,
		Symbol:       pos.Symbol,
		OptionSymbol: pos.OptionSymbol,
		Strike:       pos.Strike,
		Expiration:   pos.Expiration,
		Type:         pos.Type,
		Quantity:     qty,
		OrderKind:    types.OrderExit,
	}
}

func firstRule(d Decision) string {
	if len(d.TriggeredRules) > 0 {
		return d.TriggeredRules[0]
	}
	return "EXIT"
}
