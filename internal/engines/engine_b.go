package engines

import (
	"context"
	"log/slog"

	"github.com/HaloHealthAfrica/optionsengine/internal/strike"
	"github.com/HaloHealthAfrica/optionsengine/pkg/types"
)

// StructureEngine is engine B: it trades market structure on longer
// horizons, leans on the dealer-gamma state, and sizes into wider delta
// bands via SWING/POSITION setups.
type StructureEngine struct {
	budget  types.RiskBudget
	enabled bool
	logger  *slog.Logger
}

// NewStructureEngine builds engine B with the per-trade risk budget.
func NewStructureEngine(budget types.RiskBudget, enabled bool, logger *slog.Logger) *StructureEngine {
	return &StructureEngine{
		budget:  budget,
		enabled: enabled,
		logger:  logger.With("component", "engine_b"),
	}
}

func (e *StructureEngine) Name() types.Variant { return types.VariantB }

func (e *StructureEngine) Available() bool { return e.enabled }

// Evaluate proposes a structure entry, or nil when the context gives no edge.
func (e *StructureEngine) Evaluate(ctx context.Context, sig types.Signal, mc types.MarketContext) (*types.TradeRecommendation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Structure trades need a resolvable gamma picture: choppy regime with
	// a neutral GEX state has no edge either way.
	if mc.Regime == types.Choppy && mc.GexState == types.GexNeutral {
		e.logger.Debug("declined: choppy regime, neutral gamma", "signal_id", sig.ID)
		return nil, nil
	}

	// The gamma state carries the structural thesis. Trading long into a
	// strongly negative-gamma tape (or short into positive) fights the
	// dealers' hedging flow.
	if (sig.Direction == types.Long && mc.GexState == types.GexNegativeHigh) ||
		(sig.Direction == types.Short && mc.GexState == types.GexPositiveHigh) {
		e.logger.Debug("declined: gamma regime against direction",
			"signal_id", sig.ID, "gex", mc.GexState, "direction", sig.Direction)
		return nil, nil
	}

	confidence := 55.0
	if mc.Bias != nil && mc.Bias.Bias == sig.Direction {
		confidence = max(confidence, (mc.Bias.Confidence+mc.Bias.Confluence)/2)
	}

	setup := types.Swing
	holdMin := 2880
	if minutes := timeframeMinutes(sig.Timeframe); minutes >= 1440 {
		setup = types.PositionTrade
		holdMin = 10080
	}

	res := strike.Select(strike.Request{
		Symbol:           sig.Symbol,
		SpotPrice:        mc.SpotPrice,
		Direction:        sig.Direction,
		SetupType:        setup,
		SignalConfidence: confidence,
		ExpectedHoldMin:  holdMin,
		ExpectedMovePct:  movePctFromATR(mc),
		Regime:           mc.Regime,
		GexState:         mc.GexState,
		IVPercentile:     mc.IVPercentile,
		Budget:           e.budget,
		Chain:            mc.Chain,
		Now:              mc.BuiltAt,
	})
	if !res.Success {
		e.logger.Debug("declined: no strike selected",
			"signal_id", sig.ID, "reason", res.FailureReason, "delayed", res.Delayed)
		return nil, nil
	}

	return &types.TradeRecommendation{
		Symbol:     sig.Symbol,
		Direction:  sig.Direction,
		Strike:     res.Contract.Strike,
		Expiration: res.Contract.Expiration,
		Quantity:   res.Quantity,
		EntryPrice: res.Contract.Mid(),
		Engine:     types.VariantB,
		Rationale:  append([]string{"structure profile, setup " + string(setup)}, res.Rationale...),
	}, nil
}
