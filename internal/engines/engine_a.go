package engines

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/HaloHealthAfrica/optionsengine/internal/strike"
	"github.com/HaloHealthAfrica/optionsengine/pkg/types"
)

// MomentumEngine is engine A: it trades with short-horizon momentum, using
// tight delta bands and quick setups. It declines when the regime runs
// against the signal or the bias aggregator strongly disagrees.
type MomentumEngine struct {
	budget  types.RiskBudget
	enabled bool
	logger  *slog.Logger
}

// NewMomentumEngine builds engine A with the per-trade risk budget.
func NewMomentumEngine(budget types.RiskBudget, enabled bool, logger *slog.Logger) *MomentumEngine {
	return &MomentumEngine{
		budget:  budget,
		enabled: enabled,
		logger:  logger.With("component", "engine_a"),
	}
}

func (e *MomentumEngine) Name() types.Variant { return types.VariantA }

func (e *MomentumEngine) Available() bool { return e.enabled }

// Evaluate proposes a momentum entry, or nil when conditions argue against
// one.
func (e *MomentumEngine) Evaluate(ctx context.Context, sig types.Signal, mc types.MarketContext) (*types.TradeRecommendation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Momentum needs the tape on its side.
	if (sig.Direction == types.Long && mc.Regime.Bearish()) ||
		(sig.Direction == types.Short && mc.Regime.Bullish()) {
		e.logger.Debug("declined: regime against direction",
			"signal_id", sig.ID, "regime", mc.Regime, "direction", sig.Direction)
		return nil, nil
	}

	confidence := 60.0
	if mc.Bias != nil {
		if mc.Bias.Bias != sig.Direction && mc.Bias.Confidence >= 70 {
			e.logger.Debug("declined: bias strongly opposed",
				"signal_id", sig.ID, "bias", mc.Bias.Bias, "confidence", mc.Bias.Confidence)
			return nil, nil
		}
		if mc.Bias.Bias == sig.Direction {
			confidence = max(confidence, mc.Bias.Confluence)
		}
	}

	setup := types.Swing
	holdMin := 240
	if minutes := timeframeMinutes(sig.Timeframe); minutes > 0 && minutes <= 15 {
		setup = types.ScalpGuarded
		holdMin = 60
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
		Engine:     types.VariantA,
		Rationale:  append([]string{"momentum profile, setup " + string(setup)}, res.Rationale...),
	}, nil
}

// timeframeMinutes converts a normalized timeframe ("5m", "4h", "1d", "1w")
// to minutes; 0 when unparseable.
func timeframeMinutes(tf string) int {
	if tf == "" {
		return 0
	}
	unit := tf[len(tf)-1]
	n, err := strconv.Atoi(strings.TrimSuffix(tf, string(unit)))
	if err != nil || n <= 0 {
		return 0
	}
	switch unit {
	case 'm':
		return n
	case 'h':
		return n * 60
	case 'd':
		return n * 1440
	case 'w':
		return n * 10080
	}
	return 0
}

// movePctFromATR estimates the expected move from the ATR when spot is known.
func movePctFromATR(mc types.MarketContext) float64 {
	if mc.SpotPrice <= 0 || mc.ATR <= 0 {
		return 0
	}
	return mc.ATR / mc.SpotPrice * 100
}
