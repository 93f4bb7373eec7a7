package orchestrator

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/HaloHealthAfrica/optionsengine/internal/marketdata"
	"github.com/HaloHealthAfrica/optionsengine/pkg/types"
)

// MarketReader is the vendor surface the context builder consumes.
type MarketReader interface {
	StockPrice(ctx context.Context, symbol string) (float64, error)
	OptionsChain(ctx context.Context, symbol string) ([]types.OptionContract, error)
	Gex(ctx context.Context, symbol string) (*types.GexData, error)
	OptionsFlow(ctx context.Context, symbol string, limit int) ([]byte, error)
	Hours(ctx context.Context) (*marketdata.MarketHours, error)
}

// BiasReader reads the aggregate bias snapshot. May be nil.
type BiasReader interface {
	BiasState(ctx context.Context, symbol string) (*types.BiasState, error)
}

// SnapshotArchive persists fetched vendor snapshots for later analysis. May
// be nil.
type SnapshotArchive interface {
	SaveGexSnapshot(ctx context.Context, g types.GexData) error
	SaveOptionsFlowSnapshot(ctx context.Context, symbol string, payload []byte) error
}

// flowPrintLimit caps how many recent flow prints are archived per signal.
const flowPrintLimit = 50

// ContextBuilder assembles the per-signal market context. Spot price and the
// option chain are required; everything else degrades to a neutral default so
// a flaky collaborator never blocks the pipeline.
type ContextBuilder struct {
	market  MarketReader
	bias    BiasReader
	archive SnapshotArchive
	logger  *slog.Logger
	now     func() time.Time
}

func NewContextBuilder(market MarketReader, bias BiasReader, archive SnapshotArchive, logger *slog.Logger) *ContextBuilder {
	return &ContextBuilder{
		market:  market,
		bias:    bias,
		archive: archive,
		logger:  logger.With("component", "market_context"),
		now:     time.Now,
	}
}

// Build fetches and assembles the context for one symbol.
func (b *ContextBuilder) Build(ctx context.Context, symbol string) (types.MarketContext, error) {
	spot, err := b.market.StockPrice(ctx, symbol)
	if err != nil {
		return types.MarketContext{}, err
	}

	chain, err := b.market.OptionsChain(ctx, symbol)
	if err != nil {
		return types.MarketContext{}, err
	}

	mc := types.MarketContext{
		Symbol:       symbol,
		SpotPrice:    spot,
		Chain:        chain,
		Regime:       types.Choppy,
		GexState:     types.GexNeutral,
		IVPercentile: ivPercentile(chain, spot),
		Session:      "regular",
		BuiltAt:      b.now().UTC(),
	}

	if gex, err := b.market.Gex(ctx, symbol); err == nil && gex != nil {
		mc.GexState = gex.State
		if b.archive != nil {
			if err := b.archive.SaveGexSnapshot(ctx, *gex); err != nil {
				b.logger.Warn("failed to archive gex snapshot", "symbol", symbol, "error", err)
			}
		}
	} else if err != nil {
		b.logger.Warn("gex unavailable, assuming neutral", "symbol", symbol, "error", err)
	}

	// Flow prints are archive-only; the engines read them offline.
	if b.archive != nil {
		if flow, err := b.market.OptionsFlow(ctx, symbol, flowPrintLimit); err == nil && len(flow) > 0 {
			if err := b.archive.SaveOptionsFlowSnapshot(ctx, symbol, flow); err != nil {
				b.logger.Warn("failed to archive options flow", "symbol", symbol, "error", err)
			}
		}
	}

	if hours, err := b.market.Hours(ctx); err == nil && hours != nil {
		mc.MinutesToClose = hours.MinutesUntilClose
		if !hours.IsMarketOpen {
			mc.Session = "closed"
		}
	}

	if b.bias != nil {
		if bias, err := b.bias.BiasState(ctx, symbol); err == nil && bias != nil {
			mc.Bias = bias
			mc.Regime = RegimeFromBias(*bias)
		}
	}

	return mc, nil
}

// RegimeFromBias classifies the market stance from the bias aggregator's
// snapshot. Low-confidence bias reads as choppy.
func RegimeFromBias(bias types.BiasState) types.Regime {
	switch {
	case bias.Confidence >= 80 && bias.Bias == types.Long:
		return types.StrongBull
	case bias.Confidence >= 80 && bias.Bias == types.Short:
		return types.StrongBear
	case bias.Confidence >= 55 && bias.Bias == types.Long:
		return types.Bull
	case bias.Confidence >= 55 && bias.Bias == types.Short:
		return types.Bear
	default:
		return types.Choppy
	}
}

// ivPercentile ranks the IV of the contract nearest the money against the
// whole chain, as a cheap cross-sectional stand-in for a historical
// percentile. Returns 50 when the chain is too thin to rank.
func ivPercentile(chain []types.OptionContract, spot float64) float64 {
	if len(chain) < 4 || spot <= 0 {
		return 50
	}

	atm := chain[0]
	for _, c := range chain[1:] {
		if abs(c.Strike-spot) < abs(atm.Strike-spot) {
			atm = c
		}
	}

	ivs := make([]float64, 0, len(chain))
	for _, c := range chain {
		if c.IV > 0 {
			ivs = append(ivs, c.IV)
		}
	}
	if len(ivs) < 4 || atm.IV <= 0 {
		return 50
	}
	sort.Float64s(ivs)

	below := sort.SearchFloat64s(ivs, atm.IV)
	return float64(below) / float64(len(ivs)) * 100
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
