// Package engines houses the two competing decision engines and the
// coordinator that runs them side by side.
//
// An engine turns (signal, market context) into at most one trade
// recommendation. Engine A trades momentum on short horizons; Engine B trades
// structure on longer horizons with dealer-gamma weighting. Neither engine
// mutates anything: the orchestrator owns persistence and the execution
// policy decides whose output actually trades.
package engines

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/HaloHealthAfrica/optionsengine/pkg/types"
)

// Engine evaluates a signal against the market context. A nil recommendation
// with nil error means the engine declined to trade.
type Engine interface {
	Name() types.Variant
	Available() bool
	Evaluate(ctx context.Context, sig types.Signal, mc types.MarketContext) (*types.TradeRecommendation, error)
}

// Pair holds both engines' outputs for one signal; either side may be nil.
type Pair struct {
	A *types.TradeRecommendation
	B *types.TradeRecommendation
}

// ByVariant returns the recommendation produced by the named engine.
func (p Pair) ByVariant(v types.Variant) *types.TradeRecommendation {
	if v == types.VariantA {
		return p.A
	}
	return p.B
}

// Coordinator invokes both engines concurrently with a per-engine timeout.
type Coordinator struct {
	engineA Engine
	engineB Engine
	timeout time.Duration
	logger  *slog.Logger
}

// NewCoordinator builds a coordinator over the two engines.
func NewCoordinator(a, b Engine, timeout time.Duration, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		engineA: a,
		engineB: b,
		timeout: timeout,
		logger:  logger.With("component", "coordinator"),
	}
}

// Availability reports which engines can currently evaluate.
func (c *Coordinator) Availability() (a, b bool) {
	return c.engineA.Available(), c.engineB.Available()
}

// Invoke runs both engines in parallel. An engine that errors, times out, or
// is unavailable contributes nil without affecting its sibling.
func (c *Coordinator) Invoke(ctx context.Context, sig types.Signal, mc types.MarketContext) Pair {
	var pair Pair
	var wg sync.WaitGroup

	run := func(e Engine, out **types.TradeRecommendation) {
		defer wg.Done()
		if !e.Available() {
			return
		}

		engineCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		rec, err := e.Evaluate(engineCtx, sig, mc)
		if err != nil {
			c.logger.Warn("engine evaluation failed",
				"engine", e.Name(),
				"signal_id", sig.ID,
				"error", err,
			)
			return
		}
		*out = rec
	}

	wg.Add(2)
	go run(c.engineA, &pair.A)
	go run(c.engineB, &pair.B)
	wg.Wait()

	return pair
}
