// Package orchestrator drives claimed signals through the experiment, engine,
// and order pipeline.
//
// Each tick claims a batch of pending signals under the store's processing
// lock and runs them through per-signal pipelines with bounded concurrency:
// build market context, assign the A/B experiment, decide the execution
// policy, invoke both engines in parallel, audit every recommendation, and
// create a paper entry order for the executed side. A failing signal is
// released back to the queue with a capped exponential retry delay; it never
// takes the rest of the batch down with it.
package orchestrator

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/sync/errgroup"

	"github.com/HaloHealthAfrica/optionsengine/internal/config"
	"github.com/HaloHealthAfrica/optionsengine/internal/engines"
	"github.com/HaloHealthAfrica/optionsengine/internal/experiment"
	"github.com/HaloHealthAfrica/optionsengine/pkg/types"
)

// PipelineStore is the slice of the store the orchestrator drives.
type PipelineStore interface {
	ClaimSignals(ctx context.Context, limit int, ids []string) ([]types.Signal, error)
	MarkSignalProcessed(ctx context.Context, id string, status types.SignalStatus, experimentID string) error
	MarkSignalFailed(ctx context.Context, id string, nextRetry time.Time) error
	CreateEntryOrder(ctx context.Context, o types.Order) (string, bool, error)
	InsertRecommendation(ctx context.Context, rec types.TradeRecommendation) error
}

// Experiments assigns variants and decides execution policies.
type Experiments interface {
	CreateExperiment(ctx context.Context, sig types.Signal) (types.Experiment, error)
	CreatePolicy(ctx context.Context, experimentID, appMode string, avail experiment.EngineAvailability) (types.ExecutionPolicy, error)
}

// EngineInvoker is the dual-engine coordinator surface.
type EngineInvoker interface {
	Availability() (a, b bool)
	Invoke(ctx context.Context, sig types.Signal, mc types.MarketContext) engines.Pair
}

// ContextSource builds the per-signal market context.
type ContextSource interface {
	Build(ctx context.Context, symbol string) (types.MarketContext, error)
}

// Stats is a point-in-time pipeline counter snapshot for monitoring.
type Stats struct {
	Processed    int64 `json:"processed"`
	Approved     int64 `json:"approved"`
	Rejected     int64 `json:"rejected"`
	Failed       int64 `json:"failed"`
	AvgLatencyMs int64 `json:"avg_latency_ms"`
}

// Orchestrator is the signal pipeline worker.
type Orchestrator struct {
	cfg           config.OrchestratorConfig
	appMode       config.AppMode
	flags         config.FeatureFlags
	confluenceMin float64
	store         PipelineStore
	experiments   Experiments
	engines       EngineInvoker
	contexts      ContextSource
	retry         *backoff.Backoff
	logger        *slog.Logger
	now           func() time.Time

	mu             sync.Mutex
	stats          Stats
	totalLatencyMs int64
}

func New(cfg config.OrchestratorConfig, appMode config.AppMode, flags config.FeatureFlags,
	confluenceMin float64, st PipelineStore, experiments Experiments, eng EngineInvoker,
	contexts ContextSource, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:           cfg,
		appMode:       appMode,
		flags:         flags,
		confluenceMin: confluenceMin,
		store:         st,
		experiments:   experiments,
		engines:       eng,
		contexts:      contexts,
		retry: &backoff.Backoff{
			Min:    cfg.RetryDelay,
			Max:    10 * time.Minute,
			Factor: 2,
		},
		logger: logger.With("component", "orchestrator"),
		now:    time.Now,
	}
}

// Tick claims one batch and processes it with bounded concurrency. Per-signal
// failures are absorbed into the retry schedule; only claim failures and
// cancellation surface as errors.
func (o *Orchestrator) Tick(ctx context.Context) error {
	signals, err := o.store.ClaimSignals(ctx, o.cfg.BatchSize, nil)
	if err != nil {
		return err
	}
	if len(signals) == 0 {
		return nil
	}
	o.logger.Info("claimed signals", "count", len(signals))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)
	for _, sig := range signals {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(gctx, o.cfg.SignalTimeout)
			defer cancel()
			o.processOne(sctx, sig)
			return nil
		})
	}
	return g.Wait()
}

// processOne runs the full pipeline for one claimed signal.
func (o *Orchestrator) processOne(ctx context.Context, sig types.Signal) {
	started := o.now()
	logger := o.logger.With("signal_id", sig.ID, "symbol", sig.Symbol)

	mc, err := o.contexts.Build(ctx, sig.Symbol)
	if err != nil {
		logger.Error("market context build failed", "error", err)
		o.release(ctx, sig)
		return
	}

	exp, err := o.experiments.CreateExperiment(ctx, sig)
	if err != nil {
		logger.Error("experiment assignment failed", "error", err)
		o.release(ctx, sig)
		return
	}

	availA, availB := o.engines.Availability()
	policy, err := o.experiments.CreatePolicy(ctx, exp.ID, string(o.appMode),
		experiment.EngineAvailability{EngineA: availA, EngineB: availB})
	if err != nil {
		logger.Error("policy decision failed", "error", err)
		o.release(ctx, sig)
		return
	}

	pair := o.engines.Invoke(ctx, sig, mc)

	// The confluence gate blocks every entry for a symbol whose aggregate
	// confluence sits below the threshold; recommendations are still audited.
	gated := o.flags.ConfluenceGate && mc.Bias != nil && mc.Bias.Confluence < o.confluenceMin
	if gated {
		logger.Info("confluence below entry threshold",
			"confluence", mc.Bias.Confluence, "threshold", o.confluenceMin)
	}

	approved := false
	for _, rec := range []*types.TradeRecommendation{pair.A, pair.B} {
		if rec == nil {
			continue
		}
		rec.ExperimentID = exp.ID
		rec.IsShadow = experiment.IsShadow(policy, rec.Engine)

		if err := o.store.InsertRecommendation(ctx, *rec); err != nil {
			logger.Warn("failed to audit recommendation", "engine", rec.Engine, "error", err)
		}

		if rec.IsShadow && !o.flags.DualPaperTrading {
			continue
		}
		if gated {
			continue
		}
		order := orderFromRecommendation(sig, *rec)
		if o.flags.ConfluenceSizing && mc.Bias != nil {
			order.Quantity = confluenceQuantity(order.Quantity, mc.Bias.Confluence)
		}
		id, created, err := o.store.CreateEntryOrder(ctx, order)
		if err != nil {
			logger.Error("entry order failed", "engine", rec.Engine, "error", err)
			o.release(ctx, sig)
			return
		}
		if !created {
			logger.Debug("entry order already exists", "engine", rec.Engine)
		} else {
			logger.Info("entry order created",
				"order_id", id, "engine", rec.Engine, "shadow", rec.IsShadow,
				"strike", rec.Strike, "quantity", rec.Quantity)
		}
		if !rec.IsShadow {
			approved = true
		}
	}

	status := types.SignalRejected
	if approved {
		status = types.SignalApproved
	}
	if err := o.store.MarkSignalProcessed(ctx, sig.ID, status, exp.ID); err != nil {
		logger.Error("failed to finalize signal", "error", err)
		o.release(ctx, sig)
		return
	}

	latency := o.now().Sub(started)
	o.record(status, latency)
	logger.Info("signal processed",
		"status", status, "variant", exp.Variant, "mode", policy.Mode,
		"latency_ms", latency.Milliseconds())
}

// release returns a failed signal to the queue with a capped exponential
// delay derived from its attempt count. Runs on a detached context so a
// per-signal timeout cannot also lose the bookkeeping write.
func (o *Orchestrator) release(ctx context.Context, sig types.Signal) {
	o.mu.Lock()
	o.stats.Failed++
	o.mu.Unlock()

	delay := o.retry.ForAttempt(float64(sig.ProcessingAttempts))
	nextRetry := o.now().Add(delay)

	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.store.MarkSignalFailed(mctx, sig.ID, nextRetry); err != nil {
		o.logger.Error("failed to release signal for retry", "signal_id", sig.ID, "error", err)
		return
	}
	o.logger.Warn("signal released for retry",
		"signal_id", sig.ID, "attempt", sig.ProcessingAttempts+1, "next_retry", nextRetry)
}

func (o *Orchestrator) record(status types.SignalStatus, latency time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stats.Processed++
	o.totalLatencyMs += latency.Milliseconds()
	o.stats.AvgLatencyMs = o.totalLatencyMs / o.stats.Processed
	switch status {
	case types.SignalApproved:
		o.stats.Approved++
	case types.SignalRejected:
		o.stats.Rejected++
	}
}

// GetStats returns the pipeline counters for the monitoring endpoint.
func (o *Orchestrator) GetStats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

// confluenceQuantity scales an entry's size by the aggregate confluence
// score, floored at one contract.
func confluenceQuantity(qty int, confluence float64) int {
	scaled := int(math.Round(float64(qty) * confluence / 100))
	if scaled < 1 {
		return 1
	}
	return scaled
}

func orderFromRecommendation(sig types.Signal, rec types.TradeRecommendation) types.Order {
	optType := types.OptionTypeFor(rec.Direction)
	return types.Order{
		SignalID:     sig.ID,
		Engine:       rec.Engine,
		ExperimentID: rec.ExperimentID,
		Symbol:       rec.Symbol,
		OptionSymbol: types.OCCSymbol(rec.Symbol, rec.Expiration, optType, rec.Strike),
		Strike:       rec.Strike,
		Expiration:   rec.Expiration,
		Type:         optType,
		Quantity:     rec.Quantity,
		OrderKind:    types.OrderEntry,
	}
}
