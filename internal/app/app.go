// Package app wires the signal-processing core together.
//
// It assembles all subsystems:
//
//  1. Store (Postgres) holds signals, experiments, orders, and positions.
//  2. Broker (Redis) carries the fingerprint cache, bias state, and events.
//  3. Webhook ingestor validates and persists inbound signals.
//  4. Orchestrator claims signals, runs both engines, and creates orders.
//  5. Executor fills paper orders; exit monitor and refresher manage positions.
//  6. The worker registry supervises every loop and feeds the health endpoint.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/HaloHealthAfrica/optionsengine/internal/api"
	"github.com/HaloHealthAfrica/optionsengine/internal/auth"
	"github.com/HaloHealthAfrica/optionsengine/internal/broker"
	"github.com/HaloHealthAfrica/optionsengine/internal/config"
	"github.com/HaloHealthAfrica/optionsengine/internal/engines"
	"github.com/HaloHealthAfrica/optionsengine/internal/execution"
	"github.com/HaloHealthAfrica/optionsengine/internal/exit"
	"github.com/HaloHealthAfrica/optionsengine/internal/experiment"
	"github.com/HaloHealthAfrica/optionsengine/internal/health"
	"github.com/HaloHealthAfrica/optionsengine/internal/marketdata"
	"github.com/HaloHealthAfrica/optionsengine/internal/orchestrator"
	"github.com/HaloHealthAfrica/optionsengine/internal/refresher"
	"github.com/HaloHealthAfrica/optionsengine/internal/risk"
	"github.com/HaloHealthAfrica/optionsengine/internal/store"
	"github.com/HaloHealthAfrica/optionsengine/internal/webhook"
	"github.com/HaloHealthAfrica/optionsengine/pkg/types"
)

// drainTimeout bounds how long Stop waits for in-flight worker ticks.
const drainTimeout = 30 * time.Second

// App owns every component and the lifecycle of all worker goroutines.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	store  *store.Store
	broker *broker.Broker // nil when Redis is disabled in development

	orchestrator *orchestrator.Orchestrator
	executor     *execution.Executor
	exitMonitor  *exit.Monitor
	refresher    *refresher.Refresher
	queueMonitor *health.QueueMonitor

	registry *health.Registry
	server   *api.Server

	ctx    context.Context
	cancel context.CancelFunc
}

// New connects the store and broker, runs migrations, and wires every
// component. Returns an error if a required dependency is unreachable.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	st, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.EnsureSchema(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	if err := st.SeedExitRule(ctx, exitRuleFromConfig(cfg.Exit)); err != nil {
		st.Close()
		return nil, fmt.Errorf("seed exit rule: %w", err)
	}

	// The broker is optional outside production; every consumer of it is
	// nil-able and degrades to store-only behavior.
	var br *broker.Broker
	if cfg.RedisURL != "" {
		br, err = broker.Connect(ctx, cfg.RedisURL, logger)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("connect broker: %w", err)
		}
	} else {
		logger.Warn("REDIS_URL not set, running without broker")
	}

	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.HMACSecret)
	md := marketdata.NewClient(cfg.MarketData, logger)
	experiments := experiment.NewManager(st, cfg.ABSplit, logger)

	budget := types.RiskBudget{
		MaxPremiumLoss:       cfg.Risk.MaxDailyLoss,
		MaxCapitalAllocation: cfg.Risk.MaxCapitalAlloc,
	}
	coordinator := engines.NewCoordinator(
		engines.NewMomentumEngine(budget, true, logger),
		engines.NewStructureEngine(budget, true, logger),
		cfg.Orchestrator.EngineTimeout,
		logger,
	)

	hub := api.NewHub(logger)

	// Interface-typed collaborators must stay nil, not a typed nil pointer,
	// when the broker is absent.
	var (
		biasReader     execution.BiasReader
		eventPublisher execution.EventPublisher
		contextBias    orchestrator.BiasReader
		brokerHealth   api.BrokerHealth
		regimes        exit.RegimeReader
		biasAdjuster   exit.BiasAdjuster
	)
	if br != nil {
		biasReader = br
		eventPublisher = br
		contextBias = br
		brokerHealth = br
		regimes = &biasRegimes{broker: br}
		biasAdjuster = &biasExits{broker: br}
	}

	riskEvents := &riskFanout{broker: br, hub: hub}
	gate := risk.NewGate(cfg.Risk, st, riskEvents, logger)
	executor := execution.NewExecutor(st, md, biasReader, gate, eventPublisher, hub,
		cfg.Executor.BatchSize, logger)

	contexts := orchestrator.NewContextBuilder(md, contextBias, st, logger)
	orch := orchestrator.New(cfg.Orchestrator, cfg.AppMode, cfg.Flags,
		cfg.Exit.ConfluenceMin, st, experiments, coordinator, contexts, logger)

	exitMonitor := exit.NewMonitor(st, md, regimes, biasAdjuster, hub,
		exitRuleFromConfig(cfg.Exit), cfg.ExitMonitor.MaxPositions, logger)

	refr := refresher.New(st, md, hub, cfg.ExitMonitor.MaxPositions, logger)
	queueMonitor := health.NewQueueMonitor(st, riskEvents, cfg.Health, logger)

	registry := health.NewRegistry(logger)

	var cache webhook.FingerprintCache
	if br != nil {
		cache = br
	}
	ingestor := webhook.NewIngestor(st, cache, verifier, logger)

	handlers := api.NewHandlers(ingestor, st, brokerHealth, gate, orch,
		registry, queueMonitor, md, verifier, hub, logger)
	server := api.NewServer(cfg.Port, handlers, hub, logger)

	appCtx, cancel := context.WithCancel(context.Background())

	return &App{
		cfg:          cfg,
		logger:       logger.With("component", "app"),
		store:        st,
		broker:       br,
		orchestrator: orch,
		executor:     executor,
		exitMonitor:  exitMonitor,
		refresher:    refr,
		queueMonitor: queueMonitor,
		registry:     registry,
		server:       server,
		ctx:          appCtx,
		cancel:       cancel,
	}, nil
}

// Start launches the worker loops and the HTTP server. Feature flags gate
// the orchestrator and exit monitor; the executor, refresher, and queue
// monitor always run.
func (a *App) Start() error {
	if a.cfg.Flags.Orchestrator {
		a.registry.Register(a.ctx, "orchestrator", a.orchestrator, a.cfg.Orchestrator.Interval)
	} else {
		a.logger.Warn("orchestrator disabled, signals will queue unprocessed")
	}

	a.registry.Register(a.ctx, "paper_executor", a.executor, a.cfg.Executor.Interval)

	if a.cfg.Flags.ExitDecisionEngine {
		a.registry.Register(a.ctx, "exit_monitor", a.exitMonitor, a.cfg.ExitMonitor.Interval)
	} else {
		a.logger.Warn("exit decision engine disabled, positions exit only manually")
	}

	a.registry.Register(a.ctx, "position_refresher", a.refresher, a.cfg.Refresher.Interval)
	a.registry.Register(a.ctx, "queue_monitor", a.queueMonitor, a.cfg.Health.HeartbeatInterval)

	go func() {
		if err := a.server.Start(); err != nil {
			a.logger.Error("api server error", "error", err)
		}
	}()

	a.logger.Info("application started",
		"mode", string(a.cfg.AppMode),
		"environment", a.cfg.Environment,
		"port", a.cfg.Port,
	)
	return nil
}

// Stop shuts down in dependency order: stop accepting HTTP traffic, drain
// the worker loops, then close the broker and store.
func (a *App) Stop() {
	a.logger.Info("shutting down...")

	if err := a.server.Stop(); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	a.registry.StopAll(drainTimeout)
	a.cancel()

	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			a.logger.Error("broker close error", "error", err)
		}
	}
	a.store.Close()

	a.logger.Info("shutdown complete")
}

func exitRuleFromConfig(cfg config.ExitConfig) types.ExitRule {
	return types.ExitRule{
		ProfitTargetPercent: cfg.ProfitTargetPct,
		StopLossPercent:     cfg.StopLossPct,
		MaxHoldTimeHours:    float64(cfg.MaxHoldDays) * 24,
		MinDTEExit:          cfg.TimeStopDTE,
		Enabled:             true,
	}
}

// riskFanout forwards risk events to the stream broker (when present) and to
// connected WebSocket clients.
type riskFanout struct {
	broker *broker.Broker // may be nil
	hub    *api.Hub
}

func (r *riskFanout) PublishRiskEvent(ctx context.Context, event string, fields map[string]any) error {
	payload := map[string]any{"event": event}
	for k, v := range fields {
		payload[k] = v
	}
	r.hub.PublishRiskUpdate(payload)

	if r.broker == nil {
		return nil
	}
	return r.broker.PublishRiskEvent(ctx, event, fields)
}

// biasRegimes classifies a symbol's regime from the broker's aggregate bias
// snapshot, using the same thresholds the context builder applies at entry.
type biasRegimes struct {
	broker *broker.Broker
}

func (b *biasRegimes) Regime(ctx context.Context, symbol string) (types.Regime, error) {
	state, err := b.broker.BiasState(ctx, symbol)
	if err != nil {
		return types.Choppy, err
	}
	if state == nil {
		return types.Choppy, nil
	}
	return orchestrator.RegimeFromBias(*state), nil
}

// biasExits escalates hold decisions when the aggregate bias has flipped
// hard against an open position.
type biasExits struct {
	broker *broker.Broker
}

// forceExitConfidence is the bias confidence above which an opposing stance
// overrides a hold.
const forceExitConfidence = 85.0

func (b *biasExits) Adjust(ctx context.Context, pos types.Position, d exit.Decision) (*exit.BiasAdjustment, error) {
	state, err := b.broker.BiasState(ctx, pos.Symbol)
	if err != nil || state == nil {
		return nil, err
	}
	posBias := types.Long
	if pos.Type == types.Put {
		posBias = types.Short
	}
	if state.Bias == posBias || state.Confidence < forceExitConfidence {
		return nil, nil
	}
	return &exit.BiasAdjustment{
		ForceExit: true,
		Reason:    fmt.Sprintf("bias reversed to %s at %.0f confidence", state.Bias, state.Confidence),
	}, nil
}
