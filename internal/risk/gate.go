// Package risk enforces the account-level caps checked before any paper
// entry is created or filled:
//
//   - Position size:     premium committed by a single entry
//   - Open positions:    concurrent open position count
//   - Daily trades:      paper fills per UTC day
//   - Daily loss:        realized P&L per UTC day; breaching it halts new
//     entries until the next UTC day
//
// The gate reads live counts from the store on every check, so concurrent
// workers all see the same limits. A breached daily-loss cap engages a halt
// that outlives the breaching worker and is surfaced on the risk stream.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/HaloHealthAfrica/optionsengine/internal/config"
)

// Sentinel reasons a proposed entry is refused. Callers treat all of them as
// logical rejections, not transient failures.
var (
	ErrHalted          = errors.New("risk: trading halted")
	ErrPositionSize    = errors.New("risk: position size cap exceeded")
	ErrOpenPositions   = errors.New("risk: open position cap reached")
	ErrDailyTradeLimit = errors.New("risk: daily trade cap reached")
	ErrDailyLossLimit  = errors.New("risk: daily loss cap breached")
)

// GateStore is the slice of the store the gate reads.
type GateStore interface {
	CountOpenPositions(ctx context.Context) (int, error)
	CountFillsToday(ctx context.Context) (int, error)
	RealizedPnLToday(ctx context.Context) (float64, error)
}

// RiskPublisher pushes risk events to the stream broker. May be nil.
type RiskPublisher interface {
	PublishRiskEvent(ctx context.Context, event string, fields map[string]any) error
}

// Gate checks proposed entries against the configured caps.
type Gate struct {
	cfg       config.RiskConfig
	store     GateStore
	publisher RiskPublisher
	logger    *slog.Logger
	now       func() time.Time

	mu         sync.Mutex
	haltActive bool
	haltUntil  time.Time
	haltReason string
}

// NewGate builds the gate. publisher may be nil.
func NewGate(cfg config.RiskConfig, store GateStore, publisher RiskPublisher, logger *slog.Logger) *Gate {
	return &Gate{
		cfg:       cfg,
		store:     store,
		publisher: publisher,
		logger:    logger.With("component", "risk"),
		now:       time.Now,
	}
}

// CheckEntry decides whether a new entry committing premiumPerContract · qty
// · 100 USD may proceed. Store failures deny the entry: the gate fails
// closed.
func (g *Gate) CheckEntry(ctx context.Context, premiumPerContract float64, qty int) error {
	if g.halted() {
		return ErrHalted
	}

	committed := premiumPerContract * float64(qty) * 100
	if committed > g.cfg.MaxPositionSize {
		return fmt.Errorf("%w: %.2f > %.2f", ErrPositionSize, committed, g.cfg.MaxPositionSize)
	}

	open, err := g.store.CountOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("risk: count open positions: %w", err)
	}
	if open >= g.cfg.MaxOpenPositions {
		return fmt.Errorf("%w: %d open", ErrOpenPositions, open)
	}

	fills, err := g.store.CountFillsToday(ctx)
	if err != nil {
		return fmt.Errorf("risk: count fills: %w", err)
	}
	if fills >= g.cfg.MaxDailyTrades {
		return fmt.Errorf("%w: %d fills today", ErrDailyTradeLimit, fills)
	}

	pnl, err := g.store.RealizedPnLToday(ctx)
	if err != nil {
		return fmt.Errorf("risk: realized pnl: %w", err)
	}
	if pnl <= -g.cfg.MaxDailyLoss {
		g.halt(ctx, fmt.Sprintf("daily loss %.2f breached cap %.2f", pnl, g.cfg.MaxDailyLoss))
		return fmt.Errorf("%w: %.2f", ErrDailyLossLimit, pnl)
	}

	return nil
}

// RemainingFills reports how many paper fills today's cap still allows.
func (g *Gate) RemainingFills(ctx context.Context) (int, error) {
	fills, err := g.store.CountFillsToday(ctx)
	if err != nil {
		return 0, fmt.Errorf("risk: count fills: %w", err)
	}
	remaining := g.cfg.MaxDailyTrades - fills
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Snapshot summarizes the gate for the monitoring endpoint.
type Snapshot struct {
	HaltActive bool      `json:"halt_active"`
	HaltUntil  time.Time `json:"halt_until,omitzero"`
	HaltReason string    `json:"halt_reason,omitempty"`

	MaxPositionSize  float64 `json:"max_position_size"`
	MaxDailyTrades   int     `json:"max_daily_trades"`
	MaxDailyLoss     float64 `json:"max_daily_loss"`
	MaxOpenPositions int     `json:"max_open_positions"`
}

// GetSnapshot returns the current gate state.
func (g *Gate) GetSnapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	return Snapshot{
		HaltActive:       g.haltActive && g.now().Before(g.haltUntil),
		HaltUntil:        g.haltUntil,
		HaltReason:       g.haltReason,
		MaxPositionSize:  g.cfg.MaxPositionSize,
		MaxDailyTrades:   g.cfg.MaxDailyTrades,
		MaxDailyLoss:     g.cfg.MaxDailyLoss,
		MaxOpenPositions: g.cfg.MaxOpenPositions,
	}
}

func (g *Gate) halted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.haltActive {
		return false
	}
	if g.now().After(g.haltUntil) {
		g.haltActive = false
		g.logger.Info("trading halt expired", "reason", g.haltReason)
		return false
	}
	return true
}

// halt blocks new entries until the next UTC day begins. Exits are never
// blocked: losing positions must still be closeable.
func (g *Gate) halt(ctx context.Context, reason string) {
	now := g.now().UTC()
	until := now.Truncate(24 * time.Hour).Add(24 * time.Hour)

	g.mu.Lock()
	alreadyHalted := g.haltActive
	g.haltActive = true
	g.haltUntil = until
	g.haltReason = reason
	g.mu.Unlock()

	if alreadyHalted {
		return
	}

	g.logger.Error("trading halted", "reason", reason, "until", until)
	if g.publisher != nil {
		if err := g.publisher.PublishRiskEvent(ctx, "trading_halted", map[string]any{
			"reason": reason,
			"until":  until.Format(time.RFC3339),
		}); err != nil {
			g.logger.Warn("failed to publish risk event", "error", err)
		}
	}
}
