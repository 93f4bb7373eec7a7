// Package execution simulates order fills against live option prices.
//
// The paper executor drains pending paper orders FIFO, prices each against
// the vendor mid with a deterministic slippage adjustment, and hands the
// fill to the store's single-transaction fill path. Everything with side
// effects outside the database (events, realtime pushes) happens after
// commit, best-effort.
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/HaloHealthAfrica/optionsengine/internal/marketdata"
	"github.com/HaloHealthAfrica/optionsengine/internal/store"
	"github.com/HaloHealthAfrica/optionsengine/pkg/types"
)

// Slippage model: fills cross an estimated 2% spread and give up a quarter
// of it. Buying pays up; selling gives the same amount back.
const (
	spreadEstimate   = 0.02
	slippageFraction = 0.25
)

// OrderStore is the slice of the store the executor drives.
type OrderStore interface {
	PendingOrders(ctx context.Context, limit int) ([]types.Order, error)
	ExecuteFill(ctx context.Context, req store.FillRequest) (store.FillOutcome, error)
	MarkOrderFailed(ctx context.Context, orderID string) error
}

// Pricer quotes option mids. ErrNoPrice means the contract has no usable
// quote; any other error is transient.
type Pricer interface {
	OptionPrice(ctx context.Context, symbol string, strike float64, expiration time.Time, optType types.OptionType) (float64, error)
}

// BiasReader supplies the bias snapshot captured at entry. May be nil.
type BiasReader interface {
	BiasState(ctx context.Context, symbol string) (*types.BiasState, error)
}

// EventPublisher pushes position lifecycle events to the stream broker. May
// be nil.
type EventPublisher interface {
	PublishPositionEvent(ctx context.Context, event string, positionID string, fields map[string]any) error
}

// RealtimePublisher notifies connected clients of a position change. May be
// nil.
type RealtimePublisher interface {
	PublishPositionUpdate(positionID string)
}

// EntryGate approves entry fills against the risk caps.
type EntryGate interface {
	CheckEntry(ctx context.Context, premiumPerContract float64, qty int) error
	RemainingFills(ctx context.Context) (int, error)
}

// Executor is the paper-fill worker body.
type Executor struct {
	store     OrderStore
	pricer    Pricer
	bias      BiasReader
	gate      EntryGate
	events    EventPublisher
	realtime  RealtimePublisher
	batchSize int
	logger    *slog.Logger
	now       func() time.Time
}

// NewExecutor builds the executor. bias, events, and realtime may be nil.
func NewExecutor(st OrderStore, pricer Pricer, bias BiasReader, gate EntryGate,
	events EventPublisher, realtime RealtimePublisher, batchSize int, logger *slog.Logger) *Executor {
	return &Executor{
		store:     st,
		pricer:    pricer,
		bias:      bias,
		gate:      gate,
		events:    events,
		realtime:  realtime,
		batchSize: batchSize,
		logger:    logger.With("component", "executor"),
		now:       time.Now,
	}
}

// Tick runs one executor pass: fill pending orders up to the batch size and
// the remaining daily cap.
func (e *Executor) Tick(ctx context.Context) error {
	remaining, err := e.gate.RemainingFills(ctx)
	if err != nil {
		return err
	}
	if remaining <= 0 {
		e.logger.Debug("daily trade cap reached, skipping tick")
		return nil
	}

	limit := min(e.batchSize, remaining)
	orders, err := e.store.PendingOrders(ctx, limit)
	if err != nil {
		return err
	}

	for _, o := range orders {
		if remaining <= 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.fillOne(ctx, o) {
			remaining--
		}
	}
	return nil
}

// fillOne processes a single order; it reports whether a fill was recorded.
// A failure here never aborts the batch.
func (e *Executor) fillOne(ctx context.Context, o types.Order) bool {
	mid, err := e.pricer.OptionPrice(ctx, o.Symbol, o.Strike, o.Expiration, o.Type)
	if errors.Is(err, marketdata.ErrNoPrice) {
		e.logger.Warn("no price for order, failing it", "order_id", o.ID, "option", o.OptionSymbol)
		e.failOrder(ctx, o.ID)
		return false
	}
	if err != nil {
		// Transient: leave the order pending for the next tick.
		e.logger.Warn("price fetch failed, order stays pending", "order_id", o.ID, "error", err)
		return false
	}

	buying := o.OrderKind == types.OrderEntry
	fill := types.SlippedFill(mid, spreadEstimate, slippageFraction, buying)

	if buying {
		if err := e.gate.CheckEntry(ctx, fill, o.Quantity); err != nil {
			e.logger.Info("entry refused by risk gate", "order_id", o.ID, "reason", err)
			e.failOrder(ctx, o.ID)
			return false
		}
	}

	// Bias is captured before the transaction opens: no external I/O holds
	// database locks.
	var biasSnapshot []byte
	if buying && e.bias != nil {
		if state, err := e.bias.BiasState(ctx, o.Symbol); err == nil && state != nil {
			biasSnapshot, _ = json.Marshal(state)
		}
	}

	outcome, err := e.store.ExecuteFill(ctx, store.FillRequest{
		Order:        o,
		FillPrice:    fill,
		FillTime:     e.now().UTC(),
		SetupType:    setupForDTE(o.Expiration, e.now()),
		BiasSnapshot: biasSnapshot,
	})
	if errors.Is(err, store.ErrRaceLost) {
		e.logger.Debug("fill race lost", "order_id", o.ID)
		return false
	}
	if err != nil {
		e.logger.Error("fill transaction failed", "order_id", o.ID, "error", err)
		e.failOrder(ctx, o.ID)
		return false
	}

	e.logger.Info("paper fill",
		"order_id", o.ID,
		"option", o.OptionSymbol,
		"kind", o.OrderKind,
		"fill_price", fill,
		"quantity", o.Quantity,
		"position_id", outcome.PositionID,
	)
	e.announce(ctx, o, outcome)
	return true
}

func (e *Executor) failOrder(ctx context.Context, orderID string) {
	if err := e.store.MarkOrderFailed(ctx, orderID); err != nil {
		e.logger.Error("failed to mark order failed", "order_id", orderID, "error", err)
	}
}

// announce publishes the post-commit events for a fill, best-effort.
func (e *Executor) announce(ctx context.Context, o types.Order, out store.FillOutcome) {
	if out.PositionID == "" {
		return
	}

	if e.events != nil {
		event := "position_opened"
		fields := map[string]any{"option_symbol": o.OptionSymbol, "quantity": o.Quantity}
		switch {
		case out.ClosedPosition:
			event = "position_closed"
			fields["realized_pnl"] = out.RealizedPnL
			fields["pnl_pct"] = out.PnLPct
			fields["pnl_r"] = out.PnLR
			fields["hold_minutes"] = int(out.HoldDuration.Minutes())
		case out.PartialExit:
			event = "position_partial_exit"
			fields["realized_pnl"] = out.RealizedPnL
		}
		if err := e.events.PublishPositionEvent(ctx, event, out.PositionID, fields); err != nil {
			e.logger.Warn("failed to publish position event", "error", err)
		}
	}

	if e.realtime != nil {
		e.realtime.PublishPositionUpdate(out.PositionID)
	}
}

// setupForDTE classifies the holding horizon from the contract's remaining
// life; entry orders do not carry the engine's setup across the wire.
func setupForDTE(expiration time.Time, now time.Time) types.SetupType {
	dte := int(expiration.Sub(now).Hours() / 24)
	switch {
	case dte <= 14:
		return types.ScalpGuarded
	case dte <= 90:
		return types.Swing
	case dte <= 180:
		return types.PositionTrade
	default:
		return types.Leaps
	}
}
