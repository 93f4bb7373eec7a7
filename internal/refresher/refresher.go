// Package refresher marks open positions to market on a fixed cadence so the
// dashboard and risk snapshot read fresh unrealized P&L.
package refresher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/HaloHealthAfrica/optionsengine/internal/marketdata"
	"github.com/HaloHealthAfrica/optionsengine/pkg/types"
)

// PositionStore is the slice of the store the refresher drives.
type PositionStore interface {
	ActivePositions(ctx context.Context, limit int) ([]types.Position, error)
	UpdateMark(ctx context.Context, positionID string, price float64) error
}

// Pricer supplies option mid prices.
type Pricer interface {
	OptionPrice(ctx context.Context, symbol string, strike float64, expiration time.Time, optType types.OptionType) (float64, error)
}

// RealtimePublisher notifies clients of mark changes. May be nil.
type RealtimePublisher interface {
	PublishPositionUpdate(positionID string)
}

// Refresher is the mark-to-market worker.
type Refresher struct {
	store        PositionStore
	pricer       Pricer
	realtime     RealtimePublisher
	maxPositions int
	logger       *slog.Logger
}

func New(st PositionStore, pricer Pricer, realtime RealtimePublisher, maxPositions int, logger *slog.Logger) *Refresher {
	return &Refresher{
		store:        st,
		pricer:       pricer,
		realtime:     realtime,
		maxPositions: maxPositions,
		logger:       logger.With("component", "position_refresher"),
	}
}

// Tick refreshes the mark on every active position. Per-contract failures are
// logged and skipped; a stale mark is better than an aborted pass. Contracts
// the vendor has no price for keep their last mark.
func (r *Refresher) Tick(ctx context.Context) error {
	positions, err := r.store.ActivePositions(ctx, r.maxPositions)
	if err != nil {
		return err
	}

	var refreshed int
	for _, pos := range positions {
		if err := ctx.Err(); err != nil {
			return err
		}

		mid, err := r.pricer.OptionPrice(ctx, pos.Symbol, pos.Strike, pos.Expiration, pos.Type)
		if errors.Is(err, marketdata.ErrNoPrice) {
			r.logger.Debug("no price for contract, keeping last mark",
				"position_id", pos.ID, "option", pos.OptionSymbol)
			continue
		}
		if err != nil {
			r.logger.Warn("mark refresh failed",
				"position_id", pos.ID, "option", pos.OptionSymbol, "error", err)
			continue
		}

		if err := r.store.UpdateMark(ctx, pos.ID, mid); err != nil {
			r.logger.Warn("mark update failed", "position_id", pos.ID, "error", err)
			continue
		}
		refreshed++
		if r.realtime != nil {
			r.realtime.PublishPositionUpdate(pos.ID)
		}
	}

	if len(positions) > 0 {
		r.logger.Debug("marks refreshed", "refreshed", refreshed, "active", len(positions))
	}
	return nil
}
