package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/HaloHealthAfrica/optionsengine/pkg/types"
)

const orderColumns = `
	id, COALESCE(signal_id::text, ''), COALESCE(engine, ''),
	COALESCE(experiment_id::text, ''), symbol, option_symbol, strike,
	expiration, type, quantity, kind, status, created_at`

func scanOrder(row pgx.Row) (types.Order, error) {
	var o types.Order
	var engine, typ, kind, status string
	err := row.Scan(
		&o.ID, &o.SignalID, &engine, &o.ExperimentID, &o.Symbol, &o.OptionSymbol,
		&o.Strike, &o.Expiration, &typ, &o.Quantity, &kind, &status, &o.CreatedAt,
	)
	o.Engine = types.Variant(engine)
	o.Type = types.OptionType(typ)
	o.OrderKind = types.OrderKind(kind)
	o.Status = types.OrderStatus(status)
	return o, err
}

// CreateEntryOrder inserts a paper entry order for (signal, engine). The
// partial unique index guarantees at-most-once entry per engine: a re-run of
// the orchestrator over the same signal reports created=false instead of
// inserting a second order.
func (s *Store) CreateEntryOrder(ctx context.Context, o types.Order) (string, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO orders
			(signal_id, engine, experiment_id, symbol, option_symbol, strike, expiration, type, quantity, kind)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'entry')
		ON CONFLICT (signal_id, engine, order_type) WHERE kind = 'entry' DO NOTHING
		RETURNING id`,
		o.SignalID, string(o.Engine), nullable(o.ExperimentID), o.Symbol,
		o.OptionSymbol, o.Strike, o.Expiration, string(o.Type), o.Quantity,
	).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	return "", false, fmt.Errorf("create entry order: %w", err)
}

// insertExitOrder writes an exit order inside a claim transaction, so the
// position transition and its order commit or roll back together. Exit
// orders never reference a signal.
func insertExitOrder(ctx context.Context, tx pgx.Tx, o types.Order) (string, error) {
	var id string
	err := tx.QueryRow(ctx, `
		INSERT INTO orders
			(engine, experiment_id, symbol, option_symbol, strike, expiration, type, quantity, kind)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'exit')
		RETURNING id`,
		nullable(string(o.Engine)), nullable(o.ExperimentID), o.Symbol,
		o.OptionSymbol, o.Strike, o.Expiration, string(o.Type), o.Quantity,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("create exit order: %w", err)
	}
	return id, nil
}

// PendingOrders returns up to limit paper orders awaiting execution, FIFO.
func (s *Store) PendingOrders(ctx context.Context, limit int) ([]types.Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = 'pending_execution' AND order_type = 'paper'
		ORDER BY created_at
		LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("pending orders: %w", err)
	}
	defer rows.Close()

	var orders []types.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// MarkOrderFailed transitions an order to failed outside any fill transaction
// (missing price, risk refusal, rolled-back fill).
func (s *Store) MarkOrderFailed(ctx context.Context, orderID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE orders SET status = 'failed'
		WHERE id = $1 AND status = 'pending_execution'`, orderID,
	)
	if err != nil {
		return fmt.Errorf("mark order failed: %w", err)
	}
	return nil
}

// CountFillsToday counts paper fills since midnight UTC, for the daily cap.
func (s *Store) CountFillsToday(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM trades t
		JOIN orders o ON o.id = t.order_id
		WHERE o.order_type = 'paper'
		  AND t.fill_timestamp >= date_trunc('day', now() AT TIME ZONE 'utc') AT TIME ZONE 'utc'`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count fills today: %w", err)
	}
	return n, nil
}

// FillRequest carries everything the fill transaction needs. FillPrice is the
// slippage-adjusted price computed by the executor before the transaction
// opens; no external I/O happens inside it.
type FillRequest struct {
	Order        types.Order
	FillPrice    float64
	FillTime     time.Time
	SetupType    types.SetupType
	BiasSnapshot []byte // captured pre-transaction, may be nil
}

// FillOutcome describes what the fill transaction did.
type FillOutcome struct {
	TradeID        string
	PositionID     string
	OpenedPosition bool
	ClosedPosition bool
	PartialExit    bool
	EntryPrice     float64
	RealizedPnL    float64
	PnLPct         float64
	PnLR           float64
	HoldDuration   time.Duration
}

// ExecuteFill runs the canonical single-transaction paper fill:
//
//  1. Insert the trade row.
//  2. Move the order pending_execution→filled (zero rows ⇒ ErrRaceLost).
//  3. Lock the position for the order's option symbol, skipping rows held by
//     other workers, and apply the position-side effect:
//     closing + exit fill  ⇒ realize P&L and close the position;
//     open + exit fill     ⇒ partial: add realized P&L for the exited lot;
//     entry fill           ⇒ create a new open position.
//
// Any error rolls the whole transaction back; the caller then marks the order
// failed in a separate statement.
func (s *Store) ExecuteFill(ctx context.Context, req FillRequest) (FillOutcome, error) {
	var out FillOutcome
	o := req.Order

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO trades (order_id, fill_price, fill_quantity, fill_timestamp, engine, experiment_id)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
			o.ID, req.FillPrice, o.Quantity, req.FillTime,
			nullable(string(o.Engine)), nullable(o.ExperimentID),
		).Scan(&out.TradeID)
		if err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}

		tag, err := tx.Exec(ctx, `
			UPDATE orders SET status = 'filled'
			WHERE id = $1 AND status = 'pending_execution'`, o.ID,
		)
		if err != nil {
			return fmt.Errorf("fill order: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrRaceLost
		}

		var posID string
		var posStatus string
		var entryPrice float64
		var entryTS time.Time
		err = tx.QueryRow(ctx, `
			SELECT id, status, entry_price, entry_timestamp
			FROM positions
			WHERE option_symbol = $1 AND status IN ('open', 'closing')
			ORDER BY entry_timestamp
			LIMIT 1
			FOR UPDATE SKIP LOCKED`, o.OptionSymbol,
		).Scan(&posID, &posStatus, &entryPrice, &entryTS)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("lock position: %w", err)
		}

		switch {
		case err == nil && posStatus == string(types.PositionClosing) && o.OrderKind == types.OrderExit:
			// This fill completes a full exit reserved by the exit monitor.
			out.PositionID = posID
			out.ClosedPosition = true
			out.EntryPrice = entryPrice
			out.RealizedPnL = types.RealizedPnL(entryPrice, req.FillPrice, o.Quantity)
			if entryPrice > 0 {
				out.PnLPct = (req.FillPrice - entryPrice) / entryPrice * 100
				costBasis := types.RealizedPnL(0, entryPrice, o.Quantity)
				out.PnLR = out.RealizedPnL / (costBasis * 0.01)
			}
			out.HoldDuration = req.FillTime.Sub(entryTS)

			_, err = tx.Exec(ctx, `
				UPDATE positions
				SET status = 'closed',
				    exit_timestamp = $2,
				    realized_pnl = realized_pnl + $3,
				    current_price = $4,
				    last_updated = now()
				WHERE id = $1`,
				posID, req.FillTime, out.RealizedPnL, req.FillPrice,
			)
			if err != nil {
				return fmt.Errorf("close position: %w", err)
			}

		case err == nil && posStatus == string(types.PositionOpen) && o.OrderKind == types.OrderExit:
			// Partial exit: the monitor already decremented quantity; this
			// fill realizes P&L on the exited lot.
			out.PositionID = posID
			out.PartialExit = true
			out.EntryPrice = entryPrice
			out.RealizedPnL = types.RealizedPnL(entryPrice, req.FillPrice, o.Quantity)

			_, err = tx.Exec(ctx, `
				UPDATE positions
				SET realized_pnl = realized_pnl + $2,
				    current_price = $3,
				    last_updated = now()
				WHERE id = $1`,
				posID, out.RealizedPnL, req.FillPrice,
			)
			if err != nil {
				return fmt.Errorf("record partial exit: %w", err)
			}

		case o.OrderKind == types.OrderExit:
			// Exit order with no live position: another worker finished the
			// close already. Benign; the trade stands as the audit record.

		default:
			// Entry fill: open a fresh position.
			err = tx.QueryRow(ctx, `
				INSERT INTO positions
					(symbol, option_symbol, strike, expiration, type, quantity, entry_price,
					 entry_timestamp, status, setup_type, current_price, engine, experiment_id, entry_bias_snapshot)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'open', $9, $7, $10, $11, $12)
				RETURNING id`,
				o.Symbol, o.OptionSymbol, o.Strike, o.Expiration, string(o.Type),
				o.Quantity, req.FillPrice, req.FillTime, string(req.SetupType),
				nullable(string(o.Engine)), nullable(o.ExperimentID), req.BiasSnapshot,
			).Scan(&out.PositionID)
			if err != nil {
				return fmt.Errorf("open position: %w", err)
			}
			out.OpenedPosition = true
			out.EntryPrice = req.FillPrice
		}
		return nil
	})
	if err != nil {
		return FillOutcome{}, err
	}
	return out, nil
}

// ListOrders returns the newest n orders for the UI endpoint.
func (s *Store) ListOrders(ctx context.Context, n int) ([]types.Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+orderColumns+` FROM orders ORDER BY created_at DESC LIMIT $1`, n,
	)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []types.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// ListTrades returns the newest n trades.
func (s *Store) ListTrades(ctx context.Context, n int) ([]types.Trade, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, order_id, fill_price, fill_quantity, fill_timestamp,
		       COALESCE(engine, ''), COALESCE(experiment_id::text, '')
		FROM trades ORDER BY fill_timestamp DESC LIMIT $1`, n,
	)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var trades []types.Trade
	for rows.Next() {
		var t types.Trade
		var engine string
		if err := rows.Scan(&t.ID, &t.OrderID, &t.FillPrice, &t.FillQuantity,
			&t.FillTimestamp, &engine, &t.ExperimentID); err != nil {
			return nil, err
		}
		t.Engine = types.Variant(engine)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// RecentlyFilled returns orders filled within the trailing window.
func (s *Store) RecentlyFilled(ctx context.Context, window time.Duration) ([]types.Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = 'filled' AND created_at > now() - $1::interval
		ORDER BY created_at DESC`, window.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("recently filled: %w", err)
	}
	defer rows.Close()

	var orders []types.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}
