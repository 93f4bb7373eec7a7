package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/HaloHealthAfrica/optionsengine/pkg/types"
)

const positionColumns = `
	id, symbol, option_symbol, strike, expiration, type, quantity, entry_price,
	entry_timestamp, status, setup_type, COALESCE(exit_reason, ''),
	COALESCE(exit_timestamp, 'epoch'::timestamptz), realized_pnl, current_price,
	COALESCE(engine, ''), COALESCE(experiment_id::text, ''),
	COALESCE(entry_bias_snapshot, 'null'::jsonb), fired_milestones, last_updated`

func scanPosition(row pgx.Row) (types.Position, error) {
	var p types.Position
	var typ, status, setup, engine string
	err := row.Scan(
		&p.ID, &p.Symbol, &p.OptionSymbol, &p.Strike, &p.Expiration, &typ,
		&p.Quantity, &p.EntryPrice, &p.EntryTimestamp, &status, &setup,
		&p.ExitReason, &p.ExitTimestamp, &p.RealizedPnL, &p.CurrentPrice,
		&engine, &p.ExperimentID, &p.EntryBiasSnapshot, &p.FiredMilestones,
		&p.LastUpdated,
	)
	p.Type = types.OptionType(typ)
	p.Status = types.PositionStatus(status)
	p.SetupType = types.SetupType(setup)
	p.Engine = types.Variant(engine)
	return p, err
}

// OpenPositions returns up to limit open positions ordered by entry time.
// Positions already reserved as closing are excluded; the exit monitor must
// not act on them twice.
func (s *Store) OpenPositions(ctx context.Context, limit int) ([]types.Position, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+positionColumns+`
		FROM positions
		WHERE status = 'open'
		ORDER BY entry_timestamp
		LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("open positions: %w", err)
	}
	defer rows.Close()

	var positions []types.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// ActivePositions returns open and closing positions, for the UI and the
// refresher.
func (s *Store) ActivePositions(ctx context.Context, limit int) ([]types.Position, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+positionColumns+`
		FROM positions
		WHERE status IN ('open', 'closing')
		ORDER BY entry_timestamp
		LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("active positions: %w", err)
	}
	defer rows.Close()

	var positions []types.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// ReserveClose claims the open→closing transition for a position and creates
// the covering exit order in the same transaction. The conditional UPDATE
// linearizes concurrent exit monitors: exactly one caller sees claimed=true;
// everyone else gets a zero-row no-op. An order-insert failure rolls the
// claim back, so the position stays open and the next scan retries it.
func (s *Store) ReserveClose(ctx context.Context, positionID, reason string, o types.Order) (bool, error) {
	claimed := false
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE positions
			SET status = 'closing', exit_reason = $2, last_updated = now()
			WHERE id = $1 AND status = 'open'`,
			positionID, reason,
		)
		if err != nil {
			return fmt.Errorf("reserve close: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		claimed = true
		_, err = insertExitOrder(ctx, tx, o)
		return err
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// ReduceQuantity decrements a position's quantity for a partial exit, records
// the fired milestone, and creates the exit order for the slice, all in one
// transaction. The UPDATE is guarded so the position is still open and holds
// more contracts than the slice; a failure anywhere rolls the whole partial
// back, leaving the quantity intact for a retry.
func (s *Store) ReduceQuantity(ctx context.Context, positionID string, qty, milestone int, o types.Order) (bool, error) {
	claimed := false
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE positions
			SET quantity = quantity - $2, last_updated = now()
			WHERE id = $1 AND status = 'open' AND quantity > $2`,
			positionID, qty,
		)
		if err != nil {
			return fmt.Errorf("reduce quantity: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		claimed = true
		if milestone > 0 {
			if _, err := tx.Exec(ctx, `
				UPDATE positions
				SET fired_milestones = array_append(fired_milestones, $2), last_updated = now()
				WHERE id = $1 AND NOT ($2 = ANY(fired_milestones))`,
				positionID, milestone,
			); err != nil {
				return fmt.Errorf("record milestone: %w", err)
			}
		}
		_, err = insertExitOrder(ctx, tx, o)
		return err
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// UpdateMark persists the latest mark price on a position.
func (s *Store) UpdateMark(ctx context.Context, positionID string, price float64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE positions SET current_price = $2, last_updated = now()
		WHERE id = $1 AND status IN ('open', 'closing')`,
		positionID, price,
	)
	if err != nil {
		return fmt.Errorf("update mark: %w", err)
	}
	return nil
}

// CountOpenPositions counts open and closing positions, for the open-position
// risk cap.
func (s *Store) CountOpenPositions(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM positions WHERE status IN ('open', 'closing')`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open positions: %w", err)
	}
	return n, nil
}

// RealizedPnLToday sums realized P&L on positions closed since midnight UTC,
// for the daily-loss cap.
func (s *Store) RealizedPnLToday(ctx context.Context) (float64, error) {
	var pnl float64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(realized_pnl), 0)
		FROM positions
		WHERE status = 'closed'
		  AND exit_timestamp >= date_trunc('day', now() AT TIME ZONE 'utc') AT TIME ZONE 'utc'`,
	).Scan(&pnl)
	if err != nil {
		return 0, fmt.Errorf("realized pnl today: %w", err)
	}
	return pnl, nil
}

// PositionByID fetches one position.
func (s *Store) PositionByID(ctx context.Context, id string) (types.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx, `
		SELECT `+positionColumns+` FROM positions WHERE id = $1`, id))
	if err != nil {
		return types.Position{}, fmt.Errorf("position by id: %w", err)
	}
	return p, nil
}
