package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/HaloHealthAfrica/optionsengine/pkg/types"
)

// ActiveExitRule returns the currently enabled exit rule. ErrNotFound means
// no rule is enabled and the exit monitor should fall back to config defaults.
func (s *Store) ActiveExitRule(ctx context.Context) (types.ExitRule, error) {
	var r types.ExitRule
	err := s.pool.QueryRow(ctx, `
		SELECT id, COALESCE(profit_target_percent, 0), COALESCE(stop_loss_percent, 0),
		       COALESCE(max_hold_time_hours, 0), COALESCE(min_dte_exit, 0), enabled
		FROM exit_rules
		WHERE enabled = TRUE
		ORDER BY created_at DESC
		LIMIT 1`,
	).Scan(&r.ID, &r.ProfitTargetPercent, &r.StopLossPercent, &r.MaxHoldTimeHours, &r.MinDTEExit, &r.Enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.ExitRule{}, ErrNotFound
	}
	if err != nil {
		return types.ExitRule{}, fmt.Errorf("active exit rule: %w", err)
	}
	return r, nil
}

// SeedExitRule inserts an enabled rule if none exists, so a fresh database
// starts with the configured defaults.
func (s *Store) SeedExitRule(ctx context.Context, r types.ExitRule) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO exit_rules (profit_target_percent, stop_loss_percent, max_hold_time_hours, min_dte_exit, enabled)
		SELECT $1, $2, $3, $4, TRUE
		WHERE NOT EXISTS (SELECT 1 FROM exit_rules WHERE enabled = TRUE)`,
		r.ProfitTargetPercent, r.StopLossPercent, r.MaxHoldTimeHours, r.MinDTEExit,
	)
	if err != nil {
		return fmt.Errorf("seed exit rule: %w", err)
	}
	return nil
}
