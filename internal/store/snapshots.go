package store

import (
	"context"
	"fmt"

	"github.com/HaloHealthAfrica/optionsengine/pkg/types"
)

// SaveGexSnapshot persists a dealer-gamma snapshot for later analysis.
func (s *Store) SaveGexSnapshot(ctx context.Context, g types.GexData) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO gex_snapshots (symbol, state, net_gamma, flip_point)
		VALUES ($1, $2, $3, $4)`,
		g.Symbol, string(g.State), g.NetGamma, g.FlipPoint,
	)
	if err != nil {
		return fmt.Errorf("save gex snapshot: %w", err)
	}
	return nil
}

// SaveOptionsFlowSnapshot persists a raw options-flow payload.
func (s *Store) SaveOptionsFlowSnapshot(ctx context.Context, symbol string, payload []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO options_flow_snapshots (symbol, payload)
		VALUES ($1, $2)`,
		symbol, payload,
	)
	if err != nil {
		return fmt.Errorf("save options flow snapshot: %w", err)
	}
	return nil
}
