package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/HaloHealthAfrica/optionsengine/pkg/types"
)

// UpsertExperiment inserts the experiment row for a signal, or returns the
// existing row when one already exists. The unique constraint on signal_id
// makes assignment idempotent: concurrent callers race on the insert and the
// losers simply read back the winner's row.
func (s *Store) UpsertExperiment(ctx context.Context, exp types.Experiment) (types.Experiment, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO experiments (signal_id, variant, assignment_hash, split_percentage, policy_version)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (signal_id) DO NOTHING
		RETURNING id, created_at`,
		exp.SignalID, string(exp.Variant), exp.AssignmentHash, exp.SplitPercentage, exp.PolicyVersion,
	)

	created := exp
	err := row.Scan(&created.ID, &created.CreatedAt)
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return types.Experiment{}, fmt.Errorf("upsert experiment: %w", err)
	}

	// Conflict path: another call already assigned this signal.
	return s.ExperimentBySignal(ctx, exp.SignalID)
}

// ExperimentBySignal fetches the experiment assigned to a signal.
func (s *Store) ExperimentBySignal(ctx context.Context, signalID string) (types.Experiment, error) {
	var exp types.Experiment
	var variant string
	err := s.pool.QueryRow(ctx, `
		SELECT id, signal_id, variant, assignment_hash, split_percentage, policy_version, created_at
		FROM experiments WHERE signal_id = $1`,
		signalID,
	).Scan(&exp.ID, &exp.SignalID, &variant, &exp.AssignmentHash, &exp.SplitPercentage, &exp.PolicyVersion, &exp.CreatedAt)
	if err != nil {
		return types.Experiment{}, fmt.Errorf("experiment by signal: %w", err)
	}
	exp.Variant = types.Variant(variant)
	return exp, nil
}

// InsertExecutionPolicy persists a policy decision for an experiment.
func (s *Store) InsertExecutionPolicy(ctx context.Context, p types.ExecutionPolicy) (types.ExecutionPolicy, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO execution_policies (experiment_id, execution_mode, executed_engine, shadow_engine, reason, policy_version)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		p.ExperimentID, string(p.Mode), nullable(string(p.ExecutedEngine)),
		nullable(string(p.ShadowEngine)), p.Reason, p.PolicyVersion,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return types.ExecutionPolicy{}, fmt.Errorf("insert execution policy: %w", err)
	}
	return p, nil
}

// InsertRecommendation audits an engine recommendation, shadow or executed.
func (s *Store) InsertRecommendation(ctx context.Context, rec types.TradeRecommendation) error {
	rationale, err := json.Marshal(rec.Rationale)
	if err != nil {
		return fmt.Errorf("marshal rationale: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO decision_recommendations
			(experiment_id, engine, is_shadow, symbol, direction, strike, expiration, quantity, entry_price, rationale)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		nullable(rec.ExperimentID), string(rec.Engine), rec.IsShadow, rec.Symbol,
		string(rec.Direction), rec.Strike, rec.Expiration, rec.Quantity, rec.EntryPrice, rationale,
	)
	if err != nil {
		return fmt.Errorf("insert recommendation: %w", err)
	}
	return nil
}

// VariantCounts24h returns recommendation counts per engine over the trailing
// 24 hours, split by shadow flag. Feeds the monitoring endpoint.
func (s *Store) VariantCounts24h(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT engine || CASE WHEN is_shadow THEN ':shadow' ELSE ':executed' END, COUNT(*)
		FROM decision_recommendations
		WHERE created_at > now() - interval '24 hours'
		GROUP BY 1`,
	)
	if err != nil {
		return nil, fmt.Errorf("variant counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		counts[key] = n
	}
	return counts, rows.Err()
}
