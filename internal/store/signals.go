package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/HaloHealthAfrica/optionsengine/pkg/types"
)

const signalColumns = `
	id, symbol, direction, timeframe, event_timestamp, fingerprint,
	COALESCE(raw_payload, 'null'::jsonb), status, processed, processing_lock,
	COALESCE(queued_until, 'epoch'::timestamptz),
	COALESCE(next_retry_at, 'epoch'::timestamptz),
	processing_attempts, COALESCE(experiment_id::text, ''), created_at`

func scanSignal(row pgx.Row) (types.Signal, error) {
	var s types.Signal
	var status string
	err := row.Scan(
		&s.ID, &s.Symbol, &s.Direction, &s.Timeframe, &s.EventTimestamp,
		&s.Fingerprint, &s.RawPayload, &status, &s.Processed, &s.ProcessingLock,
		&s.QueuedUntil, &s.NextRetryAt, &s.ProcessingAttempts, &s.ExperimentID,
		&s.CreatedAt,
	)
	s.Status = types.SignalStatus(status)
	return s, err
}

// InsertSignal persists a freshly normalized signal and returns its id.
func (s *Store) InsertSignal(ctx context.Context, sig types.Signal) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO signals (symbol, direction, timeframe, event_timestamp, fingerprint, raw_payload, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending')
		RETURNING id`,
		sig.Symbol, string(sig.Direction), sig.Timeframe, sig.EventTimestamp,
		sig.Fingerprint, sig.RawPayload,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert signal: %w", err)
	}
	return id, nil
}

// HasRecentSignal reports whether any signal with the same (symbol, direction,
// timeframe) was created within the trailing window. This is the sliding-window
// dedupe backing the webhook ingestor.
func (s *Store) HasRecentSignal(ctx context.Context, symbol string, dir types.Direction, timeframe string, window time.Duration) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM signals
			WHERE symbol = $1 AND direction = $2 AND timeframe = $3
			  AND created_at > now() - $4::interval
		)`,
		symbol, string(dir), timeframe, window.String(),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("dedupe lookup: %w", err)
	}
	return exists, nil
}

// ClaimSignals transactionally acquires the processing lock on up to limit
// unprocessed signals whose queue and retry gates have passed, oldest first.
// When ids is non-empty, only those signals are considered. Rows locked by
// another worker are skipped rather than waited on.
func (s *Store) ClaimSignals(ctx context.Context, limit int, ids []string) ([]types.Signal, error) {
	query := `
		UPDATE signals SET processing_lock = TRUE
		WHERE id IN (
			SELECT id FROM signals
			WHERE processed = FALSE
			  AND processing_lock = FALSE
			  AND status = 'pending'
			  AND (queued_until IS NULL OR queued_until <= now())
			  AND (next_retry_at IS NULL OR next_retry_at <= now())
			  AND ($2::uuid[] IS NULL OR id = ANY($2::uuid[]))
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + signalColumns

	var idArg any
	if len(ids) > 0 {
		idArg = ids
	}

	rows, err := s.pool.Query(ctx, query, limit, idArg)
	if err != nil {
		return nil, fmt.Errorf("claim signals: %w", err)
	}
	defer rows.Close()

	var claimed []types.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed signal: %w", err)
		}
		claimed = append(claimed, sig)
	}
	return claimed, rows.Err()
}

// MarkSignalProcessed finalizes a signal: terminal status, experiment link,
// processed flag set, lock released.
func (s *Store) MarkSignalProcessed(ctx context.Context, id string, status types.SignalStatus, experimentID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE signals
		SET status = $2, experiment_id = $3, processed = TRUE, processing_lock = FALSE
		WHERE id = $1`,
		id, string(status), nullable(experimentID),
	)
	if err != nil {
		return fmt.Errorf("mark signal processed: %w", err)
	}
	return nil
}

// MarkSignalFailed records a pipeline failure: the attempt counter advances,
// the lock is released, and the signal becomes claimable again at nextRetry.
func (s *Store) MarkSignalFailed(ctx context.Context, id string, nextRetry time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE signals
		SET processing_attempts = processing_attempts + 1,
		    processing_lock = FALSE,
		    next_retry_at = $2
		WHERE id = $1`,
		id, nextRetry,
	)
	if err != nil {
		return fmt.Errorf("mark signal failed: %w", err)
	}
	return nil
}

// QueueDepth counts signals eligible for claiming right now. The health
// monitor alarms on this number.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var depth int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM signals
		WHERE processed = FALSE
		  AND processing_lock = FALSE
		  AND status = 'pending'
		  AND (queued_until IS NULL OR queued_until <= now())
		  AND (next_retry_at IS NULL OR next_retry_at <= now())`,
	).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return depth, nil
}

// LastProcessedAt returns when a signal was most recently marked processed,
// used for stall detection. Returns the zero time when nothing has been
// processed yet.
func (s *Store) LastProcessedAt(ctx context.Context) (time.Time, error) {
	var ts time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(created_at), 'epoch'::timestamptz)
		FROM signals WHERE processed = TRUE`,
	).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("last processed at: %w", err)
	}
	return ts, nil
}
