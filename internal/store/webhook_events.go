package store

import (
	"context"
	"fmt"
	"time"

	"github.com/HaloHealthAfrica/optionsengine/pkg/types"
)

// InsertWebhookEvent appends one audit row for an HTTP receipt. Every webhook
// request produces exactly one row regardless of outcome.
func (s *Store) InsertWebhookEvent(ctx context.Context, ev types.WebhookEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_events
			(request_id, signal_id, status, symbol, direction, timeframe, error_message, processing_time_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.RequestID, nullable(ev.SignalID), string(ev.Status),
		nullable(ev.Symbol), nullable(string(ev.Direction)), nullable(ev.Timeframe),
		nullable(ev.ErrorMessage), ev.ProcessingTimeMs,
	)
	if err != nil {
		return fmt.Errorf("insert webhook event: %w", err)
	}
	return nil
}

// RecentWebhookEvents returns the newest n audit rows.
func (s *Store) RecentWebhookEvents(ctx context.Context, n int) ([]types.WebhookEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT request_id, COALESCE(signal_id::text, ''), status,
		       COALESCE(symbol, ''), COALESCE(direction, ''), COALESCE(timeframe, ''),
		       COALESCE(error_message, ''), processing_time_ms, created_at
		FROM webhook_events
		ORDER BY created_at DESC
		LIMIT $1`, n,
	)
	if err != nil {
		return nil, fmt.Errorf("recent webhook events: %w", err)
	}
	defer rows.Close()

	var events []types.WebhookEvent
	for rows.Next() {
		var ev types.WebhookEvent
		var status, direction string
		if err := rows.Scan(&ev.RequestID, &ev.SignalID, &status, &ev.Symbol,
			&direction, &ev.Timeframe, &ev.ErrorMessage, &ev.ProcessingTimeMs, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Status = types.WebhookStatus(status)
		ev.Direction = types.Direction(direction)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// WebhookSummary aggregates receipt outcomes over a trailing window.
type WebhookSummary struct {
	Window    time.Duration  `json:"-"`
	Total     int            `json:"total"`
	ByStatus  map[string]int `json:"by_status"`
	AvgTimeMs float64        `json:"avg_time_ms"`
}

// WebhookSummary24h aggregates the trailing 24 hours of receipts. The window
// is measured from now, not calendar days, so the number is stable across
// midnight.
func (s *Store) WebhookSummary24h(ctx context.Context) (WebhookSummary, error) {
	summary := WebhookSummary{Window: 24 * time.Hour, ByStatus: make(map[string]int)}

	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*), COALESCE(AVG(processing_time_ms), 0)
		FROM webhook_events
		WHERE created_at > now() - interval '24 hours'
		GROUP BY status`,
	)
	if err != nil {
		return summary, fmt.Errorf("webhook summary: %w", err)
	}
	defer rows.Close()

	var weightedMs float64
	for rows.Next() {
		var status string
		var n int
		var avg float64
		if err := rows.Scan(&status, &n, &avg); err != nil {
			return summary, err
		}
		summary.ByStatus[status] = n
		summary.Total += n
		weightedMs += avg * float64(n)
	}
	if summary.Total > 0 {
		summary.AvgTimeMs = weightedMs / float64(summary.Total)
	}
	return summary, rows.Err()
}
