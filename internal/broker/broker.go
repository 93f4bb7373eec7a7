// Package broker wraps the Redis cache/stream collaborator. Three concerns
// live here:
//
//   - idempotency keys: fingerprint markers with a 7-day TTL, used as the
//     fast-path duplicate check ahead of the relational dedupe window;
//   - named streams: position and risk events published for downstream
//     consumers (notifications, realtime mirrors);
//   - bias state: the read side of the bias aggregator's contract, a JSON
//     snapshot per symbol maintained by an external pipeline.
//
// Every call is best-effort from the caller's point of view: a Redis outage
// degrades to the relational slow path, it never fails the pipeline.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/HaloHealthAfrica/optionsengine/pkg/types"
)

// IdempotencyTTL is how long signal fingerprints are remembered.
const IdempotencyTTL = 7 * 24 * time.Hour

const (
	streamPositions = "positions:events"
	streamRisk      = "risk:events"
	biasKeyPrefix   = "bias:state:"
	idemKeyPrefix   = "signal:fp:"
)

// Broker is the Redis-backed cache/stream client.
type Broker struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, redisURL string, logger *slog.Logger) (*Broker, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Broker{rdb: rdb, logger: logger.With("component", "broker")}, nil
}

// Close releases the client.
func (b *Broker) Close() error {
	return b.rdb.Close()
}

// Ping checks connectivity, used by the health monitor.
func (b *Broker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// MarkFingerprint records a signal fingerprint with the idempotency TTL.
// Returns true when the fingerprint was new, false when already present.
func (b *Broker) MarkFingerprint(ctx context.Context, fingerprint string) (bool, error) {
	ok, err := b.rdb.SetNX(ctx, idemKeyPrefix+fingerprint, time.Now().UTC().Format(time.RFC3339), IdempotencyTTL).Result()
	if err != nil {
		return false, fmt.Errorf("mark fingerprint: %w", err)
	}
	return ok, nil
}

// SeenFingerprint reports whether a fingerprint is already marked.
func (b *Broker) SeenFingerprint(ctx context.Context, fingerprint string) (bool, error) {
	n, err := b.rdb.Exists(ctx, idemKeyPrefix+fingerprint).Result()
	if err != nil {
		return false, fmt.Errorf("seen fingerprint: %w", err)
	}
	return n > 0, nil
}

// PublishPositionEvent appends a position lifecycle event to the position
// stream.
func (b *Broker) PublishPositionEvent(ctx context.Context, event string, positionID string, fields map[string]any) error {
	values := map[string]any{"event": event, "position_id": positionID}
	for k, v := range fields {
		values[k] = v
	}
	if err := b.rdb.XAdd(ctx, &redis.XAddArgs{Stream: streamPositions, Values: values}).Err(); err != nil {
		return fmt.Errorf("publish position event: %w", err)
	}
	return nil
}

// PublishRiskEvent appends a risk event to the risk stream.
func (b *Broker) PublishRiskEvent(ctx context.Context, event string, fields map[string]any) error {
	values := map[string]any{"event": event}
	for k, v := range fields {
		values[k] = v
	}
	if err := b.rdb.XAdd(ctx, &redis.XAddArgs{Stream: streamRisk, Values: values}).Err(); err != nil {
		return fmt.Errorf("publish risk event: %w", err)
	}
	return nil
}

// BiasState reads the bias aggregator's current snapshot for a symbol.
// Returns nil without error when no state exists.
func (b *Broker) BiasState(ctx context.Context, symbol string) (*types.BiasState, error) {
	raw, err := b.rdb.Get(ctx, biasKeyPrefix+symbol).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("bias state: %w", err)
	}

	var state types.BiasState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode bias state: %w", err)
	}
	return &state, nil
}
