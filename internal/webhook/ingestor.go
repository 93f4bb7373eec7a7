package webhook

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/HaloHealthAfrica/optionsengine/internal/auth"
	"github.com/HaloHealthAfrica/optionsengine/pkg/types"
)

// DedupeWindow is the sliding window within which a repeated
// (symbol, direction, timeframe) is treated as a duplicate.
const DedupeWindow = 60 * time.Second

// Result classifies the outcome of one ingestion attempt.
type Result struct {
	Status           types.WebhookStatus
	SignalID         string
	RequestID        string
	Reason           string
	ProcessingTimeMs int64

	// Normalized fields carried through to the audit row when parsing
	// succeeded.
	Symbol    string
	Direction types.Direction
	Timeframe string
}

// SignalStore is the slice of the store the ingestor needs.
type SignalStore interface {
	InsertSignal(ctx context.Context, sig types.Signal) (string, error)
	HasRecentSignal(ctx context.Context, symbol string, dir types.Direction, timeframe string, window time.Duration) (bool, error)
	InsertWebhookEvent(ctx context.Context, ev types.WebhookEvent) error
}

// FingerprintCache is the fast-path idempotency set (Redis). Nil-able:
// a degraded cache falls back to the relational window check alone.
type FingerprintCache interface {
	SeenFingerprint(ctx context.Context, fingerprint string) (bool, error)
	MarkFingerprint(ctx context.Context, fingerprint string) (bool, error)
}

// Ingestor validates, deduplicates, and persists webhook signals.
type Ingestor struct {
	store    SignalStore
	cache    FingerprintCache
	verifier *auth.Verifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewIngestor builds the ingestor. cache may be nil.
func NewIngestor(store SignalStore, cache FingerprintCache, verifier *auth.Verifier, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		store:    store,
		cache:    cache,
		verifier: verifier,
		logger:   logger.With("component", "webhook"),
		now:      time.Now,
	}
}

// Ingest processes one webhook receipt. started is the instant the HTTP
// handler received the request; every audit row measures from it so
// processing_time_ms means the same thing on every path.
//
// The result is always well-formed and an audit row is always written, even
// when the pipeline errors mid-way.
func (i *Ingestor) Ingest(ctx context.Context, rawBody []byte, signatureHeader string, started time.Time) Result {
	res := Result{RequestID: uuid.NewString()}
	defer func() {
		i.audit(ctx, res, rawBody, started)
	}()

	// Signature check only applies when a secret is configured and the
	// request actually carries a signature header.
	if i.verifier.HMACEnabled() && signatureHeader != "" {
		if !i.verifier.VerifyHMAC(rawBody, signatureHeader) {
			res.Status = types.WebhookInvalidSignature
			res.Reason = "HMAC signature mismatch"
			return finish(&res, started, i.now)
		}
	}

	norm, err := Normalize(rawBody, i.now())
	if err != nil {
		res.Status = types.WebhookInvalidPayload
		res.Reason = err.Error()
		return finish(&res, started, i.now)
	}
	res.Reason = ""

	res.Symbol, res.Direction, res.Timeframe = norm.Symbol, norm.Direction, norm.Timeframe

	if dup := i.isDuplicate(ctx, norm); dup {
		res.Status = types.WebhookDuplicate
		return finish(&res, started, i.now)
	}

	id, err := i.store.InsertSignal(ctx, types.Signal{
		Symbol:         norm.Symbol,
		Direction:      norm.Direction,
		Timeframe:      norm.Timeframe,
		EventTimestamp: norm.EventTimestamp,
		Fingerprint:    norm.Fingerprint,
		RawPayload:     norm.Raw,
		Status:         types.SignalPending,
	})
	if err != nil {
		i.logger.Error("failed to persist signal", "error", err, "symbol", norm.Symbol)
		res.Status = types.WebhookError
		res.Reason = "persist failed"
		return finish(&res, started, i.now)
	}

	// Best-effort fingerprint marker; losing it only costs a relational
	// lookup on the next duplicate.
	if i.cache != nil {
		if _, err := i.cache.MarkFingerprint(ctx, norm.Fingerprint); err != nil {
			i.logger.Warn("fingerprint cache unavailable", "error", err)
		}
	}

	res.Status = types.WebhookAccepted
	res.SignalID = id
	i.logger.Info("signal accepted",
		"signal_id", id,
		"symbol", norm.Symbol,
		"direction", norm.Direction,
		"timeframe", norm.Timeframe,
	)
	return finish(&res, started, i.now)
}

// isDuplicate consults the fingerprint cache first, then the relational
// sliding window. Cache errors degrade silently to the window check.
func (i *Ingestor) isDuplicate(ctx context.Context, norm *Normalized) bool {
	if i.cache != nil {
		if seen, err := i.cache.SeenFingerprint(ctx, norm.Fingerprint); err == nil && seen {
			return true
		}
	}

	dup, err := i.store.HasRecentSignal(ctx, norm.Symbol, norm.Direction, norm.Timeframe, DedupeWindow)
	if err != nil {
		// Dedupe degrading open would double-trade; degrade closed instead
		// and let the orchestrator's entry-order uniqueness be the backstop.
		i.logger.Error("dedupe lookup failed", "error", err)
		return false
	}
	return dup
}

func (i *Ingestor) audit(ctx context.Context, res Result, rawBody []byte, started time.Time) {
	ev := types.WebhookEvent{
		RequestID:        res.RequestID,
		SignalID:         res.SignalID,
		Status:           res.Status,
		Symbol:           res.Symbol,
		Direction:        res.Direction,
		Timeframe:        res.Timeframe,
		ErrorMessage:     res.Reason,
		ProcessingTimeMs: res.ProcessingTimeMs,
	}
	if err := i.store.InsertWebhookEvent(ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
		i.logger.Error("failed to audit webhook event", "error", err, "request_id", res.RequestID)
	}
}

func finish(res *Result, started time.Time, now func() time.Time) Result {
	res.ProcessingTimeMs = now().Sub(started).Milliseconds()
	return *res
}
