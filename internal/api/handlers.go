package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/HaloHealthAfrica/optionsengine/internal/auth"
	"github.com/HaloHealthAfrica/optionsengine/internal/health"
	"github.com/HaloHealthAfrica/optionsengine/internal/orchestrator"
	"github.com/HaloHealthAfrica/optionsengine/internal/risk"
	"github.com/HaloHealthAfrica/optionsengine/internal/store"
	"github.com/HaloHealthAfrica/optionsengine/internal/webhook"
	"github.com/HaloHealthAfrica/optionsengine/pkg/types"
)

// signatureHeader carries the optional HMAC digest on webhook posts.
const signatureHeader = "X-Webhook-Signature"

// maxWebhookBody caps inbound payloads; vendor alerts are well under this.
const maxWebhookBody = 64 * 1024

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The stream carries no credentials and is read-only.
		return true
	},
}

// Ingestor accepts raw webhook posts.
type Ingestor interface {
	Ingest(ctx context.Context, rawBody []byte, signatureHeader string, started time.Time) webhook.Result
}

// ReadStore is the slice of the store the read endpoints consume.
type ReadStore interface {
	Ping(ctx context.Context) error
	RecentWebhookEvents(ctx context.Context, n int) ([]types.WebhookEvent, error)
	WebhookSummary24h(ctx context.Context) (store.WebhookSummary, error)
	VariantCounts24h(ctx context.Context) (map[string]int, error)
	ListOrders(ctx context.Context, n int) ([]types.Order, error)
	ListTrades(ctx context.Context, n int) ([]types.Trade, error)
	RecentlyFilled(ctx context.Context, window time.Duration) ([]types.Order, error)
	ActivePositions(ctx context.Context, limit int) ([]types.Position, error)
}

// BrokerHealth reports broker liveness. May be nil when the broker is
// disabled in development.
type BrokerHealth interface {
	Ping(ctx context.Context) error
}

// RiskReader exposes the gate state.
type RiskReader interface {
	GetSnapshot() risk.Snapshot
}

// PipelineReader exposes orchestrator counters.
type PipelineReader interface {
	GetStats() orchestrator.Stats
}

// WorkerReader exposes per-worker status.
type WorkerReader interface {
	Statuses() []health.WorkerStatus
}

// QueueReader exposes the queue monitor's view.
type QueueReader interface {
	Status() health.QueueStatus
}

// ProviderReader reports the market-data circuit state.
type ProviderReader interface {
	BreakerState() string
}

// Handlers holds every HTTP handler dependency. Optional collaborators
// (broker, queue, pipeline) may be nil and report as absent.
type Handlers struct {
	ingestor Ingestor
	store    ReadStore
	broker   BrokerHealth
	riskGate RiskReader
	pipeline PipelineReader
	workers  WorkerReader
	queue    QueueReader
	provider ProviderReader
	verifier *auth.Verifier
	hub      *Hub
	logger   *slog.Logger
}

func NewHandlers(ingestor Ingestor, st ReadStore, broker BrokerHealth, riskGate RiskReader,
	pipeline PipelineReader, workers WorkerReader, queue QueueReader, provider ProviderReader,
	verifier *auth.Verifier, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		ingestor: ingestor,
		store:    st,
		broker:   broker,
		riskGate: riskGate,
		pipeline: pipeline,
		workers:  workers,
		queue:    queue,
		provider: provider,
		verifier: verifier,
		hub:      hub,
		logger:   logger.With("component", "api"),
	}
}

// HandleWebhook accepts a signal post and answers with the ingest outcome.
// Every receipt gets a response; classification happens in the ingestor.
func (h *Handlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	res := h.ingestor.Ingest(r.Context(), body, r.Header.Get(signatureHeader), started)

	resp := map[string]any{
		"status":     string(res.Status),
		"request_id": res.RequestID,
	}
	if res.SignalID != "" {
		resp["signal_id"] = res.SignalID
	}
	if res.Reason != "" {
		resp["reason"] = res.Reason
	}

	writeJSON(w, webhookStatusCode(res.Status), resp)
}

func webhookStatusCode(s types.WebhookStatus) int {
	switch s {
	case types.WebhookAccepted, types.WebhookDuplicate:
		return http.StatusOK
	case types.WebhookInvalidPayload:
		return http.StatusBadRequest
	case types.WebhookInvalidSignature:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// HandleHealth reports dependency liveness. Unauthenticated; load balancers
// poll it.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{"database": "ok"}
	healthy := true
	if err := h.store.Ping(ctx); err != nil {
		checks["database"] = err.Error()
		healthy = false
	}
	if h.broker != nil {
		checks["broker"] = "ok"
		if err := h.broker.Ping(ctx); err != nil {
			checks["broker"] = err.Error()
			healthy = false
		}
	}

	status := "ok"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

// HandleMonitoringStatus is the operator dashboard feed: webhook traffic,
// engine split, worker health, provider circuit state, and the risk gate.
func (h *Handlers) HandleMonitoringStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	out := map[string]any{"timestamp": time.Now().UTC()}

	webhooks := map[string]any{}
	if recent, err := h.store.RecentWebhookEvents(ctx, 20); err == nil {
		webhooks["recent"] = recent
	}
	if summary, err := h.store.WebhookSummary24h(ctx); err == nil {
		webhooks["summary_24h"] = summary
	}
	out["webhooks"] = webhooks

	engines := map[string]any{}
	if counts, err := h.store.VariantCounts24h(ctx); err == nil {
		engines["by_variant_24h"] = counts
	}
	if h.pipeline != nil {
		engines["pipeline"] = h.pipeline.GetStats()
	}
	out["engines"] = engines

	if h.workers != nil {
		out["workers"] = h.workers.Statuses()
	}
	if h.queue != nil {
		out["queue"] = h.queue.Status()
	}
	if h.provider != nil {
		out["providers"] = map[string]any{
			"market_data": map[string]string{"breaker": h.provider.BreakerState()},
		}
	}
	if h.riskGate != nil {
		out["risk"] = h.riskGate.GetSnapshot()
	}
	out["websocket"] = h.hub.Stats()

	writeJSON(w, http.StatusOK, out)
}

// HandleOrders returns recent paper activity: orders, fills, and the
// positions they opened.
func (h *Handlers) HandleOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := queryInt(r, "limit", 50)

	out := map[string]any{}
	orders, err := h.store.ListOrders(ctx, limit)
	if err != nil {
		h.logger.Error("list orders failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	out["orders"] = orders

	if trades, err := h.store.ListTrades(ctx, limit); err == nil {
		out["trades"] = trades
	}
	if positions, err := h.store.ActivePositions(ctx, limit); err == nil {
		out["positions"] = positions
	}
	if filled, err := h.store.RecentlyFilled(ctx, time.Hour); err == nil {
		out["recently_filled"] = filled
	}

	writeJSON(w, http.StatusOK, out)
}

// HandleRealtime upgrades the connection and subscribes it to the hub.
func (h *Handlers) HandleRealtime(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	NewClient(h.hub, conn)
}

// RequireAuth wraps a handler with bearer-token verification.
func (h *Handlers) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := h.verifier.VerifyToken(r.Header.Get("Authorization"))
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		h.logger.Debug("authenticated request", "path", r.URL.Path, "user", claims.UserID)
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 500 {
		return fallback
	}
	return n
}
