// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the platform: signals, experiments,
// orders, trades, positions, option-chain rows, and the market context handed
// to the decision engines. It has no dependencies on internal packages, so it
// can be imported by any layer.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Direction is the normalized trade direction of a signal.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// OptionType maps a direction to the contract side that expresses it.
type OptionType string

const (
	Call OptionType = "call"
	Put  OptionType = "put"
)

// OptionTypeFor returns the contract side for a signal direction.
func OptionTypeFor(d Direction) OptionType {
	if d == Short {
		return Put
	}
	return Call
}

// SignalStatus tracks a signal through the pipeline.
type SignalStatus string

const (
	SignalPending  SignalStatus = "pending"
	SignalApproved SignalStatus = "approved"
	SignalRejected SignalStatus = "rejected"
	SignalFailed   SignalStatus = "failed"
)

// Variant identifies which decision engine a signal was assigned to.
type Variant string

const (
	VariantA Variant = "A"
	VariantB Variant = "B"
)

// ExecutionMode decides which engine's recommendation executes vs. shadows.
type ExecutionMode string

const (
	ShadowOnly     ExecutionMode = "SHADOW_ONLY"
	EngineAPrimary ExecutionMode = "ENGINE_A_PRIMARY"
	EngineBPrimary ExecutionMode = "ENGINE_B_PRIMARY"
	SplitCapital   ExecutionMode = "SPLIT_CAPITAL"
)

// OrderStatus tracks a paper order through execution.
type OrderStatus string

const (
	OrderPendingExecution OrderStatus = "pending_execution"
	OrderFilled           OrderStatus = "filled"
	OrderFailed           OrderStatus = "failed"
	OrderCancelled        OrderStatus = "cancelled"
)

// PositionStatus tracks a position's lifecycle. "closing" is a one-way
// reservation taken by the exit monitor; only a paper fill moves it to closed.
type PositionStatus string

const (
	PositionOpen    PositionStatus = "open"
	PositionClosing PositionStatus = "closing"
	PositionClosed  PositionStatus = "closed"
)

// SetupType classifies the holding horizon of a trade. It parameterizes
// strike policy (DTE and delta bands), exit rules, and scoring weights.
type SetupType string

const (
	ScalpGuarded  SetupType = "SCALP_GUARDED"
	Swing         SetupType = "SWING"
	PositionTrade SetupType = "POSITION"
	Leaps         SetupType = "LEAPS"
)

// Regime is the classified market stance attached to the market context.
type Regime string

const (
	StrongBull Regime = "STRONG_BULL"
	Bull       Regime = "BULL"
	Choppy     Regime = "CHOPPY"
	Bear       Regime = "BEAR"
	StrongBear Regime = "STRONG_BEAR"
	Breakout   Regime = "BREAKOUT"
	Breakdown  Regime = "BREAKDOWN"
)

// Bullish reports whether the regime leans long.
func (r Regime) Bullish() bool {
	return r == StrongBull || r == Bull || r == Breakout
}

// Bearish reports whether the regime leans short.
func (r Regime) Bearish() bool {
	return r == StrongBear || r == Bear || r == Breakdown
}

// GexState is the quantized dealer-gamma regime. Extreme states delay
// directional entries: POSITIVE_HIGH delays calls, NEGATIVE_HIGH delays puts.
type GexState string

const (
	GexPositiveHigh GexState = "POSITIVE_HIGH"
	GexPositiveLow  GexState = "POSITIVE_LOW"
	GexNeutral      GexState = "NEUTRAL"
	GexNegativeLow  GexState = "NEGATIVE_LOW"
	GexNegativeHigh GexState = "NEGATIVE_HIGH"
)

// ————————————————————————————————————————————————————————————————————————
// Signals and experiments
// ————————————————————————————————————————————————————————————————————————

// Signal is a normalized external trade signal persisted by the webhook
// ingestor. The orchestrator claims signals via ProcessingLock and drives
// them through the experiment/engine/order pipeline.
type Signal struct {
	ID                 string
	Symbol             string
	Direction          Direction
	Timeframe          string // normalized, e.g. "5m"
	EventTimestamp     time.Time
	Fingerprint        string // stable hash used for dedupe + A/B assignment
	RawPayload         []byte
	Status             SignalStatus
	Processed          bool
	ProcessingLock     bool
	QueuedUntil        time.Time
	NextRetryAt        time.Time
	ProcessingAttempts int
	ExperimentID       string // set once processed
	CreatedAt          time.Time
}

// SignalFingerprint computes the stable content hash of a signal:
// SHA256("{symbol}:{direction}:{timeframe}:{ts_iso}") as 64 hex chars.
// It depends only on the four normalized fields, so identical inputs always
// produce identical fingerprints (dedupe and replayable A/B assignment both
// rely on this).
func SignalFingerprint(symbol string, dir Direction, timeframe string, ts time.Time) string {
	payload := fmt.Sprintf("%s:%s:%s:%s", symbol, dir, timeframe, ts.UTC().Format(time.RFC3339))
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// Experiment is the idempotent A/B assignment row for a signal. The tuple
// (signal_id, assignment_hash, split, policy_version) fully determines the
// variant, so assignment is pure and replayable.
type Experiment struct {
	ID              string
	SignalID        string
	Variant         Variant
	AssignmentHash  string
	SplitPercentage float64 // [0,1], fraction assigned to A
	PolicyVersion   string
	CreatedAt       time.Time
}

// ExecutionPolicy records which engine executes and which runs in shadow
// for one experiment.
type ExecutionPolicy struct {
	ID             string
	ExperimentID   string
	Mode           ExecutionMode
	ExecutedEngine Variant // empty when SHADOW_ONLY
	ShadowEngine   Variant // empty when no shadow side
	Reason         string
	PolicyVersion  string
	CreatedAt      time.Time
}

// Validate enforces the policy invariants: SHADOW_ONLY never names an
// executed engine, and the executed and shadow engines differ when both set.
func (p ExecutionPolicy) Validate() error {
	if p.Mode == ShadowOnly && p.ExecutedEngine != "" {
		return fmt.Errorf("execution policy: SHADOW_ONLY must not set executed engine %q", p.ExecutedEngine)
	}
	if p.ExecutedEngine != "" && p.ExecutedEngine == p.ShadowEngine {
		return fmt.Errorf("execution policy: executed and shadow engine are both %q", p.ExecutedEngine)
	}
	return nil
}

// WebhookEvent is the append-only audit row written for every HTTP receipt
// on the webhook endpoint, successful or not.
type WebhookEvent struct {
	RequestID        string
	SignalID         string // empty unless a signal was created
	Status           WebhookStatus
	Symbol           string
	Direction        Direction
	Timeframe        string
	ErrorMessage     string
	ProcessingTimeMs int64
	CreatedAt        time.Time
}

// WebhookStatus classifies the outcome of a webhook receipt.
type WebhookStatus string

const (
	WebhookAccepted         WebhookStatus = "accepted"
	WebhookDuplicate        WebhookStatus = "duplicate"
	WebhookInvalidSignature WebhookStatus = "invalid_signature"
	WebhookInvalidPayload   WebhookStatus = "invalid_payload"
	WebhookError            WebhookStatus = "error"
)

// ————————————————————————————————————————————————————————————————————————
// Orders, trades, positions
// ————————————————————————————————————————————————————————————————————————

// TradeRecommendation is an engine's proposed contract for a signal.
type TradeRecommendation struct {
	Symbol       string
	Direction    Direction
	Strike       float64
	Expiration   time.Time
	Quantity     int
	EntryPrice   float64 // expected premium per contract
	Engine       Variant
	IsShadow     bool
	ExperimentID string
	Rationale    []string
}

// Order is a paper order awaiting simulated execution. Entry orders carry
// the originating signal and engine; exit orders carry neither (SignalID
// empty) because they are emitted by the exit monitor against a position.
type Order struct {
	ID           string
	SignalID     string // empty for exit orders
	Engine       Variant
	ExperimentID string
	Symbol       string
	OptionSymbol string
	Strike       float64
	Expiration   time.Time
	Type         OptionType
	Quantity     int
	OrderKind    OrderKind
	Status       OrderStatus
	CreatedAt    time.Time
}

// OrderKind distinguishes entries from exits. Both are order_type "paper"
// in storage; exits additionally reference the position they unwind.
type OrderKind string

const (
	OrderEntry OrderKind = "entry"
	OrderExit  OrderKind = "exit"
)

// Trade records one simulated fill. Exactly one trade exists per filled order.
type Trade struct {
	ID            string
	OrderID       string
	FillPrice     float64
	FillQuantity  int
	FillTimestamp time.Time
	Engine        Variant
	ExperimentID  string
}

// Position is an open (or closed) paper option position.
type Position struct {
	ID                string
	Symbol            string
	OptionSymbol      string
	Strike            float64
	Expiration        time.Time
	Type              OptionType
	Quantity          int
	EntryPrice        float64
	EntryTimestamp    time.Time
	Status            PositionStatus
	SetupType         SetupType
	ExitReason        string
	ExitTimestamp     time.Time
	RealizedPnL       float64
	CurrentPrice      float64
	Engine            Variant
	ExperimentID      string
	EntryBiasSnapshot []byte // opaque JSON captured at entry, best-effort
	FiredMilestones   []int  // profit milestones (atPercent) already taken
	LastUpdated       time.Time
}

// DTE returns whole days until the position's contract expires.
func (p Position) DTE(now time.Time) int {
	return int(p.Expiration.Sub(now).Hours() / 24)
}

// PnLPct returns the option P&L percentage at the given mark.
func (p Position) PnLPct(mark float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	return (mark - p.EntryPrice) / p.EntryPrice * 100
}

// ExitRule is the policy row governing the exit monitor. The single enabled
// row applies to every open position.
type ExitRule struct {
	ID                  string
	ProfitTargetPercent float64
	StopLossPercent     float64
	MaxHoldTimeHours    float64
	MinDTEExit          int
	Enabled             bool
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// OptionContract is one row of an option chain as returned by the market
// data vendor.
type OptionContract struct {
	Symbol       string // OCC option symbol
	Underlying   string
	Strike       float64
	Expiration   time.Time
	Type         OptionType
	Bid          float64
	Ask          float64
	Last         float64
	Delta        float64
	Gamma        float64
	Theta        float64
	Vega         float64
	IV           float64
	OpenInterest int
	Volume       int
}

// OCCSymbol formats the standard OCC option symbol for a contract, e.g.
// SPY250718C00550000 (strike in thousandths, zero-padded to eight digits).
func OCCSymbol(underlying string, expiration time.Time, t OptionType, strike float64) string {
	side := "C"
	if t == Put {
		side = "P"
	}
	return fmt.Sprintf("%s%s%s%08d", underlying, expiration.Format("060102"), side, int(strike*1000))
}

// Mid returns the bid/ask midpoint, or the last price when the book is empty.
func (c OptionContract) Mid() float64 {
	if c.Bid > 0 && c.Ask > 0 {
		return (c.Bid + c.Ask) / 2
	}
	return c.Last
}

// SpreadPct returns the bid/ask spread as a percentage of the mid.
func (c OptionContract) SpreadPct() float64 {
	mid := c.Mid()
	if mid <= 0 {
		return 100
	}
	return (c.Ask - c.Bid) / mid * 100
}

// GexData is a dealer-gamma snapshot for a symbol.
type GexData struct {
	Symbol    string
	State     GexState
	NetGamma  float64
	FlipPoint float64
	FetchedAt time.Time
}

// BiasState is the read contract of the bias aggregator: a best-effort
// snapshot of aggregate directional bias for a symbol.
type BiasState struct {
	Symbol     string
	Bias       Direction
	Confidence float64 // [0,100]
	Confluence float64 // [0,100]
	UpdatedAt  time.Time
}

// MarketContext is the per-signal snapshot the orchestrator builds before
// invoking the engines.
type MarketContext struct {
	Symbol         string
	SpotPrice      float64
	ATR            float64
	Regime         Regime
	GexState       GexState
	IVPercentile   float64
	Session        string // "premarket", "regular", "afterhours"
	MinutesToClose int
	Bias           *BiasState // nil when the aggregator has no state
	Chain          []OptionContract
	BuiltAt        time.Time
}

// RiskBudget caps what a single recommendation may spend.
type RiskBudget struct {
	MaxPremiumLoss       float64 // max total premium at risk, USD
	MaxCapitalAllocation float64 // max capital committed, USD
}

// ————————————————————————————————————————————————————————————————————————
// Money math
// ————————————————————————————————————————————————————————————————————————

// contractMultiplier is the share multiplier for standard equity options.
var contractMultiplier = decimal.NewFromInt(100)

// RealizedPnL computes (fill − entry) · qty · 100 using decimal arithmetic
// so repeated fills never accumulate float drift in stored P&L.
func RealizedPnL(entry, fill float64, qty int) float64 {
	e := decimal.NewFromFloat(entry)
	f := decimal.NewFromFloat(fill)
	q := decimal.NewFromInt(int64(qty))
	pnl, _ := f.Sub(e).Mul(q).Mul(contractMultiplier).Round(4).Float64()
	return pnl
}

// SlippedFill applies the paper-fill slippage model to a mid price:
// fill = mid + spreadEst · slippageFraction, with spreadEst = spreadPct · mid.
// Buying pays up, selling gives up the same amount.
func SlippedFill(mid float64, spreadPct, slippageFraction float64, buying bool) float64 {
	m := decimal.NewFromFloat(mid)
	slip := m.Mul(decimal.NewFromFloat(spreadPct)).Mul(decimal.NewFromFloat(slippageFraction))
	var fill decimal.Decimal
	if buying {
		fill = m.Add(slip)
	} else {
		fill = m.Sub(slip)
	}
	if fill.IsNegative() {
		fill = decimal.Zero
	}
	out, _ := fill.Round(4).Float64()
	return out
}
