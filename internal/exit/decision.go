// Package exit decides when and how paper positions are unwound.
//
// The decision engine is a pure function over (position, rule, market
// snapshot, clock). Rules are organized into four tiers evaluated in order;
// a higher tier firing makes lower tiers irrelevant:
//
//	Tier 1  hard fail        — thesis invalidation, scalp overstay, theta
//	                           burn, stop loss, rule hold-time and DTE
//	                           floors. Always a full exit.
//	Tier 2  regime/liquidity — progress checkpoints, spread blowout,
//	                           regime flip against the position.
//	Tier 3  profit taking    — partial exits at profit milestones, each
//	                           firing at most once per position.
//	Tier 4  time stops       — day-based checkpoints mapping to progress
//	                           checks, flat exits, and stop tightening.
//
// The monitor (monitor.go) owns all side effects: claims, exit orders, and
// milestone bookkeeping.
package exit

import (
	"fmt"
	"math"
	"time"

	"github.com/HaloHealthAfrica/optionsengine/pkg/types"
)

// Action is what the monitor should do with the position.
type Action string

const (
	Hold        Action = "HOLD"
	PartialExit Action = "PARTIAL_EXIT"
	FullExit    Action = "FULL_EXIT"
	TightenStop Action = "TIGHTEN_STOP"
)

// Urgency ranks how quickly the action should execute.
type Urgency string

const (
	UrgencyLow    Urgency = "LOW"
	UrgencyMedium Urgency = "MEDIUM"
	UrgencyHigh   Urgency = "HIGH"
)

// Snapshot is the market state for one position at evaluation time.
type Snapshot struct {
	Mid       float64 // option mid price
	SpotPrice float64
	SpreadPct float64
	Theta     float64 // per-day decay, negative for long premium
	Regime    types.Regime

	// Thesis collaborator output; ThesisValid defaults to true when the
	// collaborator has no opinion.
	ThesisValid     bool
	HTFInvalidation bool
}

// Metrics are the derived measurements a decision was based on.
type Metrics struct {
	TimeInTradeMin  float64
	OptionPnLPct    float64
	ThetaBurnPctDay float64
	SpreadPct       float64
	DTE             int
}

// Decision is the engine's verdict for one position.
type Decision struct {
	Action         Action
	Urgency        Urgency
	SizePercent    float64 // set for PARTIAL_EXIT
	Milestone      int     // the atPercent milestone that fired, for bookkeeping
	NewStopLevel   float64 // set for TIGHTEN_STOP
	TriggeredRules []string
	Rationale      []string
	Metrics        Metrics
	Timestamp      time.Time
}

// milestone is one profit-taking step: when P&L crosses AtPercent, exit
// ExitPercent of the position.
type milestone struct {
	AtPercent   float64
	ExitPercent float64
}

// milestoneLadder expresses the profit-taking steps as fractions of the
// rule's profit target: a quarter off at half target, a quarter at target,
// half at double target.
var milestoneLadder = []milestone{
	{AtPercent: 0.5, ExitPercent: 25},
	{AtPercent: 1.0, ExitPercent: 25},
	{AtPercent: 2.0, ExitPercent: 50},
}

// defaultProfitTarget applies when the rule carries no profit target.
const defaultProfitTarget = 50.0

func milestonesFor(target float64) []milestone {
	if target <= 0 {
		target = defaultProfitTarget
	}
	out := make([]milestone, len(milestoneLadder))
	for i, ms := range milestoneLadder {
		out[i] = milestone{AtPercent: ms.AtPercent * target, ExitPercent: ms.ExitPercent}
	}
	return out
}

// progressCheckpoint requires minimum profit by a point in the trade's life.
type progressCheckpoint struct {
	AtMinute     float64
	MinProfitPct float64
}

// timeStop is a day-based checkpoint.
type timeStop struct {
	AtDay  int
	Action string // CHECK_PROGRESS | EXIT_IF_FLAT | TIGHTEN_STOP | REVIEW_THESIS
}

// setupExitParams tunes the tiers per holding horizon.
type setupExitParams struct {
	maxHoldMin    float64 // 0 disables the overstay rule
	thetaBurnMax  float64 // max daily theta burn, % of premium
	checkpoints   []progressCheckpoint
	timeStops     []timeStop
	tightenFactor float64 // stop pulled to entry·(1−factor·|stopLossPct|/100)
}

var setupExits = map[types.SetupType]setupExitParams{
	types.ScalpGuarded: {
		maxHoldMin:   90,
		thetaBurnMax: 8,
		checkpoints: []progressCheckpoint{
			{AtMinute: 30, MinProfitPct: -10},
			{AtMinute: 60, MinProfitPct: 0},
		},
		tightenFactor: 0.5,
	},
	types.Swing: {
		thetaBurnMax: 4,
		checkpoints: []progressCheckpoint{
			{AtMinute: 2 * 1440, MinProfitPct: -25},
		},
		timeStops: []timeStop{
			{AtDay: 3, Action: "CHECK_PROGRESS"},
			{AtDay: 7, Action: "EXIT_IF_FLAT"},
			{AtDay: 14, Action: "TIGHTEN_STOP"},
		},
		tightenFactor: 0.5,
	},
	types.PositionTrade: {
		thetaBurnMax: 2,
		timeStops: []timeStop{
			{AtDay: 7, Action: "CHECK_PROGRESS"},
			{AtDay: 21, Action: "EXIT_IF_FLAT"},
			{AtDay: 45, Action: "TIGHTEN_STOP"},
			{AtDay: 60, Action: "REVIEW_THESIS"},
		},
		tightenFactor: 0.5,
	},
	types.Leaps: {
		thetaBurnMax: 1,
		timeStops: []timeStop{
			{AtDay: 30, Action: "CHECK_PROGRESS"},
			{AtDay: 90, Action: "REVIEW_THESIS"},
		},
		tightenFactor: 0.33,
	},
}

// flatBandPct is the |P&L| band treated as "flat" by EXIT_IF_FLAT.
const flatBandPct = 5.0

// Decide evaluates the exit tiers for one position. Pure: same inputs,
// same decision.
func Decide(pos types.Position, rule types.ExitRule, snap Snapshot, now time.Time) Decision {
	params, ok := setupExits[pos.SetupType]
	if !ok {
		params = setupExits[types.Swing]
	}

	m := Metrics{
		TimeInTradeMin: now.Sub(pos.EntryTimestamp).Minutes(),
		OptionPnLPct:   pos.PnLPct(snap.Mid),
		SpreadPct:      snap.SpreadPct,
		DTE:            pos.DTE(now),
	}
	if snap.Mid > 0 {
		m.ThetaBurnPctDay = math.Abs(snap.Theta) / snap.Mid * 100
	}

	d := Decision{Action: Hold, Urgency: UrgencyLow, Metrics: m, Timestamp: now}
	trigger := func(rule, format string, args ...any) {
		d.TriggeredRules = append(d.TriggeredRules, rule)
		d.Rationale = append(d.Rationale, fmt.Sprintf(format, args...))
	}

	// ——— Tier 1: hard fail ———
	tier1 := false
	if !snap.ThesisValid || snap.HTFInvalidation {
		tier1 = true
		trigger("THESIS_INVALIDATED", "trade thesis no longer valid")
	}
	if pos.SetupType == types.ScalpGuarded && params.maxHoldMin > 0 && m.TimeInTradeMin > params.maxHoldMin {
		tier1 = true
		trigger("SCALP_OVERSTAY", "scalp held %.0f min, limit %.0f", m.TimeInTradeMin, params.maxHoldMin)
	}
	if m.ThetaBurnPctDay >= params.thetaBurnMax {
		tier1 = true
		trigger("THETA_BURN", "theta burn %.1f%%/day ≥ limit %.1f%%", m.ThetaBurnPctDay, params.thetaBurnMax)
	}
	if rule.StopLossPercent > 0 && m.OptionPnLPct <= -math.Abs(rule.StopLossPercent) {
		tier1 = true
		trigger("STOP_LOSS_HIT", "P&L %.1f%% through stop −%.1f%%", m.OptionPnLPct, math.Abs(rule.StopLossPercent))
	}
	if rule.MaxHoldTimeHours > 0 && m.TimeInTradeMin >= rule.MaxHoldTimeHours*60 {
		tier1 = true
		trigger("MAX_HOLD_EXCEEDED", "held %.1f h, rule limit %.0f h", m.TimeInTradeMin/60, rule.MaxHoldTimeHours)
	}
	if rule.MinDTEExit > 0 && m.DTE <= rule.MinDTEExit {
		tier1 = true
		trigger("DTE_EXIT", "%d DTE at or under rule floor %d", m.DTE, rule.MinDTEExit)
	}
	if tier1 {
		d.Action = FullExit
		d.Urgency = UrgencyHigh
		return d
	}

	// ——— Tier 2: regime / liquidity ———
	for _, cp := range params.checkpoints {
		if m.TimeInTradeMin >= cp.AtMinute && m.OptionPnLPct < cp.MinProfitPct {
			trigger("PROGRESS_CHECK_FAILED", "%.0f min in, P&L %.1f%% below required %.1f%%",
				cp.AtMinute, m.OptionPnLPct, cp.MinProfitPct)
			d.Action = FullExit
			d.Urgency = UrgencyMedium
			return d
		}
	}
	if snap.SpreadPct >= 20 {
		trigger("LIQUIDITY_DETERIORATED", "spread %.1f%% ≥ 20%%", snap.SpreadPct)
		d.Action = FullExit
		d.Urgency = UrgencyHigh
		return d
	}
	if (pos.Type == types.Call && snap.Regime.Bearish()) ||
		(pos.Type == types.Put && snap.Regime.Bullish()) {
		trigger("REGIME_FLIP", "%s regime against %s position", snap.Regime, pos.Type)
		d.Action = FullExit
		d.Urgency = UrgencyMedium
		return d
	}

	// ——— Tier 3: profit milestones ———
	for _, ms := range milestonesFor(rule.ProfitTargetPercent) {
		if m.OptionPnLPct >= ms.AtPercent && !milestoneFired(pos, int(ms.AtPercent)) {
			trigger("PROFIT_MILESTONE", "P&L %.1f%% crossed +%.0f%% milestone, exiting %.0f%%",
				m.OptionPnLPct, ms.AtPercent, ms.ExitPercent)
			d.Action = PartialExit
			d.Urgency = UrgencyLow
			d.SizePercent = ms.ExitPercent
			d.Milestone = int(ms.AtPercent)
			return d
		}
	}

	// ——— Tier 4: time stops ———
	days := int(m.TimeInTradeMin / 1440)
	for i := len(params.timeStops) - 1; i >= 0; i-- {
		ts := params.timeStops[i]
		if days < ts.AtDay {
			continue
		}
		switch ts.Action {
		case "EXIT_IF_FLAT":
			if math.Abs(m.OptionPnLPct) < flatBandPct {
				trigger("TIME_STOP_FLAT", "day %d, P&L %.1f%% within flat band", days, m.OptionPnLPct)
				d.Action = FullExit
				d.Urgency = UrgencyLow
				return d
			}
		case "TIGHTEN_STOP":
			trigger("TIME_STOP_TIGHTEN", "day %d, pulling stop in", days)
			d.Action = TightenStop
			d.Urgency = UrgencyLow
			d.NewStopLevel = tightenedStop(pos.EntryPrice, rule.StopLossPercent, params.tightenFactor)
			return d
		case "CHECK_PROGRESS", "REVIEW_THESIS":
			trigger("TIME_STOP_"+ts.Action, "day %d checkpoint: %s", days, ts.Action)
			return d // HOLD with rationale
		}
	}

	return d
}

func milestoneFired(pos types.Position, atPercent int) bool {
	for _, fired := range pos.FiredMilestones {
		if fired == atPercent {
			return true
		}
	}
	return false
}

// tightenedStop pulls the stop price toward entry by the tighten factor.
func tightenedStop(entry, stopLossPct, factor float64) float64 {
	return entry * (1 - factor*math.Abs(stopLossPct)/100)
}
