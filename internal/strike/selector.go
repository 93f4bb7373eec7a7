// Package strike picks the option contract that best expresses a signal.
//
// Selection runs a fixed filter ladder (DTE, delta band, liquidity gate,
// volatility band, regime delay) over the chain, scores the survivors with
// per-setup weights, sizes the trade against the risk budget, and reports a
// coded reason when nothing passes. Every step appends to the rationale so a
// rejected signal can be explained from its audit row alone.
package strike

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/HaloHealthAfrica/optionsengine/pkg/types"
)

// FailureReason codes why no contract was selected.
type FailureReason string

const (
	NoValidStrike     FailureReason = "NO_VALID_STRIKE"
	LiquidityFiltered FailureReason = "LIQUIDITY_FILTERED"
	DTEFiltered       FailureReason = "DTE_FILTERED"
	DeltaFiltered     FailureReason = "DELTA_FILTERED"
	BudgetExceeded    FailureReason = "BUDGET_EXCEEDED"
	RegimeBlock       FailureReason = "REGIME_BLOCK"
)

// Request carries everything selection needs; it never reaches outside.
type Request struct {
	Symbol           string
	SpotPrice        float64
	Direction        types.Direction
	SetupType        types.SetupType
	SignalConfidence float64 // [0,100]
	ExpectedHoldMin  int
	ExpectedMovePct  float64
	Regime           types.Regime
	GexState         types.GexState
	IVPercentile     float64
	EventRisk        []string
	Budget           types.RiskBudget
	Chain            []types.OptionContract
	Now              time.Time
}

// Scores breaks down how the winning contract was ranked.
type Scores struct {
	Liquidity float64
	Greeks    float64
	Theta     float64
	Vega      float64
	Cost      float64
	Gex       float64
	Total     float64
}

// Result is the outcome of one selection. Delayed marks a regime delay:
// selection declined for now without counting as a failure upstream.
type Result struct {
	Success       bool
	Delayed       bool
	Contract      *types.OptionContract
	Quantity      int
	Scores        *Scores
	Rationale     []string
	FailureReason FailureReason
}

// setupPolicy parameterizes the filter ladder and scoring per setup type.
type setupPolicy struct {
	minDTE, maxDTE, preferredDTE int
	minDelta, maxDelta           float64 // absolute delta band
	maxSpreadPct                 float64
	minOI, minVolume             int
	minIVPct, maxIVPct           float64
	thetaLimitPctDay             float64 // max daily theta burn, % of premium
	weights                      scoreWeights
}

type scoreWeights struct {
	liquidity, greeks, theta, vega, cost, gex float64
}

var setupPolicies = map[types.SetupType]setupPolicy{
	types.ScalpGuarded: {
		minDTE: 1, maxDTE: 14, preferredDTE: 7,
		minDelta: 0.40, maxDelta: 0.60,
		maxSpreadPct: 8, minOI: 500, minVolume: 100,
		minIVPct: 0, maxIVPct: 80,
		thetaLimitPctDay: 6,
		weights:          scoreWeights{liquidity: 0.30, greeks: 0.25, theta: 0.15, vega: 0.05, cost: 0.15, gex: 0.10},
	},
	types.Swing: {
		minDTE: 21, maxDTE: 90, preferredDTE: 45,
		minDelta: 0.25, maxDelta: 0.40,
		maxSpreadPct: 12, minOI: 250, minVolume: 25,
		minIVPct: 10, maxIVPct: 75,
		thetaLimitPctDay: 3,
		weights:          scoreWeights{liquidity: 0.20, greeks: 0.20, theta: 0.20, vega: 0.15, cost: 0.15, gex: 0.10},
	},
	types.PositionTrade: {
		minDTE: 60, maxDTE: 180, preferredDTE: 90,
		minDelta: 0.30, maxDelta: 0.55,
		maxSpreadPct: 15, minOI: 100, minVolume: 10,
		minIVPct: 10, maxIVPct: 70,
		thetaLimitPctDay: 1.5,
		weights:          scoreWeights{liquidity: 0.15, greeks: 0.20, theta: 0.25, vega: 0.20, cost: 0.10, gex: 0.10},
	},
	types.Leaps: {
		minDTE: 180, maxDTE: 730, preferredDTE: 365,
		minDelta: 0.50, maxDelta: 0.80,
		maxSpreadPct: 20, minOI: 50, minVolume: 0,
		minIVPct: 0, maxIVPct: 60,
		thetaLimitPctDay: 0.5,
		weights:          scoreWeights{liquidity: 0.10, greeks: 0.25, theta: 0.25, vega: 0.20, cost: 0.15, gex: 0.05},
	},
}

// Select runs the filter ladder and scoring over the request's chain.
func Select(req Request) Result {
	policy, ok := setupPolicies[req.SetupType]
	if !ok {
		policy = setupPolicies[types.Swing]
	}

	res := Result{}
	note := func(format string, args ...any) {
		res.Rationale = append(res.Rationale, fmt.Sprintf(format, args...))
	}

	wantType := types.OptionTypeFor(req.Direction)

	// Extreme dealer gamma delays entries with it, not against it. A delay
	// is not a failure: the signal simply waits for the state to relax.
	if (req.GexState == types.GexPositiveHigh && wantType == types.Call) ||
		(req.GexState == types.GexNegativeHigh && wantType == types.Put) {
		res.Delayed = true
		res.FailureReason = RegimeBlock
		note("entry delayed: %s gamma regime against %s entries", req.GexState, wantType)
		return res
	}

	sameSide := filter(req.Chain, func(c types.OptionContract) bool { return c.Type == wantType })
	if len(sameSide) == 0 {
		res.FailureReason = NoValidStrike
		note("chain has no %s contracts", wantType)
		return res
	}

	afterDTE := filter(sameSide, func(c types.OptionContract) bool {
		dte := daysToExpiry(c.Expiration, req.Now)
		return dte >= policy.minDTE && dte <= policy.maxDTE
	})
	if len(afterDTE) == 0 {
		res.FailureReason = DTEFiltered
		note("no contract within DTE band [%d,%d]", policy.minDTE, policy.maxDTE)
		return res
	}

	afterDelta := filter(afterDTE, func(c types.OptionContract) bool {
		d := math.Abs(c.Delta)
		return d >= policy.minDelta && d <= policy.maxDelta
	})
	if len(afterDelta) == 0 {
		res.FailureReason = DeltaFiltered
		note("no contract within delta band [%.2f,%.2f]", policy.minDelta, policy.maxDelta)
		return res
	}

	afterLiquidity := filter(afterDelta, func(c types.OptionContract) bool {
		return c.SpreadPct() <= policy.maxSpreadPct &&
			c.OpenInterest >= policy.minOI &&
			c.Volume >= policy.minVolume
	})
	if len(afterLiquidity) == 0 {
		res.FailureReason = LiquidityFiltered
		note("no contract passed liquidity gate (spread ≤ %.0f%%, OI ≥ %d, vol ≥ %d)",
			policy.maxSpreadPct, policy.minOI, policy.minVolume)
		return res
	}

	// Volatility band applies to the symbol's IV percentile, not per
	// contract, so it gates the whole selection.
	if req.IVPercentile < policy.minIVPct || req.IVPercentile > policy.maxIVPct {
		res.FailureReason = NoValidStrike
		note("IV percentile %.0f outside band [%.0f,%.0f]", req.IVPercentile, policy.minIVPct, policy.maxIVPct)
		return res
	}

	type scored struct {
		contract types.OptionContract
		scores   Scores
	}
	candidates := make([]scored, 0, len(afterLiquidity))
	for _, c := range afterLiquidity {
		s := scoreContract(c, req, policy)
		candidates = append(candidates, scored{contract: c, scores: s})
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.scores.Total != b.scores.Total {
			return a.scores.Total > b.scores.Total
		}
		da := abs(daysToExpiry(a.contract.Expiration, req.Now) - policy.preferredDTE)
		db := abs(daysToExpiry(b.contract.Expiration, req.Now) - policy.preferredDTE)
		if da != db {
			return da < db
		}
		return a.contract.OpenInterest > b.contract.OpenInterest
	})

	best := candidates[0]
	premium := best.contract.Mid() * 100 // per contract, USD
	if premium <= 0 {
		res.FailureReason = NoValidStrike
		note("selected contract has no usable price")
		return res
	}

	qty := int(math.Min(
		math.Floor(req.Budget.MaxCapitalAllocation/premium),
		math.Floor(req.Budget.MaxPremiumLoss/premium),
	))
	if qty < 1 {
		res.FailureReason = BudgetExceeded
		note("premium %.2f exceeds budget (max loss %.2f, max capital %.2f)",
			premium, req.Budget.MaxPremiumLoss, req.Budget.MaxCapitalAllocation)
		return res
	}

	res.Success = true
	res.Contract = &best.contract
	res.Quantity = qty
	res.Scores = &best.scores
	note("selected %s strike %.2f exp %s (score %.3f, qty %d)",
		wantType, best.contract.Strike, best.contract.Expiration.Format("2006-01-02"), best.scores.Total, qty)
	return res
}

// scoreContract computes the weighted fitness of one surviving contract.
// Each component is normalized to [0,1] before weighting.
func scoreContract(c types.OptionContract, req Request, policy setupPolicy) Scores {
	var s Scores

	// Liquidity fitness: tighter spread and deeper OI rank higher.
	spreadFit := clamp01(1 - c.SpreadPct()/policy.maxSpreadPct)
	oiFit := clamp01(float64(c.OpenInterest) / float64(policy.minOI*4))
	s.Liquidity = 0.6*spreadFit + 0.4*oiFit

	// Greeks stability: delta near the band midpoint moves most predictably.
	mid := (policy.minDelta + policy.maxDelta) / 2
	halfBand := (policy.maxDelta - policy.minDelta) / 2
	s.Greeks = clamp01(1 - math.Abs(math.Abs(c.Delta)-mid)/halfBand)

	// Theta survivability: daily burn as a fraction of the guardrail.
	if premium := c.Mid(); premium > 0 {
		burnPctDay := math.Abs(c.Theta) / premium * 100
		s.Theta = clamp01(1 - burnPctDay/policy.thetaLimitPctDay)
	}

	// Vega/IV alignment: mid-band IV leaves room in both directions.
	ivMid := (policy.minIVPct + policy.maxIVPct) / 2
	ivHalf := (policy.maxIVPct - policy.minIVPct) / 2
	if ivHalf > 0 {
		s.Vega = clamp01(1 - math.Abs(req.IVPercentile-ivMid)/ivHalf)
	}

	// Cost efficiency: cheaper premium stretches the budget further.
	if req.Budget.MaxCapitalAllocation > 0 {
		s.Cost = clamp01(1 - (c.Mid()*100)/req.Budget.MaxCapitalAllocation)
	}

	s.Gex = gexSuitability(req.GexState, c.Type)

	w := policy.weights
	s.Total = w.liquidity*s.Liquidity + w.greeks*s.Greeks + w.theta*s.Theta +
		w.vega*s.Vega + w.cost*s.Cost + w.gex*s.Gex
	return s
}

// gexSuitability scores how friendly the gamma regime is to the contract
// side. Extreme states against the side never reach here (regime delay), so
// the range is mild-against to strongly-with.
func gexSuitability(state types.GexState, side types.OptionType) float64 {
	switch state {
	case types.GexNeutral:
		return 0.5
	case types.GexPositiveLow:
		if side == types.Call {
			return 0.7
		}
		return 0.4
	case types.GexNegativeLow:
		if side == types.Put {
			return 0.7
		}
		return 0.4
	case types.GexPositiveHigh:
		// Calls were delayed upstream; puts fade the pin.
		return 0.8
	case types.GexNegativeHigh:
		return 0.8
	}
	return 0.5
}

func daysToExpiry(exp, now time.Time) int {
	return int(exp.Sub(now).Hours() / 24)
}

func filter(chain []types.OptionContract, keep func(types.OptionContract) bool) []types.OptionContract {
	out := make([]types.OptionContract, 0, len(chain))
	for _, c := range chain {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
