package exit

import (
	"testing"
	"time"

	"github.com/HaloHealthAfrica/optionsengine/pkg/types"
)

var exitNow = time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)

func swingPosition() types.Position {
	return types.Position{
		ID:             "pos-1",
		Symbol:         "SPY",
		OptionSymbol:   "SPY250718C00550000",
		Strike:         550,
		Expiration:     exitNow.AddDate(0, 0, 45),
		Type:           types.Call,
		Quantity:       4,
		EntryPrice:     5.00,
		EntryTimestamp: exitNow.Add(-2 * time.Hour),
		Status:         types.PositionOpen,
		SetupType:      types.Swing,
	}
}

func defaultRule() types.ExitRule {
	return types.ExitRule{ProfitTargetPercent: 50, StopLossPercent: 50, Enabled: true}
}

// healthySnap is a mid near entry with a tight market and benign context.
func healthySnap(mid float64) Snapshot {
	return Snapshot{Mid: mid, SpreadPct: 2, Theta: -0.02, Regime: types.Bull, ThesisValid: true}
}

func TestDecideHold(t *testing.T) {
	t.Parallel()

	d := Decide(swingPosition(), defaultRule(), healthySnap(5.10), exitNow)
	if d.Action != Hold {
		t.Fatalf("Action = %s (%v), want HOLD", d.Action, d.Rationale)
	}
	if len(d.TriggeredRules) != 0 {
		t.Errorf("TriggeredRules = %v", d.TriggeredRules)
	}
}

func TestDecideTier1(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		pos  func() types.Position
		snap Snapshot
		rule string
	}{
		{
			"stop loss",
			swingPosition,
			healthySnap(2.00), // −60% vs 50% stop
			"STOP_LOSS_HIT",
		},
		{
			"thesis invalidated",
			swingPosition,
			func() Snapshot { s := healthySnap(5.10); s.ThesisValid = false; return s }(),
			"THESIS_INVALIDATED",
		},
		{
			"htf invalidation",
			swingPosition,
			func() Snapshot { s := healthySnap(5.10); s.HTFInvalidation = true; return s }(),
			"THESIS_INVALIDATED",
		},
		{
			"scalp overstay",
			func() types.Position {
				p := swingPosition()
				p.SetupType = types.ScalpGuarded
				p.EntryTimestamp = exitNow.Add(-2 * time.Hour) // 120 min > 90
				return p
			},
			healthySnap(5.10),
			"SCALP_OVERSTAY",
		},
		{
			"theta burn",
			swingPosition,
			func() Snapshot { s := healthySnap(5.00); s.Theta = -0.25; return s }(), // 5%/day > 4%
			"THETA_BURN",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.pos(), defaultRule(), tt.snap, exitNow)
			if d.Action != FullExit {
				t.Fatalf("Action = %s, want FULL_EXIT", d.Action)
			}
			if d.Urgency != UrgencyHigh {
				t.Errorf("Urgency = %s, want HIGH", d.Urgency)
			}
			if !hasRule(d, tt.rule) {
				t.Errorf("TriggeredRules = %v, want %s", d.TriggeredRules, tt.rule)
			}
		})
	}
}

func TestDecideTier1Dominates(t *testing.T) {
	t.Parallel()

	// Stop loss (tier 1) and wide spread (tier 2) both fire; tier 1 wins
	// with HIGH urgency and the stop-loss rule recorded.
	snap := healthySnap(2.00)
	snap.SpreadPct = 30

	d := Decide(swingPosition(), defaultRule(), snap, exitNow)
	if d.Action != FullExit || d.Urgency != UrgencyHigh {
		t.Fatalf("decision = %s/%s", d.Action, d.Urgency)
	}
	if !hasRule(d, "STOP_LOSS_HIT") {
		t.Errorf("TriggeredRules = %v", d.TriggeredRules)
	}
	if hasRule(d, "LIQUIDITY_DETERIORATED") {
		t.Errorf("tier 2 evaluated after tier 1 fired: %v", d.TriggeredRules)
	}
}

func TestDecideRuleLimits(t *testing.T) {
	t.Parallel()

	t.Run("dte floor", func(t *testing.T) {
		t.Parallel()
		pos := swingPosition()
		pos.Expiration = exitNow.AddDate(0, 0, 2)
		rule := defaultRule()
		rule.MinDTEExit = 7
		d := Decide(pos, rule, healthySnap(5.10), exitNow)
		if d.Action != FullExit || !hasRule(d, "DTE_EXIT") {
			t.Errorf("decision = %s %v", d.Action, d.TriggeredRules)
		}
	})

	t.Run("max hold time", func(t *testing.T) {
		t.Parallel()
		pos := swingPosition()
		pos.EntryTimestamp = exitNow.Add(-100 * time.Hour)
		rule := defaultRule()
		rule.MaxHoldTimeHours = 24
		d := Decide(pos, rule, healthySnap(5.10), exitNow)
		if d.Action != FullExit || !hasRule(d, "MAX_HOLD_EXCEEDED") {
			t.Errorf("decision = %s %v", d.Action, d.TriggeredRules)
		}
	})

	t.Run("both floors breached", func(t *testing.T) {
		t.Parallel()
		pos := swingPosition()
		pos.Expiration = exitNow.AddDate(0, 0, 2)
		pos.EntryTimestamp = exitNow.Add(-100 * time.Hour)
		rule := defaultRule()
		rule.MinDTEExit = 7
		rule.MaxHoldTimeHours = 24
		d := Decide(pos, rule, healthySnap(5.10), exitNow)
		if d.Action != FullExit || d.Urgency != UrgencyHigh {
			t.Fatalf("decision = %s/%s (%v)", d.Action, d.Urgency, d.Rationale)
		}
		if !hasRule(d, "DTE_EXIT") || !hasRule(d, "MAX_HOLD_EXCEEDED") {
			t.Errorf("TriggeredRules = %v", d.TriggeredRules)
		}
	})

	t.Run("zero fields disable the floors", func(t *testing.T) {
		t.Parallel()
		pos := swingPosition()
		pos.Expiration = exitNow.AddDate(0, 0, 2)
		d := Decide(pos, defaultRule(), healthySnap(5.10), exitNow)
		if d.Action != Hold {
			t.Errorf("Action = %s (%v), want HOLD", d.Action, d.Rationale)
		}
	})

	t.Run("inside limits holds", func(t *testing.T) {
		t.Parallel()
		rule := defaultRule()
		rule.MinDTEExit = 7
		rule.MaxHoldTimeHours = 24
		d := Decide(swingPosition(), rule, healthySnap(5.10), exitNow)
		if d.Action != Hold {
			t.Errorf("Action = %s (%v), want HOLD", d.Action, d.Rationale)
		}
	})
}

func TestDecideTier2(t *testing.T) {
	t.Parallel()

	t.Run("liquidity deterioration", func(t *testing.T) {
		t.Parallel()
		snap := healthySnap(5.10)
		snap.SpreadPct = 25
		d := Decide(swingPosition(), defaultRule(), snap, exitNow)
		if d.Action != FullExit || !hasRule(d, "LIQUIDITY_DETERIORATED") {
			t.Errorf("decision = %s %v", d.Action, d.TriggeredRules)
		}
	})

	t.Run("regime flip against call", func(t *testing.T) {
		t.Parallel()
		snap := healthySnap(5.10)
		snap.Regime = types.StrongBear
		d := Decide(swingPosition(), defaultRule(), snap, exitNow)
		if d.Action != FullExit || !hasRule(d, "REGIME_FLIP") {
			t.Errorf("decision = %s %v", d.Action, d.TriggeredRules)
		}
	})

	t.Run("regime flip against put", func(t *testing.T) {
		t.Parallel()
		pos := swingPosition()
		pos.Type = types.Put
		snap := healthySnap(5.10)
		snap.Regime = types.StrongBull
		d := Decide(pos, defaultRule(), snap, exitNow)
		if d.Action != FullExit || !hasRule(d, "REGIME_FLIP") {
			t.Errorf("decision = %s %v", d.Action, d.TriggeredRules)
		}
	})

	t.Run("progress check failure", func(t *testing.T) {
		t.Parallel()
		pos := swingPosition()
		pos.SetupType = types.ScalpGuarded
		pos.EntryTimestamp = exitNow.Add(-70 * time.Minute) // past 60-min checkpoint, under 90 overstay
		d := Decide(pos, defaultRule(), healthySnap(4.90), exitNow) // −2% < required 0%
		if d.Action != FullExit || !hasRule(d, "PROGRESS_CHECK_FAILED") {
			t.Errorf("decision = %s %v", d.Action, d.TriggeredRules)
		}
		if d.Urgency != UrgencyMedium {
			t.Errorf("Urgency = %s, want MEDIUM", d.Urgency)
		}
	})
}

func TestDecideTier3Milestones(t *testing.T) {
	t.Parallel()

	t.Run("first milestone", func(t *testing.T) {
		t.Parallel()
		d := Decide(swingPosition(), defaultRule(), healthySnap(6.50), exitNow) // +30%
		if d.Action != PartialExit {
			t.Fatalf("Action = %s (%v)", d.Action, d.Rationale)
		}
		if d.Milestone != 25 || d.SizePercent != 25 {
			t.Errorf("Milestone/Size = %d/%.0f", d.Milestone, d.SizePercent)
		}
	})

	t.Run("fired milestone skipped", func(t *testing.T) {
		t.Parallel()
		pos := swingPosition()
		pos.FiredMilestones = []int{25}
		d := Decide(pos, defaultRule(), healthySnap(6.50), exitNow) // +30%, 25 already taken
		if d.Action != Hold {
			t.Errorf("Action = %s, want HOLD", d.Action)
		}
	})

	t.Run("next milestone fires", func(t *testing.T) {
		t.Parallel()
		pos := swingPosition()
		pos.FiredMilestones = []int{25}
		d := Decide(pos, defaultRule(), healthySnap(8.00), exitNow) // +60%
		if d.Action != PartialExit || d.Milestone != 50 {
			t.Errorf("Action/Milestone = %s/%d", d.Action, d.Milestone)
		}
	})
}

func TestDecideMilestonesScaleWithTarget(t *testing.T) {
	t.Parallel()

	rule := defaultRule()
	rule.ProfitTargetPercent = 100

	// +30% sits below the first scaled milestone (half of 100).
	d := Decide(swingPosition(), rule, healthySnap(6.50), exitNow)
	if d.Action != Hold {
		t.Errorf("Action = %s (%v), want HOLD under a 100%% target", d.Action, d.Rationale)
	}

	// +60% crosses the half-target step.
	d = Decide(swingPosition(), rule, healthySnap(8.00), exitNow)
	if d.Action != PartialExit || d.Milestone != 50 || d.SizePercent != 25 {
		t.Errorf("Action/Milestone/Size = %s/%d/%.0f", d.Action, d.Milestone, d.SizePercent)
	}

	// A rule without a target falls back to the default ladder.
	d = Decide(swingPosition(), types.ExitRule{StopLossPercent: 50}, healthySnap(6.50), exitNow)
	if d.Action != PartialExit || d.Milestone != 25 {
		t.Errorf("Action/Milestone = %s/%d, want default ladder", d.Action, d.Milestone)
	}
}

func TestDecideTier4TimeStops(t *testing.T) {
	t.Parallel()

	t.Run("flat exit at day seven", func(t *testing.T) {
		t.Parallel()
		pos := swingPosition()
		pos.EntryTimestamp = exitNow.AddDate(0, 0, -8)
		d := Decide(pos, defaultRule(), healthySnap(5.05), exitNow) // +1%, flat
		if d.Action != FullExit || !hasRule(d, "TIME_STOP_FLAT") {
			t.Errorf("decision = %s %v", d.Action, d.TriggeredRules)
		}
	})

	t.Run("profitable position survives flat stop", func(t *testing.T) {
		t.Parallel()
		pos := swingPosition()
		pos.EntryTimestamp = exitNow.AddDate(0, 0, -8)
		pos.FiredMilestones = []int{25} // suppress the tier-3 partial
		d := Decide(pos, defaultRule(), healthySnap(6.00), exitNow) // +20%
		if d.Action != Hold {
			t.Errorf("Action = %s (%v), want HOLD", d.Action, d.Rationale)
		}
	})

	t.Run("tighten stop at day fourteen", func(t *testing.T) {
		t.Parallel()
		pos := swingPosition()
		pos.EntryTimestamp = exitNow.AddDate(0, 0, -15)
		pos.FiredMilestones = []int{25}
		d := Decide(pos, defaultRule(), healthySnap(6.00), exitNow) // +20%, not flat
		if d.Action != TightenStop {
			t.Fatalf("Action = %s (%v)", d.Action, d.Rationale)
		}
		// entry 5.00, stop 50%, factor 0.5 ⇒ 5.00·(1−0.25) = 3.75
		if d.NewStopLevel != 3.75 {
			t.Errorf("NewStopLevel = %v, want 3.75", d.NewStopLevel)
		}
	})
}

func TestDecideIsPure(t *testing.T) {
	t.Parallel()

	pos := swingPosition()
	snap := healthySnap(6.50)
	a := Decide(pos, defaultRule(), snap, exitNow)
	b := Decide(pos, defaultRule(), snap, exitNow)
	if a.Action != b.Action || a.Milestone != b.Milestone || a.SizePercent != b.SizePercent {
		t.Errorf("decisions differ: %+v vs %+v", a, b)
	}
}

func hasRule(d Decision, rule string) bool {
	for _, r := range d.TriggeredRules {
		if r == rule {
			return true
		}
	}
	return false
}
