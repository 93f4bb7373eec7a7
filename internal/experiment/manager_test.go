package experiment

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/HaloHealthAfrica/optionsengine/pkg/types"
)

type fakeExperimentStore struct {
	bySignal map[string]types.Experiment
	policies []types.ExecutionPolicy
	nextID   int
}

func newFakeExperimentStore() *fakeExperimentStore {
	return &fakeExperimentStore{bySignal: make(map[string]types.Experiment)}
}

func (f *fakeExperimentStore) UpsertExperiment(_ context.Context, exp types.Experiment) (types.Experiment, error) {
	if existing, ok := f.bySignal[exp.SignalID]; ok {
		return existing, nil
	}
	f.nextID++
	exp.ID = fmt.Sprintf("exp-%d", f.nextID)
	f.bySignal[exp.SignalID] = exp
	return exp, nil
}

func (f *fakeExperimentStore) InsertExecutionPolicy(_ context.Context, p types.ExecutionPolicy) (types.ExecutionPolicy, error) {
	f.nextID++
	p.ID = fmt.Sprintf("pol-%d", f.nextID)
	f.policies = append(f.policies, p)
	return p, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAssignVariantDeterministic(t *testing.T) {
	t.Parallel()

	v1, h1 := AssignVariant("sig-1", "fp-abc", 0.5)
	v2, h2 := AssignVariant("sig-1", "fp-abc", 0.5)
	if v1 != v2 || h1 != h2 {
		t.Errorf("assignment not stable: (%s,%s) vs (%s,%s)", v1, h1, v2, h2)
	}
	if len(h1) != 64 {
		t.Errorf("assignment hash length = %d, want 64", len(h1))
	}
}

func TestAssignVariantBoundarySplits(t *testing.T) {
	t.Parallel()

	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("sig-%d", i)
		if v, _ := AssignVariant(id, "fp", 1.0); v != types.VariantA {
			t.Errorf("split 1.0: %s assigned %s, want A", id, v)
		}
		if v, _ := AssignVariant(id, "fp", 0.0); v != types.VariantB {
			t.Errorf("split 0.0: %s assigned %s, want B", id, v)
		}
		// Out-of-range splits clamp rather than misassign.
		if v, _ := AssignVariant(id, "fp", 1.7); v != types.VariantA {
			t.Errorf("split 1.7: %s assigned %s, want A", id, v)
		}
		if v, _ := AssignVariant(id, "fp", -0.3); v != types.VariantB {
			t.Errorf("split -0.3: %s assigned %s, want B", id, v)
		}
	}
}

func TestAssignVariantDistribution(t *testing.T) {
	t.Parallel()

	const n = 10_000
	countA := 0
	for i := 0; i < n; i++ {
		v, _ := AssignVariant(fmt.Sprintf("sig-%d", i), fmt.Sprintf("fp-%d", i), 0.5)
		if v == types.VariantA {
			countA++
		}
	}

	// SHA256 buckets should land near 50/50; 5 points of tolerance keeps
	// the test deterministic without being vacuous.
	frac := float64(countA) / n
	if math.Abs(frac-0.5) > 0.05 {
		t.Errorf("A fraction = %.3f, want ~0.5", frac)
	}
}

func TestCreateExperimentIdempotent(t *testing.T) {
	t.Parallel()

	store := newFakeExperimentStore()
	m := NewManager(store, 0.5, testLogger())
	sig := types.Signal{ID: "sig-1", Fingerprint: "fp-abc"}

	first, err := m.CreateExperiment(context.Background(), sig)
	if err != nil {
		t.Fatalf("CreateExperiment: %v", err)
	}
	second, err := m.CreateExperiment(context.Background(), sig)
	if err != nil {
		t.Fatalf("CreateExperiment again: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("ids differ: %s vs %s", first.ID, second.ID)
	}
	if first.Variant != second.Variant {
		t.Errorf("variants differ: %s vs %s", first.Variant, second.Variant)
	}
	if first.PolicyVersion != PolicyVersion {
		t.Errorf("PolicyVersion = %q", first.PolicyVersion)
	}
	if len(store.bySignal) != 1 {
		t.Errorf("stored experiments = %d, want 1", len(store.bySignal))
	}
}

func TestDecidePolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		appMode  string
		avail    EngineAvailability
		mode     types.ExecutionMode
		executed types.Variant
		shadow   types.Variant
	}{
		{"paper both up", "PAPER", EngineAvailability{EngineA: true, EngineB: true}, types.EngineAPrimary, types.VariantA, types.VariantB},
		{"paper only A", "PAPER", EngineAvailability{EngineA: true}, types.EngineAPrimary, types.VariantA, ""},
		{"paper A down", "PAPER", EngineAvailability{EngineB: true}, types.ShadowOnly, "", ""},
		{"live mode", "LIVE", EngineAvailability{EngineA: true, EngineB: true}, types.ShadowOnly, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DecidePolicy("exp-1", tt.appMode, tt.avail)
			if err := p.Validate(); err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if p.Mode != tt.mode {
				t.Errorf("Mode = %s, want %s", p.Mode, tt.mode)
			}
			if p.ExecutedEngine != tt.executed {
				t.Errorf("ExecutedEngine = %q, want %q", p.ExecutedEngine, tt.executed)
			}
			if p.ShadowEngine != tt.shadow {
				t.Errorf("ShadowEngine = %q, want %q", p.ShadowEngine, tt.shadow)
			}
			if p.Reason == "" {
				t.Error("Reason empty")
			}
		})
	}
}

func TestCreatePolicyPersists(t *testing.T) {
	t.Parallel()

	store := newFakeExperimentStore()
	m := NewManager(store, 0.5, testLogger())

	p, err := m.CreatePolicy(context.Background(), "exp-1", "PAPER", EngineAvailability{EngineA: true, EngineB: true})
	if err != nil {
		t.Fatalf("CreatePolicy: %v", err)
	}
	if p.ID == "" {
		t.Error("policy not assigned an id")
	}
	if len(store.policies) != 1 {
		t.Fatalf("stored policies = %d, want 1", len(store.policies))
	}
}

func TestIsShadow(t *testing.T) {
	t.Parallel()

	shadowOnly := types.ExecutionPolicy{Mode: types.ShadowOnly}
	if !IsShadow(shadowOnly, types.VariantA) || !IsShadow(shadowOnly, types.VariantB) {
		t.Error("SHADOW_ONLY should shadow both engines")
	}

	aPrimary := types.ExecutionPolicy{Mode: types.EngineAPrimary, ExecutedEngine: types.VariantA, ShadowEngine: types.VariantB}
	if IsShadow(aPrimary, types.VariantA) {
		t.Error("executed engine marked shadow")
	}
	if !IsShadow(aPrimary, types.VariantB) {
		t.Error("shadow engine not marked shadow")
	}
}
