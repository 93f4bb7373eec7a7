// Package experiment assigns each signal to one of the two decision engines
// and decides which engine's output executes versus shadows.
//
// Assignment is deterministic: it hashes the signal identity, buckets the
// hash into 10,000 slots, and compares against the configured split. Running
// the same signal through assignment any number of times yields the same
// variant, which is what makes A/B results replayable after the fact.
package experiment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"github.com/HaloHealthAfrica/optionsengine/pkg/types"
)

// PolicyVersion tags every assignment and policy decision so historical rows
// can be interpreted after the rules change.
const PolicyVersion = "v1.0"

const bucketSpace = 10_000

// ExperimentStore is the slice of the store the manager needs.
type ExperimentStore interface {
	UpsertExperiment(ctx context.Context, exp types.Experiment) (types.Experiment, error)
	InsertExecutionPolicy(ctx context.Context, p types.ExecutionPolicy) (types.ExecutionPolicy, error)
}

// Manager creates experiments and execution policies for signals.
type Manager struct {
	store  ExperimentStore
	split  float64 // fraction of signals assigned to engine A
	logger *slog.Logger
}

// NewManager builds a manager with the given A-side split fraction.
func NewManager(store ExperimentStore, split float64, logger *slog.Logger) *Manager {
	return &Manager{
		store:  store,
		split:  split,
		logger: logger.With("component", "experiment"),
	}
}

// AssignVariant computes the deterministic bucket assignment for a signal.
// It is a pure function of (id, fingerprint, split): the first 16 hex chars
// of SHA256(id + ":" + fingerprint) taken mod 10,000 against a threshold of
// round(split · 10,000).
func AssignVariant(id, fingerprint string, split float64) (types.Variant, string) {
	sum := sha256.Sum256([]byte(id + ":" + fingerprint))
	hash := hex.EncodeToString(sum[:])

	// 16 hex chars always parse; the leading bit can be set, so parse unsigned.
	n, _ := strconv.ParseUint(hash[:16], 16, 64)
	bucket := n % bucketSpace

	threshold := uint64(math.Round(clamp(split, 0, 1) * bucketSpace))
	if bucket < threshold {
		return types.VariantA, hash
	}
	return types.VariantB, hash
}

// CreateExperiment assigns a variant to the signal and persists the
// assignment, idempotently on signal_id. A concurrent or repeated call
// returns the already-persisted row.
func (m *Manager) CreateExperiment(ctx context.Context, sig types.Signal) (types.Experiment, error) {
	variant, hash := AssignVariant(sig.ID, sig.Fingerprint, m.split)

	exp, err := m.store.UpsertExperiment(ctx, types.Experiment{
		SignalID:        sig.ID,
		Variant:         variant,
		AssignmentHash:  hash,
		SplitPercentage: m.split,
		PolicyVersion:   PolicyVersion,
	})
	if err != nil {
		return types.Experiment{}, fmt.Errorf("create experiment: %w", err)
	}

	m.logger.Debug("experiment assigned",
		"signal_id", sig.ID,
		"experiment_id", exp.ID,
		"variant", exp.Variant,
	)
	return exp, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
