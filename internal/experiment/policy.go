package experiment

import (
	"context"
	"fmt"

	"github.com/HaloHealthAfrica/optionsengine/pkg/types"
)

// EngineAvailability reports which engines are currently able to evaluate
// signals. The orchestrator probes this at decision time so a degraded engine
// drops the system to shadow-only instead of half-executing.
type EngineAvailability struct {
	EngineA bool
	EngineB bool
}

// DecidePolicy maps (app mode, engine availability) to an execution policy.
// Paper mode with engine A up executes A and shadows B when B is also up;
// every other combination runs shadow-only.
func DecidePolicy(experimentID, appMode string, avail EngineAvailability) types.ExecutionPolicy {
	p := types.ExecutionPolicy{
		ExperimentID:  experimentID,
		PolicyVersion: PolicyVersion,
	}

	if appMode == "PAPER" && avail.EngineA {
		p.Mode = types.EngineAPrimary
		p.ExecutedEngine = types.VariantA
		p.Reason = "paper mode, engine A available"
		if avail.EngineB {
			p.ShadowEngine = types.VariantB
			p.Reason = "paper mode, engine A executes, engine B shadows"
		}
		return p
	}

	p.Mode = types.ShadowOnly
	switch {
	case appMode != "PAPER":
		p.Reason = fmt.Sprintf("app mode %s does not execute", appMode)
	case !avail.EngineA:
		p.Reason = "engine A unavailable"
	}
	return p
}

// CreatePolicy decides, validates, and persists the execution policy for an
// experiment.
func (m *Manager) CreatePolicy(ctx context.Context, experimentID, appMode string, avail EngineAvailability) (types.ExecutionPolicy, error) {
	p := DecidePolicy(experimentID, appMode, avail)
	if err := p.Validate(); err != nil {
		return types.ExecutionPolicy{}, fmt.Errorf("policy decision: %w", err)
	}

	stored, err := m.store.InsertExecutionPolicy(ctx, p)
	if err != nil {
		return types.ExecutionPolicy{}, fmt.Errorf("persist policy: %w", err)
	}

	m.logger.Debug("execution policy decided",
		"experiment_id", experimentID,
		"mode", stored.Mode,
		"executed", stored.ExecutedEngine,
		"shadow", stored.ShadowEngine,
	)
	return stored, nil
}

// IsShadow reports whether a recommendation from the given engine runs in
// shadow under this policy.
func IsShadow(p types.ExecutionPolicy, engine types.Variant) bool {
	return p.ExecutedEngine != engine
}
