package objective

import (
	"github.com/hxopt/optimization-core/internal/physics"
)

// Function scores one evaluation of the thermal model.
// Lower scores are better: maximization objectives negate their metric.
type Function interface {
	// Score computes the objective value from evaluated metrics.
	Score(m *physics.Metrics) (float64, error)

	// Name returns the scenario-facing name of the objective.
	Name() string

	// Minimize returns whether the raw metric is minimized (true) or
	// maximized (false).
	Minimize() bool
}

// Kind represents the type of objective function
type Kind string

const (
	// KindMaximizeEffectiveness maximizes exchanger effectiveness
	KindMaximizeEffectiveness Kind = "maximize_effectiveness"
	// KindMaximizeHeatTransfer maximizes the heat transfer rate
	KindMaximizeHeatTransfer Kind = "maximize_heat_transfer"
	// KindMaximizeEfficiency maximizes thermal efficiency net of pumping power
	KindMaximizeEfficiency Kind = "maximize_efficiency"
	// KindMinimizePressureDrop minimizes the tube-side pressure drop
	KindMinimizePressureDrop Kind = "minimize_pressure_drop"
	// KindMinimizeTransferArea minimizes the transfer area (proxy for cost)
	KindMinimizeTransferArea Kind = "minimize_transfer_area"
)

// New creates an objective function from a kind string
func New(kind string) (Function, error) {
	switch Kind(kind) {
	case KindMaximizeEffectiveness:
		return &EffectivenessObjective{}, nil
	case KindMaximizeHeatTransfer:
		return &HeatTransferObjective{}, nil
	case KindMaximizeEfficiency:
		return &EfficiencyObjective{}, nil
	case KindMinimizePressureDrop:
		return &PressureDropObjective{}, nil
	case KindMinimizeTransferArea:
		return &TransferAreaObjective{}, nil
	default:
		return nil, &UnknownObjectiveError{Kind: kind}
	}
}

// EffectivenessObjective maximizes exchanger effectiveness
type EffectivenessObjective struct{}

func (o *EffectivenessObjective) Name() string {
	return string(KindMaximizeEffectiveness)
}

func (o *EffectivenessObjective) Minimize() bool {
	return false
}

func (o *EffectivenessObjective) Score(m *physics.Metrics) (float64, error) {
	if m == nil {
		return 0, &InvalidMetricsError{Reason: "metrics is nil"}
	}
	return -m.Effectiveness, nil
}

// HeatTransferObjective maximizes the heat transfer rate
type HeatTransferObjective struct{}

func (o *HeatTransferObjective) Name() string {
	return string(KindMaximizeHeatTransfer)
}

func (o *HeatTransferObjective) Minimize() bool {
	return false
}

func (o *HeatTransferObjective) Score(m *physics.Metrics) (float64, error) {
	if m == nil {
		return 0, &InvalidMetricsError{Reason: "metrics is nil"}
	}
	return -m.HeatTransferRateW, nil
}

// EfficiencyObjective maximizes thermal efficiency net of pumping power
type EfficiencyObjective struct{}

func (o *EfficiencyObjective) Name() string {
	return string(KindMaximizeEfficiency)
}

func (o *EfficiencyObjective) Minimize() bool {
	return false
}

func (o *EfficiencyObjective) Score(m *physics.Metrics) (float64, error) {
	if m == nil {
		return 0, &InvalidMetricsError{Reason: "metrics is nil"}
	}
	return -m.ThermalEfficiency, nil
}

// PressureDropObjective minimizes the tube-side pressure drop
type PressureDropObjective struct{}

func (o *PressureDropObjective) Name() string {
	return string(KindMinimizePressureDrop)
}

func (o *PressureDropObjective) Minimize() bool {
	return true
}

func (o *PressureDropObjective) Score(m *physics.Metrics) (float64, error) {
	if m == nil {
		return 0, &InvalidMetricsError{Reason: "metrics is nil"}
	}
	return m.PressureDropPa, nil
}

// TransferAreaObjective minimizes the transfer area
type TransferAreaObjective struct{}

func (o *TransferAreaObjective) Name() string {
	return string(KindMinimizeTransferArea)
}

func (o *TransferAreaObjective) Minimize() bool {
	return true
}

func (o *TransferAreaObjective) Score(m *physics.Metrics) (float64, error) {
	if m == nil {
		return 0, &InvalidMetricsError{Reason: "metrics is nil"}
	}
	return m.TransferAreaM2, nil
}

// UnknownObjectiveError indicates an unknown objective kind
type UnknownObjectiveError struct {
	Kind string
}

func (e *UnknownObjectiveError) Error() string {
	return "unknown objective kind: " + e.Kind
}

// InvalidMetricsError indicates invalid metrics for scoring
type InvalidMetricsError struct {
	Reason string
}

func (e *InvalidMetricsError) Error() string {
	return "invalid metrics: " + e.Reason
}
