package config

import "time"

// SchemaVersion is the current scenario schema version. Scenarios are
// validated once at creation time; downstream components assume a
// well-formed record.
const SchemaVersion = 1

// Scenario defines one optimization problem: the base equipment
// configuration, the design variables with bounds, the objective, the
// constraints, and the termination criteria. A scenario is immutable once
// activated; jobs reference it read-only.
type Scenario struct {
	Version     int              `yaml:"version"`
	ID          string           `yaml:"id"`
	Name        string           `yaml:"name"`
	Objective   string           `yaml:"objective"` // e.g. "maximize_effectiveness"
	Algorithm   string           `yaml:"algorithm"` // e.g. "compass_search"
	Config      BaseConfig       `yaml:"config"`
	Variables   []DesignVariable `yaml:"variables"`
	Constraints []Constraint     `yaml:"constraints,omitempty"`
	Termination Termination      `yaml:"termination"`
}

// DesignVariable declares one optimizable parameter of the equipment
// configuration. The declaration order fixes the solver vector layout for
// the lifetime of a job.
type DesignVariable struct {
	Name     string  `yaml:"name"`
	Unit     string  `yaml:"unit,omitempty"`
	Min      float64 `yaml:"min"`
	Max      float64 `yaml:"max"`
	Baseline float64 `yaml:"baseline"`
}

// Constraint bounds a performance metric. Max declares an upper bound
// (metric <= max), Min a lower bound (metric >= min). At least one of the
// two must be set.
type Constraint struct {
	Metric string   `yaml:"metric"` // e.g. "pressure_drop_pa"
	Max    *float64 `yaml:"max,omitempty"`
	Min    *float64 `yaml:"min,omitempty"`
}

// Termination holds solver termination criteria
type Termination struct {
	MaxIterations  int     `yaml:"max_iterations"`
	MaxEvaluations int     `yaml:"max_evaluations"`
	Tolerance      float64 `yaml:"tolerance"`
	MaxRuntime     string  `yaml:"max_runtime,omitempty"` // e.g. "5m"
}

// GetMaxRuntime parses the wall-clock runtime cap. Zero means uncapped.
func (t *Termination) GetMaxRuntime() (time.Duration, error) {
	if t.MaxRuntime == "" {
		return 0, nil
	}
	return time.ParseDuration(t.MaxRuntime)
}

// BaseConfig is the read-only equipment configuration a scenario is
// parameterized over: a single-pass shell-and-tube heat exchanger with the
// hot stream on the tube side and the cold stream on the shell side.
type BaseConfig struct {
	FlowArrangement string `yaml:"flow_arrangement"` // counterflow or parallel

	TubeCount           int     `yaml:"tube_count"`
	TubeInnerDiameterM  float64 `yaml:"tube_inner_diameter_m"`
	TubeWallThicknessM  float64 `yaml:"tube_wall_thickness_m"`
	TubeLengthM         float64 `yaml:"tube_length_m"`
	ShellInnerDiameterM float64 `yaml:"shell_inner_diameter_m"`

	WallConductivityWmK   float64 `yaml:"wall_conductivity_w_mk"`
	FoulingResistanceM2KW float64 `yaml:"fouling_resistance_m2k_w"`

	HotSide  FluidStream `yaml:"hot_side"`
	ColdSide FluidStream `yaml:"cold_side"`
}

// FluidStream describes one side's fluid and operating point
type FluidStream struct {
	MassFlowKgS      float64 `yaml:"mass_flow_kg_s"`
	InletTempC       float64 `yaml:"inlet_temp_c"`
	DensityKgM3      float64 `yaml:"density_kg_m3"`
	ViscosityPaS     float64 `yaml:"viscosity_pa_s"`
	SpecificHeatJkgK float64 `yaml:"specific_heat_j_kgk"`
	ConductivityWmK  float64 `yaml:"conductivity_w_mk"`
}

// FlowCounter and FlowParallel are the supported flow arrangements
const (
	FlowCounter  = "counterflow"
	FlowParallel = "parallel"
)
