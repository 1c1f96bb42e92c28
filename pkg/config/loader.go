package config

import (
	"fmt"
	"os"
)

// ValidObjectives enumerates the objective kinds the objective layer
// implements. Kept in sync with the objective package.
var ValidObjectives = map[string]bool{
	"maximize_effectiveness": true,
	"maximize_heat_transfer": true,
	"maximize_efficiency":    true,
	"minimize_pressure_drop": true,
	"minimize_transfer_area": true,
}

// ValidMetrics enumerates the performance metric names constraints may
// reference. Kept in sync with the physics package.
var ValidMetrics = map[string]bool{
	"thermal_efficiency":              true,
	"heat_transfer_rate_w":            true,
	"pressure_drop_pa":                true,
	"heat_transfer_coefficient_w_m2k": true,
	"ntu":                             true,
	"effectiveness":                   true,
	"reynolds_number":                 true,
	"nusselt_number":                  true,
	"transfer_area_m2":                true,
	"outlet_temp_hot_c":               true,
	"outlet_temp_cold_c":              true,
}

// ValidVariables enumerates the design-variable names the physics layer
// can apply to a base configuration.
var ValidVariables = map[string]bool{
	"tube_count":             true,
	"tube_inner_diameter_m":  true,
	"tube_wall_thickness_m":  true,
	"tube_length_m":          true,
	"shell_inner_diameter_m": true,
	"hot_mass_flow_kg_s":     true,
	"cold_mass_flow_kg_s":    true,
}

// LoadConfig loads and parses an engine configuration file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg, err := ParseConfigYAML(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadScenario loads and parses a scenario file
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file %s: %w", path, err)
	}
	scenario, err := ParseScenarioYAML(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse scenario file %s: %w", path, err)
	}
	return scenario, nil
}

// validateConfig performs validation on the engine configuration
func validateConfig(cfg *Config) error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", cfg.LogLevel)
	}

	switch cfg.Database.Driver {
	case "memory":
	case "sqlite":
		if cfg.Database.Path == "" {
			return fmt.Errorf("database path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("invalid database driver: %s (must be memory or sqlite)", cfg.Database.Driver)
	}

	if cfg.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", cfg.Workers)
	}
	if cfg.Progress.BufferSize <= 0 {
		return fmt.Errorf("progress buffer_size must be positive, got %d", cfg.Progress.BufferSize)
	}
	if cfg.Admission.MaxJobsPerUser <= 0 {
		return fmt.Errorf("admission max_jobs_per_user must be positive, got %d", cfg.Admission.MaxJobsPerUser)
	}
	if cfg.Admission.MaxJobsPerScenario <= 0 {
		return fmt.Errorf("admission max_jobs_per_scenario must be positive, got %d", cfg.Admission.MaxJobsPerScenario)
	}
	if cfg.Submission.RatePerSecond <= 0 {
		return fmt.Errorf("submission rate_per_second must be positive, got %f", cfg.Submission.RatePerSecond)
	}
	if cfg.Submission.Burst <= 0 {
		return fmt.Errorf("submission burst must be positive, got %d", cfg.Submission.Burst)
	}

	if cfg.Retry.Attempts < 0 {
		return fmt.Errorf("retry attempts cannot be negative, got %d", cfg.Retry.Attempts)
	}
	validBackoffs := map[string]bool{
		"exponential": true,
		"linear":      true,
		"constant":    true,
	}
	if !validBackoffs[cfg.Retry.Backoff] {
		return fmt.Errorf("invalid retry backoff type: %s (must be exponential, linear, or constant)", cfg.Retry.Backoff)
	}

	if cfg.Retention.Enabled {
		if _, err := cfg.Retention.GetMaxAge(); err != nil {
			return fmt.Errorf("invalid retention max_age %s: %w", cfg.Retention.MaxAge, err)
		}
		if _, err := cfg.Retention.GetInterval(); err != nil {
			return fmt.Errorf("invalid retention interval %s: %w", cfg.Retention.Interval, err)
		}
	}

	return nil
}

// ValidateScenario validates a scenario record. It is called once at
// scenario creation; the optimization layers assume a well-formed record
// afterwards.
func ValidateScenario(s *Scenario) error {
	if s.Version != SchemaVersion {
		return fmt.Errorf("unsupported scenario schema version %d (want %d)", s.Version, SchemaVersion)
	}
	if s.ID == "" {
		return fmt.Errorf("scenario id cannot be empty")
	}

	if !ValidObjectives[s.Objective] {
		return fmt.Errorf("unknown objective: %q", s.Objective)
	}
	if s.Algorithm != "" && s.Algorithm != "compass_search" {
		return fmt.Errorf("unknown algorithm: %q", s.Algorithm)
	}

	if len(s.Variables) == 0 {
		return fmt.Errorf("at least one design variable must be declared")
	}
	seen := make(map[string]bool)
	for _, v := range s.Variables {
		if v.Name == "" {
			return fmt.Errorf("design variable name cannot be empty")
		}
		if !ValidVariables[v.Name] {
			return fmt.Errorf("unknown design variable: %q", v.Name)
		}
		if seen[v.Name] {
			return fmt.Errorf("duplicate design variable: %s", v.Name)
		}
		seen[v.Name] = true
		if v.Min >= v.Max {
			return fmt.Errorf("design variable %s: min must be less than max (got [%g, %g])", v.Name, v.Min, v.Max)
		}
		if v.Baseline < v.Min || v.Baseline > v.Max {
			return fmt.Errorf("design variable %s: baseline %g outside bounds [%g, %g]", v.Name, v.Baseline, v.Min, v.Max)
		}
	}

	for i, c := range s.Constraints {
		if !ValidMetrics[c.Metric] {
			return fmt.Errorf("constraint %d: unknown metric %q", i, c.Metric)
		}
		if c.Max == nil && c.Min == nil {
			return fmt.Errorf("constraint %d (%s): at least one of min/max must be set", i, c.Metric)
		}
		if c.Max != nil && c.Min != nil && *c.Min >= *c.Max {
			return fmt.Errorf("constraint %d (%s): min must be less than max", i, c.Metric)
		}
	}

	t := s.Termination
	if t.MaxIterations <= 0 {
		return fmt.Errorf("termination max_iterations must be positive, got %d", t.MaxIterations)
	}
	if t.MaxEvaluations <= 0 {
		return fmt.Errorf("termination max_evaluations must be positive, got %d", t.MaxEvaluations)
	}
	if t.Tolerance <= 0 {
		return fmt.Errorf("termination tolerance must be positive, got %g", t.Tolerance)
	}
	if _, err := t.GetMaxRuntime(); err != nil {
		return fmt.Errorf("invalid termination max_runtime %s: %w", t.MaxRuntime, err)
	}

	if err := validateBaseConfig(&s.Config); err != nil {
		return fmt.Errorf("base config: %w", err)
	}

	return nil
}

// validateBaseConfig checks that the equipment configuration is physically
// meaningful before any evaluation happens.
func validateBaseConfig(c *BaseConfig) error {
	if c.FlowArrangement != FlowCounter && c.FlowArrangement != FlowParallel {
		return fmt.Errorf("flow_arrangement must be %q or %q, got %q", FlowCounter, FlowParallel, c.FlowArrangement)
	}
	if c.TubeCount <= 0 {
		return fmt.Errorf("tube_count must be positive, got %d", c.TubeCount)
	}
	if c.TubeInnerDiameterM <= 0 {
		return fmt.Errorf("tube_inner_diameter_m must be positive")
	}
	if c.TubeWallThicknessM <= 0 {
		return fmt.Errorf("tube_wall_thickness_m must be positive")
	}
	if c.TubeLengthM <= 0 {
		return fmt.Errorf("tube_length_m must be positive")
	}
	if c.ShellInnerDiameterM <= 0 {
		return fmt.Errorf("shell_inner_diameter_m must be positive")
	}
	if c.WallConductivityWmK <= 0 {
		return fmt.Errorf("wall_conductivity_w_mk must be positive")
	}
	if c.FoulingResistanceM2KW < 0 {
		return fmt.Errorf("fouling_resistance_m2k_w cannot be negative")
	}
	for side, fs := range map[string]FluidStream{"hot_side": c.HotSide, "cold_side": c.ColdSide} {
		if fs.MassFlowKgS <= 0 {
			return fmt.Errorf("%s: mass_flow_kg_s must be positive", side)
		}
		if fs.DensityKgM3 <= 0 {
			return fmt.Errorf("%s: density_kg_m3 must be positive", side)
		}
		if fs.ViscosityPaS <= 0 {
			return fmt.Errorf("%s: viscosity_pa_s must be positive", side)
		}
		if fs.SpecificHeatJkgK <= 0 {
			return fmt.Errorf("%s: specific_heat_j_kgk must be positive", side)
		}
		if fs.ConductivityWmK <= 0 {
			return fmt.Errorf("%s: conductivity_w_mk must be positive", side)
		}
	}
	if c.HotSide.InletTempC <= c.ColdSide.InletTempC {
		return fmt.Errorf("hot side inlet temperature must exceed cold side inlet temperature")
	}
	return nil
}
