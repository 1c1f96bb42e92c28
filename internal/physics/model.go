// Package physics implements the deterministic thermal model used as the
// optimizer's objective and constraint source. Evaluation is a pure
// function of the equipment configuration and the design-variable values:
// no I/O, no shared state, safe for concurrent solver evaluations.
package physics

import (
	"fmt"
	"math"

	"github.com/hxopt/optimization-core/pkg/config"
	"github.com/hxopt/optimization-core/pkg/utils"
)

// Metrics holds the performance figures of one evaluation
type Metrics struct {
	ThermalEfficiency           float64 // heat recovered over heat plus pumping power, 0..1
	HeatTransferRateW           float64
	PressureDropPa              float64 // hot (tube) side
	HeatTransferCoefficientWm2K float64 // overall U referred to inner tube area
	NTU                         float64
	Effectiveness               float64
	ReynoldsNumber              float64 // hot (tube) side
	NusseltNumber               float64 // hot (tube) side
	TransferAreaM2              float64 // inner tube area
	OutletTempHotC              float64
	OutletTempColdC             float64
	PumpingPowerW               float64 // hot side hydraulic power
}

// DomainError indicates a non-physical configuration. Inputs inside the
// scenario's declared variable bounds never produce one; receiving a
// DomainError therefore points at a caller error or a degenerate base
// configuration.
type DomainError struct {
	Reason string
}

func (e *DomainError) Error() string {
	return "physics domain error: " + e.Reason
}

// ApplyVariables returns a copy of the base configuration with the named
// design-variable values applied. Unknown names are an error: the scenario
// validation layer guarantees they never reach this point.
func ApplyVariables(base config.BaseConfig, vars map[string]float64) (config.BaseConfig, error) {
	cfg := base
	for name, value := range vars {
		switch name {
		case "tube_count":
			cfg.TubeCount = int(utils.Round(value, 0))
		case "tube_inner_diameter_m":
			cfg.TubeInnerDiameterM = value
		case "tube_wall_thickness_m":
			cfg.TubeWallThicknessM = value
		case "tube_length_m":
			cfg.TubeLengthM = value
		case "shell_inner_diameter_m":
			cfg.ShellInnerDiameterM = value
		case "hot_mass_flow_kg_s":
			cfg.HotSide.MassFlowKgS = value
		case "cold_mass_flow_kg_s":
			cfg.ColdSide.MassFlowKgS = value
		default:
			return cfg, fmt.Errorf("unknown design variable: %q", name)
		}
	}
	return cfg, nil
}

// Evaluate computes the exchanger performance for the base configuration
// with the given design-variable values applied.
func Evaluate(base config.BaseConfig, vars map[string]float64) (*Metrics, error) {
	cfg, err := ApplyVariables(base, vars)
	if err != nil {
		return nil, err
	}
	return evaluate(&cfg)
}

func evaluate(cfg *config.BaseConfig) (*Metrics, error) {
	if cfg.TubeCount < 1 {
		return nil, &DomainError{Reason: "tube count must be at least 1"}
	}
	if cfg.TubeInnerDiameterM <= 0 || cfg.TubeLengthM <= 0 || cfg.TubeWallThicknessM <= 0 {
		return nil, &DomainError{Reason: "tube geometry must be positive"}
	}
	if cfg.HotSide.MassFlowKgS <= 0 || cfg.ColdSide.MassFlowKgS <= 0 {
		return nil, &DomainError{Reason: "mass flow must be positive"}
	}
	if cfg.HotSide.InletTempC <= cfg.ColdSide.InletTempC {
		return nil, &DomainError{Reason: "hot inlet temperature must exceed cold inlet temperature"}
	}

	di := cfg.TubeInnerDiameterM
	do := di + 2*cfg.TubeWallThicknessM
	n := float64(cfg.TubeCount)

	// Shell-side free flow area around the tube bundle.
	shellArea := math.Pi / 4 * (cfg.ShellInnerDiameterM*cfg.ShellInnerDiameterM - n*do*do)
	if shellArea <= 0 {
		return nil, &DomainError{Reason: "tube bundle does not fit inside the shell"}
	}

	hot := cfg.HotSide
	cold := cfg.ColdSide

	// Tube side: per-tube flow.
	mTube := hot.MassFlowKgS / n
	reHot := 4 * mTube / (math.Pi * di * hot.ViscosityPaS)
	prHot := hot.SpecificHeatJkgK * hot.ViscosityPaS / hot.ConductivityWmK
	nuHot := nusselt(reHot, prHot, false)
	hInner := nuHot * hot.ConductivityWmK / di

	// Shell side: hydraulic diameter of the bundle annulus.
	wetted := math.Pi * (cfg.ShellInnerDiameterM + n*do)
	dh := 4 * shellArea / wetted
	vShell := cold.MassFlowKgS / (cold.DensityKgM3 * shellArea)
	reCold := cold.DensityKgM3 * vShell * dh / cold.ViscosityPaS
	prCold := cold.SpecificHeatJkgK * cold.ViscosityPaS / cold.ConductivityWmK
	nuCold := nusselt(reCold, prCold, true)
	hOuter := nuCold * cold.ConductivityWmK / dh

	// Overall coefficient referred to the inner tube surface.
	wallRes := di * math.Log(do/di) / (2 * cfg.WallConductivityWmK)
	resistance := 1/hInner + cfg.FoulingResistanceM2KW + wallRes + di/(do*hOuter)
	u := 1 / resistance

	area := math.Pi * di * cfg.TubeLengthM * n

	cHot := hot.MassFlowKgS * hot.SpecificHeatJkgK
	cCold := cold.MassFlowKgS * cold.SpecificHeatJkgK
	cMin := math.Min(cHot, cCold)
	cMax := math.Max(cHot, cCold)
	cr := cMin / cMax

	ntu := u * area / cMin
	eff := effectiveness(ntu, cr, cfg.FlowArrangement)

	q := eff * cMin * (hot.InletTempC - cold.InletTempC)
	outHot := hot.InletTempC - q/cHot
	outCold := cold.InletTempC + q/cCold

	// Tube-side pressure drop, Darcy-Weisbach.
	vTube := mTube / (hot.DensityKgM3 * math.Pi / 4 * di * di)
	f := frictionFactor(reHot)
	dp := f * (cfg.TubeLengthM / di) * hot.DensityKgM3 * vTube * vTube / 2
	pump := dp * hot.MassFlowKgS / hot.DensityKgM3

	efficiency := 0.0
	if q+pump > 0 {
		efficiency = q / (q + pump)
	}

	m := &Metrics{
		ThermalEfficiency:           efficiency,
		HeatTransferRateW:           q,
		PressureDropPa:              dp,
		HeatTransferCoefficientWm2K: u,
		NTU:                         ntu,
		Effectiveness:               eff,
		ReynoldsNumber:              reHot,
		NusseltNumber:               nuHot,
		TransferAreaM2:              area,
		OutletTempHotC:              outHot,
		OutletTempColdC:             outCold,
		PumpingPowerW:               pump,
	}

	for name := range config.ValidMetrics {
		v, ok := m.MetricValue(name)
		if !ok {
			continue
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, &DomainError{Reason: fmt.Sprintf("metric %s is not finite", name)}
		}
	}

	return m, nil
}

// nusselt selects the tube-flow Nusselt correlation: constant Nu for
// laminar flow, Dittus-Boelter for turbulent, linear blend in between.
// heating selects the Prandtl exponent (0.4 heating, 0.3 cooling).
func nusselt(re, pr float64, heating bool) float64 {
	const (
		laminarNu  = 3.66
		reLaminar  = 2300.0
		reTurbFull = 4000.0
	)

	exp := 0.3
	if heating {
		exp = 0.4
	}
	turbulent := func(re float64) float64 {
		return 0.023 * math.Pow(re, 0.8) * math.Pow(pr, exp)
	}

	switch {
	case re <= reLaminar:
		return laminarNu
	case re >= reTurbFull:
		return turbulent(re)
	default:
		// Blend across the transitional band to keep the model continuous
		// over the full bounded domain.
		w := (re - reLaminar) / (reTurbFull - reLaminar)
		return laminarNu*(1-w) + turbulent(reTurbFull)*w
	}
}

// frictionFactor returns the Darcy friction factor: 64/Re laminar,
// Blasius for turbulent, blended in between.
func frictionFactor(re float64) float64 {
	const (
		reLaminar  = 2300.0
		reTurbFull = 4000.0
	)
	laminar := func(re float64) float64 { return 64 / re }
	blasius := func(re float64) float64 { return 0.316 * math.Pow(re, -0.25) }

	switch {
	case re <= reLaminar:
		return laminar(re)
	case re >= reTurbFull:
		return blasius(re)
	default:
		w := (re - reLaminar) / (reTurbFull - reLaminar)
		return laminar(reLaminar)*(1-w) + blasius(reTurbFull)*w
	}
}

// effectiveness computes the epsilon-NTU relation for the configured flow
// arrangement.
func effectiveness(ntu, cr float64, arrangement string) float64 {
	if ntu <= 0 {
		return 0
	}
	switch arrangement {
	case config.FlowParallel:
		return (1 - math.Exp(-ntu*(1+cr))) / (1 + cr)
	default: // counterflow
		if math.Abs(1-cr) < 1e-9 {
			return ntu / (1 + ntu)
		}
		e := math.Exp(-ntu * (1 - cr))
		return (1 - e) / (1 - cr*e)
	}
}

// MetricValue returns the metric identified by its scenario-facing name
func (m *Metrics) MetricValue(name string) (float64, bool) {
	switch name {
	case "thermal_efficiency":
		return m.ThermalEfficiency, true
	case "heat_transfer_rate_w":
		return m.HeatTransferRateW, true
	case "pressure_drop_pa":
		return m.PressureDropPa, true
	case "heat_transfer_coefficient_w_m2k":
		return m.HeatTransferCoefficientWm2K, true
	case "ntu":
		return m.NTU, true
	case "effectiveness":
		return m.Effectiveness, true
	case "reynolds_number":
		return m.ReynoldsNumber, true
	case "nusselt_number":
		return m.NusseltNumber, true
	case "transfer_area_m2":
		return m.TransferAreaM2, true
	case "outlet_temp_hot_c":
		return m.OutletTempHotC, true
	case "outlet_temp_cold_c":
		return m.OutletTempColdC, true
	default:
		return 0, false
	}
}
