package physics

import (
	"errors"
	"math"
	"testing"

	"github.com/hxopt/optimization-core/pkg/config"
)

func baseConfig() config.BaseConfig {
	return config.BaseConfig{
		FlowArrangement:       config.FlowCounter,
		TubeCount:             50,
		TubeInnerDiameterM:    0.016,
		TubeWallThicknessM:    0.002,
		TubeLengthM:           3.0,
		ShellInnerDiameterM:   0.5,
		WallConductivityWmK:   16.0,
		FoulingResistanceM2KW: 0.0002,
		HotSide: config.FluidStream{
			MassFlowKgS:      8.0,
			InletTempC:       90.0,
			DensityKgM3:      965.0,
			ViscosityPaS:     0.00032,
			SpecificHeatJkgK: 4200.0,
			ConductivityWmK:  0.67,
		},
		ColdSide: config.FluidStream{
			MassFlowKgS:      10.0,
			InletTempC:       25.0,
			DensityKgM3:      997.0,
			ViscosityPaS:     0.00089,
			SpecificHeatJkgK: 4180.0,
			ConductivityWmK:  0.6,
		},
	}
}

func TestEvaluateProducesSaneMetrics(t *testing.T) {
	m, err := Evaluate(baseConfig(), nil)
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}

	if m.Effectiveness <= 0 || m.Effectiveness >= 1 {
		t.Fatalf("effectiveness out of (0,1): %f", m.Effectiveness)
	}
	if m.HeatTransferRateW <= 0 {
		t.Fatalf("expected positive heat transfer rate, got %f", m.HeatTransferRateW)
	}
	if m.PressureDropPa <= 0 {
		t.Fatalf("expected positive pressure drop, got %f", m.PressureDropPa)
	}
	if m.OutletTempHotC >= 90.0 {
		t.Fatalf("hot outlet %f should be below inlet", m.OutletTempHotC)
	}
	if m.OutletTempColdC <= 25.0 {
		t.Fatalf("cold outlet %f should be above inlet", m.OutletTempColdC)
	}
	if m.OutletTempHotC <= 25.0 || m.OutletTempColdC >= 90.0 {
		t.Fatalf("outlet temperatures escaped inlet bounds: hot=%f cold=%f", m.OutletTempHotC, m.OutletTempColdC)
	}
	if m.NTU <= 0 || m.ReynoldsNumber <= 0 || m.NusseltNumber <= 0 {
		t.Fatalf("expected positive NTU/Re/Nu, got %f/%f/%f", m.NTU, m.ReynoldsNumber, m.NusseltNumber)
	}
}

func TestEvaluateEnergyBalance(t *testing.T) {
	cfg := baseConfig()
	m, err := Evaluate(cfg, nil)
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}

	qHot := cfg.HotSide.MassFlowKgS * cfg.HotSide.SpecificHeatJkgK * (cfg.HotSide.InletTempC - m.OutletTempHotC)
	qCold := cfg.ColdSide.MassFlowKgS * cfg.ColdSide.SpecificHeatJkgK * (m.OutletTempColdC - cfg.ColdSide.InletTempC)

	if math.Abs(qHot-m.HeatTransferRateW)/m.HeatTransferRateW > 1e-9 {
		t.Fatalf("hot side energy balance violated: q=%f, cp*dT=%f", m.HeatTransferRateW, qHot)
	}
	if math.Abs(qCold-m.HeatTransferRateW)/m.HeatTransferRateW > 1e-9 {
		t.Fatalf("cold side energy balance violated: q=%f, cp*dT=%f", m.HeatTransferRateW, qCold)
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	vars := map[string]float64{"tube_length_m": 2.5, "tube_count": 60}
	a, err := Evaluate(baseConfig(), vars)
	if err != nil {
		t.Fatalf("first evaluation failed: %v", err)
	}
	b, err := Evaluate(baseConfig(), vars)
	if err != nil {
		t.Fatalf("second evaluation failed: %v", err)
	}
	if *a != *b {
		t.Fatalf("identical inputs produced different metrics: %+v vs %+v", a, b)
	}
}

func TestEvaluateMoreTubesMoreArea(t *testing.T) {
	few, err := Evaluate(baseConfig(), map[string]float64{"tube_count": 30})
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	many, err := Evaluate(baseConfig(), map[string]float64{"tube_count": 90})
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if many.TransferAreaM2 <= few.TransferAreaM2 {
		t.Fatalf("expected larger area with more tubes: %f vs %f", many.TransferAreaM2, few.TransferAreaM2)
	}
	// More parallel tubes means slower per-tube flow, hence less friction.
	if many.PressureDropPa >= few.PressureDropPa {
		t.Fatalf("expected smaller pressure drop with more tubes: %f vs %f", many.PressureDropPa, few.PressureDropPa)
	}
}

func TestCounterflowBeatsParallel(t *testing.T) {
	counter, err := Evaluate(baseConfig(), nil)
	if err != nil {
		t.Fatalf("counterflow evaluation failed: %v", err)
	}
	cfg := baseConfig()
	cfg.FlowArrangement = config.FlowParallel
	parallel, err := Evaluate(cfg, nil)
	if err != nil {
		t.Fatalf("parallel evaluation failed: %v", err)
	}
	if counter.Effectiveness <= parallel.Effectiveness {
		t.Fatalf("counterflow effectiveness %f should exceed parallel %f",
			counter.Effectiveness, parallel.Effectiveness)
	}
}

func TestEvaluateDomainErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.BaseConfig)
	}{
		{"zero hot flow", func(c *config.BaseConfig) { c.HotSide.MassFlowKgS = 0 }},
		{"zero cold flow", func(c *config.BaseConfig) { c.ColdSide.MassFlowKgS = 0 }},
		{"inverted temperatures", func(c *config.BaseConfig) { c.HotSide.InletTempC = 20 }},
		{"no tubes", func(c *config.BaseConfig) { c.TubeCount = 0 }},
		{"bundle too large", func(c *config.BaseConfig) { c.ShellInnerDiameterM = 0.05 }},
		{"zero tube diameter", func(c *config.BaseConfig) { c.TubeInnerDiameterM = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			tt.mutate(&cfg)
			_, err := Evaluate(cfg, nil)
			if err == nil {
				t.Fatalf("expected domain error")
			}
			var derr *DomainError
			if !errors.As(err, &derr) {
				t.Fatalf("expected DomainError, got %T: %v", err, err)
			}
		})
	}
}

func TestApplyVariables(t *testing.T) {
	cfg, err := ApplyVariables(baseConfig(), map[string]float64{
		"tube_count":         72.6,
		"tube_length_m":      4.5,
		"hot_mass_flow_kg_s": 6.0,
	})
	if err != nil {
		t.Fatalf("ApplyVariables returned error: %v", err)
	}
	if cfg.TubeCount != 73 {
		t.Fatalf("expected tube_count rounded to 73, got %d", cfg.TubeCount)
	}
	if cfg.TubeLengthM != 4.5 {
		t.Fatalf("expected tube_length_m 4.5, got %f", cfg.TubeLengthM)
	}
	if cfg.HotSide.MassFlowKgS != 6.0 {
		t.Fatalf("expected hot mass flow 6.0, got %f", cfg.HotSide.MassFlowKgS)
	}
}

func TestApplyVariablesUnknownName(t *testing.T) {
	_, err := ApplyVariables(baseConfig(), map[string]float64{"baffle_count": 4})
	if err == nil {
		t.Fatalf("expected error for unknown variable")
	}
}

func TestMetricValueCoversValidMetrics(t *testing.T) {
	m, err := Evaluate(baseConfig(), nil)
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	for name := range config.ValidMetrics {
		if _, ok := m.MetricValue(name); !ok {
			t.Fatalf("metric %s not resolvable", name)
		}
	}
	if _, ok := m.MetricValue("no_such_metric"); ok {
		t.Fatalf("unknown metric should not resolve")
	}
}
