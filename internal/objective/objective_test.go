package objective

import (
	"errors"
	"testing"

	"github.com/hxopt/optimization-core/internal/physics"
)

func sampleMetrics() *physics.Metrics {
	return &physics.Metrics{
		ThermalEfficiency: 0.92,
		HeatTransferRateW: 500_000,
		PressureDropPa:    12_000,
		Effectiveness:     0.71,
		TransferAreaM2:    7.5,
	}
}

func TestNewKnownKinds(t *testing.T) {
	kinds := []string{
		"maximize_effectiveness",
		"maximize_heat_transfer",
		"maximize_efficiency",
		"minimize_pressure_drop",
		"minimize_transfer_area",
	}
	for _, kind := range kinds {
		fn, err := New(kind)
		if err != nil {
			t.Fatalf("New(%s) returned error: %v", kind, err)
		}
		if fn.Name() != kind {
			t.Fatalf("expected name %s, got %s", kind, fn.Name())
		}
	}
}

func TestNewUnknownKind(t *testing.T) {
	_, err := New("minimize_entropy")
	if err == nil {
		t.Fatalf("expected error for unknown kind")
	}
	var uerr *UnknownObjectiveError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected UnknownObjectiveError, got %T", err)
	}
}

func TestScoreDirection(t *testing.T) {
	m := sampleMetrics()
	tests := []struct {
		kind     string
		want     float64
		minimize bool
	}{
		{"maximize_effectiveness", -0.71, false},
		{"maximize_heat_transfer", -500_000, false},
		{"maximize_efficiency", -0.92, false},
		{"minimize_pressure_drop", 12_000, true},
		{"minimize_transfer_area", 7.5, true},
	}

	for _, tt := range tests {
		fn, err := New(tt.kind)
		if err != nil {
			t.Fatalf("New(%s) returned error: %v", tt.kind, err)
		}
		score, err := fn.Score(m)
		if err != nil {
			t.Fatalf("%s: Score returned error: %v", tt.kind, err)
		}
		if score != tt.want {
			t.Fatalf("%s: expected score %f, got %f", tt.kind, tt.want, score)
		}
		if fn.Minimize() != tt.minimize {
			t.Fatalf("%s: Minimize() = %v, want %v", tt.kind, fn.Minimize(), tt.minimize)
		}
	}
}

func TestScoreNilMetrics(t *testing.T) {
	fn, err := New("maximize_effectiveness")
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if _, err := fn.Score(nil); err == nil {
		t.Fatalf("expected error for nil metrics")
	}
}
