package objective

import (
	"fmt"
	"math"

	"github.com/hxopt/optimization-core/internal/physics"
	"github.com/hxopt/optimization-core/pkg/config"
)

// PenaltyScore is the finite value returned when an evaluation fails.
// The solver only compares scores, so any failure region looks uniformly
// bad without ever aborting the run.
const PenaltyScore = 1e9

// Adapter wraps the physics model into the scalar objective and constraint
// functions the solver consumes. It maps the solver's flat vector to and
// from named design variables using the scenario's declared ordering; the
// mapping is fixed for the lifetime of one job.
type Adapter struct {
	base      config.BaseConfig
	variables []config.DesignVariable
	fn        Function
	cons      []config.Constraint
}

// NewAdapter builds an adapter from a validated scenario
func NewAdapter(scenario *config.Scenario) (*Adapter, error) {
	if scenario == nil {
		return nil, fmt.Errorf("scenario is required")
	}
	if len(scenario.Variables) == 0 {
		return nil, fmt.Errorf("scenario has no design variables")
	}
	fn, err := New(scenario.Objective)
	if err != nil {
		return nil, err
	}
	vars := make([]config.DesignVariable, len(scenario.Variables))
	copy(vars, scenario.Variables)
	cons := make([]config.Constraint, len(scenario.Constraints))
	copy(cons, scenario.Constraints)
	return &Adapter{
		base:      scenario.Config,
		variables: vars,
		fn:        fn,
		cons:      cons,
	}, nil
}

// Dim returns the number of design variables
func (a *Adapter) Dim() int {
	return len(a.variables)
}

// ObjectiveName returns the wrapped objective's name
func (a *Adapter) ObjectiveName() string {
	return a.fn.Name()
}

// Bounds returns the lower and upper bound vectors in declaration order
func (a *Adapter) Bounds() (lower, upper []float64) {
	lower = make([]float64, len(a.variables))
	upper = make([]float64, len(a.variables))
	for i, v := range a.variables {
		lower[i] = v.Min
		upper[i] = v.Max
	}
	return lower, upper
}

// InitialGuess returns the baseline values in declaration order
func (a *Adapter) InitialGuess() []float64 {
	x := make([]float64, len(a.variables))
	for i, v := range a.variables {
		x[i] = v.Baseline
	}
	return x
}

// Named converts a solver vector into the named design-variable map
func (a *Adapter) Named(x []float64) map[string]float64 {
	vars := make(map[string]float64, len(a.variables))
	for i, v := range a.variables {
		if i < len(x) {
			vars[v.Name] = x[i]
		}
	}
	return vars
}

// Objective evaluates the scalar objective at x. Any evaluation failure
// (domain error, numerical singularity, non-finite score) yields the
// finite penalty score; it never returns an error and never panics.
func (a *Adapter) Objective(x []float64) float64 {
	m, err := a.metricsAt(x)
	if err != nil {
		return PenaltyScore
	}
	score, err := a.fn.Score(m)
	if err != nil || math.IsNaN(score) || math.IsInf(score, 0) {
		return PenaltyScore
	}
	return score
}

// Constraints evaluates the inequality constraints at x in g(x) <= 0 form.
// A failed evaluation marks every constraint maximally violated so the
// solver steers away from the failure region.
func (a *Adapter) Constraints(x []float64) []float64 {
	if len(a.cons) == 0 {
		return nil
	}
	g := make([]float64, 0, 2*len(a.cons))
	m, err := a.metricsAt(x)
	for _, c := range a.cons {
		var value float64
		ok := false
		if err == nil && m != nil {
			value, ok = m.MetricValue(c.Metric)
		}
		if c.Max != nil {
			if ok {
				g = append(g, value-*c.Max)
			} else {
				g = append(g, PenaltyScore)
			}
		}
		if c.Min != nil {
			if ok {
				g = append(g, *c.Min-value)
			} else {
				g = append(g, PenaltyScore)
			}
		}
	}
	return g
}

// MetricsAt evaluates the physics model at x. Unlike Objective, callers
// that want the raw metrics (result assembly, iteration history) see the
// underlying error.
func (a *Adapter) MetricsAt(x []float64) (*physics.Metrics, error) {
	return a.metricsAt(x)
}

func (a *Adapter) metricsAt(x []float64) (m *physics.Metrics, err error) {
	defer func() {
		// The model is pure math, but an evaluation must never take the
		// whole run down with it.
		if r := recover(); r != nil {
			m = nil
			err = fmt.Errorf("model evaluation panicked: %v", r)
		}
	}()
	if len(x) != len(a.variables) {
		return nil, fmt.Errorf("vector has %d values, want %d", len(x), len(a.variables))
	}
	return physics.Evaluate(a.base, a.Named(x))
}
