// Package solver implements the bound-constrained optimization routine
// driving a job: a deterministic compass (pattern) search with a quadratic
// penalty for inequality constraints. The run is synchronous and
// cancellable; progress is reported through a per-iteration callback.
package solver

import (
	"context"
	"fmt"
	"time"

	"github.com/hxopt/optimization-core/pkg/utils"
)

// Status is the closed set of convergence categories a run can end in.
// Raw solver internals are never passed through to callers.
type Status string

const (
	StatusConverged       Status = "converged"
	StatusIterationLimit  Status = "iteration_limit"
	StatusEvaluationLimit Status = "evaluation_limit"
	StatusTimeLimit       Status = "time_limit"
	StatusCancelled       Status = "cancelled"
	StatusInfeasible      Status = "infeasible"
	StatusNumericalError  Status = "numerical_error"
)

// Problem defines one optimization problem over a box-bounded domain
type Problem struct {
	// Objective returns the scalar objective at x. Lower is better.
	// It must be total: failures are expected to surface as large finite
	// penalty values, not errors.
	Objective func(x []float64) float64

	// Constraints returns inequality constraint values in g(x) <= 0 form.
	// May be nil when the problem is unconstrained.
	Constraints func(x []float64) []float64

	Lower   []float64
	Upper   []float64
	Initial []float64
}

// Options holds termination criteria and tuning knobs
type Options struct {
	MaxIterations  int
	MaxEvaluations int
	// Tolerance terminates the search once the step size has collapsed
	// below Tolerance relative to each variable's range.
	Tolerance  float64
	MaxRuntime time.Duration // zero means uncapped

	// PenaltyWeight scales the quadratic constraint penalty. Defaults to 1e3.
	PenaltyWeight float64
	// InitialStepFraction is the starting step size relative to each
	// variable's range. Defaults to 0.25.
	InitialStepFraction float64
}

// IterationFunc is invoked synchronously from inside the solver loop after
// each iteration, with the running evaluation count. It must not block and
// must not perform I/O; its only legal action is to hand an immutable
// snapshot to a channel and return.
type IterationFunc func(iteration int, x []float64, objective float64, evaluations int)

// Outcome reports how a run ended
type Outcome struct {
	Status              Status
	Converged           bool
	X                   []float64
	Objective           float64 // raw objective at X, penalty excluded
	ConstraintViolation float64 // max positive g_i at X, 0 when feasible
	Iterations          int
	Evaluations         int
	Message             string
}

// feasibilityTolerance bounds the constraint violation accepted as feasible
const feasibilityTolerance = 1e-6

// Run executes the search. It returns an error only for a malformed
// problem; every runtime condition is expressed through the Outcome.
func Run(ctx context.Context, p Problem, opts Options, onIteration IterationFunc) (*Outcome, error) {
	if err := validate(p, opts); err != nil {
		return nil, err
	}

	weight := opts.PenaltyWeight
	if weight <= 0 {
		weight = 1e3
	}
	stepFraction := opts.InitialStepFraction
	if stepFraction <= 0 || stepFraction > 1 {
		stepFraction = 0.25
	}

	dim := len(p.Initial)
	ranges := make([]float64, dim)
	for i := range ranges {
		ranges[i] = p.Upper[i] - p.Lower[i]
	}

	start := time.Now()
	evaluations := 0

	type point struct {
		x         []float64
		raw       float64
		penalized float64
		violation float64
	}

	evaluate := func(x []float64) point {
		evaluations++
		raw := p.Objective(x)
		penalized := raw
		violation := 0.0
		if p.Constraints != nil {
			for _, g := range p.Constraints(x) {
				if g > 0 {
					penalized += weight * g * g
					if g > violation {
						violation = g
					}
				}
			}
		}
		return point{x: x, raw: raw, penalized: penalized, violation: violation}
	}

	current := evaluate(clampVector(p.Initial, p.Lower, p.Upper))
	if !utils.IsFinite(current.penalized) {
		return &Outcome{
			Status:      StatusNumericalError,
			X:           append([]float64(nil), current.x...),
			Objective:   current.raw,
			Evaluations: evaluations,
			Message:     "objective is not finite at the initial point",
		}, nil
	}
	best := current

	checker := NewCombinedStrategy(&ConvergenceConfig{
		Tolerance:           opts.Tolerance,
		NoImprovementWindow: defaultNoImprovementWindow,
		MinIterations:       defaultMinIterations,
	})
	history := make([]Step, 0, opts.MaxIterations+1)
	history = append(history, Step{Iteration: 0, Objective: best.penalized, StepFraction: stepFraction})

	if onIteration != nil {
		onIteration(0, append([]float64(nil), best.x...), best.raw, evaluations)
	}

	finish := func(status Status, message string) *Outcome {
		iterations := history[len(history)-1].Iteration
		if status != StatusCancelled && status != StatusTimeLimit && best.violation > feasibilityTolerance {
			status = StatusInfeasible
			message = fmt.Sprintf("no feasible point found (max constraint violation %.3g)", best.violation)
		}
		return &Outcome{
			Status:              status,
			Converged:           status == StatusConverged,
			X:                   append([]float64(nil), best.x...),
			Objective:           best.raw,
			ConstraintViolation: best.violation,
			Iterations:          iterations,
			Evaluations:         evaluations,
			Message:             message,
		}
	}

	for iteration := 1; iteration <= opts.MaxIterations; iteration++ {
		// Cooperative cancellation checkpoint: observed between
		// iterations, never mid-evaluation.
		if ctx.Err() != nil {
			return finish(StatusCancelled, "run cancelled"), nil
		}
		if opts.MaxRuntime > 0 && time.Since(start) > opts.MaxRuntime {
			return finish(StatusTimeLimit, fmt.Sprintf("wall-clock limit %s exceeded", opts.MaxRuntime)), nil
		}

		// Poll the 2*dim compass directions, clamped to bounds.
		improved := false
		next := current
		for i := 0; i < dim; i++ {
			if ranges[i] <= 0 {
				continue
			}
			step := stepFraction * ranges[i]
			for _, dir := range []float64{1, -1} {
				if opts.MaxEvaluations > 0 && evaluations >= opts.MaxEvaluations {
					return finish(StatusEvaluationLimit, fmt.Sprintf("evaluation limit %d reached", opts.MaxEvaluations)), nil
				}
				candidate := append([]float64(nil), current.x...)
				candidate[i] = utils.ClampFloat64(candidate[i]+dir*step, p.Lower[i], p.Upper[i])
				if candidate[i] == current.x[i] {
					continue
				}
				pt := evaluate(candidate)
				if pt.penalized < next.penalized {
					next = pt
					improved = true
				}
			}
		}

		if improved {
			current = next
			if current.penalized < best.penalized {
				best = current
			}
		} else {
			stepFraction /= 2
		}

		history = append(history, Step{Iteration: iteration, Objective: best.penalized, StepFraction: stepFraction})
		if onIteration != nil {
			onIteration(iteration, append([]float64(nil), best.x...), best.raw, evaluations)
		}

		if converged, reason := checker.Check(history); converged {
			return finish(StatusConverged, reason), nil
		}
	}

	return finish(StatusIterationLimit, fmt.Sprintf("iteration limit %d reached", opts.MaxIterations)), nil
}

func validate(p Problem, opts Options) error {
	if p.Objective == nil {
		return fmt.Errorf("objective function is required")
	}
	dim := len(p.Initial)
	if dim == 0 {
		return fmt.Errorf("initial point is required")
	}
	if len(p.Lower) != dim || len(p.Upper) != dim {
		return fmt.Errorf("bounds dimension mismatch: initial %d, lower %d, upper %d", dim, len(p.Lower), len(p.Upper))
	}
	for i := range p.Lower {
		if p.Lower[i] >= p.Upper[i] {
			return fmt.Errorf("variable %d: lower bound must be less than upper bound", i)
		}
	}
	if opts.MaxIterations <= 0 {
		return fmt.Errorf("max iterations must be positive")
	}
	if opts.Tolerance <= 0 {
		return fmt.Errorf("tolerance must be positive")
	}
	return nil
}

func clampVector(x, lo, hi []float64) []float64 {
	out := make([]float64, len(x))
	for i := range x {
		out[i] = utils.ClampFloat64(x[i], lo[i], hi[i])
	}
	return out
}
