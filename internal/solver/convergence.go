package solver

import (
	"fmt"
	"math"
)

// Step records the search state after one iteration, for convergence
// detection.
type Step struct {
	Iteration    int
	Objective    float64 // best penalized objective so far
	StepFraction float64 // current step size relative to variable range
}

// ConvergenceStrategy defines how to detect convergence
type ConvergenceStrategy interface {
	// Check reports whether the search has converged based on history
	Check(history []Step) (bool, string)
	// Name returns the name of the convergence strategy
	Name() string
}

// ConvergenceConfig holds configuration for convergence detection
type ConvergenceConfig struct {
	// Tolerance is the step fraction below which the search is considered
	// stationary.
	Tolerance float64
	// NoImprovementWindow is the number of iterations without meaningful
	// improvement before stopping.
	NoImprovementWindow int
	// MinIterations is the minimum number of iterations before
	// convergence can be detected.
	MinIterations int
}

const (
	defaultNoImprovementWindow = 8
	defaultMinIterations       = 3
)

// StepCollapseStrategy detects convergence once the step size has shrunk
// below the tolerance: no direction within resolution improves the
// objective.
type StepCollapseStrategy struct {
	config *ConvergenceConfig
}

// NewStepCollapseStrategy creates a new step-collapse convergence strategy
func NewStepCollapseStrategy(config *ConvergenceConfig) *StepCollapseStrategy {
	return &StepCollapseStrategy{config: config}
}

func (s *StepCollapseStrategy) Name() string {
	return "step_collapse"
}

func (s *StepCollapseStrategy) Check(history []Step) (bool, string) {
	if len(history) < s.config.MinIterations {
		return false, ""
	}
	last := history[len(history)-1]
	if last.StepFraction < s.config.Tolerance {
		return true, fmt.Sprintf("step size collapsed below tolerance (%.3g < %.3g)", last.StepFraction, s.config.Tolerance)
	}
	return false, ""
}

// NoImprovementStrategy detects convergence when the best objective has not
// improved meaningfully for a window of iterations
type NoImprovementStrategy struct {
	config *ConvergenceConfig
}

// NewNoImprovementStrategy creates a new no-improvement convergence strategy
func NewNoImprovementStrategy(config *ConvergenceConfig) *NoImprovementStrategy {
	return &NoImprovementStrategy{config: config}
}

func (s *NoImprovementStrategy) Name() string {
	return "no_improvement"
}

func (s *NoImprovementStrategy) Check(history []Step) (bool, string) {
	window := s.config.NoImprovementWindow
	if window <= 0 {
		window = defaultNoImprovementWindow
	}
	if len(history) < s.config.MinIterations || len(history) <= window {
		return false, ""
	}

	recent := history[len(history)-window:]
	first := recent[0].Objective
	last := recent[len(recent)-1].Objective

	improvement := first - last
	scale := math.Max(math.Abs(first), 1)
	if improvement/scale < s.config.Tolerance {
		return true, fmt.Sprintf("no improvement for %d iterations", window)
	}
	return false, ""
}

// CombinedStrategy converges as soon as any member strategy does
type CombinedStrategy struct {
	strategies []ConvergenceStrategy
}

// NewCombinedStrategy creates the default strategy set
func NewCombinedStrategy(config *ConvergenceConfig) *CombinedStrategy {
	return &CombinedStrategy{
		strategies: []ConvergenceStrategy{
			NewStepCollapseStrategy(config),
			NewNoImprovementStrategy(config),
		},
	}
}

func (s *CombinedStrategy) Name() string {
	return "combined"
}

func (s *CombinedStrategy) Check(history []Step) (bool, string) {
	for _, strategy := range s.strategies {
		if converged, reason := strategy.Check(history); converged {
			return true, fmt.Sprintf("%s: %s", strategy.Name(), reason)
		}
	}
	return false, ""
}

// AddStrategy adds a custom strategy to the combined strategy
func (s *CombinedStrategy) AddStrategy(strategy ConvergenceStrategy) {
	s.strategies = append(s.strategies, strategy)
}
