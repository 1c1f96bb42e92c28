// Package job defines the optimization job model: identity, lifecycle
// status, progress snapshots, and results. The types here are pure data;
// persistence and concurrency live in the store and runner packages.
package job

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a job
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusInitializing Status = "INITIALIZING"
	StatusRunning      Status = "RUNNING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusCancelled    Status = "CANCELLED"
)

// Terminal reports whether the status is final. Terminal statuses never
// transition again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status value
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInitializing, StatusRunning,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// transitions is the closed set of legal status moves. Anything not listed
// is rejected; there is no force path around it.
var transitions = map[Status][]Status{
	StatusPending:      {StatusInitializing, StatusCancelled},
	StatusInitializing: {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning:      {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether moving from one status to another is legal
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError reports an illegal status transition
type TransitionError struct {
	JobID string
	From  Status
	To    Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: illegal transition %s -> %s", e.JobID, e.From, e.To)
}

// ErrorCategory classifies why a job failed
type ErrorCategory string

const (
	// ErrorValidation covers scenario or input problems caught before solving
	ErrorValidation ErrorCategory = "validation"
	// ErrorSolver covers runs the solver ended without convergence
	ErrorSolver ErrorCategory = "solver"
	// ErrorInfrastructure covers panics, store failures and other internal faults
	ErrorInfrastructure ErrorCategory = "infrastructure"
	// ErrorTimeout covers runs stopped by the wall-clock deadline
	ErrorTimeout ErrorCategory = "timeout"
	// ErrorCancelled marks user-requested cancellation
	ErrorCancelled ErrorCategory = "cancelled"
)

// Job is one optimization job
type Job struct {
	ID         string `json:"id"`
	ScenarioID string `json:"scenario_id"`
	UserID     string `json:"user_id"`
	Status     Status `json:"status"`

	// ErrorCategory and Error are set only on FAILED and CANCELLED jobs
	ErrorCategory ErrorCategory `json:"error_category,omitempty"`
	Error         string        `json:"error,omitempty"`

	// Convergence holds the solver's termination category on finished jobs
	Convergence string `json:"convergence,omitempty"`

	Progress *Snapshot `json:"progress,omitempty"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`
	StartedAtUnixMs int64 `json:"started_at_unix_ms,omitempty"`
	EndedAtUnixMs   int64 `json:"ended_at_unix_ms,omitempty"`
}

// Clone returns a deep copy, safe to hand out across goroutines
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.Progress = j.Progress.Clone()
	return &out
}

// Duration returns the wall-clock runtime, zero while the job has not started
func (j *Job) Duration() time.Duration {
	if j.StartedAtUnixMs == 0 {
		return 0
	}
	end := j.EndedAtUnixMs
	if end == 0 {
		end = time.Now().UTC().UnixMilli()
	}
	return time.Duration(end-j.StartedAtUnixMs) * time.Millisecond
}

// Snapshot is one point-in-time view of solver progress. Snapshots are
// immutable once published; iteration numbers are monotonically
// non-decreasing per job.
type Snapshot struct {
	JobID         string             `json:"job_id"`
	Iteration     int                `json:"iteration"`
	MaxIterations int                `json:"max_iterations"`
	Objective     float64            `json:"objective"`
	Evaluations   int                `json:"evaluations"`
	Variables     map[string]float64 `json:"variables,omitempty"`
	UnixMs        int64              `json:"unix_ms"`
}

// Clone returns a deep copy of the snapshot
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	if s.Variables != nil {
		out.Variables = make(map[string]float64, len(s.Variables))
		for k, v := range s.Variables {
			out.Variables[k] = v
		}
	}
	return &out
}

// IterationRecord is one persisted row of the iteration history
type IterationRecord struct {
	JobID     string             `json:"job_id"`
	Iteration int                `json:"iteration"`
	Objective float64            `json:"objective"`
	Variables map[string]float64 `json:"variables,omitempty"`
	UnixMs    int64              `json:"unix_ms"`
}

// Result is the final outcome of a finished job. A Result exists for every
// COMPLETED job and for FAILED jobs that produced a usable best point; a
// CANCELLED job never has one.
type Result struct {
	JobID         string             `json:"job_id"`
	ScenarioID    string             `json:"scenario_id"`
	Objective     string             `json:"objective"`
	Converged     bool               `json:"converged"`
	Convergence   string             `json:"convergence"`
	BestVariables map[string]float64 `json:"best_variables"`
	BestObjective float64            `json:"best_objective"`
	// ConstraintViolation is the largest positive constraint residual at
	// the best point, zero when every constraint is satisfied.
	ConstraintViolation float64 `json:"constraint_violation"`
	// Metrics holds the full model output at the best point, keyed by
	// metric name. Empty when the best point could not be re-evaluated.
	Metrics map[string]float64 `json:"metrics,omitempty"`
	// BaselineMetrics holds the model output at the scenario baseline,
	// for improvement reporting.
	BaselineMetrics map[string]float64 `json:"baseline_metrics,omitempty"`
	Iterations      int                `json:"iterations"`
	Evaluations     int                `json:"evaluations"`
	RuntimeMs       int64              `json:"runtime_ms"`
	Message         string             `json:"message,omitempty"`
	CreatedAtUnixMs int64              `json:"created_at_unix_ms"`
}

// Clone returns a deep copy of the result
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	out := *r
	out.BestVariables = cloneFloatMap(r.BestVariables)
	out.Metrics = cloneFloatMap(r.Metrics)
	out.BaselineMetrics = cloneFloatMap(r.BaselineMetrics)
	return &out
}

func cloneFloatMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// NowUnixMs returns the current UTC time in unix milliseconds, the
// timestamp convention used across the job model.
func NowUnixMs() int64 {
	return time.Now().UTC().UnixMilli()
}
