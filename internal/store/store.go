// Package store persists jobs, progress, iteration history and results.
// Two implementations exist: an in-memory store for tests and ephemeral
// deployments, and a SQLite store for durable single-node operation.
package store

import (
	"context"
	"errors"

	"github.com/hxopt/optimization-core/internal/job"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrJobExists      = errors.New("job already exists")
	ErrJobTerminal    = errors.New("job is in a terminal state")
	ErrResultNotFound = errors.New("result not found")
	ErrResultExists   = errors.New("result already exists")
)

// ListFilter narrows ListJobs output. Zero values match everything.
type ListFilter struct {
	UserID     string
	ScenarioID string
	Status     job.Status
	Limit      int
}

// Store is the persistence contract. All methods are safe for concurrent
// use. Implementations enforce the job state machine: SetStatus rejects
// transitions the model does not allow, so a racing writer can never
// resurrect a terminal job.
type Store interface {
	// CreateJob inserts a new PENDING job. ErrJobExists on a duplicate ID.
	CreateJob(ctx context.Context, j *job.Job) error

	// GetJob returns a copy of the job. ErrJobNotFound when absent.
	GetJob(ctx context.Context, jobID string) (*job.Job, error)

	// ListJobs returns copies of jobs matching the filter, newest first.
	ListJobs(ctx context.Context, filter ListFilter) ([]*job.Job, error)

	// SetStatus transitions the job, stamping started/ended timestamps and
	// recording the error category and message for failure states. Returns
	// TransitionError for an illegal move and ErrJobTerminal when the job
	// has already finished.
	SetStatus(ctx context.Context, jobID string, status job.Status, category job.ErrorCategory, message string) (*job.Job, error)

	// SetProgress updates the job's latest snapshot. Progress on a terminal
	// job is refused with ErrJobTerminal; a snapshot older than the stored
	// one is dropped silently, keeping iteration numbers monotonic.
	SetProgress(ctx context.Context, jobID string, snap *job.Snapshot) error

	// AppendIteration records one iteration history row
	AppendIteration(ctx context.Context, rec *job.IterationRecord) error

	// ListIterations returns the iteration history in iteration order
	ListIterations(ctx context.Context, jobID string, limit int) ([]*job.IterationRecord, error)

	// CountActiveByUser counts the user's non-terminal jobs
	CountActiveByUser(ctx context.Context, userID string) (int, error)

	// CountActiveByScenario counts non-terminal jobs for a scenario
	CountActiveByScenario(ctx context.Context, scenarioID string) (int, error)

	// PutResult stores the final result. Results are write-once:
	// ErrResultExists on a second write for the same job.
	PutResult(ctx context.Context, r *job.Result) error

	// GetResult returns a copy of the result. ErrResultNotFound when absent.
	GetResult(ctx context.Context, jobID string) (*job.Result, error)

	// DeleteJobs removes the given jobs together with their results and
	// iteration history. Non-terminal jobs are skipped, not deleted.
	// Returns the IDs actually deleted and the IDs skipped.
	DeleteJobs(ctx context.Context, jobIDs []string) (deleted, skipped []string, err error)

	// DeleteTerminalBefore removes terminal jobs whose end time is older
	// than the cutoff, returning how many were removed.
	DeleteTerminalBefore(ctx context.Context, cutoffUnixMs int64) (int, error)

	Close() error
}

// applyTransition mutates j in place for the requested transition after
// validating it. Shared by both store implementations so the state machine
// has exactly one enforcement point.
func applyTransition(j *job.Job, status job.Status, category job.ErrorCategory, message string) error {
	if j.Status == status {
		return nil
	}
	if j.Status.Terminal() {
		return ErrJobTerminal
	}
	if !job.CanTransition(j.Status, status) {
		return &job.TransitionError{JobID: j.ID, From: j.Status, To: status}
	}

	j.Status = status
	now := job.NowUnixMs()
	switch status {
	case job.StatusRunning:
		if j.StartedAtUnixMs == 0 {
			j.StartedAtUnixMs = now
		}
	case job.StatusCompleted, job.StatusFailed, job.StatusCancelled:
		j.EndedAtUnixMs = now
	}
	switch status {
	case job.StatusFailed, job.StatusCancelled:
		j.ErrorCategory = category
		j.Error = message
	case job.StatusCompleted:
		// For a completed job the message carries the convergence category.
		j.Convergence = message
	}
	return nil
}
