// Package engine is the orchestration facade: scenario registry, job
// submission through admission control, status and progress queries,
// cancellation, result retrieval and retention. Transports (HTTP) call
// into this package only.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hxopt/optimization-core/internal/admission"
	"github.com/hxopt/optimization-core/internal/job"
	"github.com/hxopt/optimization-core/internal/observability"
	"github.com/hxopt/optimization-core/internal/runner"
	"github.com/hxopt/optimization-core/internal/store"
	"github.com/hxopt/optimization-core/pkg/config"
	"github.com/hxopt/optimization-core/pkg/logger"
	"github.com/hxopt/optimization-core/pkg/utils"
)

var (
	ErrScenarioNotFound = errors.New("scenario not found")
	ErrScenarioExists   = errors.New("scenario already exists")
	ErrUserIDMissing    = errors.New("user_id is required")
	// ErrResultNotReady distinguishes "job still working" from "job has
	// no result": the former is retryable, the latter is not.
	ErrResultNotReady = errors.New("job has not finished yet")
)

// Engine wires the store, admission controller and runner together
type Engine struct {
	cfg       *config.Config
	store     store.Store
	admission *admission.Controller
	runner    *runner.Runner
	metrics   *observability.Metrics

	mu        sync.RWMutex
	scenarios map[string]*config.Scenario

	retentionStop chan struct{}
	retentionDone chan struct{}
}

// New creates an engine over the given store
func New(cfg *config.Config, s store.Store, metrics *observability.Metrics) *Engine {
	return &Engine{
		cfg:       cfg,
		store:     s,
		admission: admission.NewController(s, cfg.Admission),
		runner:    runner.New(s, cfg, metrics),
		metrics:   metrics,
		scenarios: make(map[string]*config.Scenario),
	}
}

// Runner exposes the task runner, e.g. for solver injection in tests
func (e *Engine) Runner() *runner.Runner {
	return e.runner
}

// RegisterScenario validates and stores a scenario definition. The ID must
// be unused.
func (e *Engine) RegisterScenario(scenario *config.Scenario) error {
	if err := config.ValidateScenario(scenario); err != nil {
		return fmt.Errorf("invalid scenario: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.scenarios[scenario.ID]; exists {
		return fmt.Errorf("%w: %s", ErrScenarioExists, scenario.ID)
	}
	e.scenarios[scenario.ID] = scenario
	logger.Info("scenario registered", "scenario_id", scenario.ID, "objective", scenario.Objective)
	return nil
}

// Scenario returns a registered scenario
func (e *Engine) Scenario(scenarioID string) (*config.Scenario, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	scenario, ok := e.scenarios[scenarioID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScenarioNotFound, scenarioID)
	}
	return scenario, nil
}

// ListScenarios returns all registered scenarios
func (e *Engine) ListScenarios() []*config.Scenario {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*config.Scenario, 0, len(e.scenarios))
	for _, scenario := range e.scenarios {
		out = append(out, scenario)
	}
	return out
}

// CreateJob admits and launches a new job for the scenario. On success the
// returned job is PENDING and queued for a worker slot.
func (e *Engine) CreateJob(ctx context.Context, userID, scenarioID string) (*job.Job, error) {
	if userID == "" {
		return nil, ErrUserIDMissing
	}
	scenario, err := e.Scenario(scenarioID)
	if err != nil {
		e.metrics.JobsRejected.WithLabelValues("validation").Inc()
		return nil, err
	}

	j := &job.Job{
		ID:              utils.GenerateJobID(),
		ScenarioID:      scenarioID,
		UserID:          userID,
		Status:          job.StatusPending,
		CreatedAtUnixMs: job.NowUnixMs(),
	}

	if err := e.admission.Admit(ctx, j); err != nil {
		var lerr *admission.LimitError
		if errors.As(err, &lerr) {
			e.metrics.JobsRejected.WithLabelValues(lerr.Scope + "_limit").Inc()
		}
		return nil, err
	}
	e.metrics.JobsAdmitted.Inc()

	if err := e.runner.Launch(j, scenario); err != nil {
		// The job was admitted but cannot run; fail it so it does not hold
		// an admission slot forever.
		if _, serr := e.store.SetStatus(ctx, j.ID, job.StatusCancelled, job.ErrorInfrastructure, "launch failed"); serr != nil {
			logger.Error("failed to fail unlaunchable job", "job_id", j.ID, "error", serr)
		}
		return nil, fmt.Errorf("launch job: %w", err)
	}

	logger.Info("job created", "job_id", j.ID, "scenario_id", scenarioID, "user_id", userID)
	return j, nil
}

// GetJobStatus returns the current job state
func (e *Engine) GetJobStatus(ctx context.Context, jobID string) (*job.Job, error) {
	return e.store.GetJob(ctx, jobID)
}

// ListJobs returns jobs matching the filter
func (e *Engine) ListJobs(ctx context.Context, filter store.ListFilter) ([]*job.Job, error) {
	return e.store.ListJobs(ctx, filter)
}

// EstimateRemaining projects the remaining runtime from observed
// per-iteration pace. Zero when the job is terminal or has no progress yet.
func (e *Engine) EstimateRemaining(j *job.Job) time.Duration {
	if j == nil || j.Status.Terminal() || j.Progress == nil || j.StartedAtUnixMs == 0 {
		return 0
	}
	p := j.Progress
	if p.Iteration <= 0 || p.MaxIterations <= 0 {
		return 0
	}
	elapsed := time.Duration(p.UnixMs-j.StartedAtUnixMs) * time.Millisecond
	if elapsed <= 0 {
		return 0
	}
	perIteration := elapsed / time.Duration(p.Iteration)
	remaining := utils.Max(p.MaxIterations-p.Iteration, 0)
	return perIteration * time.Duration(remaining)
}

// CancelJob requests cancellation. Cancelling a job that is already
// CANCELLED is idempotent; cancelling a COMPLETED or FAILED job returns
// store.ErrJobTerminal.
func (e *Engine) CancelJob(ctx context.Context, jobID string) (*job.Job, error) {
	j, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status == job.StatusCancelled {
		return j, nil
	}
	if j.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", store.ErrJobTerminal, jobID, j.Status)
	}

	// Tracked jobs flip their own status from the job goroutine; untracked
	// ones (left over from a previous process) are flipped directly.
	if err := e.runner.Cancel(jobID); err != nil {
		if !errors.Is(err, runner.ErrJobNotTracked) {
			return nil, err
		}
		if _, serr := e.store.SetStatus(ctx, jobID, job.StatusCancelled, job.ErrorCancelled, "cancelled by user"); serr != nil {
			return nil, serr
		}
	}
	logger.Info("job cancellation requested", "job_id", jobID)
	return e.store.GetJob(ctx, jobID)
}

// GetJobResult returns the final result. ErrResultNotReady while the job
// is still working; store.ErrResultNotFound when the job finished without
// producing one.
func (e *Engine) GetJobResult(ctx context.Context, jobID string) (*job.Result, error) {
	j, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !j.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrResultNotReady, jobID, j.Status)
	}
	return e.store.GetResult(ctx, jobID)
}

// GetIterationHistory returns the persisted iteration records
func (e *Engine) GetIterationHistory(ctx context.Context, jobID string, limit int) ([]*job.IterationRecord, error) {
	return e.store.ListIterations(ctx, jobID, limit)
}

// WatchJob attaches a live progress stream. The channel closes when the
// job reaches a terminal status or the stop function is called. A job that
// is already terminal yields an immediately closed channel.
func (e *Engine) WatchJob(ctx context.Context, jobID string) (<-chan *job.Snapshot, func(), error) {
	j, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if j.Status.Terminal() {
		ch := make(chan *job.Snapshot)
		close(ch)
		return ch, func() {}, nil
	}

	ch, unsubscribe := e.runner.Subscribe(jobID)

	// The job may have finished between the status read and the subscribe;
	// re-check so the caller is not left on a channel nobody will close.
	j, err = e.store.GetJob(ctx, jobID)
	if err == nil && j.Status.Terminal() {
		unsubscribe()
	}
	return ch, unsubscribe, nil
}

// BulkDelete removes terminal jobs and their results and history.
// Non-terminal jobs are reported as skipped rather than deleted.
func (e *Engine) BulkDelete(ctx context.Context, jobIDs []string) (deleted, skipped []string, err error) {
	deleted, skipped, err = e.store.DeleteJobs(ctx, jobIDs)
	if err == nil {
		logger.Info("bulk delete", "requested", len(jobIDs), "deleted", len(deleted), "skipped", len(skipped))
	}
	return deleted, skipped, err
}

// StartRetention launches the periodic sweep that deletes terminal jobs
// older than the configured age. No-op when retention is disabled.
func (e *Engine) StartRetention() error {
	if !e.cfg.Retention.Enabled {
		return nil
	}
	maxAge, err := e.cfg.Retention.GetMaxAge()
	if err != nil {
		return fmt.Errorf("retention max_age: %w", err)
	}
	interval, err := e.cfg.Retention.GetInterval()
	if err != nil {
		return fmt.Errorf("retention interval: %w", err)
	}

	e.retentionStop = make(chan struct{})
	e.retentionDone = make(chan struct{})
	go func() {
		defer close(e.retentionDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cutoff := time.Now().Add(-maxAge).UTC().UnixMilli()
				n, err := e.store.DeleteTerminalBefore(context.Background(), cutoff)
				if err != nil {
					logger.Error("retention sweep failed", "error", err)
					continue
				}
				if n > 0 {
					logger.Info("retention sweep", "deleted", n)
				}
			case <-e.retentionStop:
				return
			}
		}
	}()
	return nil
}

// Shutdown cancels all running jobs, stops retention and waits for the
// job goroutines to finish or the context to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.retentionStop != nil {
		close(e.retentionStop)
		<-e.retentionDone
	}
	return e.runner.Shutdown(ctx)
}
