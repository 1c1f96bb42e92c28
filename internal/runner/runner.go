// Package runner executes optimization jobs: one goroutine per job, a
// fixed pool of worker slots, per-job cancellation, progress draining and
// terminal status handling. The runner is the only writer of RUNNING and
// terminal statuses for the jobs it launches.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hxopt/optimization-core/internal/job"
	"github.com/hxopt/optimization-core/internal/objective"
	"github.com/hxopt/optimization-core/internal/observability"
	"github.com/hxopt/optimization-core/internal/physics"
	"github.com/hxopt/optimization-core/internal/solver"
	"github.com/hxopt/optimization-core/internal/store"
	"github.com/hxopt/optimization-core/pkg/config"
	"github.com/hxopt/optimization-core/pkg/logger"
	"github.com/hxopt/optimization-core/pkg/utils"
)

var (
	ErrJobNotTracked = errors.New("job is not tracked by the runner")
	ErrShuttingDown  = errors.New("runner is shutting down")
)

// SolveFunc matches solver.Run. The runner's default is solver.Run;
// SetSolver swaps it, mainly so tests can substitute controlled outcomes.
type SolveFunc func(ctx context.Context, p solver.Problem, opts solver.Options, onIteration solver.IterationFunc) (*solver.Outcome, error)

// Runner owns job execution
type Runner struct {
	store   store.Store
	metrics *observability.Metrics

	workers        int
	progressBuffer int
	retryAttempts  int
	backoff        utils.BackoffStrategy

	slots chan struct{}
	solve SolveFunc

	mu          sync.Mutex
	cancels     map[string]context.CancelFunc
	subscribers map[string][]*subscriber
	draining    bool

	wg sync.WaitGroup
}

// New creates a runner with a fixed worker pool
func New(s store.Store, cfg *config.Config, metrics *observability.Metrics) *Runner {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	retry := cfg.Retry.Attempts
	if retry <= 0 {
		retry = 3
	}
	return &Runner{
		store:          s,
		metrics:        metrics,
		workers:        workers,
		progressBuffer: cfg.Progress.BufferSize,
		retryAttempts:  retry,
		backoff:        utils.BackoffFromConfig(cfg.Retry.Backoff, cfg.Retry.BaseMs, cfg.Retry.MaxMs),
		slots:          make(chan struct{}, workers),
		solve:          solver.Run,
		cancels:        make(map[string]context.CancelFunc),
		subscribers:    make(map[string][]*subscriber),
	}
}

// Workers returns the worker pool size
func (r *Runner) Workers() int {
	return r.workers
}

// SetSolver replaces the solve function used for launched jobs
func (r *Runner) SetSolver(fn SolveFunc) {
	if fn != nil {
		r.solve = fn
	}
}

// Launch starts asynchronous execution of an admitted PENDING job. The
// goroutine queues for a worker slot; cancellation is honored while
// queued and between solver iterations.
func (r *Runner) Launch(j *job.Job, scenario *config.Scenario) error {
	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return ErrShuttingDown
	}
	if _, exists := r.cancels[j.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("job %s is already launched", j.ID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancels[j.ID] = cancel
	r.wg.Add(1)
	r.mu.Unlock()

	r.metrics.QueuedJobs.Inc()
	go r.run(ctx, j.ID, scenario)
	return nil
}

// Cancel requests cancellation of a tracked job. The job goroutine
// observes the cancelled context at its next checkpoint and flips the
// status itself, so there is a single status writer per job.
func (r *Runner) Cancel(jobID string) error {
	r.mu.Lock()
	cancel, ok := r.cancels[jobID]
	r.mu.Unlock()
	if !ok {
		return ErrJobNotTracked
	}
	cancel()
	return nil
}

// subscriber is one live progress listener. The once guard makes closing
// idempotent between unsubscribe and job cleanup.
type subscriber struct {
	ch   chan *job.Snapshot
	once sync.Once
}

func (s *subscriber) closeChan() {
	s.once.Do(func() { close(s.ch) })
}

// Subscribe attaches a live progress listener for a job. Snapshots are
// delivered best-effort: a slow subscriber misses snapshots instead of
// slowing the job. The channel is closed when the job finishes or the
// returned function is called.
func (r *Runner) Subscribe(jobID string) (<-chan *job.Snapshot, func()) {
	sub := &subscriber{ch: make(chan *job.Snapshot, 16)}
	r.mu.Lock()
	r.subscribers[jobID] = append(r.subscribers[jobID], sub)
	r.mu.Unlock()

	unsubscribe := func() {
		r.mu.Lock()
		subs := r.subscribers[jobID]
		for i, s := range subs {
			if s == sub {
				r.subscribers[jobID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		r.mu.Unlock()
		sub.closeChan()
	}
	return sub.ch, unsubscribe
}

// Shutdown cancels every tracked job and waits for the goroutines to
// finish or the context to expire.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.draining = true
	for _, cancel := range r.cancels {
		cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown wait: %w", ctx.Err())
	}
}

func (r *Runner) run(ctx context.Context, jobID string, scenario *config.Scenario) {
	defer r.wg.Done()
	defer r.cleanup(jobID)
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("job goroutine panicked", "job_id", jobID, "panic", rec)
			r.finishNoResult(jobID, job.StatusFailed, job.ErrorInfrastructure, fmt.Sprintf("internal error: %v", rec))
		}
	}()

	// Queue for a worker slot.
	select {
	case r.slots <- struct{}{}:
	case <-ctx.Done():
		r.metrics.QueuedJobs.Dec()
		r.finishNoResult(jobID, job.StatusCancelled, job.ErrorCancelled, "cancelled before start")
		return
	}
	defer func() { <-r.slots }()
	r.metrics.QueuedJobs.Dec()
	r.metrics.ActiveJobs.Inc()
	defer r.metrics.ActiveJobs.Dec()

	if _, err := r.store.SetStatus(ctx, jobID, job.StatusInitializing, "", ""); err != nil {
		// A cancel racing the slot grant lands here: the job is already
		// terminal and there is nothing left to do.
		if errors.Is(err, store.ErrJobTerminal) {
			return
		}
		// A cancel racing the store call surfaces as the driver reporting
		// the cancelled context, not as a store fault.
		if ctx.Err() != nil {
			r.finishNoResult(jobID, job.StatusCancelled, job.ErrorCancelled, "cancelled during initialization")
			return
		}
		logger.Error("failed to mark job initializing", "job_id", jobID, "error", err)
		r.finishNoResult(jobID, job.StatusFailed, job.ErrorInfrastructure, fmt.Sprintf("status update failed: %v", err))
		return
	}
	if ctx.Err() != nil {
		r.finishNoResult(jobID, job.StatusCancelled, job.ErrorCancelled, "cancelled during initialization")
		return
	}

	adapter, err := objective.NewAdapter(scenario)
	if err != nil {
		r.finishNoResult(jobID, job.StatusFailed, job.ErrorValidation, fmt.Sprintf("invalid scenario: %v", err))
		return
	}

	lower, upper := adapter.Bounds()
	problem := solver.Problem{
		Objective:   adapter.Objective,
		Constraints: adapter.Constraints,
		Lower:       lower,
		Upper:       upper,
		Initial:     adapter.InitialGuess(),
	}
	maxRuntime, err := scenario.Termination.GetMaxRuntime()
	if err != nil {
		r.finishNoResult(jobID, job.StatusFailed, job.ErrorValidation, fmt.Sprintf("invalid max_runtime: %v", err))
		return
	}
	opts := solver.Options{
		MaxIterations:  scenario.Termination.MaxIterations,
		MaxEvaluations: scenario.Termination.MaxEvaluations,
		Tolerance:      scenario.Termination.Tolerance,
		MaxRuntime:     maxRuntime,
	}

	pc := NewProgressChannel(r.progressBuffer)
	drained := make(chan struct{})
	go r.drain(jobID, pc, drained)

	if _, err := r.store.SetStatus(ctx, jobID, job.StatusRunning, "", ""); err != nil {
		pc.Close()
		<-drained
		if errors.Is(err, store.ErrJobTerminal) {
			return
		}
		if ctx.Err() != nil {
			r.finishNoResult(jobID, job.StatusCancelled, job.ErrorCancelled, "cancelled during initialization")
			return
		}
		logger.Error("failed to mark job running", "job_id", jobID, "error", err)
		r.finishNoResult(jobID, job.StatusFailed, job.ErrorInfrastructure, fmt.Sprintf("status update failed: %v", err))
		return
	}

	logger.Info("job started", "job_id", jobID, "scenario_id", scenario.ID,
		"objective", scenario.Objective, "variables", adapter.Dim())

	started := time.Now()
	onIteration := func(iteration int, x []float64, objectiveValue float64, evaluations int) {
		r.metrics.SolverIterations.Inc()
		pc.Publish(&job.Snapshot{
			JobID:         jobID,
			Iteration:     iteration,
			MaxIterations: scenario.Termination.MaxIterations,
			Objective:     objectiveValue,
			Evaluations:   evaluations,
			Variables:     adapter.Named(x),
			UnixMs:        job.NowUnixMs(),
		})
	}

	outcome, solveErr := r.solve(ctx, problem, opts, onIteration)

	// Drain before flipping the terminal status so every snapshot the
	// solver produced is persisted first.
	pc.Close()
	<-drained
	r.metrics.SnapshotsDropped.Add(float64(pc.Dropped()))

	if solveErr != nil {
		r.finishNoResult(jobID, job.StatusFailed, job.ErrorValidation, fmt.Sprintf("solver rejected problem: %v", solveErr))
		return
	}

	runtime := time.Since(started)
	r.finish(jobID, scenario, adapter, outcome, runtime)
}

// drain persists snapshots from the progress channel and fans them out to
// subscribers. Persistence is retried with backoff; a snapshot that still
// fails is logged and skipped so progress never wedges the job.
func (r *Runner) drain(jobID string, pc *ProgressChannel, done chan<- struct{}) {
	defer close(done)
	for snap := range pc.Recv() {
		r.fanout(jobID, snap)

		err := r.withRetry(func() error {
			return r.store.SetProgress(context.Background(), jobID, snap)
		})
		if err != nil && !errors.Is(err, store.ErrJobTerminal) {
			logger.Warn("failed to persist progress", "job_id", jobID, "iteration", snap.Iteration, "error", err)
		}
		err = r.withRetry(func() error {
			return r.store.AppendIteration(context.Background(), &job.IterationRecord{
				JobID:     snap.JobID,
				Iteration: snap.Iteration,
				Objective: snap.Objective,
				Variables: snap.Variables,
				UnixMs:    snap.UnixMs,
			})
		})
		if err != nil {
			logger.Warn("failed to persist iteration", "job_id", jobID, "iteration", snap.Iteration, "error", err)
		}
	}
}

func (r *Runner) fanout(jobID string, snap *job.Snapshot) {
	r.mu.Lock()
	subs := append([]*subscriber(nil), r.subscribers[jobID]...)
	r.mu.Unlock()
	for _, sub := range subs {
		select {
		case sub.ch <- snap:
		default:
		}
	}
}

// finish maps a solver outcome onto the job's terminal state. The result,
// when one exists, is stored before the status flips so an observer that
// sees COMPLETED can always fetch it.
func (r *Runner) finish(jobID string, scenario *config.Scenario, adapter *objective.Adapter, outcome *solver.Outcome, runtime time.Duration) {
	usable := isUsableOutcome(outcome)

	var status job.Status
	var category job.ErrorCategory
	var message string
	writeResult := false

	switch outcome.Status {
	case solver.StatusCancelled:
		status, category, message = job.StatusCancelled, job.ErrorCancelled, "cancelled by user"
	case solver.StatusConverged:
		status, message = job.StatusCompleted, string(outcome.Status)
		writeResult = true
	case solver.StatusTimeLimit:
		status, category = job.StatusFailed, job.ErrorTimeout
		message = fmt.Sprintf("%s: %s", outcome.Status, outcome.Message)
		writeResult = usable
	case solver.StatusNumericalError:
		status, category = job.StatusFailed, job.ErrorSolver
		message = fmt.Sprintf("%s: %s", outcome.Status, outcome.Message)
	default:
		// iteration_limit, evaluation_limit, infeasible
		status, category = job.StatusFailed, job.ErrorSolver
		message = fmt.Sprintf("%s: %s", outcome.Status, outcome.Message)
		writeResult = usable
	}

	if writeResult && usable {
		result := r.buildResult(jobID, scenario, adapter, outcome, runtime)
		err := r.withRetry(func() error {
			return r.store.PutResult(context.Background(), result)
		})
		if err != nil && !errors.Is(err, store.ErrResultExists) {
			logger.Error("failed to store result", "job_id", jobID, "error", err)
			status, category = job.StatusFailed, job.ErrorInfrastructure
			message = fmt.Sprintf("result persistence failed: %v", err)
		}
	}

	r.setTerminal(jobID, status, category, message)
}

func (r *Runner) buildResult(jobID string, scenario *config.Scenario, adapter *objective.Adapter, outcome *solver.Outcome, runtime time.Duration) *job.Result {
	result := &job.Result{
		JobID:               jobID,
		ScenarioID:          scenario.ID,
		Objective:           scenario.Objective,
		Converged:           outcome.Converged,
		Convergence:         string(outcome.Status),
		BestVariables:       adapter.Named(outcome.X),
		BestObjective:       outcome.Objective,
		ConstraintViolation: outcome.ConstraintViolation,
		Iterations:          outcome.Iterations,
		Evaluations:         outcome.Evaluations,
		RuntimeMs:           runtime.Milliseconds(),
		Message:             outcome.Message,
	}
	if m, err := adapter.MetricsAt(outcome.X); err == nil {
		result.Metrics = metricsMap(m)
	} else {
		logger.Warn("could not re-evaluate best point", "job_id", jobID, "error", err)
	}
	if m, err := adapter.MetricsAt(adapter.InitialGuess()); err == nil {
		result.BaselineMetrics = metricsMap(m)
	}
	return result
}

// finishNoResult flips a terminal status for outcomes that produce no
// result record.
func (r *Runner) finishNoResult(jobID string, status job.Status, category job.ErrorCategory, message string) {
	r.setTerminal(jobID, status, category, message)
}

func (r *Runner) setTerminal(jobID string, status job.Status, category job.ErrorCategory, message string) {
	err := r.withRetry(func() error {
		_, err := r.store.SetStatus(context.Background(), jobID, status, category, message)
		return err
	})
	switch {
	case err == nil:
		r.metrics.JobsFinished.WithLabelValues(string(status)).Inc()
		if j, getErr := r.store.GetJob(context.Background(), jobID); getErr == nil {
			r.metrics.JobDuration.Observe(j.Duration().Seconds())
		}
		logger.Info("job finished", "job_id", jobID, "status", status, "message", message)
	case errors.Is(err, store.ErrJobTerminal):
		// Lost the race against another terminal writer, nothing to do.
	default:
		logger.Error("failed to set terminal status", "job_id", jobID, "status", status, "error", err)
	}
}

func (r *Runner) cleanup(jobID string) {
	r.mu.Lock()
	if cancel, ok := r.cancels[jobID]; ok {
		cancel()
		delete(r.cancels, jobID)
	}
	subs := r.subscribers[jobID]
	delete(r.subscribers, jobID)
	r.mu.Unlock()
	for _, sub := range subs {
		sub.closeChan()
	}
}

func (r *Runner) withRetry(op func() error) error {
	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(r.backoff.NextDelay(attempt))
		}
		err = op()
		if err == nil {
			return nil
		}
		// State machine violations will not heal with retries.
		var terr *job.TransitionError
		if errors.Is(err, store.ErrJobTerminal) || errors.Is(err, store.ErrJobNotFound) ||
			errors.Is(err, store.ErrResultExists) || errors.As(err, &terr) {
			return err
		}
	}
	return err
}

// isUsableOutcome reports whether the outcome carries a best point worth
// recording. Penalty-valued or non-finite objectives mean the solver never
// saw a successful evaluation.
func isUsableOutcome(o *solver.Outcome) bool {
	if o == nil || len(o.X) == 0 {
		return false
	}
	if !utils.IsFinite(o.Objective) {
		return false
	}
	return o.Objective < objective.PenaltyScore
}

func metricsMap(m *physics.Metrics) map[string]float64 {
	out := make(map[string]float64, len(config.ValidMetrics))
	for name := range config.ValidMetrics {
		if v, ok := m.MetricValue(name); ok {
			out[name] = v
		}
	}
	return out
}
