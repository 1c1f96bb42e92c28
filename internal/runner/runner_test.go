package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hxopt/optimization-core/internal/job"
	"github.com/hxopt/optimization-core/internal/objective"
	"github.com/hxopt/optimization-core/internal/observability"
	"github.com/hxopt/optimization-core/internal/solver"
	"github.com/hxopt/optimization-core/internal/store"
	"github.com/hxopt/optimization-core/pkg/config"
)

func testScenario() *config.Scenario {
	return &config.Scenario{
		Version:   config.SchemaVersion,
		ID:        "scn-hx-1",
		Name:      "tube bundle sizing",
		Objective: "maximize_effectiveness",
		Config: config.BaseConfig{
			FlowArrangement:       config.FlowCounter,
			TubeCount:             50,
			TubeInnerDiameterM:    0.016,
			TubeWallThicknessM:    0.002,
			TubeLengthM:           3.0,
			ShellInnerDiameterM:   0.5,
			WallConductivityWmK:   16.0,
			FoulingResistanceM2KW: 0.0002,
			HotSide: config.FluidStream{
				MassFlowKgS: 8.0, InletTempC: 90.0, DensityKgM3: 965.0,
				ViscosityPaS: 0.00032, SpecificHeatJkgK: 4200.0, ConductivityWmK: 0.67,
			},
			ColdSide: config.FluidStream{
				MassFlowKgS: 10.0, InletTempC: 25.0, DensityKgM3: 997.0,
				ViscosityPaS: 0.00089, SpecificHeatJkgK: 4180.0, ConductivityWmK: 0.6,
			},
		},
		Variables: []config.DesignVariable{
			{Name: "tube_count", Min: 10, Max: 120, Baseline: 50},
			{Name: "tube_length_m", Unit: "m", Min: 1, Max: 6, Baseline: 3},
		},
		Termination: config.Termination{
			MaxIterations:  100,
			MaxEvaluations: 1000,
			Tolerance:      1e-3,
		},
	}
}

func newTestRunner(workers int) (*Runner, *store.MemoryStore) {
	s := store.NewMemoryStore()
	cfg := config.Default()
	cfg.Workers = workers
	cfg.Retry = config.RetryConfig{Attempts: 2, Backoff: "constant", BaseMs: 1, MaxMs: 1}
	return New(s, cfg, observability.NewNopMetrics()), s
}

func launchJob(t *testing.T, r *Runner, s store.Store, id string) *job.Job {
	t.Helper()
	j := &job.Job{ID: id, ScenarioID: "scn-hx-1", UserID: "user-1", Status: job.StatusPending}
	if err := s.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("CreateJob returned error: %v", err)
	}
	if err := r.Launch(j, testScenario()); err != nil {
		t.Fatalf("Launch returned error: %v", err)
	}
	return j
}

func waitStatus(t *testing.T, s store.Store, jobID string, want job.Status) *job.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := s.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("GetJob returned error: %v", err)
		}
		if j.Status == want {
			return j
		}
		time.Sleep(2 * time.Millisecond)
	}
	j, _ := s.GetJob(context.Background(), jobID)
	t.Fatalf("job %s never reached %s (now %s)", jobID, want, j.Status)
	return nil
}

// convergedSolve reports a few iterations and ends converged
func convergedSolve(iterations int) SolveFunc {
	return func(ctx context.Context, p solver.Problem, opts solver.Options, onIteration solver.IterationFunc) (*solver.Outcome, error) {
		x := append([]float64(nil), p.Initial...)
		for i := 0; i <= iterations; i++ {
			if onIteration != nil {
				onIteration(i, x, -0.5-float64(i)*0.01, i*4)
			}
		}
		return &solver.Outcome{
			Status:      solver.StatusConverged,
			Converged:   true,
			X:           x,
			Objective:   -0.5 - float64(iterations)*0.01,
			Iterations:  iterations,
			Evaluations: iterations * 4,
			Message:     "step size collapsed below tolerance",
		}, nil
	}
}

// blockingSolve waits for cancellation, mirroring the real solver's
// cooperative cancellation behavior
func blockingSolve(started chan<- struct{}) SolveFunc {
	return func(ctx context.Context, p solver.Problem, opts solver.Options, onIteration solver.IterationFunc) (*solver.Outcome, error) {
		if started != nil {
			close(started)
		}
		<-ctx.Done()
		return &solver.Outcome{
			Status:    solver.StatusCancelled,
			X:         append([]float64(nil), p.Initial...),
			Objective: -0.5,
			Message:   "run cancelled",
		}, nil
	}
}

func TestRunnerCompletesJob(t *testing.T) {
	r, s := newTestRunner(2)
	r.SetSolver(convergedSolve(5))

	launchJob(t, r, s, "job-1")
	j := waitStatus(t, s, "job-1", job.StatusCompleted)

	if j.StartedAtUnixMs == 0 || j.EndedAtUnixMs == 0 {
		t.Fatalf("expected start and end timestamps, got %d/%d", j.StartedAtUnixMs, j.EndedAtUnixMs)
	}
	if j.Convergence != string(solver.StatusConverged) {
		t.Fatalf("expected convergence recorded, got %q", j.Convergence)
	}

	result, err := s.GetResult(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("completed job must have a result: %v", err)
	}
	if !result.Converged || result.Convergence != string(solver.StatusConverged) {
		t.Fatalf("result convergence mismatch: %+v", result)
	}
	if result.BestVariables["tube_count"] != 50 || result.BestVariables["tube_length_m"] != 3 {
		t.Fatalf("best variables should map the solver vector: %v", result.BestVariables)
	}
	if len(result.Metrics) == 0 || len(result.BaselineMetrics) == 0 {
		t.Fatalf("expected metrics at best point and baseline")
	}
	if result.ConstraintViolation != 0 {
		t.Fatalf("unconstrained run must report zero violation, got %g", result.ConstraintViolation)
	}

	// Progress and history were drained before the status flip.
	if j.Progress == nil || j.Progress.Iteration != 5 {
		t.Fatalf("expected final progress iteration 5, got %+v", j.Progress)
	}
	if j.Progress.Evaluations != 20 {
		t.Fatalf("expected final progress to carry the evaluation count, got %+v", j.Progress)
	}
	recs, err := s.ListIterations(context.Background(), "job-1", 0)
	if err != nil {
		t.Fatalf("ListIterations returned error: %v", err)
	}
	if len(recs) != 6 {
		t.Fatalf("expected 6 iteration records, got %d", len(recs))
	}
}

func TestRunnerCancelWhileRunning(t *testing.T) {
	r, s := newTestRunner(2)
	started := make(chan struct{})
	r.SetSolver(blockingSolve(started))

	launchJob(t, r, s, "job-1")
	<-started
	waitStatus(t, s, "job-1", job.StatusRunning)

	if err := r.Cancel("job-1"); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	j := waitStatus(t, s, "job-1", job.StatusCancelled)
	if j.ErrorCategory != job.ErrorCancelled {
		t.Fatalf("expected cancelled category, got %s", j.ErrorCategory)
	}

	// Cancelled jobs never produce a result.
	if _, err := s.GetResult(context.Background(), "job-1"); !errors.Is(err, store.ErrResultNotFound) {
		t.Fatalf("expected no result, got %v", err)
	}
}

func TestRunnerCancelWhileQueued(t *testing.T) {
	r, s := newTestRunner(1)
	started := make(chan struct{})
	r.SetSolver(blockingSolve(started))

	launchJob(t, r, s, "job-a")
	<-started

	// With a single worker slot the second job stays PENDING.
	launchJob(t, r, s, "job-b")
	if j, err := s.GetJob(context.Background(), "job-b"); err != nil || j.Status != job.StatusPending {
		t.Fatalf("expected job-b PENDING, got %v (%v)", j.Status, err)
	}

	if err := r.Cancel("job-b"); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	j := waitStatus(t, s, "job-b", job.StatusCancelled)
	if j.StartedAtUnixMs != 0 {
		t.Fatalf("queued job should never have started")
	}

	if err := r.Cancel("job-a"); err != nil {
		t.Fatalf("Cancel job-a returned error: %v", err)
	}
	waitStatus(t, s, "job-a", job.StatusCancelled)
}

// cancelRaceStore holds the INITIALIZING status write until released, then
// reports the cancelled context the way a database driver surfaces a cancel
// that lands mid-call.
type cancelRaceStore struct {
	store.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *cancelRaceStore) SetStatus(ctx context.Context, jobID string, status job.Status, category job.ErrorCategory, message string) (*job.Job, error) {
	if status == job.StatusInitializing {
		s.once.Do(func() { close(s.entered) })
		<-s.release
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("set status: %w", err)
		}
	}
	return s.Store.SetStatus(ctx, jobID, status, category, message)
}

func TestRunnerCancelDuringInitialization(t *testing.T) {
	rs := &cancelRaceStore{
		Store:   store.NewMemoryStore(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	cfg := config.Default()
	cfg.Workers = 1
	cfg.Retry = config.RetryConfig{Attempts: 2, Backoff: "constant", BaseMs: 1, MaxMs: 1}
	r := New(rs, cfg, observability.NewNopMetrics())
	r.SetSolver(convergedSolve(5))

	launchJob(t, r, rs, "job-1")
	<-rs.entered
	if err := r.Cancel("job-1"); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	close(rs.release)

	j := waitStatus(t, rs, "job-1", job.StatusCancelled)
	if j.ErrorCategory != job.ErrorCancelled {
		t.Fatalf("a cancel surfacing through the store must not be misread as a fault, got %s", j.ErrorCategory)
	}
	if _, err := rs.GetResult(context.Background(), "job-1"); !errors.Is(err, store.ErrResultNotFound) {
		t.Fatalf("expected no result, got %v", err)
	}
}

func TestRunnerCancelUntracked(t *testing.T) {
	r, _ := newTestRunner(1)
	if err := r.Cancel("nope"); !errors.Is(err, ErrJobNotTracked) {
		t.Fatalf("expected ErrJobNotTracked, got %v", err)
	}
}

func TestRunnerLimitOutcomeKeepsPartialResult(t *testing.T) {
	r, s := newTestRunner(2)
	r.SetSolver(func(ctx context.Context, p solver.Problem, opts solver.Options, onIteration solver.IterationFunc) (*solver.Outcome, error) {
		return &solver.Outcome{
			Status:      solver.StatusIterationLimit,
			X:           append([]float64(nil), p.Initial...),
			Objective:   -0.42,
			Iterations:  opts.MaxIterations,
			Evaluations: 400,
			Message:     "iteration limit 100 reached",
		}, nil
	})

	launchJob(t, r, s, "job-1")
	j := waitStatus(t, s, "job-1", job.StatusFailed)
	if j.ErrorCategory != job.ErrorSolver {
		t.Fatalf("expected solver category, got %s", j.ErrorCategory)
	}

	// The best point so far is still recorded.
	result, err := s.GetResult(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("expected partial result: %v", err)
	}
	if result.Converged {
		t.Fatalf("partial result must not claim convergence")
	}
	if result.Convergence != string(solver.StatusIterationLimit) {
		t.Fatalf("expected iteration_limit convergence, got %s", result.Convergence)
	}
}

func TestRunnerTimeoutOutcome(t *testing.T) {
	r, s := newTestRunner(2)
	r.SetSolver(func(ctx context.Context, p solver.Problem, opts solver.Options, onIteration solver.IterationFunc) (*solver.Outcome, error) {
		return &solver.Outcome{
			Status:              solver.StatusTimeLimit,
			X:                   append([]float64(nil), p.Initial...),
			Objective:           -0.3,
			ConstraintViolation: 12.5,
			Message:             "wall-clock limit 1s exceeded",
		}, nil
	})

	launchJob(t, r, s, "job-1")
	j := waitStatus(t, s, "job-1", job.StatusFailed)
	if j.ErrorCategory != job.ErrorTimeout {
		t.Fatalf("expected timeout category, got %s", j.ErrorCategory)
	}
	result, err := s.GetResult(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("timeout with a usable best point should keep a partial result: %v", err)
	}
	if result.ConstraintViolation != 12.5 {
		t.Fatalf("result must carry the solver's violation, got %g", result.ConstraintViolation)
	}
}

func TestRunnerNumericalFailureHasNoResult(t *testing.T) {
	r, s := newTestRunner(2)
	r.SetSolver(func(ctx context.Context, p solver.Problem, opts solver.Options, onIteration solver.IterationFunc) (*solver.Outcome, error) {
		return &solver.Outcome{
			Status:    solver.StatusNumericalError,
			X:         append([]float64(nil), p.Initial...),
			Objective: objective.PenaltyScore,
			Message:   "objective is not finite at the initial point",
		}, nil
	})

	launchJob(t, r, s, "job-1")
	j := waitStatus(t, s, "job-1", job.StatusFailed)
	if j.ErrorCategory != job.ErrorSolver {
		t.Fatalf("expected solver category, got %s", j.ErrorCategory)
	}
	if _, err := s.GetResult(context.Background(), "job-1"); !errors.Is(err, store.ErrResultNotFound) {
		t.Fatalf("penalty-valued outcome must not produce a result, got %v", err)
	}
}

func TestRunnerSolverPanicFailsJob(t *testing.T) {
	r, s := newTestRunner(2)
	r.SetSolver(func(ctx context.Context, p solver.Problem, opts solver.Options, onIteration solver.IterationFunc) (*solver.Outcome, error) {
		panic("boom")
	})

	launchJob(t, r, s, "job-1")
	j := waitStatus(t, s, "job-1", job.StatusFailed)
	if j.ErrorCategory != job.ErrorInfrastructure {
		t.Fatalf("expected infrastructure category, got %s", j.ErrorCategory)
	}
}

func TestRunnerRejectedProblemFailsValidation(t *testing.T) {
	r, s := newTestRunner(2)
	r.SetSolver(func(ctx context.Context, p solver.Problem, opts solver.Options, onIteration solver.IterationFunc) (*solver.Outcome, error) {
		return nil, fmt.Errorf("bounds dimension mismatch")
	})

	launchJob(t, r, s, "job-1")
	j := waitStatus(t, s, "job-1", job.StatusFailed)
	if j.ErrorCategory != job.ErrorValidation {
		t.Fatalf("expected validation category, got %s", j.ErrorCategory)
	}
}

func TestRunnerSubscribe(t *testing.T) {
	r, s := newTestRunner(2)
	r.SetSolver(convergedSolve(10))

	j := &job.Job{ID: "job-1", ScenarioID: "scn-hx-1", UserID: "user-1", Status: job.StatusPending}
	if err := s.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("CreateJob returned error: %v", err)
	}

	ch, stop := r.Subscribe("job-1")
	defer stop()

	if err := r.Launch(j, testScenario()); err != nil {
		t.Fatalf("Launch returned error: %v", err)
	}

	received := 0
	for range ch {
		received++
	}
	// Best-effort delivery: some snapshots may be skipped, the channel must
	// close when the job finishes.
	if received == 0 {
		t.Fatalf("expected at least one snapshot")
	}
	waitStatus(t, s, "job-1", job.StatusCompleted)
}

func TestRunnerLaunchDuplicate(t *testing.T) {
	r, s := newTestRunner(1)
	started := make(chan struct{})
	r.SetSolver(blockingSolve(started))

	j := launchJob(t, r, s, "job-1")
	if err := r.Launch(j, testScenario()); err == nil {
		t.Fatalf("expected duplicate launch error")
	}
	if err := r.Cancel("job-1"); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	waitStatus(t, s, "job-1", job.StatusCancelled)
}

func TestRunnerShutdown(t *testing.T) {
	r, s := newTestRunner(2)
	started := make(chan struct{})
	r.SetSolver(blockingSolve(started))

	launchJob(t, r, s, "job-1")
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}

	j, err := s.GetJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("GetJob returned error: %v", err)
	}
	if j.Status != job.StatusCancelled {
		t.Fatalf("expected CANCELLED after shutdown, got %s", j.Status)
	}

	// New launches are refused while draining.
	j2 := &job.Job{ID: "job-2", ScenarioID: "scn-hx-1", UserID: "user-1", Status: job.StatusPending}
	if err := s.CreateJob(context.Background(), j2); err != nil {
		t.Fatalf("CreateJob returned error: %v", err)
	}
	if err := r.Launch(j2, testScenario()); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}
