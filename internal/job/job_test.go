package job

import "testing"

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	active := []Status{StatusPending, StatusInitializing, StatusRunning}
	for _, s := range active {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}

func TestStatusValid(t *testing.T) {
	if !StatusPending.Valid() {
		t.Fatalf("PENDING should be valid")
	}
	if Status("EXPLODED").Valid() {
		t.Fatalf("unknown status should not be valid")
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusInitializing, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusRunning, false},
		{StatusPending, StatusCompleted, false},
		{StatusInitializing, StatusRunning, true},
		{StatusInitializing, StatusFailed, true},
		{StatusInitializing, StatusCancelled, true},
		{StatusInitializing, StatusCompleted, false},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCancelled, true},
		{StatusRunning, StatusPending, false},
		{StatusCompleted, StatusRunning, false},
		{StatusCompleted, StatusCancelled, false},
		{StatusFailed, StatusRunning, false},
		{StatusCancelled, StatusRunning, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTransitionErrorMessage(t *testing.T) {
	err := &TransitionError{JobID: "job-1", From: StatusCompleted, To: StatusRunning}
	want := "job job-1: illegal transition COMPLETED -> RUNNING"
	if err.Error() != want {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}

func TestJobClone(t *testing.T) {
	j := &Job{
		ID:     "job-1",
		Status: StatusRunning,
		Progress: &Snapshot{
			Iteration: 5,
			Variables: map[string]float64{"tube_count": 50},
		},
	}

	clone := j.Clone()
	clone.Status = StatusCompleted
	clone.Progress.Iteration = 9
	clone.Progress.Variables["tube_count"] = 99

	if j.Status != StatusRunning {
		t.Fatalf("clone mutation leaked into original status")
	}
	if j.Progress.Iteration != 5 {
		t.Fatalf("clone mutation leaked into original progress")
	}
	if j.Progress.Variables["tube_count"] != 50 {
		t.Fatalf("clone mutation leaked into original variables")
	}

	var nilJob *Job
	if nilJob.Clone() != nil {
		t.Fatalf("nil job clone should be nil")
	}
}

func TestResultClone(t *testing.T) {
	r := &Result{
		JobID:         "job-1",
		BestVariables: map[string]float64{"tube_count": 50},
		Metrics:       map[string]float64{"effectiveness": 0.7},
	}
	clone := r.Clone()
	clone.BestVariables["tube_count"] = 99
	clone.Metrics["effectiveness"] = 0.1

	if r.BestVariables["tube_count"] != 50 || r.Metrics["effectiveness"] != 0.7 {
		t.Fatalf("clone mutation leaked into original result")
	}
}

func TestJobDuration(t *testing.T) {
	j := &Job{}
	if j.Duration() != 0 {
		t.Fatalf("unstarted job should have zero duration")
	}

	j.StartedAtUnixMs = 1000
	j.EndedAtUnixMs = 4000
	if got := j.Duration().Milliseconds(); got != 3000 {
		t.Fatalf("expected 3000ms, got %d", got)
	}
}
