// Package optd hosts the daemon's HTTP surface: a JSON API over the
// orchestration engine plus an SSE stream for live job progress.
package optd

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hxopt/optimization-core/internal/admission"
	"github.com/hxopt/optimization-core/internal/engine"
	"github.com/hxopt/optimization-core/internal/job"
	"github.com/hxopt/optimization-core/internal/store"
	"github.com/hxopt/optimization-core/pkg/config"
	"github.com/hxopt/optimization-core/pkg/logger"
	"github.com/hxopt/optimization-core/pkg/utils"
)

type HTTPServer struct {
	mux     *http.ServeMux
	engine  *engine.Engine
	limiter *rate.Limiter
}

// NewHTTPServer creates the HTTP API over the engine. Submission requests
// are throttled by a token bucket, separately from the admission
// controller's active-job ceilings.
func NewHTTPServer(eng *engine.Engine, limits config.SubmissionLimits) *HTTPServer {
	rps := limits.RatePerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := limits.Burst
	if burst <= 0 {
		burst = 20
	}

	s := &HTTPServer{
		mux:     http.NewServeMux(),
		engine:  eng,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}

	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.HandleFunc("/v1/scenarios", s.handleScenarios)
	s.mux.HandleFunc("/v1/scenarios/", s.handleScenarioByID)
	s.mux.HandleFunc("/v1/jobs", s.handleJobs)
	s.mux.HandleFunc("/v1/jobs:delete", s.handleBulkDelete)
	s.mux.HandleFunc("/v1/jobs/", s.handleJobByID)

	return s
}

// Handler returns the API handler. Every response carries an
// X-Request-ID, echoing the caller's when one is supplied.
func (s *HTTPServer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = utils.GenerateTraceID()
		}
		w.Header().Set("X-Request-ID", requestID)
		s.mux.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleScenarios handles /v1/scenarios
func (s *HTTPServer) handleScenarios(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleRegisterScenario(w, r)
	case http.MethodGet:
		s.handleListScenarios(w, r)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleRegisterScenario handles POST /v1/scenarios. The body is the
// scenario YAML itself when Content-Type is application/yaml, or
// {"scenario_yaml": "..."} as JSON.
func (s *HTTPServer) handleRegisterScenario(w http.ResponseWriter, r *http.Request) {
	var yamlText string
	if strings.Contains(r.Header.Get("Content-Type"), "json") {
		var req struct {
			ScenarioYAML string `json:"scenario_yaml"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		yamlText = req.ScenarioYAML
	} else {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "failed to read body: "+err.Error())
			return
		}
		yamlText = string(body)
	}
	if yamlText == "" {
		s.writeError(w, http.StatusBadRequest, "scenario_yaml is required")
		return
	}

	scenario, err := config.ParseScenarioYAMLString(yamlText)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid scenario: "+err.Error())
		return
	}
	if err := s.engine.RegisterScenario(scenario); err != nil {
		if errors.Is(err, engine.ErrScenarioExists) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	logger.Info("scenario registered (HTTP)", "scenario_id", scenario.ID)
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"scenario": convertScenarioToJSON(scenario),
	})
}

// handleListScenarios handles GET /v1/scenarios
func (s *HTTPServer) handleListScenarios(w http.ResponseWriter, _ *http.Request) {
	scenarios := s.engine.ListScenarios()
	out := make([]map[string]any, 0, len(scenarios))
	for _, scenario := range scenarios {
		out = append(out, convertScenarioToJSON(scenario))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"scenarios": out})
}

// handleScenarioByID handles GET /v1/scenarios/{id}
func (s *HTTPServer) handleScenarioByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	scenarioID := strings.TrimPrefix(r.URL.Path, "/v1/scenarios/")
	if scenarioID == "" {
		s.writeError(w, http.StatusBadRequest, "scenario ID is required")
		return
	}
	scenario, err := s.engine.Scenario(scenarioID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"scenario": convertScenarioToJSON(scenario),
	})
}

// handleJobs handles /v1/jobs
func (s *HTTPServer) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateJob(w, r)
	case http.MethodGet:
		s.handleListJobs(w, r)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleCreateJob handles POST /v1/jobs
func (s *HTTPServer) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		s.writeError(w, http.StatusTooManyRequests, "submission rate limit exceeded")
		return
	}

	var req struct {
		UserID     string `json:"user_id"`
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	j, err := s.engine.CreateJob(r.Context(), req.UserID, req.ScenarioID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	logger.Info("job created (HTTP)", "job_id", j.ID)
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"job": convertJobToJSON(j, 0),
	})
}

// handleListJobs handles GET /v1/jobs with filtering
func (s *HTTPServer) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter := store.ListFilter{
		UserID:     r.URL.Query().Get("user_id"),
		ScenarioID: r.URL.Query().Get("scenario_id"),
	}
	if statusStr := r.URL.Query().Get("status"); statusStr != "" {
		status := job.Status(strings.ToUpper(statusStr))
		if !status.Valid() {
			s.writeError(w, http.StatusBadRequest, "unknown status: "+statusStr)
			return
		}
		filter.Status = status
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			filter.Limit = utils.Clamp(parsed, 1, 1000)
		}
	}

	jobs, err := s.engine.ListJobs(r.Context(), filter)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, convertJobToJSON(j, s.engine.EstimateRemaining(j)))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  out,
		"count": len(out),
	})
}

// handleBulkDelete handles POST /v1/jobs:delete
func (s *HTTPServer) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		JobIDs []string `json:"job_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.JobIDs) == 0 {
		s.writeError(w, http.StatusBadRequest, "job_ids is required")
		return
	}

	deleted, skipped, err := s.engine.BulkDelete(r.Context(), req.JobIDs)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"deleted": emptyIfNil(deleted),
		"skipped": emptyIfNil(skipped),
	})
}

// handleJobByID handles /v1/jobs/{id} and related endpoints
func (s *HTTPServer) handleJobByID(w http.ResponseWriter, r *http.Request) {
	// Parse path: /v1/jobs/{id}, /v1/jobs/{id}:cancel, /v1/jobs/{id}/result,
	// /v1/jobs/{id}/iterations or /v1/jobs/{id}/progress/stream
	path := strings.TrimPrefix(r.URL.Path, "/v1/jobs/")
	if path == "" {
		s.writeError(w, http.StatusBadRequest, "job ID is required")
		return
	}

	if strings.HasSuffix(path, ":cancel") {
		jobID := strings.TrimSuffix(path, ":cancel")
		if r.Method == http.MethodPost {
			s.handleCancelJob(w, r, jobID)
		} else {
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
		return
	}

	if strings.HasSuffix(path, "/result") {
		jobID := strings.TrimSuffix(path, "/result")
		if r.Method == http.MethodGet {
			s.handleGetResult(w, r, jobID)
		} else {
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
		return
	}

	if strings.HasSuffix(path, "/iterations") {
		jobID := strings.TrimSuffix(path, "/iterations")
		if r.Method == http.MethodGet {
			s.handleGetIterations(w, r, jobID)
		} else {
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
		return
	}

	if strings.HasSuffix(path, "/progress/stream") {
		jobID := strings.TrimSuffix(path, "/progress/stream")
		if r.Method == http.MethodGet {
			s.handleProgressStream(w, r, jobID)
		} else {
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
		return
	}

	if r.Method == http.MethodGet {
		s.handleGetJob(w, r, path)
	} else {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleGetJob handles GET /v1/jobs/{id}
func (s *HTTPServer) handleGetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	j, err := s.engine.GetJobStatus(r.Context(), jobID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"job": convertJobToJSON(j, s.engine.EstimateRemaining(j)),
	})
}

// handleCancelJob handles POST /v1/jobs/{id}:cancel
func (s *HTTPServer) handleCancelJob(w http.ResponseWriter, r *http.Request, jobID string) {
	j, err := s.engine.CancelJob(r.Context(), jobID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	logger.Info("job cancelled (HTTP)", "job_id", jobID)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"job": convertJobToJSON(j, 0),
	})
}

// handleGetResult handles GET /v1/jobs/{id}/result
func (s *HTTPServer) handleGetResult(w http.ResponseWriter, r *http.Request, jobID string) {
	result, err := s.engine.GetJobResult(r.Context(), jobID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

// handleGetIterations handles GET /v1/jobs/{id}/iterations
func (s *HTTPServer) handleGetIterations(w http.ResponseWriter, r *http.Request, jobID string) {
	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = utils.Clamp(parsed, 1, 1000)
		}
	}
	records, err := s.engine.GetIterationHistory(r.Context(), jobID, limit)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"job_id":     jobID,
		"iterations": records,
		"count":      len(records),
	})
}

// handleProgressStream handles GET /v1/jobs/{id}/progress/stream (SSE)
func (s *HTTPServer) handleProgressStream(w http.ResponseWriter, r *http.Request, jobID string) {
	j, err := s.engine.GetJobStatus(r.Context(), jobID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	snapshots, stop, err := s.engine.WatchJob(r.Context(), jobID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	defer stop()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	s.sendSSEEvent(w, "status", map[string]any{"status": string(j.Status)})
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snapshots:
			if !ok {
				// Producer closed the stream: the job reached a terminal
				// status. Report it and end the stream.
				if final, err := s.engine.GetJobStatus(r.Context(), jobID); err == nil {
					s.sendSSEEvent(w, "complete", map[string]any{"status": string(final.Status)})
				}
				if flusher, ok := w.(http.Flusher); ok {
					flusher.Flush()
				}
				return
			}
			s.sendSSEEvent(w, "progress", map[string]any{
				"iteration":        snap.Iteration,
				"max_iterations":   snap.MaxIterations,
				"progress_percent": progressPercent(snap),
				"objective":        snap.Objective,
				"evaluations":      snap.Evaluations,
				"variables":        snap.Variables,
				"unix_ms":          snap.UnixMs,
			})
			if flusher, ok := w.(http.Flusher); ok {
				flusher.Flush()
			}
		}
	}
}

// sendSSEEvent sends a Server-Sent Event. Write errors are logged but not
// returned: SSE streams are best-effort.
func (s *HTTPServer) sendSSEEvent(w http.ResponseWriter, eventType string, data map[string]any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		logger.Error("failed to marshal SSE event data", "error", err)
		return
	}
	if _, err := w.Write([]byte("event: " + eventType + "\n")); err != nil {
		logger.Error("failed to write SSE event header", "error", err)
		return
	}
	if _, err := w.Write([]byte("data: " + string(jsonData) + "\n\n")); err != nil {
		logger.Error("failed to write SSE event data", "error", err)
	}
}

// writeEngineError maps engine and store errors onto HTTP statuses
func (s *HTTPServer) writeEngineError(w http.ResponseWriter, err error) {
	var lerr *admission.LimitError
	var terr *job.TransitionError
	switch {
	case errors.Is(err, store.ErrJobNotFound),
		errors.Is(err, store.ErrResultNotFound),
		errors.Is(err, engine.ErrScenarioNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &lerr):
		s.writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, engine.ErrResultNotReady):
		s.writeError(w, http.StatusPreconditionFailed, err.Error())
	case errors.Is(err, store.ErrJobTerminal), errors.As(err, &terr):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrUserIDMissing):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode JSON response", "error", err)
	}
}

func (s *HTTPServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]any{"error": message})
}

func convertJobToJSON(j *job.Job, eta time.Duration) map[string]any {
	out := map[string]any{
		"id":                 j.ID,
		"scenario_id":        j.ScenarioID,
		"user_id":            j.UserID,
		"status":             string(j.Status),
		"created_at_unix_ms": j.CreatedAtUnixMs,
		"started_at_unix_ms": j.StartedAtUnixMs,
		"ended_at_unix_ms":   j.EndedAtUnixMs,
	}
	if j.Error != "" {
		out["error"] = j.Error
		out["error_category"] = string(j.ErrorCategory)
	}
	if j.Convergence != "" {
		out["convergence"] = j.Convergence
	}
	if j.Progress != nil {
		out["progress"] = map[string]any{
			"iteration":        j.Progress.Iteration,
			"max_iterations":   j.Progress.MaxIterations,
			"progress_percent": progressPercent(j.Progress),
			"objective":        j.Progress.Objective,
			"evaluations":      j.Progress.Evaluations,
			"unix_ms":          j.Progress.UnixMs,
		}
	}
	if eta > 0 {
		out["estimated_remaining_ms"] = eta.Milliseconds()
	}
	return out
}

func convertScenarioToJSON(scenario *config.Scenario) map[string]any {
	vars := make([]map[string]any, 0, len(scenario.Variables))
	for _, v := range scenario.Variables {
		vars = append(vars, map[string]any{
			"name":     v.Name,
			"unit":     v.Unit,
			"min":      v.Min,
			"max":      v.Max,
			"baseline": v.Baseline,
		})
	}
	return map[string]any{
		"id":        scenario.ID,
		"name":      scenario.Name,
		"objective": scenario.Objective,
		"variables": vars,
		"termination": map[string]any{
			"max_iterations":  scenario.Termination.MaxIterations,
			"max_evaluations": scenario.Termination.MaxEvaluations,
			"tolerance":       scenario.Termination.Tolerance,
			"max_runtime":     scenario.Termination.MaxRuntime,
		},
	}
}

func progressPercent(p *job.Snapshot) float64 {
	if p.MaxIterations <= 0 {
		return 0
	}
	pct := float64(p.Iteration) / float64(p.MaxIterations) * 100
	return utils.ClampFloat64(pct, 0, 100)
}

func emptyIfNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

