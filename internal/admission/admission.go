// Package admission enforces per-user and per-scenario concurrency limits
// on job creation. The count and the reservation happen under one lock, so
// two simultaneous submissions can never both slip under a limit.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hxopt/optimization-core/internal/job"
	"github.com/hxopt/optimization-core/internal/store"
	"github.com/hxopt/optimization-core/pkg/config"
)

var (
	ErrUserLimit     = errors.New("user job limit reached")
	ErrScenarioLimit = errors.New("scenario job limit reached")
)

// LimitError carries the limit that rejected a submission
type LimitError struct {
	Scope  string // "user" or "scenario"
	Key    string
	Active int
	Limit  int
	err    error
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s %s has %d active jobs (limit %d)", e.Scope, e.Key, e.Active, e.Limit)
}

func (e *LimitError) Unwrap() error {
	return e.err
}

// Controller gates job creation against the configured limits
type Controller struct {
	mu    sync.Mutex
	store store.Store
	cfg   config.AdmissionLimits
}

// NewController creates an admission controller over the given store
func NewController(s store.Store, cfg config.AdmissionLimits) *Controller {
	return &Controller{store: s, cfg: cfg}
}

// Admit checks both limits and, when the job fits, creates it in PENDING
// state. Check and reservation are atomic with respect to other Admit
// calls: the new job is visible to the store's active counts before the
// lock is released.
func (c *Controller) Admit(ctx context.Context, j *job.Job) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.MaxJobsPerUser > 0 {
		active, err := c.store.CountActiveByUser(ctx, j.UserID)
		if err != nil {
			return fmt.Errorf("count user jobs: %w", err)
		}
		if active >= c.cfg.MaxJobsPerUser {
			return &LimitError{Scope: "user", Key: j.UserID, Active: active, Limit: c.cfg.MaxJobsPerUser, err: ErrUserLimit}
		}
	}
	if c.cfg.MaxJobsPerScenario > 0 {
		active, err := c.store.CountActiveByScenario(ctx, j.ScenarioID)
		if err != nil {
			return fmt.Errorf("count scenario jobs: %w", err)
		}
		if active >= c.cfg.MaxJobsPerScenario {
			return &LimitError{Scope: "scenario", Key: j.ScenarioID, Active: active, Limit: c.cfg.MaxJobsPerScenario, err: ErrScenarioLimit}
		}
	}

	return c.store.CreateJob(ctx, j)
}
