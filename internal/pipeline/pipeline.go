// Package pipeline runs build stages in order. A stage is plain data: a
// name, an optional precondition and an action.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ErrSkip may be returned by a precondition to skip its stage without
// failing the run.
var ErrSkip = errors.New("stage skipped")

// Stage is one step of the build.
type Stage struct {
	Name         string
	Precondition func(ctx context.Context) error
	Action       func(ctx context.Context) error
}

// Runner executes stages sequentially.
type Runner struct {
	stages  []Stage
	logger  *slog.Logger
	metrics *Metrics
	runID   string
}

// NewRunner creates a runner with a fresh run id. metrics may be nil.
func NewRunner(logger *slog.Logger, metrics *Metrics, stages ...Stage) *Runner {
	runID := uuid.New().String()
	return &Runner{
		stages:  stages,
		logger:  logger.With("run", runID),
		metrics: metrics,
		runID:   runID,
	}
}

// RunID identifies this run in logs and reports.
func (r *Runner) RunID() string {
	return r.runID
}

// Logger returns the run-scoped logger.
func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

// Run executes every stage in order and stops at the first failure. The
// returned error is a *StageError.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("starting build", "stages", len(r.stages))
	for _, s := range r.stages {
		if err := ctx.Err(); err != nil {
			return &StageError{Stage: s.Name, Step: "precondition", Err: err}
		}
		if err := r.runStage(ctx, s); err != nil {
			if errors.Is(err, ErrSkip) {
				continue
			}
			return err
		}
	}
	r.logger.Info("build finished")
	return nil
}

func (r *Runner) runStage(ctx context.Context, s Stage) error {
	logger := r.logger.With("stage", s.Name)
	start := time.Now()

	if s.Precondition != nil {
		if err := s.Precondition(ctx); err != nil {
			if errors.Is(err, ErrSkip) {
				logger.Info("stage skipped", "reason", err)
				r.metrics.observe(s.Name, OutcomeSkipped, time.Since(start))
				return ErrSkip
			}
			logger.Error("precondition failed", "error", err)
			r.metrics.observe(s.Name, OutcomeFailed, time.Since(start))
			return &StageError{Stage: s.Name, Step: "precondition", Err: err}
		}
	}

	logger.Info("stage started")
	if err := s.Action(ctx); err != nil {
		logger.Error("stage failed", "error", err, "duration", time.Since(start))
		r.metrics.observe(s.Name, OutcomeFailed, time.Since(start))
		return &StageError{Stage: s.Name, Step: "action", Err: err}
	}
	logger.Info("stage finished", "duration", time.Since(start))
	r.metrics.observe(s.Name, OutcomeSucceeded, time.Since(start))
	return nil
}
