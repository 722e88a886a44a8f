// Package reconcile runs the safety-net pass over the queue on a cron
// schedule. Normal transitions already keep the invariants; this job repairs
// and reports anything that slipped through, such as rows edited by hand.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/metailurini/cati-queue/apperrors"
	"github.com/metailurini/cati-queue/metrics"
	"github.com/metailurini/cati-queue/timeprovider"
)

// DefaultSchedule runs the pass every fifteen minutes.
const DefaultSchedule = "*/15 * * * *"

type reconcileStore interface {
	ExhaustOverLimit(ctx context.Context) (int64, error)
	CountDuplicateKeys(ctx context.Context) (int64, error)
}

// Report summarizes one pass.
type Report struct {
	Exhausted     int64 `json:"exhausted"`
	DuplicateKeys int64 `json:"duplicateKeys"`
}

// Config provides runtime options for the reconciler.
type Config struct {
	// Schedule is a five-field cron expression.
	Schedule     string
	Logger       *zerolog.Logger
	TimeProvider timeprovider.Provider
}

// Runner executes Reconcile on every scheduled tick.
type Runner struct {
	store    reconcileStore
	schedule cron.Schedule
	logger   zerolog.Logger
	now      func() time.Time
}

// ParseSchedule parses a standard five-field cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, apperrors.ErrInvalidArgument)
	}
	return schedule, nil
}

// NewRunner constructs a reconciler.
func NewRunner(store reconcileStore, cfg Config) (*Runner, error) {
	if store == nil {
		return nil, apperrors.ErrNotConfigured
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	schedule, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	if cfg.TimeProvider == nil {
		cfg.TimeProvider = timeprovider.RealProvider{}
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Runner{
		store:    store,
		schedule: schedule,
		logger:   logger,
		now:      cfg.TimeProvider.Now,
	}, nil
}

// Run waits for each scheduled time and reconciles, until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	for {
		now := r.now()
		wait := r.schedule.Next(now).Sub(now)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if _, err := r.Reconcile(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error().Err(err).Str("event", "reconcile").Msg("reconcile failed")
		}
	}
}

// Reconcile runs one pass.
func (r *Runner) Reconcile(ctx context.Context) (Report, error) {
	var rep Report

	exhausted, err := r.store.ExhaustOverLimit(ctx)
	if err != nil {
		return rep, err
	}
	rep.Exhausted = exhausted
	metrics.ReconciledTotal.Add(float64(exhausted))

	dups, err := r.store.CountDuplicateKeys(ctx)
	if err != nil {
		return rep, err
	}
	rep.DuplicateKeys = dups
	metrics.DuplicateKeys.Set(float64(dups))

	ev := r.logger.Info()
	if rep.Exhausted > 0 || rep.DuplicateKeys > 0 {
		ev = r.logger.Warn()
	}
	ev.Str("event", "reconcile").
		Int64("exhausted", rep.Exhausted).
		Int64("duplicate_keys", rep.DuplicateKeys).
		Msg("reconcile finished")
	return rep, nil
}
