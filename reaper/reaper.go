// Package reaper reclaims entries whose lease expired without a report, so a
// crashed or partitioned worker never strands a respondent in leased.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/metailurini/cati-queue/apperrors"
	"github.com/metailurini/cati-queue/backoff"
	"github.com/metailurini/cati-queue/events"
	"github.com/metailurini/cati-queue/metrics"
	"github.com/metailurini/cati-queue/queue"
	"github.com/metailurini/cati-queue/storage"
)

type reclaimStore interface {
	ReclaimExpiredLeases(ctx context.Context, limit int, backoff queue.BackoffFunc) ([]storage.Reclaimed, error)
	Notify(ctx context.Context, surveyID string) error
}

// Config controls reaper behavior.
type Config struct {
	Interval    time.Duration // how often to sweep
	BatchSize   int           // entries reclaimed per transaction
	GracePeriod time.Duration // how long the final sweep may take on shutdown
	// PublishBudget caps the time one sweep spends publishing operator
	// events; events past the budget are dropped and counted.
	PublishBudget time.Duration
	Backoff     backoff.Policy
	Events      events.Publisher
	Logger      *zerolog.Logger
}

// Runner periodically sweeps expired leases.
type Runner struct {
	store   reclaimStore
	cfg     Config
	backoff queue.BackoffFunc
	events  events.Publisher
	logger  zerolog.Logger
}

// NewRunner constructs a reaper runner.
func NewRunner(store reclaimStore, cfg Config) (*Runner, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required: %w", apperrors.ErrNotConfigured)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 10 * time.Second
	}
	if cfg.PublishBudget <= 0 {
		cfg.PublishBudget = 2 * time.Second
	}
	if cfg.Backoff == (backoff.Policy{}) {
		cfg.Backoff = backoff.DefaultPolicy()
	}
	if cfg.Events == nil {
		cfg.Events = events.Nop{}
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Runner{
		store:   store,
		cfg:     cfg,
		backoff: cfg.Backoff.Func(),
		events:  cfg.Events,
		logger:  logger,
	}, nil
}

// Run sweeps on every tick until ctx is cancelled, then attempts one final
// sweep bounded by the grace period. Sweep failures are logged and retried on
// the next tick.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().
				Str("event", "reaper_shutdown").
				Str("status", "started").
				Str("grace_period", r.cfg.GracePeriod.String()).
				Msg("reaper shutdown started")

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.GracePeriod)
			defer cancel()

			_, err := r.Sweep(shutdownCtx)
			switch {
			case errors.Is(shutdownCtx.Err(), context.DeadlineExceeded):
				r.logger.Warn().
					Str("event", "reaper_shutdown").
					Str("status", "aborted").
					Msg("reaper shutdown aborted: grace period exceeded")
			case err != nil:
				r.logger.Error().Err(err).
					Str("event", "reaper_shutdown").
					Str("status", "completed_with_error").
					Msg("reaper shutdown completed but final sweep failed")
			default:
				r.logger.Info().
					Str("event", "reaper_shutdown").
					Str("status", "completed").
					Msg("reaper shutdown completed")
			}
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error().Err(err).Str("event", "sweep").Msg("reaper sweep failed")
			}
		}
	}
}

// Sweep reclaims every lease that expired before now, one batch per
// transaction, and returns how many entries were reclaimed. Surveys that
// regained claimable entries are notified.
func (r *Runner) Sweep(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	pubCtx, cancelPub := context.WithTimeout(ctx, r.cfg.PublishBudget)
	defer cancelPub()

	total, dropped := 0, 0
	surveys := make(map[string]struct{})
	var sweepErr error
	for {
		batch, err := r.store.ReclaimExpiredLeases(ctx, r.cfg.BatchSize, r.backoff)
		if err != nil {
			sweepErr = fmt.Errorf("reclaim expired leases: %w", err)
			break
		}
		for _, rec := range batch {
			if !r.record(pubCtx, rec) {
				dropped++
			}
			if rec.Entry.Status == queue.StatusAbandoned {
				surveys[rec.Entry.SurveyID] = struct{}{}
			}
		}
		total += len(batch)
		if len(batch) < r.cfg.BatchSize || ctx.Err() != nil {
			break
		}
	}

	if total > 0 {
		r.logger.Info().Str("event", "sweep").Int("count", total).Msg("reaper reclaimed expired leases")
	}
	if dropped > 0 {
		r.logger.Warn().Str("event", "publish").Int("dropped", dropped).Msg("operator events dropped during sweep")
	}
	r.notify(ctx, surveys)
	return total, sweepErr
}

// record logs and publishes one reclaim. It reports whether the operator
// event was delivered to the publisher.
func (r *Runner) record(ctx context.Context, rec storage.Reclaimed) bool {
	e := rec.Entry
	metrics.ReclaimedTotal.WithLabelValues(e.Status.String()).Inc()
	r.logger.Info().
		Str("event", "reclaim").
		Str("status", e.Status.String()).
		Str("entry_id", e.ID).
		Str("survey_id", e.SurveyID).
		Str("worker_id", rec.PreviousWorker).
		Int("attempt_count", e.AttemptCount).
		Msg("lease expired")

	evt := events.Event{
		Type:         events.TypeReclaimed,
		SurveyID:     e.SurveyID,
		EntryID:      e.ID,
		WorkerID:     rec.PreviousWorker,
		Status:       e.Status.String(),
		AttemptCount: e.AttemptCount,
		MaxAttempts:  e.MaxAttempts,
		Reason:       e.AbandonReason,
	}
	if e.Status == queue.StatusExhausted {
		evt.Type = events.TypeExhausted
	}
	if ctx.Err() != nil {
		return false
	}
	if err := r.events.Publish(ctx, evt); err != nil {
		r.logger.Debug().Err(err).Str("event", "publish").Str("type", evt.Type).Str("entry_id", e.ID).Msg("failed to publish operator event")
		return false
	}
	return true
}

func (r *Runner) notify(ctx context.Context, surveys map[string]struct{}) {
	ids := make([]string, 0, len(surveys))
	for id := range surveys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := r.store.Notify(ctx, id); err != nil {
			r.logger.Warn().Err(err).Str("event", "notify").Str("survey_id", id).Msg("failed to notify claimers")
		}
	}
}
