// Package recorder applies worker-reported call outcomes to leased entries.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/metailurini/cati-queue/apperrors"
	"github.com/metailurini/cati-queue/backoff"
	"github.com/metailurini/cati-queue/events"
	"github.com/metailurini/cati-queue/metrics"
	"github.com/metailurini/cati-queue/queue"
)

type outcomeStore interface {
	ReportOutcome(ctx context.Context, entryID, workerID string, outcome queue.Outcome, backoff queue.BackoffFunc) (queue.Entry, error)
}

// Ack confirms an accepted report and carries the resulting entry.
type Ack struct {
	Entry queue.Entry
}

// Config controls a Recorder.
type Config struct {
	Backoff backoff.Policy
	Events  events.Publisher
	// PublishTimeout bounds one operator event publish. It runs detached
	// from the caller's cancellation; zero selects 2s.
	PublishTimeout time.Duration
	Logger         *zerolog.Logger
}

// Recorder implements reportOutcome(entry, worker, outcome).
type Recorder struct {
	store          outcomeStore
	backoff        queue.BackoffFunc
	events         events.Publisher
	publishTimeout time.Duration
	logger         zerolog.Logger
}

// New returns a Recorder. A zero backoff policy selects the default.
func New(store outcomeStore, cfg Config) (*Recorder, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required: %w", apperrors.ErrNotConfigured)
	}
	if cfg.Backoff == (backoff.Policy{}) {
		cfg.Backoff = backoff.DefaultPolicy()
	}
	if cfg.Events == nil {
		cfg.Events = events.Nop{}
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Recorder{
		store:          store,
		backoff:        cfg.Backoff.Func(),
		events:         cfg.Events,
		publishTimeout: cfg.PublishTimeout,
		logger:         logger,
	}, nil
}

// ReportOutcome records outcome for workerID's lease on entryID.
//
// queue.ErrLeaseLost means the worker no longer holds the entry and must
// re-claim instead of retrying the report. queue.ErrAlreadyCompleted means
// an earlier completion already landed; the entry is unchanged.
func (r *Recorder) ReportOutcome(ctx context.Context, entryID, workerID string, outcome queue.Outcome) (Ack, error) {
	kind, err := queue.OutcomeKind(outcome)
	if err != nil {
		return Ack{}, fmt.Errorf("%w: %w", err, apperrors.ErrInvalidArgument)
	}

	entry, err := r.store.ReportOutcome(ctx, entryID, workerID, outcome, r.backoff)
	if err != nil {
		r.logRejection(err, kind, entryID, workerID)
		return Ack{}, err
	}
	metrics.OutcomesTotal.WithLabelValues(kind, "accepted").Inc()

	log := r.logger.With().
		Str("entry_id", entry.ID).
		Str("survey_id", entry.SurveyID).
		Str("worker_id", workerID).
		Int("attempt_count", entry.AttemptCount).
		Logger()

	switch entry.Status {
	case queue.StatusCompleted:
		log.Info().Str("event", "outcome").Str("status", "completed").Str("response_ref", entry.ResponseRef).Msg("entry completed")
		r.publish(ctx, log, events.Event{
			Type:         events.TypeCompleted,
			SurveyID:     entry.SurveyID,
			EntryID:      entry.ID,
			WorkerID:     workerID,
			Status:       entry.Status.String(),
			AttemptCount: entry.AttemptCount,
			MaxAttempts:  entry.MaxAttempts,
			ResponseRef:  entry.ResponseRef,
		})
	case queue.StatusExhausted:
		log.Warn().Str("event", "outcome").Str("status", "exhausted").Str("reason", entry.AbandonReason).Msg("entry exhausted")
		r.publish(ctx, log, events.Event{
			Type:         events.TypeExhausted,
			SurveyID:     entry.SurveyID,
			EntryID:      entry.ID,
			WorkerID:     workerID,
			Status:       entry.Status.String(),
			AttemptCount: entry.AttemptCount,
			MaxAttempts:  entry.MaxAttempts,
			Reason:       entry.AbandonReason,
		})
	case queue.StatusAbandoned:
		ev := log.Info().Str("event", "outcome").Str("status", "abandoned").Str("reason", entry.AbandonReason)
		if entry.NextEligibleAt != nil {
			ev = ev.Time("next_eligible_at", *entry.NextEligibleAt)
		}
		ev.Msg("entry abandoned")
	case queue.StatusPending, queue.StatusLeased:
		return Ack{}, fmt.Errorf("entry %s left in status %s after report", entry.ID, entry.Status)
	default:
		return Ack{}, fmt.Errorf("entry %s has unknown status %q", entry.ID, entry.Status)
	}
	return Ack{Entry: entry}, nil
}

func (r *Recorder) logRejection(err error, kind, entryID, workerID string) {
	switch {
	case errors.Is(err, queue.ErrAlreadyCompleted):
		metrics.OutcomesTotal.WithLabelValues(kind, "already_completed").Inc()
		r.logger.Warn().
			Str("event", "outcome").
			Str("status", "already_completed").
			Str("entry_id", entryID).
			Str("worker_id", workerID).
			Msg("ignoring report for completed entry")
	case errors.Is(err, queue.ErrLeaseLost):
		metrics.OutcomesTotal.WithLabelValues(kind, "lease_lost").Inc()
		r.logger.Info().
			Str("event", "outcome").
			Str("status", "lease_lost").
			Str("entry_id", entryID).
			Str("worker_id", workerID).
			Msg("report rejected, lease not held")
	case errors.Is(err, queue.ErrEntryNotFound), errors.Is(err, apperrors.ErrInvalidArgument):
		metrics.OutcomesTotal.WithLabelValues(kind, "invalid").Inc()
	default:
		metrics.OutcomesTotal.WithLabelValues(kind, "error").Inc()
		r.logger.Error().Err(err).
			Str("event", "outcome").
			Str("entry_id", entryID).
			Str("worker_id", workerID).
			Msg("report failed")
	}
}

// publish is best effort; the transition is already committed.
func (r *Recorder) publish(ctx context.Context, log zerolog.Logger, evt events.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.publishTimeout)
	defer cancel()
	if err := r.events.Publish(ctx, evt); err != nil {
		log.Warn().Err(err).Str("event", "publish").Str("type", evt.Type).Msg("failed to publish operator event")
	}
}
