// Package dispatch hands the next eligible respondent of a survey to a
// worker. Claims are arbitrated entirely by the store; the dispatcher only
// validates input, applies the default lease and, for long polls, waits for
// wake-ups between attempts.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/metailurini/cati-queue/apperrors"
	"github.com/metailurini/cati-queue/metrics"
	"github.com/metailurini/cati-queue/queue"
	"github.com/metailurini/cati-queue/storage"
)

// DefaultLeaseDuration bounds an interview call when the caller does not ask
// for a specific lease.
const DefaultLeaseDuration = 20 * time.Minute

// claimStore defines the minimal storage surface the dispatcher requires.
type claimStore interface {
	TryClaim(ctx context.Context, opts storage.ClaimOptions) (queue.Entry, error)
}

// Wakeups delivers per-survey hints that new work may be claimable.
// *notify.Listener implements it.
type Wakeups interface {
	Subscribe(surveyID string) (<-chan struct{}, func())
}

// Config controls a Dispatcher.
type Config struct {
	LeaseDuration time.Duration
	PollInterval  time.Duration
	Wakeups       Wakeups
	Logger        *zerolog.Logger
}

// Dispatcher implements next(survey, worker, lease).
type Dispatcher struct {
	store  claimStore
	cfg    Config
	logger zerolog.Logger
}

// New validates configuration and returns a Dispatcher.
func New(store claimStore, cfg Config) (*Dispatcher, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required: %w", apperrors.ErrNotConfigured)
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultLeaseDuration
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Dispatcher{store: store, cfg: cfg, logger: logger}, nil
}

// Next leases the oldest eligible entry of surveyID to workerID. A zero
// leaseDuration selects the configured default. queue.ErrNoWorkAvailable is
// the normal drained-queue signal.
func (d *Dispatcher) Next(ctx context.Context, surveyID, workerID string, leaseDuration time.Duration) (queue.Entry, error) {
	if surveyID == "" {
		return queue.Entry{}, fmt.Errorf("survey id is required: %w", apperrors.ErrInvalidArgument)
	}
	if workerID == "" {
		return queue.Entry{}, fmt.Errorf("worker id is required: %w", apperrors.ErrInvalidArgument)
	}
	if leaseDuration < 0 {
		return queue.Entry{}, fmt.Errorf("lease duration must not be negative: %w", apperrors.ErrInvalidArgument)
	}
	if leaseDuration == 0 {
		leaseDuration = d.cfg.LeaseDuration
	}

	entry, err := d.store.TryClaim(ctx, storage.ClaimOptions{
		SurveyID:      surveyID,
		WorkerID:      workerID,
		LeaseDuration: leaseDuration,
	})
	switch {
	case err == nil:
		metrics.ClaimsTotal.WithLabelValues("claimed").Inc()
		d.logger.Debug().
			Str("event", "claim").
			Str("survey_id", surveyID).
			Str("worker_id", workerID).
			Str("entry_id", entry.ID).
			Int("attempt_count", entry.AttemptCount).
			Msg("entry leased")
		return entry, nil
	case errors.Is(err, queue.ErrNoWorkAvailable):
		metrics.ClaimsTotal.WithLabelValues("empty").Inc()
		return queue.Entry{}, err
	default:
		metrics.ClaimsTotal.WithLabelValues("error").Inc()
		d.logger.Error().Err(err).
			Str("event", "claim").
			Str("survey_id", surveyID).
			Str("worker_id", workerID).
			Msg("claim failed")
		return queue.Entry{}, err
	}
}

// NextWait behaves like Next but, while the survey is drained, keeps
// retrying on every wake-up or poll tick until work appears, wait elapses
// (queue.ErrNoWorkAvailable) or ctx is done.
func (d *Dispatcher) NextWait(ctx context.Context, surveyID, workerID string, leaseDuration, wait time.Duration) (queue.Entry, error) {
	var (
		wake <-chan struct{}
		stop = func() {}
	)
	// Subscribe before the first attempt so a notify between a miss and the
	// wait is not lost.
	if d.cfg.Wakeups != nil && wait > 0 {
		wake, stop = d.cfg.Wakeups.Subscribe(surveyID)
	}
	defer stop()

	entry, err := d.Next(ctx, surveyID, workerID, leaseDuration)
	if wait <= 0 || !errors.Is(err, queue.ErrNoWorkAvailable) {
		return entry, err
	}

	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return queue.Entry{}, ctx.Err()
		case <-deadline.C:
			return queue.Entry{}, queue.ErrNoWorkAvailable
		case <-ticker.C:
		case <-wake:
		}

		entry, err := d.Next(ctx, surveyID, workerID, leaseDuration)
		if !errors.Is(err, queue.ErrNoWorkAvailable) {
			return entry, err
		}
	}
}
