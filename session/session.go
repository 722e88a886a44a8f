// Package session runs the worker side of the queue for automated dialers:
// claim the next respondent, place the call through a CallHandler and report
// what happened.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/metailurini/cati-queue/apperrors"
	"github.com/metailurini/cati-queue/queue"
	"github.com/metailurini/cati-queue/recorder"
)

// Abandon reasons recorded when the handler itself fails.
const (
	ReasonHandlerError = "handler_error"
	ReasonHandlerPanic = "handler_panic"
)

// CallHandler places one call. Its context ends when the lease would
// expire. A nil outcome with a nil error is treated as a handler error.
type CallHandler func(ctx context.Context, entry queue.Entry) (queue.Outcome, error)

type claimer interface {
	NextWait(ctx context.Context, surveyID, workerID string, leaseDuration, wait time.Duration) (queue.Entry, error)
}

type reporter interface {
	ReportOutcome(ctx context.Context, entryID, workerID string, outcome queue.Outcome) (recorder.Ack, error)
}

// Config controls a Runner.
type Config struct {
	WorkerID      string
	SurveyID      string
	LeaseDuration time.Duration
	// Wait is how long one claim long-polls a drained survey.
	Wait time.Duration
	// MaxInFlight is the number of concurrent calls.
	MaxInFlight int
	// ReportTimeout bounds the outcome report, which runs even after the
	// runner's context is cancelled so a finished call is not lost.
	ReportTimeout time.Duration
	// ErrorDelay is the pause after an unexpected claim failure.
	ErrorDelay time.Duration
	Logger     *zerolog.Logger
}

// Runner drives claim, call and report loops.
type Runner struct {
	claims  claimer
	reports reporter
	handler CallHandler
	cfg     Config
	logger  zerolog.Logger
}

// NewRunner validates configuration and returns a Runner.
func NewRunner(claims claimer, reports reporter, handler CallHandler, cfg Config) (*Runner, error) {
	if claims == nil || reports == nil {
		return nil, apperrors.ErrNotConfigured
	}
	if handler == nil {
		return nil, fmt.Errorf("call handler is required: %w", apperrors.ErrInvalidArgument)
	}
	if cfg.SurveyID == "" {
		return nil, fmt.Errorf("survey id is required: %w", apperrors.ErrInvalidArgument)
	}
	if cfg.WorkerID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		cfg.WorkerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if cfg.Wait <= 0 {
		cfg.Wait = 30 * time.Second
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1
	}
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = 5 * time.Second
	}
	if cfg.ErrorDelay <= 0 {
		cfg.ErrorDelay = time.Second
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("worker_id", cfg.WorkerID).Str("survey_id", cfg.SurveyID).Logger()
	return &Runner{claims: claims, reports: reports, handler: handler, cfg: cfg, logger: logger}, nil
}

// Run processes entries until ctx is cancelled. Calls in progress finish and
// report before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.cfg.MaxInFlight; i++ {
		g.Go(func() error {
			for gctx.Err() == nil {
				r.Once(gctx)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Once claims and handles at most one entry. It reports whether an entry was
// processed.
func (r *Runner) Once(ctx context.Context) bool {
	entry, err := r.claims.NextWait(ctx, r.cfg.SurveyID, r.cfg.WorkerID, r.cfg.LeaseDuration, r.cfg.Wait)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrNoWorkAvailable), ctx.Err() != nil:
		default:
			r.logger.Error().Err(err).Str("event", "claim").Msg("claim failed")
			select {
			case <-ctx.Done():
			case <-time.After(r.cfg.ErrorDelay):
			}
		}
		return false
	}

	outcome := r.call(ctx, entry)
	r.report(ctx, entry, outcome)
	return true
}

func (r *Runner) call(ctx context.Context, entry queue.Entry) (outcome queue.Outcome) {
	callCtx := ctx
	if entry.LeaseExpiresAt != nil {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithDeadline(ctx, *entry.LeaseExpiresAt)
		defer cancel()
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Str("event", "call").Str("entry_id", entry.ID).Interface("panic", rec).Msg("call handler panic")
			outcome = queue.Abandoned{Reason: ReasonHandlerPanic}
		}
	}()

	outcome, err := r.handler(callCtx, entry)
	if err != nil || outcome == nil {
		r.logger.Warn().Err(err).Str("event", "call").Str("entry_id", entry.ID).Msg("call handler failed")
		return queue.Abandoned{Reason: ReasonHandlerError}
	}
	return outcome
}

func (r *Runner) report(ctx context.Context, entry queue.Entry, outcome queue.Outcome) {
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.ReportTimeout)
	defer cancel()

	_, err := r.reports.ReportOutcome(reportCtx, entry.ID, r.cfg.WorkerID, outcome)
	switch {
	case err == nil:
	case errors.Is(err, queue.ErrLeaseLost):
		// The reaper or another report got there first; the attempt is void.
		r.logger.Info().Str("event", "report").Str("status", "lease_lost").Str("entry_id", entry.ID).Msg("lease lost, discarding call")
	case errors.Is(err, queue.ErrAlreadyCompleted):
		r.logger.Info().Str("event", "report").Str("status", "already_completed").Str("entry_id", entry.ID).Msg("entry already completed, skipping")
	default:
		r.logger.Error().Err(err).Str("event", "report").Str("entry_id", entry.ID).Msg("report failed")
	}
}
