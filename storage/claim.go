package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/metailurini/cati-queue/apperrors"
	"github.com/metailurini/cati-queue/queue"
)

// ClaimOptions configures a single claim.
type ClaimOptions struct {
	SurveyID      string
	WorkerID      string
	LeaseDuration time.Duration
	Now           time.Time
}

// TryClaim atomically leases the oldest eligible entry of a survey to the
// worker. It returns queue.ErrNoWorkAvailable when nothing is eligible.
// The lease duration is truncated to whole seconds.
func (s *Store) TryClaim(ctx context.Context, opts ClaimOptions) (queue.Entry, error) {
	if opts.SurveyID == "" {
		return queue.Entry{}, fmt.Errorf("survey id is required: %w", apperrors.ErrInvalidArgument)
	}
	if opts.WorkerID == "" {
		return queue.Entry{}, fmt.Errorf("worker id is required: %w", apperrors.ErrInvalidArgument)
	}
	leaseDuration := (opts.LeaseDuration / time.Second) * time.Second
	if leaseDuration <= 0 {
		return queue.Entry{}, fmt.Errorf("lease duration must be at least 1s: %w", apperrors.ErrInvalidArgument)
	}

	nowTS := opts.Now
	if nowTS.IsZero() {
		nowTS = s.now()
	}
	nowTS = nowTS.UTC()
	leaseUntil := nowTS.Add(leaseDuration)

	args := make([]any, claimArgNow)
	args[claimArgSurvey-1] = opts.SurveyID
	args[claimArgWorker-1] = opts.WorkerID
	args[claimArgLeaseUntil-1] = leaseUntil
	args[claimArgNow-1] = nowTS

	entry, err := scanEntry(s.DB.QueryRowContext(ctx, claimSQL, args...))
	if err != nil {
		if IsNoRows(err) {
			return queue.Entry{}, queue.ErrNoWorkAvailable
		}
		return queue.Entry{}, fmt.Errorf("claim entry: %w", err)
	}
	return entry, nil
}
