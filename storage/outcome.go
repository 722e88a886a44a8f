package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/metailurini/cati-queue/apperrors"
	"github.com/metailurini/cati-queue/queue"
)

// Attempt is one row of an entry's attempt log.
type Attempt struct {
	EntryID         string       `json:"entryId"`
	Attempt         int          `json:"attempt"`
	WorkerID        string       `json:"workerId"`
	Outcome         string       `json:"outcome"`
	Reason          string       `json:"reason,omitempty"`
	ResponseRef     string       `json:"responseRef,omitempty"`
	ResultingStatus queue.Status `json:"resultingStatus"`
	RecordedAt      time.Time    `json:"recordedAt"`
}

// Reclaimed is an entry whose expired lease the reaper took back.
type Reclaimed struct {
	Entry          queue.Entry
	PreviousWorker string
}

// ReportOutcome records the outcome of workerID's current lease on entryID.
// The row is locked for the duration of the transition so a concurrent
// reclaim or report either sees the result or blocks until it commits.
func (s *Store) ReportOutcome(ctx context.Context, entryID, workerID string, outcome queue.Outcome, backoff queue.BackoffFunc) (queue.Entry, error) {
	if err := validEntryID(entryID); err != nil {
		return queue.Entry{}, err
	}
	if workerID == "" {
		return queue.Entry{}, fmt.Errorf("worker id is required: %w", apperrors.ErrInvalidArgument)
	}
	kind, err := queue.OutcomeKind(outcome)
	if err != nil {
		return queue.Entry{}, fmt.Errorf("%w: %w", err, apperrors.ErrInvalidArgument)
	}

	var result queue.Entry
	err = s.withTx(ctx, func(tx Tx) error {
		current, err := scanEntry(tx.QueryRowContext(ctx, lockEntrySQL, entryID))
		if err != nil {
			if IsNoRows(err) {
				return queue.ErrEntryNotFound
			}
			return fmt.Errorf("lock entry %s: %w", entryID, err)
		}

		now := s.Now()
		// Completed rows answer with Apply's AlreadyCompleted/LeaseLost split;
		// anything else must be held by workerID before the outcome is judged.
		if current.Status != queue.StatusCompleted {
			if err := current.CheckHolder(workerID, now); err != nil {
				return err
			}
		}
		next, err := current.Apply(outcome, now, backoff)
		if err != nil {
			return err
		}

		if err := applyTransition(ctx, tx, current, next, workerID, kind, now); err != nil {
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		return queue.Entry{}, err
	}
	return result, nil
}

// ReclaimExpiredLeases abandons up to limit entries whose lease expired
// before now, recording ReasonLeaseExpired against the previous holder.
// Rows locked by an in-flight report are skipped and picked up by a later
// sweep if they are still expired.
func (s *Store) ReclaimExpiredLeases(ctx context.Context, limit int, backoff queue.BackoffFunc) ([]Reclaimed, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive: %w", apperrors.ErrInvalidArgument)
	}

	var reclaimed []Reclaimed
	err := s.withTx(ctx, func(tx Tx) error {
		now := s.Now()
		expired, err := selectExpired(ctx, tx, now, limit)
		if err != nil {
			return err
		}

		outcome := queue.Abandoned{Reason: queue.ReasonLeaseExpired}
		reclaimed = make([]Reclaimed, 0, len(expired))
		for _, current := range expired {
			next, err := current.Apply(outcome, now, backoff)
			if err != nil {
				return fmt.Errorf("reclaim entry %s: %w", current.ID, err)
			}
			if err := applyTransition(ctx, tx, current, next, current.AssignedTo, queue.OutcomeAbandoned, now); err != nil {
				return err
			}
			reclaimed = append(reclaimed, Reclaimed{Entry: next, PreviousWorker: current.AssignedTo})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reclaimed, nil
}

// Attempts returns the attempt log of an entry, oldest first.
func (s *Store) Attempts(ctx context.Context, entryID string) ([]Attempt, error) {
	if err := validEntryID(entryID); err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, selectAttemptsSQL, entryID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var (
			a           Attempt
			reason      *string
			responseRef *string
		)
		if err := rows.Scan(&a.EntryID, &a.Attempt, &a.WorkerID, &a.Outcome, &reason, &responseRef, &a.ResultingStatus, &a.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		if reason != nil {
			a.Reason = *reason
		}
		if responseRef != nil {
			a.ResponseRef = *responseRef
		}
		a.RecordedAt = a.RecordedAt.UTC()
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return out, nil
}

func selectExpired(ctx context.Context, tx Tx, now time.Time, limit int) ([]queue.Entry, error) {
	rows, err := tx.QueryContext(ctx, selectExpiredLeasesSQL, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select expired leases: %w", err)
	}
	defer rows.Close()

	var entries []queue.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired lease: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired leases: %w", err)
	}
	return entries, nil
}

// applyTransition writes next over current and appends the attempt log row.
// The update is conditioned on the holder so a stale transition affects
// nothing and surfaces as ErrLeaseLost.
func applyTransition(ctx context.Context, tx Tx, current, next queue.Entry, holder, kind string, now time.Time) error {
	res, err := tx.ExecContext(ctx, updateOutcomeSQL,
		current.ID,
		holder,
		next.Status,
		next.AttemptCount,
		nullTime(next.NextEligibleAt),
		nullString(next.AbandonReason),
		nullString(next.ResponseRef),
		now,
	)
	if err != nil {
		return fmt.Errorf("update entry %s: %w", current.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update entry %s rows affected: %w", current.ID, err)
	}
	if affected == 0 {
		return queue.ErrLeaseLost
	}

	var reason, ref string
	switch kind {
	case queue.OutcomeCompleted:
		ref = next.ResponseRef
	case queue.OutcomeAbandoned:
		reason = next.AbandonReason
	}
	if _, err := tx.ExecContext(ctx, insertAttemptSQL,
		current.ID,
		next.AttemptCount,
		holder,
		kind,
		nullString(reason),
		nullString(ref),
		next.Status,
		now,
	); err != nil {
		return fmt.Errorf("insert attempt for %s: %w", current.ID, err)
	}
	return nil
}
