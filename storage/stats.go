package storage

import (
	"context"
	"fmt"

	"github.com/metailurini/cati-queue/apperrors"
	"github.com/metailurini/cati-queue/queue"
)

// Stats counts the entries of one survey by status.
func (s *Store) Stats(ctx context.Context, surveyID string) (queue.Stats, error) {
	if surveyID == "" {
		return queue.Stats{}, fmt.Errorf("survey id is required: %w", apperrors.ErrInvalidArgument)
	}
	rows, err := s.DB.QueryContext(ctx, statsSQL, surveyID)
	if err != nil {
		return queue.Stats{}, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	var stats queue.Stats
	for rows.Next() {
		var (
			status queue.Status
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return queue.Stats{}, fmt.Errorf("scan stats: %w", err)
		}
		if err := stats.Add(status, n); err != nil {
			return queue.Stats{}, err
		}
	}
	if err := rows.Err(); err != nil {
		return queue.Stats{}, fmt.Errorf("iterate stats: %w", err)
	}
	return stats, nil
}

// StatsBySurvey counts entries by status for every survey.
func (s *Store) StatsBySurvey(ctx context.Context) (map[string]queue.Stats, error) {
	rows, err := s.DB.QueryContext(ctx, statsBySurveySQL)
	if err != nil {
		return nil, fmt.Errorf("query stats by survey: %w", err)
	}
	defer rows.Close()

	out := make(map[string]queue.Stats)
	for rows.Next() {
		var (
			surveyID string
			status   queue.Status
			n        int64
		)
		if err := rows.Scan(&surveyID, &status, &n); err != nil {
			return nil, fmt.Errorf("scan stats by survey: %w", err)
		}
		stats := out[surveyID]
		if err := stats.Add(status, n); err != nil {
			return nil, err
		}
		out[surveyID] = stats
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stats by survey: %w", err)
	}
	return out, nil
}

// ExhaustOverLimit moves pending or abandoned entries that already used all
// their attempts to exhausted. The normal transitions never leave such rows
// behind; this is a reconciliation pass.
func (s *Store) ExhaustOverLimit(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx, exhaustOverLimitSQL, s.Now())
	if err != nil {
		return 0, fmt.Errorf("exhaust over-limit entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("exhaust over-limit rows affected: %w", err)
	}
	return n, nil
}

// CountDuplicateKeys returns how many (survey, dedup key) pairs occur more
// than once. The unique index keeps this at zero.
func (s *Store) CountDuplicateKeys(ctx context.Context) (int64, error) {
	var n int64
	if err := s.DB.QueryRowContext(ctx, countDuplicateKeysSQL).Scan(&n); err != nil {
		return 0, fmt.Errorf("count duplicate keys: %w", err)
	}
	return n, nil
}
