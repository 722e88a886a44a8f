package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/metailurini/cati-queue/apperrors"
	"github.com/metailurini/cati-queue/queue"
	"github.com/metailurini/cati-queue/timeprovider"
)

// Store is the single source of truth for queue entries. Every state change
// goes through one of its conditional mutations; callers never write fields
// directly.
type Store struct {
	DB  DB
	now func() time.Time
}

// NewStore builds a Store.
func NewStore(db DB, nowFn func() time.Time) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required: %w", apperrors.ErrNotConfigured)
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Store{
		DB:  db,
		now: nowFn,
	}, nil
}

// NewStoreWithProvider builds a Store using the supplied time provider.
func NewStoreWithProvider(db DB, provider timeprovider.Provider) (*Store, error) {
	if provider == nil {
		provider = timeprovider.RealProvider{}
	}
	return NewStore(db, provider.Now)
}

// Now returns the store's notion of the current time in UTC.
func (s *Store) Now() time.Time {
	return s.now().UTC()
}

// GetEntry loads an entry by identifier.
func (s *Store) GetEntry(ctx context.Context, id string) (queue.Entry, error) {
	if err := validEntryID(id); err != nil {
		return queue.Entry{}, err
	}
	entry, err := scanEntry(s.DB.QueryRowContext(ctx, selectEntrySQL, id))
	if err != nil {
		if IsNoRows(err) {
			return queue.Entry{}, queue.ErrEntryNotFound
		}
		return queue.Entry{}, err
	}
	return entry, nil
}

// Notify wakes claimers waiting on surveyID. It is a hint only; claimers
// also poll.
func (s *Store) Notify(ctx context.Context, surveyID string) error {
	if surveyID == "" {
		return fmt.Errorf("survey id is required: %w", apperrors.ErrInvalidArgument)
	}
	if _, err := s.DB.ExecContext(ctx, notifySQL, NotifyChannel, surveyID); err != nil {
		return fmt.Errorf("notify %s: %w", surveyID, err)
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(Tx) error) (err error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	panicked := true
	defer func() {
		if panicked || err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = fn(tx)
	panicked = false
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (queue.Entry, error) {
	var (
		e              queue.Entry
		assignedTo     sql.NullString
		leaseExpiresAt sql.NullTime
		nextEligibleAt sql.NullTime
		abandonReason  sql.NullString
		responseRef    sql.NullString
	)

	err := row.Scan(
		&e.ID,
		&e.SurveyID,
		&e.DedupKey,
		&e.Contact.Name,
		&e.Contact.Phone,
		&e.Contact.Email,
		&e.Contact.Address,
		&e.Contact.City,
		&e.Contact.AC,
		&e.Contact.PC,
		&e.Contact.PS,
		&e.Status,
		&assignedTo,
		&leaseExpiresAt,
		&e.AttemptCount,
		&e.MaxAttempts,
		&nextEligibleAt,
		&abandonReason,
		&responseRef,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return queue.Entry{}, err
	}

	e.AssignedTo = assignedTo.String
	e.AbandonReason = abandonReason.String
	e.ResponseRef = responseRef.String
	if leaseExpiresAt.Valid {
		t := leaseExpiresAt.Time.UTC()
		e.LeaseExpiresAt = &t
	}
	if nextEligibleAt.Valid {
		t := nextEligibleAt.Time.UTC()
		e.NextEligibleAt = &t
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return e, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
