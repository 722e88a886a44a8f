package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/metailurini/cati-queue/apperrors"
	"github.com/metailurini/cati-queue/queue"
)

// NewEntry is a normalized contact ready to be queued.
type NewEntry struct {
	ID          string
	SurveyID    string
	DedupKey    string
	Contact     queue.Contact
	MaxAttempts int
}

// InsertResult reports what happened to one NewEntry. Inserted is false when
// an entry with the same dedup key already existed; ID is then the existing
// entry's id when the geo refresh touched it, and empty otherwise.
type InsertResult struct {
	ID       string
	DedupKey string
	Inserted bool
}

// InsertIfAbsent inserts entries in a single statement, skipping any whose
// (survey, dedup key) already exists. With refreshGeo, an existing entry has
// its non-empty AC/PC/PS tags overwritten; the phone is never changed.
// Results are returned in input order. All entries must belong to the same
// survey and carry distinct dedup keys.
func (s *Store) InsertIfAbsent(ctx context.Context, entries []NewEntry, refreshGeo bool) ([]InsertResult, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	now := s.Now()
	var b strings.Builder
	b.WriteString(insertEntriesPrefix)
	args := make([]any, 0, len(entries)*insertEntryParams)
	index := make(map[string]int, len(entries))
	surveyID := entries[0].SurveyID

	for i := range entries {
		e := entries[i]
		if e.SurveyID == "" || e.DedupKey == "" {
			return nil, fmt.Errorf("entry %d: survey id and dedup key are required: %w", i, apperrors.ErrInvalidArgument)
		}
		if e.SurveyID != surveyID {
			return nil, fmt.Errorf("entry %d: mixed surveys in one insert: %w", i, apperrors.ErrInvalidArgument)
		}
		if _, dup := index[e.DedupKey]; dup {
			return nil, fmt.Errorf("entry %d: %w", i, queue.ErrDuplicateContact)
		}
		index[e.DedupKey] = i
		id := e.ID
		if id == "" {
			id = uuid.NewString()
		}
		maxAttempts := e.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = queue.DefaultMaxAttempts
		}

		if i > 0 {
			b.WriteString(", ")
		}
		base := len(args)
		b.WriteByte('(')
		for p := 1; p <= insertEntryParams; p++ {
			if p > 1 {
				b.WriteString(", ")
			}
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(base + p))
		}
		// updated_at reuses the created_at placeholder.
		b.WriteString(", $")
		b.WriteString(strconv.Itoa(base + insertEntryParams))
		b.WriteByte(')')

		args = append(args,
			id,
			e.SurveyID,
			e.DedupKey,
			e.Contact.Name,
			e.Contact.Phone,
			e.Contact.Email,
			e.Contact.Address,
			e.Contact.City,
			e.Contact.AC,
			e.Contact.PC,
			e.Contact.PS,
			maxAttempts,
			now,
		)
	}
	if refreshGeo {
		b.WriteString(onConflictRefreshGeo)
	} else {
		b.WriteString(onConflictSkip)
	}

	rows, err := s.DB.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("insert entries: %w", err)
	}
	defer rows.Close()

	results := make([]InsertResult, len(entries))
	for i, e := range entries {
		results[i] = InsertResult{DedupKey: e.DedupKey}
	}
	for rows.Next() {
		var (
			id       string
			dedupKey string
			inserted bool
		)
		if err := rows.Scan(&id, &dedupKey, &inserted); err != nil {
			return nil, fmt.Errorf("scan inserted entry: %w", err)
		}
		i, ok := index[dedupKey]
		if !ok {
			return nil, fmt.Errorf("insert returned unknown dedup key %q", dedupKey)
		}
		results[i].ID = id
		results[i].Inserted = inserted
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate inserted entries: %w", err)
	}
	return results, nil
}
