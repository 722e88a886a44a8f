package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/metailurini/cati-queue/apperrors"
	"github.com/metailurini/cati-queue/queue"
)

func IsNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }

// validEntryID rejects an empty id as invalid input. A malformed id cannot
// name any entry, so it is reported as not found without a round trip.
func validEntryID(id string) error {
	if id == "" {
		return fmt.Errorf("entry id is required: %w", apperrors.ErrInvalidArgument)
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("entry %q: %w", id, queue.ErrEntryNotFound)
	}
	return nil
}
