package queue

import "errors"

var (
	// ErrInvalidContact marks a contact row that cannot be normalized (bad
	// phone, missing name). Ingestion skips the row and reports it.
	ErrInvalidContact = errors.New("queue: invalid contact")

	// ErrDuplicateContact is informational: the contact's dedup key already
	// exists for the survey.
	ErrDuplicateContact = errors.New("queue: duplicate contact")

	// ErrNoWorkAvailable is the normal "queue drained" signal from a claim.
	ErrNoWorkAvailable = errors.New("queue: no work available")

	// ErrLeaseLost is returned when a worker reports on an entry it does not
	// currently hold. The worker must abandon its call state and re-claim.
	ErrLeaseLost = errors.New("queue: lease lost")

	// ErrAlreadyCompleted guards against completing an entry twice.
	ErrAlreadyCompleted = errors.New("queue: entry already completed")

	// ErrExhausted indicates the entry has used all of its attempts.
	ErrExhausted = errors.New("queue: entry exhausted")

	// ErrEntryNotFound indicates no entry exists with the given id.
	ErrEntryNotFound = errors.New("queue: entry not found")
)
