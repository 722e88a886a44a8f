package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/metailurini/cati-queue/apperrors"
)

// DefaultMaxAttempts is the attempt ceiling applied when ingestion does not
// specify one.
const DefaultMaxAttempts = 5

// Contact is the immutable respondent snapshot taken at ingestion.
type Contact struct {
	Name    string
	Phone   string
	Email   string
	Address string
	City    string
	AC      string // assembly constituency
	PC      string // parliamentary constituency
	PS      string // polling station
}

// Entry is one respondent contact queued for a survey.
type Entry struct {
	ID             string
	SurveyID       string
	Contact        Contact
	DedupKey       string
	Status         Status
	AssignedTo     string
	LeaseExpiresAt *time.Time
	AttemptCount   int
	MaxAttempts    int
	NextEligibleAt *time.Time
	AbandonReason  string
	ResponseRef    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CheckHolder returns ErrLeaseLost unless workerID holds an unexpired lease
// on the entry at now.
func (e Entry) CheckHolder(workerID string, now time.Time) error {
	if e.Status != StatusLeased || e.AssignedTo == "" || e.AssignedTo != workerID {
		return ErrLeaseLost
	}
	if e.LeaseExpiresAt == nil || !e.LeaseExpiresAt.After(now) {
		return ErrLeaseLost
	}
	return nil
}

// Apply returns the entry that results from recording outcome o for the
// current lease. The entry must be leased; a completed entry rejects another
// completion with ErrAlreadyCompleted and any other report with ErrLeaseLost.
//
// Every accepted outcome consumes one attempt and releases the lease. An
// abandonment that uses the last attempt exhausts the entry; otherwise the
// entry becomes claimable again after backoff(attemptCount).
func (e Entry) Apply(o Outcome, now time.Time, backoff BackoffFunc) (Entry, error) {
	switch e.Status {
	case StatusLeased:
	case StatusCompleted:
		if _, ok := o.(Completed); ok {
			return e, ErrAlreadyCompleted
		}
		return e, ErrLeaseLost
	case StatusPending, StatusAbandoned, StatusExhausted:
		return e, ErrLeaseLost
	default:
		return e, fmt.Errorf("entry %s has unknown status %q", e.ID, e.Status)
	}
	if e.AttemptCount >= e.MaxAttempts {
		return e, fmt.Errorf("entry %s at %d/%d attempts: %w", e.ID, e.AttemptCount, e.MaxAttempts, ErrExhausted)
	}

	now = now.UTC()
	next := e
	next.AttemptCount++
	next.AssignedTo = ""
	next.LeaseExpiresAt = nil
	next.UpdatedAt = now

	switch o := o.(type) {
	case Completed:
		ref := strings.TrimSpace(o.ResponseRef)
		if ref == "" {
			return e, fmt.Errorf("response ref is required: %w", apperrors.ErrInvalidArgument)
		}
		if e.ResponseRef != "" {
			return e, ErrAlreadyCompleted
		}
		next.Status = StatusCompleted
		next.ResponseRef = ref
		next.NextEligibleAt = nil
	case Abandoned:
		reason := strings.TrimSpace(o.Reason)
		if reason == "" {
			reason = "unspecified"
		}
		next.AbandonReason = reason
		if next.AttemptCount >= next.MaxAttempts {
			next.Status = StatusExhausted
			next.NextEligibleAt = nil
			break
		}
		var delay time.Duration
		if backoff != nil {
			delay = backoff(next.AttemptCount)
		}
		eligible := now.Add(delay)
		next.Status = StatusAbandoned
		next.NextEligibleAt = &eligible
	default:
		return e, fmt.Errorf("unknown outcome %T: %w", o, apperrors.ErrInvalidArgument)
	}
	return next, nil
}

// Claimable reports whether the dispatcher may hand the entry out at now.
func (e Entry) Claimable(now time.Time) bool {
	if e.AttemptCount >= e.MaxAttempts {
		return false
	}
	switch e.Status {
	case StatusPending:
		return true
	case StatusAbandoned:
		return e.NextEligibleAt == nil || !e.NextEligibleAt.After(now)
	case StatusLeased, StatusCompleted, StatusExhausted:
		return false
	default:
		return false
	}
}
