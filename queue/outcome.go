package queue

import (
	"fmt"
	"time"
)

// ReasonLeaseExpired is the abandon reason recorded when the reaper reclaims
// an entry whose lease ran out without a report.
const ReasonLeaseExpired = "lease_expired"

// Outcome is the result a worker reports for one call attempt. The set of
// implementations is closed: Completed and Abandoned.
type Outcome interface {
	isOutcome()
}

// Completed records a successful interview; ResponseRef points at the
// response created in the external response store.
type Completed struct {
	ResponseRef string
}

// Abandoned records a failed attempt (no answer, refusal, busy line, ...).
type Abandoned struct {
	Reason string
}

func (Completed) isOutcome() {}
func (Abandoned) isOutcome() {}

// Outcome kinds as persisted in the attempt log.
const (
	OutcomeCompleted = "completed"
	OutcomeAbandoned = "abandoned"
)

// OutcomeKind returns the persisted name of o.
func OutcomeKind(o Outcome) (string, error) {
	switch o.(type) {
	case Completed:
		return OutcomeCompleted, nil
	case Abandoned:
		return OutcomeAbandoned, nil
	default:
		return "", fmt.Errorf("queue: unknown outcome %T", o)
	}
}

// BackoffFunc returns how long an entry must wait after its attempt-th
// attempt before it can be claimed again.
type BackoffFunc func(attempt int) time.Duration
