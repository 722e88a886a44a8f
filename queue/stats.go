package queue

import "fmt"

// Stats counts a survey's entries by status.
type Stats struct {
	Pending   int64 `json:"pending"`
	Leased    int64 `json:"leased"`
	Completed int64 `json:"completed"`
	Abandoned int64 `json:"abandoned"`
	Exhausted int64 `json:"exhausted"`
}

// Add accumulates n entries in status.
func (s *Stats) Add(status Status, n int64) error {
	switch status {
	case StatusPending:
		s.Pending += n
	case StatusLeased:
		s.Leased += n
	case StatusCompleted:
		s.Completed += n
	case StatusAbandoned:
		s.Abandoned += n
	case StatusExhausted:
		s.Exhausted += n
	default:
		return fmt.Errorf("queue: unknown status %q", status)
	}
	return nil
}

// Count returns the number of entries in status.
func (s Stats) Count(status Status) int64 {
	switch status {
	case StatusPending:
		return s.Pending
	case StatusLeased:
		return s.Leased
	case StatusCompleted:
		return s.Completed
	case StatusAbandoned:
		return s.Abandoned
	case StatusExhausted:
		return s.Exhausted
	default:
		return 0
	}
}

// Total returns the number of entries across all statuses.
func (s Stats) Total() int64 {
	return s.Pending + s.Leased + s.Completed + s.Abandoned + s.Exhausted
}
