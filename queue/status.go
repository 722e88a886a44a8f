package queue

import (
	"database/sql/driver"
	"fmt"
)

// Status is the lifecycle state of a queue entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusLeased    Status = "leased"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
	StatusExhausted Status = "exhausted"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusLeased, StatusCompleted, StatusAbandoned, StatusExhausted}

// ParseStatus converts s into a Status, rejecting anything outside the closed set.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("queue: unknown status %q", s)
	}
	return st, nil
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusLeased, StatusCompleted, StatusAbandoned, StatusExhausted:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusExhausted:
		return true
	case StatusPending, StatusLeased, StatusAbandoned:
		return false
	default:
		return false
	}
}

func (s Status) String() string { return string(s) }

// Scan implements sql.Scanner. Unknown values fail the scan instead of
// producing a Status that matches no case.
func (s *Status) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	case nil:
		return fmt.Errorf("queue: status is null")
	default:
		return fmt.Errorf("queue: cannot scan %T into Status", src)
	}
	parsed, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Value implements driver.Valuer.
func (s Status) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("queue: unknown status %q", string(s))
	}
	return string(s), nil
}
