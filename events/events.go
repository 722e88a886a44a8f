// Package events publishes queue lifecycle events for operators: completions,
// exhausted entries and reclaimed leases.
package events

import (
	"context"
	"time"
)

// Event types.
const (
	TypeCompleted = "entry.completed"
	TypeExhausted = "entry.exhausted"
	TypeReclaimed = "entry.reclaimed"
	TypeIngested  = "survey.ingested"
)

// Event is one operator-facing notification.
type Event struct {
	Type         string    `json:"type"`
	SurveyID     string    `json:"survey_id"`
	EntryID      string    `json:"entry_id,omitempty"`
	WorkerID     string    `json:"worker_id,omitempty"`
	Status       string    `json:"status,omitempty"`
	AttemptCount int       `json:"attempt_count,omitempty"`
	MaxAttempts  int       `json:"max_attempts,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	ResponseRef  string    `json:"response_ref,omitempty"`
	Inserted     int       `json:"inserted,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                        { return nil }

// Recorder keeps published events in memory. It is meant for tests.
type Recorder struct {
	ch chan Event
}

// NewRecorder returns a Recorder buffering up to size events.
func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan Event, size)}
}

func (r *Recorder) Publish(_ context.Context, evt Event) error {
	select {
	case r.ch <- evt:
	default:
	}
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events drains and returns the events published so far.
func (r *Recorder) Events() []Event {
	var out []Event
	for {
		select {
		case evt := <-r.ch:
			out = append(out, evt)
		default:
			return out
		}
	}
}
