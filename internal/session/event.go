package session

import (
	"time"

	"hls-grabber/internal/model"
)

// Event is a state change, progress update or per-segment result of one
// session. Exactly one Done event is sent, last, and carries the Outcome.
type Event struct {
	SessionID string          `json:"session_id"`
	Type      EventType       `json:"type"`
	State     model.State     `json:"state,omitempty"`
	Progress  *model.Progress `json:"progress,omitempty"`
	Segment   *model.Segment  `json:"segment,omitempty"`
	Outcome   *Outcome        `json:"outcome,omitempty"`
	Time      time.Time       `json:"time"`
}

// EventType defines the set of events a session emits.
type EventType string

const (
	EventState    EventType = "State"
	EventProgress EventType = "Progress"
	EventSegment  EventType = "Segment"
	EventDone     EventType = "Done"
)

// Outcome is the terminal result of a session. Stopped sessions report
// Kind "Cancelled" and are not failures.
type Outcome struct {
	State      model.State `json:"state"`
	OutputPath string      `json:"output_path,omitempty"`
	Kind       string      `json:"error_kind,omitempty"`
	Message    string      `json:"error,omitempty"`
	Err        error       `json:"-"`
}

// Success reports whether the session produced its output.
func (o Outcome) Success() bool {
	return o.State == model.StateSucceeded
}
