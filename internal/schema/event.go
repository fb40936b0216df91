// Package schema defines the canonical event and finding types for the
// detection engine. Every observation coming out of a decoy is normalized
// to an Event before it enters the pipeline.
package schema

import (
	"time"

	"github.com/google/uuid"
)

// EventKind classifies the origin of an observation.
type EventKind string

const (
	KindLog        EventKind = "log"
	KindConnection EventKind = "connection"
	KindUserAction EventKind = "user_action"
)

// IsValid checks if the event kind is a valid value.
func (k EventKind) IsValid() bool {
	switch k {
	case KindLog, KindConnection, KindUserAction:
		return true
	}
	return false
}

// Event is a single raw observation fed into the engine.
// Events are immutable once created; the pipeline never writes to one.
type Event struct {
	// Required fields
	EventID   uuid.UUID `json:"event_id" validate:"required"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
	Subject   string    `json:"subject" validate:"required,max=256,subject_format"`
	Kind      EventKind `json:"kind" validate:"required,oneof=log connection user_action"`

	// Optional fields
	Payload map[string]string `json:"payload,omitempty"`
	Raw     string            `json:"raw,omitempty" validate:"max=65536"`

	// Internal fields (set by the ingestion boundary)
	ReceivedAt time.Time `json:"received_at"`
}

// Action returns the user action carried in the payload, if any.
// The behavioral detector keys its per-subject history on this value.
func (e *Event) Action() string {
	if e.Payload == nil {
		return ""
	}
	return e.Payload["action"]
}

// NewEvent builds an Event with a fresh id and the receive time stamped.
func NewEvent(subject string, kind EventKind, raw string, payload map[string]string) *Event {
	now := time.Now().UTC()
	return &Event{
		EventID:    uuid.New(),
		Timestamp:  now,
		Subject:    subject,
		Kind:       kind,
		Payload:    payload,
		Raw:        raw,
		ReceivedAt: now,
	}
}
