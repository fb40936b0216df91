package schema

import (
	"time"

	"github.com/google/uuid"
)

// Severity is the discrete risk tier assigned to a finding.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordinal position of the severity, higher is worse.
// Unknown severities rank below low so max() comparisons stay safe.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// IsValid checks if the severity is a valid value.
func (s Severity) IsValid() bool {
	return s.Rank() > 0
}

// MaxSeverity returns the higher ranked of two severities.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// DetectorType identifies which classifier produced a finding.
type DetectorType string

const (
	DetectorSignature  DetectorType = "signature"
	DetectorAnomaly    DetectorType = "anomaly"
	DetectorBehavioral DetectorType = "behavioral"
	DetectorAIScore    DetectorType = "ai_score"
)

// Finding is a detector's (or the risk scorer's) classification of one
// event. A finding always references an event that existed; findings are
// immutable once produced.
type Finding struct {
	ID          uuid.UUID    `json:"id"`
	EventID     uuid.UUID    `json:"event_id"`
	Subject     string       `json:"subject"`
	Detector    DetectorType `json:"detector"`
	Severity    Severity     `json:"severity"`
	Description string       `json:"description"`
	EventTime   time.Time    `json:"event_time"`
	CreatedAt   time.Time    `json:"created_at"`
}

// NewFinding builds a Finding bound to the given event.
func NewFinding(event *Event, detector DetectorType, severity Severity, description string) *Finding {
	return &Finding{
		ID:          uuid.New(),
		EventID:     event.EventID,
		Subject:     event.Subject,
		Detector:    detector,
		Severity:    severity,
		Description: description,
		EventTime:   event.Timestamp,
		CreatedAt:   time.Now().UTC(),
	}
}
