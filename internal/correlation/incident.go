// Package correlation groups related findings into incidents. Findings
// sharing a correlation key accumulate in one open incident; the incident
// fires once enough members arrive within the sliding window and closes
// after a quiet period with no new members.
package correlation

import (
	"errors"
	"fmt"
	"time"

	"decoynet/internal/schema"

	"github.com/google/uuid"
)

// ErrCorrelation marks findings whose correlation key cannot be derived.
// Such findings are still persisted for audit but never correlated.
var ErrCorrelation = errors.New("correlation: cannot derive correlation key")

// IncidentStatus represents the lifecycle state of an incident.
type IncidentStatus string

const (
	StatusOpen   IncidentStatus = "open"
	StatusClosed IncidentStatus = "closed"
)

// Incident is a correlated group of findings sharing a key. Members are
// only ever appended; severity is the maximum across members and never
// lowered. Closing is terminal: a later finding with the same key opens a
// new incident with a new id.
type Incident struct {
	ID            uuid.UUID           `json:"id"`
	Key           string              `json:"correlation_key"`
	Subject       string              `json:"subject"`
	Detector      schema.DetectorType `json:"detector"`
	FindingIDs    []uuid.UUID         `json:"finding_ids"`
	Severity      schema.Severity     `json:"severity"`
	Description   string              `json:"description"`
	OpenedAt      time.Time           `json:"opened_at"`
	LastUpdatedAt time.Time           `json:"last_updated_at"`
	FiredAt       *time.Time          `json:"fired_at,omitempty"`
	Status        IncidentStatus      `json:"status"`
}

// Fired reports whether the incident has crossed the firing threshold and
// become dispatch-eligible.
func (in *Incident) Fired() bool {
	return in.FiredAt != nil
}

// MemberCount returns the number of member findings.
func (in *Incident) MemberCount() int {
	return len(in.FindingIDs)
}

// clone returns a deep copy safe to hand outside the engine's locks.
func (in *Incident) clone() *Incident {
	cp := *in
	cp.FindingIDs = append([]uuid.UUID(nil), in.FindingIDs...)
	if in.FiredAt != nil {
		t := *in.FiredAt
		cp.FiredAt = &t
	}
	return &cp
}

// KeyFunc derives the correlation key for a finding. Keys must be
// deterministic: identical inputs always route to the same in-flight
// incident.
type KeyFunc func(*schema.Finding) (string, error)

// SubjectDetectorKey is the default key: one incident per (subject,
// detector type) pair.
func SubjectDetectorKey(f *schema.Finding) (string, error) {
	if f.Subject == "" || f.Detector == "" {
		return "", fmt.Errorf("%w: subject=%q detector=%q", ErrCorrelation, f.Subject, f.Detector)
	}
	return f.Subject + "|" + string(f.Detector), nil
}

// DetectorKey groups purely by detector type, matching deployments that
// want one incident per attack class regardless of subject.
func DetectorKey(f *schema.Finding) (string, error) {
	if f.Detector == "" {
		return "", fmt.Errorf("%w: empty detector", ErrCorrelation)
	}
	return string(f.Detector), nil
}
