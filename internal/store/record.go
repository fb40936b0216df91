// Package store persists alert records append-only. Records are never
// updated or deleted; each one is hash-chained to its predecessor so any
// after-the-fact tampering breaks verification.
package store

import (
	"time"

	"decoynet/internal/correlation"
	"decoynet/internal/schema"

	"github.com/google/uuid"
)

// RecordTypeIncident marks records persisted from fired or closed
// incidents; finding records carry their detector type instead.
const RecordTypeIncident = "incident"

// Record is one immutable alert store entry.
type Record struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	Severity  schema.Severity `json:"severity"`
	Message   string          `json:"message"`
	Timestamp time.Time       `json:"timestamp"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

// Filter narrows a query. Zero values match everything.
type Filter struct {
	Type     string
	Severity schema.Severity
	Since    time.Time
	Until    time.Time
	Limit    int
}

func (f Filter) matches(r *Record) bool {
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	if f.Severity != "" && r.Severity != f.Severity {
		return false
	}
	if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && r.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// RecordFromFinding builds the audit record for a detector finding.
func RecordFromFinding(f *schema.Finding) *Record {
	return &Record{
		ID:        f.ID,
		Type:      string(f.Detector),
		Severity:  f.Severity,
		Message:   f.Description,
		Timestamp: f.CreatedAt,
	}
}

// RecordFromIncident builds the audit record for a fired or closed
// incident.
func RecordFromIncident(in *correlation.Incident) *Record {
	ts := in.LastUpdatedAt
	if in.FiredAt != nil {
		ts = *in.FiredAt
	}
	return &Record{
		ID:        uuid.New(),
		Type:      RecordTypeIncident,
		Severity:  in.Severity,
		Message:   in.Description,
		Timestamp: ts,
	}
}
