// Package dispatch fans alerts out to external notification sinks with
// per-sink retry, health tracking and duplicate suppression. A slow or
// broken sink never blocks the others.
package dispatch

import (
	"context"
	"time"

	"decoynet/internal/correlation"
	"decoynet/internal/schema"

	"github.com/google/uuid"
)

// Sink delivers an alert payload to one external system. Send must honor
// the context deadline; Check is a cheap liveness probe used to recover
// sinks marked failed.
type Sink interface {
	Name() string
	Kind() string
	Send(ctx context.Context, payload *Payload) error
	Check(ctx context.Context) error
}

// Health is the observed delivery health of a sink.
type Health string

const (
	// HealthHealthy: last delivery cycle succeeded.
	HealthHealthy Health = "healthy"
	// HealthDegraded: the last cycle exhausted its retries.
	HealthDegraded Health = "degraded"
	// HealthFailed: enough consecutive cycles failed that the sink is
	// skipped until a probe succeeds.
	HealthFailed Health = "failed"
)

// PayloadType distinguishes raw event forwards from fired alerts.
type PayloadType string

const (
	PayloadEvent PayloadType = "event"
	PayloadAlert PayloadType = "alert"
)

// Payload is the wire shape handed to sinks. Timestamp and Type are
// always injected so downstream systems can index without guessing.
type Payload struct {
	ID          uuid.UUID           `json:"id"`
	Type        PayloadType         `json:"type"`
	Timestamp   string              `json:"timestamp"`
	Subject     string              `json:"subject"`
	Detector    schema.DetectorType `json:"detector"`
	Severity    schema.Severity     `json:"severity"`
	Message     string              `json:"message"`
	Key         string              `json:"correlation_key,omitempty"`
	MemberCount int                 `json:"member_count,omitempty"`
}

// suppressionKey scopes duplicate suppression to the correlation key at
// this payload's severity, so a severity escalation re-fire is never
// swallowed as a duplicate of the original alert.
func (p *Payload) suppressionKey() string {
	if p.Key == "" {
		return ""
	}
	return p.Key + "|" + string(p.Severity)
}

// FromIncident builds the alert payload for a fired incident.
func FromIncident(in *correlation.Incident) *Payload {
	return &Payload{
		ID:          in.ID,
		Type:        PayloadAlert,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Subject:     in.Subject,
		Detector:    in.Detector,
		Severity:    in.Severity,
		Message:     in.Description,
		Key:         in.Key,
		MemberCount: in.MemberCount(),
	}
}

// FromEvent builds a forwarding payload for a raw event.
func FromEvent(e *schema.Event) *Payload {
	return &Payload{
		ID:        e.EventID,
		Type:      PayloadEvent,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Subject:   e.Subject,
		Message:   e.Raw,
	}
}

// SinkStatus is the externally visible state of a registered sink.
type SinkStatus struct {
	Name                string     `json:"name"`
	Kind                string     `json:"kind"`
	Enabled             bool       `json:"enabled"`
	Health              Health     `json:"health"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
}
