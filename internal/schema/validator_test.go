package schema

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func validEvent() *Event {
	return &Event{
		EventID:    uuid.New(),
		Timestamp:  time.Now().UTC(),
		Subject:    "10.0.3.17",
		Kind:       KindLog,
		Raw:        "Failed password for root from 10.0.3.17",
		ReceivedAt: time.Now().UTC(),
	}
}

func TestValidator_Validate(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name    string
		mutate  func(*Event)
		wantErr bool
	}{
		{
			name:    "valid event",
			mutate:  func(e *Event) {},
			wantErr: false,
		},
		{
			name:    "valid user action",
			mutate:  func(e *Event) { e.Kind = KindUserAction; e.Payload = map[string]string{"action": "login"} },
			wantErr: false,
		},
		{
			name:    "missing subject",
			mutate:  func(e *Event) { e.Subject = "" },
			wantErr: true,
		},
		{
			name:    "subject with whitespace",
			mutate:  func(e *Event) { e.Subject = "alice smith" },
			wantErr: true,
		},
		{
			name:    "subject with leading punctuation",
			mutate:  func(e *Event) { e.Subject = "-leading" },
			wantErr: true,
		},
		{
			name:    "subject with control character",
			mutate:  func(e *Event) { e.Subject = "host\x00name" },
			wantErr: true,
		},
		{
			name:    "invalid kind",
			mutate:  func(e *Event) { e.Kind = "packet" },
			wantErr: true,
		},
		{
			name:    "zero timestamp",
			mutate:  func(e *Event) { e.Timestamp = time.Time{} },
			wantErr: true,
		},
		{
			name:    "timestamp too old",
			mutate:  func(e *Event) { e.Timestamp = time.Now().UTC().Add(-30 * 24 * time.Hour) },
			wantErr: true,
		},
		{
			name:    "timestamp in future",
			mutate:  func(e *Event) { e.Timestamp = time.Now().UTC().Add(time.Hour) },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := validEvent()
			tt.mutate(event)

			err := v.Validate(event)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrValidation) {
				t.Errorf("Validate() error should wrap ErrValidation, got %v", err)
			}
		})
	}
}

func TestValidateSubject(t *testing.T) {
	tests := []struct {
		subject string
		valid   bool
	}{
		{"192.168.1.44", true},
		{"alice", true},
		{"svc-backup@corp", true},
		{"fe80::1", true},
		{"", false},
		{"has space", false},
		{"-leading", false},
	}

	for _, tt := range tests {
		if got := ValidateSubject(tt.subject); got != tt.valid {
			t.Errorf("ValidateSubject(%q) = %v, want %v", tt.subject, got, tt.valid)
		}
	}
}

func TestMaxSeverity(t *testing.T) {
	if got := MaxSeverity(SeverityLow, SeverityCritical); got != SeverityCritical {
		t.Errorf("MaxSeverity(low, critical) = %v", got)
	}
	if got := MaxSeverity(SeverityHigh, SeverityMedium); got != SeverityHigh {
		t.Errorf("MaxSeverity(high, medium) = %v", got)
	}
	if got := MaxSeverity("", SeverityLow); got != SeverityLow {
		t.Errorf("MaxSeverity(unknown, low) = %v", got)
	}
}
