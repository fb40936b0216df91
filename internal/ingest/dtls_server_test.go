package ingest

import (
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"decoynet/internal/schema"
)

type captureSubmitter struct {
	events []*schema.Event
	err    error
}

func (c *captureSubmitter) Submit(e *schema.Event) error {
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, e)
	return nil
}

func TestNewDTLSServer_RequiresCertificates(t *testing.T) {
	_, err := NewDTLSServer(DTLSConfig{Address: ":0"}, &captureSubmitter{}, slog.Default())
	if err != ErrCertRequired {
		t.Errorf("NewDTLSServer() error = %v, want ErrCertRequired", err)
	}

	_, err = NewDTLSServer(DTLSConfig{
		Address:           ":0",
		CertFile:          "cert.pem",
		KeyFile:           "key.pem",
		RequireClientCert: true,
	}, &captureSubmitter{}, slog.Default())
	if err != ErrClientCertRequired {
		t.Errorf("NewDTLSServer() error = %v, want ErrClientCertRequired", err)
	}
}

func TestProcessDatagram_ValidEvent(t *testing.T) {
	sub := &captureSubmitter{}
	s := &DTLSServer{
		config:    DefaultDTLSConfig(),
		submitter: sub,
		logger:    slog.Default(),
		done:      make(chan struct{}),
	}

	ts := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	data, _ := json.Marshal(map[string]any{
		"subject":   "10.0.3.17",
		"kind":      "log",
		"raw":       "Failed password for root",
		"payload":   map[string]string{"port": "22"},
		"timestamp": ts,
	})

	s.processDatagram(data, "10.0.3.17:4242")

	if len(sub.events) != 1 {
		t.Fatalf("submitted %d events, want 1", len(sub.events))
	}
	e := sub.events[0]
	if e.Subject != "10.0.3.17" || e.Kind != schema.KindLog {
		t.Errorf("event = %+v", e)
	}
	if !e.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want sensor-provided %v", e.Timestamp, ts)
	}
	if e.ReceivedAt.IsZero() || e.EventID.String() == "" {
		t.Errorf("internal fields not stamped")
	}
	if got := s.Metrics().Submitted; got != 1 {
		t.Errorf("Submitted = %d", got)
	}
}

func TestProcessDatagram_DefaultsTimestamp(t *testing.T) {
	sub := &captureSubmitter{}
	s := &DTLSServer{
		config:    DefaultDTLSConfig(),
		submitter: sub,
		logger:    slog.Default(),
		done:      make(chan struct{}),
	}

	s.processDatagram([]byte(`{"subject":"h1","kind":"connection"}`), "r")

	if len(sub.events) != 1 {
		t.Fatalf("submitted %d events, want 1", len(sub.events))
	}
	if time.Since(sub.events[0].Timestamp) > time.Minute {
		t.Errorf("missing timestamp not defaulted to now")
	}
}

func TestProcessDatagram_BadInputDropped(t *testing.T) {
	sub := &captureSubmitter{}
	s := &DTLSServer{
		config:    DefaultDTLSConfig(),
		submitter: sub,
		logger:    slog.Default(),
		done:      make(chan struct{}),
	}

	s.processDatagram([]byte(`not json at all`), "r")
	s.processDatagram([]byte(`{"subject":`), "r")

	if len(sub.events) != 0 {
		t.Errorf("malformed datagrams were submitted: %d", len(sub.events))
	}
	if got := s.Metrics().Errors; got != 2 {
		t.Errorf("Errors = %d, want 2", got)
	}
}
