package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"decoynet/internal/schema"

	"github.com/google/uuid"
)

func record(typ string, sev schema.Severity, msg string, ts time.Time) *Record {
	return &Record{
		ID:        uuid.New(),
		Type:      typ,
		Severity:  sev,
		Message:   msg,
		Timestamp: ts,
	}
}

func TestMemoryStore_AppendAndQueryOrder(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		r := record("signature", schema.SeverityHigh, "SSH brute-force attempt", base.Add(time.Duration(i)*time.Second))
		if err := s.Append(context.Background(), r); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	got, err := s.Query(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp.After(got[i-1].Timestamp) {
			t.Errorf("records not most-recent-first at %d", i)
		}
	}
}

func TestMemoryStore_FilterAndLimit(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	now := time.Now().UTC()
	s.Append(context.Background(), record("signature", schema.SeverityHigh, "a", now))
	s.Append(context.Background(), record("anomaly", schema.SeverityLow, "b", now))
	s.Append(context.Background(), record("signature", schema.SeverityLow, "c", now))

	got, _ := s.Query(context.Background(), Filter{Type: "signature"})
	if len(got) != 2 {
		t.Errorf("type filter returned %d records", len(got))
	}

	got, _ = s.Query(context.Background(), Filter{Severity: schema.SeverityLow})
	if len(got) != 2 {
		t.Errorf("severity filter returned %d records", len(got))
	}

	got, _ = s.Query(context.Background(), Filter{Limit: 1})
	if len(got) != 1 || got[0].Message != "c" {
		t.Errorf("limit returned %+v, want newest only", got)
	}
}

func TestMemoryStore_ChainVerifies(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	for i := 0; i < 5; i++ {
		if err := s.Append(context.Background(), record("incident", schema.SeverityCritical, "x", time.Now().UTC())); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	if err := s.Verify(); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
}

func TestVerifyChain_DetectsTampering(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	for i := 0; i < 3; i++ {
		s.Append(context.Background(), record("incident", schema.SeverityHigh, "orig", time.Now().UTC()))
	}

	// Reconstruct the chain with a tampered middle record.
	all, _ := s.Query(context.Background(), Filter{})
	oldest := make([]*Record, len(all))
	for i, r := range all {
		oldest[len(all)-1-i] = r
	}
	oldest[1].Message = "edited"

	if err := VerifyChain(oldest); !errors.Is(err, ErrChainBroken) {
		t.Errorf("VerifyChain() = %v, want ErrChainBroken", err)
	}
}

func TestMemoryStore_AppendedRecordIsImmutable(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	r := record("signature", schema.SeverityHigh, "original", time.Now().UTC())
	s.Append(context.Background(), r)
	r.Message = "mutated after append"

	got, _ := s.Query(context.Background(), Filter{})
	if got[0].Message != "original" {
		t.Errorf("stored record mutated through caller's pointer")
	}
	if err := s.Verify(); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
}

func TestMemoryStore_ClosedRejectsAppends(t *testing.T) {
	s := NewMemoryStore()
	s.Close()

	err := s.Append(context.Background(), record("signature", schema.SeverityLow, "x", time.Now().UTC()))
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Append() after Close = %v, want ErrClosed", err)
	}
}

func TestRecordFromFinding(t *testing.T) {
	e := schema.NewEvent("alice", schema.KindLog, "Failed password", nil)
	f := schema.NewFinding(e, schema.DetectorSignature, schema.SeverityHigh, "SSH brute-force attempt")

	r := RecordFromFinding(f)
	if r.ID != f.ID || r.Type != "signature" || r.Severity != schema.SeverityHigh {
		t.Errorf("record fields wrong: %+v", r)
	}
	if r.Message != "SSH brute-force attempt" {
		t.Errorf("Message = %q", r.Message)
	}
}
