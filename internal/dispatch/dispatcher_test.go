package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"decoynet/internal/correlation"
	"decoynet/internal/schema"

	"github.com/google/uuid"
)

type stubSink struct {
	name     string
	failures int32 // fail this many sends before succeeding
	blockFor time.Duration
	sends    int32
	checkErr error
}

func (s *stubSink) Name() string { return s.name }
func (s *stubSink) Kind() string { return "stub" }

func (s *stubSink) Send(ctx context.Context, _ *Payload) error {
	n := atomic.AddInt32(&s.sends, 1)
	if s.blockFor > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.blockFor):
		}
	}
	if n <= atomic.LoadInt32(&s.failures) {
		return errors.New("stub send failed")
	}
	return nil
}

func (s *stubSink) Check(context.Context) error { return s.checkErr }

func (s *stubSink) sendCount() int { return int(atomic.LoadInt32(&s.sends)) }

func alertPayload(key string) *Payload {
	return &Payload{
		ID:        uuid.New(),
		Type:      PayloadAlert,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Subject:   "alice",
		Severity:  schema.SeverityHigh,
		Message:   "test alert",
		Key:       key,
	}
}

func fastConfig() Config {
	return Config{
		MaxRetries:      3,
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      5 * time.Millisecond,
		BackoffFactor:   2.0,
		AttemptTimeout:  100 * time.Millisecond,
		DispatchTimeout: 200 * time.Millisecond,
		FailedThreshold: 2,
		ProbeInterval:   time.Hour,
	}
}

func TestDispatcher_DeliversToAllSinks(t *testing.T) {
	d := NewDispatcher(fastConfig(), nil, nil)
	a := &stubSink{name: "a"}
	b := &stubSink{name: "b"}
	d.Register(a)
	d.Register(b)

	results := d.Dispatch(context.Background(), alertPayload(""))
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	for _, r := range results {
		if r.Err != nil {
			t.Errorf("sink %s: %v", r.Sink, r.Err)
		}
	}
	if a.sendCount() != 1 || b.sendCount() != 1 {
		t.Errorf("sends = %d, %d, want 1 each", a.sendCount(), b.sendCount())
	}
}

func TestDispatcher_RetriesUntilSuccess(t *testing.T) {
	d := NewDispatcher(fastConfig(), nil, nil)
	s := &stubSink{name: "flaky", failures: 2}
	d.Register(s)

	results := d.Dispatch(context.Background(), alertPayload(""))
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("results = %+v, want single success", results)
	}
	if results[0].Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", results[0].Attempts)
	}
	if st := d.Sinks()[0]; st.Health != HealthHealthy {
		t.Errorf("Health = %v after eventual success", st.Health)
	}
}

func TestDispatcher_SlowSinkDoesNotBlockOthers(t *testing.T) {
	d := NewDispatcher(fastConfig(), nil, nil)
	slow := &stubSink{name: "slow", blockFor: time.Second}
	fast := &stubSink{name: "fast"}
	d.Register(slow)
	d.Register(fast)

	start := time.Now()
	results := d.Dispatch(context.Background(), alertPayload(""))
	elapsed := time.Since(start)

	if elapsed > 500*time.Millisecond {
		t.Errorf("Dispatch took %v, should return at the dispatch timeout", elapsed)
	}

	var fastOK bool
	for _, r := range results {
		if r.Sink == "fast" && r.Err == nil {
			fastOK = true
		}
	}
	if !fastOK {
		t.Errorf("fast sink missing from partial results: %+v", results)
	}
}

func TestDispatcher_HealthDegradesThenFails(t *testing.T) {
	cfg := fastConfig()
	d := NewDispatcher(cfg, nil, nil)
	s := &stubSink{name: "down", failures: 1000}
	d.Register(s)

	d.Dispatch(context.Background(), alertPayload(""))
	if st := d.Sinks()[0]; st.Health != HealthDegraded {
		t.Fatalf("Health = %v after one exhausted cycle, want degraded", st.Health)
	}

	d.Dispatch(context.Background(), alertPayload(""))
	if st := d.Sinks()[0]; st.Health != HealthFailed {
		t.Fatalf("Health = %v after %d cycles, want failed", st.Health, cfg.FailedThreshold)
	}

	// Failed sinks are skipped entirely.
	before := s.sendCount()
	results := d.Dispatch(context.Background(), alertPayload(""))
	if len(results) != 0 {
		t.Errorf("results = %+v, failed sink should be skipped", results)
	}
	if s.sendCount() != before {
		t.Errorf("failed sink still received sends")
	}

	if got := len(d.DeadLetter()); got != 2 {
		t.Errorf("dead letter records = %d, want 2", got)
	}
}

func TestDispatcher_ProbeRecoversFailedSink(t *testing.T) {
	d := NewDispatcher(fastConfig(), nil, nil)
	s := &stubSink{name: "down", failures: 1000}
	d.Register(s)

	d.Dispatch(context.Background(), alertPayload(""))
	d.Dispatch(context.Background(), alertPayload(""))
	if st := d.Sinks()[0]; st.Health != HealthFailed {
		t.Fatalf("setup: Health = %v, want failed", st.Health)
	}

	// Sink comes back: probe succeeds, deliveries work again.
	atomic.StoreInt32(&s.failures, 0)
	d.probeFailed(context.Background())

	if st := d.Sinks()[0]; st.Health != HealthDegraded {
		t.Fatalf("Health = %v after probe, want degraded until a delivery lands", st.Health)
	}

	results := d.Dispatch(context.Background(), alertPayload(""))
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("results = %+v after recovery", results)
	}
	if st := d.Sinks()[0]; st.Health != HealthHealthy {
		t.Errorf("Health = %v after successful delivery", st.Health)
	}
}

func TestDispatcher_DisabledSinkSkipped(t *testing.T) {
	d := NewDispatcher(fastConfig(), nil, nil)
	s := &stubSink{name: "a"}
	d.Register(s)

	if !d.DisableSink("a") {
		t.Fatal("DisableSink returned false for registered sink")
	}
	if results := d.Dispatch(context.Background(), alertPayload("")); len(results) != 0 {
		t.Errorf("disabled sink received dispatch: %+v", results)
	}

	d.EnableSink("a")
	if results := d.Dispatch(context.Background(), alertPayload("")); len(results) != 1 {
		t.Errorf("re-enabled sink not dispatched")
	}
}

func TestDispatcher_SuppressesDuplicateKeys(t *testing.T) {
	sup, err := NewLocalSuppressor(16, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	d := NewDispatcher(fastConfig(), sup, nil)
	s := &stubSink{name: "a"}
	d.Register(s)

	if results := d.Dispatch(context.Background(), alertPayload("alice|signature")); len(results) != 1 {
		t.Fatalf("first dispatch suppressed: %+v", results)
	}
	if results := d.Dispatch(context.Background(), alertPayload("alice|signature")); results != nil {
		t.Errorf("duplicate key dispatched: %+v", results)
	}
	if results := d.Dispatch(context.Background(), alertPayload("bob|signature")); len(results) != 1 {
		t.Errorf("unrelated key suppressed: %+v", results)
	}
	if s.sendCount() != 2 {
		t.Errorf("sends = %d, want 2", s.sendCount())
	}
}

func TestDispatcher_EscalationBypassesSuppression(t *testing.T) {
	sup, err := NewLocalSuppressor(16, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	d := NewDispatcher(fastConfig(), sup, nil)
	s := &stubSink{name: "a"}
	d.Register(s)

	high := alertPayload("alice|signature")
	if results := d.Dispatch(context.Background(), high); len(results) != 1 {
		t.Fatalf("first dispatch suppressed: %+v", results)
	}
	if results := d.Dispatch(context.Background(), high); results != nil {
		t.Fatalf("same-severity duplicate dispatched: %+v", results)
	}

	// The incident escalated: the re-fire must go out within the TTL.
	escalated := alertPayload("alice|signature")
	escalated.Severity = schema.SeverityCritical
	if results := d.Dispatch(context.Background(), escalated); len(results) != 1 {
		t.Errorf("escalated re-fire suppressed: %+v", results)
	}
	if s.sendCount() != 2 {
		t.Errorf("sends = %d, want original + escalation", s.sendCount())
	}
}

func TestDispatcher_RedeliverDeadLetter(t *testing.T) {
	d := NewDispatcher(fastConfig(), nil, nil)
	s := &stubSink{name: "down", failures: 1000}
	d.Register(s)

	d.Dispatch(context.Background(), alertPayload(""))
	records := d.DeadLetter()
	if len(records) != 1 {
		t.Fatalf("dead letter records = %d, want 1", len(records))
	}

	// Sink recovers; redelivery drains the record and succeeds.
	atomic.StoreInt32(&s.failures, 0)
	if err := d.RedeliverDeadLetter(context.Background(), records[0].ID); err != nil {
		t.Fatalf("RedeliverDeadLetter() error = %v", err)
	}
	if got := len(d.DeadLetter()); got != 0 {
		t.Errorf("dead letter records = %d after redelivery, want 0", got)
	}

	if err := d.RedeliverDeadLetter(context.Background(), uuid.New()); !errors.Is(err, ErrDeadLetterNotFound) {
		t.Errorf("RedeliverDeadLetter(unknown) = %v, want ErrDeadLetterNotFound", err)
	}
}

func TestLocalSuppressor_TTLExpiry(t *testing.T) {
	sup, err := NewLocalSuppressor(16, 20*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	seen, _ := sup.AlreadyNotified(context.Background(), "k")
	if seen {
		t.Fatal("fresh key reported as notified")
	}
	seen, _ = sup.AlreadyNotified(context.Background(), "k")
	if !seen {
		t.Fatal("repeat within TTL not suppressed")
	}

	time.Sleep(30 * time.Millisecond)
	seen, _ = sup.AlreadyNotified(context.Background(), "k")
	if seen {
		t.Error("key still suppressed after TTL expiry")
	}
}

func TestFromIncident_InjectsTypeAndTimestamp(t *testing.T) {
	e := schema.NewEvent("alice", schema.KindLog, "x", nil)
	f := schema.NewFinding(e, schema.DetectorSignature, schema.SeverityHigh, "SSH brute-force attempt")

	in := &correlation.Incident{
		ID:          uuid.New(),
		Key:         "alice|signature",
		Subject:     f.Subject,
		Detector:    f.Detector,
		FindingIDs:  []uuid.UUID{f.ID},
		Severity:    f.Severity,
		Description: f.Description,
		Status:      correlation.StatusOpen,
	}

	p := FromIncident(in)
	if p.Type != PayloadAlert {
		t.Errorf("Type = %v, want alert", p.Type)
	}
	if _, err := time.Parse(time.RFC3339, p.Timestamp); err != nil {
		t.Errorf("Timestamp %q not RFC3339: %v", p.Timestamp, err)
	}
	if p.MemberCount != 1 || p.Key != "alice|signature" || p.Severity != schema.SeverityHigh {
		t.Errorf("payload fields wrong: %+v", p)
	}
}
