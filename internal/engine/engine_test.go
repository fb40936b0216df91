package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"decoynet/internal/correlation"
	"decoynet/internal/detector"
	"decoynet/internal/dispatch"
	"decoynet/internal/metrics"
	"decoynet/internal/queue"
	"decoynet/internal/schema"
	"decoynet/internal/scoring"
	"decoynet/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type captureSink struct {
	sends    int32
	lastSeen atomic.Pointer[dispatch.Payload]
}

func (c *captureSink) Name() string { return "capture" }
func (c *captureSink) Kind() string { return "stub" }
func (c *captureSink) Send(_ context.Context, p *dispatch.Payload) error {
	c.lastSeen.Store(p)
	atomic.AddInt32(&c.sends, 1)
	return nil
}
func (c *captureSink) Check(context.Context) error { return nil }

func (c *captureSink) sendCount() int { return int(atomic.LoadInt32(&c.sends)) }

func newTestEngine(t *testing.T, sink dispatch.Sink, mode scoring.Mode) (*Engine, *store.MemoryStore) {
	t.Helper()

	logger := slog.Default()
	sig, err := detector.NewSignatureDetector(detector.DefaultSignatureRules())
	if err != nil {
		t.Fatal(err)
	}
	pool := detector.NewPool(logger, sig)

	scorer, err := scoring.NewRiskScorer(nil, scoring.DefaultBoundaries())
	if err != nil {
		t.Fatal(err)
	}

	correlator := correlation.NewEngine(correlation.EngineConfig{
		FireThreshold: 3,
		Window:        time.Minute,
		QuietPeriod:   time.Hour,
		SweepInterval: time.Hour,
	}, nil, logger)

	dispatcher := dispatch.NewDispatcher(dispatch.Config{
		MaxRetries:      2,
		InitialBackoff:  time.Millisecond,
		AttemptTimeout:  100 * time.Millisecond,
		DispatchTimeout: time.Second,
		FailedThreshold: 3,
		ProbeInterval:   time.Hour,
	}, nil, logger)
	if sink != nil {
		dispatcher.Register(sink)
	}

	mem := store.NewMemoryStore()
	e := NewEngine(Config{Workers: 2, ShutdownWait: 5 * time.Second}, Deps{
		Validator:   schema.NewValidator(),
		Queue:       queue.NewRingBuffer(128),
		Pool:        pool,
		Scorer:      scorer,
		ScoringMode: mode,
		Correlator:  correlator,
		Store:       mem,
		Dispatcher:  dispatcher,
		Logger:      logger,
	})
	return e, mem
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestEngine_BruteForceScenario(t *testing.T) {
	sink := &captureSink{}
	e, mem := newTestEngine(t, sink, scoring.ModeFallback)

	e.Start(context.Background())

	// Four failed logins from the same host: the signature detector
	// flags each one, and the fourth finding pushes the incident over
	// the correlation threshold.
	for i := 0; i < 4; i++ {
		ev := schema.NewEvent("10.0.3.17", schema.KindLog,
			"Failed password for root from 10.0.3.17 port 22", nil)
		if err := e.Submit(ev); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}

	if !waitFor(t, 3*time.Second, func() bool { return sink.sendCount() >= 1 }) {
		t.Fatal("alert never reached the sink")
	}

	payload := sink.lastSeen.Load()
	if payload.Type != dispatch.PayloadAlert {
		t.Errorf("payload type = %v", payload.Type)
	}
	if payload.Severity != schema.SeverityHigh {
		t.Errorf("payload severity = %v, want high", payload.Severity)
	}
	if payload.Subject != "10.0.3.17" {
		t.Errorf("payload subject = %q", payload.Subject)
	}
	if payload.MemberCount != 4 {
		t.Errorf("payload member count = %d, want 4", payload.MemberCount)
	}

	e.Stop()

	// Four finding records, one fired incident record, one closed
	// record from the shutdown drain.
	records, err := mem.Query(context.Background(), store.Filter{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	var findings, incidents int
	for _, r := range records {
		switch r.Type {
		case "signature":
			findings++
		case store.RecordTypeIncident:
			incidents++
		}
	}
	if findings != 4 {
		t.Errorf("finding records = %d, want 4", findings)
	}
	if incidents != 2 {
		t.Errorf("incident records = %d, want fired + drained close", incidents)
	}
	if err := mem.Verify(); err != nil {
		t.Errorf("store chain broken: %v", err)
	}
}

func TestEngine_BelowThresholdNoAlert(t *testing.T) {
	sink := &captureSink{}
	e, _ := newTestEngine(t, sink, scoring.ModeFallback)

	e.Start(context.Background())
	for i := 0; i < 3; i++ {
		e.Submit(schema.NewEvent("10.0.3.17", schema.KindLog,
			"Failed password for root", nil))
	}

	waitFor(t, 300*time.Millisecond, func() bool { return sink.sendCount() > 0 })
	if sink.sendCount() != 0 {
		t.Errorf("sink received %d alerts at exactly the threshold, want 0", sink.sendCount())
	}
	e.Stop()
}

func TestEngine_FallbackScoringForUnmatchedEvents(t *testing.T) {
	e, mem := newTestEngine(t, nil, scoring.ModeFallback)

	e.Start(context.Background())
	if err := e.Submit(schema.NewEvent("host1", schema.KindLog, "session opened for deploy", nil)); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if !waitFor(t, 2*time.Second, func() bool {
		n, _ := mem.Count(context.Background())
		return n >= 1
	}) {
		t.Fatal("no record persisted")
	}
	e.Stop()

	records, _ := mem.Query(context.Background(), store.Filter{Type: string(schema.DetectorAIScore)})
	if len(records) != 1 {
		t.Fatalf("ai_score records = %d, want 1", len(records))
	}
	if !records[0].Severity.IsValid() {
		t.Errorf("invalid severity %q", records[0].Severity)
	}
}

func TestEngine_RejectsInvalidEvents(t *testing.T) {
	e, mem := newTestEngine(t, nil, scoring.ModeFallback)
	e.Start(context.Background())
	defer e.Stop()

	bad := schema.NewEvent("has spaces in it", schema.KindLog, "x", nil)
	if err := e.Submit(bad); !errors.Is(err, schema.ErrValidation) {
		t.Fatalf("Submit() = %v, want ErrValidation", err)
	}
	if n, _ := mem.Count(context.Background()); n != 0 {
		t.Errorf("rejected event was persisted")
	}
}

func TestEngine_AdminBoundary(t *testing.T) {
	sink := &captureSink{}
	e, _ := newTestEngine(t, sink, scoring.ModeFallback)
	e.Start(context.Background())
	defer e.Stop()

	sinks := e.ListSinks()
	if len(sinks) != 1 || sinks[0].Name != "capture" {
		t.Fatalf("ListSinks() = %+v", sinks)
	}
	if !e.DisableSink("capture") {
		t.Error("DisableSink failed for registered sink")
	}
	if e.ListSinks()[0].Enabled {
		t.Error("sink still enabled after DisableSink")
	}
	if e.EnableSink("nope") {
		t.Error("EnableSink succeeded for unknown sink")
	}

	for i := 0; i < 2; i++ {
		e.Submit(schema.NewEvent("10.0.9.1", schema.KindLog, "Failed password", nil))
	}
	waitFor(t, 2*time.Second, func() bool {
		return e.Snapshot(context.Background()).OpenIncidents == 1
	})

	open := e.OpenIncidents()
	if len(open) != 1 {
		t.Fatalf("OpenIncidents() = %d, want 1", len(open))
	}
	if closed := e.CloseIncident(context.Background(), open[0].Key); closed == nil {
		t.Error("CloseIncident() returned nil for open key")
	}

	recent, err := e.ListRecentAlerts(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListRecentAlerts() error = %v", err)
	}
	if len(recent) == 0 {
		t.Error("no recent alerts after processed findings")
	}
}

func TestEngine_RuntimeConfig(t *testing.T) {
	e, _ := newTestEngine(t, &captureSink{}, scoring.ModeFallback)
	e.Start(context.Background())
	defer e.Stop()

	cfg := e.GetConfig()
	if cfg.ScoringMode != scoring.ModeFallback {
		t.Fatalf("ScoringMode = %v", cfg.ScoringMode)
	}
	if cfg.FireThreshold != 3 || cfg.MaxRetries != 2 {
		t.Fatalf("unexpected initial config %+v", cfg)
	}

	mode := scoring.ModeAlways
	threshold := 5
	timeout := 2 * time.Second
	if err := e.SetConfig(ConfigPatch{
		ScoringMode:     &mode,
		FireThreshold:   &threshold,
		DispatchTimeout: &timeout,
	}); err != nil {
		t.Fatalf("SetConfig() error = %v", err)
	}

	cfg = e.GetConfig()
	if cfg.ScoringMode != scoring.ModeAlways {
		t.Errorf("ScoringMode = %v after patch", cfg.ScoringMode)
	}
	if cfg.FireThreshold != 5 {
		t.Errorf("FireThreshold = %d after patch", cfg.FireThreshold)
	}
	if cfg.DispatchTimeout != timeout {
		t.Errorf("DispatchTimeout = %v after patch", cfg.DispatchTimeout)
	}
	// Unpatched fields keep their values.
	if cfg.MaxRetries != 2 {
		t.Errorf("MaxRetries = %d, want untouched 2", cfg.MaxRetries)
	}

	badMode := scoring.Mode("loud")
	if err := e.SetConfig(ConfigPatch{ScoringMode: &badMode}); err == nil {
		t.Error("SetConfig accepted invalid scoring mode")
	}
	zero := 0
	if err := e.SetConfig(ConfigPatch{FireThreshold: &zero}); err == nil {
		t.Error("SetConfig accepted zero fire threshold")
	}
	if got := e.GetConfig().FireThreshold; got != 5 {
		t.Errorf("FireThreshold = %d after rejected patch, want 5", got)
	}
}

// faultyStore fails every append while broken is set.
type faultyStore struct {
	*store.MemoryStore
	broken atomic.Bool
}

func (f *faultyStore) Append(ctx context.Context, record *store.Record) error {
	if f.broken.Load() {
		return store.ErrAppendFailed
	}
	return f.MemoryStore.Append(ctx, record)
}

type failingDetector struct{}

func (failingDetector) Name() schema.DetectorType { return schema.DetectorBehavioral }
func (failingDetector) Analyze(context.Context, *schema.Event) (*schema.Finding, error) {
	return nil, errors.New("model backend unreachable")
}

func TestEngine_StoreFailureEscalatesThroughSinks(t *testing.T) {
	logger := slog.Default()
	sig, err := detector.NewSignatureDetector(detector.DefaultSignatureRules())
	if err != nil {
		t.Fatal(err)
	}
	scorer, err := scoring.NewRiskScorer(nil, scoring.DefaultBoundaries())
	if err != nil {
		t.Fatal(err)
	}
	correlator := correlation.NewEngine(correlation.EngineConfig{
		FireThreshold: 10,
		Window:        time.Minute,
		QuietPeriod:   time.Hour,
		SweepInterval: time.Hour,
	}, nil, logger)

	sink := &captureSink{}
	dispatcher := dispatch.NewDispatcher(dispatch.Config{
		MaxRetries:      2,
		InitialBackoff:  time.Millisecond,
		AttemptTimeout:  100 * time.Millisecond,
		DispatchTimeout: time.Second,
		FailedThreshold: 3,
		ProbeInterval:   time.Hour,
	}, nil, logger)
	dispatcher.Register(sink)

	faulty := &faultyStore{MemoryStore: store.NewMemoryStore()}
	faulty.broken.Store(true)
	m := metrics.NewMetrics(prometheus.NewRegistry())

	e := NewEngine(Config{Workers: 1, ShutdownWait: 5 * time.Second}, Deps{
		Validator:   schema.NewValidator(),
		Queue:       queue.NewRingBuffer(128),
		Pool:        detector.NewPool(logger, sig),
		Scorer:      scorer,
		ScoringMode: scoring.ModeFallback,
		Correlator:  correlator,
		Store:       faulty,
		Dispatcher:  dispatcher,
		Metrics:     m,
		Logger:      logger,
	})
	e.Start(context.Background())

	// Three failed appends in a row: every loss is counted, and the
	// third turns into an operational alert.
	for i, subject := range []string{"host-a", "host-b", "host-c"} {
		ev := schema.NewEvent(subject, schema.KindLog, "Failed password for root", nil)
		if err := e.Submit(ev); err != nil {
			t.Fatalf("Submit(%d) error = %v", i, err)
		}
	}

	if !waitFor(t, 3*time.Second, func() bool { return sink.sendCount() >= 1 }) {
		t.Fatal("store failure never escalated to the sink")
	}
	alert := sink.lastSeen.Load()
	if alert.Type != dispatch.PayloadAlert || alert.Severity != schema.SeverityCritical {
		t.Errorf("escalation payload = %+v, want critical alert", alert)
	}
	if alert.Subject != "decoynet-engine" {
		t.Errorf("escalation subject = %q", alert.Subject)
	}

	if got := testutil.ToFloat64(m.StoreErrorsTotal); got != 3 {
		t.Errorf("store errors counted = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.RecordsLostTotal); got != 3 {
		t.Errorf("records lost counted = %v, want 3", got)
	}

	// The store recovers: the streak resets and a later single failure
	// does not fire a second escalation.
	faulty.broken.Store(false)
	e.Submit(schema.NewEvent("host-d", schema.KindLog, "Failed password for root", nil))
	if !waitFor(t, 2*time.Second, func() bool {
		n, _ := faulty.Count(context.Background())
		return n >= 1
	}) {
		t.Fatal("recovered store never received an append")
	}

	faulty.broken.Store(true)
	e.Submit(schema.NewEvent("host-e", schema.KindLog, "Failed password for root", nil))
	waitFor(t, 2*time.Second, func() bool {
		return testutil.ToFloat64(m.StoreErrorsTotal) >= 4
	})
	if sink.sendCount() != 1 {
		t.Errorf("sends = %d, want single escalation alert", sink.sendCount())
	}

	e.Stop()
}

func TestEngine_DetectorFailuresFeedErrorCounter(t *testing.T) {
	logger := slog.Default()
	scorer, err := scoring.NewRiskScorer(nil, scoring.DefaultBoundaries())
	if err != nil {
		t.Fatal(err)
	}
	correlator := correlation.NewEngine(correlation.EngineConfig{
		FireThreshold: 10,
		Window:        time.Minute,
		QuietPeriod:   time.Hour,
		SweepInterval: time.Hour,
	}, nil, logger)

	m := metrics.NewMetrics(prometheus.NewRegistry())
	mem := store.NewMemoryStore()

	e := NewEngine(Config{Workers: 1, ShutdownWait: 5 * time.Second}, Deps{
		Validator:   schema.NewValidator(),
		Queue:       queue.NewRingBuffer(128),
		Pool:        detector.NewPool(logger, failingDetector{}),
		Scorer:      scorer,
		ScoringMode: scoring.ModeFallback,
		Correlator:  correlator,
		Store:       mem,
		Metrics:     m,
		Logger:      logger,
	})
	e.Start(context.Background())

	if err := e.Submit(schema.NewEvent("host1", schema.KindLog, "session opened", nil)); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	counter := m.DetectorErrorsTotal.WithLabelValues(string(schema.DetectorBehavioral))
	if !waitFor(t, 2*time.Second, func() bool {
		return testutil.ToFloat64(counter) >= 1
	}) {
		t.Fatal("detector failure never reached the error counter")
	}

	// The event still flows through fallback scoring despite the failure.
	if !waitFor(t, 2*time.Second, func() bool {
		n, _ := mem.Count(context.Background())
		return n >= 1
	}) {
		t.Error("fallback finding not persisted after detector failure")
	}

	e.Stop()
}
