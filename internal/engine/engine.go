// Package engine wires the detection pipeline: submitted events pass
// validation, queue into a bounded buffer, and are consumed by workers
// that run the detector pool, the fallback risk scorer, the correlation
// engine, and finally persistence and alert dispatch.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"decoynet/internal/correlation"
	"decoynet/internal/detector"
	"decoynet/internal/dispatch"
	"decoynet/internal/metrics"
	"decoynet/internal/queue"
	"decoynet/internal/schema"
	"decoynet/internal/scoring"
	"decoynet/internal/store"

	"github.com/google/uuid"
)

// storeFailureEscalation is how many consecutive failed appends turn
// record loss into an operational alert through the sinks.
const storeFailureEscalation = 3

// Archiver persists closed incidents to long-term storage.
type Archiver interface {
	ArchiveIncident(ctx context.Context, incident *correlation.Incident) error
}

// Config holds pipeline worker settings.
type Config struct {
	Workers      int           `yaml:"workers"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// DefaultConfig returns default engine settings.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		ShutdownWait: 30 * time.Second,
	}
}

// Deps are the pipeline components the engine coordinates. Store,
// Correlator, Pool and Scorer are required; Dispatcher, Archiver and
// Metrics are optional.
type Deps struct {
	Validator   *schema.Validator
	Queue       *queue.RingBuffer
	Pool        *detector.Pool
	Scorer      *scoring.RiskScorer
	ScoringMode scoring.Mode
	Correlator  *correlation.Engine
	Store       store.Store
	Dispatcher  *dispatch.Dispatcher
	Archiver    Archiver
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Engine is the detection pipeline coordinator.
type Engine struct {
	config Config
	deps   Deps
	logger *slog.Logger

	modeMu      sync.RWMutex
	scoringMode scoring.Mode

	storeFailures atomic.Int64 // consecutive failed appends, reset on success

	stopCh   chan struct{}
	stopOnce sync.Once
	workerWg sync.WaitGroup
	asyncWg  sync.WaitGroup
}

// NewEngine creates the engine and registers its incident handlers on
// the correlator.
func NewEngine(cfg Config, deps Deps) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.ShutdownWait <= 0 {
		cfg.ShutdownWait = DefaultConfig().ShutdownWait
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.ScoringMode == "" {
		deps.ScoringMode = scoring.ModeFallback
	}

	e := &Engine{
		config:      cfg,
		deps:        deps,
		logger:      deps.Logger,
		scoringMode: deps.ScoringMode,
		stopCh:      make(chan struct{}),
	}
	deps.Correlator.OnFire(e.onIncidentFired)
	deps.Correlator.OnClose(e.onIncidentClosed)
	if deps.Pool != nil && deps.Metrics != nil {
		m := deps.Metrics
		deps.Pool.OnError = func(name schema.DetectorType, _ error) {
			m.DetectorErrorsTotal.WithLabelValues(string(name)).Inc()
		}
	}
	return e
}

// Start launches the correlator, dispatcher, workers and the gauge
// refresher.
func (e *Engine) Start(ctx context.Context) {
	e.deps.Correlator.Start(ctx)
	if e.deps.Dispatcher != nil {
		e.deps.Dispatcher.Start(ctx)
	}

	for i := 0; i < e.config.Workers; i++ {
		e.workerWg.Add(1)
		go e.worker(ctx, i)
	}
	if e.deps.Metrics != nil {
		e.asyncWg.Add(1)
		go e.refreshGauges(ctx)
	}

	e.logger.Info("detection engine started",
		"workers", e.config.Workers,
		"queue_capacity", e.deps.Queue.Cap(),
		"scoring_mode", e.currentScoringMode(),
	)
}

// Stop drains the pipeline: the queue stops accepting events, workers
// finish what is buffered, open incidents are closed and persisted, and
// in-flight dispatches complete.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })

	e.deps.Queue.Close()
	e.workerWg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), e.config.ShutdownWait)
	defer cancel()

	drained := e.deps.Correlator.DrainOpen(ctx)
	e.deps.Correlator.Stop()
	if len(drained) > 0 {
		e.logger.Info("open incidents persisted at shutdown", "count", len(drained))
	}

	e.asyncWg.Wait()
	if e.deps.Dispatcher != nil {
		e.deps.Dispatcher.Stop()
	}
	e.logger.Info("detection engine stopped")
}

// Submit validates the event and enqueues it. Returns the validation or
// queue error; a rejected event is not processed.
func (e *Engine) Submit(event *schema.Event) error {
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}

	if err := e.deps.Validator.Validate(event); err != nil {
		if e.deps.Metrics != nil {
			e.deps.Metrics.EventsInvalidTotal.Inc()
		}
		e.logger.Debug("event rejected by validation",
			"subject", event.Subject, "error", err)
		return err
	}

	if err := e.deps.Queue.Push(event); err != nil {
		if errors.Is(err, queue.ErrQueueFull) && e.deps.Metrics != nil {
			e.deps.Metrics.EventsDroppedTotal.Inc()
		}
		e.logger.Warn("event rejected by queue",
			"subject", event.Subject, "error", err)
		return err
	}

	if e.deps.Metrics != nil {
		e.deps.Metrics.EventsTotal.Inc()
	}
	return nil
}

func (e *Engine) currentScoringMode() scoring.Mode {
	e.modeMu.RLock()
	defer e.modeMu.RUnlock()
	return e.scoringMode
}

func (e *Engine) worker(ctx context.Context, id int) {
	defer e.workerWg.Done()

	for {
		event, err := e.deps.Queue.PopBlocking()
		if err != nil {
			return // queue closed and drained
		}
		e.process(ctx, event)
	}
}

// process runs one event through detection, scoring, persistence and
// correlation.
func (e *Engine) process(ctx context.Context, event *schema.Event) {
	findings := e.deps.Pool.Analyze(ctx, event)

	if e.currentScoringMode() == scoring.ModeAlways || len(findings) == 0 {
		findings = append(findings, e.deps.Scorer.Classify(event))
	}

	for _, finding := range findings {
		if e.deps.Metrics != nil {
			e.deps.Metrics.FindingsTotal.WithLabelValues(string(finding.Detector)).Inc()
		}

		if err := e.deps.Store.Append(ctx, store.RecordFromFinding(finding)); err != nil {
			e.logger.Error("failed to persist finding",
				"finding_id", finding.ID, "error", err)
			e.recordStoreError(ctx, err)
		} else {
			e.storeFailures.Store(0)
		}

		if _, err := e.deps.Correlator.Process(ctx, finding); err != nil {
			if errors.Is(err, correlation.ErrCorrelation) {
				e.logger.Debug("finding not correlatable",
					"finding_id", finding.ID, "error", err)
				continue
			}
			e.logger.Error("correlation failed",
				"finding_id", finding.ID, "error", err)
		}
	}
}

// onIncidentFired persists the incident record and fans the alert out to
// the sinks. Dispatch runs in its own goroutine so slow sinks never
// stall the pipeline workers.
func (e *Engine) onIncidentFired(ctx context.Context, incident *correlation.Incident) error {
	if err := e.deps.Store.Append(ctx, store.RecordFromIncident(incident)); err != nil {
		e.logger.Error("failed to persist incident",
			"incident_id", incident.ID, "error", err)
		e.recordStoreError(ctx, err)
	} else {
		e.storeFailures.Store(0)
	}
	if e.deps.Metrics != nil {
		e.deps.Metrics.IncidentsFired.Inc()
	}

	if e.deps.Dispatcher == nil {
		return nil
	}
	payload := dispatch.FromIncident(incident)

	e.asyncWg.Add(1)
	go func() {
		defer e.asyncWg.Done()
		results := e.deps.Dispatcher.Dispatch(context.WithoutCancel(ctx), payload)
		if e.deps.Metrics != nil {
			if results == nil {
				e.deps.Metrics.AlertsSuppressed.Inc()
			}
			for _, r := range results {
				outcome := "delivered"
				if r.Err != nil {
					outcome = "failed"
				}
				e.deps.Metrics.DispatchTotal.WithLabelValues(r.Sink, outcome).Inc()
			}
		}
	}()
	return nil
}

// onIncidentClosed persists the closing record and archives the incident.
func (e *Engine) onIncidentClosed(ctx context.Context, incident *correlation.Incident) error {
	if err := e.deps.Store.Append(ctx, store.RecordFromIncident(incident)); err != nil {
		e.logger.Error("failed to persist closed incident",
			"incident_id", incident.ID, "error", err)
		e.recordStoreError(ctx, err)
	} else {
		e.storeFailures.Store(0)
	}
	if e.deps.Metrics != nil {
		e.deps.Metrics.IncidentsClosed.Inc()
	}

	if e.deps.Archiver != nil {
		e.asyncWg.Add(1)
		go func() {
			defer e.asyncWg.Done()
			archCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			if err := e.deps.Archiver.ArchiveIncident(archCtx, incident); err != nil {
				e.logger.Error("failed to archive incident",
					"incident_id", incident.ID, "error", err)
			}
		}()
	}
	return nil
}

// recordStoreError accounts for one failed append. The record is gone,
// so both the error and the loss are counted; once the failure streak
// reaches storeFailureEscalation an operational alert goes out through
// the sinks. The alert carries no correlation key, so suppression never
// holds it back.
func (e *Engine) recordStoreError(ctx context.Context, err error) {
	if e.deps.Metrics != nil {
		e.deps.Metrics.StoreErrorsTotal.Inc()
		e.deps.Metrics.RecordsLostTotal.Inc()
	}

	failures := e.storeFailures.Add(1)
	if failures != storeFailureEscalation || e.deps.Dispatcher == nil {
		return
	}

	payload := &dispatch.Payload{
		ID:        uuid.New(),
		Type:      dispatch.PayloadAlert,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Subject:   "decoynet-engine",
		Severity:  schema.SeverityCritical,
		Message: fmt.Sprintf("alert store unavailable: %d consecutive appends failed, records are being lost (last error: %v)",
			failures, err),
	}
	e.asyncWg.Add(1)
	go func() {
		defer e.asyncWg.Done()
		e.deps.Dispatcher.Dispatch(context.WithoutCancel(ctx), payload)
	}()
}

func (e *Engine) refreshGauges(ctx context.Context) {
	defer e.asyncWg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.deps.Metrics.QueueDepth.Set(float64(e.deps.Queue.Len()))
			if open, ok := e.deps.Correlator.Stats()["open_incidents"].(int); ok {
				e.deps.Metrics.OpenIncidents.Set(float64(open))
			}
		}
	}
}
