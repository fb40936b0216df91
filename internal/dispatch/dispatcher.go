package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config configures delivery behavior.
type Config struct {
	MaxRetries      int           `yaml:"max_retries"`      // attempts per sink per dispatch (default 3)
	InitialBackoff  time.Duration `yaml:"initial_backoff"`  // first retry delay (default 500ms)
	MaxBackoff      time.Duration `yaml:"max_backoff"`      // backoff ceiling (default 10s)
	BackoffFactor   float64       `yaml:"backoff_factor"`   // backoff multiplier (default 2.0)
	AttemptTimeout  time.Duration `yaml:"attempt_timeout"`  // per-attempt deadline (default 5s)
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"` // overall deadline before returning partial results (default 30s)
	FailedThreshold int           `yaml:"failed_threshold"` // consecutive failed cycles before a sink is marked failed (default 3)
	ProbeInterval   time.Duration `yaml:"probe_interval"`   // how often failed sinks are probed (default 1m)
}

// DefaultConfig returns sensible delivery defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		InitialBackoff:  500 * time.Millisecond,
		MaxBackoff:      10 * time.Second,
		BackoffFactor:   2.0,
		AttemptTimeout:  5 * time.Second,
		DispatchTimeout: 30 * time.Second,
		FailedThreshold: 3,
		ProbeInterval:   time.Minute,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.BackoffFactor <= 1 {
		c.BackoffFactor = d.BackoffFactor
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = d.AttemptTimeout
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = d.DispatchTimeout
	}
	if c.FailedThreshold <= 0 {
		c.FailedThreshold = d.FailedThreshold
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = d.ProbeInterval
	}
}

// Result is the outcome of one sink's delivery cycle within a dispatch.
type Result struct {
	Sink     string
	Attempts int
	Err      error
}

// DeadLetterRecord captures a delivery cycle that exhausted its retries.
type DeadLetterRecord struct {
	ID       uuid.UUID `json:"id"`
	AlertID  uuid.UUID `json:"alert_id"`
	Sink     string    `json:"sink"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	At       time.Time `json:"at"`
	Payload  *Payload  `json:"payload"`
}

type registration struct {
	sink        Sink
	enabled     bool
	health      Health
	consec      int
	lastSuccess *time.Time
	lastError   string
}

// Dispatcher fans alert payloads out to registered sinks. Each sink gets
// its own goroutine and retry loop so one misbehaving sink cannot stall
// or fail the others.
type Dispatcher struct {
	configMu sync.RWMutex
	config   Config

	logger     *slog.Logger
	suppressor Suppressor

	mu         sync.RWMutex
	sinks      map[string]*registration
	order      []string
	deadLetter []*DeadLetterRecord

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher. The suppressor may be nil to
// disable duplicate suppression.
func NewDispatcher(cfg Config, suppressor Suppressor, logger *slog.Logger) *Dispatcher {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		config:     cfg,
		logger:     logger,
		suppressor: suppressor,
		sinks:      make(map[string]*registration),
		stopCh:     make(chan struct{}),
	}
}

// Config returns the current delivery configuration.
func (d *Dispatcher) Config() Config {
	d.configMu.RLock()
	defer d.configMu.RUnlock()
	return d.config
}

// SetConfig updates delivery settings. Zero fields keep their current
// values. A ProbeInterval change takes effect on restart.
func (d *Dispatcher) SetConfig(cfg Config) {
	d.configMu.Lock()
	defer d.configMu.Unlock()
	if cfg.MaxRetries > 0 {
		d.config.MaxRetries = cfg.MaxRetries
	}
	if cfg.InitialBackoff > 0 {
		d.config.InitialBackoff = cfg.InitialBackoff
	}
	if cfg.MaxBackoff > 0 {
		d.config.MaxBackoff = cfg.MaxBackoff
	}
	if cfg.BackoffFactor > 1 {
		d.config.BackoffFactor = cfg.BackoffFactor
	}
	if cfg.AttemptTimeout > 0 {
		d.config.AttemptTimeout = cfg.AttemptTimeout
	}
	if cfg.DispatchTimeout > 0 {
		d.config.DispatchTimeout = cfg.DispatchTimeout
	}
	if cfg.FailedThreshold > 0 {
		d.config.FailedThreshold = cfg.FailedThreshold
	}
	if cfg.ProbeInterval > 0 {
		d.config.ProbeInterval = cfg.ProbeInterval
	}
}

// Register adds a sink. Registered sinks start enabled and healthy.
func (d *Dispatcher) Register(sink Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.sinks[sink.Name()]; ok {
		return
	}
	d.sinks[sink.Name()] = &registration{sink: sink, enabled: true, health: HealthHealthy}
	d.order = append(d.order, sink.Name())
}

// EnableSink re-enables a disabled sink.
func (d *Dispatcher) EnableSink(name string) bool {
	return d.setEnabled(name, true)
}

// DisableSink excludes a sink from dispatch without unregistering it.
func (d *Dispatcher) DisableSink(name string) bool {
	return d.setEnabled(name, false)
}

func (d *Dispatcher) setEnabled(name string, enabled bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	reg, ok := d.sinks[name]
	if !ok {
		return false
	}
	reg.enabled = enabled
	return true
}

// Sinks returns the status of every registered sink in registration order.
func (d *Dispatcher) Sinks() []SinkStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()

	statuses := make([]SinkStatus, 0, len(d.order))
	for _, name := range d.order {
		reg := d.sinks[name]
		st := SinkStatus{
			Name:                name,
			Kind:                reg.sink.Kind(),
			Enabled:             reg.enabled,
			Health:              reg.health,
			ConsecutiveFailures: reg.consec,
			LastError:           reg.lastError,
		}
		if reg.lastSuccess != nil {
			t := *reg.lastSuccess
			st.LastSuccess = &t
		}
		statuses = append(statuses, st)
	}
	return statuses
}

// Start launches the health prober for failed sinks.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.prober(ctx)
}

// Stop stops the prober and waits for in-flight deliveries.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

// Dispatch delivers the payload to every enabled, non-failed sink in
// parallel and returns per-sink results. It returns within the dispatch
// timeout even if sinks are still retrying; late results still update
// sink health and the dead-letter queue in the background.
//
// When the payload carries a correlation key and the suppressor reports
// a recent notification for it at the same severity, dispatch is skipped
// entirely. An escalated severity forms a distinct suppression key, so
// re-fires always go out.
func (d *Dispatcher) Dispatch(ctx context.Context, payload *Payload) []Result {
	if d.suppressor != nil && payload.Key != "" {
		seen, err := d.suppressor.AlreadyNotified(ctx, payload.suppressionKey())
		if err != nil {
			d.logger.Warn("suppression check failed, dispatching anyway",
				"key", payload.Key, "error", err)
		} else if seen {
			d.logger.Info("alert suppressed, recently notified",
				"alert_id", payload.ID, "key", payload.Key)
			return nil
		}
	}

	d.mu.RLock()
	targets := make([]*registration, 0, len(d.order))
	for _, name := range d.order {
		reg := d.sinks[name]
		if reg.enabled && reg.health != HealthFailed {
			targets = append(targets, reg)
		}
	}
	d.mu.RUnlock()

	if len(targets) == 0 {
		d.logger.Warn("no eligible sinks for alert", "alert_id", payload.ID)
		return nil
	}

	deadline, cancel := context.WithTimeout(ctx, d.Config().DispatchTimeout)
	defer cancel()

	resultCh := make(chan Result, len(targets))
	for _, reg := range targets {
		d.wg.Add(1)
		go func(reg *registration) {
			defer d.wg.Done()
			resultCh <- d.deliverWithRetry(deadline, reg, payload)
		}(reg)
	}

	results := make([]Result, 0, len(targets))
	for range targets {
		select {
		case r := <-resultCh:
			results = append(results, r)
		case <-deadline.Done():
			d.logger.Warn("dispatch timeout, returning partial results",
				"alert_id", payload.ID,
				"collected", len(results),
				"expected", len(targets),
			)
			return results
		}
	}
	return results
}

// deliverWithRetry runs one sink's delivery cycle with exponential
// backoff, then records the outcome in the sink's health state.
func (d *Dispatcher) deliverWithRetry(ctx context.Context, reg *registration, payload *Payload) Result {
	cfg := d.Config()
	name := reg.sink.Name()
	backoff := cfg.InitialBackoff

	var lastErr error
	attempt := 0
retry:
	for attempt < cfg.MaxRetries {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, cfg.AttemptTimeout)
		err := reg.sink.Send(attemptCtx, payload)
		cancel()

		if err == nil {
			d.recordSuccess(reg)
			d.logger.Debug("alert delivered",
				"sink", name, "alert_id", payload.ID, "attempts", attempt)
			return Result{Sink: name, Attempts: attempt}
		}
		lastErr = err

		d.logger.Warn("alert delivery failed",
			"sink", name,
			"alert_id", payload.ID,
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"error", err,
		)

		if attempt == cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			break retry
		case <-d.stopCh:
			break retry
		case <-time.After(backoff):
			backoff = time.Duration(float64(backoff) * cfg.BackoffFactor)
			if backoff > cfg.MaxBackoff {
				backoff = cfg.MaxBackoff
			}
		}
	}

	d.recordFailure(reg, payload, attempt, lastErr)
	return Result{Sink: name, Attempts: attempt, Err: lastErr}
}

func (d *Dispatcher) recordSuccess(reg *registration) {
	now := time.Now().UTC()
	d.mu.Lock()
	reg.health = HealthHealthy
	reg.consec = 0
	reg.lastSuccess = &now
	reg.lastError = ""
	d.mu.Unlock()
}

func (d *Dispatcher) recordFailure(reg *registration, payload *Payload, attempts int, err error) {
	errText := "delivery failed"
	if err != nil {
		errText = err.Error()
	}

	failedThreshold := d.Config().FailedThreshold

	d.mu.Lock()
	reg.consec++
	reg.lastError = errText
	if reg.consec >= failedThreshold {
		reg.health = HealthFailed
	} else {
		reg.health = HealthDegraded
	}
	health := reg.health
	d.deadLetter = append(d.deadLetter, &DeadLetterRecord{
		ID:       uuid.New(),
		AlertID:  payload.ID,
		Sink:     reg.sink.Name(),
		Attempts: attempts,
		Error:    errText,
		At:       time.Now().UTC(),
		Payload:  payload,
	})
	d.mu.Unlock()

	d.logger.Error("alert moved to dead letter queue",
		"sink", reg.sink.Name(),
		"alert_id", payload.ID,
		"attempts", attempts,
		"sink_health", health,
	)
}

// DeadLetter returns a copy of the dead-letter queue.
func (d *Dispatcher) DeadLetter() []*DeadLetterRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*DeadLetterRecord, len(d.deadLetter))
	copy(out, d.deadLetter)
	return out
}

// RedeliverDeadLetter re-dispatches one dead-letter record to its sink.
func (d *Dispatcher) RedeliverDeadLetter(ctx context.Context, recordID uuid.UUID) error {
	d.mu.Lock()
	var record *DeadLetterRecord
	for i, rec := range d.deadLetter {
		if rec.ID == recordID {
			record = rec
			d.deadLetter = append(d.deadLetter[:i], d.deadLetter[i+1:]...)
			break
		}
	}
	var reg *registration
	if record != nil {
		reg = d.sinks[record.Sink]
	}
	d.mu.Unlock()

	if record == nil {
		return errDeadLetterNotFound(recordID)
	}
	if reg == nil {
		return errSinkNotFound(record.Sink)
	}

	deadline, cancel := context.WithTimeout(ctx, d.Config().DispatchTimeout)
	defer cancel()
	result := d.deliverWithRetry(deadline, reg, record.Payload)
	return result.Err
}

// prober periodically checks failed sinks and restores ones that answer.
// A recovered sink comes back degraded; the next successful delivery
// marks it healthy.
func (d *Dispatcher) prober(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.Config().ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.probeFailed(ctx)
		}
	}
}

func (d *Dispatcher) probeFailed(ctx context.Context) {
	d.mu.RLock()
	var failed []*registration
	for _, reg := range d.sinks {
		if reg.health == HealthFailed {
			failed = append(failed, reg)
		}
	}
	d.mu.RUnlock()

	attemptTimeout := d.Config().AttemptTimeout
	for _, reg := range failed {
		probeCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		err := reg.sink.Check(probeCtx)
		cancel()

		if err != nil {
			d.logger.Debug("failed sink still unreachable",
				"sink", reg.sink.Name(), "error", err)
			continue
		}

		d.mu.Lock()
		reg.health = HealthDegraded
		reg.consec = 0
		d.mu.Unlock()
		d.logger.Info("failed sink recovered by probe", "sink", reg.sink.Name())
	}
}
