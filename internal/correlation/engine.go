package correlation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"decoynet/internal/schema"

	"github.com/google/uuid"
)

// IncidentHandler is called when an incident fires or closes. The incident
// passed in is a private copy; handlers may hold it indefinitely.
type IncidentHandler func(ctx context.Context, incident *Incident) error

// EngineConfig configures the correlation engine.
type EngineConfig struct {
	// FireThreshold is the member count that must be exceeded (strictly)
	// within the window before an incident becomes dispatch-eligible.
	FireThreshold int `yaml:"fire_threshold"`

	// Window is the sliding window over member event times used for
	// threshold counting.
	Window time.Duration `yaml:"window"`

	// QuietPeriod is how long an open incident survives without new
	// members before it auto-closes.
	QuietPeriod time.Duration `yaml:"quiet_period"`

	// SweepInterval is how often quiet incidents are checked for closing.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultEngineConfig returns default engine configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		FireThreshold: 3,
		Window:        5 * time.Minute,
		QuietPeriod:   10 * time.Minute,
		SweepInterval: 30 * time.Second,
	}
}

// keyState holds the in-flight incident for one correlation key. All
// mutation goes through the state's own mutex, so different keys proceed
// fully in parallel while a single key has one writer at a time.
type keyState struct {
	mu          sync.Mutex
	incident    *Incident
	memberTimes []time.Time // event times counted toward the firing window

	// evicted marks a state the sweeper removed from the map. A caller
	// that raced the sweeper and still holds the old pointer must fetch
	// a fresh state instead of opening an incident nothing tracks.
	evicted bool
}

// Engine is the bounded-time-window aggregator turning findings into
// incidents.
type Engine struct {
	configMu sync.RWMutex
	config   EngineConfig

	keyFn  KeyFunc
	logger *slog.Logger

	mu     sync.RWMutex
	states map[string]*keyState

	handlerMu     sync.RWMutex
	fireHandlers  []IncidentHandler
	closeHandlers []IncidentHandler

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEngine creates a correlation engine. A nil keyFn selects
// SubjectDetectorKey.
func NewEngine(cfg EngineConfig, keyFn KeyFunc, logger *slog.Logger) *Engine {
	if cfg.FireThreshold <= 0 {
		cfg.FireThreshold = DefaultEngineConfig().FireThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultEngineConfig().Window
	}
	if cfg.QuietPeriod <= 0 {
		cfg.QuietPeriod = DefaultEngineConfig().QuietPeriod
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultEngineConfig().SweepInterval
	}
	if keyFn == nil {
		keyFn = SubjectDetectorKey
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		config: cfg,
		keyFn:  keyFn,
		logger: logger,
		states: make(map[string]*keyState),
		stopCh: make(chan struct{}),
	}
}

// OnFire registers a handler invoked when an incident crosses the firing
// threshold, and again when a fired incident's severity is raised.
func (e *Engine) OnFire(h IncidentHandler) {
	e.handlerMu.Lock()
	defer e.handlerMu.Unlock()
	e.fireHandlers = append(e.fireHandlers, h)
}

// OnClose registers a handler invoked when an incident closes.
func (e *Engine) OnClose(h IncidentHandler) {
	e.handlerMu.Lock()
	defer e.handlerMu.Unlock()
	e.closeHandlers = append(e.closeHandlers, h)
}

// Config returns the current engine configuration.
func (e *Engine) Config() EngineConfig {
	e.configMu.RLock()
	defer e.configMu.RUnlock()
	return e.config
}

// SetConfig updates the tunable thresholds. Non-positive fields keep
// their current values. A SweepInterval change takes effect on restart.
func (e *Engine) SetConfig(cfg EngineConfig) {
	e.configMu.Lock()
	defer e.configMu.Unlock()
	if cfg.FireThreshold > 0 {
		e.config.FireThreshold = cfg.FireThreshold
	}
	if cfg.Window > 0 {
		e.config.Window = cfg.Window
	}
	if cfg.QuietPeriod > 0 {
		e.config.QuietPeriod = cfg.QuietPeriod
	}
	if cfg.SweepInterval > 0 {
		e.config.SweepInterval = cfg.SweepInterval
	}
}

// Start launches the quiet-period sweeper.
func (e *Engine) Start(ctx context.Context) {
	cfg := e.Config()
	e.wg.Add(1)
	go e.sweeper(ctx)
	e.logger.Info("correlation engine started",
		"fire_threshold", cfg.FireThreshold,
		"window", cfg.Window,
		"quiet_period", cfg.QuietPeriod,
	)
}

// Stop stops the sweeper. Open incidents remain; use DrainOpen to collect
// them for persistence during shutdown.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

// Process appends the finding to its key's incident, opening one if
// needed, and fires the incident when the windowed member count exceeds
// the threshold. The returned incident is a snapshot.
//
// A finding whose event time is older than the window lower bound is
// appended for audit but not counted toward firing.
func (e *Engine) Process(ctx context.Context, finding *schema.Finding) (*Incident, error) {
	key, err := e.keyFn(finding)
	if err != nil {
		return nil, err
	}

	cfg := e.Config()

	var state *keyState
	for {
		state = e.state(key)
		state.mu.Lock()
		if !state.evicted {
			break
		}
		state.mu.Unlock()
	}
	now := time.Now().UTC()

	if state.incident == nil || state.incident.Status == StatusClosed {
		state.incident = &Incident{
			ID:            uuid.New(),
			Key:           key,
			Subject:       finding.Subject,
			Detector:      finding.Detector,
			Severity:      finding.Severity,
			Description:   finding.Description,
			OpenedAt:      now,
			LastUpdatedAt: now,
			Status:        StatusOpen,
		}
		state.memberTimes = state.memberTimes[:0]
	}

	incident := state.incident
	incident.FindingIDs = append(incident.FindingIDs, finding.ID)
	incident.LastUpdatedAt = now

	prevSeverity := incident.Severity
	incident.Severity = schema.MaxSeverity(incident.Severity, finding.Severity)

	// Window accounting: prune expired member times, then count this
	// finding unless it predates the window lower bound.
	cutoff := now.Add(-cfg.Window)
	kept := state.memberTimes[:0]
	for _, t := range state.memberTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	state.memberTimes = kept

	stale := finding.EventTime.Before(cutoff)
	if !stale {
		state.memberTimes = append(state.memberTimes, finding.EventTime)
	} else {
		e.logger.Debug("stale finding recorded but not counted",
			"key", key, "finding_id", finding.ID, "event_time", finding.EventTime)
	}

	var fired, refired bool
	if !incident.Fired() && len(state.memberTimes) > cfg.FireThreshold {
		t := now
		incident.FiredAt = &t
		fired = true
	} else if incident.Fired() && incident.Severity.Rank() > prevSeverity.Rank() {
		refired = true
	}

	snapshot := incident.clone()
	state.mu.Unlock()

	if fired {
		e.logger.Info("incident fired",
			"incident_id", snapshot.ID,
			"key", key,
			"members", snapshot.MemberCount(),
			"severity", snapshot.Severity,
		)
	}
	if fired || refired {
		e.invoke(ctx, e.fireSnapshot(), snapshot)
	}

	return snapshot, nil
}

// CloseIncident administratively closes the open incident for a key.
// Returns the closed snapshot, or nil when no incident is open.
func (e *Engine) CloseIncident(ctx context.Context, key string) *Incident {
	e.mu.RLock()
	state, ok := e.states[key]
	e.mu.RUnlock()
	if !ok {
		return nil
	}

	state.mu.Lock()
	if state.incident == nil || state.incident.Status == StatusClosed {
		state.mu.Unlock()
		return nil
	}
	state.incident.Status = StatusClosed
	state.incident.LastUpdatedAt = time.Now().UTC()
	snapshot := state.incident.clone()
	state.incident = nil
	state.memberTimes = nil
	state.mu.Unlock()

	e.invoke(ctx, e.closeSnapshot(), snapshot)
	return snapshot
}

// DrainOpen closes and returns every open incident. Called during
// shutdown so unflushed incidents are persisted rather than lost.
func (e *Engine) DrainOpen(ctx context.Context) []*Incident {
	e.mu.RLock()
	states := make([]*keyState, 0, len(e.states))
	for _, s := range e.states {
		states = append(states, s)
	}
	e.mu.RUnlock()

	var drained []*Incident
	for _, state := range states {
		state.mu.Lock()
		if state.incident != nil && state.incident.Status == StatusOpen {
			state.incident.Status = StatusClosed
			state.incident.LastUpdatedAt = time.Now().UTC()
			snapshot := state.incident.clone()
			state.incident = nil
			state.memberTimes = nil
			drained = append(drained, snapshot)
		}
		state.mu.Unlock()
	}

	for _, snapshot := range drained {
		e.invoke(ctx, e.closeSnapshot(), snapshot)
	}
	return drained
}

// OpenIncidents returns snapshots of all currently open incidents.
func (e *Engine) OpenIncidents() []*Incident {
	e.mu.RLock()
	states := make([]*keyState, 0, len(e.states))
	for _, s := range e.states {
		states = append(states, s)
	}
	e.mu.RUnlock()

	var open []*Incident
	for _, state := range states {
		state.mu.Lock()
		if state.incident != nil && state.incident.Status == StatusOpen {
			open = append(open, state.incident.clone())
		}
		state.mu.Unlock()
	}
	return open
}

// Stats returns engine statistics.
func (e *Engine) Stats() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()

	openCount := 0
	firedCount := 0
	for _, state := range e.states {
		state.mu.Lock()
		if state.incident != nil && state.incident.Status == StatusOpen {
			openCount++
			if state.incident.Fired() {
				firedCount++
			}
		}
		state.mu.Unlock()
	}

	return map[string]any{
		"tracked_keys":   len(e.states),
		"open_incidents": openCount,
		"fired_open":     firedCount,
	}
}

func (e *Engine) state(key string) *keyState {
	e.mu.RLock()
	s, ok := e.states[key]
	e.mu.RUnlock()
	if ok {
		return s
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok = e.states[key]; ok {
		return s
	}
	s = &keyState{}
	e.states[key] = s
	return s
}

func (e *Engine) fireSnapshot() []IncidentHandler {
	e.handlerMu.RLock()
	defer e.handlerMu.RUnlock()
	return append([]IncidentHandler(nil), e.fireHandlers...)
}

func (e *Engine) closeSnapshot() []IncidentHandler {
	e.handlerMu.RLock()
	defer e.handlerMu.RUnlock()
	return append([]IncidentHandler(nil), e.closeHandlers...)
}

func (e *Engine) invoke(ctx context.Context, handlers []IncidentHandler, incident *Incident) {
	for _, h := range handlers {
		if err := h(ctx, incident); err != nil {
			e.logger.Error("incident handler failed",
				"incident_id", incident.ID,
				"key", incident.Key,
				"error", err,
			)
		}
	}
}

// sweeper closes incidents whose quiet period elapsed and evicts idle key
// state so tracked keys do not grow without bound.
func (e *Engine) sweeper(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.Config().SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.sweep(ctx)
		}
	}
}

func (e *Engine) sweep(ctx context.Context) {
	quietPeriod := e.Config().QuietPeriod

	e.mu.RLock()
	type entry struct {
		key   string
		state *keyState
	}
	entries := make([]entry, 0, len(e.states))
	for k, s := range e.states {
		entries = append(entries, entry{k, s})
	}
	e.mu.RUnlock()

	now := time.Now().UTC()
	var closed []*Incident
	var idleKeys []string

	for _, en := range entries {
		en.state.mu.Lock()
		in := en.state.incident
		if in != nil && in.Status == StatusOpen && now.Sub(in.LastUpdatedAt) > quietPeriod {
			in.Status = StatusClosed
			in.LastUpdatedAt = now
			closed = append(closed, in.clone())
			en.state.incident = nil
			en.state.memberTimes = nil
		}
		if en.state.incident == nil {
			idleKeys = append(idleKeys, en.key)
		}
		en.state.mu.Unlock()
	}

	if len(idleKeys) > 0 {
		e.mu.Lock()
		for _, k := range idleKeys {
			if s, ok := e.states[k]; ok {
				s.mu.Lock()
				if s.incident == nil {
					s.evicted = true
					delete(e.states, k)
				}
				s.mu.Unlock()
			}
		}
		e.mu.Unlock()
	}

	for _, snapshot := range closed {
		e.logger.Info("incident closed after quiet period",
			"incident_id", snapshot.ID,
			"key", snapshot.Key,
			"members", snapshot.MemberCount(),
		)
		e.invoke(ctx, e.closeSnapshot(), snapshot)
	}
}
