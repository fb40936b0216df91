package engine

import (
	"context"
	"fmt"
	"time"

	"decoynet/internal/correlation"
	"decoynet/internal/dispatch"
	"decoynet/internal/queue"
	"decoynet/internal/scoring"
	"decoynet/internal/store"

	"github.com/google/uuid"
)

// Stats is a point-in-time snapshot of pipeline state for operators.
type Stats struct {
	Queue         queue.QueueMetrics `json:"queue"`
	TrackedKeys   int                `json:"tracked_keys"`
	OpenIncidents int                `json:"open_incidents"`
	FiredOpen     int                `json:"fired_open"`
	StoredRecords int                `json:"stored_records"`
}

// RuntimeConfig is the tunable subset of pipeline configuration exposed
// on the admin boundary.
type RuntimeConfig struct {
	ScoringMode     scoring.Mode  `json:"scoring_mode"`
	FireThreshold   int           `json:"fire_threshold"`
	Window          time.Duration `json:"window"`
	QuietPeriod     time.Duration `json:"quiet_period"`
	MaxRetries      int           `json:"max_retries"`
	DispatchTimeout time.Duration `json:"dispatch_timeout"`
}

// ConfigPatch selects runtime settings to change. Nil fields keep their
// current values.
type ConfigPatch struct {
	ScoringMode     *scoring.Mode  `json:"scoring_mode,omitempty"`
	FireThreshold   *int           `json:"fire_threshold,omitempty"`
	Window          *time.Duration `json:"window,omitempty"`
	QuietPeriod     *time.Duration `json:"quiet_period,omitempty"`
	MaxRetries      *int           `json:"max_retries,omitempty"`
	DispatchTimeout *time.Duration `json:"dispatch_timeout,omitempty"`
}

// GetConfig returns the current runtime configuration.
func (e *Engine) GetConfig() RuntimeConfig {
	cfg := RuntimeConfig{ScoringMode: e.currentScoringMode()}

	cc := e.deps.Correlator.Config()
	cfg.FireThreshold = cc.FireThreshold
	cfg.Window = cc.Window
	cfg.QuietPeriod = cc.QuietPeriod

	if e.deps.Dispatcher != nil {
		dc := e.deps.Dispatcher.Config()
		cfg.MaxRetries = dc.MaxRetries
		cfg.DispatchTimeout = dc.DispatchTimeout
	}
	return cfg
}

// SetConfig applies the patch to the running pipeline. Already-queued
// events see the new settings as workers pick them up.
func (e *Engine) SetConfig(patch ConfigPatch) error {
	if patch.ScoringMode != nil {
		switch *patch.ScoringMode {
		case scoring.ModeFallback, scoring.ModeAlways:
		default:
			return fmt.Errorf("invalid scoring mode: %q", *patch.ScoringMode)
		}
	}
	if patch.FireThreshold != nil && *patch.FireThreshold <= 0 {
		return fmt.Errorf("fire threshold must be positive")
	}
	if patch.Window != nil && *patch.Window <= 0 {
		return fmt.Errorf("window must be positive")
	}
	if patch.QuietPeriod != nil && *patch.QuietPeriod <= 0 {
		return fmt.Errorf("quiet period must be positive")
	}
	if patch.MaxRetries != nil && *patch.MaxRetries <= 0 {
		return fmt.Errorf("max retries must be positive")
	}
	if patch.DispatchTimeout != nil && *patch.DispatchTimeout <= 0 {
		return fmt.Errorf("dispatch timeout must be positive")
	}

	if patch.ScoringMode != nil {
		e.modeMu.Lock()
		e.scoringMode = *patch.ScoringMode
		e.modeMu.Unlock()
	}

	var cc correlation.EngineConfig
	if patch.FireThreshold != nil {
		cc.FireThreshold = *patch.FireThreshold
	}
	if patch.Window != nil {
		cc.Window = *patch.Window
	}
	if patch.QuietPeriod != nil {
		cc.QuietPeriod = *patch.QuietPeriod
	}
	if cc != (correlation.EngineConfig{}) {
		e.deps.Correlator.SetConfig(cc)
	}

	if e.deps.Dispatcher != nil {
		var dc dispatch.Config
		if patch.MaxRetries != nil {
			dc.MaxRetries = *patch.MaxRetries
		}
		if patch.DispatchTimeout != nil {
			dc.DispatchTimeout = *patch.DispatchTimeout
		}
		if dc != (dispatch.Config{}) {
			e.deps.Dispatcher.SetConfig(dc)
		}
	}

	e.logger.Info("runtime configuration updated")
	return nil
}

// ListRecentAlerts returns the newest stored alert records, most recent
// first.
func (e *Engine) ListRecentAlerts(ctx context.Context, limit int) ([]*store.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	return e.deps.Store.Query(ctx, store.Filter{Limit: limit})
}

// QueryAlerts returns stored alert records matching the filter.
func (e *Engine) QueryAlerts(ctx context.Context, filter store.Filter) ([]*store.Record, error) {
	return e.deps.Store.Query(ctx, filter)
}

// ListSinks returns the status of every registered notification sink.
func (e *Engine) ListSinks() []dispatch.SinkStatus {
	if e.deps.Dispatcher == nil {
		return nil
	}
	return e.deps.Dispatcher.Sinks()
}

// EnableSink re-enables a disabled sink. Returns false for unknown names.
func (e *Engine) EnableSink(name string) bool {
	if e.deps.Dispatcher == nil {
		return false
	}
	return e.deps.Dispatcher.EnableSink(name)
}

// DisableSink excludes a sink from dispatch. Returns false for unknown
// names.
func (e *Engine) DisableSink(name string) bool {
	if e.deps.Dispatcher == nil {
		return false
	}
	return e.deps.Dispatcher.DisableSink(name)
}

// DeadLetter returns alerts whose delivery exhausted its retries.
func (e *Engine) DeadLetter() []*dispatch.DeadLetterRecord {
	if e.deps.Dispatcher == nil {
		return nil
	}
	return e.deps.Dispatcher.DeadLetter()
}

// RedeliverDeadLetter re-dispatches one dead-letter record to its sink.
func (e *Engine) RedeliverDeadLetter(ctx context.Context, recordID uuid.UUID) error {
	if e.deps.Dispatcher == nil {
		return dispatch.ErrSinkNotFound
	}
	return e.deps.Dispatcher.RedeliverDeadLetter(ctx, recordID)
}

// OpenIncidents returns snapshots of all currently open incidents.
func (e *Engine) OpenIncidents() []*correlation.Incident {
	return e.deps.Correlator.OpenIncidents()
}

// CloseIncident administratively closes the open incident for a key.
func (e *Engine) CloseIncident(ctx context.Context, key string) *correlation.Incident {
	return e.deps.Correlator.CloseIncident(ctx, key)
}

// Snapshot returns current pipeline statistics.
func (e *Engine) Snapshot(ctx context.Context) Stats {
	st := Stats{Queue: e.deps.Queue.Metrics()}

	cs := e.deps.Correlator.Stats()
	if v, ok := cs["tracked_keys"].(int); ok {
		st.TrackedKeys = v
	}
	if v, ok := cs["open_incidents"].(int); ok {
		st.OpenIncidents = v
	}
	if v, ok := cs["fired_open"].(int); ok {
		st.FiredOpen = v
	}
	if count, err := e.deps.Store.Count(ctx); err == nil {
		st.StoredRecords = count
	}
	return st
}
