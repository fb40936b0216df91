package detector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"decoynet/internal/schema"
)

// AnomalyConfig configures the per-subject rate anomaly detector.
type AnomalyConfig struct {
	// Threshold is the event count above which a subject is anomalous.
	// The finding fires when the windowed count exceeds (not reaches) it.
	Threshold int `yaml:"threshold"`

	// Window is the rolling window a subject's counter covers.
	Window time.Duration `yaml:"window"`

	// IdleEviction is how long an untouched counter survives before the
	// janitor removes it. Zero disables the janitor.
	IdleEviction time.Duration `yaml:"idle_eviction"`
}

// DefaultAnomalyConfig returns the default anomaly detector configuration.
func DefaultAnomalyConfig() AnomalyConfig {
	return AnomalyConfig{
		Threshold:    10,
		Window:       time.Minute,
		IdleEviction: 10 * time.Minute,
	}
}

// subjectCounter is the bounded per-subject state: one window start and one
// count. Guarded by its own mutex so subjects never contend with each other.
type subjectCounter struct {
	mu          sync.Mutex
	windowStart time.Time
	count       int
	lastSeen    time.Time
}

// AnomalyDetector flags subjects whose event rate exceeds a threshold
// within a rolling window. Counters reset when their window elapses, so
// state per subject stays fixed-size.
type AnomalyDetector struct {
	config   AnomalyConfig
	mu       sync.RWMutex
	counters map[string]*subjectCounter

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAnomalyDetector creates an anomaly detector with the given config.
func NewAnomalyDetector(cfg AnomalyConfig) *AnomalyDetector {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultAnomalyConfig().Threshold
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultAnomalyConfig().Window
	}

	d := &AnomalyDetector{
		config:   cfg,
		counters: make(map[string]*subjectCounter),
		stopCh:   make(chan struct{}),
	}

	if cfg.IdleEviction > 0 {
		d.wg.Add(1)
		go d.janitor()
	}

	return d
}

func (d *AnomalyDetector) Name() schema.DetectorType {
	return schema.DetectorAnomaly
}

// Analyze counts the event against its subject's window and returns a
// finding once the windowed count exceeds the threshold. Window position is
// driven by event timestamps: an event arriving after the window elapsed
// starts a fresh count and is never pooled with pre-expiry events.
func (d *AnomalyDetector) Analyze(ctx context.Context, event *schema.Event) (*schema.Finding, error) {
	counter := d.counter(event.Subject)

	counter.mu.Lock()
	defer counter.mu.Unlock()

	if counter.windowStart.IsZero() || event.Timestamp.Sub(counter.windowStart) >= d.config.Window {
		counter.windowStart = event.Timestamp
		counter.count = 0
	}
	counter.count++
	counter.lastSeen = time.Now()

	if counter.count > d.config.Threshold {
		desc := fmt.Sprintf("abnormal event rate for %s: %d events within %s",
			event.Subject, counter.count, d.config.Window)
		return schema.NewFinding(event, schema.DetectorAnomaly, schema.SeverityMedium, desc), nil
	}
	return nil, nil
}

// counter returns the subject's counter, creating it on first sight.
func (d *AnomalyDetector) counter(subject string) *subjectCounter {
	d.mu.RLock()
	c, ok := d.counters[subject]
	d.mu.RUnlock()
	if ok {
		return c
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok = d.counters[subject]; ok {
		return c
	}
	c = &subjectCounter{}
	d.counters[subject] = c
	return c
}

// janitor evicts counters that have been idle past IdleEviction.
func (d *AnomalyDetector) janitor() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.IdleEviction)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.evictIdle()
		}
	}
}

func (d *AnomalyDetector) evictIdle() {
	cutoff := time.Now().Add(-d.config.IdleEviction)

	d.mu.Lock()
	defer d.mu.Unlock()
	for subject, counter := range d.counters {
		counter.mu.Lock()
		idle := counter.lastSeen.Before(cutoff)
		counter.mu.Unlock()
		if idle {
			delete(d.counters, subject)
		}
	}
}

// SubjectCount returns the number of tracked subjects.
func (d *AnomalyDetector) SubjectCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.counters)
}

// Stop stops the eviction janitor.
func (d *AnomalyDetector) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}
