package detector

import (
	"context"
	"fmt"
	"sync"

	"decoynet/internal/schema"
)

// BehavioralConfig configures the per-subject action diversity detector.
type BehavioralConfig struct {
	// HistorySize is how many recent actions are kept per subject.
	HistorySize int `yaml:"history_size"`

	// DiversityThreshold is the distinct-action count within the history
	// that triggers a finding.
	DiversityThreshold int `yaml:"diversity_threshold"`
}

// DefaultBehavioralConfig returns the default behavioral detector configuration.
func DefaultBehavioralConfig() BehavioralConfig {
	return BehavioralConfig{
		HistorySize:        3,
		DiversityThreshold: 3,
	}
}

// actionRing is a bounded ring of a subject's most recent actions.
// Memory per subject is fixed at HistorySize entries.
type actionRing struct {
	mu      sync.Mutex
	actions []string
	pos     int
	filled  int
}

func (r *actionRing) push(action string) {
	r.actions[r.pos] = action
	r.pos = (r.pos + 1) % len(r.actions)
	if r.filled < len(r.actions) {
		r.filled++
	}
}

func (r *actionRing) distinct() int {
	seen := make(map[string]struct{}, r.filled)
	for i := 0; i < r.filled; i++ {
		seen[r.actions[i]] = struct{}{}
	}
	return len(seen)
}

// BehavioralDetector flags subjects performing many distinct actions in
// quick succession, a common pattern when an intruder explores a decoy.
type BehavioralDetector struct {
	config BehavioralConfig
	mu     sync.RWMutex
	rings  map[string]*actionRing
}

// NewBehavioralDetector creates a behavioral detector with the given
// config. The diversity threshold must fit inside the history window; a
// threshold larger than the history could never be reached.
func NewBehavioralDetector(cfg BehavioralConfig) (*BehavioralDetector, error) {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultBehavioralConfig().HistorySize
	}
	if cfg.DiversityThreshold <= 0 {
		cfg.DiversityThreshold = DefaultBehavioralConfig().DiversityThreshold
	}
	if cfg.DiversityThreshold > cfg.HistorySize {
		return nil, &Error{
			Detector: schema.DetectorBehavioral,
			Err: fmt.Errorf("diversity threshold %d exceeds history size %d",
				cfg.DiversityThreshold, cfg.HistorySize),
		}
	}

	return &BehavioralDetector{
		config: cfg,
		rings:  make(map[string]*actionRing),
	}, nil
}

func (d *BehavioralDetector) Name() schema.DetectorType {
	return schema.DetectorBehavioral
}

// Analyze records the event's action in the subject's history ring and
// returns a finding when the distinct-action count reaches the diversity
// threshold. Events without an action are ignored.
func (d *BehavioralDetector) Analyze(ctx context.Context, event *schema.Event) (*schema.Finding, error) {
	action := event.Action()
	if action == "" {
		return nil, nil
	}

	ring := d.ring(event.Subject)

	ring.mu.Lock()
	ring.push(action)
	distinct := ring.distinct()
	ring.mu.Unlock()

	if distinct >= d.config.DiversityThreshold {
		desc := fmt.Sprintf("unusual behavior for %s: %d distinct actions among last %d",
			event.Subject, distinct, d.config.HistorySize)
		return schema.NewFinding(event, schema.DetectorBehavioral, schema.SeverityMedium, desc), nil
	}
	return nil, nil
}

func (d *BehavioralDetector) ring(subject string) *actionRing {
	d.mu.RLock()
	r, ok := d.rings[subject]
	d.mu.RUnlock()
	if ok {
		return r
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok = d.rings[subject]; ok {
		return r
	}
	r = &actionRing{actions: make([]string, d.config.HistorySize)}
	d.rings[subject] = r
	return r
}

// SubjectCount returns the number of tracked subjects.
func (d *BehavioralDetector) SubjectCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.rings)
}
