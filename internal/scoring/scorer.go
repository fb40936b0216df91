// Package scoring assigns a numeric risk score and a discrete severity
// tier to events that no detector classified. The scoring function is a
// pluggable strategy; the default is rule-based and fully deterministic.
package scoring

import (
	"fmt"
	"sort"
	"strings"

	"decoynet/internal/schema"
)

// Scorer produces a risk score in (0,100] for an event. Implementations
// must be deterministic for identical input plus model state and must not
// touch the event.
type Scorer interface {
	Score(event *schema.Event) int
}

// Mode controls when the risk scorer runs in the pipeline.
type Mode string

const (
	// ModeFallback scores only events that produced no detector finding.
	ModeFallback Mode = "fallback"
	// ModeAlways scores every event in addition to detector findings.
	ModeAlways Mode = "always"
)

// Boundaries are the upper bucket edges mapping a score to a severity
// tier: score <= Boundaries[0] is low, <= Boundaries[1] medium,
// <= Boundaries[2] high, anything above is critical. Edges must be
// strictly increasing so the buckets are monotone and exhaustive.
type Boundaries [3]int

// DefaultBoundaries returns the standard 20/50/80 bucket edges.
func DefaultBoundaries() Boundaries {
	return Boundaries{20, 50, 80}
}

// Validate checks that the boundaries are strictly increasing and inside
// the scorer's output range.
func (b Boundaries) Validate() error {
	if b[0] <= 0 || b[0] >= b[1] || b[1] >= b[2] || b[2] >= 100 {
		return fmt.Errorf("scoring: boundaries must satisfy 0 < %d < %d < %d < 100", b[0], b[1], b[2])
	}
	return nil
}

// Tier maps a score to its severity bucket.
func (b Boundaries) Tier(score int) schema.Severity {
	switch {
	case score <= b[0]:
		return schema.SeverityLow
	case score <= b[1]:
		return schema.SeverityMedium
	case score <= b[2]:
		return schema.SeverityHigh
	default:
		return schema.SeverityCritical
	}
}

// RiskScorer wraps a Scorer strategy with tier bucketing and produces the
// fallback findings for unclassified events.
type RiskScorer struct {
	scorer     Scorer
	boundaries Boundaries
}

// NewRiskScorer builds a RiskScorer. A nil scorer selects the built-in
// rule-based strategy.
func NewRiskScorer(scorer Scorer, boundaries Boundaries) (*RiskScorer, error) {
	if err := boundaries.Validate(); err != nil {
		return nil, err
	}
	if scorer == nil {
		scorer = NewRuleScorer()
	}
	return &RiskScorer{scorer: scorer, boundaries: boundaries}, nil
}

// Classify scores the event and returns the resulting finding. Every event
// gets a finding from this path; the tier decides how loud it is.
func (rs *RiskScorer) Classify(event *schema.Event) *schema.Finding {
	score := rs.scorer.Score(event)
	if score < 1 {
		score = 1
	}
	if score > 100 {
		score = 100
	}
	tier := rs.boundaries.Tier(score)
	desc := fmt.Sprintf("risk score %d for %s event on %s", score, event.Kind, event.Subject)
	return schema.NewFinding(event, schema.DetectorAIScore, tier, desc)
}

// RuleScorer is the built-in deterministic scoring strategy: a base weight
// per event kind plus keyword weights over the raw text and payload.
type RuleScorer struct {
	kindWeights    map[schema.EventKind]int
	keywordWeights map[string]int
	keywords       []string
}

// NewRuleScorer creates the default rule-based scorer.
func NewRuleScorer() *RuleScorer {
	s := &RuleScorer{
		kindWeights: map[schema.EventKind]int{
			schema.KindLog:        10,
			schema.KindConnection: 25,
			schema.KindUserAction: 15,
		},
		keywordWeights: map[string]int{
			"failed":     15,
			"error":      10,
			"denied":     10,
			"root":       20,
			"admin":      15,
			"sudo":       15,
			"password":   10,
			"shadow":     20,
			"/etc/":      10,
			"wget":       15,
			"curl":       10,
			"base64":     15,
			"reverse":    20,
			"shell":      15,
			"exfil":      25,
			"dump":       15,
			"scan":       10,
			"bruteforce": 20,
		},
	}
	// Fixed iteration order keeps scoring reproducible.
	for kw := range s.keywordWeights {
		s.keywords = append(s.keywords, kw)
	}
	sort.Strings(s.keywords)
	return s
}

// Score computes the risk score for the event. Side-effect-free and stable
// for identical input.
func (s *RuleScorer) Score(event *schema.Event) int {
	score := s.kindWeights[event.Kind]

	text := strings.ToLower(event.Raw)
	if event.Payload != nil {
		var parts []string
		for k, v := range event.Payload {
			parts = append(parts, k+"="+v)
		}
		sort.Strings(parts)
		text += " " + strings.ToLower(strings.Join(parts, " "))
	}

	for _, kw := range s.keywords {
		if strings.Contains(text, kw) {
			score += s.keywordWeights[kw]
		}
	}

	if score > 100 {
		score = 100
	}
	if score < 1 {
		score = 1
	}
	return score
}
