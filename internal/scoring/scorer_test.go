package scoring

import (
	"testing"

	"decoynet/internal/schema"
)

func TestBoundaries_Validate(t *testing.T) {
	tests := []struct {
		name    string
		b       Boundaries
		wantErr bool
	}{
		{"default", DefaultBoundaries(), false},
		{"custom monotone", Boundaries{10, 40, 90}, false},
		{"not increasing", Boundaries{50, 50, 80}, true},
		{"inverted", Boundaries{80, 50, 20}, true},
		{"zero edge", Boundaries{0, 50, 80}, true},
		{"top edge at 100", Boundaries{20, 50, 100}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.b.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBoundaries_Tier(t *testing.T) {
	b := DefaultBoundaries()

	tests := []struct {
		score int
		want  schema.Severity
	}{
		{1, schema.SeverityLow},
		{20, schema.SeverityLow},
		{21, schema.SeverityMedium},
		{50, schema.SeverityMedium},
		{51, schema.SeverityHigh},
		{80, schema.SeverityHigh},
		{81, schema.SeverityCritical},
		{100, schema.SeverityCritical},
	}

	for _, tt := range tests {
		if got := b.Tier(tt.score); got != tt.want {
			t.Errorf("Tier(%d) = %v, want %v", tt.score, got, tt.want)
		}
	}
}

func TestRuleScorer_Deterministic(t *testing.T) {
	s := NewRuleScorer()
	event := schema.NewEvent("10.0.3.17", schema.KindConnection,
		"Failed password for root; sudo attempt", map[string]string{"port": "22", "action": "login"})

	first := s.Score(event)
	for i := 0; i < 10; i++ {
		if got := s.Score(event); got != first {
			t.Fatalf("Score() = %d on run %d, want stable %d", got, i, first)
		}
	}
	if first <= 25 {
		t.Errorf("Score() = %d, hostile connection event should score above base", first)
	}
}

func TestRuleScorer_Range(t *testing.T) {
	s := NewRuleScorer()

	quiet := s.Score(schema.NewEvent("host1", schema.KindLog, "session opened", nil))
	loud := s.Score(schema.NewEvent("host1", schema.KindConnection,
		"failed root password sudo shadow wget base64 reverse shell exfil dump scan", nil))

	if quiet < 1 || quiet > 100 || loud < 1 || loud > 100 {
		t.Fatalf("scores out of range: quiet=%d loud=%d", quiet, loud)
	}
	if loud <= quiet {
		t.Errorf("loud event scored %d, quiet %d; want loud > quiet", loud, quiet)
	}
}

func TestRiskScorer_Classify(t *testing.T) {
	rs, err := NewRiskScorer(nil, DefaultBoundaries())
	if err != nil {
		t.Fatalf("NewRiskScorer() error = %v", err)
	}

	event := schema.NewEvent("10.0.3.17", schema.KindLog, "session opened", nil)
	finding := rs.Classify(event)

	if finding.Detector != schema.DetectorAIScore {
		t.Errorf("Detector = %v, want ai_score", finding.Detector)
	}
	if finding.EventID != event.EventID {
		t.Errorf("finding not bound to event")
	}
	if !finding.Severity.IsValid() {
		t.Errorf("Severity = %q invalid", finding.Severity)
	}
}

type fixedScorer struct{ score int }

func (f *fixedScorer) Score(*schema.Event) int { return f.score }

func TestRiskScorer_ClampsPluggedScorer(t *testing.T) {
	rs, _ := NewRiskScorer(&fixedScorer{score: 500}, DefaultBoundaries())
	finding := rs.Classify(schema.NewEvent("h", schema.KindLog, "", nil))
	if finding.Severity != schema.SeverityCritical {
		t.Errorf("Severity = %v, want critical for clamped 100", finding.Severity)
	}

	rs, _ = NewRiskScorer(&fixedScorer{score: -3}, DefaultBoundaries())
	finding = rs.Classify(schema.NewEvent("h", schema.KindLog, "", nil))
	if finding.Severity != schema.SeverityLow {
		t.Errorf("Severity = %v, want low for clamped 1", finding.Severity)
	}
}
