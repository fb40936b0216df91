package detector

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"decoynet/internal/schema"
)

// Pool fans an event out to every registered detector concurrently and
// joins their results. Detectors are not mutually exclusive: an event may
// legitimately produce findings from more than one of them.
type Pool struct {
	detectors []Detector
	logger    *slog.Logger

	// OnError is invoked for each isolated detector failure, in addition
	// to logging. Optional; used to feed error counters.
	OnError func(schema.DetectorType, error)
}

// NewPool creates a detector pool over the given detectors.
func NewPool(logger *slog.Logger, detectors ...Detector) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{detectors: detectors, logger: logger}
}

// Analyze runs every detector against the event in parallel and returns the
// merged findings in detector registration order. A failing detector is
// logged and skipped; it never aborts the others.
func (p *Pool) Analyze(ctx context.Context, event *schema.Event) []*schema.Finding {
	type result struct {
		index   int
		finding *schema.Finding
	}

	results := make(chan result, len(p.detectors))
	var wg sync.WaitGroup

	for i, d := range p.detectors {
		wg.Add(1)
		go func(index int, d Detector) {
			defer wg.Done()

			finding, err := d.Analyze(ctx, event)
			if err != nil {
				derr := &Error{Detector: d.Name(), Err: err}
				p.logger.Error("detector failed",
					"detector", d.Name(),
					"event_id", event.EventID,
					"error", derr,
				)
				if p.OnError != nil {
					p.OnError(d.Name(), derr)
				}
				return
			}
			if finding != nil {
				results <- result{index: index, finding: finding}
			}
		}(i, d)
	}

	wg.Wait()
	close(results)

	collected := make([]result, 0, len(p.detectors))
	for r := range results {
		collected = append(collected, r)
	}
	sort.Slice(collected, func(i, j int) bool { return collected[i].index < collected[j].index })

	findings := make([]*schema.Finding, 0, len(collected))
	for _, r := range collected {
		findings = append(findings, r.finding)
	}
	return findings
}

// Size returns the number of registered detectors.
func (p *Pool) Size() int {
	return len(p.detectors)
}
