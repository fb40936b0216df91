// Package detector implements the classifiers that turn raw events into
// findings: signature matching, per-subject rate anomalies and per-subject
// behavioral diversity. Detectors never mutate the event they analyze.
package detector

import (
	"context"
	"fmt"

	"decoynet/internal/schema"
)

// Detector classifies a single event, returning a finding or nil when the
// event is unremarkable to this detector. Implementations own their
// per-subject state exclusively and must be safe for concurrent calls.
type Detector interface {
	Name() schema.DetectorType
	Analyze(ctx context.Context, event *schema.Event) (*schema.Finding, error)
}

// Error wraps a single detector's internal failure. A detector error is
// isolated: it never aborts the other detectors or the pipeline.
type Error struct {
	Detector schema.DetectorType
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("detector.%s: %v", e.Detector, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
