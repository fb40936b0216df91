package schema

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrValidation marks events rejected at the ingestion boundary. Rejected
// events are never processed further.
var ErrValidation = errors.New("schema: event validation failed")

// subjectPattern defines the valid format for subject strings: an IP
// address, hostname or account name. No whitespace, no control characters.
var subjectPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:@-]*$`)

// Validator handles validation of events against the canonical schema.
type Validator struct {
	validate  *validator.Validate
	maxAge    time.Duration
	maxFuture time.Duration
}

// ValidatorConfig holds configuration for the validator.
type ValidatorConfig struct {
	MaxAge    time.Duration
	MaxFuture time.Duration
}

// DefaultValidatorConfig returns the default validator configuration.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxAge:    7 * 24 * time.Hour,
		MaxFuture: 5 * time.Minute,
	}
}

// NewValidator creates a new Validator with default configuration.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultValidatorConfig())
}

// NewValidatorWithConfig creates a new Validator with the specified configuration.
func NewValidatorWithConfig(cfg ValidatorConfig) *Validator {
	v := validator.New()

	v.RegisterValidation("subject_format", func(fl validator.FieldLevel) bool {
		return subjectPattern.MatchString(fl.Field().String())
	})

	return &Validator{
		validate:  v,
		maxAge:    cfg.MaxAge,
		maxFuture: cfg.MaxFuture,
	}
}

// Validate validates an event against the canonical schema.
// Returns an error wrapping ErrValidation if the event is malformed.
func (v *Validator) Validate(event *Event) error {
	if err := v.validate.Struct(event); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	now := time.Now().UTC()

	if event.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrValidation)
	}

	if event.Timestamp.Before(now.Add(-v.maxAge)) {
		return fmt.Errorf("%w: timestamp too old: %v (max age: %v)", ErrValidation, event.Timestamp, v.maxAge)
	}

	if event.Timestamp.After(now.Add(v.maxFuture)) {
		return fmt.Errorf("%w: timestamp in future: %v (max future: %v)", ErrValidation, event.Timestamp, v.maxFuture)
	}

	return nil
}

// ValidateSubject checks if a subject string matches the required format.
func ValidateSubject(subject string) bool {
	return subjectPattern.MatchString(subject)
}
