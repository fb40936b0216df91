package dispatch

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrDeadLetterNotFound is returned when redelivery targets an
	// unknown dead-letter record.
	ErrDeadLetterNotFound = errors.New("dispatch: dead letter record not found")

	// ErrSinkNotFound is returned when an operation names an
	// unregistered sink.
	ErrSinkNotFound = errors.New("dispatch: sink not registered")
)

func errDeadLetterNotFound(id uuid.UUID) error {
	return fmt.Errorf("%w: %s", ErrDeadLetterNotFound, id)
}

func errSinkNotFound(name string) error {
	return fmt.Errorf("%w: %s", ErrSinkNotFound, name)
}
