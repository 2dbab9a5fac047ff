package model

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput marks caller mistakes: malformed card maps, unknown enum
	// names, observations that are not a full deck. Never retried.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConfiguration marks invalid construction parameters.
	ErrConfiguration = errors.New("invalid configuration")
)

// InvalidDeckSizeError is returned when an observation is not a full deck.
type InvalidDeckSizeError struct {
	Got, Want int
}

func (e *InvalidDeckSizeError) Error() string {
	return fmt.Sprintf("invalid deck size: got %d cards, want %d", e.Got, e.Want)
}

// Is lets errors.Is(err, ErrInvalidInput) match.
func (e *InvalidDeckSizeError) Is(target error) bool {
	return target == ErrInvalidInput
}
