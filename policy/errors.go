package policy

import (
	"errors"
	"fmt"
)

// ErrInvalidPolicy matches every *NormalizeError via errors.Is.
var ErrInvalidPolicy = errors.New("ferry: invalid retry policy")

// NormalizeError reports the first policy field that failed validation.
type NormalizeError struct {
	Field string
	Value string
}

func (e *NormalizeError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("ferry: invalid retry policy: %s=%q", e.Field, e.Value)
}

func (e *NormalizeError) Is(target error) bool { return target == ErrInvalidPolicy }
