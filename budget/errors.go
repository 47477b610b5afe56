package budget

import "errors"

var (
	// ErrDenied is returned by a run whose first attempt was refused by its budget.
	ErrDenied = errors.New("ferry: retry budget exhausted")

	ErrNilRegistry = errors.New("ferry: budget registry is nil")
	ErrEmptyName   = errors.New("ferry: budget name cannot be empty")
	ErrNilBudget   = errors.New("ferry: budget cannot be nil")
)
