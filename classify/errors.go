package classify

import "errors"

// ErrUnknownCategory is returned when an error category name is not registered.
var ErrUnknownCategory = errors.New("ferry: unknown error category")
