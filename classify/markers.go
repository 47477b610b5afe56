package classify

import "errors"

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Permanent marks err as never retryable, regardless of policy predicates.
// The orchestrator strips the marker before returning the error to the caller.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retryable marks err as transient. It matches the "transient" error category.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsPermanent reports whether err carries the Permanent marker.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// IsRetryable reports whether err carries the Retryable marker.
func IsRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// StripPermanent returns the error wrapped by a top-level Permanent marker,
// or err unchanged.
func StripPermanent(err error) error {
	if pe, ok := err.(*permanentError); ok {
		return pe.err
	}
	return err
}
