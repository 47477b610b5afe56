package retry

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/aponysus/ferry/policy"
)

// ErrNoPolicy is returned by RunKey when the provider cannot supply a policy.
var ErrNoPolicy = errors.New("ferry: no policy found")

// PanicError reports a panic recovered from an operation or classifier when
// panic recovery is enabled.
type PanicError struct {
	Component string
	Key       policy.Key
	Attempt   int
	Value     any
	Stack     []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("ferry: panic in %s for %s (attempt %d): %v", e.Component, e.Key, e.Attempt, e.Value)
}

// NoPolicyError wraps the provider error returned by RunKey.
type NoPolicyError struct {
	Key policy.Key
	Err error
}

func (e *NoPolicyError) Error() string {
	return fmt.Sprintf("ferry: policy not found for %s: %v", e.Key, e.Err)
}

func (e *NoPolicyError) Unwrap() error { return e.Err }

func (e *NoPolicyError) Is(target error) bool { return target == ErrNoPolicy }

// FallbackTypeError reports a fallback value that cannot be used as the
// operation's result type.
type FallbackTypeError struct {
	Key   policy.Key
	Value any
	Want  reflect.Type
	Err   error // the terminal error the fallback was meant to replace
}

func (e *FallbackTypeError) Error() string {
	return fmt.Sprintf("ferry: fallback for %s has type %T, want %v", e.Key, e.Value, e.Want)
}

func (e *FallbackTypeError) Unwrap() error { return e.Err }
