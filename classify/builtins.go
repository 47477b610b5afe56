package classify

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

// Built-in error category names, usable in a policy's retryable error types.
const (
	CategoryAll       = "all"
	CategoryTimeout   = "timeout"
	CategoryNetwork   = "network"
	CategoryTransient = "transient"
	CategoryHTTP      = "http"
)

// RegisterBuiltins registers the built-in error categories into reg.
func RegisterBuiltins(reg *Registry) {
	if reg == nil {
		return
	}
	reg.Register(CategoryAll, AlwaysRetryOnError{})
	reg.Register(CategoryTimeout, ClassifierFunc(classifyTimeout))
	reg.Register(CategoryNetwork, ClassifierFunc(classifyNetwork))
	reg.Register(CategoryTransient, ClassifierFunc(classifyTransient))
	reg.Register(CategoryHTTP, HTTPClassifier{})
}

var builtins = func() *Registry {
	reg := NewRegistry()
	RegisterBuiltins(reg)
	return reg
}()

// Lookup returns the built-in category classifier registered under name.
func Lookup(name string) (Classifier, bool) {
	return builtins.Get(name)
}

// AlwaysRetryOnError classifies nil errors as success and all other errors as retryable,
// except for cancellation which aborts immediately.
type AlwaysRetryOnError struct{}

func (AlwaysRetryOnError) Classify(_ any, err error) Outcome {
	if err == nil {
		return Outcome{Kind: OutcomeSuccess, Reason: "success"}
	}
	if errors.Is(err, context.Canceled) {
		return Outcome{Kind: OutcomeAbort, Reason: "cancelled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Outcome{Kind: OutcomeRetryable, Reason: "timeout"}
	}
	return Outcome{Kind: OutcomeRetryable, Reason: "retryable_error"}
}

func classifyTimeout(_ any, err error) Outcome {
	if err == nil {
		return Outcome{Kind: OutcomeSuccess, Reason: "success"}
	}
	if IsTimeout(err) {
		return Outcome{Kind: OutcomeRetryable, Reason: "timeout"}
	}
	return Outcome{Kind: OutcomeNonRetryable, Reason: "not_timeout"}
}

func classifyNetwork(_ any, err error) Outcome {
	if err == nil {
		return Outcome{Kind: OutcomeSuccess, Reason: "success"}
	}
	if IsNetwork(err) {
		return Outcome{Kind: OutcomeRetryable, Reason: "network_error"}
	}
	return Outcome{Kind: OutcomeNonRetryable, Reason: "not_network"}
}

func classifyTransient(_ any, err error) Outcome {
	if err == nil {
		return Outcome{Kind: OutcomeSuccess, Reason: "success"}
	}
	if IsRetryable(err) {
		return Outcome{Kind: OutcomeRetryable, Reason: "transient_error"}
	}
	return Outcome{Kind: OutcomeNonRetryable, Reason: "not_transient"}
}

// IsTimeout reports whether err is a deadline or a net.Error timeout.
// Await timeouts from the task package match context.DeadlineExceeded.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsNetwork reports whether err looks like a connection-level failure.
func IsNetwork(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return true
	}
	var de *net.DNSError
	if errors.As(err, &de) {
		return true
	}
	switch {
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF):
		return true
	}
	return false
}
