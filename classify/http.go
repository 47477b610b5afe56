package classify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// HTTPError lets HTTP classifiers recognize retry semantics without importing
// integration packages.
//
// Implementations should use status code 0 for transport errors.
type HTTPError interface {
	HTTPStatusCode() int
	HTTPMethod() string
	RetryAfter() (time.Duration, bool)
}

// StatusSet is a set of HTTP status codes treated as retryable.
type StatusSet map[int]struct{}

// NewStatusSet returns a StatusSet holding codes.
func NewStatusSet(codes ...int) StatusSet {
	s := make(StatusSet, len(codes))
	for _, c := range codes {
		s[c] = struct{}{}
	}
	return s
}

func (s StatusSet) Contains(code int) bool {
	_, ok := s[code]
	return ok
}

// Codes returns the set's codes in ascending order.
func (s StatusSet) Codes() []int {
	out := make([]int, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Ints(out)
	return out
}

// Named status strategies.
const (
	StrategyConservative = "conservative"
	StrategyBalanced     = "balanced"
	StrategyAggressive   = "aggressive"
)

// StatusStrategy returns the retryable status codes for a named strategy.
func StatusStrategy(name string) (StatusSet, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case StrategyConservative:
		return NewStatusSet(429, 500, 502, 503, 504), nil
	case "", StrategyBalanced:
		return NewStatusSet(408, 429, 500, 502, 503, 504, 520, 521, 522, 523, 524), nil
	case StrategyAggressive:
		return NewStatusSet(408, 409, 423, 424, 425, 429, 500, 502, 503, 504, 507, 508, 509,
			520, 521, 522, 523, 524, 525, 526, 527, 530), nil
	default:
		return nil, fmt.Errorf("ferry: unknown status strategy %q", name)
	}
}

// HTTPClassifier classifies outcomes of HTTP-like operations that fail with an HTTPError.
//
// Errors that do not implement HTTPError are non-retryable with reason
// "classifier_type_mismatch".
type HTTPClassifier struct {
	// Retryable is the set of retryable status codes. Nil means the balanced
	// strategy. Status 0 (transport error) is always retryable for idempotent methods.
	Retryable StatusSet

	// AllowNonIdempotent retries POST and PATCH as well.
	AllowNonIdempotent bool
}

var balanced, _ = StatusStrategy(StrategyBalanced)

func (c HTTPClassifier) Classify(_ any, err error) Outcome {
	if err == nil {
		return Outcome{Kind: OutcomeSuccess, Reason: "success"}
	}
	if errors.Is(err, context.Canceled) {
		return Outcome{Kind: OutcomeAbort, Reason: "cancelled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Outcome{Kind: OutcomeRetryable, Reason: "timeout"}
	}

	var he HTTPError
	if !errors.As(err, &he) {
		return Outcome{
			Kind:   OutcomeNonRetryable,
			Reason: "classifier_type_mismatch",
			Attributes: map[string]string{
				"expected_type": "classify.HTTPError",
				"got_type":      typeString(err),
			},
		}
	}

	status := he.HTTPStatusCode()
	method := strings.ToUpper(strings.TrimSpace(he.HTTPMethod()))
	out := Outcome{
		Kind:   OutcomeNonRetryable,
		Reason: "http_non_retryable_status",
		Attributes: map[string]string{
			"status": strconv.Itoa(status),
			"method": method,
		},
	}

	switch {
	case status >= 200 && status < 300:
		out.Kind = OutcomeSuccess
		out.Reason = "success"
		return out
	case status == 0:
		out.Reason = "http_transport_error"
	case c.retryable().Contains(status):
		out.Reason = "http_" + strconv.Itoa(status)
	default:
		return out
	}

	if !c.AllowNonIdempotent && !isIdempotentMethod(method) {
		out.Reason = "http_non_idempotent"
		return out
	}
	out.Kind = OutcomeRetryable
	if d, ok := he.RetryAfter(); ok && d > 0 {
		out.BackoffOverride = d
		out.Attributes["retry_after"] = d.String()
	}
	return out
}

func (c HTTPClassifier) retryable() StatusSet {
	if c.Retryable == nil {
		return balanced
	}
	return c.Retryable
}

func isIdempotentMethod(method string) bool {
	switch method {
	case "", "GET", "HEAD", "PUT", "DELETE", "OPTIONS", "TRACE":
		return true
	default:
		return false
	}
}

func typeString(err error) string {
	t := reflect.TypeOf(err)
	if t == nil {
		return "<nil>"
	}
	return t.String()
}

// RetryOnStatus returns a result predicate that flags HTTP responses whose
// status is in set. It understands *http.Response, HTTPError values and bare
// int status codes.
func RetryOnStatus(set StatusSet) ResultPredicate {
	return func(v any) bool {
		switch r := v.(type) {
		case *http.Response:
			return r != nil && set.Contains(r.StatusCode)
		case HTTPError:
			return set.Contains(r.HTTPStatusCode())
		case int:
			return set.Contains(r)
		default:
			return false
		}
	}
}
