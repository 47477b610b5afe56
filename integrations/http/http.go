// Package http retries HTTP requests with the ferry retry engine.
package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aponysus/ferry/classify"
	"github.com/aponysus/ferry/observe"
	"github.com/aponysus/ferry/policy"
	"github.com/aponysus/ferry/retry"
)

// ErrBodyNotReplayable is returned for a request whose body cannot be re-read
// for a second attempt.
var ErrBodyNotReplayable = errors.New("ferry: request body is not replayable (GetBody is nil)")

// drainLimit bounds how much of a failed response body is read before closing.
const drainLimit = 4096

// Do sends req under pol and returns the first 2xx response.
//
// Non-2xx responses and transport errors surface as *StatusError. A policy
// that carries a status strategy, or retries the "all" category, is classified
// by classify.HTTPClassifier over that strategy (balanced when unset), which
// honors Retry-After and only retries idempotent methods.
func Do(ctx context.Context, o *retry.Orchestrator, pol policy.RetryPolicy, client *http.Client, req *http.Request) (*http.Response, observe.Timeline, error) {
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return nil, observe.Timeline{}, ErrBodyNotReplayable
	}
	if client == nil {
		client = http.DefaultClient
	}
	return retry.RunTimeline(ctx, o, httpPolicy(pol), retry.Blocking(func(ctx context.Context) (*http.Response, error) {
		return send(ctx, client, req)
	}))
}

// DoKey is Do with the policy resolved from the orchestrator's provider.
func DoKey(ctx context.Context, o *retry.Orchestrator, key policy.Key, client *http.Client, req *http.Request) (*http.Response, observe.Timeline, error) {
	pol, err := o.Policy(ctx, key)
	if err != nil {
		return nil, observe.Timeline{}, err
	}
	return Do(ctx, o, pol, client, req)
}

func httpPolicy(pol policy.RetryPolicy) policy.RetryPolicy {
	if pol.RetryIf != nil || pol.ErrorClassifier != nil {
		return pol
	}
	if pol.RetryStatuses != nil || retriesEverything(pol.RetryableErrorTypes) {
		pol.ErrorClassifier = classify.HTTPClassifier{Retryable: pol.RetryStatuses}
	}
	return pol
}

func retriesEverything(categories []string) bool {
	for _, c := range categories {
		if strings.EqualFold(strings.TrimSpace(c), classify.CategoryAll) {
			return true
		}
	}
	return len(categories) == 0
}

func send(ctx context.Context, client *http.Client, req *http.Request) (*http.Response, error) {
	out := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		out.Body = body
	}

	resp, err := client.Do(out)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &StatusError{Err: err, Method: req.Method}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	_, _ = io.CopyN(io.Discard, resp.Body, drainLimit)
	resp.Body.Close()
	return nil, &StatusError{
		Code:   resp.StatusCode,
		Method: req.Method,
		Header: resp.Header,
	}
}

// StatusError implements classify.HTTPError. Code is 0 for transport errors.
type StatusError struct {
	Code   int
	Method string
	Header http.Header
	Err    error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return "http status " + strconv.Itoa(e.Code)
}

func (e *StatusError) Unwrap() error { return e.Err }

func (e *StatusError) HTTPStatusCode() int { return e.Code }
func (e *StatusError) HTTPMethod() string  { return e.Method }

// RetryAfter parses the Retry-After header as seconds or an HTTP date.
func (e *StatusError) RetryAfter() (time.Duration, bool) {
	if e.Header == nil {
		return 0, false
	}
	s := e.Header.Get("Retry-After")
	if s == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(s); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(s); err == nil {
		return max(time.Until(t), 0), true
	}
	return 0, false
}
