// Package grpc retries unary gRPC calls with the ferry retry engine.
package grpc

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/aponysus/ferry/classify"
	"github.com/aponysus/ferry/policy"
	"github.com/aponysus/ferry/retry"
)

// Category is the error category name under which Register installs Classifier.
const Category = "grpc"

// DefaultKeyFunc maps "/package.Service/Method" to {Namespace: "package.Service", Name: "Method"}.
func DefaultKeyFunc(method string) policy.Key {
	method = strings.TrimPrefix(method, "/")
	parts := strings.Split(method, "/")
	if len(parts) == 2 {
		return policy.Key{Namespace: parts[0], Name: parts[1]}
	}
	return policy.Key{Name: method}
}

// UnaryClientInterceptor returns an interceptor that retries calls under the
// policy the orchestrator resolves for the method's key. A policy that
// retries every error category is narrowed to Classifier's retryable codes.
func UnaryClientInterceptor(o *retry.Orchestrator, keyFunc func(method string) policy.Key) grpc.UnaryClientInterceptor {
	if keyFunc == nil {
		keyFunc = DefaultKeyFunc
	}
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		pol, err := o.Policy(ctx, keyFunc(method))
		if err != nil {
			return err
		}
		if pol.RetryIf == nil && retriesEverything(pol) {
			pol.RetryIf = Retryable
		}
		return retry.Do(ctx, o, pol, func(ctx context.Context) error {
			return invoker(ctx, method, req, reply, cc, opts...)
		})
	}
}

func retriesEverything(pol policy.RetryPolicy) bool {
	for _, c := range pol.RetryableErrorTypes {
		if c == classify.CategoryAll {
			return true
		}
	}
	return len(pol.RetryableErrorTypes) == 0
}

// Register installs Classifier in reg under Category.
func Register(reg *classify.Registry) {
	reg.Register(Category, Classifier{})
}

// Retryable reports whether Classifier retries err.
func Retryable(err error) bool {
	return Classifier{}.Classify(nil, err).Kind == classify.OutcomeRetryable
}

// Classifier implements classify.Classifier for gRPC status codes. Errors
// that carry no status are classified by classify.AlwaysRetryOnError.
type Classifier struct{}

func (Classifier) Classify(val any, err error) classify.Outcome {
	if err == nil || status.Code(err) == codes.OK {
		return classify.Outcome{Kind: classify.OutcomeSuccess, Reason: "success"}
	}
	st, ok := status.FromError(err)
	if !ok {
		return classify.AlwaysRetryOnError{}.Classify(val, err)
	}

	code := st.Code()
	out := classify.Outcome{
		Kind:       classify.OutcomeNonRetryable,
		Reason:     "grpc_" + code.String(),
		Attributes: map[string]string{"grpc_code": code.String()},
	}
	switch code {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
		out.Kind = classify.OutcomeRetryable
	case codes.DeadlineExceeded:
		out.Kind = classify.OutcomeRetryable
		out.Reason = "timeout"
	case codes.Canceled:
		out.Kind = classify.OutcomeAbort
		out.Reason = "cancelled"
	}
	return out
}
