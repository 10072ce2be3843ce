// Package action defines the boundary for performing one unit of external
// side-effecting work, the taxonomy of its failures, and the implementations
// shipped with the server.
package action

import "context"

// Kind classifies a failed action.
type Kind string

// Failure kinds. Terminal kinds end the owning job immediately; the rest
// count toward its consecutive-failure threshold.
const (
	KindNone             Kind = ""
	KindAuthExpired      Kind = "authExpired"
	KindRateLimited      Kind = "rateLimited"
	KindPermissionDenied Kind = "permissionDenied"
	KindTransientNetwork Kind = "transientNetwork"
	KindUnknown          Kind = "unknown"
)

// Terminal reports whether the kind should stop a job regardless of its
// consecutive-failure count.
func (kind Kind) Terminal() bool {
	switch kind {
	case KindAuthExpired, KindRateLimited, KindPermissionDenied:
		return true
	default:
		return false
	}
}

// Outcome is the result of a single performed action.
type Outcome struct {
	Success      bool
	ResultID     string
	ErrorKind    Kind
	ErrorMessage string
}

// Executor performs one action against the target using the supplied
// capability token. Implementations own their timeout and any internal retry
// policy; the caller only distinguishes success from classified failure.
type Executor interface {
	Perform(ctx context.Context, token string, target string) Outcome
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx context.Context, token string, target string) Outcome

// Perform satisfies Executor.
func (executor ExecutorFunc) Perform(ctx context.Context, token string, target string) Outcome {
	return executor(ctx, token, target)
}
