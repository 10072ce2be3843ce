package action

import (
	"context"
	"time"
)

const (
	defaultMaxAttempts    = 3
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
)

// RetryPolicy bounds the internal retry behavior of a RetryingExecutor.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (policy RetryPolicy) withDefaults() RetryPolicy {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = defaultMaxAttempts
	}
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = defaultInitialBackoff
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = defaultMaxBackoff
	}
	return policy
}

// RetryingExecutor retries non-terminal failures of a wrapped Executor with
// exponential backoff. Terminal failures and successes pass through
// immediately; the final attempt's outcome is returned when retries are
// exhausted.
type RetryingExecutor struct {
	wrapped Executor
	policy  RetryPolicy
}

var _ Executor = (*RetryingExecutor)(nil)

// NewRetryingExecutor wraps the supplied executor with the retry policy.
func NewRetryingExecutor(wrapped Executor, policy RetryPolicy) *RetryingExecutor {
	return &RetryingExecutor{wrapped: wrapped, policy: policy.withDefaults()}
}

// Perform attempts the action up to MaxAttempts times.
func (executor *RetryingExecutor) Perform(ctx context.Context, token string, target string) Outcome {
	backoff := executor.policy.InitialBackoff
	var outcome Outcome
	for attempt := 0; attempt < executor.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if waitErr := waitForBackoff(ctx, backoff); waitErr != nil {
				return outcome
			}
			backoff *= 2
			if backoff > executor.policy.MaxBackoff {
				backoff = executor.policy.MaxBackoff
			}
		}

		outcome = executor.wrapped.Perform(ctx, token, target)
		if outcome.Success || outcome.ErrorKind.Terminal() {
			return outcome
		}
	}
	return outcome
}

func waitForBackoff(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
