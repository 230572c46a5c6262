package shell

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
)

const (
	defaultRetryInitialInterval = 200 * time.Millisecond
	defaultRetryMaxInterval     = 2 * time.Second
)

// RetryPolicy controls how often a failed privileged command is re-issued.
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// RetryingRunner re-issues failed commands according to an explicit RetryPolicy.
// A zero MaxRetries behaves exactly like the wrapped runner.
type RetryingRunner struct {
	runner Runner
	policy RetryPolicy
}

// NewRetryingRunner decorates runner with policy.
func NewRetryingRunner(runner Runner, policy RetryPolicy) *RetryingRunner {
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = defaultRetryInitialInterval
	}
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = defaultRetryMaxInterval
	}
	return &RetryingRunner{runner: runner, policy: policy}
}

// Run executes command, retrying on failure until the policy or ctx is exhausted.
func (retryingRunner *RetryingRunner) Run(ctx context.Context, command string) ([]string, error) {
	if retryingRunner.policy.MaxRetries == 0 {
		return retryingRunner.runner.Run(ctx, command)
	}
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = retryingRunner.policy.InitialInterval
	exponential.MaxInterval = retryingRunner.policy.MaxInterval
	exponential.MaxElapsedTime = 0
	schedule := backoff.WithContext(backoff.WithMaxRetries(exponential, retryingRunner.policy.MaxRetries), ctx)

	var lines []string
	err := backoff.Retry(func() error {
		var runErr error
		lines, runErr = retryingRunner.runner.Run(ctx, command)
		return runErr
	}, schedule)
	return lines, err
}
