package job

import (
	"context"
	"fmt"
	"jobengine/internal/apperrors"
	"jobengine/pkg/backoff"
	"log/slog"
	"slices"

	"github.com/avast/retry-go"
	"github.com/hashicorp/go-multierror"
)

// RetryPolicy decides which failed jobs get another attempt and how single
// object store operations are retried within an attempt.
type RetryPolicy struct {
	// MaxAttempts bounds executions of one job, the first one included.
	MaxAttempts int `mapstructure:"max_attempts"`
	// RetryableKinds lists the error kinds that trigger a resubmission.
	RetryableKinds []string `mapstructure:"retryable_kinds"`
	// OperationAttempts bounds tries of one staging or output push.
	OperationAttempts int            `mapstructure:"operation_attempts"`
	Backoff           backoff.Config `mapstructure:"backoff"`
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.RetryableKinds == nil {
		p.RetryableKinds = []string{apperrors.KindTransient}
	}
	if p.OperationAttempts <= 0 {
		p.OperationAttempts = 3
	}
	return p
}

// Validate rejects kinds that are unknown or deterministic.
func (p RetryPolicy) Validate() error {
	var result *multierror.Error
	for _, kind := range p.RetryableKinds {
		switch known, retryable := apperrors.LookupKind(kind); {
		case !known:
			result = multierror.Append(result, apperrors.Validation("retry.retryable_kinds", fmt.Sprintf("unknown error kind %q", kind)))
		case !retryable:
			result = multierror.Append(result, apperrors.Validation("retry.retryable_kinds", fmt.Sprintf("%s errors are deterministic and cannot be retried", kind)))
		}
	}
	if p.MaxAttempts < 0 {
		result = multierror.Append(result, apperrors.Validation("retry.max_attempts", "must not be negative"))
	}
	return result.ErrorOrNil()
}

// Retryable reports whether a job on its attempt-th execution (zero based)
// that failed with kind gets another attempt.
func (p RetryPolicy) Retryable(kind string, attempt int) bool {
	return attempt+1 < p.MaxAttempts && slices.Contains(p.RetryableKinds, kind)
}

// do runs fn, retrying transient failures with exponential backoff.
func (p RetryPolicy) do(ctx context.Context, logger *slog.Logger, op string, fn func() error) error {
	opts := append(backoff.RetryOptions(p.OperationAttempts, &p.Backoff, apperrors.IsTransient),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("Retrying transient failure", "op", op, "attempt", n+1, "error", err)
		}),
	)
	return retry.Do(fn, opts...)
}
