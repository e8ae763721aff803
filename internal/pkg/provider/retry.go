package provider

import (
	"context"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/ManuelReschke/PanelFox/app/models"
	"github.com/ManuelReschke/PanelFox/internal/pkg/apperror"
	"github.com/ManuelReschke/PanelFox/internal/pkg/metrics"
)

// RetryConfig bounds how transient provider failures are retried.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Timeout applies to every single attempt.
	Timeout time.Duration
}

func (c RetryConfig) normalized() RetryConfig {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 100 * time.Millisecond
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	return c
}

// Retrying decorates an Adapter with capped exponential backoff on transient errors. Permanent
// errors are returned after the first attempt. Submit creates an upstream order, so it is only
// repeated when the provider never received the request.
type Retrying struct {
	next Adapter
	cfg  RetryConfig
}

// WithRetry wraps next.
func WithRetry(next Adapter, cfg RetryConfig) *Retrying {
	return &Retrying{next: next, cfg: cfg.normalized()}
}

func call[T any](ctx context.Context, r *Retrying, op string, fn func(context.Context) (T, error)) (T, error) {
	return callIf(ctx, r, op, apperror.IsRetryable, fn)
}

func callIf[T any](ctx context.Context, r *Retrying, op string, retryable func(error) bool, fn func(context.Context) (T, error)) (T, error) {
	policy := retrypolicy.NewBuilder[T]().
		WithBackoff(r.cfg.BaseDelay, r.cfg.MaxDelay).
		WithMaxRetries(r.cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ T, err error) bool {
			return retryable(err)
		}).
		Build()

	var last error
	out, err := failsafe.With[T](policy).WithContext(ctx).Get(func() (T, error) {
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if r.cfg.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		}
		defer cancel()
		v, err := fn(attemptCtx)
		last = err
		return v, err
	})
	metrics.ProviderCalls.WithLabelValues(op, metrics.Outcome(err)).Inc()
	if err == nil {
		return out, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		var zero T
		return zero, apperror.Transient(op, ctxErr)
	}
	// the executor wraps exhausted retries; callers classify on the adapter's own error
	if last != nil {
		var zero T
		return zero, last
	}
	return out, err
}

func (r *Retrying) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	return callIf(ctx, r, "add", apperror.IsUnsent, func(ctx context.Context) (string, error) {
		return r.next.Submit(ctx, req)
	})
}

func (r *Retrying) Status(ctx context.Context, externalID string) (*StatusResult, error) {
	return call(ctx, r, "status", func(ctx context.Context) (*StatusResult, error) {
		return r.next.Status(ctx, externalID)
	})
}

func (r *Retrying) Cancel(ctx context.Context, externalID string) error {
	_, err := call(ctx, r, "cancel", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.next.Cancel(ctx, externalID)
	})
	return err
}

func (r *Retrying) Refill(ctx context.Context, externalID string) (string, error) {
	return call(ctx, r, "refill", func(ctx context.Context) (string, error) {
		return r.next.Refill(ctx, externalID)
	})
}

func (r *Retrying) RefillStatus(ctx context.Context, refillID string) (*RefillResult, error) {
	return call(ctx, r, "refill_status", func(ctx context.Context) (*RefillResult, error) {
		return r.next.RefillStatus(ctx, refillID)
	})
}

func (r *Retrying) Balance(ctx context.Context) (*BalanceResult, error) {
	return call(ctx, r, "balance", func(ctx context.Context) (*BalanceResult, error) {
		return r.next.Balance(ctx)
	})
}

func (r *Retrying) FetchCatalog(ctx context.Context, pageToken string) (*CatalogPage, error) {
	return call(ctx, r, "services", func(ctx context.Context) (*CatalogPage, error) {
		return r.next.FetchCatalog(ctx, pageToken)
	})
}

var _ Adapter = (*Retrying)(nil)

// RetryConfigFromSettings reads the provider knobs from the application settings.
func RetryConfigFromSettings(s *models.AppSettings) RetryConfig {
	return RetryConfig{
		MaxRetries: s.ProviderMaxRetries,
		BaseDelay:  time.Duration(s.ProviderRetryBaseMs) * time.Millisecond,
		MaxDelay:   time.Duration(s.ProviderRetryMaxMs) * time.Millisecond,
		Timeout:    time.Duration(s.ProviderTimeoutSeconds) * time.Second,
	}.normalized()
}
