package apperror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTypedErrorsMatchSentinels(t *testing.T) {
	q := &QuantityOutOfRangeError{Bound: "min", Limit: 100, Quantity: 99}
	assert.ErrorIs(t, q, ErrQuantityOutOfRange)
	assert.Contains(t, q.Error(), "minimum of 100")

	wrapped := fmt.Errorf("quote: %w", q)
	var target *QuantityOutOfRangeError
	assert.True(t, errors.As(wrapped, &target))
	assert.Equal(t, "min", target.Bound)

	assert.ErrorIs(t, Validation("link", "must not be empty"), ErrValidation)
	assert.ErrorIs(t, Inconsistency("balance %s", "1.0"), ErrInternalInconsistency)
}

func TestProviderErrorClassification(t *testing.T) {
	perm := Permanent("add", "Incorrect service ID")
	assert.ErrorIs(t, perm, ErrProviderPermanent)
	assert.NotErrorIs(t, perm, ErrProviderTransient)
	assert.False(t, IsRetryable(perm))

	cause := errors.New("connection reset")
	tr := Transient("status", cause)
	assert.ErrorIs(t, tr, ErrProviderTransient)
	assert.ErrorIs(t, tr, cause)
	assert.True(t, IsRetryable(fmt.Errorf("poll: %w", tr)))
	assert.False(t, IsUnsent(tr))

	refused := Unsent("add", errors.New("connection refused"))
	assert.ErrorIs(t, refused, ErrProviderTransient)
	assert.True(t, IsRetryable(refused))
	assert.True(t, IsUnsent(fmt.Errorf("submit: %w", refused)))
	assert.False(t, IsUnsent(perm))
}

func TestCode(t *testing.T) {
	assert.Equal(t, "quantity_out_of_range", Code(&QuantityOutOfRangeError{Bound: "max"}))
	assert.Equal(t, "insufficient_balance", Code(fmt.Errorf("debit: %w", ErrInsufficientBalance)))
	assert.Equal(t, "provider_rejected", Code(Permanent("add", "x")))
	assert.Equal(t, "internal_server_error", Code(errors.New("boom")))
}
