// Package apperror defines the error taxonomy shared by the order, ledger, catalog and
// reconciliation packages. Callers match with errors.Is against the sentinels.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrValidation             = errors.New("validation failed")
	ErrQuantityOutOfRange     = errors.New("quantity out of range")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrServiceUnavailable     = errors.New("service unavailable")
	ErrProviderTransient      = errors.New("provider temporarily unavailable")
	ErrProviderPermanent      = errors.New("provider rejected request")
	ErrAlreadyRefunded        = errors.New("order already refunded")
	ErrAlreadyCancelRequested = errors.New("cancel already requested")
	ErrInternalInconsistency  = errors.New("internal inconsistency")
	ErrNotFound               = errors.New("not found")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrNotCancelable          = errors.New("order not cancelable")
	ErrNotRefillable          = errors.New("order not refillable")
	ErrForbidden              = errors.New("forbidden")
)

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Validation builds a ValidationError.
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// QuantityOutOfRangeError reports which bound a quantity violated.
type QuantityOutOfRangeError struct {
	Bound    string // "min" or "max"
	Limit    int64
	Quantity int64
}

func (e *QuantityOutOfRangeError) Error() string {
	if e.Bound == "min" {
		return fmt.Sprintf("quantity %d is below the minimum of %d", e.Quantity, e.Limit)
	}
	return fmt.Sprintf("quantity %d exceeds the maximum of %d", e.Quantity, e.Limit)
}

func (e *QuantityOutOfRangeError) Is(target error) bool {
	return target == ErrQuantityOutOfRange
}

// ProviderError wraps a failed provider call. Permanent errors are never retried. Unsent marks a
// transient failure where the provider provably never acted on the request.
type ProviderError struct {
	Op         string
	StatusCode int
	Message    string
	Permanent  bool
	Unsent     bool
	Err        error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s failed (%d): %s", e.Op, e.StatusCode, msg)
	}
	return fmt.Sprintf("provider %s failed: %s", e.Op, msg)
}

func (e *ProviderError) Is(target error) bool {
	if e.Permanent {
		return target == ErrProviderPermanent
	}
	return target == ErrProviderTransient
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Permanent builds a non-retryable provider error.
func Permanent(op, message string) error {
	return &ProviderError{Op: op, Message: message, Permanent: true}
}

// Transient builds a retryable provider error.
func Transient(op string, err error) error {
	return &ProviderError{Op: op, Err: err}
}

// Unsent builds a retryable provider error for a request the provider never received.
func Unsent(op string, err error) error {
	return &ProviderError{Op: op, Err: err, Unsent: true}
}

// IsUnsent reports whether err is a transient failure that cannot have reached the provider. Only
// such failures may repeat a call that creates something upstream.
func IsUnsent(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && !pe.Permanent && pe.Unsent
}

// Inconsistency reports a state that should be impossible, e.g. a stored balance that disagrees
// with its audit trail.
func Inconsistency(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInternalInconsistency, fmt.Sprintf(format, args...))
}

// IsRetryable reports whether err is a transient provider failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProviderTransient)
}

// Code returns a stable machine-readable code for API responses.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrQuantityOutOfRange):
		return "quantity_out_of_range"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrServiceUnavailable):
		return "service_unavailable"
	case errors.Is(err, ErrProviderPermanent):
		return "provider_rejected"
	case errors.Is(err, ErrProviderTransient):
		return "provider_unavailable"
	case errors.Is(err, ErrAlreadyRefunded):
		return "already_refunded"
	case errors.Is(err, ErrAlreadyCancelRequested):
		return "already_cancel_requested"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrNotCancelable):
		return "not_cancelable"
	case errors.Is(err, ErrNotRefillable):
		return "not_refillable"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInternalInconsistency):
		return "internal_inconsistency"
	default:
		return "internal_server_error"
	}
}
