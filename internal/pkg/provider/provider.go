// Package provider talks to upstream fulfilment panels. Engine code depends on the Adapter
// interface only; wire formats stay inside the implementations.
package provider

import (
	"context"
	"iter"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/PanelFox/app/models"
)

// SubmitRequest is a new order handed to a provider.
type SubmitRequest struct {
	RemoteServiceID string
	Link            string
	Quantity        int64
}

// StatusResult is the provider's view of an order. Nil pointers mean the provider did not report
// the field.
type StatusResult struct {
	Status     models.OrderStatus
	RawStatus  string
	StartCount *int64
	Remains    *int64
	Charge     *decimal.Decimal
	Currency   string
}

// RefillResult is the provider's view of a refill.
type RefillResult struct {
	Status    models.RefillStatus
	RawStatus string
}

// BalanceResult is the reseller balance held at the provider.
type BalanceResult struct {
	Balance  decimal.Decimal
	Currency string
}

// RemoteService is one entry of a provider catalog.
type RemoteService struct {
	ID       string
	Name     string
	Category string
	Type     string
	Rate     decimal.Decimal
	Min      int64
	Max      int64
	Refill   bool
	Cancel   bool
	Raw      []byte
}

// CatalogPage is one page of a catalog. An empty NextToken marks the last page.
type CatalogPage struct {
	Items     []RemoteService
	NextToken string
}

// Adapter is implemented once per provider dialect. Implementations report failures as
// *apperror.ProviderError so callers can tell retryable from permanent ones.
type Adapter interface {
	Submit(ctx context.Context, req SubmitRequest) (externalID string, err error)
	Status(ctx context.Context, externalID string) (*StatusResult, error)
	Cancel(ctx context.Context, externalID string) error
	Refill(ctx context.Context, externalID string) (refillID string, err error)
	RefillStatus(ctx context.Context, refillID string) (*RefillResult, error)
	Balance(ctx context.Context) (*BalanceResult, error)
	FetchCatalog(ctx context.Context, pageToken string) (*CatalogPage, error)
}

// Catalog walks every page of a provider catalog starting at pageToken. Iteration stops after
// the first error, which is yielded with an empty entry.
func Catalog(ctx context.Context, a Adapter, pageToken string) iter.Seq2[RemoteService, error] {
	return func(yield func(RemoteService, error) bool) {
		token := pageToken
		for {
			if err := ctx.Err(); err != nil {
				yield(RemoteService{}, err)
				return
			}
			page, err := a.FetchCatalog(ctx, token)
			if err != nil {
				yield(RemoteService{}, err)
				return
			}
			for _, item := range page.Items {
				if !yield(item, nil) {
					return
				}
			}
			if page.NextToken == "" || page.NextToken == token {
				return
			}
			token = page.NextToken
		}
	}
}

// MapOrderStatus translates provider status vocabulary. ok is false for unknown values.
func MapOrderStatus(raw string) (models.OrderStatus, bool) {
	switch normalizeStatus(raw) {
	case "pending":
		return models.OrderStatusPending, true
	case "inprogress":
		return models.OrderStatusInProgress, true
	case "processing":
		return models.OrderStatusProcessing, true
	case "completed", "complete":
		return models.OrderStatusCompleted, true
	case "partial":
		return models.OrderStatusPartial, true
	case "canceled", "cancelled", "refunded":
		return models.OrderStatusCanceled, true
	case "fail", "failed":
		return models.OrderStatusFail, true
	case "error":
		return models.OrderStatusError, true
	}
	return "", false
}

// MapRefillStatus translates provider refill vocabulary. ok is false for unknown values.
func MapRefillStatus(raw string) (models.RefillStatus, bool) {
	switch normalizeStatus(raw) {
	case "pending":
		return models.RefillStatusPending, true
	case "inprogress", "processing":
		return models.RefillStatusInProgress, true
	case "completed", "complete":
		return models.RefillStatusCompleted, true
	case "rejected", "canceled", "cancelled":
		return models.RefillStatusRejected, true
	case "error", "fail", "failed":
		return models.RefillStatusError, true
	}
	return "", false
}

func normalizeStatus(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	return strings.NewReplacer(" ", "", "_", "", "-", "").Replace(s)
}
