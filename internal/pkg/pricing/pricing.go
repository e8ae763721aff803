// Package pricing computes what an account pays for a service quantity.
package pricing

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/PanelFox/app/models"
	"github.com/ManuelReschke/PanelFox/app/repository"
	"github.com/ManuelReschke/PanelFox/internal/pkg/apperror"
)

var (
	thousand = decimal.NewFromInt(1000)
	hundred  = decimal.NewFromInt(100)
)

// Quote is the priced result for one account, service and quantity.
type Quote struct {
	ServiceID     uint            `json:"service_id"`
	Quantity      int64           `json:"quantity"`
	StandardRate  decimal.Decimal `json:"standard_rate"`
	EffectiveRate decimal.Decimal `json:"effective_rate"`
	CustomRate    bool            `json:"custom_rate"`
	Discount      decimal.Decimal `json:"discount_percent"`
	Total         decimal.Decimal `json:"total"`
}

// Resolver prices orders from services, pricing rules and account discounts.
type Resolver struct {
	accounts repository.AccountRepository
	services repository.ServiceRepository
	rules    repository.PricingRuleRepository
}

// NewResolver creates a pricing resolver.
func NewResolver(accounts repository.AccountRepository, services repository.ServiceRepository, rules repository.PricingRuleRepository) *Resolver {
	return &Resolver{accounts: accounts, services: services, rules: rules}
}

// Total computes round(rate * quantity / 1000) at ledger scale.
func Total(ratePer1000 decimal.Decimal, quantity int64) decimal.Decimal {
	return models.RoundMoney(ratePer1000.Mul(decimal.NewFromInt(quantity)).Div(thousand))
}

// ApplyDiscount reduces a rate by a percentage.
func ApplyDiscount(rate, percent decimal.Decimal) decimal.Decimal {
	return rate.Mul(hundred.Sub(percent)).Div(hundred)
}

// Quote prices quantity units of a service for an account. It reads only.
func (r *Resolver) Quote(ctx context.Context, accountID, serviceID uint, quantity int64) (*Quote, error) {
	if quantity <= 0 {
		return nil, apperror.Validation("quantity", "must be greater than zero")
	}

	service, err := r.services.GetByID(ctx, serviceID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, fmt.Errorf("service %d: %w", serviceID, apperror.ErrServiceUnavailable)
		}
		return nil, err
	}
	if !service.IsOrderable() {
		return nil, fmt.Errorf("service %d: %w", serviceID, apperror.ErrServiceUnavailable)
	}
	if quantity < service.MinQty {
		return nil, &apperror.QuantityOutOfRangeError{Bound: "min", Limit: service.MinQty, Quantity: quantity}
	}
	if quantity > service.MaxQty {
		return nil, &apperror.QuantityOutOfRangeError{Bound: "max", Limit: service.MaxQty, Quantity: quantity}
	}

	account, err := r.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("account %d: %w", accountID, err)
	}

	q := &Quote{
		ServiceID:     service.ID,
		Quantity:      quantity,
		StandardRate:  service.RatePer1000,
		EffectiveRate: service.RatePer1000,
		Discount:      decimal.Zero,
	}

	rule, err := r.rules.Get(ctx, accountID, serviceID)
	switch {
	case err == nil && rule.CustomRate.IsPositive():
		// a custom rate is absolute; the account discount does not stack on it
		q.EffectiveRate = rule.CustomRate
		q.CustomRate = true
	case err != nil && !errors.Is(err, apperror.ErrNotFound):
		return nil, fmt.Errorf("pricing rule: %w", err)
	case account.HasDiscount():
		q.Discount = *account.CustomDiscountPercent
		q.EffectiveRate = ApplyDiscount(service.RatePer1000, q.Discount)
	}

	q.Total = Total(q.EffectiveRate, quantity)
	return q, nil
}

// SetCustomRates replaces all custom rates of an account. A rate of zero is stored but has no
// effect on pricing.
func (r *Resolver) SetCustomRates(ctx context.Context, accountID uint, rates map[uint]decimal.Decimal) error {
	if _, err := r.accounts.GetByID(ctx, accountID); err != nil {
		return fmt.Errorf("account %d: %w", accountID, err)
	}
	rules := make([]models.PricingRule, 0, len(rates))
	for serviceID, rate := range rates {
		if rate.IsNegative() {
			return apperror.Validation("custom_rate", "service %d: rate must not be negative", serviceID)
		}
		if _, err := r.services.GetByID(ctx, serviceID); err != nil {
			if errors.Is(err, apperror.ErrNotFound) {
				return apperror.Validation("service_id", "unknown service %d", serviceID)
			}
			return err
		}
		rules = append(rules, models.PricingRule{
			AccountID:  accountID,
			ServiceID:  serviceID,
			CustomRate: models.RoundMoney(rate),
		})
	}
	return r.rules.ReplaceForAccount(ctx, accountID, rules)
}

// CustomRates returns the account's custom rates keyed by service.
func (r *Resolver) CustomRates(ctx context.Context, accountID uint) (map[uint]decimal.Decimal, error) {
	rules, err := r.rules.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	out := make(map[uint]decimal.Decimal, len(rules))
	for _, rule := range rules {
		out[rule.ServiceID] = rule.CustomRate
	}
	return out, nil
}
