package pricing

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PanelFox/app/models"
	"github.com/ManuelReschke/PanelFox/app/repository"
	"github.com/ManuelReschke/PanelFox/internal/pkg/apperror"
	"github.com/ManuelReschke/PanelFox/internal/pkg/memstore"
)

type fixture struct {
	repos    *repository.Repositories
	resolver *Resolver
	account  *models.Account
	service  *models.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	repos := memstore.New().Repositories()

	account := &models.Account{Name: "alice", Email: "alice@example.com", Role: models.ROLE_USER, Status: models.STATUS_ACTIVE}
	require.NoError(t, repos.Account.Create(ctx, account))

	service := &models.Service{Name: "Followers", RatePer1000: decimal.RequireFromString("1.0"), MinQty: 100, MaxQty: 1000, Enabled: true}
	require.NoError(t, repos.Service.Create(ctx, service))

	return &fixture{
		repos:    repos,
		resolver: NewResolver(repos.Account, repos.Service, repos.PricingRule),
		account:  account,
		service:  service,
	}
}

func TestQuoteStandardRate(t *testing.T) {
	f := newFixture(t)

	q, err := f.resolver.Quote(context.Background(), f.account.ID, f.service.ID, 1000)
	require.NoError(t, err)
	assert.Equal(t, "1.00000", models.FormatMoney(q.Total))
	assert.False(t, q.CustomRate)
}

func TestQuoteQuantityBounds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		qty   int64
		bound string
	}{
		{99, "min"},
		{100, ""},
		{1000, ""},
		{1001, "max"},
	}
	for _, tt := range tests {
		_, err := f.resolver.Quote(ctx, f.account.ID, f.service.ID, tt.qty)
		if tt.bound == "" {
			assert.NoError(t, err, tt.qty)
			continue
		}
		var rangeErr *apperror.QuantityOutOfRangeError
		require.True(t, errors.As(err, &rangeErr), tt.qty)
		assert.Equal(t, tt.bound, rangeErr.Bound)
		assert.ErrorIs(t, err, apperror.ErrQuantityOutOfRange)
	}
}

func TestQuoteCustomRateIgnoresDiscount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	discount := decimal.NewFromInt(10)
	f.account.CustomDiscountPercent = &discount
	require.NoError(t, f.repos.Account.Update(ctx, f.account))

	f.service.MaxQty = 5000
	require.NoError(t, f.repos.Service.Update(ctx, f.service))

	require.NoError(t, f.resolver.SetCustomRates(ctx, f.account.ID, map[uint]decimal.Decimal{
		f.service.ID: decimal.RequireFromString("0.5"),
	}))

	q, err := f.resolver.Quote(ctx, f.account.ID, f.service.ID, 2000)
	require.NoError(t, err)
	assert.True(t, q.CustomRate)
	assert.True(t, q.Discount.IsZero())
	assert.Equal(t, "1.00000", models.FormatMoney(q.Total))
}

func TestQuoteDiscountWithoutCustomRate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	discount := decimal.NewFromInt(10)
	f.account.CustomDiscountPercent = &discount
	require.NoError(t, f.repos.Account.Update(ctx, f.account))

	q, err := f.resolver.Quote(ctx, f.account.ID, f.service.ID, 1000)
	require.NoError(t, err)
	assert.Equal(t, "0.90000", models.FormatMoney(q.Total))
}

func TestQuoteZeroCustomRateFallsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.resolver.SetCustomRates(ctx, f.account.ID, map[uint]decimal.Decimal{f.service.ID: decimal.Zero}))

	q, err := f.resolver.Quote(ctx, f.account.ID, f.service.ID, 500)
	require.NoError(t, err)
	assert.False(t, q.CustomRate)
	assert.Equal(t, "0.50000", models.FormatMoney(q.Total))
}

func TestQuoteRoundsHalfUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.service.RatePer1000 = decimal.RequireFromString("0.00001")
	f.service.MinQty = 1
	require.NoError(t, f.repos.Service.Update(ctx, f.service))

	// 0.00001 * 500 / 1000 = 0.000005 -> 0.00001
	q, err := f.resolver.Quote(ctx, f.account.ID, f.service.ID, 500)
	require.NoError(t, err)
	assert.Equal(t, "0.00001", models.FormatMoney(q.Total))
}

func TestQuoteUnavailableService(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.service.Enabled = false
	require.NoError(t, f.repos.Service.Update(ctx, f.service))
	_, err := f.resolver.Quote(ctx, f.account.ID, f.service.ID, 500)
	assert.ErrorIs(t, err, apperror.ErrServiceUnavailable)

	f.service.Enabled = true
	require.NoError(t, f.repos.Service.Update(ctx, f.service))
	require.NoError(t, f.repos.Service.Delete(ctx, f.service.ID))
	_, err = f.resolver.Quote(ctx, f.account.ID, f.service.ID, 500)
	assert.ErrorIs(t, err, apperror.ErrServiceUnavailable)

	_, err = f.resolver.Quote(ctx, f.account.ID, 999, 500)
	assert.ErrorIs(t, err, apperror.ErrServiceUnavailable)
}

func TestSetCustomRatesReplacesWholesale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other := &models.Service{Name: "Likes", RatePer1000: decimal.NewFromInt(2), MinQty: 1, MaxQty: 10, Enabled: true}
	require.NoError(t, f.repos.Service.Create(ctx, other))

	require.NoError(t, f.resolver.SetCustomRates(ctx, f.account.ID, map[uint]decimal.Decimal{
		f.service.ID: decimal.RequireFromString("0.7"),
		other.ID:     decimal.RequireFromString("1.5"),
	}))
	require.NoError(t, f.resolver.SetCustomRates(ctx, f.account.ID, map[uint]decimal.Decimal{
		other.ID: decimal.RequireFromString("1.2"),
	}))

	rates, err := f.resolver.CustomRates(ctx, f.account.ID)
	require.NoError(t, err)
	assert.Len(t, rates, 1)
	assert.Equal(t, "1.20000", models.FormatMoney(rates[other.ID]))

	err = f.resolver.SetCustomRates(ctx, f.account.ID, map[uint]decimal.Decimal{other.ID: decimal.NewFromInt(-1)})
	assert.ErrorIs(t, err, apperror.ErrValidation)

	err = f.resolver.SetCustomRates(ctx, f.account.ID, map[uint]decimal.Decimal{4242: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, apperror.ErrValidation)
}
