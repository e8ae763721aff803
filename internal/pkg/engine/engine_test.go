package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PanelFox/app/models"
	"github.com/ManuelReschke/PanelFox/internal/pkg/memstore"
	"github.com/ManuelReschke/PanelFox/internal/pkg/provider"
	"github.com/ManuelReschke/PanelFox/internal/pkg/provider/providertest"
)

func TestNewDefaultsToRegistryWithoutQueue(t *testing.T) {
	e := New(memstore.New().Repositories(), Options{Secret: "secret", Settings: models.DefaultAppSettings})
	assert.IsType(t, &provider.Registry{}, e.Adapters)
	assert.Nil(t, e.Queue)
	assert.NotNil(t, e.Manager)
	assert.Nil(t, e.Manager.GetQueue())
}

func TestEngineOrderRoundTrip(t *testing.T) {
	ctx := context.Background()
	repos := memstore.New().Repositories()

	account := &models.Account{Name: "alice", Email: "alice@example.com", Status: models.STATUS_ACTIVE}
	require.NoError(t, repos.Account.Create(ctx, account))
	p := &models.Provider{Name: "panel", APIURL: "https://panel.example/api/v2", Enabled: true}
	require.NoError(t, repos.Provider.Create(ctx, p))
	service := &models.Service{
		Name: "Followers", RatePer1000: decimal.RequireFromString("2.0"), MinQty: 100, MaxQty: 10000,
		Enabled: true, ProviderID: &p.ID, ProviderServiceID: "5", Cancel: true,
	}
	require.NoError(t, repos.Service.Create(ctx, service))

	fake := providertest.New()
	e := New(repos, Options{Settings: models.DefaultAppSettings, Adapters: provider.Static{p.ID: fake}})
	_, err := e.Ledger.Credit(ctx, account.ID, decimal.NewFromInt(10), models.ReasonRecharge)
	require.NoError(t, err)

	res, err := e.Orders.PlaceOrder(ctx, account.ID, service.ID, "https://example.com/p/1", 1000)
	require.NoError(t, err)
	assert.Equal(t, "8.00000", models.FormatMoney(res.Balance))

	var order *models.Order
	require.Eventually(t, func() bool {
		order, err = repos.Order.GetByID(ctx, res.OrderID)
		return err == nil && order.ExternalOrderID != ""
	}, 2*time.Second, 10*time.Millisecond)

	fake.SetStatus(order.ExternalOrderID, models.OrderStatusCanceled, 1000)
	stats, err := e.Manager.RunReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Polled)

	balance, err := e.Ledger.Balance(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, "10.00000", models.FormatMoney(balance))
}
