package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PanelFox/app/models"
	"github.com/ManuelReschke/PanelFox/app/repository"
	"github.com/ManuelReschke/PanelFox/internal/pkg/apperror"
	"github.com/ManuelReschke/PanelFox/internal/pkg/catalog"
	"github.com/ManuelReschke/PanelFox/internal/pkg/ledger"
	"github.com/ManuelReschke/PanelFox/internal/pkg/memstore"
	"github.com/ManuelReschke/PanelFox/internal/pkg/orders"
	"github.com/ManuelReschke/PanelFox/internal/pkg/pricing"
	"github.com/ManuelReschke/PanelFox/internal/pkg/provider"
	"github.com/ManuelReschke/PanelFox/internal/pkg/provider/providertest"
	"github.com/ManuelReschke/PanelFox/internal/pkg/reconciler"
)

func TestDiscardIfFinal(t *testing.T) {
	assert.NoError(t, discardIfFinal(nil))
	assert.ErrorIs(t, discardIfFinal(fmt.Errorf("order 1: %w", apperror.ErrNotFound)), ErrDiscard)
	assert.ErrorIs(t, discardIfFinal(apperror.Permanent("add", "bad link")), ErrDiscard)

	transient := discardIfFinal(apperror.Transient("add", errors.New("timeout")))
	assert.NotErrorIs(t, transient, ErrDiscard)
	assert.ErrorIs(t, transient, apperror.ErrProviderTransient)
}

type engineFixture struct {
	repos   *repository.Repositories
	svc     *orders.Service
	rec     *reconciler.Reconciler
	fake    *providertest.Fake
	account *models.Account
	service *models.Service
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	ctx := context.Background()
	repos := memstore.New().Repositories()

	account := &models.Account{Name: "alice", Email: "alice@example.com", Status: models.STATUS_ACTIVE}
	require.NoError(t, repos.Account.Create(ctx, account))
	p := &models.Provider{Name: "panel", APIURL: "https://panel.example/api/v2", Enabled: true}
	require.NoError(t, repos.Provider.Create(ctx, p))
	service := &models.Service{
		Name: "Views", RatePer1000: decimal.RequireFromString("1.0"), MinQty: 100, MaxQty: 10000,
		Enabled: true, ProviderID: &p.ID, ProviderServiceID: "3",
	}
	require.NoError(t, repos.Service.Create(ctx, service))

	l := ledger.New(repos.Account, repos.Recharge)
	_, err := l.Credit(ctx, account.ID, decimal.NewFromInt(5), models.ReasonRecharge)
	require.NoError(t, err)

	fake := providertest.New()
	adapters := provider.Static{p.ID: fake}
	store := orders.NewStore(repos.Order, l)
	svc := orders.NewService(repos, pricing.NewResolver(repos.Account, repos.Service, repos.PricingRule), l, store, adapters)
	rec := reconciler.New(repos, store, adapters, orders.SyncDispatcher{Service: svc}, reconciler.DefaultConfig())

	return &engineFixture{repos: repos, svc: svc, rec: rec, fake: fake, account: account, service: service}
}

func TestQueueDispatcherSubmitsThroughWorkers(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	q, _ := startQueue(t, 2, func(q *Queue) {
		RegisterHandlers(q, f.svc, f.rec, catalog.NewEngine(f.repos, provider.Static{}))
	})
	f.svc.SetDispatcher(QueueDispatcher{Queue: q})
	f.rec.SetPoker(QueuePoker{Queue: q})

	res, err := f.svc.PlaceOrder(ctx, f.account.ID, f.service.ID, "https://example.com/v/1", 1000)
	require.NoError(t, err)

	var order *models.Order
	require.Eventually(t, func() bool {
		order, err = f.repos.Order.GetByID(ctx, res.OrderID)
		return err == nil && order.ExternalOrderID != ""
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, f.fake.CallCount("add"))

	f.fake.SetStatus(order.ExternalOrderID, models.OrderStatusCanceled, 1000)
	_, err = f.rec.RequestCancel(ctx, f.account.ID, order.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		o, err := f.repos.Order.GetByID(ctx, res.OrderID)
		return err == nil && o.Status == models.OrderStatusCanceled && o.Refunded
	}, 5*time.Second, 20*time.Millisecond)
}

func TestManagerRunsPeriodicTask(t *testing.T) {
	m := NewManager(nil, Tasks{})
	m.Start()
	require.True(t, m.IsRunning())

	var runs atomic.Int32
	m.mu.Lock()
	m.every(context.Background(), "test", 10*time.Millisecond, func(context.Context) error {
		if runs.Add(1) == 1 {
			return errors.New("first pass fails")
		}
		return nil
	})
	m.mu.Unlock()

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	m.Stop()
	assert.False(t, m.IsRunning())

	after := runs.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, runs.Load())

	// restartable
	m.Start()
	assert.True(t, m.IsRunning())
	m.Stop()
}
