package reconciler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PanelFox/app/models"
	"github.com/ManuelReschke/PanelFox/app/repository"
	"github.com/ManuelReschke/PanelFox/internal/pkg/apperror"
	"github.com/ManuelReschke/PanelFox/internal/pkg/ledger"
	"github.com/ManuelReschke/PanelFox/internal/pkg/memstore"
	"github.com/ManuelReschke/PanelFox/internal/pkg/orders"
	"github.com/ManuelReschke/PanelFox/internal/pkg/pricing"
	"github.com/ManuelReschke/PanelFox/internal/pkg/provider"
	"github.com/ManuelReschke/PanelFox/internal/pkg/provider/providertest"
)

type fixture struct {
	mem     *memstore.Store
	repos   *repository.Repositories
	ledger  *ledger.Ledger
	svc     *orders.Service
	rec     *Reconciler
	fake    *providertest.Fake
	account *models.Account
	service *models.Service
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := memstore.New()
	repos := mem.Repositories()

	account := &models.Account{Name: "alice", Email: "alice@example.com", Status: models.STATUS_ACTIVE}
	require.NoError(t, repos.Account.Create(ctx, account))
	p := &models.Provider{Name: "panel", APIURL: "https://panel.example/api/v2", Enabled: true}
	require.NoError(t, repos.Provider.Create(ctx, p))
	service := &models.Service{
		Name: "Followers", RatePer1000: decimal.RequireFromString("2.0"), MinQty: 100, MaxQty: 10000,
		Enabled: true, ProviderID: &p.ID, ProviderServiceID: "17", Cancel: true, Refill: true,
	}
	require.NoError(t, repos.Service.Create(ctx, service))

	l := ledger.New(repos.Account, repos.Recharge)
	_, err := l.Credit(ctx, account.ID, decimal.NewFromInt(10), models.ReasonRecharge)
	require.NoError(t, err)

	fake := providertest.New()
	adapters := provider.Static{p.ID: fake}
	store := orders.NewStore(repos.Order, l)
	svc := orders.NewService(repos, pricing.NewResolver(repos.Account, repos.Service, repos.PricingRule), l, store, adapters)
	svc.SetDispatcher(orders.SyncDispatcher{Service: svc})
	svc.SetSettings(models.DefaultAppSettings)

	rec := New(repos, store, adapters, orders.SyncDispatcher{Service: svc}, cfg)
	rec.SetPoker(SyncPoker{Reconciler: rec})

	return &fixture{mem: mem, repos: repos, ledger: l, svc: svc, rec: rec, fake: fake, account: account, service: service}
}

func (f *fixture) place(t *testing.T) *models.Order {
	t.Helper()
	res, err := f.svc.PlaceOrder(context.Background(), f.account.ID, f.service.ID, "https://example.com/p/1", 1000)
	require.NoError(t, err)
	order, err := f.repos.Order.GetByID(context.Background(), res.OrderID)
	require.NoError(t, err)
	return order
}

func (f *fixture) balance(t *testing.T) string {
	t.Helper()
	bal, err := f.ledger.Balance(context.Background(), f.account.ID)
	require.NoError(t, err)
	return models.FormatMoney(bal)
}

func (f *fixture) refundCount() int {
	n := 0
	for _, l := range f.mem.BalanceLogs() {
		if l.Reason == models.ReasonOrderRefund {
			n++
		}
	}
	return n
}

func TestRequestCancelIsIdempotent(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	order := f.place(t)

	first, err := f.rec.RequestCancel(ctx, f.account.ID, order.ID)
	require.NoError(t, err)
	assert.False(t, first.AlreadyRequested)

	second, err := f.rec.RequestCancel(ctx, f.account.ID, order.ID)
	require.NoError(t, err)
	assert.True(t, second.AlreadyRequested)
	assert.True(t, first.CancelRequestedAt.Equal(second.CancelRequestedAt))
	assert.Equal(t, 1, f.fake.CallCount("cancel"))
}

func TestRequestCancelConcurrentCallsProviderOnce(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	order := f.place(t)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fresh int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.rec.RequestCancel(ctx, f.account.ID, order.ID)
			if !assert.NoError(t, err) {
				return
			}
			if !res.AlreadyRequested {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, fresh)
	assert.Equal(t, 1, f.fake.CallCount("cancel"))
}

func TestRequestCancelRejections(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	order := f.place(t)

	other := &models.Account{Name: "mallory", Email: "m@example.com", Status: models.STATUS_ACTIVE}
	require.NoError(t, f.repos.Account.Create(ctx, other))
	_, err := f.rec.RequestCancel(ctx, other.ID, order.ID)
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	_, err = f.svc.Store().OverrideStatus(ctx, order.ID, models.OrderStatusInProgress, 1)
	require.NoError(t, err)
	_, err = f.rec.RequestCancel(ctx, f.account.ID, order.ID)
	assert.ErrorIs(t, err, apperror.ErrNotCancelable)

	f.fake.CancelErr = apperror.Permanent("cancel", "Order cannot be canceled")
	second := f.place(t)
	_, err = f.rec.RequestCancel(ctx, f.account.ID, second.ID)
	assert.ErrorIs(t, err, apperror.ErrProviderPermanent)
	reloaded, err := f.repos.Order.GetByID(ctx, second.ID)
	require.NoError(t, err)
	assert.Nil(t, reloaded.CancelRequestedAt)

	assert.Equal(t, 1, f.fake.CallCount("cancel"))
}

func TestCanceledOrderRefundedExactlyOnceAcrossSweeps(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	order := f.place(t)
	assert.Equal(t, "8.00000", f.balance(t))

	f.fake.SetStatus(order.ExternalOrderID, models.OrderStatusCanceled, 1000)
	for i := 0; i < 3; i++ {
		_, err := f.rec.Sweep(ctx)
		require.NoError(t, err)
	}

	reloaded, err := f.repos.Order.GetByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCanceled, reloaded.Status)
	assert.True(t, reloaded.Refunded)
	assert.Equal(t, "2.00000", models.FormatMoney(*reloaded.RefundAmount))
	assert.Equal(t, "10.00000", f.balance(t))
	assert.Equal(t, 1, f.refundCount())
	assert.NoError(t, f.ledger.AuditAccount(ctx, f.account.ID))
}

func TestConcurrentPollsRefundOnce(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	order := f.place(t)
	f.fake.SetStatus(order.ExternalOrderID, models.OrderStatusCanceled, 1000)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.rec.PollOrder(ctx, order.ID))
		}()
	}
	wg.Wait()
	_, err := f.rec.Sweep(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, f.refundCount())
	assert.Equal(t, "10.00000", f.balance(t))
}

func TestPartialRefundPolicies(t *testing.T) {
	t.Run("proportional", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		order := f.place(t)
		f.fake.SetStatus(order.ExternalOrderID, models.OrderStatusPartial, 400)

		require.NoError(t, f.rec.PollOrder(context.Background(), order.ID))
		reloaded, err := f.repos.Order.GetByID(context.Background(), order.ID)
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusPartial, reloaded.Status)
		assert.Equal(t, "0.80000", models.FormatMoney(*reloaded.RefundAmount))
		assert.Equal(t, "8.80000", f.balance(t))
	})

	t.Run("full only", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.RefundPolicy = models.RefundPolicyFullOnly
		f := newFixture(t, cfg)
		order := f.place(t)
		f.fake.SetStatus(order.ExternalOrderID, models.OrderStatusPartial, 400)

		require.NoError(t, f.rec.PollOrder(context.Background(), order.ID))
		reloaded, err := f.repos.Order.GetByID(context.Background(), order.ID)
		require.NoError(t, err)
		assert.True(t, reloaded.Refunded)
		assert.Equal(t, "0.00000", models.FormatMoney(*reloaded.RefundAmount))
		assert.Equal(t, "8.00000", f.balance(t))
		assert.Zero(t, f.refundCount())
	})
}

func TestPollRecordsProgress(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	order := f.place(t)

	start, remains := int64(3572), int64(157)
	charge := decimal.RequireFromString("0.27819")
	f.fake.Statuses[order.ExternalOrderID] = provider.StatusResult{
		Status: models.OrderStatusInProgress, RawStatus: "In progress", StartCount: &start, Remains: &remains, Charge: &charge,
	}
	require.NoError(t, f.rec.PollOrder(ctx, order.ID))

	reloaded, err := f.repos.Order.GetByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusInProgress, reloaded.Status)
	assert.Equal(t, int64(3572), *reloaded.StartCount)
	assert.Equal(t, int64(157), *reloaded.Remains)
	assert.Equal(t, "0.27819", models.FormatMoney(*reloaded.CostProvider))
	assert.NotNil(t, reloaded.LastPolledAt)

	// a provider stepping back to Pending is ignored
	f.fake.SetStatus(order.ExternalOrderID, models.OrderStatusPending, 100)
	require.NoError(t, f.rec.PollOrder(ctx, order.ID))
	reloaded, err = f.repos.Order.GetByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusInProgress, reloaded.Status)
	assert.Equal(t, int64(100), *reloaded.Remains)
}

func TestPermanentPollErrorMarksErrorWithoutRefund(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	order := f.place(t)

	f.fake.StatusErr = apperror.Permanent("status", "Incorrect order ID")
	require.NoError(t, f.rec.PollOrder(ctx, order.ID))

	reloaded, err := f.repos.Order.GetByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusError, reloaded.Status)
	assert.Contains(t, reloaded.ErrorMessage, "Incorrect order ID")
	assert.False(t, reloaded.Refunded)
	assert.Equal(t, "8.00000", f.balance(t))

	// terminal orders drop out of the active set
	f.fake.StatusErr = nil
	_, err = f.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.fake.CallCount("status"))
}

func TestTransientPollErrorKeepsStatus(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	order := f.place(t)

	f.fake.StatusErr = apperror.Transient("status", errors.New("timeout"))
	err := f.rec.PollOrder(ctx, order.ID)
	assert.ErrorIs(t, err, apperror.ErrProviderTransient)

	reloaded, err := f.repos.Order.GetByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, reloaded.Status)
	assert.NotNil(t, reloaded.LastPolledAt)

	stats, err := f.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestSweepSettlesAdminOverride(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	order := f.place(t)

	_, err := f.svc.Store().OverrideStatus(ctx, order.ID, models.OrderStatusCanceled, 1)
	require.NoError(t, err)
	assert.Equal(t, "8.00000", f.balance(t))

	stats, err := f.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Settled)
	assert.Equal(t, "10.00000", f.balance(t))

	_, err = f.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.refundCount())
}

func TestSweepRedispatchesOrphans(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.fake.SubmitErr = apperror.Unsent("add", errors.New("connection refused"))
	order := f.place(t)
	require.Empty(t, order.ExternalOrderID)
	f.fake.SubmitErr = nil

	stats, err := f.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Resubmitted, "inside the grace period")

	f.rec.now = func() time.Time { return time.Now().Add(time.Hour) }
	stats, err = f.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Resubmitted)

	reloaded, err := f.repos.Order.GetByID(ctx, order.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, reloaded.ExternalOrderID)
}

func TestSweepLeavesUncertainSubmissionsAlone(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.fake.OnSubmit = func(provider.SubmitRequest) (string, error) {
		return "", apperror.Transient("add", context.DeadlineExceeded)
	}
	order := f.place(t)
	assert.Equal(t, models.OrderStatusError, order.Status)
	assert.True(t, strings.HasPrefix(order.ErrorMessage, orders.SubmitUncertainPrefix))
	assert.Equal(t, "8.00000", f.balance(t))

	f.rec.now = func() time.Time { return time.Now().Add(time.Hour) }
	for i := 0; i < 3; i++ {
		stats, err := f.rec.Sweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.Resubmitted)
	}
	assert.Equal(t, 1, f.fake.CallCount("add"))

	// the admin found no upstream order
	_, err := f.svc.Store().OverrideStatus(ctx, order.ID, models.OrderStatusFail, 1)
	require.NoError(t, err)
	require.NoError(t, f.rec.Settle(ctx, order.ID))
	assert.Equal(t, "10.00000", f.balance(t))
}

func TestAdminCancelsErrorOrder(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	order := f.place(t)

	f.fake.StatusErr = apperror.Permanent("status", "Incorrect order ID")
	require.NoError(t, f.rec.PollOrder(ctx, order.ID))

	overridden, err := f.svc.Store().OverrideStatus(ctx, order.ID, models.OrderStatusCanceled, 1)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCanceled, overridden.Status)
	require.NoError(t, f.rec.Settle(ctx, order.ID))

	reloaded, err := f.repos.Order.GetByID(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.Refunded)
	assert.Equal(t, "10.00000", f.balance(t))

	_, err = f.svc.Store().OverrideStatus(ctx, order.ID, models.OrderStatusCompleted, 1)
	assert.ErrorIs(t, err, apperror.ErrInvalidTransition)
}

func TestSweepSettlesFailedOrderAfterCreditOutage(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.fake.SubmitErr = apperror.Permanent("add", "Incorrect link")
	f.mem.FailCredit = errors.New("db down")
	order := f.place(t)
	f.mem.FailCredit = nil

	assert.Equal(t, models.OrderStatusFail, order.Status)
	assert.False(t, order.Refunded)
	assert.Equal(t, "8.00000", f.balance(t))

	stats, err := f.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Settled)

	reloaded, err := f.repos.Order.GetByID(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.Refunded)
	require.NotNil(t, reloaded.RefundAmount)
	assert.Equal(t, "2.00000", models.FormatMoney(*reloaded.RefundAmount))
	assert.Equal(t, "10.00000", f.balance(t))

	_, err = f.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.refundCount())
}

func TestRequestRefill(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	order := f.place(t)

	_, err := f.rec.RequestRefill(ctx, f.account.ID, order.ID)
	assert.ErrorIs(t, err, apperror.ErrNotRefillable)

	f.fake.SetStatus(order.ExternalOrderID, models.OrderStatusCompleted, 0)
	require.NoError(t, f.rec.PollOrder(ctx, order.ID))

	refill, err := f.rec.RequestRefill(ctx, f.account.ID, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RefillStatusPending, refill.Status)
	assert.Equal(t, "refill-"+order.ExternalOrderID, refill.ExternalRefillID)

	again, err := f.rec.RequestRefill(ctx, f.account.ID, order.ID)
	require.NoError(t, err)
	assert.Equal(t, refill.ID, again.ID)
	assert.Equal(t, 1, f.fake.CallCount("refill"))

	f.fake.RefillStatuses[refill.ExternalRefillID] = provider.RefillResult{Status: models.RefillStatusCompleted, RawStatus: "Completed"}
	n, err := f.rec.SweepRefills(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stored, err := f.repos.Refill.GetByOrderID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RefillStatusCompleted, stored.Status)

	// completed refills are not polled again
	n, err = f.rec.SweepRefills(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRefillRequiresCapableService(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.service.Refill = false
	require.NoError(t, f.repos.Service.Update(ctx, f.service))

	order := f.place(t)
	f.fake.SetStatus(order.ExternalOrderID, models.OrderStatusCompleted, 0)
	require.NoError(t, f.rec.PollOrder(ctx, order.ID))

	_, err := f.rec.RequestRefill(ctx, f.account.ID, order.ID)
	assert.ErrorIs(t, err, apperror.ErrNotRefillable)
	assert.Zero(t, f.fake.CallCount("refill"))
}

func TestConfigFromSettings(t *testing.T) {
	s := models.DefaultAppSettings()
	s.CancelableStatuses = []string{"pending", "InProgress", "Completed", "bogus"}
	s.RefundPolicy = models.RefundPolicyFullOnly
	s.ReconcileConcurrency = 3

	cfg := ConfigFromSettings(s)
	assert.Equal(t, []models.OrderStatus{models.OrderStatusPending, models.OrderStatusInProgress}, cfg.CancelableStatuses)
	assert.Equal(t, models.RefundPolicyFullOnly, cfg.RefundPolicy)
	assert.Equal(t, 3, cfg.Concurrency)
	assert.Equal(t, 10*time.Minute, cfg.SubmitGrace)
	assert.GreaterOrEqual(t, cfg.ClaimTTL, time.Minute)

	def := DefaultConfig()
	assert.Equal(t, []models.OrderStatus{models.OrderStatusPending}, def.CancelableStatuses)
	assert.Equal(t, models.RefundPolicyProportional, def.RefundPolicy)
}
