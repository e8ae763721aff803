package catalog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PanelFox/app/models"
	"github.com/ManuelReschke/PanelFox/app/repository"
	"github.com/ManuelReschke/PanelFox/internal/pkg/apperror"
	"github.com/ManuelReschke/PanelFox/internal/pkg/memstore"
	"github.com/ManuelReschke/PanelFox/internal/pkg/provider"
	"github.com/ManuelReschke/PanelFox/internal/pkg/provider/providertest"
)

type fixture struct {
	repos    *repository.Repositories
	engine   *Engine
	fake     *providertest.Fake
	provider *models.Provider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repos := memstore.New().Repositories()
	p := &models.Provider{Name: "panel", APIURL: "https://panel.example/api/v2", Enabled: true}
	require.NoError(t, repos.Provider.Create(context.Background(), p))
	fake := providertest.New()
	return &fixture{repos: repos, engine: NewEngine(repos, provider.Static{p.ID: fake}), fake: fake, provider: p}
}

func remote(id, rate string) provider.RemoteService {
	return provider.RemoteService{
		ID: id, Name: "Service " + id, Category: "Social", Rate: decimal.RequireFromString(rate),
		Min: 10, Max: 5000, Refill: true, Raw: []byte(`{"service":"` + id + `"}`),
	}
}

func (f *fixture) events(t *testing.T) []models.ServiceUpdateEvent {
	t.Helper()
	out, err := f.engine.ListServiceUpdates(context.Background(), repository.ServiceUpdateFilter{})
	require.NoError(t, err)
	return out
}

func (f *fixture) linkedService(t *testing.T, remoteID, rate string, syncWith bool) *models.Service {
	t.Helper()
	svc := &models.Service{
		Name: "Live " + remoteID, RatePer1000: decimal.RequireFromString(rate), MinQty: 10, MaxQty: 5000,
		Enabled: true, ProviderID: &f.provider.ID, ProviderServiceID: remoteID, SyncWithProvider: syncWith,
	}
	require.NoError(t, f.repos.Service.Create(context.Background(), svc))
	return svc
}

func TestSyncProviderPopulatesCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fake.SetCatalog(remote("1", "1.0"), remote("2", "0.45"))

	res, err := f.engine.SyncProvider(ctx, f.provider.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Seen)
	assert.Equal(t, 2, res.Created)

	cached, err := f.repos.ProviderService.ListByProvider(ctx, f.provider.ID)
	require.NoError(t, err)
	require.Len(t, cached, 2)
	assert.Equal(t, "0.45000", models.FormatMoney(cached[1].Rate))
	assert.JSONEq(t, `{"service":"2"}`, string(cached[1].Raw))

	p, err := f.repos.Provider.GetByID(ctx, f.provider.ID)
	require.NoError(t, err)
	assert.NotNil(t, p.LastSyncedAt)

	// an unchanged catalog journals nothing
	res, err = f.engine.SyncProvider(ctx, f.provider.ID)
	require.NoError(t, err)
	assert.Zero(t, res.Created+res.RateChanged+res.Deleted)
	assert.Len(t, f.events(t), 2)
}

func TestSyncRateChangeLeavesLiveRate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	live := f.linkedService(t, "1", "1.5", true)

	f.fake.SetCatalog(remote("1", "1.0"))
	_, err := f.engine.SyncProvider(ctx, f.provider.ID)
	require.NoError(t, err)

	f.fake.SetCatalog(remote("1", "1.2"))
	res, err := f.engine.SyncProvider(ctx, f.provider.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.RateChanged)

	events, err := f.engine.ListServiceUpdates(ctx, repository.ServiceUpdateFilter{Type: models.ServiceUpdateRateIncreased})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "1.00000", events[0].OldValue)
	assert.Equal(t, "1.20000", events[0].NewValue)
	assert.Equal(t, "1", events[0].RemoteServiceID)

	svc, err := f.repos.Service.GetByID(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, "1.50000", models.FormatMoney(svc.RatePer1000))

	f.fake.SetCatalog(remote("1", "0.9"))
	_, err = f.engine.SyncProvider(ctx, f.provider.ID)
	require.NoError(t, err)
	events, err = f.engine.ListServiceUpdates(ctx, repository.ServiceUpdateFilter{Type: models.ServiceUpdateRateDecreased})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "0.90000", events[0].NewValue)
}

func TestSyncRemovalDisablesAndReenables(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	synced := f.linkedService(t, "1", "1.0", true)
	manual := f.linkedService(t, "1", "1.0", false)

	f.fake.SetCatalog(remote("1", "1.0"), remote("2", "2.0"))
	_, err := f.engine.SyncProvider(ctx, f.provider.ID)
	require.NoError(t, err)

	f.fake.SetCatalog(remote("2", "2.0"))
	res, err := f.engine.SyncProvider(ctx, f.provider.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, 1, res.Disabled)

	svc, err := f.repos.Service.GetByID(ctx, synced.ID)
	require.NoError(t, err)
	assert.False(t, svc.Enabled)
	assert.NotNil(t, svc.SyncDisabledAt)
	other, err := f.repos.Service.GetByID(ctx, manual.ID)
	require.NoError(t, err)
	assert.True(t, other.Enabled)

	cached, err := f.repos.ProviderService.ListByProvider(ctx, f.provider.ID)
	require.NoError(t, err)
	assert.Len(t, cached, 1)

	f.fake.SetCatalog(remote("1", "1.0"), remote("2", "2.0"))
	res, err = f.engine.SyncProvider(ctx, f.provider.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.Enabled)
	svc, err = f.repos.Service.GetByID(ctx, synced.ID)
	require.NoError(t, err)
	assert.True(t, svc.Enabled)
	assert.Nil(t, svc.SyncDisabledAt)

	var types []models.ServiceUpdateType
	for _, ev := range f.events(t) {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []models.ServiceUpdateType{
		models.ServiceUpdateEnabled, models.ServiceUpdateCreated,
		models.ServiceUpdateDisabled, models.ServiceUpdateDeleted,
		models.ServiceUpdateCreated, models.ServiceUpdateCreated,
	}, types)
}

func TestSyncAdminDisabledServiceStaysDisabled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := f.linkedService(t, "1", "1.0", true)
	require.NoError(t, f.repos.Service.SetEnabled(ctx, svc.ID, false, nil))

	f.fake.SetCatalog(remote("1", "1.0"))
	res, err := f.engine.SyncProvider(ctx, f.provider.ID)
	require.NoError(t, err)
	assert.Zero(t, res.Enabled)
}

type failingPages struct {
	*providertest.Fake
}

func (f failingPages) FetchCatalog(ctx context.Context, token string) (*provider.CatalogPage, error) {
	if token != "" {
		return nil, apperror.Transient("services", context.DeadlineExceeded)
	}
	return &provider.CatalogPage{Items: []provider.RemoteService{remote("2", "2.0")}, NextToken: "1"}, nil
}

func TestSyncFetchErrorWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fake.SetCatalog(remote("1", "1.0"))
	_, err := f.engine.SyncProvider(ctx, f.provider.ID)
	require.NoError(t, err)

	f.engine.adapters = provider.Static{f.provider.ID: failingPages{f.fake}}
	_, err = f.engine.SyncProvider(ctx, f.provider.ID)
	assert.ErrorIs(t, err, apperror.ErrProviderTransient)

	cached, err := f.repos.ProviderService.ListByProvider(ctx, f.provider.ID)
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.Equal(t, "1", cached[0].RemoteServiceID)
	assert.Len(t, f.events(t), 1)
}

type gatedCatalog struct {
	*providertest.Fake
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedCatalog) FetchCatalog(ctx context.Context, token string) (*provider.CatalogPage, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.Fake.FetchCatalog(ctx, token)
}

func TestSyncProviderSingleFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fake.SetCatalog(remote("1", "1.0"))
	gate := &gatedCatalog{Fake: f.fake, entered: make(chan struct{}), release: make(chan struct{})}
	f.engine.adapters = provider.Static{f.provider.ID: gate}

	var wg sync.WaitGroup
	results := make([]*SyncResult, 5)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.engine.SyncProvider(ctx, f.provider.ID)
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	<-gate.entered
	time.Sleep(50 * time.Millisecond)
	close(gate.release)
	wg.Wait()

	assert.Equal(t, 1, f.fake.CallCount("services"))
	for _, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, 1, res.Created)
	}
	assert.Len(t, f.events(t), 1)
}

func TestSyncDisabledProvider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provider.Enabled = false
	require.NoError(t, f.repos.Provider.Update(ctx, f.provider))

	_, err := f.engine.SyncProvider(ctx, f.provider.ID)
	assert.ErrorIs(t, err, apperror.ErrServiceUnavailable)
	assert.Zero(t, f.fake.CallCount("services"))
}

func TestSyncAllCollectsFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fake.SetCatalog(remote("1", "1.0"))
	orphan := &models.Provider{Name: "unwired", APIURL: "https://other.example/api/v2", Enabled: true}
	require.NoError(t, f.repos.Provider.Create(ctx, orphan))

	results, err := f.engine.SyncAll(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperror.ErrNotFound)
	require.Len(t, results, 1)
	assert.Equal(t, f.provider.ID, results[0].ProviderID)
}

func TestImportCatalogEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fake.SetCatalog(remote("1", "1.0"), remote("2", "0.5"))
	_, err := f.engine.SyncProvider(ctx, f.provider.ID)
	require.NoError(t, err)
	f.linkedService(t, "2", "0.7", false)

	res, err := f.engine.ImportCatalogEntries(ctx, f.provider.ID, ImportSelection{
		RemoteIDs: []string{"1", "2", "99"}, MarkupPercent: decimal.NewFromInt(20), SyncWithProvider: true,
	})
	require.NoError(t, err)
	require.Len(t, res.Imported, 1)
	assert.ElementsMatch(t, []string{"2", "99"}, res.Skipped)

	svc := res.Imported[0]
	assert.Equal(t, "1.20000", models.FormatMoney(svc.RatePer1000))
	assert.Equal(t, "1", svc.ProviderServiceID)
	assert.Equal(t, int64(10), svc.MinQty)
	assert.Equal(t, int64(5000), svc.MaxQty)
	assert.True(t, svc.Refill)
	assert.True(t, svc.SyncWithProvider)

	created, err := f.engine.ListServiceUpdates(ctx, repository.ServiceUpdateFilter{ServiceID: &svc.ID})
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, models.ServiceUpdateCreated, created[0].Type)

	again, err := f.engine.ImportCatalogEntries(ctx, f.provider.ID, ImportSelection{})
	require.NoError(t, err)
	assert.Empty(t, again.Imported)
	assert.ElementsMatch(t, []string{"1", "2"}, again.Skipped)

	_, err = f.engine.ImportCatalogEntries(ctx, f.provider.ID, ImportSelection{MarkupPercent: decimal.NewFromInt(-1)})
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

func TestAdjustLiveRatesFromCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fake.SetCatalog(remote("1", "1.0"), remote("2", "0.5"))
	_, err := f.engine.SyncProvider(ctx, f.provider.ID)
	require.NoError(t, err)
	a := f.linkedService(t, "1", "1.0", false)
	b := f.linkedService(t, "2", "0.6", false)
	stale := f.linkedService(t, "77", "3.0", false)

	res, err := f.engine.AdjustLiveRatesFromCache(ctx, RateAdjustment{
		ProviderID: f.provider.ID, Mode: MarkupPercent, Value: decimal.NewFromInt(20),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Changed)
	assert.Equal(t, 1, res.Unchanged)
	assert.Equal(t, []uint{stale.ID}, res.Skipped)

	svc, err := f.repos.Service.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "1.20000", models.FormatMoney(svc.RatePer1000))

	res, err = f.engine.AdjustLiveRatesFromCache(ctx, RateAdjustment{
		ServiceIDs: []uint{b.ID}, Mode: MarkupFixed, Value: decimal.RequireFromString("0.05"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Changed)
	svc, err = f.repos.Service.GetByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "0.55000", models.FormatMoney(svc.RatePer1000))

	events, err := f.engine.ListServiceUpdates(ctx, repository.ServiceUpdateFilter{ServiceID: &b.ID})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.ServiceUpdateRateDecreased, events[0].Type)
	assert.Equal(t, "0.60000", events[0].OldValue)
	assert.Equal(t, "0.55000", events[0].NewValue)

	_, err = f.engine.AdjustLiveRatesFromCache(ctx, RateAdjustment{ProviderID: f.provider.ID, Mode: "double"})
	assert.ErrorIs(t, err, apperror.ErrValidation)
	_, err = f.engine.AdjustLiveRatesFromCache(ctx, RateAdjustment{Mode: MarkupFixed})
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

func TestRefreshBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fake.BalanceValue = decimal.RequireFromString("100.84292")

	bal, err := f.engine.RefreshBalance(ctx, f.provider.ID)
	require.NoError(t, err)
	assert.Equal(t, "USD", bal.Currency)

	p, err := f.repos.Provider.GetByID(ctx, f.provider.ID)
	require.NoError(t, err)
	require.NotNil(t, p.Balance)
	assert.Equal(t, "100.84292", models.FormatMoney(*p.Balance))
	assert.NotNil(t, p.BalanceCheckedAt)
}

func TestListServiceUpdatesRejectsUnknownType(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.ListServiceUpdates(context.Background(), repository.ServiceUpdateFilter{Type: "renamed"})
	assert.ErrorIs(t, err, apperror.ErrValidation)
}
