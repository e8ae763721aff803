// Package catalog keeps the per-provider catalog cache in line with the remote catalogs and
// journals every observed change. Live service rates only move through explicit admin actions.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"gorm.io/datatypes"

	"github.com/ManuelReschke/PanelFox/app/models"
	"github.com/ManuelReschke/PanelFox/app/repository"
	"github.com/ManuelReschke/PanelFox/internal/pkg/apperror"
	"github.com/ManuelReschke/PanelFox/internal/pkg/metrics"
	"github.com/ManuelReschke/PanelFox/internal/pkg/provider"
)

// Engine runs catalog syncs and the admin catalog actions.
type Engine struct {
	providers repository.ProviderRepository
	cache     repository.ProviderServiceRepository
	services  repository.ServiceRepository
	updates   repository.ServiceUpdateRepository
	adapters  provider.Resolver

	group       singleflight.Group
	concurrency int
	now         func() time.Time
}

func NewEngine(repos *repository.Repositories, adapters provider.Resolver) *Engine {
	return &Engine{
		providers:   repos.Provider,
		cache:       repos.ProviderService,
		services:    repos.Service,
		updates:     repos.ServiceUpdate,
		adapters:    adapters,
		concurrency: 4,
		now:         time.Now,
	}
}

// SetConcurrency bounds how many providers SyncAll handles at once.
func (e *Engine) SetConcurrency(n int) {
	if n > 0 {
		e.concurrency = n
	}
}

// SyncResult counts what one sync observed.
type SyncResult struct {
	ProviderID  uint `json:"provider_id"`
	Seen        int  `json:"seen"`
	Created     int  `json:"created"`
	RateChanged int  `json:"rate_changed"`
	Deleted     int  `json:"deleted"`
	Disabled    int  `json:"disabled"`
	Enabled     int  `json:"enabled"`
	// Shared is set when the result came from a sync another caller started.
	Shared bool `json:"shared"`
}

// SyncProvider pulls the full remote catalog of one provider and diffs it against the cache.
// Concurrent calls for the same provider join the running sync.
func (e *Engine) SyncProvider(ctx context.Context, providerID uint) (*SyncResult, error) {
	v, err, shared := e.group.Do(strconv.FormatUint(uint64(providerID), 10), func() (any, error) {
		return e.syncProvider(ctx, providerID)
	})
	if err != nil {
		return nil, err
	}
	res := *v.(*SyncResult)
	res.Shared = shared
	return &res, nil
}

func (e *Engine) syncProvider(ctx context.Context, providerID uint) (*SyncResult, error) {
	p, err := e.providers.GetByID(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if !p.Enabled {
		return nil, fmt.Errorf("provider %d is disabled: %w", providerID, apperror.ErrServiceUnavailable)
	}
	adapter, err := e.adapters.For(ctx, providerID)
	if err != nil {
		return nil, err
	}

	// the whole catalog is fetched before anything is written; a broken page must not look like
	// mass deletion
	var remote []provider.RemoteService
	seen := map[string]bool{}
	for item, err := range provider.Catalog(ctx, adapter, "") {
		if err != nil {
			return nil, fmt.Errorf("failed to fetch catalog of provider %d: %w", providerID, err)
		}
		if seen[item.ID] {
			continue
		}
		seen[item.ID] = true
		remote = append(remote, item)
	}

	cached, err := e.cache.ListByProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	byRemoteID := make(map[string]models.ProviderServiceCacheEntry, len(cached))
	for _, c := range cached {
		byRemoteID[c.RemoteServiceID] = c
	}

	linked, err := e.linkedServices(ctx, providerID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	res := &SyncResult{ProviderID: providerID, Seen: len(remote)}

	for _, item := range remote {
		rate := models.RoundMoney(item.Rate)
		entry, exists := byRemoteID[item.ID]
		if !exists {
			entry = models.ProviderServiceCacheEntry{ProviderID: providerID, RemoteServiceID: item.ID}
			fillEntry(&entry, item, rate, now)
			if err := e.cache.Create(ctx, &entry); err != nil {
				return res, fmt.Errorf("failed to cache remote service %s: %w", item.ID, err)
			}
			e.record(ctx, &models.ServiceUpdateEvent{
				Type: models.ServiceUpdateCreated, ProviderID: providerID, RemoteServiceID: item.ID,
				NewValue: models.FormatMoney(rate),
			})
			res.Created++
		} else {
			old := entry.Rate
			fillEntry(&entry, item, rate, now)
			if err := e.cache.Update(ctx, &entry); err != nil {
				return res, fmt.Errorf("failed to refresh remote service %s: %w", item.ID, err)
			}
			if !old.Equal(rate) {
				e.record(ctx, rateEvent(providerID, item.ID, nil, old, rate))
				res.RateChanged++
			}
		}

		for _, svc := range linked[item.ID] {
			if svc.Enabled || svc.SyncDisabledAt == nil {
				continue
			}
			if err := e.services.SetEnabled(ctx, svc.ID, true, nil); err != nil {
				return res, err
			}
			e.record(ctx, &models.ServiceUpdateEvent{
				Type: models.ServiceUpdateEnabled, ProviderID: providerID, RemoteServiceID: item.ID, ServiceID: &svc.ID,
			})
			res.Enabled++
		}
	}

	for _, entry := range cached {
		remoteID := entry.RemoteServiceID
		if seen[remoteID] {
			continue
		}
		if err := e.cache.Delete(ctx, entry.ID); err != nil {
			return res, fmt.Errorf("failed to drop remote service %s: %w", remoteID, err)
		}
		e.record(ctx, &models.ServiceUpdateEvent{
			Type: models.ServiceUpdateDeleted, ProviderID: providerID, RemoteServiceID: remoteID,
			OldValue: models.FormatMoney(entry.Rate),
		})
		res.Deleted++

		for _, svc := range linked[remoteID] {
			if !svc.SyncWithProvider || !svc.Enabled {
				continue
			}
			if err := e.services.SetEnabled(ctx, svc.ID, false, &now); err != nil {
				return res, err
			}
			e.record(ctx, &models.ServiceUpdateEvent{
				Type: models.ServiceUpdateDisabled, ProviderID: providerID, RemoteServiceID: remoteID, ServiceID: &svc.ID,
			})
			res.Disabled++
		}
	}

	if err := e.providers.TouchSynced(ctx, providerID, now); err != nil {
		log.Warnf("[CatalogSync] Failed to stamp sync of provider %d: %v", providerID, err)
	}
	log.Infof("[CatalogSync] Provider %d synced: seen=%d created=%d rate_changed=%d deleted=%d disabled=%d enabled=%d",
		providerID, res.Seen, res.Created, res.RateChanged, res.Deleted, res.Disabled, res.Enabled)
	return res, nil
}

// linkedServices indexes the provider's live services by remote id.
func (e *Engine) linkedServices(ctx context.Context, providerID uint) (map[string][]models.Service, error) {
	list, err := e.services.List(ctx, repository.ServiceFilter{ProviderID: &providerID, IncludeDisabled: true})
	if err != nil {
		return nil, err
	}
	out := map[string][]models.Service{}
	for _, svc := range list {
		if svc.IsLinked() {
			out[svc.ProviderServiceID] = append(out[svc.ProviderServiceID], svc)
		}
	}
	return out, nil
}

func fillEntry(entry *models.ProviderServiceCacheEntry, item provider.RemoteService, rate decimal.Decimal, now time.Time) {
	entry.Name = item.Name
	entry.Category = item.Category
	entry.Type = item.Type
	entry.Rate = rate
	entry.MinQty = item.Min
	entry.MaxQty = item.Max
	entry.Refill = item.Refill
	entry.Cancel = item.Cancel
	if len(item.Raw) > 0 {
		entry.Raw = datatypes.JSON(item.Raw)
	}
	entry.SyncedAt = now
}

func rateEvent(providerID uint, remoteID string, serviceID *uint, old, next decimal.Decimal) *models.ServiceUpdateEvent {
	typ := models.ServiceUpdateRateIncreased
	if next.LessThan(old) {
		typ = models.ServiceUpdateRateDecreased
	}
	return &models.ServiceUpdateEvent{
		Type:            typ,
		ProviderID:      providerID,
		RemoteServiceID: remoteID,
		ServiceID:       serviceID,
		OldValue:        models.FormatMoney(old),
		NewValue:        models.FormatMoney(next),
	}
}

// record appends to the journal. A lost journal row is logged, the catalog change stands.
func (e *Engine) record(ctx context.Context, ev *models.ServiceUpdateEvent) {
	if err := e.updates.Create(ctx, ev); err != nil {
		log.Errorf("[CatalogSync] Failed to journal %s for %d/%s: %v", ev.Type, ev.ProviderID, ev.RemoteServiceID, err)
		return
	}
	metrics.CatalogEvents.WithLabelValues(string(ev.Type)).Inc()
}

// SyncAll syncs every enabled provider in parallel. Failures are collected; one broken provider
// does not stop the others.
func (e *Engine) SyncAll(ctx context.Context) ([]SyncResult, error) {
	start := time.Now()
	defer func() {
		metrics.SweepDuration.WithLabelValues("catalog").Observe(time.Since(start).Seconds())
	}()

	list, err := e.providers.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}

	var (
		mu      sync.Mutex
		results []SyncResult
		errs    []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, p := range list {
		g.Go(func() error {
			res, err := e.SyncProvider(gctx, p.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Errorf("[CatalogSync] Sync of provider %d (%s) failed: %v", p.ID, p.Name, err)
				errs = append(errs, fmt.Errorf("provider %d: %w", p.ID, err))
				return nil
			}
			results = append(results, *res)
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

// RefreshBalance stores the provider's current account balance.
func (e *Engine) RefreshBalance(ctx context.Context, providerID uint) (*provider.BalanceResult, error) {
	adapter, err := e.adapters.For(ctx, providerID)
	if err != nil {
		return nil, err
	}
	bal, err := adapter.Balance(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.providers.UpdateBalance(ctx, providerID, models.RoundMoney(bal.Balance), bal.Currency, e.now()); err != nil {
		return nil, err
	}
	return bal, nil
}

// RefreshBalances refreshes every enabled provider, logging failures.
func (e *Engine) RefreshBalances(ctx context.Context) error {
	list, err := e.providers.ListEnabled(ctx)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, p := range list {
		g.Go(func() error {
			if _, err := e.RefreshBalance(gctx, p.ID); err != nil {
				log.Warnf("[CatalogSync] Balance refresh of provider %d failed: %v", p.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}
