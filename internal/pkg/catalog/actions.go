package catalog

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/PanelFox/app/models"
	"github.com/ManuelReschke/PanelFox/app/repository"
	"github.com/ManuelReschke/PanelFox/internal/pkg/apperror"
)

const (
	MarkupPercent = "percent"
	MarkupFixed   = "fixed"
)

var hundred = decimal.NewFromInt(100)

// ImportSelection picks cached entries to turn into live services. An empty RemoteIDs imports
// every cached entry of the provider.
type ImportSelection struct {
	RemoteIDs        []string        `json:"remote_ids"`
	MarkupPercent    decimal.Decimal `json:"markup_percent"`
	Category         string          `json:"category"`
	SyncWithProvider bool            `json:"sync_with_provider"`
}

// ImportResult lists created services and the remote ids that were left alone.
type ImportResult struct {
	Imported []models.Service `json:"imported"`
	Skipped  []string         `json:"skipped"`
}

// ImportCatalogEntries creates live services from cached remote entries. Remote ids that already
// back a live service are skipped.
func (e *Engine) ImportCatalogEntries(ctx context.Context, providerID uint, sel ImportSelection) (*ImportResult, error) {
	if sel.MarkupPercent.IsNegative() {
		return nil, apperror.Validation("markup_percent", "must not be negative")
	}
	if _, err := e.providers.GetByID(ctx, providerID); err != nil {
		return nil, err
	}

	var (
		entries []models.ProviderServiceCacheEntry
		err     error
	)
	if len(sel.RemoteIDs) == 0 {
		entries, err = e.cache.ListByProvider(ctx, providerID)
	} else {
		entries, err = e.cache.GetByRemoteIDs(ctx, providerID, sel.RemoteIDs)
	}
	if err != nil {
		return nil, err
	}

	res := &ImportResult{Imported: []models.Service{}, Skipped: []string{}}
	found := map[string]bool{}
	for _, entry := range entries {
		found[entry.RemoteServiceID] = true
		existing, err := e.services.ListLinked(ctx, providerID, entry.RemoteServiceID)
		if err != nil {
			return res, err
		}
		if len(existing) > 0 {
			res.Skipped = append(res.Skipped, entry.RemoteServiceID)
			continue
		}

		svc := serviceFromEntry(providerID, entry, sel)
		if err := e.services.Create(ctx, svc); err != nil {
			return res, fmt.Errorf("failed to import remote service %s: %w", entry.RemoteServiceID, err)
		}
		e.record(ctx, &models.ServiceUpdateEvent{
			Type: models.ServiceUpdateCreated, ProviderID: providerID, RemoteServiceID: entry.RemoteServiceID,
			ServiceID: &svc.ID, NewValue: models.FormatMoney(svc.RatePer1000),
		})
		res.Imported = append(res.Imported, *svc)
	}
	for _, id := range sel.RemoteIDs {
		if !found[id] {
			res.Skipped = append(res.Skipped, id)
		}
	}

	log.Infof("[CatalogSync] Imported %d services from provider %d (%d skipped)", len(res.Imported), providerID, len(res.Skipped))
	return res, nil
}

func serviceFromEntry(providerID uint, entry models.ProviderServiceCacheEntry, sel ImportSelection) *models.Service {
	pid := providerID
	category := entry.Category
	if sel.Category != "" {
		category = sel.Category
	}
	minQty, maxQty := max(entry.MinQty, 1), entry.MaxQty
	if maxQty < minQty {
		maxQty = minQty
	}
	return &models.Service{
		Name:              entry.Name,
		Category:          category,
		RatePer1000:       applyMarkup(entry.Rate, MarkupPercent, sel.MarkupPercent),
		MinQty:            minQty,
		MaxQty:            maxQty,
		Enabled:           true,
		ProviderID:        &pid,
		ProviderServiceID: entry.RemoteServiceID,
		SyncWithProvider:  sel.SyncWithProvider,
		Refill:            entry.Refill,
		Cancel:            entry.Cancel,
	}
}

func applyMarkup(rate decimal.Decimal, mode string, value decimal.Decimal) decimal.Decimal {
	if mode == MarkupFixed {
		return models.RoundMoney(rate.Add(value))
	}
	return models.RoundMoney(rate.Add(rate.Mul(value).Div(hundred)))
}

// RateAdjustment selects live services and the markup to put on their cached provider rate.
// Without ServiceIDs every linked service of ProviderID is adjusted.
type RateAdjustment struct {
	ProviderID uint            `json:"provider_id"`
	ServiceIDs []uint          `json:"service_ids"`
	Mode       string          `json:"mode"`
	Value      decimal.Decimal `json:"value"`
}

// AdjustResult reports an AdjustLiveRatesFromCache run.
type AdjustResult struct {
	Changed   int    `json:"changed"`
	Unchanged int    `json:"unchanged"`
	Skipped   []uint `json:"skipped"`
}

// AdjustLiveRatesFromCache sets the live rate of linked services to their cached provider rate
// plus markup. Services without a cache entry are skipped.
func (e *Engine) AdjustLiveRatesFromCache(ctx context.Context, adj RateAdjustment) (*AdjustResult, error) {
	if adj.Mode != MarkupPercent && adj.Mode != MarkupFixed {
		return nil, apperror.Validation("mode", "must be %q or %q", MarkupPercent, MarkupFixed)
	}
	if adj.Value.IsNegative() {
		return nil, apperror.Validation("value", "must not be negative")
	}
	if adj.ProviderID == 0 && len(adj.ServiceIDs) == 0 {
		return nil, apperror.Validation("provider_id", "provider or services required")
	}

	targets, err := e.adjustTargets(ctx, adj)
	if err != nil {
		return nil, err
	}

	res := &AdjustResult{Skipped: []uint{}}
	for _, svc := range targets {
		if !svc.IsLinked() {
			res.Skipped = append(res.Skipped, svc.ID)
			continue
		}
		cached, err := e.cache.GetByRemoteIDs(ctx, *svc.ProviderID, []string{svc.ProviderServiceID})
		if err != nil {
			return res, err
		}
		if len(cached) == 0 {
			res.Skipped = append(res.Skipped, svc.ID)
			continue
		}

		next := applyMarkup(cached[0].Rate, adj.Mode, adj.Value)
		if next.Equal(svc.RatePer1000) {
			res.Unchanged++
			continue
		}
		if err := e.services.UpdateRate(ctx, svc.ID, next); err != nil {
			return res, fmt.Errorf("failed to update rate of service %d: %w", svc.ID, err)
		}
		e.record(ctx, rateEvent(*svc.ProviderID, svc.ProviderServiceID, &svc.ID, svc.RatePer1000, next))
		res.Changed++
	}

	log.Infof("[CatalogSync] Rate adjustment (%s %s): changed=%d unchanged=%d skipped=%d",
		adj.Mode, adj.Value.String(), res.Changed, res.Unchanged, len(res.Skipped))
	return res, nil
}

func (e *Engine) adjustTargets(ctx context.Context, adj RateAdjustment) ([]models.Service, error) {
	if len(adj.ServiceIDs) == 0 {
		return e.services.List(ctx, repository.ServiceFilter{ProviderID: &adj.ProviderID, IncludeDisabled: true})
	}
	out := make([]models.Service, 0, len(adj.ServiceIDs))
	for _, id := range adj.ServiceIDs {
		svc, err := e.services.GetByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("service %d: %w", id, err)
		}
		if adj.ProviderID != 0 && (svc.ProviderID == nil || *svc.ProviderID != adj.ProviderID) {
			continue
		}
		out = append(out, *svc)
	}
	return out, nil
}

// ListServiceUpdates returns the newest journal entries first.
func (e *Engine) ListServiceUpdates(ctx context.Context, filter repository.ServiceUpdateFilter) ([]models.ServiceUpdateEvent, error) {
	if filter.Type != "" && !isUpdateType(filter.Type) {
		return nil, apperror.Validation("type", "unknown update type %q", filter.Type)
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return e.updates.List(ctx, filter)
}

func isUpdateType(t models.ServiceUpdateType) bool {
	switch t {
	case models.ServiceUpdateCreated, models.ServiceUpdateRateIncreased, models.ServiceUpdateRateDecreased,
		models.ServiceUpdateEnabled, models.ServiceUpdateDisabled, models.ServiceUpdateDeleted:
		return true
	}
	return false
}
