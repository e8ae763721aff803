package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PanelFox/app/models"
)

type serviceRepository struct {
	db *gorm.DB
}

// NewServiceRepository creates a new service repository instance
func NewServiceRepository(db *gorm.DB) ServiceRepository {
	return &serviceRepository{db: db}
}

func (r *serviceRepository) Create(ctx context.Context, service *models.Service) error {
	return r.db.WithContext(ctx).Create(service).Error
}

// GetByID includes soft-deleted services.
func (r *serviceRepository) GetByID(ctx context.Context, id uint) (*models.Service, error) {
	var service models.Service
	if err := r.db.WithContext(ctx).Unscoped().First(&service, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &service, nil
}

func (r *serviceRepository) Update(ctx context.Context, service *models.Service) error {
	return r.db.WithContext(ctx).Save(service).Error
}

// Delete soft-deletes the service; order history keeps referencing it.
func (r *serviceRepository) Delete(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Delete(&models.Service{}, id).Error
}

func (r *serviceRepository) List(ctx context.Context, filter ServiceFilter) ([]models.Service, error) {
	q := r.db.WithContext(ctx).Model(&models.Service{})
	if !filter.IncludeDisabled {
		q = q.Where("enabled = ?", true)
	}
	if filter.Category != "" {
		q = q.Where("category = ?", filter.Category)
	}
	if filter.ProviderID != nil {
		q = q.Where("provider_id = ?", *filter.ProviderID)
	}
	if filter.Limit > 0 {
		q = q.Offset(filter.Offset).Limit(filter.Limit)
	}
	var services []models.Service
	err := q.Order("category ASC, id ASC").Find(&services).Error
	return services, err
}

// ListLinked returns live services bound to one remote catalog entry.
func (r *serviceRepository) ListLinked(ctx context.Context, providerID uint, remoteServiceID string) ([]models.Service, error) {
	var services []models.Service
	err := r.db.WithContext(ctx).
		Where("provider_id = ? AND provider_service_id = ?", providerID, remoteServiceID).
		Order("id ASC").
		Find(&services).Error
	return services, err
}

func (r *serviceRepository) UpdateRate(ctx context.Context, id uint, rate decimal.Decimal) error {
	return r.db.WithContext(ctx).Model(&models.Service{}).Where("id = ?", id).
		Update("rate_per_1000", rate).Error
}

func (r *serviceRepository) SetEnabled(ctx context.Context, id uint, enabled bool, syncDisabledAt *time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Service{}).Where("id = ?", id).
		Updates(map[string]any{"enabled": enabled, "sync_disabled_at": syncDisabledAt}).Error
}

type pricingRuleRepository struct {
	db *gorm.DB
}

// NewPricingRuleRepository creates a new pricing rule repository instance
func NewPricingRuleRepository(db *gorm.DB) PricingRuleRepository {
	return &pricingRuleRepository{db: db}
}

func (r *pricingRuleRepository) Get(ctx context.Context, accountID, serviceID uint) (*models.PricingRule, error) {
	var rule models.PricingRule
	err := r.db.WithContext(ctx).Where("account_id = ? AND service_id = ?", accountID, serviceID).First(&rule).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &rule, nil
}

func (r *pricingRuleRepository) ListByAccount(ctx context.Context, accountID uint) ([]models.PricingRule, error) {
	var rules []models.PricingRule
	err := r.db.WithContext(ctx).Where("account_id = ?", accountID).Order("service_id ASC").Find(&rules).Error
	return rules, err
}

// ReplaceForAccount swaps the whole rule set of an account in one transaction.
func (r *pricingRuleRepository) ReplaceForAccount(ctx context.Context, accountID uint, rules []models.PricingRule) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("account_id = ?", accountID).Delete(&models.PricingRule{}).Error; err != nil {
			return err
		}
		if len(rules) == 0 {
			return nil
		}
		for i := range rules {
			rules[i].ID = 0
			rules[i].AccountID = accountID
		}
		return tx.Create(&rules).Error
	})
}

type providerRepository struct {
	db *gorm.DB
}

// NewProviderRepository creates a new provider repository instance
func NewProviderRepository(db *gorm.DB) ProviderRepository {
	return &providerRepository{db: db}
}

func (r *providerRepository) Create(ctx context.Context, provider *models.Provider) error {
	return r.db.WithContext(ctx).Create(provider).Error
}

func (r *providerRepository) GetByID(ctx context.Context, id uint) (*models.Provider, error) {
	var provider models.Provider
	if err := r.db.WithContext(ctx).First(&provider, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &provider, nil
}

func (r *providerRepository) List(ctx context.Context) ([]models.Provider, error) {
	var providers []models.Provider
	err := r.db.WithContext(ctx).Order("id ASC").Find(&providers).Error
	return providers, err
}

func (r *providerRepository) ListEnabled(ctx context.Context) ([]models.Provider, error) {
	var providers []models.Provider
	err := r.db.WithContext(ctx).Where("enabled = ?", true).Order("id ASC").Find(&providers).Error
	return providers, err
}

func (r *providerRepository) Update(ctx context.Context, provider *models.Provider) error {
	return r.db.WithContext(ctx).Save(provider).Error
}

func (r *providerRepository) UpdateBalance(ctx context.Context, id uint, balance decimal.Decimal, currency string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Provider{}).Where("id = ?", id).
		Updates(map[string]any{"balance": balance, "currency": currency, "balance_checked_at": at}).Error
}

func (r *providerRepository) TouchSynced(ctx context.Context, id uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Provider{}).Where("id = ?", id).
		UpdateColumn("last_synced_at", at).Error
}

type providerServiceRepository struct {
	db *gorm.DB
}

// NewProviderServiceRepository creates a new provider catalog cache repository instance
func NewProviderServiceRepository(db *gorm.DB) ProviderServiceRepository {
	return &providerServiceRepository{db: db}
}

func (r *providerServiceRepository) ListByProvider(ctx context.Context, providerID uint) ([]models.ProviderServiceCacheEntry, error) {
	var entries []models.ProviderServiceCacheEntry
	err := r.db.WithContext(ctx).Where("provider_id = ?", providerID).Order("id ASC").Find(&entries).Error
	return entries, err
}

func (r *providerServiceRepository) GetByRemoteIDs(ctx context.Context, providerID uint, remoteIDs []string) ([]models.ProviderServiceCacheEntry, error) {
	var entries []models.ProviderServiceCacheEntry
	if len(remoteIDs) == 0 {
		return entries, nil
	}
	err := r.db.WithContext(ctx).
		Where("provider_id = ? AND remote_service_id IN ?", providerID, remoteIDs).
		Order("id ASC").
		Find(&entries).Error
	return entries, err
}

func (r *providerServiceRepository) Create(ctx context.Context, entry *models.ProviderServiceCacheEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *providerServiceRepository) Update(ctx context.Context, entry *models.ProviderServiceCacheEntry) error {
	return r.db.WithContext(ctx).Save(entry).Error
}

func (r *providerServiceRepository) Delete(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Delete(&models.ProviderServiceCacheEntry{}, id).Error
}

type serviceUpdateRepository struct {
	db *gorm.DB
}

// NewServiceUpdateRepository creates a new catalog journal repository instance
func NewServiceUpdateRepository(db *gorm.DB) ServiceUpdateRepository {
	return &serviceUpdateRepository{db: db}
}

func (r *serviceUpdateRepository) Create(ctx context.Context, event *models.ServiceUpdateEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *serviceUpdateRepository) List(ctx context.Context, filter ServiceUpdateFilter) ([]models.ServiceUpdateEvent, error) {
	q := r.db.WithContext(ctx).Model(&models.ServiceUpdateEvent{})
	if filter.ProviderID != nil {
		q = q.Where("provider_id = ?", *filter.ProviderID)
	}
	if filter.ServiceID != nil {
		q = q.Where("service_id = ?", *filter.ServiceID)
	}
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}
	if filter.Since != nil {
		q = q.Where("created_at >= ?", *filter.Since)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	var events []models.ServiceUpdateEvent
	err := q.Order("id DESC").Offset(filter.Offset).Limit(limit).Find(&events).Error
	return events, err
}
