package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PanelFox/app/models"
)

// AccountRepository defines account lookups and the atomic balance mutation used by the ledger.
type AccountRepository interface {
	Create(ctx context.Context, account *models.Account) error
	GetByID(ctx context.Context, id uint) (*models.Account, error)
	GetByAPIKeyHash(ctx context.Context, hash string) (*models.Account, error)
	Update(ctx context.Context, account *models.Account) error
	TouchAPIKeyUsage(ctx context.Context, id uint, at time.Time) error
	List(ctx context.Context, offset, limit int) ([]models.Account, error)
	// ApplyBalanceChange applies entry.Amount to the account according to entry.Action and
	// inserts entry as the audit row, in one transaction. A debit larger than the current balance
	// fails with apperror.ErrInsufficientBalance and changes nothing. entry.BalanceAfter is set on
	// success and the new balance returned.
	ApplyBalanceChange(ctx context.Context, entry *models.BalanceLog) (decimal.Decimal, error)
	SumBalanceLogs(ctx context.Context, accountID uint) (decimal.Decimal, error)
	ListBalanceLogs(ctx context.Context, accountID uint, offset, limit int) ([]models.BalanceLog, error)
}

// ServiceFilter narrows service listings.
type ServiceFilter struct {
	Category        string
	ProviderID      *uint
	IncludeDisabled bool
	Offset          int
	Limit           int
}

// ServiceRepository defines catalog persistence. GetByID also returns soft-deleted rows so callers
// can tell "deleted" apart from "missing".
type ServiceRepository interface {
	Create(ctx context.Context, service *models.Service) error
	GetByID(ctx context.Context, id uint) (*models.Service, error)
	Update(ctx context.Context, service *models.Service) error
	Delete(ctx context.Context, id uint) error
	List(ctx context.Context, filter ServiceFilter) ([]models.Service, error)
	ListLinked(ctx context.Context, providerID uint, remoteServiceID string) ([]models.Service, error)
	UpdateRate(ctx context.Context, id uint, rate decimal.Decimal) error
	SetEnabled(ctx context.Context, id uint, enabled bool, syncDisabledAt *time.Time) error
}

// PricingRuleRepository stores account-specific rates.
type PricingRuleRepository interface {
	Get(ctx context.Context, accountID, serviceID uint) (*models.PricingRule, error)
	ListByAccount(ctx context.Context, accountID uint) ([]models.PricingRule, error)
	ReplaceForAccount(ctx context.Context, accountID uint, rules []models.PricingRule) error
}

// ProviderRepository stores upstream providers.
type ProviderRepository interface {
	Create(ctx context.Context, provider *models.Provider) error
	GetByID(ctx context.Context, id uint) (*models.Provider, error)
	List(ctx context.Context) ([]models.Provider, error)
	ListEnabled(ctx context.Context) ([]models.Provider, error)
	Update(ctx context.Context, provider *models.Provider) error
	UpdateBalance(ctx context.Context, id uint, balance decimal.Decimal, currency string, at time.Time) error
	TouchSynced(ctx context.Context, id uint, at time.Time) error
}

// ProviderServiceRepository stores the last seen remote catalog per provider.
type ProviderServiceRepository interface {
	ListByProvider(ctx context.Context, providerID uint) ([]models.ProviderServiceCacheEntry, error)
	GetByRemoteIDs(ctx context.Context, providerID uint, remoteIDs []string) ([]models.ProviderServiceCacheEntry, error)
	Create(ctx context.Context, entry *models.ProviderServiceCacheEntry) error
	Update(ctx context.Context, entry *models.ProviderServiceCacheEntry) error
	Delete(ctx context.Context, id uint) error
}

// OrderFilter narrows order listings.
type OrderFilter struct {
	AccountID *uint
	ServiceID *uint
	Statuses  []models.OrderStatus
	Search    string // matches link or external order id
	Offset    int
	Limit     int
}

// OrderPatch carries provider-reported progress. Nil fields are left untouched.
type OrderPatch struct {
	StartCount   *int64
	Remains      *int64
	CostProvider *decimal.Decimal
	ErrorMessage *string
	LastPolledAt *time.Time
}

// OrderRepository stores orders. All mutating methods are conditional updates; the bool result
// reports whether the condition matched.
type OrderRepository interface {
	Create(ctx context.Context, order *models.Order) error
	GetByID(ctx context.Context, id uint) (*models.Order, error)
	List(ctx context.Context, filter OrderFilter) ([]models.Order, int64, error)
	CompareAndSetStatus(ctx context.Context, id uint, from, to models.OrderStatus, patch OrderPatch) (bool, error)
	UpdateProgress(ctx context.Context, id uint, patch OrderPatch) error
	SetExternalID(ctx context.Context, id uint, externalID string) (bool, error)
	MarkCancelRequested(ctx context.Context, id uint, at time.Time) (bool, error)
	MarkRefunded(ctx context.Context, id uint, amount decimal.Decimal) (bool, error)
	RevertRefund(ctx context.Context, id uint) error
	ListActive(ctx context.Context, limit int) ([]models.Order, error)
	ListUnsettled(ctx context.Context, limit int) ([]models.Order, error)
	ListUnsubmitted(ctx context.Context, createdBefore time.Time, limit int) ([]models.Order, error)
}

// RefillRepository stores refill requests.
type RefillRepository interface {
	Create(ctx context.Context, refill *models.Refill) error
	GetByOrderID(ctx context.Context, orderID uint) (*models.Refill, error)
	ListOpen(ctx context.Context, limit int) ([]models.Refill, error)
	UpdateStatus(ctx context.Context, id uint, status models.RefillStatus, errMsg string, polledAt time.Time) error
}

// ServiceUpdateFilter narrows journal listings.
type ServiceUpdateFilter struct {
	ProviderID *uint
	ServiceID  *uint
	Type       models.ServiceUpdateType
	Since      *time.Time
	Offset     int
	Limit      int
}

// ServiceUpdateRepository is the append-only catalog change journal.
type ServiceUpdateRepository interface {
	Create(ctx context.Context, event *models.ServiceUpdateEvent) error
	List(ctx context.Context, filter ServiceUpdateFilter) ([]models.ServiceUpdateEvent, error)
}

// RechargeRepository stores balance top-ups.
type RechargeRepository interface {
	Create(ctx context.Context, recharge *models.Recharge) error
	GetByID(ctx context.Context, id uint) (*models.Recharge, error)
	// Transition moves a recharge from one status to another if it is still in from.
	Transition(ctx context.Context, id uint, from, to models.RechargeStatus, at time.Time) (bool, error)
	ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]models.Recharge, error)
}

// SettingRepository defines the interface for application settings
type SettingRepository interface {
	Get() (*models.AppSettings, error)
	Save(settings *models.AppSettings) error
	GetValue(key string) (string, error)
	SetValue(key, value string) error
}

// Repositories struct holds all repository instances
type Repositories struct {
	Account         AccountRepository
	Service         ServiceRepository
	PricingRule     PricingRuleRepository
	Provider        ProviderRepository
	ProviderService ProviderServiceRepository
	Order           OrderRepository
	Refill          RefillRepository
	ServiceUpdate   ServiceUpdateRepository
	Recharge        RechargeRepository
	Setting         SettingRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Account:         NewAccountRepository(db),
		Service:         NewServiceRepository(db),
		PricingRule:     NewPricingRuleRepository(db),
		Provider:        NewProviderRepository(db),
		ProviderService: NewProviderServiceRepository(db),
		Order:           NewOrderRepository(db),
		Refill:          NewRefillRepository(db),
		ServiceUpdate:   NewServiceUpdateRepository(db),
		Recharge:        NewRechargeRepository(db),
		Setting:         NewSettingRepository(db),
	}
}
