// Package memstore provides in-memory implementations of the repository interfaces. It backs
// the engine tests and mirrors the conditional-update semantics of the GORM repositories.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PanelFox/app/models"
	"github.com/ManuelReschke/PanelFox/app/repository"
	"github.com/ManuelReschke/PanelFox/internal/pkg/apperror"
)

// Store holds every table behind one mutex.
type Store struct {
	mu sync.Mutex

	nextID map[string]uint

	accounts         map[uint]models.Account
	balanceLogs      []models.BalanceLog
	services         map[uint]models.Service
	pricingRules     map[[2]uint]models.PricingRule
	providers        map[uint]models.Provider
	providerServices map[uint]models.ProviderServiceCacheEntry
	orders           map[uint]models.Order
	refills          map[uint]models.Refill
	serviceUpdates   []models.ServiceUpdateEvent
	recharges        map[uint]models.Recharge
	settings         *models.AppSettings
	settingValues    map[string]string

	// FailOrderCreate makes the next Order.Create calls fail, to exercise compensation paths.
	FailOrderCreate error
	// FailCredit makes credits fail, to exercise refund reverts.
	FailCredit error
}

// New returns an empty store.
func New() *Store {
	return &Store{
		nextID:           map[string]uint{},
		accounts:         map[uint]models.Account{},
		services:         map[uint]models.Service{},
		pricingRules:     map[[2]uint]models.PricingRule{},
		providers:        map[uint]models.Provider{},
		providerServices: map[uint]models.ProviderServiceCacheEntry{},
		orders:           map[uint]models.Order{},
		refills:          map[uint]models.Refill{},
		recharges:        map[uint]models.Recharge{},
		settings:         models.DefaultAppSettings(),
		settingValues:    map[string]string{},
	}
}

func (s *Store) id(table string) uint {
	s.nextID[table]++
	return s.nextID[table]
}

// Repositories wires the store into the shared repository bundle.
func (s *Store) Repositories() *repository.Repositories {
	return &repository.Repositories{
		Account:         accounts{s},
		Service:         services{s},
		PricingRule:     pricingRules{s},
		Provider:        providers{s},
		ProviderService: providerServices{s},
		Order:           orders{s},
		Refill:          refills{s},
		ServiceUpdate:   serviceUpdates{s},
		Recharge:        recharges{s},
		Setting:         settings{s},
	}
}

// BalanceLogs returns a copy of the audit trail.
func (s *Store) BalanceLogs() []models.BalanceLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.BalanceLog, len(s.balanceLogs))
	copy(out, s.balanceLogs)
	return out
}

// ServiceUpdates returns a copy of the catalog journal.
func (s *Store) ServiceUpdates() []models.ServiceUpdateEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ServiceUpdateEvent, len(s.serviceUpdates))
	copy(out, s.serviceUpdates)
	return out
}

// SetBalance overwrites a stored balance without writing an audit row.
func (s *Store) SetBalance(accountID uint, balance decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[accountID]; ok {
		a.Balance = balance
		s.accounts[accountID] = a
	}
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

type accounts struct{ s *Store }

func (r accounts) Create(_ context.Context, a *models.Account) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.accounts {
		if a.Email != "" && existing.Email == a.Email {
			return fmt.Errorf("duplicate email %q", a.Email)
		}
	}
	a.ID = r.s.id("accounts")
	now := time.Now()
	a.CreatedAt, a.UpdatedAt = now, now
	r.s.accounts[a.ID] = *a
	return nil
}

func (r accounts) GetByID(_ context.Context, id uint) (*models.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok {
		return nil, apperror.ErrNotFound
	}
	return &a, nil
}

func (r accounts) GetByAPIKeyHash(_ context.Context, hash string) (*models.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return nil, apperror.ErrNotFound
	}
	for _, a := range r.s.accounts {
		if a.APIKeyHash == hash {
			return &a, nil
		}
	}
	return nil, apperror.ErrNotFound
}

func (r accounts) Update(_ context.Context, a *models.Account) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	existing, ok := r.s.accounts[a.ID]
	if !ok {
		return apperror.ErrNotFound
	}
	updated := *a
	updated.Balance = existing.Balance
	updated.UpdatedAt = time.Now()
	r.s.accounts[a.ID] = updated
	return nil
}

func (r accounts) TouchAPIKeyUsage(_ context.Context, id uint, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok {
		return nil
	}
	a.APIKeyLastUsedAt = &at
	r.s.accounts[id] = a
	return nil
}

func (r accounts) List(_ context.Context, offset, limit int) ([]models.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]models.Account, 0, len(r.s.accounts))
	for _, a := range r.s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, offset, limit), nil
}

func (r accounts) ApplyBalanceChange(_ context.Context, entry *models.BalanceLog) (decimal.Decimal, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[entry.AccountID]
	if !ok {
		return decimal.Zero, apperror.ErrNotFound
	}
	switch entry.Action {
	case models.BalanceActionDebit:
		if a.Balance.LessThan(entry.Amount) {
			return decimal.Zero, apperror.ErrInsufficientBalance
		}
		a.Balance = a.Balance.Sub(entry.Amount)
	case models.BalanceActionCredit:
		if r.s.FailCredit != nil {
			return decimal.Zero, r.s.FailCredit
		}
		a.Balance = a.Balance.Add(entry.Amount)
	default:
		return decimal.Zero, fmt.Errorf("unknown balance action %q", entry.Action)
	}
	r.s.accounts[a.ID] = a
	entry.ID = r.s.id("balance_logs")
	entry.BalanceAfter = a.Balance
	entry.CreatedAt = time.Now()
	r.s.balanceLogs = append(r.s.balanceLogs, *entry)
	return a.Balance, nil
}

func (r accounts) SumBalanceLogs(_ context.Context, accountID uint) (decimal.Decimal, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sum := decimal.Zero
	for _, l := range r.s.balanceLogs {
		if l.AccountID == accountID {
			sum = sum.Add(l.SignedAmount())
		}
	}
	return sum, nil
}

func (r accounts) ListBalanceLogs(_ context.Context, accountID uint, offset, limit int) ([]models.BalanceLog, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.BalanceLog
	for i := len(r.s.balanceLogs) - 1; i >= 0; i-- {
		if r.s.balanceLogs[i].AccountID == accountID {
			out = append(out, r.s.balanceLogs[i])
		}
	}
	return page(out, offset, limit), nil
}

type services struct{ s *Store }

func (r services) Create(_ context.Context, svc *models.Service) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	svc.ID = r.s.id("services")
	now := time.Now()
	svc.CreatedAt, svc.UpdatedAt = now, now
	r.s.services[svc.ID] = *svc
	return nil
}

func (r services) GetByID(_ context.Context, id uint) (*models.Service, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	svc, ok := r.s.services[id]
	if !ok {
		return nil, apperror.ErrNotFound
	}
	return &svc, nil
}

func (r services) Update(_ context.Context, svc *models.Service) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.services[svc.ID]; !ok {
		return apperror.ErrNotFound
	}
	svc.UpdatedAt = time.Now()
	r.s.services[svc.ID] = *svc
	return nil
}

func (r services) Delete(_ context.Context, id uint) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	svc, ok := r.s.services[id]
	if !ok {
		return nil
	}
	svc.DeletedAt = gorm.DeletedAt{Time: time.Now(), Valid: true}
	r.s.services[id] = svc
	return nil
}

func (r services) sorted(match func(models.Service) bool) []models.Service {
	var out []models.Service
	for _, svc := range r.s.services {
		if svc.DeletedAt.Valid || !match(svc) {
			continue
		}
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r services) List(_ context.Context, f repository.ServiceFilter) ([]models.Service, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := r.sorted(func(svc models.Service) bool {
		if !f.IncludeDisabled && !svc.Enabled {
			return false
		}
		if f.Category != "" && svc.Category != f.Category {
			return false
		}
		if f.ProviderID != nil && (svc.ProviderID == nil || *svc.ProviderID != *f.ProviderID) {
			return false
		}
		return true
	})
	return page(out, f.Offset, f.Limit), nil
}

func (r services) ListLinked(_ context.Context, providerID uint, remoteID string) ([]models.Service, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.sorted(func(svc models.Service) bool {
		return svc.ProviderID != nil && *svc.ProviderID == providerID && svc.ProviderServiceID == remoteID
	}), nil
}

func (r services) UpdateRate(_ context.Context, id uint, rate decimal.Decimal) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	svc, ok := r.s.services[id]
	if !ok {
		return apperror.ErrNotFound
	}
	svc.RatePer1000 = rate
	r.s.services[id] = svc
	return nil
}

func (r services) SetEnabled(_ context.Context, id uint, enabled bool, syncDisabledAt *time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	svc, ok := r.s.services[id]
	if !ok {
		return apperror.ErrNotFound
	}
	svc.Enabled = enabled
	svc.SyncDisabledAt = syncDisabledAt
	r.s.services[id] = svc
	return nil
}

type pricingRules struct{ s *Store }

func (r pricingRules) Get(_ context.Context, accountID, serviceID uint) (*models.PricingRule, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rule, ok := r.s.pricingRules[[2]uint{accountID, serviceID}]
	if !ok {
		return nil, apperror.ErrNotFound
	}
	return &rule, nil
}

func (r pricingRules) ListByAccount(_ context.Context, accountID uint) ([]models.PricingRule, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.PricingRule
	for key, rule := range r.s.pricingRules {
		if key[0] == accountID {
			out = append(out, rule)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceID < out[j].ServiceID })
	return out, nil
}

func (r pricingRules) ReplaceForAccount(_ context.Context, accountID uint, rules []models.PricingRule) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for key := range r.s.pricingRules {
		if key[0] == accountID {
			delete(r.s.pricingRules, key)
		}
	}
	for _, rule := range rules {
		rule.ID = r.s.id("pricing_rules")
		rule.AccountID = accountID
		r.s.pricingRules[[2]uint{accountID, rule.ServiceID}] = rule
	}
	return nil
}

type providers struct{ s *Store }

func (r providers) Create(_ context.Context, p *models.Provider) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p.ID = r.s.id("providers")
	r.s.providers[p.ID] = *p
	return nil
}

func (r providers) GetByID(_ context.Context, id uint) (*models.Provider, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.providers[id]
	if !ok {
		return nil, apperror.ErrNotFound
	}
	return &p, nil
}

func (r providers) list(onlyEnabled bool) []models.Provider {
	var out []models.Provider
	for _, p := range r.s.providers {
		if onlyEnabled && !p.Enabled {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r providers) List(_ context.Context) ([]models.Provider, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.list(false), nil
}

func (r providers) ListEnabled(_ context.Context) ([]models.Provider, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.list(true), nil
}

func (r providers) Update(_ context.Context, p *models.Provider) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.providers[p.ID]; !ok {
		return apperror.ErrNotFound
	}
	r.s.providers[p.ID] = *p
	return nil
}

func (r providers) UpdateBalance(_ context.Context, id uint, balance decimal.Decimal, currency string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.providers[id]
	if !ok {
		return apperror.ErrNotFound
	}
	p.Balance = &balance
	p.Currency = currency
	p.BalanceCheckedAt = &at
	r.s.providers[id] = p
	return nil
}

func (r providers) TouchSynced(_ context.Context, id uint, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.providers[id]
	if !ok {
		return apperror.ErrNotFound
	}
	p.LastSyncedAt = &at
	r.s.providers[id] = p
	return nil
}

type providerServices struct{ s *Store }

func (r providerServices) filter(match func(models.ProviderServiceCacheEntry) bool) []models.ProviderServiceCacheEntry {
	var out []models.ProviderServiceCacheEntry
	for _, e := range r.s.providerServices {
		if match(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r providerServices) ListByProvider(_ context.Context, providerID uint) ([]models.ProviderServiceCacheEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.filter(func(e models.ProviderServiceCacheEntry) bool { return e.ProviderID == providerID }), nil
}

func (r providerServices) GetByRemoteIDs(_ context.Context, providerID uint, remoteIDs []string) ([]models.ProviderServiceCacheEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	wanted := map[string]bool{}
	for _, id := range remoteIDs {
		wanted[id] = true
	}
	return r.filter(func(e models.ProviderServiceCacheEntry) bool {
		return e.ProviderID == providerID && wanted[e.RemoteServiceID]
	}), nil
}

func (r providerServices) Create(_ context.Context, e *models.ProviderServiceCacheEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.providerServices {
		if existing.ProviderID == e.ProviderID && existing.RemoteServiceID == e.RemoteServiceID {
			return fmt.Errorf("duplicate provider service %d/%s", e.ProviderID, e.RemoteServiceID)
		}
	}
	e.ID = r.s.id("provider_services")
	r.s.providerServices[e.ID] = *e
	return nil
}

func (r providerServices) Update(_ context.Context, e *models.ProviderServiceCacheEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.providerServices[e.ID]; !ok {
		return apperror.ErrNotFound
	}
	r.s.providerServices[e.ID] = *e
	return nil
}

func (r providerServices) Delete(_ context.Context, id uint) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.providerServices, id)
	return nil
}

type orders struct{ s *Store }

func (r orders) Create(_ context.Context, o *models.Order) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.FailOrderCreate != nil {
		return r.s.FailOrderCreate
	}
	o.ID = r.s.id("orders")
	now := time.Now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	r.s.orders[o.ID] = *o
	return nil
}

func (r orders) GetByID(_ context.Context, id uint) (*models.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.orders[id]
	if !ok {
		return nil, apperror.ErrNotFound
	}
	return &o, nil
}

func (r orders) sorted(match func(models.Order) bool) []models.Order {
	var out []models.Order
	for _, o := range r.s.orders {
		if match(o) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r orders) List(_ context.Context, f repository.OrderFilter) ([]models.Order, int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := r.sorted(func(o models.Order) bool {
		if f.AccountID != nil && o.AccountID != *f.AccountID {
			return false
		}
		if f.ServiceID != nil && o.ServiceID != *f.ServiceID {
			return false
		}
		if len(f.Statuses) > 0 {
			found := false
			for _, st := range f.Statuses {
				if o.Status == st {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		if f.Search != "" && !strings.Contains(o.Link, f.Search) && o.ExternalOrderID != f.Search {
			return false
		}
		return true
	})
	// newest first, like the SQL implementation
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	return page(out, f.Offset, limit), int64(len(out)), nil
}

func applyPatch(o *models.Order, p repository.OrderPatch) {
	if p.StartCount != nil {
		v := *p.StartCount
		o.StartCount = &v
	}
	if p.Remains != nil {
		v := *p.Remains
		o.Remains = &v
	}
	if p.CostProvider != nil {
		v := *p.CostProvider
		o.CostProvider = &v
	}
	if p.ErrorMessage != nil {
		o.ErrorMessage = *p.ErrorMessage
	}
	if p.LastPolledAt != nil {
		v := *p.LastPolledAt
		o.LastPolledAt = &v
	}
}

func (r orders) CompareAndSetStatus(_ context.Context, id uint, from, to models.OrderStatus, patch repository.OrderPatch) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.orders[id]
	if !ok || o.Status != from {
		return false, nil
	}
	o.Status = to
	applyPatch(&o, patch)
	o.UpdatedAt = time.Now()
	r.s.orders[id] = o
	return true, nil
}

func (r orders) UpdateProgress(_ context.Context, id uint, patch repository.OrderPatch) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.orders[id]
	if !ok {
		return apperror.ErrNotFound
	}
	applyPatch(&o, patch)
	r.s.orders[id] = o
	return nil
}

func (r orders) SetExternalID(_ context.Context, id uint, externalID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.orders[id]
	if !ok || o.ExternalOrderID != "" {
		return false, nil
	}
	o.ExternalOrderID = externalID
	r.s.orders[id] = o
	return true, nil
}

func (r orders) MarkCancelRequested(_ context.Context, id uint, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.orders[id]
	if !ok || o.CancelRequestedAt != nil {
		return false, nil
	}
	o.CancelRequestedAt = &at
	r.s.orders[id] = o
	return true, nil
}

func (r orders) MarkRefunded(_ context.Context, id uint, amount decimal.Decimal) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.orders[id]
	if !ok || o.Refunded {
		return false, nil
	}
	o.Refunded = true
	o.RefundAmount = &amount
	r.s.orders[id] = o
	return true, nil
}

func (r orders) RevertRefund(_ context.Context, id uint) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.orders[id]
	if !ok {
		return apperror.ErrNotFound
	}
	o.Refunded = false
	o.RefundAmount = nil
	r.s.orders[id] = o
	return nil
}

func (r orders) ListActive(_ context.Context, limit int) ([]models.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := r.sorted(func(o models.Order) bool { return !o.Status.IsTerminal() && o.ExternalOrderID != "" })
	return page(out, 0, limit), nil
}

func (r orders) ListUnsettled(_ context.Context, limit int) ([]models.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := r.sorted(func(o models.Order) bool { return o.NeedsRefundSettlement() })
	return page(out, 0, limit), nil
}

func (r orders) ListUnsubmitted(_ context.Context, createdBefore time.Time, limit int) ([]models.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := r.sorted(func(o models.Order) bool {
		return o.Status == models.OrderStatusPending && o.ExternalOrderID == "" &&
			o.ProviderID != nil && o.CreatedAt.Before(createdBefore)
	})
	return page(out, 0, limit), nil
}

type refills struct{ s *Store }

func (r refills) Create(_ context.Context, rf *models.Refill) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.refills {
		if existing.OrderID == rf.OrderID {
			return fmt.Errorf("duplicate refill for order %d", rf.OrderID)
		}
	}
	rf.ID = r.s.id("refills")
	now := time.Now()
	rf.CreatedAt, rf.UpdatedAt = now, now
	r.s.refills[rf.ID] = *rf
	return nil
}

func (r refills) GetByOrderID(_ context.Context, orderID uint) (*models.Refill, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, rf := range r.s.refills {
		if rf.OrderID == orderID {
			return &rf, nil
		}
	}
	return nil, apperror.ErrNotFound
}

func (r refills) ListOpen(_ context.Context, limit int) ([]models.Refill, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.Refill
	for _, rf := range r.s.refills {
		if !rf.Status.IsTerminal() && rf.ExternalRefillID != "" {
			out = append(out, rf)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, 0, limit), nil
}

func (r refills) UpdateStatus(_ context.Context, id uint, status models.RefillStatus, errMsg string, polledAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rf, ok := r.s.refills[id]
	if !ok {
		return apperror.ErrNotFound
	}
	rf.Status = status
	rf.ErrorMessage = errMsg
	rf.LastPolledAt = &polledAt
	r.s.refills[id] = rf
	return nil
}

type serviceUpdates struct{ s *Store }

func (r serviceUpdates) Create(_ context.Context, e *models.ServiceUpdateEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e.ID = r.s.id("service_updates")
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	r.s.serviceUpdates = append(r.s.serviceUpdates, *e)
	return nil
}

func (r serviceUpdates) List(_ context.Context, f repository.ServiceUpdateFilter) ([]models.ServiceUpdateEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.ServiceUpdateEvent
	for i := len(r.s.serviceUpdates) - 1; i >= 0; i-- {
		e := r.s.serviceUpdates[i]
		if f.ProviderID != nil && e.ProviderID != *f.ProviderID {
			continue
		}
		if f.ServiceID != nil && (e.ServiceID == nil || *e.ServiceID != *f.ServiceID) {
			continue
		}
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if f.Since != nil && e.CreatedAt.Before(*f.Since) {
			continue
		}
		out = append(out, e)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	return page(out, f.Offset, limit), nil
}

type recharges struct{ s *Store }

func (r recharges) Create(_ context.Context, rc *models.Recharge) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rc.ID = r.s.id("recharges")
	now := time.Now()
	if rc.CreatedAt.IsZero() {
		rc.CreatedAt = now
	}
	rc.UpdatedAt = now
	r.s.recharges[rc.ID] = *rc
	return nil
}

func (r recharges) GetByID(_ context.Context, id uint) (*models.Recharge, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rc, ok := r.s.recharges[id]
	if !ok {
		return nil, apperror.ErrNotFound
	}
	return &rc, nil
}

func (r recharges) Transition(_ context.Context, id uint, from, to models.RechargeStatus, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rc, ok := r.s.recharges[id]
	if !ok || rc.Status != from {
		return false, nil
	}
	rc.Status = to
	if to == models.RechargeStatusCompleted {
		rc.CompletedAt = &at
	} else if from == models.RechargeStatusCompleted {
		rc.CompletedAt = nil
	}
	r.s.recharges[id] = rc
	return true, nil
}

func (r recharges) ListPendingBefore(_ context.Context, before time.Time, limit int) ([]models.Recharge, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.Recharge
	for _, rc := range r.s.recharges {
		if rc.Status == models.RechargeStatusPending && rc.CreatedAt.Before(before) {
			out = append(out, rc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, 0, limit), nil
}

type settings struct{ s *Store }

func (r settings) Get() (*models.AppSettings, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.settings, nil
}

// Save keeps the settings local to the store; the process-wide copy is left alone.
func (r settings) Save(settings *models.AppSettings) error {
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.settings = settings
	return nil
}

func (r settings) GetValue(key string) (string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.settingValues[key], nil
}

func (r settings) SetValue(key, value string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.settingValues[key] = value
	return nil
}
