// Package providertest offers a scriptable in-memory provider.Adapter.
package providertest

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/PanelFox/app/models"
	"github.com/ManuelReschke/PanelFox/internal/pkg/provider"
)

// Fake records calls and answers from its fields. Hooks, when set, win over the canned values.
type Fake struct {
	mu sync.Mutex

	SubmitErr       error
	CancelErr       error
	RefillErr       error
	StatusErr       error
	RefillStatusErr error

	Statuses       map[string]provider.StatusResult
	RefillStatuses map[string]provider.RefillResult
	Pages          []provider.CatalogPage
	BalanceValue   decimal.Decimal

	OnSubmit func(provider.SubmitRequest) (string, error)

	Calls map[string]int
	seq   int
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		Statuses:       map[string]provider.StatusResult{},
		RefillStatuses: map[string]provider.RefillResult{},
		Calls:          map[string]int{},
	}
}

func (f *Fake) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls[op]++
}

// CallCount returns how often op was invoked.
func (f *Fake) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls[op]
}

// SetStatus scripts the answer for a status poll.
func (f *Fake) SetStatus(externalID string, status models.OrderStatus, remains int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := remains
	f.Statuses[externalID] = provider.StatusResult{Status: status, RawStatus: string(status), Remains: &r}
}

// SetCatalog replaces the scripted catalog with a single page.
func (f *Fake) SetCatalog(items ...provider.RemoteService) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Pages = []provider.CatalogPage{{Items: items}}
}

func (f *Fake) Submit(_ context.Context, req provider.SubmitRequest) (string, error) {
	f.record("add")
	if f.OnSubmit != nil {
		return f.OnSubmit(req)
	}
	if f.SubmitErr != nil {
		return "", f.SubmitErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return "ext-" + strconv.Itoa(f.seq), nil
}

func (f *Fake) Status(_ context.Context, externalID string) (*provider.StatusResult, error) {
	f.record("status")
	if f.StatusErr != nil {
		return nil, f.StatusErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.Statuses[externalID]
	if !ok {
		return &provider.StatusResult{Status: models.OrderStatusPending, RawStatus: "Pending"}, nil
	}
	return &st, nil
}

func (f *Fake) Cancel(_ context.Context, _ string) error {
	f.record("cancel")
	return f.CancelErr
}

func (f *Fake) Refill(_ context.Context, externalID string) (string, error) {
	f.record("refill")
	if f.RefillErr != nil {
		return "", f.RefillErr
	}
	return "refill-" + externalID, nil
}

func (f *Fake) RefillStatus(_ context.Context, refillID string) (*provider.RefillResult, error) {
	f.record("refill_status")
	if f.RefillStatusErr != nil {
		return nil, f.RefillStatusErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.RefillStatuses[refillID]
	if !ok {
		return &provider.RefillResult{Status: models.RefillStatusPending, RawStatus: "Pending"}, nil
	}
	return &st, nil
}

func (f *Fake) Balance(_ context.Context) (*provider.BalanceResult, error) {
	f.record("balance")
	return &provider.BalanceResult{Balance: f.BalanceValue, Currency: "USD"}, nil
}

func (f *Fake) FetchCatalog(_ context.Context, pageToken string) (*provider.CatalogPage, error) {
	f.record("services")
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil || n < 0 || n >= len(f.Pages) {
			return nil, fmt.Errorf("bad page token %q", pageToken)
		}
		idx = n
	}
	if len(f.Pages) == 0 {
		return &provider.CatalogPage{}, nil
	}
	page := f.Pages[idx]
	if idx+1 < len(f.Pages) {
		page.NextToken = strconv.Itoa(idx + 1)
	}
	return &page, nil
}

var _ provider.Adapter = (*Fake)(nil)
