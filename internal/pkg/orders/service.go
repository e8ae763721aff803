package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/PanelFox/app/models"
	"github.com/ManuelReschke/PanelFox/app/repository"
	"github.com/ManuelReschke/PanelFox/internal/pkg/apperror"
	"github.com/ManuelReschke/PanelFox/internal/pkg/keylock"
	"github.com/ManuelReschke/PanelFox/internal/pkg/ledger"
	"github.com/ManuelReschke/PanelFox/internal/pkg/metrics"
	"github.com/ManuelReschke/PanelFox/internal/pkg/pricing"
	"github.com/ManuelReschke/PanelFox/internal/pkg/provider"
)

const submitLeaseTTL = 2 * time.Minute

// SubmitUncertainPrefix starts the error message of orders whose submission may or may not have
// reached the provider.
const SubmitUncertainPrefix = "submit outcome unknown: "

// Dispatcher schedules the provider submission of a freshly placed order.
type Dispatcher interface {
	Dispatch(ctx context.Context, orderID uint) error
}

// PlacementResult is returned to the caller of PlaceOrder.
type PlacementResult struct {
	OrderID uint            `json:"order_id"`
	Balance decimal.Decimal `json:"balance"`
	Quote   *pricing.Quote  `json:"quote"`
	Status  string          `json:"status"`
}

// Service places orders and submits them to providers.
type Service struct {
	accounts   repository.AccountRepository
	services   repository.ServiceRepository
	orders     repository.OrderRepository
	pricer     *pricing.Resolver
	ledger     *ledger.Ledger
	store      *Store
	adapters   provider.Resolver
	locker     keylock.Locker
	dispatcher Dispatcher
	settings   func() *models.AppSettings
}

// NewService wires the placement service. Submissions run inline until SetDispatcher is called.
func NewService(repos *repository.Repositories, pricer *pricing.Resolver, l *ledger.Ledger, store *Store, adapters provider.Resolver) *Service {
	s := &Service{
		accounts: repos.Account,
		services: repos.Service,
		orders:   repos.Order,
		pricer:   pricer,
		ledger:   l,
		store:    store,
		adapters: adapters,
		locker:   keylock.NewLocal(),
		settings: models.GetAppSettings,
	}
	s.dispatcher = inlineDispatcher{s}
	return s
}

// SetDispatcher replaces the submission dispatcher.
func (s *Service) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

// SetLocker replaces the submission lease backend, e.g. with a Redis locker shared by workers.
func (s *Service) SetLocker(l keylock.Locker) {
	s.locker = l
}

// SetSettings overrides the settings source.
func (s *Service) SetSettings(fn func() *models.AppSettings) {
	s.settings = fn
}

// Store exposes the order store.
func (s *Service) Store() *Store {
	return s.store
}

func (s *Service) validateLink(link string) (string, error) {
	link = strings.TrimSpace(link)
	if link == "" {
		return "", apperror.Validation("link", "must not be empty")
	}
	max := 500
	if cfg := s.settings(); cfg != nil && cfg.MaxLinkLength > 0 {
		max = cfg.MaxLinkLength
	}
	if utf8.RuneCountInString(link) > max {
		return "", apperror.Validation("link", "must be at most %d characters", max)
	}
	return link, nil
}

// PlaceOrder prices, charges and records an order, then dispatches it to the provider.
// Validation and balance errors leave no trace. If the order row cannot be written the debit is
// compensated with a placement_rollback credit.
func (s *Service) PlaceOrder(ctx context.Context, accountID, serviceID uint, link string, quantity int64) (*PlacementResult, error) {
	if cfg := s.settings(); cfg != nil && !cfg.OrderingEnabled {
		return nil, fmt.Errorf("ordering is disabled: %w", apperror.ErrServiceUnavailable)
	}
	link, err := s.validateLink(link)
	if err != nil {
		return nil, err
	}
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !account.IsActive() {
		return nil, fmt.Errorf("account %d is %s: %w", accountID, account.Status, apperror.ErrForbidden)
	}

	quote, err := s.pricer.Quote(ctx, accountID, serviceID, quantity)
	if err != nil {
		return nil, err
	}
	svc, err := s.services.GetByID(ctx, serviceID)
	if err != nil {
		return nil, err
	}

	if _, err := s.ledger.Debit(ctx, accountID, quote.Total, models.ReasonOrderPlacement,
		ledger.WithNote(fmt.Sprintf("service %d x %d", serviceID, quantity))); err != nil {
		return nil, err
	}

	order := &models.Order{
		AccountID:  accountID,
		ServiceID:  serviceID,
		ProviderID: svc.ProviderID,
		Link:       link,
		Quantity:   quantity,
		ChargeUser: quote.Total,
		Status:     models.OrderStatusPending,
	}
	if err := s.orders.Create(ctx, order); err != nil {
		// compensate on a fresh context so a cancelled request cannot strand the debit
		rollbackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if _, cerr := s.ledger.Credit(rollbackCtx, accountID, quote.Total, models.ReasonPlacementRollback,
			ledger.WithNote(fmt.Sprintf("service %d x %d", serviceID, quantity))); cerr != nil {
			log.Errorf("[Orders] Rollback credit of %s for account %d failed: %v", models.FormatMoney(quote.Total), accountID, cerr)
			return nil, errors.Join(err, apperror.Inconsistency("debit of account %d not compensated: %v", accountID, cerr))
		}
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	metrics.OrdersPlaced.Inc()

	balance, err := s.ledger.Balance(ctx, accountID)
	if err != nil {
		log.Warnf("[Orders] Failed to read balance after placing order %d: %v", order.ID, err)
	}

	if order.ProviderID != nil {
		if err := s.dispatcher.Dispatch(ctx, order.ID); err != nil {
			// the reconciler re-dispatches unsubmitted orders after the grace period
			log.Warnf("[Orders] Failed to dispatch order %d: %v", order.ID, err)
		}
	}

	return &PlacementResult{
		OrderID: order.ID,
		Balance: balance,
		Quote:   quote,
		Status:  string(models.OrderStatusPending),
	}, nil
}

// SubmitToProvider sends a pending order to its provider. It is idempotent: orders that already
// carry an external id, left Pending or have no provider are skipped. A permanent rejection fails
// the order and refunds it in full. A failure the provider never saw is returned so the caller can
// retry; any other transient failure moves the order to Error for an admin to resolve.
func (s *Service) SubmitToProvider(ctx context.Context, orderID uint) error {
	release, ok, err := s.locker.TryAcquire(ctx, fmt.Sprintf("order:submit:%d", orderID), submitLeaseTTL)
	if err != nil {
		return err
	}
	if !ok {
		log.Debugf("[Orders] Submission of order %d already in flight", orderID)
		return nil
	}
	defer release()

	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != models.OrderStatusPending || order.HasExternalID() || order.ProviderID == nil {
		return nil
	}

	svc, err := s.services.GetByID(ctx, order.ServiceID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(svc.ProviderServiceID) == "" {
		return s.store.Fail(ctx, order, "service is not linked to a provider service")
	}

	adapter, err := s.adapters.For(ctx, *order.ProviderID)
	if err != nil {
		if errors.Is(err, apperror.ErrProviderPermanent) {
			return s.store.Fail(ctx, order, err.Error())
		}
		return err
	}

	externalID, err := adapter.Submit(ctx, provider.SubmitRequest{
		RemoteServiceID: svc.ProviderServiceID,
		Link:            order.Link,
		Quantity:        order.Quantity,
	})
	switch {
	case errors.Is(err, apperror.ErrProviderPermanent):
		log.Warnf("[Orders] Provider rejected order %d: %v", order.ID, err)
		if ferr := s.store.Fail(ctx, order, err.Error()); ferr != nil {
			return fmt.Errorf("failed to settle rejected order %d: %w", order.ID, ferr)
		}
		return nil
	case apperror.IsUnsent(err):
		return fmt.Errorf("submit order %d: %w", order.ID, err)
	case err != nil:
		// the provider may have created the order, so it must not be submitted again
		log.Errorf("[Orders] Submission of order %d has an unknown outcome, parking it for review: %v", order.ID, err)
		parkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if _, merr := s.store.MarkError(parkCtx, order, SubmitUncertainPrefix+err.Error()); merr != nil {
			return fmt.Errorf("failed to park order %d: %w", order.ID, merr)
		}
		return nil
	}

	won, err := s.orders.SetExternalID(ctx, order.ID, externalID)
	if err != nil {
		return err
	}
	if !won {
		log.Warnf("[Orders] Order %d already had an external id, provider order %s is orphaned", order.ID, externalID)
		return nil
	}
	log.Infof("[Orders] Submitted order %d as provider order %s", order.ID, externalID)
	return nil
}

// inlineDispatcher submits on a detached goroutine.
type inlineDispatcher struct {
	s *Service
}

func (d inlineDispatcher) Dispatch(ctx context.Context, orderID uint) error {
	go func() {
		subCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Minute)
		defer cancel()
		if err := d.s.SubmitToProvider(subCtx, orderID); err != nil {
			log.Warnf("[Orders] Background submission of order %d failed: %v", orderID, err)
		}
	}()
	return nil
}

// SyncDispatcher submits before PlaceOrder returns.
type SyncDispatcher struct {
	Service *Service
}

func (d SyncDispatcher) Dispatch(ctx context.Context, orderID uint) error {
	return d.Service.SubmitToProvider(ctx, orderID)
}
