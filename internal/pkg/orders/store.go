// Package orders owns order records: the status state machine, the refund invariant and the
// placement flow that debits a balance and hands the order to a provider.
package orders

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/PanelFox/app/models"
	"github.com/ManuelReschke/PanelFox/app/repository"
	"github.com/ManuelReschke/PanelFox/internal/pkg/apperror"
	"github.com/ManuelReschke/PanelFox/internal/pkg/ledger"
	"github.com/ManuelReschke/PanelFox/internal/pkg/metrics"
)

// Store applies status transitions and refunds. All writes are conditional, so concurrent
// writers never both win.
type Store struct {
	orders repository.OrderRepository
	ledger *ledger.Ledger
	now    func() time.Time
}

// NewStore creates an order store.
func NewStore(orders repository.OrderRepository, l *ledger.Ledger) *Store {
	return &Store{orders: orders, ledger: l, now: time.Now}
}

// Get loads an order.
func (s *Store) Get(ctx context.Context, id uint) (*models.Order, error) {
	return s.orders.GetByID(ctx, id)
}

// Transition moves order to status to if the state machine allows it and nobody changed the
// status since order was read. On success order is updated in place. A lost race returns
// (false, nil).
func (s *Store) Transition(ctx context.Context, order *models.Order, to models.OrderStatus, patch repository.OrderPatch) (bool, error) {
	return s.transition(ctx, order, to, patch, order.Status.CanTransitionTo)
}

func (s *Store) transition(ctx context.Context, order *models.Order, to models.OrderStatus, patch repository.OrderPatch, allowed func(models.OrderStatus) bool) (bool, error) {
	if order.Status == to {
		return false, nil
	}
	if !allowed(to) {
		return false, fmt.Errorf("order %d %s -> %s: %w", order.ID, order.Status, to, apperror.ErrInvalidTransition)
	}
	won, err := s.orders.CompareAndSetStatus(ctx, order.ID, order.Status, to, patch)
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}
	order.Status = to
	applyPatch(order, patch)
	metrics.OrderTransitions.WithLabelValues(string(to)).Inc()
	return true, nil
}

func applyPatch(order *models.Order, p repository.OrderPatch) {
	if p.StartCount != nil {
		order.StartCount = p.StartCount
	}
	if p.Remains != nil {
		order.Remains = p.Remains
	}
	if p.CostProvider != nil {
		order.CostProvider = p.CostProvider
	}
	if p.ErrorMessage != nil {
		order.ErrorMessage = *p.ErrorMessage
	}
	if p.LastPolledAt != nil {
		order.LastPolledAt = p.LastPolledAt
	}
}

// MarkCancelRequested stamps the cancel request once. created is false when the order already
// carried a stamp, which is then returned unchanged.
func (s *Store) MarkCancelRequested(ctx context.Context, id uint) (stamp time.Time, created bool, err error) {
	now := s.now()
	won, err := s.orders.MarkCancelRequested(ctx, id, now)
	if err != nil {
		return time.Time{}, false, err
	}
	if won {
		return now, true, nil
	}
	order, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return time.Time{}, false, err
	}
	if order.CancelRequestedAt == nil {
		return time.Time{}, false, apperror.Inconsistency("order %d cancel stamp vanished", id)
	}
	return *order.CancelRequestedAt, false, nil
}

// Refund credits amount back to the order's account exactly once. The refunded flag is flipped
// before the credit and reverted if the credit fails. A zero amount settles the order without a
// ledger entry.
func (s *Store) Refund(ctx context.Context, order *models.Order, amount decimal.Decimal) error {
	amount = models.RoundMoney(amount)
	if amount.IsNegative() {
		return apperror.Validation("amount", "refund must not be negative")
	}
	if amount.GreaterThan(order.ChargeUser) {
		return apperror.Validation("amount", "refund %s exceeds charge %s", models.FormatMoney(amount), models.FormatMoney(order.ChargeUser))
	}

	won, err := s.orders.MarkRefunded(ctx, order.ID, amount)
	if err != nil {
		return err
	}
	if !won {
		return fmt.Errorf("order %d: %w", order.ID, apperror.ErrAlreadyRefunded)
	}

	if amount.IsPositive() {
		if _, err := s.ledger.Credit(ctx, order.AccountID, amount, models.ReasonOrderRefund, ledger.WithOrder(order.ID)); err != nil {
			if rerr := s.orders.RevertRefund(ctx, order.ID); rerr != nil {
				log.Errorf("[Orders] Refund of order %d failed and could not be reverted: %v (revert: %v)", order.ID, err, rerr)
				return apperror.Inconsistency("order %d marked refunded without credit: %v", order.ID, rerr)
			}
			return err
		}
	}

	order.Refunded = true
	order.RefundAmount = &amount
	metrics.Refunds.WithLabelValues(string(order.Status)).Inc()
	log.Infof("[Orders] Refunded %s for order %d (%s)", models.FormatMoney(amount), order.ID, order.Status)
	return nil
}

// Fail moves the order to Fail and refunds the full charge. If the credit fails the order stays
// unrefunded and the sweep settles it later.
func (s *Store) Fail(ctx context.Context, order *models.Order, message string) error {
	msg := truncate(strings.TrimSpace(message), 1000)
	won, err := s.Transition(ctx, order, models.OrderStatusFail, repository.OrderPatch{ErrorMessage: &msg})
	if err != nil {
		return err
	}
	if !won {
		return fmt.Errorf("order %d changed concurrently: %w", order.ID, apperror.ErrInvalidTransition)
	}
	return s.Refund(ctx, order, order.ChargeUser)
}

// MarkError records a provider-side failure without touching money. An admin decides.
func (s *Store) MarkError(ctx context.Context, order *models.Order, message string) (bool, error) {
	msg := truncate(strings.TrimSpace(message), 1000)
	now := s.now()
	return s.Transition(ctx, order, models.OrderStatusError, repository.OrderPatch{ErrorMessage: &msg, LastPolledAt: &now})
}

// OverrideStatus is the admin path through the state machine. Besides the regular moves it may
// resolve Error orders.
func (s *Store) OverrideStatus(ctx context.Context, orderID uint, to models.OrderStatus, actorID uint) (*models.Order, error) {
	if !to.IsValid() {
		return nil, apperror.Validation("status", "unknown status %q", to)
	}
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	won, err := s.transition(ctx, order, to, repository.OrderPatch{}, order.Status.CanOverrideTo)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, fmt.Errorf("order %d is %s: %w", orderID, order.Status, apperror.ErrInvalidTransition)
	}
	log.Infof("[Orders] Admin %d moved order %d to %s", actorID, orderID, to)
	return order, nil
}

// SettlementAmount returns the refund a terminal order is owed under policy. ok is false when
// the status carries no refund.
func SettlementAmount(order *models.Order, policy string) (decimal.Decimal, bool) {
	switch order.Status {
	case models.OrderStatusCanceled, models.OrderStatusFail:
		return order.ChargeUser, true
	case models.OrderStatusPartial:
		if policy == models.RefundPolicyFullOnly || order.Quantity <= 0 || order.Remains == nil {
			return decimal.Zero, true
		}
		remains := *order.Remains
		if remains <= 0 {
			return decimal.Zero, true
		}
		if remains > order.Quantity {
			remains = order.Quantity
		}
		amount := order.ChargeUser.Mul(decimal.NewFromInt(remains)).Div(decimal.NewFromInt(order.Quantity))
		amount = models.RoundMoney(amount)
		if amount.GreaterThan(order.ChargeUser) {
			amount = order.ChargeUser
		}
		return amount, true
	}
	return decimal.Zero, false
}

// truncate cuts s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
