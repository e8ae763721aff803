// Package ledger is the only writer of account balances. Every mutation is serialized per account,
// applied with a conditional update and recorded in the balance log.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/PanelFox/app/models"
	"github.com/ManuelReschke/PanelFox/app/repository"
	"github.com/ManuelReschke/PanelFox/internal/pkg/apperror"
	"github.com/ManuelReschke/PanelFox/internal/pkg/keylock"
	"github.com/ManuelReschke/PanelFox/internal/pkg/metrics"
)

// Option annotates the audit row of a mutation.
type Option func(*models.BalanceLog)

// WithOrder links the mutation to an order.
func WithOrder(orderID uint) Option {
	return func(l *models.BalanceLog) { l.OrderID = &orderID }
}

// WithRecharge links the mutation to a recharge.
func WithRecharge(rechargeID uint) Option {
	return func(l *models.BalanceLog) { l.RechargeID = &rechargeID }
}

// WithActor records the admin who triggered the mutation.
func WithActor(actorID uint) Option {
	return func(l *models.BalanceLog) { l.ActorID = &actorID }
}

// WithNote attaches a free-text note.
func WithNote(note string) Option {
	return func(l *models.BalanceLog) { l.Note = strings.TrimSpace(note) }
}

// Ledger mutates balances.
type Ledger struct {
	accounts  repository.AccountRepository
	recharges repository.RechargeRepository
	locks     *keylock.Keyed[uint]
	now       func() time.Time
}

// New creates a ledger.
func New(accounts repository.AccountRepository, recharges repository.RechargeRepository) *Ledger {
	return &Ledger{
		accounts:  accounts,
		recharges: recharges,
		locks:     keylock.New[uint](),
		now:       time.Now,
	}
}

func normalizeAmount(amount decimal.Decimal) (decimal.Decimal, error) {
	amount = models.RoundMoney(amount)
	if !amount.IsPositive() {
		return decimal.Zero, apperror.Validation("amount", "must be greater than zero")
	}
	return amount, nil
}

func (l *Ledger) apply(ctx context.Context, accountID uint, action string, amount decimal.Decimal, reason string, opts []Option) (decimal.Decimal, error) {
	amount, err := normalizeAmount(amount)
	if err != nil {
		return decimal.Zero, err
	}
	entry := &models.BalanceLog{
		AccountID: accountID,
		Action:    action,
		Amount:    amount,
		Reason:    reason,
	}
	for _, opt := range opts {
		opt(entry)
	}

	unlock := l.locks.Lock(accountID)
	defer unlock()

	balance, err := l.accounts.ApplyBalanceChange(ctx, entry)
	if err != nil {
		return decimal.Zero, err
	}
	metrics.LedgerMutations.WithLabelValues(action, reason).Inc()
	log.Debugf("[Ledger] %s %s on account %d (%s), balance now %s", action, models.FormatMoney(amount), accountID, reason, models.FormatMoney(balance))
	return balance, nil
}

// Debit removes amount from the balance. It fails with apperror.ErrInsufficientBalance and changes
// nothing when the balance is lower than amount.
func (l *Ledger) Debit(ctx context.Context, accountID uint, amount decimal.Decimal, reason string, opts ...Option) (decimal.Decimal, error) {
	return l.apply(ctx, accountID, models.BalanceActionDebit, amount, reason, opts)
}

// Credit adds amount to the balance.
func (l *Ledger) Credit(ctx context.Context, accountID uint, amount decimal.Decimal, reason string, opts ...Option) (decimal.Decimal, error) {
	return l.apply(ctx, accountID, models.BalanceActionCredit, amount, reason, opts)
}

// AdjustAbsolute applies a signed admin adjustment. A negative delta larger than the balance is
// rejected, never clamped.
func (l *Ledger) AdjustAbsolute(ctx context.Context, accountID uint, delta decimal.Decimal, actorID uint, note string) (decimal.Decimal, error) {
	opts := []Option{WithActor(actorID), WithNote(note)}
	switch delta.Sign() {
	case 1:
		return l.Credit(ctx, accountID, delta, models.ReasonAdminAdjustment, opts...)
	case -1:
		return l.Debit(ctx, accountID, delta.Abs(), models.ReasonAdminAdjustment, opts...)
	default:
		return decimal.Zero, apperror.Validation("amount", "adjustment must not be zero")
	}
}

// Balance returns the stored balance.
func (l *Ledger) Balance(ctx context.Context, accountID uint) (decimal.Decimal, error) {
	account, err := l.accounts.GetByID(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return account.Balance, nil
}

// History returns the newest audit rows of an account.
func (l *Ledger) History(ctx context.Context, accountID uint, offset, limit int) ([]models.BalanceLog, error) {
	return l.accounts.ListBalanceLogs(ctx, accountID, offset, limit)
}

// AuditAccount compares the stored balance with the audit trail. A mismatch is reported, never
// repaired.
func (l *Ledger) AuditAccount(ctx context.Context, accountID uint) error {
	unlock := l.locks.Lock(accountID)
	defer unlock()

	account, err := l.accounts.GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	sum, err := l.accounts.SumBalanceLogs(ctx, accountID)
	if err != nil {
		return err
	}
	if !sum.Equal(account.Balance) {
		log.Errorf("[Ledger] Account %d balance %s disagrees with audit trail %s", accountID, models.FormatMoney(account.Balance), models.FormatMoney(sum))
		return apperror.Inconsistency("account %d balance %s, audit trail %s", accountID, models.FormatMoney(account.Balance), models.FormatMoney(sum))
	}
	return nil
}

// CreateRecharge opens a pending top-up.
func (l *Ledger) CreateRecharge(ctx context.Context, accountID uint, amount decimal.Decimal, method, gatewayRef string) (*models.Recharge, error) {
	amount, err := normalizeAmount(amount)
	if err != nil {
		return nil, err
	}
	if _, err := l.accounts.GetByID(ctx, accountID); err != nil {
		return nil, fmt.Errorf("account %d: %w", accountID, err)
	}
	method = strings.TrimSpace(method)
	if method == "" {
		method = "manual"
	}
	recharge := &models.Recharge{
		AccountID:  accountID,
		Amount:     amount,
		Method:     method,
		GatewayRef: strings.TrimSpace(gatewayRef),
		Status:     models.RechargeStatusPending,
	}
	if err := l.recharges.Create(ctx, recharge); err != nil {
		return nil, err
	}
	return recharge, nil
}

// CompleteRecharge credits a pending recharge exactly once. Completing an already completed
// recharge returns it unchanged.
func (l *Ledger) CompleteRecharge(ctx context.Context, rechargeID uint, opts ...Option) (*models.Recharge, error) {
	recharge, err := l.recharges.GetByID(ctx, rechargeID)
	if err != nil {
		return nil, err
	}
	if recharge.Status == models.RechargeStatusCompleted {
		return recharge, nil
	}
	if recharge.Status != models.RechargeStatusPending {
		return nil, fmt.Errorf("recharge %d is %s: %w", rechargeID, recharge.Status, apperror.ErrInvalidTransition)
	}

	now := l.now()
	won, err := l.recharges.Transition(ctx, rechargeID, models.RechargeStatusPending, models.RechargeStatusCompleted, now)
	if err != nil {
		return nil, err
	}
	if !won {
		return l.recharges.GetByID(ctx, rechargeID)
	}

	opts = append([]Option{WithRecharge(rechargeID)}, opts...)
	if _, err := l.Credit(ctx, recharge.AccountID, recharge.Amount, models.ReasonRecharge, opts...); err != nil {
		if _, rerr := l.recharges.Transition(ctx, rechargeID, models.RechargeStatusCompleted, models.RechargeStatusPending, now); rerr != nil {
			log.Errorf("[Ledger] Failed to reopen recharge %d after credit error: %v", rechargeID, rerr)
			return nil, errors.Join(err, rerr)
		}
		return nil, err
	}
	recharge.Status = models.RechargeStatusCompleted
	recharge.CompletedAt = &now
	return recharge, nil
}

// FailRecharge closes a pending recharge without crediting it.
func (l *Ledger) FailRecharge(ctx context.Context, rechargeID uint) error {
	won, err := l.recharges.Transition(ctx, rechargeID, models.RechargeStatusPending, models.RechargeStatusFailed, l.now())
	if err != nil {
		return err
	}
	if !won {
		return fmt.Errorf("recharge %d is not pending: %w", rechargeID, apperror.ErrInvalidTransition)
	}
	return nil
}

// ExpireStaleRecharges marks pending recharges older than maxAge as expired.
func (l *Ledger) ExpireStaleRecharges(ctx context.Context, maxAge time.Duration) (int, error) {
	now := l.now()
	stale, err := l.recharges.ListPendingBefore(ctx, now.Add(-maxAge), 500)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, rc := range stale {
		won, err := l.recharges.Transition(ctx, rc.ID, models.RechargeStatusPending, models.RechargeStatusExpired, now)
		if err != nil {
			return expired, err
		}
		if won {
			expired++
		}
	}
	if expired > 0 {
		log.Infof("[Ledger] Expired %d stale recharges", expired)
	}
	return expired, nil
}
