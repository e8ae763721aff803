package ledger

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PanelFox/app/models"
	"github.com/ManuelReschke/PanelFox/internal/pkg/apperror"
	"github.com/ManuelReschke/PanelFox/internal/pkg/memstore"
)

func setup(t *testing.T, opening string) (*Ledger, *memstore.Store, uint) {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	repos := store.Repositories()

	account := &models.Account{Name: "bob", Email: "bob@example.com", Status: models.STATUS_ACTIVE}
	require.NoError(t, repos.Account.Create(ctx, account))

	l := New(repos.Account, repos.Recharge)
	if opening != "" {
		_, err := l.Credit(ctx, account.ID, decimal.RequireFromString(opening), models.ReasonRecharge)
		require.NoError(t, err)
	}
	return l, store, account.ID
}

func TestDebitAndCredit(t *testing.T) {
	l, store, id := setup(t, "10")
	ctx := context.Background()

	bal, err := l.Debit(ctx, id, decimal.NewFromInt(2), models.ReasonOrderPlacement, WithOrder(5))
	require.NoError(t, err)
	assert.Equal(t, "8.00000", models.FormatMoney(bal))

	_, err = l.Debit(ctx, id, decimal.NewFromInt(9), models.ReasonOrderPlacement)
	assert.ErrorIs(t, err, apperror.ErrInsufficientBalance)

	bal, err = l.Balance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "8.00000", models.FormatMoney(bal))

	logs := store.BalanceLogs()
	require.Len(t, logs, 2)
	assert.Equal(t, models.ReasonOrderPlacement, logs[1].Reason)
	require.NotNil(t, logs[1].OrderID)
	assert.Equal(t, uint(5), *logs[1].OrderID)
	assert.Equal(t, "8.00000", models.FormatMoney(logs[1].BalanceAfter))
}

func TestRejectsNonPositiveAmounts(t *testing.T) {
	l, _, id := setup(t, "1")
	ctx := context.Background()

	_, err := l.Debit(ctx, id, decimal.Zero, models.ReasonOrderPlacement)
	assert.ErrorIs(t, err, apperror.ErrValidation)
	_, err = l.Credit(ctx, id, decimal.NewFromInt(-1), models.ReasonRecharge)
	assert.ErrorIs(t, err, apperror.ErrValidation)
	// rounds to zero at ledger scale
	_, err = l.Credit(ctx, id, decimal.RequireFromString("0.000001"), models.ReasonRecharge)
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

func TestBalanceNeverNegativeUnderConcurrency(t *testing.T) {
	l, _, id := setup(t, "50")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			amount := decimal.NewFromInt(int64(rng.Intn(7) + 1))
			if rng.Intn(2) == 0 {
				_, err := l.Debit(ctx, id, amount, models.ReasonOrderPlacement)
				if err != nil {
					assert.ErrorIs(t, err, apperror.ErrInsufficientBalance)
				}
				return
			}
			_, err := l.Credit(ctx, id, amount, models.ReasonOrderRefund)
			assert.NoError(t, err)
		}(int64(i))
	}
	wg.Wait()

	bal, err := l.Balance(ctx, id)
	require.NoError(t, err)
	assert.False(t, bal.IsNegative())
	assert.NoError(t, l.AuditAccount(ctx, id))
}

func TestAdjustAbsolute(t *testing.T) {
	l, store, id := setup(t, "5")
	ctx := context.Background()

	bal, err := l.AdjustAbsolute(ctx, id, decimal.RequireFromString("2.5"), 99, "goodwill")
	require.NoError(t, err)
	assert.Equal(t, "7.50000", models.FormatMoney(bal))

	bal, err = l.AdjustAbsolute(ctx, id, decimal.NewFromInt(-3), 99, "correction")
	require.NoError(t, err)
	assert.Equal(t, "4.50000", models.FormatMoney(bal))

	_, err = l.AdjustAbsolute(ctx, id, decimal.NewFromInt(-10), 99, "too much")
	assert.ErrorIs(t, err, apperror.ErrInsufficientBalance)

	_, err = l.AdjustAbsolute(ctx, id, decimal.Zero, 99, "")
	assert.ErrorIs(t, err, apperror.ErrValidation)

	logs := store.BalanceLogs()
	last := logs[len(logs)-1]
	assert.Equal(t, models.ReasonAdminAdjustment, last.Reason)
	assert.Equal(t, models.BalanceActionDebit, last.Action)
	require.NotNil(t, last.ActorID)
	assert.Equal(t, uint(99), *last.ActorID)
	assert.Equal(t, "correction", last.Note)
}

func TestRechargeCompletesOnce(t *testing.T) {
	l, _, id := setup(t, "")
	ctx := context.Background()

	rc, err := l.CreateRecharge(ctx, id, decimal.NewFromInt(20), "", "")
	require.NoError(t, err)
	assert.Equal(t, "manual", rc.Method)
	assert.Equal(t, models.RechargeStatusPending, rc.Status)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.CompleteRecharge(ctx, rc.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	bal, err := l.Balance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "20.00000", models.FormatMoney(bal))

	assert.ErrorIs(t, l.FailRecharge(ctx, rc.ID), apperror.ErrInvalidTransition)
}

func TestRechargeCreditFailureReopens(t *testing.T) {
	l, store, id := setup(t, "")
	ctx := context.Background()

	rc, err := l.CreateRecharge(ctx, id, decimal.NewFromInt(3), "stripe", "pi_123")
	require.NoError(t, err)

	store.FailCredit = errors.New("db down")
	_, err = l.CompleteRecharge(ctx, rc.ID)
	require.Error(t, err)

	store.FailCredit = nil
	done, err := l.CompleteRecharge(ctx, rc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RechargeStatusCompleted, done.Status)

	bal, err := l.Balance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "3.00000", models.FormatMoney(bal))
}

func TestExpireStaleRecharges(t *testing.T) {
	l, _, id := setup(t, "")
	ctx := context.Background()

	rc, err := l.CreateRecharge(ctx, id, decimal.NewFromInt(1), "manual", "")
	require.NoError(t, err)

	l.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	n, err := l.ExpireStaleRecharges(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = l.CompleteRecharge(ctx, rc.ID)
	assert.ErrorIs(t, err, apperror.ErrInvalidTransition)
}

func TestAuditDetectsMismatch(t *testing.T) {
	l, store, id := setup(t, "4")
	ctx := context.Background()
	require.NoError(t, l.AuditAccount(ctx, id))

	store.SetBalance(id, decimal.NewFromInt(5))
	err := l.AuditAccount(ctx, id)
	assert.ErrorIs(t, err, apperror.ErrInternalInconsistency)
}
