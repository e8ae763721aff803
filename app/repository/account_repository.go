package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/PanelFox/app/models"
	"github.com/ManuelReschke/PanelFox/internal/pkg/apperror"
)

// accountRepository implements the AccountRepository interface
type accountRepository struct {
	db *gorm.DB
}

// NewAccountRepository creates a new account repository instance
func NewAccountRepository(db *gorm.DB) AccountRepository {
	return &accountRepository{db: db}
}

// notFound maps gorm's record-not-found to the shared taxonomy.
func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperror.ErrNotFound
	}
	return err
}

// Create creates a new account in the database
func (r *accountRepository) Create(ctx context.Context, account *models.Account) error {
	return r.db.WithContext(ctx).Create(account).Error
}

// GetByID retrieves an account by its ID
func (r *accountRepository) GetByID(ctx context.Context, id uint) (*models.Account, error) {
	var account models.Account
	if err := r.db.WithContext(ctx).First(&account, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &account, nil
}

// GetByAPIKeyHash resolves an API key hash to its account.
func (r *accountRepository) GetByAPIKeyHash(ctx context.Context, hash string) (*models.Account, error) {
	trimmed := strings.TrimSpace(hash)
	if trimmed == "" {
		return nil, apperror.ErrNotFound
	}
	var account models.Account
	if err := r.db.WithContext(ctx).Where("api_key_hash = ? AND api_key_hash <> ''", trimmed).First(&account).Error; err != nil {
		return nil, notFound(err)
	}
	return &account, nil
}

// Update saves profile fields. The balance column is owned by ApplyBalanceChange and never written here.
func (r *accountRepository) Update(ctx context.Context, account *models.Account) error {
	return r.db.WithContext(ctx).Model(account).
		Select("name", "email", "role", "status", "custom_discount_percent",
			"api_key_hash", "api_key_prefix", "api_key_created_at", "api_key_last_used_at").
		Updates(account).Error
}

// TouchAPIKeyUsage refreshes the last-used timestamp.
func (r *accountRepository) TouchAPIKeyUsage(ctx context.Context, id uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", id).
		UpdateColumn("api_key_last_used_at", at).Error
}

// List retrieves accounts with pagination
func (r *accountRepository) List(ctx context.Context, offset, limit int) ([]models.Account, error) {
	var accounts []models.Account
	err := r.db.WithContext(ctx).Order("id ASC").Offset(offset).Limit(limit).Find(&accounts).Error
	return accounts, err
}

// ApplyBalanceChange performs a conditional balance update plus the audit insert in one transaction.
func (r *accountRepository) ApplyBalanceChange(ctx context.Context, entry *models.BalanceLog) (decimal.Decimal, error) {
	var after decimal.Decimal
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var res *gorm.DB
		switch entry.Action {
		case models.BalanceActionDebit:
			res = tx.Model(&models.Account{}).
				Where("id = ? AND balance >= ?", entry.AccountID, entry.Amount).
				UpdateColumn("balance", gorm.Expr("balance - ?", entry.Amount))
		case models.BalanceActionCredit:
			res = tx.Model(&models.Account{}).
				Where("id = ?", entry.AccountID).
				UpdateColumn("balance", gorm.Expr("balance + ?", entry.Amount))
		default:
			return fmt.Errorf("unknown balance action %q", entry.Action)
		}
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&models.Account{}).Where("id = ?", entry.AccountID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return apperror.ErrNotFound
			}
			return apperror.ErrInsufficientBalance
		}

		var account models.Account
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id", "balance").First(&account, entry.AccountID).Error; err != nil {
			return err
		}
		after = account.Balance
		entry.BalanceAfter = after
		return tx.Create(entry).Error
	})
	if err != nil {
		return decimal.Zero, err
	}
	return after, nil
}

// SumBalanceLogs returns credits minus debits recorded for the account.
func (r *accountRepository) SumBalanceLogs(ctx context.Context, accountID uint) (decimal.Decimal, error) {
	var rows []struct {
		Action string
		Total  decimal.Decimal
	}
	err := r.db.WithContext(ctx).Model(&models.BalanceLog{}).
		Select("action, COALESCE(SUM(amount), 0) AS total").
		Where("account_id = ?", accountID).
		Group("action").
		Scan(&rows).Error
	if err != nil {
		return decimal.Zero, err
	}
	sum := decimal.Zero
	for _, row := range rows {
		if row.Action == models.BalanceActionDebit {
			sum = sum.Sub(row.Total)
		} else {
			sum = sum.Add(row.Total)
		}
	}
	return sum, nil
}

// ListBalanceLogs returns the newest audit rows first.
func (r *accountRepository) ListBalanceLogs(ctx context.Context, accountID uint, offset, limit int) ([]models.BalanceLog, error) {
	var logs []models.BalanceLog
	err := r.db.WithContext(ctx).Where("account_id = ?", accountID).
		Order("id DESC").Offset(offset).Limit(limit).Find(&logs).Error
	return logs, err
}
