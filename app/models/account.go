package models

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	ROLE_USER       = "user"
	ROLE_ADMIN      = "admin"
	STATUS_ACTIVE   = "active"
	STATUS_INACTIVE = "inactive"
	STATUS_DISABLED = "disabled"
)

var apiKeyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

const apiKeyPrefix = "pnl_"

// Account is a panel customer or administrator. Balance is only ever changed through the ledger.
type Account struct {
	ID                    uint             `gorm:"primaryKey" json:"id"`
	Name                  string           `gorm:"type:varchar(150)" json:"name" validate:"required,min=3,max=150"`
	Email                 string           `gorm:"uniqueIndex;type:varchar(200)" json:"email" validate:"required,email,max=200"`
	Role                  string           `gorm:"type:varchar(50);default:'user'" json:"role" validate:"oneof=user admin"`
	Status                string           `gorm:"type:varchar(50);default:'active'" json:"status" validate:"oneof=active inactive disabled"`
	Balance               decimal.Decimal  `gorm:"type:decimal(20,5);not null;default:0" json:"balance"`
	CustomDiscountPercent *decimal.Decimal `gorm:"type:decimal(5,2);default:null" json:"custom_discount_percent,omitempty"`
	APIKeyHash            string           `gorm:"type:char(64);index;default:''" json:"-"`
	APIKeyPrefix          string           `gorm:"type:varchar(20);default:''" json:"api_key_prefix"`
	APIKeyCreatedAt       *time.Time       `json:"api_key_created_at"`
	APIKeyLastUsedAt      *time.Time       `json:"api_key_last_used_at"`
	CreatedAt             time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt             gorm.DeletedAt   `gorm:"index" json:"-"`
}

func (a *Account) Validate() error {
	v := validator.New()

	return v.Struct(a)
}

// IsActive reports whether the account status is active
func (a *Account) IsActive() bool {
	return a.Status == STATUS_ACTIVE
}

func (a *Account) IsAdmin() bool {
	return a.Role == ROLE_ADMIN
}

// HasDiscount reports whether a positive percentage discount is configured.
func (a *Account) HasDiscount() bool {
	return a.CustomDiscountPercent != nil && a.CustomDiscountPercent.IsPositive()
}

// IssueAPIKey generates a new API key, stores its hash on the struct and returns the raw secret.
// Callers must persist the account afterwards.
func (a *Account) IssueAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	rawKey := apiKeyPrefix + strings.ToLower(apiKeyEncoding.EncodeToString(b))
	if len(rawKey) < 16 {
		return "", fmt.Errorf("api key generation failed: key too short")
	}
	now := time.Now()
	a.APIKeyHash = HashAPIKey(rawKey)
	a.APIKeyPrefix = rawKey[:16]
	a.APIKeyCreatedAt = &now
	a.APIKeyLastUsedAt = nil
	return rawKey, nil
}

// HashAPIKey returns the SHA-256 hash for the provided API key.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(raw)))
	return hex.EncodeToString(sum[:])
}
