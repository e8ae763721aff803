package models

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Service is a sellable catalog item. Services referenced by orders are soft-deleted only.
type Service struct {
	ID                uint            `gorm:"primaryKey" json:"id"`
	Name              string          `gorm:"type:varchar(255);not null" json:"name" validate:"required,max=255"`
	Category          string          `gorm:"type:varchar(150);index" json:"category" validate:"max=150"`
	Description       string          `gorm:"type:text" json:"description"`
	RatePer1000       decimal.Decimal `gorm:"column:rate_per_1000;type:decimal(20,5);not null;default:0" json:"rate_per_1000"`
	MinQty            int64           `gorm:"not null;default:1" json:"min_qty" validate:"gte=1"`
	MaxQty            int64           `gorm:"not null;default:1" json:"max_qty" validate:"gtefield=MinQty"`
	Enabled           bool            `gorm:"default:true;index" json:"enabled"`
	ProviderID        *uint           `gorm:"index" json:"provider_id,omitempty"`
	ProviderServiceID string          `gorm:"type:varchar(100);index" json:"provider_service_id,omitempty"`
	SyncWithProvider  bool            `gorm:"default:false" json:"sync_with_provider"`
	Refill            bool            `gorm:"default:false" json:"refill"`
	Cancel            bool            `gorm:"default:false" json:"cancel"`
	SyncDisabledAt    *time.Time      `json:"sync_disabled_at,omitempty"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt         gorm.DeletedAt  `gorm:"index" json:"-"`
}

func (s *Service) Validate() error {
	if s.RatePer1000.IsNegative() {
		return errors.New("rate_per_1000 must not be negative")
	}
	return validator.New().Struct(s)
}

// IsOrderable reports whether new orders may be placed for the service.
func (s *Service) IsOrderable() bool {
	return s.Enabled && !s.DeletedAt.Valid
}

// IsLinked reports whether the service is fulfilled by a remote provider entry.
func (s *Service) IsLinked() bool {
	return s.ProviderID != nil && s.ProviderServiceID != ""
}

// PricingRule holds an account-specific rate for one service.
type PricingRule struct {
	ID         uint            `gorm:"primaryKey" json:"id"`
	AccountID  uint            `gorm:"uniqueIndex:idx_pricing_account_service;not null" json:"account_id"`
	ServiceID  uint            `gorm:"uniqueIndex:idx_pricing_account_service;not null" json:"service_id"`
	CustomRate decimal.Decimal `gorm:"type:decimal(20,5);not null" json:"custom_rate"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}
