package models

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	PROVIDER_API_V2 = "v2"
)

// Provider is an upstream fulfilment panel. APIKeyEnc holds the sealed credential.
type Provider struct {
	ID               uint             `gorm:"primaryKey" json:"id"`
	Name             string           `gorm:"type:varchar(150);not null" json:"name" validate:"required,max=150"`
	APIURL           string           `gorm:"column:api_url;type:varchar(500);not null" json:"api_url" validate:"required,url,max=500"`
	APIKeyEnc        string           `gorm:"column:api_key_enc;type:text" json:"-"`
	APIType          string           `gorm:"type:varchar(50);default:'v2'" json:"api_type" validate:"oneof=v2"`
	Enabled          bool             `gorm:"default:true" json:"enabled"`
	Balance          *decimal.Decimal `gorm:"type:decimal(20,5);default:null" json:"balance,omitempty"`
	Currency         string           `gorm:"type:varchar(10);default:''" json:"currency"`
	BalanceCheckedAt *time.Time       `json:"balance_checked_at,omitempty"`
	LastSyncedAt     *time.Time       `json:"last_synced_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	DeletedAt        gorm.DeletedAt   `gorm:"index" json:"-"`
}

func (p *Provider) Validate() error {
	return validator.New().Struct(p)
}

// ProviderServiceCacheEntry mirrors one entry of a provider's remote catalog as last seen by a sync.
type ProviderServiceCacheEntry struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	ProviderID      uint            `gorm:"uniqueIndex:idx_provider_remote;not null" json:"provider_id"`
	RemoteServiceID string          `gorm:"uniqueIndex:idx_provider_remote;type:varchar(100);not null" json:"remote_service_id"`
	Name            string          `gorm:"type:varchar(255)" json:"name"`
	Category        string          `gorm:"type:varchar(150)" json:"category"`
	Type            string          `gorm:"type:varchar(100)" json:"type"`
	Rate            decimal.Decimal `gorm:"type:decimal(20,5);not null;default:0" json:"rate"`
	MinQty          int64           `json:"min_qty"`
	MaxQty          int64           `json:"max_qty"`
	Refill          bool            `json:"refill"`
	Cancel          bool            `json:"cancel"`
	Raw             datatypes.JSON  `gorm:"type:json" json:"raw,omitempty"`
	SyncedAt        time.Time       `json:"synced_at"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (ProviderServiceCacheEntry) TableName() string {
	return "provider_services"
}
