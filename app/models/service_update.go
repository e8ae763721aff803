package models

import "time"

// ServiceUpdateType classifies a catalog journal entry.
type ServiceUpdateType string

const (
	ServiceUpdateCreated       ServiceUpdateType = "created"
	ServiceUpdateRateIncreased ServiceUpdateType = "rate_increased"
	ServiceUpdateRateDecreased ServiceUpdateType = "rate_decreased"
	ServiceUpdateEnabled       ServiceUpdateType = "enabled"
	ServiceUpdateDisabled      ServiceUpdateType = "disabled"
	ServiceUpdateDeleted       ServiceUpdateType = "deleted"
)

// ServiceUpdateEvent is an append-only record of a catalog change observed by sync or applied by
// an admin action.
type ServiceUpdateEvent struct {
	ID              uint              `gorm:"primaryKey" json:"id"`
	Type            ServiceUpdateType `gorm:"type:varchar(30);index;not null" json:"type"`
	ProviderID      uint              `gorm:"index" json:"provider_id"`
	RemoteServiceID string            `gorm:"type:varchar(100)" json:"remote_service_id"`
	ServiceID       *uint             `gorm:"index" json:"service_id,omitempty"`
	OldValue        string            `gorm:"type:varchar(255);default:''" json:"old_value,omitempty"`
	NewValue        string            `gorm:"type:varchar(255);default:''" json:"new_value,omitempty"`
	CreatedAt       time.Time         `gorm:"index" json:"created_at"`
}

func (ServiceUpdateEvent) TableName() string {
	return "service_updates"
}
