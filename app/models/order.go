package models

import (
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "Pending"
	OrderStatusInProgress OrderStatus = "InProgress"
	OrderStatusProcessing OrderStatus = "Processing"
	OrderStatusCompleted  OrderStatus = "Completed"
	OrderStatusPartial    OrderStatus = "Partial"
	OrderStatusCanceled   OrderStatus = "Canceled"
	OrderStatusFail       OrderStatus = "Fail"
	OrderStatusError      OrderStatus = "Error"
)

// AllOrderStatuses lists every known status in lifecycle order.
var AllOrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusInProgress,
	OrderStatusProcessing,
	OrderStatusCompleted,
	OrderStatusPartial,
	OrderStatusCanceled,
	OrderStatusFail,
	OrderStatusError,
}

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending: {
		OrderStatusInProgress, OrderStatusProcessing, OrderStatusCompleted, OrderStatusPartial,
		OrderStatusCanceled, OrderStatusFail, OrderStatusError,
	},
	OrderStatusInProgress: {
		OrderStatusProcessing, OrderStatusCompleted, OrderStatusPartial,
		OrderStatusCanceled, OrderStatusFail, OrderStatusError,
	},
	OrderStatusProcessing: {
		OrderStatusInProgress, OrderStatusCompleted, OrderStatusPartial,
		OrderStatusCanceled, OrderStatusFail, OrderStatusError,
	},
}

// adminTransitions are the extra moves OverrideStatus may make. An Error order stays put until an
// admin decides what the provider actually did.
var adminTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusError: {OrderStatusCanceled, OrderStatusCompleted, OrderStatusPartial, OrderStatusFail},
}

// IsValid reports whether s is a known status.
func (s OrderStatus) IsValid() bool {
	for _, known := range AllOrderStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status accepts no further automatic transitions.
func (s OrderStatus) IsTerminal() bool {
	_, ok := orderTransitions[s]
	return !ok
}

// CanTransitionTo is the single authority for the order state machine.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	return slices.Contains(orderTransitions[s], next)
}

// CanOverrideTo reports whether an admin may move an order from s to next.
func (s OrderStatus) CanOverrideTo(next OrderStatus) bool {
	return s.CanTransitionTo(next) || slices.Contains(adminTransitions[s], next)
}

// ParseOrderStatus maps a case-insensitive status name to an OrderStatus.
func ParseOrderStatus(raw string) (OrderStatus, bool) {
	for _, known := range AllOrderStatuses {
		if strings.EqualFold(string(known), strings.TrimSpace(raw)) {
			return known, true
		}
	}
	return "", false
}

// Order is one purchase of a service quantity. Identity, pricing and target fields never change
// after creation.
type Order struct {
	ID                uint             `gorm:"primaryKey" json:"id"`
	AccountID         uint             `gorm:"index;not null" json:"account_id"`
	ServiceID         uint             `gorm:"index;not null" json:"service_id"`
	ProviderID        *uint            `gorm:"index" json:"provider_id,omitempty"`
	Link              string           `gorm:"type:varchar(500);not null" json:"link"`
	Quantity          int64            `gorm:"not null" json:"quantity"`
	ChargeUser        decimal.Decimal  `gorm:"type:decimal(20,5);not null" json:"charge_user"`
	CostProvider      *decimal.Decimal `gorm:"type:decimal(20,5);default:null" json:"cost_provider,omitempty"`
	Status            OrderStatus      `gorm:"type:varchar(20);index;not null;default:'Pending'" json:"status"`
	StartCount        *int64           `json:"start_count,omitempty"`
	Remains           *int64           `json:"remains,omitempty"`
	ExternalOrderID   string           `gorm:"type:varchar(100);index;default:''" json:"external_order_id,omitempty"`
	CancelRequestedAt *time.Time       `json:"cancel_requested_at,omitempty"`
	Refunded          bool             `gorm:"not null;default:false;index" json:"refunded"`
	RefundAmount      *decimal.Decimal `gorm:"type:decimal(20,5);default:null" json:"refund_amount,omitempty"`
	ErrorMessage      string           `gorm:"type:text" json:"error_message,omitempty"`
	LastPolledAt      *time.Time       `json:"last_polled_at,omitempty"`
	CreatedAt         time.Time        `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt         time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

// HasExternalID reports whether the provider accepted the order.
func (o *Order) HasExternalID() bool {
	return o.ExternalOrderID != ""
}

// NeedsRefundSettlement reports whether the order reached a refundable terminal state but has not
// been settled yet.
func (o *Order) NeedsRefundSettlement() bool {
	if o.Refunded {
		return false
	}
	return o.Status == OrderStatusCanceled || o.Status == OrderStatusPartial || o.Status == OrderStatusFail
}

// RefillStatus is the lifecycle state of a refill request.
type RefillStatus string

const (
	RefillStatusPending    RefillStatus = "Pending"
	RefillStatusInProgress RefillStatus = "InProgress"
	RefillStatusCompleted  RefillStatus = "Completed"
	RefillStatusRejected   RefillStatus = "Rejected"
	RefillStatusError      RefillStatus = "Error"
)

// IsTerminal reports whether the refill needs no further polling.
func (s RefillStatus) IsTerminal() bool {
	return s == RefillStatusCompleted || s == RefillStatusRejected || s == RefillStatusError
}

// Refill is a provider-side refill request. There is at most one per order.
type Refill struct {
	ID               uint         `gorm:"primaryKey" json:"id"`
	OrderID          uint         `gorm:"uniqueIndex;not null" json:"order_id"`
	AccountID        uint         `gorm:"index;not null" json:"account_id"`
	ExternalRefillID string       `gorm:"type:varchar(100);default:''" json:"external_refill_id"`
	Status           RefillStatus `gorm:"type:varchar(20);index;not null;default:'Pending'" json:"status"`
	ErrorMessage     string       `gorm:"type:text" json:"error_message,omitempty"`
	LastPolledAt     *time.Time   `json:"last_polled_at,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}
