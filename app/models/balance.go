package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Balance mutation reasons recorded in the audit trail.
const (
	ReasonOrderPlacement    = "order_placement"
	ReasonPlacementRollback = "placement_rollback"
	ReasonOrderRefund       = "order_refund"
	ReasonRecharge          = "recharge"
	ReasonAdminAdjustment   = "admin_adjustment"
)

const (
	BalanceActionDebit  = "debit"
	BalanceActionCredit = "credit"
)

// BalanceLog is one append-only audit row per balance mutation.
type BalanceLog struct {
	ID           uint            `gorm:"primaryKey" json:"id"`
	AccountID    uint            `gorm:"index;not null" json:"account_id"`
	Action       string          `gorm:"type:varchar(10);not null" json:"action"`
	Amount       decimal.Decimal `gorm:"type:decimal(20,5);not null" json:"amount"`
	BalanceAfter decimal.Decimal `gorm:"type:decimal(20,5);not null" json:"balance_after"`
	Reason       string          `gorm:"type:varchar(50);index;not null" json:"reason"`
	OrderID      *uint           `gorm:"index" json:"order_id,omitempty"`
	RechargeID   *uint           `gorm:"index" json:"recharge_id,omitempty"`
	ActorID      *uint           `json:"actor_id,omitempty"`
	Note         string          `gorm:"type:varchar(500);default:''" json:"note,omitempty"`
	CreatedAt    time.Time       `gorm:"index" json:"created_at"`
}

// SignedAmount returns the amount as a balance delta.
func (l *BalanceLog) SignedAmount() decimal.Decimal {
	if l.Action == BalanceActionDebit {
		return l.Amount.Neg()
	}
	return l.Amount
}

// RechargeStatus is the state of a top-up.
type RechargeStatus string

const (
	RechargeStatusPending   RechargeStatus = "Pending"
	RechargeStatusCompleted RechargeStatus = "Completed"
	RechargeStatusFailed    RechargeStatus = "Failed"
	RechargeStatusExpired   RechargeStatus = "Expired"
)

// Recharge is a balance top-up. Completed recharges are immutable.
type Recharge struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	AccountID   uint            `gorm:"index;not null" json:"account_id"`
	Amount      decimal.Decimal `gorm:"type:decimal(20,5);not null" json:"amount"`
	Method      string          `gorm:"type:varchar(50);not null;default:'manual'" json:"method"`
	GatewayRef  string          `gorm:"type:varchar(191);index;default:''" json:"gateway_ref,omitempty"`
	Status      RechargeStatus  `gorm:"type:varchar(20);index;not null;default:'Pending'" json:"status"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	CreatedAt   time.Time       `gorm:"index" json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
