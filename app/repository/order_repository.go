package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PanelFox/app/models"
)

var activeStatuses = []models.OrderStatus{
	models.OrderStatusPending,
	models.OrderStatusInProgress,
	models.OrderStatusProcessing,
}

type orderRepository struct {
	db *gorm.DB
}

// NewOrderRepository creates a new order repository instance
func NewOrderRepository(db *gorm.DB) OrderRepository {
	return &orderRepository{db: db}
}

func (r *orderRepository) Create(ctx context.Context, order *models.Order) error {
	return r.db.WithContext(ctx).Create(order).Error
}

func (r *orderRepository) GetByID(ctx context.Context, id uint) (*models.Order, error) {
	var order models.Order
	if err := r.db.WithContext(ctx).First(&order, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &order, nil
}

func (r *orderRepository) List(ctx context.Context, filter OrderFilter) ([]models.Order, int64, error) {
	q := r.db.WithContext(ctx).Model(&models.Order{})
	if filter.AccountID != nil {
		q = q.Where("account_id = ?", *filter.AccountID)
	}
	if filter.ServiceID != nil {
		q = q.Where("service_id = ?", *filter.ServiceID)
	}
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}
	if filter.Search != "" {
		like := "%" + filter.Search + "%"
		q = q.Where("link LIKE ? OR external_order_id = ?", like, filter.Search)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	var orders []models.Order
	err := q.Order("id DESC").Offset(filter.Offset).Limit(limit).Find(&orders).Error
	return orders, total, err
}

func patchColumns(patch OrderPatch) map[string]any {
	cols := map[string]any{}
	if patch.StartCount != nil {
		cols["start_count"] = *patch.StartCount
	}
	if patch.Remains != nil {
		cols["remains"] = *patch.Remains
	}
	if patch.CostProvider != nil {
		cols["cost_provider"] = *patch.CostProvider
	}
	if patch.ErrorMessage != nil {
		cols["error_message"] = *patch.ErrorMessage
	}
	if patch.LastPolledAt != nil {
		cols["last_polled_at"] = *patch.LastPolledAt
	}
	return cols
}

// CompareAndSetStatus moves the order to `to` only while it is still in `from`.
func (r *orderRepository) CompareAndSetStatus(ctx context.Context, id uint, from, to models.OrderStatus, patch OrderPatch) (bool, error) {
	cols := patchColumns(patch)
	cols["status"] = to
	res := r.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND status = ?", id, from).
		Updates(cols)
	return res.RowsAffected > 0, res.Error
}

func (r *orderRepository) UpdateProgress(ctx context.Context, id uint, patch OrderPatch) error {
	cols := patchColumns(patch)
	if len(cols) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&models.Order{}).Where("id = ?", id).Updates(cols).Error
}

// SetExternalID records the provider's order id once.
func (r *orderRepository) SetExternalID(ctx context.Context, id uint, externalID string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND external_order_id = ''", id).
		Update("external_order_id", externalID)
	return res.RowsAffected > 0, res.Error
}

// MarkCancelRequested stamps cancel_requested_at at most once.
func (r *orderRepository) MarkCancelRequested(ctx context.Context, id uint, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND cancel_requested_at IS NULL", id).
		Update("cancel_requested_at", at)
	return res.RowsAffected > 0, res.Error
}

// MarkRefunded flips refunded false -> true. Only one caller can ever win.
func (r *orderRepository) MarkRefunded(ctx context.Context, id uint, amount decimal.Decimal) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND refunded = ?", id, false).
		Updates(map[string]any{"refunded": true, "refund_amount": amount})
	return res.RowsAffected > 0, res.Error
}

// RevertRefund undoes MarkRefunded after a failed ledger credit.
func (r *orderRepository) RevertRefund(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND refunded = ?", id, true).
		Updates(map[string]any{"refunded": false, "refund_amount": gorm.Expr("NULL")}).Error
}

// ListActive returns non-terminal orders accepted by a provider, least recently polled first.
func (r *orderRepository) ListActive(ctx context.Context, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := r.db.WithContext(ctx).
		Where("status IN ? AND external_order_id <> ''", activeStatuses).
		Order("last_polled_at IS NOT NULL, last_polled_at ASC, id ASC").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

// ListUnsettled returns canceled, partial or failed orders whose refund has not been settled.
func (r *orderRepository) ListUnsettled(ctx context.Context, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := r.db.WithContext(ctx).
		Where("status IN ? AND refunded = ?", []models.OrderStatus{models.OrderStatusCanceled, models.OrderStatusPartial, models.OrderStatusFail}, false).
		Order("id ASC").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

// ListUnsubmitted returns provider-backed pending orders that never received an external id.
func (r *orderRepository) ListUnsubmitted(ctx context.Context, createdBefore time.Time, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := r.db.WithContext(ctx).
		Where("status = ? AND external_order_id = '' AND provider_id IS NOT NULL AND created_at < ?",
			models.OrderStatusPending, createdBefore).
		Order("id ASC").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

type refillRepository struct {
	db *gorm.DB
}

// NewRefillRepository creates a new refill repository instance
func NewRefillRepository(db *gorm.DB) RefillRepository {
	return &refillRepository{db: db}
}

func (r *refillRepository) Create(ctx context.Context, refill *models.Refill) error {
	return r.db.WithContext(ctx).Create(refill).Error
}

func (r *refillRepository) GetByOrderID(ctx context.Context, orderID uint) (*models.Refill, error) {
	var refill models.Refill
	if err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&refill).Error; err != nil {
		return nil, notFound(err)
	}
	return &refill, nil
}

func (r *refillRepository) ListOpen(ctx context.Context, limit int) ([]models.Refill, error) {
	var refills []models.Refill
	err := r.db.WithContext(ctx).
		Where("status IN ? AND external_refill_id <> ''", []models.RefillStatus{models.RefillStatusPending, models.RefillStatusInProgress}).
		Order("id ASC").
		Limit(limit).
		Find(&refills).Error
	return refills, err
}

func (r *refillRepository) UpdateStatus(ctx context.Context, id uint, status models.RefillStatus, errMsg string, polledAt time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Refill{}).Where("id = ?", id).
		Updates(map[string]any{"status": status, "error_message": errMsg, "last_polled_at": polledAt}).Error
}

type rechargeRepository struct {
	db *gorm.DB
}

// NewRechargeRepository creates a new recharge repository instance
func NewRechargeRepository(db *gorm.DB) RechargeRepository {
	return &rechargeRepository{db: db}
}

func (r *rechargeRepository) Create(ctx context.Context, recharge *models.Recharge) error {
	return r.db.WithContext(ctx).Create(recharge).Error
}

func (r *rechargeRepository) GetByID(ctx context.Context, id uint) (*models.Recharge, error) {
	var recharge models.Recharge
	if err := r.db.WithContext(ctx).First(&recharge, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &recharge, nil
}

func (r *rechargeRepository) Transition(ctx context.Context, id uint, from, to models.RechargeStatus, at time.Time) (bool, error) {
	cols := map[string]any{"status": to}
	if to == models.RechargeStatusCompleted {
		cols["completed_at"] = at
	} else if from == models.RechargeStatusCompleted {
		cols["completed_at"] = gorm.Expr("NULL")
	}
	res := r.db.WithContext(ctx).Model(&models.Recharge{}).
		Where("id = ? AND status = ?", id, from).
		Updates(cols)
	return res.RowsAffected > 0, res.Error
}

func (r *rechargeRepository) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]models.Recharge, error) {
	var recharges []models.Recharge
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", models.RechargeStatusPending, before).
		Order("id ASC").
		Limit(limit).
		Find(&recharges).Error
	return recharges, err
}
