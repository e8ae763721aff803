package orders

import (
	"context"
	"strings"
	"time"

	"github.com/ManuelReschke/PanelFox/app/models"
	"github.com/ManuelReschke/PanelFox/app/repository"
	"github.com/ManuelReschke/PanelFox/internal/pkg/apperror"
)

const (
	defaultPerPage = 25
	maxPerPage     = 100
)

// OrderView is the caller-facing shape of an order. Money is rendered at ledger scale.
type OrderView struct {
	ID                uint       `json:"id"`
	AccountID         uint       `json:"account_id"`
	ServiceID         uint       `json:"service_id"`
	Link              string     `json:"link"`
	Quantity          int64      `json:"quantity"`
	Charge            string     `json:"charge"`
	Status            string     `json:"status"`
	StartCount        *int64     `json:"start_count"`
	Remains           *int64     `json:"remains"`
	ExternalOrderID   string     `json:"external_order_id,omitempty"`
	CancelRequestedAt *time.Time `json:"cancel_requested_at,omitempty"`
	Refunded          bool       `json:"refunded"`
	RefundAmount      *string    `json:"refund_amount,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// NewOrderView renders an order.
func NewOrderView(o *models.Order) OrderView {
	v := OrderView{
		ID:                o.ID,
		AccountID:         o.AccountID,
		ServiceID:         o.ServiceID,
		Link:              o.Link,
		Quantity:          o.Quantity,
		Charge:            models.FormatMoney(o.ChargeUser),
		Status:            string(o.Status),
		StartCount:        o.StartCount,
		Remains:           o.Remains,
		ExternalOrderID:   o.ExternalOrderID,
		CancelRequestedAt: o.CancelRequestedAt,
		Refunded:          o.Refunded,
		ErrorMessage:      o.ErrorMessage,
		CreatedAt:         o.CreatedAt,
		UpdatedAt:         o.UpdatedAt,
	}
	if o.RefundAmount != nil {
		amount := models.FormatMoney(*o.RefundAmount)
		v.RefundAmount = &amount
	}
	return v
}

// ListFilter narrows ListOrders. A nil AccountID lists every account (admin).
type ListFilter struct {
	AccountID *uint
	ServiceID *uint
	Statuses  []string
	Search    string
	Page      int
	PerPage   int
}

// OrderPage is one page of orders.
type OrderPage struct {
	Items   []OrderView `json:"items"`
	Total   int64       `json:"total"`
	Page    int         `json:"page"`
	PerPage int         `json:"per_page"`
}

// GetOrder returns an order owned by accountID. Orders of other accounts are reported as not
// found. A zero accountID skips the ownership check.
func (s *Service) GetOrder(ctx context.Context, accountID, orderID uint) (*OrderView, error) {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if accountID != 0 && order.AccountID != accountID {
		return nil, apperror.ErrNotFound
	}
	v := NewOrderView(order)
	return &v, nil
}

// ListOrders pages through orders, newest first.
func (s *Service) ListOrders(ctx context.Context, f ListFilter) (*OrderPage, error) {
	page := f.Page
	if page < 1 {
		page = 1
	}
	perPage := f.PerPage
	if perPage <= 0 {
		perPage = defaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}

	filter := repository.OrderFilter{
		AccountID: f.AccountID,
		ServiceID: f.ServiceID,
		Search:    strings.TrimSpace(f.Search),
		Offset:    (page - 1) * perPage,
		Limit:     perPage,
	}
	for _, raw := range f.Statuses {
		if raw = strings.TrimSpace(raw); raw == "" {
			continue
		}
		st, ok := models.ParseOrderStatus(raw)
		if !ok {
			return nil, apperror.Validation("status", "unknown status %q", raw)
		}
		filter.Statuses = append(filter.Statuses, st)
	}

	rows, total, err := s.orders.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := &OrderPage{Items: make([]OrderView, 0, len(rows)), Total: total, Page: page, PerPage: perPage}
	for i := range rows {
		out.Items = append(out.Items, NewOrderView(&rows[i]))
	}
	return out, nil
}
