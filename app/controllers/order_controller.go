package controllers

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PanelFox/internal/pkg/engine"
	"github.com/ManuelReschke/PanelFox/internal/pkg/orders"
	"github.com/ManuelReschke/PanelFox/internal/pkg/usercontext"
)

// OrderController serves the order endpoints of the authenticated account.
type OrderController struct {
	engine *engine.Engine
}

// NewOrderController creates a new order controller
func NewOrderController(e *engine.Engine) *OrderController {
	return &OrderController{engine: e}
}

type placeOrderRequest struct {
	ServiceID uint   `json:"service_id" validate:"required"`
	Link      string `json:"link" validate:"required"`
	Quantity  int64  `json:"quantity"`
}

// HandlePlaceOrder charges the account and creates a pending order.
func (oc *OrderController) HandlePlaceOrder(c *fiber.Ctx) error {
	var req placeOrderRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}
	res, err := oc.engine.Orders.PlaceOrder(c.UserContext(), usercontext.GetUserID(c), req.ServiceID, req.Link, req.Quantity)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

// HandleGetOrder returns one order of the account.
func (oc *OrderController) HandleGetOrder(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	view, err := oc.engine.Orders.GetOrder(c.UserContext(), usercontext.GetUserID(c), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(view)
}

// HandleListOrders pages through the account's orders.
func (oc *OrderController) HandleListOrders(c *fiber.Ctx) error {
	accountID := usercontext.GetUserID(c)
	return oc.listOrders(c, &accountID)
}

func (oc *OrderController) listOrders(c *fiber.Ctx, accountID *uint) error {
	serviceID, err := queryID(c, "service_id")
	if err != nil {
		return respondError(c, err)
	}
	filter := orders.ListFilter{
		AccountID: accountID,
		ServiceID: serviceID,
		Search:    c.Query("search"),
		Page:      c.QueryInt("page", 1),
		PerPage:   c.QueryInt("per_page", 0),
	}
	if raw := c.Query("status"); raw != "" {
		filter.Statuses = strings.Split(raw, ",")
	}
	page, err := oc.engine.Orders.ListOrders(c.UserContext(), filter)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(page)
}

// HandleCancelOrder asks the provider to cancel. The refund follows once the provider confirms.
func (oc *OrderController) HandleCancelOrder(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	res, err := oc.engine.Reconciler.RequestCancel(c.UserContext(), usercontext.GetUserID(c), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(res)
}

// HandleRefillOrder requests a refill of a completed order.
func (oc *OrderController) HandleRefillOrder(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	refill, err := oc.engine.Reconciler.RequestRefill(c.UserContext(), usercontext.GetUserID(c), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(refill)
}

// HandleQuote prices a quantity of a service for the account without placing anything.
func (oc *OrderController) HandleQuote(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	quote, err := oc.engine.Pricing.Quote(c.UserContext(), usercontext.GetUserID(c), id, int64(c.QueryInt("quantity", 0)))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(quote)
}
