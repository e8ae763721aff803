package controllers

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/PanelFox/app/models"
	"github.com/ManuelReschke/PanelFox/internal/pkg/apperror"
	"github.com/ManuelReschke/PanelFox/internal/pkg/engine"
	"github.com/ManuelReschke/PanelFox/internal/pkg/ledger"
	"github.com/ManuelReschke/PanelFox/internal/pkg/usercontext"
)

// AdminController handles the balance, pricing and order administration endpoints
type AdminController struct {
	engine *engine.Engine
	orders *OrderController
}

// NewAdminController creates a new admin controller
func NewAdminController(e *engine.Engine) *AdminController {
	return &AdminController{engine: e, orders: NewOrderController(e)}
}

type adjustBalanceRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Note   string          `json:"note" validate:"max=500"`
}

// HandleAdjustBalance applies a signed admin adjustment to an account balance.
func (ac *AdminController) HandleAdjustBalance(c *fiber.Ctx) error {
	accountID, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	var req adjustBalanceRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}
	balance, err := ac.engine.Ledger.AdjustAbsolute(c.UserContext(), accountID, req.Amount, usercontext.GetUserID(c), req.Note)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"account_id": accountID, "balance": models.FormatMoney(balance)})
}

// HandleAuditAccount compares the stored balance with the audit trail.
func (ac *AdminController) HandleAuditAccount(c *fiber.Ctx) error {
	accountID, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	if err := ac.engine.Ledger.AuditAccount(c.UserContext(), accountID); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"account_id": accountID, "consistent": true})
}

type customRatesRequest struct {
	Rates map[string]decimal.Decimal `json:"rates"`
}

// HandleSetCustomRates replaces all custom rates of an account. Keys are service ids.
func (ac *AdminController) HandleSetCustomRates(c *fiber.Ctx) error {
	accountID, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	var req customRatesRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}
	rates := make(map[uint]decimal.Decimal, len(req.Rates))
	for key, rate := range req.Rates {
		id, err := strconv.ParseUint(strings.TrimSpace(key), 10, 64)
		if err != nil || id == 0 {
			return respondError(c, apperror.Validation("rates", "invalid service id %q", key))
		}
		rates[uint(id)] = rate
	}

	ctx := c.UserContext()
	if err := ac.engine.Pricing.SetCustomRates(ctx, accountID, rates); err != nil {
		return respondError(c, err)
	}
	return ac.renderCustomRates(c, accountID)
}

// HandleGetCustomRates lists the custom rates of an account.
func (ac *AdminController) HandleGetCustomRates(c *fiber.Ctx) error {
	accountID, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	return ac.renderCustomRates(c, accountID)
}

func (ac *AdminController) renderCustomRates(c *fiber.Ctx, accountID uint) error {
	stored, err := ac.engine.Pricing.CustomRates(c.UserContext(), accountID)
	if err != nil {
		return respondError(c, err)
	}
	out := make(map[string]string, len(stored))
	for serviceID, rate := range stored {
		out[strconv.FormatUint(uint64(serviceID), 10)] = models.FormatMoney(rate)
	}
	return c.JSON(fiber.Map{"account_id": accountID, "rates": out})
}

// HandleCompleteRecharge credits a pending recharge exactly once.
func (ac *AdminController) HandleCompleteRecharge(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	recharge, err := ac.engine.Ledger.CompleteRecharge(c.UserContext(), id, ledger.WithActor(usercontext.GetUserID(c)))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(recharge)
}

// HandleFailRecharge closes a pending recharge without crediting it.
func (ac *AdminController) HandleFailRecharge(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	if err := ac.engine.Ledger.FailRecharge(c.UserContext(), id); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"id": id, "status": models.RechargeStatusFailed})
}

type overrideStatusRequest struct {
	Status string `json:"status" validate:"required"`
}

// HandleOverrideStatus moves an order through the state machine on behalf of an admin. A move to
// a refundable terminal status is settled right away.
func (ac *AdminController) HandleOverrideStatus(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	var req overrideStatusRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}
	status, ok := models.ParseOrderStatus(req.Status)
	if !ok {
		return respondError(c, apperror.Validation("status", "unknown status %q", req.Status))
	}

	ctx := c.UserContext()
	order, err := ac.engine.Store.OverrideStatus(ctx, id, status, usercontext.GetUserID(c))
	if err != nil {
		return respondError(c, err)
	}
	if order.Status.IsTerminal() {
		// the sweep retries a failed settlement
		if err := ac.engine.Reconciler.Settle(ctx, order.ID); err != nil {
			log.Warnf("[API] Settlement of order %d after override failed: %v", order.ID, err)
		}
	}
	view, err := ac.engine.Orders.GetOrder(ctx, 0, order.ID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(view)
}

// HandleListOrders pages through the orders of every account, or of ?account_id.
func (ac *AdminController) HandleListOrders(c *fiber.Ctx) error {
	accountID, err := queryID(c, "account_id")
	if err != nil {
		return respondError(c, err)
	}
	return ac.orders.listOrders(c, accountID)
}

// HandleRunReconcile runs one reconciliation sweep now.
func (ac *AdminController) HandleRunReconcile(c *fiber.Ctx) error {
	stats, err := ac.engine.Manager.RunReconcileOnce(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	refills, err := ac.engine.Reconciler.SweepRefills(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"orders": stats, "refills_polled": refills})
}

// HandleGetSettings returns the engine settings.
func (ac *AdminController) HandleGetSettings(c *fiber.Ctx) error {
	settings, err := ac.engine.Repos.Setting.Get()
	if err != nil {
		return respondError(c, err)
	}
	raw, err := settings.ToJSON()
	if err != nil {
		return respondError(c, err)
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Send(raw)
}

// HandleSaveSettings merges the body into the current settings, validates and stores them.
// Intervals apply from the next manager start, the other knobs from the next boot.
func (ac *AdminController) HandleSaveSettings(c *fiber.Ctx) error {
	current, err := ac.engine.Repos.Setting.Get()
	if err != nil {
		return respondError(c, err)
	}
	raw, err := current.ToJSON()
	if err != nil {
		return respondError(c, err)
	}
	next := &models.AppSettings{}
	if err := json.Unmarshal(raw, next); err != nil {
		return respondError(c, err)
	}
	if err := c.BodyParser(next); err != nil {
		return respondError(c, apperror.Validation("body", "invalid JSON body"))
	}
	if err := next.Validate(); err != nil {
		return respondError(c, apperror.Validation("settings", "%v", err))
	}
	if err := ac.engine.Repos.Setting.Save(next); err != nil {
		return respondError(c, err)
	}
	log.Infof("[API] Admin %d updated engine settings", usercontext.GetUserID(c))
	out, err := next.ToJSON()
	if err != nil {
		return respondError(c, err)
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Send(out)
}
