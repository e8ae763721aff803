package controllers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/PanelFox/app/models"
	"github.com/ManuelReschke/PanelFox/app/repository"
	"github.com/ManuelReschke/PanelFox/internal/pkg/engine"
	"github.com/ManuelReschke/PanelFox/internal/pkg/usercontext"
)

// AccountController serves the endpoints of the authenticated account.
type AccountController struct {
	engine *engine.Engine
}

// NewAccountController creates a new account controller
func NewAccountController(e *engine.Engine) *AccountController {
	return &AccountController{engine: e}
}

// HandleGetUserAccount returns account information for the authenticated API key.
func (ac *AccountController) HandleGetUserAccount(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing or invalid authentication"})
	}

	account, err := ac.engine.Repos.Account.GetByID(c.UserContext(), userCtx.UserID)
	if err != nil {
		return respondError(c, err)
	}

	var discount interface{}
	if account.HasDiscount() {
		discount = account.CustomDiscountPercent.StringFixed(2)
	}

	return c.JSON(fiber.Map{
		"id":                      account.ID,
		"name":                    account.Name,
		"email":                   account.Email,
		"status":                  account.Status,
		"is_admin":                account.IsAdmin(),
		"balance":                 models.FormatMoney(account.Balance),
		"currency":                ac.engine.Settings().Currency,
		"custom_discount_percent": discount,
		"api_key_prefix":          account.APIKeyPrefix,
		"created_at":              account.CreatedAt.UTC().Format(time.RFC3339),
		"api_key_last_used_at":    formatTimePtr(account.APIKeyLastUsedAt),
	})
}

// HandleBalanceLogs returns the newest audit rows of the account.
func (ac *AccountController) HandleBalanceLogs(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}
	logs, err := ac.engine.Ledger.History(c.UserContext(), usercontext.GetUserID(c), offset, limit)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"items": logs, "offset": offset, "limit": limit})
}

type rechargeRequest struct {
	Amount     decimal.Decimal `json:"amount"`
	Method     string          `json:"method" validate:"max=50"`
	GatewayRef string          `json:"gateway_ref" validate:"max=191"`
}

// HandleCreateRecharge opens a pending top-up. It is credited once an admin or the payment
// gateway completes it.
func (ac *AccountController) HandleCreateRecharge(c *fiber.Ctx) error {
	var req rechargeRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}
	recharge, err := ac.engine.Ledger.CreateRecharge(c.UserContext(), usercontext.GetUserID(c), req.Amount, req.Method, req.GatewayRef)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(recharge)
}

type serviceListing struct {
	models.Service
	CustomRate *string `json:"custom_rate,omitempty"`
}

// HandleListServices lists orderable services with the account's custom rates.
func (ac *AccountController) HandleListServices(c *fiber.Ctx) error {
	ctx := c.UserContext()
	services, err := ac.engine.Repos.Service.List(ctx, repository.ServiceFilter{
		Category: c.Query("category"),
		Offset:   c.QueryInt("offset", 0),
		Limit:    c.QueryInt("limit", 500),
	})
	if err != nil {
		return respondError(c, err)
	}
	rates, err := ac.engine.Pricing.CustomRates(ctx, usercontext.GetUserID(c))
	if err != nil {
		return respondError(c, err)
	}

	out := make([]serviceListing, 0, len(services))
	for _, svc := range services {
		item := serviceListing{Service: svc}
		if rate, ok := rates[svc.ID]; ok && rate.IsPositive() {
			formatted := models.FormatMoney(rate)
			item.CustomRate = &formatted
		}
		out = append(out, item)
	}
	return c.JSON(fiber.Map{"items": out})
}
