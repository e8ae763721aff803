package apiv1

import (
	"github.com/gofiber/fiber/v2"

	// Delegate to the controllers to keep behavior consistent
	"github.com/ManuelReschke/PanelFox/app/controllers"
	"github.com/ManuelReschke/PanelFox/internal/pkg/engine"
	"github.com/ManuelReschke/PanelFox/internal/pkg/middleware"
)

// Pong is the ping response
type Pong struct {
	Ping string `json:"ping"`
}

// APIServer bundles the v1 handlers
type APIServer struct {
	Accounts *controllers.AccountController
	Orders   *controllers.OrderController
	Admin    *controllers.AdminController
	Catalog  *controllers.AdminCatalogController
	Queue    *controllers.AdminQueueController
}

// NewAPIServer creates a new API server instance
func NewAPIServer(e *engine.Engine, secret string) *APIServer {
	return &APIServer{
		Accounts: controllers.NewAccountController(e),
		Orders:   controllers.NewOrderController(e),
		Admin:    controllers.NewAdminController(e),
		Catalog:  controllers.NewAdminCatalogController(e, secret),
		Queue:    controllers.NewAdminQueueController(e.Queue),
	}
}

// GetPing handles the ping endpoint
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	response := Pong{
		Ping: "pong",
	}

	return c.Status(fiber.StatusOK).JSON(response)
}

// RegisterHandlers mounts the v1 routes on router. auth authenticates the caller; admin routes
// additionally require the admin role.
func RegisterHandlers(router fiber.Router, s *APIServer, auth fiber.Handler) {
	router.Get("/ping", s.GetPing)

	account := router.Group("/account", auth, middleware.RequireAuth)
	account.Get("/", s.Accounts.HandleGetUserAccount)
	account.Get("/balance-logs", s.Accounts.HandleBalanceLogs)
	account.Post("/recharges", s.Accounts.HandleCreateRecharge)

	services := router.Group("/services", auth, middleware.RequireAuth)
	services.Get("/", s.Accounts.HandleListServices)
	services.Get("/:id/quote", s.Orders.HandleQuote)

	orders := router.Group("/orders", auth, middleware.RequireAuth)
	orders.Post("/", s.Orders.HandlePlaceOrder)
	orders.Get("/", s.Orders.HandleListOrders)
	orders.Get("/:id", s.Orders.HandleGetOrder)
	orders.Post("/:id/cancel", s.Orders.HandleCancelOrder)
	orders.Post("/:id/refill", s.Orders.HandleRefillOrder)

	admin := router.Group("/admin", auth, middleware.RequireAdmin)
	admin.Post("/accounts/:id/balance", s.Admin.HandleAdjustBalance)
	admin.Get("/accounts/:id/audit", s.Admin.HandleAuditAccount)
	admin.Get("/accounts/:id/rates", s.Admin.HandleGetCustomRates)
	admin.Put("/accounts/:id/rates", s.Admin.HandleSetCustomRates)
	admin.Post("/recharges/:id/complete", s.Admin.HandleCompleteRecharge)
	admin.Post("/recharges/:id/fail", s.Admin.HandleFailRecharge)
	admin.Get("/orders", s.Admin.HandleListOrders)
	admin.Post("/orders/:id/status", s.Admin.HandleOverrideStatus)
	admin.Post("/reconcile", s.Admin.HandleRunReconcile)
	admin.Get("/settings", s.Admin.HandleGetSettings)
	admin.Put("/settings", s.Admin.HandleSaveSettings)

	admin.Get("/providers", s.Catalog.HandleListProviders)
	admin.Post("/providers", s.Catalog.HandleCreateProvider)
	admin.Post("/providers/:id/sync", s.Catalog.HandleSyncProvider)
	admin.Post("/providers/:id/balance", s.Catalog.HandleRefreshProviderBalance)
	admin.Post("/providers/:id/import", s.Catalog.HandleImportCatalog)
	admin.Post("/services", s.Catalog.HandleCreateService)
	admin.Post("/services/adjust-rates", s.Catalog.HandleAdjustRates)
	admin.Get("/service-updates", s.Catalog.HandleListServiceUpdates)

	admin.Get("/queues", s.Queue.HandleAdminQueues)
	admin.Get("/queues/jobs/:id", s.Queue.HandleAdminQueueJob)
}
