package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	apiv1 "github.com/ManuelReschke/PanelFox/internal/api/v1"
	"github.com/ManuelReschke/PanelFox/internal/pkg/engine"
	"github.com/ManuelReschke/PanelFox/internal/pkg/middleware"
	"github.com/ManuelReschke/PanelFox/internal/pkg/ratelimit"
)

type ApiRouter struct {
	engine  *engine.Engine
	secret  string
	storage fiber.Storage
	max     int
	window  time.Duration
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", ratelimit.New(h.storage, h.max, h.window))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	// API v1 routes
	v1 := api.Group("/v1")
	apiServer := apiv1.NewAPIServer(h.engine, h.secret)
	apiv1.RegisterHandlers(v1, apiServer, middleware.APIKeyAuthMiddleware(h.engine.Repos.Account))
}

// NewApiRouter creates the JSON API router. A nil storage keeps limiter counters in memory.
func NewApiRouter(e *engine.Engine, secret string, storage fiber.Storage, max int, window time.Duration) *ApiRouter {
	return &ApiRouter{engine: e, secret: secret, storage: storage, max: max, window: window}
}
