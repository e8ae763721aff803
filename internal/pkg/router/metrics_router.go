package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/basicauth"

	"github.com/ManuelReschke/PanelFox/internal/pkg/metrics"
)

// MetricsRouter serves the Prometheus registry, optionally behind basic auth.
type MetricsRouter struct {
	users map[string]string
}

func (h MetricsRouter) InstallRouter(app *fiber.App) {
	handler := adaptor.HTTPHandler(metrics.Handler())
	if len(h.users) == 0 {
		app.Get("/metrics", handler)
		return
	}
	app.Get("/metrics", basicauth.New(basicauth.Config{Users: h.users}), handler)
}

// NewMetricsRouter creates the metrics router. Empty users disable basic auth.
func NewMetricsRouter(users map[string]string) *MetricsRouter {
	return &MetricsRouter{users: users}
}
