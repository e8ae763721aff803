package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/PanelFox/app/repository"
	"github.com/ManuelReschke/PanelFox/internal/pkg/cache"
	"github.com/ManuelReschke/PanelFox/internal/pkg/database"
	"github.com/ManuelReschke/PanelFox/internal/pkg/engine"
	"github.com/ManuelReschke/PanelFox/internal/pkg/env"
	"github.com/ManuelReschke/PanelFox/internal/pkg/ratelimit"
	"github.com/ManuelReschke/PanelFox/internal/pkg/router"
)

func main() {
	app, e := NewApplication()
	e.Manager.Start()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		log.Info("[Main] Shutting down")
		e.Manager.Stop()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Errorf("[Main] Shutdown failed: %v", err)
		}
		if err := cache.Close(); err != nil {
			log.Warnf("[Main] Closing cache failed: %v", err)
		}
	}()

	if err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))); err != nil {
		log.Fatal(err)
	}
}

// NewApplication loads the configuration, connects the stores and wires the engine behind the
// JSON API.
func NewApplication() (*fiber.App, *engine.Engine) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	secret := env.GetEnv("APP_KEY", "")
	if secret == "" {
		panic("APP_KEY must be set; it seals provider credentials")
	}

	redisClient := cache.GetClient()
	e := engine.New(repository.GetGlobalRepositories(), engine.Options{
		Secret:  secret,
		Redis:   redisClient,
		Workers: env.GetEnvInt("JOBQUEUE_WORKERS", 0),
	})

	basePath := ""
	for _, path := range []string{"./", "../../", "../../../"} {
		if _, err := os.Stat(path + "public/docs/v1/openapi.yml"); err == nil {
			basePath = path
			break
		}
	}

	app := fiber.New(fiber.Config{
		AppName:   "PanelFox",
		BodyLimit: 1 << 20,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	monitorUsers := map[string]string{}
	if pass := env.GetEnv("MONITOR_PASSWORD", ""); pass != "" {
		monitorUsers[env.GetEnv("MONITOR_USER", "admin")] = pass
		app.Get("/monitor", basicauth.New(basicauth.Config{Users: monitorUsers}), monitor.New())
	}

	// SWAGGER / OPENAPI
	if basePath != "" {
		app.Use(swagger.New(swagger.Config{
			BasePath: "/docs/api/",
			FilePath: basePath + "public/docs/v1/openapi.yml",
			Path:     "v1",
		}))
	} else {
		log.Warn("[Main] openapi.yml not found, API docs disabled")
	}

	// ROUTER
	router.InstallRouter(app,
		router.NewMetricsRouter(monitorUsers),
		router.NewApiRouter(e, secret,
			ratelimit.NewRedisStorage(redisClient),
			env.GetEnvInt("API_RATE_LIMIT", 120),
			env.GetEnvDuration("API_RATE_WINDOW", time.Minute),
		),
	)

	return app, e
}
