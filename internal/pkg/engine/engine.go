// Package engine wires the repositories into the order, balance and catalog services.
package engine

import (
	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/PanelFox/app/models"
	"github.com/ManuelReschke/PanelFox/app/repository"
	"github.com/ManuelReschke/PanelFox/internal/pkg/cache"
	"github.com/ManuelReschke/PanelFox/internal/pkg/catalog"
	"github.com/ManuelReschke/PanelFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/PanelFox/internal/pkg/keylock"
	"github.com/ManuelReschke/PanelFox/internal/pkg/ledger"
	"github.com/ManuelReschke/PanelFox/internal/pkg/orders"
	"github.com/ManuelReschke/PanelFox/internal/pkg/pricing"
	"github.com/ManuelReschke/PanelFox/internal/pkg/provider"
	"github.com/ManuelReschke/PanelFox/internal/pkg/reconciler"
)

// Options configures New.
type Options struct {
	// Secret opens sealed provider credentials.
	Secret string
	// Settings returns the current engine settings. Defaults to models.GetAppSettings.
	Settings func() *models.AppSettings
	// Redis enables the job queue and cross-process claims. Without it submissions and pokes
	// run on goroutines and claims are process local.
	Redis *redis.Client
	// Adapters overrides the provider registry.
	Adapters provider.Resolver
	// Workers overrides the job queue worker count from the settings.
	Workers int
}

// Engine bundles the wired services.
type Engine struct {
	Repos      *repository.Repositories
	Pricing    *pricing.Resolver
	Ledger     *ledger.Ledger
	Store      *orders.Store
	Orders     *orders.Service
	Reconciler *reconciler.Reconciler
	Catalog    *catalog.Engine
	Adapters   provider.Resolver
	Queue      *jobqueue.Queue
	Manager    *jobqueue.Manager
	Settings   func() *models.AppSettings
}

// New wires the engine. Background passes start with Manager.Start.
func New(repos *repository.Repositories, opts Options) *Engine {
	settings := opts.Settings
	if settings == nil {
		settings = models.GetAppSettings
	}
	current := settings()

	adapters := opts.Adapters
	if adapters == nil {
		adapters = provider.NewRegistry(repos.Provider, opts.Secret, provider.RetryConfigFromSettings(current))
	}

	l := ledger.New(repos.Account, repos.Recharge)
	pricer := pricing.NewResolver(repos.Account, repos.Service, repos.PricingRule)
	store := orders.NewStore(repos.Order, l)
	svc := orders.NewService(repos, pricer, l, store, adapters)
	svc.SetSettings(settings)

	var (
		dispatcher orders.Dispatcher = orders.SyncDispatcher{Service: svc}
		locker     keylock.Locker    = keylock.NewLocal()
		queue      *jobqueue.Queue
	)
	if opts.Redis != nil {
		workers := opts.Workers
		if workers <= 0 {
			workers = current.GetJobQueueWorkerCount()
		}
		queue = jobqueue.NewQueue(opts.Redis, workers)
		dispatcher = jobqueue.QueueDispatcher{Queue: queue}
		locker = cache.NewRedisLocker(opts.Redis)
		svc.SetDispatcher(dispatcher)
		log.Infof("[Engine] Job queue enabled with %d workers", workers)
	}
	svc.SetLocker(locker)

	rec := reconciler.New(repos, store, adapters, dispatcher, reconciler.ConfigFromSettings(current))
	rec.SetLocker(locker)
	cat := catalog.NewEngine(repos, adapters)
	if queue != nil {
		jobqueue.RegisterHandlers(queue, svc, rec, cat)
		rec.SetPoker(jobqueue.QueuePoker{Queue: queue})
	}

	e := &Engine{
		Repos:      repos,
		Pricing:    pricer,
		Ledger:     l,
		Store:      store,
		Orders:     svc,
		Reconciler: rec,
		Catalog:    cat,
		Adapters:   adapters,
		Queue:      queue,
		Settings:   settings,
	}
	e.Manager = jobqueue.NewManager(e.Queue, jobqueue.Tasks{Reconciler: rec, Catalog: cat, Ledger: l})
	e.Manager.SetSettings(settings)
	return e
}
