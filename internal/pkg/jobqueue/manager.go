package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PanelFox/app/models"
	"github.com/ManuelReschke/PanelFox/internal/pkg/catalog"
	"github.com/ManuelReschke/PanelFox/internal/pkg/ledger"
	"github.com/ManuelReschke/PanelFox/internal/pkg/reconciler"
)

// Tasks are the periodic engine passes the manager drives.
type Tasks struct {
	Reconciler *reconciler.Reconciler
	Catalog    *catalog.Engine
	Ledger     *ledger.Ledger
}

// Manager manages the job queue and the periodic background passes
type Manager struct {
	queue    *Queue
	tasks    Tasks
	settings func() *models.AppSettings
	stopCh   chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

// NewManager creates a manager around queue. queue may be nil when only the periodic passes
// should run.
func NewManager(queue *Queue, tasks Tasks) *Manager {
	return &Manager{
		queue:    queue,
		tasks:    tasks,
		settings: models.GetAppSettings,
		stopCh:   make(chan struct{}),
	}
}

// SetSettings overrides the settings source for the pass intervals.
func (m *Manager) SetSettings(fn func() *models.AppSettings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = fn
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	if m.queue != nil {
		m.queue.Start()
	}

	s := m.settings()
	reconcileEvery := time.Duration(s.ReconcileIntervalSeconds) * time.Second
	catalogEvery := time.Duration(s.CatalogSyncIntervalMinutes) * time.Minute

	if m.tasks.Reconciler != nil {
		m.every(ctx, "reconcile sweep", reconcileEvery, m.runReconcileOnce)
		m.every(ctx, "refill sweep", reconcileEvery, m.runRefillsOnce)
	}
	if m.tasks.Catalog != nil {
		m.every(ctx, "catalog sync", catalogEvery, m.runCatalogSyncOnce)
		m.every(ctx, "provider balance", catalogEvery, m.tasks.Catalog.RefreshBalances)
	}
	if m.tasks.Ledger != nil {
		m.every(ctx, "recharge expiry", 10*time.Minute, m.runRechargeExpiryOnce)
	}

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")

	close(m.stopCh)
	m.cancel()
	m.running = false

	m.wg.Wait()

	if m.queue != nil {
		m.queue.Stop()
	}

	log.Info("[JobQueue Manager] Stopped successfully")
}

// every runs fn on a ticker until Stop. A failing pass is logged and retried on the next tick.
func (m *Manager) every(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	if interval <= 0 {
		interval = time.Minute
	}
	stopCh := m.stopCh
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		log.Infof("[JobQueue Manager] Started %s worker (interval: %s)", name, interval)
		for {
			select {
			case <-stopCh:
				log.Infof("[JobQueue Manager] %s worker stopping", name)
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil {
					log.Errorf("[JobQueue Manager] Error in %s: %v", name, err)
				}
			}
		}
	}()
}

func (m *Manager) runReconcileOnce(ctx context.Context) error {
	_, err := m.tasks.Reconciler.Sweep(ctx)
	return err
}

func (m *Manager) runRefillsOnce(ctx context.Context) error {
	_, err := m.tasks.Reconciler.SweepRefills(ctx)
	return err
}

func (m *Manager) runCatalogSyncOnce(ctx context.Context) error {
	_, err := m.tasks.Catalog.SyncAll(ctx)
	return err
}

func (m *Manager) runRechargeExpiryOnce(ctx context.Context) error {
	maxAge := time.Duration(m.settings().RechargeExpiryHours) * time.Hour
	n, err := m.tasks.Ledger.ExpireStaleRecharges(ctx, maxAge)
	if n > 0 {
		log.Infof("[JobQueue Manager] Expired %d stale recharges", n)
	}
	return err
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// RunReconcileOnce exposes a manual trigger for a single reconciliation sweep (admin use).
func (m *Manager) RunReconcileOnce(ctx context.Context) (*reconciler.SweepStats, error) {
	return m.tasks.Reconciler.Sweep(ctx)
}
