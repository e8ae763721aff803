// Package reconciler converges local orders toward the provider's view: it polls statuses,
// settles refunds for canceled and partial orders, handles cancel and refill requests and
// re-dispatches orders that never reached their provider.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/sync/errgroup"

	"github.com/ManuelReschke/PanelFox/app/models"
	"github.com/ManuelReschke/PanelFox/app/repository"
	"github.com/ManuelReschke/PanelFox/internal/pkg/apperror"
	"github.com/ManuelReschke/PanelFox/internal/pkg/keylock"
	"github.com/ManuelReschke/PanelFox/internal/pkg/metrics"
	"github.com/ManuelReschke/PanelFox/internal/pkg/orders"
	"github.com/ManuelReschke/PanelFox/internal/pkg/provider"
)

const cancelClaimWait = 5 * time.Second

// Config holds the reconciliation knobs.
type Config struct {
	CancelableStatuses []models.OrderStatus
	RefundPolicy       string
	BatchSize          int
	Concurrency        int
	SubmitGrace        time.Duration
	ClaimTTL           time.Duration
}

// DefaultConfig mirrors the default application settings.
func DefaultConfig() Config {
	return ConfigFromSettings(models.DefaultAppSettings())
}

// ConfigFromSettings builds a Config from the runtime settings.
func ConfigFromSettings(s *models.AppSettings) Config {
	cfg := Config{
		RefundPolicy: s.RefundPolicy,
		BatchSize:    s.ReconcileBatchSize,
		Concurrency:  s.ReconcileConcurrency,
		SubmitGrace:  time.Duration(s.SubmitGraceMinutes) * time.Minute,
		// a claim must outlive one poll including every retry
		ClaimTTL: time.Duration(s.ProviderTimeoutSeconds*(s.ProviderMaxRetries+1))*time.Second + time.Duration(s.ProviderRetryMaxMs*s.ProviderMaxRetries)*time.Millisecond,
	}
	for _, raw := range s.CancelableStatuses {
		if st, ok := models.ParseOrderStatus(raw); ok && !st.IsTerminal() {
			cfg.CancelableStatuses = append(cfg.CancelableStatuses, st)
		}
	}
	return cfg.normalized()
}

func (c Config) normalized() Config {
	if len(c.CancelableStatuses) == 0 {
		c.CancelableStatuses = []models.OrderStatus{models.OrderStatusPending}
	}
	if c.RefundPolicy != models.RefundPolicyFullOnly {
		c.RefundPolicy = models.RefundPolicyProportional
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.SubmitGrace <= 0 {
		c.SubmitGrace = 10 * time.Minute
	}
	if c.ClaimTTL < time.Minute {
		c.ClaimTTL = time.Minute
	}
	return c
}

func (c Config) cancelable(s models.OrderStatus) bool {
	for _, st := range c.CancelableStatuses {
		if st == s {
			return true
		}
	}
	return false
}

// Poker asks for an order to be polled soon.
type Poker interface {
	Poke(ctx context.Context, orderID uint) error
}

// Reconciler runs the order lifecycle.
type Reconciler struct {
	orders     repository.OrderRepository
	services   repository.ServiceRepository
	refills    repository.RefillRepository
	store      *orders.Store
	adapters   provider.Resolver
	locker     keylock.Locker
	dispatcher orders.Dispatcher
	poker      Poker
	cfg        Config
	now        func() time.Time
}

// New creates a reconciler with an in-process locker. Pokes run on background goroutines until
// SetPoker is called.
func New(repos *repository.Repositories, store *orders.Store, adapters provider.Resolver, dispatcher orders.Dispatcher, cfg Config) *Reconciler {
	r := &Reconciler{
		orders:     repos.Order,
		services:   repos.Service,
		refills:    repos.Refill,
		store:      store,
		adapters:   adapters,
		locker:     keylock.NewLocal(),
		dispatcher: dispatcher,
		cfg:        cfg.normalized(),
		now:        time.Now,
	}
	r.poker = goroutinePoker{r}
	return r
}

// SetLocker replaces the claim backend.
func (r *Reconciler) SetLocker(l keylock.Locker) {
	r.locker = l
}

// SetPoker replaces how pokes are scheduled.
func (r *Reconciler) SetPoker(p Poker) {
	r.poker = p
}

// Config returns the active configuration.
func (r *Reconciler) Config() Config {
	return r.cfg
}

// CancelResult reports the outcome of RequestCancel.
type CancelResult struct {
	OrderID           uint      `json:"order_id"`
	CancelRequestedAt time.Time `json:"cancel_requested_at"`
	AlreadyRequested  bool      `json:"already_requested"`
}

func (r *Reconciler) ownedOrder(ctx context.Context, accountID, orderID uint) (*models.Order, error) {
	order, err := r.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if accountID != 0 && order.AccountID != accountID {
		return nil, apperror.ErrNotFound
	}
	return order, nil
}

// RequestCancel asks the provider to cancel an order. It is idempotent: a repeated request
// returns the first stamp and does not contact the provider again. The financial outcome is
// settled later, once the provider reports the final status.
func (r *Reconciler) RequestCancel(ctx context.Context, accountID, orderID uint) (*CancelResult, error) {
	order, err := r.ownedOrder(ctx, accountID, orderID)
	if err != nil {
		return nil, err
	}
	if order.CancelRequestedAt != nil {
		return &CancelResult{OrderID: order.ID, CancelRequestedAt: *order.CancelRequestedAt, AlreadyRequested: true}, nil
	}

	// a concurrent request is waited for, then reported as the existing one
	release, err := keylock.AcquireWithin(ctx, r.locker, fmt.Sprintf("order:cancel:%d", orderID), r.cfg.ClaimTTL, cancelClaimWait)
	if errors.Is(err, keylock.ErrWaitExpired) {
		return nil, fmt.Errorf("order %d: %w", orderID, apperror.ErrAlreadyCancelRequested)
	}
	if err != nil {
		return nil, err
	}
	defer release()

	// reread under the claim; a concurrent request may have finished meanwhile
	order, err = r.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.CancelRequestedAt != nil {
		return &CancelResult{OrderID: order.ID, CancelRequestedAt: *order.CancelRequestedAt, AlreadyRequested: true}, nil
	}
	if !r.cfg.cancelable(order.Status) {
		return nil, fmt.Errorf("order %d is %s: %w", orderID, order.Status, apperror.ErrNotCancelable)
	}
	if !order.HasExternalID() || order.ProviderID == nil {
		return nil, fmt.Errorf("order %d has not reached its provider yet: %w", orderID, apperror.ErrNotCancelable)
	}
	svc, err := r.services.GetByID(ctx, order.ServiceID)
	if err != nil {
		return nil, err
	}
	if !svc.Cancel {
		return nil, fmt.Errorf("service %d does not support cancellation: %w", svc.ID, apperror.ErrNotCancelable)
	}

	adapter, err := r.adapters.For(ctx, *order.ProviderID)
	if err != nil {
		return nil, err
	}
	if err := adapter.Cancel(ctx, order.ExternalOrderID); err != nil {
		return nil, err
	}

	stamp, created, err := r.store.MarkCancelRequested(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	log.Infof("[Reconciler] Cancel requested for order %d (provider order %s)", order.ID, order.ExternalOrderID)

	if err := r.poker.Poke(ctx, order.ID); err != nil {
		log.Warnf("[Reconciler] Failed to poke order %d: %v", order.ID, err)
	}
	return &CancelResult{OrderID: order.ID, CancelRequestedAt: stamp, AlreadyRequested: !created}, nil
}

// PollOrder fetches the provider status of one order and applies it. Orders claimed by another
// worker are skipped.
func (r *Reconciler) PollOrder(ctx context.Context, orderID uint) error {
	release, ok, err := r.claim(ctx, orderID)
	if err != nil || !ok {
		return err
	}
	defer release()

	order, err := r.orders.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status.IsTerminal() {
		return r.settle(ctx, order)
	}
	if !order.HasExternalID() || order.ProviderID == nil {
		return nil
	}

	adapter, err := r.adapters.For(ctx, *order.ProviderID)
	if err != nil {
		return err
	}
	result, err := adapter.Status(ctx, order.ExternalOrderID)
	if err != nil {
		now := r.now()
		if errors.Is(err, apperror.ErrProviderPermanent) {
			log.Warnf("[Reconciler] Provider rejected status poll for order %d: %v", order.ID, err)
			_, merr := r.store.MarkError(ctx, order, err.Error())
			return merr
		}
		if uerr := r.orders.UpdateProgress(ctx, order.ID, repository.OrderPatch{LastPolledAt: &now}); uerr != nil {
			log.Warnf("[Reconciler] Failed to stamp poll of order %d: %v", order.ID, uerr)
		}
		return err
	}
	return r.apply(ctx, order, result)
}

// ApplyStatus applies a provider status pushed from outside the poll loop, e.g. a webhook.
func (r *Reconciler) ApplyStatus(ctx context.Context, orderID uint, result *provider.StatusResult) error {
	release, ok, err := r.claim(ctx, orderID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("order %d is being reconciled: %w", orderID, apperror.ErrProviderTransient)
	}
	defer release()

	order, err := r.orders.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status.IsTerminal() {
		return r.settle(ctx, order)
	}
	return r.apply(ctx, order, result)
}

func (r *Reconciler) claim(ctx context.Context, orderID uint) (func(), bool, error) {
	return r.locker.TryAcquire(ctx, fmt.Sprintf("order:%d", orderID), r.cfg.ClaimTTL)
}

func (r *Reconciler) apply(ctx context.Context, order *models.Order, result *provider.StatusResult) error {
	now := r.now()
	patch := repository.OrderPatch{
		StartCount:   result.StartCount,
		Remains:      result.Remains,
		CostProvider: result.Charge,
		LastPolledAt: &now,
	}

	switch {
	case result.Status == "":
		log.Warnf("[Reconciler] Order %d: unknown provider status %q", order.ID, result.RawStatus)
		return r.orders.UpdateProgress(ctx, order.ID, patch)
	case result.Status == order.Status || !order.Status.CanTransitionTo(result.Status):
		if result.Status != order.Status {
			log.Debugf("[Reconciler] Order %d: ignoring provider status %s while %s", order.ID, result.Status, order.Status)
		}
		return r.orders.UpdateProgress(ctx, order.ID, patch)
	}

	won, err := r.store.Transition(ctx, order, result.Status, patch)
	if err != nil {
		return err
	}
	if !won {
		log.Debugf("[Reconciler] Order %d changed while polling, retrying next sweep", order.ID)
		return nil
	}
	log.Infof("[Reconciler] Order %d is now %s", order.ID, order.Status)
	if order.Status.IsTerminal() {
		return r.settle(ctx, order)
	}
	return nil
}

// settle credits the refund owed by a terminal order, once.
func (r *Reconciler) settle(ctx context.Context, order *models.Order) error {
	if order.Refunded {
		return nil
	}
	amount, ok := orders.SettlementAmount(order, r.cfg.RefundPolicy)
	if !ok {
		return nil
	}
	err := r.store.Refund(ctx, order, amount)
	if errors.Is(err, apperror.ErrAlreadyRefunded) {
		return nil
	}
	return err
}

// Settle settles a single terminal order under its claim. Used after admin overrides.
func (r *Reconciler) Settle(ctx context.Context, orderID uint) error {
	release, ok, err := r.claim(ctx, orderID)
	if err != nil || !ok {
		return err
	}
	defer release()
	order, err := r.orders.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	return r.settle(ctx, order)
}

// SweepStats summarises one sweep.
type SweepStats struct {
	Polled      int64 `json:"polled"`
	Failed      int64 `json:"failed"`
	Settled     int64 `json:"settled"`
	Resubmitted int64 `json:"resubmitted"`
}

// Sweep polls active orders, settles unrefunded terminal orders and re-dispatches orders that
// never reached their provider. Fan-out is bounded by Config.Concurrency; failures of single
// orders are logged and counted, never abort the sweep.
func (r *Reconciler) Sweep(ctx context.Context) (*SweepStats, error) {
	start := time.Now()
	defer func() {
		metrics.SweepDuration.WithLabelValues("orders").Observe(time.Since(start).Seconds())
	}()

	var stats SweepStats

	active, err := r.orders.ListActive(ctx, r.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list active orders: %w", err)
	}
	r.fanOut(ctx, active, func(ctx context.Context, o models.Order) {
		if err := r.PollOrder(ctx, o.ID); err != nil {
			atomic.AddInt64(&stats.Failed, 1)
			log.Warnf("[Reconciler] Poll of order %d failed: %v", o.ID, err)
			return
		}
		atomic.AddInt64(&stats.Polled, 1)
	})

	unsettled, err := r.orders.ListUnsettled(ctx, r.cfg.BatchSize)
	if err != nil {
		return &stats, fmt.Errorf("failed to list unsettled orders: %w", err)
	}
	r.fanOut(ctx, unsettled, func(ctx context.Context, o models.Order) {
		if err := r.Settle(ctx, o.ID); err != nil {
			atomic.AddInt64(&stats.Failed, 1)
			log.Errorf("[Reconciler] Settlement of order %d failed: %v", o.ID, err)
			return
		}
		atomic.AddInt64(&stats.Settled, 1)
	})

	if r.dispatcher != nil {
		orphans, err := r.orders.ListUnsubmitted(ctx, r.now().Add(-r.cfg.SubmitGrace), r.cfg.BatchSize)
		if err != nil {
			return &stats, fmt.Errorf("failed to list unsubmitted orders: %w", err)
		}
		for _, o := range orphans {
			if err := r.dispatcher.Dispatch(ctx, o.ID); err != nil {
				atomic.AddInt64(&stats.Failed, 1)
				log.Warnf("[Reconciler] Re-dispatch of order %d failed: %v", o.ID, err)
				continue
			}
			stats.Resubmitted++
		}
	}

	if stats.Polled+stats.Settled+stats.Resubmitted+stats.Failed > 0 {
		log.Infof("[Reconciler] Sweep done: polled=%d settled=%d resubmitted=%d failed=%d",
			stats.Polled, stats.Settled, stats.Resubmitted, stats.Failed)
	}
	return &stats, nil
}

func (r *Reconciler) fanOut(ctx context.Context, items []models.Order, fn func(context.Context, models.Order)) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, o := range items {
		g.Go(func() error {
			fn(gctx, o)
			return nil
		})
	}
	_ = g.Wait()
}

// goroutinePoker polls on a detached goroutine.
type goroutinePoker struct {
	r *Reconciler
}

func (p goroutinePoker) Poke(ctx context.Context, orderID uint) error {
	go func() {
		pollCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.r.cfg.ClaimTTL)
		defer cancel()
		if err := p.r.PollOrder(pollCtx, orderID); err != nil {
			log.Warnf("[Reconciler] Poke of order %d failed: %v", orderID, err)
		}
	}()
	return nil
}

// SyncPoker polls before returning.
type SyncPoker struct {
	Reconciler *Reconciler
}

func (p SyncPoker) Poke(ctx context.Context, orderID uint) error {
	return p.Reconciler.PollOrder(ctx, orderID)
}
