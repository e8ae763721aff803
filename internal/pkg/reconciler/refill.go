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
	"github.com/ManuelReschke/PanelFox/internal/pkg/apperror"
	"github.com/ManuelReschke/PanelFox/internal/pkg/metrics"
)

// RequestRefill asks the provider to top up a completed order. An order gets at most one
// refill; repeated requests return the existing one.
func (r *Reconciler) RequestRefill(ctx context.Context, accountID, orderID uint) (*models.Refill, error) {
	order, err := r.ownedOrder(ctx, accountID, orderID)
	if err != nil {
		return nil, err
	}
	if existing, err := r.refills.GetByOrderID(ctx, order.ID); err == nil {
		return existing, nil
	} else if !errors.Is(err, apperror.ErrNotFound) {
		return nil, err
	}

	if order.Status != models.OrderStatusCompleted {
		return nil, fmt.Errorf("order %d is %s: %w", orderID, order.Status, apperror.ErrNotRefillable)
	}
	if !order.HasExternalID() || order.ProviderID == nil {
		return nil, fmt.Errorf("order %d has no provider order: %w", orderID, apperror.ErrNotRefillable)
	}
	svc, err := r.services.GetByID(ctx, order.ServiceID)
	if err != nil {
		return nil, err
	}
	if !svc.Refill {
		return nil, fmt.Errorf("service %d does not support refills: %w", svc.ID, apperror.ErrNotRefillable)
	}

	release, ok, err := r.locker.TryAcquire(ctx, fmt.Sprintf("order:refill:%d", orderID), r.cfg.ClaimTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("refill of order %d already in flight: %w", orderID, apperror.ErrProviderTransient)
	}
	defer release()

	if existing, err := r.refills.GetByOrderID(ctx, order.ID); err == nil {
		return existing, nil
	}

	adapter, err := r.adapters.For(ctx, *order.ProviderID)
	if err != nil {
		return nil, err
	}
	refillID, err := adapter.Refill(ctx, order.ExternalOrderID)
	if err != nil {
		return nil, err
	}

	refill := &models.Refill{
		OrderID:          order.ID,
		AccountID:        order.AccountID,
		ExternalRefillID: refillID,
		Status:           models.RefillStatusPending,
	}
	if err := r.refills.Create(ctx, refill); err != nil {
		log.Errorf("[Reconciler] Provider refill %s for order %d could not be stored: %v", refillID, order.ID, err)
		return nil, err
	}
	log.Infof("[Reconciler] Refill %s requested for order %d", refillID, order.ID)
	return refill, nil
}

// PollRefill fetches and stores the provider status of one refill.
func (r *Reconciler) PollRefill(ctx context.Context, refill *models.Refill) error {
	release, ok, err := r.locker.TryAcquire(ctx, fmt.Sprintf("refill:%d", refill.ID), r.cfg.ClaimTTL)
	if err != nil || !ok {
		return err
	}
	defer release()

	order, err := r.orders.GetByID(ctx, refill.OrderID)
	if err != nil {
		return err
	}
	if order.ProviderID == nil {
		return nil
	}
	adapter, err := r.adapters.For(ctx, *order.ProviderID)
	if err != nil {
		return err
	}

	now := r.now()
	result, err := adapter.RefillStatus(ctx, refill.ExternalRefillID)
	switch {
	case errors.Is(err, apperror.ErrProviderPermanent):
		return r.refills.UpdateStatus(ctx, refill.ID, models.RefillStatusError, err.Error(), now)
	case err != nil:
		return err
	case result.Status == "":
		log.Warnf("[Reconciler] Refill %d: unknown provider status %q", refill.ID, result.RawStatus)
		return r.refills.UpdateStatus(ctx, refill.ID, refill.Status, refill.ErrorMessage, now)
	}
	if result.Status != refill.Status {
		log.Infof("[Reconciler] Refill %d of order %d is now %s", refill.ID, refill.OrderID, result.Status)
	}
	return r.refills.UpdateStatus(ctx, refill.ID, result.Status, "", now)
}

// SweepRefills polls every open refill.
func (r *Reconciler) SweepRefills(ctx context.Context) (int64, error) {
	start := time.Now()
	defer func() {
		metrics.SweepDuration.WithLabelValues("refills").Observe(time.Since(start).Seconds())
	}()

	open, err := r.refills.ListOpen(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list open refills: %w", err)
	}
	var polled int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for i := range open {
		refill := open[i]
		g.Go(func() error {
			if err := r.PollRefill(gctx, &refill); err != nil {
				log.Warnf("[Reconciler] Poll of refill %d failed: %v", refill.ID, err)
				return nil
			}
			atomic.AddInt64(&polled, 1)
			return nil
		})
	}
	_ = g.Wait()
	return polled, nil
}
