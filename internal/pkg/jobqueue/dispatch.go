package jobqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PanelFox/internal/pkg/apperror"
	"github.com/ManuelReschke/PanelFox/internal/pkg/catalog"
	"github.com/ManuelReschke/PanelFox/internal/pkg/orders"
	"github.com/ManuelReschke/PanelFox/internal/pkg/reconciler"
)

// QueueDispatcher hands provider submission of new orders to the job queue.
type QueueDispatcher struct {
	Queue *Queue
}

func (d QueueDispatcher) Dispatch(ctx context.Context, orderID uint) error {
	_, err := d.Queue.EnqueueJob(ctx, JobTypeProviderSubmit, OrderJobPayload{OrderID: orderID}.ToMap())
	return err
}

// QueuePoker schedules an out-of-band status poll through the job queue.
type QueuePoker struct {
	Queue *Queue
}

func (p QueuePoker) Poke(ctx context.Context, orderID uint) error {
	_, err := p.Queue.EnqueueJob(ctx, JobTypeOrderPoke, OrderJobPayload{OrderID: orderID}.ToMap())
	return err
}

// EnqueueCatalogSync schedules a catalog sync of one provider.
func EnqueueCatalogSync(ctx context.Context, q *Queue, providerID uint) (*Job, error) {
	return q.EnqueueJob(ctx, JobTypeCatalogSync, CatalogSyncJobPayload{ProviderID: providerID}.ToMap())
}

var (
	_ orders.Dispatcher = QueueDispatcher{}
	_ reconciler.Poker  = QueuePoker{}
)

// RegisterHandlers wires the order and catalog operations into q.
func RegisterHandlers(q *Queue, svc *orders.Service, rec *reconciler.Reconciler, engine *catalog.Engine) {
	q.Handle(JobTypeProviderSubmit, func(ctx context.Context, job *Job) error {
		payload, err := OrderJobPayloadFromMap(job.Payload)
		if err != nil {
			return fmt.Errorf("invalid submit payload: %v: %w", err, ErrDiscard)
		}
		return discardIfFinal(svc.SubmitToProvider(ctx, payload.OrderID))
	})

	q.Handle(JobTypeOrderPoke, func(ctx context.Context, job *Job) error {
		payload, err := OrderJobPayloadFromMap(job.Payload)
		if err != nil {
			return fmt.Errorf("invalid poke payload: %v: %w", err, ErrDiscard)
		}
		// a failed poke is picked up by the next sweep
		if err := rec.PollOrder(ctx, payload.OrderID); err != nil {
			log.Warnf("[JobQueue] Poke of order %d failed: %v", payload.OrderID, err)
		}
		return nil
	})

	q.Handle(JobTypeCatalogSync, func(ctx context.Context, job *Job) error {
		payload, err := CatalogSyncJobPayloadFromMap(job.Payload)
		if err != nil {
			return fmt.Errorf("invalid catalog sync payload: %v: %w", err, ErrDiscard)
		}
		_, err = engine.SyncProvider(ctx, payload.ProviderID)
		return discardIfFinal(err)
	})
}

// discardIfFinal stops retries for errors a later attempt cannot change.
func discardIfFinal(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, apperror.ErrNotFound), errors.Is(err, apperror.ErrProviderPermanent),
		errors.Is(err, apperror.ErrServiceUnavailable):
		return fmt.Errorf("%w: %w", err, ErrDiscard)
	}
	return err
}
