package controllers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PanelFox/internal/pkg/jobqueue"
)

// AdminQueueController exposes the job queue monitor
type AdminQueueController struct {
	queue *jobqueue.Queue
}

// NewAdminQueueController creates a new admin queue controller. queue may be nil when the engine
// runs without Redis.
func NewAdminQueueController(queue *jobqueue.Queue) *AdminQueueController {
	return &AdminQueueController{queue: queue}
}

// HandleAdminQueues returns queue sizes and per-status job counters
func (aqc *AdminQueueController) HandleAdminQueues(c *fiber.Ctx) error {
	if aqc.queue == nil {
		return c.JSON(fiber.Map{"enabled": false})
	}
	ctx := c.UserContext()

	stats, err := aqc.queue.GetJobStats(ctx)
	if err != nil {
		return respondError(c, err)
	}
	pending, err := aqc.queue.GetQueueSize(ctx)
	if err != nil {
		return respondError(c, err)
	}
	processing, err := aqc.queue.GetProcessingSize(ctx)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"enabled":    true,
		"pending":    pending,
		"processing": processing,
		"stats":      stats,
	})
}

// HandleAdminQueueJob returns one job by id
func (aqc *AdminQueueController) HandleAdminQueueJob(c *fiber.Ctx) error {
	if aqc.queue == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Job queue disabled"})
	}
	job, err := aqc.queue.GetJob(c.UserContext(), c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Job not found"})
	}
	return c.JSON(job)
}
