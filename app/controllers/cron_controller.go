package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/wagginmeals/storefront/internal/pkg/jobqueue"
	"github.com/wagginmeals/storefront/internal/pkg/subscription"
)

// BillingTrigger runs one billing sweep, refusing to overlap a running one.
type BillingTrigger interface {
	RunBillingOnce(ctx context.Context) (subscription.RunResult, error)
}

type CronController struct {
	billing BillingTrigger
}

func NewCronController(billing BillingTrigger) *CronController {
	return &CronController{billing: billing}
}

// HandleProcessBilling is called by the external scheduler.
func (cc *CronController) HandleProcessBilling(c *fiber.Ctx) error {
	start := time.Now()
	result, err := cc.billing.RunBillingOnce(c.UserContext())
	if errors.Is(err, jobqueue.ErrBillingInProgress) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "billing_in_progress", "message": "A billing run is already in progress"})
	}
	if err != nil {
		log.Errorf("[Billing] Cron run failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": err.Error()})
	}
	return c.JSON(fiber.Map{
		"success":     true,
		"results":     result,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

func (cc *CronController) HandleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "healthy",
		"message": "Subscription billing cron endpoint is operational",
		"note":    "Use POST with Authorization: Bearer <CRON_SECRET> to trigger billing",
	})
}
