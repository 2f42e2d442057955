package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/wagginmeals/storefront/internal/pkg/middleware"
)

type ApiRouter struct {
	deps Dependencies
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api")
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Waggin' Meals API",
		})
	})

	public := []fiber.Handler{}
	if h.deps.RateLimit > 0 {
		public = append(public, limiter.New(limiter.Config{
			Max:        h.deps.RateLimit,
			Expiration: time.Minute,
			Storage:    h.deps.LimiterStorage,
		}))
	}

	if nc := h.deps.Newsletter; nc != nil {
		newsletter := api.Group("/newsletter", public...)
		newsletter.Post("/subscribe", nc.HandleSubscribe)
		newsletter.Delete("/subscribe", nc.HandleUnsubscribe)
	}

	if sc := h.deps.Subscriptions; sc != nil {
		subs := api.Group("/subscriptions", public...)
		subs.Post("/", sc.HandleCreate)
		subs.Get("/:id", sc.HandleGet)
		subs.Get("/:id/invoices", sc.HandleInvoices)
		subs.Post("/:id/pause", sc.HandlePause)
		subs.Post("/:id/resume", sc.HandleResume)
		subs.Post("/:id/cancel", sc.HandleCancel)
		subs.Post("/:id/skip-next", sc.HandleSkipNext)
		subs.Post("/:id/change-frequency", sc.HandleChangeFrequency)
		subs.Post("/:id/update-address", sc.HandleUpdateAddress)
		subs.Post("/:id/update-items", sc.HandleUpdateItems)
		subs.Post("/:id/update-payment", sc.HandleUpdatePayment)
	}

	admin := api.Group("/admin", middleware.AdminAPIKey(h.deps.AdminAPIKey))
	if ac := h.deps.Admin; ac != nil {
		admin.Get("/subscriptions", ac.HandleList)
		// Registered before /:id so it is not taken for an id.
		admin.Post("/subscriptions/manual-billing", ac.HandleManualBilling)
		admin.Get("/subscriptions/:id", ac.HandleGet)
		admin.Get("/subscriptions/:id/history", ac.HandleHistory)
		admin.Get("/subscriptions/:id/invoices", ac.HandleInvoices)
		admin.Post("/subscriptions/:id/cancel", ac.HandleCancel)
		admin.Post("/subscriptions/:id/expire", ac.HandleExpire)
		admin.Get("/invoices/failed", ac.HandleFailedInvoices)
	}
	if nc := h.deps.Newsletter; nc != nil {
		admin.Get("/newsletter", nc.HandleAdminList)
	}

	if cc := h.deps.Cron; cc != nil {
		api.Get("/cron/process-subscription-billing", cc.HandleHealth)
		api.Post("/cron/process-subscription-billing", middleware.CronSecret(h.deps.CronSecret), cc.HandleProcessBilling)
	}
}

func NewApiRouter(deps Dependencies) *ApiRouter {
	return &ApiRouter{deps: deps}
}
