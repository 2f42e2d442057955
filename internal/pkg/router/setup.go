package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/wagginmeals/storefront/app/controllers"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// Dependencies carries the wired controllers and secrets the routes need.
type Dependencies struct {
	Subscriptions *controllers.SubscriptionController
	Admin         *controllers.AdminSubscriptionController
	Newsletter    *controllers.NewsletterController
	Cron          *controllers.CronController

	AdminAPIKey string
	CronSecret  string
	// RateLimit is requests per minute per client on the public API; 0 disables it.
	RateLimit int
	// LimiterStorage shares rate limit counters between instances; nil keeps
	// them in process memory.
	LimiterStorage fiber.Storage
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	setup(app, NewHttpRouter(), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
