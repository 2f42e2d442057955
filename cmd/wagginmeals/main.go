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
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/wagginmeals/storefront/app/controllers"
	"github.com/wagginmeals/storefront/app/repository"
	"github.com/wagginmeals/storefront/internal/pkg/cache"
	"github.com/wagginmeals/storefront/internal/pkg/database"
	"github.com/wagginmeals/storefront/internal/pkg/env"
	"github.com/wagginmeals/storefront/internal/pkg/ghl"
	"github.com/wagginmeals/storefront/internal/pkg/jobqueue"
	"github.com/wagginmeals/storefront/internal/pkg/mail"
	"github.com/wagginmeals/storefront/internal/pkg/payment"
	"github.com/wagginmeals/storefront/internal/pkg/router"
	"github.com/wagginmeals/storefront/internal/pkg/subscription"
)

const shutdownTimeout = 30 * time.Second

func main() {
	app, manager := NewApplication()
	manager.Start()

	go func() {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()
		log.Info("Shutting down...")
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			log.Errorf("HTTP shutdown: %v", err)
		}
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	manager.Stop()
	if err != nil {
		log.Fatal(err)
	}
}

func NewApplication() (*fiber.App, *jobqueue.Manager) {
	env.SetupEnvFile()
	database.SetupDatabase()
	db := database.GetDB()
	repos := repository.NewRepositories(db)
	cacheCfg := cache.ConfigFromEnv()
	redisClient := cache.Connect(cacheCfg)
	limiterStorage, err := cache.NewLimiterStorage(cacheCfg)
	if err != nil {
		log.Warnf("[Cache] Rate limit counters fall back to process memory: %v", err)
	}

	// CRM
	ghlCfg := ghl.ConfigFromEnv()
	contacts := ghl.NewContactService(ghl.NewClient(ghlCfg))
	notifier := ghl.NewNotifier(ghlCfg)
	syncLog := ghl.NewSyncLogger(ghl.NewGormSyncLogStore(db), 0)
	if !notifier.IsConfigured() {
		log.Warn("[GHL] GHL_WEBHOOK_URL not set, lifecycle webhooks are disabled")
	}

	// Background contact syncs
	queue := jobqueue.NewQueue(redisClient, env.GetEnvInt("JOB_WORKERS", 2, 1))
	queue.SetBackoff(time.Duration(env.GetEnvInt("CRM_SYNC_RETRY_BACKOFF_SECONDS", 30, 1)) * time.Second)
	queue.Register(jobqueue.KindContactSync, jobqueue.ContactSyncHandler(contacts, syncLog))
	dispatcher := jobqueue.NewContactSyncDispatcher(queue, contacts, syncLog)

	// Subscriptions and billing
	repo := subscription.NewRepository(db)
	svc := subscription.NewService(repo, notifier,
		subscription.WithRetryPolicy(subscription.RetryPolicyFromEnv()),
		subscription.WithContactDispatcher(dispatcher),
	)
	mailer := mail.NewSMTPMailer(mail.SMTPConfigFromEnv())
	runner := subscription.NewRunner(svc, repo, payment.NewStripeCharger(payment.StripeConfigFromEnv()),
		subscription.WithLocker(cache.NewRedisLocker(redisClient)),
		subscription.WithMailer(mailer),
		subscription.WithAccountURL(env.GetEnv("PUBLIC_SITE_URL", "http://localhost:8080")),
	)

	// Background work
	manager := jobqueue.NewManager(jobqueue.ManagerConfig{
		Queue:           queue,
		Billing:         runner,
		SyncLog:         syncLog,
		BillingInterval: jobqueue.BillingIntervalFromEnv(),
	})

	basePath := findBasePath()

	// init fiber app
	app := fiber.New(fiber.Config{
		AppName:   "wagginmeals",
		BodyLimit: 1 << 20,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// SWAGGER / OPENAPI
	app.Use(swagger.New(swagger.Config{
		BasePath: "/docs/api/",
		FilePath: basePath + "public/docs/v1/openapi.yml",
		Path:     "v1",
	}))

	// ROUTER
	router.InstallRouter(app, router.Dependencies{
		Subscriptions:  controllers.NewSubscriptionController(svc),
		Admin:          controllers.NewAdminSubscriptionController(svc, runner),
		Newsletter:     controllers.NewNewsletterController(repos.Newsletter, contacts, syncLog, dispatcher),
		Cron:           controllers.NewCronController(manager),
		AdminAPIKey:    env.GetEnv("ADMIN_API_KEY", ""),
		CronSecret:     env.GetEnv("CRON_SECRET", ""),
		RateLimit:      rateLimitFromEnv(),
		LimiterStorage: limiterStorage,
	})

	return app, manager
}

// findBasePath locates the project root from the usual working directories.
func findBasePath() string {
	basePaths := []string{
		"./",        // Current directory
		"../../",    // From cmd/wagginmeals to project root
		"../../../", // Fallback
	}
	for _, path := range basePaths {
		if _, err := os.Stat(path + "public/docs/v1/openapi.yml"); err == nil {
			return path
		}
	}
	panic("Could not find project root directory")
}

func rateLimitFromEnv() int {
	return env.GetEnvInt("API_RATE_LIMIT_PER_MINUTE", 60, 0)
}
