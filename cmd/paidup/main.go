package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/avisio/paidup/internal/pkg/billing"
	"github.com/avisio/paidup/internal/pkg/cache"
	"github.com/avisio/paidup/internal/pkg/database"
	"github.com/avisio/paidup/internal/pkg/env"
	"github.com/avisio/paidup/internal/pkg/metrics/counter"
	"github.com/avisio/paidup/internal/pkg/router"
)

func main() {
	app, scheduler := NewApplication()

	scheduler.Start()
	defer scheduler.Stop()

	// Shut down cleanly on SIGINT/SIGTERM so an in-flight renewal tick can
	// finish its ledger writes.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		scheduler.Stop()
		_ = app.Shutdown()
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() (*fiber.App, *billing.Scheduler) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	// init fiber app
	app := fiber.New(fiber.Config{
		AppName: "PaidUp",
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics plus the billing counters snapshot
	metricsAuth := basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("METRICS_USER", "admin"): env.GetEnv("METRICS_PASSWORD", "admin"),
		},
	})
	app.Get("/metrics", metricsAuth, monitor.New())
	app.Get("/metrics/billing", metricsAuth, func(c *fiber.Ctx) error {
		counters, err := counter.Snapshot()
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "counters_unavailable"})
		}
		return c.Status(fiber.StatusOK).JSON(counters)
	})

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
	})

	// ROUTER
	router.InstallRouter(app)

	service := billing.NewServiceFromDB(database.GetDB())
	scheduler := billing.NewScheduler(service)

	return app, scheduler
}
