package router

import (
	"github.com/avisio/paidup/app/controllers"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New())
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	// API v1 routes
	v1 := api.Group("/v1")
	v1.Post("/subscriptions", controllers.HandleStartSubscription)
	v1.Delete("/subscriptions/:account_id", controllers.HandleCancelSubscription)
	v1.Get("/subscriptions/:account_id", controllers.HandleSubscriptionStatus)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
