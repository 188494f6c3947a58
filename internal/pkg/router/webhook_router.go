package router

import (
	"github.com/avisio/paidup/app/controllers"
	"github.com/gofiber/fiber/v2"
)

type WebhookRouter struct {
}

// InstallRouter registers the per-gateway notification endpoints. Each
// gateway has its own payload shape, so each gets its own handler. The
// endpoints stay outside the rate-limited API group: a throttled webhook
// would only provoke gateway re-delivery.
func (h WebhookRouter) InstallRouter(app *fiber.App) {
	webhooks := app.Group("/webhooks")
	webhooks.Post("/checkout", controllers.HandleCheckoutWebhook)
	webhooks.Post("/recurring", controllers.HandleRecurringWebhook)
}

func NewWebhookRouter() *WebhookRouter {
	return &WebhookRouter{}
}
