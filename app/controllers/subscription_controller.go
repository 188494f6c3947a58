package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/avisio/paidup/internal/pkg/billing"
	"github.com/avisio/paidup/internal/pkg/cache"
	"github.com/avisio/paidup/internal/pkg/database"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
)

const statusCacheTTL = 30 * time.Second

var errInvalidSignature = errors.New("invalid webhook signature")

// billingService builds the service the handlers run against. Package
// variable so tests can substitute a service wired to in-memory fakes.
var billingService = func() *billing.Service {
	return billing.NewServiceFromDB(database.GetDB())
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

type startSubscriptionRequest struct {
	AccountID string `json:"account_id" validate:"required,min=1,max=191"`
}

// HandleStartSubscription starts a subscription for an account and returns
// the checkout URL the payer must be redirected to.
func HandleStartSubscription(c *fiber.Ctx) error {
	var req startSubscriptionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request"})
	}
	if err := getValidator().Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request"})
	}

	svc := billingService()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	checkoutURL, err := svc.StartSubscription(ctx, req.AccountID)
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrAlreadySubscribed):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "already_subscribed"})
		case errors.Is(err, billing.ErrSubscriptionInFlight):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "subscription_in_flight"})
		}
		log.Errorf("[Subscription] start for account %s failed: %v", req.AccountID, err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "initiation_failed"})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"checkout_url": checkoutURL})
}

// HandleCancelSubscription disables auto-renewal for an account.
func HandleCancelSubscription(c *fiber.Ctx) error {
	accountID := c.Params("account_id")
	if accountID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request"})
	}

	svc := billingService()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := svc.CancelSubscription(ctx, accountID); err != nil {
		if errors.Is(err, billing.ErrNoActiveSubscription) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no_subscription"})
		}
		log.Errorf("[Subscription] cancel for account %s failed: %v", accountID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cancel_failed"})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
}

// HandleSubscriptionStatus returns the paid state and subscription expiry
// for an account, read-through cached for a short TTL.
func HandleSubscriptionStatus(c *fiber.Ctx) error {
	accountID := c.Params("account_id")
	if accountID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request"})
	}

	cacheKey := "billing:status:" + accountID
	if cached, err := cache.Get(cacheKey); err == nil && cached != "" {
		var status billing.AccountStatus
		if err := json.Unmarshal([]byte(cached), &status); err == nil {
			return c.Status(fiber.StatusOK).JSON(status)
		}
	}

	svc := billingService()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status, err := svc.AccountStatus(ctx, accountID)
	if err != nil {
		log.Errorf("[Subscription] status for account %s failed: %v", accountID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "status_failed"})
	}

	if encoded, err := json.Marshal(status); err == nil {
		if err := cache.Set(cacheKey, string(encoded), statusCacheTTL); err != nil {
			log.Debugf("[Subscription] status cache write for account %s failed: %v", accountID, err)
		}
	}
	return c.Status(fiber.StatusOK).JSON(status)
}
