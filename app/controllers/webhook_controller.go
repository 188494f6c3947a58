package controllers

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/avisio/paidup/app/models"
	"github.com/avisio/paidup/internal/pkg/billing"
	"github.com/avisio/paidup/internal/pkg/env"
	"github.com/avisio/paidup/internal/pkg/metrics/counter"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
)

// checkoutWebhookPayload is the checkout gateway's notification shape.
type checkoutWebhookPayload struct {
	Event  string `json:"event" validate:"required"`
	Object struct {
		ID            string `json:"id" validate:"required"`
		Status        string `json:"status"`
		PaymentMethod struct {
			ID    string `json:"id"`
			Saved bool   `json:"saved"`
		} `json:"payment_method"`
		Metadata map[string]string `json:"metadata"`
	} `json:"object"`
}

// recurringWebhookPayload is the recurring gateway's notification shape.
type recurringWebhookPayload struct {
	EventID        string            `json:"event_id"`
	EventType      string            `json:"event_type" validate:"required"`
	PaymentID      string            `json:"payment_id" validate:"required"`
	Status         string            `json:"status"`
	RecurrentToken string            `json:"recurrent_token"`
	Metadata       map[string]string `json:"metadata"`
}

// HandleCheckoutWebhook receives asynchronous payment notifications from the
// checkout gateway. Any structurally valid notification is acknowledged with
// a success response, even when the business outcome was ignored/duplicate,
// so the gateway is never given cause to keep re-delivering it.
func HandleCheckoutWebhook(c *fiber.Ctx) error {
	_ = counter.AddWebhookReceived(models.BillingProviderCheckout)
	rawBody := append([]byte(nil), c.BodyRaw()...)
	eventID := firstHeaderValue(c, "X-Event-Id", "X-Notification-Id")
	signature := strings.TrimSpace(c.Get("X-Webhook-Signature"))
	secret := env.GetEnv("CHECKOUT_WEBHOOK_SECRET", "")

	svc := billingService()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var payload checkoutWebhookPayload
	parseErr := json.Unmarshal(rawBody, &payload)
	if parseErr == nil {
		parseErr = getValidator().Struct(&payload)
	}

	eventType := ""
	if parseErr == nil {
		eventType = payload.Event
	}

	signatureValid := billing.VerifyWebhookSignature(rawBody, signature, secret)
	created, stored, err := svc.RecordWebhookEvent(ctx, models.BillingProviderCheckout, eventID, eventType, string(rawBody), signatureValid)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_persist_failed"})
	}
	if !created {
		_ = counter.AddWebhookDuplicate(models.BillingProviderCheckout)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
	}
	if !signatureValid {
		_ = svc.MarkWebhookProcessed(ctx, stored.ID, errInvalidSignature)
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature"})
	}
	if parseErr != nil {
		_ = svc.MarkWebhookProcessed(ctx, stored.ID, parseErr)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	}

	mandateToken := ""
	if payload.Object.PaymentMethod.Saved {
		mandateToken = payload.Object.PaymentMethod.ID
	}
	applyErr := svc.ApplyNotification(ctx, billing.Notification{
		Provider:          models.BillingProviderCheckout,
		EventType:         normalizeCheckoutEvent(payload.Event),
		ExternalPaymentID: payload.Object.ID,
		ExternalStatus:    payload.Object.Status,
		MandateToken:      mandateToken,
		Purpose:           payload.Object.Metadata[billing.MetadataKeyPurpose],
		AccountID:         payload.Object.Metadata[billing.MetadataKeyAccountID],
	})
	_ = svc.MarkWebhookProcessed(ctx, stored.ID, applyErr)
	if applyErr != nil {
		// Internal failures are absorbed at the boundary; the gateway still
		// gets a clean acknowledgement for a structurally valid payload.
		log.Errorf("[Webhook] checkout notification %s not applied: %v", payload.Object.ID, applyErr)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
}

// HandleRecurringWebhook receives asynchronous notifications from the
// recurring (mandate) gateway. Same acknowledgement contract as the
// checkout webhook.
func HandleRecurringWebhook(c *fiber.Ctx) error {
	_ = counter.AddWebhookReceived(models.BillingProviderRecurring)
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := strings.TrimSpace(c.Get("X-Signature"))
	secret := env.GetEnv("RECURRING_WEBHOOK_SECRET", "")

	svc := billingService()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var payload recurringWebhookPayload
	parseErr := json.Unmarshal(rawBody, &payload)
	if parseErr == nil {
		parseErr = getValidator().Struct(&payload)
	}

	eventID := ""
	eventType := ""
	if parseErr == nil {
		eventID = payload.EventID
		eventType = payload.EventType
	}

	signatureValid := billing.VerifyWebhookSignature(rawBody, signature, secret)
	created, stored, err := svc.RecordWebhookEvent(ctx, models.BillingProviderRecurring, eventID, eventType, string(rawBody), signatureValid)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_persist_failed"})
	}
	if !created {
		_ = counter.AddWebhookDuplicate(models.BillingProviderRecurring)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
	}
	if !signatureValid {
		_ = svc.MarkWebhookProcessed(ctx, stored.ID, errInvalidSignature)
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature"})
	}
	if parseErr != nil {
		_ = svc.MarkWebhookProcessed(ctx, stored.ID, parseErr)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	}

	applyErr := svc.ApplyNotification(ctx, billing.Notification{
		Provider:          models.BillingProviderRecurring,
		EventType:         normalizeRecurringEvent(payload.EventType),
		ExternalPaymentID: payload.PaymentID,
		ExternalStatus:    payload.Status,
		MandateToken:      payload.RecurrentToken,
		Purpose:           payload.Metadata[billing.MetadataKeyPurpose],
		AccountID:         payload.Metadata[billing.MetadataKeyAccountID],
	})
	_ = svc.MarkWebhookProcessed(ctx, stored.ID, applyErr)
	if applyErr != nil {
		log.Errorf("[Webhook] recurring notification %s not applied: %v", payload.PaymentID, applyErr)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
}

func normalizeCheckoutEvent(event string) string {
	switch strings.ToLower(strings.TrimSpace(event)) {
	case "payment.succeeded":
		return billing.EventPaymentSucceeded
	case "payment.canceled", "refund.succeeded":
		return billing.EventPaymentCanceled
	default:
		return strings.ToLower(strings.TrimSpace(event))
	}
}

func normalizeRecurringEvent(eventType string) string {
	switch strings.ToLower(strings.TrimSpace(eventType)) {
	case "payment_success", "payment_completed":
		return billing.EventPaymentSucceeded
	case "payment_failed", "payment_canceled", "mandate_revoked":
		return billing.EventPaymentCanceled
	default:
		return strings.ToLower(strings.TrimSpace(eventType))
	}
}

func firstHeaderValue(c *fiber.Ctx, keys ...string) string {
	for _, k := range keys {
		v := strings.TrimSpace(c.Get(k))
		if v != "" {
			return v
		}
	}
	return ""
}
