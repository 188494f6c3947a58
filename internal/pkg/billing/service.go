package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/avisio/paidup/app/models"
	"github.com/avisio/paidup/internal/pkg/cache"
	"github.com/avisio/paidup/internal/pkg/env"
	"github.com/avisio/paidup/internal/pkg/mail"
	"github.com/avisio/paidup/internal/pkg/metrics/counter"
	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Config holds the subscription product the engine sells and which gateway
// new subscriptions go through.
type Config struct {
	DefaultProvider string
	Amount          decimal.Decimal
	Currency        string
	Description     string
}

// ConfigFromEnv reads the billing configuration from the .env file, falling
// back to the process environment.
func ConfigFromEnv() Config {
	amount, err := decimal.NewFromString(env.GetEnv("BILLING_AMOUNT", "4.99"))
	if err != nil {
		panic(fmt.Sprintf("invalid BILLING_AMOUNT: %v", err))
	}
	return Config{
		DefaultProvider: strings.ToLower(strings.TrimSpace(env.GetEnv("BILLING_PROVIDER", models.BillingProviderCheckout))),
		Amount:          amount,
		Currency:        strings.ToUpper(strings.TrimSpace(env.GetEnv("BILLING_CURRENCY", "EUR"))),
		Description:     env.GetEnv("BILLING_DESCRIPTION", "Monthly subscription"),
	}
}

// Service drives subscription initiation, webhook reconciliation and the
// ledger transitions behind both.
type Service struct {
	repo     Repository
	gateways map[string]Gateway
	notifier Notifier
	cfg      Config

	now func() time.Time
}

// NewService creates a billing service from injected collaborators.
func NewService(repo Repository, gateways map[string]Gateway, notifier Notifier, cfg Config) *Service {
	return &Service{
		repo:     repo,
		gateways: gateways,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
	}
}

// NewServiceFromDB wires the service from a GORM handle and the environment.
func NewServiceFromDB(db *gorm.DB) *Service {
	gateways := map[string]Gateway{
		models.BillingProviderCheckout:  NewCheckoutGatewayFromEnv(),
		models.BillingProviderRecurring: NewRecurringGatewayFromEnv(),
	}
	return NewService(NewRepository(db), gateways, NewDBNotifier(db), ConfigFromEnv())
}

func (s *Service) gateway(provider string) (Gateway, error) {
	gw, ok := s.gateways[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	return gw, nil
}

// StartSubscription creates a pending billing record and initiates payment
// at the configured gateway. A second initiation while one recurring record
// is pending or active is rejected, never allowed to create a conflicting
// second mandate.
func (s *Service) StartSubscription(ctx context.Context, accountID string) (string, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return "", errors.New("account_id is required")
	}

	if _, err := s.repo.GetOrCreateAccount(accountID); err != nil {
		return "", err
	}

	existing, err := s.repo.FindInFlightRecurringRecord(accountID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}
	if existing != nil {
		if existing.Status == models.BillingStatusActive {
			return "", ErrAlreadySubscribed
		}
		return "", ErrSubscriptionInFlight
	}

	gw, err := s.gateway(s.cfg.DefaultProvider)
	if err != nil {
		return "", err
	}

	rec := &models.BillingRecord{
		AccountID:   accountID,
		Provider:    gw.Name(),
		Amount:      s.cfg.Amount,
		Currency:    s.cfg.Currency,
		IsRecurring: true,
		Status:      models.BillingStatusPending,
		Purpose:     models.BillingPurposeSubscription,
	}
	if err := s.repo.CreateRecord(rec); err != nil {
		return "", err
	}

	result, err := gw.Initiate(ctx, InitiateParams{
		AccountID:   accountID,
		Amount:      s.cfg.Amount,
		Currency:    s.cfg.Currency,
		Description: s.cfg.Description,
		IsRecurring: true,
	})
	if err != nil {
		// A record whose initiation never reached the gateway must not
		// block a later attempt for the same account.
		if _, failErr := s.repo.FailRecord(rec.ID, err.Error()); failErr != nil {
			log.Errorf("[Billing] failed to mark record %d failed after initiate error: %v", rec.ID, failErr)
		}
		return "", err
	}

	if err := s.repo.SetGatewayPaymentID(rec.ID, result.ExternalPaymentID); err != nil {
		return "", err
	}
	return result.ConfirmationURL, nil
}

// CancelSubscription stops auto-renewal for the account. A still-pending
// payment is cancelled best-effort at the gateway; an active subscription
// keeps its paid window until the period lapses.
func (s *Service) CancelSubscription(ctx context.Context, accountID string) error {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return errors.New("account_id is required")
	}

	rec, err := s.repo.FindInFlightRecurringRecord(accountID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNoActiveSubscription
		}
		return err
	}

	if rec.Status == models.BillingStatusPending && rec.LastGatewayPaymentID != "" {
		if gw, gwErr := s.gateway(rec.Provider); gwErr == nil {
			if _, cancelErr := gw.Cancel(ctx, rec.LastGatewayPaymentID); cancelErr != nil {
				log.Warnf("[Billing] best-effort gateway cancel for payment %s failed: %v", rec.LastGatewayPaymentID, cancelErr)
			}
		}
	}

	if _, err := s.repo.FailRecord(rec.ID, FailReasonCanceledByUser); err != nil {
		return err
	}
	s.invalidateStatusCache(accountID)

	content := "Auto-renewal has been disabled."
	if rec.Status == models.BillingStatusActive && rec.PeriodEnd != nil {
		content = fmt.Sprintf("Auto-renewal has been disabled. Your subscription remains active until %s.",
			rec.PeriodEnd.UTC().Format(time.RFC3339))
	}
	if err := s.notifier.NotifyAccount(ctx, accountID, models.NotificationSubscriptionCanceled, content); err != nil {
		log.Errorf("[Billing] cancel notification for account %s failed: %v", accountID, err)
	}
	return nil
}

// AccountStatus returns the paid state the rest of the system is allowed to
// see: paid flag plus subscription expiry.
func (s *Service) AccountStatus(ctx context.Context, accountID string) (*AccountStatus, error) {
	_ = ctx
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, errors.New("account_id is required")
	}

	account, err := s.repo.GetAccount(accountID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &AccountStatus{AccountID: accountID}, nil
		}
		return nil, err
	}
	return &AccountStatus{
		AccountID:       accountID,
		Paid:            account.Paid,
		SubscriptionEnd: account.SubscriptionEnd,
	}, nil
}

// ApplyNotification reconciles one gateway notification against the ledger.
// It returns an error only for internal failures; a notification that
// resolves to nothing is acknowledged and logged as an anomaly, since the
// gateway will not usefully retry a payment the ledger never knew about.
func (s *Service) ApplyNotification(ctx context.Context, n Notification) error {
	rec, err := s.resolveRecord(n)
	if err != nil {
		return err
	}
	if rec == nil {
		log.Warnf("[Billing] anomaly: unmatched %s notification provider=%s payment=%s account=%s",
			n.EventType, n.Provider, n.ExternalPaymentID, n.AccountID)
		_ = counter.AddWebhookAnomaly(n.Provider)
		mail.SendOperatorAlert(
			"Unmatched payment notification",
			fmt.Sprintf("Provider %s sent a %s notification for payment %q (account %q) that matches no billing record. Manual reconciliation against the gateway ledger is required.",
				n.Provider, n.EventType, n.ExternalPaymentID, n.AccountID),
		)
		return nil
	}

	switch n.EventType {
	case EventPaymentSucceeded:
		return s.applySuccess(ctx, rec, n)
	case EventPaymentCanceled:
		return s.applyCancellation(ctx, rec, n)
	default:
		log.Warnf("[Billing] anomaly: unsupported event type %q from provider %s", n.EventType, n.Provider)
		_ = counter.AddWebhookAnomaly(n.Provider)
		return nil
	}
}

// resolveRecord maps a notification to exactly one billing record: by the
// gateway payment id first, by mandate token second (legacy lookup), and
// finally by newest pending record for the metadata account + purpose.
func (s *Service) resolveRecord(n Notification) (*models.BillingRecord, error) {
	if n.ExternalPaymentID != "" {
		rec, err := s.repo.FindRecordByGatewayPaymentID(n.Provider, n.ExternalPaymentID)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	if n.MandateToken != "" {
		rec, err := s.repo.FindRecordByMandateToken(n.Provider, n.MandateToken)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	if n.AccountID != "" {
		purpose := n.Purpose
		if purpose == "" {
			purpose = models.BillingPurposeSubscription
		}
		rec, err := s.repo.FindLatestPendingRecord(n.AccountID, purpose)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	return nil, nil
}

func (s *Service) applySuccess(ctx context.Context, rec *models.BillingRecord, n Notification) error {
	switch rec.Status {
	case models.BillingStatusActive:
		// Duplicate delivery, or the webhook confirming a renewal charge the
		// scheduler already booked. Either way the ledger is ahead of the
		// notification: acknowledge without mutating.
		log.Debugf("[Billing] duplicate success notification for active record %d (payment %s)", rec.ID, n.ExternalPaymentID)
		return nil
	case models.BillingStatusFailed:
		log.Warnf("[Billing] anomaly: success notification for failed record %d (payment %s)", rec.ID, n.ExternalPaymentID)
		return nil
	}

	now := s.now().UTC()
	periodEnd := NextBillingDate(now)

	applied, err := s.repo.ActivateRecord(rec.ID, n.MandateToken, now, periodEnd)
	if err != nil {
		return err
	}
	if !applied {
		// A concurrent delivery won the conditional update; this one
		// becomes a no-op.
		return nil
	}

	if rec.LastGatewayPaymentID == "" && n.ExternalPaymentID != "" {
		if err := s.repo.SetGatewayPaymentID(rec.ID, n.ExternalPaymentID); err != nil {
			return err
		}
	}
	if err := s.repo.MarkAccountPaid(rec.AccountID, now, periodEnd); err != nil {
		return err
	}
	s.invalidateStatusCache(rec.AccountID)

	content := fmt.Sprintf("Your subscription is active until %s.", periodEnd.Format(time.RFC3339))
	if err := s.notifier.NotifyAccount(ctx, rec.AccountID, models.NotificationSubscriptionActive, content); err != nil {
		log.Errorf("[Billing] activation notification for account %s failed: %v", rec.AccountID, err)
	}
	return nil
}

func (s *Service) applyCancellation(ctx context.Context, rec *models.BillingRecord, n Notification) error {
	_ = ctx
	wasActive := rec.Status == models.BillingStatusActive

	reason := strings.TrimSpace(n.ExternalStatus)
	if reason == "" {
		reason = FailReasonGatewayCanceled
	}
	applied, err := s.repo.FailRecord(rec.ID, reason)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	s.invalidateStatusCache(rec.AccountID)

	// Unpay the account only when this record was its paid path: an earlier,
	// unrelated, still-valid record keeps the account paid.
	if wasActive {
		covered, err := s.repo.HasActiveCoveringRecord(rec.AccountID, s.now().UTC())
		if err != nil {
			return err
		}
		if !covered {
			if _, err := s.repo.MarkAccountUnpaid(rec.AccountID); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordWebhookEvent persists webhook payloads idempotently. Gateways that
// send no event id get a payload-hash id so replays still deduplicate.
func (s *Service) RecordWebhookEvent(ctx context.Context, provider, providerEventID, eventType, payloadJSON string, signatureValid bool) (bool, *models.BillingWebhookEvent, error) {
	_ = ctx
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return false, nil, errors.New("provider is required")
	}
	eventID := strings.TrimSpace(providerEventID)
	if eventID == "" {
		sum := sha256.Sum256([]byte(payloadJSON))
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	event := &models.BillingWebhookEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       strings.TrimSpace(eventType),
		PayloadJSON:     payloadJSON,
		SignatureValid:  signatureValid,
	}
	return s.repo.CreateWebhookEventIfNotExists(event)
}

// MarkWebhookProcessed marks an event as processed and stores an optional error.
func (s *Service) MarkWebhookProcessed(ctx context.Context, webhookEventID uint, processingErr error) error {
	_ = ctx
	if webhookEventID == 0 {
		return errors.New("webhook_event_id is required")
	}
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	return s.repo.MarkWebhookProcessed(webhookEventID, errMsg)
}

func statusCacheKey(accountID string) string {
	return "billing:status:" + accountID
}

func (s *Service) invalidateStatusCache(accountID string) {
	if err := cache.Delete(statusCacheKey(accountID)); err != nil {
		log.Debugf("[Billing] status cache invalidation for account %s failed: %v", accountID, err)
	}
}
