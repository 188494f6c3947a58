package controllers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/avisio/paidup/app/models"
	"github.com/avisio/paidup/internal/pkg/billing"
)

// memRepo implements the billing.Repository methods the handlers reach;
// everything else panics through the embedded nil interface.
type memRepo struct {
	billing.Repository

	accounts map[string]*models.Account
	records  map[uint]*models.BillingRecord
	events   map[string]*models.BillingWebhookEvent

	nextRecordID uint
	nextEventID  uint
}

func newMemRepo() *memRepo {
	return &memRepo{
		accounts: map[string]*models.Account{},
		records:  map[uint]*models.BillingRecord{},
		events:   map[string]*models.BillingWebhookEvent{},
	}
}

func (m *memRepo) GetOrCreateAccount(accountID string) (*models.Account, error) {
	if a, ok := m.accounts[accountID]; ok {
		return a, nil
	}
	a := &models.Account{ID: uint(len(m.accounts) + 1), AccountID: accountID}
	m.accounts[accountID] = a
	return a, nil
}

func (m *memRepo) GetAccount(accountID string) (*models.Account, error) {
	a, ok := m.accounts[accountID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return a, nil
}

func (m *memRepo) MarkAccountPaid(accountID string, start, end time.Time) error {
	a, _ := m.GetOrCreateAccount(accountID)
	a.Paid = true
	a.SubscriptionStart = &start
	a.SubscriptionEnd = &end
	return nil
}

func (m *memRepo) MarkAccountUnpaid(accountID string) (bool, error) {
	a, ok := m.accounts[accountID]
	if !ok || !a.Paid {
		return false, nil
	}
	a.Paid = false
	return true, nil
}

func (m *memRepo) HasActiveCoveringRecord(accountID string, now time.Time) (bool, error) {
	for _, rec := range m.records {
		if rec.AccountID == accountID && rec.Status == models.BillingStatusActive &&
			rec.PeriodEnd != nil && rec.PeriodEnd.After(now) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memRepo) CreateRecord(rec *models.BillingRecord) error {
	m.nextRecordID++
	rec.ID = m.nextRecordID
	m.records[rec.ID] = rec
	return nil
}

func (m *memRepo) SetGatewayPaymentID(recordID uint, externalPaymentID string) error {
	rec, ok := m.records[recordID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	rec.LastGatewayPaymentID = externalPaymentID
	return nil
}

func (m *memRepo) findNewest(match func(*models.BillingRecord) bool) (*models.BillingRecord, error) {
	var newest *models.BillingRecord
	for _, rec := range m.records {
		if match(rec) && (newest == nil || rec.ID > newest.ID) {
			newest = rec
		}
	}
	if newest == nil {
		return nil, gorm.ErrRecordNotFound
	}
	c := *newest
	return &c, nil
}

func (m *memRepo) FindRecordByGatewayPaymentID(provider, externalPaymentID string) (*models.BillingRecord, error) {
	return m.findNewest(func(r *models.BillingRecord) bool {
		return r.Provider == provider && externalPaymentID != "" && r.LastGatewayPaymentID == externalPaymentID
	})
}

func (m *memRepo) FindRecordByMandateToken(provider, mandateToken string) (*models.BillingRecord, error) {
	return m.findNewest(func(r *models.BillingRecord) bool {
		return r.Provider == provider && mandateToken != "" && r.MandateToken == mandateToken
	})
}

func (m *memRepo) FindLatestPendingRecord(accountID, purpose string) (*models.BillingRecord, error) {
	return m.findNewest(func(r *models.BillingRecord) bool {
		return r.AccountID == accountID && r.Purpose == purpose && r.Status == models.BillingStatusPending
	})
}

func (m *memRepo) FindInFlightRecurringRecord(accountID string) (*models.BillingRecord, error) {
	return m.findNewest(func(r *models.BillingRecord) bool {
		return r.AccountID == accountID && r.IsRecurring &&
			(r.Status == models.BillingStatusPending || r.Status == models.BillingStatusActive)
	})
}

func (m *memRepo) ActivateRecord(recordID uint, mandateToken string, periodStart, periodEnd time.Time) (bool, error) {
	rec, ok := m.records[recordID]
	if !ok || rec.Status != models.BillingStatusPending {
		return false, nil
	}
	rec.Status = models.BillingStatusActive
	rec.PeriodStart = &periodStart
	rec.PeriodEnd = &periodEnd
	rec.FailReason = ""
	if mandateToken != "" {
		rec.MandateToken = mandateToken
	}
	return true, nil
}

func (m *memRepo) FailRecord(recordID uint, failReason string) (bool, error) {
	rec, ok := m.records[recordID]
	if !ok || (rec.Status != models.BillingStatusPending && rec.Status != models.BillingStatusActive) {
		return false, nil
	}
	rec.Status = models.BillingStatusFailed
	rec.FailReason = failReason
	rec.RetryCount++
	return true, nil
}

func (m *memRepo) CreateWebhookEventIfNotExists(event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	key := event.Provider + "|" + event.ProviderEventID
	if stored, ok := m.events[key]; ok {
		return false, stored, nil
	}
	m.nextEventID++
	event.ID = m.nextEventID
	m.events[key] = event
	return true, event, nil
}

func (m *memRepo) MarkWebhookProcessed(id uint, processingError string) error {
	for _, event := range m.events {
		if event.ID == id {
			now := time.Now()
			event.ProcessedAt = &now
			event.ProcessingError = processingError
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

// stubGateway is a scriptable billing.Gateway.
type stubGateway struct {
	name           string
	initiateResult *billing.InitiateResult
	initiateErr    error
	cancelCalls    []string
}

func (g *stubGateway) Name() string { return g.name }

func (g *stubGateway) Initiate(_ context.Context, _ billing.InitiateParams) (*billing.InitiateResult, error) {
	if g.initiateErr != nil {
		return nil, g.initiateErr
	}
	return g.initiateResult, nil
}

func (g *stubGateway) ChargeMandate(_ context.Context, _ string, _ decimal.Decimal, _ string) (*billing.ChargeResult, error) {
	return nil, gorm.ErrRecordNotFound
}

func (g *stubGateway) QueryStatus(_ context.Context, _ string) (billing.PaymentStatus, error) {
	return billing.PaymentStatusUnknown, nil
}

func (g *stubGateway) Cancel(_ context.Context, externalPaymentID string) (billing.PaymentStatus, error) {
	g.cancelCalls = append(g.cancelCalls, externalPaymentID)
	return billing.PaymentStatusCanceled, nil
}

// withStubService routes the handlers at a service wired to the fakes for
// the duration of one test.
func withStubService(t *testing.T, repo *memRepo, gateways ...billing.Gateway) {
	t.Helper()

	gwMap := map[string]billing.Gateway{}
	provider := models.BillingProviderCheckout
	for _, gw := range gateways {
		gwMap[gw.Name()] = gw
		provider = gw.Name()
	}

	svc := billing.NewService(repo, gwMap, billing.LogNotifier{}, billing.Config{
		DefaultProvider: provider,
		Amount:          decimal.RequireFromString("4.99"),
		Currency:        "EUR",
		Description:     "Monthly subscription",
	})

	orig := billingService
	billingService = func() *billing.Service { return svc }
	t.Cleanup(func() { billingService = orig })
}

func signHexPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
