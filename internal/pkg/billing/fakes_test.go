package billing

import (
	"context"
	"sort"
	"time"

	"github.com/avisio/paidup/app/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// fakeRepo is an in-memory Repository with the same conditional-update
// semantics as the GORM implementation.
type fakeRepo struct {
	accounts map[string]*models.Account
	records  map[uint]*models.BillingRecord
	events   map[string]*models.BillingWebhookEvent

	nextRecordID  uint
	nextEventID   uint
	createdAtBase time.Time
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		accounts:      map[string]*models.Account{},
		records:       map[uint]*models.BillingRecord{},
		events:        map[string]*models.BillingWebhookEvent{},
		createdAtBase: time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC),
	}
}

func copyRecord(r *models.BillingRecord) *models.BillingRecord {
	c := *r
	return &c
}

func (f *fakeRepo) GetOrCreateAccount(accountID string) (*models.Account, error) {
	if a, ok := f.accounts[accountID]; ok {
		c := *a
		return &c, nil
	}
	a := &models.Account{ID: uint(len(f.accounts) + 1), AccountID: accountID}
	f.accounts[accountID] = a
	c := *a
	return &c, nil
}

func (f *fakeRepo) GetAccount(accountID string) (*models.Account, error) {
	a, ok := f.accounts[accountID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	c := *a
	return &c, nil
}

func (f *fakeRepo) MarkAccountPaid(accountID string, start, end time.Time) error {
	a, ok := f.accounts[accountID]
	if !ok {
		a = &models.Account{ID: uint(len(f.accounts) + 1), AccountID: accountID}
		f.accounts[accountID] = a
	}
	a.Paid = true
	a.SubscriptionStart = &start
	a.SubscriptionEnd = &end
	return nil
}

func (f *fakeRepo) ListLapsedAccounts(now time.Time) ([]models.Account, error) {
	var out []models.Account
	for _, a := range f.accounts {
		if a.Paid && a.SubscriptionEnd != nil && a.SubscriptionEnd.Before(now) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeRepo) MarkAccountUnpaid(accountID string) (bool, error) {
	a, ok := f.accounts[accountID]
	if !ok || !a.Paid {
		return false, nil
	}
	a.Paid = false
	return true, nil
}

func (f *fakeRepo) CreateRecord(rec *models.BillingRecord) error {
	f.nextRecordID++
	rec.ID = f.nextRecordID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = f.createdAtBase.Add(time.Duration(rec.ID) * time.Second)
	}
	f.records[rec.ID] = copyRecord(rec)
	return nil
}

func (f *fakeRepo) SetGatewayPaymentID(recordID uint, externalPaymentID string) error {
	rec, ok := f.records[recordID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	rec.LastGatewayPaymentID = externalPaymentID
	return nil
}

func (f *fakeRepo) findNewest(match func(*models.BillingRecord) bool) (*models.BillingRecord, error) {
	var newest *models.BillingRecord
	for _, rec := range f.records {
		if !match(rec) {
			continue
		}
		if newest == nil || rec.ID > newest.ID {
			newest = rec
		}
	}
	if newest == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return copyRecord(newest), nil
}

func (f *fakeRepo) FindRecordByGatewayPaymentID(provider, externalPaymentID string) (*models.BillingRecord, error) {
	return f.findNewest(func(r *models.BillingRecord) bool {
		return r.Provider == provider && r.LastGatewayPaymentID == externalPaymentID && externalPaymentID != ""
	})
}

func (f *fakeRepo) FindRecordByMandateToken(provider, mandateToken string) (*models.BillingRecord, error) {
	return f.findNewest(func(r *models.BillingRecord) bool {
		return r.Provider == provider && r.MandateToken == mandateToken && mandateToken != ""
	})
}

func (f *fakeRepo) FindLatestPendingRecord(accountID, purpose string) (*models.BillingRecord, error) {
	return f.findNewest(func(r *models.BillingRecord) bool {
		return r.AccountID == accountID && r.Purpose == purpose && r.Status == models.BillingStatusPending
	})
}

func (f *fakeRepo) FindInFlightRecurringRecord(accountID string) (*models.BillingRecord, error) {
	return f.findNewest(func(r *models.BillingRecord) bool {
		return r.AccountID == accountID && r.IsRecurring &&
			(r.Status == models.BillingStatusPending || r.Status == models.BillingStatusActive)
	})
}

func (f *fakeRepo) HasActiveCoveringRecord(accountID string, now time.Time) (bool, error) {
	for _, rec := range f.records {
		if rec.AccountID == accountID && rec.Status == models.BillingStatusActive &&
			rec.PeriodEnd != nil && rec.PeriodEnd.After(now) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRepo) ActivateRecord(recordID uint, mandateToken string, periodStart, periodEnd time.Time) (bool, error) {
	rec, ok := f.records[recordID]
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

func (f *fakeRepo) FailRecord(recordID uint, failReason string) (bool, error) {
	rec, ok := f.records[recordID]
	if !ok || (rec.Status != models.BillingStatusPending && rec.Status != models.BillingStatusActive) {
		return false, nil
	}
	rec.Status = models.BillingStatusFailed
	rec.FailReason = failReason
	rec.RetryCount++
	return true, nil
}

func (f *fakeRepo) RenewRecordPeriod(recordID uint, externalPaymentID string, periodStart, periodEnd time.Time) (bool, error) {
	rec, ok := f.records[recordID]
	if !ok || rec.Status != models.BillingStatusActive {
		return false, nil
	}
	rec.LastGatewayPaymentID = externalPaymentID
	rec.PeriodStart = &periodStart
	rec.PeriodEnd = &periodEnd
	rec.RetryCount = 0
	return true, nil
}

func (f *fakeRepo) ListDueRenewals(now time.Time) ([]models.BillingRecord, error) {
	var out []models.BillingRecord
	for _, rec := range f.records {
		if rec.DueForRenewal(now) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodEnd.Before(*out[j].PeriodEnd) })
	return out, nil
}

func (f *fakeRepo) ListPendingOlderThan(cutoff time.Time) ([]models.BillingRecord, error) {
	var out []models.BillingRecord
	for _, rec := range f.records {
		if rec.Status == models.BillingStatusPending && rec.CreatedAt.Before(cutoff) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeRepo) DeleteRecord(recordID uint) error {
	delete(f.records, recordID)
	return nil
}

func (f *fakeRepo) CreateWebhookEventIfNotExists(event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	key := event.Provider + "|" + event.ProviderEventID
	if stored, ok := f.events[key]; ok {
		c := *stored
		return false, &c, nil
	}
	f.nextEventID++
	event.ID = f.nextEventID
	f.events[key] = event
	c := *event
	return true, &c, nil
}

func (f *fakeRepo) MarkWebhookProcessed(id uint, processingError string) error {
	for _, event := range f.events {
		if event.ID == id {
			now := time.Now()
			event.ProcessedAt = &now
			event.ProcessingError = processingError
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

// fakeGateway is a scriptable Gateway.
type fakeGateway struct {
	name string

	initiateResult *InitiateResult
	initiateErr    error
	chargeResult   *ChargeResult
	chargeErr      error
	chargeFn       func(mandateToken string) (*ChargeResult, error)
	queryStatus    PaymentStatus
	queryErr       error
	cancelStatus   PaymentStatus
	cancelErr      error

	initiateCalls int
	chargeCalls   []string
	cancelCalls   []string
}

func (g *fakeGateway) Name() string { return g.name }

func (g *fakeGateway) Initiate(_ context.Context, _ InitiateParams) (*InitiateResult, error) {
	g.initiateCalls++
	if g.initiateErr != nil {
		return nil, g.initiateErr
	}
	return g.initiateResult, nil
}

func (g *fakeGateway) ChargeMandate(_ context.Context, mandateToken string, _ decimal.Decimal, _ string) (*ChargeResult, error) {
	g.chargeCalls = append(g.chargeCalls, mandateToken)
	if g.chargeFn != nil {
		return g.chargeFn(mandateToken)
	}
	if g.chargeErr != nil {
		return nil, g.chargeErr
	}
	return g.chargeResult, nil
}

func (g *fakeGateway) QueryStatus(_ context.Context, _ string) (PaymentStatus, error) {
	if g.queryErr != nil {
		return PaymentStatusUnknown, g.queryErr
	}
	return g.queryStatus, nil
}

func (g *fakeGateway) Cancel(_ context.Context, externalPaymentID string) (PaymentStatus, error) {
	g.cancelCalls = append(g.cancelCalls, externalPaymentID)
	if g.cancelErr != nil {
		return PaymentStatusUnknown, g.cancelErr
	}
	return g.cancelStatus, nil
}

type sentNotification struct {
	AccountID string
	Kind      string
}

type fakeNotifier struct {
	sent []sentNotification
}

func (n *fakeNotifier) NotifyAccount(_ context.Context, accountID, kind, _ string) error {
	n.sent = append(n.sent, sentNotification{AccountID: accountID, Kind: kind})
	return nil
}

func (n *fakeNotifier) kinds() []string {
	out := make([]string, 0, len(n.sent))
	for _, s := range n.sent {
		out = append(out, s.Kind)
	}
	return out
}

var testNow = time.Date(2024, time.March, 10, 12, 0, 0, 0, time.UTC)

func newTestService(repo *fakeRepo, gw *fakeGateway) (*Service, *fakeNotifier) {
	notifier := &fakeNotifier{}
	svc := NewService(repo, map[string]Gateway{gw.name: gw}, notifier, Config{
		DefaultProvider: gw.name,
		Amount:          decimal.RequireFromString("4.99"),
		Currency:        "EUR",
		Description:     "Monthly subscription",
	})
	svc.now = func() time.Time { return testNow }
	return svc, notifier
}
