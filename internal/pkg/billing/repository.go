package billing

import (
	"time"

	"github.com/avisio/paidup/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides DB operations used by the billing service and the
// renewal scheduler. Status transitions are conditional updates: a write
// re-checks the current status inside the statement it mutates, so two
// concurrent writers cannot both apply the same transition.
type Repository interface {
	GetOrCreateAccount(accountID string) (*models.Account, error)
	GetAccount(accountID string) (*models.Account, error)
	MarkAccountPaid(accountID string, start, end time.Time) error
	ListLapsedAccounts(now time.Time) ([]models.Account, error)
	MarkAccountUnpaid(accountID string) (bool, error)

	CreateRecord(rec *models.BillingRecord) error
	SetGatewayPaymentID(recordID uint, externalPaymentID string) error
	FindRecordByGatewayPaymentID(provider, externalPaymentID string) (*models.BillingRecord, error)
	FindRecordByMandateToken(provider, mandateToken string) (*models.BillingRecord, error)
	FindLatestPendingRecord(accountID, purpose string) (*models.BillingRecord, error)
	FindInFlightRecurringRecord(accountID string) (*models.BillingRecord, error)
	HasActiveCoveringRecord(accountID string, now time.Time) (bool, error)
	ActivateRecord(recordID uint, mandateToken string, periodStart, periodEnd time.Time) (bool, error)
	FailRecord(recordID uint, failReason string) (bool, error)
	RenewRecordPeriod(recordID uint, externalPaymentID string, periodStart, periodEnd time.Time) (bool, error)
	ListDueRenewals(now time.Time) ([]models.BillingRecord, error)
	ListPendingOlderThan(cutoff time.Time) ([]models.BillingRecord, error)
	DeleteRecord(recordID uint) error

	CreateWebhookEventIfNotExists(event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error)
	MarkWebhookProcessed(id uint, processingError string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) GetOrCreateAccount(accountID string) (*models.Account, error) {
	account := &models.Account{AccountID: accountID}
	err := r.db.Where("account_id = ?", accountID).
		FirstOrCreate(account).Error
	if err != nil {
		return nil, err
	}
	return account, nil
}

func (r *gormRepository) GetAccount(accountID string) (*models.Account, error) {
	var account models.Account
	if err := r.db.Where("account_id = ?", accountID).First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *gormRepository) MarkAccountPaid(accountID string, start, end time.Time) error {
	return r.db.Model(&models.Account{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{
			"paid":               true,
			"subscription_start": start,
			"subscription_end":   end,
		}).Error
}

func (r *gormRepository) ListLapsedAccounts(now time.Time) ([]models.Account, error) {
	var accounts []models.Account
	err := r.db.
		Where("paid = ? AND subscription_end IS NOT NULL AND subscription_end < ?", true, now).
		Find(&accounts).Error
	return accounts, err
}

func (r *gormRepository) MarkAccountUnpaid(accountID string) (bool, error) {
	tx := r.db.Model(&models.Account{}).
		Where("account_id = ? AND paid = ?", accountID, true).
		Update("paid", false)
	return tx.RowsAffected > 0, tx.Error
}

func (r *gormRepository) CreateRecord(rec *models.BillingRecord) error {
	return r.db.Create(rec).Error
}

func (r *gormRepository) SetGatewayPaymentID(recordID uint, externalPaymentID string) error {
	return r.db.Model(&models.BillingRecord{}).
		Where("id = ?", recordID).
		Update("last_gateway_payment_id", externalPaymentID).Error
}

func (r *gormRepository) FindRecordByGatewayPaymentID(provider, externalPaymentID string) (*models.BillingRecord, error) {
	var rec models.BillingRecord
	err := r.db.
		Where("provider = ? AND last_gateway_payment_id = ?", provider, externalPaymentID).
		First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *gormRepository) FindRecordByMandateToken(provider, mandateToken string) (*models.BillingRecord, error) {
	var rec models.BillingRecord
	err := r.db.
		Where("provider = ? AND mandate_token = ?", provider, mandateToken).
		Order("created_at DESC").
		First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *gormRepository) FindLatestPendingRecord(accountID, purpose string) (*models.BillingRecord, error) {
	var rec models.BillingRecord
	err := r.db.
		Where("account_id = ? AND purpose = ? AND status = ?", accountID, purpose, models.BillingStatusPending).
		Order("created_at DESC").
		First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *gormRepository) FindInFlightRecurringRecord(accountID string) (*models.BillingRecord, error) {
	var rec models.BillingRecord
	err := r.db.
		Where("account_id = ? AND is_recurring = ? AND status IN ?",
			accountID, true, []string{models.BillingStatusPending, models.BillingStatusActive}).
		Order("created_at DESC").
		First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *gormRepository) HasActiveCoveringRecord(accountID string, now time.Time) (bool, error) {
	var count int64
	err := r.db.Model(&models.BillingRecord{}).
		Where("account_id = ? AND status = ? AND period_end IS NOT NULL AND period_end > ?",
			accountID, models.BillingStatusActive, now).
		Count(&count).Error
	return count > 0, err
}

// ActivateRecord transitions pending -> active. The status predicate makes a
// duplicate activation a no-op instead of a lost update.
func (r *gormRepository) ActivateRecord(recordID uint, mandateToken string, periodStart, periodEnd time.Time) (bool, error) {
	updates := map[string]interface{}{
		"status":       models.BillingStatusActive,
		"period_start": periodStart,
		"period_end":   periodEnd,
		"fail_reason":  "",
	}
	if mandateToken != "" {
		updates["mandate_token"] = mandateToken
	}
	tx := r.db.Model(&models.BillingRecord{}).
		Where("id = ? AND status = ?", recordID, models.BillingStatusPending).
		Updates(updates)
	return tx.RowsAffected > 0, tx.Error
}

func (r *gormRepository) FailRecord(recordID uint, failReason string) (bool, error) {
	tx := r.db.Model(&models.BillingRecord{}).
		Where("id = ? AND status IN ?", recordID, []string{models.BillingStatusPending, models.BillingStatusActive}).
		Updates(map[string]interface{}{
			"status":      models.BillingStatusFailed,
			"fail_reason": failReason,
			"retry_count": gorm.Expr("retry_count + 1"),
		})
	return tx.RowsAffected > 0, tx.Error
}

// RenewRecordPeriod rolls an active record into its next period after a
// successful mandate charge.
func (r *gormRepository) RenewRecordPeriod(recordID uint, externalPaymentID string, periodStart, periodEnd time.Time) (bool, error) {
	tx := r.db.Model(&models.BillingRecord{}).
		Where("id = ? AND status = ?", recordID, models.BillingStatusActive).
		Updates(map[string]interface{}{
			"last_gateway_payment_id": externalPaymentID,
			"period_start":            periodStart,
			"period_end":              periodEnd,
			"retry_count":             0,
		})
	return tx.RowsAffected > 0, tx.Error
}

func (r *gormRepository) ListDueRenewals(now time.Time) ([]models.BillingRecord, error) {
	var recs []models.BillingRecord
	err := r.db.
		Where("status = ? AND is_recurring = ? AND mandate_token <> '' AND period_end IS NOT NULL AND period_end <= ?",
			models.BillingStatusActive, true, now).
		Order("period_end ASC").
		Find(&recs).Error
	return recs, err
}

func (r *gormRepository) ListPendingOlderThan(cutoff time.Time) ([]models.BillingRecord, error) {
	var recs []models.BillingRecord
	err := r.db.
		Where("status = ? AND created_at < ?", models.BillingStatusPending, cutoff).
		Find(&recs).Error
	return recs, err
}

func (r *gormRepository) DeleteRecord(recordID uint) error {
	return r.db.Delete(&models.BillingRecord{}, recordID).Error
}

func (r *gormRepository) CreateWebhookEventIfNotExists(event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.BillingWebhookEvent
	if err := r.db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(id uint, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.Model(&models.BillingWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}
