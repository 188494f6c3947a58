package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Gateway provider keys used across billing-related models.
const (
	BillingProviderCheckout  = "checkout"
	BillingProviderRecurring = "recurring"
)

const (
	BillingStatusPending = "pending"
	BillingStatusActive  = "active"
	BillingStatusFailed  = "failed"
)

// Purpose discriminator attached to gateway metadata so notifications can be
// associated with a record even before the payment id is known locally.
const (
	BillingPurposeSubscription = "subscription"
	BillingPurposeRenewal      = "renewal"
)

// BillingRecord is one row per billing attempt/lifecycle and the unit of
// idempotency: every inbound gateway notification resolves to exactly one
// record, and applying the same notification twice is a no-op.
type BillingRecord struct {
	ID                   uint            `gorm:"primaryKey" json:"id"`
	AccountID            string          `gorm:"type:varchar(191);not null;index" json:"account_id"`
	Provider             string          `gorm:"type:varchar(20);not null;index" json:"provider"`
	Amount               decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"amount"`
	Currency             string          `gorm:"type:varchar(3);not null;default:'EUR'" json:"currency"`
	IsRecurring          bool            `gorm:"default:false;index:idx_billing_records_due,priority:2" json:"is_recurring"`
	Status               string          `gorm:"type:varchar(16);not null;default:'pending';index:idx_billing_records_due,priority:1" json:"status"`
	Purpose              string          `gorm:"type:varchar(32);not null;default:'subscription'" json:"purpose"`
	MandateToken         string          `gorm:"type:varchar(191);default:'';index" json:"-"`
	LastGatewayPaymentID string          `gorm:"type:varchar(191);default:'';index" json:"last_gateway_payment_id"`
	PeriodStart          *time.Time      `gorm:"type:timestamp;default:null" json:"period_start,omitempty"`
	PeriodEnd            *time.Time      `gorm:"type:timestamp;default:null;index:idx_billing_records_due,priority:3" json:"period_end,omitempty"`
	RetryCount           int             `gorm:"default:0" json:"retry_count"`
	FailReason           string          `gorm:"type:text" json:"fail_reason,omitempty"`
	CreatedAt            time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt            time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsTerminal reports whether the record reached a final state.
func (r *BillingRecord) IsTerminal() bool {
	return r.Status == BillingStatusActive || r.Status == BillingStatusFailed
}

// DueForRenewal reports whether the scheduler should charge this record.
func (r *BillingRecord) DueForRenewal(now time.Time) bool {
	return r.IsRecurring &&
		r.Status == BillingStatusActive &&
		r.MandateToken != "" &&
		r.PeriodEnd != nil &&
		!r.PeriodEnd.After(now)
}
