package models

import "time"

// Account is the billing engine's view of a paying user. The paid flag and
// the subscription window are mutated only through billing record
// transitions, never directly by UI code.
type Account struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	AccountID         string     `gorm:"type:varchar(191);not null;uniqueIndex" json:"account_id"`
	Paid              bool       `gorm:"default:false;index" json:"paid"`
	SubscriptionStart *time.Time `gorm:"type:timestamp;default:null" json:"subscription_start,omitempty"`
	SubscriptionEnd   *time.Time `gorm:"type:timestamp;default:null;index" json:"subscription_end,omitempty"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsSubscribed reports whether the account's current period covers now.
func (a *Account) IsSubscribed(now time.Time) bool {
	return a.Paid && a.SubscriptionEnd != nil && a.SubscriptionEnd.After(now)
}
