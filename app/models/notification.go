package models

import (
	"time"

	"gorm.io/gorm"
)

// Notification kinds emitted by the billing engine. Delivery to the account
// (chat message, e-mail) is a collaborator concern; the engine only records
// what should be said.
const (
	NotificationSubscriptionActive   = "subscription_active"
	NotificationSubscriptionRenewed  = "subscription_renewed"
	NotificationRenewalFailed        = "renewal_failed"
	NotificationSubscriptionExpired  = "subscription_expired"
	NotificationSubscriptionCanceled = "subscription_canceled"
)

type Notification struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	AccountID string         `gorm:"type:varchar(191);not null;index" json:"account_id"`
	Type      string         `gorm:"type:varchar(50)" json:"type" validate:"oneof=subscription_active subscription_renewed renewal_failed subscription_expired subscription_canceled"`
	Content   string         `gorm:"type:text" json:"content"`
	IsRead    bool           `gorm:"default:false" json:"is_read"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// MarkAsRead marks a notification as read.
func (n *Notification) MarkAsRead(db *gorm.DB) error {
	n.IsRead = true
	return db.Model(n).Update("is_read", true).Error
}

// CreateNotification persists a new account notification.
func CreateNotification(db *gorm.DB, accountID, notificationType, content string) error {
	notification := Notification{
		AccountID: accountID,
		Type:      notificationType,
		Content:   content,
		IsRead:    false,
	}

	return db.Create(&notification).Error
}
