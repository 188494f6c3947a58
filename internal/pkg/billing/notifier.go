package billing

import (
	"context"

	"github.com/avisio/paidup/app/models"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
)

// Notifier is the channel through which the engine tells an account about a
// status change. Delivery (chat message, e-mail) is a collaborator concern.
type Notifier interface {
	NotifyAccount(ctx context.Context, accountID, kind, content string) error
}

// DBNotifier records notifications as rows for the front end to deliver.
type DBNotifier struct {
	db *gorm.DB
}

func NewDBNotifier(db *gorm.DB) *DBNotifier {
	return &DBNotifier{db: db}
}

func (n *DBNotifier) NotifyAccount(ctx context.Context, accountID, kind, content string) error {
	_ = ctx
	return models.CreateNotification(n.db, accountID, kind, content)
}

// LogNotifier only logs; used in tests and as a fallback when no
// notification store is wired.
type LogNotifier struct{}

func (LogNotifier) NotifyAccount(_ context.Context, accountID, kind, content string) error {
	log.Infof("[Billing] notify account=%s kind=%s: %s", accountID, kind, content)
	return nil
}
