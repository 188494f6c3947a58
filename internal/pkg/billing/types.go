package billing

import (
	"errors"
	"time"
)

// Notification event types after per-gateway payload normalization.
const (
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentCanceled  = "payment.canceled"
)

// Notification is the provider-agnostic shape of one inbound gateway
// callback. It is ephemeral: the raw payload is persisted separately as a
// BillingWebhookEvent, this struct only drives reconciliation.
type Notification struct {
	Provider          string
	EventType         string
	ExternalPaymentID string
	ExternalStatus    string
	MandateToken      string
	// Metadata echoed verbatim from Initiate. A notification is not
	// guaranteed to carry an account identifier directly.
	Purpose   string
	AccountID string
}

// AccountStatus is what the rest of the system sees for an account.
type AccountStatus struct {
	AccountID       string     `json:"account_id"`
	Paid            bool       `json:"paid"`
	SubscriptionEnd *time.Time `json:"subscription_end"`
}

// Errors surfaced by the public subscription operations.
var (
	ErrSubscriptionInFlight = errors.New("billing: a subscription attempt is already in flight for this account")
	ErrAlreadySubscribed    = errors.New("billing: account already has an active recurring subscription")
	ErrNoActiveSubscription = errors.New("billing: account has no subscription to cancel")
	ErrUnknownProvider      = errors.New("billing: unknown gateway provider")
)

// Fail reasons written by the engine itself (gateway error texts are stored
// verbatim otherwise).
const (
	FailReasonCanceledByUser  = "canceled_by_user"
	FailReasonGatewayCanceled = "canceled_by_gateway"
)
