package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the provider-neutral state of a single gateway payment.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusCanceled  PaymentStatus = "canceled"
	PaymentStatusUnknown   PaymentStatus = "unknown"
)

// Metadata keys echoed back verbatim by gateways in every notification for a
// payment. This is the only reliable channel for associating a notification
// with a billing record before the record has its gateway payment id.
const (
	MetadataKeyPurpose   = "purpose"
	MetadataKeyAccountID = "account_id"
)

// InitiateParams describes a first-time payment initiation.
type InitiateParams struct {
	AccountID   string
	Amount      decimal.Decimal
	Currency    string
	Description string
	IsRecurring bool
}

// InitiateResult is the gateway's answer to an initiation request.
type InitiateResult struct {
	ExternalPaymentID string
	ConfirmationURL   string
}

// ChargeResult is the gateway's answer to a server-initiated mandate charge.
type ChargeResult struct {
	ExternalPaymentID string
	Status            PaymentStatus
}

// Gateway is the capability contract both payment processors implement.
// Initiate must attach purpose and account_id as opaque metadata; for the
// recurring gateway it additionally registers a mandate for future
// server-initiated charges.
type Gateway interface {
	Name() string
	Initiate(ctx context.Context, params InitiateParams) (*InitiateResult, error)
	ChargeMandate(ctx context.Context, mandateToken string, amount decimal.Decimal, description string) (*ChargeResult, error)
	QueryStatus(ctx context.Context, externalPaymentID string) (PaymentStatus, error)
	Cancel(ctx context.Context, externalPaymentID string) (PaymentStatus, error)
}

// GatewayError carries the provider's error code and whether the failure is
// a transient transport problem (retryable) or an explicit business
// rejection (terminal for that attempt).
type GatewayError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *GatewayError) Error() string {
	kind := "rejected"
	if e.Retryable {
		kind = "transient"
	}
	return fmt.Sprintf("gateway %s error %s: %s", kind, e.Code, e.Message)
}

// IsRetryableGatewayError reports whether err is a transient gateway failure
// (timeout, connection loss, 5xx) as opposed to a business rejection.
func IsRetryableGatewayError(err error) bool {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Retryable
	}
	// Anything that is not an explicit gateway rejection (network errors,
	// context deadline) counts as transient.
	return true
}
