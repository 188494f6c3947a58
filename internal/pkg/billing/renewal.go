package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/avisio/paidup/app/models"
	"github.com/avisio/paidup/internal/pkg/mail"
	"github.com/avisio/paidup/internal/pkg/metrics/counter"
	"github.com/gofiber/fiber/v2/log"
)

// ExpireStalePending deletes pending records older than the timeout. They
// represent abandoned checkouts and must not block a future attempt for the
// same account. Returns how many records were removed.
func (s *Service) ExpireStalePending(ctx context.Context, pendingTimeout time.Duration) (int, error) {
	_ = ctx
	cutoff := s.now().UTC().Add(-pendingTimeout)
	recs, err := s.repo.ListPendingOlderThan(cutoff)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, rec := range recs {
		if err := s.repo.DeleteRecord(rec.ID); err != nil {
			log.Errorf("[Billing] failed to delete stale pending record %d: %v", rec.ID, err)
			continue
		}
		deleted++
		log.Infof("[Billing] deleted stale pending record %d (account %s, created %s)",
			rec.ID, rec.AccountID, rec.CreatedAt.UTC().Format(time.RFC3339))
	}
	_ = counter.AddPendingExpired(deleted)
	return deleted, nil
}

// PollPendingPayments is the notification fallback: pending records whose
// payment was initiated but not confirmed within the wait window are polled
// synchronously at their gateway. Confirmed outcomes are reconciled exactly
// like a webhook would have been; transient poll failures leave the record
// untouched.
func (s *Service) PollPendingPayments(ctx context.Context, waitWindow time.Duration) error {
	cutoff := s.now().UTC().Add(-waitWindow)
	recs, err := s.repo.ListPendingOlderThan(cutoff)
	if err != nil {
		return err
	}

	for _, rec := range recs {
		if rec.LastGatewayPaymentID == "" {
			continue
		}
		gw, err := s.gateway(rec.Provider)
		if err != nil {
			log.Errorf("[Billing] pending record %d references unknown provider %q", rec.ID, rec.Provider)
			continue
		}

		status, err := gw.QueryStatus(ctx, rec.LastGatewayPaymentID)
		if err != nil {
			if IsRetryableGatewayError(err) {
				log.Warnf("[Billing] status poll for payment %s failed transiently: %v", rec.LastGatewayPaymentID, err)
				continue
			}
			log.Errorf("[Billing] status poll for payment %s rejected: %v", rec.LastGatewayPaymentID, err)
			continue
		}

		switch status {
		case PaymentStatusSucceeded:
			err = s.ApplyNotification(ctx, Notification{
				Provider:          rec.Provider,
				EventType:         EventPaymentSucceeded,
				ExternalPaymentID: rec.LastGatewayPaymentID,
			})
		case PaymentStatusCanceled:
			err = s.ApplyNotification(ctx, Notification{
				Provider:          rec.Provider,
				EventType:         EventPaymentCanceled,
				ExternalPaymentID: rec.LastGatewayPaymentID,
			})
		default:
			// Still in flight at the gateway; leave it for the webhook or
			// the stale-pending expiry.
		}
		if err != nil {
			log.Errorf("[Billing] reconciling polled payment %s failed: %v", rec.LastGatewayPaymentID, err)
		}
	}
	return nil
}

// ProcessDueRenewals charges every active recurring record whose period has
// elapsed. Failures are isolated per record: one bad mandate never aborts
// the remaining renewals in the tick.
func (s *Service) ProcessDueRenewals(ctx context.Context) error {
	now := s.now().UTC()
	recs, err := s.repo.ListDueRenewals(now)
	if err != nil {
		return err
	}

	for _, rec := range recs {
		if err := s.renewOne(ctx, rec, now); err != nil {
			log.Errorf("[Billing] renewal of record %d (account %s) failed: %v", rec.ID, rec.AccountID, err)
		}
	}
	return nil
}

func (s *Service) renewOne(ctx context.Context, rec models.BillingRecord, now time.Time) error {
	gw, err := s.gateway(rec.Provider)
	if err != nil {
		return err
	}

	result, err := gw.ChargeMandate(ctx, rec.MandateToken, rec.Amount, s.cfg.Description)
	if err != nil {
		// Deliberately terminal, transient or not: automatic re-charging
		// risks uncontrolled repeat charges against the mandate. Operator
		// reconciliation or a fresh checkout re-activates the account.
		return s.failRenewal(ctx, rec, err.Error())
	}
	if result.Status == PaymentStatusCanceled {
		return s.failRenewal(ctx, rec, fmt.Sprintf("charge declined (payment %s)", result.ExternalPaymentID))
	}

	// The ledger update is the durability boundary: a crash between charge
	// success and this write is resolved by operator reconciliation against
	// the gateway ledger, never by silently charging again.
	newStart := rec.PeriodEnd.UTC()
	newEnd := NextBillingDate(newStart)
	if !newEnd.After(now) {
		// Catch up after prolonged downtime instead of scheduling another
		// immediate charge.
		newEnd = NextBillingDate(now)
	}

	applied, err := s.repo.RenewRecordPeriod(rec.ID, result.ExternalPaymentID, newStart, newEnd)
	if err != nil {
		return err
	}
	if !applied {
		log.Warnf("[Billing] renewal of record %d raced another writer; leaving ledger as is", rec.ID)
		return nil
	}
	if err := s.repo.MarkAccountPaid(rec.AccountID, newStart, newEnd); err != nil {
		return err
	}
	s.invalidateStatusCache(rec.AccountID)
	_ = counter.AddRenewalSucceeded()

	content := fmt.Sprintf("Your subscription was renewed until %s.", newEnd.Format(time.RFC3339))
	if err := s.notifier.NotifyAccount(ctx, rec.AccountID, models.NotificationSubscriptionRenewed, content); err != nil {
		log.Errorf("[Billing] renewal notification for account %s failed: %v", rec.AccountID, err)
	}
	return nil
}

func (s *Service) failRenewal(ctx context.Context, rec models.BillingRecord, reason string) error {
	if _, err := s.repo.FailRecord(rec.ID, reason); err != nil {
		return err
	}
	s.invalidateStatusCache(rec.AccountID)
	_ = counter.AddRenewalFailed()
	mail.SendOperatorAlert(
		"Subscription renewal failed",
		fmt.Sprintf("Renewal of billing record %d (account %s) failed: %s. The record was marked failed; no automatic retry will be attempted.",
			rec.ID, rec.AccountID, reason),
	)

	content := "Your subscription renewal failed. Please start a new subscription to keep access."
	if err := s.notifier.NotifyAccount(ctx, rec.AccountID, models.NotificationRenewalFailed, content); err != nil {
		log.Errorf("[Billing] renewal-failure notification for account %s failed: %v", rec.AccountID, err)
	}
	return fmt.Errorf("renewal charge failed: %s", reason)
}

// ExpireLapsedAccounts flips paid off for accounts whose subscription window
// elapsed without a successful renewal.
func (s *Service) ExpireLapsedAccounts(ctx context.Context) (int, error) {
	now := s.now().UTC()
	accounts, err := s.repo.ListLapsedAccounts(now)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, account := range accounts {
		covered, err := s.repo.HasActiveCoveringRecord(account.AccountID, now)
		if err != nil {
			log.Errorf("[Billing] coverage check for account %s failed: %v", account.AccountID, err)
			continue
		}
		if covered {
			continue
		}
		applied, err := s.repo.MarkAccountUnpaid(account.AccountID)
		if err != nil {
			log.Errorf("[Billing] expiring account %s failed: %v", account.AccountID, err)
			continue
		}
		if !applied {
			continue
		}
		expired++
		s.invalidateStatusCache(account.AccountID)
		content := "Your subscription has expired."
		if err := s.notifier.NotifyAccount(ctx, account.AccountID, models.NotificationSubscriptionExpired, content); err != nil {
			log.Errorf("[Billing] expiry notification for account %s failed: %v", account.AccountID, err)
		}
	}
	return expired, nil
}
