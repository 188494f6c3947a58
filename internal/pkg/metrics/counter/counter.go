package counter

import (
	"context"

	"github.com/avisio/paidup/internal/pkg/cache"
)

const billingCountersKey = "billing:counters"

// Operational billing counters kept in a Redis hash. They are best-effort
// (an unreachable cache must never fail a webhook or a renewal) and are read
// back as a snapshot by the metrics endpoint.

// AddWebhookReceived increments the received-notification counter for a gateway.
func AddWebhookReceived(provider string) error {
	return incr("webhook:" + provider + ":received")
}

// AddWebhookDuplicate increments the duplicate-delivery counter for a gateway.
func AddWebhookDuplicate(provider string) error {
	return incr("webhook:" + provider + ":duplicate")
}

// AddWebhookAnomaly increments the unmatched/unsupported-notification counter.
func AddWebhookAnomaly(provider string) error {
	return incr("webhook:" + provider + ":anomaly")
}

// AddRenewalSucceeded increments the successful-renewal counter.
func AddRenewalSucceeded() error {
	return incr("renewal:succeeded")
}

// AddRenewalFailed increments the failed-renewal counter.
func AddRenewalFailed() error {
	return incr("renewal:failed")
}

// AddPendingExpired increments the stale-pending-deletion counter.
func AddPendingExpired(n int) error {
	if n <= 0 {
		return nil
	}
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, billingCountersKey, "pending:expired", int64(n)).Err()
}

// Snapshot returns all billing counters as a field -> value map.
func Snapshot() (map[string]string, error) {
	ctx := context.Background()
	return cache.GetClient().HGetAll(ctx, billingCountersKey).Result()
}

func incr(field string) error {
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, billingCountersKey, field, 1).Err()
}
