package billing

import "time"

// Billing day cutover: a subscription purchased before the 15th is next
// billed on the last day of the same month, anything later gets the full
// following month before the next charge.
const billingDayCutover = 15

// NextBillingDate computes the next billing instant for a reference time.
// The reference is normalized to UTC before any calendar arithmetic and the
// result keeps the reference's time-of-day on the last day of the target
// month. A zero reference time is a programmer error and panics.
func NextBillingDate(now time.Time) time.Time {
	if now.IsZero() {
		panic("billing: NextBillingDate called with zero time")
	}

	utc := now.UTC()
	year, month, day := utc.Date()

	targetMonth := month
	if day >= billingDayCutover {
		targetMonth++
	}

	// Day 0 of month+1 resolves to the last day of the target month;
	// time.Date normalizes month overflow (December+1 -> January).
	return time.Date(year, targetMonth+1, 0,
		utc.Hour(), utc.Minute(), utc.Second(), 0, time.UTC)
}
