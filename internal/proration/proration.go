// Package proration computes day-prorated price deltas for mid-cycle plan
// changes. All functions are pure; amounts are cents.
package proration

import (
	"math"
	"time"

	"github.com/binblast/binblast-sub003/internal/catalog"
)

// Quote is the preview of a plan change over the current billing window.
// Exactly one of AmountOwedCents / CreditCents is meaningful: owed applies
// only to upgrades, credit only to downgrades (and is informational, never
// charged).
type Quote struct {
	CurrentMonthlyCents int64 `json:"current_monthly_cents"`
	NewMonthlyCents     int64 `json:"new_monthly_cents"`
	DaysRemaining       int   `json:"days_remaining"`
	TotalDaysInPeriod   int   `json:"total_days"`
	IsUpgrade           bool  `json:"is_upgrade"`
	AmountOwedCents     int64 `json:"prorated_amount_owed"`
	CreditCents         int64 `json:"prorated_credit"`
}

// Compute builds a quote from the catalog's monthly-equivalent prices over
// the billing window [periodStart, periodEnd). A customer without a
// recurring billing period (zero bounds, or a window already elapsed)
// degenerates to an all-zero quote: there is nothing to prorate against.
func Compute(current, next catalog.Plan, periodStart, periodEnd, now time.Time) Quote {
	q := Quote{
		CurrentMonthlyCents: current.MonthlyEquivalentCents(),
		NewMonthlyCents:     next.MonthlyEquivalentCents(),
	}
	q.IsUpgrade = q.NewMonthlyCents > q.CurrentMonthlyCents

	if periodStart.IsZero() || periodEnd.IsZero() || !periodEnd.After(periodStart) {
		return q
	}

	q.TotalDaysInPeriod = ceilDays(periodEnd.Sub(periodStart))
	q.DaysRemaining = ceilDays(periodEnd.Sub(now))
	if q.DaysRemaining < 0 {
		q.DaysRemaining = 0
	}
	if q.TotalDaysInPeriod == 0 {
		return q
	}

	if q.IsUpgrade {
		delta := q.NewMonthlyCents - q.CurrentMonthlyCents
		q.AmountOwedCents = roundedShare(delta, q.DaysRemaining, q.TotalDaysInPeriod)
		if q.AmountOwedCents < 0 {
			q.AmountOwedCents = 0
		}
	} else {
		q.CreditCents = roundedShare(q.CurrentMonthlyCents, q.DaysRemaining, q.TotalDaysInPeriod)
	}

	return q
}

// ChargeBasisDays returns the divisor used when converting a per-unit price
// delta into a day-prorated charge: 365 for yearly plans, 30 for monthly,
// the actual window length otherwise.
func ChargeBasisDays(plan catalog.Plan, totalDaysInPeriod int) int {
	switch plan.Interval {
	case catalog.IntervalYear:
		return 365
	case catalog.IntervalMonth:
		return 30
	default:
		return totalDaysInPeriod
	}
}

// AmountOwed computes the charge for an upgrade from the gateway's true
// per-unit prices. This, not the Quote preview, is what the customer pays.
func AmountOwed(currentUnitCents, newUnitCents int64, daysRemaining, basisDays int) int64 {
	if basisDays <= 0 || daysRemaining <= 0 {
		return 0
	}
	owed := roundedShare(newUnitCents-currentUnitCents, daysRemaining, basisDays)
	if owed < 0 {
		return 0
	}
	return owed
}

func ceilDays(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Hours() / 24))
}

func roundedShare(amountCents int64, days, basisDays int) int64 {
	return int64(math.Round(float64(amountCents) * float64(days) / float64(basisDays)))
}
