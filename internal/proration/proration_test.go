package proration

import (
	"testing"
	"time"

	"github.com/binblast/binblast-sub003/internal/catalog"
)

var (
	monthlyBasic = catalog.Plan{ID: "monthly-1bin", PriceCents: 3500, Interval: catalog.IntervalMonth, Recurring: true}
	monthlyPlus  = catalog.Plan{ID: "monthly-2bin", PriceCents: 6500, Interval: catalog.IntervalMonth, Recurring: true}
	yearlyBasic  = catalog.Plan{ID: "yearly-1bin", PriceCents: 37800, Interval: catalog.IntervalYear, Recurring: true}
	oneTime      = catalog.Plan{ID: "single-clean", PriceCents: 4500, Interval: catalog.IntervalOneTime}
)

func thirtyDayWindow() (start, end, now time.Time) {
	start = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end = start.AddDate(0, 0, 30)
	now = end.AddDate(0, 0, -15)
	return
}

func TestComputeUpgrade(t *testing.T) {
	start, end, now := thirtyDayWindow()
	q := Compute(monthlyBasic, monthlyPlus, start, end, now)

	if !q.IsUpgrade {
		t.Fatal("expected upgrade")
	}
	if q.TotalDaysInPeriod != 30 {
		t.Fatalf("expected 30 total days, got %d", q.TotalDaysInPeriod)
	}
	if q.DaysRemaining != 15 {
		t.Fatalf("expected 15 days remaining, got %d", q.DaysRemaining)
	}
	if q.AmountOwedCents != 1500 {
		t.Fatalf("expected 1500 owed, got %d", q.AmountOwedCents)
	}
	if q.CreditCents != 0 {
		t.Fatalf("expected no credit on upgrade, got %d", q.CreditCents)
	}
}

func TestComputeDowngrade(t *testing.T) {
	start, end, now := thirtyDayWindow()
	q := Compute(monthlyPlus, monthlyBasic, start, end, now)

	if q.IsUpgrade {
		t.Fatal("expected downgrade")
	}
	if q.AmountOwedCents != 0 {
		t.Fatalf("expected nothing owed, got %d", q.AmountOwedCents)
	}
	// 6500/30*15
	if q.CreditCents != 3250 {
		t.Fatalf("expected 3250 credit, got %d", q.CreditCents)
	}
}

func TestComputeDowngradeCreditRounding(t *testing.T) {
	start, end, now := thirtyDayWindow()
	q := Compute(monthlyBasic, oneTime, start, end, now)

	// 3500/30*15 rounds to 1750
	if q.CreditCents != 1750 {
		t.Fatalf("expected 1750 credit, got %d", q.CreditCents)
	}
}

func TestComputeZeroDelta(t *testing.T) {
	start, end, now := thirtyDayWindow()
	q := Compute(monthlyBasic, monthlyBasic, start, end, now)

	if q.IsUpgrade {
		t.Fatal("equal price must not be an upgrade")
	}
	if q.AmountOwedCents != 0 {
		t.Fatalf("expected nothing owed on zero delta, got %d", q.AmountOwedCents)
	}
}

func TestComputeNoBillingPeriod(t *testing.T) {
	q := Compute(oneTime, monthlyBasic, time.Time{}, time.Time{}, time.Now())

	if q.DaysRemaining != 0 || q.TotalDaysInPeriod != 0 {
		t.Fatalf("expected degenerate window, got %d/%d", q.DaysRemaining, q.TotalDaysInPeriod)
	}
	if q.AmountOwedCents != 0 || q.CreditCents != 0 {
		t.Fatalf("expected zero amounts, got owed=%d credit=%d", q.AmountOwedCents, q.CreditCents)
	}
}

func TestComputeExpiredWindowClampsToZero(t *testing.T) {
	start, end, _ := thirtyDayWindow()
	after := end.AddDate(0, 0, 3)
	q := Compute(monthlyBasic, monthlyPlus, start, end, after)

	if q.DaysRemaining != 0 {
		t.Fatalf("expected 0 days remaining, got %d", q.DaysRemaining)
	}
	if q.AmountOwedCents != 0 {
		t.Fatalf("expected nothing owed after period end, got %d", q.AmountOwedCents)
	}
}

func TestChargeBasisDays(t *testing.T) {
	if got := ChargeBasisDays(yearlyBasic, 365); got != 365 {
		t.Fatalf("expected 365 for yearly, got %d", got)
	}
	if got := ChargeBasisDays(monthlyBasic, 31); got != 30 {
		t.Fatalf("expected 30 for monthly, got %d", got)
	}
	if got := ChargeBasisDays(oneTime, 17); got != 17 {
		t.Fatalf("expected window length for one-time, got %d", got)
	}
}

func TestAmountOwed(t *testing.T) {
	if got := AmountOwed(3500, 6500, 15, 30); got != 1500 {
		t.Fatalf("expected 1500, got %d", got)
	}
	// Negative deltas never produce a charge
	if got := AmountOwed(6500, 3500, 15, 30); got != 0 {
		t.Fatalf("expected 0 for negative delta, got %d", got)
	}
	if got := AmountOwed(3500, 6500, 0, 30); got != 0 {
		t.Fatalf("expected 0 with no days remaining, got %d", got)
	}
	if got := AmountOwed(3500, 6500, 15, 0); got != 0 {
		t.Fatalf("expected 0 with no basis, got %d", got)
	}
}

func TestComputeIsDeterministic(t *testing.T) {
	start, end, now := thirtyDayWindow()
	a := Compute(monthlyBasic, monthlyPlus, start, end, now)
	b := Compute(monthlyBasic, monthlyPlus, start, end, now)
	if a != b {
		t.Fatalf("expected identical quotes, got %+v vs %+v", a, b)
	}
}
