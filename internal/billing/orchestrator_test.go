package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/binblast/binblast-sub003/internal/catalog"
	"github.com/binblast/binblast-sub003/internal/store"
	"github.com/binblast/binblast-sub003/internal/stripegw"
	"github.com/binblast/binblast-sub003/pkg/logging"
)

type priceUpdate struct {
	SubscriptionID    string
	ItemID            string
	PriceID           string
	ProrationBehavior string
}

type fakeGateway struct {
	sub        *stripegw.SubscriptionInfo
	createdSub *stripegw.SubscriptionInfo
	getErr     error

	updates   []priceUpdate
	checkouts []stripegw.CheckoutParams
	transfers map[string]*stripegw.TransferInfo
}

func (f *fakeGateway) GetSubscription(_ context.Context, id string) (*stripegw.SubscriptionInfo, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.sub, nil
}

func (f *fakeGateway) CreateSubscription(_ context.Context, customerID, priceID string) (*stripegw.SubscriptionInfo, error) {
	return f.createdSub, nil
}

func (f *fakeGateway) UpdateSubscriptionPrice(_ context.Context, subID, itemID, priceID, prorationBehavior string) error {
	f.updates = append(f.updates, priceUpdate{subID, itemID, priceID, prorationBehavior})
	return nil
}

func (f *fakeGateway) EnsurePrice(_ context.Context, plan catalog.Plan) (*stripegw.PriceInfo, error) {
	return &stripegw.PriceInfo{ID: "price_" + plan.ID, UnitAmountCents: plan.PriceCents}, nil
}

func (f *fakeGateway) CreatePlanChangeCheckout(_ context.Context, p stripegw.CheckoutParams) (string, string, error) {
	f.checkouts = append(f.checkouts, p)
	return "cs_test_1", "https://checkout.test/cs_test_1", nil
}

func (f *fakeGateway) GetTransfer(_ context.Context, id string) (*stripegw.TransferInfo, error) {
	if tr, ok := f.transfers[id]; ok {
		return tr, nil
	}
	return nil, errors.New("no such transfer")
}

var (
	periodStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd   = periodStart.AddDate(0, 0, 30)
	midPeriod   = periodEnd.AddDate(0, 0, -15)
)

func setup(t *testing.T, sub *store.Subscription, gw *fakeGateway, now time.Time) (*Orchestrator, *store.Store) {
	t.Helper()
	s, _ := store.NewMemoryStore()
	if sub != nil {
		if err := s.Subscriptions.Insert(context.Background(), sub); err != nil {
			t.Fatalf("seed subscription: %v", err)
		}
	}
	o := New(Config{
		Catalog:    catalog.Default(),
		Gateway:    gw,
		Store:      s,
		Logger:     logging.NewLogger(),
		SuccessURL: "https://binblast.test/billing/success",
		CancelURL:  "https://binblast.test/billing/cancel",
		Now:        func() time.Time { return now },
	})
	return o, s
}

func recurringSub() *store.Subscription {
	return &store.Subscription{
		ID:                    "sub-1",
		CustomerID:            "cust-1",
		CurrentPlanID:         "monthly-1bin",
		Status:                store.SubStatusActive,
		GatewayCustomerID:     "cus_gw_1",
		GatewaySubscriptionID: "sub_gw_1",
	}
}

func liveGatewaySub(unitCents int64) *stripegw.SubscriptionInfo {
	return &stripegw.SubscriptionInfo{
		ID:              "sub_gw_1",
		CustomerID:      "cus_gw_1",
		Status:          "active",
		PeriodStart:     periodStart,
		PeriodEnd:       periodEnd,
		ItemID:          "si_1",
		PriceID:         "price_current",
		UnitAmountCents: unitCents,
	}
}

func TestUpgradeRequiresPayment(t *testing.T) {
	gw := &fakeGateway{sub: liveGatewaySub(3500)}
	o, s := setup(t, recurringSub(), gw, midPeriod)

	res, err := o.RequestPlanChange(context.Background(), "cust-1", "monthly-2bin")
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	if res.Status != ChangePaymentRequired {
		t.Fatalf("expected payment_required, got %s", res.Status)
	}
	if res.AmountDueCents != 1500 {
		t.Fatalf("expected 1500 due, got %d", res.AmountDueCents)
	}
	if res.CheckoutURL == "" || res.PendingChangeID == "" {
		t.Fatalf("expected checkout handoff, got %+v", res)
	}

	// The current plan must not move before payment
	sub, _ := s.Subscriptions.GetByID(context.Background(), "sub-1")
	if sub.CurrentPlanID != "monthly-1bin" {
		t.Fatalf("plan moved before payment: %s", sub.CurrentPlanID)
	}
	if sub.Status != store.SubStatusPendingPaymentChange {
		t.Fatalf("expected pending_payment_change, got %s", sub.Status)
	}
	if len(gw.updates) != 0 {
		t.Fatalf("gateway subscription must not be touched yet: %+v", gw.updates)
	}

	pc, err := s.PendingChanges.GetByCheckoutSession(context.Background(), "cs_test_1")
	if err != nil {
		t.Fatalf("pending change missing: %v", err)
	}
	if pc.TargetPlanID != "monthly-2bin" || pc.FromPlanID != "monthly-1bin" || pc.AmountDueCents != 1500 {
		t.Fatalf("unexpected pending change: %+v", pc)
	}
}

func TestDowngradeAppliesImmediately(t *testing.T) {
	sub := recurringSub()
	sub.CurrentPlanID = "monthly-2bin"
	gw := &fakeGateway{sub: liveGatewaySub(6500)}
	o, s := setup(t, sub, gw, midPeriod)

	res, err := o.RequestPlanChange(context.Background(), "cust-1", "monthly-1bin")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if res.Status != ChangeCompleted {
		t.Fatalf("expected completed, got %s", res.Status)
	}
	if res.Quote.CreditCents != 3250 {
		t.Fatalf("expected 3250 credit, got %d", res.Quote.CreditCents)
	}

	if len(gw.updates) != 1 {
		t.Fatalf("expected one gateway swap, got %d", len(gw.updates))
	}
	if gw.updates[0].ProrationBehavior != "always_invoice" {
		t.Fatalf("expected always_invoice, got %s", gw.updates[0].ProrationBehavior)
	}

	got, _ := s.Subscriptions.GetByID(context.Background(), "sub-1")
	if got.CurrentPlanID != "monthly-1bin" || got.Status != store.SubStatusActive {
		t.Fatalf("unexpected subscription state: %+v", got)
	}
}

func TestZeroChargeUpgradeSwapsWithoutBilling(t *testing.T) {
	gw := &fakeGateway{sub: liveGatewaySub(3500)}
	// At the period boundary there are no days left to charge for
	o, s := setup(t, recurringSub(), gw, periodEnd)

	res, err := o.RequestPlanChange(context.Background(), "cust-1", "monthly-2bin")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if res.Status != ChangeCompleted {
		t.Fatalf("expected completed, got %s", res.Status)
	}
	if len(gw.checkouts) != 0 {
		t.Fatal("no checkout expected for a zero-charge upgrade")
	}
	if len(gw.updates) != 1 || gw.updates[0].ProrationBehavior != "none" {
		t.Fatalf("expected a single proration-free swap, got %+v", gw.updates)
	}

	got, _ := s.Subscriptions.GetByID(context.Background(), "sub-1")
	if got.CurrentPlanID != "monthly-2bin" {
		t.Fatalf("plan not moved: %s", got.CurrentPlanID)
	}
}

func TestConversionFromOneTimePlan(t *testing.T) {
	sub := &store.Subscription{
		ID:                "sub-2",
		CustomerID:        "cust-2",
		CurrentPlanID:     "single-clean",
		Status:            store.SubStatusActive,
		GatewayCustomerID: "cus_gw_2",
	}
	gw := &fakeGateway{
		createdSub: &stripegw.SubscriptionInfo{
			ID:          "sub_gw_new",
			CustomerID:  "cus_gw_2",
			Status:      "active",
			PeriodStart: periodStart,
			PeriodEnd:   periodEnd,
			ItemID:      "si_new",
		},
	}
	o, s := setup(t, sub, gw, midPeriod)

	res, err := o.RequestPlanChange(context.Background(), "cust-2", "monthly-1bin")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if res.Status != ChangeCompleted {
		t.Fatalf("expected completed, got %s", res.Status)
	}
	// No billing window existed, so nothing was prorated
	if res.Quote.AmountOwedCents != 0 || res.Quote.CreditCents != 0 {
		t.Fatalf("expected degenerate quote, got %+v", res.Quote)
	}

	got, _ := s.Subscriptions.GetByID(context.Background(), "sub-2")
	if got.CurrentPlanID != "monthly-1bin" {
		t.Fatalf("plan not moved: %s", got.CurrentPlanID)
	}
	if got.GatewaySubscriptionID != "sub_gw_new" {
		t.Fatalf("gateway subscription not recorded: %+v", got)
	}
}

func TestConversionToOneTimePlanRejected(t *testing.T) {
	sub := &store.Subscription{
		ID:                "sub-3",
		CustomerID:        "cust-3",
		CurrentPlanID:     "monthly-1bin",
		Status:            store.SubStatusActive,
		GatewayCustomerID: "cus_gw_3",
	}
	o, _ := setup(t, sub, &fakeGateway{}, midPeriod)

	_, err := o.RequestPlanChange(context.Background(), "cust-3", "single-clean")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestRecurringToOneTimePlanRejected(t *testing.T) {
	gw := &fakeGateway{sub: liveGatewaySub(3500)}
	o, s := setup(t, recurringSub(), gw, midPeriod)

	// 4500 one-time reads as pricier than 3500 monthly, but it must never
	// become a paid upgrade: the gateway cannot swap a live subscription
	// onto a non-recurring price.
	_, err := o.RequestPlanChange(context.Background(), "cust-1", "single-clean")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if len(gw.checkouts) != 0 {
		t.Fatalf("no checkout may be created: %+v", gw.checkouts)
	}

	sub, _ := s.Subscriptions.GetByID(context.Background(), "sub-1")
	if sub.CurrentPlanID != "monthly-1bin" || sub.Status != store.SubStatusActive {
		t.Fatalf("subscription must be untouched: %+v", sub)
	}
}

func TestRequestPlanChangeValidation(t *testing.T) {
	gw := &fakeGateway{sub: liveGatewaySub(3500)}
	o, _ := setup(t, recurringSub(), gw, midPeriod)
	ctx := context.Background()

	if _, err := o.RequestPlanChange(ctx, "cust-1", "no-such-plan"); !errors.Is(err, ErrInvalidPlan) {
		t.Fatalf("expected ErrInvalidPlan, got %v", err)
	}
	if _, err := o.RequestPlanChange(ctx, "cust-1", "monthly-1bin"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for same plan, got %v", err)
	}
	if _, err := o.RequestPlanChange(ctx, "ghost", "monthly-2bin"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGatewayOutageSurfacesAsUpstreamError(t *testing.T) {
	gw := &fakeGateway{getErr: errors.New("connection refused")}
	o, _ := setup(t, recurringSub(), gw, midPeriod)

	_, err := o.RequestPlanChange(context.Background(), "cust-1", "monthly-2bin")
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
}

func TestCompletePendingChange(t *testing.T) {
	gw := &fakeGateway{sub: liveGatewaySub(3500)}
	o, s := setup(t, recurringSub(), gw, midPeriod)
	ctx := context.Background()

	if _, err := o.RequestPlanChange(ctx, "cust-1", "monthly-2bin"); err != nil {
		t.Fatalf("request: %v", err)
	}

	if err := o.CompletePendingChange(ctx, "cs_test_1"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, _ := s.Subscriptions.GetByID(ctx, "sub-1")
	if got.CurrentPlanID != "monthly-2bin" || got.Status != store.SubStatusActive {
		t.Fatalf("unexpected subscription state: %+v", got)
	}
	// The delta was collected through checkout, so the swap is proration-free
	if len(gw.updates) != 1 || gw.updates[0].ProrationBehavior != "none" {
		t.Fatalf("expected single proration-free swap, got %+v", gw.updates)
	}

	pc, _ := s.PendingChanges.GetByCheckoutSession(ctx, "cs_test_1")
	if pc.ResolvedAt == nil {
		t.Fatal("pending change not resolved")
	}

	// A replayed completion is a no-op
	if err := o.CompletePendingChange(ctx, "cs_test_1"); err != nil {
		t.Fatalf("replayed complete: %v", err)
	}
	if len(gw.updates) != 1 {
		t.Fatalf("replay must not touch the gateway again: %+v", gw.updates)
	}
}

func TestAbandonPendingChange(t *testing.T) {
	gw := &fakeGateway{sub: liveGatewaySub(3500)}
	o, s := setup(t, recurringSub(), gw, midPeriod)
	ctx := context.Background()

	if _, err := o.RequestPlanChange(ctx, "cust-1", "monthly-2bin"); err != nil {
		t.Fatalf("request: %v", err)
	}

	if err := o.AbandonPendingChange(ctx, "cs_test_1"); err != nil {
		t.Fatalf("abandon: %v", err)
	}

	sub, _ := s.Subscriptions.GetByID(ctx, "sub-1")
	if sub.CurrentPlanID != "monthly-1bin" {
		t.Fatalf("abandon must not move the plan: %s", sub.CurrentPlanID)
	}
	if sub.Status != store.SubStatusActive {
		t.Fatalf("subscription must be unblocked, got %s", sub.Status)
	}

	pc, _ := s.PendingChanges.GetByCheckoutSession(ctx, "cs_test_1")
	if pc.ResolvedAt == nil {
		t.Fatal("pending change must be consumed")
	}

	// The customer can request a new change afterwards
	if _, err := o.RequestPlanChange(ctx, "cust-1", "yearly-2bin"); err != nil {
		t.Fatalf("follow-up change: %v", err)
	}

	// Abandoning again is a no-op
	if err := o.AbandonPendingChange(ctx, "cs_test_1"); err != nil {
		t.Fatalf("replayed abandon: %v", err)
	}
}

func TestCompleteUnknownSession(t *testing.T) {
	o, _ := setup(t, nil, &fakeGateway{}, midPeriod)
	err := o.CompletePendingChange(context.Background(), "cs_missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSecondChangeBlockedWhilePaymentPending(t *testing.T) {
	gw := &fakeGateway{sub: liveGatewaySub(3500)}
	o, _ := setup(t, recurringSub(), gw, midPeriod)
	ctx := context.Background()

	if _, err := o.RequestPlanChange(ctx, "cust-1", "monthly-2bin"); err != nil {
		t.Fatalf("request: %v", err)
	}
	_, err := o.RequestPlanChange(ctx, "cust-1", "yearly-2bin")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput while payment pending, got %v", err)
	}
}
