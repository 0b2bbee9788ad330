// Package billing implements plan changes for customer subscriptions:
// immediate swaps for downgrades and conversions, and a two-phase flow for
// paid upgrades where the current plan is only committed after the gateway
// confirms payment.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/binblast/binblast-sub003/internal/catalog"
	"github.com/binblast/binblast-sub003/internal/proration"
	"github.com/binblast/binblast-sub003/internal/store"
	"github.com/binblast/binblast-sub003/internal/stripegw"
	"github.com/binblast/binblast-sub003/pkg/logging"
)

// ChangeStatus is the outcome of a plan change request
type ChangeStatus string

const (
	// ChangeCompleted means the plan swap was applied immediately
	ChangeCompleted ChangeStatus = "completed"
	// ChangePaymentRequired means a checkout session was created and the
	// plan will move once the reconciler sees the payment succeed.
	ChangePaymentRequired ChangeStatus = "payment_required"
)

// ChangeResult is returned from RequestPlanChange
type ChangeResult struct {
	Status          ChangeStatus    `json:"status"`
	Quote           proration.Quote `json:"quote"`
	AmountDueCents  int64           `json:"amount_due_cents,omitempty"`
	CheckoutURL     string          `json:"checkout_url,omitempty"`
	PendingChangeID string          `json:"pending_change_id,omitempty"`
}

// Orchestrator coordinates the catalog, payment gateway, and store for plan
// changes. All dependencies are injected; there is no package-level state.
type Orchestrator struct {
	catalog *catalog.Catalog
	gateway stripegw.Gateway
	subs    store.Subscriptions
	pending store.PendingChanges
	logger  logging.Logger

	successURL string
	cancelURL  string
	now        func() time.Time
}

// Config for building an Orchestrator
type Config struct {
	Catalog    *catalog.Catalog
	Gateway    stripegw.Gateway
	Store      *store.Store
	Logger     logging.Logger
	SuccessURL string
	CancelURL  string
	Now        func() time.Time // defaults to time.Now
}

// New builds an Orchestrator
func New(cfg Config) *Orchestrator {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		catalog:    cfg.Catalog,
		gateway:    cfg.Gateway,
		subs:       cfg.Store.Subscriptions,
		pending:    cfg.Store.PendingChanges,
		logger:     cfg.Logger,
		successURL: cfg.SuccessURL,
		cancelURL:  cfg.CancelURL,
		now:        now,
	}
}

// RequestPlanChange moves a customer toward targetPlanID. Downgrades, equal
// priced swaps, and one-time-to-recurring conversions apply immediately;
// upgrades with a positive prorated charge return ChangePaymentRequired and
// leave the current plan untouched until CompletePendingChange runs.
func (o *Orchestrator) RequestPlanChange(ctx context.Context, customerID, targetPlanID string) (*ChangeResult, error) {
	target, ok := o.catalog.Get(targetPlanID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPlan, targetPlanID)
	}

	sub, err := o.subs.GetByCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if sub.CurrentPlanID == targetPlanID {
		return nil, fmt.Errorf("%w: already on plan %s", ErrInvalidInput, targetPlanID)
	}
	if sub.Status == store.SubStatusPendingPaymentChange {
		return nil, fmt.Errorf("%w: a plan change is already awaiting payment", ErrInvalidInput)
	}

	current, ok := o.catalog.Get(sub.CurrentPlanID)
	if !ok {
		return nil, fmt.Errorf("%w: subscription references unknown plan %s", ErrInvalidPlan, sub.CurrentPlanID)
	}

	if sub.GatewaySubscriptionID == "" {
		return o.convertToRecurring(ctx, sub, current, target)
	}
	return o.changeRecurringPlan(ctx, sub, current, target)
}

// convertToRecurring handles a customer with no live gateway subscription,
// typically on a one-time plan, moving onto a recurring one. There is no
// billing window to prorate against, so the quote is degenerate and the new
// subscription simply starts now.
func (o *Orchestrator) convertToRecurring(ctx context.Context, sub *store.Subscription, current, target catalog.Plan) (*ChangeResult, error) {
	if !target.Recurring {
		return nil, fmt.Errorf("%w: plan %s is not recurring", ErrInvalidInput, target.ID)
	}
	if sub.GatewayCustomerID == "" {
		return nil, fmt.Errorf("%w: subscription has no gateway customer", ErrInvalidInput)
	}

	price, err := o.gateway.EnsurePrice(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	gwSub, err := o.gateway.CreateSubscription(ctx, sub.GatewayCustomerID, price.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	// Record the gateway refs first, then commit the plan conditionally.
	// Both are partial updates so concurrent reconciler writes to other
	// fields are never clobbered.
	if err := o.subs.AttachGatewaySubscription(ctx, sub.ID, gwSub.ID, gwSub.PeriodStart, gwSub.PeriodEnd); err != nil {
		return nil, err
	}
	if err := o.subs.CommitPlanChange(ctx, sub.ID, sub.CurrentPlanID, target.ID, store.SubStatusActive); err != nil {
		return nil, err
	}

	o.logger.WithFields(logging.Fields{
		"customer_id":             sub.CustomerID,
		"target_plan":             target.ID,
		"gateway_subscription_id": gwSub.ID,
	}).Info("Converted customer to recurring plan")

	return &ChangeResult{
		Status: ChangeCompleted,
		Quote:  proration.Compute(current, target, time.Time{}, time.Time{}, o.now()),
	}, nil
}

func (o *Orchestrator) changeRecurringPlan(ctx context.Context, sub *store.Subscription, current, target catalog.Plan) (*ChangeResult, error) {
	// A live recurring subscription cannot move onto a one-time plan; the
	// gateway has no non-recurring price to swap the item to.
	if !target.Recurring {
		return nil, fmt.Errorf("%w: plan %s is not recurring", ErrInvalidInput, target.ID)
	}

	gwSub, err := o.gateway.GetSubscription(ctx, sub.GatewaySubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	quote := proration.Compute(current, target, gwSub.PeriodStart, gwSub.PeriodEnd, o.now())

	price, err := o.gateway.EnsurePrice(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	if quote.IsUpgrade {
		// The charge comes from the gateway's true unit prices, not the
		// catalog preview.
		basis := proration.ChargeBasisDays(target, quote.TotalDaysInPeriod)
		owed := proration.AmountOwed(gwSub.UnitAmountCents, price.UnitAmountCents, quote.DaysRemaining, basis)
		if owed > 0 {
			return o.beginPaidUpgrade(ctx, sub, target, quote, owed)
		}
		// Zero-charge upgrade, e.g. at the very end of the period
		return o.applyImmediateSwap(ctx, sub, target, gwSub, price.ID, "none", quote)
	}

	// Downgrades take effect now; the unused value comes back as an
	// invoiced credit rather than a refund.
	return o.applyImmediateSwap(ctx, sub, target, gwSub, price.ID, "always_invoice", quote)
}

func (o *Orchestrator) beginPaidUpgrade(ctx context.Context, sub *store.Subscription, target catalog.Plan, quote proration.Quote, owedCents int64) (*ChangeResult, error) {
	pc := &store.PendingPlanChange{
		ID:             uuid.New().String(),
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
		FromPlanID:     sub.CurrentPlanID,
		TargetPlanID:   target.ID,
		AmountDueCents: owedCents,
	}

	sessionID, url, err := o.gateway.CreatePlanChangeCheckout(ctx, stripegw.CheckoutParams{
		CustomerID:      sub.GatewayCustomerID,
		AmountCents:     owedCents,
		Description:     fmt.Sprintf("Upgrade to %s (prorated)", target.DisplayName),
		PendingChangeID: pc.ID,
		TargetPlanID:    target.ID,
		LocalCustomerID: sub.CustomerID,
		SuccessURL:      o.successURL,
		CancelURL:       o.cancelURL,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	pc.CheckoutSessionID = sessionID

	if err := o.pending.Create(ctx, pc); err != nil {
		return nil, err
	}

	// Mark the subscription waiting without touching its plan
	if err := o.subs.SetStatus(ctx, sub.ID, store.SubStatusPendingPaymentChange); err != nil {
		return nil, err
	}

	o.logger.WithFields(logging.Fields{
		"customer_id":       sub.CustomerID,
		"target_plan":       target.ID,
		"pending_change_id": pc.ID,
		"amount_due_cents":  owedCents,
	}).Info("Plan upgrade awaiting payment")

	return &ChangeResult{
		Status:          ChangePaymentRequired,
		Quote:           quote,
		AmountDueCents:  owedCents,
		CheckoutURL:     url,
		PendingChangeID: pc.ID,
	}, nil
}

func (o *Orchestrator) applyImmediateSwap(ctx context.Context, sub *store.Subscription, target catalog.Plan, gwSub *stripegw.SubscriptionInfo, priceID, prorationBehavior string, quote proration.Quote) (*ChangeResult, error) {
	if err := o.gateway.UpdateSubscriptionPrice(ctx, gwSub.ID, gwSub.ItemID, priceID, prorationBehavior); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	if err := o.subs.CommitPlanChange(ctx, sub.ID, sub.CurrentPlanID, target.ID, store.SubStatusActive); err != nil {
		return nil, err
	}

	o.logger.WithFields(logging.Fields{
		"customer_id": sub.CustomerID,
		"from_plan":   sub.CurrentPlanID,
		"target_plan": target.ID,
	}).Info("Plan change applied")

	return &ChangeResult{Status: ChangeCompleted, Quote: quote}, nil
}

// CompletePendingChange finishes a paid upgrade once its checkout session
// succeeds. Safe to call repeatedly for the same session: a resolved pending
// change is a no-op, and the compare-and-swap commit tolerates a concurrent
// completion that already moved the plan.
func (o *Orchestrator) CompletePendingChange(ctx context.Context, checkoutSessionID string) error {
	pc, err := o.pending.GetByCheckoutSession(ctx, checkoutSessionID)
	if err != nil {
		return err
	}
	if pc.ResolvedAt != nil {
		o.logger.WithField("pending_change_id", pc.ID).Debug("Pending change already resolved")
		return nil
	}

	sub, err := o.subs.GetByID(ctx, pc.SubscriptionID)
	if err != nil {
		return err
	}

	target, ok := o.catalog.Get(pc.TargetPlanID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidPlan, pc.TargetPlanID)
	}

	price, err := o.gateway.EnsurePrice(ctx, target)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	gwSub, err := o.gateway.GetSubscription(ctx, sub.GatewaySubscriptionID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	// The prorated delta was already collected through checkout, so the
	// gateway swap itself must not bill again.
	if err := o.gateway.UpdateSubscriptionPrice(ctx, gwSub.ID, gwSub.ItemID, price.ID, "none"); err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	err = o.subs.CommitPlanChange(ctx, sub.ID, pc.FromPlanID, pc.TargetPlanID, store.SubStatusActive)
	if errors.Is(err, store.ErrConflict) {
		// Someone else moved the plan. If it landed on the target the work
		// is done; anything else is a genuine conflict.
		fresh, getErr := o.subs.GetByID(ctx, sub.ID)
		if getErr != nil {
			return getErr
		}
		if fresh.CurrentPlanID != pc.TargetPlanID {
			return err
		}
	} else if err != nil {
		return err
	}

	if err := o.pending.MarkResolved(ctx, pc.ID, o.now()); err != nil && !errors.Is(err, store.ErrConflict) {
		return err
	}

	o.logger.WithFields(logging.Fields{
		"customer_id":       pc.CustomerID,
		"pending_change_id": pc.ID,
		"target_plan":       pc.TargetPlanID,
	}).Info("Paid plan upgrade completed")

	return nil
}

// AbandonPendingChange releases a paid upgrade whose checkout session
// expired without payment: the pending change is consumed and the
// subscription unblocked so the customer can request another change.
// Idempotent; an already resolved change is a no-op.
func (o *Orchestrator) AbandonPendingChange(ctx context.Context, checkoutSessionID string) error {
	pc, err := o.pending.GetByCheckoutSession(ctx, checkoutSessionID)
	if err != nil {
		return err
	}
	if pc.ResolvedAt != nil {
		o.logger.WithField("pending_change_id", pc.ID).Debug("Pending change already resolved")
		return nil
	}

	if err := o.pending.MarkResolved(ctx, pc.ID, o.now()); err != nil && !errors.Is(err, store.ErrConflict) {
		return err
	}

	sub, err := o.subs.GetByID(ctx, pc.SubscriptionID)
	if err != nil {
		return err
	}
	if sub.Status == store.SubStatusPendingPaymentChange {
		if err := o.subs.SetStatus(ctx, sub.ID, store.SubStatusActive); err != nil {
			return err
		}
	}

	o.logger.WithFields(logging.Fields{
		"customer_id":       pc.CustomerID,
		"pending_change_id": pc.ID,
		"target_plan":       pc.TargetPlanID,
	}).Info("Abandoned plan upgrade released")

	return nil
}
