// Package reconciler processes asynchronous payment gateway webhooks:
// connected account onboarding, partner commission transfers, paid plan
// upgrades, and subscription lifecycle updates. Processing is idempotent;
// redelivered events converge on the same state.
package reconciler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/binblast/binblast-sub003/internal/cache"
	"github.com/binblast/binblast-sub003/internal/store"
	"github.com/binblast/binblast-sub003/internal/stripegw"
	"github.com/binblast/binblast-sub003/pkg/logging"
)

// signatureTolerance bounds how stale a webhook timestamp may be
const signatureTolerance = 5 * time.Minute

// PlanChanges is the slice of the billing orchestrator the reconciler needs
type PlanChanges interface {
	CompletePendingChange(ctx context.Context, checkoutSessionID string) error
	AbandonPendingChange(ctx context.Context, checkoutSessionID string) error
}

// Reconciler applies verified webhook events to the store
type Reconciler struct {
	store   *store.Store
	gateway stripegw.Gateway
	billing PlanChanges
	replay  *cache.ReplayCache
	logger  logging.Logger

	// The gateway signs full-object payloads with the snapshot secret and
	// id-only payloads with the thin secret; a signature is accepted if it
	// verifies under either.
	snapshotSecret string
	thinSecret     string

	now func() time.Time
}

// Config for building a Reconciler
type Config struct {
	Store          *store.Store
	Gateway        stripegw.Gateway
	Billing        PlanChanges
	Replay         *cache.ReplayCache
	Logger         logging.Logger
	SnapshotSecret string
	ThinSecret     string
	Now            func() time.Time // defaults to time.Now
}

// New builds a Reconciler
func New(cfg Config) *Reconciler {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		store:          cfg.Store,
		gateway:        cfg.Gateway,
		billing:        cfg.Billing,
		replay:         cfg.Replay,
		logger:         cfg.Logger,
		snapshotSecret: cfg.SnapshotSecret,
		thinSecret:     cfg.ThinSecret,
		now:            now,
	}
}

// Process verifies and applies one webhook delivery.
// Returns (success, message, http_status_code). A failed signature is the
// only non-2xx outcome; everything after verification is acknowledged with
// 200 so the sender never redelivers a payload we cannot act on. Handler
// failures are logged and the event left unmarked, so a replayed delivery
// is treated as new rather than a duplicate.
func (r *Reconciler) Process(ctx context.Context, body []byte, signature string) (bool, string, int) {
	if !r.verifySignature(body, signature) {
		return false, "Invalid signature", 400
	}

	ev, err := ParseEvent(body)
	if err != nil {
		r.logger.WithError(err).Error("Failed to parse verified webhook payload")
		return true, "Accepted", 200
	}

	log := r.logger.WithFields(logging.Fields{
		"event_id":   ev.ID,
		"event_type": ev.Type,
	})

	if r.replay.Seen(ctx, ev.ID) {
		log.Debug("Duplicate webhook short-circuited by replay cache")
		return true, "Duplicate event", 200
	}

	// A failed dedup lookup falls through to dispatch: the handlers are
	// idempotent, and skipping would silently drop the event for good.
	seen, err := r.store.WebhookEvents.AlreadyProcessed(ctx, ev.ID)
	if err != nil {
		log.WithError(err).Warn("Dedup lookup failed, processing anyway")
	} else if seen {
		log.Debug("Duplicate webhook already processed")
		r.replay.Mark(ctx, ev.ID)
		return true, "Duplicate event", 200
	}

	if err := r.dispatch(ctx, ev); err != nil {
		log.WithError(err).Error("Webhook handler failed")
		return true, "Accepted", 200
	}

	if err := r.store.WebhookEvents.MarkProcessed(ctx, &store.WebhookEvent{EventID: ev.ID, EventType: ev.Type}); err != nil {
		log.WithError(err).Warn("Failed to record processed event")
	}
	r.replay.Mark(ctx, ev.ID)

	return true, "Processed", 200
}

func (r *Reconciler) dispatch(ctx context.Context, ev *Event) error {
	switch ev.Kind {
	case KindAccountUpdated:
		return r.handleAccountUpdated(ctx, ev.Account)
	case KindAccountDeauthorized:
		return r.handleAccountDeauthorized(ctx, ev.Account)
	case KindTransferCreated, KindTransferUpdated:
		return r.handleTransfer(ctx, ev.Transfer, store.CommissionHeld)
	case KindTransferPaid:
		return r.handleTransfer(ctx, ev.Transfer, store.CommissionPaid)
	case KindTransferFailed:
		return r.handleTransfer(ctx, ev.Transfer, store.CommissionFailed)
	case KindCheckoutCompleted:
		return r.handleCheckoutCompleted(ctx, ev.Checkout)
	case KindCheckoutExpired:
		return r.handleCheckoutExpired(ctx, ev.Checkout)
	case KindSubscriptionUpdated, KindSubscriptionDeleted:
		return r.handleSubscriptionEvent(ctx, ev)
	default:
		r.logger.WithField("event_type", ev.Type).Debug("Ignoring unhandled event type")
		return nil
	}
}

// handleAccountUpdated projects the gateway's capability flags onto the
// local account status: active needs both charges and payouts enabled,
// submitted details without capabilities is pending, anything less is
// incomplete. A disconnected account never comes back through updates.
func (r *Reconciler) handleAccountUpdated(ctx context.Context, p *AccountPayload) error {
	existing, err := r.store.ConnectedAccounts.Get(ctx, p.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if existing != nil && existing.Status == store.AccountDisconnected {
		r.logger.WithField("gateway_account_id", p.ID).Debug("Ignoring update for disconnected account")
		return nil
	}

	status := store.AccountIncomplete
	switch {
	case p.ChargesEnabled && p.PayoutsEnabled:
		status = store.AccountActive
	case p.DetailsSubmitted:
		status = store.AccountPending
	}

	acct := &store.ConnectedAccount{
		GatewayAccountID: p.ID,
		Status:           status,
		ChargesEnabled:   p.ChargesEnabled,
		PayoutsEnabled:   p.PayoutsEnabled,
	}
	if p.Metadata.PartnerID != "" {
		acct.PartnerID = p.Metadata.PartnerID
	} else if existing != nil {
		acct.PartnerID = existing.PartnerID
	}

	if err := r.store.ConnectedAccounts.Upsert(ctx, acct); err != nil {
		return err
	}

	r.logger.WithFields(logging.Fields{
		"gateway_account_id": p.ID,
		"status":             status,
	}).Info("Connected account updated")
	return nil
}

func (r *Reconciler) handleAccountDeauthorized(ctx context.Context, p *AccountPayload) error {
	existing, err := r.store.ConnectedAccounts.Get(ctx, p.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	acct := &store.ConnectedAccount{GatewayAccountID: p.ID, Status: store.AccountDisconnected}
	if existing != nil {
		acct.PartnerID = existing.PartnerID
	}
	if err := r.store.ConnectedAccounts.Upsert(ctx, acct); err != nil {
		return err
	}

	r.logger.WithField("gateway_account_id", p.ID).Info("Connected account disconnected")
	return nil
}

// handleTransfer correlates a transfer event to its commission and applies
// the status transition. Correlation tries the payload metadata, then a
// gateway fetch for thin payloads, then the stored transfer id. An event no
// lookup can place is accepted as a no-op; it may belong to another system
// sharing the gateway account.
func (r *Reconciler) handleTransfer(ctx context.Context, p *TransferPayload, next store.CommissionStatus) error {
	bookingID := p.Metadata["booking_id"]

	if bookingID == "" && p.ID != "" {
		if tr, err := r.gateway.GetTransfer(ctx, p.ID); err == nil {
			bookingID = tr.Metadata["booking_id"]
		} else {
			r.logger.WithError(err).WithField("transfer_id", p.ID).Warn("Transfer fetch for correlation failed")
		}
	}
	if bookingID == "" {
		rec, err := r.store.Commissions.GetByTransfer(ctx, p.ID)
		if err == nil {
			bookingID = rec.BookingID
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	if bookingID == "" {
		r.logger.WithField("transfer_id", p.ID).Info("Uncorrelated transfer event accepted as no-op")
		return nil
	}

	err := r.store.Commissions.TransitionStatus(ctx, bookingID, next, p.ID, p.FailureReason)
	switch {
	case errors.Is(err, store.ErrConflict):
		// Terminal record: a redelivery or a late event after the outcome
		// was decided. The first outcome stands.
		r.logger.WithFields(logging.Fields{
			"booking_id":  bookingID,
			"transfer_id": p.ID,
			"next_status": next,
		}).Debug("Commission already terminal, transition skipped")
		return nil
	case errors.Is(err, store.ErrNotFound):
		r.logger.WithFields(logging.Fields{
			"booking_id":  bookingID,
			"transfer_id": p.ID,
		}).Info("Transfer references unknown booking, accepted as no-op")
		return nil
	case err != nil:
		return err
	}

	r.logger.WithFields(logging.Fields{
		"booking_id":  bookingID,
		"transfer_id": p.ID,
		"status":      next,
	}).Info("Commission status updated")
	return nil
}

func (r *Reconciler) handleCheckoutCompleted(ctx context.Context, p *CheckoutPayload) error {
	if p.Metadata["purpose"] != "plan_change" {
		r.logger.WithField("session_id", p.ID).Debug("Checkout completion with foreign purpose ignored")
		return nil
	}
	if p.PaymentStatus != "" && p.PaymentStatus != "paid" {
		r.logger.WithFields(logging.Fields{
			"session_id":     p.ID,
			"payment_status": p.PaymentStatus,
		}).Info("Plan change checkout completed without payment, ignoring")
		return nil
	}

	err := r.billing.CompletePendingChange(ctx, p.ID)
	if errors.Is(err, store.ErrNotFound) {
		r.logger.WithField("session_id", p.ID).Info("Checkout session has no pending change, accepted as no-op")
		return nil
	}
	return err
}

// handleCheckoutExpired releases a plan-change checkout the customer walked
// away from, unblocking the subscription for future changes.
func (r *Reconciler) handleCheckoutExpired(ctx context.Context, p *CheckoutPayload) error {
	if p.Metadata["purpose"] != "plan_change" {
		r.logger.WithField("session_id", p.ID).Debug("Checkout expiry with foreign purpose ignored")
		return nil
	}

	err := r.billing.AbandonPendingChange(ctx, p.ID)
	if errors.Is(err, store.ErrNotFound) {
		r.logger.WithField("session_id", p.ID).Info("Expired checkout has no pending change, accepted as no-op")
		return nil
	}
	return err
}

func (r *Reconciler) handleSubscriptionEvent(ctx context.Context, ev *Event) error {
	p := ev.Subscription
	sub, err := r.store.Subscriptions.GetByGatewaySubscription(ctx, p.ID)
	if errors.Is(err, store.ErrNotFound) {
		r.logger.WithField("gateway_subscription_id", p.ID).Info("Subscription event for unknown subscription, accepted as no-op")
		return nil
	}
	if err != nil {
		return err
	}

	if ev.Kind == KindSubscriptionDeleted {
		sub.Status = store.SubStatusCanceled
	} else {
		switch p.Status {
		case "past_due", "unpaid":
			sub.Status = store.SubStatusPastDue
		case "canceled":
			sub.Status = store.SubStatusCanceled
		case "active":
			// A pending payment change keeps its marker until resolved
			if sub.Status != store.SubStatusPendingPaymentChange {
				sub.Status = store.SubStatusActive
			}
		}
		if len(p.Items.Data) > 0 {
			item := p.Items.Data[0]
			if item.CurrentPeriodStart > 0 {
				sub.PeriodStart = time.Unix(item.CurrentPeriodStart, 0)
			}
			if item.CurrentPeriodEnd > 0 {
				sub.PeriodEnd = time.Unix(item.CurrentPeriodEnd, 0)
			}
		}
	}

	if err := r.store.Subscriptions.Update(ctx, sub); err != nil {
		return err
	}

	r.logger.WithFields(logging.Fields{
		"subscription_id": sub.ID,
		"status":          sub.Status,
	}).Info("Subscription lifecycle updated")
	return nil
}

// verifySignature checks the signature header against both webhook secrets
func (r *Reconciler) verifySignature(payload []byte, signature string) bool {
	for _, secret := range []string{r.snapshotSecret, r.thinSecret} {
		if secret != "" && r.verifyWithSecret(payload, signature, secret) {
			return true
		}
	}
	r.logger.Warn("Webhook signature verification failed under both secrets")
	return false
}

// verifyWithSecret verifies the gateway webhook signature using HMAC-SHA256
func (r *Reconciler) verifyWithSecret(payload []byte, signature, secret string) bool {
	if signature == "" {
		return false
	}

	// Parse signature header format: t=timestamp,v1=signature,v1=signature
	elements := strings.Split(signature, ",")
	var timestamp string
	var signatures []string

	for _, element := range elements {
		parts := strings.SplitN(element, "=", 2)
		if len(parts) != 2 {
			continue
		}
		switch parts[0] {
		case "t":
			timestamp = parts[1]
		case "v1":
			signatures = append(signatures, parts[1])
		}
	}

	if timestamp == "" || len(signatures) == 0 {
		r.logger.Error("Invalid signature format: missing timestamp or signatures")
		return false
	}

	timestampInt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		r.logger.WithFields(logging.Fields{
			"timestamp": timestamp,
			"error":     err,
		}).Error("Failed to parse webhook timestamp")
		return false
	}

	// Absolute skew: a future-dated signature would otherwise stay
	// replayable for its whole lifetime.
	now := r.now().Unix()
	skew := now - timestampInt
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(signatureTolerance.Seconds()) {
		r.logger.WithFields(logging.Fields{
			"timestamp":    timestampInt,
			"current":      now,
			"skew_seconds": skew,
		}).Warn("Webhook timestamp outside tolerance")
		return false
	}

	// Signed payload is timestamp + "." + payload
	signedPayload := timestamp + "." + string(payload)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signedPayload))
	expectedSignature := hex.EncodeToString(mac.Sum(nil))

	for _, providedSig := range signatures {
		if hmac.Equal([]byte(expectedSignature), []byte(providedSig)) {
			return true
		}
	}
	return false
}
