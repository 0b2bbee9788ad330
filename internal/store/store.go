// Package store defines the persistence model and access interfaces for
// subscriptions, pending plan changes, partner commissions, connected
// accounts, and webhook event dedup records. Implementations: MongoStore
// (production) and MemoryStore (tests).
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a document does not exist
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a guarded write loses its precondition,
	// e.g. a plan-change commit against a stale expected plan or a status
	// transition out of a terminal state.
	ErrConflict = errors.New("store: conflict")
)

// SubscriptionStatus is the local lifecycle state of a customer subscription
type SubscriptionStatus string

const (
	SubStatusActive               SubscriptionStatus = "active"
	SubStatusPendingPaymentChange SubscriptionStatus = "pending_payment_change"
	SubStatusPastDue              SubscriptionStatus = "past_due"
	SubStatusCanceled             SubscriptionStatus = "canceled"
)

// Subscription is the local record of a customer's plan. CurrentPlanID only
// moves through CommitPlanChange, which enforces compare-and-swap against
// the caller's expected value.
type Subscription struct {
	ID                    string             `bson:"_id" json:"id"`
	CustomerID            string             `bson:"customer_id" json:"customer_id"`
	CurrentPlanID         string             `bson:"current_plan_id" json:"current_plan_id"`
	Status                SubscriptionStatus `bson:"status" json:"status"`
	GatewayCustomerID     string             `bson:"gateway_customer_id" json:"gateway_customer_id,omitempty"`
	GatewaySubscriptionID string             `bson:"gateway_subscription_id" json:"gateway_subscription_id,omitempty"`
	PeriodStart           time.Time          `bson:"period_start" json:"period_start,omitempty"`
	PeriodEnd             time.Time          `bson:"period_end" json:"period_end,omitempty"`
	CreatedAt             time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt             time.Time          `bson:"updated_at" json:"updated_at"`
}

// PendingPlanChange tracks a paid upgrade between checkout creation and
// payment confirmation. The subscription's plan is untouched until the
// gateway confirms payment; ResolvedAt marks the record consumed.
type PendingPlanChange struct {
	ID                string     `bson:"_id" json:"id"`
	SubscriptionID    string     `bson:"subscription_id" json:"subscription_id"`
	CustomerID        string     `bson:"customer_id" json:"customer_id"`
	FromPlanID        string     `bson:"from_plan_id" json:"from_plan_id"`
	TargetPlanID      string     `bson:"target_plan_id" json:"target_plan_id"`
	CheckoutSessionID string     `bson:"checkout_session_id" json:"checkout_session_id"`
	AmountDueCents    int64      `bson:"amount_due_cents" json:"amount_due_cents"`
	CreatedAt         time.Time  `bson:"created_at" json:"created_at"`
	ResolvedAt        *time.Time `bson:"resolved_at,omitempty" json:"resolved_at,omitempty"`
}

// CommissionStatus forms a one-way lattice: held may move to paid or
// failed, and both of those are terminal.
type CommissionStatus string

const (
	CommissionHeld   CommissionStatus = "held"
	CommissionPaid   CommissionStatus = "paid"
	CommissionFailed CommissionStatus = "failed"
)

// Terminal reports whether a status admits no further transitions
func (s CommissionStatus) Terminal() bool {
	return s == CommissionPaid || s == CommissionFailed
}

// CommissionRecord is a partner payout for a completed booking, keyed by
// booking so retried webhooks and double submissions collapse onto one row.
type CommissionRecord struct {
	BookingID         string           `bson:"_id" json:"booking_id"`
	PartnerID         string           `bson:"partner_id" json:"partner_id"`
	AmountCents       int64            `bson:"amount_cents" json:"amount_cents"`
	Status            CommissionStatus `bson:"status" json:"status"`
	GatewayTransferID string           `bson:"gateway_transfer_id" json:"gateway_transfer_id,omitempty"`
	FailureReason     string           `bson:"failure_reason,omitempty" json:"failure_reason,omitempty"`
	CreatedAt         time.Time        `bson:"created_at" json:"created_at"`
	UpdatedAt         time.Time        `bson:"updated_at" json:"updated_at"`
}

// AccountStatus is a connected partner account's onboarding state
type AccountStatus string

const (
	AccountIncomplete   AccountStatus = "incomplete"
	AccountPending      AccountStatus = "pending"
	AccountActive       AccountStatus = "active"
	AccountDisconnected AccountStatus = "disconnected"
)

// ConnectedAccount mirrors a partner's payment account at the gateway
type ConnectedAccount struct {
	GatewayAccountID string        `bson:"_id" json:"gateway_account_id"`
	PartnerID        string        `bson:"partner_id" json:"partner_id"`
	Status           AccountStatus `bson:"status" json:"status"`
	ChargesEnabled   bool          `bson:"charges_enabled" json:"charges_enabled"`
	PayoutsEnabled   bool          `bson:"payouts_enabled" json:"payouts_enabled"`
	UpdatedAt        time.Time     `bson:"updated_at" json:"updated_at"`
}

// WebhookEvent records a processed gateway event id for durable dedup
type WebhookEvent struct {
	EventID     string    `bson:"_id" json:"event_id"`
	EventType   string    `bson:"event_type" json:"event_type"`
	ProcessedAt time.Time `bson:"processed_at" json:"processed_at"`
}

// Subscriptions is the subscription collection
type Subscriptions interface {
	GetByCustomer(ctx context.Context, customerID string) (*Subscription, error)
	GetByID(ctx context.Context, id string) (*Subscription, error)
	GetByGatewaySubscription(ctx context.Context, gatewaySubID string) (*Subscription, error)
	Insert(ctx context.Context, sub *Subscription) error
	Update(ctx context.Context, sub *Subscription) error
	// SetStatus updates only the lifecycle status
	SetStatus(ctx context.Context, id string, status SubscriptionStatus) error
	// AttachGatewaySubscription records the gateway subscription and its
	// billing window without touching any other field.
	AttachGatewaySubscription(ctx context.Context, id, gatewaySubID string, periodStart, periodEnd time.Time) error
	// CommitPlanChange swaps CurrentPlanID only if it still equals
	// expectedPlanID, also setting status and clearing any pending marker.
	// Returns ErrConflict when the precondition fails.
	CommitPlanChange(ctx context.Context, id, expectedPlanID, newPlanID string, status SubscriptionStatus) error
}

// PendingChanges is the pending plan change collection
type PendingChanges interface {
	Create(ctx context.Context, pc *PendingPlanChange) error
	GetByCheckoutSession(ctx context.Context, sessionID string) (*PendingPlanChange, error)
	MarkResolved(ctx context.Context, id string, at time.Time) error
}

// Commissions is the partner commission collection
type Commissions interface {
	Create(ctx context.Context, rec *CommissionRecord) error
	GetByBooking(ctx context.Context, bookingID string) (*CommissionRecord, error)
	GetByTransfer(ctx context.Context, transferID string) (*CommissionRecord, error)
	ListByPartner(ctx context.Context, partnerID string) ([]CommissionRecord, error)
	// TransitionStatus moves a commission to next only when its current
	// status is non-terminal. A no-op against a terminal record returns
	// ErrConflict so callers can distinguish replay from first delivery.
	TransitionStatus(ctx context.Context, bookingID string, next CommissionStatus, transferID, failureReason string) error
}

// ConnectedAccounts is the partner account collection
type ConnectedAccounts interface {
	Upsert(ctx context.Context, acct *ConnectedAccount) error
	Get(ctx context.Context, gatewayAccountID string) (*ConnectedAccount, error)
}

// WebhookEvents is the durable processed-event set
type WebhookEvents interface {
	AlreadyProcessed(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, ev *WebhookEvent) error
}

// Store bundles the collection interfaces for injection
type Store struct {
	Subscriptions     Subscriptions
	PendingChanges    PendingChanges
	Commissions       Commissions
	ConnectedAccounts ConnectedAccounts
	WebhookEvents     WebhookEvents
}
