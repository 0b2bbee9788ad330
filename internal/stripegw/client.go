// Package stripegw wraps the Stripe API behind a small Gateway interface so
// the billing core and reconciler can be exercised against fakes.
package stripegw

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/price"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/transfer"

	"github.com/binblast/binblast-sub003/internal/catalog"
	"github.com/binblast/binblast-sub003/pkg/logging"
)

// SubscriptionInfo is the slice of a gateway subscription the billing core
// needs: the single item's identity, price, and billing window.
type SubscriptionInfo struct {
	ID                string
	CustomerID        string
	Status            string
	PeriodStart       time.Time
	PeriodEnd         time.Time
	ItemID            string
	PriceID           string
	UnitAmountCents   int64
	CancelAtPeriodEnd bool
}

// PriceInfo identifies a gateway price object and its unit amount
type PriceInfo struct {
	ID              string
	UnitAmountCents int64
}

// TransferInfo carries a transfer's id and metadata for commission correlation
type TransferInfo struct {
	ID       string
	Metadata map[string]string
}

// CheckoutParams describes a one-time payment session for a plan upgrade
type CheckoutParams struct {
	CustomerID      string
	AmountCents     int64
	Description     string
	PendingChangeID string
	TargetPlanID    string
	LocalCustomerID string
	SuccessURL      string
	CancelURL       string
}

// Gateway is the payment provider surface used by billing and the reconciler
type Gateway interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionInfo, error)
	CreateSubscription(ctx context.Context, customerID, priceID string) (*SubscriptionInfo, error)
	UpdateSubscriptionPrice(ctx context.Context, subscriptionID, itemID, priceID, prorationBehavior string) error
	EnsurePrice(ctx context.Context, plan catalog.Plan) (*PriceInfo, error)
	CreatePlanChangeCheckout(ctx context.Context, params CheckoutParams) (sessionID, url string, err error)
	GetTransfer(ctx context.Context, transferID string) (*TransferInfo, error)
}

// Client implements Gateway on the stripe-go SDK
type Client struct {
	logger logging.Logger

	mu         sync.Mutex
	priceCache map[string]PriceInfo
}

// Config for creating a new Stripe client
type Config struct {
	SecretKey string // STRIPE_SECRET_KEY
	Logger    logging.Logger
}

// NewClient creates a new Stripe client
func NewClient(config Config) *Client {
	// Set the global API key for the stripe-go library
	stripe.Key = config.SecretKey

	return &Client{
		logger:     config.Logger,
		priceCache: make(map[string]PriceInfo),
	}
}

// GetSubscription retrieves a subscription with its price expanded
func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionInfo, error) {
	params := &stripe.SubscriptionParams{}
	params.AddExpand("items.data.price")

	sub, err := subscription.Get(subscriptionID, params)
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return extractSubscriptionInfo(sub), nil
}

// CreateSubscription starts a recurring subscription on an existing gateway
// customer, used when converting a one-time customer to a recurring plan.
func (c *Client) CreateSubscription(ctx context.Context, customerID, priceID string) (*SubscriptionInfo, error) {
	params := &stripe.SubscriptionParams{
		Customer: stripe.String(customerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(priceID)},
		},
		ProrationBehavior: stripe.String("none"),
	}
	params.AddExpand("items.data.price")

	sub, err := subscription.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	c.logger.WithFields(map[string]interface{}{
		"subscription_id": sub.ID,
		"customer_id":     customerID,
		"price_id":        priceID,
	}).Info("Created gateway subscription")

	return extractSubscriptionInfo(sub), nil
}

// UpdateSubscriptionPrice swaps the subscription's single item to priceID
func (c *Client) UpdateSubscriptionPrice(ctx context.Context, subscriptionID, itemID, priceID, prorationBehavior string) error {
	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:    stripe.String(itemID),
				Price: stripe.String(priceID),
			},
		},
		ProrationBehavior: stripe.String(prorationBehavior),
	}

	if _, err := subscription.Update(subscriptionID, params); err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}

	c.logger.WithFields(map[string]interface{}{
		"subscription_id": subscriptionID,
		"new_price_id":    priceID,
		"proration":       prorationBehavior,
	}).Info("Subscription price updated")

	return nil
}

// EnsurePrice returns the gateway price for a plan, creating one on demand
// when the catalog does not pin a pre-provisioned id. Created prices are
// cached per process.
func (c *Client) EnsurePrice(ctx context.Context, plan catalog.Plan) (*PriceInfo, error) {
	if plan.GatewayPriceID != "" {
		return &PriceInfo{ID: plan.GatewayPriceID, UnitAmountCents: plan.PriceCents}, nil
	}

	c.mu.Lock()
	if cached, ok := c.priceCache[plan.ID]; ok {
		c.mu.Unlock()
		return &cached, nil
	}
	c.mu.Unlock()

	params := &stripe.PriceParams{
		UnitAmount: stripe.Int64(plan.PriceCents),
		Currency:   stripe.String(string(stripe.CurrencyUSD)),
		ProductData: &stripe.PriceProductDataParams{
			Name: stripe.String(plan.DisplayName),
		},
	}
	if plan.Recurring {
		params.Recurring = &stripe.PriceRecurringParams{
			Interval: stripe.String(string(plan.Interval)),
		}
	}
	params.AddMetadata("plan_id", plan.ID)

	p, err := price.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create price for plan %s: %w", plan.ID, err)
	}

	info := PriceInfo{ID: p.ID, UnitAmountCents: p.UnitAmount}
	c.mu.Lock()
	c.priceCache[plan.ID] = info
	c.mu.Unlock()

	c.logger.WithFields(map[string]interface{}{
		"plan_id":  plan.ID,
		"price_id": p.ID,
	}).Info("Created gateway price")

	return &info, nil
}

// CreatePlanChangeCheckout opens a one-time payment session for the prorated
// upgrade amount. The metadata lets the reconciler find the pending change
// when checkout.session.completed arrives.
func (c *Client) CreatePlanChangeCheckout(ctx context.Context, p CheckoutParams) (string, string, error) {
	params := &stripe.CheckoutSessionParams{
		Customer: stripe.String(p.CustomerID),
		Mode:     stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(string(stripe.CurrencyUSD)),
					UnitAmount: stripe.Int64(p.AmountCents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(p.Description),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(p.SuccessURL),
		CancelURL:  stripe.String(p.CancelURL),
		Metadata: map[string]string{
			"purpose":           "plan_change",
			"pending_change_id": p.PendingChangeID,
			"target_plan_id":    p.TargetPlanID,
			"customer_id":       p.LocalCustomerID,
		},
	}

	sess, err := checkoutsession.New(params)
	if err != nil {
		return "", "", fmt.Errorf("failed to create checkout session: %w", err)
	}

	c.logger.WithFields(map[string]interface{}{
		"session_id":   sess.ID,
		"customer_id":  p.LocalCustomerID,
		"amount_cents": p.AmountCents,
	}).Info("Created plan change checkout session")

	return sess.ID, sess.URL, nil
}

// GetTransfer fetches a transfer, used to recover metadata when a thin
// webhook payload carries only the transfer id.
func (c *Client) GetTransfer(ctx context.Context, transferID string) (*TransferInfo, error) {
	tr, err := transfer.Get(transferID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get transfer: %w", err)
	}
	return &TransferInfo{ID: tr.ID, Metadata: tr.Metadata}, nil
}

// CreateOrGetCustomer finds an existing gateway customer by local id or
// creates a new one.
func (c *Client) CreateOrGetCustomer(ctx context.Context, localCustomerID, email, name string) (string, error) {
	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['customer_id']:'%s'", localCustomerID)
	iter := customer.Search(params)

	for iter.Next() {
		cust := iter.Customer()
		c.logger.WithField("gateway_customer_id", cust.ID).Debug("Found existing gateway customer")
		return cust.ID, nil
	}
	if err := iter.Err(); err != nil {
		c.logger.WithError(err).Warn("Error searching for gateway customer, will create new")
	}

	cust, err := customer.New(&stripe.CustomerParams{
		Email: stripe.String(email),
		Name:  stripe.String(name),
		Metadata: map[string]string{
			"customer_id": localCustomerID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create gateway customer: %w", err)
	}

	c.logger.WithFields(map[string]interface{}{
		"gateway_customer_id": cust.ID,
		"customer_id":         localCustomerID,
	}).Info("Created gateway customer")

	return cust.ID, nil
}

func extractSubscriptionInfo(sub *stripe.Subscription) *SubscriptionInfo {
	info := &SubscriptionInfo{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		info.CustomerID = sub.Customer.ID
	}

	// Period bounds live on the SubscriptionItem in v82
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		info.ItemID = item.ID
		info.PeriodStart = time.Unix(item.CurrentPeriodStart, 0)
		info.PeriodEnd = time.Unix(item.CurrentPeriodEnd, 0)
		if item.Price != nil {
			info.PriceID = item.Price.ID
			info.UnitAmountCents = item.Price.UnitAmount
		}
	}

	return info
}
