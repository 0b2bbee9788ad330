package reconciler

import (
	"encoding/json"
	"fmt"
)

// EventKind enumerates the gateway events the reconciler understands. Every
// verified payload parses into exactly one kind; anything unrecognized
// becomes KindUnknown and is acknowledged without side effects.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindAccountUpdated
	KindAccountDeauthorized
	KindTransferCreated
	KindTransferUpdated
	KindTransferPaid
	KindTransferFailed
	KindCheckoutCompleted
	KindCheckoutExpired
	KindSubscriptionUpdated
	KindSubscriptionDeleted
)

// envelope is the outer shape of a gateway webhook payload
type envelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// Event is a parsed webhook with its typed payload populated according to
// Kind. Exactly one payload field is non-nil for known kinds.
type Event struct {
	ID   string
	Type string
	Kind EventKind

	Account      *AccountPayload
	Transfer     *TransferPayload
	Checkout     *CheckoutPayload
	Subscription *SubscriptionPayload
}

// AccountPayload is the slice of a connected account object we act on
type AccountPayload struct {
	ID               string `json:"id"`
	ChargesEnabled   bool   `json:"charges_enabled"`
	PayoutsEnabled   bool   `json:"payouts_enabled"`
	DetailsSubmitted bool   `json:"details_submitted"`
	Metadata         struct {
		PartnerID string `json:"partner_id"`
	} `json:"metadata"`
}

// TransferPayload carries a transfer id plus whatever metadata the event
// included. Thin payloads ship no metadata; correlation then falls back to
// fetching the transfer from the gateway.
type TransferPayload struct {
	ID            string            `json:"id"`
	Metadata      map[string]string `json:"metadata"`
	FailureReason string            `json:"failure_message"`
}

// CheckoutPayload is a completed checkout session
type CheckoutPayload struct {
	ID            string            `json:"id"`
	PaymentStatus string            `json:"payment_status"`
	Metadata      map[string]string `json:"metadata"`
}

// SubscriptionPayload is a gateway subscription lifecycle event
type SubscriptionPayload struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Items  struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

// ParseEvent classifies a verified webhook body. Unknown types parse
// successfully into KindUnknown; only malformed JSON is an error.
func ParseEvent(body []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("malformed webhook payload: %w", err)
	}

	ev := &Event{ID: env.ID, Type: env.Type}

	switch env.Type {
	case "account.updated":
		ev.Kind = KindAccountUpdated
		ev.Account = &AccountPayload{}
		if err := json.Unmarshal(env.Data.Object, ev.Account); err != nil {
			return nil, fmt.Errorf("malformed account payload: %w", err)
		}
	case "account.application.deauthorized":
		ev.Kind = KindAccountDeauthorized
		ev.Account = &AccountPayload{}
		if err := json.Unmarshal(env.Data.Object, ev.Account); err != nil {
			return nil, fmt.Errorf("malformed account payload: %w", err)
		}
	case "transfer.created", "transfer.updated", "transfer.paid", "transfer.failed":
		switch env.Type {
		case "transfer.created":
			ev.Kind = KindTransferCreated
		case "transfer.updated":
			ev.Kind = KindTransferUpdated
		case "transfer.paid":
			ev.Kind = KindTransferPaid
		default:
			ev.Kind = KindTransferFailed
		}
		ev.Transfer = &TransferPayload{}
		if err := json.Unmarshal(env.Data.Object, ev.Transfer); err != nil {
			return nil, fmt.Errorf("malformed transfer payload: %w", err)
		}
	case "checkout.session.completed", "checkout.session.expired":
		if env.Type == "checkout.session.completed" {
			ev.Kind = KindCheckoutCompleted
		} else {
			ev.Kind = KindCheckoutExpired
		}
		ev.Checkout = &CheckoutPayload{}
		if err := json.Unmarshal(env.Data.Object, ev.Checkout); err != nil {
			return nil, fmt.Errorf("malformed checkout payload: %w", err)
		}
	case "customer.subscription.updated", "customer.subscription.deleted":
		if env.Type == "customer.subscription.updated" {
			ev.Kind = KindSubscriptionUpdated
		} else {
			ev.Kind = KindSubscriptionDeleted
		}
		ev.Subscription = &SubscriptionPayload{}
		if err := json.Unmarshal(env.Data.Object, ev.Subscription); err != nil {
			return nil, fmt.Errorf("malformed subscription payload: %w", err)
		}
	default:
		ev.Kind = KindUnknown
	}

	return ev, nil
}
