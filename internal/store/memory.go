package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests. It honors the same guarded
// write semantics as MongoStore, including compare-and-swap plan commits
// and terminal-status commission gating.
type MemoryStore struct {
	mu            sync.Mutex
	subscriptions map[string]Subscription
	pending       map[string]PendingPlanChange
	commissions   map[string]CommissionRecord
	accounts      map[string]ConnectedAccount
	events        map[string]WebhookEvent
}

// NewMemoryStore returns a Store backed by maps
func NewMemoryStore() (*Store, *MemoryStore) {
	ms := &MemoryStore{
		subscriptions: make(map[string]Subscription),
		pending:       make(map[string]PendingPlanChange),
		commissions:   make(map[string]CommissionRecord),
		accounts:      make(map[string]ConnectedAccount),
		events:        make(map[string]WebhookEvent),
	}
	return &Store{
		Subscriptions:     (*memSubscriptions)(ms),
		PendingChanges:    (*memPendingChanges)(ms),
		Commissions:       (*memCommissions)(ms),
		ConnectedAccounts: (*memConnectedAccounts)(ms),
		WebhookEvents:     (*memWebhookEvents)(ms),
	}, ms
}

type memSubscriptions MemoryStore

func (m *memSubscriptions) GetByCustomer(_ context.Context, customerID string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subscriptions {
		if sub.CustomerID == customerID {
			s := sub
			return &s, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memSubscriptions) GetByID(_ context.Context, id string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subscriptions[id]; ok {
		s := sub
		return &s, nil
	}
	return nil, ErrNotFound
}

func (m *memSubscriptions) GetByGatewaySubscription(_ context.Context, gatewaySubID string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subscriptions {
		if sub.GatewaySubscriptionID == gatewaySubID {
			s := sub
			return &s, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memSubscriptions) Insert(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.subscriptions[sub.ID]; exists {
		return ErrConflict
	}
	for _, existing := range m.subscriptions {
		if existing.CustomerID == sub.CustomerID {
			return ErrConflict
		}
	}
	now := time.Now().UTC()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	m.subscriptions[sub.ID] = *sub
	return nil
}

func (m *memSubscriptions) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.subscriptions[sub.ID]; !exists {
		return ErrNotFound
	}
	sub.UpdatedAt = time.Now().UTC()
	m.subscriptions[sub.ID] = *sub
	return nil
}

func (m *memSubscriptions) SetStatus(_ context.Context, id string, status SubscriptionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[id]
	if !ok {
		return ErrNotFound
	}
	sub.Status = status
	sub.UpdatedAt = time.Now().UTC()
	m.subscriptions[id] = sub
	return nil
}

func (m *memSubscriptions) AttachGatewaySubscription(_ context.Context, id, gatewaySubID string, periodStart, periodEnd time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[id]
	if !ok {
		return ErrNotFound
	}
	sub.GatewaySubscriptionID = gatewaySubID
	sub.PeriodStart = periodStart.UTC()
	sub.PeriodEnd = periodEnd.UTC()
	sub.UpdatedAt = time.Now().UTC()
	m.subscriptions[id] = sub
	return nil
}

func (m *memSubscriptions) CommitPlanChange(_ context.Context, id, expectedPlanID, newPlanID string, status SubscriptionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[id]
	if !ok {
		return ErrNotFound
	}
	if sub.CurrentPlanID != expectedPlanID {
		return ErrConflict
	}
	sub.CurrentPlanID = newPlanID
	sub.Status = status
	sub.UpdatedAt = time.Now().UTC()
	m.subscriptions[id] = sub
	return nil
}

type memPendingChanges MemoryStore

func (m *memPendingChanges) Create(_ context.Context, pc *PendingPlanChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pending[pc.ID]; exists {
		return ErrConflict
	}
	pc.CreatedAt = time.Now().UTC()
	m.pending[pc.ID] = *pc
	return nil
}

func (m *memPendingChanges) GetByCheckoutSession(_ context.Context, sessionID string) (*PendingPlanChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pc := range m.pending {
		if pc.CheckoutSessionID == sessionID {
			p := pc
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memPendingChanges) MarkResolved(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pc, ok := m.pending[id]
	if !ok {
		return ErrNotFound
	}
	if pc.ResolvedAt != nil {
		return ErrConflict
	}
	t := at.UTC()
	pc.ResolvedAt = &t
	m.pending[id] = pc
	return nil
}

type memCommissions MemoryStore

func (m *memCommissions) Create(_ context.Context, rec *CommissionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.commissions[rec.BookingID]; exists {
		return ErrConflict
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = CommissionHeld
	}
	m.commissions[rec.BookingID] = *rec
	return nil
}

func (m *memCommissions) GetByBooking(_ context.Context, bookingID string) (*CommissionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.commissions[bookingID]; ok {
		r := rec
		return &r, nil
	}
	return nil, ErrNotFound
}

func (m *memCommissions) GetByTransfer(_ context.Context, transferID string) (*CommissionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.commissions {
		if rec.GatewayTransferID == transferID {
			r := rec
			return &r, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memCommissions) ListByPartner(_ context.Context, partnerID string) ([]CommissionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var recs []CommissionRecord
	for _, rec := range m.commissions {
		if rec.PartnerID == partnerID {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.After(recs[j].CreatedAt) })
	return recs, nil
}

func (m *memCommissions) TransitionStatus(_ context.Context, bookingID string, next CommissionStatus, transferID, failureReason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.commissions[bookingID]
	if !ok {
		return ErrNotFound
	}
	if rec.Status.Terminal() {
		return ErrConflict
	}
	rec.Status = next
	if transferID != "" {
		rec.GatewayTransferID = transferID
	}
	if failureReason != "" {
		rec.FailureReason = failureReason
	}
	rec.UpdatedAt = time.Now().UTC()
	m.commissions[bookingID] = rec
	return nil
}

type memConnectedAccounts MemoryStore

func (m *memConnectedAccounts) Upsert(_ context.Context, acct *ConnectedAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct.UpdatedAt = time.Now().UTC()
	m.accounts[acct.GatewayAccountID] = *acct
	return nil
}

func (m *memConnectedAccounts) Get(_ context.Context, gatewayAccountID string) (*ConnectedAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acct, ok := m.accounts[gatewayAccountID]; ok {
		a := acct
		return &a, nil
	}
	return nil, ErrNotFound
}

type memWebhookEvents MemoryStore

func (m *memWebhookEvents) AlreadyProcessed(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.events[eventID]
	return ok, nil
}

func (m *memWebhookEvents) MarkProcessed(_ context.Context, ev *WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.ProcessedAt.IsZero() {
		ev.ProcessedAt = time.Now().UTC()
	}
	m.events[ev.EventID] = *ev
	return nil
}
