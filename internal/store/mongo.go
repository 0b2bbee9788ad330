package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/binblast/binblast-sub003/pkg/logging"
)

// MongoStore implements the Store collections on a MongoDB database
type MongoStore struct {
	db     *mongo.Database
	logger logging.Logger
}

// NewMongoStore wires the collection interfaces onto db
func NewMongoStore(db *mongo.Database, logger logging.Logger) *Store {
	ms := &MongoStore{db: db, logger: logger}
	return &Store{
		Subscriptions:     (*mongoSubscriptions)(ms),
		PendingChanges:    (*mongoPendingChanges)(ms),
		Commissions:       (*mongoCommissions)(ms),
		ConnectedAccounts: (*mongoConnectedAccounts)(ms),
		WebhookEvents:     (*mongoWebhookEvents)(ms),
	}
}

func mapMongoErr(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	if mongo.IsDuplicateKeyError(err) {
		return ErrConflict
	}
	return err
}

type mongoSubscriptions MongoStore

func (m *mongoSubscriptions) coll() *mongo.Collection { return m.db.Collection("subscriptions") }

func (m *mongoSubscriptions) GetByCustomer(ctx context.Context, customerID string) (*Subscription, error) {
	return m.findOne(ctx, bson.M{"customer_id": customerID})
}

func (m *mongoSubscriptions) GetByID(ctx context.Context, id string) (*Subscription, error) {
	return m.findOne(ctx, bson.M{"_id": id})
}

func (m *mongoSubscriptions) GetByGatewaySubscription(ctx context.Context, gatewaySubID string) (*Subscription, error) {
	return m.findOne(ctx, bson.M{"gateway_subscription_id": gatewaySubID})
}

func (m *mongoSubscriptions) findOne(ctx context.Context, filter bson.M) (*Subscription, error) {
	var sub Subscription
	if err := m.coll().FindOne(ctx, filter).Decode(&sub); err != nil {
		return nil, mapMongoErr(err)
	}
	return &sub, nil
}

func (m *mongoSubscriptions) Insert(ctx context.Context, sub *Subscription) error {
	now := time.Now().UTC()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	_, err := m.coll().InsertOne(ctx, sub)
	return mapMongoErr(err)
}

func (m *mongoSubscriptions) Update(ctx context.Context, sub *Subscription) error {
	sub.UpdatedAt = time.Now().UTC()
	res, err := m.coll().ReplaceOne(ctx, bson.M{"_id": sub.ID}, sub)
	if err != nil {
		return mapMongoErr(err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *mongoSubscriptions) SetStatus(ctx context.Context, id string, status SubscriptionStatus) error {
	res, err := m.coll().UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"status": status, "updated_at": time.Now().UTC()}},
	)
	if err != nil {
		return mapMongoErr(err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *mongoSubscriptions) AttachGatewaySubscription(ctx context.Context, id, gatewaySubID string, periodStart, periodEnd time.Time) error {
	res, err := m.coll().UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{
			"gateway_subscription_id": gatewaySubID,
			"period_start":            periodStart.UTC(),
			"period_end":              periodEnd.UTC(),
			"updated_at":              time.Now().UTC(),
		}},
	)
	if err != nil {
		return mapMongoErr(err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// CommitPlanChange is a single conditional update: the filter carries both
// the id and the expected current plan, so a concurrent commit that already
// moved the plan makes the filter miss and we report ErrConflict instead of
// clobbering the newer state.
func (m *mongoSubscriptions) CommitPlanChange(ctx context.Context, id, expectedPlanID, newPlanID string, status SubscriptionStatus) error {
	res, err := m.coll().UpdateOne(ctx,
		bson.M{"_id": id, "current_plan_id": expectedPlanID},
		bson.M{"$set": bson.M{
			"current_plan_id": newPlanID,
			"status":          status,
			"updated_at":      time.Now().UTC(),
		}},
	)
	if err != nil {
		return mapMongoErr(err)
	}
	if res.MatchedCount == 0 {
		// Distinguish a missing document from a lost race
		if _, getErr := m.GetByID(ctx, id); getErr != nil {
			return getErr
		}
		return ErrConflict
	}
	return nil
}

type mongoPendingChanges MongoStore

func (m *mongoPendingChanges) coll() *mongo.Collection { return m.db.Collection("pending_plan_changes") }

func (m *mongoPendingChanges) Create(ctx context.Context, pc *PendingPlanChange) error {
	pc.CreatedAt = time.Now().UTC()
	_, err := m.coll().InsertOne(ctx, pc)
	return mapMongoErr(err)
}

func (m *mongoPendingChanges) GetByCheckoutSession(ctx context.Context, sessionID string) (*PendingPlanChange, error) {
	var pc PendingPlanChange
	if err := m.coll().FindOne(ctx, bson.M{"checkout_session_id": sessionID}).Decode(&pc); err != nil {
		return nil, mapMongoErr(err)
	}
	return &pc, nil
}

func (m *mongoPendingChanges) MarkResolved(ctx context.Context, id string, at time.Time) error {
	res, err := m.coll().UpdateOne(ctx,
		bson.M{"_id": id, "resolved_at": nil},
		bson.M{"$set": bson.M{"resolved_at": at.UTC()}},
	)
	if err != nil {
		return mapMongoErr(err)
	}
	if res.MatchedCount == 0 {
		return ErrConflict
	}
	return nil
}

type mongoCommissions MongoStore

func (m *mongoCommissions) coll() *mongo.Collection { return m.db.Collection("commissions") }

func (m *mongoCommissions) Create(ctx context.Context, rec *CommissionRecord) error {
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = CommissionHeld
	}
	_, err := m.coll().InsertOne(ctx, rec)
	return mapMongoErr(err)
}

func (m *mongoCommissions) GetByBooking(ctx context.Context, bookingID string) (*CommissionRecord, error) {
	var rec CommissionRecord
	if err := m.coll().FindOne(ctx, bson.M{"_id": bookingID}).Decode(&rec); err != nil {
		return nil, mapMongoErr(err)
	}
	return &rec, nil
}

func (m *mongoCommissions) GetByTransfer(ctx context.Context, transferID string) (*CommissionRecord, error) {
	var rec CommissionRecord
	if err := m.coll().FindOne(ctx, bson.M{"gateway_transfer_id": transferID}).Decode(&rec); err != nil {
		return nil, mapMongoErr(err)
	}
	return &rec, nil
}

// ListByPartner asks the server to sort newest-first. Fresh deployments may
// not have the partner_id/created_at index yet, and some hosted tiers reject
// sorts that cannot use one, so on a sort failure we retry unsorted and
// order client-side.
func (m *mongoCommissions) ListByPartner(ctx context.Context, partnerID string) ([]CommissionRecord, error) {
	filter := bson.M{"partner_id": partnerID}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})

	cur, err := m.coll().Find(ctx, filter, opts)
	if err != nil && isSortError(err) {
		m.logger.WithField("partner_id", partnerID).Warn("Sorted commission query failed, retrying unsorted")
		cur, err = m.coll().Find(ctx, filter)
	}
	if err != nil {
		return nil, mapMongoErr(err)
	}
	defer cur.Close(ctx)

	var recs []CommissionRecord
	if err := cur.All(ctx, &recs); err != nil {
		return nil, mapMongoErr(err)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.After(recs[j].CreatedAt) })
	return recs, nil
}

func isSortError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "sort") || strings.Contains(msg, "index")
}

// TransitionStatus is the idempotency gate for commission updates: the
// filter excludes terminal statuses, so a replayed transfer event matches
// nothing and the first outcome stands.
func (m *mongoCommissions) TransitionStatus(ctx context.Context, bookingID string, next CommissionStatus, transferID, failureReason string) error {
	set := bson.M{
		"status":     next,
		"updated_at": time.Now().UTC(),
	}
	if transferID != "" {
		set["gateway_transfer_id"] = transferID
	}
	if failureReason != "" {
		set["failure_reason"] = failureReason
	}

	res, err := m.coll().UpdateOne(ctx,
		bson.M{
			"_id":    bookingID,
			"status": bson.M{"$nin": bson.A{CommissionPaid, CommissionFailed}},
		},
		bson.M{"$set": set},
	)
	if err != nil {
		return mapMongoErr(err)
	}
	if res.MatchedCount == 0 {
		if _, getErr := m.GetByBooking(ctx, bookingID); getErr != nil {
			return getErr
		}
		return ErrConflict
	}
	return nil
}

type mongoConnectedAccounts MongoStore

func (m *mongoConnectedAccounts) coll() *mongo.Collection { return m.db.Collection("connected_accounts") }

func (m *mongoConnectedAccounts) Upsert(ctx context.Context, acct *ConnectedAccount) error {
	acct.UpdatedAt = time.Now().UTC()
	_, err := m.coll().ReplaceOne(ctx,
		bson.M{"_id": acct.GatewayAccountID},
		acct,
		options.Replace().SetUpsert(true),
	)
	return mapMongoErr(err)
}

func (m *mongoConnectedAccounts) Get(ctx context.Context, gatewayAccountID string) (*ConnectedAccount, error) {
	var acct ConnectedAccount
	if err := m.coll().FindOne(ctx, bson.M{"_id": gatewayAccountID}).Decode(&acct); err != nil {
		return nil, mapMongoErr(err)
	}
	return &acct, nil
}

type mongoWebhookEvents MongoStore

func (m *mongoWebhookEvents) coll() *mongo.Collection { return m.db.Collection("webhook_events") }

func (m *mongoWebhookEvents) AlreadyProcessed(ctx context.Context, eventID string) (bool, error) {
	err := m.coll().FindOne(ctx, bson.M{"_id": eventID}).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (m *mongoWebhookEvents) MarkProcessed(ctx context.Context, ev *WebhookEvent) error {
	if ev.ProcessedAt.IsZero() {
		ev.ProcessedAt = time.Now().UTC()
	}
	_, err := m.coll().InsertOne(ctx, ev)
	// A concurrent worker already recorded this event; that is fine.
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return err
}

// EnsureIndexes creates the secondary indexes the queries above rely on.
// Called once at startup; safe to repeat.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection("subscriptions").Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "customer_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "gateway_subscription_id", Value: 1}}},
	})
	if err != nil {
		return err
	}
	_, err = db.Collection("pending_plan_changes").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "checkout_session_id", Value: 1}}, Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return err
	}
	_, err = db.Collection("commissions").Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "partner_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "gateway_transfer_id", Value: 1}}},
	})
	return err
}
