package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/expensio/entitlements/pkg/plan"
)

// mongoStore implements Store on MongoDB. Optimistic concurrency uses
// filtered findOneAndUpdate calls: the filter carries the expected counter
// or version value, so a concurrent writer makes the update match nothing.
type mongoStore struct {
	coll *mongo.Collection
}

// NewMongoStore returns a Store backed by the "subscriptions" collection
// of the given database. Call EnsureMongoIndexes once at startup.
func NewMongoStore(db *mongo.Database) Store {
	if db == nil {
		panic("subscription: mongo.Database is required")
	}
	return &mongoStore{coll: db.Collection("subscriptions")}
}

// EnsureMongoIndexes creates the unique tenant index that enforces the
// one-subscription-per-tenant invariant, plus the sweep index on period end.
func EnsureMongoIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection("subscriptions").Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "tenant_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "period_end", Value: 1}},
		},
	})
	if err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	return nil
}

type mongoSubscription struct {
	ID          string           `bson:"_id"`
	TenantID    string           `bson:"tenant_id"`
	PlanID      string           `bson:"plan_id"`
	Status      string           `bson:"status"`
	TrialEndsAt *time.Time       `bson:"trial_ends_at,omitempty"`
	PeriodStart time.Time        `bson:"period_start"`
	PeriodEnd   time.Time        `bson:"period_end"`
	Usage       map[string]int64 `bson:"usage"`
	LastResetAt *time.Time       `bson:"last_reset_at,omitempty"`
	Version     int64            `bson:"version"`
	CreatedAt   time.Time        `bson:"created_at"`
	UpdatedAt   time.Time        `bson:"updated_at"`
}

func toMongoDoc(sub *Subscription) *mongoSubscription {
	usage := make(map[string]int64, len(sub.Usage))
	for ut, n := range sub.Usage {
		usage[string(ut)] = n
	}
	return &mongoSubscription{
		ID:          sub.ID.String(),
		TenantID:    sub.TenantID.String(),
		PlanID:      sub.PlanID,
		Status:      string(sub.Status),
		TrialEndsAt: sub.TrialEndsAt,
		PeriodStart: sub.PeriodStart,
		PeriodEnd:   sub.PeriodEnd,
		Usage:       usage,
		LastResetAt: sub.LastResetAt,
		Version:     sub.Version,
		CreatedAt:   sub.CreatedAt,
		UpdatedAt:   sub.UpdatedAt,
	}
}

func (d *mongoSubscription) toSubscription() (*Subscription, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, errors.Join(ErrInvalidSubscriptionState, err)
	}
	tenantID, err := uuid.Parse(d.TenantID)
	if err != nil {
		return nil, errors.Join(ErrInvalidSubscriptionState, err)
	}

	usage := make(map[plan.UsageType]int64, len(d.Usage))
	for ut, n := range d.Usage {
		usage[plan.UsageType(ut)] = n
	}
	return &Subscription{
		ID:          id,
		TenantID:    tenantID,
		PlanID:      d.PlanID,
		Status:      Status(d.Status),
		TrialEndsAt: d.TrialEndsAt,
		PeriodStart: d.PeriodStart,
		PeriodEnd:   d.PeriodEnd,
		Usage:       usage,
		LastResetAt: d.LastResetAt,
		Version:     d.Version,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}, nil
}

func (s *mongoStore) Get(ctx context.Context, tenantID uuid.UUID) (*Subscription, error) {
	var doc mongoSubscription
	err := s.coll.FindOne(ctx, bson.M{"tenant_id": tenantID.String()}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	return doc.toSubscription()
}

func (s *mongoStore) Create(ctx context.Context, sub *Subscription) error {
	doc := toMongoDoc(sub)
	if doc.Version == 0 {
		doc.Version = 1
	}
	if doc.Usage == nil {
		doc.Usage = make(map[string]int64)
	}

	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrSubscriptionAlreadyExists
		}
		return errors.Join(ErrStoreUnavailable, err)
	}
	return nil
}

func (s *mongoStore) Update(ctx context.Context, sub *Subscription) (*Subscription, error) {
	usage := make(map[string]int64, len(sub.Usage))
	for ut, n := range sub.Usage {
		usage[string(ut)] = n
	}

	filter := bson.M{"_id": sub.ID.String(), "version": sub.Version}
	update := bson.M{
		"$set": bson.M{
			"plan_id":       sub.PlanID,
			"status":        string(sub.Status),
			"trial_ends_at": sub.TrialEndsAt,
			"period_start":  sub.PeriodStart,
			"period_end":    sub.PeriodEnd,
			"usage":         usage,
			"updated_at":    time.Now().UTC(),
		},
		"$inc": bson.M{"version": 1},
	}

	return s.findOneAndUpdate(ctx, sub.ID, filter, update)
}

func (s *mongoStore) CompareAndIncrement(ctx context.Context, subID uuid.UUID, ut plan.UsageType, delta, expectedCurrent int64) (*Subscription, error) {
	field := "usage." + string(ut)

	filter := bson.M{"_id": subID.String()}
	if expectedCurrent == 0 {
		// A counter that was never incremented has no field at all.
		filter["$or"] = bson.A{
			bson.M{field: int64(0)},
			bson.M{field: bson.M{"$exists": false}},
		}
	} else {
		filter[field] = expectedCurrent
	}

	update := bson.M{
		"$inc": bson.M{field: delta, "version": 1},
		"$set": bson.M{"updated_at": time.Now().UTC()},
	}

	return s.findOneAndUpdate(ctx, subID, filter, update)
}

func (s *mongoStore) ResetUsageForPeriod(ctx context.Context, subID uuid.UUID, newStart, newEnd time.Time) (*Subscription, error) {
	now := time.Now().UTC()
	filter := bson.M{"_id": subID.String(), "period_start": bson.M{"$lt": newStart}}
	update := bson.M{
		"$set": bson.M{
			"usage":         bson.M{},
			"period_start":  newStart,
			"period_end":    newEnd,
			"last_reset_at": now,
			"updated_at":    now,
		},
		"$inc": bson.M{"version": 1},
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc mongoSubscription
	err := s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err == nil {
		return doc.toSubscription()
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}

	// Already advanced: no-op, return current state.
	err = s.coll.FindOne(ctx, bson.M{"_id": subID.String()}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	return doc.toSubscription()
}

func (s *mongoStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Subscription, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "period_end", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}

	cur, err := s.coll.Find(ctx, bson.M{"period_end": bson.M{"$lte": now}}, opts)
	if err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	defer cur.Close(ctx)

	var out []*Subscription
	for cur.Next(ctx) {
		var doc mongoSubscription
		if err := cur.Decode(&doc); err != nil {
			return nil, errors.Join(ErrStoreUnavailable, err)
		}
		sub, err := doc.toSubscription()
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	if err := cur.Err(); err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	return out, nil
}

func (s *mongoStore) findOneAndUpdate(ctx context.Context, subID uuid.UUID, filter, update bson.M) (*Subscription, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc mongoSubscription
	err := s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err == nil {
		return doc.toSubscription()
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}

	// The filtered update matched nothing: either the record is gone or a
	// concurrent writer moved it first.
	count, err := s.coll.CountDocuments(ctx, bson.M{"_id": subID.String()})
	if err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	if count == 0 {
		return nil, ErrSubscriptionNotFound
	}
	return nil, ErrVersionConflict
}
