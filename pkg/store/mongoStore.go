package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
)

// MongoStore keeps outbox entries in a single collection. A partial unique
// index on idempotency_key (status pending/sent) backs idempotent enqueue,
// and the atomicity of FindOneAndUpdate backs exclusive claims.
type MongoStore struct {
	client     *mongo.Client
	database   string
	collection string
}

func NewMongoStore(client *mongo.Client, database, collection string) *MongoStore {
	return &MongoStore{
		client:     client,
		database:   database,
		collection: collection,
	}
}

func (m *MongoStore) coll() *mongo.Collection {
	return m.client.Database(m.database).Collection(m.collection)
}

func (m *MongoStore) Enqueue(ctx context.Context, params EnqueueParams) (EnqueueResult, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "Enqueue")
	defer span.End()

	now := time.Now().UTC()
	entry := OutboxEntry{
		ID:             uuid.NewString(),
		IdempotencyKey: params.IdempotencyKey,
		Payload:        params.Payload,
		Target:         params.Target,
		CorrelationID:  params.CorrelationID,
		Status:         StatusPending,
		NextAttemptAt:  now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	_, err := m.coll().InsertOne(ctx, entryToDoc(&entry))
	if err == nil {
		return EnqueueResult{ID: entry.ID, Created: true}, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		span.RecordError(err)
		return EnqueueResult{}, fmt.Errorf("%w: %v", ErrEnqueue, err)
	}

	// An active entry already holds this key; hand back its id.
	var existing bson.M
	filter := bson.M{
		"idempotency_key": params.IdempotencyKey,
		"status":          bson.M{"$in": []Status{StatusPending, StatusSent}},
	}
	if err := m.coll().FindOne(ctx, filter).Decode(&existing); err != nil {
		span.RecordError(err)
		return EnqueueResult{}, fmt.Errorf("%w: %v", ErrEnqueue, err)
	}

	id, _ := existing["id"].(string)

	return EnqueueResult{ID: id, Created: false}, nil
}

func (m *MongoStore) Get(ctx context.Context, id string) (*OutboxEntry, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "Get")
	defer span.End()

	var doc entryDoc
	err := m.coll().FindOne(ctx, bson.M{"id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	return doc.toEntry(), nil
}

func (m *MongoStore) List(ctx context.Context, filter ListFilter) ([]OutboxEntry, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "List")
	defer span.End()

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := bson.M{"updated_at": bson.M{"$gte": filter.UpdatedAfter}}
	if filter.Status != "" {
		query["status"] = filter.Status
	}

	opts := options.Find().SetLimit(int64(limit)).SetSort(bson.D{{Key: "updated_at", Value: -1}})
	cursor, err := m.coll().Find(ctx, query, opts)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer cursor.Close(ctx)

	return decodeEntries(ctx, cursor)
}

// Claim leases entries one document at a time. Each FindOneAndUpdate is
// atomic on the server, so concurrent claimers cannot receive the same entry
// even without a surrounding transaction.
func (m *MongoStore) Claim(ctx context.Context, batchSize int, workerID string, leaseDuration time.Duration) ([]OutboxEntry, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "Claim")
	defer span.End()

	now := time.Now().UTC()
	filter := bson.M{
		"status":          StatusPending,
		"next_attempt_at": bson.M{"$lte": now},
		"$or": []bson.M{
			{"lease_owner": ""},
			{"lease_expires_at": bson.M{"$lte": now}},
		},
	}
	update := bson.M{"$set": bson.M{
		"lease_owner":      workerID,
		"lease_expires_at": now.Add(leaseDuration),
		"updated_at":       now,
	}}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "next_attempt_at", Value: 1}}).
		SetReturnDocument(options.After)

	var entries []OutboxEntry
	for len(entries) < batchSize {
		var doc entryDoc
		err := m.coll().FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		entries = append(entries, *doc.toEntry())
	}

	return entries, nil
}

func (m *MongoStore) Release(ctx context.Context, id, workerID string) error {
	return m.updateOwned(ctx, "Release",
		bson.M{"id": id, "lease_owner": workerID},
		bson.M{"$set": bson.M{"lease_owner": "", "lease_expires_at": nil, "updated_at": time.Now().UTC()}})
}

func (m *MongoStore) MarkSent(ctx context.Context, id, workerID string) error {
	return m.updateOwned(ctx, "MarkSent",
		bson.M{"id": id, "lease_owner": workerID, "status": StatusPending},
		bson.M{"$set": bson.M{
			"status":           StatusSent,
			"last_error":       "",
			"lease_owner":      "",
			"lease_expires_at": nil,
			"updated_at":       time.Now().UTC(),
		}})
}

func (m *MongoStore) MarkRetry(ctx context.Context, id, workerID string, nextAttemptAt time.Time, lastError string) error {
	return m.updateOwned(ctx, "MarkRetry",
		bson.M{"id": id, "lease_owner": workerID, "status": StatusPending},
		bson.M{
			"$set": bson.M{
				"last_error":       lastError,
				"next_attempt_at":  nextAttemptAt,
				"lease_owner":      "",
				"lease_expires_at": nil,
				"updated_at":       time.Now().UTC(),
			},
			"$inc": bson.M{"attempt_count": 1},
		})
}

func (m *MongoStore) MarkDead(ctx context.Context, id, workerID string, lastError string) error {
	return m.updateOwned(ctx, "MarkDead",
		bson.M{"id": id, "lease_owner": workerID, "status": StatusPending},
		bson.M{
			"$set": bson.M{
				"status":           StatusDead,
				"last_error":       lastError,
				"lease_owner":      "",
				"lease_expires_at": nil,
				"updated_at":       time.Now().UTC(),
			},
			"$inc": bson.M{"attempt_count": 1},
		})
}

func (m *MongoStore) ListStale(ctx context.Context, window, threshold time.Duration, limit int) ([]OutboxEntry, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "ListStale")
	defer span.End()

	now := time.Now().UTC()
	filter := bson.M{
		"status":      StatusPending,
		"lease_owner": bson.M{"$ne": ""},
		"updated_at": bson.M{
			"$lte": now.Add(-threshold),
			"$gte": now.Add(-window),
		},
	}
	opts := options.Find().SetLimit(int64(limit)).SetSort(bson.D{{Key: "updated_at", Value: 1}})

	cursor, err := m.coll().Find(ctx, filter, opts)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer cursor.Close(ctx)

	return decodeEntries(ctx, cursor)
}

func (m *MongoStore) RequeueStale(ctx context.Context, id, leaseOwner string, nextAttemptAt time.Time) (bool, error) {
	res, err := m.coll().UpdateOne(ctx,
		bson.M{"id": id, "lease_owner": leaseOwner, "status": StatusPending},
		bson.M{"$set": bson.M{
			"lease_owner":      "",
			"lease_expires_at": nil,
			"next_attempt_at":  nextAttemptAt,
			"updated_at":       time.Now().UTC(),
		}})
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

func (m *MongoStore) MarkDeadStale(ctx context.Context, id, leaseOwner, lastError string) (bool, error) {
	res, err := m.coll().UpdateOne(ctx,
		bson.M{"id": id, "lease_owner": leaseOwner, "status": StatusPending},
		bson.M{"$set": bson.M{
			"status":           StatusDead,
			"last_error":       lastError,
			"lease_owner":      "",
			"lease_expires_at": nil,
			"updated_at":       time.Now().UTC(),
		}})
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

func (m *MongoStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "CountByStatus")
	defer span.End()

	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.M{"_id": "$status", "count": bson.M{"$sum": 1}}}},
	}
	cursor, err := m.coll().Aggregate(ctx, pipeline)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer cursor.Close(ctx)

	counts := make(map[Status]int)
	for cursor.Next(ctx) {
		var group struct {
			ID    Status `bson:"_id"`
			Count int    `bson:"count"`
		}
		if err := cursor.Decode(&group); err != nil {
			span.RecordError(err)
			return nil, err
		}
		counts[group.ID] = group.Count
	}
	if err := cursor.Err(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	return counts, nil
}

func (m *MongoStore) updateOwned(ctx context.Context, spanName string, filter, update bson.M) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	res, err := m.coll().UpdateOne(ctx, filter, update)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotOwner
	}

	return nil
}

type entryDoc struct {
	ID             string     `bson:"id"`
	IdempotencyKey string     `bson:"idempotency_key"`
	Payload        []byte     `bson:"payload"`
	Target         string     `bson:"target"`
	CorrelationID  string     `bson:"correlation_id"`
	Status         Status     `bson:"status"`
	AttemptCount   int        `bson:"attempt_count"`
	LastError      string     `bson:"last_error"`
	LeaseOwner     string     `bson:"lease_owner"`
	LeaseExpiresAt *time.Time `bson:"lease_expires_at"`
	NextAttemptAt  time.Time  `bson:"next_attempt_at"`
	CreatedAt      time.Time  `bson:"created_at"`
	UpdatedAt      time.Time  `bson:"updated_at"`
}

func (d *entryDoc) toEntry() *OutboxEntry {
	entry := &OutboxEntry{
		ID:             d.ID,
		IdempotencyKey: d.IdempotencyKey,
		Payload:        d.Payload,
		Target:         d.Target,
		CorrelationID:  d.CorrelationID,
		Status:         d.Status,
		AttemptCount:   d.AttemptCount,
		LastError:      d.LastError,
		LeaseOwner:     d.LeaseOwner,
		NextAttemptAt:  d.NextAttemptAt,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
	if d.LeaseExpiresAt != nil {
		entry.LeaseExpiresAt = *d.LeaseExpiresAt
	}
	return entry
}

func entryToDoc(e *OutboxEntry) entryDoc {
	doc := entryDoc{
		ID:             e.ID,
		IdempotencyKey: e.IdempotencyKey,
		Payload:        e.Payload,
		Target:         e.Target,
		CorrelationID:  e.CorrelationID,
		Status:         e.Status,
		AttemptCount:   e.AttemptCount,
		LastError:      e.LastError,
		LeaseOwner:     e.LeaseOwner,
		NextAttemptAt:  e.NextAttemptAt,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
	if !e.LeaseExpiresAt.IsZero() {
		expires := e.LeaseExpiresAt
		doc.LeaseExpiresAt = &expires
	}
	return doc
}

func decodeEntries(ctx context.Context, cursor *mongo.Cursor) ([]OutboxEntry, error) {
	var entries []OutboxEntry
	for cursor.Next(ctx) {
		var doc entryDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		entries = append(entries, *doc.toEntry())
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
