package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoLedger struct {
	client     *mongo.Client
	database   string
	collection string
}

func NewMongoLedger(client *mongo.Client, database, collection string) *MongoLedger {
	return &MongoLedger{
		client:     client,
		database:   database,
		collection: collection,
	}
}

func (m *MongoLedger) coll() *mongo.Collection {
	return m.client.Database(m.database).Collection(m.collection)
}

func (m *MongoLedger) Append(ctx context.Context, record *AuditRecord) (string, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if record.Evidence.SchemaVersion == "" {
		record.Evidence.SchemaVersion = EvidenceSchemaV1
	}

	doc := bson.M{
		"id":             record.ID,
		"correlation_id": record.CorrelationID,
		"actor":          record.Actor,
		"target":         record.Target,
		"action":         string(record.Action),
		"reason":         string(record.Reason),
		"evidence": bson.M{
			"schema_version":  record.Evidence.SchemaVersion,
			"outbox_id":       record.Evidence.OutboxID,
			"sink_message_id": record.Evidence.SinkMessageID,
			"attempt_count":   record.Evidence.AttemptCount,
			"lease_owner":     record.Evidence.LeaseOwner,
		},
		"created_at": record.CreatedAt,
	}

	if _, err := m.coll().InsertOne(ctx, doc); err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuditWrite, err)
	}

	return record.ID, nil
}

func (m *MongoLedger) ListWithOutboxEvidence(ctx context.Context, since time.Time, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	filter := bson.M{
		"created_at":         bson.M{"$gte": since},
		"evidence.outbox_id": bson.M{"$ne": ""},
	}
	opts := options.Find().SetLimit(int64(limit)).SetSort(bson.D{{Key: "created_at", Value: -1}})

	cursor, err := m.coll().Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var records []AuditRecord
	for cursor.Next(ctx) {
		var doc struct {
			ID            string    `bson:"id"`
			CorrelationID string    `bson:"correlation_id"`
			Actor         string    `bson:"actor"`
			Target        string    `bson:"target"`
			Action        string    `bson:"action"`
			Reason        string    `bson:"reason"`
			Evidence      Evidence  `bson:"evidence"`
			CreatedAt     time.Time `bson:"created_at"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		records = append(records, AuditRecord{
			ID:            doc.ID,
			CorrelationID: doc.CorrelationID,
			Actor:         doc.Actor,
			Target:        doc.Target,
			Action:        Action(doc.Action),
			Reason:        Reason(doc.Reason),
			Evidence:      doc.Evidence,
			CreatedAt:     doc.CreatedAt,
		})
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}

	return records, nil
}

func (m *MongoLedger) CountByAction(ctx context.Context) (map[Action]int, error) {
	counts, err := m.countGrouped(ctx, "$action")
	if err != nil {
		return nil, err
	}
	result := make(map[Action]int, len(counts))
	for key, count := range counts {
		result[Action(key)] = count
	}
	return result, nil
}

func (m *MongoLedger) CountByEvidenceSchema(ctx context.Context) (map[string]int, error) {
	return m.countGrouped(ctx, "$evidence.schema_version")
}

func (m *MongoLedger) countGrouped(ctx context.Context, field string) (map[string]int, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.M{"_id": field, "count": bson.M{"$sum": 1}}}},
	}
	cursor, err := m.coll().Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	counts := make(map[string]int)
	for cursor.Next(ctx) {
		var group struct {
			ID    string `bson:"_id"`
			Count int    `bson:"count"`
		}
		if err := cursor.Decode(&group); err != nil {
			return nil, err
		}
		counts[group.ID] = group.Count
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}

	return counts, nil
}
