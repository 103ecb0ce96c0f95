package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
)

type SpannerLedger struct {
	client *spanner.Client
}

func NewSpannerLedger(client *spanner.Client) *SpannerLedger {
	return &SpannerLedger{client: client}
}

func (s *SpannerLedger) Append(ctx context.Context, record *AuditRecord) (string, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if record.Evidence.SchemaVersion == "" {
		record.Evidence.SchemaVersion = EvidenceSchemaV1
	}

	evidence, err := json.Marshal(record.Evidence)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuditWrite, err)
	}

	_, err = s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		stmt := spanner.Statement{
			SQL: `INSERT INTO audit_log (id, correlation_id, actor, target, action, reason, evidence, created_at)
                  VALUES (@id, @correlationID, @actor, @target, @action, @reason, @evidence, @createdAt)`,
			Params: map[string]interface{}{
				"id":            record.ID,
				"correlationID": record.CorrelationID,
				"actor":         record.Actor,
				"target":        record.Target,
				"action":        string(record.Action),
				"reason":        string(record.Reason),
				"evidence":      string(evidence),
				"createdAt":     record.CreatedAt,
			},
		}
		_, err := txn.Update(ctx, stmt)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuditWrite, err)
	}

	return record.ID, nil
}

func (s *SpannerLedger) ListWithOutboxEvidence(ctx context.Context, since time.Time, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	stmt := spanner.Statement{
		SQL: `SELECT id, correlation_id, actor, target, action, reason, evidence, created_at FROM audit_log
              WHERE created_at >= @since AND JSON_VALUE(evidence, '$.outbox_id') IS NOT NULL
              ORDER BY created_at DESC LIMIT @limit`,
		Params: map[string]interface{}{
			"since": since,
			"limit": int64(limit),
		},
	}

	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var records []AuditRecord
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}

		var record AuditRecord
		var evidence string
		if err := row.Columns(
			&record.ID, &record.CorrelationID, &record.Actor, &record.Target,
			(*string)(&record.Action), (*string)(&record.Reason), &evidence, &record.CreatedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(evidence), &record.Evidence); err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	return records, nil
}

func (s *SpannerLedger) CountByAction(ctx context.Context) (map[Action]int, error) {
	counts, err := s.countGrouped(ctx, `SELECT action, COUNT(*) FROM audit_log GROUP BY action`)
	if err != nil {
		return nil, err
	}
	result := make(map[Action]int, len(counts))
	for key, count := range counts {
		result[Action(key)] = count
	}
	return result, nil
}

func (s *SpannerLedger) CountByEvidenceSchema(ctx context.Context) (map[string]int, error) {
	return s.countGrouped(ctx,
		`SELECT COALESCE(JSON_VALUE(evidence, '$.schema_version'), ''), COUNT(*) FROM audit_log GROUP BY 1`)
}

func (s *SpannerLedger) countGrouped(ctx context.Context, query string) (map[string]int, error) {
	iter := s.client.Single().Query(ctx, spanner.Statement{SQL: query})
	defer iter.Stop()

	counts := make(map[string]int)
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		var key string
		var count int64
		if err := row.Columns(&key, &count); err != nil {
			return nil, err
		}
		counts[key] = int(count)
	}

	return counts, nil
}
