package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
)

const tracerName = "go-memrelay"

type PostgresLedger struct {
	db *sql.DB // using database/sql
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (p *PostgresLedger) Append(ctx context.Context, record *AuditRecord) (string, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "AuditAppend")
	defer span.End()

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
		span.RecordError(err)
		return "", fmt.Errorf("%w: %v", ErrAuditWrite, err)
	}

	_, err = p.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, correlation_id, actor, target, action, reason, evidence, created_at)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		record.ID, record.CorrelationID, record.Actor, record.Target,
		string(record.Action), string(record.Reason), evidence, record.CreatedAt)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("%w: %v", ErrAuditWrite, err)
	}

	return record.ID, nil
}

func (p *PostgresLedger) ListWithOutboxEvidence(ctx context.Context, since time.Time, limit int) ([]AuditRecord, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "AuditListWithOutboxEvidence")
	defer span.End()

	if limit <= 0 {
		limit = 100
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT id, correlation_id, actor, target, action, reason, evidence, created_at FROM audit_log
         WHERE created_at >= $1 AND COALESCE(evidence->>'outbox_id', '') <> ''
         ORDER BY created_at DESC LIMIT $2`,
		since, limit)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer rows.Close()

	var records []AuditRecord
	for rows.Next() {
		var record AuditRecord
		var evidence []byte
		if err := rows.Scan(
			&record.ID, &record.CorrelationID, &record.Actor, &record.Target,
			(*string)(&record.Action), (*string)(&record.Reason), &evidence, &record.CreatedAt,
		); err != nil {
			span.RecordError(err)
			return nil, err
		}
		if err := json.Unmarshal(evidence, &record.Evidence); err != nil {
			span.RecordError(err)
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	return records, nil
}

func (p *PostgresLedger) CountByAction(ctx context.Context) (map[Action]int, error) {
	return countGrouped[Action](ctx, p.db, `SELECT action, COUNT(*) FROM audit_log GROUP BY action`)
}

func (p *PostgresLedger) CountByEvidenceSchema(ctx context.Context) (map[string]int, error) {
	return countGrouped[string](ctx, p.db,
		`SELECT COALESCE(evidence->>'schema_version', ''), COUNT(*) FROM audit_log GROUP BY 1`)
}

func countGrouped[K ~string](ctx context.Context, db *sql.DB, query string) (map[K]int, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[K]int)
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return nil, err
		}
		counts[K(key)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return counts, nil
}
