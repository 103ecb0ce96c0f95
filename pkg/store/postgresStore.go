package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const entryColumns = `id, idempotency_key, payload, target, correlation_id, status, attempt_count, last_error, lease_owner, lease_expires_at, next_attempt_at, created_at, updated_at`

type PostgresStore struct {
	db *sql.DB // using database/sql
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Enqueue relies on a partial unique index over idempotency_key for rows in
// status pending/sent. The CTE makes insert-or-return-existing one statement,
// so two concurrent enqueues with the same key cannot both create a row.
func (p *PostgresStore) Enqueue(ctx context.Context, params EnqueueParams) (EnqueueResult, error) {
	ctx, span := p.startSpan(ctx, "Enqueue")
	defer span.End()

	start := time.Now()
	now := time.Now().UTC()
	id := uuid.NewString()

	row := p.db.QueryRowContext(ctx,
		`WITH ins AS (
             INSERT INTO outbox (id, idempotency_key, payload, target, correlation_id, status, attempt_count, last_error, lease_owner, next_attempt_at, created_at, updated_at)
             VALUES ($1, $2, $3, $4, $5, 'pending', 0, '', '', $6, $6, $6)
             ON CONFLICT (idempotency_key) WHERE status IN ('pending','sent') DO NOTHING
             RETURNING id
         )
         SELECT id, TRUE AS created FROM ins
         UNION ALL
         SELECT id, FALSE AS created FROM outbox WHERE idempotency_key = $2 AND status IN ('pending','sent')
         LIMIT 1`,
		id, params.IdempotencyKey, params.Payload, params.Target, params.CorrelationID, now)

	var result EnqueueResult
	if err := row.Scan(&result.ID, &result.Created); err != nil {
		span.RecordError(err)
		return EnqueueResult{}, fmt.Errorf("%w: %v", ErrEnqueue, err)
	}

	addDBStatsToSpan(span, "Enqueue", 1, time.Since(start))

	return result, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*OutboxEntry, error) {
	ctx, span := p.startSpan(ctx, "Get")
	defer span.End()

	row := p.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM outbox WHERE id = $1`, id)

	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	return entry, nil
}

func (p *PostgresStore) List(ctx context.Context, filter ListFilter) ([]OutboxEntry, error) {
	ctx, span := p.startSpan(ctx, "List")
	defer span.End()

	start := time.Now()
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM outbox
         WHERE ($1 = '' OR status = $1) AND updated_at >= $2
         ORDER BY updated_at DESC LIMIT $3`,
		string(filter.Status), filter.UpdatedAfter, limit)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer rows.Close()

	entries, err := collectEntries(rows)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	addDBStatsToSpan(span, "List", len(entries), time.Since(start))

	return entries, nil
}

// Claim selects eligible rows and marks them leased in a single statement.
// FOR UPDATE SKIP LOCKED keeps concurrent claimers from ever returning the
// same row; select-then-update would reintroduce that race.
func (p *PostgresStore) Claim(ctx context.Context, batchSize int, workerID string, leaseDuration time.Duration) ([]OutboxEntry, error) {
	ctx, span := p.startSpan(ctx, "Claim")
	defer span.End()

	start := time.Now()
	now := time.Now().UTC()

	rows, err := p.db.QueryContext(ctx,
		`UPDATE outbox SET lease_owner = $1, lease_expires_at = $2, updated_at = $3
         WHERE id IN (
             SELECT id FROM outbox
             WHERE status = 'pending' AND next_attempt_at <= $3
               AND (lease_owner = '' OR lease_expires_at <= $3)
             ORDER BY next_attempt_at
             FOR UPDATE SKIP LOCKED
             LIMIT $4
         )
         RETURNING `+entryColumns,
		workerID, now.Add(leaseDuration), now, batchSize)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer rows.Close()

	entries, err := collectEntries(rows)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	addDBStatsToSpan(span, "Claim", len(entries), time.Since(start))

	return entries, nil
}

func (p *PostgresStore) Release(ctx context.Context, id, workerID string) error {
	ctx, span := p.startSpan(ctx, "Release")
	defer span.End()

	return p.execOwned(ctx, span,
		`UPDATE outbox SET lease_owner = '', lease_expires_at = NULL, updated_at = $1
         WHERE id = $2 AND lease_owner = $3`,
		time.Now().UTC(), id, workerID)
}

func (p *PostgresStore) MarkSent(ctx context.Context, id, workerID string) error {
	ctx, span := p.startSpan(ctx, "MarkSent")
	defer span.End()

	return p.execOwned(ctx, span,
		`UPDATE outbox SET status = 'sent', last_error = '', lease_owner = '', lease_expires_at = NULL, updated_at = $1
         WHERE id = $2 AND lease_owner = $3 AND status = 'pending'`,
		time.Now().UTC(), id, workerID)
}

func (p *PostgresStore) MarkRetry(ctx context.Context, id, workerID string, nextAttemptAt time.Time, lastError string) error {
	ctx, span := p.startSpan(ctx, "MarkRetry")
	defer span.End()

	return p.execOwned(ctx, span,
		`UPDATE outbox SET attempt_count = attempt_count + 1, last_error = $1, next_attempt_at = $2, lease_owner = '', lease_expires_at = NULL, updated_at = $3
         WHERE id = $4 AND lease_owner = $5 AND status = 'pending'`,
		lastError, nextAttemptAt, time.Now().UTC(), id, workerID)
}

func (p *PostgresStore) MarkDead(ctx context.Context, id, workerID string, lastError string) error {
	ctx, span := p.startSpan(ctx, "MarkDead")
	defer span.End()

	return p.execOwned(ctx, span,
		`UPDATE outbox SET status = 'dead', attempt_count = attempt_count + 1, last_error = $1, lease_owner = '', lease_expires_at = NULL, updated_at = $2
         WHERE id = $3 AND lease_owner = $4 AND status = 'pending'`,
		lastError, time.Now().UTC(), id, workerID)
}

func (p *PostgresStore) ListStale(ctx context.Context, window, threshold time.Duration, limit int) ([]OutboxEntry, error) {
	ctx, span := p.startSpan(ctx, "ListStale")
	defer span.End()

	start := time.Now()
	now := time.Now().UTC()

	rows, err := p.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM outbox
         WHERE status = 'pending' AND lease_owner <> ''
           AND updated_at <= $1 AND updated_at >= $2
         ORDER BY updated_at LIMIT $3`,
		now.Add(-threshold), now.Add(-window), limit)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer rows.Close()

	entries, err := collectEntries(rows)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	addDBStatsToSpan(span, "ListStale", len(entries), time.Since(start))

	return entries, nil
}

func (p *PostgresStore) RequeueStale(ctx context.Context, id, leaseOwner string, nextAttemptAt time.Time) (bool, error) {
	ctx, span := p.startSpan(ctx, "RequeueStale")
	defer span.End()

	res, err := p.db.ExecContext(ctx,
		`UPDATE outbox SET lease_owner = '', lease_expires_at = NULL, next_attempt_at = $1, updated_at = $2
         WHERE id = $3 AND lease_owner = $4 AND status = 'pending'`,
		nextAttemptAt, time.Now().UTC(), id, leaseOwner)
	if err != nil {
		span.RecordError(err)
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return false, err
	}

	return affected > 0, nil
}

func (p *PostgresStore) MarkDeadStale(ctx context.Context, id, leaseOwner, lastError string) (bool, error) {
	ctx, span := p.startSpan(ctx, "MarkDeadStale")
	defer span.End()

	res, err := p.db.ExecContext(ctx,
		`UPDATE outbox SET status = 'dead', last_error = $1, lease_owner = '', lease_expires_at = NULL, updated_at = $2
         WHERE id = $3 AND lease_owner = $4 AND status = 'pending'`,
		lastError, time.Now().UTC(), id, leaseOwner)
	if err != nil {
		span.RecordError(err)
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return false, err
	}

	return affected > 0, nil
}

func (p *PostgresStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	ctx, span := p.startSpan(ctx, "CountByStatus")
	defer span.End()

	rows, err := p.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			span.RecordError(err)
			return nil, err
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	return counts, nil
}

func (p *PostgresStore) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name)
}

// execOwned runs an owner-gated update and maps a zero row count to
// ErrNotOwner so callers can tell a lost lease from a transport failure.
func (p *PostgresStore) execOwned(ctx context.Context, span trace.Span, query string, args ...any) error {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return err
	}
	if affected == 0 {
		return ErrNotOwner
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*OutboxEntry, error) {
	var entry OutboxEntry
	var leaseExpires sql.NullTime

	if err := row.Scan(
		&entry.ID,
		&entry.IdempotencyKey,
		&entry.Payload,
		&entry.Target,
		&entry.CorrelationID,
		&entry.Status,
		&entry.AttemptCount,
		&entry.LastError,
		&entry.LeaseOwner,
		&leaseExpires,
		&entry.NextAttemptAt,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if leaseExpires.Valid {
		entry.LeaseExpiresAt = leaseExpires.Time
	}

	return &entry, nil
}

func collectEntries(rows *sql.Rows) ([]OutboxEntry, error) {
	var entries []OutboxEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
