package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
)

type SpannerStore struct {
	client *spanner.Client
}

func NewSpannerStore(client *spanner.Client) *SpannerStore {
	return &SpannerStore{client: client}
}

func (s *SpannerStore) Enqueue(ctx context.Context, params EnqueueParams) (EnqueueResult, error) {
	var result EnqueueResult

	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		stmt := spanner.Statement{
			SQL: `SELECT id FROM outbox WHERE idempotency_key = @key AND status IN ('pending','sent')`,
			Params: map[string]interface{}{
				"key": params.IdempotencyKey,
			},
		}
		iter := txn.Query(ctx, stmt)
		defer iter.Stop()

		row, err := iter.Next()
		if err == nil {
			if err := row.Columns(&result.ID); err != nil {
				return err
			}
			result.Created = false
			return nil
		}
		if err != iterator.Done {
			return err
		}

		result.ID = uuid.NewString()
		result.Created = true
		insert := spanner.Statement{
			SQL: `INSERT INTO outbox (id, idempotency_key, payload, target, correlation_id, status, attempt_count, last_error, lease_owner, next_attempt_at, created_at, updated_at)
                  VALUES (@id, @key, @payload, @target, @correlationID, 'pending', 0, '', '', CURRENT_TIMESTAMP(), CURRENT_TIMESTAMP(), CURRENT_TIMESTAMP())`,
			Params: map[string]interface{}{
				"id":            result.ID,
				"key":           params.IdempotencyKey,
				"payload":       params.Payload,
				"target":        params.Target,
				"correlationID": params.CorrelationID,
			},
		}
		_, err = txn.Update(ctx, insert)
		return err
	})
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("%w: %v", ErrEnqueue, err)
	}

	return result, nil
}

func (s *SpannerStore) Get(ctx context.Context, id string) (*OutboxEntry, error) {
	stmt := spanner.Statement{
		SQL:    `SELECT ` + entryColumns + ` FROM outbox WHERE id = @id`,
		Params: map[string]interface{}{"id": id},
	}

	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	row, err := iter.Next()
	if err == iterator.Done {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return scanSpannerEntry(row)
}

func (s *SpannerStore) List(ctx context.Context, filter ListFilter) ([]OutboxEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	stmt := spanner.Statement{
		SQL: `SELECT ` + entryColumns + ` FROM outbox
              WHERE (@status = '' OR status = @status) AND updated_at >= @updatedAfter
              ORDER BY updated_at DESC LIMIT @limit`,
		Params: map[string]interface{}{
			"status":       string(filter.Status),
			"updatedAfter": filter.UpdatedAfter,
			"limit":        int64(limit),
		},
	}

	return s.queryEntries(ctx, stmt)
}

// Claim selects and leases rows inside one read-write transaction; Spanner's
// serializable isolation keeps concurrent claimers from overlapping.
func (s *SpannerStore) Claim(ctx context.Context, batchSize int, workerID string, leaseDuration time.Duration) ([]OutboxEntry, error) {
	var entries []OutboxEntry

	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		entries = entries[:0]
		now := time.Now().UTC()

		stmt := spanner.Statement{
			SQL: `SELECT ` + entryColumns + ` FROM outbox
                  WHERE status = 'pending' AND next_attempt_at <= @now
                    AND (lease_owner = '' OR lease_expires_at <= @now)
                  ORDER BY next_attempt_at LIMIT @batchSize`,
			Params: map[string]interface{}{
				"now":       now,
				"batchSize": int64(batchSize),
			},
		}
		iter := txn.Query(ctx, stmt)
		defer iter.Stop()

		for {
			row, err := iter.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				return err
			}
			entry, err := scanSpannerEntry(row)
			if err != nil {
				return err
			}
			entries = append(entries, *entry)
		}

		expires := now.Add(leaseDuration)
		for i := range entries {
			update := spanner.Statement{
				SQL: `UPDATE outbox SET lease_owner = @worker, lease_expires_at = @expires, updated_at = @now WHERE id = @id`,
				Params: map[string]interface{}{
					"worker":  workerID,
					"expires": expires,
					"now":     now,
					"id":      entries[i].ID,
				},
			}
			if _, err := txn.Update(ctx, update); err != nil {
				return err
			}
			entries[i].LeaseOwner = workerID
			entries[i].LeaseExpiresAt = expires
			entries[i].UpdatedAt = now
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

func (s *SpannerStore) Release(ctx context.Context, id, workerID string) error {
	return s.updateOwned(ctx, spanner.Statement{
		SQL: `UPDATE outbox SET lease_owner = '', lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP()
              WHERE id = @id AND lease_owner = @worker`,
		Params: map[string]interface{}{"id": id, "worker": workerID},
	})
}

func (s *SpannerStore) MarkSent(ctx context.Context, id, workerID string) error {
	return s.updateOwned(ctx, spanner.Statement{
		SQL: `UPDATE outbox SET status = 'sent', last_error = '', lease_owner = '', lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP()
              WHERE id = @id AND lease_owner = @worker AND status = 'pending'`,
		Params: map[string]interface{}{"id": id, "worker": workerID},
	})
}

func (s *SpannerStore) MarkRetry(ctx context.Context, id, workerID string, nextAttemptAt time.Time, lastError string) error {
	return s.updateOwned(ctx, spanner.Statement{
		SQL: `UPDATE outbox SET attempt_count = attempt_count + 1, last_error = @lastError, next_attempt_at = @nextAttemptAt,
                     lease_owner = '', lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP()
              WHERE id = @id AND lease_owner = @worker AND status = 'pending'`,
		Params: map[string]interface{}{
			"id": id, "worker": workerID,
			"lastError": lastError, "nextAttemptAt": nextAttemptAt,
		},
	})
}

func (s *SpannerStore) MarkDead(ctx context.Context, id, workerID string, lastError string) error {
	return s.updateOwned(ctx, spanner.Statement{
		SQL: `UPDATE outbox SET status = 'dead', attempt_count = attempt_count + 1, last_error = @lastError,
                     lease_owner = '', lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP()
              WHERE id = @id AND lease_owner = @worker AND status = 'pending'`,
		Params: map[string]interface{}{"id": id, "worker": workerID, "lastError": lastError},
	})
}

func (s *SpannerStore) ListStale(ctx context.Context, window, threshold time.Duration, limit int) ([]OutboxEntry, error) {
	now := time.Now().UTC()
	stmt := spanner.Statement{
		SQL: `SELECT ` + entryColumns + ` FROM outbox
              WHERE status = 'pending' AND lease_owner != ''
                AND updated_at <= @heldSince AND updated_at >= @windowStart
              ORDER BY updated_at LIMIT @limit`,
		Params: map[string]interface{}{
			"heldSince":   now.Add(-threshold),
			"windowStart": now.Add(-window),
			"limit":       int64(limit),
		},
	}

	return s.queryEntries(ctx, stmt)
}

func (s *SpannerStore) RequeueStale(ctx context.Context, id, leaseOwner string, nextAttemptAt time.Time) (bool, error) {
	return s.updateConditional(ctx, spanner.Statement{
		SQL: `UPDATE outbox SET lease_owner = '', lease_expires_at = NULL, next_attempt_at = @nextAttemptAt, updated_at = CURRENT_TIMESTAMP()
              WHERE id = @id AND lease_owner = @owner AND status = 'pending'`,
		Params: map[string]interface{}{"id": id, "owner": leaseOwner, "nextAttemptAt": nextAttemptAt},
	})
}

func (s *SpannerStore) MarkDeadStale(ctx context.Context, id, leaseOwner, lastError string) (bool, error) {
	return s.updateConditional(ctx, spanner.Statement{
		SQL: `UPDATE outbox SET status = 'dead', last_error = @lastError, lease_owner = '', lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP()
              WHERE id = @id AND lease_owner = @owner AND status = 'pending'`,
		Params: map[string]interface{}{"id": id, "owner": leaseOwner, "lastError": lastError},
	})
}

func (s *SpannerStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	stmt := spanner.Statement{SQL: `SELECT status, COUNT(*) FROM outbox GROUP BY status`}

	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	counts := make(map[Status]int)
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		var status string
		var count int64
		if err := row.Columns(&status, &count); err != nil {
			return nil, err
		}
		counts[Status(status)] = int(count)
	}

	return counts, nil
}

func (s *SpannerStore) queryEntries(ctx context.Context, stmt spanner.Statement) ([]OutboxEntry, error) {
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var entries []OutboxEntry
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		entry, err := scanSpannerEntry(row)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}

	return entries, nil
}

func (s *SpannerStore) updateOwned(ctx context.Context, stmt spanner.Statement) error {
	updated, err := s.updateConditional(ctx, stmt)
	if err != nil {
		return err
	}
	if !updated {
		return ErrNotOwner
	}
	return nil
}

func (s *SpannerStore) updateConditional(ctx context.Context, stmt spanner.Statement) (bool, error) {
	var affected int64
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		var txErr error
		affected, txErr = txn.Update(ctx, stmt)
		return txErr
	})
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func scanSpannerEntry(row *spanner.Row) (*OutboxEntry, error) {
	if row == nil {
		return nil, errors.New("nil spanner row")
	}

	var entry OutboxEntry
	var leaseExpires spanner.NullTime
	var attemptCount int64

	if err := row.Columns(
		&entry.ID,
		&entry.IdempotencyKey,
		&entry.Payload,
		&entry.Target,
		&entry.CorrelationID,
		(*string)(&entry.Status),
		&attemptCount,
		&entry.LastError,
		&entry.LeaseOwner,
		&leaseExpires,
		&entry.NextAttemptAt,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	); err != nil {
		return nil, err
	}

	entry.AttemptCount = int(attemptCount)
	if leaseExpires.Valid {
		entry.LeaseExpiresAt = leaseExpires.Time
	}

	return &entry, nil
}
