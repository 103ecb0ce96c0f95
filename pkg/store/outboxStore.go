package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrEnqueue wraps any store failure during Enqueue. It is fatal to the
	// caller's write path: the write must surface an explicit error instead
	// of silently dropping the payload.
	ErrEnqueue = errors.New("outbox enqueue failed")
	// ErrNotFound is returned by Get for an unknown entry id.
	ErrNotFound = errors.New("outbox entry not found")
	// ErrNotOwner is returned when a mutation names a worker that no longer
	// holds the entry's lease.
	ErrNotOwner = errors.New("lease not held by worker")
)

// EnqueueParams carries the arguments of an Enqueue call.
type EnqueueParams struct {
	IdempotencyKey string
	Payload        []byte
	Target         string
	CorrelationID  string
}

// EnqueueResult reports the outcome of an Enqueue call. Created is false when
// an active entry with the same idempotency key already existed; ID then
// refers to that entry.
type EnqueueResult struct {
	ID      string
	Created bool
}

// ListFilter narrows List queries.
type ListFilter struct {
	Status       Status
	UpdatedAfter time.Time
	Limit        int
}

// OutBoxStore defines the database operations for outbox entries.
//
// Claim is the single correctness-critical primitive: selecting eligible rows
// and marking them leased must be one atomic operation, so two concurrent
// callers can never receive the same entry.
type OutBoxStore interface {
	// Enqueue inserts a pending entry, or returns the id of the active entry
	// already holding the same idempotency key.
	Enqueue(ctx context.Context, params EnqueueParams) (EnqueueResult, error)
	// Get returns a single entry by id.
	Get(ctx context.Context, id string) (*OutboxEntry, error)
	// List returns entries matching the filter, most recently updated first.
	List(ctx context.Context, filter ListFilter) ([]OutboxEntry, error)

	// Claim atomically leases up to batchSize pending entries whose
	// next_attempt_at has passed and whose lease is absent or expired.
	Claim(ctx context.Context, batchSize int, workerID string, leaseDuration time.Duration) ([]OutboxEntry, error)
	// Release clears the lease of an entry the worker still owns.
	Release(ctx context.Context, id, workerID string) error

	// MarkSent records a successful delivery and clears lease and last error.
	MarkSent(ctx context.Context, id, workerID string) error
	// MarkRetry schedules another attempt: increments attempt_count, stores
	// the failure text, sets next_attempt_at and clears the lease.
	MarkRetry(ctx context.Context, id, workerID string, nextAttemptAt time.Time, lastError string) error
	// MarkDead dead-letters an entry that exhausted its attempts.
	MarkDead(ctx context.Context, id, workerID string, lastError string) error

	// ListStale returns leased pending entries held longer than threshold,
	// considering only entries updated within the scan window.
	ListStale(ctx context.Context, window, threshold time.Duration, limit int) ([]OutboxEntry, error)
	// RequeueStale clears the given lease and reschedules the entry. It is
	// conditional on the observed owner, so repeating it is a no-op; it
	// reports whether the entry was actually requeued.
	RequeueStale(ctx context.Context, id, leaseOwner string, nextAttemptAt time.Time) (bool, error)
	// MarkDeadStale dead-letters a stale entry without an owning worker,
	// conditional on the observed lease owner like RequeueStale.
	MarkDeadStale(ctx context.Context, id, leaseOwner, lastError string) (bool, error)

	// CountByStatus returns aggregate entry counts for reporting.
	CountByStatus(ctx context.Context) (map[Status]int, error)
}
