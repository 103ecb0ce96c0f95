package lease

import (
	"context"
	"errors"
	"time"

	"github.com/zoff-tech/go-memrelay/pkg/store"
)

var (
	ErrStoreRequired        = errors.New("lease: outbox store is required")
	ErrWorkerIDRequired     = errors.New("lease: worker id is required")
	ErrInvalidLeaseDuration = errors.New("lease: lease duration must be positive")
)

// Coordinator hands out time-bound exclusive claims over outbox entries. The
// atomicity of a claim lives in the backing store; the coordinator only adds
// argument checking and the staleness predicates, so the delivery worker and
// the reconciler share one claim protocol.
type Coordinator struct {
	store         store.OutBoxStore
	leaseDuration time.Duration
}

func NewCoordinator(outboxStore store.OutBoxStore, leaseDuration time.Duration) (*Coordinator, error) {
	if outboxStore == nil {
		return nil, ErrStoreRequired
	}
	if leaseDuration <= 0 {
		return nil, ErrInvalidLeaseDuration
	}

	return &Coordinator{
		store:         outboxStore,
		leaseDuration: leaseDuration,
	}, nil
}

// Claim leases up to batchSize eligible entries for workerID. The returned
// batch is owned by the caller until each entry is marked or released, or
// until the lease expires.
func (c *Coordinator) Claim(ctx context.Context, batchSize int, workerID string) ([]store.OutboxEntry, error) {
	if workerID == "" {
		return nil, ErrWorkerIDRequired
	}
	if batchSize <= 0 {
		return nil, nil
	}

	return c.store.Claim(ctx, batchSize, workerID, c.leaseDuration)
}

// Release clears a lease the worker still owns.
func (c *Coordinator) Release(ctx context.Context, id, workerID string) error {
	if workerID == "" {
		return ErrWorkerIDRequired
	}

	return c.store.Release(ctx, id, workerID)
}

// LeaseDuration returns the configured hard expiry interval.
func (c *Coordinator) LeaseDuration() time.Duration {
	return c.leaseDuration
}

// IsStale reports whether the entry's lease has passed its hard expiry.
func IsStale(entry *store.OutboxEntry, now time.Time) bool {
	if entry == nil || entry.LeaseOwner == "" {
		return false
	}

	return !entry.LeaseExpiresAt.After(now)
}

// HeldLongerThan reports whether a leased entry has gone unattended for at
// least threshold. Claims and mark operations refresh updated_at, so holding
// time is measured from there. This catches workers that are alive but
// stuck, before the hard expiry would free the entry.
func HeldLongerThan(entry *store.OutboxEntry, threshold time.Duration, now time.Time) bool {
	if entry == nil || entry.LeaseOwner == "" {
		return false
	}

	return now.Sub(entry.UpdatedAt) >= threshold
}
