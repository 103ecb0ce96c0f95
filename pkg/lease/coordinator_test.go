package lease

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/zoff-tech/go-memrelay/pkg/store"
)

type fakeClaimStore struct {
	store.OutBoxStore

	claimed       []store.OutboxEntry
	gotBatchSize  int
	gotWorkerID   string
	gotLease      time.Duration
	released      []string
	releaseResult error
}

func (f *fakeClaimStore) Claim(ctx context.Context, batchSize int, workerID string, leaseDuration time.Duration) ([]store.OutboxEntry, error) {
	f.gotBatchSize = batchSize
	f.gotWorkerID = workerID
	f.gotLease = leaseDuration
	return f.claimed, nil
}

func (f *fakeClaimStore) Release(ctx context.Context, id, workerID string) error {
	f.released = append(f.released, id)
	return f.releaseResult
}

func TestNewCoordinatorValidation(t *testing.T) {
	_, err := NewCoordinator(nil, time.Minute)
	assert.ErrorIs(t, err, ErrStoreRequired)

	_, err = NewCoordinator(&fakeClaimStore{}, 0)
	assert.ErrorIs(t, err, ErrInvalidLeaseDuration)
}

func TestClaimDelegatesWithLeaseDuration(t *testing.T) {
	fake := &fakeClaimStore{claimed: []store.OutboxEntry{{ID: "1"}}}
	coordinator, err := NewCoordinator(fake, 5*time.Minute)
	assert.NoError(t, err)

	entries, err := coordinator.Claim(context.Background(), 10, "worker-1")
	assert.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, 10, fake.gotBatchSize)
	assert.Equal(t, "worker-1", fake.gotWorkerID)
	assert.Equal(t, 5*time.Minute, fake.gotLease)
}

func TestClaimRequiresWorkerID(t *testing.T) {
	coordinator, err := NewCoordinator(&fakeClaimStore{}, time.Minute)
	assert.NoError(t, err)

	_, err = coordinator.Claim(context.Background(), 10, "")
	assert.ErrorIs(t, err, ErrWorkerIDRequired)
}

func TestClaimEmptyBatchIsNoop(t *testing.T) {
	fake := &fakeClaimStore{claimed: []store.OutboxEntry{{ID: "1"}}}
	coordinator, err := NewCoordinator(fake, time.Minute)
	assert.NoError(t, err)

	entries, err := coordinator.Claim(context.Background(), 0, "worker-1")
	assert.NoError(t, err)
	assert.Empty(t, entries)
	assert.Zero(t, fake.gotBatchSize)
}

func TestIsStale(t *testing.T) {
	now := time.Now().UTC()

	assert.False(t, IsStale(nil, now))
	assert.False(t, IsStale(&store.OutboxEntry{}, now))
	assert.False(t, IsStale(&store.OutboxEntry{
		LeaseOwner:     "worker-1",
		LeaseExpiresAt: now.Add(time.Minute),
	}, now))
	assert.True(t, IsStale(&store.OutboxEntry{
		LeaseOwner:     "worker-1",
		LeaseExpiresAt: now.Add(-time.Second),
	}, now))
}

func TestHeldLongerThan(t *testing.T) {
	now := time.Now().UTC()
	entry := &store.OutboxEntry{
		LeaseOwner: "worker-1",
		UpdatedAt:  now.Add(-3 * time.Minute),
	}

	assert.True(t, HeldLongerThan(entry, 2*time.Minute, now))
	assert.False(t, HeldLongerThan(entry, 5*time.Minute, now))

	unleased := &store.OutboxEntry{UpdatedAt: now.Add(-time.Hour)}
	assert.False(t, HeldLongerThan(unleased, time.Minute, now))
}
