package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIdempotencyKeyDeterministic(t *testing.T) {
	key1 := IdempotencyKey("orders", []byte(`{"id":1}`))
	key2 := IdempotencyKey("orders", []byte(`{"id":1}`))
	assert.Equal(t, key1, key2)
	assert.Len(t, key1, 64) // hex-encoded sha256
}

func TestIdempotencyKeyDiffersByTargetAndPayload(t *testing.T) {
	base := IdempotencyKey("orders", []byte("payload"))
	assert.NotEqual(t, base, IdempotencyKey("invoices", []byte("payload")))
	assert.NotEqual(t, base, IdempotencyKey("orders", []byte("payload2")))
}

func TestIdempotencyKeyNoConcatenationAmbiguity(t *testing.T) {
	// "ab"+"c" and "a"+"bc" concatenate identically; the length prefix must
	// keep their keys apart.
	assert.NotEqual(t,
		IdempotencyKey("ab", []byte("c")),
		IdempotencyKey("a", []byte("bc")))
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.True(t, StatusSent.Terminal())
	assert.True(t, StatusDead.Terminal())
}

func TestEntryLeased(t *testing.T) {
	entry := OutboxEntry{}
	assert.False(t, entry.Leased())

	entry.LeaseOwner = "worker-1"
	entry.LeaseExpiresAt = time.Now().Add(time.Minute)
	assert.True(t, entry.Leased())
}
