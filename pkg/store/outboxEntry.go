package store

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Status represents the delivery status of an outbox entry.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusDead    Status = "dead"
)

// Terminal reports whether no further delivery attempts may happen.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusDead
}

// OutboxEntry represents a queued delivery stored in the outbox table.
type OutboxEntry struct {
	ID             string    `json:"id"`
	IdempotencyKey string    `json:"idempotency_key"`
	Payload        []byte    `json:"payload"`
	Target         string    `json:"target"`
	CorrelationID  string    `json:"correlation_id"`
	Status         Status    `json:"status"`
	AttemptCount   int       `json:"attempt_count"`
	LastError      string    `json:"last_error,omitempty"`
	LeaseOwner     string    `json:"lease_owner,omitempty"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitempty"`
	NextAttemptAt  time.Time `json:"next_attempt_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Leased reports whether a worker currently holds the entry.
func (e *OutboxEntry) Leased() bool {
	return e.LeaseOwner != ""
}

// IdempotencyKey derives the deterministic key for a (target, payload) pair.
// The target is length-prefixed so ("ab","c") and ("a","bc") cannot collide.
func IdempotencyKey(target string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte{byte(len(target) >> 8), byte(len(target))})
	h.Write([]byte(target))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
