package audit

import (
	"time"

	"github.com/zoff-tech/go-memrelay/pkg/store"
)

// Action classifies the decision a record documents.
type Action string

const (
	ActionAllow    Action = "allow"
	ActionRedirect Action = "redirect"
	ActionReject   Action = "reject"
)

// Reason is a fixed-vocabulary token naming why the action was taken.
type Reason string

const (
	ReasonDownstreamUnreachable Reason = "downstream_unreachable"
	ReasonFlushSuccess          Reason = "flush_success"
	ReasonFlushRetry            Reason = "flush_retry"
	ReasonFlushDead             Reason = "flush_dead"
	ReasonStaleLease            Reason = "stale_lease"
)

// EvidenceSchemaV1 is the current evidence schema version.
const EvidenceSchemaV1 = "v1"

// Evidence is the structured, independently queryable reference attached to a
// record. OutboxID ties the record to the outbox entry it documents.
type Evidence struct {
	SchemaVersion string `json:"schema_version"`
	OutboxID      string `json:"outbox_id,omitempty"`
	SinkMessageID string `json:"sink_message_id,omitempty"`
	AttemptCount  int    `json:"attempt_count,omitempty"`
	LeaseOwner    string `json:"lease_owner,omitempty"`
}

// AuditRecord is an append-only record of a write decision or an outbox state
// transition. Records are never mutated or deleted.
type AuditRecord struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id"`
	Actor         string    `json:"actor"`
	Target        string    `json:"target"`
	Action        Action    `json:"action"`
	Reason        Reason    `json:"reason"`
	Evidence      Evidence  `json:"evidence"`
	CreatedAt     time.Time `json:"created_at"`
}

// ActionForReason returns the action paired with each transition reason:
// a successful flush means the write finally landed (allow), retries and
// stale-lease requeues keep it diverted (redirect), dead-lettering gives up
// on it (reject).
func ActionForReason(reason Reason) Action {
	switch reason {
	case ReasonFlushSuccess:
		return ActionAllow
	case ReasonFlushDead:
		return ActionReject
	default:
		return ActionRedirect
	}
}

// StatusImpliedByReason maps a transition reason to the outbox status the
// entry must hold immediately after that transition. The reconciler's
// consistency scan checks the latest record per entry against this mapping.
func StatusImpliedByReason(reason Reason) (store.Status, bool) {
	switch reason {
	case ReasonFlushSuccess:
		return store.StatusSent, true
	case ReasonFlushDead:
		return store.StatusDead, true
	case ReasonFlushRetry, ReasonStaleLease, ReasonDownstreamUnreachable:
		return store.StatusPending, true
	default:
		return "", false
	}
}
