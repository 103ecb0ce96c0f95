package audit

import (
	"context"
	"errors"
	"time"
)

// ErrAuditWrite wraps any failure to append a record. Callers must treat it
// as fatal to the current operation: a state change without its audit record
// is forbidden, so the triggering transition must not proceed.
var ErrAuditWrite = errors.New("audit append failed")

// Ledger is the append-only audit store. Records are inserted, never updated.
type Ledger interface {
	// Append stores the record and returns its id. Failures wrap
	// ErrAuditWrite.
	Append(ctx context.Context, record *AuditRecord) (string, error)
	// ListWithOutboxEvidence returns records created since the given time
	// whose evidence references an outbox entry, newest first.
	ListWithOutboxEvidence(ctx context.Context, since time.Time, limit int) ([]AuditRecord, error)
	// CountByAction returns aggregate record counts for reporting.
	CountByAction(ctx context.Context) (map[Action]int, error)
	// CountByEvidenceSchema returns record counts per evidence schema version.
	CountByEvidenceSchema(ctx context.Context) (map[string]int, error)
}
