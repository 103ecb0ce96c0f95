package reconciler

import (
	"time"

	"github.com/zoff-tech/go-memrelay/pkg/audit"
	"github.com/zoff-tech/go-memrelay/pkg/store"
)

// Violation records an outbox entry whose current status disagrees with the
// status implied by its latest audit record.
type Violation struct {
	OutboxID       string       `json:"outbox_id"`
	AuditReason    audit.Reason `json:"audit_reason"`
	ExpectedStatus store.Status `json:"expected_status"`
	ActualStatus   store.Status `json:"actual_status"`
}

// Report summarizes one reconciliation run. In report-only mode the stale
// counters tell what a fixing run would have done.
type Report struct {
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at"`
	ScanWindow    time.Duration `json:"scan_window"`
	AutoFix       bool          `json:"auto_fix"`
	StaleFound    int           `json:"stale_found"`
	StaleRequeued int           `json:"stale_requeued"`
	MarkedDead    int           `json:"marked_dead"`
	Skipped       int           `json:"skipped"`
	Violations    []Violation   `json:"violations"`
}

// Overview is the aggregate reporting surface: outbox status counts next to
// audit action and evidence schema counts.
type Overview struct {
	StatusCounts         map[store.Status]int `json:"status_counts"`
	ActionCounts         map[audit.Action]int `json:"action_counts"`
	EvidenceSchemaCounts map[string]int       `json:"evidence_schema_counts"`
}
