package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/zoff-tech/go-memrelay/pkg/audit"
	"github.com/zoff-tech/go-memrelay/pkg/config"
	"github.com/zoff-tech/go-memrelay/pkg/store"
)

type requeueCall struct {
	id            string
	leaseOwner    string
	nextAttemptAt time.Time
}

type fakeStore struct {
	store.OutBoxStore

	stale         []store.OutboxEntry
	entries       map[string]*store.OutboxEntry
	statusCounts  map[store.Status]int
	requeued      []requeueCall
	requeueResult bool
	deadLettered  []string
	deadResult    bool
}

func (f *fakeStore) ListStale(ctx context.Context, window, threshold time.Duration, limit int) ([]store.OutboxEntry, error) {
	return f.stale, nil
}

func (f *fakeStore) RequeueStale(ctx context.Context, id, leaseOwner string, nextAttemptAt time.Time) (bool, error) {
	f.requeued = append(f.requeued, requeueCall{id: id, leaseOwner: leaseOwner, nextAttemptAt: nextAttemptAt})
	return f.requeueResult, nil
}

func (f *fakeStore) MarkDeadStale(ctx context.Context, id, leaseOwner, lastError string) (bool, error) {
	f.deadLettered = append(f.deadLettered, id)
	return f.deadResult, nil
}

func (f *fakeStore) Get(ctx context.Context, id string) (*store.OutboxEntry, error) {
	entry, ok := f.entries[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return entry, nil
}

func (f *fakeStore) CountByStatus(ctx context.Context) (map[store.Status]int, error) {
	return f.statusCounts, nil
}

type fakeLedger struct {
	appended     []audit.AuditRecord
	records      []audit.AuditRecord
	actionCounts map[audit.Action]int
	schemaCounts map[string]int
}

func (f *fakeLedger) Append(ctx context.Context, record *audit.AuditRecord) (string, error) {
	f.appended = append(f.appended, *record)
	return "rec-1", nil
}

func (f *fakeLedger) ListWithOutboxEvidence(ctx context.Context, since time.Time, limit int) ([]audit.AuditRecord, error) {
	return f.records, nil
}

func (f *fakeLedger) CountByAction(ctx context.Context) (map[audit.Action]int, error) {
	return f.actionCounts, nil
}

func (f *fakeLedger) CountByEvidenceSchema(ctx context.Context) (map[string]int, error) {
	return f.schemaCounts, nil
}

func testSettings(autoFix bool) config.ReconcilerSettings {
	return config.ReconcilerSettings{
		ScanWindow:      24 * time.Hour,
		BatchSize:       100,
		StaleThreshold:  2 * time.Minute,
		AutoFix:         autoFix,
		Reschedule:      true,
		RescheduleDelay: time.Minute,
		MaxAttempts:     3,
	}
}

func staleEntry(id string, attempts int) store.OutboxEntry {
	return store.OutboxEntry{
		ID:           id,
		Target:       "orders",
		Status:       store.StatusPending,
		AttemptCount: attempts,
		LeaseOwner:   "worker-gone",
	}
}

func newTestReconciler(t *testing.T, outboxStore *fakeStore, ledger *fakeLedger, autoFix bool) *Reconciler {
	t.Helper()
	r, err := NewReconciler(outboxStore, ledger, testSettings(autoFix), nil)
	assert.NoError(t, err)
	return r
}

func TestRunReportOnlyLeavesEntriesUntouched(t *testing.T) {
	outboxStore := &fakeStore{stale: []store.OutboxEntry{staleEntry("1", 1)}}
	ledger := &fakeLedger{}

	r := newTestReconciler(t, outboxStore, ledger, false)
	report, err := r.Run(context.Background())
	assert.NoError(t, err)

	assert.Equal(t, 1, report.StaleFound)
	assert.Zero(t, report.StaleRequeued)
	assert.Zero(t, report.MarkedDead)
	assert.Empty(t, outboxStore.requeued)
	assert.Empty(t, outboxStore.deadLettered)
	assert.Empty(t, ledger.appended)
}

func TestRunAutoFixRequeuesStaleEntry(t *testing.T) {
	outboxStore := &fakeStore{
		stale:         []store.OutboxEntry{staleEntry("1", 1)},
		requeueResult: true,
	}
	ledger := &fakeLedger{}

	r := newTestReconciler(t, outboxStore, ledger, true)
	frozen := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return frozen }

	report, err := r.Run(context.Background())
	assert.NoError(t, err)

	assert.Equal(t, 1, report.StaleRequeued)
	assert.Len(t, outboxStore.requeued, 1)
	call := outboxStore.requeued[0]
	assert.Equal(t, "1", call.id)
	assert.Equal(t, "worker-gone", call.leaseOwner)
	assert.Equal(t, frozen.Add(time.Minute), call.nextAttemptAt)

	assert.Len(t, ledger.appended, 1)
	record := ledger.appended[0]
	assert.Equal(t, audit.ReasonStaleLease, record.Reason)
	assert.Equal(t, audit.ActionRedirect, record.Action)
	assert.Equal(t, "reconciler", record.Actor)
	assert.Equal(t, "1", record.Evidence.OutboxID)
	assert.Equal(t, "worker-gone", record.Evidence.LeaseOwner)
}

func TestRunAutoFixDeadLettersExhaustedEntry(t *testing.T) {
	outboxStore := &fakeStore{
		stale:      []store.OutboxEntry{staleEntry("1", 3)},
		deadResult: true,
	}
	ledger := &fakeLedger{}

	r := newTestReconciler(t, outboxStore, ledger, true)
	report, err := r.Run(context.Background())
	assert.NoError(t, err)

	assert.Equal(t, 1, report.MarkedDead)
	assert.Zero(t, report.StaleRequeued)
	assert.Equal(t, []string{"1"}, outboxStore.deadLettered)
	assert.Empty(t, outboxStore.requeued)

	assert.Len(t, ledger.appended, 1)
	assert.Equal(t, audit.ReasonFlushDead, ledger.appended[0].Reason)
	assert.Equal(t, audit.ActionReject, ledger.appended[0].Action)
}

func TestRunSecondPassIsIdempotent(t *testing.T) {
	// The observed lease owner no longer matches, so the conditional requeue
	// reports no change and no record is written.
	outboxStore := &fakeStore{
		stale:         []store.OutboxEntry{staleEntry("1", 1)},
		requeueResult: false,
	}
	ledger := &fakeLedger{}

	r := newTestReconciler(t, outboxStore, ledger, true)
	report, err := r.Run(context.Background())
	assert.NoError(t, err)

	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.StaleRequeued)
	assert.Empty(t, ledger.appended)
}

func TestRunFlagsAuditStatusMismatch(t *testing.T) {
	now := time.Now().UTC()
	outboxStore := &fakeStore{
		entries: map[string]*store.OutboxEntry{
			"drifted":    {ID: "drifted", Status: store.StatusPending},
			"consistent": {ID: "consistent", Status: store.StatusSent},
		},
	}
	ledger := &fakeLedger{
		// Newest first, matching ledger list order.
		records: []audit.AuditRecord{
			{
				Reason:    audit.ReasonFlushSuccess,
				Evidence:  audit.Evidence{OutboxID: "drifted"},
				CreatedAt: now,
			},
			{
				Reason:    audit.ReasonFlushSuccess,
				Evidence:  audit.Evidence{OutboxID: "consistent"},
				CreatedAt: now.Add(-time.Minute),
			},
			{
				// Older record for the drifted entry must not mask the drift.
				Reason:    audit.ReasonFlushRetry,
				Evidence:  audit.Evidence{OutboxID: "drifted"},
				CreatedAt: now.Add(-2 * time.Minute),
			},
		},
	}

	r := newTestReconciler(t, outboxStore, ledger, false)
	report, err := r.Run(context.Background())
	assert.NoError(t, err)

	assert.Len(t, report.Violations, 1)
	violation := report.Violations[0]
	assert.Equal(t, "drifted", violation.OutboxID)
	assert.Equal(t, audit.ReasonFlushSuccess, violation.AuditReason)
	assert.Equal(t, store.StatusSent, violation.ExpectedStatus)
	assert.Equal(t, store.StatusPending, violation.ActualStatus)
}

func TestRunFlagsMissingEntry(t *testing.T) {
	outboxStore := &fakeStore{entries: map[string]*store.OutboxEntry{}}
	ledger := &fakeLedger{
		records: []audit.AuditRecord{{
			Reason:   audit.ReasonFlushSuccess,
			Evidence: audit.Evidence{OutboxID: "vanished"},
		}},
	}

	r := newTestReconciler(t, outboxStore, ledger, false)
	report, err := r.Run(context.Background())
	assert.NoError(t, err)

	assert.Len(t, report.Violations, 1)
	assert.Equal(t, "vanished", report.Violations[0].OutboxID)
	assert.Equal(t, store.StatusSent, report.Violations[0].ExpectedStatus)
}

func TestOverviewAggregates(t *testing.T) {
	outboxStore := &fakeStore{
		statusCounts: map[store.Status]int{store.StatusPending: 2, store.StatusSent: 9},
	}
	ledger := &fakeLedger{
		actionCounts: map[audit.Action]int{audit.ActionAllow: 9, audit.ActionRedirect: 4},
		schemaCounts: map[string]int{"v1": 13},
	}

	r := newTestReconciler(t, outboxStore, ledger, false)
	overview, err := r.Overview(context.Background())
	assert.NoError(t, err)

	assert.Equal(t, 2, overview.StatusCounts[store.StatusPending])
	assert.Equal(t, 9, overview.ActionCounts[audit.ActionAllow])
	assert.Equal(t, 13, overview.EvidenceSchemaCounts["v1"])
}
