package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-memrelay/pkg/audit"
	"github.com/zoff-tech/go-memrelay/pkg/config"
	"github.com/zoff-tech/go-memrelay/pkg/store"
)

const (
	tracerName      = "go-memrelay"
	reconcilerActor = "reconciler"
)

// Reconciler sweeps the outbox for entries stuck under an abandoned lease and
// cross-checks entry statuses against the audit ledger. With auto_fix off it
// only reports; with auto_fix on it requeues stale entries, or dead-letters
// them once their attempt budget is spent.
type Reconciler struct {
	outboxStore store.OutBoxStore
	ledger      audit.Ledger
	settings    config.ReconcilerSettings
	logger      *zap.Logger
	now         func() time.Time
}

func NewReconciler(outboxStore store.OutBoxStore, ledger audit.Ledger, settings config.ReconcilerSettings, logger *zap.Logger) (*Reconciler, error) {
	if outboxStore == nil {
		return nil, errors.New("reconciler: outbox store is required")
	}
	if ledger == nil {
		return nil, errors.New("reconciler: audit ledger is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Reconciler{
		outboxStore: outboxStore,
		ledger:      ledger,
		settings:    settings,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// Run performs one reconciliation pass and returns its report. Fixes are
// conditional on the lease owner observed during the scan, so a concurrent
// run or a worker that resumed in the meantime makes the fix a no-op instead
// of a double requeue.
func (r *Reconciler) Run(ctx context.Context) (*Report, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "Reconcile")
	defer span.End()

	report := &Report{
		StartedAt:  r.now().UTC(),
		ScanWindow: r.settings.ScanWindow,
		AutoFix:    r.settings.AutoFix,
	}

	stale, err := r.outboxStore.ListStale(ctx, r.settings.ScanWindow, r.settings.StaleThreshold, r.settings.BatchSize)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("list stale entries: %w", err)
	}
	report.StaleFound = len(stale)

	for i := range stale {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.handleStale(ctx, &stale[i], report)
	}

	violations, err := r.scanConsistency(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("consistency scan: %w", err)
	}
	report.Violations = violations

	report.FinishedAt = r.now().UTC()
	r.logger.Info("reconciliation finished",
		zap.Int("stale_found", report.StaleFound),
		zap.Int("stale_requeued", report.StaleRequeued),
		zap.Int("marked_dead", report.MarkedDead),
		zap.Int("skipped", report.Skipped),
		zap.Int("violations", len(report.Violations)),
		zap.Bool("auto_fix", report.AutoFix))

	return report, nil
}

func (r *Reconciler) handleStale(ctx context.Context, entry *store.OutboxEntry, report *Report) {
	logger := r.logger.With(
		zap.String("outbox_id", entry.ID),
		zap.String("lease_owner", entry.LeaseOwner),
		zap.Int("attempt_count", entry.AttemptCount))

	if !r.settings.AutoFix {
		logger.Warn("stale lease detected (report only)")
		return
	}

	if entry.AttemptCount >= r.settings.MaxAttempts {
		changed, err := r.outboxStore.MarkDeadStale(ctx, entry.ID, entry.LeaseOwner, "lease expired with attempts exhausted")
		if err != nil {
			logger.Error("dead-letter failed", zap.Error(err))
			return
		}
		if !changed {
			report.Skipped++
			logger.Info("stale entry already handled")
			return
		}
		report.MarkedDead++
		r.appendFixRecord(ctx, entry, audit.ReasonFlushDead, logger)
		logger.Warn("stale entry dead-lettered")
		return
	}

	if !r.settings.Reschedule {
		report.Skipped++
		logger.Warn("stale lease detected, reschedule disabled")
		return
	}

	nextAttemptAt := r.now().UTC().Add(r.settings.RescheduleDelay)
	changed, err := r.outboxStore.RequeueStale(ctx, entry.ID, entry.LeaseOwner, nextAttemptAt)
	if err != nil {
		logger.Error("requeue failed", zap.Error(err))
		return
	}
	if !changed {
		report.Skipped++
		logger.Info("stale entry already handled")
		return
	}
	report.StaleRequeued++
	r.appendFixRecord(ctx, entry, audit.ReasonStaleLease, logger)
	logger.Info("stale entry requeued", zap.Time("next_attempt_at", nextAttemptAt))
}

// appendFixRecord documents a fix after the conditional update succeeded. The
// update is the idempotency guard; if the record itself cannot be written the
// gap shows up in the next consistency scan.
func (r *Reconciler) appendFixRecord(ctx context.Context, entry *store.OutboxEntry, reason audit.Reason, logger *zap.Logger) {
	record := &audit.AuditRecord{
		CorrelationID: entry.CorrelationID,
		Actor:         reconcilerActor,
		Target:        entry.Target,
		Action:        audit.ActionForReason(reason),
		Reason:        reason,
		Evidence: audit.Evidence{
			SchemaVersion: audit.EvidenceSchemaV1,
			OutboxID:      entry.ID,
			AttemptCount:  entry.AttemptCount,
			LeaseOwner:    entry.LeaseOwner,
		},
	}
	if _, err := r.ledger.Append(ctx, record); err != nil {
		logger.Error("audit write failed for reconciler fix", zap.Error(err))
	}
}

// scanConsistency compares each entry's current status with the status
// implied by its latest audit record inside the scan window.
func (r *Reconciler) scanConsistency(ctx context.Context) ([]Violation, error) {
	since := r.now().UTC().Add(-r.settings.ScanWindow)
	records, err := r.ledger.ListWithOutboxEvidence(ctx, since, r.settings.BatchSize*10)
	if err != nil {
		return nil, err
	}

	// Records arrive newest first, so the first one seen per outbox id is
	// the latest transition.
	latest := make(map[string]audit.AuditRecord)
	for _, record := range records {
		if _, seen := latest[record.Evidence.OutboxID]; !seen {
			latest[record.Evidence.OutboxID] = record
		}
	}

	var violations []Violation
	for outboxID, record := range latest {
		expected, ok := audit.StatusImpliedByReason(record.Reason)
		if !ok {
			continue
		}

		entry, err := r.outboxStore.Get(ctx, outboxID)
		if errors.Is(err, store.ErrNotFound) {
			violations = append(violations, Violation{
				OutboxID:       outboxID,
				AuditReason:    record.Reason,
				ExpectedStatus: expected,
			})
			continue
		}
		if err != nil {
			return nil, err
		}

		if entry.Status != expected {
			violations = append(violations, Violation{
				OutboxID:       outboxID,
				AuditReason:    record.Reason,
				ExpectedStatus: expected,
				ActualStatus:   entry.Status,
			})
			r.logger.Warn("audit/status mismatch",
				zap.String("outbox_id", outboxID),
				zap.String("reason", string(record.Reason)),
				zap.String("expected_status", string(expected)),
				zap.String("actual_status", string(entry.Status)))
		}
	}

	return violations, nil
}

// Overview aggregates the current outbox and ledger shape for reporting.
func (r *Reconciler) Overview(ctx context.Context) (*Overview, error) {
	statusCounts, err := r.outboxStore.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count outbox statuses: %w", err)
	}
	actionCounts, err := r.ledger.CountByAction(ctx)
	if err != nil {
		return nil, fmt.Errorf("count audit actions: %w", err)
	}
	schemaCounts, err := r.ledger.CountByEvidenceSchema(ctx)
	if err != nil {
		return nil, fmt.Errorf("count evidence schemas: %w", err)
	}

	return &Overview{
		StatusCounts:         statusCounts,
		ActionCounts:         actionCounts,
		EvidenceSchemaCounts: schemaCounts,
	}, nil
}
