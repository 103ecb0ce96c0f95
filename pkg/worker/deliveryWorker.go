package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-memrelay/pkg/audit"
	"github.com/zoff-tech/go-memrelay/pkg/config"
	"github.com/zoff-tech/go-memrelay/pkg/lease"
	"github.com/zoff-tech/go-memrelay/pkg/sink"
	"github.com/zoff-tech/go-memrelay/pkg/store"
)

const tracerName = "go-memrelay"

// DeliveryWorker drains the outbox: it claims batches of pending entries,
// pushes each payload to the delivery sink, and records the outcome as a
// status transition paired with an audit record. The audit record is written
// first; if that write fails the entry keeps its lease and current status, so
// no transition ever happens unaudited.
type DeliveryWorker struct {
	coordinator  *lease.Coordinator
	outboxStore  store.OutBoxStore
	ledger       audit.Ledger
	deliverySink sink.DeliverySink
	settings     config.WorkerSettings
	sinkTimeout  time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

func NewDeliveryWorker(
	outboxStore store.OutBoxStore,
	ledger audit.Ledger,
	deliverySink sink.DeliverySink,
	settings config.WorkerSettings,
	sinkTimeout time.Duration,
	logger *zap.Logger,
) (*DeliveryWorker, error) {
	coordinator, err := lease.NewCoordinator(outboxStore, settings.LeaseDuration)
	if err != nil {
		return nil, err
	}
	if ledger == nil {
		return nil, errors.New("worker: audit ledger is required")
	}
	if deliverySink == nil {
		return nil, errors.New("worker: delivery sink is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DeliveryWorker{
		coordinator:  coordinator,
		outboxStore:  outboxStore,
		ledger:       ledger,
		deliverySink: deliverySink,
		settings:     settings,
		sinkTimeout:  sinkTimeout,
		logger:       logger,
		now:          time.Now,
	}, nil
}

// Run starts the configured number of delivery loops and blocks until ctx is
// cancelled.
func (w *DeliveryWorker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.settings.WorkerCount; i++ {
		workerID := fmt.Sprintf("worker-%d-%s", i, uuid.NewString()[:8])
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.runLoop(ctx, workerID)
		}()
	}
	wg.Wait()
}

func (w *DeliveryWorker) runLoop(ctx context.Context, workerID string) {
	logger := w.logger.With(zap.String("worker_id", workerID))
	logger.Info("delivery loop started",
		zap.Duration("poll_interval", w.settings.PollInterval),
		zap.Int("batch_size", w.settings.BatchSize))

	ticker := time.NewTicker(w.settings.PollInterval)
	defer ticker.Stop()

	for {
		if err := w.ProcessBatch(ctx, workerID); err != nil {
			logger.Error("batch failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			logger.Info("delivery loop stopped")
			return
		case <-ticker.C:
		}
	}
}

// ProcessBatch claims one batch for workerID and delivers every entry in it.
func (w *DeliveryWorker) ProcessBatch(ctx context.Context, workerID string) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "ProcessBatch")
	defer span.End()

	entries, err := w.coordinator.Claim(ctx, w.settings.BatchSize, workerID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("claim batch: %w", err)
	}

	for i := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.processEntry(ctx, workerID, &entries[i])
	}

	return nil
}

func (w *DeliveryWorker) processEntry(ctx context.Context, workerID string, entry *store.OutboxEntry) {
	logger := w.logger.With(
		zap.String("worker_id", workerID),
		zap.String("outbox_id", entry.ID),
		zap.String("target", entry.Target),
		zap.Int("attempt_count", entry.AttemptCount))

	deliverCtx := ctx
	if w.sinkTimeout > 0 {
		var cancel context.CancelFunc
		deliverCtx, cancel = context.WithTimeout(ctx, w.sinkTimeout)
		defer cancel()
	}

	messageID, deliverErr := w.deliverySink.Deliver(deliverCtx, entry.Payload, entry.Target)
	if deliverErr == nil {
		w.completeEntry(ctx, workerID, entry, messageID, logger)
		return
	}

	w.retryEntry(ctx, workerID, entry, deliverErr, logger)
}

func (w *DeliveryWorker) completeEntry(ctx context.Context, workerID string, entry *store.OutboxEntry, messageID string, logger *zap.Logger) {
	record := w.auditRecord(workerID, entry, audit.ReasonFlushSuccess)
	record.Evidence.SinkMessageID = messageID
	if _, err := w.ledger.Append(ctx, record); err != nil {
		// Leave status and lease alone; the entry comes back after lease
		// expiry and the redelivery is deduplicated downstream.
		logger.Error("audit write failed, holding lease", zap.Error(err))
		return
	}

	if err := w.outboxStore.MarkSent(ctx, entry.ID, workerID); err != nil {
		logger.Warn("mark sent failed", zap.Error(err))
		return
	}

	logger.Info("delivered", zap.String("sink_message_id", messageID))
}

func (w *DeliveryWorker) retryEntry(ctx context.Context, workerID string, entry *store.OutboxEntry, deliverErr error, logger *zap.Logger) {
	exhausted := entry.AttemptCount+1 >= w.settings.MaxAttempts

	reason := audit.ReasonFlushRetry
	if exhausted {
		reason = audit.ReasonFlushDead
	}
	record := w.auditRecord(workerID, entry, reason)
	if _, err := w.ledger.Append(ctx, record); err != nil {
		logger.Error("audit write failed, holding lease", zap.Error(err))
		return
	}

	if exhausted {
		if err := w.outboxStore.MarkDead(ctx, entry.ID, workerID, deliverErr.Error()); err != nil {
			logger.Warn("mark dead failed", zap.Error(err))
			return
		}
		logger.Error("delivery attempts exhausted, entry dead-lettered", zap.Error(deliverErr))
		return
	}

	nextAttemptAt := w.now().UTC().Add(Backoff(w.settings.RetryBackoff, w.settings.MaxBackoff, entry.AttemptCount))
	if err := w.outboxStore.MarkRetry(ctx, entry.ID, workerID, nextAttemptAt, deliverErr.Error()); err != nil {
		logger.Warn("mark retry failed", zap.Error(err))
		return
	}

	logger.Warn("delivery failed, rescheduled",
		zap.Error(deliverErr),
		zap.Time("next_attempt_at", nextAttemptAt))
}

func (w *DeliveryWorker) auditRecord(workerID string, entry *store.OutboxEntry, reason audit.Reason) *audit.AuditRecord {
	return &audit.AuditRecord{
		CorrelationID: entry.CorrelationID,
		Actor:         workerID,
		Target:        entry.Target,
		Action:        audit.ActionForReason(reason),
		Reason:        reason,
		Evidence: audit.Evidence{
			SchemaVersion: audit.EvidenceSchemaV1,
			OutboxID:      entry.ID,
			AttemptCount:  entry.AttemptCount + 1,
			LeaseOwner:    workerID,
		},
	}
}
