package redirect

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-memrelay/pkg/audit"
	"github.com/zoff-tech/go-memrelay/pkg/store"
)

const tracerName = "go-memrelay"

// Outcome reports where a redirected write ended up.
type Outcome struct {
	OutboxID string `json:"outbox_id"`
	Created  bool   `json:"created"`
}

// Redirector is the capture side of the relay: when a write cannot reach its
// downstream, it lands in the outbox instead and the diversion is audited.
// Duplicate submissions of the same target and payload collapse onto the
// already-queued entry.
type Redirector struct {
	outboxStore store.OutBoxStore
	ledger      audit.Ledger
	actor       string
	logger      *zap.Logger
}

func NewRedirector(outboxStore store.OutBoxStore, ledger audit.Ledger, actor string, logger *zap.Logger) (*Redirector, error) {
	if outboxStore == nil {
		return nil, errors.New("redirect: outbox store is required")
	}
	if ledger == nil {
		return nil, errors.New("redirect: audit ledger is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Redirector{
		outboxStore: outboxStore,
		ledger:      ledger,
		actor:       actor,
		logger:      logger,
	}, nil
}

// Redirect queues the payload for deferred delivery to target. The enqueue and
// its audit record are the durable evidence that the write was accepted; if
// the enqueue fails the caller must surface the failure, the write is not
// silently dropped.
func (r *Redirector) Redirect(ctx context.Context, payload []byte, target, correlationID string) (Outcome, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "Redirect")
	defer span.End()

	key := store.IdempotencyKey(target, payload)
	result, err := r.outboxStore.Enqueue(ctx, store.EnqueueParams{
		IdempotencyKey: key,
		Payload:        payload,
		Target:         target,
		CorrelationID:  correlationID,
	})
	if err != nil {
		span.RecordError(err)
		return Outcome{}, fmt.Errorf("redirect %s: %w", target, err)
	}

	span.SetAttributes(
		attribute.String("outbox.id", result.ID),
		attribute.Bool("outbox.created", result.Created),
	)

	if !result.Created {
		r.logger.Debug("duplicate write collapsed",
			zap.String("outbox_id", result.ID),
			zap.String("target", target))
		return Outcome{OutboxID: result.ID, Created: false}, nil
	}

	record := &audit.AuditRecord{
		CorrelationID: correlationID,
		Actor:         r.actor,
		Target:        target,
		Action:        audit.ActionRedirect,
		Reason:        audit.ReasonDownstreamUnreachable,
		Evidence: audit.Evidence{
			SchemaVersion: audit.EvidenceSchemaV1,
			OutboxID:      result.ID,
		},
	}
	if _, err := r.ledger.Append(ctx, record); err != nil {
		// The entry is already queued and will be delivered; only the
		// diversion record is missing, which the reconciler surfaces.
		span.RecordError(err)
		r.logger.Error("audit write failed for redirected entry",
			zap.String("outbox_id", result.ID), zap.Error(err))
		return Outcome{OutboxID: result.ID, Created: true}, err
	}

	r.logger.Info("write redirected to outbox",
		zap.String("outbox_id", result.ID),
		zap.String("target", target))

	return Outcome{OutboxID: result.ID, Created: true}, nil
}
