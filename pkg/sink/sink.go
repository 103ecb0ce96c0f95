package sink

import (
	"context"
	"errors"
)

var (
	// ErrSinkUnavailable marks transport-level failures: the downstream never
	// received the payload, or its answer was lost. Retryable.
	ErrSinkUnavailable = errors.New("sink unavailable")
	// ErrSinkRejected marks an explicit refusal by the downstream. Retryable
	// up to the attempt budget; the payload itself may be at fault.
	ErrSinkRejected = errors.New("sink rejected payload")
)

// DeliverySink pushes an outbox payload to its downstream destination.
type DeliverySink interface {
	// Deliver sends the payload to the named target and returns the
	// downstream message id when the sink provides one.
	Deliver(ctx context.Context, payload []byte, target string) (string, error)
	// Close cleans up any resources (connections).
	Close() error
}
