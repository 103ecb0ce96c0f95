package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-memrelay/pkg/config"
)

type HTTPSinkCreator func(settings *config.SinkSettings) (DeliverySink, error)

var NewHTTPSink HTTPSinkCreator = func(settings *config.SinkSettings) (DeliverySink, error) {
	return &httpSink{
		client:  &http.Client{Timeout: settings.Timeout},
		baseURL: strings.TrimRight(settings.URL, "/"),
	}, nil
}

type httpSink struct {
	client  *http.Client
	baseURL string
}

func (h *httpSink) Deliver(ctx context.Context, payload []byte, target string) (string, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "Deliver",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("http"),
			semconv.MessagingDestinationKey.String(target),
		),
	)
	defer span.End()

	url := h.baseURL + "/" + strings.TrimLeft(target, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("%w: %v", ErrSinkUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	// Inject the trace context into the request headers
	propagator := otel.GetTextMapPropagator()
	propagator.Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := h.client.Do(req)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("%w: %v", ErrSinkUnavailable, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	span.SetAttributes(
		attribute.Int("http.status_code", resp.StatusCode),
		attribute.Int("messaging.message_payload_size_bytes", len(payload)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("%w: status %d", ErrSinkRejected, resp.StatusCode)
		span.RecordError(err)
		return "", err
	}

	return resp.Header.Get("X-Message-Id"), nil
}

func (h *httpSink) Close() error {
	h.client.CloseIdleConnections()
	return nil
}
