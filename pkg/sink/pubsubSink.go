package sink

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"

	"github.com/zoff-tech/go-memrelay/pkg/config"
)

type PubSubSinkCreator func(ctx context.Context, settings *config.SinkSettings, opts ...option.ClientOption) (DeliverySink, error)

var NewPubSubSink PubSubSinkCreator = func(ctx context.Context, settings *config.SinkSettings, opts ...option.ClientOption) (DeliverySink, error) {
	client, err := pubsub.NewClient(ctx, settings.ProjectID, opts...)
	if err != nil {
		return nil, err
	}
	return &pubSubSink{client: client}, nil
}

type pubSubSink struct {
	client *pubsub.Client
}

func (p *pubSubSink) Deliver(ctx context.Context, payload []byte, target string) (string, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "Deliver",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("pubsub"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(target),
		),
	)
	defer span.End()

	// Inject the trace context into the message attributes
	propagator := otel.GetTextMapPropagator()
	attributes := make(map[string]string)
	propagator.Inject(ctx, propagation.MapCarrier(attributes))

	message := &pubsub.Message{
		Data:        payload,
		Attributes:  attributes,
		OrderingKey: target,
	}

	res := p.client.Topic(target).Publish(ctx, message)
	id, err := res.Get(ctx) // wait for server ack
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("%w: %v", ErrSinkUnavailable, err)
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(payload)),
	)

	return id, nil
}

func (p *pubSubSink) Close() error {
	return p.client.Close()
}
