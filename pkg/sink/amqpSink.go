package sink

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-memrelay/pkg/config"
)

type RabbitMqSinkCreator func(settings *config.SinkSettings) (DeliverySink, error)

var NewRabbitMqSink RabbitMqSinkCreator = func(settings *config.SinkSettings) (DeliverySink, error) {
	conn, err := amqp.Dial(settings.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	err = ch.ExchangeDeclare(
		settings.Exchange, // name
		"topic",           // type
		true,              // durable
		false,             // auto-deleted
		false,             // internal
		false,             // no-wait
		nil,               // arguments
	)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &rabbitMqSink{connection: conn, channel: ch, exchange: settings.Exchange}, nil
}

type rabbitMqSink struct {
	connection *amqp.Connection
	channel    *amqp.Channel
	exchange   string
}

func (r *rabbitMqSink) Deliver(ctx context.Context, payload []byte, target string) (string, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "Deliver",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKey.String(r.exchange),
			semconv.MessagingRabbitmqRoutingKeyKey.String(target),
		),
	)
	defer span.End()

	// Inject the trace context into the message headers
	propagator := otel.GetTextMapPropagator()
	traceHeaders := make(map[string]string)
	propagator.Inject(ctx, propagation.MapCarrier(traceHeaders))

	amqpHeaders := make(amqp.Table, len(traceHeaders))
	for k, v := range traceHeaders {
		amqpHeaders[k] = v
	}

	messageID := uuid.NewString()
	err := r.channel.Publish(
		r.exchange,
		target, // routing key
		false,  // mandatory
		false,  // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         payload,
			MessageId:    messageID,
			DeliveryMode: amqp.Persistent,
			Headers:      amqpHeaders,
		})
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("%w: %v", ErrSinkUnavailable, err)
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(payload)),
	)

	return messageID, nil
}

func (r *rabbitMqSink) Close() error {
	if err := r.channel.Close(); err != nil {
		return err
	}
	return r.connection.Close()
}
