package sink

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/api/option"

	"github.com/zoff-tech/go-memrelay/pkg/config"
)

type mockSink struct{ name string }

func (m *mockSink) Deliver(ctx context.Context, payload []byte, target string) (string, error) {
	return "", nil
}

func (m *mockSink) Close() error { return nil }

func TestNewSink(t *testing.T) {
	// Save the original implementations
	originalNewRabbitMqSink := NewRabbitMqSink
	originalNewPubSubSink := NewPubSubSink

	// Replace the actual implementations with mocks for testing
	NewRabbitMqSink = func(settings *config.SinkSettings) (DeliverySink, error) {
		if settings.URL == "" {
			return nil, errors.New("failed to create RabbitMQ sink")
		}
		return &mockSink{name: "rabbitmq"}, nil
	}
	NewPubSubSink = func(ctx context.Context, settings *config.SinkSettings, opts ...option.ClientOption) (DeliverySink, error) {
		if settings.ProjectID == "" {
			return nil, errors.New("failed to create PubSub sink")
		}
		return &mockSink{name: "pubsub"}, nil
	}

	// Restore the original implementations after the test
	defer func() {
		NewRabbitMqSink = originalNewRabbitMqSink
		NewPubSubSink = originalNewPubSubSink
	}()

	ctx := context.Background()

	s, err := NewSink(ctx, config.SinkSettings{Type: "http", URL: "http://localhost:8080"})
	assert.NoError(t, err)
	assert.IsType(t, &httpSink{}, s)

	s, err = NewSink(ctx, config.SinkSettings{Type: "rabbitmq", URL: "amqp://localhost"})
	assert.NoError(t, err)
	assert.Equal(t, &mockSink{name: "rabbitmq"}, s)

	_, err = NewSink(ctx, config.SinkSettings{Type: "rabbitmq"})
	assert.Error(t, err)

	s, err = NewSink(ctx, config.SinkSettings{Type: "gcp-pubsub", ProjectID: "test-project"})
	assert.NoError(t, err)
	assert.Equal(t, &mockSink{name: "pubsub"}, s)

	_, err = NewSink(ctx, config.SinkSettings{Type: "kafka"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported sink type")
}
