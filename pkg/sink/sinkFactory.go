package sink

import (
	"context"
	"fmt"

	"github.com/zoff-tech/go-memrelay/pkg/config"
)

const tracerName = "go-memrelay"

func NewSink(ctx context.Context, cfg config.SinkSettings) (DeliverySink, error) {
	switch cfg.Type {
	case "http":
		return NewHTTPSink(&cfg)
	case "rabbitmq":
		return NewRabbitMqSink(&cfg)
	case "gcp-pubsub":
		return NewPubSubSink(ctx, &cfg)
	default:
		return nil, fmt.Errorf("unsupported sink type: %s", cfg.Type)
	}
}
