package config

import "time"

// SinkSettings holds configuration for the downstream delivery sink.
type SinkSettings struct {
	Type      string        `mapstructure:"type" validate:"required,oneof=http rabbitmq gcp-pubsub"`
	URL       string        `mapstructure:"url"`
	Exchange  string        `mapstructure:"exchange"`
	ProjectID string        `mapstructure:"projectID"` // Optional for sinks like GCP Pub/Sub
	Timeout   time.Duration `mapstructure:"timeout" validate:"gt=0"`
}
