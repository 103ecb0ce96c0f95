package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validSettings() *Settings {
	return &Settings{
		Database: DbSettings{Type: "postgres", DSN: "postgres://localhost/outbox"},
		Sink:     SinkSettings{Type: "http", URL: "http://localhost:8080", Timeout: 10 * time.Second},
		Worker: WorkerSettings{
			WorkerCount:   2,
			BatchSize:     10,
			PollInterval:  5 * time.Second,
			LeaseDuration: 5 * time.Minute,
			MaxAttempts:   3,
			RetryBackoff:  30 * time.Second,
			MaxBackoff:    15 * time.Minute,
		},
		Reconciler: ReconcilerSettings{
			ScanWindow:     24 * time.Hour,
			BatchSize:      100,
			StaleThreshold: 2 * time.Minute,
			MaxAttempts:    3,
		},
		Observability: Observability{
			ServiceName: "memrelay",
			TracingURL:  "http://localhost:4318",
			MetricsURL:  "http://localhost:9090",
		},
	}
}

func TestValidateSuccess(t *testing.T) {
	assert.NoError(t, validSettings().Validate())
}

func TestValidateRejectsUnknownDatabaseType(t *testing.T) {
	cfg := validSettings()
	cfg.Database.Type = "cassandra"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownSinkType(t *testing.T) {
	cfg := validSettings()
	cfg.Sink.Type = "kafka"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsZeroLeaseDuration(t *testing.T) {
	cfg := validSettings()
	cfg.Worker.LeaseDuration = 0
	assert.Error(t, cfg.Validate())
}

func TestLoadFromFileAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	yaml := `
database:
  type: postgres
  dsn: postgres://localhost/outbox
sink:
  type: http
  url: http://localhost:8080
observability:
  service_name: memrelay
  tracing_url: http://localhost:4318
  metrics_url: http://localhost:9090
`
	err := os.WriteFile(filepath.Join(dir, "memrelay.yaml"), []byte(yaml), 0o600)
	assert.NoError(t, err)

	cfg, err := LoadFromFile(dir)
	assert.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Type)
	assert.Equal(t, "http", cfg.Sink.Type)

	// Unset sections fall back to defaults.
	assert.Equal(t, 2, cfg.Worker.WorkerCount)
	assert.Equal(t, 5*time.Minute, cfg.Worker.LeaseDuration)
	assert.Equal(t, 3, cfg.Worker.MaxAttempts)
	assert.Equal(t, 24*time.Hour, cfg.Reconciler.ScanWindow)
	assert.False(t, cfg.Reconciler.AutoFix)
	assert.True(t, cfg.Reconciler.Reschedule)
	assert.Equal(t, 10*time.Second, cfg.Sink.Timeout)
}
