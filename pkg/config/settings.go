package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Settings struct {
	Database      DbSettings         `mapstructure:"database"`
	Sink          SinkSettings       `mapstructure:"sink"`
	Worker        WorkerSettings     `mapstructure:"worker"`
	Reconciler    ReconcilerSettings `mapstructure:"reconciler"`
	Observability Observability      `mapstructure:"observability"`
}

type DbSettings struct {
	Type   string `mapstructure:"type" validate:"required,oneof=postgres mongo spanner"`
	DSN    string `mapstructure:"dsn"`
	URI    string `mapstructure:"uri"`
	DBName string `mapstructure:"db_name"`
}

// WorkerSettings parameterizes the delivery worker loops.
type WorkerSettings struct {
	WorkerCount   int           `mapstructure:"worker_count" validate:"gte=1"`
	BatchSize     int           `mapstructure:"batch_size" validate:"gte=1"`
	PollInterval  time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	LeaseDuration time.Duration `mapstructure:"lease_duration" validate:"gt=0"`
	MaxAttempts   int           `mapstructure:"max_attempts" validate:"gte=1"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff" validate:"gt=0"` // initial backoff duration
	MaxBackoff    time.Duration `mapstructure:"max_backoff" validate:"gt=0"`   // backoff ceiling
}

// ReconcilerSettings parameterizes a reconciliation run. AutoFix defaults to
// false (report-only); Reschedule matters only when AutoFix is set.
type ReconcilerSettings struct {
	ScanWindow      time.Duration `mapstructure:"scan_window" validate:"gt=0"`
	BatchSize       int           `mapstructure:"batch_size" validate:"gte=1"`
	StaleThreshold  time.Duration `mapstructure:"stale_threshold" validate:"gt=0"`
	AutoFix         bool          `mapstructure:"auto_fix"`
	Reschedule      bool          `mapstructure:"reschedule"`
	RescheduleDelay time.Duration `mapstructure:"reschedule_delay" validate:"gte=0"`
	MaxAttempts     int           `mapstructure:"max_attempts" validate:"gte=1"`
}

func (c *Settings) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

func LoadFromFile(filePath string) (*Settings, error) {

	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	cfg := &Settings{}
	viper.SetConfigType("yaml") // Set the config type to YAML
	viper.SetConfigName("memrelay")
	viper.AddConfigPath(filePath) // path to config
	viper.AddConfigPath(".")      // current directory

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("No config file found or read error: %v (will rely on env)", err)
	}

	err := mergeConfig(filePath, "memrelay."+env)
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Printf("Error merging dev config: %s\n", err)
			os.Exit(1)
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatalf("Failed to load from env: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	return cfg, nil
}

func (c *Settings) LoadFromEnv() error {
	viper.AutomaticEnv()
	viper.SetEnvPrefix("MEMRELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like MEMRELAY_DATABASE_TYPE

	// Bind environment variables explicitly to ensure they map correctly
	viper.BindEnv("database.type")
	viper.BindEnv("database.dsn")
	viper.BindEnv("database.uri")
	viper.BindEnv("database.db_name")
	viper.BindEnv("sink.type")
	viper.BindEnv("sink.url")
	viper.BindEnv("sink.exchange")
	viper.BindEnv("sink.projectID")
	viper.BindEnv("sink.timeout")
	viper.BindEnv("worker.worker_count")
	viper.BindEnv("worker.batch_size")
	viper.BindEnv("worker.poll_interval")
	viper.BindEnv("worker.lease_duration")
	viper.BindEnv("worker.max_attempts")
	viper.BindEnv("worker.retry_backoff")
	viper.BindEnv("worker.max_backoff")
	viper.BindEnv("reconciler.scan_window")
	viper.BindEnv("reconciler.batch_size")
	viper.BindEnv("reconciler.stale_threshold")
	viper.BindEnv("reconciler.auto_fix")
	viper.BindEnv("reconciler.reschedule")
	viper.BindEnv("reconciler.reschedule_delay")
	viper.BindEnv("reconciler.max_attempts")
	viper.BindEnv("observability.service_name")
	viper.BindEnv("observability.tracing_url")
	viper.BindEnv("observability.metrics_url")

	if err := viper.Unmarshal(&c); err != nil {
		return err
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("worker.worker_count", 2)
	viper.SetDefault("worker.batch_size", 10)
	viper.SetDefault("worker.poll_interval", 5*time.Second)
	viper.SetDefault("worker.lease_duration", 5*time.Minute)
	viper.SetDefault("worker.max_attempts", 3)
	viper.SetDefault("worker.retry_backoff", 30*time.Second)
	viper.SetDefault("worker.max_backoff", 15*time.Minute)
	viper.SetDefault("reconciler.scan_window", 24*time.Hour)
	viper.SetDefault("reconciler.batch_size", 100)
	viper.SetDefault("reconciler.stale_threshold", 2*time.Minute)
	viper.SetDefault("reconciler.auto_fix", false)
	viper.SetDefault("reconciler.reschedule", true)
	viper.SetDefault("reconciler.reschedule_delay", time.Duration(0))
	viper.SetDefault("reconciler.max_attempts", 3)
	viper.SetDefault("sink.timeout", 10*time.Second)
}

func mergeConfig(path string, name string) error {
	viper.SetConfigName(name)
	viper.AddConfigPath(path)
	err := viper.MergeInConfig()
	if err != nil {
		return err
	}
	return nil
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
