package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/analytics/pkg/analytics/storage"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ANALYTICS_"

// Settings configures an analytics client.
type Settings struct {
	// WriteKey authenticates batches (HTTP basic auth user name).
	WriteKey string `yaml:"write_key" env:"WRITE_KEY"`

	// Endpoint is the full batch URL.
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`

	// DestinationName names the built-in delivery destination in
	// integrations maps and the persisted queue name.
	DestinationName string `yaml:"destination_name" env:"DESTINATION_NAME"`

	BatchSize       int           `yaml:"batch_size" env:"BATCH_SIZE"`
	FlushInterval   time.Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	MaxPayloadBytes int           `yaml:"max_payload_bytes" env:"MAX_PAYLOAD_BYTES"`
	MaxAttempts     int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`

	RequestTimeout     time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	DestinationTimeout time.Duration `yaml:"destination_timeout" env:"DESTINATION_TIMEOUT"`
	CallbackTimeout    time.Duration `yaml:"callback_timeout" env:"CALLBACK_TIMEOUT"`

	// RateLimit caps outgoing batch requests per second; 0 disables it.
	RateLimit float64 `yaml:"rate_limit" env:"RATE_LIMIT"`
	RateBurst int     `yaml:"rate_burst" env:"RATE_BURST"`

	StorageDriver string `yaml:"storage_driver" env:"STORAGE_DRIVER"`
	StorageDSN    string `yaml:"storage_dsn" env:"STORAGE_DSN"`

	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`

	// Metrics selects the recorder: none, otel or prometheus.
	Metrics string `yaml:"metrics" env:"METRICS"`
	Tracing bool   `yaml:"tracing" env:"TRACING"`

	// Integrations are initialization-time destination settings keyed by
	// destination name. Only file-configurable.
	Integrations map[string]any `yaml:"integrations"`
}

// Defaults returns the built-in settings.
func Defaults() Settings {
	return Settings{
		Endpoint:           "https://api.segment.io/v1/batch",
		DestinationName:    "Segment.io",
		BatchSize:          10,
		FlushInterval:      5 * time.Second,
		MaxPayloadBytes:    64 * 1024,
		MaxAttempts:        10,
		RequestTimeout:     10 * time.Second,
		DestinationTimeout: 10 * time.Second,
		CallbackTimeout:    time.Second,
		RateBurst:          1,
		StorageDriver:      storage.DriverMemory,
		LogLevel:           "info",
		LogFormat:          "text",
		Metrics:            "none",
	}
}

// LoadOptions controls where Load reads from.
type LoadOptions struct {
	// EnvFiles are dotenv files loaded before environment overrides.
	// Missing files are ignored. Empty means ".env".
	EnvFiles []string

	// IntegrationsFile is a destination settings export (YAML or JSON)
	// whose "integrations" object is merged over the file's integrations,
	// one destination at a time.
	IntegrationsFile string
}

// Load builds Settings in layers: Defaults, then the YAML (or JSON) file at
// path when path is non-empty, then dotenv files, then ANALYTICS_*
// environment variables. The result is validated.
func Load(path string, opts ...LoadOptions) (Settings, error) {
	s := Defaults()

	var o LoadOptions
	if len(opts) > 0 {
		o = opts[0]
	}

	if path != "" {
		if _, err := FormatOf(path); err != nil {
			return Settings{}, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, fmt.Errorf("read config file: %w", err)
		}
		// JSON is a subset of YAML.
		if err := yaml.Unmarshal(data, &s); err != nil {
			return Settings{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	if o.IntegrationsFile != "" {
		doc, err := FromFile(o.IntegrationsFile)
		if err != nil {
			return Settings{}, err
		}
		s.Integrations = mergeIntegrations(s.Integrations, doc.Sub("integrations").Raw())
	}

	envFiles := []string{".env"}
	if len(o.EnvFiles) > 0 {
		envFiles = o.EnvFiles
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Settings{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	if err := env.ParseWithOptions(&s, env.Options{Prefix: EnvPrefix}); err != nil {
		return Settings{}, fmt.Errorf("parse environment: %w", err)
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks that the settings are usable.
func (s Settings) Validate() error {
	var errs []error

	if s.Endpoint == "" {
		errs = append(errs, errors.New("endpoint is required"))
	} else if u, err := url.Parse(s.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("endpoint %q is not an absolute URL", s.Endpoint))
	}
	if s.DestinationName == "" {
		errs = append(errs, errors.New("destination_name is required"))
	}
	if s.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("batch_size must be at least 1, got %d", s.BatchSize))
	}
	if s.FlushInterval <= 0 {
		errs = append(errs, fmt.Errorf("flush_interval must be positive, got %s", s.FlushInterval))
	}
	if s.MaxPayloadBytes < 1024 {
		errs = append(errs, fmt.Errorf("max_payload_bytes must be at least 1024, got %d", s.MaxPayloadBytes))
	}
	if s.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max_attempts must be at least 1, got %d", s.MaxAttempts))
	}
	if s.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rate_limit must not be negative, got %v", s.RateLimit))
	}
	switch s.StorageDriver {
	case storage.DriverMemory, storage.DriverNone, "":
	case storage.DriverSQLite, storage.DriverRedis:
		if s.StorageDSN == "" {
			errs = append(errs, fmt.Errorf("storage_dsn is required for driver %s", s.StorageDriver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage_driver %q", s.StorageDriver))
	}
	switch s.Metrics {
	case "none", "", "otel", "prometheus":
	default:
		errs = append(errs, fmt.Errorf("unknown metrics %q", s.Metrics))
	}

	return errors.Join(errs...)
}

// DestinationSettings returns the initialization-time settings for one
// destination as a Config.
func (s Settings) DestinationSettings(name string) Config {
	return New(s.Integrations).Sub(name)
}

// mergeIntegrations returns base with each destination in override replacing
// the one of the same name.
func mergeIntegrations(base, override map[string]any) map[string]any {
	if len(override) == 0 {
		return base
	}
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}
