package collector

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds collector configuration, read from COLLECTOR_* variables.
type Config struct {
	Addr         string        `env:"ADDR" envDefault:":8088"`
	DatabaseURL  string        `env:"DATABASE_URL"`
	WriteKeys    []string      `env:"WRITE_KEYS" envSeparator:","`
	FailRate     float64       `env:"FAIL_RATE" envDefault:"0"`
	MaxBodyBytes int64         `env:"MAX_BODY_BYTES" envDefault:"524288"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	LogLevel     string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat    string        `env:"LOG_FORMAT" envDefault:"text"`
}

// LoadConfig reads .env (if present) and then the environment.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "COLLECTOR_"}); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.FailRate < 0 || cfg.FailRate > 1 {
		return Config{}, fmt.Errorf("COLLECTOR_FAIL_RATE must be within [0, 1], got %v", cfg.FailRate)
	}
	return cfg, nil
}
