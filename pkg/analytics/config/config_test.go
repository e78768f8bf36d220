package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/analytics/pkg/analytics/config"
)

// TestString verifies string extraction with defaults.
func TestString(t *testing.T) {
	tests := []struct {
		name       string
		data       map[string]any
		key        string
		defaultVal string
		want       string
	}{
		{"key exists", map[string]any{"apiHost": "api.example.com"}, "apiHost", "default", "api.example.com"},
		{"key missing", map[string]any{"other": "value"}, "apiHost", "default", "default"},
		{"empty string", map[string]any{"apiHost": ""}, "apiHost", "default", ""},
		{"wrong type", map[string]any{"apiHost": 123}, "apiHost", "default", "default"},
		{"nil map", nil, "apiHost", "default", "default"},
		{"dotted path", map[string]any{"retry": map[string]any{"mode": "fast"}}, "retry.mode", "", "fast"},
		{"literal dotted key wins", map[string]any{"a.b": "literal", "a": map[string]any{"b": "nested"}}, "a.b", "", "literal"},
		{"path through scalar", map[string]any{"retry": "off"}, "retry.mode", "default", "default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, config.New(tt.data).String(tt.key, tt.defaultVal))
		})
	}
}

// TestDuration verifies duration extraction with various input types.
func TestDuration(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
		want time.Duration
	}{
		{"string", map[string]any{"timeout": "30s"}, 30 * time.Second},
		{"invalid string", map[string]any{"timeout": "soon"}, time.Second},
		{"int millis", map[string]any{"timeout": 250}, 250 * time.Millisecond},
		{"int64 millis", map[string]any{"timeout": int64(100)}, 100 * time.Millisecond},
		{"float millis", map[string]any{"timeout": 1.5}, 1500 * time.Microsecond},
		{"duration", map[string]any{"timeout": 2 * time.Minute}, 2 * time.Minute},
		{"missing", nil, time.Second},
		{"wrong type", map[string]any{"timeout": true}, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, config.New(tt.data).Duration("timeout", time.Second))
		})
	}
}

// TestNumbers verifies Int and Float conversion rules.
func TestNumbers(t *testing.T) {
	cfg := config.New(map[string]any{
		"int":      5,
		"int64":    int64(6),
		"whole":    7.0,
		"fraction": 7.5,
		"string":   "8",
	})

	assert.Equal(t, 5, cfg.Int("int", -1))
	assert.Equal(t, 6, cfg.Int("int64", -1))
	assert.Equal(t, 7, cfg.Int("whole", -1))
	assert.Equal(t, -1, cfg.Int("fraction", -1))
	assert.Equal(t, -1, cfg.Int("string", -1))

	assert.Equal(t, 5.0, cfg.Float("int", -1))
	assert.Equal(t, 6.0, cfg.Float("int64", -1))
	assert.Equal(t, 7.5, cfg.Float("fraction", -1))
	assert.Equal(t, -1.0, cfg.Float("string", -1))
}

// TestBoolAndSlices verifies Bool and StringSlice.
func TestBoolAndSlices(t *testing.T) {
	cfg := config.New(map[string]any{
		"enabled": true,
		"flag":    "true",
		"strs":    []string{"a", "b"},
		"anys":    []any{"c", "d"},
		"mixed":   []any{"e", 1},
	})

	assert.True(t, cfg.Bool("enabled", false))
	assert.False(t, cfg.Bool("flag", false))
	assert.Equal(t, []string{"a", "b"}, cfg.StringSlice("strs", nil))
	assert.Equal(t, []string{"c", "d"}, cfg.StringSlice("anys", nil))
	assert.Equal(t, []string{"x"}, cfg.StringSlice("mixed", []string{"x"}))
}

// TestSubAndKeys verifies nested access helpers.
func TestSubAndKeys(t *testing.T) {
	cfg := config.New(map[string]any{
		"b": 1,
		"a": map[string]any{"x": "y"},
		"c": map[any]any{"k": "v"},
	})

	assert.Equal(t, []string{"a", "b", "c"}, cfg.Keys())
	assert.Equal(t, "y", cfg.Sub("a").String("x", ""))
	assert.Equal(t, "v", cfg.Sub("c").String("k", ""))
	assert.Empty(t, cfg.Sub("b").Keys())
	assert.Empty(t, cfg.Sub("missing").Keys())
	assert.True(t, cfg.Has("a.x"))
	assert.False(t, cfg.Has("a.z"))
	assert.Equal(t, "fallback", cfg.Any("missing", "fallback"))
}

// TestFromFile verifies format detection by extension.
func TestFromFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "dest.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("apiHost: api.example.com\nretry:\n  max: 3\n"), 0o600))
	cfg, err := config.FromFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "api.example.com", cfg.String("apiHost", ""))
	assert.Equal(t, 3, cfg.Int("retry.max", 0))

	jsonPath := filepath.Join(dir, "dest.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"apiHost":"json.example.com","retry":{"max":4}}`), 0o600))
	cfg, err = config.FromFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, "json.example.com", cfg.String("apiHost", ""))
	assert.Equal(t, 4, cfg.Int("retry.max", 0))

	_, err = config.FromFile(filepath.Join(dir, "dest.toml"))
	assert.Error(t, err)

	badPath := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(badPath, []byte("x"), 0o600))
	_, err = config.FromFile(badPath)
	assert.ErrorContains(t, err, "unsupported")

	_, err = config.Parse([]byte("{"), config.FormatJSON)
	assert.Error(t, err)
	_, err = config.Parse([]byte("a: b"), config.Format("toml"))
	assert.Error(t, err)
}

func TestDefaults_Valid(t *testing.T) {
	s := config.Defaults()
	require.NoError(t, s.Validate())
	assert.Equal(t, 10, s.BatchSize)
	assert.Equal(t, 5*time.Second, s.FlushInterval)
	assert.Equal(t, 64*1024, s.MaxPayloadBytes)
	assert.Equal(t, 10, s.MaxAttempts)
	assert.Equal(t, time.Second, s.CallbackTimeout)
}

func TestLoad_Layers(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "analytics.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
write_key: from-file
batch_size: 25
flush_interval: 250ms
integrations:
  Segment.io:
    apiHost: file.example.com
  Amplitude:
    apiKey: abc
`), 0o600))

	dotenv := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(dotenv, []byte("ANALYTICS_MAX_ATTEMPTS=3\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("ANALYTICS_MAX_ATTEMPTS") })

	t.Setenv("ANALYTICS_WRITE_KEY", "from-env")

	s, err := config.Load(file, config.LoadOptions{EnvFiles: []string{dotenv}})
	require.NoError(t, err)

	assert.Equal(t, "from-env", s.WriteKey)
	assert.Equal(t, 25, s.BatchSize)
	assert.Equal(t, 250*time.Millisecond, s.FlushInterval)
	assert.Equal(t, 3, s.MaxAttempts)
	assert.Equal(t, "https://api.segment.io/v1/batch", s.Endpoint)
	assert.Equal(t, "file.example.com", s.DestinationSettings("Segment.io").String("apiHost", ""))
	assert.Equal(t, "abc", s.DestinationSettings("Amplitude").String("apiKey", ""))
	assert.Empty(t, s.DestinationSettings("Missing").Keys())
}

func TestLoad_IntegrationsFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "analytics.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
integrations:
  Segment.io:
    apiHost: file.example.com
  Amplitude:
    apiKey: abc
`), 0o600))

	exported := filepath.Join(dir, "settings.json")
	require.NoError(t, os.WriteFile(exported, []byte(`{
		"integrations": {"Segment.io": {"apiHost": "cdn.example.com", "protocol": "http"}},
		"plan": {"track": {}}
	}`), 0o600))

	s, err := config.Load(file, config.LoadOptions{
		EnvFiles:         []string{filepath.Join(dir, "absent.env")},
		IntegrationsFile: exported,
	})
	require.NoError(t, err)

	segment := s.DestinationSettings("Segment.io")
	assert.Equal(t, "cdn.example.com", segment.String("apiHost", ""))
	assert.Equal(t, "http", segment.String("protocol", ""))
	assert.Equal(t, "abc", s.DestinationSettings("Amplitude").String("apiKey", ""), "other destinations are kept")

	_, err = config.Load("", config.LoadOptions{
		EnvFiles:         []string{filepath.Join(dir, "absent.env")},
		IntegrationsFile: filepath.Join(dir, "settings.toml"),
	})
	assert.ErrorContains(t, err, "unsupported")
}

func TestLoad_NoFile(t *testing.T) {
	t.Setenv("ANALYTICS_FLUSH_INTERVAL", "2s")

	s, err := config.Load("", config.LoadOptions{EnvFiles: []string{filepath.Join(t.TempDir(), "absent.env")}})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, s.FlushInterval)
}

func TestLoad_Errors(t *testing.T) {
	noEnv := config.LoadOptions{EnvFiles: []string{filepath.Join(t.TempDir(), "absent.env")}}

	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"), noEnv)
	assert.ErrorContains(t, err, "read config file")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("batch_size: [1"), 0o600))
	_, err = config.Load(bad, noEnv)
	assert.ErrorContains(t, err, "parse config file")

	t.Setenv("ANALYTICS_BATCH_SIZE", "lots")
	_, err = config.Load("", noEnv)
	assert.ErrorContains(t, err, "parse environment")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Settings)
		errMsg string
	}{
		{"relative endpoint", func(s *config.Settings) { s.Endpoint = "/v1/batch" }, "absolute URL"},
		{"empty endpoint", func(s *config.Settings) { s.Endpoint = "" }, "endpoint is required"},
		{"zero batch", func(s *config.Settings) { s.BatchSize = 0 }, "batch_size"},
		{"zero interval", func(s *config.Settings) { s.FlushInterval = 0 }, "flush_interval"},
		{"tiny payload", func(s *config.Settings) { s.MaxPayloadBytes = 10 }, "max_payload_bytes"},
		{"zero attempts", func(s *config.Settings) { s.MaxAttempts = 0 }, "max_attempts"},
		{"negative rate", func(s *config.Settings) { s.RateLimit = -1 }, "rate_limit"},
		{"sqlite without dsn", func(s *config.Settings) { s.StorageDriver = "sqlite" }, "storage_dsn"},
		{"unknown driver", func(s *config.Settings) { s.StorageDriver = "etcd" }, "storage_driver"},
		{"unknown metrics", func(s *config.Settings) { s.Metrics = "statsd" }, "metrics"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := config.Defaults()
			tt.mutate(&s)
			assert.ErrorContains(t, s.Validate(), tt.errMsg)
		})
	}
}
