/*
Package config loads analytics client settings and provides type-safe access
to free-form destination settings.

# Settings

Settings are built in layers, later layers winning:

  - Defaults()
  - a YAML or JSON file
  - dotenv files (".env" by default, missing files ignored)
  - ANALYTICS_* environment variables

	s, err := config.Load("analytics.yaml")
	if err != nil {
	    log.Fatal(err)
	}

Durations accept Go duration strings ("5s", "250ms") in files and in the
environment.

# Destination settings

The integrations section of the file holds per-destination settings. They
are read through Config, a map wrapper whose accessors return defaults for
missing keys or mismatched types:

	cfg := s.DestinationSettings("Segment.io")
	host := cfg.String("apiHost", "api.segment.io/v1")
	timeout := cfg.Duration("timeout", 5*time.Second)

Config keys may be dotted paths that walk nested maps ("retry.maxAttempts").
Numeric durations are milliseconds.

# Thread Safety

Config is safe for concurrent read access. The underlying map is not
modified after creation.
*/
package config
