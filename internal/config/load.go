package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration at path, applies environment overrides
// and validates the result. Unknown or mistyped fields are a hard error.
func Load(path string) (*Config, error) {
	f, err := os.Open(path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a configuration document in strict mode and validates it.
func Parse(r io.Reader) (*Config, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty configuration")
		}
		return nil, err
	}

	LoadFromEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv layers recognized environment variables over the file config.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = v
	}
	if v := os.Getenv("SENTRY_DSN"); v != "" {
		cfg.SentryDSN = v
	}
}

// Path resolves the configuration file location: CONFIG_FILE_PATH wins,
// then HERALD_CONFIG_FILE_PATH, then the provided fallback.
func Path(fallback string) string {
	if v := os.Getenv("CONFIG_FILE_PATH"); v != "" {
		return v
	}
	if v := os.Getenv("HERALD_CONFIG_FILE_PATH"); v != "" {
		return v
	}
	return fallback
}
