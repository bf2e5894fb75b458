// Package config loads runtime settings: built-in defaults, then an optional
// YAML file, then CUSTODY_* environment variables. Command-line flags are
// applied last by the caller.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"custody/internal/seal"
	"custody/internal/store"
)

// Config holds every tunable the pipeline reads. Geo is "lat,lon[,accuracy_m]"
// attached to every seal; empty for none.
type Config struct {
	DBPath           string        `yaml:"db_path" env:"CUSTODY_DB_PATH"`
	LogLevel         string        `yaml:"log_level" env:"CUSTODY_LOG_LEVEL"`
	LogFormat        string        `yaml:"log_format" env:"CUSTODY_LOG_FORMAT"`
	InlineLimit      int           `yaml:"inline_limit" env:"CUSTODY_INLINE_LIMIT"`
	ScoreTolerance   float64       `yaml:"score_tolerance" env:"CUSTODY_SCORE_TOLERANCE"`
	ConsensusTimeout time.Duration `yaml:"consensus_timeout" env:"CUSTODY_CONSENSUS_TIMEOUT"`
	AnalyzerTimeout  time.Duration `yaml:"analyzer_timeout" env:"CUSTODY_ANALYZER_TIMEOUT"`
	Parallel         int           `yaml:"parallel" env:"CUSTODY_PARALLEL"`
	Geo              string        `yaml:"geo" env:"CUSTODY_GEO"`
	OTelEndpoint     string        `yaml:"otel_endpoint" env:"CUSTODY_OTEL_ENDPOINT"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		DBPath:           store.DefaultDBPath,
		LogLevel:         "info",
		LogFormat:        "text",
		InlineLimit:      seal.DefaultInlineLimit,
		ScoreTolerance:   0.05,
		ConsensusTimeout: 30 * time.Second,
		AnalyzerTimeout:  10 * time.Second,
		Parallel:         4,
	}
}

// Load builds the configuration. path may be empty; otherwise the file must
// exist. Environment variables override file values.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	if c.ScoreTolerance <= 0 {
		return fmt.Errorf("score_tolerance must be positive, got %v", c.ScoreTolerance)
	}
	if c.ConsensusTimeout <= 0 {
		return fmt.Errorf("consensus_timeout must be positive, got %v", c.ConsensusTimeout)
	}
	if c.AnalyzerTimeout <= 0 {
		return fmt.Errorf("analyzer_timeout must be positive, got %v", c.AnalyzerTimeout)
	}
	if c.Parallel < 0 {
		return fmt.Errorf("parallel must not be negative, got %d", c.Parallel)
	}
	if _, err := c.GeoPoint(); err != nil {
		return err
	}
	return nil
}

// GeoPoint parses Geo. It returns nil when Geo is empty.
func (c Config) GeoPoint() (*seal.Geo, error) {
	if strings.TrimSpace(c.Geo) == "" {
		return nil, nil
	}
	parts := strings.Split(c.Geo, ",")
	if len(parts) != 2 && len(parts) != 3 {
		return nil, fmt.Errorf("geo must be lat,lon[,accuracy_m], got %q", c.Geo)
	}
	vals := make([]float64, 3)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("geo component %d: %w", i+1, err)
		}
		vals[i] = v
	}
	if vals[0] < -90 || vals[0] > 90 || vals[1] < -180 || vals[1] > 180 {
		return nil, fmt.Errorf("geo %q out of range", c.Geo)
	}
	return &seal.Geo{Lat: vals[0], Lon: vals[1], AccuracyM: vals[2]}, nil
}
