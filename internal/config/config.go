// Package config loads the index service configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/matteso1/revindex/internal/metadata"
	"github.com/matteso1/revindex/internal/retention"
)

// Config configures an index service and the daemon around it.
type Config struct {
	// Root is the index root directory. MAIN lives at Root/MAIN.
	Root string
	// InMemory keeps every branch in memory and ignores Root.
	InMemory bool
	// Repository names the repository whose connection gates purging.
	Repository string
	// Retention is the retention policy: branch-point or per-version.
	Retention string
	// VersionKey is the tag the per-version policy groups commits by.
	VersionKey string
	// CacheSize bounds the cached branch services. 0 means unbounded.
	CacheSize int
	// IdleTimeout evicts clean non-MAIN branches unused for that long.
	// 0 disables idle eviction.
	IdleTimeout time.Duration
	// SweepInterval is how often idle branches are looked for.
	SweepInterval time.Duration
	// MetricsAddr is the listen address of /metrics. Empty disables it.
	MetricsAddr string
	// GRPCAddr is the listen address of the daemon's gRPC API. Empty
	// disables it.
	GRPCAddr string
	// Umask is applied to created index directories.
	Umask os.FileMode
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Root:          "./data/index",
		Repository:    "default",
		Retention:     retention.BranchPoint,
		VersionKey:    metadata.VersionKey,
		CacheSize:     64,
		IdleTimeout:   30 * time.Minute,
		SweepInterval: time.Minute,
		MetricsAddr:   ":9090",
		GRPCAddr:      ":9092",
		Umask:         0022,
	}
}

// file is the YAML form. Unset fields keep their defaults.
type file struct {
	Root          *string `yaml:"root"`
	InMemory      *bool   `yaml:"inMemory"`
	Repository    *string `yaml:"repository"`
	Retention     *string `yaml:"retention"`
	VersionKey    *string `yaml:"versionKey"`
	CacheSize     *int    `yaml:"cacheSize"`
	IdleTimeout   *string `yaml:"idleTimeout"`
	SweepInterval *string `yaml:"sweepInterval"`
	MetricsAddr   *string `yaml:"metricsAddr"`
	GRPCAddr      *string `yaml:"grpcAddr"`
	Umask         *string `yaml:"umask"`
}

// Load reads the YAML file at path on top of DefaultConfig.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of DefaultConfig and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := DefaultConfig()
	var f file
	if err := yaml.UnmarshalWithOptions(data, &f, yaml.DisallowUnknownField()); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	setString(&cfg.Root, f.Root)
	setString(&cfg.Repository, f.Repository)
	setString(&cfg.Retention, f.Retention)
	setString(&cfg.VersionKey, f.VersionKey)
	setString(&cfg.MetricsAddr, f.MetricsAddr)
	setString(&cfg.GRPCAddr, f.GRPCAddr)
	if f.InMemory != nil {
		cfg.InMemory = *f.InMemory
	}
	if f.CacheSize != nil {
		cfg.CacheSize = *f.CacheSize
	}
	if err := setDuration(&cfg.IdleTimeout, f.IdleTimeout, "idleTimeout"); err != nil {
		return Config{}, err
	}
	if err := setDuration(&cfg.SweepInterval, f.SweepInterval, "sweepInterval"); err != nil {
		return Config{}, err
	}
	if f.Umask != nil {
		var umask uint32
		if _, err := fmt.Sscanf(*f.Umask, "%o", &umask); err != nil {
			return Config{}, fmt.Errorf("parse config: umask %q: %w", *f.Umask, err)
		}
		cfg.Umask = os.FileMode(umask)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *string, name string) error {
	if v == nil {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("parse config: %s: %w", name, err)
	}
	*dst = d
	return nil
}

// Validate checks the config for values the service cannot run with.
func (c Config) Validate() error {
	if !c.InMemory && c.Root == "" {
		return fmt.Errorf("config: root is required unless inMemory is set")
	}
	if _, err := retention.New(c.Retention, c.VersionKey); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.CacheSize < 0 {
		return fmt.Errorf("config: cacheSize must not be negative")
	}
	if c.IdleTimeout > 0 && c.SweepInterval <= 0 {
		return fmt.Errorf("config: sweepInterval must be positive when idleTimeout is set")
	}
	return nil
}
