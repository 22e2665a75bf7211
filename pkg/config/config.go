// Package config loads and validates the service configuration from a
// YAML file with environment overrides.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses YAML strings like "30s" or "5h" into a duration.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// DatabaseConfig points at the SQLite file holding the temporal counter
// and the frontier table.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AnnotationsConfig points at the embedded annotation index.
type AnnotationsConfig struct {
	Path string `yaml:"path"`
}

// HgConfig describes the upstream Mercurial web server.
type HgConfig struct {
	URL    string `yaml:"url"`
	Branch string `yaml:"branch"`
}

// HgCacheConfig points at the hg cache service that serves enriched
// changesets with per-file moves. When the URL is empty, diffs are
// fetched from the hg server directly.
type HgCacheConfig struct {
	URL string `yaml:"url"`
}

// Config names every option the service recognizes. Unknown keys in the
// config file are rejected.
type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Annotations AnnotationsConfig `yaml:"annotations"`
	Hg          HgConfig          `yaml:"hg"`
	HgCache     HgCacheConfig     `yaml:"hg_cache"`

	// MaxConcurrentAnnRequests caps in-flight raw-file fetches.
	MaxConcurrentAnnRequests int `yaml:"max_concurrent_ann_requests"`

	// AnnWait bounds the total wait for a fetch slot.
	AnnWait Duration `yaml:"ann_wait"`

	// FilesToProcessThresh is the number of files still to process (not
	// answered from the cache) above which resolve work is deferred to
	// background workers when the caller allows it.
	FilesToProcessThresh int `yaml:"files_to_process_thresh"`

	// WorkOverflowBatchSize is the number of files per deferred batch.
	WorkOverflowBatchSize int `yaml:"work_overflow_batch_size"`

	// MaxCsetsProc caps the changelog walk per frontier move.
	MaxCsetsProc int `yaml:"max_csets_proc"`

	// DaemonWaitAtNewest is the prefetch daemon's idle sleep once every
	// frontier sits at the newest known revision.
	DaemonWaitAtNewest Duration `yaml:"daemon_wait_at_newest"`

	// EnableTry turns on resolution against the ephemeral try branch.
	EnableTry bool `yaml:"enable_try"`

	// ListenAddr serves /metrics and /health.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns a Config populated with the service defaults.
func Default() *Config {
	return &Config{
		Database:                 DatabaseConfig{Path: "tuid.db"},
		Annotations:              AnnotationsConfig{Path: "annotations.db"},
		Hg:                       HgConfig{URL: "https://hg.mozilla.org", Branch: "mozilla-central"},
		MaxConcurrentAnnRequests: 5,
		AnnWait:                  Duration(5 * time.Hour),
		FilesToProcessThresh:     5,
		WorkOverflowBatchSize:    250,
		MaxCsetsProc:             30,
		DaemonWaitAtNewest:       Duration(30 * time.Second),
		ListenAddr:               ":8080",
		LogLevel:                 "info",
	}
}

// Load reads the YAML file at path over the defaults, then applies
// TUID_-prefixed environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides scalar fields from the environment. Only the options
// operators commonly vary per deployment are mapped.
func applyEnv(cfg *Config) {
	if v := os.Getenv("TUID_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("TUID_ANNOTATIONS_PATH"); v != "" {
		cfg.Annotations.Path = v
	}
	if v := os.Getenv("TUID_HG_URL"); v != "" {
		cfg.Hg.URL = v
	}
	if v := os.Getenv("TUID_HG_BRANCH"); v != "" {
		cfg.Hg.Branch = v
	}
	if v := os.Getenv("TUID_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("TUID_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TUID_MAX_CONCURRENT_ANN_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentAnnRequests = n
		}
	}
	if v := os.Getenv("TUID_MAX_CSETS_PROC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxCsetsProc = n
		}
	}
	if v := os.Getenv("TUID_ENABLE_TRY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.EnableTry = b
		}
	}
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	if c.Annotations.Path == "" {
		return fmt.Errorf("annotations.path must not be empty")
	}
	if c.Hg.URL == "" {
		return fmt.Errorf("hg.url must not be empty")
	}
	if c.Hg.Branch == "" {
		return fmt.Errorf("hg.branch must not be empty")
	}
	if c.MaxConcurrentAnnRequests <= 0 {
		return fmt.Errorf("max_concurrent_ann_requests must be positive, got %d", c.MaxConcurrentAnnRequests)
	}
	if c.FilesToProcessThresh < 0 {
		return fmt.Errorf("files_to_process_thresh must not be negative, got %d", c.FilesToProcessThresh)
	}
	if c.WorkOverflowBatchSize <= 0 {
		return fmt.Errorf("work_overflow_batch_size must be positive, got %d", c.WorkOverflowBatchSize)
	}
	if c.MaxCsetsProc <= 0 {
		return fmt.Errorf("max_csets_proc must be positive, got %d", c.MaxCsetsProc)
	}
	if c.AnnWait <= 0 {
		return fmt.Errorf("ann_wait must be positive, got %s", c.AnnWait)
	}
	if c.DaemonWaitAtNewest <= 0 {
		return fmt.Errorf("daemon_wait_at_newest must be positive, got %s", c.DaemonWaitAtNewest)
	}
	return nil
}
