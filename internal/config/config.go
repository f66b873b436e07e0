// Package config loads repository settings from YAML or CUE files.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE string

// Duration is a time.Duration written as a string such as "50ms".
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Config holds the settings of one repository node.
type Config struct {
	// NodeID names this node in the cluster. Generated when empty.
	NodeID string `yaml:"node_id" json:"node_id,omitempty"`

	Database  DatabaseConfig  `yaml:"database" json:"database"`
	Cache     CacheConfig     `yaml:"cache" json:"cache"`
	Lock      LockConfig      `yaml:"lock" json:"lock"`
	Cluster   ClusterConfig   `yaml:"cluster" json:"cluster"`
	Selection SelectionConfig `yaml:"selection" json:"selection"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`
}

// DatabaseConfig locates the store.
type DatabaseConfig struct {
	// Dialect is sqlite, postgres or mysql.
	Dialect string `yaml:"dialect" json:"dialect"`
	// DSN is a file path for sqlite and a connection string otherwise.
	DSN string `yaml:"dsn" json:"dsn"`
}

// CacheConfig sizes the shared caches.
type CacheConfig struct {
	Size          int `yaml:"size" json:"size"`
	LockCacheSize int `yaml:"lock_cache_size" json:"lock_cache_size"`
}

// LockConfig tunes lock acquisition retries.
type LockConfig struct {
	Retries        int      `yaml:"retries" json:"retries"`
	SleepDelay     Duration `yaml:"sleep_delay" json:"sleep_delay"`
	SleepIncrement Duration `yaml:"sleep_increment" json:"sleep_increment"`
	MaxElapsed     Duration `yaml:"max_elapsed" json:"max_elapsed"`
}

// ClusterConfig selects how invalidations reach other nodes.
type ClusterConfig struct {
	// Transport is none, sql or kafka.
	Transport    string      `yaml:"transport" json:"transport"`
	PollInterval Duration    `yaml:"poll_interval" json:"poll_interval"`
	Kafka        KafkaConfig `yaml:"kafka" json:"kafka"`
}

// KafkaConfig locates the invalidations topic.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" json:"brokers"`
	Topic   string   `yaml:"topic" json:"topic"`
}

type SelectionConfig struct {
	WarnThreshold int `yaml:"warn_threshold" json:"warn_threshold"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

// Transport names.
const (
	TransportNone  = "none"
	TransportSQL   = "sql"
	TransportKafka = "kafka"
)

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Dialect: "sqlite", DSN: "fragcache.db"},
		Cache:    CacheConfig{Size: 10000},
		Lock: LockConfig{
			Retries:        10,
			SleepDelay:     Duration(time.Millisecond),
			SleepIncrement: Duration(50 * time.Millisecond),
		},
		Cluster: ClusterConfig{
			Transport:    TransportNone,
			PollInterval: Duration(time.Second),
			Kafka:        KafkaConfig{Topic: "fragcache-invalidations"},
		},
		Selection: SelectionConfig{WarnThreshold: 15000},
		Metrics:   MetricsConfig{Addr: ":9090"},
	}
}

// Load reads a .yaml, .yml or .cue file. Unset fields keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg *Config
	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		cfg, err = parseYAML(data)
	case ".cue":
		cfg, err = parseCUE(path, data)
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid config: %w", path, err)
	}
	return cfg, nil
}

func parseYAML(data []byte) (*Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return cfg, nil
}

// parseCUE unifies the file with the embedded schema, which supplies the
// defaults and rejects unknown fields, then decodes the concrete result.
func parseCUE(path string, data []byte) (*Config, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compiling config schema: %w", err)
	}
	user := ctx.CompileBytes(data, cue.Filename(path))
	if err := user.Err(); err != nil {
		return nil, fmt.Errorf("compiling CUE: %w", err)
	}

	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(user)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("validating CUE: %w", err)
	}
	raw, err := v.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("exporting CUE: %w", err)
	}
	cfg := Default()
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("decoding CUE: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings that the schema cannot express for YAML.
func (c *Config) Validate() error {
	if !slices.Contains([]string{"sqlite", "postgres", "mysql"}, c.Database.Dialect) {
		return fmt.Errorf("database.dialect: unknown dialect %q", c.Database.Dialect)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Cache.Size < 0 || c.Cache.LockCacheSize < 0 {
		return fmt.Errorf("cache sizes must not be negative")
	}
	if c.Lock.Retries < 1 {
		return fmt.Errorf("lock.retries must be at least 1")
	}
	if c.Lock.SleepDelay < 0 || c.Lock.SleepIncrement < 0 || c.Lock.MaxElapsed < 0 {
		return fmt.Errorf("lock durations must not be negative")
	}
	switch c.Cluster.Transport {
	case TransportNone:
	case TransportSQL:
		if c.Cluster.PollInterval <= 0 {
			return fmt.Errorf("cluster.poll_interval must be positive")
		}
	case TransportKafka:
		if len(c.Cluster.Kafka.Brokers) == 0 || c.Cluster.Kafka.Topic == "" {
			return fmt.Errorf("cluster.kafka needs brokers and a topic")
		}
	default:
		return fmt.Errorf("cluster.transport: unknown transport %q", c.Cluster.Transport)
	}
	if c.Selection.WarnThreshold < 0 {
		return fmt.Errorf("selection.warn_threshold must not be negative")
	}
	return nil
}
