// Package config loads and validates kos-kit-server configuration.
//
// Precedence, highest first: command-line flags, KOS_* environment
// variables, the YAML config file, built-in defaults. Flags are applied by
// the cmd layer; this package handles the other three.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SKOS predicates used by the default projection rules. A KOS server's
// indexable text is its labels and documentation; anything else is opt-in
// via the projection config.
const (
	SKOSPrefLabel  = "http://www.w3.org/2004/02/skos/core#prefLabel"
	SKOSAltLabel   = "http://www.w3.org/2004/02/skos/core#altLabel"
	SKOSDefinition = "http://www.w3.org/2004/02/skos/core#definition"
)

// Duration is a time.Duration that accepts YAML strings like "30s" as well
// as plain nanosecond integers.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library form.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Multi-valued field policies.
const (
	// MultiValueConcat joins repeated values into one field, space-separated.
	MultiValueConcat = "concat"
	// MultiValueMulti stores repeated values as a multi-valued field.
	MultiValueMulti = "multi"
)

// Config represents the complete kos-kit-server configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server" json:"server"`
	Store      StoreConfig      `yaml:"store" json:"store"`
	Index      IndexConfig      `yaml:"index" json:"index"`
	Projection ProjectionConfig `yaml:"projection" json:"projection"`
	Query      QueryConfig      `yaml:"query" json:"query"`
	Sync       SyncConfig       `yaml:"sync" json:"sync"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Bind is the host:port the HTTP server listens on.
	Bind string `yaml:"bind" json:"bind"`

	// ReadOnly removes the mutation endpoints from the router entirely.
	ReadOnly bool `yaml:"read_only" json:"read_only"`

	// RequestTimeout bounds each request; propagated as context cancellation
	// to the underlying adapter calls.
	RequestTimeout Duration `yaml:"request_timeout" json:"request_timeout"`

	// MaxBodyBytes caps mutation request bodies.
	MaxBodyBytes int64 `yaml:"max_body_bytes" json:"max_body_bytes"`
}

// StoreConfig configures the graph store.
type StoreConfig struct {
	// Path is the durable directory for the triple store.
	Path string `yaml:"path" json:"path"`

	// InitPath optionally points at a file or directory of N-Triples dumps
	// bulk-loaded at startup. Empty disables bulk loading.
	InitPath string `yaml:"init_path" json:"init_path"`

	// Watch enables watching InitPath for new dump files while serving.
	Watch bool `yaml:"watch" json:"watch"`
}

// IndexConfig configures the full-text index.
type IndexConfig struct {
	// Path is the durable directory for the text index and its stamp.
	Path string `yaml:"path" json:"path"`

	// RebuildBatchSize is the number of documents per batch during a full
	// rebuild.
	RebuildBatchSize int `yaml:"rebuild_batch_size" json:"rebuild_batch_size"`
}

// ProjectionRule maps a predicate IRI to a named text field.
type ProjectionRule struct {
	Predicate string `yaml:"predicate" json:"predicate"`
	Field     string `yaml:"field" json:"field"`
}

// ProjectionConfig fixes the projection from triples to index documents.
// These are deliberate configuration decisions, not hard-coded assumptions:
// the eligible predicates, the language preference order, and the repeated-
// value policy all vary between vocabularies.
type ProjectionConfig struct {
	// Rules is the ordered list of (predicate, field) pairs.
	Rules []ProjectionRule `yaml:"rules" json:"rules"`

	// Languages is the preferred-language order for tagged literals. If no
	// preferred language is present for a field, any tag is used.
	Languages []string `yaml:"languages" json:"languages"`

	// MultiValue is the repeated-value policy: "concat" or "multi".
	MultiValue string `yaml:"multi_value" json:"multi_value"`
}

// QueryConfig configures the query gateway.
type QueryConfig struct {
	// DefaultLimit is used when a request carries no limit.
	DefaultLimit int `yaml:"default_limit" json:"default_limit"`

	// MaxLimit caps any requested limit.
	MaxLimit int `yaml:"max_limit" json:"max_limit"`

	// MaxQueryLen caps the text query length in bytes.
	MaxQueryLen int `yaml:"max_query_len" json:"max_query_len"`

	// SubjectCacheSize is the LRU capacity of the joint query's
	// subject-record cache.
	SubjectCacheSize int `yaml:"subject_cache_size" json:"subject_cache_size"`
}

// SyncConfig tunes the synchronization coordinator.
type SyncConfig struct {
	// RetryMax is the retry attempts per dirty subject before it is left for
	// the next full rebuild.
	RetryMax int `yaml:"retry_max" json:"retry_max"`

	// RetryInitialDelay is the backoff base delay.
	RetryInitialDelay Duration `yaml:"retry_initial_delay" json:"retry_initial_delay"`

	// RetryMaxDelay caps the backoff delay.
	RetryMaxDelay Duration `yaml:"retry_max_delay" json:"retry_max_delay"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Bind:           "localhost:7878",
			RequestTimeout: Duration(30 * time.Second),
			MaxBodyBytes:   1 << 20,
		},
		Store: StoreConfig{
			Path: "data/store",
		},
		Index: IndexConfig{
			Path:             "data/index",
			RebuildBatchSize: 500,
		},
		Projection: ProjectionConfig{
			Rules: []ProjectionRule{
				{Predicate: SKOSPrefLabel, Field: "title"},
				{Predicate: SKOSAltLabel, Field: "alias"},
				{Predicate: SKOSDefinition, Field: "body"},
			},
			Languages:  []string{"en"},
			MultiValue: MultiValueConcat,
		},
		Query: QueryConfig{
			DefaultLimit:     20,
			MaxLimit:         1000,
			MaxQueryLen:      4096,
			SubjectCacheSize: 1024,
		},
		Sync: SyncConfig{
			RetryMax:          3,
			RetryInitialDelay: Duration(500 * time.Millisecond),
			RetryMaxDelay:     Duration(8 * time.Second),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the optional YAML file at path, then applies
// KOS_* environment overrides, then validates. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies KOS_* environment variables.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("KOS_BIND"); v != "" {
		c.Server.Bind = v
	}
	if v := os.Getenv("KOS_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("KOS_INIT_PATH"); v != "" {
		c.Store.InitPath = v
	}
	if v := os.Getenv("KOS_INDEX_PATH"); v != "" {
		c.Index.Path = v
	}
	if v := os.Getenv("KOS_READ_ONLY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Server.ReadOnly = b
		}
	}
	if v := os.Getenv("KOS_WATCH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Store.Watch = b
		}
	}
	if v := os.Getenv("KOS_LANGUAGES"); v != "" {
		var langs []string
		for _, l := range strings.Split(v, ",") {
			if l = strings.TrimSpace(l); l != "" {
				langs = append(langs, strings.ToLower(l))
			}
		}
		if len(langs) > 0 {
			c.Projection.Languages = langs
		}
	}
	if v := os.Getenv("KOS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("KOS_LOG_FILE"); v != "" {
		c.Logging.File = v
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Server.Bind == "" {
		return fmt.Errorf("server.bind must not be empty")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}
	if c.Index.Path == "" {
		return fmt.Errorf("index.path must not be empty")
	}
	if len(c.Projection.Rules) == 0 {
		return fmt.Errorf("projection.rules must not be empty")
	}
	seen := make(map[string]struct{}, len(c.Projection.Rules))
	for i, r := range c.Projection.Rules {
		if r.Predicate == "" || r.Field == "" {
			return fmt.Errorf("projection.rules[%d]: predicate and field are required", i)
		}
		if _, dup := seen[r.Predicate]; dup {
			return fmt.Errorf("projection.rules[%d]: duplicate predicate %s", i, r.Predicate)
		}
		seen[r.Predicate] = struct{}{}
	}
	switch c.Projection.MultiValue {
	case MultiValueConcat, MultiValueMulti:
	default:
		return fmt.Errorf("projection.multi_value must be %q or %q, got %q",
			MultiValueConcat, MultiValueMulti, c.Projection.MultiValue)
	}
	if c.Query.DefaultLimit <= 0 || c.Query.MaxLimit <= 0 {
		return fmt.Errorf("query limits must be positive")
	}
	if c.Query.DefaultLimit > c.Query.MaxLimit {
		return fmt.Errorf("query.default_limit must not exceed query.max_limit")
	}
	if c.Index.RebuildBatchSize <= 0 {
		return fmt.Errorf("index.rebuild_batch_size must be positive")
	}
	if c.Sync.RetryMax < 0 {
		return fmt.Errorf("sync.retry_max must not be negative")
	}
	return nil
}
