// Package config loads layered service configuration: hardcoded
// defaults, then an optional YAML file, then MEDLIT_* environment
// overrides, in increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	Version  int            `yaml:"version" json:"version"`
	Server   ServerConfig   `yaml:"server" json:"server"`
	Database DatabaseConfig `yaml:"database" json:"database"`
	Vector   VectorConfig   `yaml:"vector" json:"vector"`
	Chunker  ChunkerConfig  `yaml:"chunker" json:"chunker"`
	Search   SearchConfig   `yaml:"search" json:"search"`
	Limits   LimitsConfig   `yaml:"limits" json:"limits"`
	Sync     SyncConfig     `yaml:"sync" json:"sync"`
	Breaker  BreakerConfig  `yaml:"breaker" json:"breaker"`
	Jobs     JobsConfig     `yaml:"jobs" json:"jobs"`
	Clinical ClinicalConfig `yaml:"clinical" json:"clinical"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
}

// ServerConfig configures the HTTP tool-invocation surface.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `yaml:"addr" json:"addr"`
	// AuthSecret guards /invoke and /v1/jobs when non-empty.
	// Callers pass it as a bearer token.
	AuthSecret string `yaml:"auth_secret" json:"auth_secret"`
	// Transport selects the tool surface: "http", "stdio", or "both".
	Transport       string        `yaml:"transport" json:"transport"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// DatabaseConfig selects the relational store backing documents,
// watermarks, and the job queue.
type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string `yaml:"driver" json:"driver"`
	// DSN is a pgx pool DSN for postgres, or a file path for sqlite.
	DSN string `yaml:"dsn" json:"dsn"`
	// MaxConns caps the postgres pool size.
	MaxConns int `yaml:"max_conns" json:"max_conns"`
}

// VectorConfig configures the local hybrid index.
type VectorConfig struct {
	// Dir is the directory holding the lexical and vector index files.
	Dir string `yaml:"dir" json:"dir"`
	// Dimensions is the embedding width.
	Dimensions int `yaml:"dimensions" json:"dimensions"`
	// Alpha blends the branches: alpha*vector + (1-alpha)*lexical.
	Alpha float64 `yaml:"alpha" json:"alpha"`
	// Embedder selects the embedding provider: "static" or "remote".
	Embedder string `yaml:"embedder" json:"embedder"`
	// RemoteEndpoint is the embedding service URL when Embedder is "remote".
	RemoteEndpoint string `yaml:"remote_endpoint" json:"remote_endpoint"`
}

// ChunkerConfig configures abstract chunking.
type ChunkerConfig struct {
	// Version tags emitted chunks and feeds their deterministic UUIDs.
	Version       string `yaml:"version" json:"version"`
	TargetTokens  int    `yaml:"target_tokens" json:"target_tokens"`
	HardMaxTokens int    `yaml:"hard_max_tokens" json:"hard_max_tokens"`
	OverlapTokens int    `yaml:"overlap_tokens" json:"overlap_tokens"`
}

// SearchConfig configures retrieval behavior.
type SearchConfig struct {
	DefaultLimit int `yaml:"default_limit" json:"default_limit"`
	MaxLimit     int `yaml:"max_limit" json:"max_limit"`
	// CacheEnabled turns on the in-process result cache (opt-in).
	CacheEnabled bool          `yaml:"cache_enabled" json:"cache_enabled"`
	CacheTTL     time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
	CacheSize    int           `yaml:"cache_size" json:"cache_size"`
}

// LimitsConfig caps concurrent tool invocations.
type LimitsConfig struct {
	// Global is the service-wide concurrency cap.
	Global int64 `yaml:"global" json:"global"`
	// PerTool overrides the per-tool cap by tool name.
	PerTool map[string]int64 `yaml:"per_tool" json:"per_tool"`
}

// SyncConfig configures incremental source synchronization.
type SyncConfig struct {
	// Term is the source query driving sync, passed through unmodified.
	Term string `yaml:"term" json:"term"`
	// SpoolDir holds NDJSON record spools, one file per term. Empty
	// leaves no fetcher registered.
	SpoolDir string `yaml:"spool_dir" json:"spool_dir"`
	// Overlap is re-fetched behind the watermark to absorb late indexing.
	Overlap time.Duration `yaml:"overlap" json:"overlap"`
	// Interval between scheduled sync runs; zero disables the scheduler.
	Interval time.Duration `yaml:"interval" json:"interval"`
}

// BreakerConfig configures the upstream circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	ErrorRate        float64       `yaml:"error_rate" json:"error_rate"`
	MinSamples       int           `yaml:"min_samples" json:"min_samples"`
	Window           time.Duration `yaml:"window" json:"window"`
	OpenTimeout      time.Duration `yaml:"open_timeout" json:"open_timeout"`
	MaxOpenTimeout   time.Duration `yaml:"max_open_timeout" json:"max_open_timeout"`
}

// JobsConfig configures the async job workers.
type JobsConfig struct {
	Workers           int           `yaml:"workers" json:"workers"`
	MaxRetries        int           `yaml:"max_retries" json:"max_retries"`
	ProgressInterval  time.Duration `yaml:"progress_interval" json:"progress_interval"`
	IdempotencyWindow time.Duration `yaml:"idempotency_window" json:"idempotency_window"`
	PollInterval      time.Duration `yaml:"poll_interval" json:"poll_interval"`
}

// ClinicalConfig points at the clinical-term dictionary used for
// query-relevance boosts.
type ClinicalConfig struct {
	// TermsPath is a YAML file with one term per list entry. Empty uses
	// the built-in seed dictionary.
	TermsPath string `yaml:"terms_path" json:"terms_path"`
	// Watch reloads the dictionary when the file changes.
	Watch bool `yaml:"watch" json:"watch"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level" json:"level"`
	// FilePath is the log file path. Empty logs to stderr only.
	FilePath string `yaml:"file_path" json:"file_path"`
	// MaxSizeMB is the rotation threshold (default: 10).
	MaxSizeMB int `yaml:"max_size_mb" json:"max_size_mb"`
	// MaxFiles is how many rotated files to keep (default: 5).
	MaxFiles int `yaml:"max_files" json:"max_files"`
}

// NewConfig returns the hardcoded defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Server: ServerConfig{
			Addr:            ":8080",
			Transport:       "http",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:   "sqlite",
			DSN:      defaultDataPath("medlit.db"),
			MaxConns: runtime.NumCPU() * 2,
		},
		Vector: VectorConfig{
			Dir:        defaultDataPath("index"),
			Dimensions: 256,
			Alpha:      0.5,
			Embedder:   "static",
		},
		Chunker: ChunkerConfig{
			Version:       "v1",
			TargetTokens:  300,
			HardMaxTokens: 450,
			OverlapTokens: 50,
		},
		Search: SearchConfig{
			DefaultLimit: 10,
			MaxLimit:     50,
			CacheEnabled: false,
			CacheTTL:     300 * time.Second,
			CacheSize:    1000,
		},
		Limits: LimitsConfig{
			Global: 200,
			PerTool: map[string]int64{
				"search": 50,
				"sync":   8,
			},
		},
		Sync: SyncConfig{
			Overlap:  24 * time.Hour,
			Interval: 0,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ErrorRate:        0.5,
			MinSamples:       20,
			Window:           30 * time.Second,
			OpenTimeout:      5 * time.Second,
			MaxOpenTimeout:   60 * time.Second,
		},
		Jobs: JobsConfig{
			Workers:           4,
			MaxRetries:        3,
			ProgressInterval:  2 * time.Second,
			IdempotencyWindow: 24 * time.Hour,
			PollInterval:      time.Second,
		},
		Clinical: ClinicalConfig{
			Watch: false,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
	}
}

// defaultDataPath places service state under the user home directory,
// falling back to the system temp directory.
func defaultDataPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".medlit", name)
	}
	return filepath.Join(home, ".medlit", name)
}

// Load builds the effective configuration. path may be empty; a
// missing file is fine and leaves the defaults in place.
func Load(path string) (*Config, error) {
	cfg := NewConfig()

	if path == "" {
		path = os.Getenv("MEDLIT_CONFIG")
	}
	if path == "" {
		if _, err := os.Stat("medlit.yaml"); err == nil {
			path = "medlit.yaml"
		}
	}
	if path != "" {
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadYAML merges a YAML file into the receiver. Only values present
// in the file override defaults.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	c.mergeWith(&parsed)
	return nil
}

// mergeWith merges non-zero values from other into c. Booleans whose
// zero value is a valid setting are merged alongside a sibling field.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}

	if other.Server.Addr != "" {
		c.Server.Addr = other.Server.Addr
	}
	if other.Server.AuthSecret != "" {
		c.Server.AuthSecret = other.Server.AuthSecret
	}
	if other.Server.Transport != "" {
		c.Server.Transport = other.Server.Transport
	}
	if other.Server.ReadTimeout != 0 {
		c.Server.ReadTimeout = other.Server.ReadTimeout
	}
	if other.Server.WriteTimeout != 0 {
		c.Server.WriteTimeout = other.Server.WriteTimeout
	}
	if other.Server.ShutdownTimeout != 0 {
		c.Server.ShutdownTimeout = other.Server.ShutdownTimeout
	}

	if other.Database.Driver != "" {
		c.Database.Driver = other.Database.Driver
	}
	if other.Database.DSN != "" {
		c.Database.DSN = other.Database.DSN
	}
	if other.Database.MaxConns != 0 {
		c.Database.MaxConns = other.Database.MaxConns
	}

	if other.Vector.Dir != "" {
		c.Vector.Dir = other.Vector.Dir
	}
	if other.Vector.Dimensions != 0 {
		c.Vector.Dimensions = other.Vector.Dimensions
	}
	if other.Vector.Alpha != 0 {
		c.Vector.Alpha = other.Vector.Alpha
	}
	if other.Vector.Embedder != "" {
		c.Vector.Embedder = other.Vector.Embedder
	}
	if other.Vector.RemoteEndpoint != "" {
		c.Vector.RemoteEndpoint = other.Vector.RemoteEndpoint
	}

	if other.Chunker.Version != "" {
		c.Chunker.Version = other.Chunker.Version
	}
	if other.Chunker.TargetTokens != 0 {
		c.Chunker.TargetTokens = other.Chunker.TargetTokens
	}
	if other.Chunker.HardMaxTokens != 0 {
		c.Chunker.HardMaxTokens = other.Chunker.HardMaxTokens
	}
	if other.Chunker.OverlapTokens != 0 {
		c.Chunker.OverlapTokens = other.Chunker.OverlapTokens
	}

	if other.Search.DefaultLimit != 0 {
		c.Search.DefaultLimit = other.Search.DefaultLimit
	}
	if other.Search.MaxLimit != 0 {
		c.Search.MaxLimit = other.Search.MaxLimit
	}
	// CacheEnabled rides along with any cache tuning.
	if other.Search.CacheEnabled || other.Search.CacheTTL != 0 || other.Search.CacheSize != 0 {
		c.Search.CacheEnabled = other.Search.CacheEnabled
	}
	if other.Search.CacheTTL != 0 {
		c.Search.CacheTTL = other.Search.CacheTTL
	}
	if other.Search.CacheSize != 0 {
		c.Search.CacheSize = other.Search.CacheSize
	}

	if other.Limits.Global != 0 {
		c.Limits.Global = other.Limits.Global
	}
	for tool, cap := range other.Limits.PerTool {
		if c.Limits.PerTool == nil {
			c.Limits.PerTool = make(map[string]int64)
		}
		c.Limits.PerTool[tool] = cap
	}

	if other.Sync.Term != "" {
		c.Sync.Term = other.Sync.Term
	}
	if other.Sync.SpoolDir != "" {
		c.Sync.SpoolDir = other.Sync.SpoolDir
	}
	if other.Sync.Overlap != 0 {
		c.Sync.Overlap = other.Sync.Overlap
	}
	if other.Sync.Interval != 0 {
		c.Sync.Interval = other.Sync.Interval
	}

	if other.Breaker.FailureThreshold != 0 {
		c.Breaker.FailureThreshold = other.Breaker.FailureThreshold
	}
	if other.Breaker.ErrorRate != 0 {
		c.Breaker.ErrorRate = other.Breaker.ErrorRate
	}
	if other.Breaker.MinSamples != 0 {
		c.Breaker.MinSamples = other.Breaker.MinSamples
	}
	if other.Breaker.Window != 0 {
		c.Breaker.Window = other.Breaker.Window
	}
	if other.Breaker.OpenTimeout != 0 {
		c.Breaker.OpenTimeout = other.Breaker.OpenTimeout
	}
	if other.Breaker.MaxOpenTimeout != 0 {
		c.Breaker.MaxOpenTimeout = other.Breaker.MaxOpenTimeout
	}

	if other.Jobs.Workers != 0 {
		c.Jobs.Workers = other.Jobs.Workers
	}
	if other.Jobs.MaxRetries != 0 {
		c.Jobs.MaxRetries = other.Jobs.MaxRetries
	}
	if other.Jobs.ProgressInterval != 0 {
		c.Jobs.ProgressInterval = other.Jobs.ProgressInterval
	}
	if other.Jobs.IdempotencyWindow != 0 {
		c.Jobs.IdempotencyWindow = other.Jobs.IdempotencyWindow
	}
	if other.Jobs.PollInterval != 0 {
		c.Jobs.PollInterval = other.Jobs.PollInterval
	}

	if other.Clinical.TermsPath != "" {
		c.Clinical.TermsPath = other.Clinical.TermsPath
		c.Clinical.Watch = other.Clinical.Watch
	}

	if other.Logging.Level != "" {
		c.Logging.Level = other.Logging.Level
	}
	if other.Logging.FilePath != "" {
		c.Logging.FilePath = other.Logging.FilePath
	}
	if other.Logging.MaxSizeMB != 0 {
		c.Logging.MaxSizeMB = other.Logging.MaxSizeMB
	}
	if other.Logging.MaxFiles != 0 {
		c.Logging.MaxFiles = other.Logging.MaxFiles
	}
}

// applyEnvOverrides applies MEDLIT_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MEDLIT_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("MEDLIT_AUTH_SECRET"); v != "" {
		c.Server.AuthSecret = v
	}
	if v := os.Getenv("MEDLIT_TRANSPORT"); v != "" {
		c.Server.Transport = v
	}
	if v := os.Getenv("MEDLIT_DB_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("MEDLIT_DB_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("MEDLIT_INDEX_DIR"); v != "" {
		c.Vector.Dir = v
	}
	if v := os.Getenv("MEDLIT_EMBEDDER"); v != "" {
		c.Vector.Embedder = v
	}
	if v := os.Getenv("MEDLIT_ALPHA"); v != "" {
		if a, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && a >= 0 && a <= 1 {
			c.Vector.Alpha = a
		}
	}
	if v := os.Getenv("MEDLIT_SYNC_TERM"); v != "" {
		c.Sync.Term = v
	}
	if v := os.Getenv("MEDLIT_SYNC_SPOOL"); v != "" {
		c.Sync.SpoolDir = v
	}
	if v := os.Getenv("MEDLIT_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Sync.Interval = d
		}
	}
	if v := os.Getenv("MEDLIT_GLOBAL_LIMIT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Limits.Global = n
		}
	}
	if v := os.Getenv("MEDLIT_CACHE_ENABLED"); v != "" {
		c.Search.CacheEnabled = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv("MEDLIT_CLINICAL_TERMS"); v != "" {
		c.Clinical.TermsPath = v
	}
	if v := os.Getenv("MEDLIT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("MEDLIT_LOG_FILE"); v != "" {
		c.Logging.FilePath = v
	}
}

// Validate checks the effective configuration.
func (c *Config) Validate() error {
	validDrivers := map[string]bool{"postgres": true, "sqlite": true}
	if !validDrivers[strings.ToLower(c.Database.Driver)] {
		return fmt.Errorf("database.driver must be 'postgres' or 'sqlite', got %s", c.Database.Driver)
	}

	validTransports := map[string]bool{"http": true, "stdio": true, "both": true}
	if !validTransports[strings.ToLower(c.Server.Transport)] {
		return fmt.Errorf("server.transport must be 'http', 'stdio', or 'both', got %s", c.Server.Transport)
	}

	if c.Vector.Alpha < 0 || c.Vector.Alpha > 1 {
		return fmt.Errorf("vector.alpha must be between 0 and 1, got %f", c.Vector.Alpha)
	}
	validEmbedders := map[string]bool{"static": true, "remote": true}
	if !validEmbedders[strings.ToLower(c.Vector.Embedder)] {
		return fmt.Errorf("vector.embedder must be 'static' or 'remote', got %s", c.Vector.Embedder)
	}
	if strings.ToLower(c.Vector.Embedder) == "remote" && c.Vector.RemoteEndpoint == "" {
		return fmt.Errorf("vector.remote_endpoint is required with the remote embedder")
	}

	if c.Chunker.Version == "" {
		return fmt.Errorf("chunker.version must not be empty")
	}
	if c.Chunker.TargetTokens <= 0 || c.Chunker.HardMaxTokens < c.Chunker.TargetTokens {
		return fmt.Errorf("chunker: hard_max_tokens (%d) must be >= target_tokens (%d) > 0",
			c.Chunker.HardMaxTokens, c.Chunker.TargetTokens)
	}
	if c.Chunker.OverlapTokens < 0 || c.Chunker.OverlapTokens >= c.Chunker.TargetTokens {
		return fmt.Errorf("chunker.overlap_tokens must be in [0, target_tokens), got %d", c.Chunker.OverlapTokens)
	}

	if c.Search.DefaultLimit <= 0 || c.Search.MaxLimit < c.Search.DefaultLimit {
		return fmt.Errorf("search: max_limit (%d) must be >= default_limit (%d) > 0",
			c.Search.MaxLimit, c.Search.DefaultLimit)
	}

	if c.Limits.Global <= 0 {
		return fmt.Errorf("limits.global must be positive, got %d", c.Limits.Global)
	}
	for tool, cap := range c.Limits.PerTool {
		if cap <= 0 {
			return fmt.Errorf("limits.per_tool[%s] must be positive, got %d", tool, cap)
		}
	}

	if c.Breaker.ErrorRate < 0 || c.Breaker.ErrorRate > 1 {
		return fmt.Errorf("breaker.error_rate must be between 0 and 1, got %f", c.Breaker.ErrorRate)
	}

	if c.Jobs.Workers <= 0 {
		return fmt.Errorf("jobs.workers must be positive, got %d", c.Jobs.Workers)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be 'debug', 'info', 'warn', or 'error', got %s", c.Logging.Level)
	}

	return nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
