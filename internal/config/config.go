package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the scopedb process configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Database  DatabaseConfig  `yaml:"database"`
	Claims    ClaimsConfig    `yaml:"claims"`
	Scoping   ScopingConfig   `yaml:"scoping"`
	AutoIndex AutoIndexConfig `yaml:"autoindex"`
	Builds    BuildsConfig    `yaml:"builds"`
	Manifest  ManifestConfig  `yaml:"manifest"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// HTTPConfig holds status server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`

	// APIKeys guard /v1/builds; empty disables auth.
	APIKeys []string `yaml:"api_keys"`
}

// Database drivers.
const (
	DriverMongo  = "mongo"
	DriverMemory = "memory"
	DriverValkey = "valkey"
)

// DatabaseConfig holds document database settings.
type DatabaseConfig struct {
	Driver           string `yaml:"driver"` // mongo, memory (default: mongo)
	URI              string `yaml:"uri"`
	Name             string `yaml:"name"`
	ReadinessTimeout int    `yaml:"readiness_timeout_sec"`
	CallTimeoutMs    int    `yaml:"call_timeout_ms"`
}

// CallTimeout bounds ordinary reads and writes.
func (d DatabaseConfig) CallTimeout() time.Duration {
	return time.Duration(d.CallTimeoutMs) * time.Millisecond
}

// ClaimsConfig selects where auto-index schedule claims live.
type ClaimsConfig struct {
	Driver   string   `yaml:"driver"` // memory, valkey (default: memory)
	Addrs    []string `yaml:"addrs"`
	Password string   `yaml:"password"`
	TTLSec   int      `yaml:"ttl_sec"`
}

// TTL is how long a claim blocks other processes.
func (c ClaimsConfig) TTL() time.Duration { return time.Duration(c.TTLSec) * time.Second }

// ScopingConfig holds tenant scoping settings.
type ScopingConfig struct {
	StampField string `yaml:"stamp_field"`
}

// AutoIndexConfig tunes automatic index creation from observed reads.
type AutoIndexConfig struct {
	Enabled     *bool `yaml:"enabled"`
	Threshold   int   `yaml:"threshold"`
	MaxPatterns int   `yaml:"max_patterns"`
}

// IsEnabled reports whether automatic indexing is on. It defaults to on.
func (a AutoIndexConfig) IsEnabled() bool { return a.Enabled == nil || *a.Enabled }

// BuildsConfig tunes the index build coordinator.
type BuildsConfig struct {
	Concurrency    int `yaml:"concurrency"`
	PollIntervalMs int `yaml:"poll_interval_ms"`
	TimeoutSec     int `yaml:"timeout_sec"`
	MaxRetries     int `yaml:"max_retries"` // -1 disables retries
	RetryBackoffMs int `yaml:"retry_backoff_ms"`
}

// PollInterval is the delay between managed build status checks.
func (b BuildsConfig) PollInterval() time.Duration {
	return time.Duration(b.PollIntervalMs) * time.Millisecond
}

// Timeout bounds a managed build.
func (b BuildsConfig) Timeout() time.Duration { return time.Duration(b.TimeoutSec) * time.Second }

// RetryBackoff is the first retry delay.
func (b BuildsConfig) RetryBackoff() time.Duration {
	return time.Duration(b.RetryBackoffMs) * time.Millisecond
}

// ManifestConfig points at the declared tenants and indexes.
type ManifestConfig struct {
	Path string `yaml:"path"` // empty: nothing is activated at startup
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	return parse(data)
}

func parse(data []byte) (Config, error) {
	// Substitute env variables of the form ${VAR}
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration or panics.
func MustLoad(env string) Config {
	cfg, err := Load(env)
	if err != nil {
		panic(err)
	}
	return cfg
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 10
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverMongo
	}
	if c.Database.ReadinessTimeout <= 0 {
		c.Database.ReadinessTimeout = 10
	}
	if c.Database.CallTimeoutMs <= 0 {
		c.Database.CallTimeoutMs = 30000
	}
	if c.Claims.Driver == "" {
		c.Claims.Driver = DriverMemory
	}
	if c.Claims.TTLSec <= 0 {
		c.Claims.TTLSec = 3600
	}
	if c.Scoping.StampField == "" {
		c.Scoping.StampField = "tenant_id"
	}
	if c.AutoIndex.Threshold <= 0 {
		c.AutoIndex.Threshold = 3
	}
	if c.AutoIndex.MaxPatterns <= 0 {
		c.AutoIndex.MaxPatterns = 10000
	}
	if c.Builds.Concurrency <= 0 {
		c.Builds.Concurrency = 3
	}
	if c.Builds.PollIntervalMs <= 0 {
		c.Builds.PollIntervalMs = 5000
	}
	if c.Builds.TimeoutSec <= 0 {
		c.Builds.TimeoutSec = 600
	}
	if c.Builds.MaxRetries < 0 {
		c.Builds.MaxRetries = 0
	} else if c.Builds.MaxRetries == 0 {
		c.Builds.MaxRetries = 2
	}
	if c.Builds.RetryBackoffMs <= 0 {
		c.Builds.RetryBackoffMs = 500
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	switch c.Database.Driver {
	case DriverMongo:
		if c.Database.URI == "" {
			return fmt.Errorf("database.uri is required for the %s driver", DriverMongo)
		}
		if c.Database.Name == "" {
			return fmt.Errorf("database.name is required for the %s driver", DriverMongo)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverMongo, DriverMemory, c.Database.Driver)
	}
	switch c.Claims.Driver {
	case DriverMemory:
	case DriverValkey:
		if len(c.Claims.Addrs) == 0 {
			return fmt.Errorf("claims.addrs is required for the %s driver", DriverValkey)
		}
	default:
		return fmt.Errorf("claims.driver must be %q or %q, got %q", DriverMemory, DriverValkey, c.Claims.Driver)
	}
	if strings.ContainsAny(c.Scoping.StampField, ".$") {
		return fmt.Errorf("scoping.stamp_field must be a top-level field name, got %q", c.Scoping.StampField)
	}
	return nil
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Fallback to ./config/
	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
