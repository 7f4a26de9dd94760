package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		HTTP:     HTTPConfig{Port: 8080},
		Database: DatabaseConfig{Driver: DriverMongo, URI: "mongodb://localhost:27017", Name: "app"},
		Claims:   ClaimsConfig{Driver: DriverMemory},
	}
}

func TestValidate_Valid(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.HTTP.Port = 0 }, "http.port"},
		{"port too large", func(c *Config) { c.HTTP.Port = 70000 }, "http.port"},
		{"missing uri", func(c *Config) { c.Database.URI = "" }, "database.uri"},
		{"missing name", func(c *Config) { c.Database.Name = "" }, "database.name"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "postgres" }, "database.driver"},
		{"valkey without addrs", func(c *Config) { c.Claims.Driver = DriverValkey }, "claims.addrs"},
		{"unknown claims driver", func(c *Config) { c.Claims.Driver = "etcd" }, "claims.driver"},
		{"dotted stamp field", func(c *Config) { c.Scoping.StampField = "meta.tenant" }, "stamp_field"},
		{"operator stamp field", func(c *Config) { c.Scoping.StampField = "$tenant" }, "stamp_field"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q should mention %q", err, tc.want)
			}
		})
	}
}

func TestValidate_MemoryDriverNeedsNoURI(t *testing.T) {
	cfg := Config{
		HTTP:     HTTPConfig{Port: 8080},
		Database: DatabaseConfig{Driver: DriverMemory},
		Claims:   ClaimsConfig{Driver: DriverValkey, Addrs: []string{"localhost:6379"}},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()

	if cfg.HTTP.ReadTimeoutSec != 10 {
		t.Errorf("expected ReadTimeoutSec=10, got %d", cfg.HTTP.ReadTimeoutSec)
	}
	if cfg.HTTP.WriteTimeoutSec != 10 {
		t.Errorf("expected WriteTimeoutSec=10, got %d", cfg.HTTP.WriteTimeoutSec)
	}
	if cfg.HTTP.ShutdownSec != 10 {
		t.Errorf("expected ShutdownSec=10, got %d", cfg.HTTP.ShutdownSec)
	}
	if cfg.Database.Driver != DriverMongo {
		t.Errorf("expected driver=mongo, got %q", cfg.Database.Driver)
	}
	if cfg.Database.ReadinessTimeout != 10 {
		t.Errorf("expected ReadinessTimeout=10, got %d", cfg.Database.ReadinessTimeout)
	}
	if cfg.Database.CallTimeout() != 30*time.Second {
		t.Errorf("expected CallTimeout=30s, got %v", cfg.Database.CallTimeout())
	}
	if cfg.Claims.Driver != DriverMemory {
		t.Errorf("expected claims driver=memory, got %q", cfg.Claims.Driver)
	}
	if cfg.Claims.TTL() != time.Hour {
		t.Errorf("expected claims TTL=1h, got %v", cfg.Claims.TTL())
	}
	if cfg.Scoping.StampField != "tenant_id" {
		t.Errorf("expected StampField=tenant_id, got %q", cfg.Scoping.StampField)
	}
	if !cfg.AutoIndex.IsEnabled() {
		t.Error("auto index should default to enabled")
	}
	if cfg.AutoIndex.Threshold != 3 {
		t.Errorf("expected Threshold=3, got %d", cfg.AutoIndex.Threshold)
	}
	if cfg.AutoIndex.MaxPatterns != 10000 {
		t.Errorf("expected MaxPatterns=10000, got %d", cfg.AutoIndex.MaxPatterns)
	}
	if cfg.Builds.Concurrency != 3 {
		t.Errorf("expected Concurrency=3, got %d", cfg.Builds.Concurrency)
	}
	if cfg.Builds.PollInterval() != 5*time.Second {
		t.Errorf("expected PollInterval=5s, got %v", cfg.Builds.PollInterval())
	}
	if cfg.Builds.Timeout() != 10*time.Minute {
		t.Errorf("expected Timeout=10m, got %v", cfg.Builds.Timeout())
	}
	if cfg.Builds.MaxRetries != 2 {
		t.Errorf("expected MaxRetries=2, got %d", cfg.Builds.MaxRetries)
	}
	if cfg.Builds.RetryBackoff() != 500*time.Millisecond {
		t.Errorf("expected RetryBackoff=500ms, got %v", cfg.Builds.RetryBackoff())
	}
}

func TestApplyDefaults_NoOverride(t *testing.T) {
	off := false
	cfg := Config{
		HTTP:      HTTPConfig{ReadTimeoutSec: 30, WriteTimeoutSec: 60, ShutdownSec: 5},
		Database:  DatabaseConfig{Driver: DriverMemory, ReadinessTimeout: 15},
		Scoping:   ScopingConfig{StampField: "org"},
		AutoIndex: AutoIndexConfig{Enabled: &off, Threshold: 10},
		Builds:    BuildsConfig{Concurrency: 8, MaxRetries: -1},
	}
	cfg.ApplyDefaults()

	if cfg.HTTP.ReadTimeoutSec != 30 {
		t.Errorf("expected ReadTimeoutSec=30, got %d", cfg.HTTP.ReadTimeoutSec)
	}
	if cfg.HTTP.WriteTimeoutSec != 60 {
		t.Errorf("expected WriteTimeoutSec=60, got %d", cfg.HTTP.WriteTimeoutSec)
	}
	if cfg.Database.Driver != DriverMemory {
		t.Errorf("expected driver=memory, got %q", cfg.Database.Driver)
	}
	if cfg.Scoping.StampField != "org" {
		t.Errorf("expected StampField=org, got %q", cfg.Scoping.StampField)
	}
	if cfg.AutoIndex.IsEnabled() {
		t.Error("explicit enabled: false must stick")
	}
	if cfg.AutoIndex.Threshold != 10 {
		t.Errorf("expected Threshold=10, got %d", cfg.AutoIndex.Threshold)
	}
	if cfg.Builds.Concurrency != 8 {
		t.Errorf("expected Concurrency=8, got %d", cfg.Builds.Concurrency)
	}
	if cfg.Builds.MaxRetries != 0 {
		t.Errorf("max_retries -1 should disable retries, got %d", cfg.Builds.MaxRetries)
	}
}

func TestParse_ExpandsEnv(t *testing.T) {
	t.Setenv("SCOPEDB_TEST_URI", "mongodb://db:27017")

	cfg, err := parse([]byte(`
http:
  port: ${SCOPEDB_TEST_PORT:-8090}
database:
  uri: ${SCOPEDB_TEST_URI}
  name: app
autoindex:
  enabled: false
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.HTTP.Port != 8090 {
		t.Errorf("expected default port 8090, got %d", cfg.HTTP.Port)
	}
	if cfg.Database.URI != "mongodb://db:27017" {
		t.Errorf("expected expanded uri, got %q", cfg.Database.URI)
	}
	if cfg.AutoIndex.IsEnabled() {
		t.Error("autoindex.enabled: false must disable")
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := parse([]byte("http:\n  port: 8080\n")); err == nil {
		t.Error("expected validation error for missing database uri")
	}
	if _, err := parse([]byte("http: [")); err == nil {
		t.Error("expected parse error")
	}
}
