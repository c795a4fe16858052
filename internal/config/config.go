// Package config loads runtime configuration for the counter commands.
//
// Values are layered: Default, then an optional YAML file, then COUNTER_* environment
// variables. Commands apply their flags last.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	BackendMemory    = "memory"
	BackendSQLite    = "sqlite"
	BackendRedis     = "redis"
	BackendAutomerge = "automerge"
	BackendDatastore = "datastore"
)

type Config struct {
	Addr           string        `yaml:"addr"`
	LogLevel       string        `yaml:"log_level"`
	Counters       []string      `yaml:"counters"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
	RenderHistory  string        `yaml:"render_history"`
	Store          StoreConfig   `yaml:"store"`
}

type StoreConfig struct {
	Backend            string `yaml:"backend"`
	SQLitePath         string `yaml:"sqlite_path"`
	RedisAddr          string `yaml:"redis_addr"`
	RedisPassword      string `yaml:"redis_password"`
	RedisDB            int    `yaml:"redis_db"`
	RedisPrefix        string `yaml:"redis_prefix"`
	AutomergePath      string `yaml:"automerge_path"`
	DatastoreProject   string `yaml:"datastore_project"`
	DatastoreNamespace string `yaml:"datastore_namespace"`
}

func Default() Config {
	return Config{
		Addr:           "localhost:8080",
		LogLevel:       "info",
		Counters:       []string{"server", "client"},
		IdempotencyTTL: time.Minute,
		Store: StoreConfig{
			Backend:     BackendSQLite,
			SQLitePath:  "counters.sqlite3",
			RedisPrefix: "counter-sync:",
		},
	}
}

// ReadYAML overlays the YAML file at path onto the defaults. An empty path returns the defaults.
func ReadYAML(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadEnvironmentVariables overlays any set COUNTER_* variables.
func (c *Config) LoadEnvironmentVariables() error {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}
	str("COUNTER_ADDR", &c.Addr)
	str("COUNTER_LOG_LEVEL", &c.LogLevel)
	str("COUNTER_RENDER_HISTORY", &c.RenderHistory)
	str("COUNTER_STORE_BACKEND", &c.Store.Backend)
	str("COUNTER_SQLITE_PATH", &c.Store.SQLitePath)
	str("COUNTER_REDIS_ADDR", &c.Store.RedisAddr)
	str("COUNTER_REDIS_PASSWORD", &c.Store.RedisPassword)
	str("COUNTER_REDIS_PREFIX", &c.Store.RedisPrefix)
	str("COUNTER_AUTOMERGE_PATH", &c.Store.AutomergePath)
	str("COUNTER_DATASTORE_NAMESPACE", &c.Store.DatastoreNamespace)
	// PROJECT_ID is what the GCP tooling already exports.
	str("PROJECT_ID", &c.Store.DatastoreProject)
	str("COUNTER_DATASTORE_PROJECT", &c.Store.DatastoreProject)

	if v, ok := os.LookupEnv("COUNTER_NAMES"); ok {
		c.Counters = splitList(v)
	}
	if v, ok := os.LookupEnv("COUNTER_REDIS_DB"); ok {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("failed to parse COUNTER_REDIS_DB: %w", err)
		}
		c.Store.RedisDB = db
	}
	if v, ok := os.LookupEnv("COUNTER_IDEMPOTENCY_TTL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("failed to parse COUNTER_IDEMPOTENCY_TTL: %w", err)
		}
		c.IdempotencyTTL = d
	}
	return nil
}

func (c Config) Validate() error {
	if len(c.Counters) == 0 {
		return fmt.Errorf("at least one counter name is required")
	}
	for _, name := range c.Counters {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("counter names must not be blank")
		}
	}
	if c.IdempotencyTTL < 0 {
		return fmt.Errorf("idempotency_ttl must not be negative")
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("sqlite backend requires sqlite_path")
		}
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("redis backend requires redis_addr")
		}
	case BackendAutomerge:
		if c.Store.AutomergePath == "" {
			return fmt.Errorf("automerge backend requires automerge_path")
		}
	case BackendDatastore:
		if c.Store.DatastoreProject == "" {
			return fmt.Errorf("datastore backend requires datastore_project")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	return nil
}

func splitList(v string) []string {
	out := make([]string, 0)
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
