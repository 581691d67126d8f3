package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EngineConfig holds runtime configuration for the isolate pool.
type EngineConfig struct {
	PoolSize          int  `yaml:"pool_size"`            // number of isolates
	MemoryLimitMB     int  `yaml:"memory_limit_mb"`      // per-isolate memory limit
	ExecutionTimeout  int  `yaml:"execution_timeout_ms"` // milliseconds before an isolate is replaced
	AcquireTimeout    int  `yaml:"acquire_timeout_ms"`   // milliseconds to wait for an idle isolate
	MaxFetchRequests  int  `yaml:"max_fetch_requests"`   // max outbound fetches per request
	FetchTimeoutSec   int  `yaml:"fetch_timeout_sec"`    // per-fetch timeout in seconds
	MaxResponseBytes  int  `yaml:"max_response_bytes"`   // max fetched body size
	FetchAllowPrivate bool `yaml:"fetch_allow_private"`  // disables private-address blocking
}

// ServerConfig configures the HTTP front end in cmd/scriptd.
type ServerConfig struct {
	Addr            string `yaml:"addr"`
	Compression     bool   `yaml:"compression"`
	H2C             bool   `yaml:"h2c"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
	MaxBodyBytes    int64  `yaml:"max_body_bytes"`
	ReloadEndpoint  bool   `yaml:"reload_endpoint"`
}

// ScriptsConfig points the loader at the script directory.
type ScriptsConfig struct {
	Dir             string `yaml:"dir"`
	MaxScriptSizeKB int    `yaml:"max_script_size_kb"`
}

// StorageConfig selects the storage engine collaborator.
type StorageConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig configures OpenTelemetry span export.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "none"
}

// Config is the full scriptd configuration file.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Scripts ScriptsConfig `yaml:"scripts"`
	Engine  EngineConfig  `yaml:"engine"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// DefaultEngineConfig returns the engine defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		PoolSize:         4,
		MemoryLimitMB:    128,
		ExecutionTimeout: 30000,
		AcquireTimeout:   5000,
		MaxFetchRequests: 50,
		FetchTimeoutSec:  30,
		MaxResponseBytes: 10 * 1024 * 1024,
	}
}

// DefaultConfig returns a configuration usable without a file.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":4000",
			Compression:     true,
			ReadTimeoutSec:  30,
			WriteTimeoutSec: 60,
			MaxBodyBytes:    10 * 1024 * 1024,
		},
		Scripts: ScriptsConfig{
			Dir:             "./scripts",
			MaxScriptSizeKB: 1024,
		},
		Engine: DefaultEngineConfig(),
		Storage: StorageConfig{
			Driver: "sqlite",
			DSN:    "./data/main.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Exporter: "none",
		},
	}
}

// LoadConfig reads a YAML config file on top of the defaults. A missing
// file yields the defaults. SCRIPTD_* environment variables override both.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SCRIPTD_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("SCRIPTD_SCRIPTS_DIR"); v != "" {
		c.Scripts.Dir = v
	}
	if v := os.Getenv("SCRIPTD_STORAGE_DRIVER"); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv("SCRIPTD_STORAGE_DSN"); v != "" {
		c.Storage.DSN = v
	}
	if v := os.Getenv("SCRIPTD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SCRIPTD_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.PoolSize = n
		}
	}
}

// Validate rejects configurations the runtime cannot start with.
func (c *Config) Validate() error {
	if c.Engine.PoolSize <= 0 {
		return fmt.Errorf("engine.pool_size must be positive, got %d", c.Engine.PoolSize)
	}
	if c.Engine.ExecutionTimeout <= 0 {
		return fmt.Errorf("engine.execution_timeout_ms must be positive")
	}
	if c.Engine.AcquireTimeout <= 0 {
		return fmt.Errorf("engine.acquire_timeout_ms must be positive")
	}
	if c.Scripts.Dir == "" {
		return fmt.Errorf("scripts.dir must be set")
	}
	switch strings.ToLower(c.Storage.Driver) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver must be sqlite or postgres, got %q", c.Storage.Driver)
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}
