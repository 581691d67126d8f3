package core

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "none.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Engine.PoolSize != 4 || cfg.Server.Addr != ":4000" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scriptd.yaml")
	data := `
server:
  addr: ":9000"
engine:
  pool_size: 8
  execution_timeout_ms: 1000
storage:
  driver: postgres
  dsn: postgres://localhost/app
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SCRIPTD_POOL_SIZE", "3")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Engine.PoolSize != 3 {
		t.Errorf("pool_size = %d, want env override 3", cfg.Engine.PoolSize)
	}
	if cfg.Engine.ExecutionTimeout != 1000 || cfg.Engine.AcquireTimeout != 5000 {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if cfg.Storage.Driver != "postgres" {
		t.Errorf("driver = %q", cfg.Storage.Driver)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"pool size":   func(c *Config) { c.Engine.PoolSize = 0 },
		"timeout":     func(c *Config) { c.Engine.ExecutionTimeout = -1 },
		"driver":      func(c *Config) { c.Storage.Driver = "mysql" },
		"scripts dir": func(c *Config) { c.Scripts.Dir = "" },
		"log format":  func(c *Config) { c.Logging.Format = "xml" },
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
}

func TestLoadConfig_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("engine: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
}
