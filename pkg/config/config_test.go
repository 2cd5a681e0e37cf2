package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults are invalid: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Storage.CacheSizePages != 4096 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "verona.yaml")
	content := `
server:
  host: 0.0.0.0
  port: 9090
storage:
  cache_size_pages: 128
  checkpoint_wait_timeout: 250ms
loader:
  threads: 3
data_dir: /tmp/graph
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.Host != "0.0.0.0" || cfg.Server.Port != 9090 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Storage.CacheSizePages != 128 {
		t.Errorf("cache = %d", cfg.Storage.CacheSizePages)
	}
	if cfg.Storage.CheckpointWaitTimeout.Std() != 250*time.Millisecond {
		t.Errorf("checkpoint wait = %v", cfg.Storage.CheckpointWaitTimeout)
	}
	if cfg.Loader.Threads != 3 {
		t.Errorf("threads = %d", cfg.Loader.Threads)
	}
	// untouched sections keep their defaults
	if cfg.Server.ReadTimeout.Std() != 30*time.Second {
		t.Errorf("read timeout = %v", cfg.Server.ReadTimeout)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Port = 0
	if err := cfg.Validate(); err == nil {
		t.Error("port 0 accepted")
	}
	cfg = DefaultConfig()
	cfg.Storage.CacheSizePages = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero cache accepted")
	}
	cfg = DefaultConfig()
	cfg.DataDir = ""
	if err := cfg.Validate(); err == nil {
		t.Error("empty data dir accepted")
	}
}

func TestFlagOverrides(t *testing.T) {
	cfg, err := LoadConfig(map[string]string{"port": "7070", "data-dir": "/srv/db"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 7070 || cfg.DataDir != "/srv/db" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
}

func TestGenerateSampleIsValid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.yaml")
	if err := GenerateSample(path); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfigFromFile(path); err != nil {
		t.Errorf("generated sample does not validate: %v", err)
	}
}
