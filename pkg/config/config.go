// Package config provides the unified YAML configuration for VeronaDB,
// with defaults, environment variable overrides and CLI flag overrides.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the environment variable prefix
const EnvPrefix = "VERONA_"

// Duration wraps time.Duration so YAML values like "30s" parse
type Duration time.Duration

// Std returns the standard library duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML accepts either a duration string or an integer nanosecond
// count.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var asString string
	if err := value.Decode(&asString); err == nil {
		parsed, err := time.ParseDuration(asString)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", asString, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var asInt int64
	if err := value.Decode(&asInt); err != nil {
		return fmt.Errorf("invalid duration value")
	}
	*d = Duration(asInt)
	return nil
}

// MarshalYAML renders the duration in its string form
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// VeronaConfig represents the unified configuration for VeronaDB
type VeronaConfig struct {
	// Server configuration
	Server ServerConfig `yaml:"server" json:"server"`

	// Storage configuration
	Storage StorageConfig `yaml:"storage" json:"storage"`

	// Loader configuration
	Loader LoaderConfig `yaml:"loader" json:"loader"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Data directory
	DataDir string `yaml:"data_dir" json:"data_dir"`

	// Where the config was loaded from
	Source string `yaml:"-" json:"-"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Host         string   `yaml:"host" json:"host"`
	Port         int      `yaml:"port" json:"port"`
	ReadTimeout  Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout" json:"write_timeout"`
}

// StorageConfig configures the storage engine
type StorageConfig struct {
	// CacheSizePages is the buffer manager capacity in pages
	CacheSizePages int `yaml:"cache_size_pages" json:"cache_size_pages"`
	// CheckpointWaitTimeout bounds a checkpoint's wait for readers to
	// drain; zero waits indefinitely.
	CheckpointWaitTimeout Duration `yaml:"checkpoint_wait_timeout" json:"checkpoint_wait_timeout"`
}

// LoaderConfig configures the bulk loader
type LoaderConfig struct {
	Threads int `yaml:"threads" json:"threads"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *VeronaConfig {
	return &VeronaConfig{
		Server: ServerConfig{
			Host:         "localhost",
			Port:         8080,
			ReadTimeout:  Duration(30 * time.Second),
			WriteTimeout: Duration(30 * time.Second),
		},
		Storage: StorageConfig{
			CacheSizePages: 4096,
		},
		Loader: LoaderConfig{
			Threads: runtime.NumCPU(),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		DataDir: "./data",
		Source:  "defaults",
	}
}

// LoadConfigFromFile loads configuration from a YAML file over defaults
func LoadConfigFromFile(path string) (*VeronaConfig, error) {
	config := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	config.Source = path
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadConfig loads defaults, then environment variables, then flag
// overrides, in that order of precedence.
func LoadConfig(flags map[string]string) (*VeronaConfig, error) {
	config := DefaultConfig()
	config.applyEnv()
	config.applyFlags(flags)
	config.Source = "defaults+env+flags"
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *VeronaConfig) applyEnv() {
	if v := os.Getenv(EnvPrefix + "HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv(EnvPrefix + "PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv(EnvPrefix + "DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv(EnvPrefix + "CACHE_SIZE_PAGES"); v != "" {
		if pages, err := strconv.Atoi(v); err == nil {
			c.Storage.CacheSizePages = pages
		}
	}
	if v := os.Getenv(EnvPrefix + "LOADER_THREADS"); v != "" {
		if threads, err := strconv.Atoi(v); err == nil {
			c.Loader.Threads = threads
		}
	}
	if v := os.Getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func (c *VeronaConfig) applyFlags(flags map[string]string) {
	if v, ok := flags["host"]; ok {
		c.Server.Host = v
	}
	if v, ok := flags["port"]; ok {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v, ok := flags["data-dir"]; ok {
		c.DataDir = v
	}
	if v, ok := flags["threads"]; ok {
		if threads, err := strconv.Atoi(v); err == nil {
			c.Loader.Threads = threads
		}
	}
}

// Validate checks the configuration for invalid values
func (c *VeronaConfig) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Storage.CacheSizePages < 1 {
		return fmt.Errorf("cache size must be at least one page")
	}
	if c.Loader.Threads < 1 {
		return fmt.Errorf("loader threads must be positive")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data directory must not be empty")
	}
	return nil
}

// GenerateSample writes a commented sample configuration file
func GenerateSample(path string) error {
	sample := `# VeronaDB configuration file

server:
  host: localhost
  port: 8080
  read_timeout: 30s
  write_timeout: 30s

storage:
  # Buffer manager capacity in 4 KiB pages
  cache_size_pages: 4096
  # How long a checkpoint waits for readers to drain (0 = forever)
  checkpoint_wait_timeout: 0s

loader:
  # Number of parallel loader tasks
  threads: 4

logging:
  level: info

data_dir: ./data
`
	return os.WriteFile(path, []byte(sample), 0644)
}
