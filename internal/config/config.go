package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lazypower/spiralmem/internal/store"
)

// EnvPath names the environment variable that points at a config file.
const EnvPath = "SPIRALMEM_CONFIG"

// Config holds all spiralmem configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Server      ServerConfig      `yaml:"server"`
	Journal     JournalConfig     `yaml:"journal"`
}

type StoreConfig struct {
	Capacity      int           `yaml:"capacity"`
	Step          float64       `yaml:"quantization_step"`
	Threshold     float64       `yaml:"consolidation_threshold"`
	Boost         float64       `yaml:"boost_factor"`
	Phase         float64       `yaml:"phase_correction"`
	LockTimeout   time.Duration `yaml:"lock_timeout"`
	DeferEviction bool          `yaml:"defer_eviction"`
}

type MaintenanceConfig struct {
	Interval  time.Duration `yaml:"interval"` // 0 disables the background pass
	Prefilter bool          `yaml:"prefilter"`
}

type ServerConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type JournalConfig struct {
	Path string `yaml:"path"` // empty disables the event journal
}

// Default returns a Config with sensible defaults.
func Default() Config {
	sc := store.DefaultConfig()
	return Config{
		Store: StoreConfig{
			Capacity:    sc.Capacity,
			Step:        sc.Step,
			Threshold:   sc.Threshold,
			Boost:       sc.Boost,
			LockTimeout: sc.LockTimeout,
		},
		Maintenance: MaintenanceConfig{
			Interval: time.Minute,
		},
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37778,
		},
	}
}

// Load reads a YAML config file over the defaults. An empty path falls back
// to $SPIRALMEM_CONFIG; when neither is set the defaults are returned as-is.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvPath)
	}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the values that would otherwise fail at construction time.
func (c *Config) Validate() error {
	if c.Store.Capacity <= 0 {
		return fmt.Errorf("store.capacity %d: %w", c.Store.Capacity, store.ErrCapacityMisconfigured)
	}
	if c.Store.Step < 0 {
		return errors.New("store.quantization_step must not be negative")
	}
	if c.Maintenance.Interval < 0 {
		return errors.New("maintenance.interval must not be negative")
	}
	return nil
}

// StoreConfig converts the store section into store construction parameters.
func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Capacity:      c.Store.Capacity,
		Step:          c.Store.Step,
		Threshold:     c.Store.Threshold,
		Boost:         c.Store.Boost,
		Phase:         c.Store.Phase,
		LockTimeout:   c.Store.LockTimeout,
		DeferEviction: c.Store.DeferEviction,
	}
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
