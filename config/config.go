package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/michaelpento.lv/flashvault/fee"
	"github.com/michaelpento.lv/flashvault/flashloan"
	"github.com/michaelpento.lv/flashvault/store"
)

const defaultConfigName = ".flashvault.yaml"

type Config struct {
	Protocol flashloan.Params `yaml:"protocol"`
	Fee      fee.Schedule     `yaml:"fee"`
	Storage  StorageConfig    `yaml:"storage"`
	Receipts ReceiptsConfig   `yaml:"receipts"`
	Metrics  MetricsConfig    `yaml:"metrics"`
	Log      LogConfig        `yaml:"log"`

	// Internal components
	Logger *zap.Logger `yaml:"-"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"` // memory or leveldb
	Path   string `yaml:"path"`
}

type ReceiptsConfig struct {
	CacheSize int `yaml:"cache_size"`
}

type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
	Namespace     string `yaml:"namespace"`
}

type LogConfig struct {
	Debug bool   `yaml:"debug"`
	File  string `yaml:"file"`
}

func DefaultConfig() *Config {
	return &Config{
		Protocol: flashloan.DefaultParams(),
		Fee:      fee.DefaultSchedule(),
		Storage: StorageConfig{
			Driver: store.DriverLevelDB,
			Path:   "flashvault-data",
		},
		Receipts: ReceiptsConfig{
			CacheSize: 1024,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: ":9090",
			Namespace:     "flashvault",
		},
		Log: LogConfig{
			File: "flashvault.log",
		},
		Logger: zap.NewNop(),
	}
}

func (c *Config) ValidateConfig() error {
	var errs []string

	if c.Protocol.Cooldown < 0 {
		errs = append(errs, "protocol.cooldown must not be negative")
	}
	if c.Protocol.BorrowerRateLimit < 0 {
		errs = append(errs, "protocol.borrower_rate_limit must not be negative")
	}
	if c.Protocol.BorrowerRateLimit > 0 && c.Protocol.BorrowerBurst <= 0 {
		errs = append(errs, "protocol.borrower_burst must be positive when rate limiting")
	}

	if err := c.Fee.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("fee schedule error: %v", err))
	}

	if err := c.Storage.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("storage config error: %v", err))
	}

	if c.Receipts.CacheSize <= 0 {
		errs = append(errs, "receipts.cache_size must be positive")
	}

	if err := c.Metrics.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("metrics config error: %v", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (s *StorageConfig) Validate() error {
	switch s.Driver {
	case store.DriverMemory:
		return nil
	case store.DriverLevelDB:
		if s.Path == "" {
			return fmt.Errorf("path must be specified for the %s driver", s.Driver)
		}
		return nil
	default:
		return fmt.Errorf("unknown driver %q", s.Driver)
	}
}

func (m *MetricsConfig) Validate() error {
	if !m.Enabled {
		return nil
	}
	if m.ListenAddress == "" {
		return fmt.Errorf("listen address must be specified when metrics are enabled")
	}
	if m.Namespace == "" {
		return fmt.Errorf("namespace must be specified")
	}
	return nil
}

// LoadConfig reads cfgFile over the defaults, applies FLASHVAULT_*
// overrides and validates the result. An empty cfgFile means
// ~/.flashvault.yaml, which may be absent.
func LoadConfig(cfgFile string) (*Config, error) {
	explicit := cfgFile != ""
	if !explicit {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		cfgFile = filepath.Join(home, defaultConfigName)
	}

	config := DefaultConfig()
	raw, err := os.ReadFile(cfgFile)
	switch {
	case errors.Is(err, os.ErrNotExist) && !explicit:
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.UnmarshalStrict(raw, config); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	}

	if err := ApplyEnv(config); err != nil {
		return nil, err
	}
	if err := config.ValidateConfig(); err != nil {
		return nil, err
	}
	return config, nil
}

func SaveConfig(cfg *Config, cfgFile string) error {
	if cfgFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		cfgFile = filepath.Join(home, defaultConfigName)
	}

	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(cfgFile, raw, 0o600)
}
