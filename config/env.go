package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Environment variables
const (
	EnvStorageDriver  = "FLASHVAULT_STORAGE_DRIVER"
	EnvStoragePath    = "FLASHVAULT_STORAGE_PATH"
	EnvMetricsAddress = "FLASHVAULT_METRICS_ADDRESS"
	EnvMaxLoanAmount  = "FLASHVAULT_MAX_LOAN_AMOUNT"
	EnvCooldown       = "FLASHVAULT_COOLDOWN"
	EnvDebug          = "FLASHVAULT_DEBUG"
	EnvBorrowerKey    = "FLASHVAULT_BORROWER_KEY" // hex secp256k1 key used by `flashvault loan`
)

// LoadEnv loads environment variables from a .env file in the working
// directory. A missing file is not an error.
func LoadEnv() error {
	err := godotenv.Load()
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// GetEnvWithDefault gets an environment variable with a default value
func GetEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func GetRequiredEnv(key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("required environment variable %s not set", key)
	}
	return value, nil
}

// ApplyEnv overrides cfg with any FLASHVAULT_* variables that are set.
func ApplyEnv(cfg *Config) error {
	cfg.Storage.Driver = GetEnvWithDefault(EnvStorageDriver, cfg.Storage.Driver)
	cfg.Storage.Path = GetEnvWithDefault(EnvStoragePath, cfg.Storage.Path)
	cfg.Metrics.ListenAddress = GetEnvWithDefault(EnvMetricsAddress, cfg.Metrics.ListenAddress)

	if v := os.Getenv(EnvMaxLoanAmount); v != "" {
		amount, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvMaxLoanAmount, err)
		}
		cfg.Protocol.MaxLoanAmount = amount
	}
	if v := os.Getenv(EnvCooldown); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvCooldown, err)
		}
		cfg.Protocol.Cooldown = d
	}
	if v := os.Getenv(EnvDebug); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvDebug, err)
		}
		cfg.Log.Debug = debug
	}
	return nil
}
