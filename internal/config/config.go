// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/foliotrack/foliotrack/internal/modules/settings"
)

// Config holds application configuration
type Config struct {
	DataDir      string // Base directory for all databases (always absolute)
	Port         int
	DevMode      bool
	LogLevel     string
	BaseCurrency string // Currency all portfolio values are aggregated into

	// Schwab OAuth application credentials. Loaded from env, can be
	// overridden at runtime from the settings database.
	SchwabAppKey    string
	SchwabAppSecret string

	// Defaults for the desktop gateway connection. Per-account values in
	// the connection_settings table take precedence.
	GatewayHost     string
	GatewayPort     int
	GatewayClientID int

	// S3 backup configuration (backups disabled when bucket is empty)
	BackupBucket    string
	BackupEndpoint  string
	BackupAccessKey string
	BackupSecretKey string
	BackupRetention int // Days to keep backups; 0 keeps everything
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("FOLIOTRACK_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:         absDataDir,
		Port:            getEnvAsInt("PORT", 8080),
		DevMode:         getEnvAsBool("DEV_MODE", false),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		BaseCurrency:    getEnv("BASE_CURRENCY", "USD"),
		SchwabAppKey:    getEnv("SCHWAB_APP_KEY", ""),
		SchwabAppSecret: getEnv("SCHWAB_APP_SECRET", ""),
		GatewayHost:     getEnv("GATEWAY_HOST", "127.0.0.1"),
		GatewayPort:     getEnvAsInt("GATEWAY_PORT", 5000),
		GatewayClientID: getEnvAsInt("GATEWAY_CLIENT_ID", 1),
		BackupBucket:    getEnv("BACKUP_S3_BUCKET", ""),
		BackupEndpoint:  getEnv("BACKUP_S3_ENDPOINT", ""),
		BackupAccessKey: getEnv("BACKUP_S3_ACCESS_KEY", ""),
		BackupSecretKey: getEnv("BACKUP_S3_SECRET_KEY", ""),
		BackupRetention: getEnvAsInt("BACKUP_RETENTION", 7),
	}

	return cfg, nil
}

// UpdateFromSettings updates configuration from the settings database.
// Settings DB values take precedence over environment variables, which lets
// users rotate credentials via the UI without restarting the application.
func (c *Config) UpdateFromSettings(settingsRepo *settings.Repository) error {
	appKey, err := settingsRepo.Get("schwab_app_key")
	if err != nil {
		return fmt.Errorf("failed to get schwab_app_key from settings: %w", err)
	}
	if appKey != nil && *appKey != "" {
		c.SchwabAppKey = *appKey
	}

	appSecret, err := settingsRepo.Get("schwab_app_secret")
	if err != nil {
		return fmt.Errorf("failed to get schwab_app_secret from settings: %w", err)
	}
	if appSecret != nil && *appSecret != "" {
		c.SchwabAppSecret = *appSecret
	}

	baseCurrency, err := settingsRepo.Get("base_currency")
	if err != nil {
		return fmt.Errorf("failed to get base_currency from settings: %w", err)
	}
	if baseCurrency != nil && *baseCurrency != "" {
		c.BaseCurrency = *baseCurrency
	}

	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
