package config

import (
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds all client configuration
type Config struct {
	// API endpoints
	APIBaseURL  string `validate:"required,url"`
	RealtimeURL string `validate:"omitempty,url"`

	Environment string

	// Session
	RefreshInterval time.Duration `validate:"min=1m"`

	// Local storage
	StoragePath string `validate:"required"`

	// Notifications
	PageSize int `validate:"min=1,max=100"`

	// Realtime reconnect pacing; reconnects happen on this fixed interval,
	// never in a tight loop.
	ReconnectInterval time.Duration `validate:"min=1s"`

	// Logging
	LogLevel string

	// Optional JSON overrides file watched for hot reload
	OverridesPath string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		APIBaseURL:  getEnv("API_BASE_URL", "http://localhost:8000/api"),
		RealtimeURL: getEnv("REALTIME_URL", ""),
		Environment: getEnv("ENVIRONMENT", "development"),

		RefreshInterval:   getEnvDuration("REFRESH_INTERVAL", 10*time.Minute),
		StoragePath:       getEnv("STORAGE_PATH", defaultStoragePath()),
		PageSize:          getEnvInt("NOTIFICATIONS_PAGE_SIZE", 20),
		ReconnectInterval: getEnvDuration("RECONNECT_INTERVAL", 15*time.Second),

		LogLevel:      getEnv("LOG_LEVEL", "info"),
		OverridesPath: getEnv("CONFIG_OVERRIDES_PATH", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Load is an alias for LoadConfig
func Load() (*Config, error) {
	return LoadConfig()
}

// Validate checks if all required configuration is present
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

// IsDevelopment checks if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction checks if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func defaultStoragePath() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + "/socialclient"
	}
	return ".socialclient"
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration gets a duration environment variable with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
