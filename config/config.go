package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config holds the application's configuration
type Config struct {
	BackendBaseURL          string        `mapstructure:"BACKEND_BASE_URL"`
	RequestTimeout          time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	SSEReconnectDelay       time.Duration `mapstructure:"SSE_RECONNECT_DELAY"`
	HistoryLimit            int           `mapstructure:"HISTORY_LIMIT"`
	EventsEnabled           bool          `mapstructure:"EVENTS_ENABLED"`
	WebPort                 int           `mapstructure:"WEB_PORT"`
	LogLevel                string        `mapstructure:"LOG_LEVEL"`
	StorageDriver           string        `mapstructure:"STORAGE_DRIVER"`
	StorageDSN              string        `mapstructure:"STORAGE_DSN"`
	StorageCacheSize        int           `mapstructure:"STORAGE_CACHE_SIZE"`
	RateLimitMessagesPerMin int           `mapstructure:"RATE_LIMIT_MESSAGES_PER_MIN"`
	RateLimitBurstSize      int           `mapstructure:"RATE_LIMIT_BURST_SIZE"`
	CacheCleanupInterval    time.Duration `mapstructure:"CACHE_CLEANUP_INTERVAL"`
}

func Load(logger *zap.Logger) *Config {
	var config Config
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")        // For running locally
	viper.AddConfigPath("../")      // For running from docker subdir
	viper.AddConfigPath("./config") // Common config folder
	viper.AutomaticEnv()

	// Set default values
	viper.SetDefault("BACKEND_BASE_URL", "http://localhost:8000/api/v1")
	viper.SetDefault("REQUEST_TIMEOUT", 30)
	viper.SetDefault("SSE_RECONNECT_DELAY", 3)
	viper.SetDefault("HISTORY_LIMIT", 20)
	viper.SetDefault("EVENTS_ENABLED", true)
	viper.SetDefault("WEB_PORT", 8080)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("STORAGE_DRIVER", "sqlite")
	viper.SetDefault("STORAGE_DSN", "travel-chat.db")
	viper.SetDefault("STORAGE_CACHE_SIZE", 256)
	viper.SetDefault("RATE_LIMIT_MESSAGES_PER_MIN", 20)
	viper.SetDefault("RATE_LIMIT_BURST_SIZE", 5)
	viper.SetDefault("CACHE_CLEANUP_INTERVAL", 600)

	if err := viper.ReadInConfig(); err != nil {
		if logger != nil {
			logger.Warn("Could not read config file, using defaults/env vars", zap.Error(err))
		}
	}

	if err := viper.Unmarshal(&config, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		secondsHook,
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		// Config unmarshaling is critical - fail fast during bootstrap
		if logger != nil {
			logger.Fatal("Unable to decode config into struct", zap.Error(err))
		} else {
			fmt.Fprintf(os.Stderr, "FATAL: Unable to decode config into struct: %v\n", err)
			os.Exit(1)
		}
	}

	config.normalize()
	return &config
}

// secondsHook lets duration keys come from the environment as whole seconds
// ("30") or as Go durations ("1m30s"). Either way the field holds a second
// count until normalize runs.
func secondsHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}

	raw := strings.TrimSpace(data.(string))
	if raw == "" {
		return int64(0), nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	return int64(d / time.Second), nil
}

// normalize converts second counts to durations and fills in values that
// must never be zero.
func (c *Config) normalize() {
	c.BackendBaseURL = strings.TrimRight(strings.TrimSpace(c.BackendBaseURL), "/")
	c.StorageDriver = strings.ToLower(strings.TrimSpace(c.StorageDriver))

	// Convert seconds to proper time.Duration
	c.RequestTimeout = c.RequestTimeout * time.Second
	c.SSEReconnectDelay = c.SSEReconnectDelay * time.Second
	c.CacheCleanupInterval = c.CacheCleanupInterval * time.Second

	if c.SSEReconnectDelay <= 0 {
		c.SSEReconnectDelay = 3 * time.Second
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 20
	}
	if c.RateLimitBurstSize <= 0 {
		c.RateLimitBurstSize = 1
	}
}
