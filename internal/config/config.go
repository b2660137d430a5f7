package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel        slog.Level    `yaml:"-"`
	HTTPAddr        string        `yaml:"http_addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`

	SourceURL      string        `yaml:"source_url" validate:"required,url"`
	PollInterval   time.Duration `yaml:"poll_interval" validate:"gt=0"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout" validate:"gt=0"`
	MinPositions   int           `yaml:"min_positions" validate:"gte=1"`
	MaxHistorySize int           `yaml:"max_history_size"`
	AutoStart      bool          `yaml:"auto_start"`

	ItemsPath   string   `yaml:"items_path"`
	IDField     string   `yaml:"id_field"`
	LonFields   []string `yaml:"lon_fields"`
	LatFields   []string `yaml:"lat_fields"`
	FilterField string   `yaml:"filter_field"`
	FilterValue string   `yaml:"filter_value"`

	TileZoomLevel int `yaml:"tile_zoom_level" validate:"gte=0,lte=22"`

	RedisEnabled  bool          `yaml:"redis_enabled"`
	RedisAddr     string        `yaml:"redis_addr" validate:"required_if=RedisEnabled true"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db" validate:"gte=0"`
	HistoryTTL    time.Duration `yaml:"history_ttl"`

	RateLimitPerWindow int           `yaml:"rate_limit_per_window" validate:"gte=0"`
	RateLimitWindow    time.Duration `yaml:"rate_limit_window" validate:"gt=0"`
	RateLimitWhitelist []string      `yaml:"rate_limit_whitelist"`
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() *Config {
	return &Config{
		LogLevel:        slog.LevelInfo,
		HTTPAddr:        ":8080",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 30 * time.Second,

		PollInterval:   5 * time.Second,
		FetchTimeout:   10 * time.Second,
		MinPositions:   2,
		MaxHistorySize: 10,
		AutoStart:      true,

		TileZoomLevel: 14,

		RedisAddr:  "localhost:6379",
		HistoryTTL: time.Hour,

		RateLimitPerWindow: 120,
		RateLimitWindow:    time.Minute,
	}
}

// Load builds the configuration from defaults, the optional YAML file named
// by CONFIG_FILE and then environment variables, in that order.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if cfg.SourceURL == "" {
		return nil, fmt.Errorf("SOURCE_URL environment variable is required")
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.LogLevel = getLogLevelEnv("LOG_LEVEL", c.LogLevel)
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.ReadTimeout = getDurationEnv("READ_TIMEOUT", c.ReadTimeout)
	c.WriteTimeout = getDurationEnv("WRITE_TIMEOUT", c.WriteTimeout)
	c.ShutdownTimeout = getDurationEnv("SHUTDOWN_TIMEOUT", c.ShutdownTimeout)

	c.SourceURL = getEnv("SOURCE_URL", c.SourceURL)
	c.PollInterval = getDurationEnv("POLL_INTERVAL", c.PollInterval)
	c.FetchTimeout = getDurationEnv("FETCH_TIMEOUT", c.FetchTimeout)
	c.MinPositions = getIntEnv("MIN_POSITIONS", c.MinPositions)
	c.MaxHistorySize = getIntEnv("MAX_HISTORY_SIZE", c.MaxHistorySize)
	c.AutoStart = getBoolEnv("AUTO_START", c.AutoStart)

	c.ItemsPath = getEnv("ITEMS_PATH", c.ItemsPath)
	c.IDField = getEnv("ID_FIELD", c.IDField)
	if v := getCSVEnv("LON_FIELDS"); v != nil {
		c.LonFields = v
	}
	if v := getCSVEnv("LAT_FIELDS"); v != nil {
		c.LatFields = v
	}
	c.FilterField = getEnv("FILTER_FIELD", c.FilterField)
	c.FilterValue = getEnv("FILTER_VALUE", c.FilterValue)

	c.TileZoomLevel = getIntEnv("TILE_ZOOM_LEVEL", c.TileZoomLevel)

	c.RedisEnabled = getBoolEnv("REDIS_ENABLED", c.RedisEnabled)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getIntEnv("REDIS_DB", c.RedisDB)
	c.HistoryTTL = getDurationEnv("HISTORY_TTL", c.HistoryTTL)

	c.RateLimitPerWindow = getIntEnv("RATE_LIMIT_PER_WINDOW", c.RateLimitPerWindow)
	c.RateLimitWindow = getDurationEnv("RATE_LIMIT_WINDOW", c.RateLimitWindow)
	if v := getCSVEnv("RATE_LIMIT_WHITELIST"); v != nil {
		c.RateLimitWhitelist = v
	}
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getBoolEnv(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func getLogLevelEnv(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}

	switch strings.ToLower(v) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return defaultVal
	}
}

func getCSVEnv(key string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}

	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			result = append(result, t)
		}
	}
	return result
}
