package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the argus CLI. Every value can be
// set in config.yaml or overridden through ARGUS_* environment
// variables.
type Config struct {
	Logging struct {
		Level  string `mapstructure:"level"`  // debug, info, warn, error
		Format string `mapstructure:"format"` // console or json
	} `mapstructure:"logging"`

	// DataPaths holds data directory configuration. StorePath derives
	// from DataDir when left empty.
	DataPaths struct {
		DataDir   string `mapstructure:"data_dir"`   // ARGUS_DATA_DIR, default: ./data
		StorePath string `mapstructure:"store_path"` // ARGUS_STORE_PATH, default: ${DataDir}/argus.db
	} `mapstructure:"data_paths"`

	Rules struct {
		Dir string `mapstructure:"dir"` // rule documents directory (ARGUS_RULES_DIR)
	} `mapstructure:"rules"`

	Engine struct {
		RegexTimeout     time.Duration `mapstructure:"regex_timeout"` // per-match bound for rule regexes
		PayloadCacheSize int           `mapstructure:"payload_cache_size"`
		ValueCacheSize   int           `mapstructure:"value_cache_size"`
	} `mapstructure:"engine"`

	Watch struct {
		Interval   time.Duration `mapstructure:"interval"`   // poll interval for the events file
		Checkpoint string        `mapstructure:"checkpoint"` // runner state file, empty = in-memory only
		RateLimit  float64       `mapstructure:"rate_limit"` // detection runs per second
		Burst      int           `mapstructure:"burst"`
	} `mapstructure:"watch"`

	Anomaly struct {
		DiscountRate   float64       `mapstructure:"discount_rate"` // SDAR discount rate, 0 < r < 1
		Order          int           `mapstructure:"order"`
		Smooth         int           `mapstructure:"smooth"`
		Threshold      float64       `mapstructure:"threshold"` // peak score at or over this flags the entity
		BucketInterval time.Duration `mapstructure:"bucket_interval"`
		EntityField    string        `mapstructure:"entity_field"` // event field the timeline groups on
	} `mapstructure:"anomaly"`
}

func setDefaults() {
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "console")

	// Data paths; store_path empty = derive from data_dir
	viper.SetDefault("data_paths.data_dir", "./data")
	viper.SetDefault("data_paths.store_path", "")

	viper.SetDefault("rules.dir", "./rules")

	viper.SetDefault("engine.regex_timeout", 100*time.Millisecond)
	viper.SetDefault("engine.payload_cache_size", 4096)
	viper.SetDefault("engine.value_cache_size", 16384)

	viper.SetDefault("watch.interval", 5*time.Second)
	viper.SetDefault("watch.checkpoint", "")
	viper.SetDefault("watch.rate_limit", 1.0) // one detection run per second
	viper.SetDefault("watch.burst", 1)

	viper.SetDefault("anomaly.discount_rate", 0.05)
	viper.SetDefault("anomaly.order", 1)
	viper.SetDefault("anomaly.smooth", 5)
	viper.SetDefault("anomaly.threshold", 8.0)
	viper.SetDefault("anomaly.bucket_interval", time.Hour)
	viper.SetDefault("anomaly.entity_field", "TargetUserName")
}

func loadFromEnv() {
	viper.SetEnvPrefix("ARGUS")
	viper.AutomaticEnv()

	// Explicit bindings for the settings people override most, so the
	// env var names stay short
	_ = viper.BindEnv("data_paths.data_dir", "ARGUS_DATA_DIR")
	_ = viper.BindEnv("data_paths.store_path", "ARGUS_STORE_PATH")
	_ = viper.BindEnv("rules.dir", "ARGUS_RULES_DIR")
	_ = viper.BindEnv("logging.level", "ARGUS_LOG_LEVEL")
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()
	loadFromEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, will use defaults and env vars
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, err
	}

	config.ResolveDataPaths()

	return &config, nil
}

// ResolveDataPaths resolves all data paths, deriving from DataDir when
// not explicitly set.
func (c *Config) ResolveDataPaths() {
	dataDir := c.DataPaths.DataDir
	if dataDir == "" {
		dataDir = "./data"
	}

	if c.DataPaths.StorePath == "" {
		c.DataPaths.StorePath = filepath.Join(dataDir, "argus.db")
	} else if !filepath.IsAbs(c.DataPaths.StorePath) {
		c.DataPaths.StorePath = filepath.Clean(c.DataPaths.StorePath)
	}

	c.DataPaths.DataDir = dataDir
}

// GetStorePath returns the resolved rule store path.
func (c *Config) GetStorePath() string {
	if c.DataPaths.StorePath == "" {
		dataDir := c.DataPaths.DataDir
		if dataDir == "" {
			dataDir = "./data"
		}
		return filepath.Join(dataDir, "argus.db")
	}
	return c.DataPaths.StorePath
}

// validateConfig validates the configuration for correctness
func validateConfig(config *Config) error {
	switch config.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level %q: must be debug, info, warn or error", config.Logging.Level)
	}

	switch config.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid logging format %q: must be console or json", config.Logging.Format)
	}

	if config.Engine.RegexTimeout <= 0 {
		return fmt.Errorf("engine.regex_timeout must be positive")
	}
	if config.Engine.PayloadCacheSize < 0 || config.Engine.ValueCacheSize < 0 {
		return fmt.Errorf("engine cache sizes cannot be negative")
	}

	if config.Watch.Interval <= 0 {
		return fmt.Errorf("watch.interval must be positive")
	}
	if config.Watch.RateLimit <= 0 {
		return fmt.Errorf("watch.rate_limit must be positive")
	}
	if config.Watch.Burst < 1 {
		return fmt.Errorf("watch.burst must be at least 1")
	}

	if config.Anomaly.DiscountRate <= 0 || config.Anomaly.DiscountRate >= 1 {
		return fmt.Errorf("anomaly.discount_rate must be between 0 and 1 exclusive")
	}
	if config.Anomaly.Order < 1 {
		return fmt.Errorf("anomaly.order must be at least 1")
	}
	if config.Anomaly.Smooth < 2 {
		return fmt.Errorf("anomaly.smooth must be at least 2")
	}
	if config.Anomaly.Threshold <= 0 {
		return fmt.Errorf("anomaly.threshold must be positive")
	}
	if config.Anomaly.BucketInterval <= 0 {
		return fmt.Errorf("anomaly.bucket_interval must be positive")
	}
	if config.Anomaly.EntityField == "" {
		return fmt.Errorf("anomaly.entity_field cannot be empty")
	}

	return nil
}
