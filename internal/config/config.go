// Package config provides configuration management for the trading application.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Simulator SimulatorConfig `mapstructure:"simulator"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Account   AccountConfig   `mapstructure:"account"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds the HTTP/WebSocket listener configuration.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SimulatorConfig holds price simulator configuration.
type SimulatorConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Interval        time.Duration `mapstructure:"interval"`
	MaxMovePercent  float64       `mapstructure:"max_move_percent"`
	PriceFloor      float64       `mapstructure:"price_floor"`
	MaxVolumeStep   int64         `mapstructure:"max_volume_step"`
	Workers         int           `mapstructure:"workers"`
	Seed            uint64        `mapstructure:"seed"` // 0 = random
	SeedInstruments bool          `mapstructure:"seed_instruments"`
}

// StreamConfig holds broadcaster configuration.
type StreamConfig struct {
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	WriteWait        time.Duration `mapstructure:"write_wait"`
}

// TradingConfig holds trading-related configuration.
type TradingConfig struct {
	DefaultExchange       string `mapstructure:"default_exchange"` // NSE, BSE
	DefaultProduct        string `mapstructure:"default_product"`  // DELIVERY, INTRADAY
	EvaluateRestingOrders bool   `mapstructure:"evaluate_resting_orders"`
	LockStripes           int    `mapstructure:"lock_stripes"`
}

// AccountConfig holds the cash ledger configuration.
type AccountConfig struct {
	DemoUser       string  `mapstructure:"demo_user"`
	InitialBalance float64 `mapstructure:"initial_balance"`
	EnforceBalance bool    `mapstructure:"enforce_balance"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite, memory, postgres
	Path     string `mapstructure:"path"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/paper-trader"
	}
	return filepath.Join(home, ".config", "paper-trader")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	cfg := &Config{}

	if err := loadConfigFile(configDir, "config", cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(configDir, "paper-trader.db")
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":3002")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("simulator.enabled", true)
	v.SetDefault("simulator.interval", 2*time.Second)
	v.SetDefault("simulator.max_move_percent", 2.0)
	v.SetDefault("simulator.price_floor", 1.0)
	v.SetDefault("simulator.max_volume_step", 1000)
	v.SetDefault("simulator.workers", 4)
	v.SetDefault("simulator.seed", 0)
	v.SetDefault("simulator.seed_instruments", true)

	v.SetDefault("stream.subscriber_buffer", 256)
	v.SetDefault("stream.ping_interval", 30*time.Second)
	v.SetDefault("stream.write_wait", 10*time.Second)

	v.SetDefault("trading.default_exchange", "NSE")
	v.SetDefault("trading.default_product", "DELIVERY")
	v.SetDefault("trading.evaluate_resting_orders", false)
	v.SetDefault("trading.lock_stripes", 64)

	v.SetDefault("account.demo_user", "demo_user_123")
	v.SetDefault("account.initial_balance", 1000000.0)
	v.SetDefault("account.enforce_balance", true)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.max_conns", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", true)
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.max_age", 30)
}

func loadConfigFile(configDir, name string, target interface{}) error {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
		// Config file not found, create template and continue with defaults
		if err := createTemplateConfig(configDir, name); err != nil {
			return err
		}
	}

	return v.Unmarshal(target)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PAPER_TRADER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("PAPER_TRADER_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("PAPER_TRADER_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("PAPER_TRADER_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("PAPER_TRADER_DEMO_USER"); v != "" {
		cfg.Account.DemoUser = v
	}
	if v := os.Getenv("PAPER_TRADER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PAPER_TRADER_SIM_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Simulator.Interval = d
		}
	}
	if v := os.Getenv("PAPER_TRADER_EVALUATE_RESTING_ORDERS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Trading.EvaluateRestingOrders = b
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Simulator.Interval <= 0 {
		return fmt.Errorf("simulator.interval must be positive")
	}
	if c.Simulator.MaxMovePercent <= 0 || c.Simulator.MaxMovePercent > 100 {
		return fmt.Errorf("simulator.max_move_percent must be between 0 and 100")
	}
	if c.Simulator.PriceFloor <= 0 {
		return fmt.Errorf("simulator.price_floor must be positive")
	}
	if c.Simulator.MaxVolumeStep < 1 {
		return fmt.Errorf("simulator.max_volume_step must be at least 1")
	}
	if c.Simulator.Workers < 1 {
		return fmt.Errorf("simulator.workers must be at least 1")
	}

	if c.Stream.SubscriberBuffer < 1 {
		return fmt.Errorf("stream.subscriber_buffer must be at least 1")
	}

	switch strings.ToUpper(c.Trading.DefaultExchange) {
	case "NSE", "BSE":
	default:
		return fmt.Errorf("invalid default exchange: %s (must be 'NSE' or 'BSE')", c.Trading.DefaultExchange)
	}
	switch strings.ToUpper(c.Trading.DefaultProduct) {
	case "DELIVERY", "INTRADAY":
	default:
		return fmt.Errorf("invalid default product: %s (must be 'DELIVERY' or 'INTRADAY')", c.Trading.DefaultProduct)
	}

	if c.Account.DemoUser == "" {
		return fmt.Errorf("account.demo_user must be set")
	}
	if c.Account.InitialBalance < 0 {
		return fmt.Errorf("account.initial_balance must be non-negative")
	}

	switch c.Store.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("invalid store driver: %s (must be 'memory', 'sqlite' or 'postgres')", c.Store.Driver)
	}

	return nil
}
