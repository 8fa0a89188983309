package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Exchange   Exchange   `mapstructure:"exchange"`
	Trading    Trading    `mapstructure:"trading"`
	Conversion Conversion `mapstructure:"conversion"`
	Withdrawal Withdrawal `mapstructure:"withdrawal"`
	Email      Email      `mapstructure:"email"`
	Logger     Logger     `mapstructure:"logger"`
	Server     Server     `mapstructure:"server"`
	Database   Database   `mapstructure:"database"`
}

// Exchange holds the configuration for the Bybit API.
type Exchange struct {
	ApiKey         string  `mapstructure:"apiKey"`
	SecretKey      string  `mapstructure:"secretKey"`
	Testnet        bool    `mapstructure:"testnet"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
}

// Trading holds the configuration for a single trade cycle.
type Trading struct {
	Symbol          string  `mapstructure:"symbol"`
	Side            string  `mapstructure:"side"` // "long" or "short"
	Quantity        float64 `mapstructure:"quantity"`
	Leverage        int     `mapstructure:"leverage"`
	MarginMode      string  `mapstructure:"margin_mode"`
	ProfitThreshold float64 `mapstructure:"profit_threshold"` // quote currency
	MonitorInterval int     `mapstructure:"monitor_interval"` // seconds
	MaxRetries      int     `mapstructure:"max_retries"`
	RetryDelay      int     `mapstructure:"retry_delay"` // seconds
	Continuous      bool    `mapstructure:"continuous"`
}

// Conversion holds the configuration for converting closed-trade proceeds.
type Conversion struct {
	Enabled        bool   `mapstructure:"enabled"`
	TargetAsset    string `mapstructure:"target_asset"`
	SettleTimeout  int    `mapstructure:"settle_timeout"`  // seconds to wait for converted funds
	SettleInterval int    `mapstructure:"settle_interval"` // seconds between balance polls
}

// Withdrawal holds the configuration for withdrawing converted proceeds.
type Withdrawal struct {
	Enabled   bool    `mapstructure:"enabled"`
	Address   string  `mapstructure:"address"`
	Network   string  `mapstructure:"network"`
	MinAmount float64 `mapstructure:"min_amount"`
}

// Email holds the configuration for SMTP notifications.
type Email struct {
	Enabled   bool   `mapstructure:"enabled"`
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	Recipient string `mapstructure:"recipient"`
}

// Server holds the configuration for the operator API server.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("yml")    // or yaml, json

	// Allow environment variables to override config file
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("exchange.rate_limit", 10) // requests per second
	viper.SetDefault("exchange.rate_limit_burst", 5)
	viper.SetDefault("exchange.timeout_seconds", 10)
	viper.SetDefault("trading.leverage", 10)
	viper.SetDefault("trading.margin_mode", "isolated")
	viper.SetDefault("trading.profit_threshold", 50)
	viper.SetDefault("trading.monitor_interval", 5)
	viper.SetDefault("trading.max_retries", 3)
	viper.SetDefault("trading.retry_delay", 2)
	viper.SetDefault("conversion.enabled", true)
	viper.SetDefault("conversion.target_asset", "USDT")
	viper.SetDefault("conversion.settle_timeout", 60)
	viper.SetDefault("conversion.settle_interval", 5)
	viper.SetDefault("withdrawal.network", "BSC")
	viper.SetDefault("withdrawal.min_amount", 10)
	viper.SetDefault("database.dsn", "data/trading_bot.db")

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	return
}
