// Package config loads engine configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full engine configuration.
type Config struct {
	App      AppConfig
	Redis    RedisConfig
	Postgres PostgresConfig
	Kafka    KafkaConfig
	Balance  BalanceConfig
	Game     GameConfig
}

// AppConfig covers the HTTP server.
type AppConfig struct {
	Addr            string
	LogLevel        string
	ShutdownTimeout time.Duration
}

// RedisConfig covers the channel store. Empty Addr selects the in-memory
// store instead.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// PostgresConfig covers the result archive. Empty DSN disables archiving.
type PostgresConfig struct {
	DSN string
}

// KafkaConfig covers the price tick feed. Empty Brokers disables the feed
// consumer.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// BalanceConfig covers the external profile/balance service.
type BalanceConfig struct {
	BaseURL string
	Timeout time.Duration
}

// GameConfig covers round mechanics.
type GameConfig struct {
	RoundDuration time.Duration
}

// Load reads configuration from environment variables prefixed INVEST_,
// after loading .env if one is present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		slog.Info("loaded .env file")
	}

	v := viper.New()
	v.SetEnvPrefix("INVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("app.addr", ":8080")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.shutdown_timeout", "10s")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.topic", "stock-ticks")
	v.SetDefault("kafka.group_id", "invest-engine")
	v.SetDefault("balance.base_url", "http://localhost:8081")
	v.SetDefault("balance.timeout", "5s")
	v.SetDefault("game.round_duration", "5m")

	cfg := &Config{
		App: AppConfig{
			Addr:            v.GetString("app.addr"),
			LogLevel:        v.GetString("app.log_level"),
			ShutdownTimeout: v.GetDuration("app.shutdown_timeout"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Postgres: PostgresConfig{
			DSN: v.GetString("postgres.dsn"),
		},
		Kafka: KafkaConfig{
			Topic:   v.GetString("kafka.topic"),
			GroupID: v.GetString("kafka.group_id"),
		},
		Balance: BalanceConfig{
			BaseURL: strings.TrimRight(v.GetString("balance.base_url"), "/"),
			Timeout: v.GetDuration("balance.timeout"),
		},
		Game: GameConfig{
			RoundDuration: v.GetDuration("game.round_duration"),
		},
	}

	if brokers := v.GetString("kafka.brokers"); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}

	if cfg.Balance.BaseURL == "" {
		return nil, fmt.Errorf("config: balance base URL must be set")
	}
	if cfg.Game.RoundDuration <= 0 {
		return nil, fmt.Errorf("config: round duration must be positive")
	}
	return cfg, nil
}

// SlogLevel maps the configured log level string to a slog.Level.
func (c AppConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
