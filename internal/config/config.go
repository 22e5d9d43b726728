// Package config loads service configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Port        string
	DatabaseURL string // empty → in-memory ledger (dev only)
	RedisURL    string // empty → signal consumer and quote cache disabled

	BrokerBaseURL   string // trading API, paper account
	BrokerDataURL   string // market data API
	BrokerAPIKey    string
	BrokerAPISecret string

	ReconcileInterval time.Duration
	ReconcileBatch    int
	StartingBalance   decimal.Decimal
	SignalStream      string
	SignalGroup       string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnvDefault("PORT", "8080"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		BrokerBaseURL:   getEnvDefault("BROKER_BASE_URL", "https://paper-api.alpaca.markets"),
		BrokerDataURL:   getEnvDefault("BROKER_DATA_URL", "https://data.alpaca.markets"),
		BrokerAPIKey:    os.Getenv("BROKER_API_KEY"),
		BrokerAPISecret: os.Getenv("BROKER_API_SECRET"),
		ReconcileBatch:  50,
		SignalStream:    getEnvDefault("SIGNAL_STREAM", "trade_signals"),
		SignalGroup:     getEnvDefault("SIGNAL_GROUP", "gateway"),
	}

	if cfg.BrokerAPIKey == "" || cfg.BrokerAPISecret == "" {
		return nil, fmt.Errorf("BROKER_API_KEY and BROKER_API_SECRET are required")
	}

	interval := getEnvDefault("RECONCILE_INTERVAL", "10s")
	d, err := time.ParseDuration(interval)
	if err != nil || d <= 0 {
		return nil, fmt.Errorf("RECONCILE_INTERVAL must be a positive duration, got %q", interval)
	}
	cfg.ReconcileInterval = d

	balance := getEnvDefault("STARTING_BALANCE", "100000")
	cfg.StartingBalance, err = decimal.NewFromString(balance)
	if err != nil || cfg.StartingBalance.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("STARTING_BALANCE must be a positive decimal, got %q", balance)
	}

	return cfg, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
