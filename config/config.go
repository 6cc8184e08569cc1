// Package config loads application configuration from environment
// variables, with an optional .env file for local runs.
package config

import (
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"spikewatch/internal/model"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Telegram
	TelegramToken string // default bot token; users may carry their own

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	SQLitePath    string
	MetricsAddr   string
	SentinelPath  string

	// Ingestion
	Exchanges string // comma-separated venue names
	Markets   string // comma-separated: spot, linear

	LogLevel string
}

// Load reads configuration from the environment. A .env file in the
// working directory is merged in first when present.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[config] .env: %v", err)
	}
	return &Config{
		TelegramToken: getEnv("TELEGRAM_TOKEN", ""),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		SQLitePath:    getEnv("SQLITE_PATH", "data/screener.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		SentinelPath:  getEnv("START_SENTINEL", "data/screener.started"),

		Exchanges: getEnv("EXCHANGES", "binance,bybit,bitget,gate,hyperliquid"),
		Markets:   getEnv("MARKETS", "spot,linear"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

// ParseExchanges returns the enabled venues, dropping unknown names.
func (c *Config) ParseExchanges() []model.Exchange {
	known := map[model.Exchange]bool{
		model.Binance: true, model.Bybit: true, model.Bitget: true,
		model.Gate: true, model.Hyperliquid: true,
	}
	var out []model.Exchange
	for _, p := range splitList(c.Exchanges) {
		ex := model.Exchange(p)
		if !known[ex] {
			log.Printf("[config] skipping unknown exchange: %q", p)
			continue
		}
		out = append(out, ex)
	}
	return out
}

// ParseMarkets returns the enabled markets, dropping unknown names.
func (c *Config) ParseMarkets() []model.Market {
	var out []model.Market
	for _, p := range splitList(c.Markets) {
		switch m := model.Market(p); m {
		case model.Spot, model.Linear:
			out = append(out, m)
		default:
			log.Printf("[config] skipping unknown market: %q", p)
		}
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
