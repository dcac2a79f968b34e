// Package config содержит логику чтения конфигурации сервиса ecokoin.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config содержит параметры конфигурации сервиса ecokoin.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`
	AuthSecret  string `env:"AUTH_SECRET"`

	VoucherSecret string `env:"VOUCHER_SECRET"`

	GeminiAPIKey        string        `env:"GEMINI_API_KEY"`
	GeminiURL           string        `env:"GEMINI_URL" envDefault:"https://generativelanguage.googleapis.com"`
	GeminiModel         string        `env:"GEMINI_MODEL" envDefault:"gemini-3-flash-preview"`
	GeminiIdentityModel string        `env:"GEMINI_IDENTITY_MODEL" envDefault:"gemini-3-pro-preview"`
	VerifyTimeout       time.Duration `env:"VERIFY_TIMEOUT" envDefault:"20s"`
	VerifyRetries       int           `env:"VERIFY_RETRIES" envDefault:"2"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedemptionRPM int    `env:"REDEMPTION_RATE_PER_MINUTE" envDefault:"5"`
	DepositRPM    int    `env:"DEPOSIT_RATE_PER_MINUTE" envDefault:"30"`
	ResetPerHour  int    `env:"PASSWORD_RESET_RATE_PER_HOUR" envDefault:"5"`

	AMQPURL      string `env:"AMQP_URL"`
	AMQPExchange string `env:"AMQP_EXCHANGE" envDefault:"ecokoin_events"`

	ReconcileSchedule string `env:"RECONCILE_SCHEDULE" envDefault:"@every 15m"`
	SeedFile          string `env:"SEED_FILE"`
	SkipSeed          bool   `env:"SKIP_SEED"`

	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:5173"`
}

// Parse считывает конфигурацию из файла .env (если есть), флагов командной строки
// и переменных окружения. Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envAuthSecret := cfg.AuthSecret
	envSeedFile := cfg.SeedFile

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI (in-memory storage when empty)")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret for signing auth tokens")
	flag.StringVar(&cfg.SeedFile, "seed", "", "path to YAML seed file (built-in data when empty)")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envSeedFile != "" {
		cfg.SeedFile = envSeedFile
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.VoucherSecret == "" {
		cfg.VoucherSecret = cfg.AuthSecret
	}
	cfg.GeminiURL = strings.TrimRight(cfg.GeminiURL, "/")

	return cfg, nil
}
