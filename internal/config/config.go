// Package config содержит логику чтения конфигурации сервиса розыгрышей.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/lottery-pool/internal/money"
)

const (
	defaultRunAddress    = "localhost:8080"
	defaultRoundDuration = 72 * time.Hour
	defaultCheckInterval = time.Minute
	defaultMaxDeposit    = "1000000"
)

// Config содержит параметры конфигурации сервиса розыгрышей.
type Config struct {
	RunAddress          string        `env:"RUN_ADDRESS"`
	DatabaseURI         string        `env:"DATABASE_URI"`
	RoundDuration       time.Duration `env:"ROUND_DURATION"`
	ExpiryCheckInterval time.Duration `env:"EXPIRY_CHECK_INTERVAL"`
	AuthSecret          string        `env:"AUTH_SECRET"`
	BeaconURL           string        `env:"BEACON_URL"`
	MaxDeposit          string        `env:"MAX_DEPOSIT"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами. Файл .env, если он есть,
// дополняет окружение, не перекрывая уже заданные переменные.
func Parse() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envCfg := *cfg

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.DurationVar(&cfg.RoundDuration, "round-duration", defaultRoundDuration, "round duration")
	flag.DurationVar(&cfg.ExpiryCheckInterval, "check-interval", defaultCheckInterval, "round expiry check interval")
	flag.StringVar(&cfg.AuthSecret, "s", "", "bearer token signing secret")
	flag.StringVar(&cfg.BeaconURL, "b", "", "randomness beacon address")
	flag.StringVar(&cfg.MaxDeposit, "max-deposit", defaultMaxDeposit, "maximum amount of a single deposit")

	flag.Parse()

	if envCfg.RunAddress != "" {
		cfg.RunAddress = envCfg.RunAddress
	}
	if envCfg.DatabaseURI != "" {
		cfg.DatabaseURI = envCfg.DatabaseURI
	}
	if envCfg.RoundDuration != 0 {
		cfg.RoundDuration = envCfg.RoundDuration
	}
	if envCfg.ExpiryCheckInterval != 0 {
		cfg.ExpiryCheckInterval = envCfg.ExpiryCheckInterval
	}
	if envCfg.AuthSecret != "" {
		cfg.AuthSecret = envCfg.AuthSecret
	}
	if envCfg.BeaconURL != "" {
		cfg.BeaconURL = envCfg.BeaconURL
	}
	if envCfg.MaxDeposit != "" {
		cfg.MaxDeposit = envCfg.MaxDeposit
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.RoundDuration <= 0 {
		return nil, fmt.Errorf("round duration must be positive, got %s", cfg.RoundDuration)
	}
	if _, err := cfg.MaxDepositAmount(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// MaxDepositAmount возвращает максимальную сумму депозита. Ноль снимает ограничение.
func (c *Config) MaxDepositAmount() (money.Amount, error) {
	d, err := decimal.NewFromString(c.MaxDeposit)
	if err != nil {
		return 0, fmt.Errorf("parse max deposit %q: %w", c.MaxDeposit, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("max deposit must not be negative, got %s", c.MaxDeposit)
	}
	amount, err := money.FromDecimal(d)
	if err != nil {
		return 0, fmt.Errorf("max deposit: %w", err)
	}
	return amount, nil
}
