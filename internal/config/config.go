// Package config содержит логику чтения конфигурации сервиса приёма платежей.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса приёма платежей.
type Config struct {
	RunAddress       string        `env:"RUN_ADDRESS"`
	DatabaseURI      string        `env:"DATABASE_URI"`
	GatewayAddress   string        `env:"GATEWAY_ADDRESS"`
	GatewayShortcode string        `env:"GATEWAY_SHORTCODE"`
	AuthSecret       string        `env:"AUTH_SECRET"`
	PollInterval     time.Duration `env:"POLL_INTERVAL"`
	PollMaxAttempts  int           `env:"POLL_MAX_ATTEMPTS"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envGatewayAddress := cfg.GatewayAddress
	envGatewayShortcode := cfg.GatewayShortcode
	envAuthSecret := cfg.AuthSecret
	envPollInterval := cfg.PollInterval
	envPollMaxAttempts := cfg.PollMaxAttempts

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.GatewayAddress, "r", "", "payment gateway address")
	flag.StringVar(&cfg.GatewayShortcode, "s", "", "payment gateway shortcode")
	flag.StringVar(&cfg.AuthSecret, "k", "till-secret", "operator auth secret key")
	flag.DurationVar(&cfg.PollInterval, "i", 5*time.Second, "gateway status poll interval")
	flag.IntVar(&cfg.PollMaxAttempts, "n", 24, "maximum status poll attempts")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envGatewayAddress != "" {
		cfg.GatewayAddress = envGatewayAddress
	}
	if envGatewayShortcode != "" {
		cfg.GatewayShortcode = envGatewayShortcode
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envPollInterval != 0 {
		cfg.PollInterval = envPollInterval
	}
	if envPollMaxAttempts != 0 {
		cfg.PollMaxAttempts = envPollMaxAttempts
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.PollMaxAttempts <= 0 {
		cfg.PollMaxAttempts = 24
	}

	return cfg, nil
}
