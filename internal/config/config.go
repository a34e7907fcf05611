// Package config содержит логику чтения конфигурации сервиса витрины.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса витрины.
type Config struct {
	RunAddress         string `env:"RUN_ADDRESS"`
	DatabaseURI        string `env:"DATABASE_URI"`
	PayPalAPIAddress   string `env:"PAYPAL_API_ADDRESS"`
	PayPalClientID     string `env:"PAYPAL_CLIENT_ID"`
	PayPalClientSecret string `env:"PAYPAL_CLIENT_SECRET"`
	AuthSecret         string `env:"AUTH_SECRET"`
	Currency           string `env:"CURRENCY"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envPayPalAddress := cfg.PayPalAPIAddress
	envCurrency := cfg.Currency

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.PayPalAPIAddress, "p", "https://api-m.sandbox.paypal.com", "PayPal API address")
	flag.StringVar(&cfg.Currency, "c", "USD", "currency code for checkout")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envPayPalAddress != "" {
		cfg.PayPalAPIAddress = envPayPalAddress
	}
	if envCurrency != "" {
		cfg.Currency = envCurrency
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	if cfg.AuthSecret == "" {
		cfg.AuthSecret = "storefront-secret"
	}

	return cfg, nil
}
