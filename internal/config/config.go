package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config defines vendpoint service configuration.
type Config struct {
	HTTP struct {
		Port string `yaml:"port" env:"VEND_HTTP_PORT"`
	} `yaml:"http"`
	Database struct {
		DSN string `yaml:"dsn" env:"VEND_POSTGRES_DSN"`
	} `yaml:"database"`
	Redis struct {
		Addr     string `yaml:"addr" env:"VEND_REDIS_ADDR"`
		Password string `yaml:"password" env:"VEND_REDIS_PASSWORD"`
		TTL      int    `yaml:"ttlSeconds" env:"VEND_REDIS_TTL"`
	} `yaml:"redis"`
	Payment struct {
		KeyID        string `yaml:"keyId" env:"VEND_PAYMENT_KEY_ID"`
		KeySecret    string `yaml:"keySecret" env:"VEND_PAYMENT_KEY_SECRET"`
		BaseURL      string `yaml:"baseUrl" env:"VEND_PAYMENT_BASE_URL"`
		Amount       int64  `yaml:"amount" env:"VEND_PAYMENT_AMOUNT"`
		Currency     string `yaml:"currency" env:"VEND_PAYMENT_CURRENCY"`
		VerifyAmount bool   `yaml:"verifyAmount" env:"VEND_PAYMENT_VERIFY_AMOUNT"`
	} `yaml:"payment"`
	Device struct {
		Secret      string `yaml:"secret" env:"VEND_DEVICE_SECRET"`
		StaticToken string `yaml:"staticToken" env:"VEND_DEVICE_STATIC_TOKEN"`
	} `yaml:"device"`
	Admin struct {
		Username     string `yaml:"username" env:"VEND_ADMIN_USERNAME"`
		PasswordHash string `yaml:"passwordHash" env:"VEND_ADMIN_PASSWORD_HASH"`
		JWTSecret    string `yaml:"jwtSecret" env:"VEND_ADMIN_JWT_SECRET"`
		TokenTTLMin  int    `yaml:"tokenTtlMinutes" env:"VEND_ADMIN_TOKEN_TTL"`
	} `yaml:"admin"`
	Vending struct {
		InitialStock      int `yaml:"initialStock" env:"VEND_INITIAL_STOCK"`
		RotationLimit     int `yaml:"rotationLimit" env:"VEND_ROTATION_LIMIT"`
		LowStockThreshold int `yaml:"lowStockThreshold" env:"VEND_LOW_STOCK_THRESHOLD"`
	} `yaml:"vending"`
	SMTP struct {
		Host      string `yaml:"host" env:"VEND_SMTP_HOST"`
		Port      int    `yaml:"port" env:"VEND_SMTP_PORT"`
		Username  string `yaml:"username" env:"VEND_SMTP_USERNAME"`
		Password  string `yaml:"password" env:"VEND_SMTP_PASSWORD"`
		From      string `yaml:"from" env:"VEND_SMTP_FROM"`
		Recipient string `yaml:"recipient" env:"VEND_SMTP_RECIPIENT"`
	} `yaml:"smtp"`
}

// Load reads configuration and applies defaults and validation.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.HTTP.Port = "8080"
	cfg.Redis.TTL = 86400
	cfg.Payment.BaseURL = "https://api.razorpay.com"
	cfg.Payment.Amount = 100
	cfg.Payment.Currency = "INR"
	cfg.Admin.TokenTTLMin = 60
	cfg.Vending.InitialStock = 10
	cfg.Vending.RotationLimit = 3
	cfg.Vending.LowStockThreshold = 5
	cfg.SMTP.Port = 587

	if err := load(cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return nil, errors.New("config: database dsn required")
	}
	if strings.TrimSpace(cfg.Payment.KeyID) == "" || strings.TrimSpace(cfg.Payment.KeySecret) == "" {
		return nil, errors.New("config: payment gateway credentials required")
	}
	if strings.TrimSpace(cfg.Device.Secret) == "" {
		return nil, errors.New("config: device secret required")
	}
	if strings.TrimSpace(cfg.Admin.JWTSecret) == "" {
		return nil, errors.New("config: admin jwt secret required")
	}
	if cfg.Payment.Amount <= 0 {
		return nil, errors.New("config: payment amount must be positive")
	}
	if cfg.Vending.InitialStock < 0 {
		return nil, errors.New("config: initial stock must not be negative")
	}
	return cfg, nil
}

// HTTPAddress returns :port style.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

// CacheTTL returns the redis mirror TTL as duration.
func (c *Config) CacheTTL() time.Duration {
	if c.Redis.TTL <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Redis.TTL) * time.Second
}

// AdminTokenTTL returns admin JWT lifetime.
func (c *Config) AdminTokenTTL() time.Duration {
	if c.Admin.TokenTTLMin <= 0 {
		return time.Hour
	}
	return time.Duration(c.Admin.TokenTTLMin) * time.Minute
}
