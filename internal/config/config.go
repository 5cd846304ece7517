// Package config loads process configuration from the environment, with an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration
	LockTimeout time.Duration

	PriceUpdateInterval time.Duration
	PriceRetryBackoff   time.Duration
	PriceMaxDelta       decimal.Decimal
	LoanInterestRate    decimal.Decimal

	AutoStartPrices bool
	SeedData        bool
}

// Load reads .env (if present) and then the environment. Every invalid value
// is reported in the returned error.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: reading .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from environment variables only.
func FromEnv() (Config, error) {
	p := parser{}
	c := Config{
		Port:        p.str("PORT", "8080"),
		DatabaseURL: p.str("DATABASE_URL", ""),
		RedisURL:    p.str("REDIS_URL", ""),
		CacheTTL:    p.duration("CACHE_TTL", 30*time.Second),
		LockTimeout: p.duration("LOCK_TIMEOUT", 2*time.Second),

		PriceUpdateInterval: p.duration("PRICE_UPDATE_INTERVAL", 5*time.Minute),
		PriceRetryBackoff:   p.duration("PRICE_RETRY_BACKOFF", 60*time.Second),
		PriceMaxDelta:       p.decimal("PRICE_MAX_DELTA", decimal.NewFromFloat(0.10)),
		LoanInterestRate:    p.decimal("LOAN_INTEREST_RATE", decimal.NewFromFloat(0.05)),

		AutoStartPrices: p.boolean("AUTO_START_PRICES", true),
		SeedData:        p.boolean("SEED_DATA", true),
	}

	if !c.PriceMaxDelta.IsPositive() || c.PriceMaxDelta.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		p.fail("PRICE_MAX_DELTA", "must be in (0, 1)")
	}
	if c.LoanInterestRate.IsNegative() {
		p.fail("LOAN_INTEREST_RATE", "must not be negative")
	}
	if c.RedisURL != "" && c.DatabaseURL == "" {
		p.fail("REDIS_URL", "requires DATABASE_URL")
	}
	return c, errors.Join(p.errs...)
}

type parser struct {
	errs []error
}

func (p *parser) fail(key, msg string) {
	p.errs = append(p.errs, fmt.Errorf("invalid %s: %s", key, msg))
}

func (p *parser) str(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, err.Error())
		return def
	}
	if d <= 0 {
		p.fail(key, "must be positive")
		return def
	}
	return d
}

func (p *parser) decimal(key string, def decimal.Decimal) decimal.Decimal {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		p.fail(key, err.Error())
		return def
	}
	return d
}

func (p *parser) boolean(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, err.Error())
		return def
	}
	return b
}
