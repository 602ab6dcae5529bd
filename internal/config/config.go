// Package config loads process configuration from the environment, after
// reading an optional .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"

	"github.com/instoredealz/claim-service/internal/pin"
	"github.com/instoredealz/claim-service/pkg/db"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Config struct {
	Port        string
	StoreDriver string
	SeedFile    string
	AutoMigrate bool
	DB          db.PostgresConfig

	JWTSecret string
	JWTIssuer string
	LogLevel  slog.Level

	TelegramToken  string
	TelegramChatID int64

	VerifyRatePerMinute float64
	VerifyRateBurst     int
	DealCacheTTL        time.Duration
	PINBcryptCost       int
}

// Load reads .env (if present) and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from the process environment only.
func FromEnv() (Config, error) {
	var (
		cfg Config
		err error
	)
	cfg.Port = envOr("PORT", "8080")
	cfg.StoreDriver = strings.ToLower(envOr("STORE_DRIVER", StoreDriverPostgres))
	cfg.SeedFile = os.Getenv("SEED_FILE")
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.JWTIssuer = os.Getenv("JWT_ISSUER")
	cfg.TelegramToken = os.Getenv("TELEGRAM_TOKEN")

	if cfg.AutoMigrate, err = parseBool("AUTO_MIGRATE", false); err != nil {
		return Config{}, err
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(envOr("LOG_LEVEL", "info"))); err != nil {
		return Config{}, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	if raw := os.Getenv("TELEGRAM_CHAT_ID"); raw != "" {
		if cfg.TelegramChatID, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return Config{}, fmt.Errorf("invalid TELEGRAM_CHAT_ID %q", raw)
		}
	}
	if cfg.VerifyRatePerMinute, err = parseFloat("VERIFY_RATE_PER_MINUTE", 30); err != nil {
		return Config{}, err
	}
	if cfg.VerifyRateBurst, err = parseInt("VERIFY_RATE_BURST", 10); err != nil {
		return Config{}, err
	}
	if cfg.PINBcryptCost, err = parseInt("PIN_BCRYPT_COST", pin.DefaultCost); err != nil {
		return Config{}, err
	}
	ttl := envOr("DEAL_CACHE_TTL", "1m")
	if cfg.DealCacheTTL, err = time.ParseDuration(ttl); err != nil {
		return Config{}, fmt.Errorf("invalid DEAL_CACHE_TTL %q", ttl)
	}
	if cfg.StoreDriver == StoreDriverPostgres {
		if cfg.DB, err = db.LoadPostgresConfig(); err != nil {
			return Config{}, err
		}
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		return errors.New("JWT_SECRET must be set")
	}
	if c.TelegramToken != "" && c.TelegramChatID == 0 {
		return errors.New("TELEGRAM_CHAT_ID must be set when TELEGRAM_TOKEN is")
	}
	if c.VerifyRatePerMinute <= 0 || c.VerifyRateBurst <= 0 {
		return errors.New("VERIFY_RATE_PER_MINUTE and VERIFY_RATE_BURST must be positive")
	}
	if c.PINBcryptCost < bcrypt.MinCost || c.PINBcryptCost > bcrypt.MaxCost {
		return fmt.Errorf("PIN_BCRYPT_COST must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return v, nil
}

func parseFloat(key string, def float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return v, nil
}

func parseBool(key string, def bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q", key, raw)
	}
	return v, nil
}
