// Package config loads service settings from an optional YAML file and then
// from the environment; environment variables win.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DatabaseURL      string        `yaml:"database_url"`
	ServicePort      string        `yaml:"service_port"`
	IdentityBaseURL  string        `yaml:"identity_base_url"`
	AssetBaseURL     string        `yaml:"asset_base_url"`
	NotifyBaseURL    string        `yaml:"notify_base_url"`
	NotifySecret     string        `yaml:"notify_secret"`
	RedisAddr        string        `yaml:"redis_addr"`
	IdentityCacheTTL time.Duration `yaml:"identity_cache_ttl"`
	JWTSecret        string        `yaml:"jwt_secret"`
	SessionTTL       time.Duration `yaml:"session_ttl"`
	MaxApplyAttempts int           `yaml:"max_apply_attempts"`
	// DeliverySweep is a cron spec for the notification retry sweep.
	DeliverySweep      string `yaml:"delivery_sweep"`
	RevokeAfterSigning bool   `yaml:"revoke_after_signing"`
	// ActorCredentials maps actor ids to bcrypt hashes of their API
	// secrets; they are written to the store at startup.
	ActorCredentials map[string]string `yaml:"actor_credentials"`
}

func Defaults() Config {
	return Config{
		ServicePort:        "8090",
		IdentityBaseURL:    "http://localhost:8081/ial",
		AssetBaseURL:       "http://localhost:8085/assets",
		IdentityCacheTTL:   5 * time.Minute,
		SessionTTL:         12 * time.Hour,
		MaxApplyAttempts:   5,
		DeliverySweep:      "@every 30s",
		RevokeAfterSigning: true,
	}
}

// Load reads path (skipped when empty) over Defaults, then applies the
// process environment.
func Load(path string) (Config, error) {
	return LoadFrom(path, os.Getenv)
}

func LoadFrom(path string, getenv func(string) string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := overlayEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func overlayEnv(cfg *Config, getenv func(string) string) error {
	str := map[string]*string{
		"DATABASE_URL":      &cfg.DatabaseURL,
		"SERVICE_PORT":      &cfg.ServicePort,
		"IDENTITY_BASE_URL": &cfg.IdentityBaseURL,
		"ASSET_BASE_URL":    &cfg.AssetBaseURL,
		"NOTIFY_BASE_URL":   &cfg.NotifyBaseURL,
		"NOTIFY_SECRET":     &cfg.NotifySecret,
		"REDIS_ADDR":        &cfg.RedisAddr,
		"JWT_SECRET":        &cfg.JWTSecret,
		"DELIVERY_SWEEP":    &cfg.DeliverySweep,
	}
	for k, dst := range str {
		if v := strings.TrimSpace(getenv(k)); v != "" {
			*dst = v
		}
	}
	if v := strings.TrimSpace(getenv("MAX_APPLY_ATTEMPTS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_APPLY_ATTEMPTS: %w", err)
		}
		cfg.MaxApplyAttempts = n
	}
	if v := strings.TrimSpace(getenv("REVOKE_AFTER_SIGNING")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("REVOKE_AFTER_SIGNING: %w", err)
		}
		cfg.RevokeAfterSigning = b
	}
	for k, dst := range map[string]*time.Duration{
		"IDENTITY_CACHE_TTL": &cfg.IdentityCacheTTL,
		"SESSION_TTL":        &cfg.SessionTTL,
	} {
		if v := strings.TrimSpace(getenv(k)); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			*dst = d
		}
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.MaxApplyAttempts < 1 {
		errs = append(errs, fmt.Errorf("max_apply_attempts must be >= 1, got %d", c.MaxApplyAttempts))
	}
	if c.NotifyBaseURL != "" && c.NotifySecret == "" {
		errs = append(errs, errors.New("NOTIFY_SECRET is required when NOTIFY_BASE_URL is set"))
	}
	return errors.Join(errs...)
}
