package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultImageSearchURL = "https://api.unsplash.com/search/photos"

type Stripe struct {
	SecretKey       string
	WebhookSecret   string
	PortalReturnURL string
	Timeout         time.Duration
}

// Alerts configures the Postmark email sent when a billing event can't be
// applied after every replay attempt.
type Alerts struct {
	PostmarkToken string
	FromEmail     string
	ToEmail       string
}

// Backup configures encrypted snapshots of a SQLite database to S3-compatible
// storage. Backups run only when the bucket, keys and passphrase are all set.
type Backup struct {
	Endpoint   string
	Bucket     string
	Region     string
	AccessKey  string
	SecretKey  string
	Passphrase string
	Prefix     string
	Schedule   string
	Retention  time.Duration
}

type ImageSearch struct {
	APIKey  string
	BaseURL string
}

// Config is built once at startup and shared read-only.
type Config struct {
	Environment    string
	Port           string
	LogLevel       string
	DatabaseURL    string
	DBTimeout      time.Duration
	SecretCodes    []string
	ClientURL      string
	AllowedOrigins []string
	RedisURL       string
	// TrustedProxies are the peers whose CF-Connecting-IP and
	// X-Forwarded-For headers are believed. Empty means none.
	TrustedProxies []netip.Prefix

	RedeemLimit  int
	RedeemWindow time.Duration

	ReplaySchedule    string
	ReplayMaxAttempts int

	Stripe      Stripe
	ImageSearch ImageSearch
	Alerts      Alerts
	Backup      Backup
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// Load reads .env (if present) and the environment. Every problem found is
// reported in the returned error.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("could not read .env file", "error", err)
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from lookup, which has the signature of
// os.LookupEnv.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	e := env{lookup: lookup}

	cfg := &Config{
		Environment: e.str("APP_ENV", e.str("NODE_ENV", "development")),
		Port:        e.str("PORT", "3000"),
		LogLevel:    e.str("LOG_LEVEL", "info"),
		DatabaseURL: e.str("DATABASE_URL", "imagefy.db"),
		DBTimeout:   e.duration("DB_TIMEOUT", 5*time.Second),
		SecretCodes: e.list("SECRET_CODES"),
		ClientURL:   e.str("CLIENT_URL", ""),
		RedisURL:    e.str("REDIS_URL", ""),

		TrustedProxies: e.prefixes("TRUSTED_PROXIES"),

		RedeemLimit:  e.int("REDEEM_LIMIT", 5),
		RedeemWindow: e.duration("REDEEM_WINDOW", 15*time.Minute),

		ReplaySchedule:    e.str("REPLAY_SCHEDULE", "@every 5m"),
		ReplayMaxAttempts: e.int("REPLAY_MAX_ATTEMPTS", 5),

		Stripe: Stripe{
			SecretKey:     e.str("STRIPE_SECRET_KEY", ""),
			WebhookSecret: e.str("STRIPE_WEBHOOK_SECRET", ""),
			Timeout:       e.duration("STRIPE_TIMEOUT", 10*time.Second),
		},
		ImageSearch: ImageSearch{
			APIKey:  e.str("IMAGE_SEARCH_API_KEY", ""),
			BaseURL: e.str("IMAGE_SEARCH_URL", defaultImageSearchURL),
		},
		Alerts: Alerts{
			PostmarkToken: e.str("POSTMARK_TOKEN", ""),
			FromEmail:     e.str("ALERT_FROM_EMAIL", ""),
			ToEmail:       e.str("ALERT_EMAIL", ""),
		},
		Backup: Backup{
			Endpoint:   e.str("BACKUP_S3_ENDPOINT", ""),
			Bucket:     e.str("BACKUP_S3_BUCKET", ""),
			Region:     e.str("BACKUP_S3_REGION", "us-east-1"),
			AccessKey:  e.str("BACKUP_S3_ACCESS_KEY", ""),
			SecretKey:  e.str("BACKUP_S3_SECRET_KEY", ""),
			Passphrase: e.str("BACKUP_PASSPHRASE", ""),
			Prefix:     e.str("BACKUP_PREFIX", "imagefy/"),
			Schedule:   e.str("BACKUP_SCHEDULE", "@daily"),
			Retention:  e.duration("BACKUP_RETENTION", 30*24*time.Hour),
		},
	}
	cfg.Stripe.PortalReturnURL = e.str("STRIPE_PORTAL_RETURN_URL", cfg.ClientURL)

	cfg.AllowedOrigins = e.list("CORS_ORIGINS")
	if len(cfg.AllowedOrigins) == 0 {
		if cfg.ClientURL != "" {
			cfg.AllowedOrigins = []string{cfg.ClientURL}
		}
		if cfg.IsDevelopment() {
			cfg.AllowedOrigins = []string{"*"}
		}
	}

	if cfg.Stripe.SecretKey == "" {
		e.errs = append(e.errs, errors.New("STRIPE_SECRET_KEY is required"))
	}
	if cfg.Stripe.WebhookSecret == "" {
		e.errs = append(e.errs, errors.New("STRIPE_WEBHOOK_SECRET is required"))
	}
	if len(cfg.SecretCodes) == 0 {
		e.errs = append(e.errs, errors.New("SECRET_CODES must list at least one code"))
	}
	if cfg.RedeemLimit < 1 {
		e.errs = append(e.errs, errors.New("REDEEM_LIMIT must be positive"))
	}
	if cfg.ReplayMaxAttempts < 1 {
		e.errs = append(e.errs, errors.New("REPLAY_MAX_ATTEMPTS must be positive"))
	}

	if err := errors.Join(e.errs...); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

type env struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *env) str(key, fallback string) string {
	if v, ok := e.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func (e *env) list(key string) []string {
	var out []string
	for _, part := range strings.Split(e.str(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// prefixes parses a comma-separated list of CIDRs or bare addresses.
func (e *env) prefixes(key string) []netip.Prefix {
	var out []netip.Prefix
	for _, part := range e.list(key) {
		if strings.Contains(part, "/") {
			p, err := netip.ParsePrefix(part)
			if err != nil {
				e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
				continue
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(part)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out
}

func (e *env) int(key string, fallback int) int {
	v := e.str(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func (e *env) duration(key string, fallback time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}
