// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/pairline/pairline/ratelimit"
)

// Config for a pairline process. Defaults are provided via struct tags.
type Config struct {
	// RedisURL like "redis://localhost:6379/0". ENV: REDIS_URL. Required.
	RedisURL   string `env:"REDIS_URL"`
	ListenAddr string `env:"LISTEN_ADDR,default=:8080"`
	LogLevel   string `env:"LOG_LEVEL,default=info"`
	KeyPrefix  string `env:"KEY_PREFIX,default=pairline:"`
	InstanceID string `env:"INSTANCE_ID"`

	SessionTTL  time.Duration `env:"SESSION_TTL,default=24h"`
	QueueTTL    time.Duration `env:"QUEUE_TTL,default=1h"`
	RelayMaxLen int64         `env:"RELAY_MAXLEN,default=10000"`

	// AllowedOrigins is a comma separated list; empty allows any origin.
	AllowedOrigins string `env:"ALLOWED_ORIGINS"`
	// TrustedProxies is a comma separated list of CIDRs or addresses whose
	// X-Forwarded-For is believed. Empty trusts nobody.
	TrustedProxies string `env:"TRUSTED_PROXIES"`

	// ClaimGrace is how long a claimed queue entry waits for its matched
	// event before the owner may match afresh.
	ClaimGrace time.Duration `env:"CLAIM_GRACE,default=5s"`

	MessageLimit  int           `env:"RATE_MESSAGE_LIMIT,default=30"`
	MessageWindow time.Duration `env:"RATE_MESSAGE_WINDOW,default=10s"`
	MatchLimit    int           `env:"RATE_MATCH_LIMIT,default=10"`
	MatchWindow   time.Duration `env:"RATE_MATCH_WINDOW,default=1m"`
	UploadLimit   int           `env:"RATE_UPLOAD_LIMIT,default=10"`
	UploadWindow  time.Duration `env:"RATE_UPLOAD_WINDOW,default=5m"`

	// S3Bucket enables upload presigning when set.
	S3Bucket       string `env:"S3_BUCKET"`
	AWSRegion      string `env:"AWS_REGION"`
	UploadMaxBytes int64  `env:"UPLOAD_MAX_BYTES,default=26214400"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=15s"`
}

// Load decodes the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode env: %w", err)
	}
	if cfg.InstanceID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "pairline"
		}
		cfg.InstanceID = host
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if c.RedisURL == "" {
		errs = append(errs, errors.New("REDIS_URL is required"))
	}
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("LISTEN_ADDR must not be empty"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_TTL must be positive, got %s", c.SessionTTL))
	}
	if c.QueueTTL <= 0 {
		errs = append(errs, fmt.Errorf("QUEUE_TTL must be positive, got %s", c.QueueTTL))
	}
	if c.RelayMaxLen <= 0 {
		errs = append(errs, fmt.Errorf("RELAY_MAXLEN must be positive, got %d", c.RelayMaxLen))
	}
	if c.UploadMaxBytes <= 0 {
		errs = append(errs, fmt.Errorf("UPLOAD_MAX_BYTES must be positive, got %d", c.UploadMaxBytes))
	}
	if c.ClaimGrace <= 0 {
		errs = append(errs, fmt.Errorf("CLAIM_GRACE must be positive, got %s", c.ClaimGrace))
	}
	for _, p := range c.Proxies() {
		if err := checkProxy(p); err != nil {
			errs = append(errs, fmt.Errorf("TRUSTED_PROXIES: %w", err))
		}
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SHUTDOWN_TIMEOUT must be positive, got %s", c.ShutdownTimeout))
	}
	errs = append(errs, c.Rules().Validate())
	return errors.Join(errs...)
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return l, nil
}

// Rules builds the admission rules from the configured knobs.
func (c Config) Rules() ratelimit.Rules {
	rs := ratelimit.DefaultRules()
	rs.SendMessage.Limit, rs.SendMessage.Window = c.MessageLimit, c.MessageWindow
	rs.MatchIntent.Limit, rs.MatchIntent.Window = c.MatchLimit, c.MatchWindow
	rs.RequestUpload.Limit, rs.RequestUpload.Window = c.UploadLimit, c.UploadWindow
	return rs
}

// Origins splits AllowedOrigins.
func (c Config) Origins() []string { return splitList(c.AllowedOrigins) }

// Proxies splits TrustedProxies.
func (c Config) Proxies() []string { return splitList(c.TrustedProxies) }

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func checkProxy(p string) error {
	if strings.Contains(p, "/") {
		_, err := netip.ParsePrefix(p)
		return err
	}
	_, err := netip.ParseAddr(p)
	return err
}

// UploadsEnabled reports whether a bucket is configured.
func (c Config) UploadsEnabled() bool { return c.S3Bucket != "" }
