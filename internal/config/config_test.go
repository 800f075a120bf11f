package config

import (
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/pairline/pairline/ratelimit"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("INSTANCE_ID", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.KeyPrefix != "pairline:" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.SessionTTL != 24*time.Hour || cfg.QueueTTL != time.Hour {
		t.Fatalf("unexpected TTLs %s %s", cfg.SessionTTL, cfg.QueueTTL)
	}
	if cfg.UploadMaxBytes != 25<<20 {
		t.Fatalf("unexpected upload cap %d", cfg.UploadMaxBytes)
	}
	if host, _ := os.Hostname(); host != "" && cfg.InstanceID != host {
		t.Fatalf("expected instance id to default to hostname %q, got %q", host, cfg.InstanceID)
	}
	if cfg.Rules() != ratelimit.DefaultRules() {
		t.Fatalf("expected default rules, got %+v", cfg.Rules())
	}
	if cfg.UploadsEnabled() {
		t.Fatal("uploads should be disabled without a bucket")
	}
	if lvl, _ := cfg.Level(); lvl != slog.LevelInfo {
		t.Fatalf("unexpected level %v", lvl)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://cache:6379/1")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("RATE_MESSAGE_LIMIT", "5")
	t.Setenv("RATE_MESSAGE_WINDOW", "2s")
	t.Setenv("S3_BUCKET", "media")
	t.Setenv("INSTANCE_ID", "node-7")
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8, 192.0.2.1")
	t.Setenv("CLAIM_GRACE", "2s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Origins(); len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Fatalf("unexpected origins %q", got)
	}
	if r := cfg.Rules().SendMessage; r.Limit != 5 || r.Window != 2*time.Second || r.Name != ratelimit.SendMessage.Name {
		t.Fatalf("unexpected message rule %+v", r)
	}
	if got := cfg.Proxies(); len(got) != 2 || got[1] != "192.0.2.1" {
		t.Fatalf("unexpected proxies %q", got)
	}
	if cfg.ClaimGrace != 2*time.Second {
		t.Fatalf("unexpected claim grace %s", cfg.ClaimGrace)
	}
	if !cfg.UploadsEnabled() || cfg.InstanceID != "node-7" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if lvl, _ := cfg.Level(); lvl != slog.LevelDebug {
		t.Fatalf("unexpected level %v", lvl)
	}
}

func TestLoadRequiresRedis(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "REDIS_URL") {
		t.Fatalf("expected REDIS_URL error, got %v", err)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	cfg.SessionTTL = 0
	cfg.RelayMaxLen = -1
	cfg.LogLevel = "loud"
	cfg.UploadLimit = 0
	cfg.TrustedProxies = "10.0.0.0/8,lb.internal"

	err = cfg.Validate()
	if err == nil {
		t.Fatal("expected validation to fail")
	}
	for _, want := range []string{"SESSION_TTL", "RELAY_MAXLEN", "LOG_LEVEL", "TRUSTED_PROXIES"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s in %v", want, err)
		}
	}
	if !errors.Is(err, ratelimit.ErrInvalidRule) {
		t.Fatalf("expected invalid rule in %v", err)
	}
}
