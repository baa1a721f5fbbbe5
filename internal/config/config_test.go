package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func envFrom(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(envFrom(nil))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.JWT.Algorithm != "HS256" || cfg.JWT.TTL() != time.Hour {
		t.Fatalf("unexpected jwt defaults: %+v", cfg.JWT)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("unexpected http addr: %s", cfg.HTTPAddr)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("defaults must not validate without a secret")
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "b24app.toml")
	body := `
http_addr = ":9000"

[jwt]
secret = "from-file"
ttl_seconds = 120

[portal]
client_id = "local.abc"
client_secret = "s3cr3t"
application_host = "https://app.example/"
scope = ["crm"]
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := load(envFrom(map[string]string{
		"B24APP_CONFIG":          path,
		"B24APP_JWT_SECRET":      "from-env",
		"B24APP_SCOPE":           "crm, user_brief ,",
		"B24APP_TRUSTED_PROXIES": "10.0.0.0/8, 192.0.2.1",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9000" {
		t.Fatalf("file value lost: %s", cfg.HTTPAddr)
	}
	if cfg.JWT.Secret != "from-env" {
		t.Fatalf("env must override file, got %q", cfg.JWT.Secret)
	}
	if cfg.JWT.TTLSeconds != 120 {
		t.Fatalf("unexpected ttl: %d", cfg.JWT.TTLSeconds)
	}
	if cfg.Portal.ApplicationHost != "https://app.example" {
		t.Fatalf("trailing slash not trimmed: %s", cfg.Portal.ApplicationHost)
	}
	if strings.Join(cfg.Portal.Scope, ",") != "crm,user_brief" {
		t.Fatalf("unexpected scope: %v", cfg.Portal.Scope)
	}
	if strings.Join(cfg.TrustedProxies, ",") != "10.0.0.0/8,192.0.2.1" {
		t.Fatalf("unexpected trusted proxies: %v", cfg.TrustedProxies)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadRejectsBadNumbers(t *testing.T) {
	_, err := load(envFrom(map[string]string{"B24APP_JWT_TTL_SECONDS": "soon"}))
	if err == nil || !strings.Contains(err.Error(), "JWT_TTL_SECONDS") {
		t.Fatalf("expected ttl parse error, got %v", err)
	}
}
