// Package config loads service settings from B24APP_* environment variables,
// optionally overlaid on a TOML file named by B24APP_CONFIG.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	envPrefix  = "B24APP_"
	fileEnvVar = envPrefix + "CONFIG"
)

// Config holds every setting the binaries read at startup. Values are never reloaded.
type Config struct {
	HTTPAddr string `toml:"http_addr"`
	GRPCAddr string `toml:"grpc_addr"`
	PGDSN    string `toml:"pg_dsn"`
	LogLevel string `toml:"log_level"`

	JWT    JWT    `toml:"jwt"`
	Portal Portal `toml:"portal"`

	RateBurst     int `toml:"rate_burst"`
	RatePerSecond int `toml:"rate_per_second"`

	// CORSOrigins are browser origins allowed to call the API besides localhost.
	CORSOrigins    []string `toml:"cors_origins"`
	// TrustedProxies are addresses or CIDRs whose X-Forwarded-For is believed.
	TrustedProxies []string `toml:"trusted_proxies"`
}

// JWT configures session token issuance.
type JWT struct {
	Secret     string `toml:"secret"`
	Algorithm  string `toml:"algorithm"`
	TTLSeconds int    `toml:"ttl_seconds"`
	Issuer     string `toml:"issuer"`
}

// TTL returns the token lifetime as a duration.
func (j JWT) TTL() time.Duration {
	return time.Duration(j.TTLSeconds) * time.Second
}

// Portal configures the remote platform application profile.
type Portal struct {
	ClientID        string   `toml:"client_id"`
	ClientSecret    string   `toml:"client_secret"`
	Scope           []string `toml:"scope"`
	ApplicationHost string   `toml:"application_host"`
	TokenURL        string   `toml:"token_url"`
	TimeoutSeconds  int      `toml:"timeout_seconds"`
}

// Timeout returns the remote call timeout.
func (p Portal) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// Default returns the settings used when neither file nor environment says otherwise.
func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		GRPCAddr: ":9090",
		LogLevel: "info",
		JWT: JWT{
			Algorithm:  "HS256",
			TTLSeconds: 3600,
			Issuer:     "b24app",
		},
		Portal: Portal{
			Scope:          []string{"crm", "user_brief"},
			TokenURL:       "https://oauth.bitrix.info/oauth/token/",
			TimeoutSeconds: 15,
		},
		RateBurst:     50,
		RatePerSecond: 25,
	}
}

// Load builds the configuration: defaults, then the TOML file (if any), then env.
func Load() (Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (Config, error) {
	cfg := Default()
	if path := strings.TrimSpace(getenv(fileEnvVar)); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(envPrefix + key)); v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		v := strings.TrimSpace(getenv(envPrefix + key))
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s%s: %w", envPrefix, key, err))
			return
		}
		*dst = n
	}

	str("HTTP_ADDR", &cfg.HTTPAddr)
	str("GRPC_ADDR", &cfg.GRPCAddr)
	str("PG_DSN", &cfg.PGDSN)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("JWT_SECRET", &cfg.JWT.Secret)
	str("JWT_ALGORITHM", &cfg.JWT.Algorithm)
	num("JWT_TTL_SECONDS", &cfg.JWT.TTLSeconds)
	str("JWT_ISSUER", &cfg.JWT.Issuer)
	str("CLIENT_ID", &cfg.Portal.ClientID)
	str("CLIENT_SECRET", &cfg.Portal.ClientSecret)
	str("APPLICATION_HOST", &cfg.Portal.ApplicationHost)
	str("OAUTH_TOKEN_URL", &cfg.Portal.TokenURL)
	num("PORTAL_TIMEOUT_SECONDS", &cfg.Portal.TimeoutSeconds)
	num("RATE_BURST", &cfg.RateBurst)
	num("RATE_PER_SECOND", &cfg.RatePerSecond)
	if v := strings.TrimSpace(getenv(envPrefix + "SCOPE")); v != "" {
		cfg.Portal.Scope = splitList(v)
	}
	if v := strings.TrimSpace(getenv(envPrefix + "CORS_ORIGINS")); v != "" {
		cfg.CORSOrigins = splitList(v)
	}
	if v := strings.TrimSpace(getenv(envPrefix + "TRUSTED_PROXIES")); v != "" {
		cfg.TrustedProxies = splitList(v)
	}

	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	cfg.Portal.ApplicationHost = strings.TrimRight(cfg.Portal.ApplicationHost, "/")
	return cfg, nil
}

// Validate reports settings the API server cannot start without.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.JWT.Secret) == "" {
		errs = append(errs, errors.New("config: jwt secret is not configured"))
	}
	if c.JWT.TTLSeconds <= 0 {
		errs = append(errs, errors.New("config: jwt ttl must be positive"))
	}
	if c.Portal.ApplicationHost == "" {
		errs = append(errs, errors.New("config: application host is not configured"))
	}
	if c.Portal.ClientID == "" || c.Portal.ClientSecret == "" {
		errs = append(errs, errors.New("config: portal client credentials are not configured"))
	}
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
