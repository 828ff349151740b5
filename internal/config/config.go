package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g. WBS_IDP_URL.
const EnvPrefix = "WBS_"

type AuthConfig struct {
	IdPURL                string `yaml:"idp_url" env:"IDP_URL"`
	Audience              string `yaml:"audience" env:"AUDIENCE"`
	RefreshIntervalSec    int    `yaml:"refresh_interval_sec" env:"REFRESH_INTERVAL"`
	RewriteURLInWellKnown string `yaml:"rewrite_url_in_wellknown" env:"REWRITE_URL_IN_WELLKNOWN"`
	UserInfoEndpoint      string `yaml:"user_info_endpoint" env:"USER_INFO_ENDPOINT"`
	HTTPTimeoutSec        int    `yaml:"http_timeout_sec" env:"HTTP_TIMEOUT"`
	LeewaySec             int    `yaml:"leeway_sec" env:"LEEWAY"`
}

func (a AuthConfig) RefreshInterval() time.Duration {
	return time.Duration(a.RefreshIntervalSec) * time.Second
}

func (a AuthConfig) HTTPTimeout() time.Duration {
	return time.Duration(a.HTTPTimeoutSec) * time.Second
}

func (a AuthConfig) Leeway() time.Duration {
	return time.Duration(a.LeewaySec) * time.Second
}

// CacheConfig sizes the per-subject user cache.
type CacheConfig struct {
	Size       int `yaml:"size" env:"USER_CACHE_SIZE"`
	TimeoutSec int `yaml:"timeout_sec" env:"USER_CACHE_TIMEOUT"`
}

func (c CacheConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

type AdminConfig struct {
	TokenHash    string   `yaml:"token_hash" env:"ADMIN_TOKEN_HASH"`
	AllowedCIDRs []string `yaml:"allowed_cidrs" env:"ADMIN_ALLOWED_CIDRS" envSeparator:","`
}

type TLSConfig struct {
	CertFile  string `yaml:"cert_file" env:"TLS_CERT_FILE"`
	KeyFile   string `yaml:"key_file" env:"TLS_KEY_FILE"`
	ReloadSec int    `yaml:"reload_sec" env:"TLS_RELOAD"`
}

func (t TLSConfig) Enabled() bool { return t.CertFile != "" && t.KeyFile != "" }

type AuditConfig struct {
	Enabled bool   `yaml:"enabled" env:"AUDIT_ENABLED"`
	Driver  string `yaml:"driver" env:"AUDIT_DRIVER"`
	DSN     string `yaml:"dsn" env:"AUDIT_DSN"`
	Debug   bool   `yaml:"debug" env:"AUDIT_DEBUG"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

type Config struct {
	Listen string `yaml:"listen" env:"LISTEN"`
	// TrustedProxies may set X-Forwarded-For / X-Real-IP. Empty trusts
	// none, so the client address is always the TCP peer.
	TrustedProxies []string `yaml:"trusted_proxies" env:"TRUSTED_PROXIES" envSeparator:","`

	Auth  AuthConfig  `yaml:"auth"`
	Cache CacheConfig `yaml:"cache"`
	Admin AdminConfig `yaml:"admin"`
	TLS   TLSConfig   `yaml:"tls"`
	Audit AuditConfig `yaml:"audit"`
	Log   LogConfig   `yaml:"log"`
}

// Load reads the YAML file at path (skipped when path is empty), applies
// WBS_* environment overrides, fills defaults and validates the result.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.Auth.RefreshIntervalSec == 0 {
		c.Auth.RefreshIntervalSec = 300
	}
	if c.Auth.HTTPTimeoutSec == 0 {
		c.Auth.HTTPTimeoutSec = 10
	}
	if c.Cache.Size == 0 {
		c.Cache.Size = 999
	}
	if c.Cache.TimeoutSec == 0 {
		c.Cache.TimeoutSec = 1800
	}
	if c.TLS.ReloadSec == 0 {
		c.TLS.ReloadSec = 3600
	}
	if c.Audit.Driver == "" {
		c.Audit.Driver = "sqlite"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if c.Auth.IdPURL == "" {
		errs = append(errs, errors.New("auth.idp_url is required"))
	}
	if c.Auth.Audience == "" {
		errs = append(errs, errors.New("auth.audience is required"))
	}
	if c.Auth.RefreshIntervalSec < 0 {
		errs = append(errs, fmt.Errorf("auth.refresh_interval_sec must not be negative, got %d", c.Auth.RefreshIntervalSec))
	}
	if c.Cache.Size < 0 {
		errs = append(errs, fmt.Errorf("cache.size must be positive, got %d", c.Cache.Size))
	}
	if c.Cache.TimeoutSec < 0 {
		errs = append(errs, fmt.Errorf("cache.timeout_sec must not be negative, got %d", c.Cache.TimeoutSec))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.cert_file and tls.key_file must be set together"))
	}
	for _, p := range c.TrustedProxies {
		if _, err := netip.ParsePrefix(p); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(p); err != nil {
			errs = append(errs, fmt.Errorf("trusted_proxies: %q is neither an IP nor a CIDR", p))
		}
	}
	switch c.Log.Format {
	case "text", "json", "logfmt":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of text, json, logfmt", c.Log.Format))
	}
	return errors.Join(errs...)
}
