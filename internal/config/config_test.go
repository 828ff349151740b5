package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_YAMLAndDefaults(t *testing.T) {
	path := writeConfig(t, `
auth:
  idp_url: https://login.example.org/oidc
  audience: wbs
  user_info_endpoint: https://login.example.org/oidc/userinfo
cache:
  size: 10
admin:
  allowed_cidrs: ["10.0.0.0/8"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	want := &Config{
		Listen: ":8080",
		Auth: AuthConfig{
			IdPURL:             "https://login.example.org/oidc",
			Audience:           "wbs",
			RefreshIntervalSec: 300,
			UserInfoEndpoint:   "https://login.example.org/oidc/userinfo",
			HTTPTimeoutSec:     10,
		},
		Cache: CacheConfig{Size: 10, TimeoutSec: 1800},
		Admin: AdminConfig{AllowedCIDRs: []string{"10.0.0.0/8"}},
		TLS:   TLSConfig{ReloadSec: 3600},
		Audit: AuditConfig{Driver: "sqlite"},
		Log:   LogConfig{Level: "info", Format: "text"},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
auth:
  idp_url: https://file.example.org
  audience: from-file
cache:
  size: 10
  timeout_sec: 60
`)
	t.Setenv("WBS_IDP_URL", "https://env.example.org")
	t.Setenv("WBS_USER_CACHE_SIZE", "42")
	t.Setenv("WBS_USER_CACHE_TIMEOUT", "5")
	t.Setenv("WBS_ADMIN_ALLOWED_CIDRS", "127.0.0.0/8,10.0.0.0/8")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.IdPURL != "https://env.example.org" {
		t.Errorf("idp_url = %q, want env override", cfg.Auth.IdPURL)
	}
	if cfg.Auth.Audience != "from-file" {
		t.Errorf("audience = %q, want file value kept", cfg.Auth.Audience)
	}
	if cfg.Cache.Size != 42 || cfg.Cache.TimeoutSec != 5 {
		t.Errorf("cache = %+v, want env overrides", cfg.Cache)
	}
	if diff := cmp.Diff([]string{"127.0.0.0/8", "10.0.0.0/8"}, cfg.Admin.AllowedCIDRs); diff != "" {
		t.Errorf("allowed cidrs mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_EnvOnly(t *testing.T) {
	t.Setenv("WBS_IDP_URL", "https://env.example.org")
	t.Setenv("WBS_AUDIENCE", "wbs")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Cache.Size != 999 || cfg.Cache.Timeout().Seconds() != 1800 {
		t.Errorf("unexpected cache defaults %+v", cfg.Cache)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing idp", func(c *Config) { c.Auth.IdPURL = "" }, "auth.idp_url is required"},
		{"missing audience", func(c *Config) { c.Auth.Audience = "" }, "auth.audience is required"},
		{"negative cache size", func(c *Config) { c.Cache.Size = -1 }, "cache.size must be positive"},
		{"negative timeout", func(c *Config) { c.Cache.TimeoutSec = -5 }, "cache.timeout_sec must not be negative"},
		{"half tls", func(c *Config) { c.TLS.CertFile = "cert.pem" }, "must be set together"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"trusted proxies", func(c *Config) { c.TrustedProxies = []string{"10.0.0.1", "192.168.0.0/16", "::1"} }, ""},
		{"bad trusted proxy", func(c *Config) { c.TrustedProxies = []string{"proxy.local"} }, "trusted_proxies"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Auth: AuthConfig{IdPURL: "https://idp", Audience: "aud"}}
			cfg.applyDefaults()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error %v does not mention %q", err, tt.wantErr)
			}
		})
	}
}
