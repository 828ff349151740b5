package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configFile = ""
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestConfigPathPrecedence(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	configFile = ""
	t.Setenv("WBS_CONFIG", "")
	if p, _ := configPath(); p != "" {
		t.Fatalf("missing default file should yield no path, got %q", p)
	}

	if err := os.WriteFile(filepath.Join(dir, defaultConfigPath), nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if p, _ := configPath(); p != defaultConfigPath {
		t.Fatalf("expected default path, got %q", p)
	}

	t.Setenv("WBS_CONFIG", "/etc/authgate.yaml")
	if p, _ := configPath(); p != "/etc/authgate.yaml" {
		t.Fatalf("env should win over default, got %q", p)
	}

	configFile = "flag.yaml"
	defer func() { configFile = "" }()
	if p, _ := configPath(); p != "flag.yaml" {
		t.Fatalf("flag should win over env, got %q", p)
	}
}

func TestCheckConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "auth:\n  idp_url: https://idp.example.org\n  audience: wbs\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, "check-config", "--config", path)
	if err != nil {
		t.Fatalf("check-config: %v", err)
	}
	if !strings.Contains(out, "Config OK: "+path) {
		t.Errorf("unexpected output %q", out)
	}

	if err := os.WriteFile(path, []byte("auth: {}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WBS_IDP_URL", "")
	t.Setenv("WBS_AUDIENCE", "")
	if _, err := run(t, "check-config", "-c", path); err == nil {
		t.Fatal("expected validation error for a config without idp_url")
	}
}

func TestHashToken(t *testing.T) {
	out, err := run(t, "hash-token", "--cost", "4", "s3cret")
	if err != nil {
		t.Fatalf("hash-token: %v", err)
	}
	hash, _, _ := strings.Cut(out, "\n")
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")); err != nil {
		t.Fatalf("printed hash does not verify: %v", err)
	}
	if !strings.Contains(out, "token_hash:") {
		t.Errorf("config snippet missing from output %q", out)
	}

	if _, err := run(t, "hash-token"); err == nil {
		t.Fatal("expected an error without a token argument")
	}
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != Version {
		t.Errorf("version printed %q, want %q", out, Version)
	}
}
