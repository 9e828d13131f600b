package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadServerConfigMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.config.yml")
	content := "jwtSecret: from-file\nautoprune: true\nrolloutInterval: 2s\npublicKeysPath: /keys\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("EXOFRAME_CONFIG", path)
	t.Setenv("JWT_SECRET", "from-env")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if cfg.JWTSecret != "from-env" {
		t.Fatalf("expected env to override file secret, got %q", cfg.JWTSecret)
	}
	if !cfg.Autoprune {
		t.Fatalf("expected autoprune from file")
	}
	if cfg.RolloutInterval != 2*time.Second {
		t.Fatalf("unexpected rollout interval: %s", cfg.RolloutInterval)
	}
	if got := cfg.AuthorizedKeysFile(); got != filepath.Join("/keys", "authorized_keys") {
		t.Fatalf("unexpected keys file: %s", got)
	}
}

func TestTrustedProxiesFromEnv(t *testing.T) {
	t.Setenv("EXOFRAME_CONFIG", filepath.Join(t.TempDir(), "missing.yml"))
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("TRUSTED_PROXIES", " 10.0.0.0/8, ,127.0.0.1 ")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if len(cfg.TrustedProxies) != 2 || cfg.TrustedProxies[0] != "10.0.0.0/8" || cfg.TrustedProxies[1] != "127.0.0.1" {
		t.Fatalf("unexpected trusted proxies: %q", cfg.TrustedProxies)
	}
}

func TestLoadServerConfigMissingFile(t *testing.T) {
	t.Setenv("EXOFRAME_CONFIG", filepath.Join(t.TempDir(), "missing.yml"))
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if cfg.RolloutInterval != 5*time.Second {
		t.Fatalf("expected default rollout interval, got %s", cfg.RolloutInterval)
	}
	if cfg.TokenStore != BackendBadger {
		t.Fatalf("expected badger token store, got %s", cfg.TokenStore)
	}
}

func TestValidateRejectsMissingSecret(t *testing.T) {
	cfg := DefaultServerConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for empty secret")
	}
	cfg.JWTSecret = "secret"
	cfg.ChallengeStore = BackendRedis
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for redis store without address")
	}
}

func TestReadServerConfigSkipsValidation(t *testing.T) {
	t.Setenv("EXOFRAME_CONFIG", filepath.Join(t.TempDir(), "missing.yml"))
	t.Setenv("JWT_SECRET", "")
	t.Setenv("DATABASE_URL", "postgres://example/db")

	cfg, err := ReadServerConfig()
	if err != nil {
		t.Fatalf("ReadServerConfig: %v", err)
	}
	if cfg.DatabaseURL != "postgres://example/db" {
		t.Fatalf("unexpected database url %q", cfg.DatabaseURL)
	}
	if _, err := LoadServerConfig(); err == nil {
		t.Fatalf("expected LoadServerConfig to reject the empty secret")
	}
}
