package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if !cfg.Auth.RenewalSubject("user:internal") || !cfg.Auth.RenewalSubject("user:external") {
		t.Fatal("default renewal subjects missing")
	}
	if cfg.Auth.RenewalSubject("user:debug") {
		t.Fatal("user:debug should not be renewable by default")
	}
}

func TestLoadWithEnvOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nimbus.yaml")
	content := `
appId: shop
stage: prod
logLevel: warn
http:
  port: 9000
auth:
  userSecret: filesecret
resources:
  inbox-alias: inbox
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("STAGE", "staging")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AppID != "shop" {
		t.Errorf("appId = %q", cfg.AppID)
	}
	if cfg.HTTP.Port != 9000 {
		t.Errorf("port = %d", cfg.HTTP.Port)
	}
	// Environment beats file values.
	if cfg.LogLevel != "debug" {
		t.Errorf("logLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.Stage != "staging" {
		t.Errorf("stage = %q, want staging", cfg.Stage)
	}
	if target, ok := cfg.ResourceAlias("inbox-alias"); !ok || target != "inbox" {
		t.Errorf("alias = %q, %v", target, ok)
	}
	if _, ok := cfg.ResourceAlias("unknown"); ok {
		t.Error("unexpected alias hit")
	}
}

// countingSource counts hits so cache behavior is observable.
type countingSource struct {
	hits int
	fail bool
}

func (s *countingSource) Get(_ context.Context, name string) (string, error) {
	s.hits++
	if s.fail {
		return "", fmt.Errorf("source down")
	}
	return "value-of-" + name, nil
}

func TestCachedSecrets(t *testing.T) {
	src := &countingSource{}
	cache := NewCachedSecrets(src, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		v, err := cache.Get(ctx, "auth/user-secret")
		if err != nil {
			t.Fatal(err)
		}
		if v != "value-of-auth/user-secret" {
			t.Fatalf("value = %q", v)
		}
	}
	if src.hits != 1 {
		t.Fatalf("source hits = %d, want 1", src.hits)
	}

	cache.Refresh()
	if _, err := cache.Get(ctx, "auth/user-secret"); err != nil {
		t.Fatal(err)
	}
	if src.hits != 2 {
		t.Fatalf("source hits after refresh = %d, want 2", src.hits)
	}
}

func TestCachedSecretsZeroTTLBypassesCache(t *testing.T) {
	src := &countingSource{}
	cache := NewCachedSecrets(src, 0)
	ctx := context.Background()

	cache.Get(ctx, "a")
	cache.Get(ctx, "a")
	if src.hits != 2 {
		t.Fatalf("hits = %d, want 2", src.hits)
	}
}

func TestEnvSecretSource(t *testing.T) {
	t.Setenv("AUTH_USER_SECRET", "s3cret")
	var src EnvSecretSource
	v, err := src.Get(context.Background(), "auth/user-secret")
	if err != nil {
		t.Fatal(err)
	}
	if v != "s3cret" {
		t.Fatalf("value = %q", v)
	}
	if _, err := src.Get(context.Background(), "missing/secret"); err == nil {
		t.Fatal("expected error for unset secret")
	}
}

func TestFillAuthSecrets(t *testing.T) {
	t.Setenv("AUTH_USER_SECRET", "env-user")
	t.Setenv("AUTH_INTERNAL_SECRET", "env-internal")

	cfg := Default()
	cfg.Auth.UserSecret = "file-user" // explicit value wins
	cfg.FillAuthSecrets(context.Background(), NewCachedSecrets(EnvSecretSource{}, 0))

	if cfg.Auth.UserSecret != "file-user" {
		t.Fatalf("user secret = %q, want file-user", cfg.Auth.UserSecret)
	}
	if cfg.Auth.InternalSecret != "env-internal" {
		t.Fatalf("internal secret = %q, want env-internal", cfg.Auth.InternalSecret)
	}
	// Remote secret unset anywhere stays empty.
	if cfg.Auth.RemoteSecret != "" {
		t.Fatalf("remote secret = %q, want empty", cfg.Auth.RemoteSecret)
	}
}
