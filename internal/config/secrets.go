package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// SecretSource retrieves a named secret from wherever the deployment keeps
// them (environment, files, an external vault).
type SecretSource interface {
	Get(ctx context.Context, name string) (string, error)
}

// EnvSecretSource reads secrets from environment variables, uppercasing the
// name and replacing separators: "auth/user-secret" -> "AUTH_USER_SECRET".
type EnvSecretSource struct{}

// Get implements SecretSource.
func (EnvSecretSource) Get(_ context.Context, name string) (string, error) {
	key := strings.NewReplacer("/", "_", "-", "_", ".", "_").Replace(name)
	value := os.Getenv(strings.ToUpper(key))
	if value == "" {
		return "", fmt.Errorf("secret %s not set", name)
	}
	return value, nil
}

type secretEntry struct {
	value   string
	fetched time.Time
}

// CachedSecrets caches secret lookups with an explicit TTL. It is the
// process-wide owner of secret state; callers inject it rather than reading
// globals. Refresh drops the cache so the next lookup hits the source.
type CachedSecrets struct {
	source SecretSource
	ttl    time.Duration

	mu      sync.RWMutex
	entries map[string]secretEntry
}

// NewCachedSecrets wraps a source with a TTL cache. A zero ttl disables
// caching.
func NewCachedSecrets(source SecretSource, ttl time.Duration) *CachedSecrets {
	return &CachedSecrets{
		source:  source,
		ttl:     ttl,
		entries: make(map[string]secretEntry),
	}
}

// Get returns the named secret, consulting the cache first.
func (c *CachedSecrets) Get(ctx context.Context, name string) (string, error) {
	if c.ttl > 0 {
		c.mu.RLock()
		entry, ok := c.entries[name]
		c.mu.RUnlock()
		if ok && time.Since(entry.fetched) < c.ttl {
			return entry.value, nil
		}
	}

	value, err := c.source.Get(ctx, name)
	if err != nil {
		return "", err
	}

	if c.ttl > 0 {
		c.mu.Lock()
		c.entries[name] = secretEntry{value: value, fetched: time.Now()}
		c.mu.Unlock()
	}
	return value, nil
}

// Refresh drops all cached entries.
func (c *CachedSecrets) Refresh() {
	c.mu.Lock()
	c.entries = make(map[string]secretEntry)
	c.mu.Unlock()
}

// FillAuthSecrets populates auth secrets left empty by the file and
// environment overlay. A missing secret leaves its category unconfigured:
// tokens of that category are rejected at verification.
func (c *Config) FillAuthSecrets(ctx context.Context, secrets *CachedSecrets) {
	fill := func(dst *string, name string) {
		if *dst != "" {
			return
		}
		if value, err := secrets.Get(ctx, name); err == nil {
			*dst = value
		}
	}
	fill(&c.Auth.UserSecret, "auth/user-secret")
	fill(&c.Auth.InternalSecret, "auth/internal-secret")
	fill(&c.Auth.RemoteSecret, "auth/remote-secret")
}
