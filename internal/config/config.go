// Package config owns all process-wide configuration for the dispatch
// runtime: application identity, transport settings, authorization secrets
// and timeout windows, and the event resource alias table.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// HTTPConfig configures the HTTP transport adapter.
type HTTPConfig struct {
	Port         int           `yaml:"port"`
	BasePath     string        `yaml:"basePath"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	RatePerSec   int           `yaml:"ratePerSec"`
	RateBurst    int           `yaml:"rateBurst"`
}

// AuthConfig configures token verification. Secrets and timeout windows are
// split into four caller categories: end-user tokens, same-application
// internal tokens, same-application remote tokens signed by self, and
// cross-application remote tokens keyed by the counterpart application.
type AuthConfig struct {
	UserSecret     string            `yaml:"userSecret"`
	InternalSecret string            `yaml:"internalSecret"`
	RemoteSecret   string            `yaml:"remoteSecret"`
	RemoteSecrets  map[string]string `yaml:"remoteSecrets"`

	UserTimeout     time.Duration `yaml:"userTimeout"`
	InternalTimeout time.Duration `yaml:"internalTimeout"`
	RemoteTimeout   time.Duration `yaml:"remoteTimeout"`

	// RenewalSubjects lists token subjects eligible for transparent
	// reissue. The historical dispatcher hard-coded user:internal and
	// user:external while other paths also minted user:debug and
	// user:public tokens; the set is configurable so deployments can widen
	// it deliberately instead of the runtime guessing.
	RenewalSubjects []string      `yaml:"renewalSubjects"`
	RenewBefore     time.Duration `yaml:"renewBefore"`
	MaxLifetime     time.Duration `yaml:"maxLifetime"`

	// StrictIP rejects tokens whose embedded source IP does not match the
	// request's source IP.
	StrictIP bool `yaml:"strictIp"`
}

// Config is the root configuration consumed across the runtime.
type Config struct {
	AppID    string `yaml:"appId"`
	Stage    string `yaml:"stage"`
	Prefix   string `yaml:"prefix"`
	LogLevel string `yaml:"logLevel"`

	HTTP HTTPConfig `yaml:"http"`
	Auth AuthConfig `yaml:"auth"`

	// Resources maps alias resource names to registered event route
	// resources. Event dispatch consults it as an explicit fallback when no
	// route table entry exists for the request's resource; it never applies
	// to action or object filters.
	Resources map[string]string `yaml:"resources"`

	// Schedules maps schedule resource names to cron expressions. Each entry
	// fires an event on the "schedule" source against the named resource.
	Schedules map[string]string `yaml:"schedules"`
}

// Default returns a configuration with workable local-development values.
func Default() *Config {
	return &Config{
		AppID:    "nimbus",
		Stage:    "local",
		LogLevel: "info",
		HTTP: HTTPConfig{
			Port:         8080,
			BasePath:     "/",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			RatePerSec:   50,
			RateBurst:    100,
		},
		Auth: AuthConfig{
			UserTimeout:     time.Hour,
			InternalTimeout: 5 * time.Minute,
			RemoteTimeout:   5 * time.Minute,
			RenewalSubjects: []string{"user:internal", "user:external"},
			RenewBefore:     10 * time.Minute,
			MaxLifetime:     24 * time.Hour,
		},
		Resources: map[string]string{},
	}
}

// Load reads a YAML configuration file and applies the environment overlay.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads the given file when it exists, otherwise returns the
// defaults with the environment overlay applied.
func LoadOrDefault(path string) *Config {
	if path != "" {
		if cfg, err := Load(path); err == nil {
			return cfg
		}
	}
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

// applyEnv overlays well-known environment variables. Environment values win
// over file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("STAGE"); v != "" {
		c.Stage = v
	}
	if v := os.Getenv("PREFIX"); v != "" {
		c.Prefix = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.HTTP.Port = port
		}
	}
	if v := os.Getenv("IS_OFFLINE"); strings.EqualFold(v, "true") {
		c.Stage = "offline"
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.AppID) == "" {
		return fmt.Errorf("appId is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port %d out of range", c.HTTP.Port)
	}
	return nil
}

// ResourceAlias resolves an event resource alias, returning the canonical
// resource and whether an alias existed.
func (c *Config) ResourceAlias(resource string) (string, bool) {
	target, ok := c.Resources[resource]
	return target, ok
}

// RenewalSubject reports whether the subject is eligible for token renewal.
func (a AuthConfig) RenewalSubject(subject string) bool {
	for _, s := range a.RenewalSubjects {
		if s == subject {
			return true
		}
	}
	return false
}
