// Package config loads the tool configuration from YAML.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AT020993/knesset-refactor-sub000/internal/breaker"
	"github.com/AT020993/knesset-refactor-sub000/internal/catalog"
	"github.com/AT020993/knesset-refactor-sub000/internal/fetch"
)

// DefaultServiceURL is the Knesset parliament OData service.
const DefaultServiceURL = "https://knesset.gov.il/Odata/ParliamentInfo.svc"

// expandTilde expands ~ or ~/ at the start of a path to the user's home directory
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// Config holds all configuration for the sync tool
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Fetch   FetchConfig   `yaml:"fetch"`
	Breaker BreakerConfig `yaml:"breaker"`
	Storage StorageConfig `yaml:"storage"`
	Tables  []TableConfig `yaml:"tables,omitempty"`
}

// ServiceConfig holds the OData service settings
type ServiceConfig struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"` // per-request HTTP timeout
}

// FetchConfig holds download behavior settings
type FetchConfig struct {
	PageSize              int `yaml:"page_size"`               // skip-mode rows per page
	Concurrency           int `yaml:"concurrency"`             // max in-flight page requests
	CursorCooldownSeconds int `yaml:"cursor_cooldown_seconds"` // wait between cursor chunk retries
}

// BreakerConfig holds circuit breaker tuning
type BreakerConfig struct {
	FailureThreshold       int `yaml:"failure_threshold"`
	RecoveryTimeoutSeconds int `yaml:"recovery_timeout_seconds"`
	MaxRetries             int `yaml:"max_retries"`
	BackoffBaseSeconds     int `yaml:"backoff_base_seconds"`
}

// StorageConfig holds local storage settings
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// TableConfig overrides or adds one catalog entry
type TableConfig struct {
	Name       string `yaml:"name"`
	PrimaryKey string `yaml:"primary_key"`
	Cursor     bool   `yaml:"cursor"`
	ChunkSize  int    `yaml:"chunk_size"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadBytes(data)
}

// LoadBytes reads configuration from YAML bytes.
func LoadBytes(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration used when no config file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// DefaultDataDir returns the default data directory for local storage.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".knsync")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

func (c *Config) applyDefaults() {
	if c.Service.URL == "" {
		c.Service.URL = DefaultServiceURL
	}
	if c.Service.TimeoutSeconds == 0 {
		c.Service.TimeoutSeconds = 60
	}

	if c.Fetch.PageSize == 0 {
		c.Fetch.PageSize = catalog.DefaultPageSize
	}
	if c.Fetch.Concurrency == 0 {
		c.Fetch.Concurrency = fetch.DefaultConcurrency
	}
	if c.Fetch.CursorCooldownSeconds == 0 {
		c.Fetch.CursorCooldownSeconds = int(fetch.DefaultCursorCooldown / time.Second)
	}

	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = breaker.DefaultFailureThreshold
	}
	if c.Breaker.RecoveryTimeoutSeconds == 0 {
		c.Breaker.RecoveryTimeoutSeconds = int(breaker.DefaultRecoveryTimeout / time.Second)
	}
	if c.Breaker.MaxRetries == 0 {
		c.Breaker.MaxRetries = breaker.DefaultMaxRetries
	}
	if c.Breaker.BackoffBaseSeconds == 0 {
		c.Breaker.BackoffBaseSeconds = int(breaker.DefaultBackoffBase / time.Second)
	}

	if c.Storage.DataDir == "" {
		home, _ := os.UserHomeDir()
		c.Storage.DataDir = filepath.Join(home, ".knsync")
	} else {
		c.Storage.DataDir = expandTilde(c.Storage.DataDir)
	}
}

func (c *Config) validate() error {
	if !strings.HasPrefix(c.Service.URL, "http://") && !strings.HasPrefix(c.Service.URL, "https://") {
		return fmt.Errorf("service.url must be an http(s) URL, got %q", c.Service.URL)
	}
	if c.Fetch.PageSize < 1 {
		return fmt.Errorf("fetch.page_size must be positive")
	}
	if c.Fetch.Concurrency < 1 {
		return fmt.Errorf("fetch.concurrency must be positive")
	}
	if c.Breaker.MaxRetries < 1 {
		return fmt.Errorf("breaker.max_retries must be at least 1")
	}
	for _, t := range c.Tables {
		if t.Name == "" {
			return fmt.Errorf("tables entries need a name")
		}
		if t.Cursor && t.PrimaryKey == "" {
			return fmt.Errorf("table %s: cursor mode requires primary_key", t.Name)
		}
	}
	return nil
}

// Sanitized returns a copy of the config safe for logging. The service
// URL can pick up credentials through environment expansion, so any
// userinfo password is redacted.
func (c *Config) Sanitized() *Config {
	sanitized := *c

	if u, err := url.Parse(c.Service.URL); err == nil && u.User != nil {
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), "REDACTED")
			sanitized.Service.URL = u.String()
		}
	}
	return &sanitized
}

// ServiceTimeout returns the per-request HTTP timeout.
func (c *Config) ServiceTimeout() time.Duration {
	return time.Duration(c.Service.TimeoutSeconds) * time.Second
}

// BreakerConfig returns the breaker tuning as a breaker.Config.
func (c *Config) BreakerConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold: c.Breaker.FailureThreshold,
		RecoveryTimeout:  time.Duration(c.Breaker.RecoveryTimeoutSeconds) * time.Second,
		MaxRetries:       c.Breaker.MaxRetries,
		BackoffBase:      time.Duration(c.Breaker.BackoffBaseSeconds) * time.Second,
	}
}

// FetchOptions returns the fetch tuning as fetch.Options.
func (c *Config) FetchOptions() fetch.Options {
	return fetch.Options{
		PageSize:       c.Fetch.PageSize,
		Concurrency:    c.Fetch.Concurrency,
		CursorCooldown: time.Duration(c.Fetch.CursorCooldownSeconds) * time.Second,
		Breaker:        c.BreakerConfig(),
	}
}

// Catalog returns the built-in table catalog with this config's table
// entries merged on top. An entry with a known name replaces the
// built-in definition; a new name adds a table.
func (c *Config) Catalog() (*catalog.Catalog, error) {
	cat := catalog.Default()
	for _, t := range c.Tables {
		entry := catalog.Table{
			Name:       t.Name,
			PrimaryKey: t.PrimaryKey,
			Cursor:     t.Cursor,
			ChunkSize:  t.ChunkSize,
		}
		if err := cat.Add(entry); err != nil {
			return nil, fmt.Errorf("table %s: %w", t.Name, err)
		}
	}
	return cat, nil
}
