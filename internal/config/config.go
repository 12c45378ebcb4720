package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sammcj/mcp-bocha/internal/bocha"
	"github.com/sammcj/mcp-bocha/internal/tools/bochasearch"
	"gopkg.in/yaml.v3"
)

const (
	ConfigEnvVar    = "BOCHA_CONFIG"
	BaseURLEnvVar   = "BOCHA_API_BASE_URL"
	TimeoutEnvVar   = "BOCHA_TIMEOUT"
	RateLimitEnvVar = "BOCHA_RATE_LIMIT"

	defaultEnvFile = ".env"
)

// Config is the server's resolved configuration. Sources are applied in
// order: built-in defaults, YAML file, .env, environment, then flags.
type Config struct {
	APIKey     string        `yaml:"api_key"`
	APIBaseURL string        `yaml:"api_base_url"`
	Timeout    time.Duration `yaml:"timeout"`
	RateLimit  float64       `yaml:"rate_limit"`
	Defaults   ToolDefaults  `yaml:"defaults"`

	// Path is the config file that was read, empty if none was found.
	Path string `yaml:"-"`
}

// ToolDefaults are fixed bocha_search parameters. Set values override
// whatever an agent passes.
type ToolDefaults struct {
	Freshness string `yaml:"freshness"`
	Summary   *bool  `yaml:"summary"`
	Include   string `yaml:"include"`
	Exclude   string `yaml:"exclude"`
	Count     *int   `yaml:"count"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		APIBaseURL: bocha.DefaultBaseURL,
		Timeout:    bocha.DefaultTimeout,
		RateLimit:  bocha.DefaultRateLimit,
	}
}

// DefaultPath returns ~/.mcp-bocha/config.yaml.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".mcp-bocha", "config.yaml"), nil
}

// Load builds a Config from defaults, the YAML file at path (or BOCHA_CONFIG,
// or the default location), .env in the working directory and the
// environment. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(ConfigEnvVar)
	}
	if path == "" {
		if p, err := DefaultPath(); err == nil {
			path = p
		}
	}

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(defaultEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", defaultEnvFile, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	c.Path = path
	return nil
}

func (c *Config) applyEnv() error {
	if v := strings.TrimSpace(os.Getenv(bocha.APIKeyEnvVar)); v != "" {
		c.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv(BaseURLEnvVar)); v != "" {
		c.APIBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv(TimeoutEnvVar)); v != "" {
		d, err := ParseTimeout(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", TimeoutEnvVar, err)
		}
		c.Timeout = d
	}
	if v := strings.TrimSpace(os.Getenv(RateLimitEnvVar)); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", RateLimitEnvVar, err)
		}
		c.RateLimit = rate
	}
	return nil
}

// ParseTimeout accepts a Go duration ("45s") or a bare number of seconds.
func ParseTimeout(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	seconds, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not a duration", v)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("API key is required: set %s, api_key in the config file, or --api-key", bocha.APIKeyEnvVar)
	}

	u, err := url.Parse(c.APIBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid API base URL %q: must be an absolute http(s) URL", c.APIBaseURL)
	}

	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.RateLimit <= 0 {
		return fmt.Errorf("rate limit must be positive, got %g", c.RateLimit)
	}

	// Defaults are checked with the same rules as a real call.
	sample := bochasearch.ResolveParams(c.SearchDefaults(), bocha.SearchParams{Query: "defaults"})
	if err := sample.Validate(); err != nil {
		return fmt.Errorf("invalid tool defaults: %w", err)
	}
	return nil
}

// SearchDefaults converts the configured defaults for the bocha_search tool.
func (c *Config) SearchDefaults() bochasearch.Defaults {
	var d bochasearch.Defaults
	if f := strings.TrimSpace(c.Defaults.Freshness); f != "" {
		freshness := bocha.Freshness(f)
		d.Freshness = &freshness
	}
	d.Summary = c.Defaults.Summary
	if include := strings.TrimSpace(c.Defaults.Include); include != "" {
		d.Include = &include
	}
	if exclude := strings.TrimSpace(c.Defaults.Exclude); exclude != "" {
		d.Exclude = &exclude
	}
	d.Count = c.Defaults.Count
	return d
}
