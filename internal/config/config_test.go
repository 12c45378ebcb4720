package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sammcj/mcp-bocha/internal/bocha"
	"github.com/sammcj/mcp-bocha/internal/tools/bochasearch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var configEnvVars = []string{
	ConfigEnvVar,
	bocha.APIKeyEnvVar,
	BaseURLEnvVar,
	TimeoutEnvVar,
	RateLimitEnvVar,
}

// isolate runs the test in an empty working directory and home, with every
// config variable unset.
func isolate(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	for _, name := range configEnvVars {
		t.Setenv(name, "")
		require.NoError(t, os.Unsetenv(name))
	}
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
}

const fullYAML = `
api_key: file-key
api_base_url: https://bocha.internal.example
timeout: 45s
rate_limit: 2.5
defaults:
  freshness: oneWeek
  summary: true
  include: go.dev|github.com
  exclude: example.com
  count: 5
`

func TestLoad_BuiltInDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, bocha.DefaultBaseURL, cfg.APIBaseURL)
	assert.Equal(t, bocha.DefaultTimeout, cfg.Timeout)
	assert.Equal(t, bocha.DefaultRateLimit, cfg.RateLimit)
	assert.Empty(t, cfg.APIKey)
	assert.Empty(t, cfg.Path)
}

func TestLoad_File(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "bocha.yaml")
	writeFile(t, path, fullYAML)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.Path)
	assert.Equal(t, "file-key", cfg.APIKey)
	assert.Equal(t, "https://bocha.internal.example", cfg.APIBaseURL)
	assert.Equal(t, 45*time.Second, cfg.Timeout)
	assert.Equal(t, 2.5, cfg.RateLimit)
	assert.Equal(t, "oneWeek", cfg.Defaults.Freshness)
	require.NotNil(t, cfg.Defaults.Summary)
	assert.True(t, *cfg.Defaults.Summary)
	assert.Equal(t, "go.dev|github.com", cfg.Defaults.Include)
	assert.Equal(t, "example.com", cfg.Defaults.Exclude)
	require.NotNil(t, cfg.Defaults.Count)
	assert.Equal(t, 5, *cfg.Defaults.Count)
}

func TestLoad_FileLocations(t *testing.T) {
	t.Run("BOCHA_CONFIG", func(t *testing.T) {
		dir := isolate(t)
		path := filepath.Join(dir, "elsewhere.yaml")
		writeFile(t, path, "api_key: from-env-path\n")
		t.Setenv(ConfigEnvVar, path)

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "from-env-path", cfg.APIKey)
	})

	t.Run("home directory", func(t *testing.T) {
		dir := isolate(t)
		writeFile(t, filepath.Join(dir, ".mcp-bocha", "config.yaml"), "api_key: from-home\n")

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "from-home", cfg.APIKey)
	})

	t.Run("missing file is fine", func(t *testing.T) {
		dir := isolate(t)

		cfg, err := Load(filepath.Join(dir, "nope.yaml"))
		require.NoError(t, err)
		assert.Empty(t, cfg.Path)
	})

	t.Run("malformed file", func(t *testing.T) {
		dir := isolate(t)
		path := filepath.Join(dir, "bad.yaml")
		writeFile(t, path, "timeout: [not, a, duration]\n")

		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), path)
	})
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "bocha.yaml")
	writeFile(t, path, fullYAML)

	t.Setenv(bocha.APIKeyEnvVar, "env-key")
	t.Setenv(BaseURLEnvVar, "https://env.example")
	t.Setenv(TimeoutEnvVar, "12")
	t.Setenv(RateLimitEnvVar, "9")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "env-key", cfg.APIKey)
	assert.Equal(t, "https://env.example", cfg.APIBaseURL)
	assert.Equal(t, 12*time.Second, cfg.Timeout)
	assert.Equal(t, 9.0, cfg.RateLimit)
	assert.Equal(t, "oneWeek", cfg.Defaults.Freshness, "defaults only come from the file")
}

func TestLoad_DotEnv(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, ".env"), "BOCHA_API_KEY=dotenv-key\nBOCHA_RATE_LIMIT=3\n")
	t.Setenv(RateLimitEnvVar, "7")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "dotenv-key", cfg.APIKey)
	assert.Equal(t, 7.0, cfg.RateLimit, ".env never overrides the environment")
}

func TestLoad_InvalidEnvironment(t *testing.T) {
	isolate(t)
	t.Setenv(TimeoutEnvVar, "soon")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), TimeoutEnvVar)
}

func TestParseTimeout(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"30s", 30 * time.Second},
		{"1m30s", 90 * time.Second},
		{"15", 15 * time.Second},
		{"0.5", 500 * time.Millisecond},
	}
	for _, tt := range tests {
		got, err := ParseTimeout(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseTimeout("later")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.APIKey = "key"
		return cfg
	}
	count := func(n int) *int { return &n }

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing key", mutate: func(c *Config) { c.APIKey = " " }, wantErr: "API key is required"},
		{name: "relative base URL", mutate: func(c *Config) { c.APIBaseURL = "/v1" }, wantErr: "invalid API base URL"},
		{name: "ftp base URL", mutate: func(c *Config) { c.APIBaseURL = "ftp://bocha.example" }, wantErr: "invalid API base URL"},
		{name: "zero timeout", mutate: func(c *Config) { c.Timeout = 0 }, wantErr: "timeout must be positive"},
		{name: "zero rate", mutate: func(c *Config) { c.RateLimit = 0 }, wantErr: "rate limit must be positive"},
		{name: "bad freshness", mutate: func(c *Config) { c.Defaults.Freshness = "lastDecade" }, wantErr: "invalid tool defaults"},
		{name: "count too high", mutate: func(c *Config) { c.Defaults.Count = count(99) }, wantErr: "invalid tool defaults"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSearchDefaults(t *testing.T) {
	assert.Equal(t, bochasearch.Defaults{}, Default().SearchDefaults())

	summary, count := false, 3
	cfg := Default()
	cfg.Defaults = ToolDefaults{
		Freshness: "oneDay",
		Summary:   &summary,
		Include:   " go.dev ",
		Exclude:   "",
		Count:     &count,
	}

	d := cfg.SearchDefaults()
	require.NotNil(t, d.Freshness)
	assert.Equal(t, bocha.FreshnessOneDay, *d.Freshness)
	assert.Equal(t, &summary, d.Summary)
	require.NotNil(t, d.Include)
	assert.Equal(t, "go.dev", *d.Include)
	assert.Nil(t, d.Exclude)
	assert.Equal(t, &count, d.Count)
}
