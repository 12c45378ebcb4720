package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sammcj/mcp-bocha/internal/bocha"
	"github.com/sammcj/mcp-bocha/internal/config"
	"github.com/sammcj/mcp-bocha/internal/registry"
	"github.com/sammcj/mcp-bocha/internal/telemetry"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fakeTool struct {
	name   string
	args   map[string]any
	result *mcp.CallToolResult
	err    error
	report string
}

func (f *fakeTool) Definition() mcp.Tool {
	return mcp.NewTool(f.name, mcp.WithDescription("fake"))
}

func (f *fakeTool) Execute(ctx context.Context, _ *logrus.Logger, args map[string]any) (*mcp.CallToolResult, error) {
	f.args = args
	if f.report != "" {
		telemetry.AnnotateToolError(ctx, f.report, "reported failure")
	}
	return f.result, f.err
}

func registerFake(t *testing.T, tool *fakeTool) {
	t.Helper()
	t.Setenv("DISABLED_TOOLS", "")
	registry.Init(quietLogger())
	registry.Register(tool)
}

func callRequest(args any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = "fake_tool"
	req.Params.Arguments = args
	return req
}

func TestToolHandler_Success(t *testing.T) {
	tool := &fakeTool{name: "fake_tool", result: mcp.NewToolResultText("ok")}
	registerFake(t, tool)

	result, err := toolHandler("fake_tool", "stdio", quietLogger())(context.Background(), callRequest(map[string]any{"query": "go"}))
	require.NoError(t, err)
	assert.Equal(t, tool.result, result)
	assert.Equal(t, map[string]any{"query": "go"}, tool.args)
}

func TestToolHandler_NilArgumentsBecomeEmpty(t *testing.T) {
	tool := &fakeTool{name: "fake_tool", result: mcp.NewToolResultText("ok")}
	registerFake(t, tool)

	_, err := toolHandler("fake_tool", "stdio", quietLogger())(context.Background(), callRequest(nil))
	require.NoError(t, err)
	assert.NotNil(t, tool.args)
	assert.Empty(t, tool.args)
}

func TestToolHandler_Errors(t *testing.T) {
	t.Run("invalid arguments", func(t *testing.T) {
		registerFake(t, &fakeTool{name: "fake_tool"})

		_, err := toolHandler("fake_tool", "stdio", quietLogger())(context.Background(), callRequest("not an object"))
		assert.ErrorContains(t, err, "invalid arguments type")
	})

	t.Run("unknown tool", func(t *testing.T) {
		registerFake(t, &fakeTool{name: "fake_tool"})

		_, err := toolHandler("other_tool", "stdio", quietLogger())(context.Background(), callRequest(nil))
		assert.ErrorContains(t, err, "tool not found")
	})

	t.Run("execution error is wrapped", func(t *testing.T) {
		boom := errors.New("boom")
		registerFake(t, &fakeTool{name: "fake_tool", err: boom})

		_, err := toolHandler("fake_tool", "stdio", quietLogger())(context.Background(), callRequest(nil))
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "tool execution failed")
	})

	t.Run("reported failure still returns the result", func(t *testing.T) {
		result := mcp.NewToolResultText(`{"error": "reported failure"}`)
		registerFake(t, &fakeTool{name: "fake_tool", result: result, report: bocha.KindTransport})

		got, err := toolHandler("fake_tool", "stdio", quietLogger())(context.Background(), callRequest(nil))
		require.NoError(t, err)
		assert.Equal(t, result, got)
	})
}

func TestTimeoutSessionManager(t *testing.T) {
	m := NewTimeoutSessionManager(time.Minute, quietLogger())
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	id := m.Generate()
	require.NotEmpty(t, id)
	assert.NotEqual(t, id, m.Generate())

	terminated, err := m.Validate(id)
	require.NoError(t, err)
	assert.False(t, terminated)

	// Validation extends the session
	now = now.Add(50 * time.Second)
	terminated, err = m.Validate(id)
	require.NoError(t, err)
	assert.False(t, terminated)

	now = now.Add(50 * time.Second)
	terminated, err = m.Validate(id)
	require.NoError(t, err)
	assert.False(t, terminated)

	now = now.Add(2 * time.Minute)
	terminated, err = m.Validate(id)
	require.NoError(t, err)
	assert.True(t, terminated, "idle session expires")

	_, err = m.Validate(id)
	assert.Error(t, err, "expired sessions are forgotten")

	_, err = m.Validate("")
	assert.Error(t, err)

	other := m.Generate()
	notAllowed, err := m.Terminate(other)
	require.NoError(t, err)
	assert.False(t, notAllowed)
	_, err = m.Validate(other)
	assert.Error(t, err)
}

func TestAuthMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name   string
		token  string
		header map[string]string
		want   int
	}{
		{name: "no token configured", want: http.StatusOK},
		{name: "valid token", token: "secret", header: map[string]string{"Authorization": "Bearer secret"}, want: http.StatusOK},
		{name: "missing token", token: "secret", want: http.StatusUnauthorized},
		{name: "wrong token", token: "secret", header: map[string]string{"Authorization": "Bearer nope"}, want: http.StatusUnauthorized},
		{name: "basic auth", token: "secret", header: map[string]string{"Authorization": "Basic secret"}, want: http.StatusUnauthorized},
		{name: "loopback origin", header: map[string]string{"Origin": "http://localhost:3000"}, want: http.StatusOK},
		{name: "foreign origin", header: map[string]string{"Origin": "https://evil.example"}, want: http.StatusForbidden},
		{name: "unknown protocol version is logged only", header: map[string]string{"MCP-Protocol-Version": "1999-01-01"}, want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/http", nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()

			authMiddleware(tt.token, quietLogger(), next).ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestIsValidOrigin(t *testing.T) {
	assert.True(t, isValidOrigin("http://localhost"))
	assert.True(t, isValidOrigin("https://127.0.0.1:8443"))
	assert.False(t, isValidOrigin("http://localhost.evil.example"))
	assert.False(t, isValidOrigin("https://example.com"))
}

func TestIsValidProtocolVersion(t *testing.T) {
	assert.True(t, isValidProtocolVersion("2025-06-18"))
	assert.True(t, isValidProtocolVersion("2024-11-05"))
	assert.False(t, isValidProtocolVersion("2023-01-01"))
}

func TestParseLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "DEBUG")
	assert.Equal(t, logrus.DebugLevel, parseLogLevel())

	t.Setenv("LOG_LEVEL", "")
	assert.Equal(t, logrus.WarnLevel, parseLogLevel())

	t.Setenv("LOG_LEVEL", "chatty")
	assert.Equal(t, logrus.WarnLevel, parseLogLevel())
}

func runLoadConfig(t *testing.T, args ...string) (*config.Config, error) {
	t.Helper()

	var (
		cfg *config.Config
		err error
	)
	cmd := &cli.Command{
		Name:  "mcp-bocha",
		Flags: append(serverFlags(), searchFlags()...),
		Action: func(_ context.Context, cmd *cli.Command) error {
			cfg, err = loadConfig(cmd)
			return nil
		},
	}
	require.NoError(t, cmd.Run(context.Background(), append([]string{"mcp-bocha"}, args...)))
	return cfg, err
}

func isolateConfig(t *testing.T) {
	t.Helper()

	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	for _, name := range []string{config.ConfigEnvVar, bocha.APIKeyEnvVar, config.BaseURLEnvVar, config.TimeoutEnvVar, config.RateLimitEnvVar} {
		t.Setenv(name, "")
		require.NoError(t, os.Unsetenv(name))
	}
}

func TestLoadConfig_FlagsOverride(t *testing.T) {
	isolateConfig(t)
	t.Setenv(bocha.APIKeyEnvVar, "env-key")

	cfg, err := runLoadConfig(t,
		"--api-key", "flag-key",
		"--timeout", "5s",
		"--rate-limit", "1.5",
		"--freshness", "oneMonth",
		"--summary",
		"--include", "go.dev",
		"--count", "7",
	)
	require.NoError(t, err)

	assert.Equal(t, "flag-key", cfg.APIKey)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, 1.5, cfg.RateLimit)
	assert.Equal(t, "oneMonth", cfg.Defaults.Freshness)
	require.NotNil(t, cfg.Defaults.Summary)
	assert.True(t, *cfg.Defaults.Summary)
	assert.Equal(t, "go.dev", cfg.Defaults.Include)
	require.NotNil(t, cfg.Defaults.Count)
	assert.Equal(t, 7, *cfg.Defaults.Count)
}

func TestLoadConfig_UnsetFlagsKeepEnvironment(t *testing.T) {
	isolateConfig(t)
	t.Setenv(bocha.APIKeyEnvVar, "env-key")

	cfg, err := runLoadConfig(t)
	require.NoError(t, err)
	assert.Equal(t, "env-key", cfg.APIKey)
	assert.Nil(t, cfg.Defaults.Summary)
	assert.Nil(t, cfg.Defaults.Count)
}

func TestLoadConfig_Invalid(t *testing.T) {
	isolateConfig(t)

	_, err := runLoadConfig(t)
	assert.ErrorContains(t, err, "API key is required")

	_, err = runLoadConfig(t, "--api-key", "k", "--count", "99")
	assert.ErrorContains(t, err, "invalid tool defaults")
}
