package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/sammcj/mcp-bocha/internal/registry"
	"github.com/sammcj/mcp-bocha/internal/telemetry"
	"github.com/sammcj/mcp-bocha/internal/tools"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
)

// runServer starts the MCP server on the selected transport.
func runServer(ctx context.Context, cmd *cli.Command, logger *logrus.Logger) error {
	transport := cmd.String("transport")
	isStdioMode.Store(transport == "stdio")

	configureServerLogging(logger)
	if err := tools.InitGlobalErrorLogger(logger); err != nil {
		logger.WithError(err).Warn("Failed to initialise tool error logging")
	}

	shutdownTelemetry := initTelemetry(logger)
	defer shutdownTelemetry()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := registerTools(cfg, logger); err != nil {
		return err
	}

	sessionID := telemetry.GenerateSessionID()
	ctx = telemetry.StartSessionSpan(ctx, sessionID, transport)
	defer telemetry.EndSessionSpan()

	started := time.Now()
	telemetry.RecordSessionStart(ctx, transport)
	defer func() {
		telemetry.RecordSessionEnd(ctx, transport, time.Since(started).Seconds())
	}()

	logger.WithFields(logrus.Fields{
		"version":   Version,
		"transport": transport,
		"session":   sessionID,
		"tools":     strings.Join(registry.GetEnabledToolNames(), ","),
		"tracing":   telemetry.IsEnabled(),
		"metrics":   telemetry.IsMetricsEnabled(),
	}).Info("Starting mcp-bocha")

	mcpSrv := newMCPServer(transport, logger)

	switch transport {
	case "stdio":
		return serveStdio(ctx, mcpSrv)
	case "sse":
		port := cmd.String("port")
		logger.WithField("port", port).Debug("Starting SSE server")
		sseServer := mcpserver.NewSSEServer(mcpSrv, mcpserver.WithBaseURL(cmd.String("base-url")+"/sse"))
		return sseServer.Start(":" + port)
	case "http":
		return startStreamableHTTPServer(ctx, cmd, mcpSrv, logger)
	default:
		return fmt.Errorf("unsupported transport: %s", transport)
	}
}

func newMCPServer(transport string, logger *logrus.Logger) *mcpserver.MCPServer {
	mcpSrv := mcpserver.NewMCPServer("mcp-bocha", Version,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithRecovery(),
	)

	for name, tool := range registry.GetEnabledTools() {
		logger.WithField("tool", name).Debug("Registering tool")
		mcpSrv.AddTool(tool.Definition(), toolHandler(name, transport, logger))
	}
	return mcpSrv
}

// toolHandler wraps a registered tool with tracing, metrics and error logging.
func toolHandler(name, transport string, logger *logrus.Logger) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tool, ok := registry.GetTool(name)
		if !ok {
			return nil, fmt.Errorf("tool not found: %s", name)
		}

		var args map[string]any
		switch raw := request.Params.Arguments.(type) {
		case nil:
			args = map[string]any{}
		case map[string]any:
			args = raw
		default:
			return nil, fmt.Errorf("invalid arguments type: expected object, got %T", request.Params.Arguments)
		}

		ctx, span := telemetry.StartToolSpan(ctx, name, args)

		start := time.Now()
		result, err := tool.Execute(ctx, logger, args)
		elapsed := float64(time.Since(start).Microseconds()) / 1000

		kind, message := telemetry.ReportedToolError(ctx)
		success := err == nil && (result == nil || !result.IsError) && kind == ""
		telemetry.RecordToolCall(ctx, name, transport, success, elapsed)

		errorLogger := tools.GetGlobalErrorLogger()
		switch {
		case err != nil:
			kind = telemetry.CategoriseToolError(err)
			telemetry.RecordToolError(ctx, name, kind)
			logger.WithError(err).WithField("tool", name).Warn("Tool execution failed")
			if errorLogger != nil {
				errorLogger.LogToolError(name, args, kind, err, transport)
			}
		case kind != "":
			logger.WithFields(logrus.Fields{"tool": name, "error_kind": kind}).Warn(message)
			if errorLogger != nil {
				errorLogger.LogToolError(name, args, kind, errors.New(message), transport)
			}
		}

		telemetry.EndToolSpan(ctx, span, err)

		if err != nil {
			return nil, fmt.Errorf("tool execution failed: %w", err)
		}
		return result, nil
	}
}

// serveStdio serves over stdin and stdout until the input closes or ctx is
// cancelled.
func serveStdio(ctx context.Context, mcpSrv *mcpserver.MCPServer) error {
	stdio := mcpserver.NewStdioServer(mcpSrv)
	err := stdio.Listen(ctx, os.Stdin, os.Stdout)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func startStreamableHTTPServer(ctx context.Context, cmd *cli.Command, mcpServer *mcpserver.MCPServer, logger *logrus.Logger) error {
	port := cmd.String("port")
	authToken := cmd.String("auth-token")
	endpointPath := cmd.String("endpoint-path")
	sessionTimeout := cmd.Duration("session-timeout")

	logger.Infof("Starting Streamable HTTP server on port %s with endpoint %s", port, endpointPath)

	var opts []mcpserver.StreamableHTTPOption
	opts = append(opts, mcpserver.WithEndpointPath(endpointPath))

	if sessionTimeout > 0 {
		opts = append(opts, mcpserver.WithSessionIdManager(NewTimeoutSessionManager(sessionTimeout, logger)))
	}

	heartbeatInterval := 30 * time.Second
	if sessionTimeout > 0 {
		heartbeatInterval = sessionTimeout / 4
	}
	opts = append(opts,
		mcpserver.WithHeartbeatInterval(heartbeatInterval),
		mcpserver.WithLogger(&logrusAdapter{logger: logger}),
	)

	httpServer := mcpserver.NewStreamableHTTPServer(mcpServer, opts...)

	mux := http.NewServeMux()
	mux.Handle(endpointPath, authMiddleware(authToken, logger, httpServer))
	if authToken != "" {
		logger.Info("Bearer token authentication enabled")
	}

	server := &http.Server{
		Addr:           ":" + port,
		Handler:        mux,
		ReadTimeout:    30 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("HTTP server failed: %w", err)
	case <-ctx.Done():
		logger.Info("Shutdown signal received, stopping HTTP server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP server shutdown failed")
		return err
	}
	logger.Info("HTTP server stopped gracefully")
	return nil
}

// authMiddleware rejects requests from unknown origins and, when a token is
// configured, requests without the matching bearer token.
func authMiddleware(expectedToken string, logger *logrus.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if version := req.Header.Get("MCP-Protocol-Version"); version != "" && !isValidProtocolVersion(version) {
			logger.Warnf("Unsupported MCP Protocol Version: %s", version)
		}

		// DNS rebinding protection
		if origin := req.Header.Get("Origin"); origin != "" && !isValidOrigin(origin) {
			logger.Warnf("Invalid Origin header: %s", origin)
			http.Error(w, "forbidden origin", http.StatusForbidden)
			return
		}

		if expectedToken != "" {
			const bearerPrefix = "Bearer "
			authHeader := req.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, bearerPrefix) || strings.TrimPrefix(authHeader, bearerPrefix) != expectedToken {
				logger.Warn("Request rejected: missing or invalid bearer token")
				w.Header().Set("WWW-Authenticate", `Bearer realm="mcp-bocha"`)
				http.Error(w, "unauthorised", http.StatusUnauthorized)
				return
			}
		}

		next.ServeHTTP(w, req)
	})
}

// isValidProtocolVersion checks if the MCP protocol version is supported
func isValidProtocolVersion(version string) bool {
	supportedVersions := []string{
		"2025-06-18",
		"2025-03-26",
		"2024-11-05",
	}
	return slices.Contains(supportedVersions, version)
}

// isValidOrigin allows only loopback origins.
func isValidOrigin(origin string) bool {
	allowedOrigins := []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	}

	for _, allowed := range allowedOrigins {
		if origin == allowed || strings.HasPrefix(origin, allowed+":") || strings.HasPrefix(origin, allowed+"/") {
			return true
		}
	}
	return false
}

// TimeoutSessionManager issues session IDs and expires them after a period of
// inactivity.
type TimeoutSessionManager struct {
	timeout time.Duration
	logger  *logrus.Logger
	now     func() time.Time

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

func NewTimeoutSessionManager(timeout time.Duration, logger *logrus.Logger) *TimeoutSessionManager {
	return &TimeoutSessionManager{
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
		lastSeen: make(map[string]time.Time),
	}
}

func (t *TimeoutSessionManager) Generate() string {
	id := uuid.NewString()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSeen[id] = t.now()
	return id
}

// Validate reports whether the session has been terminated. Each successful
// validation extends the session.
func (t *TimeoutSessionManager) Validate(sessionID string) (bool, error) {
	if sessionID == "" {
		return false, fmt.Errorf("empty session ID")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	seen, ok := t.lastSeen[sessionID]
	if !ok {
		return false, fmt.Errorf("unknown session ID: %s", sessionID)
	}

	now := t.now()
	if now.Sub(seen) > t.timeout {
		delete(t.lastSeen, sessionID)
		t.logger.Debugf("Session expired: %s", sessionID)
		return true, nil
	}

	t.lastSeen[sessionID] = now
	return false, nil
}

// Terminate ends a session. Clients are always allowed to terminate their own
// session.
func (t *TimeoutSessionManager) Terminate(sessionID string) (bool, error) {
	t.mu.Lock()
	delete(t.lastSeen, sessionID)
	t.mu.Unlock()

	t.logger.Debugf("Session terminated: %s", sessionID)
	return false, nil
}

// logrusAdapter adapts logrus.Logger to the mcp-go util.Logger interface
type logrusAdapter struct {
	logger *logrus.Logger
}

func (l *logrusAdapter) Infof(format string, args ...any) {
	l.logger.Infof(format, args...)
}

func (l *logrusAdapter) Errorf(format string, args ...any) {
	l.logger.Errorf(format, args...)
}
