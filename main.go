package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sammcj/mcp-bocha/internal/bocha"
	toolcli "github.com/sammcj/mcp-bocha/internal/cli"
	"github.com/sammcj/mcp-bocha/internal/config"
	"github.com/sammcj/mcp-bocha/internal/registry"
	"github.com/sammcj/mcp-bocha/internal/telemetry"
	"github.com/sammcj/mcp-bocha/internal/tools"
	"github.com/sammcj/mcp-bocha/internal/tools/bochasearch"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
)

// Version information (set during build)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// Global resources that need cleanup. Atomic so signal handling and cleanup
// never race.
var (
	debugLogFile atomic.Pointer[os.File]
	isStdioMode  atomic.Bool
)

const (
	// DefaultMemoryLimit is the default soft memory limit (512MB)
	DefaultMemoryLimit = 512 * 1024 * 1024
)

// parseLogLevel parses LOG_LEVEL, defaulting to warn when unset or invalid.
func parseLogLevel() logrus.Level {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))) {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.WarnLevel
	}
}

// setMemoryLimit configures the Go runtime soft memory limit
func setMemoryLimit() {
	var memLimit int64 = DefaultMemoryLimit
	if parsed, err := strconv.ParseInt(os.Getenv("MCP_BOCHA_MEMORY_LIMIT"), 10, 64); err == nil && parsed > 0 {
		memLimit = parsed
	}
	debug.SetMemoryLimit(memLimit)
}

func main() {
	setMemoryLimit()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Discard output until we know the transport
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(parseLogLevel())
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	registry.Init(logger)
	defer performCleanup(logger)

	bocha.UserAgent = "mcp-bocha/" + Version
	telemetry.SetServiceVersion(Version)

	if err := newApp(logger).Run(ctx, os.Args); err != nil {
		// Nothing may be written to stdout or stderr in stdio mode
		if !isStdioMode.Load() {
			toolcli.PrintError(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func newApp(logger *logrus.Logger) *cli.Command {
	return &cli.Command{
		Name:    "mcp-bocha",
		Usage:   "MCP server for Bocha web search",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate),
		Flags:   append(serverFlags(), searchFlags()...),
		Commands: []*cli.Command{
			{
				Name:  "version",
				Usage: "Print version information",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					fmt.Printf("mcp-bocha version %s\n", Version)
					fmt.Printf("Commit: %s\n", Commit)
					fmt.Printf("Built: %s\n", BuildDate)
					return nil
				},
			},
			{
				Name:      "search",
				Usage:     "Run a Bocha web search and print the results",
				ArgsUsage: "<query>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "json", Usage: "Print the raw wire-shaped response as JSON"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					query := strings.Join(cmd.Args().Slice(), " ")
					if strings.TrimSpace(query) == "" {
						return fmt.Errorf("usage: mcp-bocha search <query>")
					}
					runner, err := newRunner(cmd, logger)
					if err != nil {
						return err
					}
					return runner.Search(ctx, query, nil)
				},
			},
			{
				Name:  "cli",
				Usage: "Call tools directly without starting the MCP server",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "json", Usage: "Output JSON instead of text"},
				},
				Commands: []*cli.Command{
					{
						Name:  "list",
						Usage: "List enabled tools",
						Action: func(ctx context.Context, cmd *cli.Command) error {
							runner, err := newRunner(cmd, logger)
							if err != nil {
								return err
							}
							return runner.ListTools()
						},
					},
					{
						Name:      "help",
						Usage:     "Show parameters and usage for a tool",
						ArgsUsage: "<tool>",
						Action: func(ctx context.Context, cmd *cli.Command) error {
							if cmd.Args().Len() != 1 {
								return fmt.Errorf("usage: mcp-bocha cli help <tool>")
							}
							runner, err := newRunner(cmd, logger)
							if err != nil {
								return err
							}
							return runner.HelpTool(cmd.Args().First())
						},
					},
					{
						Name:            "run",
						Usage:           "Run a tool with --key=value flags or a JSON object",
						ArgsUsage:       "<tool> [args...]",
						SkipFlagParsing: true,
						Action: func(ctx context.Context, cmd *cli.Command) error {
							if cmd.Args().Len() < 1 {
								return fmt.Errorf("usage: mcp-bocha cli run <tool> [args...]")
							}
							runner, err := newRunner(cmd, logger)
							if err != nil {
								return err
							}
							return runner.RunTool(ctx, cmd.Args().First(), cmd.Args().Tail())
						},
					},
				},
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runServer(ctx, cmd, logger)
		},
	}
}

func serverFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "transport",
			Aliases: []string{"t"},
			Value:   "stdio",
			Usage:   "Transport type (stdio, sse, or http)",
		},
		&cli.StringFlag{
			Name:  "port",
			Value: "18080",
			Usage: "Port to use for HTTP transports (SSE and Streamable HTTP)",
		},
		&cli.StringFlag{
			Name:  "base-url",
			Value: "http://localhost",
			Usage: "Base URL for HTTP transports",
		},
		&cli.StringFlag{
			Name:    "auth-token",
			Usage:   "Bearer token required by the Streamable HTTP transport (optional)",
			Sources: cli.EnvVars("MCP_BOCHA_AUTH_TOKEN"),
		},
		&cli.StringFlag{
			Name:  "endpoint-path",
			Value: "/http",
			Usage: "Endpoint path for Streamable HTTP transport",
		},
		&cli.DurationFlag{
			Name:  "session-timeout",
			Value: 30 * time.Minute,
			Usage: "Session timeout for Streamable HTTP transport",
		},
	}
}

// searchFlags override the config file and environment.
func searchFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "Path to the YAML config file (default: $BOCHA_CONFIG or ~/.mcp-bocha/config.yaml)",
		},
		&cli.StringFlag{
			Name:  "api-key",
			Usage: "Bocha API key (default: $BOCHA_API_KEY)",
		},
		&cli.StringFlag{
			Name:  "api-base-url",
			Usage: "Bocha API base URL",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "Bocha request timeout",
		},
		&cli.FloatFlag{
			Name:  "rate-limit",
			Usage: "Maximum Bocha requests per second",
		},
		&cli.StringFlag{
			Name:  "freshness",
			Usage: "Fixed freshness for every search (noLimit, oneDay, oneWeek, oneMonth, oneYear)",
		},
		&cli.BoolFlag{
			Name:  "summary",
			Usage: "Fixed summary setting for every search",
		},
		&cli.StringFlag{
			Name:  "include",
			Usage: "Fixed domains to include in every search, separated by | or ,",
		},
		&cli.StringFlag{
			Name:  "exclude",
			Usage: "Fixed domains to exclude from every search, separated by | or ,",
		},
		&cli.IntFlag{
			Name:  "count",
			Usage: "Fixed number of results for every search",
		},
	}
}

// loadConfig resolves the configuration, with flags taking precedence over
// every other source.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}

	if cmd.IsSet("api-key") {
		cfg.APIKey = cmd.String("api-key")
	}
	if cmd.IsSet("api-base-url") {
		cfg.APIBaseURL = cmd.String("api-base-url")
	}
	if cmd.IsSet("timeout") {
		cfg.Timeout = cmd.Duration("timeout")
	}
	if cmd.IsSet("rate-limit") {
		cfg.RateLimit = cmd.Float("rate-limit")
	}
	if cmd.IsSet("freshness") {
		cfg.Defaults.Freshness = cmd.String("freshness")
	}
	if cmd.IsSet("summary") {
		summary := cmd.Bool("summary")
		cfg.Defaults.Summary = &summary
	}
	if cmd.IsSet("include") {
		cfg.Defaults.Include = cmd.String("include")
	}
	if cmd.IsSet("exclude") {
		cfg.Defaults.Exclude = cmd.String("exclude")
	}
	if cmd.IsSet("count") {
		count := cmd.Int("count")
		cfg.Defaults.Count = &count
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// registerTools builds the Bocha client from cfg and registers bocha_search.
func registerTools(cfg *config.Config, logger *logrus.Logger) error {
	client, err := bocha.NewClient(bocha.ClientConfig{
		APIKey:    cfg.APIKey,
		BaseURL:   cfg.APIBaseURL,
		Timeout:   cfg.Timeout,
		RateLimit: cfg.RateLimit,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	fields := logrus.Fields{
		"base_url":   client.BaseURL(),
		"timeout":    cfg.Timeout,
		"rate_limit": cfg.RateLimit,
	}
	if cfg.Path != "" {
		fields["config"] = cfg.Path
	}
	logger.WithFields(fields).Debug("Bocha client configured")

	registry.Register(bochasearch.New(client, cfg.SearchDefaults()))
	return nil
}

// newRunner prepares the registry for the cli and search commands, which log
// to stderr instead of the log file.
func newRunner(cmd *cli.Command, logger *logrus.Logger) (*toolcli.Runner, error) {
	logger.SetOutput(os.Stderr)
	logger.SetLevel(parseLogLevel())

	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := registerTools(cfg, logger); err != nil {
		return nil, err
	}

	output := toolcli.OutputText
	if cmd.Bool("json") {
		output = toolcli.OutputJSON
	}
	return toolcli.NewRunner(logger, output, os.Stdout), nil
}

// configureServerLogging sends logs to ~/.mcp-bocha/logs/mcp-bocha.log. When
// the file cannot be opened stdio mode discards logs and other transports use
// stderr.
func configureServerLogging(logger *logrus.Logger) {
	logLevel := parseLogLevel()

	file, err := openLogFile()
	if err != nil {
		if isStdioMode.Load() {
			logger.SetOutput(io.Discard)
			logrus.SetOutput(io.Discard)
		} else {
			logger.SetOutput(os.Stderr)
			logrus.SetOutput(os.Stderr)
		}
		logger.SetLevel(logLevel)
		logrus.SetLevel(logLevel)
		return
	}

	debugLogFile.Store(file)
	logger.SetOutput(file)
	logrus.SetOutput(file)

	// stdio mode logs at warn or above
	if isStdioMode.Load() && logLevel > logrus.WarnLevel {
		logLevel = logrus.WarnLevel
	}
	logger.SetLevel(logLevel)
	logrus.SetLevel(logLevel)
	logger.WithField("level", logLevel.String()).Debug("Logging configured")
}

func openLogFile() (*os.File, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	logDir := filepath.Join(homeDir, ".mcp-bocha", "logs")
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return nil, err
	}

	return os.OpenFile(filepath.Join(logDir, "mcp-bocha.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
}

// initTelemetry starts tracing and metrics. Both are noops unless
// OTEL_EXPORTER_OTLP_ENDPOINT is set.
func initTelemetry(logger *logrus.Logger) func() {
	shutdownTracer, err := telemetry.InitTracer(logger)
	if err != nil {
		logger.WithError(err).Warn("Failed to initialise tracing")
	}
	shutdownMetrics, err := telemetry.InitMetrics(logger)
	if err != nil {
		logger.WithError(err).Warn("Failed to initialise metrics")
	}

	return func() {
		if err := shutdownMetrics(); err != nil {
			logger.WithError(err).Warn("Failed to shut down metrics")
		}
		if err := shutdownTracer(); err != nil {
			logger.WithError(err).Warn("Failed to shut down tracing")
		}
	}
}

// performCleanup handles cleanup of resources on shutdown
func performCleanup(logger *logrus.Logger) {
	if errorLogger := tools.GetGlobalErrorLogger(); errorLogger != nil {
		if err := errorLogger.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close tool error logger")
		}
	}

	// Closed last, the logger may still be writing to it
	if file := debugLogFile.Load(); file != nil {
		_ = file.Close()
	}
}
