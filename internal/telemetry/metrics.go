package telemetry

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const defaultMetricExportInterval = 60 * time.Second

var (
	metricsMutex        sync.RWMutex
	globalMeterProvider *sdkmetric.MeterProvider
	globalMeter         metric.Meter
	metricsEnabled      bool

	// Enabled metric groups (MCP_METRICS_GROUPS)
	enabledMetricGroups map[string]bool

	toolCallsCounter      metric.Int64Counter
	toolDurationHistogram metric.Float64Histogram
	toolErrorsCounter     metric.Int64Counter

	searchResultsHistogram metric.Int64Histogram

	activeSessionsGauge metric.Int64UpDownCounter
	sessionDurationHist metric.Float64Histogram
)

// InitMetrics initialises the OpenTelemetry meter provider. It shares the
// OTLP endpoint and protocol settings with InitTracer.
func InitMetrics(logger *logrus.Logger) (func() error, error) {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	enabledMetricGroups = parseEnabledMetricGroups()
	if len(enabledMetricGroups) == 0 {
		enabledMetricGroups = map[string]bool{
			"tool":    true,
			"search":  true,
			"session": true,
		}
		logger.Debug("OTEL Metrics: Using default groups (tool, search, session)")
	} else {
		logger.WithField("enabled_groups", enabledMetricGroups).Debug("OTEL Metrics: Enabled groups configured")
	}

	noopShutdown := func() error { return nil }

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" || strings.EqualFold(os.Getenv("OTEL_SDK_DISABLED"), "true") {
		logger.Debug("OTEL Metrics: Not configured, using noop meter")
		metricsEnabled = false
		globalMeter = otel.GetMeterProvider().Meter(ServiceName)
		return noopShutdown, nil
	}

	logger.WithField("endpoint", endpoint).Info("OTEL Metrics: Initialising meter")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var exporter sdkmetric.Exporter
	var err error
	switch protocol := getOTLPProtocol(); protocol {
	case "grpc":
		exporter, err = otlpmetricgrpc.New(ctx)
	case "http/protobuf", "http":
		exporter, err = otlpmetrichttp.New(ctx)
	default:
		logger.WithField("protocol", protocol).Warn("OTEL Metrics: Unknown protocol, defaulting to http")
		exporter, err = otlpmetrichttp.New(ctx)
	}
	if err != nil {
		logger.WithError(err).Warn("OTEL Metrics: Failed to create exporter, falling back to noop meter")
		metricsEnabled = false
		globalMeter = otel.GetMeterProvider().Meter(ServiceName)
		return noopShutdown, err
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(getMetricExportInterval(logger)),
		)),
		sdkmetric.WithResource(newResource(ctx, logger)),
	)

	otel.SetMeterProvider(meterProvider)
	globalMeterProvider = meterProvider
	globalMeter = meterProvider.Meter(ServiceName)

	if err := initMetricInstruments(logger, globalMeter, enabledMetricGroups); err != nil {
		logger.WithError(err).Error("OTEL Metrics: Failed to initialise instruments")
		return noopShutdown, err
	}
	metricsEnabled = true

	logger.Info("OTEL Metrics: Meter initialised successfully")

	return func() error {
		metricsMutex.Lock()
		defer metricsMutex.Unlock()

		if globalMeterProvider == nil {
			return nil
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := globalMeterProvider.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("OTEL Metrics: Failed to shutdown meter provider")
			return err
		}
		globalMeterProvider = nil
		metricsEnabled = false
		logger.Debug("OTEL Metrics: Meter provider shutdown successfully")
		return nil
	}, nil
}

// initMetricInstruments creates the instruments for each enabled group.
func initMetricInstruments(logger *logrus.Logger, meter metric.Meter, groups map[string]bool) error {
	var err error

	if groups["tool"] {
		if toolCallsCounter, err = meter.Int64Counter(
			"mcp.tool.calls",
			metric.WithDescription("Total tool invocations"),
			metric.WithUnit("{call}"),
		); err != nil {
			return err
		}

		if toolDurationHistogram, err = meter.Float64Histogram(
			"mcp.tool.duration",
			metric.WithDescription("Tool execution duration"),
			metric.WithUnit("ms"),
			metric.WithExplicitBucketBoundaries(10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000),
		); err != nil {
			return err
		}

		if toolErrorsCounter, err = meter.Int64Counter(
			"mcp.tool.errors",
			metric.WithDescription("Tool execution errors by type"),
			metric.WithUnit("{error}"),
		); err != nil {
			return err
		}

		logger.Debug("OTEL Metrics: Tool metrics initialised")
	}

	if groups["search"] {
		if searchResultsHistogram, err = meter.Int64Histogram(
			"search.results",
			metric.WithDescription("Web pages returned per search"),
			metric.WithUnit("{result}"),
			metric.WithExplicitBucketBoundaries(0, 1, 5, 10, 20, 50),
		); err != nil {
			return err
		}

		logger.Debug("OTEL Metrics: Search metrics initialised")
	}

	if groups["session"] {
		if activeSessionsGauge, err = meter.Int64UpDownCounter(
			"mcp.session.active",
			metric.WithDescription("Active concurrent sessions"),
			metric.WithUnit("{session}"),
		); err != nil {
			return err
		}

		if sessionDurationHist, err = meter.Float64Histogram(
			"mcp.session.duration",
			metric.WithDescription("Session duration"),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(10, 30, 60, 300, 600, 1800, 3600, 7200),
		); err != nil {
			return err
		}

		logger.Debug("OTEL Metrics: Session metrics initialised")
	}

	return nil
}

// IsMetricsEnabled returns true if metrics collection is enabled
func IsMetricsEnabled() bool {
	metricsMutex.RLock()
	defer metricsMutex.RUnlock()
	return metricsEnabled
}

// RecordToolCall records a tool invocation and its duration.
func RecordToolCall(ctx context.Context, toolName string, transport string, success bool, durationMs float64) {
	if !isMetricGroupEnabled("tool") {
		return
	}

	result := "success"
	if !success {
		result = "error"
	}

	toolCallsCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool.name", toolName),
			attribute.String("transport", transport),
			attribute.String("result", result),
		),
	)
	toolDurationHistogram.Record(ctx, durationMs,
		metric.WithAttributes(
			attribute.String("tool.name", toolName),
			attribute.String("transport", transport),
		),
	)
}

// RecordToolError records a categorised tool error.
func RecordToolError(ctx context.Context, toolName string, errorType string) {
	if !isMetricGroupEnabled("tool") {
		return
	}

	toolErrorsCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool.name", toolName),
			attribute.String("error.type", errorType),
		),
	)
}

// RecordSearchResults records how many web pages a search returned.
func RecordSearchResults(ctx context.Context, freshness string, count int) {
	if !isMetricGroupEnabled("search") {
		return
	}

	searchResultsHistogram.Record(ctx, int64(count),
		metric.WithAttributes(attribute.String("search.freshness", freshness)),
	)
}

// RecordSessionStart increments the active sessions counter.
func RecordSessionStart(ctx context.Context, transport string) {
	if !isMetricGroupEnabled("session") {
		return
	}

	activeSessionsGauge.Add(ctx, 1, metric.WithAttributes(attribute.String("transport", transport)))
}

// RecordSessionEnd decrements active sessions and records the session duration.
func RecordSessionEnd(ctx context.Context, transport string, durationSeconds float64) {
	if !isMetricGroupEnabled("session") {
		return
	}

	attrs := metric.WithAttributes(attribute.String("transport", transport))
	activeSessionsGauge.Add(ctx, -1, attrs)
	sessionDurationHist.Record(ctx, durationSeconds, attrs)
}

// CategoriseToolError maps errors that escape a tool to metric-friendly
// categories. Search failures are categorised by the tool itself.
func CategoriseToolError(err error) string {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "timeout"
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return "timeout"
		}
		return "network"
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "connection refused"), strings.Contains(errStr, "no such host"):
		return "network"
	case strings.Contains(errStr, "invalid"), strings.Contains(errStr, "required"), strings.Contains(errStr, "must be"):
		return "validation"
	default:
		return "internal"
	}
}

func parseEnabledMetricGroups() map[string]bool {
	enabled := make(map[string]bool)
	for group := range strings.SplitSeq(os.Getenv("MCP_METRICS_GROUPS"), ",") {
		if group = strings.TrimSpace(group); group != "" {
			enabled[group] = true
		}
	}
	return enabled
}

// isMetricGroupEnabled reports whether metrics are on and group's instruments exist.
func isMetricGroupEnabled(group string) bool {
	metricsMutex.RLock()
	defer metricsMutex.RUnlock()
	return metricsEnabled && enabledMetricGroups[group]
}

func getMetricExportInterval(logger *logrus.Logger) time.Duration {
	intervalStr := os.Getenv("OTEL_METRIC_EXPORT_INTERVAL")
	if intervalStr == "" {
		return defaultMetricExportInterval
	}

	// Bare numbers are seconds
	duration, err := time.ParseDuration(intervalStr)
	if err != nil {
		duration, err = time.ParseDuration(intervalStr + "s")
		if err != nil {
			logger.WithField("interval", intervalStr).Warn("OTEL Metrics: Invalid export interval, using default")
			return defaultMetricExportInterval
		}
	}

	return duration
}
