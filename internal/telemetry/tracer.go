package telemetry

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type contextKey string

const (
	sessionIDKey contextKey = "mcp.session.id"
	outcomeKey   contextKey = "mcp.tool.outcome"

	defaultMaxAttributeSize = 4096
	minAttributeSize        = 1024
	maxAttributeSize        = 65536
)

var (
	globalMutex          sync.RWMutex
	globalTracer         trace.Tracer
	globalTracerProvider *sdktrace.TracerProvider
	tracingEnabled       bool
	serviceVersion       atomic.Value

	// Tool spans use the session span as their parent on stdio.
	globalSessionSpanContext trace.SpanContext
	globalSessionID          string
)

// otelErrorHandler routes OTEL SDK errors to our logger. OTEL writes to stderr
// otherwise, which breaks the stdio protocol.
type otelErrorHandler struct {
	logger *logrus.Logger
}

func (h *otelErrorHandler) Handle(err error) {
	if err == nil {
		return
	}
	h.logger.WithError(err).Debug("OTEL: SDK error occurred")
}

// SetServiceVersion records the build version reported on the OTEL resource.
func SetServiceVersion(version string) {
	if version != "" {
		serviceVersion.Store(version)
	}
}

// InitTracer initialises the OpenTelemetry tracer from the standard OTEL_*
// environment variables. Tracing stays a noop unless OTEL_EXPORTER_OTLP_ENDPOINT
// is set. The returned shutdown function is always non-nil.
func InitTracer(logger *logrus.Logger) (func() error, error) {
	globalMutex.Lock()
	defer globalMutex.Unlock()

	globalSessionSpanContext = trace.SpanContext{}
	globalSessionID = ""

	noopShutdown := func() error { return nil }

	if strings.EqualFold(os.Getenv("OTEL_SDK_DISABLED"), "true") {
		logger.Debug("OTEL: Explicitly disabled via OTEL_SDK_DISABLED")
		globalTracer = noop.NewTracerProvider().Tracer(ServiceName)
		tracingEnabled = false
		return noopShutdown, nil
	}

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		logger.Debug("OTEL: Not configured (OTEL_EXPORTER_OTLP_ENDPOINT not set), using noop tracer")
		globalTracer = noop.NewTracerProvider().Tracer(ServiceName)
		tracingEnabled = false
		return noopShutdown, nil
	}

	logger.WithField("endpoint", endpoint).Info("OTEL: Initialising tracer")
	otel.SetErrorHandler(&otelErrorHandler{logger: logger})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	protocol := getOTLPProtocol()
	logger.WithField("protocol", protocol).Debug("OTEL: Using protocol")

	var exporter *otlptrace.Exporter
	var err error
	switch protocol {
	case "grpc":
		exporter, err = otlptracegrpc.New(ctx)
	case "http/protobuf", "http":
		exporter, err = otlptracehttp.New(ctx)
	default:
		logger.WithField("protocol", protocol).Warn("OTEL: Unknown protocol, defaulting to http")
		exporter, err = otlptracehttp.New(ctx)
	}
	if err != nil {
		logger.WithError(err).Warn("OTEL: Failed to create exporter, falling back to noop tracer")
		globalTracer = noop.NewTracerProvider().Tracer(ServiceName)
		tracingEnabled = false
		return noopShutdown, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(newResource(ctx, logger)),
		sdktrace.WithSampler(createSampler(logger)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	globalTracer = tp.Tracer(ServiceName)
	globalTracerProvider = tp
	tracingEnabled = true

	logger.Info("OTEL: Tracer initialised successfully")

	return func() error {
		globalMutex.Lock()
		defer globalMutex.Unlock()

		if globalTracerProvider == nil {
			return nil
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := globalTracerProvider.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("OTEL: Failed to shutdown tracer provider")
			return fmt.Errorf("failed to shutdown tracer provider: %w", err)
		}
		globalTracerProvider = nil
		tracingEnabled = false
		logger.Debug("OTEL: Tracer provider shutdown successfully")
		return nil
	}, nil
}

// GetTracer returns the global tracer, or a noop tracer before InitTracer.
func GetTracer() trace.Tracer {
	globalMutex.RLock()
	defer globalMutex.RUnlock()

	if globalTracer == nil {
		return noop.NewTracerProvider().Tracer(ServiceName)
	}
	return globalTracer
}

// IsEnabled returns true if tracing is enabled
func IsEnabled() bool {
	globalMutex.RLock()
	defer globalMutex.RUnlock()
	return tracingEnabled
}

// GenerateSessionID generates a new unique session ID
func GenerateSessionID() string {
	return uuid.New().String()
}

// ContextWithSessionID adds a session ID to the context
func ContextWithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// SessionIDFromContext retrieves the session ID from the context
func SessionIDFromContext(ctx context.Context) string {
	if sessionID, ok := ctx.Value(sessionIDKey).(string); ok {
		return sessionID
	}
	return ""
}

// StartSessionSpan records a session span that parents every tool span on
// this process. The span is ended and flushed immediately so backends see the
// parent before its children.
func StartSessionSpan(ctx context.Context, sessionID string, transport string) context.Context {
	ctx = ContextWithSessionID(ctx, sessionID)
	if !IsEnabled() {
		return ctx
	}

	_, sessionSpan := GetTracer().Start(ctx, SpanNameSession,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String(AttrMCPSessionID, sessionID),
			attribute.String(AttrMCPTransport, transport),
		),
	)
	sessionSpanContext := sessionSpan.SpanContext()
	sessionSpan.End()

	globalMutex.RLock()
	tp := globalTracerProvider
	globalMutex.RUnlock()
	if tp != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tp.ForceFlush(flushCtx) // best effort
	}

	globalMutex.Lock()
	globalSessionSpanContext = sessionSpanContext
	globalSessionID = sessionID
	globalMutex.Unlock()

	return ctx
}

// EndSessionSpan clears the global session data.
func EndSessionSpan() {
	globalMutex.Lock()
	globalSessionSpanContext = trace.SpanContext{}
	globalSessionID = ""
	globalMutex.Unlock()
}

// StartToolSpan creates a span for a tool execution. The caller must end it
// with EndToolSpan.
func StartToolSpan(ctx context.Context, toolName string, args map[string]any) (context.Context, trace.Span) {
	ctx = context.WithValue(ctx, outcomeKey, &toolOutcome{})
	if !IsEnabled() {
		return ctx, trace.SpanFromContext(ctx)
	}

	globalMutex.RLock()
	sessionSpanCtx := globalSessionSpanContext
	sessionID := globalSessionID
	globalMutex.RUnlock()

	if sessionSpanCtx.IsValid() && !trace.SpanContextFromContext(ctx).IsValid() {
		ctx = trace.ContextWithRemoteSpanContext(ctx, sessionSpanCtx)
	}

	ctx, span := GetTracer().Start(ctx, SpanNameToolExecute, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String(AttrMCPToolName, toolName))

	if sessionID == "" {
		sessionID = SessionIDFromContext(ctx)
	}
	if sessionID != "" {
		span.SetAttributes(attribute.String(AttrMCPSessionID, sessionID))
	}

	sanitisedArgs := SanitiseArguments(args)
	if maxSize := getMaxAttributeSize(); len(sanitisedArgs) > maxSize {
		span.SetAttributes(
			attribute.String(AttrMCPToolArguments, TruncateString(sanitisedArgs, maxSize)),
			attribute.Bool(AttrMCPToolArguments+".truncated", true),
		)
	} else {
		span.SetAttributes(attribute.String(AttrMCPToolArguments, sanitisedArgs))
	}

	return ctx, span
}

// toolOutcome collects failures a tool reports as data rather than as a Go
// error, so the span and metrics still see them.
type toolOutcome struct {
	mu      sync.Mutex
	kind    string
	message string
}

// EndToolSpan ends a tool execution span. A call is successful when err is
// nil and AnnotateToolError was not called on ctx.
func EndToolSpan(ctx context.Context, span trace.Span, err error) {
	if span == nil {
		return
	}

	switch {
	case err != nil:
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(
			attribute.Bool(AttrMCPToolSuccess, false),
			attribute.String(AttrMCPToolError, err.Error()),
		)
	case reported(ctx):
		// Status and error attributes were set by AnnotateToolError
		span.SetAttributes(attribute.Bool(AttrMCPToolSuccess, false))
	default:
		span.SetStatus(codes.Ok, "")
		span.SetAttributes(attribute.Bool(AttrMCPToolSuccess, true))
	}

	span.End()
}

// ReportedToolError returns the failure recorded by AnnotateToolError for the
// tool call in ctx. kind is empty if the call has not reported one.
func ReportedToolError(ctx context.Context) (kind, message string) {
	outcome, ok := ctx.Value(outcomeKey).(*toolOutcome)
	if !ok {
		return "", ""
	}
	outcome.mu.Lock()
	defer outcome.mu.Unlock()
	return outcome.kind, outcome.message
}

func reported(ctx context.Context) bool {
	kind, _ := ReportedToolError(ctx)
	return kind != ""
}

// AnnotateToolError marks the current tool span as failed with a categorised
// error kind, for errors that are returned to the caller as data.
func AnnotateToolError(ctx context.Context, kind string, message string) {
	if outcome, ok := ctx.Value(outcomeKey).(*toolOutcome); ok {
		outcome.mu.Lock()
		outcome.kind, outcome.message = kind, message
		outcome.mu.Unlock()
	}

	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.SetStatus(codes.Error, message)
	span.SetAttributes(
		attribute.String(AttrMCPToolErrorKind, kind),
		attribute.String(AttrMCPToolError, message),
	)
}

// AnnotateSearch adds search attributes to the current span.
func AnnotateSearch(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

func newResource(ctx context.Context, logger *logrus.Logger) *resource.Resource {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(getServiceName()),
			semconv.ServiceVersionKey.String(getServiceVersion()),
			attribute.String("deployment.environment", getDeploymentEnvironment()),
		),
		resource.WithFromEnv(), // OTEL_RESOURCE_ATTRIBUTES
	)
	if err != nil {
		logger.WithError(err).Warn("OTEL: Failed to create resource, using default")
		return resource.Default()
	}
	return res
}

func getOTLPProtocol() string {
	if protocol := os.Getenv("OTEL_EXPORTER_OTLP_PROTOCOL"); protocol != "" {
		return protocol
	}
	if strings.Contains(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), ":4317") {
		return "grpc"
	}
	return "http/protobuf"
}

func getServiceName() string {
	if name := os.Getenv("OTEL_SERVICE_NAME"); name != "" {
		return name
	}
	return ServiceName
}

func getServiceVersion() string {
	if version, ok := serviceVersion.Load().(string); ok {
		return version
	}
	return "dev"
}

func getDeploymentEnvironment() string {
	for _, envVar := range []string{"ENVIRONMENT", "ENV", "DEPLOYMENT_ENV"} {
		if env := os.Getenv(envVar); env != "" {
			return env
		}
	}

	for pair := range strings.SplitSeq(os.Getenv("OTEL_RESOURCE_ATTRIBUTES"), ",") {
		if key, value, ok := strings.Cut(pair, "="); ok && key == "deployment.environment" {
			return value
		}
	}

	return "development"
}

func createSampler(logger *logrus.Logger) sdktrace.Sampler {
	samplerArg := os.Getenv("OTEL_TRACES_SAMPLER_ARG")

	switch samplerType := os.Getenv("OTEL_TRACES_SAMPLER"); samplerType {
	case "", "always_on":
		return sdktrace.AlwaysSample()
	case "always_off":
		return sdktrace.NeverSample()
	case "traceidratio":
		return sdktrace.TraceIDRatioBased(parseRatio(samplerArg, 1.0))
	case "parentbased_always_on":
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case "parentbased_always_off":
		return sdktrace.ParentBased(sdktrace.NeverSample())
	case "parentbased_traceidratio":
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(parseRatio(samplerArg, 1.0)))
	default:
		logger.WithField("sampler", samplerType).Warn("OTEL: Unknown sampler type, using always_on")
		return sdktrace.AlwaysSample()
	}
}

// parseRatio parses a sampling ratio clamped to [0, 1].
func parseRatio(s string, defaultVal float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return defaultVal
	}
	return min(max(f, 0.0), 1.0)
}

func getMaxAttributeSize() int {
	size, err := strconv.Atoi(os.Getenv("MCP_TRACING_MAX_ATTRIBUTE_SIZE"))
	if err != nil {
		return defaultMaxAttributeSize
	}
	return min(max(size, minAttributeSize), maxAttributeSize)
}
