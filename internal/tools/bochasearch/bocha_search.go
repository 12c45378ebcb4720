package bochasearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sammcj/mcp-bocha/internal/bocha"
	"github.com/sammcj/mcp-bocha/internal/telemetry"
	"github.com/sammcj/mcp-bocha/internal/tools"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// ToolName is the name the tool is registered under.
const ToolName = "bocha_search"

const (
	suggestFreshness = "Try using 'noLimit' for freshness parameter"
	suggestInclude   = "Remove or broaden the 'include' domain restrictions"
	suggestExclude   = "Remove the 'exclude' domain restrictions"
	suggestNewQuery  = "Try a different query"
)

// Searcher is the part of *bocha.Client the tool depends on.
type Searcher interface {
	Search(ctx context.Context, logger *logrus.Logger, params bocha.SearchParams) (*bocha.SearchResponse, error)
}

// Defaults are values fixed when the tool is constructed. A set field wins
// over whatever the caller passes for it.
type Defaults struct {
	Freshness *bocha.Freshness
	Summary   *bool
	Include   *string
	Exclude   *string
	Count     *int
}

// InvokeResult is delivered by InvokeAsync.
type InvokeResult struct {
	Result map[string]any
	Err    error
}

// BochaSearchTool exposes Bocha web search as an MCP tool.
type BochaSearchTool struct {
	client   Searcher
	defaults Defaults
}

// New returns a tool that searches through client.
func New(client Searcher, defaults Defaults) *BochaSearchTool {
	return &BochaSearchTool{client: client, defaults: defaults}
}

// Definition returns the tool's definition for MCP registration
func (t *BochaSearchTool) Definition() mcp.Tool {
	freshnessValues := make([]string, 0, len(bocha.Freshnesses))
	for _, f := range bocha.Freshnesses {
		freshnessValues = append(freshnessValues, string(f))
	}

	return mcp.NewTool(ToolName,
		mcp.WithDescription(`Search the web with the Bocha search API.

Returns the service's response unchanged in its wire shape: queryContext, webPages (ranked organic results with name, url, snippet and optional summary), and images/videos when available.

Examples:
- {"query": "golang generics"}
- {"query": "rust async runtime", "freshness": "oneMonth", "count": 5}
- {"query": "kubernetes operators", "include": "kubernetes.io|github.com", "summary": true}

Fetch a result's url if you need the full page content.`),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Search query"),
		),
		mcp.WithString("freshness",
			mcp.Description("Limit results by publication date"),
			mcp.DefaultString(string(bocha.DefaultFreshness)),
			mcp.Enum(freshnessValues...),
		),
		mcp.WithBoolean("summary",
			mcp.Description("Include a longer text summary for each web page"),
			mcp.DefaultBool(false),
		),
		mcp.WithString("include",
			mcp.Description(fmt.Sprintf("Only return results from these domains, separated by | or , (max %d)", bocha.MaxDomains)),
		),
		mcp.WithString("exclude",
			mcp.Description(fmt.Sprintf("Never return results from these domains, separated by | or , (max %d)", bocha.MaxDomains)),
		),
		mcp.WithNumber("count",
			mcp.Description("Number of results to return"),
			mcp.DefaultNumber(bocha.DefaultCount),
			mcp.Min(bocha.MinCount),
			mcp.Max(bocha.MaxCount),
		),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(true),
	)
}

// Execute runs a search for the MCP server. A search with no results is
// returned as a tool error result so the agent can adjust its parameters.
func (t *BochaSearchTool) Execute(ctx context.Context, logger *logrus.Logger, args map[string]any) (*mcp.CallToolResult, error) {
	result, err := t.Invoke(ctx, logger, args)
	if err != nil {
		var noResults *bocha.NoResultsError
		if errors.As(err, &noResults) {
			return mcp.NewToolResultError(noResults.Error()), nil
		}
		return nil, err
	}

	return newToolResultJSON(result)
}

// Invoke runs one search and returns the wire-shaped response. Argument
// errors and *bocha.NoResultsError are returned as errors; every other
// failure is reported as {"error": message}.
func (t *BochaSearchTool) Invoke(ctx context.Context, logger *logrus.Logger, args map[string]any) (map[string]any, error) {
	call, err := parseArgs(args)
	if err != nil {
		return nil, err
	}

	params := ResolveParams(t.defaults, call)
	freshness := freshnessLabel(params.Freshness)

	fields := logrus.Fields{
		"query":     params.Query,
		"freshness": freshness,
	}
	searchAttrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrSearchQuery, params.Query),
		attribute.String(telemetry.AttrSearchFreshness, freshness),
	}
	if params.Count != nil {
		fields["count"] = *params.Count
		searchAttrs = append(searchAttrs, attribute.Int(telemetry.AttrSearchCount, *params.Count))
	}
	telemetry.AnnotateSearch(ctx, searchAttrs...)
	logger.WithFields(fields).Info("Executing Bocha search")

	resp, err := t.client.Search(ctx, logger, params)
	if err != nil {
		return t.failure(ctx, logger, err), nil
	}

	if !resp.HasResults() {
		noResults := &bocha.NoResultsError{Query: params.Query, Suggestions: Suggestions(params)}
		logger.WithField("query", params.Query).Debug("Bocha search returned no results")
		telemetry.RecordSearchResults(ctx, freshness, 0)
		telemetry.RecordToolError(ctx, ToolName, bocha.KindNoResults)
		telemetry.AnnotateToolError(ctx, bocha.KindNoResults, noResults.Error())
		return nil, noResults
	}

	results := len(resp.WebPages.Value)
	telemetry.RecordSearchResults(ctx, freshness, results)
	telemetry.AnnotateSearch(ctx, attribute.Int(telemetry.AttrSearchResultCount, results))
	logger.WithField("results", results).Debug("Bocha search succeeded")

	out, err := resp.ToMap()
	if err != nil {
		return t.failure(ctx, logger, err), nil
	}
	return out, nil
}

// InvokeAsync runs Invoke in its own goroutine. The channel receives exactly
// one result and is then closed.
func (t *BochaSearchTool) InvokeAsync(ctx context.Context, logger *logrus.Logger, args map[string]any) <-chan InvokeResult {
	ch := make(chan InvokeResult, 1)
	go func() {
		defer close(ch)
		result, err := t.Invoke(ctx, logger, args)
		ch <- InvokeResult{Result: result, Err: err}
	}()
	return ch
}

func (t *BochaSearchTool) failure(ctx context.Context, logger *logrus.Logger, err error) map[string]any {
	kind := bocha.ErrorKind(err)
	logger.WithError(err).WithField("kind", kind).Warn("Bocha search failed")
	telemetry.RecordToolError(ctx, ToolName, kind)
	telemetry.AnnotateToolError(ctx, kind, err.Error())
	return map[string]any{"error": err.Error()}
}

// ResolveParams merges construction-time defaults with the caller's
// parameters. A default that is set replaces the caller's value; empty
// strings count as unset on both sides. Query always comes from call.
func ResolveParams(defaults Defaults, call bocha.SearchParams) bocha.SearchParams {
	params := bocha.SearchParams{
		Query:     call.Query,
		Freshness: call.Freshness,
		Summary:   call.Summary,
		Include:   nonEmpty(call.Include),
		Exclude:   nonEmpty(call.Exclude),
		Count:     call.Count,
	}

	if defaults.Freshness != nil && *defaults.Freshness != "" {
		params.Freshness = defaults.Freshness
	} else if params.Freshness != nil && *params.Freshness == "" {
		params.Freshness = nil
	}
	if defaults.Summary != nil {
		params.Summary = defaults.Summary
	}
	if include := nonEmpty(defaults.Include); include != nil {
		params.Include = include
	}
	if exclude := nonEmpty(defaults.Exclude); exclude != nil {
		params.Exclude = exclude
	}
	if defaults.Count != nil {
		params.Count = defaults.Count
	}

	return params
}

// Suggestions lists ways to relax params after a search found nothing.
func Suggestions(params bocha.SearchParams) []string {
	var suggestions []string
	if params.Freshness != nil && *params.Freshness != bocha.FreshnessNoLimit {
		suggestions = append(suggestions, suggestFreshness)
	}
	if params.Include != nil && *params.Include != "" {
		suggestions = append(suggestions, suggestInclude)
	}
	if params.Exclude != nil && *params.Exclude != "" {
		suggestions = append(suggestions, suggestExclude)
	}
	if len(suggestions) == 0 {
		suggestions = append(suggestions, suggestNewQuery)
	}
	return suggestions
}

func parseArgs(args map[string]any) (bocha.SearchParams, error) {
	var params bocha.SearchParams

	query, ok := args["query"].(string)
	if !ok || strings.TrimSpace(query) == "" {
		return params, fmt.Errorf("missing or invalid required parameter: query")
	}
	params.Query = query

	if raw, ok := args["freshness"]; ok && raw != nil {
		s, ok := raw.(string)
		if !ok {
			return params, invalidArg("freshness", "string", raw)
		}
		if s != "" {
			f := bocha.Freshness(s)
			params.Freshness = &f
		}
	}

	if raw, ok := args["summary"]; ok && raw != nil {
		b, ok := raw.(bool)
		if !ok {
			return params, invalidArg("summary", "boolean", raw)
		}
		params.Summary = &b
	}

	for name, dst := range map[string]**string{"include": &params.Include, "exclude": &params.Exclude} {
		raw, ok := args[name]
		if !ok || raw == nil {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			return params, invalidArg(name, "string", raw)
		}
		*dst = nonEmpty(&s)
	}

	if raw, ok := args["count"]; ok && raw != nil {
		count, err := toInt(raw)
		if err != nil {
			return params, invalidArg("count", "integer", raw)
		}
		params.Count = &count
	}

	return params, nil
}

// toInt accepts the numeric forms JSON decoding and the CLI produce.
func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return wholeNumber(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), nil
		}
		f, err := n.Float64()
		if err != nil {
			return 0, err
		}
		return wholeNumber(f)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

func wholeNumber(f float64) (int, error) {
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not a whole number: %v", f)
	}
	return int(f), nil
}

func invalidArg(name, want string, got any) error {
	return fmt.Errorf("invalid parameter %s: expected %s, got %T", name, want, got)
}

func nonEmpty(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	return s
}

func freshnessLabel(f *bocha.Freshness) string {
	if f == nil {
		return "default"
	}
	return string(*f)
}

func newToolResultJSON(data any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// ProvideExtendedInfo provides detailed usage information for the tool.
func (t *BochaSearchTool) ProvideExtendedInfo() *tools.ExtendedHelp {
	return &tools.ExtendedHelp{
		Examples: []tools.ToolExample{
			{
				Description:    "Basic web search",
				Arguments:      map[string]any{"query": "golang generics"},
				ExpectedResult: "Up to 10 ranked web pages with name, url and snippet",
			},
			{
				Description:    "Recent results only, fewer of them",
				Arguments:      map[string]any{"query": "go release notes", "freshness": "oneMonth", "count": 5},
				ExpectedResult: "Up to 5 pages published in the last month",
			},
			{
				Description: "Restrict to trusted domains with summaries",
				Arguments: map[string]any{
					"query":   "context cancellation",
					"include": "go.dev|pkg.go.dev",
					"summary": true,
				},
				ExpectedResult: "Results from go.dev and pkg.go.dev only, each with a summary field",
			},
		},
		CommonPatterns: []string{
			"Start without filters, then narrow with freshness or include if results are noisy",
			"Set summary to true when you need more than the snippet but do not want to fetch each page",
			"Combine include and exclude to target documentation sites while skipping mirrors",
		},
		Troubleshooting: []tools.TroubleshootingTip{
			{
				Problem:  "No search results found",
				Solution: "Follow the suggestions in the error: relax freshness to noLimit, loosen include or exclude, or rephrase the query.",
			},
			{
				Problem:  "Result is {\"error\": \"Error 401: ...\"} or mentions an invalid key",
				Solution: "Check BOCHA_API_KEY (or api_key in the config file) is set to a valid key.",
			},
			{
				Problem:  "Result is {\"error\": \"API Error: ...\"}",
				Solution: "The service rejected the request. Check the parameter values and your account quota.",
			},
			{
				Problem:  "Freshness, count or domain values seem to be ignored",
				Solution: "The server may have been started with fixed defaults (--freshness, --count, etc.), which take precedence over per-call values.",
			},
		},
		ParameterDetails: map[string]string{
			"query":     "Required search terms.",
			"freshness": "One of noLimit, oneDay, oneWeek, oneMonth, oneYear. Omit to let the service decide (noLimit).",
			"summary":   "When true each web page may carry a longer summary in addition to the snippet.",
			"include":   fmt.Sprintf("Domains to restrict results to, separated by | or ,. At most %d.", bocha.MaxDomains),
			"exclude":   fmt.Sprintf("Domains to drop from results, separated by | or ,. At most %d.", bocha.MaxDomains),
			"count":     fmt.Sprintf("Number of results, %d to %d. The service returns %d when omitted.", bocha.MinCount, bocha.MaxCount, bocha.DefaultCount),
		},
		WhenToUse:    "Finding current information on the web, especially Chinese-language or China-hosted content that Bocha indexes well.",
		WhenNotToUse: "Reading a known URL (fetch it instead) or questions answerable from local files.",
	}
}
