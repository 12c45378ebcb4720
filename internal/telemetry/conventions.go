package telemetry

// Attribute names follow the MCP observability conventions so traces line up
// with other MCP servers.
const (
	AttrMCPToolName      = "mcp.tool.name"           // e.g. "bocha_search"
	AttrMCPToolSuccess   = "mcp.tool.result.success" // boolean
	AttrMCPToolError     = "mcp.tool.result.error"   // error message
	AttrMCPToolErrorKind = "mcp.tool.result.error_kind"
	AttrMCPToolArguments = "mcp.tool.arguments"

	AttrMCPSessionID = "mcp.session.id"
	AttrMCPTransport = "mcp.transport" // stdio/http/sse

	// Search attributes
	AttrSearchQuery       = "search.query"
	AttrSearchFreshness   = "search.freshness"
	AttrSearchCount       = "search.count"
	AttrSearchResultCount = "search.result.count"
)

const (
	SpanNameSession     = "mcp.session"
	SpanNameToolExecute = "mcp.tool.execute"
)

// ServiceName is the default OTEL service name and instrumentation scope.
const ServiceName = "mcp-bocha"
