package registry

import (
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/sammcj/mcp-bocha/internal/tools"
	"github.com/sirupsen/logrus"
)

var (
	mu sync.RWMutex

	// toolRegistry maps tool names to implementations
	toolRegistry = make(map[string]tools.Tool)

	// disabledTools holds normalised names from DISABLED_TOOLS
	disabledTools = make(map[string]bool)

	logger *logrus.Logger
)

// Init sets the shared logger and reads DISABLED_TOOLS. Call it before
// registering tools.
func Init(l *logrus.Logger) {
	mu.Lock()
	defer mu.Unlock()

	logger = l
	disabledTools = parseDisabledTools(os.Getenv("DISABLED_TOOLS"))

	if logger != nil && len(disabledTools) > 0 {
		logger.WithField("count", len(disabledTools)).Debug("Parsed disabled tools from environment")
	}
}

// parseDisabledTools parses a comma separated list of tool names.
func parseDisabledTools(value string) map[string]bool {
	disabled := make(map[string]bool)
	for tool := range strings.SplitSeq(value, ",") {
		if tool = normalise(tool); tool != "" {
			disabled[tool] = true
		}
	}
	return disabled
}

// normalise makes tool names case-insensitive and treats _ and - alike.
func normalise(name string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), "_", "-"))
}

func isDisabledLocked(name string) bool {
	return disabledTools[normalise(name)]
}

// Register adds a tool unless it has been disabled.
func Register(tool tools.Tool) {
	toolName := tool.Definition().Name

	mu.Lock()
	defer mu.Unlock()

	if isDisabledLocked(toolName) {
		if logger != nil {
			logger.WithField("tool", toolName).Debug("Tool not registered (disabled via DISABLED_TOOLS)")
		}
		return
	}

	toolRegistry[toolName] = tool
	if logger != nil {
		logger.WithField("tool", toolName).Debug("Tool successfully registered")
	}
}

// GetTool retrieves a tool by name, returns false if disabled
func GetTool(name string) (tools.Tool, bool) {
	mu.RLock()
	defer mu.RUnlock()

	if isDisabledLocked(name) {
		return nil, false
	}
	tool, ok := toolRegistry[name]
	return tool, ok
}

// GetEnabledTools returns all tools that are enabled for MCP server registration
func GetEnabledTools() map[string]tools.Tool {
	mu.RLock()
	defer mu.RUnlock()

	enabled := make(map[string]tools.Tool, len(toolRegistry))
	for name, tool := range toolRegistry {
		if isDisabledLocked(name) {
			continue
		}
		enabled[name] = tool
	}
	return enabled
}

// GetEnabledToolNames returns a sorted list of enabled tool names
func GetEnabledToolNames() []string {
	enabled := GetEnabledTools()
	names := make([]string, 0, len(enabled))
	for name := range enabled {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
