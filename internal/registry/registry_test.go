package registry

import (
	"context"
	"io"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sammcj/mcp-bocha/internal/tools"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTool struct {
	name string
}

func (s *stubTool) Definition() mcp.Tool {
	return mcp.NewTool(s.name)
}

func (s *stubTool) Execute(context.Context, *logrus.Logger, map[string]any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(s.name), nil
}

type helpfulTool struct {
	stubTool
}

func (h *helpfulTool) ProvideExtendedInfo() *tools.ExtendedHelp {
	return &tools.ExtendedHelp{WhenToUse: "always"}
}

func reset(t *testing.T, disabled string) {
	t.Helper()
	t.Setenv("DISABLED_TOOLS", disabled)

	mu.Lock()
	toolRegistry = make(map[string]tools.Tool)
	mu.Unlock()

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	Init(logger)
}

func TestRegisterAndLookup(t *testing.T) {
	reset(t, "")

	Register(&stubTool{name: "bocha_search"})
	Register(&helpfulTool{stubTool{name: "another_tool"}})

	tool, ok := GetTool("bocha_search")
	require.True(t, ok)
	assert.Equal(t, "bocha_search", tool.Definition().Name)

	_, ok = GetTool("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"another_tool", "bocha_search"}, GetEnabledToolNames())
	assert.Len(t, GetEnabledTools(), 2)
}

func TestDisabledTools(t *testing.T) {
	reset(t, " Bocha-Search , other")

	Register(&stubTool{name: "bocha_search"})
	Register(&stubTool{name: "another_tool"})

	_, ok := GetTool("bocha_search")
	assert.False(t, ok)
	assert.Equal(t, []string{"another_tool"}, GetEnabledToolNames())
}

func TestParseDisabledTools(t *testing.T) {
	assert.Empty(t, parseDisabledTools(""))
	assert.Equal(t, map[string]bool{"bocha-search": true, "x": true}, parseDisabledTools("bocha_search,,X, "))
}
