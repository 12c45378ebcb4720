package tools

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func readEntries(t *testing.T, path string) []ToolErrorLogEntry {
	t.Helper()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entries []ToolErrorLogEntry
	for line := range strings.SplitSeq(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var entry ToolErrorLogEntry
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		entries = append(entries, entry)
	}
	return entries
}

func TestToolErrorLogger_WritesSanitisedEntries(t *testing.T) {
	dir := t.TempDir()
	l, err := NewToolErrorLogger(quietLogger(), dir)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	assert.True(t, l.IsEnabled())
	assert.Equal(t, filepath.Join(dir, "tool-errors.log"), l.GetLogFilePath())

	l.LogToolError("bocha_search",
		map[string]any{"query": "golang", "api_key": "sk-secret"},
		"transport", errors.New("Error 502: upstream unavailable"), "stdio")
	l.LogToolError("bocha_search", nil, "", nil, "stdio")

	entries := readEntries(t, l.GetLogFilePath())
	require.Len(t, entries, 1)
	assert.Equal(t, "bocha_search", entries[0].ToolName)
	assert.Equal(t, "transport", entries[0].Kind)
	assert.Equal(t, "Error 502: upstream unavailable", entries[0].Error)
	assert.Equal(t, "stdio", entries[0].Transport)
	assert.Contains(t, string(entries[0].Arguments), "golang")
	assert.NotContains(t, string(entries[0].Arguments), "sk-secret")
}

func TestToolErrorLogger_Disabled(t *testing.T) {
	l := &ToolErrorLogger{}
	assert.False(t, l.IsEnabled())
	assert.NotPanics(t, func() {
		l.LogToolError("bocha_search", nil, "", errors.New("boom"), "stdio")
	})
	assert.NoError(t, l.Close())
}

func TestToolErrorLogger_RotateDropsOldEntries(t *testing.T) {
	dir := t.TempDir()
	l, err := NewToolErrorLogger(quietLogger(), dir)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now.AddDate(0, 0, -(DefaultLogRetentionDays + 1)) }
	l.LogToolError("bocha_search", nil, "application", errors.New("old"), "stdio")

	l.now = func() time.Time { return now }
	l.LogToolError("bocha_search", nil, "application", errors.New("recent"), "stdio")

	require.NoError(t, l.rotateOldLogs())

	entries := readEntries(t, l.GetLogFilePath())
	require.Len(t, entries, 1)
	assert.Equal(t, "recent", entries[0].Error)

	l.LogToolError("bocha_search", nil, "", errors.New("after rotation"), "http")
	assert.Len(t, readEntries(t, l.GetLogFilePath()), 2)
}

func TestRetainedEntries_KeepsUnparseableLines(t *testing.T) {
	input := strings.Join([]string{
		"not json",
		`{"timestamp": "yesterday", "error": "bad time"}`,
		`{"timestamp": "2000-01-01T00:00:00Z", "error": "ancient"}`,
		"",
	}, "\n")

	kept, err := retainedEntries(strings.NewReader(input), time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, []string{"not json", `{"timestamp": "yesterday", "error": "bad time"}`}, kept)
}
