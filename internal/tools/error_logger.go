package tools

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sammcj/mcp-bocha/internal/telemetry"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultLogRetentionDays is how long failed tool calls are kept in the log.
	DefaultLogRetentionDays = 60

	errorLogFileName = "tool-errors.log"
)

// ToolErrorLogEntry is one line of the tool error log.
type ToolErrorLogEntry struct {
	Timestamp string          `json:"timestamp"`
	ToolName  string          `json:"tool_name"`
	Kind      string          `json:"error_kind,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Error     string          `json:"error"`
	Transport string          `json:"transport,omitempty"`
}

// ToolErrorLogger appends failed tool calls as JSON lines. Arguments are
// sanitised before they are written so credentials never reach the file.
type ToolErrorLogger struct {
	enabled  bool
	logFile  *os.File
	logger   *logrus.Logger
	mu       sync.Mutex
	filePath string
	now      func() time.Time
}

var (
	globalErrorLogger *ToolErrorLogger
	errorLoggerOnce   sync.Once
)

// DefaultErrorLogDir returns ~/.mcp-bocha/logs.
func DefaultErrorLogDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".mcp-bocha", "logs"), nil
}

// InitGlobalErrorLogger sets up the process-wide error log. Logging is only
// enabled when LOG_TOOL_ERRORS=true.
func InitGlobalErrorLogger(logger *logrus.Logger) error {
	var initErr error
	errorLoggerOnce.Do(func() {
		if os.Getenv("LOG_TOOL_ERRORS") != "true" {
			globalErrorLogger = &ToolErrorLogger{logger: logger}
			return
		}

		logDir, err := DefaultErrorLogDir()
		if err != nil {
			initErr = err
			return
		}

		l, err := NewToolErrorLogger(logger, logDir)
		if err != nil {
			initErr = err
			return
		}
		globalErrorLogger = l

		// Rotation rewrites the file, keep it off the startup path
		go func() {
			if rotateErr := l.rotateOldLogs(); rotateErr != nil {
				logger.WithError(rotateErr).Warn("Failed to rotate old tool error logs")
			}
		}()

		logger.Infof("Tool error logging enabled: %s", l.filePath)
	})

	return initErr
}

// NewToolErrorLogger opens (or creates) the error log inside dir.
func NewToolErrorLogger(logger *logrus.Logger, dir string) (*ToolErrorLogger, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	l := &ToolErrorLogger{
		enabled:  true,
		logger:   logger,
		filePath: filepath.Join(dir, errorLogFileName),
		now:      time.Now,
	}
	if err := l.reopenLogFileLocked(); err != nil {
		return nil, fmt.Errorf("failed to open tool error log file: %w", err)
	}
	return l, nil
}

// GetGlobalErrorLogger returns the global error logger, or a disabled one
// before InitGlobalErrorLogger has run.
func GetGlobalErrorLogger() *ToolErrorLogger {
	if globalErrorLogger == nil {
		return &ToolErrorLogger{}
	}
	return globalErrorLogger
}

// LogToolError records a failed call. kind is the error category used for
// metrics, empty when unknown.
func (l *ToolErrorLogger) LogToolError(toolName string, args map[string]any, kind string, err error, transport string) {
	if !l.enabled || err == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.logFile == nil {
		return
	}

	entry := ToolErrorLogEntry{
		Timestamp: l.clock().Format(time.RFC3339),
		ToolName:  toolName,
		Kind:      kind,
		Arguments: json.RawMessage(telemetry.SanitiseArguments(args)),
		Error:     err.Error(),
		Transport: transport,
	}

	jsonData, marshalErr := json.Marshal(entry)
	if marshalErr != nil {
		l.logError(marshalErr, "Failed to marshal tool error log entry")
		return
	}

	if _, writeErr := l.logFile.Write(append(jsonData, '\n')); writeErr != nil {
		l.logError(writeErr, "Failed to write tool error log entry")
		return
	}

	if syncErr := l.logFile.Sync(); syncErr != nil {
		l.logError(syncErr, "Failed to sync tool error log file")
	}
}

// Close closes the log file.
func (l *ToolErrorLogger) Close() error {
	if !l.enabled {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.logFile == nil {
		return nil
	}
	err := l.logFile.Close()
	l.logFile = nil
	return err
}

func (l *ToolErrorLogger) IsEnabled() bool {
	return l.enabled
}

func (l *ToolErrorLogger) GetLogFilePath() string {
	return l.filePath
}

func (l *ToolErrorLogger) clock() time.Time {
	if l.now == nil {
		return time.Now()
	}
	return l.now()
}

func (l *ToolErrorLogger) logError(err error, msg string) {
	if l.logger != nil {
		l.logger.WithError(err).Error(msg)
	}
}

// rotateOldLogs drops entries older than the retention period. It holds the
// mutex throughout so LogToolError never writes to a closed file.
func (l *ToolErrorLogger) rotateOldLogs() error {
	if !l.enabled || l.filePath == "" {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.logFile != nil {
		if err := l.logFile.Close(); err != nil {
			return fmt.Errorf("failed to close log file for rotation: %w", err)
		}
		l.logFile = nil
	}

	file, err := os.Open(l.filePath)
	if err != nil {
		return l.reopenLogFileLocked()
	}

	cutoff := l.clock().AddDate(0, 0, -DefaultLogRetentionDays)
	kept, scanErr := retainedEntries(file, cutoff)
	_ = file.Close()

	if scanErr != nil {
		_ = l.reopenLogFileLocked()
		return fmt.Errorf("error reading log file during rotation: %w", scanErr)
	}

	var content string
	if len(kept) > 0 {
		content = strings.Join(kept, "\n") + "\n"
	}

	tmpPath := l.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(content), 0600); err != nil {
		_ = l.reopenLogFileLocked()
		return fmt.Errorf("failed to write temporary rotated log file: %w", err)
	}

	if err := os.Rename(tmpPath, l.filePath); err != nil {
		_ = os.Remove(tmpPath)
		_ = l.reopenLogFileLocked()
		return fmt.Errorf("failed to rename temporary log file during rotation: %w", err)
	}

	return l.reopenLogFileLocked()
}

// retainedEntries returns the lines newer than cutoff. Lines that cannot be
// parsed are kept rather than lost.
func retainedEntries(r io.Reader, cutoff time.Time) ([]string, error) {
	var kept []string

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var entry ToolErrorLogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			kept = append(kept, line)
			continue
		}

		entryTime, err := time.Parse(time.RFC3339, entry.Timestamp)
		if err != nil || entryTime.After(cutoff) {
			kept = append(kept, line)
		}
	}

	return kept, scanner.Err()
}

// reopenLogFileLocked opens the log in append mode. Caller must hold l.mu.
func (l *ToolErrorLogger) reopenLogFileLocked() error {
	logFile, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to reopen log file: %w", err)
	}

	l.logFile = logFile
	return nil
}
