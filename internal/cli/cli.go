// Package cli provides a direct command-line interface to the registered
// tools, bypassing the MCP server entirely. Tools are invoked in-process via
// the registry, so no server or network round-trip is needed.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sammcj/mcp-bocha/internal/registry"
	"github.com/sammcj/mcp-bocha/internal/tools"
	"github.com/sammcj/mcp-bocha/internal/tools/bochasearch"
	"github.com/sirupsen/logrus"
)

// OutputFormat controls how tool results are rendered.
type OutputFormat string

const (
	OutputText OutputFormat = "text"
	OutputJSON OutputFormat = "json"
)

var (
	headingColour = color.New(color.Bold)
	urlColour     = color.New(color.FgCyan)
	metaColour    = color.New(color.Faint)
	errorColour   = color.New(color.FgRed, color.Bold)
)

// invoker is implemented by tools that can return their raw result mapping.
type invoker interface {
	Invoke(ctx context.Context, logger *logrus.Logger, args map[string]any) (map[string]any, error)
}

// Runner executes CLI commands against the tool registry.
type Runner struct {
	logger *logrus.Logger
	output OutputFormat
	out    io.Writer
}

// NewRunner creates a Runner that writes to out in the given format.
func NewRunner(logger *logrus.Logger, output OutputFormat, out io.Writer) *Runner {
	return &Runner{logger: logger, output: output, out: out}
}

// ListTools prints all enabled tools with their descriptions.
func (r *Runner) ListTools() error {
	type entry struct {
		name string
		desc string
	}
	var entries []entry
	for _, name := range registry.GetEnabledToolNames() {
		tool, ok := registry.GetTool(name)
		if !ok {
			continue
		}
		entries = append(entries, entry{name: name, desc: firstLine(tool.Definition().Description)})
	}

	if r.output == OutputJSON {
		type jsonEntry struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		}
		out := make([]jsonEntry, len(entries))
		for i, e := range entries {
			out[i] = jsonEntry{Name: e.name, Description: e.desc}
		}
		return writeJSON(r.out, out)
	}

	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", e.name, e.desc)
	}
	return w.Flush()
}

// HelpTool prints the schema and usage information for a single tool.
func (r *Runner) HelpTool(name string) error {
	tool, ok := resolveTool(name)
	if !ok {
		return fmt.Errorf("unknown tool: %s", name)
	}

	def := tool.Definition()
	var extended *tools.ExtendedHelp
	if provider, ok := tool.(tools.ExtendedHelpProvider); ok {
		extended = provider.ProvideExtendedInfo()
	}

	if r.output == OutputJSON {
		return writeJSON(r.out, struct {
			Tool     mcp.Tool            `json:"tool"`
			Extended *tools.ExtendedHelp `json:"extended_help,omitempty"`
		}{def, extended})
	}

	_, _ = headingColour.Fprintf(r.out, "Tool: %s\n\n", def.Name)
	if def.Description != "" {
		_, _ = fmt.Fprintf(r.out, "%s\n\n", def.Description)
	}

	props := def.InputSchema.Properties
	if len(props) == 0 {
		_, _ = fmt.Fprintln(r.out, "No parameters.")
	} else {
		if err := r.writeParameters(props, toSet(def.InputSchema.Required)); err != nil {
			return err
		}
	}

	if extended != nil {
		r.writeExtendedHelp(extended)
	}
	return nil
}

func (r *Runner) writeParameters(props map[string]any, required map[string]bool) error {
	_, _ = headingColour.Fprintln(r.out, "Parameters:")

	names := make([]string, 0, len(props))
	for k := range props {
		names = append(names, k)
	}
	slices.Sort(names)

	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	for _, pName := range names {
		pMap, ok := props[pName].(map[string]any)
		if !ok {
			continue
		}

		pType, _ := pMap["type"].(string)
		pDesc, _ := pMap["description"].(string)

		reqMark := ""
		if required[pName] {
			reqMark = " (required)"
		}

		_, _ = fmt.Fprintf(w, "  --%s\t%s\t%s%s%s\n", toFlagName(pName), pType, firstLine(pDesc), reqMark, formatEnum(pMap))
	}
	return w.Flush()
}

func (r *Runner) writeExtendedHelp(help *tools.ExtendedHelp) {
	if help.WhenToUse != "" {
		_, _ = headingColour.Fprintln(r.out, "\nWhen to use:")
		_, _ = fmt.Fprintf(r.out, "  %s\n", help.WhenToUse)
	}
	if help.WhenNotToUse != "" {
		_, _ = headingColour.Fprintln(r.out, "\nWhen not to use:")
		_, _ = fmt.Fprintf(r.out, "  %s\n", help.WhenNotToUse)
	}
	if len(help.Examples) > 0 {
		_, _ = headingColour.Fprintln(r.out, "\nExamples:")
		for _, ex := range help.Examples {
			args, _ := json.Marshal(ex.Arguments)
			_, _ = fmt.Fprintf(r.out, "  %s\n    %s\n", ex.Description, args)
		}
	}
	if len(help.Troubleshooting) > 0 {
		_, _ = headingColour.Fprintln(r.out, "\nTroubleshooting:")
		for _, tip := range help.Troubleshooting {
			_, _ = fmt.Fprintf(r.out, "  %s\n    %s\n", tip.Problem, tip.Solution)
		}
	}
}

// RunTool executes a tool by name with the given arguments.
// args can be:
//   - A single JSON string: '{"key": "value"}'
//   - Flag-style arguments: --key=value --flag
//   - Mixed: --key=value '{"other": "json"}'  (flags take precedence)
func (r *Runner) RunTool(ctx context.Context, name string, args []string) error {
	tool, ok := resolveTool(name)
	if !ok {
		return fmt.Errorf("unknown tool: %s (run 'mcp-bocha cli list' to see available tools)", name)
	}

	params, err := parseArgs(args, tool.Definition())
	if err != nil {
		return fmt.Errorf("argument error: %w", err)
	}

	result, err := tool.Execute(ctx, r.logger, params)
	if err != nil {
		return fmt.Errorf("tool error: %w", err)
	}

	return r.renderResult(result)
}

// Search runs bocha_search directly and renders the results for a terminal.
func (r *Runner) Search(ctx context.Context, query string, params map[string]any) error {
	tool, ok := registry.GetTool(bochasearch.ToolName)
	if !ok {
		return fmt.Errorf("%s is not enabled", bochasearch.ToolName)
	}
	inv, ok := tool.(invoker)
	if !ok {
		return fmt.Errorf("%s cannot be invoked directly", bochasearch.ToolName)
	}

	args := make(map[string]any, len(params)+1)
	for k, v := range params {
		args[k] = v
	}
	args["query"] = query

	result, err := inv.Invoke(ctx, r.logger, args)
	if err != nil {
		return err
	}
	if msg, failed := result["error"].(string); failed {
		return errors.New(msg)
	}

	if r.output == OutputJSON {
		return writeJSON(r.out, result)
	}
	r.renderSearch(result)
	return nil
}

// renderSearch prints the web pages of a wire-shaped search response.
func (r *Runner) renderSearch(result map[string]any) {
	webPages, _ := result["webPages"].(map[string]any)
	values, _ := webPages["value"].([]any)

	for i, v := range values {
		page, ok := v.(map[string]any)
		if !ok {
			continue
		}

		_, _ = headingColour.Fprintf(r.out, "%d. %s\n", i+1, stringField(page, "name"))
		_, _ = urlColour.Fprintf(r.out, "   %s\n", stringField(page, "url"))

		var meta []string
		for _, key := range []string{"siteName", "datePublished"} {
			if s := stringField(page, key); s != "" {
				meta = append(meta, s)
			}
		}
		if len(meta) > 0 {
			_, _ = metaColour.Fprintf(r.out, "   %s\n", strings.Join(meta, " · "))
		}

		text := stringField(page, "summary")
		if text == "" {
			text = stringField(page, "snippet")
		}
		_, _ = fmt.Fprintf(r.out, "   %s\n\n", text)
	}

	if total, ok := webPages["totalEstimatedMatches"].(json.Number); ok {
		_, _ = metaColour.Fprintf(r.out, "%d shown of about %s results\n", len(values), total)
	}
}

// PrintError writes err to w, in red when w is a terminal.
func PrintError(w io.Writer, err error) {
	_, _ = errorColour.Fprint(w, "Error: ")
	_, _ = fmt.Fprintln(w, err)
}

// parseArgs converts CLI arguments into a map[string]any suitable for tool.Execute().
// Supports JSON input, --key=value flags, and --flag (boolean true).
func parseArgs(args []string, def mcp.Tool) (map[string]any, error) {
	params := make(map[string]any)
	schema := buildSchemaInfo(def)

	for i := 0; i < len(args); i++ {
		arg := args[i]

		if strings.HasPrefix(arg, "{") {
			var obj map[string]any
			if err := json.Unmarshal([]byte(arg), &obj); err != nil {
				return nil, fmt.Errorf("invalid JSON argument: %w", err)
			}
			// Flags seen earlier win over JSON values
			for k, v := range obj {
				if _, exists := params[k]; !exists {
					params[k] = v
				}
			}
			continue
		}

		if strings.HasPrefix(arg, "--") {
			key, val, err := parseFlag(arg, args, &i, schema)
			if err != nil {
				return nil, err
			}
			params[key] = val
			continue
		}

		return nil, fmt.Errorf("unexpected argument: %s (use --key=value flags or pass a JSON object)", arg)
	}

	return params, nil
}

// schemaInfo holds resolved schema information for argument parsing.
type schemaInfo struct {
	// typeMap maps parameter names to their JSON Schema types
	typeMap map[string]string
	// flagToParam maps kebab-case flag names to parameter names
	flagToParam map[string]string
}

// parseFlag parses a single --key=value or --key value or --flag (bool true).
func parseFlag(arg string, args []string, idx *int, schema schemaInfo) (string, any, error) {
	stripped := strings.TrimPrefix(arg, "--")

	if flagName, rawVal, found := strings.Cut(stripped, "="); found {
		paramName := schema.resolveParam(flagName)
		return paramName, coerceValue(rawVal, schema.typeMap[paramName]), nil
	}

	flagName := stripped
	paramName := schema.resolveParam(flagName)

	if schema.typeMap[paramName] == "boolean" {
		return paramName, true, nil
	}

	*idx++
	if *idx >= len(args) {
		return "", nil, fmt.Errorf("flag --%s requires a value", flagName)
	}
	return paramName, coerceValue(args[*idx], schema.typeMap[paramName]), nil
}

// resolveParam maps a kebab-case flag back to its parameter name, falling
// back to snake_case.
func (s schemaInfo) resolveParam(flagName string) string {
	if actual, ok := s.flagToParam[flagName]; ok {
		return actual
	}
	return strings.ReplaceAll(flagName, "-", "_")
}

func buildSchemaInfo(def mcp.Tool) schemaInfo {
	info := schemaInfo{
		typeMap:     make(map[string]string, len(def.InputSchema.Properties)),
		flagToParam: make(map[string]string, len(def.InputSchema.Properties)),
	}
	for name, prop := range def.InputSchema.Properties {
		if pm, ok := prop.(map[string]any); ok {
			if t, ok := pm["type"].(string); ok {
				info.typeMap[name] = t
			}
		}
		info.flagToParam[toFlagName(name)] = name
	}
	return info
}

// coerceValue converts a string value to the Go type matching schemaType.
// Values that do not parse are passed through as strings for the tool to reject.
func coerceValue(raw, schemaType string) any {
	switch schemaType {
	case "number", "integer":
		if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return i
		}
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f
		}
		return raw
	case "boolean":
		switch strings.ToLower(raw) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
		return raw
	case "object":
		var obj map[string]any
		if err := json.Unmarshal([]byte(raw), &obj); err == nil {
			return obj
		}
		return raw
	default:
		return raw
	}
}

// renderResult formats a CallToolResult for terminal output.
func (r *Runner) renderResult(result *mcp.CallToolResult) error {
	if result == nil {
		return nil
	}

	if r.output == OutputJSON {
		if err := writeJSON(r.out, result); err != nil {
			return err
		}
	} else {
		for _, content := range result.Content {
			switch c := content.(type) {
			case mcp.TextContent:
				_, _ = fmt.Fprintln(r.out, c.Text)
			default:
				data, err := json.MarshalIndent(c, "", "  ")
				if err != nil {
					_, _ = fmt.Fprintf(r.out, "%+v\n", c)
				} else {
					_, _ = fmt.Fprintln(r.out, string(data))
				}
			}
		}
	}

	if result.IsError {
		return fmt.Errorf("tool returned an error")
	}
	return nil
}

// resolveTool looks a tool up by name, then with hyphens converted to
// underscores, since CLI users naturally type kebab-case.
func resolveTool(name string) (tools.Tool, bool) {
	if tool, ok := registry.GetTool(name); ok {
		return tool, true
	}
	if snakeName := strings.ReplaceAll(name, "-", "_"); snakeName != name {
		return registry.GetTool(snakeName)
	}
	return nil, false
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func firstLine(s string) string {
	if before, _, found := strings.Cut(s, "\n"); found {
		return before
	}
	return s
}

func toSet(ss []string) map[string]bool {
	m := make(map[string]bool, len(ss))
	for _, s := range ss {
		m[s] = true
	}
	return m
}

// toFlagName converts camelCase or snake_case to kebab-case for CLI flags.
func toFlagName(s string) string {
	s = strings.ReplaceAll(s, "_", "-")
	var out strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				out.WriteByte('-')
			}
			out.WriteRune(r + 32)
		} else {
			out.WriteRune(r)
		}
	}
	return out.String()
}

func formatEnum(pMap map[string]any) string {
	var vals []string
	switch enum := pMap["enum"].(type) {
	case []string:
		vals = enum
	case []any:
		for _, v := range enum {
			vals = append(vals, fmt.Sprint(v))
		}
	}
	if len(vals) == 0 {
		return ""
	}
	return " [" + strings.Join(vals, "|") + "]"
}
