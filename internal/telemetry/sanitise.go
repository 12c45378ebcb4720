package telemetry

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

// Tool arguments are mostly free text (queries) and domain lists, so values
// are kept unless a credential is embedded in them. Long domains such as
// developer.mozilla.org must survive intact.
var (
	// Bocha keys are issued as sk-<hex>
	bochaKeyPattern = regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{8,}`)

	bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[^\s"']+`)

	// key=value or key: value pairs pasted into a query
	credentialPairPattern = regexp.MustCompile(`(?i)\b(api[_-]?key|access[_-]?token|token|secret|password)(\s*[:=]\s*)["']?[^\s"'&,]+`)

	sensitiveKeyParts = []string{"key", "token", "secret", "password", "authorization", "credential"}
)

// SanitiseURL strips credentials and sensitive query parameters from a request
// URL before it is logged or traced.
func SanitiseURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}

	parsedURL, err := url.Parse(rawURL)
	if err != nil || parsedURL.Scheme == "" {
		return "[INVALID_URL]"
	}

	parsedURL.User = nil
	if parsedURL.RawQuery != "" {
		query := parsedURL.Query()
		for key := range query {
			if isSensitiveKey(strings.ToLower(key)) {
				query.Set(key, redacted)
			}
		}
		parsedURL.RawQuery = query.Encode()
	}

	return parsedURL.String()
}

// SanitiseArguments returns a JSON string of args with credential-named keys
// and embedded credentials redacted, suitable for span attributes and the
// tool error log.
func SanitiseArguments(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}

	jsonBytes, err := json.Marshal(sanitiseMap(args))
	if err != nil {
		return `{"error": "failed to serialise arguments"}`
	}
	return string(jsonBytes)
}

func sanitiseMap(m map[string]any) map[string]any {
	sanitised := make(map[string]any, len(m))
	for key, value := range m {
		if isSensitiveKey(strings.ToLower(key)) {
			sanitised[key] = redacted
			continue
		}
		sanitised[key] = sanitiseValue(value)
	}
	return sanitised
}

func sanitiseValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return sanitiseMap(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = sanitiseValue(item)
		}
		return out
	case string:
		return sanitiseString(v)
	default:
		return value
	}
}

func isSensitiveKey(keyLower string) bool {
	for _, part := range sensitiveKeyParts {
		if strings.Contains(keyLower, part) {
			return true
		}
	}
	return keyLower == "auth"
}

// sanitiseString redacts credentials embedded in free text.
func sanitiseString(s string) string {
	s = bochaKeyPattern.ReplaceAllString(s, redacted)
	s = bearerPattern.ReplaceAllString(s, "Bearer "+redacted)
	return credentialPairPattern.ReplaceAllString(s, "${1}${2}"+redacted)
}

// TruncateString truncates a string to a maximum length with ellipsis
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return "..."
	}
	return s[:maxLen-3] + "..."
}
