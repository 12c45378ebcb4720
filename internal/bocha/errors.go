package bocha

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds reported by ErrorKind. They double as metric and log labels.
const (
	KindValidation  = "validation"
	KindTransport   = "transport"
	KindApplication = "application"
	KindNoResults   = "no_results"
	KindUnknown     = "unknown"
)

const unknownErrorMessage = "Unknown error"

// ValidationError reports malformed caller input or a malformed response body.
// Path is the dotted wire path of the offending field, empty for the root.
type ValidationError struct {
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("validation error: %s", e.Message)
	}
	return fmt.Sprintf("validation error at %s: %s", e.Path, e.Message)
}

// under re-roots the error beneath parent, e.g. "value[0]" under "webPages"
// becomes "webPages.value[0]".
func (e *ValidationError) under(parent string) *ValidationError {
	switch {
	case parent == "":
		return e
	case e.Path == "":
		return &ValidationError{Path: parent, Message: e.Message}
	case strings.HasPrefix(e.Path, "["):
		return &ValidationError{Path: parent + e.Path, Message: e.Message}
	default:
		return &ValidationError{Path: parent + "." + e.Path, Message: e.Message}
	}
}

// TransportError is returned for a non-2xx HTTP status.
type TransportError struct {
	StatusCode int
	Message    string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("Error %d: %s", e.StatusCode, e.Message)
}

// ApplicationError is returned when the HTTP call succeeded but the body's
// code field is not 200.
type ApplicationError struct {
	Code    int
	Message string
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("API Error: %s", e.Message)
}

// NoResultsError signals a successful search that matched nothing. It carries
// suggestions so the calling agent can retry with different parameters.
type NoResultsError struct {
	Query       string
	Suggestions []string
}

func (e *NoResultsError) Error() string {
	return fmt.Sprintf(
		"No search results found for '%s'. Suggestions: %s. Try modifying your search parameters with one of these approaches.",
		e.Query, strings.Join(e.Suggestions, ", "),
	)
}

// ErrorKind classifies err into one of the Kind* constants.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}

	var validationErr *ValidationError
	var transportErr *TransportError
	var applicationErr *ApplicationError
	var noResultsErr *NoResultsError

	switch {
	case errors.As(err, &noResultsErr):
		return KindNoResults
	case errors.As(err, &validationErr):
		return KindValidation
	case errors.As(err, &transportErr):
		return KindTransport
	case errors.As(err, &applicationErr):
		return KindApplication
	default:
		return KindUnknown
	}
}
