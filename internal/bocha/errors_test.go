package bocha

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "Error 403: invalid key", (&TransportError{StatusCode: 403, Message: "invalid key"}).Error())
	assert.Equal(t, "API Error: quota exhausted", (&ApplicationError{Code: 429, Message: "quota exhausted"}).Error())
	assert.Equal(t, "validation error at webPages.value[1].snippet: field required",
		(&ValidationError{Path: "webPages.value[1].snippet", Message: "field required"}).Error())
	assert.Equal(t, "validation error: expected object, got array",
		(&ValidationError{Message: "expected object, got array"}).Error())

	noResults := &NoResultsError{
		Query:       "golang",
		Suggestions: []string{"Try using 'noLimit' for freshness parameter", "Remove the 'exclude' domain restrictions"},
	}
	assert.Equal(t,
		"No search results found for 'golang'. Suggestions: Try using 'noLimit' for freshness parameter, Remove the 'exclude' domain restrictions. Try modifying your search parameters with one of these approaches.",
		noResults.Error())
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&ValidationError{Path: "query"}, KindValidation},
		{&TransportError{StatusCode: 500}, KindTransport},
		{&ApplicationError{Code: 400}, KindApplication},
		{&NoResultsError{Query: "q"}, KindNoResults},
		{fmt.Errorf("wrapped: %w", &TransportError{StatusCode: 502}), KindTransport},
		{fmt.Errorf("request canceled: %w", context.Canceled), KindUnknown},
		{errors.New("boom"), KindUnknown},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorKind(tt.err), "%v", tt.err)
	}
}

func TestValidationError_Under(t *testing.T) {
	err := &ValidationError{Path: "snippet", Message: "field required"}
	assert.Equal(t, "webPages.value[1].snippet", err.under("[1]").under("value").under("webPages").Path)

	root := &ValidationError{Message: "expected object, got string"}
	assert.Equal(t, "webPages", root.under("webPages").Path)
	assert.Same(t, root, root.under(""))
}
