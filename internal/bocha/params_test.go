package bocha

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T {
	return &v
}

func TestSearchParams_Validate(t *testing.T) {
	tooMany := strings.Repeat("a.com|", MaxDomains) + "b.com"

	tests := []struct {
		name    string
		params  SearchParams
		wantErr string
	}{
		{name: "minimal", params: SearchParams{Query: "golang"}},
		{
			name: "all fields",
			params: SearchParams{
				Query:     "golang",
				Freshness: ptr(FreshnessOneWeek),
				Summary:   ptr(true),
				Include:   ptr("go.dev|github.com"),
				Exclude:   ptr("example.com"),
				Count:     ptr(MaxCount),
			},
		},
		{name: "empty query", params: SearchParams{}, wantErr: "query"},
		{name: "blank query", params: SearchParams{Query: "   "}, wantErr: "query"},
		{name: "bad freshness", params: SearchParams{Query: "q", Freshness: ptr(Freshness("lastCentury"))}, wantErr: "freshness"},
		{name: "count too low", params: SearchParams{Query: "q", Count: ptr(0)}, wantErr: "count"},
		{name: "count too high", params: SearchParams{Query: "q", Count: ptr(51)}, wantErr: "count"},
		{name: "too many includes", params: SearchParams{Query: "q", Include: ptr(tooMany)}, wantErr: "include"},
		{name: "too many excludes", params: SearchParams{Query: "q", Exclude: ptr(tooMany)}, wantErr: "exclude"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}

			var validationErr *ValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.Equal(t, tt.wantErr, validationErr.Path)
		})
	}
}

func TestSearchParams_PayloadOmitsUnset(t *testing.T) {
	data, err := json.Marshal(SearchParams{Query: "golang", Count: ptr(5)}.payload())
	require.NoError(t, err)
	assert.JSONEq(t, `{"query": "golang", "count": 5}`, string(data))

	data, err = json.Marshal(SearchParams{Query: "golang", Summary: ptr(false), Freshness: ptr(FreshnessOneDay)}.payload())
	require.NoError(t, err)
	assert.JSONEq(t, `{"query": "golang", "summary": false, "freshness": "oneDay"}`, string(data))
}

func TestSplitDomains(t *testing.T) {
	assert.Equal(t, []string{"a.com", "b.com", "c.com"}, SplitDomains("a.com| b.com ,c.com"))
	assert.Equal(t, []string{"a.com"}, SplitDomains("a.com||"))
	assert.Empty(t, SplitDomains(""))
}

func TestFreshness_Valid(t *testing.T) {
	for _, f := range Freshnesses {
		assert.True(t, f.Valid(), string(f))
	}
	assert.False(t, Freshness("").Valid())
	assert.False(t, Freshness("NoLimit").Valid())
}
