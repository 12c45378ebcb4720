package bocha

import (
	"fmt"
	"slices"
	"strings"
)

// Freshness limits results to content published within a time window.
type Freshness string

const (
	FreshnessNoLimit  Freshness = "noLimit"
	FreshnessOneDay   Freshness = "oneDay"
	FreshnessOneWeek  Freshness = "oneWeek"
	FreshnessOneMonth Freshness = "oneMonth"
	FreshnessOneYear  Freshness = "oneYear"
)

// Freshnesses lists every accepted freshness value in documentation order.
var Freshnesses = []Freshness{
	FreshnessNoLimit,
	FreshnessOneDay,
	FreshnessOneWeek,
	FreshnessOneMonth,
	FreshnessOneYear,
}

const (
	DefaultFreshness = FreshnessNoLimit
	DefaultCount     = 10
	MinCount         = 1
	MaxCount         = 50
	MaxDomains       = 20
)

// Valid reports whether f is one of the enumerated values.
func (f Freshness) Valid() bool {
	return slices.Contains(Freshnesses, f)
}

// SearchParams are the parameters of one web-search call. Nil fields are not
// sent, leaving the service to apply its own defaults.
type SearchParams struct {
	Query     string
	Freshness *Freshness
	Summary   *bool
	Include   *string
	Exclude   *string
	Count     *int
}

// Validate checks the parameters before any request is made.
func (p SearchParams) Validate() error {
	if strings.TrimSpace(p.Query) == "" {
		return &ValidationError{Path: "query", Message: "must be a non-empty string"}
	}
	if p.Freshness != nil && !p.Freshness.Valid() {
		return &ValidationError{
			Path:    "freshness",
			Message: fmt.Sprintf("must be one of %s, got %q", joinFreshnesses(), *p.Freshness),
		}
	}
	if p.Count != nil && (*p.Count < MinCount || *p.Count > MaxCount) {
		return &ValidationError{
			Path:    "count",
			Message: fmt.Sprintf("must be between %d and %d, got %d", MinCount, MaxCount, *p.Count),
		}
	}
	if err := validateDomains("include", p.Include); err != nil {
		return err
	}
	return validateDomains("exclude", p.Exclude)
}

// searchRequest is the outbound JSON body.
type searchRequest struct {
	Query     string     `json:"query"`
	Freshness *Freshness `json:"freshness,omitempty"`
	Summary   *bool      `json:"summary,omitempty"`
	Include   *string    `json:"include,omitempty"`
	Exclude   *string    `json:"exclude,omitempty"`
	Count     *int       `json:"count,omitempty"`
}

func (p SearchParams) payload() searchRequest {
	return searchRequest{
		Query:     p.Query,
		Freshness: p.Freshness,
		Summary:   p.Summary,
		Include:   p.Include,
		Exclude:   p.Exclude,
		Count:     p.Count,
	}
}

// SplitDomains splits a pipe- or comma-delimited domain list, dropping blanks.
func SplitDomains(list string) []string {
	fields := strings.FieldsFunc(list, func(r rune) bool {
		return r == '|' || r == ','
	})

	domains := make([]string, 0, len(fields))
	for _, f := range fields {
		if d := strings.TrimSpace(f); d != "" {
			domains = append(domains, d)
		}
	}
	return domains
}

func validateDomains(field string, list *string) error {
	if list == nil {
		return nil
	}
	if n := len(SplitDomains(*list)); n > MaxDomains {
		return &ValidationError{
			Path:    field,
			Message: fmt.Sprintf("at most %d domains are allowed, got %d", MaxDomains, n),
		}
	}
	return nil
}

func joinFreshnesses() string {
	names := make([]string, len(Freshnesses))
	for i, f := range Freshnesses {
		names[i] = string(f)
	}
	return strings.Join(names, ", ")
}
