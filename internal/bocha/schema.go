package bocha

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// SearchResponse is the data section of a successful web-search call.
// Optional sections are nil when the service omitted them.
type SearchResponse struct {
	Type         string             `json:"_type"`
	QueryContext QueryContext       `json:"queryContext"`
	WebPages     *WebSearchWebPages `json:"webPages"`
	Images       *WebSearchImages   `json:"images"`
	Videos       *WebSearchVideos   `json:"videos"`
}

// QueryContext echoes the query the service executed.
type QueryContext struct {
	OriginalQuery string `json:"originalQuery"`
}

// WebSearchWebPages holds the organic results in relevance order.
type WebSearchWebPages struct {
	WebSearchURL          *string        `json:"webSearchUrl"`
	TotalEstimatedMatches *int64         `json:"totalEstimatedMatches"`
	Value                 []WebPageValue `json:"value"`
	SomeResultsRemoved    *bool          `json:"someResultsRemoved"`
}

// WebPageValue is a single organic result. Name, URL and Snippet are always
// sent by the service; everything else may be null.
type WebPageValue struct {
	ID               *string `json:"id"`
	Name             string  `json:"name"`
	URL              string  `json:"url"`
	DisplayURL       *string `json:"displayUrl"`
	Snippet          string  `json:"snippet"`
	Summary          *string `json:"summary"`
	SiteName         *string `json:"siteName"`
	SiteIcon         *string `json:"siteIcon"`
	DatePublished    *string `json:"datePublished"`
	DateLastCrawled  *string `json:"dateLastCrawled"`
	CachedPageURL    *string `json:"cachedPageUrl"`
	Language         *string `json:"language"`
	IsFamilyFriendly *bool   `json:"isFamilyFriendly"`
	IsNavigational   *bool   `json:"isNavigational"`
}

// WebSearchImages holds image results.
type WebSearchImages struct {
	Value []ImageValue `json:"value"`
}

type ImageValue struct {
	ContentURL   *string `json:"contentUrl"`
	ThumbnailURL *string `json:"thumbnailUrl"`
	Name         *string `json:"name"`
	Width        *int    `json:"width"`
	Height       *int    `json:"height"`
	HostPageURL  *string `json:"hostPageUrl"`
}

// WebSearchVideos holds video results.
type WebSearchVideos struct {
	Value []VideoValue `json:"value"`
}

type VideoValue struct {
	ContentURL   *string `json:"contentUrl"`
	Name         *string `json:"name"`
	Description  *string `json:"description"`
	ThumbnailURL *string `json:"thumbnailUrl"`
	Duration     *string `json:"duration"`
	HostPageURL  *string `json:"hostPageUrl"`
}

// ParseSearchResponse maps a wire JSON object onto a SearchResponse. Unknown
// fields are ignored. Shape problems come back as *ValidationError.
func ParseSearchResponse(data []byte) (*SearchResponse, error) {
	var resp SearchResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, asValidationError(err)
	}
	return &resp, nil
}

// HasResults reports whether the response carries at least one web page.
func (r *SearchResponse) HasResults() bool {
	return r != nil && r.WebPages != nil && len(r.WebPages.Value) > 0
}

// ToMap converts the response into its wire-shaped form, with null for every
// absent optional field. Numbers are kept as json.Number.
func (r *SearchResponse) ToMap() (map[string]any, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search response: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to convert search response: %w", err)
	}
	return out, nil
}

func (r *SearchResponse) UnmarshalJSON(data []byte) error {
	o, err := decodeObject(data)
	if err != nil {
		return err
	}

	var v SearchResponse
	if err := firstError(
		o.required("_type", &v.Type),
		o.required("queryContext", &v.QueryContext),
		o.optional("webPages", &v.WebPages),
		o.optional("images", &v.Images),
		o.optional("videos", &v.Videos),
	); err != nil {
		return err
	}

	*r = v
	return nil
}

func (q *QueryContext) UnmarshalJSON(data []byte) error {
	o, err := decodeObject(data)
	if err != nil {
		return err
	}

	var v QueryContext
	if err := o.required("originalQuery", &v.OriginalQuery); err != nil {
		return err
	}

	*q = v
	return nil
}

func (w *WebSearchWebPages) UnmarshalJSON(data []byte) error {
	o, err := decodeObject(data)
	if err != nil {
		return err
	}

	var v WebSearchWebPages
	if err := firstError(
		o.optional("webSearchUrl", &v.WebSearchURL),
		o.optional("totalEstimatedMatches", &v.TotalEstimatedMatches),
		o.optional("someResultsRemoved", &v.SomeResultsRemoved),
	); err != nil {
		return err
	}
	if v.TotalEstimatedMatches != nil && *v.TotalEstimatedMatches < 0 {
		return &ValidationError{Path: "totalEstimatedMatches", Message: "must be >= 0"}
	}

	if v.Value, err = decodeList[WebPageValue](o, "value"); err != nil {
		return err
	}
	v.Value = nonNil(v.Value)

	*w = v
	return nil
}

// MarshalJSON emits an empty list rather than null for Value.
func (w WebSearchWebPages) MarshalJSON() ([]byte, error) {
	type wire WebSearchWebPages
	out := wire(w)
	out.Value = nonNil(out.Value)
	return json.Marshal(out)
}

func (p *WebPageValue) UnmarshalJSON(data []byte) error {
	o, err := decodeObject(data)
	if err != nil {
		return err
	}

	var v WebPageValue
	if err := firstError(
		o.optional("id", &v.ID),
		o.required("name", &v.Name),
		o.required("url", &v.URL),
		o.optional("displayUrl", &v.DisplayURL),
		o.required("snippet", &v.Snippet),
		o.optional("summary", &v.Summary),
		o.optional("siteName", &v.SiteName),
		o.optional("siteIcon", &v.SiteIcon),
		o.optional("datePublished", &v.DatePublished),
		o.optional("dateLastCrawled", &v.DateLastCrawled),
		o.optional("cachedPageUrl", &v.CachedPageURL),
		o.optional("language", &v.Language),
		o.optional("isFamilyFriendly", &v.IsFamilyFriendly),
		o.optional("isNavigational", &v.IsNavigational),
	); err != nil {
		return err
	}

	*p = v
	return nil
}

func (w *WebSearchImages) UnmarshalJSON(data []byte) error {
	o, err := decodeObject(data)
	if err != nil {
		return err
	}

	values, err := decodeList[ImageValue](o, "value")
	if err != nil {
		return err
	}

	*w = WebSearchImages{Value: nonNil(values)}
	return nil
}

func (w WebSearchImages) MarshalJSON() ([]byte, error) {
	type wire WebSearchImages
	out := wire(w)
	out.Value = nonNil(out.Value)
	return json.Marshal(out)
}

func (i *ImageValue) UnmarshalJSON(data []byte) error {
	o, err := decodeObject(data)
	if err != nil {
		return err
	}

	var v ImageValue
	if err := firstError(
		o.optional("contentUrl", &v.ContentURL),
		o.optional("thumbnailUrl", &v.ThumbnailURL),
		o.optional("name", &v.Name),
		o.optional("width", &v.Width),
		o.optional("height", &v.Height),
		o.optional("hostPageUrl", &v.HostPageURL),
	); err != nil {
		return err
	}

	*i = v
	return nil
}

func (w *WebSearchVideos) UnmarshalJSON(data []byte) error {
	o, err := decodeObject(data)
	if err != nil {
		return err
	}

	values, err := decodeList[VideoValue](o, "value")
	if err != nil {
		return err
	}

	*w = WebSearchVideos{Value: nonNil(values)}
	return nil
}

func (w WebSearchVideos) MarshalJSON() ([]byte, error) {
	type wire WebSearchVideos
	out := wire(w)
	out.Value = nonNil(out.Value)
	return json.Marshal(out)
}

func (v *VideoValue) UnmarshalJSON(data []byte) error {
	o, err := decodeObject(data)
	if err != nil {
		return err
	}

	var out VideoValue
	if err := firstError(
		o.optional("contentUrl", &out.ContentURL),
		o.optional("name", &out.Name),
		o.optional("description", &out.Description),
		o.optional("thumbnailUrl", &out.ThumbnailURL),
		o.optional("duration", &out.Duration),
		o.optional("hostPageUrl", &out.HostPageURL),
	); err != nil {
		return err
	}

	*v = out
	return nil
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
