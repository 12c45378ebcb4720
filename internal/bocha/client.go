package bocha

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sammcj/mcp-bocha/internal/telemetry"
	"github.com/sammcj/mcp-bocha/internal/utils/httpclient"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultBaseURL is the public Bocha API endpoint
	DefaultBaseURL = "https://api.bochaai.com"

	// WebSearchPath is the web-search endpoint relative to the base URL
	WebSearchPath = "/v1/web-search"

	// DefaultTimeout for HTTP requests
	DefaultTimeout = 30 * time.Second

	// DefaultRateLimit is the default maximum requests per second
	DefaultRateLimit = 5.0

	// APIKeyEnvVar is read when no key is configured explicitly
	APIKeyEnvVar = "BOCHA_API_KEY"

	successCode = 200
)

// UserAgent is sent with every request. main overrides the version at startup.
var UserAgent = "mcp-bocha/dev"

// ClientConfig holds the settings of a single client instance.
type ClientConfig struct {
	APIKey    string
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64

	// Logger receives client setup messages such as the selected proxy.
	Logger *logrus.Logger

	// HTTPClient overrides the default rate-limited client, mainly for tests.
	HTTPClient httpclient.Doer
}

// Client talks to the Bocha web-search endpoint. It is safe for concurrent use;
// all fields are set once in NewClient.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient httpclient.Doer
}

// SearchResult carries the outcome of an asynchronous search.
type SearchResult struct {
	Response *SearchResponse
	Err      error
}

// envelope is the outer body returned by the service.
type envelope struct {
	Code *int            `json:"code"`
	Msg  *string         `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// NewClient creates a client. An empty APIKey falls back to BOCHA_API_KEY.
func NewClient(cfg ClientConfig) (*Client, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv(APIKeyEnvVar))
	}
	if apiKey == "" {
		return nil, fmt.Errorf("bocha API key is required: set %s or configure api_key", APIKeyEnvVar)
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		rateLimit := cfg.RateLimit
		if rateLimit <= 0 {
			rateLimit = DefaultRateLimit
		}
		httpClient = httpclient.NewRateLimitedHTTPClient(timeout, rateLimit, cfg.Logger)
	}

	return &Client{
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: httpClient,
	}, nil
}

// BaseURL returns the configured base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Search performs a blocking web search.
func (c *Client) Search(ctx context.Context, logger *logrus.Logger, params SearchParams) (*SearchResponse, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(params.payload())
	if err != nil {
		return nil, fmt.Errorf("failed to encode search request: %w", err)
	}

	reqURL := c.baseURL + WebSearchPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", UserAgent)

	logger.WithFields(logrus.Fields{
		"url":   telemetry.SanitiseURL(reqURL),
		"query": params.Query,
	}).Debug("Making Bocha API request")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("request canceled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.WithError(closeErr).Warn("Failed to close response body")
		}
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	fields := logrus.Fields{
		"status_code":   resp.StatusCode,
		"response_size": len(respBody),
		"duration_ms":   time.Since(start).Milliseconds(),
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		transportErr := &TransportError{
			StatusCode: resp.StatusCode,
			Message:    transportMessage(respBody),
		}
		logger.WithFields(fields).WithError(transportErr).Error("Bocha API request failed")
		return nil, transportErr
	}

	parsed, err := parseEnvelope(respBody)
	if err != nil {
		logger.WithFields(fields).WithError(err).Error("Bocha API returned an error")
		return nil, err
	}

	logger.WithFields(fields).Debug("Bocha API request successful")
	return parsed, nil
}

// SearchAsync runs Search on its own goroutine. The returned channel yields
// exactly one result and is then closed.
func (c *Client) SearchAsync(ctx context.Context, logger *logrus.Logger, params SearchParams) <-chan SearchResult {
	out := make(chan SearchResult, 1)
	go func() {
		defer close(out)
		resp, err := c.Search(ctx, logger, params)
		out <- SearchResult{Response: resp, Err: err}
	}()
	return out
}

func parseEnvelope(body []byte) (*SearchResponse, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, asValidationError(err)
	}

	if env.Code == nil || *env.Code != successCode {
		appErr := &ApplicationError{Message: unknownErrorMessage}
		if env.Code != nil {
			appErr.Code = *env.Code
		}
		if env.Msg != nil && *env.Msg != "" {
			appErr.Message = *env.Msg
		}
		return nil, appErr
	}

	data := env.Data
	if len(data) == 0 || isNull(data) {
		data = json.RawMessage("{}")
	}
	return ParseSearchResponse(data)
}

// transportMessage extracts the most useful message from an error body. A JSON
// object is trusted to carry msg; anything else is reported verbatim.
func transportMessage(body []byte) string {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err == nil && payload != nil {
		if msg, ok := payload["msg"].(string); ok && msg != "" {
			return msg
		}
		return unknownErrorMessage
	}

	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return unknownErrorMessage
}
