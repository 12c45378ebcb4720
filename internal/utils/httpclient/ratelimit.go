package httpclient

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Doer is the subset of *http.Client used by API clients.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RateLimitedHTTPClient wraps an http.Client with a token bucket limiter.
type RateLimitedHTTPClient struct {
	client  *http.Client
	limiter *rate.Limiter
}

// NewRateLimitedHTTPClient creates a proxy-aware client that allows at most
// requestsPerSecond requests with a burst of 1.
func NewRateLimitedHTTPClient(timeout time.Duration, requestsPerSecond float64, logger *logrus.Logger) *RateLimitedHTTPClient {
	return &RateLimitedHTTPClient{
		client:  NewHTTPClientWithProxy(timeout, logger),
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
	}
}

// Do waits for the limiter, giving up when the request context ends.
func (c *RateLimitedHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return c.client.Do(req)
}
