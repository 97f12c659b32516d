// Package transport carries all provider I/O: a resilient HTTP client with
// deadline, retry, and circuit-breaker handling, and the shared realtime
// socket multiplexed across subscriptions, tracking, and chat.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/marketloop/providerkit/internal/provider"
	"github.com/marketloop/providerkit/pkg/logger"
)

// Request describes one outbound HTTP call.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Body    []byte
	Headers map[string]string
	// Retryable opts a non-GET request into automatic retries. GETs are
	// always retryable.
	Retryable bool
}

// Response is the raw result of a call that reached the backend.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ClientConfig configures an HTTP client.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// RateLimit caps requests per second; zero disables limiting.
	RateLimit float64
	Retry     *RetryPolicy
	Breaker   *BreakerConfig
	Log       *logger.Logger
	Metrics   *Metrics
}

// Client is the HTTP transport all REST providers share. Every request
// carries an explicit deadline; deadline expiry maps to TIMEOUT, any other
// transport failure to NETWORK_ERROR.
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
	limiter *rate.Limiter
	retry   RetryPolicy
	breaker *Breaker
	log     *logger.Logger
	metrics *Metrics
}

// NewClient creates an HTTP client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = logger.Nop()
	}

	retry := DefaultRetryPolicy()
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}
	breakerCfg := DefaultBreakerConfig()
	if cfg.Breaker != nil {
		breakerCfg = *cfg.Breaker
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), int(cfg.RateLimit)+1)
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		timeout: cfg.Timeout,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: limiter,
		retry:   retry,
		breaker: NewBreaker(breakerCfg),
		log:     cfg.Log,
		metrics: cfg.Metrics,
	}, nil
}

// Do executes the request. It returns the backend response for any status
// code; callers decide what a non-2xx means. The returned error is always
// tagged and means the backend was never reached (or the circuit is open).
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if err := c.breaker.Allow(); err != nil {
		c.metrics.request("rejected")
		return nil, provider.WrapError(provider.CodeNetworkError, "circuit open", err)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, tagTransportError(err)
		}
	}

	retryable := req.Method == http.MethodGet || req.Retryable
	maxAttempts := 1
	if retryable {
		maxAttempts = c.retry.MaxRetries + 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			c.metrics.retry()
			select {
			case <-ctx.Done():
				return nil, tagTransportError(ctx.Err())
			case <-time.After(c.retry.backoff(attempt - 1)):
			}
		}

		resp, err := c.once(ctx, req)
		if err != nil {
			lastErr = err
			if retryable && provider.IsCode(err, provider.CodeNetworkError) {
				continue
			}
			c.breaker.RecordFailure()
			c.metrics.request("error")
			return nil, err
		}

		if retryable && c.retry.retryableStatus(resp.StatusCode) {
			lastErr = provider.APIError(http.StatusText(resp.StatusCode), resp.StatusCode)
			continue
		}

		c.breaker.RecordSuccess()
		c.metrics.request("ok")
		return resp, nil
	}

	c.breaker.RecordFailure()
	c.metrics.request("error")
	return nil, lastErr
}

func (c *Client) once(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.baseURL + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	var body *bytes.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	} else {
		body = bytes.NewReader(nil)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, body)
	if err != nil {
		return nil, provider.WrapError(provider.CodeNetworkError, "build request", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("X-Api-Key", c.apiKey)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, tagTransportError(err)
	}
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, tagTransportError(err)
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: buf.Bytes()}, nil
}

// tagTransportError maps a raw transport failure onto the error taxonomy:
// deadline expiry is TIMEOUT, everything else NETWORK_ERROR.
func tagTransportError(err error) *provider.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return provider.WrapError(provider.CodeTimeout, "request deadline exceeded", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return provider.WrapError(provider.CodeTimeout, "request timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return provider.WrapError(provider.CodeNetworkError, "request canceled", err)
	}
	return provider.WrapError(provider.CodeNetworkError, "transport failure", err)
}
