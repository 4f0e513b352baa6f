// Package dataverse is a thin client for the Dataverse native API. It covers
// the calls dvsync needs to reconcile collections, datasets and files, and
// classifies failures into transient, fatal and not-found errors.
package dataverse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ClientConfig configures the HTTP client
type ClientConfig struct {
	// BaseURL is the installation root, e.g. https://demo.dataverse.org/
	BaseURL string
	// APIToken is sent as X-Dataverse-key when set
	APIToken string
	// Timeout for individual requests (default: 60s)
	Timeout time.Duration
	// RateLimit in requests per second (default: 10)
	RateLimit float64
	// RateBurst is the maximum burst size (default: 5)
	RateBurst int
	// UserAgent string (default: "dvsync")
	UserAgent string
	// Transport allows injecting a custom HTTP transport
	Transport http.RoundTripper
}

// Client implements Repository over HTTP. Calls are rate limited but never
// retried here; retry policy belongs to the caller.
type Client struct {
	cfg        ClientConfig
	base       *url.URL
	httpClient *http.Client
	limiter    *rate.Limiter
}

var _ Repository = (*Client)(nil)

// NewClient creates a new Dataverse API client
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 10
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = 5
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "dvsync"
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	return &Client{
		cfg:        cfg,
		base:       base,
		httpClient: &http.Client{Timeout: cfg.Timeout, Transport: cfg.Transport},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
	}, nil
}

// envelope is the standard Dataverse response wrapper
type envelope struct {
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
	Message json.RawMessage `json:"message"`
}

type request struct {
	op          string
	method      string
	path        string
	query       url.Values
	body        io.Reader
	contentType string
}

// do executes a request and decodes the envelope's data into out (if non-nil).
func (c *Client) do(ctx context.Context, req request, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &APIError{Op: req.op, Err: fmt.Errorf("rate limiter: %w", err)}
	}

	u := c.base.ResolveReference(&url.URL{Path: strings.TrimPrefix(req.path, "/")})
	if len(req.query) > 0 {
		u.RawQuery = req.query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, u.String(), req.body)
	if err != nil {
		return &APIError{Op: req.op, Err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	httpReq.Header.Set("Accept", "application/json")
	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}
	if c.cfg.APIToken != "" {
		httpReq.Header.Set("X-Dataverse-key", c.cfg.APIToken)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &APIError{Op: req.op, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return &APIError{Op: req.op, Err: fmt.Errorf("read body: %w", err)}
	}

	var env envelope
	decodeErr := json.Unmarshal(body, &env)

	if resp.StatusCode >= 400 {
		msg := strings.TrimSpace(string(body))
		if decodeErr == nil {
			if m := messageText(env.Message); m != "" {
				msg = m
			}
		}
		return &APIError{Op: req.op, StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if decodeErr != nil {
		return &APIError{Op: req.op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", decodeErr)}
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &APIError{Op: req.op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode data: %w", err)}
	}
	return nil
}

// messageText flattens the message field, which Dataverse sends either as a
// string or as an object with a "message" key.
func messageText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Message
	}
	return string(raw)
}

func pidQuery(pid string) url.Values {
	return url.Values{"persistentId": []string{pid}}
}
