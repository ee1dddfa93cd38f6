package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Retry and backoff defaults.
const (
	defaultMaxRetries  = 5
	defaultBaseBackoff = 500 * time.Millisecond
	defaultMaxBackoff  = 30 * time.Second
	backoffFactor      = 2.0
	jitterFraction     = 0.25
	userAgent          = "faculty-go/0.1"
)

// TokenSource provides bearer tokens for outgoing requests. Defined at the
// consumer; *session.Session is the real implementation. Refresh is called
// after the server rejects stale despite it looking fresh locally, and
// must return a token different from stale or fail.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context, stale string) (string, error)
}

// Request describes one call to a platform service. Body, when non-nil,
// is JSON-encoded once up front so retries can replay it. Idempotent marks
// the request safe to retry on transient failures; reads (GET, HEAD) are
// always treated as idempotent.
type Request struct {
	Method     string
	Path       string
	Query      url.Values
	Body       any
	Idempotent bool
}

// Client is the HTTP base client for one platform service. It attaches
// bearer credentials, retries transient failures of idempotent requests
// with exponential backoff and jitter, forces a single token refresh on
// auth rejection, and maps failures to typed errors. Safe for concurrent
// use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	logger     *slog.Logger

	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	// sleepFunc waits between retries. Tests override it to avoid real
	// delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRetryPolicy overrides the retry budget and backoff bounds.
func WithRetryPolicy(maxRetries int, base, maxBackoff time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.baseBackoff = base
		c.maxBackoff = maxBackoff
	}
}

// NewClient creates a base client for the service rooted at baseURL.
func NewClient(baseURL string, httpClient *http.Client, tokens TokenSource, logger *slog.Logger, opts ...ClientOption) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		httpClient:  httpClient,
		tokens:      tokens,
		logger:      logger,
		maxRetries:  defaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
		maxBackoff:  defaultMaxBackoff,
		sleepFunc:   sleepContext,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Do executes a request and returns the raw response on 2xx. All other
// outcomes are typed errors; retries are exhausted before any error is
// returned. The caller must close the response body.
func (c *Client) Do(ctx context.Context, req Request) (*http.Response, error) {
	var body []byte

	if req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("api: encoding request body: %w", err)
		}

		body = encoded
	}

	idempotent := req.Idempotent || req.Method == http.MethodGet || req.Method == http.MethodHead

	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("api: obtaining token: %w", err)
	}

	var attempt int

	refreshed := false

	for {
		resp, err := c.doOnce(ctx, req, body, tok)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("api: request canceled: %w", ctx.Err())
			}

			if idempotent && attempt < c.maxRetries {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("method", req.Method),
					slog.String("path", req.Path),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("api: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("%w: %s %s: %s", ErrTransport, req.Method, req.Path, err)
		}

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			return resp, nil
		}

		errBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		// Auth rejection with a token that looked fresh locally: the
		// server revoked it early. Force exactly one refresh and replay.
		if (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) && !refreshed {
			refreshed = true

			fresh, refreshErr := c.tokens.Refresh(ctx, tok)
			if refreshErr != nil {
				return nil, fmt.Errorf("api: refreshing rejected token: %w", refreshErr)
			}

			c.logger.Info("token rejected by server, retrying with refreshed token",
				slog.String("method", req.Method),
				slog.String("path", req.Path),
				slog.Int("status", resp.StatusCode),
			)

			tok = fresh

			continue
		}

		if idempotent && isRetryable(resp.StatusCode) && attempt < c.maxRetries {
			backoff := c.retryBackoff(resp, attempt)
			c.logger.Warn("retrying after HTTP error",
				slog.String("method", req.Method),
				slog.String("path", req.Path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("api: request canceled: %w", err)
			}

			attempt++

			continue
		}

		return nil, newPlatformError(resp.StatusCode, errBody)
	}
}

// DoJSON executes a request and decodes a 2xx response body into out.
// Pass nil out to discard the body. Decode failures surface as ErrDecode,
// distinct from transport errors.
func (c *Client) DoJSON(ctx context.Context, req Request, out any) error {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, err := io.Copy(io.Discard, resp.Body)
		if err != nil {
			return fmt.Errorf("api: draining response body: %w", err)
		}

		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s %s: %s", ErrDecode, req.Method, req.Path, err)
	}

	return nil
}

// Get issues an idempotent GET and decodes the response into out.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	return c.DoJSON(ctx, Request{Method: http.MethodGet, Path: path, Query: query}, out)
}

// Post issues a POST with a JSON body. Not retried on ambiguous failures.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.DoJSON(ctx, Request{Method: http.MethodPost, Path: path, Body: body}, out)
}

// Put issues a PUT with a JSON body. Callers for which the write is
// idempotent should use Do with Idempotent set instead.
func (c *Client) Put(ctx context.Context, path string, body, out any) error {
	return c.DoJSON(ctx, Request{Method: http.MethodPut, Path: path, Body: body}, out)
}

// Patch issues a PATCH with a JSON body. Not retried on ambiguous
// failures.
func (c *Client) Patch(ctx context.Context, path string, body, out any) error {
	return c.DoJSON(ctx, Request{Method: http.MethodPatch, Path: path, Body: body}, out)
}

// Delete issues a DELETE.
func (c *Client) Delete(ctx context.Context, path string, query url.Values, out any) error {
	return c.DoJSON(ctx, Request{Method: http.MethodDelete, Path: path, Query: query}, out)
}

// doOnce executes a single HTTP attempt, no retry.
func (c *Client) doOnce(ctx context.Context, req Request, body []byte, tok string) (*http.Response, error) {
	target := c.baseURL + "/" + strings.TrimPrefix(req.Path, "/")
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+tok)
	httpReq.Header.Set("User-Agent", userAgent)

	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(httpReq)
}

// platformErrorBody is the platform's standard error payload.
type platformErrorBody struct {
	Error     string `json:"error"`
	ErrorCode string `json:"errorCode"`
}

// newPlatformError builds a typed error from a non-2xx response. Unknown
// or unparseable bodies keep the raw text for diagnostics.
func newPlatformError(status int, body []byte) *Error {
	apiErr := &Error{
		StatusCode: status,
		Message:    strings.TrimSpace(string(body)),
		Err:        classifyStatus(status),
	}

	var parsed platformErrorBody
	if json.Unmarshal(body, &parsed) == nil {
		if parsed.Error != "" {
			apiErr.Message = parsed.Error
		}

		apiErr.Code = parsed.ErrorCode
	}

	return apiErr
}

// retryBackoff returns the wait before the next attempt, honoring a
// Retry-After header on 429 responses.
func (c *Client) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}

	return c.calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(c.baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(c.maxBackoff) {
		backoff = float64(c.maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// sleepContext waits for d or until the context is canceled. Default
// sleepFunc for Client.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
