// Package client is a Go client for the statement gateway HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"duck-coordinator/internal/urlrewrite"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultPollInterval = 100 * time.Millisecond
	defaultMaxRetries   = 3
)

// Client talks to a gateway over HTTP.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	// PrefixURL is sent as X-Prefix-Url on submission so every returned URI
	// is rewritten behind it.
	PrefixURL string
	// DecodePrefixed makes the client strip PrefixURL from returned URIs and
	// call the gateway directly instead of going through the prefix.
	DecodePrefixed bool

	// PollInterval is the pause before re-polling a query that returned no
	// rows and is still queued or running.
	PollInterval time.Duration
	// MaxRetries bounds how often a submission rejected with 429 is retried.
	MaxRetries int
}

// NewClient creates a client for the gateway at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		HTTPClient:   &http.Client{Timeout: defaultTimeout},
		PollInterval: defaultPollInterval,
		MaxRetries:   defaultMaxRetries,
	}
}

// APIError is a non-2xx gateway response.
type APIError struct {
	HTTPStatus int
	Code       int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (HTTP %d): %s", e.HTTPStatus, e.Message)
}

// IsNotFound reports whether err is a 404 from the gateway.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.HTTPStatus == http.StatusNotFound
}

// Do sends a request to path under /v1 on the base URL.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Response, error) {
	u := c.BaseURL + "/v1" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return c.do(ctx, method, u, body, nil)
}

func (c *Client) do(ctx context.Context, method, u string, body io.Reader, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	return resp, nil
}

// CheckError returns an *APIError for non-2xx responses and nil otherwise.
// The body is consumed on error.
func CheckError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := ReadBody(resp)
	apiErr := &APIError{HTTPStatus: resp.StatusCode, Code: resp.StatusCode}

	var parsed struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Message != "" {
		apiErr.Code = parsed.Code
		apiErr.Message = parsed.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		apiErr.RetryAfter = time.Duration(secs) * time.Second
	}
	return apiErr
}

// ReadBody reads and closes the response body.
func ReadBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close() //nolint:errcheck
	return io.ReadAll(resp.Body)
}

func decodeJSON(resp *http.Response, v any) error {
	if err := CheckError(resp); err != nil {
		return err
	}
	body, err := ReadBody(resp)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func expectNoContent(resp *http.Response) error {
	if err := CheckError(resp); err != nil {
		return err
	}
	_, _ = ReadBody(resp)
	return nil
}

// resolve turns a URI returned by the gateway into the URL to call.
func (c *Client) resolve(uri string) (string, error) {
	if !c.DecodePrefixed || c.PrefixURL == "" || !strings.HasPrefix(uri, c.PrefixURL) {
		return uri, nil
	}
	return urlrewrite.Decode(uri, c.PrefixURL)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func retryDelay(err error, attempt int) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return apiErr.RetryAfter
	}
	return time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
}

func bodyReader(s string) io.Reader {
	return bytes.NewBufferString(s)
}
