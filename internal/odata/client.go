// Package odata speaks the remote service's REST dialect: entity-set
// URLs with $top/$skip or $filter/$orderby addressing, a JSON envelope
// holding a "value" array of records, and a plain-text $count endpoint.
package odata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout is the per-call HTTP deadline. It is independent of the
// breaker's recovery timeout and backoff schedule.
const DefaultTimeout = 60 * time.Second

// Record is one row as returned by the service.
type Record = map[string]any

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	Status int
	URL    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.Status)
}

// StatusCode returns the HTTP status, for fault classification.
func (e *StatusError) StatusCode() int { return e.Status }

// DecodeError is a malformed or unexpectedly-shaped payload.
type DecodeError struct {
	URL    string
	Reason string
	Err    error // underlying decode error, may be nil for shape faults
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("GET %s: %s: %v", e.URL, e.Reason, e.Err)
	}
	return fmt.Sprintf("GET %s: %s", e.URL, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DecodeFault marks this as a payload fault for classification.
func (e *DecodeError) DecodeFault() {}

// Client fetches pages from one OData service.
type Client struct {
	baseURL  string
	endpoint string // scheme://host, the breaker key
	httpc    *http.Client
}

// NewClient creates a client for the service at baseURL. A zero timeout
// means DefaultTimeout.
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	baseURL = strings.TrimRight(baseURL, "/")

	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid service URL %q", baseURL)
	}

	return &Client{
		baseURL:  baseURL,
		endpoint: u.Scheme + "://" + u.Host,
		httpc:    &http.Client{Timeout: timeout},
	}, nil
}

// BaseURL returns the service base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Endpoint returns the scheme+host key used for the per-endpoint breaker.
func (c *Client) Endpoint() string { return c.endpoint }

// SkipURL builds an offset-mode page request.
func (c *Client) SkipURL(entity string, top, skip int) string {
	return fmt.Sprintf("%s/%s()?$format=json&$top=%d&$skip=%d", c.baseURL, entity, top, skip)
}

// CursorURL builds a cursor-mode chunk request filtering on primary key
// greater than lastKey, ordered ascending.
func (c *Client) CursorURL(entity, pkField string, lastKey int64, top int) string {
	return fmt.Sprintf("%s/%s()?$format=json&$top=%d&$filter=%s%%20gt%%20%d&$orderby=%s%%20asc",
		c.baseURL, entity, top, pkField, lastKey, pkField)
}

// CountURL builds the record-count request for an entity set.
func (c *Client) CountURL(entity string) string {
	return fmt.Sprintf("%s/%s()/$count", c.baseURL, entity)
}

// envelope is the JSON response shape for page requests.
type envelope struct {
	Value []Record `json:"value"`
}

// FetchPage performs a page request and returns the decoded records.
// The records slice is empty (not nil-but-error) past the end of data.
func (c *Client) FetchPage(ctx context.Context, pageURL string) ([]Record, error) {
	body, err := c.get(ctx, pageURL)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &DecodeError{URL: pageURL, Reason: "decoding page payload", Err: err}
	}
	if env.Value == nil {
		// The service always wraps records in a "value" array; anything
		// else is a shape fault, not an empty page.
		return nil, &DecodeError{URL: pageURL, Reason: `payload has no "value" array`}
	}
	return env.Value, nil
}

// Count performs the $count request and parses the plain-integer body.
func (c *Client) Count(ctx context.Context, entity string) (int64, error) {
	countURL := c.CountURL(entity)
	body, err := c.get(ctx, countURL)
	if err != nil {
		return 0, err
	}

	n, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, &DecodeError{URL: countURL, Reason: "parsing count", Err: err}
	}
	return n, nil
}

func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{Status: resp.StatusCode, URL: rawURL}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("GET %s: reading body: %w", rawURL, err)
	}
	return body, nil
}
