// Package rest is the JSON-over-HTTPS transport shared by the venue
// adapters: rate limiting, request decoration, and translation of non-2xx
// responses into typed broker errors. It never retries.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/haiphen/tradegate/internal/broker"
)

const maxErrorBody = 200

// DefaultTimeout bounds a request when the caller supplies no client.
const DefaultTimeout = 30 * time.Second

// Client executes requests against one venue.
type Client struct {
	venue    string
	baseURL  string
	http     *http.Client
	limiter  *rate.Limiter
	decorate func(*http.Request) error
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default client (30s timeout).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithRateLimit sets the per-adapter request budget.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithAuth registers a hook that adds credentials to every request.
func WithAuth(fn func(*http.Request) error) Option {
	return func(c *Client) { c.decorate = fn }
}

// New creates a client for venue rooted at baseURL.
func New(venue, baseURL string, opts ...Option) *Client {
	c := &Client{
		venue:   venue,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
		limiter: rate.NewLimiter(rate.Limit(5), 10),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the venue root.
func (c *Client) BaseURL() string { return c.baseURL }

// HTTPClient exposes the underlying client (cookie jars, transports).
func (c *Client) HTTPClient() *http.Client { return c.http }

// Request describes one venue call. Path may be absolute.
type Request struct {
	Op       string // human-readable operation for error context
	Method   string
	Path     string
	Query    url.Values
	RawQuery string // used verbatim when set (signed query strings)
	Body     any    // JSON-encoded when non-nil
	Form     url.Values
	Header   http.Header
	NoAuth   bool
}

// Response is the raw venue answer.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the body into v.
func (r *Response) Decode(v any) error {
	if r == nil || len(r.Body) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, v)
}

// Raw decodes the body into a generic map for diagnostics metadata.
func (r *Response) Raw() map[string]any {
	var m map[string]any
	if r == nil || json.Unmarshal(r.Body, &m) != nil {
		return nil
	}
	return m
}

// Do executes req and decodes a 2xx body into result when non-nil. Non-2xx
// responses become *broker.Error with the status classified.
func (c *Client) Do(ctx context.Context, req Request, result any) (*Response, error) {
	op := req.Op
	if op == "" {
		op = req.Method + " " + req.Path
	}

	target := req.Path
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = c.baseURL + req.Path
	}
	if err := broker.ValidateBaseURL(target); err != nil {
		return nil, broker.Wrap(c.venue, op, broker.KindConfig, err)
	}
	switch {
	case req.RawQuery != "":
		target += "?" + req.RawQuery
	case len(req.Query) > 0:
		target += "?" + req.Query.Encode()
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, broker.Wrap(c.venue, op, broker.KindTransport, fmt.Errorf("rate limit: %w", err))
	}

	var bodyReader io.Reader
	contentType := ""
	switch {
	case req.Body != nil:
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, broker.Wrap(c.venue, op, broker.KindValidation, fmt.Errorf("marshal request: %w", err))
		}
		bodyReader = bytes.NewReader(b)
		contentType = "application/json"
	case req.Form != nil:
		bodyReader = strings.NewReader(req.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, bodyReader)
	if err != nil {
		return nil, broker.Wrap(c.venue, op, broker.KindConfig, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if c.decorate != nil && !req.NoAuth {
		if err := c.decorate(httpReq); err != nil {
			return nil, broker.Wrap(c.venue, op, broker.KindAuth, err)
		}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, broker.Wrap(c.venue, op, broker.KindTransport, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, broker.Wrap(c.venue, op, broker.KindTransport, fmt.Errorf("read response: %w", err))
	}
	out := &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: respBody}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, c.statusError(op, resp.StatusCode, respBody)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return out, broker.Wrap(c.venue, op, broker.KindProtocol, fmt.Errorf("decode response: %w", err))
		}
	}
	return out, nil
}

// errorBody lists the message fields the supported venues use.
type errorBody struct {
	Message      string `json:"message"`
	Msg          string `json:"msg"`
	Error        any    `json:"error"`
	ErrorMessage string `json:"errorMessage"`
	ErrorText    string `json:"errorText"`
	Description  string `json:"description"`
	Code         any    `json:"code"`
	ErrorCode    any    `json:"errorCode"`
}

func (c *Client) statusError(op string, status int, body []byte) *broker.Error {
	e := &broker.Error{
		Venue:      c.venue,
		Op:         op,
		Kind:       broker.ClassifyStatus(status),
		StatusCode: status,
	}

	var eb errorBody
	if json.Unmarshal(body, &eb) == nil {
		for _, m := range []string{eb.Message, eb.Msg, stringOf(eb.Error), eb.ErrorMessage, eb.ErrorText, eb.Description} {
			if m != "" {
				e.Message = m
				break
			}
		}
		if code := stringOf(eb.Code); code != "" {
			e.Code = code
		} else {
			e.Code = stringOf(eb.ErrorCode)
		}
	}
	if e.Message == "" {
		msg := strings.TrimSpace(string(body))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		e.Message = msg
	}
	return e
}

func stringOf(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case map[string]any:
		if m, ok := t["message"].(string); ok {
			return m
		}
		return ""
	default:
		return fmt.Sprint(t)
	}
}
