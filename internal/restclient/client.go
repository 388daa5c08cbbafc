package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dghubble/oauth1"

	"github.com/jpalmerr/apiprobe"
)

const maxResponseBodySize = 1 << 20 // 1MB

const defaultTimeout = 10 * time.Second

// connection pooling limits to prevent resource exhaustion when probing many operations
const (
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 10
	defaultMaxConnsPerHost     = 10
	defaultIdleConnTimeout     = 60 * time.Second // conservative: matches common ALB defaults
)

// Client is an HTTP client for a single REST API.
//
// Client uses per-request timeouts via context rather than a global timeout.
// Response bodies are limited to 1MB. Redirects are not followed; a 3xx
// response is returned as an [apiprobe.TransportError] like any other
// non-2xx status. Requests started with [Client.Call]
// or [Client.CallAfter] are tracked so callers can wait for them with
// [Client.Wait].
type Client struct {
	httpClient *http.Client
	transport  *http.Transport
	baseURL    *url.URL
	username   string
	password   string
	token      string
	oauth      *OAuth1
	headers    map[string]string
	timeout    time.Duration
	logger     *slog.Logger

	inflight sync.WaitGroup
}

// Option configures a [Client] during construction.
type Option func(*Client) error

// WithBasicAuth authenticates requests with HTTP basic auth.
func WithBasicAuth(username, password string) Option {
	return func(c *Client) error {
		if username == "" {
			return errors.New("basic auth username cannot be empty")
		}
		c.username = username
		c.password = password
		return nil
	}
}

// WithBearerToken authenticates requests with a bearer token.
// A token takes precedence over basic auth.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		if token == "" {
			return errors.New("bearer token cannot be empty")
		}
		c.token = token
		return nil
	}
}

// OAuth1 holds OAuth 1.0a consumer and access credentials. The token URLs
// are only needed for the three-legged flow and may be empty.
type OAuth1 struct {
	ConsumerKey       string
	ConsumerSecret    string
	AccessToken       string
	AccessTokenSecret string
	RequestTokenURL   string
	AccessTokenURL    string
	AuthorizeURL      string
}

// config builds the signer configuration.
func (o *OAuth1) config() *oauth1.Config {
	cfg := oauth1.NewConfig(o.ConsumerKey, o.ConsumerSecret)
	cfg.Endpoint = oauth1.Endpoint{
		RequestTokenURL: o.RequestTokenURL,
		AuthorizeURL:    o.AuthorizeURL,
		AccessTokenURL:  o.AccessTokenURL,
	}
	return cfg
}

// WithOAuth1 signs every request with OAuth 1.0a (HMAC-SHA1).
// OAuth takes precedence over a bearer token and basic auth.
func WithOAuth1(creds OAuth1) Option {
	return func(c *Client) error {
		switch {
		case creds.ConsumerKey == "" || creds.ConsumerSecret == "":
			return errors.New("oauth consumer key and secret are required")
		case creds.AccessToken == "" || creds.AccessTokenSecret == "":
			return errors.New("oauth access token and secret are required")
		}
		c.oauth = &creds
		return nil
	}
}

// WithHeaders adds headers sent with every request.
func WithHeaders(headers map[string]string) Option {
	return func(c *Client) error {
		for k, v := range headers {
			c.headers[k] = v
		}
		return nil
	}
}

// WithTimeout sets the per-request timeout. Defaults to 10 seconds.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return errors.New("timeout must be positive")
		}
		c.timeout = d
		return nil
	}
}

// WithLogger sets the logger for request events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		c.logger = logger
		return nil
	}
}

// New creates a [Client] for the API rooted at baseURL.
//
// The client is configured with connection pooling limits:
//   - MaxIdleConns: 100 total idle connections
//   - MaxIdleConnsPerHost: 10 idle connections per host
//   - MaxConnsPerHost: 10 concurrent connections per host
//   - IdleConnTimeout: 60 seconds before closing idle connections
//
// Returns an error if baseURL is not an absolute http(s) URL or an option
// is invalid.
func New(baseURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("base URL scheme must be http or https, got %q", parsed.Scheme)
	}

	transport := &http.Transport{
		MaxIdleConns:        defaultMaxIdleConns,
		MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
		MaxConnsPerHost:     defaultMaxConnsPerHost,
		IdleConnTimeout:     defaultIdleConnTimeout,
		DisableKeepAlives:   false, // explicitly enable connection reuse
	}

	c := &Client{
		httpClient: &http.Client{
			// redirects are reported as outcomes, not followed
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
			// no default timeout - we use per-request timeouts via context
			Transport: transport,
		},
		transport: transport,
		baseURL:   parsed,
		headers: make(map[string]string),
		timeout: defaultTimeout,
		logger:  slog.Default(),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if c.oauth != nil {
		// the signing transport wraps the pooled one
		base := context.WithValue(context.Background(), oauth1.HTTPClient, &http.Client{Transport: transport})
		signed := c.oauth.config().Client(base, oauth1.NewToken(c.oauth.AccessToken, c.oauth.AccessTokenSecret))
		c.httpClient.Transport = signed.Transport
	}

	return c, nil
}

// Do performs a request and decodes the response.
//
// path is resolved against the base URL unless it is absolute. For GET,
// HEAD and DELETE, params are added to the query string; for other methods
// they are form-encoded into the body. An empty method means GET.
//
// A 2xx JSON body is decoded into any (numbers as json.Number); any other
// 2xx body is returned as a string, and an empty body as nil. A non-2xx
// response yields an [apiprobe.TransportError] carrying the status and body;
// a request that gets no response yields one carrying the cause.
func (c *Client) Do(ctx context.Context, method, path string, params url.Values) (any, *http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()

	// default to GET if method is empty
	if method == "" {
		method = http.MethodGet
	}

	target, err := c.resolve(path)
	if err != nil {
		return nil, nil, &apiprobe.TransportError{Method: method, URL: path, Err: err}
	}

	var body io.Reader
	if len(params) > 0 {
		if hasQueryParams(method) {
			q := target.Query()
			for k, vals := range params {
				for _, v := range vals {
					q.Add(k, v)
				}
			}
			target.RawQuery = q.Encode()
		} else {
			body = strings.NewReader(params.Encode())
		}
	}
	rawURL := target.String()

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, nil, &apiprobe.TransportError{
			Method: method,
			URL:    rawURL,
			Err:    fmt.Errorf("failed to create request: %w", err),
		}
	}
	c.decorate(req, body != nil)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, &apiprobe.TransportError{
			Method: method,
			URL:    rawURL,
			Err:    fmt.Errorf("request failed: %w", err),
		}
	}
	defer func() { _ = resp.Body.Close() }()

	// read body with size limit
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, resp, &apiprobe.TransportError{
			Method:     method,
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("failed to read response body: %w", err),
		}
	}

	c.logger.Debug("request completed",
		"method", method,
		"url", rawURL,
		"status_code", resp.StatusCode,
		"latency_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp, &apiprobe.TransportError{
			Method:     method,
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			Body:       string(data),
		}
	}

	return decodeBody(data), resp, nil
}

// Call runs the request on a new goroutine and passes the outcome to cb.
// Call returns immediately.
func (c *Client) Call(ctx context.Context, method, path string, params url.Values, cb apiprobe.Callback) {
	c.CallAfter(ctx, 0, method, path, params, cb)
}

// CallAfter is like [Client.Call] but waits delay before sending the request.
// If ctx ends during the delay the request is still attempted, so cb
// receives the context error.
func (c *Client) CallAfter(ctx context.Context, delay time.Duration, method, path string, params url.Values, cb apiprobe.Callback) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}

		result, resp, err := c.Do(ctx, method, path, params)
		cb(err, result, resp)
	}()
}

// Wait blocks until every request started with Call or CallAfter has
// completed and its callback returned, or until ctx is done.
//
// Returns ctx.Err() if ctx ends first.
func (c *Client) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes all idle connections in the client's connection pool.
//
// Safe to call multiple times. After Close, the client remains usable but
// new connections will be established as needed.
func (c *Client) Close() {
	if c == nil || c.transport == nil {
		return
	}
	c.transport.CloseIdleConnections()
}

// resolve joins path onto the base URL, keeping path's own query.
func (c *Client) resolve(path string) (*url.URL, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("invalid path %q: %w", path, err)
	}
	if ref.IsAbs() {
		return ref, nil
	}

	// join the escaped form so %2F and %25 survive as part of one segment
	target := c.baseURL.JoinPath(ref.EscapedPath())
	target.RawQuery = ref.RawQuery
	return target, nil
}

// decorate sets auth, custom and content headers on req.
func (c *Client) decorate(req *http.Request, hasBody bool) {
	req.Header.Set("Accept", "application/json")
	if hasBody {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	switch {
	case c.oauth != nil:
		// signed by the transport
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.username != "":
		req.SetBasicAuth(c.username, c.password)
	}
}

// hasQueryParams reports whether params for method belong in the query string.
func hasQueryParams(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodDelete:
		return true
	default:
		return false
	}
}

// decodeBody decodes a JSON body, falling back to the raw text.
func decodeBody(data []byte) any {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return string(data)
	}
	return v
}
