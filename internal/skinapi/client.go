// Package skinapi is the HTTP client for the external services Dermis
// orchestrates: condition detection, skin type classification, the user
// record, ingredient synthesis and routine persistence.
package skinapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Transport selects how images are sent to the inference endpoints.
type Transport string

const (
	TransportMultipart Transport = "multipart"
	TransportJSON      Transport = "json"
)

// Condition-detection endpoint variants.
const (
	ConditionPathEfficientNet = "/api/analyze-skin/efficient-net"
	ConditionPathLogistic     = "/api/analyze-skin/logistic_regression_v1"
	SkinTypePath              = "/api/analyze-skin/cnn"
)

const (
	DefaultInferenceTimeout = 20 * time.Second
	DefaultRequestTimeout   = 10 * time.Second
	maxErrorBody            = 512
)

// ErrNotFound is matched by HTTP 404 responses.
var ErrNotFound = errors.New("resource not found")

// HTTPError describes a non-success response from an upstream service.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// Is lets errors.Is(err, ErrNotFound) match 404 responses.
func (e *HTTPError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// StatusCode returns the HTTP status of err, or 0 when err is not an HTTPError.
func StatusCode(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	return 0
}

// Opts holds configuration for a Client.
type Opts struct {
	InferenceBaseURL string
	UsersBaseURL     string
	SynthesisBaseURL string
	RoutinesBaseURL  string
	ConditionPath    string
	Transport        Transport
	InferenceTimeout time.Duration
	RequestTimeout   time.Duration
	HTTPClient       *http.Client
}

// Option configures a Client.
type Option func(*Opts)

// WithInferenceBaseURL sets the base URL of both inference endpoints.
func WithInferenceBaseURL(u string) Option {
	return func(o *Opts) { o.InferenceBaseURL = u }
}

// WithUsersBaseURL sets the base URL of the user-record and login endpoints.
func WithUsersBaseURL(u string) Option {
	return func(o *Opts) { o.UsersBaseURL = u }
}

// WithSynthesisBaseURL sets the base URL of the /preprocesar endpoint.
func WithSynthesisBaseURL(u string) Option {
	return func(o *Opts) { o.SynthesisBaseURL = u }
}

// WithRoutinesBaseURL sets the base URL of the /routines endpoint.
func WithRoutinesBaseURL(u string) Option {
	return func(o *Opts) { o.RoutinesBaseURL = u }
}

// WithConditionPath selects the condition-detection endpoint variant.
func WithConditionPath(p string) Option {
	return func(o *Opts) { o.ConditionPath = p }
}

// WithTransport selects multipart or JSON image uploads.
func WithTransport(t Transport) Option {
	return func(o *Opts) { o.Transport = t }
}

// WithTimeouts sets the per-call timeouts for inference and other calls.
func WithTimeouts(inference, request time.Duration) Option {
	return func(o *Opts) {
		o.InferenceTimeout = inference
		o.RequestTimeout = request
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client talks to the external services. It is safe for concurrent use.
type Client struct {
	opts Opts
}

// NewClient creates a Client. Base URLs are required for the calls that use them.
func NewClient(opts ...Option) *Client {
	cfg := Opts{
		ConditionPath:    ConditionPathEfficientNet,
		Transport:        TransportMultipart,
		InferenceTimeout: DefaultInferenceTimeout,
		RequestTimeout:   DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.InferenceTimeout <= 0 {
		cfg.InferenceTimeout = DefaultInferenceTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Transport != TransportJSON {
		cfg.Transport = TransportMultipart
	}
	return &Client{opts: cfg}
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// doJSON sends body (when non-nil) as JSON and returns the raw response body.
func (c *Client) doJSON(ctx context.Context, timeout time.Duration, method, url string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	return c.do(ctx, timeout, method, url, "application/json", reader)
}

func (c *Client) do(ctx context.Context, timeout time.Duration, method, url, contentType string, body io.Reader) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		slog.Warn("Client.do: request failed", "method", method, "url", url, "error", err)
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	slog.Debug("Client.do: response", "method", method, "url", url, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(data)
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return data, &HTTPError{Method: method, URL: url, StatusCode: resp.StatusCode, Body: snippet}
	}
	return data, nil
}
