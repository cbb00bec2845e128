// Package keystone is a typed client for the identity service's REST API.
// It is purely request/response: it holds no session state and every
// operation takes the caller's auth token explicitly.
package keystone

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const defaultTimeout = 30 * time.Second

// ErrUnreachable wraps transport-level failures (DNS, refused connections,
// timeouts) so callers can distinguish "could not talk to the service" from
// "the service said no".
var ErrUnreachable = stderrors.New("identity service unreachable")

// GatewayError is returned for any non-2xx response from the identity service.
type GatewayError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("[%s] identity service returned %d: %s", e.Op, e.StatusCode, e.Message)
}

// IsUnreachable reports whether err stems from a transport failure.
func IsUnreachable(err error) bool {
	return stderrors.Is(err, ErrUnreachable)
}

// IsUnauthorized reports whether the service rejected the caller's credential.
func IsUnauthorized(err error) bool {
	return hasStatus(err, http.StatusUnauthorized)
}

// IsNotFound reports whether the requested resource does not exist.
func IsNotFound(err error) bool {
	return hasStatus(err, http.StatusNotFound)
}

// IsConflict reports whether the request violated a uniqueness constraint,
// e.g. a project name already taken within its domain.
func IsConflict(err error) bool {
	return hasStatus(err, http.StatusConflict)
}

func hasStatus(err error, status int) bool {
	var ge *GatewayError
	return stderrors.As(err, &ge) && ge.StatusCode == status
}

// Client talks to a single identity service endpoint.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client (primarily for tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithLogger sets the logger used for request tracing.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// New creates a Client for the identity service at baseURL. The base URL
// should include any API version prefix the deployment uses.
func New(baseURL string, options ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("[keystone.New] baseURL is required")
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		log:     zerolog.Nop(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// do performs a single request. A non-nil body is JSON encoded; a non-nil out
// receives the decoded response body. The response headers are returned for
// operations that carry results out-of-band (token issuance).
func (c *Client) do(ctx context.Context, op, method, path, authToken string, body, out any) (http.Header, error) {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrapf(err, "[%s] encode request", op)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return nil, errors.Wrapf(err, "[%s] build request", op)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authToken != "" {
		req.Header.Set("X-Auth-Token", authToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(ErrUnreachable, "[%s] %s %s: %v", op, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(ErrUnreachable, "[%s] read response: %v", op, err)
	}

	c.log.Debug().
		Str("op", op).
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Msg("identity service call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &GatewayError{Op: op, StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return nil, errors.Wrapf(err, "[%s] decode response", op)
		}
	}
	return resp.Header, nil
}

// errorMessage extracts the service's error text from a failure body,
// falling back to the raw payload.
func errorMessage(data []byte) string {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Error.Message != "" {
		return body.Error.Message
	}
	return strings.TrimSpace(string(data))
}
