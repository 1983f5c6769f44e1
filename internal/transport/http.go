package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/roach88/offq/internal/op"
)

// Header names sent with every attempt.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderOperationID    = "X-Operation-ID"
	HeaderAttempt        = "X-Attempt"
)

const DefaultTimeout = 20 * time.Second

// TokenProvider returns the bearer token for a request.
type TokenProvider func(ctx context.Context) (string, error)

// HTTPOptions configures the HTTP adapter.
type HTTPOptions struct {
	BaseURL       string
	TokenProvider TokenProvider
	HTTPClient    *http.Client
	Timeout       time.Duration
	Headers       map[string]string
	UserAgent     string
}

// HTTP delivers operations to a REST remote:
//
//	create  POST   {base}/{resource}
//	update  PUT    {base}/{resource}
//	delete  DELETE {base}/{resource}
//
// The payload is the JSON body. The idempotency key travels in the
// Idempotency-Key header on every attempt.
type HTTP struct {
	baseURL       string
	tokenProvider TokenProvider
	httpClient    *http.Client
	timeout       time.Duration
	headers       map[string]string
	userAgent     string
}

// NewHTTP validates opts and builds the adapter.
func NewHTTP(opts HTTPOptions) (*HTTP, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("remote base URL is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("invalid remote base URL %q", opts.BaseURL)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}
	return &HTTP{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		timeout:       timeout,
		headers:       headers,
		userAgent:     strings.TrimSpace(opts.UserAgent),
	}, nil
}

// StaticToken returns a TokenProvider for a fixed token.
func StaticToken(token string) TokenProvider {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

func methodFor(kind op.Kind) (string, error) {
	switch kind {
	case op.KindCreate:
		return http.MethodPost, nil
	case op.KindUpdate:
		return http.MethodPut, nil
	case op.KindDelete:
		return http.MethodDelete, nil
	default:
		return "", fmt.Errorf("unknown kind %q", kind)
	}
}

// resourceURL escapes each path segment of resource.
func (c *HTTP) resourceURL(resource string) string {
	segments := strings.Split(strings.Trim(resource, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return c.baseURL + "/" + strings.Join(segments, "/")
}

// Submit implements the drainer's Transport.
func (c *HTTP) Submit(ctx context.Context, o op.Operation) op.Outcome {
	method, err := methodFor(o.Kind)
	if err != nil {
		return op.TerminalOutcome(op.ClassInternal, err.Error())
	}

	var body io.Reader
	if len(o.Payload) > 0 && !(o.Kind == op.KindDelete && string(o.Payload) == "null") {
		body = bytes.NewReader(o.Payload)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.resourceURL(o.Resource), body)
	if err != nil {
		return op.TerminalOutcome(op.ClassInternal, err.Error())
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderIdempotencyKey, o.IdempotencyKey)
	req.Header.Set(HeaderOperationID, o.ID)
	req.Header.Set(HeaderAttempt, strconv.Itoa(o.Attempt))
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if c.tokenProvider != nil {
		token, err := c.tokenProvider(ctx)
		if err != nil {
			return op.RetryableOutcome(op.ClassInternal, "token: "+err.Error())
		}
		if token = strings.TrimSpace(token); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return op.DeliveredOutcome()
	}
	if readErr != nil {
		respBody = nil
	}
	return classifyStatus(resp.StatusCode, respBody)
}

// classifyStatus maps a non-2xx response onto an outcome.
// 408 and 429 are transient; other 4xx are business rejections; 5xx are
// server trouble.
func classifyStatus(status int, body []byte) op.Outcome {
	reason := describeFailure(status, body)
	switch {
	case status == http.StatusRequestTimeout:
		return op.RetryableOutcome(op.ClassTimeout, reason)
	case status == http.StatusTooManyRequests:
		return op.RetryableOutcome(op.ClassRateLimited, reason)
	case status >= 500:
		return op.RetryableOutcome(op.ClassServer, reason)
	case status >= 400:
		return op.TerminalOutcome(op.ClassRejected, reason)
	default:
		// 1xx/3xx that escaped the client: not an acknowledgement.
		return op.RetryableOutcome(op.ClassServer, reason)
	}
}

func describeFailure(status int, body []byte) string {
	message := strings.TrimSpace(string(body))
	code := ""
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		if c, ok := parsed["code"].(string); ok {
			code = c
		}
		if m, ok := parsed["message"].(string); ok && strings.TrimSpace(m) != "" {
			message = m
		}
	}
	message = truncate(message, maxReasonBytes)
	if code != "" {
		return fmt.Sprintf("status=%d code=%s message=%s", status, code, message)
	}
	if message == "" {
		return fmt.Sprintf("status=%d", status)
	}
	return fmt.Sprintf("status=%d message=%s", status, message)
}

// maxReasonBytes bounds the remote message kept in a failure reason.
const maxReasonBytes = 200

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func classifyTransportError(err error) op.Outcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return op.RetryableOutcome(op.ClassTimeout, err.Error())
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return op.RetryableOutcome(op.ClassTimeout, err.Error())
	}
	return op.RetryableOutcome(op.ClassNetwork, err.Error())
}
