// Package transport replays queued tasks as HTTP requests and classifies the
// result for the dispatcher.
//
// Classification:
//   - 2xx: success
//   - 408, 425, 429 and 5xx: transient (retry on a later trigger)
//   - any other 4xx (and unexpected 1xx/3xx): permanent (needs the user)
//   - network errors and timeouts: transient
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/schoolhub/syncq/internal/syncq/task"
)

// Class is the retry classification of a replay attempt.
type Class string

const (
	ClassSuccess   Class = "success"
	ClassTransient Class = "transient"
	ClassPermanent Class = "permanent"
)

// Outcome is the result of replaying one task.
type Outcome struct {
	Class Class

	// StatusCode is 0 when no response was received.
	StatusCode int

	// Message is a short diagnostic suitable for Task.LastError.
	Message string
}

// Sender replays a task. Implementations never return an error: every result
// is expressed as an Outcome.
type Sender interface {
	Send(ctx context.Context, t task.Task) Outcome
}

// Credentials supplies the ambient auth header attached to every replay,
// exactly as a live request would carry it.
type Credentials interface {
	// Header returns the header name and value to set. An empty name
	// means no credential is attached.
	Header(ctx context.Context) (name, value string, err error)
}

// StaticToken attaches a fixed token, by default as "Authorization: Bearer <token>".
type StaticToken struct {
	Token string

	// HeaderName overrides the header (default: Authorization). When set
	// to something other than Authorization the token is sent verbatim.
	HeaderName string
}

// Header implements Credentials.
func (s StaticToken) Header(ctx context.Context) (string, string, error) {
	if s.Token == "" {
		return "", "", nil
	}
	name := s.HeaderName
	if name == "" || strings.EqualFold(name, "Authorization") {
		return "Authorization", "Bearer " + s.Token, nil
	}
	return name, s.Token, nil
}

// Config configures the HTTP client.
type Config struct {
	// BaseURL is prefixed to path endpoints (e.g. "https://api.school.example").
	BaseURL string

	// Timeout bounds each request (default: 15s)
	Timeout time.Duration

	// Credentials supplies the auth header (default: none)
	Credentials Credentials

	// UserAgent sent with every request (default: "syncq")
	UserAgent string

	// HTTPClient overrides the underlying client; its Timeout is left as is.
	HTTPClient *http.Client
}

// Client is the HTTP Sender.
type Client struct {
	base        *url.URL
	http        *http.Client
	credentials Credentials
	userAgent   string
}

var _ Sender = (*Client)(nil)

// New creates a Client from config.
func New(config Config) (*Client, error) {
	var base *url.URL
	if config.BaseURL != "" {
		u, err := url.Parse(config.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid base URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
			return nil, fmt.Errorf("invalid base URL %q: must be an absolute http(s) URL", config.BaseURL)
		}
		base = u
	}

	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}
	if config.UserAgent == "" {
		config.UserAgent = "syncq"
	}

	return &Client{
		base:        base,
		http:        httpClient,
		credentials: config.Credentials,
		userAgent:   config.UserAgent,
	}, nil
}

// Resolve returns the absolute URL a task endpoint is sent to.
func (c *Client) Resolve(endpoint string) (string, error) {
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	if c.base == nil {
		return "", fmt.Errorf("endpoint %q is relative and no base URL is configured", endpoint)
	}

	// join escaped forms too, so %2F in an endpoint is sent as written
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + ref.Path
	u.RawPath = strings.TrimSuffix(c.base.EscapedPath(), "/") + ref.EscapedPath()
	u.RawQuery = ref.RawQuery
	u.Fragment = ""
	return u.String(), nil
}

// Send implements Sender.
func (c *Client) Send(ctx context.Context, t task.Task) Outcome {
	target, err := c.Resolve(t.Endpoint)
	if err != nil {
		return Outcome{Class: ClassPermanent, Message: err.Error()}
	}

	var body io.Reader
	if t.HasBody() {
		body = bytes.NewReader(t.Body)
	}

	req, err := http.NewRequestWithContext(ctx, string(t.Method), target, body)
	if err != nil {
		return Outcome{Class: ClassPermanent, Message: fmt.Sprintf("failed to build request: %v", err)}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Idempotency-Key", t.ID)

	if c.credentials != nil {
		name, value, err := c.credentials.Header(ctx)
		if err != nil {
			// a credential source that cannot produce a token now may
			// recover later (e.g. refresh in progress)
			return Outcome{Class: ClassTransient, Message: fmt.Sprintf("failed to get credentials: %v", err)}
		}
		if name != "" {
			req.Header.Set(name, value)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Classify(0, "", err)
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	_, _ = io.Copy(io.Discard, resp.Body)

	return Classify(resp.StatusCode, string(snippet), nil)
}

// Classify maps an HTTP status (or transport error) to an Outcome.
func Classify(status int, body string, err error) Outcome {
	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			msg = "timeout: " + msg
		}
		return Outcome{Class: ClassTransient, Message: msg}
	}

	out := Outcome{StatusCode: status, Message: describe(status, body)}
	switch {
	case status >= 200 && status <= 299:
		out.Class = ClassSuccess
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests,
		status >= 500:
		out.Class = ClassTransient
	default:
		out.Class = ClassPermanent
	}
	return out
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// describe formats "<code> <text>: <trimmed body>".
func describe(status int, body string) string {
	msg := fmt.Sprintf("%d %s", status, http.StatusText(status))
	body = strings.Join(strings.Fields(body), " ")
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body != "" {
		msg += ": " + body
	}
	return msg
}
