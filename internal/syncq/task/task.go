// Package task defines the durable record for one deferred write operation.
//
// A Task is created by the enqueuer, persisted by the store, and replayed by
// the dispatcher. Its JSON encoding is the persisted record shape:
//
//	{ "id": "...", "endpoint": "/support/school-1/incidents", "method": "POST",
//	  "body": {...}, "createdAt": 1712345678901, "attempts": 0,
//	  "status": "pending", "lastError": "..." }
package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode"
)

// Method is the HTTP verb a task is replayed with.
type Method string

const (
	MethodPost   Method = "POST"
	MethodPut    Method = "PUT"
	MethodPatch  Method = "PATCH"
	MethodDelete Method = "DELETE"
)

// Valid reports whether m is one of the replayable verbs.
func (m Method) Valid() bool {
	switch m {
	case MethodPost, MethodPut, MethodPatch, MethodDelete:
		return true
	}
	return false
}

// ParseMethod normalizes s (case-insensitive) into a Method.
func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToUpper(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidMethod, s)
	}
	return m, nil
}

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInflight Status = "inflight"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
)

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInflight, StatusDone, StatusFailed:
		return true
	}
	return false
}

// Programmer errors. These are rejected at enqueue time and never stored.
var (
	// ErrInvalidMethod is returned for a verb outside POST, PUT, PATCH, DELETE.
	ErrInvalidMethod = errors.New("invalid method")

	// ErrInvalidEndpoint is returned for an empty or malformed endpoint.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrUnserializableBody is returned when the body cannot be encoded as JSON.
	ErrUnserializableBody = errors.New("unserializable body")
)

// Task is a single queued write.
type Task struct {
	ID       string          `json:"id"`
	Endpoint string          `json:"endpoint"`
	Method   Method          `json:"method"`
	Body     json.RawMessage `json:"body,omitempty"`

	// CreatedAt is Unix milliseconds and the FIFO sort key.
	CreatedAt int64 `json:"createdAt"`

	Attempts  int    `json:"attempts"`
	Status    Status `json:"status"`
	LastError string `json:"lastError,omitempty"`
}

// Created returns CreatedAt as a time.Time.
func (t Task) Created() time.Time {
	return time.UnixMilli(t.CreatedAt)
}

// HasBody reports whether the task carries a payload to send.
func (t Task) HasBody() bool {
	b := strings.TrimSpace(string(t.Body))
	return b != "" && b != "null"
}

// Clone returns a copy that shares no memory with t.
func (t Task) Clone() Task {
	if t.Body != nil {
		body := make(json.RawMessage, len(t.Body))
		copy(body, t.Body)
		t.Body = body
	}
	return t
}

// Validate checks that the record is well formed enough to store.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if err := ValidateEndpoint(t.Endpoint); err != nil {
		return err
	}
	if !t.Method.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMethod, t.Method)
	}
	if !t.Status.Valid() {
		return fmt.Errorf("invalid status %q", t.Status)
	}
	if t.Attempts < 0 {
		return fmt.Errorf("attempts must be >= 0 (got %d)", t.Attempts)
	}
	if t.CreatedAt <= 0 {
		return fmt.Errorf("createdAt is required")
	}
	if len(t.Body) > 0 && !json.Valid(t.Body) {
		return fmt.Errorf("%w: body is not valid JSON", ErrUnserializableBody)
	}
	return nil
}

// ValidateEndpoint accepts an absolute resource path ("/support/x") or an
// absolute http(s) URL.
func ValidateEndpoint(endpoint string) error {
	if endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidEndpoint)
	}
	for _, r := range endpoint {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: %q contains whitespace or control characters", ErrInvalidEndpoint, endpoint)
		}
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}

	if u.IsAbs() {
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("%w: %q has no host", ErrInvalidEndpoint, endpoint)
		}
		return nil
	}

	if !strings.HasPrefix(endpoint, "/") || strings.HasPrefix(endpoint, "//") {
		return fmt.Errorf("%w: %q must be an absolute path or URL", ErrInvalidEndpoint, endpoint)
	}
	return nil
}

// EncodeBody serializes a caller-supplied body. Raw JSON is passed through
// after validation; nil encodes to no body.
func EncodeBody(body any) (json.RawMessage, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(b) {
			return nil, fmt.Errorf("%w: raw body is not valid JSON", ErrUnserializableBody)
		}
		return append(json.RawMessage(nil), b...), nil
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnserializableBody, err)
	}
	return data, nil
}
