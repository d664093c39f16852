package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/schoolhub/syncq/internal/syncq/task"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		status int
		want   Class
	}{
		{200, ClassSuccess},
		{201, ClassSuccess},
		{204, ClassSuccess},
		{400, ClassPermanent},
		{401, ClassPermanent},
		{403, ClassPermanent},
		{404, ClassPermanent},
		{409, ClassPermanent},
		{422, ClassPermanent},
		{408, ClassTransient},
		{425, ClassTransient},
		{429, ClassTransient},
		{500, ClassTransient},
		{502, ClassTransient},
		{503, ClassTransient},
		{302, ClassPermanent},
	}

	for _, tt := range tests {
		if got := Classify(tt.status, "", nil); got.Class != tt.want {
			t.Errorf("Classify(%d) = %s, want %s", tt.status, got.Class, tt.want)
		}
	}

	if got := Classify(0, "", errors.New("connection refused")); got.Class != ClassTransient {
		t.Errorf("network error class = %s, want transient", got.Class)
	}
	if got := Classify(0, "", context.DeadlineExceeded); !strings.HasPrefix(got.Message, "timeout") {
		t.Errorf("timeout message = %q", got.Message)
	}
}

func TestClassify_MessageIncludesBody(t *testing.T) {
	got := Classify(422, "{\n  \"error\": \"amount required\"\n}", nil)
	want := `422 Unprocessable Entity: { "error": "amount required" }`
	if got.Message != want {
		t.Errorf("message = %q, want %q", got.Message, want)
	}
}

func TestClient_SendReplaysRequest(t *testing.T) {
	var (
		gotMethod string
		gotPath   string
		gotQuery  string
		gotBody   string
		gotHeader http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotHeader = r.Header.Clone()
		data, _ := io.ReadAll(r.Body)
		gotBody = string(data)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c, err := New(Config{
		BaseURL:     srv.URL + "/api/",
		Credentials: StaticToken{Token: "secret"},
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	out := c.Send(context.Background(), task.Task{
		ID:       "task-1",
		Endpoint: "/support/school-1/incidents?source=offline",
		Method:   task.MethodPost,
		Body:     json.RawMessage(`{"category":"Safety"}`),
	})

	if out.Class != ClassSuccess || out.StatusCode != 201 {
		t.Fatalf("outcome = %+v, want success/201", out)
	}
	if gotMethod != "POST" {
		t.Errorf("method = %s", gotMethod)
	}
	if gotPath != "/api/support/school-1/incidents" {
		t.Errorf("path = %s", gotPath)
	}
	if gotQuery != "source=offline" {
		t.Errorf("query = %s", gotQuery)
	}
	if gotBody != `{"category":"Safety"}` {
		t.Errorf("body = %s", gotBody)
	}
	if v := gotHeader.Get("Authorization"); v != "Bearer secret" {
		t.Errorf("Authorization = %q", v)
	}
	if v := gotHeader.Get("Idempotency-Key"); v != "task-1" {
		t.Errorf("Idempotency-Key = %q", v)
	}
	if v := gotHeader.Get("Content-Type"); v != "application/json" {
		t.Errorf("Content-Type = %q", v)
	}
}

func TestClient_SendWithoutBody(t *testing.T) {
	var contentLength int64 = -2
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentLength = r.ContentLength
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, _ := New(Config{BaseURL: srv.URL})
	out := c.Send(context.Background(), task.Task{ID: "d", Endpoint: "/fees/invoices/7", Method: task.MethodDelete})
	if out.Class != ClassSuccess {
		t.Fatalf("outcome = %+v", out)
	}
	if contentLength != 0 {
		t.Errorf("content length = %d, want 0", contentLength)
	}
}

func TestClient_SendKeepsEscapedSlash(t *testing.T) {
	var requestURI string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestURI = r.RequestURI
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, _ := New(Config{BaseURL: srv.URL + "/api"})
	out := c.Send(context.Background(), task.Task{ID: "f", Endpoint: "/files/a%2Fb", Method: task.MethodDelete})
	if out.Class != ClassSuccess {
		t.Fatalf("outcome = %+v", out)
	}
	if requestURI != "/api/files/a%2Fb" {
		t.Errorf("request URI = %q, want /api/files/a%%2Fb", requestURI)
	}
}

func TestClient_SendTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c, _ := New(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	out := c.Send(context.Background(), task.Task{ID: "slow", Endpoint: "/x", Method: task.MethodPut})
	if out.Class != ClassTransient {
		t.Errorf("outcome = %+v, want transient", out)
	}
}

func TestClient_CustomCredentialHeader(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Session-Token")
	}))
	defer srv.Close()

	c, _ := New(Config{BaseURL: srv.URL, Credentials: StaticToken{Token: "abc", HeaderName: "X-Session-Token"}})
	c.Send(context.Background(), task.Task{ID: "1", Endpoint: "/x", Method: task.MethodPatch})
	if got != "abc" {
		t.Errorf("X-Session-Token = %q, want abc", got)
	}
}

func TestClient_Resolve(t *testing.T) {
	c, _ := New(Config{BaseURL: "https://api.school.example/v2"})

	got, err := c.Resolve("/fees/invoices")
	if err != nil || got != "https://api.school.example/v2/fees/invoices" {
		t.Errorf("Resolve(path) = %q, %v", got, err)
	}

	got, err = c.Resolve("https://other.example/hook")
	if err != nil || got != "https://other.example/hook" {
		t.Errorf("Resolve(abs) = %q, %v", got, err)
	}

	got, err = c.Resolve("/files/a%2Fb?v=1")
	if err != nil || got != "https://api.school.example/v2/files/a%2Fb?v=1" {
		t.Errorf("Resolve(escaped) = %q, %v", got, err)
	}

	noBase, _ := New(Config{})
	if _, err := noBase.Resolve("/fees"); err == nil {
		t.Error("Resolve() without base URL should fail")
	}
}

func TestNew_InvalidBaseURL(t *testing.T) {
	for _, base := range []string{"api.example", "ftp://x", "http://"} {
		if _, err := New(Config{BaseURL: base}); err == nil {
			t.Errorf("New(%q) should fail", base)
		}
	}
}
