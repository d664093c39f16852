package task

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func validTask() *Task {
	return &Task{
		ID:        "t-1",
		Endpoint:  "/support/school-1/incidents",
		Method:    MethodPost,
		Body:      json.RawMessage(`{"category":"Safety"}`),
		CreatedAt: 1712345678901,
		Status:    StatusPending,
	}
}

func TestValidate_Success(t *testing.T) {
	if err := validTask().Validate(); err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Task)
		want   string
	}{
		{"missing id", func(t *Task) { t.ID = "" }, "id is required"},
		{"bad method", func(t *Task) { t.Method = "GET" }, "invalid method"},
		{"bad status", func(t *Task) { t.Status = "queued" }, "invalid status"},
		{"negative attempts", func(t *Task) { t.Attempts = -1 }, "attempts must be"},
		{"missing createdAt", func(t *Task) { t.CreatedAt = 0 }, "createdAt is required"},
		{"bad body", func(t *Task) { t.Body = json.RawMessage(`{`) }, "not valid JSON"},
		{"bad endpoint", func(t *Task) { t.Endpoint = "support" }, "absolute path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := validTask()
			tt.mutate(task)
			err := task.Validate()
			if err == nil {
				t.Fatal("Validate() should fail")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want substring %q", err, tt.want)
			}
		})
	}
}

func TestValidateEndpoint(t *testing.T) {
	valid := []string{
		"/support/school-1/incidents",
		"/fees/invoices/42/pay?channel=mobile",
		"https://api.example.org/attendance",
		"http://localhost:8080/import",
	}
	for _, e := range valid {
		if err := ValidateEndpoint(e); err != nil {
			t.Errorf("ValidateEndpoint(%q) failed: %v", e, err)
		}
	}

	invalid := []string{
		"",
		"support/incidents",
		"//evil.example/x",
		"/with space",
		"/tab\tchar",
		"ftp://host/file",
		"https:///nohost",
	}
	for _, e := range invalid {
		err := ValidateEndpoint(e)
		if !errors.Is(err, ErrInvalidEndpoint) {
			t.Errorf("ValidateEndpoint(%q) = %v, want ErrInvalidEndpoint", e, err)
		}
	}
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod(" patch ")
	if err != nil {
		t.Fatalf("ParseMethod() failed: %v", err)
	}
	if m != MethodPatch {
		t.Errorf("method = %q, want PATCH", m)
	}

	if _, err := ParseMethod("GET"); !errors.Is(err, ErrInvalidMethod) {
		t.Errorf("ParseMethod(GET) = %v, want ErrInvalidMethod", err)
	}
}

func TestEncodeBody(t *testing.T) {
	body, err := EncodeBody(map[string]string{"category": "Safety"})
	if err != nil {
		t.Fatalf("EncodeBody() failed: %v", err)
	}
	if string(body) != `{"category":"Safety"}` {
		t.Errorf("body = %s", body)
	}

	body, err = EncodeBody(nil)
	if err != nil || body != nil {
		t.Errorf("EncodeBody(nil) = %s, %v; want nil, nil", body, err)
	}

	if _, err := EncodeBody(json.RawMessage(`{"x":`)); !errors.Is(err, ErrUnserializableBody) {
		t.Errorf("EncodeBody(bad raw) = %v, want ErrUnserializableBody", err)
	}

	if _, err := EncodeBody(map[string]any{"ch": make(chan int)}); !errors.Is(err, ErrUnserializableBody) {
		t.Errorf("EncodeBody(chan) = %v, want ErrUnserializableBody", err)
	}
}

func TestTask_JSONShape(t *testing.T) {
	data, err := json.Marshal(validTask())
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	got := string(data)
	want := `{"id":"t-1","endpoint":"/support/school-1/incidents","method":"POST","body":{"category":"Safety"},"createdAt":1712345678901,"attempts":0,"status":"pending"}`
	if got != want {
		t.Errorf("json =\n%s\nwant\n%s", got, want)
	}
}

func TestTask_CloneIsIndependent(t *testing.T) {
	orig := *validTask()
	c := orig.Clone()
	c.Body[2] = 'X'
	if string(orig.Body) != `{"category":"Safety"}` {
		t.Errorf("clone shares body memory: %s", orig.Body)
	}
}

func TestTask_HasBody(t *testing.T) {
	tk := validTask()
	if !tk.HasBody() {
		t.Error("HasBody() = false, want true")
	}
	tk.Body = json.RawMessage("null")
	if tk.HasBody() {
		t.Error("HasBody() = true for null body")
	}
	tk.Body = nil
	if tk.HasBody() {
		t.Error("HasBody() = true for nil body")
	}
}
