package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	c, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if c.Dispatch.Interval != 30*time.Second {
		t.Errorf("dispatch.interval = %s, want 30s", c.Dispatch.Interval)
	}
	if c.Dispatch.MaxAttempts != 8 {
		t.Errorf("dispatch.max_attempts = %d, want 8", c.Dispatch.MaxAttempts)
	}
	if c.Connectivity.ProbeTimeout != 3*time.Second {
		t.Errorf("connectivity.probe_timeout = %s, want 3s", c.Connectivity.ProbeTimeout)
	}
	if c.Dashboard.Host != "127.0.0.1" {
		t.Errorf("dashboard.host = %q, want 127.0.0.1", c.Dashboard.Host)
	}
	if c.Dashboard.Port != 8080 {
		t.Errorf("dashboard.port = %d, want 8080", c.Dashboard.Port)
	}
	if c.API.AuthHeader != "Authorization" {
		t.Errorf("api.auth_header = %q", c.API.AuthHeader)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeFile(t, "syncq.yaml", `
data_dir: /var/lib/syncq
api:
  base_url: https://api.school.example
  timeout: 20s
dispatch:
  interval: 1m
  max_attempts: 3
`)
	t.Setenv("SYNCQ_DISPATCH_MAX_ATTEMPTS", "5")
	t.Setenv("SYNCQ_API_TOKEN", "secret")

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if c.File() != path {
		t.Errorf("File() = %q, want %q", c.File(), path)
	}
	if c.DataDir != "/var/lib/syncq" {
		t.Errorf("data_dir = %q", c.DataDir)
	}
	if c.API.BaseURL != "https://api.school.example" || c.API.Timeout != 20*time.Second {
		t.Errorf("api = %+v", c.API)
	}
	if c.Dispatch.Interval != time.Minute {
		t.Errorf("dispatch.interval = %s, want 1m", c.Dispatch.Interval)
	}
	if c.Dispatch.MaxAttempts != 5 {
		t.Errorf("env override: max_attempts = %d, want 5", c.Dispatch.MaxAttempts)
	}
	if c.API.Token != "secret" {
		t.Errorf("env override: token = %q", c.API.Token)
	}
	if c.DBPath() != filepath.Join("/var/lib/syncq", "queue.db") {
		t.Errorf("DBPath() = %s", c.DBPath())
	}
}

func TestLoad_TOMLFile(t *testing.T) {
	path := writeFile(t, "syncq.toml", `
[connectivity]
probe_url = "https://api.school.example/health"
min_server_version = "2.1.0"
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if c.Connectivity.ProbeURL != "https://api.school.example/health" {
		t.Errorf("probe_url = %q", c.Connectivity.ProbeURL)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() with missing explicit file should fail")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		c, err := Load(writeFile(t, "syncq.yaml", "data_dir: /tmp/x\n"))
		if err != nil {
			t.Fatalf("Load() failed: %v", err)
		}
		return c
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"relative base url", func(c *Config) { c.API.BaseURL = "api.school.example" }},
		{"zero interval", func(c *Config) { c.Dispatch.Interval = 0 }},
		{"negative attempts", func(c *Config) { c.Dispatch.MaxAttempts = -1 }},
		{"bad min version", func(c *Config) { c.Connectivity.MinServerVersion = "latest" }},
		{"bad port", func(c *Config) { c.Dashboard.Port = 70000 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			if err := c.Validate(); err == nil {
				t.Error("Validate() should fail")
			}
		})
	}

	if err := base().Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestRender(t *testing.T) {
	t.Setenv("SYNCQ_API_TOKEN", "secret")
	c, err := Load(writeFile(t, "syncq.yaml", "data_dir: /tmp/x\n"))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	out, err := c.Render("yaml")
	if err != nil {
		t.Fatalf("Render(yaml) failed: %v", err)
	}
	if strings.Contains(string(out), "secret") {
		t.Error("rendered yaml leaks the api token")
	}
	var fromYAML struct {
		Dispatch map[string]any `yaml:"dispatch"`
	}
	if err := yaml.Unmarshal(out, &fromYAML); err != nil {
		t.Fatalf("rendered yaml does not parse: %v", err)
	}
	if got := fromYAML.Dispatch["interval"]; got != "30s" {
		t.Errorf("yaml dispatch.interval = %v, want 30s", got)
	}

	out, err = c.Render("toml")
	if err != nil {
		t.Fatalf("Render(toml) failed: %v", err)
	}
	var fromTOML map[string]any
	if _, err := toml.Decode(string(out), &fromTOML); err != nil {
		t.Fatalf("rendered toml does not parse: %v", err)
	}
	if got := fromTOML["data_dir"]; got != "/tmp/x" {
		t.Errorf("toml data_dir = %v", got)
	}

	if _, err := c.Render("ini"); err == nil {
		t.Error("Render(ini) should fail")
	}
}
