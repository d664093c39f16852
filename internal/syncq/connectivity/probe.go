package connectivity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/mod/semver"
)

// ProberConfig configures the reachability heartbeat.
type ProberConfig struct {
	// URL is fetched with GET on every probe. A 2xx response means reachable.
	URL string

	// Interval between probes (default: 15s)
	Interval time.Duration

	// Timeout bounds a single probe (default: 3s)
	Timeout time.Duration

	// FailureThreshold is how many consecutive failed probes flip the
	// monitor offline (default: 2). One success flips it back online.
	FailureThreshold int

	// MinServerVersion, when set, requires the health response to carry a
	// JSON "version" field at least this semver (e.g. "v1.4.0").
	MinServerVersion string

	// Client is the HTTP client used for probes (default: a client with Timeout)
	Client *http.Client

	// Logger for probe activity (default: stderr logger)
	Logger *log.Logger
}

// Prober layers a real reachability check on top of a Monitor.
type Prober struct {
	monitor  *Monitor
	config   ProberConfig
	failures int
}

// NewProber validates config and returns a prober driving monitor.
func NewProber(monitor *Monitor, config ProberConfig) (*Prober, error) {
	if monitor == nil {
		return nil, fmt.Errorf("monitor cannot be nil")
	}
	if config.URL == "" {
		return nil, fmt.Errorf("probe URL cannot be empty")
	}
	if config.Interval <= 0 {
		config.Interval = 15 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 3 * time.Second
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 2
	}
	if config.MinServerVersion != "" {
		v := canonicalVersion(config.MinServerVersion)
		if !semver.IsValid(v) {
			return nil, fmt.Errorf("invalid minimum server version %q", config.MinServerVersion)
		}
		config.MinServerVersion = v
	}
	if config.Client == nil {
		config.Client = &http.Client{Timeout: config.Timeout}
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[probe] ", log.LstdFlags)
	}

	return &Prober{monitor: monitor, config: config}, nil
}

// Run probes immediately and then on every interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	p.Step(ctx)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Step(ctx)
		}
	}
}

// Step runs one probe and feeds the result to the monitor.
func (p *Prober) Step(ctx context.Context) {
	err := p.Probe(ctx)
	if err == nil {
		p.failures = 0
		if p.monitor.SetOnline(true) {
			p.config.Logger.Printf("API reachable at %s", p.config.URL)
		}
		return
	}

	p.failures++
	if p.failures >= p.config.FailureThreshold {
		if p.monitor.SetOnline(false) {
			p.config.Logger.Printf("API unreachable after %d probes: %v", p.failures, err)
		}
	}
}

type healthResponse struct {
	Version string `json:"version"`
}

// Probe performs a single reachability check.
func (p *Prober) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to build probe request: %w", err)
	}

	resp, err := p.config.Client.Do(req)
	if err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("probe returned %s", resp.Status)
	}

	if p.config.MinServerVersion == "" {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	var health healthResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&health); err != nil || health.Version == "" {
		// servers that do not report a version are accepted
		return nil
	}

	v := canonicalVersion(health.Version)
	if !semver.IsValid(v) {
		return fmt.Errorf("server reported invalid version %q", health.Version)
	}
	if semver.Compare(v, p.config.MinServerVersion) < 0 {
		return fmt.Errorf("server version %s is older than required %s", v, p.config.MinServerVersion)
	}
	return nil
}

func canonicalVersion(v string) string {
	v = strings.TrimSpace(v)
	if v != "" && !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}
