// Package loadtest drives a real queue with many concurrent producers while
// it drains against a local fake API, and checks that replay order and the
// single-inflight rule hold under load.
package loadtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"time"

	"github.com/schoolhub/syncq/internal/logging"
	"github.com/schoolhub/syncq/internal/syncq"
	"github.com/schoolhub/syncq/internal/syncq/dispatch"
	"github.com/schoolhub/syncq/internal/syncq/task"
	"github.com/schoolhub/syncq/internal/syncq/transport"
)

// Config describes one load run.
type Config struct {
	// Producers is the number of goroutines enqueueing concurrently
	Producers int

	// TasksPerProducer is how many tasks each producer enqueues
	TasksPerProducer int

	// DataDir holds the SQLite queue; empty runs on the memory store
	DataDir string

	// ServerDelay is added to every fake API response
	ServerDelay time.Duration

	// FailEvery makes every Nth request answer 503 (0 = never)
	FailEvery int

	// Timeout bounds the whole run (default: 2m)
	Timeout time.Duration
}

// LatencyStats captures enqueue latency.
type LatencyStats struct {
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration // Median
	P95   time.Duration
	P99   time.Duration
	Total int
}

// Report is the outcome of a load run.
type Report struct {
	Enqueue LatencyStats

	// Delivered counts tasks the fake API accepted
	Delivered int

	// Rejected counts injected 503 responses
	Rejected int

	// Duplicates counts task ids accepted more than once
	Duplicates int

	// OrderViolations counts tasks a producer enqueued earlier that arrived
	// after a later one
	OrderViolations int

	// MaxInflight is the highest number of concurrent requests seen
	MaxInflight int

	Elapsed time.Duration
}

// OK reports whether every task arrived exactly once, in order, one at a time.
func (r *Report) OK(expected int) bool {
	return r.Delivered == expected && r.Duplicates == 0 && r.OrderViolations == 0 && r.MaxInflight <= 1
}

type item struct {
	Producer int `json:"producer"`
	Seq      int `json:"seq"`
}

// fakeAPI accepts POST /loadtest/items and records what it saw.
type fakeAPI struct {
	delay     time.Duration
	failEvery int

	mu        sync.Mutex
	requests  int
	active    int
	maxActive int
	seen      map[string]bool
	lastSeq   map[int]int
	report    Report
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.requests++
	n := f.requests
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	if f.failEvery > 0 && n%f.failEvery == 0 {
		f.mu.Lock()
		f.report.Rejected++
		f.mu.Unlock()
		http.Error(w, "injected failure", http.StatusServiceUnavailable)
		return
	}

	body, _ := io.ReadAll(r.Body)
	var it item
	if err := json.Unmarshal(body, &it); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	id := r.Header.Get("Idempotency-Key")
	f.mu.Lock()
	if f.seen[id] {
		f.report.Duplicates++
	}
	f.seen[id] = true
	if last, ok := f.lastSeq[it.Producer]; ok && it.Seq <= last {
		f.report.OrderViolations++
	}
	f.lastSeq[it.Producer] = it.Seq
	f.report.Delivered++
	f.mu.Unlock()

	w.WriteHeader(http.StatusCreated)
}

// Run performs one load run.
func Run(ctx context.Context, config Config) (*Report, error) {
	if config.Producers <= 0 || config.TasksPerProducer <= 0 {
		return nil, fmt.Errorf("producers and tasks per producer must be positive")
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, config.Timeout)
	defer cancel()

	api := &fakeAPI{
		delay:     config.ServerDelay,
		failEvery: config.FailEvery,
		seen:      make(map[string]bool),
		lastSeq:   make(map[int]int),
	}
	srv := httptest.NewServer(api)
	defer srv.Close()

	sender, err := transport.New(transport.Config{BaseURL: srv.URL, Timeout: 10 * time.Second})
	if err != nil {
		return nil, err
	}

	dcfg := dispatch.DefaultConfig()
	dcfg.Interval = 50 * time.Millisecond
	dcfg.MaxAttempts = 0
	dcfg.Backoff = dispatch.Backoff{Base: 5 * time.Millisecond, Max: 20 * time.Millisecond}

	eng, err := syncq.Init(ctx, syncq.Options{
		DataDir:  config.DataDir,
		Sender:   sender,
		Dispatch: dcfg,
		Logs:     logging.Discard(),
	})
	if err != nil {
		return nil, err
	}
	defer eng.Teardown()

	start := time.Now()

	runCtx, stopRun := context.WithCancel(ctx)
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = eng.Run(runCtx)
	}()
	defer func() {
		stopRun()
		<-runDone
	}()

	durations, err := produce(ctx, eng, config)
	if err != nil {
		return nil, err
	}

	expected := config.Producers * config.TasksPerProducer
	if err := waitDrained(ctx, eng, api, expected); err != nil {
		return nil, err
	}

	api.mu.Lock()
	report := api.report
	report.MaxInflight = api.maxActive
	api.mu.Unlock()

	report.Enqueue = computeLatencyStats(durations)
	report.Elapsed = time.Since(start)
	return &report, nil
}

func produce(ctx context.Context, eng *syncq.Engine, config Config) ([]time.Duration, error) {
	var wg sync.WaitGroup
	results := make(chan []time.Duration, config.Producers)
	errs := make(chan error, config.Producers)

	for p := 0; p < config.Producers; p++ {
		wg.Add(1)
		go func(producer int) {
			defer wg.Done()

			durations := make([]time.Duration, 0, config.TasksPerProducer)
			for seq := 0; seq < config.TasksPerProducer; seq++ {
				begin := time.Now()
				_, err := eng.EnqueueTask(ctx, "/loadtest/items", item{Producer: producer, Seq: seq}, task.MethodPost)
				durations = append(durations, time.Since(begin))
				if err != nil {
					errs <- fmt.Errorf("producer %d task %d failed: %w", producer, seq, err)
					return
				}
			}
			results <- durations
		}(p)
	}

	wg.Wait()
	close(results)
	close(errs)

	if err := <-errs; err != nil {
		return nil, err
	}

	var all []time.Duration
	for d := range results {
		all = append(all, d...)
	}
	return all, nil
}

// waitDrained polls until the queue is empty and everything was delivered.
func waitDrained(ctx context.Context, eng *syncq.Engine, api *fakeAPI, expected int) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		api.mu.Lock()
		delivered := api.report.Delivered
		api.mu.Unlock()

		if eng.Projection().Counts().Total == 0 && delivered >= expected {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("queue not drained: %d of %d delivered, %d still queued: %w",
				delivered, expected, eng.Projection().Counts().Total, ctx.Err())
		case <-ticker.C:
		}
	}
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(sorted)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Total: len(sorted),
	}
}

// Print writes a human-readable summary.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "Load test:\n")
	fmt.Fprintf(w, "  Delivered:         %d\n", r.Delivered)
	fmt.Fprintf(w, "  Injected failures: %d\n", r.Rejected)
	fmt.Fprintf(w, "  Duplicates:        %d\n", r.Duplicates)
	fmt.Fprintf(w, "  Order violations:  %d\n", r.OrderViolations)
	fmt.Fprintf(w, "  Max inflight:      %d\n", r.MaxInflight)
	fmt.Fprintf(w, "  Elapsed:           %v\n", r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "Enqueue latency (%d calls):\n", r.Enqueue.Total)
	fmt.Fprintf(w, "  Min:           %v\n", r.Enqueue.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", r.Enqueue.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", r.Enqueue.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", r.Enqueue.P95)
	fmt.Fprintf(w, "  P99:           %v\n", r.Enqueue.P99)
	fmt.Fprintf(w, "  Max:           %v\n", r.Enqueue.Max)
}
