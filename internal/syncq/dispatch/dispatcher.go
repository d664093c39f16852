// Package dispatch replays queued tasks against the API.
//
// The dispatcher:
// 1. Drains on startup, on connectivity restored, on a periodic timer and on demand
// 2. Runs at most one drain cycle at a time; a trigger during a cycle re-arms it
// 3. Sends strictly in queue order, one request at a time
// 4. Stops the cycle at the first record that cannot be sent yet
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/schoolhub/syncq/internal/syncq/store"
	"github.com/schoolhub/syncq/internal/syncq/task"
	"github.com/schoolhub/syncq/internal/syncq/transport"
)

// ErrNotFailed is returned by Retry and Discard for a record that is not failed.
var ErrNotFailed = errors.New("task is not failed")

// Trigger names what started a drain cycle.
type Trigger string

const (
	TriggerStartup Trigger = "startup"
	TriggerOnline  Trigger = "online"
	TriggerTimer   Trigger = "timer"
	TriggerManual  Trigger = "manual"
	TriggerEnqueue Trigger = "enqueue"
)

// bypassesBackoff reports whether a trigger ignores the backoff gate.
func (t Trigger) bypassesBackoff() bool {
	switch t {
	case TriggerStartup, TriggerOnline, TriggerManual:
		return true
	}
	return false
}

// StopReason explains why a drain cycle ended.
type StopReason string

const (
	StopEmpty      StopReason = "empty"      // nothing left to send
	StopOffline    StopReason = "offline"    // connectivity lost
	StopBackoff    StopReason = "backoff"    // held off after a transient failure
	StopTransient  StopReason = "transient"  // head record hit a retriable error
	StopPermanent  StopReason = "permanent"  // head record was rejected
	StopExhausted  StopReason = "exhausted"  // head record ran out of attempts
	StopBlocked    StopReason = "blocked"    // head record is already failed
	StopCanceled   StopReason = "canceled"   // context canceled between records
	StopStoreError StopReason = "store"      // the store could not be read or written
	StopBusy       StopReason = "busy"       // another cycle is running; it was re-armed
)

// DrainResult summarizes a Drain call. When the call ran re-armed cycles the
// counts cover all of them and Stop is that of the last one.
type DrainResult struct {
	Trigger   Trigger
	Cycles    int
	Attempted int
	Succeeded int
	Stop      StopReason

	// BlockedBy is the id of the record the cycle stopped at, if any.
	BlockedBy string

	Duration time.Duration
}

// Config holds configuration for the dispatcher.
type Config struct {
	// Interval is the safety-net timer period used by Run
	Interval time.Duration

	// MaxAttempts marks a record failed once a transient error brings its
	// attempts to this value (0 = retry transient errors forever)
	MaxAttempts int

	// Backoff holds off timer and enqueue triggers after a transient failure
	Backoff Backoff

	// Online reports connectivity; nil means always online
	Online func() bool

	// Now is the clock used for the backoff gate
	Now func() time.Time

	// Logger for dispatch activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:    30 * time.Second,
		MaxAttempts: 8,
		Backoff:     DefaultBackoff(),
		Logger:      log.New(os.Stderr, "[dispatch] ", log.LstdFlags),
	}
}

// Dispatcher serially replays queued tasks.
type Dispatcher struct {
	store  store.Store
	sender transport.Sender
	config *Config

	mu        sync.Mutex
	draining  bool
	rearm     bool
	rearmWith Trigger
	notBefore time.Time

	// pending trigger for Run, merged so a bypassing trigger is never lost
	pendingMu sync.Mutex
	pending   Trigger
	wake      chan struct{}

	// serializes Retry and Discard
	opMu sync.Mutex
}

// New creates a dispatcher with default configuration.
func New(s store.Store, sender transport.Sender) (*Dispatcher, error) {
	return NewWithConfig(s, sender, DefaultConfig())
}

// NewWithConfig creates a dispatcher with custom configuration.
func NewWithConfig(s store.Store, sender transport.Sender, config *Config) (*Dispatcher, error) {
	if s == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if sender == nil {
		return nil, fmt.Errorf("sender cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.MaxAttempts < 0 {
		return nil, fmt.Errorf("max attempts cannot be negative")
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[dispatch] ", log.LstdFlags)
	}

	return &Dispatcher{
		store:  s,
		sender: sender,
		config: config,
		wake:   make(chan struct{}, 1),
	}, nil
}

// Draining reports whether a cycle is running.
func (d *Dispatcher) Draining() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.draining
}

// NextAttemptAt returns when timer and enqueue triggers may send again.
// The zero time means no backoff is in effect.
func (d *Dispatcher) NextAttemptAt() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.notBefore
}

// Drain runs a drain cycle and returns its result. If a cycle is already
// running, Drain re-arms it and returns immediately with StopBusy; the
// running call then performs one more cycle before returning.
func (d *Dispatcher) Drain(ctx context.Context, trigger Trigger) DrainResult {
	d.mu.Lock()
	if d.draining {
		if !d.rearm || trigger.bypassesBackoff() {
			d.rearmWith = trigger
		}
		d.rearm = true
		d.mu.Unlock()
		return DrainResult{Trigger: trigger, Stop: StopBusy}
	}
	d.draining = true
	d.mu.Unlock()

	start := d.config.Now()
	total := DrainResult{Trigger: trigger}
	next := trigger
	for {
		res := d.cycle(ctx, next)
		total.Cycles++
		total.Attempted += res.Attempted
		total.Succeeded += res.Succeeded
		total.Stop = res.Stop
		total.BlockedBy = res.BlockedBy

		d.mu.Lock()
		if !d.rearm || ctx.Err() != nil {
			d.draining = false
			d.rearm = false
			d.mu.Unlock()
			break
		}
		next = d.rearmWith
		d.rearm = false
		d.mu.Unlock()
	}

	total.Duration = d.config.Now().Sub(start)
	return total
}

func (d *Dispatcher) online() bool {
	return d.config.Online == nil || d.config.Online()
}

// cycle is one drain pass. The caller holds the draining flag.
func (d *Dispatcher) cycle(ctx context.Context, trigger Trigger) DrainResult {
	res := DrainResult{Trigger: trigger}

	if !trigger.bypassesBackoff() {
		d.mu.Lock()
		gate := d.notBefore
		d.mu.Unlock()
		if !gate.IsZero() && d.config.Now().Before(gate) {
			res.Stop = StopBackoff
			return res
		}
	}

	defer func() {
		d.config.Logger.Printf("Drain (%s): %d attempted, %d sent, stopped: %s",
			trigger, res.Attempted, res.Succeeded, res.Stop)
	}()

	for {
		if ctx.Err() != nil {
			res.Stop = StopCanceled
			return res
		}
		if !d.online() {
			res.Stop = StopOffline
			return res
		}

		head, ok, err := d.head(ctx)
		if err != nil {
			d.config.Logger.Printf("Error reading queue: %v", err)
			res.Stop = StopStoreError
			return res
		}
		if !ok {
			res.Stop = StopEmpty
			return res
		}
		if head.Status == task.StatusFailed {
			res.Stop = StopBlocked
			res.BlockedBy = head.ID
			return res
		}

		res.Attempted++
		stop := d.attempt(ctx, head)
		if stop == "" {
			res.Succeeded++
			continue
		}
		res.Stop = stop
		res.BlockedBy = head.ID
		return res
	}
}

// head returns the first record that is not done. Done records left behind
// by an interrupted removal are removed on the way.
func (d *Dispatcher) head(ctx context.Context) (task.Task, bool, error) {
	tasks, err := d.store.List(ctx)
	if err != nil {
		return task.Task{}, false, err
	}
	for _, t := range tasks {
		if t.Status != task.StatusDone {
			return t, true, nil
		}
		if err := d.store.Remove(ctx, t.ID); err != nil {
			return task.Task{}, false, err
		}
	}
	return task.Task{}, false, nil
}

// attempt sends one record and records its outcome. It returns "" when the
// record was sent and removed, otherwise the reason the cycle must stop.
func (d *Dispatcher) attempt(ctx context.Context, t task.Task) StopReason {
	attempts := t.Attempts + 1
	if err := d.store.Update(ctx, t.ID, store.Patch{
		Status:   store.StatusPtr(task.StatusInflight),
		Attempts: store.IntPtr(attempts),
	}); err != nil {
		d.config.Logger.Printf("Error marking task %s inflight: %v", t.ID, err)
		return StopStoreError
	}
	t.Status = task.StatusInflight
	t.Attempts = attempts

	// a request in flight is never canceled; cancellation is honored
	// between records
	sendCtx := context.WithoutCancel(ctx)
	out := d.sender.Send(sendCtx, t)
	d.config.Logger.Printf("task %s %s %s: %s %s", t.ID, t.Method, t.Endpoint, out.Class, out.Message)

	switch out.Class {
	case transport.ClassSuccess:
		if err := d.store.Update(sendCtx, t.ID, store.Patch{Status: store.StatusPtr(task.StatusDone)}); err != nil {
			d.config.Logger.Printf("Error marking task %s done: %v", t.ID, err)
			return StopStoreError
		}
		if err := d.store.Remove(sendCtx, t.ID); err != nil {
			d.config.Logger.Printf("Error removing task %s: %v", t.ID, err)
			return StopStoreError
		}
		d.mu.Lock()
		d.notBefore = time.Time{}
		d.mu.Unlock()
		return ""

	case transport.ClassPermanent:
		d.markFailed(sendCtx, t.ID, out.Message)
		return StopPermanent

	default:
		if d.config.MaxAttempts > 0 && attempts >= d.config.MaxAttempts {
			d.markFailed(sendCtx, t.ID, fmt.Sprintf("gave up after %d attempts: %s", attempts, out.Message))
			return StopExhausted
		}
		if err := d.store.Update(sendCtx, t.ID, store.Patch{
			Status:    store.StatusPtr(task.StatusPending),
			LastError: store.StringPtr(out.Message),
		}); err != nil {
			d.config.Logger.Printf("Error reverting task %s to pending: %v", t.ID, err)
			return StopStoreError
		}
		delay := d.config.Backoff.Delay(attempts)
		d.mu.Lock()
		d.notBefore = d.config.Now().Add(delay)
		d.mu.Unlock()
		return StopTransient
	}
}

func (d *Dispatcher) markFailed(ctx context.Context, id, msg string) {
	if err := d.store.Update(ctx, id, store.Patch{
		Status:    store.StatusPtr(task.StatusFailed),
		LastError: store.StringPtr(msg),
	}); err != nil {
		d.config.Logger.Printf("Error marking task %s failed: %v", id, err)
	}
}

// Trigger asks Run to start a drain cycle. It never blocks. Triggers that
// arrive while one is already pending are merged.
func (d *Dispatcher) Trigger(reason Trigger) {
	d.pendingMu.Lock()
	if d.pending == "" || (reason.bypassesBackoff() && !d.pending.bypassesBackoff()) {
		d.pending = reason
	}
	d.pendingMu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) takePending() Trigger {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	t := d.pending
	d.pending = ""
	return t
}

// Run drains on startup, then on every trigger and timer tick.
//
// This blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.config.Logger.Printf("Starting dispatcher (interval %s)", d.config.Interval)

	d.Drain(ctx, TriggerStartup)

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.config.Logger.Println("Dispatcher stopped")
			return nil
		case <-ticker.C:
			d.Drain(ctx, TriggerTimer)
		case <-d.wake:
			if reason := d.takePending(); reason != "" {
				d.Drain(ctx, reason)
			}
		}
	}
}

// Retry moves a failed record back to pending, clearing its last error,
// and triggers a drain. Attempts are kept.
func (d *Dispatcher) Retry(ctx context.Context, id string) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	if err := d.retryLocked(ctx, id); err != nil {
		return err
	}
	d.Trigger(TriggerManual)
	return nil
}

// RetryAll retries every failed record and returns how many were retried.
func (d *Dispatcher) RetryAll(ctx context.Context) (int, error) {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	tasks, err := d.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list tasks: %w", err)
	}

	n := 0
	for _, t := range tasks {
		if t.Status != task.StatusFailed {
			continue
		}
		if err := d.retryLocked(ctx, t.ID); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		d.Trigger(TriggerManual)
	}
	return n, nil
}

func (d *Dispatcher) retryLocked(ctx context.Context, id string) error {
	t, err := d.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != task.StatusFailed {
		return fmt.Errorf("%w: %s is %s", ErrNotFailed, id, t.Status)
	}
	if err := d.store.Update(ctx, id, store.Patch{
		Status:    store.StatusPtr(task.StatusPending),
		LastError: store.StringPtr(""),
	}); err != nil {
		return fmt.Errorf("failed to retry task %s: %w", id, err)
	}
	d.config.Logger.Printf("Retrying task %s", id)
	return nil
}

// Discard removes a failed record. Records in any other state cannot be
// discarded, so nothing is dropped silently.
func (d *Dispatcher) Discard(ctx context.Context, id string) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	t, err := d.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != task.StatusFailed {
		return fmt.Errorf("%w: %s is %s", ErrNotFailed, id, t.Status)
	}
	if err := d.store.Remove(ctx, id); err != nil {
		return fmt.Errorf("failed to discard task %s: %w", id, err)
	}
	d.config.Logger.Printf("Discarded task %s (%s %s)", id, t.Method, t.Endpoint)
	// the discarded record may have been blocking the queue
	d.Trigger(TriggerManual)
	return nil
}
