// Package syncq is the offline-first mutation queue.
//
// An Engine owns the queue for one process: it takes the data directory
// lock, opens the durable store, recovers records a crash left in flight and
// wires the enqueuer, the dispatcher, the connectivity monitor and the
// queue projection together. Create it once at startup with Init and release
// it with Teardown.
//
// Example:
//
//	eng, err := syncq.Init(ctx, syncq.Options{DataDir: dir, Sender: client})
//	if err != nil {
//	    return err
//	}
//	defer eng.Teardown()
//
//	id, err := eng.EnqueueTask(ctx, "/support/school-1/incidents", report, task.MethodPost)
package syncq

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/schoolhub/syncq/internal/logging"
	"github.com/schoolhub/syncq/internal/syncq/connectivity"
	"github.com/schoolhub/syncq/internal/syncq/dispatch"
	"github.com/schoolhub/syncq/internal/syncq/enqueue"
	"github.com/schoolhub/syncq/internal/syncq/projection"
	"github.com/schoolhub/syncq/internal/syncq/store"
	"github.com/schoolhub/syncq/internal/syncq/task"
	"github.com/schoolhub/syncq/internal/syncq/transport"
)

// DBFile is the queue database name inside the data directory.
const DBFile = "queue.db"

// Options configures an Engine.
type Options struct {
	// DataDir holds the queue database and lock file. When empty, the
	// engine runs on a volatile in-memory store.
	DataDir string

	// Store overrides the store opened from DataDir. The engine takes
	// ownership and closes it on Teardown.
	Store store.Store

	// Sender replays tasks (required)
	Sender transport.Sender

	// Dispatch tunes the dispatcher; Online is always set by the engine
	Dispatch *dispatch.Config

	// Monitor supplies connectivity (default: a new optimistic monitor)
	Monitor *connectivity.Monitor

	// Logs is the log destination (default: stderr)
	Logs *logging.Output

	// Clock stamps createdAt on new tasks (default: time.Now)
	Clock func() time.Time
}

// Engine is the process-wide queue instance.
type Engine struct {
	lock       *store.DirLock
	store      store.Store
	monitor    *connectivity.Monitor
	enqueuer   *enqueue.Enqueuer
	dispatcher *dispatch.Dispatcher
	projection *projection.Projection

	unsubscribe []func()

	mu      sync.Mutex
	closed  bool
	cancels []context.CancelFunc
	running sync.WaitGroup
}

// Init opens the queue and wires its components. Records left inflight
// by a previous process are reset to pending before anything is dispatched.
func Init(ctx context.Context, opts Options) (eng *Engine, err error) {
	if opts.Sender == nil {
		return nil, fmt.Errorf("sender cannot be nil")
	}
	logs := opts.Logs
	if logs == nil {
		logs = logging.Open(logging.Options{})
	}
	logger := logs.Logger("engine")

	e := &Engine{}
	defer func() {
		if err != nil {
			_ = e.Teardown()
		}
	}()

	switch {
	case opts.Store != nil:
		e.store = opts.Store
	case opts.DataDir != "":
		lock, err := store.LockDir(opts.DataDir)
		if err != nil {
			return nil, err
		}
		e.lock = lock

		s, err := store.OpenSQLiteContext(ctx, filepath.Join(opts.DataDir, DBFile))
		if err != nil {
			return nil, err
		}
		e.store = s
	default:
		e.store = store.NewMemory()
	}

	recovered, err := store.Recover(ctx, e.store)
	if err != nil {
		return nil, fmt.Errorf("failed to recover queue: %w", err)
	}
	if recovered > 0 {
		logger.Printf("Recovered %d interrupted tasks", recovered)
	}

	e.projection, err = projection.New(ctx, e.store)
	if err != nil {
		return nil, err
	}

	e.monitor = opts.Monitor
	if e.monitor == nil {
		e.monitor = connectivity.NewMonitor()
	}

	latest, err := store.LatestCreatedAt(ctx, e.store)
	if err != nil {
		return nil, err
	}
	enqueueOpts := []enqueue.Option{
		enqueue.WithLogger(logs.Logger("enqueue")),
		enqueue.WithFloor(latest),
	}
	if opts.Clock != nil {
		enqueueOpts = append(enqueueOpts, enqueue.WithClock(opts.Clock))
	}
	e.enqueuer = enqueue.New(e.store, enqueueOpts...)

	cfg := dispatch.DefaultConfig()
	if opts.Dispatch != nil {
		copied := *opts.Dispatch
		cfg = &copied
	}
	cfg.Online = e.monitor.IsOnline
	if cfg.Logger == nil || opts.Dispatch == nil {
		cfg.Logger = logs.Logger("dispatch")
	}
	e.dispatcher, err = dispatch.NewWithConfig(e.store, opts.Sender, cfg)
	if err != nil {
		return nil, err
	}

	e.unsubscribe = append(e.unsubscribe, e.monitor.OnChange(func(online bool) {
		if online {
			logger.Println("Connectivity restored")
			e.dispatcher.Trigger(dispatch.TriggerOnline)
		} else {
			logger.Println("Connectivity lost")
		}
	}))

	c := e.projection.Counts()
	logger.Printf("Queue ready: %d pending, %d failed", c.Waiting(), c.Failed)
	return e, nil
}

// Teardown stops any Run still in progress, then releases the store and the
// data directory lock. It is safe to call more than once.
func (e *Engine) Teardown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	for _, cancel := range e.cancels {
		cancel()
	}
	e.running.Wait()

	for _, fn := range e.unsubscribe {
		fn()
	}
	if e.projection != nil {
		e.projection.Close()
	}

	var firstErr error
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			firstErr = fmt.Errorf("failed to close store: %w", err)
		}
	}
	if e.lock != nil {
		if err := e.lock.Unlock(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to release lock: %w", err)
		}
	}
	return firstErr
}

// EnqueueTask records a deferred write and, when online, asks the
// dispatcher to drain. It never waits on the network.
func (e *Engine) EnqueueTask(ctx context.Context, endpoint string, body any, method task.Method) (string, error) {
	id, err := e.enqueuer.EnqueueTask(ctx, endpoint, body, method)
	if err != nil {
		return "", err
	}
	if e.monitor.IsOnline() {
		e.dispatcher.Trigger(dispatch.TriggerEnqueue)
	}
	return id, nil
}

// Run drives the dispatcher until ctx is cancelled or Teardown is called.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return store.ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.cancels = append(e.cancels, cancel)
	e.running.Add(1)
	e.mu.Unlock()

	defer e.running.Done()
	return e.dispatcher.Run(ctx)
}

// Store returns the underlying store.
func (e *Engine) Store() store.Store { return e.store }

// Monitor returns the connectivity monitor.
func (e *Engine) Monitor() *connectivity.Monitor { return e.monitor }

// Dispatcher returns the dispatcher.
func (e *Engine) Dispatcher() *dispatch.Dispatcher { return e.dispatcher }

// Projection returns the read-only queue view.
func (e *Engine) Projection() *projection.Projection { return e.projection }

// Enqueuer returns the enqueuer.
func (e *Engine) Enqueuer() *enqueue.Enqueuer { return e.enqueuer }
