// Package enqueue is the single entry point feature code uses to defer a
// write. Fee payments, attendance uploads, incident reports and bulk imports
// all go through EnqueueTask so they share the same replay semantics.
package enqueue

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/schoolhub/syncq/internal/syncq/store"
	"github.com/schoolhub/syncq/internal/syncq/task"
)

// Enqueuer validates and appends new task records.
type Enqueuer struct {
	store  store.Store
	logger *log.Logger

	// now and newID are replaceable in tests
	now   func() time.Time
	newID func() string

	mu   sync.Mutex
	last int64
}

// Option configures an Enqueuer.
type Option func(*Enqueuer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Enqueuer) { e.now = now }
}

// WithIDGenerator overrides id generation.
func WithIDGenerator(newID func() string) Option {
	return func(e *Enqueuer) { e.newID = newID }
}

// WithFloor makes every createdAt handed out larger than floor. Seed it with
// the latest createdAt already stored so that a clock that stepped back
// between processes cannot order a new task ahead of an older one.
func WithFloor(floor int64) Option {
	return func(e *Enqueuer) { e.last = floor }
}

// WithLogger sets the logger (default: stderr logger).
func WithLogger(l *log.Logger) Option {
	return func(e *Enqueuer) { e.logger = l }
}

// New creates an Enqueuer writing to s.
func New(s store.Store, opts ...Option) *Enqueuer {
	e := &Enqueuer{
		store:  s,
		logger: log.New(os.Stderr, "[enqueue] ", log.LstdFlags),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EnqueueTask records a deferred write and returns its id. It does not touch
// the network and succeeds regardless of connectivity.
//
// Malformed input (unknown method, bad endpoint, unserializable body) is a
// programmer error: it is rejected here and nothing is stored.
func (e *Enqueuer) EnqueueTask(ctx context.Context, endpoint string, body any, method task.Method) (string, error) {
	if !method.Valid() {
		return "", fmt.Errorf("%w: %q", task.ErrInvalidMethod, method)
	}
	if err := task.ValidateEndpoint(endpoint); err != nil {
		return "", err
	}
	payload, err := task.EncodeBody(body)
	if err != nil {
		return "", err
	}

	// createdAt and append happen under one lock so that FIFO order
	// matches the order appends commit in
	e.mu.Lock()
	defer e.mu.Unlock()

	t := task.Task{
		ID:        e.newID(),
		Endpoint:  endpoint,
		Method:    method,
		Body:      payload,
		CreatedAt: e.nextCreatedAt(),
		Attempts:  0,
		Status:    task.StatusPending,
	}

	if err := e.store.Append(ctx, t); err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}

	e.logger.Printf("Enqueued %s %s as %s", t.Method, t.Endpoint, t.ID)
	return t.ID, nil
}

// nextCreatedAt returns a strictly increasing Unix millisecond timestamp.
// The caller must hold e.mu.
func (e *Enqueuer) nextCreatedAt() int64 {
	ms := e.now().UnixMilli()
	if ms <= e.last {
		ms = e.last + 1
	}
	e.last = ms
	return ms
}
