// Package agent is the AI helper used by import and OCR features.
//
// The queue never depends on it. Features that use both, like bulk import,
// run the agent first and enqueue a task whose body already holds the
// result.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/schoolhub/syncq/internal/syncq/observe"
)

var (
	// ErrNotReady is returned by Parse and ProcessOCR before the model is loaded.
	ErrNotReady = errors.New("agent model not ready")

	// ErrNoObject is returned by Parse when the reply holds no JSON object.
	ErrNoObject = errors.New("agent reply contains no JSON object")
)

// Status of the agent model.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusReady   Status = "ready"
)

// StatusEvent is delivered to status subscribers. Progress is 0 to 100
// while loading and 100 once ready.
type StatusEvent struct {
	Status   Status
	Progress int
}

// Image is an image submitted for text extraction.
type Image struct {
	Name      string
	MediaType string // e.g. "image/png"
	Data      []byte
}

// OCRResult is delivered to OCR subscribers.
type OCRResult struct {
	Image string
	Text  string
	Err   error
}

// Facade is what features consume.
type Facade interface {
	Subscribe(fn func(StatusEvent)) (unsubscribe func())
	LoadModel(ctx context.Context)
	Status() StatusEvent
	Parse(ctx context.Context, prompt string) (map[string]any, error)
	ProcessOCR(ctx context.Context, img Image) error
	SubscribeOCR(fn func(OCRResult)) (unsubscribe func())
}

// Backend does the model work behind an Agent.
type Backend interface {
	// Load acquires the model, reporting progress from 0 to 100.
	Load(ctx context.Context, progress func(int)) error

	// Complete answers prompt under the given system instructions.
	Complete(ctx context.Context, system, prompt string) (string, error)

	// Extract returns the text found in img.
	Extract(ctx context.Context, img Image) (string, error)
}

const parseInstructions = `You turn short notes written by school staff into a single JSON object
describing the record they want to create. Reply with the JSON object only.`

// Agent implements Facade on top of a Backend.
type Agent struct {
	backend Backend
	logger  *log.Logger

	mu       sync.Mutex
	status   Status
	progress int

	statusListeners observe.List[StatusEvent]
	ocrListeners    observe.List[OCRResult]

	// serializes status notifications so they arrive in order
	notifyMu sync.Mutex

	wg sync.WaitGroup
}

var _ Facade = (*Agent)(nil)

// New creates an idle agent. A nil logger logs to stderr.
func New(backend Backend, logger *log.Logger) *Agent {
	if logger == nil {
		logger = log.New(os.Stderr, "[agent] ", log.LstdFlags)
	}
	return &Agent{backend: backend, logger: logger, status: StatusIdle}
}

// Subscribe registers fn for status changes.
func (a *Agent) Subscribe(fn func(StatusEvent)) func() {
	return a.statusListeners.Add(fn)
}

// SubscribeOCR registers fn for OCR results.
func (a *Agent) SubscribeOCR(fn func(OCRResult)) func() {
	return a.ocrListeners.Add(fn)
}

// Status returns the current status.
func (a *Agent) Status() StatusEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return StatusEvent{Status: a.status, Progress: a.progress}
}

func (a *Agent) set(status Status, progress int) {
	a.notifyMu.Lock()
	defer a.notifyMu.Unlock()

	a.mu.Lock()
	if a.status == status && a.progress == progress {
		a.mu.Unlock()
		return
	}
	a.status, a.progress = status, progress
	a.mu.Unlock()

	a.statusListeners.Notify(StatusEvent{Status: status, Progress: progress})
}

// LoadModel starts loading in the background. It does nothing if the model
// is already loading or ready. A failed load returns the agent to idle.
func (a *Agent) LoadModel(ctx context.Context) {
	a.notifyMu.Lock()
	a.mu.Lock()
	if a.status != StatusIdle {
		a.mu.Unlock()
		a.notifyMu.Unlock()
		return
	}
	a.status, a.progress = StatusLoading, 0
	a.mu.Unlock()
	a.statusListeners.Notify(StatusEvent{Status: StatusLoading})
	a.notifyMu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		err := a.backend.Load(ctx, func(p int) {
			a.set(StatusLoading, clamp(p, 0, 99))
		})
		if err != nil {
			a.logger.Printf("Model load failed: %v", err)
			a.set(StatusIdle, 0)
			return
		}
		a.logger.Println("Model ready")
		a.set(StatusReady, 100)
	}()
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

func (a *Agent) ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status == StatusReady
}

// Parse returns the structured object the model derives from prompt. It
// fails with ErrNotReady until LoadModel has completed.
func (a *Agent) Parse(ctx context.Context, prompt string) (map[string]any, error) {
	if !a.ready() {
		return nil, ErrNotReady
	}

	reply, err := a.backend.Complete(ctx, parseInstructions, prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse prompt: %w", err)
	}
	return FirstObject(reply)
}

// ProcessOCR extracts text from img in the background and delivers the
// result to OCR subscribers.
func (a *Agent) ProcessOCR(ctx context.Context, img Image) error {
	if !a.ready() {
		return ErrNotReady
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		text, err := a.backend.Extract(ctx, img)
		if err != nil {
			a.logger.Printf("OCR failed for %s: %v", img.Name, err)
		}
		a.ocrListeners.Notify(OCRResult{Image: img.Name, Text: text, Err: err})
	}()
	return nil
}

// Wait blocks until background loads and OCR jobs have finished.
func (a *Agent) Wait() {
	a.wg.Wait()
}

// FirstObject decodes the first JSON object embedded in s. Models often wrap
// the object in prose or code fences.
func FirstObject(s string) (map[string]any, error) {
	data := []byte(s)
	for i := 0; i < len(data); i++ {
		if data[i] != '{' {
			continue
		}
		var obj map[string]any
		dec := json.NewDecoder(bytes.NewReader(data[i:]))
		dec.UseNumber()
		if err := dec.Decode(&obj); err == nil {
			return obj, nil
		}
	}
	return nil, ErrNoObject
}
