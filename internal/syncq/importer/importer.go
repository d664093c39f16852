// Package importer turns bulk JSONL files into queued tasks.
//
// Each non-blank line is one of:
//
//	{"endpoint": "/attendance/uploads", "method": "POST", "body": {...}}
//	{"endpoint": "/support/school-1/incidents", "method": "POST", "prompt": "slip near lab 3"}
//	{"control": "retry", "id": "0f8c2a1e"}
//	{"control": "retry", "all": true}
//	{"control": "discard", "id": "0f8c2a1e"}
//
// Prompt lines are turned into a body by the AI agent before they are
// enqueued, so the queue only ever sees finished request bodies. Control
// lines resolve failed tasks and are only accepted when the importer has a
// Controller.
package importer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/schoolhub/syncq/internal/syncq/task"
)

// Enqueuer is the queue entry point the importer writes through.
type Enqueuer interface {
	EnqueueTask(ctx context.Context, endpoint string, body any, method task.Method) (string, error)
}

// Parser derives a request body from a free-text prompt. agent.Agent
// satisfies it.
type Parser interface {
	Parse(ctx context.Context, prompt string) (map[string]any, error)
}

// Controller resolves failed tasks. The id may be any unique prefix the
// implementation accepts.
type Controller interface {
	Retry(ctx context.Context, id string) error
	RetryAll(ctx context.Context) (int, error)
	Discard(ctx context.Context, id string) error
}

// Control line commands.
const (
	ControlRetry   = "retry"
	ControlDiscard = "discard"
)

// Line is one decoded JSONL record.
type Line struct {
	Endpoint string          `json:"endpoint,omitempty"`
	Method   string          `json:"method,omitempty"`
	Body     json.RawMessage `json:"body,omitempty"`
	Prompt   string          `json:"prompt,omitempty"`

	Control string `json:"control,omitempty"`
	ID      string `json:"id,omitempty"`
	All     bool   `json:"all,omitempty"`
}

// LineError reports a rejected line.
type LineError struct {
	Line int
	Err  error
}

func (e LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e LineError) Unwrap() error {
	return e.Err
}

// Result contains statistics about an import.
type Result struct {
	Enqueued []string
	Controls int
	Skipped  int
	Errors   []LineError
}

// Importer enqueues JSONL records.
type Importer struct {
	enqueuer   Enqueuer
	parser     Parser
	controller Controller
	logger     *log.Logger
}

// New creates an Importer. parser may be nil, in which case prompt lines
// are rejected.
func New(enqueuer Enqueuer, parser Parser, logger *log.Logger) *Importer {
	if logger == nil {
		logger = log.New(os.Stderr, "[import] ", log.LstdFlags)
	}
	return &Importer{enqueuer: enqueuer, parser: parser, logger: logger}
}

// SetController enables control lines.
func (im *Importer) SetController(c Controller) {
	im.controller = c
}

// maxLine bounds a single JSONL record.
const maxLine = 4 << 20

// Import reads r line by line. Invalid lines are collected in Result.Errors
// and do not stop the import; a store failure does.
func (im *Importer) Import(ctx context.Context, r io.Reader) (Result, error) {
	var res Result

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			res.Skipped++
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		id, err := im.importLine(ctx, raw)
		if err != nil {
			if isLineError(err) {
				res.Errors = append(res.Errors, LineError{Line: lineNum, Err: err})
				continue
			}
			return res, fmt.Errorf("line %d: %w", lineNum, err)
		}
		if id == "" {
			res.Controls++
			continue
		}
		res.Enqueued = append(res.Enqueued, id)
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("failed to read input after line %d: %w", lineNum, err)
	}

	im.logger.Printf("Imported %d tasks, %d control lines (%d invalid lines)",
		len(res.Enqueued), res.Controls, len(res.Errors))
	return res, nil
}

// ImportFile imports the JSONL file at path.
func (im *Importer) ImportFile(ctx context.Context, path string) (Result, error) {
	// #nosec G304 - path comes from the CLI or the spool directory
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to open import file: %w", err)
	}
	defer f.Close()
	return im.Import(ctx, f)
}

// errBadLine marks failures that reject a single line.
var errBadLine = errors.New("invalid import line")

// errControl marks a control line the queue refused.
var errControl = errors.New("control line failed")

func isLineError(err error) bool {
	return errors.Is(err, errBadLine) ||
		errors.Is(err, errControl) ||
		errors.Is(err, task.ErrInvalidMethod) ||
		errors.Is(err, task.ErrInvalidEndpoint) ||
		errors.Is(err, task.ErrUnserializableBody)
}

func (im *Importer) importLine(ctx context.Context, raw []byte) (string, error) {
	var line Line
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&line); err != nil {
		return "", fmt.Errorf("%w: %v", errBadLine, err)
	}
	if line.Control != "" {
		return "", im.control(ctx, line)
	}

	method, err := task.ParseMethod(line.Method)
	if err != nil {
		return "", err
	}

	var body any
	switch {
	case line.Prompt != "" && len(line.Body) > 0:
		return "", fmt.Errorf("%w: body and prompt are mutually exclusive", errBadLine)
	case line.Prompt != "":
		if im.parser == nil {
			return "", fmt.Errorf("%w: prompt lines need the agent", errBadLine)
		}
		parsed, err := im.parser.Parse(ctx, strings.TrimSpace(line.Prompt))
		if err != nil {
			return "", fmt.Errorf("%w: %v", errBadLine, err)
		}
		body = parsed
	case len(line.Body) > 0:
		body = line.Body
	}

	return im.enqueuer.EnqueueTask(ctx, line.Endpoint, body, method)
}

// control applies a control line. Enqueue fields are not allowed on it.
func (im *Importer) control(ctx context.Context, line Line) error {
	if im.controller == nil {
		return fmt.Errorf("%w: control lines need a running queue", errBadLine)
	}
	if line.Endpoint != "" || line.Method != "" || len(line.Body) > 0 || line.Prompt != "" {
		return fmt.Errorf("%w: control lines cannot carry a task", errBadLine)
	}

	switch line.Control {
	case ControlRetry:
		if line.All == (line.ID != "") {
			return fmt.Errorf("%w: retry needs an id or all", errBadLine)
		}
		if line.All {
			n, err := im.controller.RetryAll(ctx)
			if err != nil {
				return fmt.Errorf("%w: %v", errControl, err)
			}
			im.logger.Printf("Retrying %d failed tasks", n)
			return nil
		}
		if err := im.controller.Retry(ctx, line.ID); err != nil {
			return fmt.Errorf("%w: %v", errControl, err)
		}
		im.logger.Printf("Retrying %s", line.ID)
	case ControlDiscard:
		if line.ID == "" || line.All {
			return fmt.Errorf("%w: discard needs one id", errBadLine)
		}
		if err := im.controller.Discard(ctx, line.ID); err != nil {
			return fmt.Errorf("%w: %v", errControl, err)
		}
		im.logger.Printf("Discarded %s", line.ID)
	default:
		return fmt.Errorf("%w: unknown control %q", errBadLine, line.Control)
	}
	return nil
}

// WriteSpoolFile drops lines into dir as a new *.jsonl file for a running
// watcher to pick up. The file only appears under its final name once it is
// complete. It returns the path written.
func WriteSpoolFile(dir string, lines ...Line) (string, error) {
	if len(lines) == 0 {
		return "", fmt.Errorf("no lines to write")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create spool dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".syncq-*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create spool file: %w", err)
	}
	defer os.Remove(tmp.Name())

	enc := json.NewEncoder(tmp)
	for _, line := range lines {
		if err := enc.Encode(line); err != nil {
			_ = tmp.Close()
			return "", fmt.Errorf("failed to write spool file: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to write spool file: %w", err)
	}

	name := strings.TrimSuffix(filepath.Base(tmp.Name()), ".tmp")
	path := filepath.Join(dir, strings.TrimPrefix(name, ".")+".jsonl")
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to publish spool file: %w", err)
	}
	return path, nil
}
