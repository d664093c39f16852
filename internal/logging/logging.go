// Package logging builds the prefixed loggers every syncq component takes.
//
// All loggers created from one Output share a single writer, so a rotating
// log file is opened once per process.
package logging

import (
	"io"
	"log"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures log output.
type Options struct {
	// File is the log file path; empty logs to stderr only
	File string

	// MaxSizeMB is the size at which the file is rotated
	MaxSizeMB int

	// MaxBackups is how many rotated files to keep
	MaxBackups int

	// MaxAgeDays is how long to keep rotated files
	MaxAgeDays int

	// Compress gzips rotated files
	Compress bool

	// Stderr also writes to stderr when File is set
	Stderr bool

	// Flags are the log package flags (default: log.LstdFlags)
	Flags int
}

// Output is a shared log destination.
type Output struct {
	w     io.Writer
	file  *lumberjack.Logger
	flags int

	mu sync.Mutex
}

// Open creates the destination described by opts.
func Open(opts Options) *Output {
	flags := opts.Flags
	if flags == 0 {
		flags = log.LstdFlags
	}

	if opts.File == "" {
		return &Output{w: os.Stderr, flags: flags}
	}

	file := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
	var w io.Writer = file
	if opts.Stderr {
		w = io.MultiWriter(file, os.Stderr)
	}
	return &Output{w: w, file: file, flags: flags}
}

// Discard returns an Output that drops everything.
func Discard() *Output {
	return &Output{w: io.Discard}
}

// Logger returns a logger writing to o with the component prefix, e.g.
// Logger("dispatch") prefixes lines with "[dispatch] ".
func (o *Output) Logger(component string) *log.Logger {
	prefix := ""
	if component != "" {
		prefix = "[" + component + "] "
	}
	return log.New(o, prefix, o.flags)
}

// Write implements io.Writer. Each log call is one Write, so lines from
// different components never interleave.
func (o *Output) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.w.Write(p)
}

// Rotate forces a rotation of the log file, if any.
func (o *Output) Rotate() error {
	if o.file == nil {
		return nil
	}
	return o.file.Rotate()
}

// Close closes the log file, if any.
func (o *Output) Close() error {
	if o.file == nil {
		return nil
	}
	return o.file.Close()
}
