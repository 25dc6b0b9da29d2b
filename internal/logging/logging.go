// Package logging builds the loggers handed to fieldsync components.
//
// Every component takes a *log.Logger with its own prefix. New returns a
// factory that writes all of them to stderr and, when a file is configured,
// to a size-rotated log file as well.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the log outputs.
type Options struct {
	// File enables rotating file output when non-empty
	File string
	// MaxSizeMB rotates the file after this size (default 10)
	MaxSizeMB int
	// MaxBackups keeps this many rotated files (0 keeps all)
	MaxBackups int
	// MaxAgeDays removes rotated files older than this (0 keeps all)
	MaxAgeDays int
	// Quiet drops stderr output; the file, if any, still receives everything
	Quiet bool
	// Stderr overrides the console writer (default os.Stderr)
	Stderr io.Writer
}

// Factory hands out prefixed loggers sharing one output.
type Factory struct {
	out  io.Writer
	file *lumberjack.Logger
}

// New builds a Factory. The caller must Close it to release the log file.
func New(opts Options) (*Factory, error) {
	console := opts.Stderr
	if console == nil {
		console = os.Stderr
	}

	var writers []io.Writer
	if !opts.Quiet {
		writers = append(writers, console)
	}

	f := &Factory{}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return nil, err
		}
		maxSize := opts.MaxSizeMB
		if maxSize == 0 {
			maxSize = 10
		}
		f.file = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    maxSize,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		writers = append(writers, f.file)
	}

	switch len(writers) {
	case 0:
		f.out = io.Discard
	case 1:
		f.out = writers[0]
	default:
		f.out = io.MultiWriter(writers...)
	}
	return f, nil
}

// Logger returns a logger whose lines start with "[component] ".
func (f *Factory) Logger(component string) *log.Logger {
	return log.New(f.out, "["+component+"] ", log.LstdFlags)
}

// Writer returns the shared output.
func (f *Factory) Writer() io.Writer {
	return f.out
}

// Rotate closes the current log file and opens a new one.
func (f *Factory) Rotate() error {
	if f.file == nil {
		return nil
	}
	return f.file.Rotate()
}

// Close releases the log file.
func (f *Factory) Close() error {
	if f.file == nil {
		return nil
	}
	return f.file.Close()
}
