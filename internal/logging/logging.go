// Package logging builds the per-component loggers used across the
// terminal: stderr, a size-rotated log file, or both.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configure a Sink.
type Options struct {
	// File is the log file path; empty disables file logging
	File string

	// MaxSizeMB rotates the file past this size (default: 10)
	MaxSizeMB int

	// MaxBackups is how many rotated files to keep (default: 3)
	MaxBackups int

	// Compress gzips rotated files
	Compress bool

	// Stderr mirrors output to stderr
	Stderr bool
}

// Sink is a shared log destination.
type Sink struct {
	w    io.Writer
	file *lumberjack.Logger
}

// NewSink creates a sink. With neither a file nor stderr, output is
// discarded.
func NewSink(opts Options) (*Sink, error) {
	var writers []io.Writer
	if opts.Stderr {
		writers = append(writers, os.Stderr)
	}

	s := &Sink{}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0700); err != nil {
			return nil, err
		}
		if opts.MaxSizeMB <= 0 {
			opts.MaxSizeMB = 10
		}
		if opts.MaxBackups <= 0 {
			opts.MaxBackups = 3
		}
		s.file = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			Compress:   opts.Compress,
		}
		writers = append(writers, s.file)
	}

	switch len(writers) {
	case 0:
		s.w = io.Discard
	case 1:
		s.w = writers[0]
	default:
		s.w = io.MultiWriter(writers...)
	}
	return s, nil
}

// Logger returns a logger tagged "[component] ".
func (s *Sink) Logger(component string) *log.Logger {
	return log.New(s.w, "["+component+"] ", log.LstdFlags)
}

// Writer exposes the destination.
func (s *Sink) Writer() io.Writer {
	return s.w
}

// Rotate starts a new log file. It is a no-op without file logging.
func (s *Sink) Rotate() error {
	if s.file == nil {
		return nil
	}
	return s.file.Rotate()
}

// Close flushes and closes the log file.
func (s *Sink) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}
