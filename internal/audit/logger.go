// Package audit is the append-only security event log.
//
// Each event is one JSON object per line:
//
//	{"timestamp":"2026-10-16T09:30:00.000Z","type":"INJECTION_DETECTED","details":{...}}
//
// If the durable file cannot be written the record goes to a fallback
// writer (stderr by default) instead, so no event disappears from every
// channel and the caller never sees an error.
package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gzhole/moltshield/internal/metrics"
	"github.com/gzhole/moltshield/internal/redact"
)

const (
	timestampLayout   = "2006-01-02T15:04:05.000Z07:00"
	defaultPreviewLen = 200
)

type Logger struct {
	mu         sync.Mutex
	path       string
	file       *os.File
	fallback   io.Writer
	console    *slog.Logger
	previewLen int
	forwarders []Forwarder
	now        func() time.Time
}

type Option func(*Logger)

// WithFallback sets where records go when the durable sink fails.
func WithFallback(w io.Writer) Option {
	return func(l *Logger) { l.fallback = w }
}

// WithConsole sets the logger used for the live console preview.
func WithConsole(log *slog.Logger) Option {
	return func(l *Logger) { l.console = log }
}

// WithPreviewLen bounds the console preview in runes.
func WithPreviewLen(n int) Option {
	return func(l *Logger) { l.previewLen = n }
}

func WithForwarder(f Forwarder) Option {
	return func(l *Logger) { l.forwarders = append(l.forwarders, f) }
}

func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// New returns a logger appending to path. Opening errors are not fatal:
// the file is retried on every Record and records go to the fallback
// writer until it succeeds.
func New(path string, opts ...Option) *Logger {
	l := &Logger{
		path:       path,
		fallback:   os.Stderr,
		console:    slog.Default(),
		previewLen: defaultPreviewLen,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	l.mu.Lock()
	_ = l.openLocked()
	l.mu.Unlock()
	return l
}

// Record serializes and appends one event. Concurrent calls are written in
// the order they acquire the lock, one complete line per write.
func (l *Logger) Record(kind EventKind, details map[string]any) {
	line := l.encode(kind, details)

	l.mu.Lock()
	if err := l.writeLocked(line); err != nil {
		metrics.AuditFallbacks.Inc()
		msg := append([]byte(fmt.Sprintf("audit: durable sink unavailable (%v): ", err)), line...)
		_, _ = l.fallback.Write(msg)
	}
	for _, f := range l.forwarders {
		f.Forward(kind, line)
	}
	l.mu.Unlock()

	metrics.AuditEvents.WithLabelValues(string(kind)).Inc()
	l.console.Warn("security event",
		"type", string(kind),
		"event", redact.Preview(string(bytes.TrimSpace(line)), l.previewLen))
}

func (l *Logger) encode(kind EventKind, details map[string]any) []byte {
	if details == nil {
		details = map[string]any{}
	}
	ev := Event{
		Timestamp: l.now().UTC().Format(timestampLayout),
		Type:      kind,
		Details:   details,
	}

	data, err := json.Marshal(ev)
	if err != nil {
		ev.Details = map[string]any{"marshal_error": err.Error()}
		data, _ = json.Marshal(ev)
	}
	return append(data, '\n')
}

func (l *Logger) openLocked() error {
	if l.file != nil {
		return nil
	}
	file, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	l.file = file
	return nil
}

func (l *Logger) writeLocked(line []byte) error {
	if err := l.openLocked(); err != nil {
		return err
	}
	if _, err := l.file.Write(line); err != nil {
		_ = l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// Close closes the file and every forwarder.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	for _, f := range l.forwarders {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if l.file != nil {
		if err := l.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		l.file = nil
	}
	return firstErr
}
