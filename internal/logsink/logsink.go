// Package logsink implements the process-wide logging transport: a
// dedicated goroutine (spec.md §4.I) that is the single writer to the
// log file, fed by many producers over a buffered channel the way the
// original feeds a POSIX message queue.
package logsink

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// queueDepth stands in for the original's mq_maxmsg=10; producers block
// once the sink falls behind by more than this many lines.
const queueDepth = 1024

// Sink is the single writer to the append-only log file. Close sends the
// empty-message shutdown sentinel and waits for the writer goroutine to
// drain and exit.
type Sink struct {
	lines chan string
	done  chan struct{}
	pid   int
}

// Open creates (or appends to) the log file at path and starts its
// writer goroutine.
func Open(path string) (*Sink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logsink: failed to open %s: %w", path, err)
	}

	s := &Sink{
		lines: make(chan string, queueDepth),
		done:  make(chan struct{}),
		pid:   os.Getpid(),
	}

	go s.run(f)
	return s, nil
}

func (s *Sink) run(f *os.File) {
	defer close(s.done)
	defer f.Close()

	for line := range s.lines {
		if line == "" {
			// Empty-message shutdown sentinel (spec.md §4.I).
			return
		}
		fmt.Fprintln(f, line)
	}
}

// Write formats and enqueues one line, timestamped to microsecond
// resolution exactly like the original's log.c.
func (s *Sink) Write(text string) {
	now := time.Now()
	line := fmt.Sprintf("[%s] [%d] %s", now.Format("2006-01-02 15:04:05.000000"), s.pid, text)
	s.lines <- line
}

// Close signals the writer goroutine to stop and waits for it to drain.
func (s *Sink) Close() {
	s.lines <- ""
	<-s.done
}

// Handler adapts a Sink into an slog.Handler, so the structured ambient
// log stream and the timestamped-line sink share one call site: every
// record handled by the process's default logger also lands a plain
// line in the sink's file.
type Handler struct {
	sink  *Sink
	attrs []slog.Attr
	group string
}

var _ slog.Handler = (*Handler)(nil)

// NewHandler builds an slog.Handler backed by sink.
func NewHandler(sink *Sink) *Handler {
	return &Handler{sink: sink}
}

func (h *Handler) Enabled(_ context.Context, _ slog.Level) bool { return true }

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	text := r.Message
	for _, a := range h.attrs {
		text += fmt.Sprintf(" %s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		text += fmt.Sprintf(" %s=%v", a.Key, a.Value)
		return true
	})
	h.sink.Write(fmt.Sprintf("%s %s", r.Level, text))
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *Handler) WithGroup(name string) slog.Handler {
	next := *h
	next.group = name
	return &next
}
