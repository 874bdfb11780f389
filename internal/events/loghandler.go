package events

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

// LogLine is the JSON projection of one slog record kept for the live tail.
type LogLine struct {
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	Time    time.Time      `json:"ts"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// logCore is the state shared by a LogHandler and all its WithAttrs /
// WithGroup derivatives, so every derived logger feeds the same ring.
type logCore struct {
	mu          sync.Mutex
	ring        []LogLine
	ringPos     int
	ringCount   int
	subscribers map[int]chan LogLine
	nextID      int
}

// LogHandler tees records to stderr and into a ring buffer that backs the
// UI's live log tail.
type LogHandler struct {
	inner  slog.Handler
	core   *logCore
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
}

func NewLogHandler(level slog.Leveler, ringSize int) *LogHandler {
	if ringSize <= 0 {
		ringSize = 1000
	}
	return &LogHandler{
		inner: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
		core: &logCore{
			ring:        make([]LogLine, ringSize),
			subscribers: make(map[int]chan LogLine),
		},
		level: level,
	}
}

func (h *LogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}

	var prefix string
	for _, g := range h.groups {
		prefix += g + "."
	}
	attrs := make(map[string]any)
	for _, a := range h.attrs {
		attrs[prefix+a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[prefix+a.Key] = a.Value.Any()
		return true
	})

	line := LogLine{Level: r.Level.String(), Message: r.Message, Time: r.Time}
	if len(attrs) > 0 {
		line.Attrs = attrs
	}

	c := h.core
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ring[c.ringPos] = line
	c.ringPos = (c.ringPos + 1) % len(c.ring)
	if c.ringCount < len(c.ring) {
		c.ringCount++
	}

	for _, ch := range c.subscribers {
		select {
		case ch <- line:
		default:
		}
	}
	return nil
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.inner = h.inner.WithAttrs(attrs)
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.inner = h.inner.WithGroup(name)
	clone.groups = append(append([]string{}, h.groups...), name)
	return &clone
}

// Tail registers a live consumer and returns the buffered history.
func (h *LogHandler) Tail() (id int, ch <-chan LogLine, recent []LogLine) {
	c := h.core
	c.mu.Lock()
	defer c.mu.Unlock()

	lines := make(chan LogLine, 64)
	id = c.nextID
	c.nextID++
	c.subscribers[id] = lines

	if c.ringCount > 0 {
		recent = make([]LogLine, c.ringCount)
		start := (c.ringPos - c.ringCount + len(c.ring)) % len(c.ring)
		for i := 0; i < c.ringCount; i++ {
			recent[i] = c.ring[(start+i)%len(c.ring)]
		}
	}
	return id, lines, recent
}

func (h *LogHandler) CloseTail(id int) {
	c := h.core
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.subscribers[id]; ok {
		delete(c.subscribers, id)
		close(ch)
	}
}
