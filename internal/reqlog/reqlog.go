package reqlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"

	"github.com/clp-proxy/clp/internal/usage"
)

const (
	// DefaultCapacity is the ring size; the backing file is rewritten once it
	// exceeds twice this many lines.
	DefaultCapacity = 1000

	// MaxResponseBytes caps logged response bodies.
	MaxResponseBytes = 1 << 20

	// TruncationSentinel marks a capped body.
	TruncationSentinel = "...[truncated]"
)

// Record is one logged proxy exchange. Bodies are base64 so arbitrary bytes
// survive the JSONL encoding.
type Record struct {
	ID                 string            `json:"id"`
	Service            string            `json:"service"`
	Timestamp          string            `json:"timestamp"`
	ClientMethod       string            `json:"client_method"`
	ClientPath         string            `json:"client_path"`
	OriginalHeaders    map[string]string `json:"original_headers,omitempty"`
	TargetHeaders      map[string]string `json:"target_headers,omitempty"`
	OriginalBodyB64    string            `json:"original_body_b64,omitempty"`
	FilteredBodyB64    string            `json:"filtered_body_b64,omitempty"`
	TargetURL          string            `json:"target_url,omitempty"`
	ConfigName         string            `json:"config_name,omitempty"`
	Channel            string            `json:"channel,omitempty"`
	StatusCode         int               `json:"status_code,omitempty"`
	ResponseContentB64 string            `json:"response_content_b64,omitempty"`
	ResponseTruncated  bool              `json:"response_truncated,omitempty"`
	ResponseBytes      int64             `json:"response_bytes,omitempty"`
	DurationMs         int64             `json:"duration_ms"`
	Blocked            bool              `json:"blocked,omitempty"`
	BlockedBy          string            `json:"blocked_by,omitempty"`
	BlockedReason      string            `json:"blocked_reason,omitempty"`
	Usage              usage.Totals      `json:"usage"`
}

// Log keeps the most recent records in memory and mirrors them to
// data/proxy_requests_{service}.jsonl. Appends hold an OS file lock so
// multiple proxy processes can share one log directory; the file is only
// rewritten from the ring when it grows past twice the ring capacity.
type Log struct {
	service  string
	path     string
	capacity int
	flk      *flock.Flock

	mu        sync.Mutex
	ring      []Record
	fileLines int
	loaded    bool
}

func New(service, dataDir string, capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	path := filepath.Join(dataDir, fmt.Sprintf("proxy_requests_%s.jsonl", service))
	return &Log{
		service:  service,
		path:     path,
		capacity: capacity,
		flk:      flock.New(path + ".lock"),
	}
}

// Append stores the record in the ring and appends one line to disk.
func (l *Log) Append(rec Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ensureLoadedLocked()

	l.ring = append(l.ring, rec)
	if len(l.ring) > l.capacity {
		l.ring = l.ring[len(l.ring)-l.capacity:]
	}

	if err := l.flk.Lock(); err != nil {
		slog.Warn("request log lock failed", "path", l.path, "error", err)
		return
	}
	defer l.flk.Unlock()

	if l.fileLines+1 > 2*l.capacity {
		l.rewriteLocked()
		return
	}

	line, err := json.Marshal(rec)
	if err != nil {
		slog.Warn("request log encode failed", "error", err)
		return
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		slog.Warn("request log open failed", "path", l.path, "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		slog.Warn("request log write failed", "path", l.path, "error", err)
		return
	}
	l.fileLines++
}

// List returns up to limit records, newest first.
func (l *Log) List(limit int) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ensureLoadedLocked()

	if limit <= 0 || limit > len(l.ring) {
		limit = len(l.ring)
	}
	out := make([]Record, 0, limit)
	for i := len(l.ring) - 1; i >= len(l.ring)-limit; i-- {
		out = append(out, l.ring[i])
	}
	return out
}

// Get scans for a record by id, newest first.
func (l *Log) Get(id string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ensureLoadedLocked()

	for i := len(l.ring) - 1; i >= 0; i-- {
		if l.ring[i].ID == id {
			return l.ring[i], true
		}
	}
	return Record{}, false
}

// Len reports the number of records held in memory.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ensureLoadedLocked()
	return len(l.ring)
}

// CapBody truncates a body to the logging limit, appending the sentinel.
func CapBody(body []byte) ([]byte, bool) {
	if len(body) <= MaxResponseBytes {
		return body, false
	}
	capped := make([]byte, 0, MaxResponseBytes+len(TruncationSentinel))
	capped = append(capped, body[:MaxResponseBytes]...)
	capped = append(capped, TruncationSentinel...)
	return capped, true
}

// ensureLoadedLocked seeds the ring from an existing file, keeping the tail.
func (l *Log) ensureLoadedLocked() {
	if l.loaded {
		return
	}
	l.loaded = true

	f, err := os.Open(l.path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 8*MaxResponseBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		l.fileLines++
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		l.ring = append(l.ring, rec)
		if len(l.ring) > l.capacity {
			l.ring = l.ring[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("request log read failed", "path", l.path, "error", err)
	}
}

// rewriteLocked replaces the file with the ring contents. Caller holds both
// the mutex and the file lock.
func (l *Log) rewriteLocked() {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		slog.Warn("request log dir create failed", "path", l.path, "error", err)
		return
	}
	tmp, err := os.CreateTemp(filepath.Dir(l.path), "."+filepath.Base(l.path)+".*")
	if err != nil {
		slog.Warn("request log rewrite failed", "path", l.path, "error", err)
		return
	}
	tmpName := tmp.Name()
	w := bufio.NewWriter(tmp)
	for _, rec := range l.ring {
		line, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		slog.Warn("request log rewrite failed", "path", l.path, "error", err)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		slog.Warn("request log rewrite failed", "path", l.path, "error", err)
		return
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		os.Remove(tmpName)
		slog.Warn("request log rewrite failed", "path", l.path, "error", err)
		return
	}
	l.fileLines = len(l.ring)
}
