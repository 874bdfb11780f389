package reqlog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/clp-proxy/clp/internal/usage"
)

func record(id string, status int) Record {
	return Record{
		ID:           id,
		Service:      "claude",
		Timestamp:    "2026-08-24T10:00:00Z",
		ClientMethod: "POST",
		ClientPath:   "/v1/messages",
		StatusCode:   status,
		DurationMs:   42,
		Usage:        usage.Totals{Input: 1, Output: 2, Total: 3},
	}
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()
	n := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) != "" {
			n++
		}
	}
	return n
}

func TestAppendAndListNewestFirst(t *testing.T) {
	dir := t.TempDir()
	l := New("claude", dir, 10)

	for i := 0; i < 5; i++ {
		l.Append(record(fmt.Sprintf("r%d", i), 200))
	}

	got := l.List(3)
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	if got[0].ID != "r4" || got[2].ID != "r2" {
		t.Fatalf("list should be newest first, got %s..%s", got[0].ID, got[2].ID)
	}

	if rec, ok := l.Get("r1"); !ok || rec.StatusCode != 200 {
		t.Fatalf("get r1 failed: %v %v", rec, ok)
	}
	if _, ok := l.Get("missing"); ok {
		t.Fatal("missing id must not be found")
	}
}

func TestRingEvictsOldest(t *testing.T) {
	l := New("claude", t.TempDir(), 3)

	for i := 0; i < 5; i++ {
		l.Append(record(fmt.Sprintf("r%d", i), 200))
	}
	if l.Len() != 3 {
		t.Fatalf("ring should hold 3, got %d", l.Len())
	}
	if _, ok := l.Get("r0"); ok {
		t.Fatal("evicted record must be gone")
	}
	if _, ok := l.Get("r4"); !ok {
		t.Fatal("newest record must remain")
	}
}

func TestFileRewritesPastTwiceCapacity(t *testing.T) {
	dir := t.TempDir()
	l := New("claude", dir, 5)
	path := filepath.Join(dir, "proxy_requests_claude.jsonl")

	// Up to 2N lines the file only grows.
	for i := 0; i < 10; i++ {
		l.Append(record(fmt.Sprintf("r%d", i), 200))
	}
	if got := countLines(t, path); got != 10 {
		t.Fatalf("expected 10 appended lines, got %d", got)
	}

	// The next append triggers a rewrite from the ring.
	l.Append(record("r10", 200))
	if got := countLines(t, path); got != 5 {
		t.Fatalf("rewrite should shrink the file to ring size 5, got %d", got)
	}
}

func TestReloadSeedsRingFromFile(t *testing.T) {
	dir := t.TempDir()
	l := New("claude", dir, 10)
	for i := 0; i < 4; i++ {
		l.Append(record(fmt.Sprintf("r%d", i), 200))
	}

	fresh := New("claude", dir, 10)
	if fresh.Len() != 4 {
		t.Fatalf("fresh log should load 4 records, got %d", fresh.Len())
	}
	if rec, ok := fresh.Get("r3"); !ok || rec.ClientPath != "/v1/messages" {
		t.Fatalf("loaded record mismatch: %+v %v", rec, ok)
	}
}

func TestCapBody(t *testing.T) {
	small := []byte("hello")
	if got, truncated := CapBody(small); truncated || string(got) != "hello" {
		t.Fatal("small bodies must pass through")
	}

	big := make([]byte, MaxResponseBytes+100)
	got, truncated := CapBody(big)
	if !truncated {
		t.Fatal("oversized body must be truncated")
	}
	if !strings.HasSuffix(string(got), TruncationSentinel) {
		t.Fatal("truncated body must carry the sentinel suffix")
	}
	if len(got) != MaxResponseBytes+len(TruncationSentinel) {
		t.Fatalf("unexpected capped length %d", len(got))
	}
}
