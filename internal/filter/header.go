package filter

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/clp-proxy/clp/internal/config"
)

type headerFile struct {
	Enabled        bool     `json:"enabled"`
	BlockedHeaders []string `json:"blocked_headers"`
}

// defaultBlockedHeaders keeps client network topology out of upstream logs.
var defaultBlockedHeaders = []string{
	"x-forwarded-for",
	"x-forwarded-proto",
	"x-forwarded-scheme",
	"x-real-ip",
	"x-forwarded-host",
	"x-forwarded-port",
	"x-forwarded-server",
}

// HeaderFilter strips blocklisted request headers, case-insensitively.
// Response headers are never touched.
type HeaderFilter struct {
	path string

	mu      sync.Mutex
	sig     config.Signature
	loaded  bool
	enabled bool
	blocked map[string]bool
}

func NewHeaderFilter(home string) *HeaderFilter {
	return &HeaderFilter{path: filepath.Join(home, "header_filter.json")}
}

// Apply returns a copy of headers with every blocklisted name removed.
// Disabled returns the input as-is.
func (f *HeaderFilter) Apply(headers http.Header) http.Header {
	f.reload()

	f.mu.Lock()
	enabled := f.enabled
	blocked := f.blocked
	f.mu.Unlock()

	if !enabled || len(blocked) == 0 {
		return headers
	}

	out := make(http.Header, len(headers))
	for name, vals := range headers {
		if blocked[strings.ToLower(name)] {
			continue
		}
		out[name] = vals
	}
	return out
}

func (f *HeaderFilter) reload() {
	sig := config.Stat(f.path)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loaded && sig == f.sig {
		return
	}
	f.sig = sig
	f.loaded = true

	raw, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		f.enabled = true
		f.blocked = toSet(defaultBlockedHeaders)
		writeDefault(f.path, headerFile{Enabled: true, BlockedHeaders: defaultBlockedHeaders})
		f.sig = config.Stat(f.path)
		return
	}
	if err != nil {
		slog.Warn("header filter unreadable, disabling", "path", f.path, "error", err)
		f.enabled, f.blocked = false, nil
		return
	}

	var file headerFile
	if err := json.Unmarshal(raw, &file); err != nil {
		slog.Warn("header filter config broken, disabling", "path", f.path, "error", err)
		f.enabled, f.blocked = false, nil
		return
	}

	f.enabled = file.Enabled
	f.blocked = toSet(file.BlockedHeaders)
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
			set[n] = true
		}
	}
	return set
}
