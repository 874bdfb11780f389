package filter

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"unicode/utf8"

	"github.com/clp-proxy/clp/internal/config"
)

// BodyRule rewrites literal occurrences in outgoing request bodies.
// op "replace" substitutes Source with Target; "remove" deletes Source.
type BodyRule struct {
	Source string `json:"source"`
	Op     string `json:"op"`
	Target string `json:"target,omitempty"`
}

// BodyFilter applies the rules from ~/.clp/filter.json in order.
// Non-UTF-8 bodies pass through untouched.
type BodyFilter struct {
	path string

	mu     sync.Mutex
	sig    config.Signature
	loaded bool
	rules  []BodyRule
}

func NewBodyFilter(home string) *BodyFilter {
	return &BodyFilter{path: filepath.Join(home, "filter.json")}
}

// Apply rewrites body through every rule, in list order.
func (f *BodyFilter) Apply(body []byte) []byte {
	f.reload()

	f.mu.Lock()
	rules := f.rules
	f.mu.Unlock()

	if len(body) == 0 || len(rules) == 0 {
		return body
	}
	if !utf8.Valid(body) {
		return body
	}

	for _, r := range rules {
		switch r.Op {
		case "replace":
			body = bytes.ReplaceAll(body, []byte(r.Source), []byte(r.Target))
		case "remove":
			body = bytes.ReplaceAll(body, []byte(r.Source), nil)
		}
	}
	return body
}

func (f *BodyFilter) reload() {
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
		f.rules = nil
		writeDefault(f.path, []BodyRule{})
		f.sig = config.Stat(f.path)
		return
	}
	if err != nil {
		slog.Warn("body filter unreadable, disabling", "path", f.path, "error", err)
		f.rules = nil
		return
	}

	var rules []BodyRule
	if err := json.Unmarshal(raw, &rules); err != nil {
		slog.Warn("body filter config broken, disabling", "path", f.path, "error", err)
		f.rules = nil
		return
	}

	valid := rules[:0]
	for _, r := range rules {
		if r.Source == "" {
			slog.Warn("body rule with empty source, skipping")
			continue
		}
		if r.Op == "replace" && r.Target == "" {
			slog.Warn("replace rule without target, skipping", "source", r.Source)
			continue
		}
		if r.Op != "replace" && r.Op != "remove" {
			slog.Warn("body rule with unknown op, skipping", "op", r.Op)
			continue
		}
		valid = append(valid, r)
	}
	f.rules = valid
}

// Chain bundles the three request sanitizers a proxy engine runs.
type Chain struct {
	Endpoint *EndpointFilter
	Header   *HeaderFilter
	Body     *BodyFilter
}

func NewChain(home string) *Chain {
	return &Chain{
		Endpoint: NewEndpointFilter(home),
		Header:   NewHeaderFilter(home),
		Body:     NewBodyFilter(home),
	}
}
