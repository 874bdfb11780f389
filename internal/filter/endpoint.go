package filter

import (
	"encoding/json"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/clp-proxy/clp/internal/config"
)

// EndpointRule blocks requests before they reach any upstream.
// Exactly one of Path/Prefix/Regex is honored, in that priority order.
type EndpointRule struct {
	ID       string            `json:"id,omitempty"`
	Services []string          `json:"services,omitempty"`
	Methods  []string          `json:"methods,omitempty"`
	Path     string            `json:"path,omitempty"`
	Prefix   string            `json:"prefix,omitempty"`
	Regex    string            `json:"regex,omitempty"`
	Query    map[string]string `json:"query,omitempty"`
	Action   RuleAction        `json:"action"`
}

type RuleAction struct {
	Type    string `json:"type,omitempty"`
	Status  int    `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

type endpointFile struct {
	Enabled bool           `json:"enabled"`
	Rules   []EndpointRule `json:"rules"`
}

// Match is the outcome of a blocked request.
type Match struct {
	RuleID  string
	Status  int
	Message string
}

type compiledRule struct {
	rule      EndpointRule
	services  map[string]bool
	methods   map[string]bool
	anyMethod bool
	matchKind string // path | prefix | regex
	matchVal  string
	re        *regexp.Regexp
}

// EndpointFilter evaluates block rules from ~/.clp/endpoint_filter.json.
// The file is reloaded whenever its signature changes; broken JSON degrades
// to disabled with a warning.
type EndpointFilter struct {
	path string

	mu      sync.Mutex
	sig     config.Signature
	loaded  bool
	enabled bool
	rules   []compiledRule
}

func NewEndpointFilter(home string) *EndpointFilter {
	return &EndpointFilter{path: filepath.Join(home, "endpoint_filter.json")}
}

// Evaluate returns the first matching rule, or nil.
func (f *EndpointFilter) Evaluate(service, method, path string, query url.Values) *Match {
	f.reload()

	f.mu.Lock()
	enabled := f.enabled
	rules := f.rules
	f.mu.Unlock()

	if !enabled {
		return nil
	}

	svc := strings.ToLower(strings.TrimSpace(service))
	m := strings.ToUpper(strings.TrimSpace(method))
	if m == "" {
		m = "GET"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	for _, cr := range rules {
		if len(cr.services) > 0 && !cr.services[svc] {
			continue
		}
		if !cr.anyMethod && len(cr.methods) > 0 && !cr.methods[m] {
			continue
		}
		if !cr.matchPath(path) {
			continue
		}
		if !matchQuery(cr.rule.Query, query) {
			continue
		}
		status := cr.rule.Action.Status
		if status == 0 {
			status = 403
		}
		msg := cr.rule.Action.Message
		if msg == "" {
			msg = "Endpoint is blocked by proxy"
		}
		return &Match{RuleID: cr.rule.ID, Status: status, Message: msg}
	}
	return nil
}

func (cr *compiledRule) matchPath(path string) bool {
	switch cr.matchKind {
	case "path":
		return path == cr.matchVal
	case "prefix":
		return strings.HasPrefix(path, cr.matchVal)
	case "regex":
		return cr.re != nil && cr.re.MatchString(path)
	}
	return false
}

// matchQuery requires every rule key to be present; "*" means presence only.
func matchQuery(want map[string]string, got url.Values) bool {
	for k, v := range want {
		if !got.Has(k) {
			return false
		}
		if v == "*" {
			continue
		}
		if got.Get(k) != v {
			return false
		}
	}
	return true
}

func (f *EndpointFilter) reload() {
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
		f.enabled, f.rules = true, nil
		writeDefault(f.path, endpointFile{Enabled: true, Rules: []EndpointRule{}})
		f.sig = config.Stat(f.path)
		return
	}
	if err != nil {
		slog.Warn("endpoint filter unreadable, disabling", "path", f.path, "error", err)
		f.enabled, f.rules = false, nil
		return
	}

	var file endpointFile
	if err := json.Unmarshal(raw, &file); err != nil {
		slog.Warn("endpoint filter config broken, disabling", "path", f.path, "error", err)
		f.enabled, f.rules = false, nil
		return
	}

	f.enabled = file.Enabled
	f.rules = compileRules(file.Rules)
}

func compileRules(rules []EndpointRule) []compiledRule {
	out := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		cr := compiledRule{rule: r}

		switch {
		case strings.TrimSpace(r.Path) != "":
			cr.matchKind, cr.matchVal = "path", strings.TrimSpace(r.Path)
		case strings.TrimSpace(r.Prefix) != "":
			cr.matchKind, cr.matchVal = "prefix", strings.TrimSpace(r.Prefix)
		case strings.TrimSpace(r.Regex) != "":
			re, err := regexp.Compile(strings.TrimSpace(r.Regex))
			if err != nil {
				slog.Warn("endpoint rule regex invalid, skipping", "rule", r.ID, "error", err)
				continue
			}
			cr.matchKind, cr.matchVal, cr.re = "regex", r.Regex, re
		default:
			continue
		}

		if t := strings.ToLower(strings.TrimSpace(r.Action.Type)); t != "" && t != "block" {
			continue
		}

		if len(r.Services) > 0 {
			cr.services = make(map[string]bool, len(r.Services))
			for _, s := range r.Services {
				if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
					cr.services[s] = true
				}
			}
		}
		if len(r.Methods) > 0 {
			cr.methods = make(map[string]bool, len(r.Methods))
			for _, m := range r.Methods {
				m = strings.ToUpper(strings.TrimSpace(m))
				if m == "*" {
					cr.anyMethod = true
				} else if m != "" {
					cr.methods[m] = true
				}
			}
		}

		out = append(out, cr)
	}
	return out
}

func writeDefault(path string, v any) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(path, append(data, '\n'), 0o644)
}
