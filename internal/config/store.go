package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ErrConfigLoad marks an unreadable or syntactically broken config file.
// The engine maps it to a 500 for the affected service; nothing crashes.
var ErrConfigLoad = errors.New("config load failed")

// Upstream is one named upstream configuration for a service.
// Exactly one of AuthToken / APIKey should be set; when both are present the
// read path prefers APIKey and the write path rejects new entries.
type Upstream struct {
	Name      string `json:"-"`
	BaseURL   string `json:"base_url"`
	AuthToken string `json:"auth_token"`
	APIKey    string `json:"api_key,omitempty"`
	Proxy     string `json:"proxy,omitempty"` // optional egress proxy URL (socks5:// or http://)
	Weight    int    `json:"weight,omitempty"`
	Active    bool   `json:"active"`
	Deleted   bool   `json:"deleted,omitempty"`
	DeletedAt string `json:"deleted_at,omitempty"`
}

// Snapshot is an immutable view of a service's non-deleted upstreams.
type Snapshot struct {
	Configs    map[string]Upstream
	ActiveName string
}

// Get returns the named upstream, if present.
func (s *Snapshot) Get(name string) (Upstream, bool) {
	u, ok := s.Configs[name]
	return u, ok
}

// Names returns config names sorted lexicographically.
func (s *Snapshot) Names() []string {
	names := make([]string, 0, len(s.Configs))
	for name := range s.Configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Store manages ~/.clp/{service}.json. Every Snapshot call stats the file and
// reloads when the (mtime_ns, size) signature changed, so external edits are
// picked up without a watcher. A missing file is an empty snapshot.
type Store struct {
	service string
	path    string

	mu     sync.RWMutex
	sig    Signature
	snap   *Snapshot
	loaded bool
}

func NewStore(service, home string) *Store {
	return &Store{
		service: service,
		path:    filepath.Join(home, service+".json"),
	}
}

func (s *Store) Service() string { return s.service }
func (s *Store) Path() string    { return s.path }

// Snapshot returns the current consistent view, reloading if the backing file
// changed since the last load.
func (s *Store) Snapshot() (*Snapshot, error) {
	sig := Stat(s.path)

	s.mu.RLock()
	if s.loaded && sig == s.sig {
		snap := s.snap
		s.mu.RUnlock()
		return snap, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded && sig == s.sig {
		return s.snap, nil
	}
	snap, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	s.snap = snap
	s.sig = sig
	s.loaded = true
	return snap, nil
}

func (s *Store) loadLocked() (*Snapshot, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &Snapshot{Configs: map[string]Upstream{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfigLoad, s.path, err)
	}

	var file map[string]Upstream
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfigLoad, s.path, err)
	}

	snap := &Snapshot{Configs: make(map[string]Upstream, len(file))}
	for _, name := range sortedKeys(file) {
		cfg := file[name]
		cfg.Name = name
		if cfg.Deleted {
			continue
		}
		cfg.Active = cfg.Active && !cfg.Deleted
		snap.Configs[name] = cfg
		if cfg.Active && snap.ActiveName == "" {
			snap.ActiveName = name
		}
	}
	// Without an explicit active entry, fall back to the first config so
	// active-first mode still has a candidate.
	if snap.ActiveName == "" && len(snap.Configs) > 0 {
		snap.ActiveName = snap.Names()[0]
	}
	return snap, nil
}

// Update applies mutate to the full config map (deleted entries included) and
// writes the result atomically via a temp-file rename. Readers never observe a
// partial file.
func (s *Store) Update(mutate func(configs map[string]*Upstream) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	var file map[string]*Upstream
	switch {
	case errors.Is(err, os.ErrNotExist):
		file = map[string]*Upstream{}
	case err != nil:
		return fmt.Errorf("%w: %s: %v", ErrConfigLoad, s.path, err)
	default:
		if err := json.Unmarshal(raw, &file); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrConfigLoad, s.path, err)
		}
	}
	for name, cfg := range file {
		cfg.Name = name
	}

	if err := mutate(file); err != nil {
		return err
	}
	if err := validateConfigs(file); err != nil {
		return err
	}

	return s.writeLocked(file)
}

// SetActive marks name as the single active config for the service.
func (s *Store) SetActive(name string) error {
	return s.Update(func(configs map[string]*Upstream) error {
		target, ok := configs[name]
		if !ok || target.Deleted {
			return fmt.Errorf("config %q not found", name)
		}
		for n, cfg := range configs {
			cfg.Active = n == name && !cfg.Deleted
		}
		return nil
	})
}

// Delete soft-deletes a config; it no longer participates in routing but its
// history stays attributable.
func (s *Store) Delete(name string) error {
	return s.Update(func(configs map[string]*Upstream) error {
		cfg, ok := configs[name]
		if !ok {
			return fmt.Errorf("config %q not found", name)
		}
		cfg.Deleted = true
		cfg.Active = false
		if cfg.DeletedAt == "" {
			cfg.DeletedAt = time.Now().UTC().Format(time.RFC3339)
		}
		return nil
	})
}

func (s *Store) writeLocked(file map[string]*Upstream) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write config: %w", err)
	}

	// Invalidate the cached snapshot so the next Snapshot reloads.
	s.loaded = false
	return nil
}

func validateConfigs(file map[string]*Upstream) error {
	activeCount := 0
	for name, cfg := range file {
		if cfg.BaseURL == "" {
			return fmt.Errorf("config %q: base_url is required", name)
		}
		if cfg.AuthToken != "" && cfg.APIKey != "" {
			return fmt.Errorf("config %q: auth_token and api_key are mutually exclusive", name)
		}
		if cfg.Weight < 0 {
			return fmt.Errorf("config %q: weight must be >= 0", name)
		}
		if cfg.Deleted {
			if cfg.Active {
				return fmt.Errorf("config %q: deleted config cannot be active", name)
			}
			if cfg.DeletedAt == "" {
				return fmt.Errorf("config %q: deleted config needs deleted_at", name)
			}
		}
		if cfg.Active {
			activeCount++
		}
	}
	if activeCount > 1 {
		return errors.New("at most one config may be active per service")
	}
	return nil
}

func sortedKeys(m map[string]Upstream) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
