package balancer

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/clp-proxy/clp/internal/config"
)

// Load-balancing modes.
const (
	ModeActiveFirst = "active-first"
	ModeWeightBased = "weight-based"
)

const (
	defaultThreshold = 3
	defaultCooldown  = 30
)

// Options applies to all services. Boolean knobs are pointers so an absent
// key keeps its default of true.
type Options struct {
	AutoResetOnAllFailed *bool `json:"autoResetOnAllFailed"`
	ResetCooldownSeconds int   `json:"resetCooldownSeconds"`
	NotifyEnabled        *bool `json:"notifyEnabled"`
	FailureThreshold     int   `json:"failureThreshold"`
}

type serviceState struct {
	FailureThreshold int            `json:"failureThreshold"`
	CurrentFailures  map[string]int `json:"currentFailures"`
	ExcludedConfigs  []string       `json:"excludedConfigs"`
	LastResetAt      float64        `json:"lastResetAt"` // unix seconds
}

type lbFile struct {
	Mode     string                   `json:"mode"`
	Options  Options                  `json:"options"`
	Services map[string]*serviceState `json:"services"`
}

// FailureResult reports the state after one recorded failure. The engine uses
// it to decide whether an lb_switch event is due.
type FailureResult struct {
	Failures  int
	Threshold int
	Excluded  bool // true when this failure crossed the threshold
}

// Balancer tracks upstream health per service and orders candidates.
// State lives in data/lb_config.json so it survives restarts and can be
// edited or reset externally; the file signature is checked on every call.
type Balancer struct {
	path string
	now  func() time.Time

	mu     sync.Mutex
	sig    config.Signature
	loaded bool
	file   lbFile
}

func New(dataDir string) *Balancer {
	return &Balancer{
		path: filepath.Join(dataDir, "lb_config.json"),
		now:  time.Now,
	}
}

// Mode returns the current balancing mode.
func (b *Balancer) Mode() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensureCurrentLocked()
	return b.file.Mode
}

// Pick returns the ordered candidate list for one request.
// Active-first yields at most the single active config; weight-based yields
// every healthy config sorted by descending weight, ties by name.
func (b *Balancer) Pick(service string, snap *config.Snapshot) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensureCurrentLocked()

	if b.file.Mode != ModeWeightBased {
		if snap.ActiveName == "" {
			return nil
		}
		return []string{snap.ActiveName}
	}

	state := b.serviceLocked(service)
	threshold := b.thresholdLocked(state)
	excluded := make(map[string]bool, len(state.ExcludedConfigs))
	for _, name := range state.ExcludedConfigs {
		excluded[name] = true
	}

	type weighted struct {
		name   string
		weight int
	}
	ordered := make([]weighted, 0, len(snap.Configs))
	for name, cfg := range snap.Configs {
		ordered = append(ordered, weighted{name, cfg.Weight})
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].weight != ordered[j].weight {
			return ordered[i].weight > ordered[j].weight
		}
		return ordered[i].name < ordered[j].name
	})

	healthy := make([]string, 0, len(ordered))
	for _, w := range ordered {
		if excluded[w.name] || state.CurrentFailures[w.name] >= threshold {
			continue
		}
		healthy = append(healthy, w.name)
	}
	return healthy
}

// OnSuccess clears the failure count and exclusion for name.
func (b *Balancer) OnSuccess(service, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensureCurrentLocked()
	if b.file.Mode != ModeWeightBased {
		return
	}

	state := b.serviceLocked(service)
	changed := false
	if state.CurrentFailures[name] != 0 {
		state.CurrentFailures[name] = 0
		changed = true
	}
	for i, n := range state.ExcludedConfigs {
		if n == name {
			state.ExcludedConfigs = append(state.ExcludedConfigs[:i], state.ExcludedConfigs[i+1:]...)
			changed = true
			break
		}
	}
	if changed {
		b.persistLocked()
	}
}

// OnFailure increments the failure count for name, clamped at the threshold
// so external readers never see counts beyond it.
func (b *Balancer) OnFailure(service, name string) FailureResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensureCurrentLocked()

	state := b.serviceLocked(service)
	threshold := b.thresholdLocked(state)
	if b.file.Mode != ModeWeightBased {
		return FailureResult{Failures: state.CurrentFailures[name], Threshold: threshold}
	}

	changed := false
	next := state.CurrentFailures[name] + 1
	if next > threshold {
		next = threshold
	}
	if state.CurrentFailures[name] != next {
		state.CurrentFailures[name] = next
		changed = true
	}

	res := FailureResult{Failures: next, Threshold: threshold}
	if next >= threshold && !contains(state.ExcludedConfigs, name) {
		state.ExcludedConfigs = append(state.ExcludedConfigs, name)
		res.Excluded = true
		changed = true
	}
	if changed {
		b.persistLocked()
	}
	return res
}

// MaybeReset clears all failure state for service when the first candidate
// pass exhausted everything. Returns false while auto-reset is disabled or
// the cooldown has not elapsed; remaining reports the time still to wait.
func (b *Balancer) MaybeReset(service string) (ok bool, remaining time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensureCurrentLocked()

	if b.file.Options.AutoResetOnAllFailed != nil && !*b.file.Options.AutoResetOnAllFailed {
		return false, 0
	}

	state := b.serviceLocked(service)
	cooldown := time.Duration(b.file.Options.ResetCooldownSeconds) * time.Second
	if cooldown <= 0 {
		cooldown = defaultCooldown * time.Second
	}

	now := b.now()
	if state.LastResetAt > 0 {
		elapsed := now.Sub(time.Unix(0, int64(state.LastResetAt*float64(time.Second))))
		if elapsed < cooldown {
			return false, cooldown - elapsed
		}
	}

	state.CurrentFailures = map[string]int{}
	state.ExcludedConfigs = []string{}
	state.LastResetAt = float64(now.UnixNano()) / float64(time.Second)
	b.persistLocked()
	return true, 0
}

// Threshold returns the effective failure threshold for service.
func (b *Balancer) Threshold(service string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensureCurrentLocked()
	return b.thresholdLocked(b.serviceLocked(service))
}

func (b *Balancer) thresholdLocked(state *serviceState) int {
	if state.FailureThreshold > 0 {
		return state.FailureThreshold
	}
	if b.file.Options.FailureThreshold > 0 {
		return b.file.Options.FailureThreshold
	}
	return defaultThreshold
}

func (b *Balancer) serviceLocked(service string) *serviceState {
	if b.file.Services == nil {
		b.file.Services = map[string]*serviceState{}
	}
	state, ok := b.file.Services[service]
	if !ok {
		state = &serviceState{}
		b.file.Services[service] = state
	}
	if state.CurrentFailures == nil {
		state.CurrentFailures = map[string]int{}
	}
	if state.ExcludedConfigs == nil {
		state.ExcludedConfigs = []string{}
	}
	return state
}

func (b *Balancer) ensureCurrentLocked() {
	sig := config.Stat(b.path)
	if b.loaded && sig == b.sig {
		return
	}
	b.sig = sig
	b.loaded = true

	raw, err := os.ReadFile(b.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("lb config unreadable, using defaults", "path", b.path, "error", err)
		}
		b.file = defaultFile()
		return
	}

	var file lbFile
	if err := json.Unmarshal(raw, &file); err != nil {
		slog.Warn("lb config broken, using defaults", "path", b.path, "error", err)
		b.file = defaultFile()
		return
	}
	normalize(&file)
	b.file = file
}

func (b *Balancer) persistLocked() {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		slog.Warn("lb config dir create failed", "path", b.path, "error", err)
		return
	}
	data, err := json.MarshalIndent(b.file, "", "  ")
	if err != nil {
		slog.Warn("lb config encode failed", "error", err)
		return
	}
	if err := os.WriteFile(b.path, append(data, '\n'), 0o644); err != nil {
		slog.Warn("lb config write failed", "path", b.path, "error", err)
		return
	}
	b.sig = config.Stat(b.path)
}

func defaultFile() lbFile {
	return lbFile{
		Mode: ModeActiveFirst,
		Options: Options{
			AutoResetOnAllFailed: boolPtr(true),
			ResetCooldownSeconds: defaultCooldown,
			NotifyEnabled:        boolPtr(true),
			FailureThreshold:     defaultThreshold,
		},
		Services: map[string]*serviceState{},
	}
}

func boolPtr(v bool) *bool { return &v }

func normalize(file *lbFile) {
	if file.Mode == "" {
		file.Mode = ModeActiveFirst
	}
	if file.Options.AutoResetOnAllFailed == nil {
		file.Options.AutoResetOnAllFailed = boolPtr(true)
	}
	if file.Options.NotifyEnabled == nil {
		file.Options.NotifyEnabled = boolPtr(true)
	}
	if file.Options.ResetCooldownSeconds <= 0 {
		file.Options.ResetCooldownSeconds = defaultCooldown
	}
	if file.Options.FailureThreshold <= 0 {
		file.Options.FailureThreshold = defaultThreshold
	}
	if file.Services == nil {
		file.Services = map[string]*serviceState{}
	}
}

func contains(list []string, name string) bool {
	for _, n := range list {
		if n == name {
			return true
		}
	}
	return false
}
