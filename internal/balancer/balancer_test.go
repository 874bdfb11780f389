package balancer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/clp-proxy/clp/internal/config"
)

func writeLBFile(t *testing.T, dir, content string) {
	t.Helper()
	path := filepath.Join(dir, "lb_config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write lb file: %v", err)
	}
	bump := time.Now().Add(10 * time.Millisecond)
	if err := os.Chtimes(path, bump, bump); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func snapshot(active string, configs map[string]int) *config.Snapshot {
	snap := &config.Snapshot{Configs: map[string]config.Upstream{}, ActiveName: active}
	for name, weight := range configs {
		snap.Configs[name] = config.Upstream{Name: name, BaseURL: "http://" + name, Weight: weight}
	}
	return snap
}

func weightBased(t *testing.T, dir string) *Balancer {
	t.Helper()
	writeLBFile(t, dir, `{"mode": "weight-based"}`)
	return New(dir)
}

func TestPickActiveFirst(t *testing.T) {
	dir := t.TempDir()
	writeLBFile(t, dir, `{"mode": "active-first"}`)
	b := New(dir)

	snap := snapshot("primary", map[string]int{"primary": 0, "backup": 0})
	got := b.Pick("claude", snap)
	if len(got) != 1 || got[0] != "primary" {
		t.Fatalf("active-first should yield only the active config, got %v", got)
	}

	if got := b.Pick("claude", snapshot("", nil)); len(got) != 0 {
		t.Fatalf("no active config should yield no candidates, got %v", got)
	}
}

func TestPickWeightBasedOrder(t *testing.T) {
	b := weightBased(t, t.TempDir())

	snap := snapshot("", map[string]int{"c": 50, "a": 100, "b": 100, "d": 10})
	got := b.Pick("claude", snap)
	want := []string{"a", "b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestFailureThresholdExcludes(t *testing.T) {
	b := weightBased(t, t.TempDir())
	snap := snapshot("", map[string]int{"a": 100, "b": 50})

	for i := 1; i <= 2; i++ {
		res := b.OnFailure("claude", "a")
		if res.Excluded {
			t.Fatalf("failure %d should not yet exclude", i)
		}
		if res.Failures != i {
			t.Fatalf("failure count = %d, want %d", res.Failures, i)
		}
	}

	res := b.OnFailure("claude", "a")
	if !res.Excluded || res.Failures != 3 || res.Threshold != 3 {
		t.Fatalf("third failure should exclude at threshold, got %+v", res)
	}

	got := b.Pick("claude", snap)
	if len(got) != 1 || got[0] != "b" {
		t.Fatalf("excluded config must not be a candidate, got %v", got)
	}

	// Further failures stay clamped at the threshold.
	res = b.OnFailure("claude", "a")
	if res.Failures != 3 || res.Excluded {
		t.Fatalf("clamped failure should not re-exclude, got %+v", res)
	}
}

func TestSuccessClearsOnlyThatConfig(t *testing.T) {
	b := weightBased(t, t.TempDir())

	for i := 0; i < 3; i++ {
		b.OnFailure("claude", "a")
	}
	b.OnFailure("claude", "b")

	b.OnSuccess("claude", "b")
	snap := snapshot("", map[string]int{"a": 100, "b": 50})
	got := b.Pick("claude", snap)
	if len(got) != 1 || got[0] != "b" {
		t.Fatalf("success on b must not heal a, got %v", got)
	}

	b.OnSuccess("claude", "a")
	got = b.Pick("claude", snap)
	if len(got) != 2 {
		t.Fatalf("success must clear exclusion, got %v", got)
	}
}

func TestMaybeResetCooldown(t *testing.T) {
	b := weightBased(t, t.TempDir())
	now := time.Now()
	b.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		b.OnFailure("claude", "a")
	}

	ok, _ := b.MaybeReset("claude")
	if !ok {
		t.Fatal("first reset should succeed")
	}
	if got := b.Pick("claude", snapshot("", map[string]int{"a": 100})); len(got) != 1 {
		t.Fatalf("reset should restore candidates, got %v", got)
	}

	// Within the cooldown the reset refuses and reports the wait.
	now = now.Add(10 * time.Second)
	ok, remaining := b.MaybeReset("claude")
	if ok {
		t.Fatal("reset inside cooldown must refuse")
	}
	if remaining <= 0 || remaining > 30*time.Second {
		t.Fatalf("unexpected cooldown remaining %v", remaining)
	}

	now = now.Add(25 * time.Second)
	if ok, _ := b.MaybeReset("claude"); !ok {
		t.Fatal("reset after cooldown should succeed")
	}
}

func TestMaybeResetDisabled(t *testing.T) {
	dir := t.TempDir()
	writeLBFile(t, dir, `{"mode": "weight-based", "options": {"autoResetOnAllFailed": false}}`)
	b := New(dir)

	if ok, _ := b.MaybeReset("claude"); ok {
		t.Fatal("disabled auto-reset must refuse")
	}
}

func TestStatePersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	b := weightBased(t, dir)

	for i := 0; i < 3; i++ {
		b.OnFailure("claude", "a")
	}

	// A second instance sharing the file sees the exclusion.
	b2 := New(dir)
	got := b2.Pick("claude", snapshot("", map[string]int{"a": 100, "b": 50}))
	if len(got) != 1 || got[0] != "b" {
		t.Fatalf("persisted exclusion should be visible to a fresh instance, got %v", got)
	}

	// External edits are picked up by signature.
	writeLBFile(t, dir, `{"mode": "weight-based", "services": {"claude": {"currentFailures": {}, "excludedConfigs": []}}}`)
	got = b.Pick("claude", snapshot("", map[string]int{"a": 100, "b": 50}))
	if len(got) != 2 {
		t.Fatalf("external reset should reload, got %v", got)
	}
}

func TestPerServiceThreshold(t *testing.T) {
	dir := t.TempDir()
	writeLBFile(t, dir, `{
		"mode": "weight-based",
		"options": {"failureThreshold": 5},
		"services": {"codex": {"failureThreshold": 1}}
	}`)
	b := New(dir)

	if got := b.Threshold("codex"); got != 1 {
		t.Fatalf("codex threshold = %d, want 1", got)
	}
	if res := b.OnFailure("codex", "a"); !res.Excluded {
		t.Fatal("threshold 1 should exclude on first failure")
	}
	if got := b.Threshold("claude"); got != 5 {
		t.Fatalf("claude threshold should fall back to options, got %d", got)
	}
}
