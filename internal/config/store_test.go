package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	// File signatures use mtime; make sure successive writes differ.
	bump := time.Now().Add(10 * time.Millisecond)
	if err := os.Chtimes(path, bump, bump); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestSnapshotMissingFileIsEmpty(t *testing.T) {
	s := NewStore("claude", t.TempDir())

	snap, err := s.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Configs) != 0 {
		t.Fatalf("expected empty snapshot, got %d configs", len(snap.Configs))
	}
	if snap.ActiveName != "" {
		t.Fatalf("expected no active config, got %q", snap.ActiveName)
	}
}

func TestSnapshotInvalidJSONIsConfigLoadError(t *testing.T) {
	home := t.TempDir()
	s := NewStore("claude", home)
	writeConfigFile(t, filepath.Join(home, "claude.json"), "{not json")

	if _, err := s.Snapshot(); !errors.Is(err, ErrConfigLoad) {
		t.Fatalf("expected ErrConfigLoad, got %v", err)
	}
}

func TestSnapshotSkipsDeletedAndPicksActive(t *testing.T) {
	home := t.TempDir()
	s := NewStore("claude", home)
	writeConfigFile(t, filepath.Join(home, "claude.json"), `{
		"prod": {"base_url": "https://api.x/", "auth_token": "T", "active": true},
		"old":  {"base_url": "https://api.y/", "auth_token": "U", "deleted": true, "deleted_at": "2026-01-01T00:00:00Z"}
	}`)

	snap, err := s.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if _, ok := snap.Get("old"); ok {
		t.Fatal("deleted config must not appear in snapshot")
	}
	if snap.ActiveName != "prod" {
		t.Fatalf("active = %q, want prod", snap.ActiveName)
	}
}

func TestSnapshotFallsBackToFirstConfig(t *testing.T) {
	home := t.TempDir()
	s := NewStore("claude", home)
	writeConfigFile(t, filepath.Join(home, "claude.json"), `{
		"b": {"base_url": "https://b/", "auth_token": "T"},
		"a": {"base_url": "https://a/", "auth_token": "T"}
	}`)

	snap, err := s.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.ActiveName != "a" {
		t.Fatalf("active = %q, want lexicographic first", snap.ActiveName)
	}
}

func TestSnapshotReloadsOnSignatureChange(t *testing.T) {
	home := t.TempDir()
	path := filepath.Join(home, "claude.json")
	s := NewStore("claude", home)
	writeConfigFile(t, path, `{"prod": {"base_url": "https://one/", "auth_token": "T", "active": true}}`)

	snap, err := s.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if got := snap.Configs["prod"].BaseURL; got != "https://one/" {
		t.Fatalf("base_url = %q", got)
	}

	writeConfigFile(t, path, `{"prod": {"base_url": "https://two/", "auth_token": "T", "active": true}}`)

	snap, err = s.Snapshot()
	if err != nil {
		t.Fatalf("snapshot after edit: %v", err)
	}
	if got := snap.Configs["prod"].BaseURL; got != "https://two/" {
		t.Fatalf("expected reload after external edit, base_url = %q", got)
	}
}

func TestUpdateRejectsDualCredentials(t *testing.T) {
	s := NewStore("claude", t.TempDir())

	err := s.Update(func(configs map[string]*Upstream) error {
		configs["bad"] = &Upstream{BaseURL: "https://x/", AuthToken: "T", APIKey: "K"}
		return nil
	})
	if err == nil {
		t.Fatal("expected rejection of config with both auth_token and api_key")
	}
}

func TestUpdateRejectsSecondActive(t *testing.T) {
	s := NewStore("claude", t.TempDir())

	err := s.Update(func(configs map[string]*Upstream) error {
		configs["a"] = &Upstream{BaseURL: "https://a/", AuthToken: "T", Active: true}
		configs["b"] = &Upstream{BaseURL: "https://b/", AuthToken: "T", Active: true}
		return nil
	})
	if err == nil {
		t.Fatal("expected rejection of two active configs")
	}
}

func TestSetActiveAndDelete(t *testing.T) {
	home := t.TempDir()
	s := NewStore("claude", home)

	err := s.Update(func(configs map[string]*Upstream) error {
		configs["a"] = &Upstream{BaseURL: "https://a/", AuthToken: "T", Active: true}
		configs["b"] = &Upstream{BaseURL: "https://b/", AuthToken: "T"}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := s.SetActive("b"); err != nil {
		t.Fatalf("set active: %v", err)
	}
	snap, err := s.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.ActiveName != "b" {
		t.Fatalf("active = %q, want b", snap.ActiveName)
	}
	if snap.Configs["a"].Active {
		t.Fatal("previous active config should be demoted")
	}

	if err := s.Delete("b"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	snap, err = s.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if _, ok := snap.Get("b"); ok {
		t.Fatal("deleted config still visible")
	}
}
