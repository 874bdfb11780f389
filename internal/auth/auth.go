package auth

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/clp-proxy/clp/internal/config"
)

// TokenPrefix distinguishes proxy-layer tokens from upstream credentials.
const TokenPrefix = "clp_"

const tokenLength = 32

const base62 = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Token is one entry in auth.json.
type Token struct {
	Token       string `json:"token"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
	ExpiresAt   string `json:"expires_at,omitempty"`
	Active      bool   `json:"active"`
}

type authFile struct {
	Enabled  bool            `json:"enabled"`
	Tokens   []Token         `json:"tokens"`
	Services map[string]bool `json:"services"`
}

// Manager reads ~/.clp/auth.json, cached by file signature. Auth is disabled
// unless the file exists and enables it.
type Manager struct {
	path string

	mu     sync.Mutex
	sig    config.Signature
	loaded bool
	file   authFile
}

func NewManager(home string) *Manager {
	return &Manager{path: filepath.Join(home, "auth.json")}
}

// IsEnabled reports whether auth applies to the given service.
func (m *Manager) IsEnabled(service string) bool {
	file := m.current()
	if !file.Enabled {
		return false
	}
	if on, ok := file.Services[service]; ok {
		return on
	}
	return true
}

// VerifyToken checks a token against the active, unexpired entries.
func (m *Manager) VerifyToken(token string) bool {
	if token == "" {
		return false
	}
	file := m.current()
	for _, entry := range file.Tokens {
		if entry.Token != token || !entry.Active {
			continue
		}
		if entry.ExpiresAt != "" {
			if exp, err := time.Parse(time.RFC3339, entry.ExpiresAt); err == nil && time.Now().After(exp) {
				continue
			}
		}
		return true
	}
	return false
}

// AddToken appends a named token; names must be unique.
func (m *Manager) AddToken(token, name, description, expiresAt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloadLocked()

	for _, existing := range m.file.Tokens {
		if existing.Name == name {
			return fmt.Errorf("token name %q already exists", name)
		}
	}
	m.file.Tokens = append(m.file.Tokens, Token{
		Token:       token,
		Name:        name,
		Description: description,
		CreatedAt:   time.Now().Format(time.RFC3339),
		ExpiresAt:   expiresAt,
		Active:      true,
	})
	return m.saveLocked()
}

// RemoveToken deletes a token by name.
func (m *Manager) RemoveToken(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloadLocked()

	for i, entry := range m.file.Tokens {
		if entry.Name == name {
			m.file.Tokens = append(m.file.Tokens[:i], m.file.Tokens[i+1:]...)
			return m.saveLocked()
		}
	}
	return fmt.Errorf("token %q not found", name)
}

// SetEnabled flips the global switch.
func (m *Manager) SetEnabled(enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloadLocked()

	m.file.Enabled = enabled
	return m.saveLocked()
}

func (m *Manager) current() authFile {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloadLocked()
	return m.file
}

func (m *Manager) reloadLocked() {
	sig := config.Stat(m.path)
	if m.loaded && sig == m.sig {
		return
	}
	m.sig = sig
	m.loaded = true

	raw, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		m.file = defaultAuthFile()
		if err := m.saveLocked(); err != nil {
			slog.Warn("auth config create failed", "path", m.path, "error", err)
		}
		return
	}
	if err != nil {
		slog.Warn("auth config unreadable, auth disabled", "path", m.path, "error", err)
		m.file = defaultAuthFile()
		return
	}

	var file authFile
	if err := json.Unmarshal(raw, &file); err != nil {
		slog.Warn("auth config broken, auth disabled", "path", m.path, "error", err)
		m.file = defaultAuthFile()
		return
	}
	if file.Services == nil {
		file.Services = map[string]bool{}
	}
	m.file = file
}

func (m *Manager) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create auth dir: %w", err)
	}
	data, err := json.MarshalIndent(m.file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode auth config: %w", err)
	}
	if err := os.WriteFile(m.path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write auth config: %w", err)
	}
	m.sig = config.Stat(m.path)
	return nil
}

func defaultAuthFile() authFile {
	return authFile{
		Enabled:  false,
		Tokens:   []Token{},
		Services: map[string]bool{"ui": true, "claude": true, "codex": true},
	}
}

// GenerateToken returns a fresh clp_-prefixed base62 token.
func GenerateToken() (string, error) {
	var sb strings.Builder
	sb.WriteString(TokenPrefix)
	for i := 0; i < tokenLength; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(base62))))
		if err != nil {
			return "", fmt.Errorf("generate token: %w", err)
		}
		sb.WriteByte(base62[n.Int64()])
	}
	return sb.String(), nil
}

// ValidateFormat checks prefix, minimum length and the base62 alphabet.
func ValidateFormat(token string) bool {
	if !strings.HasPrefix(token, TokenPrefix) {
		return false
	}
	body := token[len(TokenPrefix):]
	if len(body) < tokenLength {
		return false
	}
	for _, c := range body {
		if !strings.ContainsRune(base62, c) {
			return false
		}
	}
	return true
}
