package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"github.com/clp-proxy/clp/internal/config"
)

// Manager pools upstream transports. All direct traffic shares one
// transport; upstreams with an egress proxy get their own, keyed by the
// proxy URL so credentials and tunnels are never mixed.
type Manager struct {
	connectTimeout    time.Duration
	readHeaderTimeout time.Duration
	maxConns          int
	maxKeepAlive      int

	mu      sync.Mutex
	entries map[string]*poolEntry
}

type poolEntry struct {
	transport *http.Transport
	lastUsed  time.Time
}

func NewManager(cfg *config.Settings) *Manager {
	return &Manager{
		connectTimeout:    cfg.ConnectTimeout,
		readHeaderTimeout: cfg.ReadIdleTimeout,
		maxConns:          cfg.MaxConnections,
		maxKeepAlive:      cfg.MaxKeepAlive,
		entries:           make(map[string]*poolEntry),
	}
}

// Client returns an http.Client for the given egress proxy URL ("" means
// direct). Clients carry no overall timeout; responses stream indefinitely
// and idleness is policed by the read watchdog.
func (m *Manager) Client(proxyURL string) (*http.Client, error) {
	rt, err := m.transportFor(proxyURL)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: rt}, nil
}

// RunCleanup drops transports idle for over five minutes. Blocks until ctx
// is canceled.
func (m *Manager) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanup(5 * time.Minute)
		}
	}
}

// Close shuts down every pooled transport.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, entry := range m.entries {
		entry.transport.CloseIdleConnections()
		delete(m.entries, key)
	}
}

func (m *Manager) transportFor(proxyURL string) (*http.Transport, error) {
	key := proxyURL
	if key == "" {
		key = "direct"
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[key]; ok {
		entry.lastUsed = time.Now()
		return entry.transport, nil
	}

	t, err := m.buildTransport(proxyURL)
	if err != nil {
		return nil, err
	}
	m.entries[key] = &poolEntry{transport: t, lastUsed: time.Now()}
	return t, nil
}

func (m *Manager) buildTransport(proxyURL string) (*http.Transport, error) {
	dialer := &net.Dialer{Timeout: m.connectTimeout, KeepAlive: 30 * time.Second}
	t := &http.Transport{
		DialContext:         dialer.DialContext,
		ForceAttemptHTTP2:   true,
		MaxConnsPerHost:     m.maxConns,
		MaxIdleConns:        m.maxKeepAlive,
		MaxIdleConnsPerHost: m.maxKeepAlive,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: m.connectTimeout,
		// The watchdog reader only covers the body; the read-idle budget
		// bounds the header phase here.
		ResponseHeaderTimeout: m.readHeaderTimeout,
	}
	if proxyURL == "" {
		return t, nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("proxy url %q: %w", proxyURL, err)
	}
	switch u.Scheme {
	case "socks5", "socks5h":
		d, err := proxy.FromURL(u, dialer)
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer: %w", err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 dialer for %q lacks context support", proxyURL)
		}
		t.DialContext = cd.DialContext
	case "http", "https":
		t.Proxy = http.ProxyURL(u)
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	return t, nil
}

func (m *Manager) cleanup(idleTimeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-idleTimeout)
	for key, entry := range m.entries {
		if key == "direct" {
			continue
		}
		if entry.lastUsed.Before(cutoff) {
			entry.transport.CloseIdleConnections()
			delete(m.entries, key)
		}
	}
}

// watchdogReader aborts a streaming response when no bytes arrive within
// the idle window. Each Read arms a timer that fires abort.
type watchdogReader struct {
	body    io.ReadCloser
	timeout time.Duration
	abort   func()
}

// WatchReads wraps body so that a stalled upstream read triggers abort
// (normally the request's context cancel) after timeout.
func WatchReads(body io.ReadCloser, timeout time.Duration, abort func()) io.ReadCloser {
	if timeout <= 0 {
		return body
	}
	return &watchdogReader{body: body, timeout: timeout, abort: abort}
}

func (w *watchdogReader) Read(p []byte) (int, error) {
	timer := time.AfterFunc(w.timeout, w.abort)
	defer timer.Stop()
	return w.body.Read(p)
}

func (w *watchdogReader) Close() error { return w.body.Close() }
