package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/clp-proxy/clp/internal/config"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(&config.Settings{
		ConnectTimeout:  5 * time.Second,
		ReadIdleTimeout: 5 * time.Second,
		MaxConnections:  10,
		MaxKeepAlive:    5,
	})
}

func TestDirectClientsShareTransport(t *testing.T) {
	m := newManager(t)
	defer m.Close()

	c1, err := m.Client("")
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	c2, err := m.Client("")
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if c1.Transport != c2.Transport {
		t.Fatal("direct clients must share one pooled transport")
	}
}

func TestProxyClientsKeyedByURL(t *testing.T) {
	m := newManager(t)
	defer m.Close()

	direct, _ := m.Client("")
	socks, err := m.Client("socks5://127.0.0.1:1080")
	if err != nil {
		t.Fatalf("socks client: %v", err)
	}
	httpProxied, err := m.Client("http://127.0.0.1:8080")
	if err != nil {
		t.Fatalf("http proxy client: %v", err)
	}

	if direct.Transport == socks.Transport || socks.Transport == httpProxied.Transport {
		t.Fatal("each proxy URL must own its transport")
	}

	again, _ := m.Client("socks5://127.0.0.1:1080")
	if again.Transport != socks.Transport {
		t.Fatal("same proxy URL must reuse the pooled transport")
	}
}

func TestUnsupportedProxyScheme(t *testing.T) {
	m := newManager(t)
	defer m.Close()

	if _, err := m.Client("ftp://127.0.0.1:21"); err == nil {
		t.Fatal("unsupported scheme must error")
	}
}

func TestClientRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	m := newManager(t)
	defer m.Close()

	client, err := m.Client("")
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestHeaderStallTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Accept the request, never send headers.
		<-r.Context().Done()
	}))
	defer srv.Close()

	m := NewManager(&config.Settings{
		ConnectTimeout:  5 * time.Second,
		ReadIdleTimeout: 200 * time.Millisecond,
		MaxConnections:  10,
		MaxKeepAlive:    5,
	})
	defer m.Close()

	client, err := m.Client("")
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	start := time.Now()
	if _, err := client.Get(srv.URL); err == nil {
		t.Fatal("a silent upstream must fail once the header phase times out")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("header timeout fired far too late")
	}
}

func TestWatchReadsAbortsStalledStream(t *testing.T) {
	stall := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-stall
	}))
	defer srv.Close()
	defer close(stall)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	body := WatchReads(resp.Body, 50*time.Millisecond, cancel)
	start := time.Now()
	_, err = body.Read(make([]byte, 16))
	if err == nil {
		t.Fatal("stalled read should fail once the watchdog cancels")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("watchdog fired far too late")
	}
}

func TestWatchReadsPassesThroughActiveStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "streaming ok")
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body := WatchReads(resp.Body, time.Second, func() { t.Error("watchdog must not fire") })
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "streaming ok" {
		t.Fatalf("unexpected body %q", data)
	}
}
