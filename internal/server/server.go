package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/clp-proxy/clp/internal/auth"
	"github.com/clp-proxy/clp/internal/proxy"
)

// Server is one service's HTTP front: the catch-all proxy route, the
// unauthenticated health endpoints, and the realtime WebSocket feed.
type Server struct {
	engine     *proxy.Engine
	auth       *auth.Manager
	httpServer *http.Server
}

func New(addr string, engine *proxy.Engine, am *auth.Manager) *Server {
	s := &Server{engine: engine, auth: am}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr: addr,
		// The auth gate sits in front of everything; its whitelist keeps
		// /health, /ping and /favicon.ico open.
		Handler:           requestLogger(auth.Middleware(am, engine.Service.Name, mux)),
		ReadHeaderTimeout: 30 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":%q}`, s.engine.Service.Name)
	})
	mux.HandleFunc("GET /ping", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message":"pong"}`))
	})
	mux.HandleFunc("GET /ws/realtime", s.handleRealtime)

	// Everything else mirrors the upstream API verbatim.
	mux.HandleFunc("/", s.engine.Proxy)
}

// Start blocks serving requests until Shutdown or a listener error.
func (s *Server) Start() error {
	slog.Info("proxy server starting", "service", s.engine.Service.Name, "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string { return s.httpServer.Addr }

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
