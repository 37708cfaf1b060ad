// Package server assembles the proxy: the backend manager, the session
// table and the router behind one MCP server, served over streamable HTTP
// or stdio.
package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/wagiedev/ida-proxy-mcp/internal/backend"
	"github.com/wagiedev/ida-proxy-mcp/internal/config"
	"github.com/wagiedev/ida-proxy-mcp/internal/metrics"
	"github.com/wagiedev/ida-proxy-mcp/internal/ports"
	"github.com/wagiedev/ida-proxy-mcp/internal/router"
	"github.com/wagiedev/ida-proxy-mcp/internal/session"
)

const readHeaderTimeout = 10 * time.Second

// Server is a running proxy.
type Server struct {
	log *slog.Logger
	cfg *config.Config

	ports   *ports.Allocator
	metrics *metrics.Pool
	manager *backend.Manager
	table   *session.Table
	router  *router.Router
	mcp     *mcp.Server
	mux     *chi.Mux

	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New builds a proxy from cfg. Pool metrics go to provider, or to the global
// MeterProvider when provider is nil. Nothing is started until Run.
func New(log *slog.Logger, cfg *config.Config, provider metric.MeterProvider) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	pool, err := metrics.New(provider)
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	s := &Server{
		log:     log.With("component", "server"),
		cfg:     cfg,
		ports:   ports.New(cfg.BasePort, cfg.PortSpan()),
		metrics: pool,
		mux:     chi.NewRouter(),
	}

	s.manager = backend.NewManager(log, cfg, s.ports, pool)
	l := &launcher{manager: s.manager}

	s.table = session.NewTable(log, l, session.Options{
		MaxProcesses:  cfg.MaxProcesses,
		PoolWait:      cfg.PoolWait.Std(),
		ReuseSessions: cfg.ReuseSessions,
		Metrics:       pool,
	})

	s.router = router.New(log, s.table, l, router.Config{
		RequestTimeout: cfg.RequestTimeout.Std(),
		Metrics:        pool,
	})

	s.mcp = mcp.NewServer(&mcp.Implementation{Name: config.Name, Version: config.Version}, nil)

	handler := s.router.Handler()
	for _, tool := range s.router.Tools() {
		s.mcp.AddTool(tool, handler)
	}

	s.router.OnToolsChanged(func(added []*mcp.Tool) {
		for _, tool := range added {
			s.mcp.AddTool(tool, handler)
		}
	})

	s.manager.OnCrash(func(h *backend.Handle, err error) {
		s.table.InvalidateProcess(context.Background(), h, err)
	})

	s.setupRoutes()

	return s, nil
}

func (s *Server) setupRoutes() {
	s.mux.Use(middleware.Recoverer)

	s.mux.Get("/healthz", s.handleHealth)
	s.mux.Get("/sessions", s.handleSessions)

	s.mux.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcp
	}, &mcp.StreamableHTTPOptions{Stateless: s.cfg.Stateless}))
}

// Handler returns the HTTP handler serving /mcp, /healthz and /sessions.
func (s *Server) Handler() http.Handler { return s.mux }

// MCPServer returns the inbound MCP server.
func (s *Server) MCPServer() *mcp.Server { return s.mcp }

// Table returns the session table.
func (s *Server) Table() *session.Table { return s.table }

// Router returns the tool call router.
func (s *Server) Router() *router.Router { return s.router }

// Manager returns the backend process manager.
func (s *Server) Manager() *backend.Manager { return s.manager }

// DiscoverTools learns the backend's analysis tools from a throwaway
// backend. Failure is logged; tools are then learned on the first open.
func (s *Server) DiscoverTools(ctx context.Context) {
	if !s.cfg.DiscoverTools {
		return
	}

	tools, err := s.manager.DiscoverTools(ctx)
	if err != nil {
		s.log.Warn("Backend tool discovery failed; tools will appear after the first open", "error", err)

		return
	}

	s.router.SetBackendTools(tools)
}

// Run serves until ctx is cancelled or the transport fails, then closes
// every session and stops every backend.
func (s *Server) Run(ctx context.Context) error {
	s.DiscoverTools(ctx)

	var err error

	switch s.cfg.Transport {
	case config.TransportStdio:
		err = s.runStdio(ctx)
	default:
		err = s.runHTTP(ctx)
	}

	return stderrors.Join(err, s.Close(context.WithoutCancel(ctx)))
}

func (s *Server) runHTTP(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr(), err)
	}

	return s.Serve(ctx, ln)
}

// Serve serves HTTP on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("Proxy listening",
			"addr", ln.Addr().String(),
			"max_processes", s.cfg.MaxProcesses,
			"backend_ports", s.ports.String(),
		)

		if err := srv.Serve(ln); !stderrors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		s.closing.Store(true)

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownGrace.Std())
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("HTTP shutdown incomplete; closing connections", "error", err)

			return srv.Close()
		}

		return nil
	})

	return g.Wait()
}

func (s *Server) runStdio(ctx context.Context) error {
	s.log.Info("Proxy serving MCP on stdio", "max_processes", s.cfg.MaxProcesses, "backend_ports", s.ports.String())

	err := s.mcp.Run(ctx, &mcp.StdioTransport{})
	if err != nil && ctx.Err() != nil {
		return nil
	}

	return err
}

// Close closes every session and stops every backend. It is safe to call
// more than once.
func (s *Server) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.log.Info("Shutting down", "sessions", s.table.Len())

		s.closeErr = stderrors.Join(s.table.CloseAll(ctx), s.manager.StopAll(ctx))
	})

	return s.closeErr
}

type healthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	Sessions     int    `json:"sessions"`
	MaxProcesses int    `json:"max_processes"`
	Backends     int    `json:"backends"`
	BackendPorts string `json:"backend_ports"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:       "ok",
		Version:      config.Version,
		Sessions:     s.table.Len(),
		MaxProcesses: s.cfg.MaxProcesses,
		Backends:     s.manager.Live(),
		BackendPorts: s.ports.String(),
	}

	status := http.StatusOK
	if s.closing.Load() {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}

type sessionsResponse struct {
	Sessions         []session.Summary `json:"sessions"`
	Count            int               `json:"count"`
	CurrentSessionID *string           `json:"current_session_id"`
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.table.List()

	resp := sessionsResponse{Sessions: sessions, Count: len(sessions)}

	for _, summary := range sessions {
		if summary.IsCurrent {
			resp.CurrentSessionID = &summary.SessionID
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}
