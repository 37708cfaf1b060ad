package idaproxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/wagiedev/ida-proxy-mcp/internal/server"
	"github.com/wagiedev/ida-proxy-mcp/internal/session"
)

// SessionSummary describes one open session.
type SessionSummary = session.Summary

// Proxy multiplexes MCP clients over a bounded pool of idalib backends.
type Proxy struct {
	log *slog.Logger
	cfg *Config
	srv *server.Server
}

// New builds a proxy. Nothing is started until Run or Serve.
func New(opts ...Option) (*Proxy, error) {
	options := applyOptions(opts)

	srv, err := server.New(options.Logger, options.Config, options.MeterProvider)
	if err != nil {
		return nil, err
	}

	return &Proxy{log: options.Logger, cfg: options.Config, srv: srv}, nil
}

// Config returns the configuration the proxy was built with.
func (p *Proxy) Config() *Config { return p.cfg }

// Run serves on the configured transport until ctx is cancelled, then
// closes every session and stops every backend.
func (p *Proxy) Run(ctx context.Context) error {
	return p.srv.Run(ctx)
}

// Serve serves streamable HTTP on ln until ctx is cancelled. The caller
// must Close the proxy afterwards.
func (p *Proxy) Serve(ctx context.Context, ln net.Listener) error {
	p.srv.DiscoverTools(ctx)

	return p.srv.Serve(ctx, ln)
}

// Handler returns the HTTP handler for embedding the proxy in another
// server.
func (p *Proxy) Handler() http.Handler { return p.srv.Handler() }

// Sessions lists open sessions, most recently used first.
func (p *Proxy) Sessions() []SessionSummary { return p.srv.Table().List() }

// Close closes every session and stops every backend.
func (p *Proxy) Close(ctx context.Context) error {
	return p.srv.Close(ctx)
}

// ListenAndServe builds a proxy, runs it until ctx is cancelled and shuts
// it down.
//
// Example usage:
//
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//
//	err := idaproxy.ListenAndServe(ctx,
//	    idaproxy.WithLogger(slog.Default()),
//	    idaproxy.WithMaxProcesses(4),
//	)
func ListenAndServe(ctx context.Context, opts ...Option) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	p, err := New(opts...)
	if err != nil {
		return fmt.Errorf("failed to create proxy: %w", err)
	}

	return p.Run(ctx)
}
