// Package idaproxy multiplexes MCP clients over a bounded pool of idalib-mcp
// backend processes.
//
// Each backend holds one IDA database. The proxy opens binaries on demand,
// keeps at most MaxProcesses backends alive, evicts the least recently used
// idle session when the pool is full, and routes every analysis tool call to
// the session named by its optional "session" argument, or to the current
// session when none is named.
//
// # Basic Usage
//
// Run the proxy until the context is cancelled:
//
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
//	defer stop()
//
//	err := idaproxy.ListenAndServe(ctx,
//	    idaproxy.WithLogger(slog.Default()),
//	    idaproxy.WithPort(8744),
//	    idaproxy.WithMaxProcesses(2),
//	)
//
// Or embed the HTTP handler in an existing server:
//
//	p, err := idaproxy.New(idaproxy.WithConfig(cfg))
//	if err != nil {
//	    return err
//	}
//	defer p.Close(context.Background())
//
//	mux.Handle("/", p.Handler())
//
// # Session Tools
//
// The proxy answers idalib_open, idalib_close, idalib_switch, idalib_list
// and idalib_current itself. Every other tool is forwarded to a backend with
// the session argument removed.
//
// # Logging
//
// For detailed operation tracking, use WithLogger:
//
//	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
//	p, err := idaproxy.New(idaproxy.WithLogger(logger))
//
// # Error Handling
//
// Tool failures reach MCP clients as tool errors whose structured content
// carries a kind such as "session_not_found" or "backend_crashed". The
// same errors are exported as types for Go callers, and KindOf maps any of
// them to its kind:
//
//	if idaproxy.KindOf(err) == "pool_exhausted" {
//	    // every backend is busy; retry later
//	}
//
// # Requirements
//
// The backend command defaults to "uv run idalib-mcp --host {host} --port
// {port}" and needs IDA Pro with idalib available. Use WithBackendCommand to
// run something else.
package idaproxy
