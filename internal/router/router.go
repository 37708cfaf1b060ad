// Package router dispatches inbound tool calls. Session tools are answered
// from the session table; every other tool is forwarded to the backend of
// the named (or current) session with the session argument stripped.
package router

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/wagiedev/ida-proxy-mcp/internal/errors"
	"github.com/wagiedev/ida-proxy-mcp/internal/metrics"
	"github.com/wagiedev/ida-proxy-mcp/internal/session"
)

const (
	// exitSettle is how long a failed call waits for the backend process to
	// be reaped before deciding between unreachable and crashed.
	exitSettle = 250 * time.Millisecond
	// refreshTimeout bounds the tool list refresh after an open.
	refreshTimeout = 10 * time.Second
)

// exiter is implemented by processes that can report their exit.
type exiter interface {
	Exited() <-chan struct{}
}

// Config configures a Router.
type Config struct {
	// RequestTimeout bounds each forwarded call.
	RequestTimeout time.Duration

	// Metrics records routed calls. Nil records nothing.
	Metrics *metrics.Pool
}

// Router dispatches tool calls to the session table or to a backend.
type Router struct {
	log      *slog.Logger
	table    *session.Table
	launcher session.Launcher
	metrics  *metrics.Pool
	timeout  time.Duration

	mu             sync.RWMutex
	backendTools   map[string]*mcp.Tool
	onToolsChanged func(added []*mcp.Tool)
}

// New creates a router over table. The launcher is used for health checks.
func New(log *slog.Logger, table *session.Table, launcher session.Launcher, cfg Config) *Router {
	return &Router{
		log:          log.With("component", "router"),
		table:        table,
		launcher:     launcher,
		metrics:      cfg.Metrics,
		timeout:      cfg.RequestTimeout,
		backendTools: make(map[string]*mcp.Tool),
	}
}

// OnToolsChanged registers fn to receive backend tools that were not known
// before.
func (r *Router) OnToolsChanged(fn func(added []*mcp.Tool)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.onToolsChanged = fn
}

// Handler adapts the router to an MCP tool handler.
func (r *Router) Handler() mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var (
			name string
			raw  []byte
		)

		if req != nil && req.Params != nil {
			name = req.Params.Name
			raw = req.Params.Arguments
		}

		return r.Route(ctx, name, raw), nil
	}
}

// Route handles one tool call and always returns a result; failures are
// reported as tool errors.
func (r *Router) Route(ctx context.Context, tool string, raw []byte) *mcp.CallToolResult {
	start := time.Now()

	req, err := ParseRequest(tool, raw)
	if err != nil {
		r.record(ctx, tool, err, start)

		return ErrorResult(err, "", tool)
	}

	var res *mcp.CallToolResult

	if IsSessionTool(tool) {
		res, err = r.handleSessionTool(ctx, req)
	} else {
		res, err = r.Forward(ctx, req)
	}

	r.record(ctx, tool, err, start)

	if err != nil {
		return ErrorResult(err, req.Session, tool)
	}

	return res
}

// Forward sends req to its session's backend and returns the backend's
// result unmodified. Calls to one session run one at a time in arrival
// order. A successful call marks the session most recently used; a
// cancelled one does not.
func (r *Router) Forward(ctx context.Context, req *Request) (*mcp.CallToolResult, error) {
	lease, err := r.table.Acquire(ctx, req.Session, req.Tool)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	id := lease.SessionID()
	proc := lease.Process()
	log := r.log.With("call_id", req.ID, "session", id, "tool", req.Tool, "port", proc.Port())

	if err := r.launcher.HealthCheck(ctx, proc); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, r.crashed(ctx, log, id, req.Tool, proc, err)
	}

	log.Debug("Forwarding tool call")

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := proc.CallTool(callCtx, req.Tool, req.Arguments)
	if err == nil {
		lease.Touch()

		return res, nil
	}

	switch {
	case ctx.Err() != nil:
		log.Debug("Tool call cancelled by client")

		return nil, ctx.Err()
	case callCtx.Err() != nil || stderrors.Is(err, context.DeadlineExceeded):
		log.Warn("Backend did not answer in time", "timeout", r.timeout)

		return nil, &errors.BackendTimeoutError{SessionID: id, Tool: req.Tool, Timeout: r.timeout, Err: err}
	}

	if e, ok := proc.(exiter); ok {
		select {
		case <-e.Exited():
		case <-time.After(exitSettle):
		}
	}

	if hcErr := r.launcher.HealthCheck(context.WithoutCancel(ctx), proc); hcErr != nil {
		return nil, r.crashed(ctx, log, id, req.Tool, proc, fmt.Errorf("%w (call error: %v)", hcErr, err))
	}

	log.Warn("Backend unreachable", "error", err)

	return nil, &errors.BackendUnreachableError{SessionID: id, Tool: req.Tool, Port: proc.Port(), Err: err}
}

func (r *Router) crashed(ctx context.Context, log *slog.Logger, id, tool string, proc session.Process, cause error) error {
	log.Error("Backend crashed", "error", cause)

	r.table.Invalidate(context.WithoutCancel(ctx), id, cause)

	return &errors.BackendCrashedError{SessionID: id, Tool: tool, Port: proc.Port(), Err: cause}
}

func (r *Router) record(ctx context.Context, tool string, err error, start time.Time) {
	outcome := "ok"

	switch {
	case err == nil:
	case stderrors.Is(err, context.Canceled):
		outcome = "cancelled"
	default:
		outcome = string(errors.KindOf(err))
	}

	r.metrics.Call(ctx, tool, outcome, time.Since(start))
}

// Tools returns the session tools followed by the known backend tools,
// sorted by name.
func (r *Router) Tools() []*mcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	backend := make([]*mcp.Tool, 0, len(r.backendTools))
	for _, tool := range r.backendTools {
		backend = append(backend, tool)
	}

	slices.SortFunc(backend, func(a, b *mcp.Tool) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		default:
			return 0
		}
	})

	return append(SessionTools(), backend...)
}

// SetBackendTools merges tools advertised by a backend. Tools that shadow a
// session tool are dropped and every other tool gains the session argument.
// It returns the tools that were not known before.
func (r *Router) SetBackendTools(tools []*mcp.Tool) []*mcp.Tool {
	var added []*mcp.Tool

	r.mu.Lock()

	for _, tool := range tools {
		if tool == nil || IsSessionTool(tool.Name) {
			continue
		}

		withSession, err := WithSessionArg(tool)
		if err != nil {
			r.log.Warn("Skipping backend tool with unusable schema", "tool", tool.Name, "error", err)

			continue
		}

		if _, known := r.backendTools[tool.Name]; !known {
			added = append(added, withSession)
		}

		r.backendTools[tool.Name] = withSession
	}

	notify := r.onToolsChanged

	r.mu.Unlock()

	if len(added) > 0 {
		r.log.Info("Backend tools registered", "added", len(added))

		if notify != nil {
			notify(added)
		}
	}

	return added
}

// RefreshTools lists the tools of a live session's backend and merges them.
func (r *Router) RefreshTools(ctx context.Context, sessionID string) error {
	lease, err := r.table.Acquire(ctx, sessionID, "tools/list")
	if err != nil {
		return err
	}
	defer lease.Release()

	tools, err := lease.Process().ListTools(ctx)
	if err != nil {
		return fmt.Errorf("list tools for session %s: %w", sessionID, err)
	}

	r.SetBackendTools(tools)

	return nil
}

// openResult is the idalib_open and idalib_switch result.
type openResult struct {
	Success bool            `json:"success"`
	Session session.Summary `json:"session"`
	Message string          `json:"message"`
}

// closeResult is the idalib_close result.
type closeResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// listResult is the idalib_list result.
type listResult struct {
	Sessions         []session.Summary `json:"sessions"`
	Count            int               `json:"count"`
	CurrentSessionID *string           `json:"current_session_id"`
}

func (r *Router) handleSessionTool(ctx context.Context, req *Request) (*mcp.CallToolResult, error) {
	log := r.log.With("call_id", req.ID, "tool", req.Tool)

	switch req.Tool {
	case ToolOpen:
		path, err := req.stringArg("input_path", true)
		if err != nil {
			return nil, err
		}

		auto, err := req.boolArg("run_auto_analysis", true)
		if err != nil {
			return nil, err
		}

		summary, err := r.table.Open(ctx, path, auto)
		if err != nil {
			return nil, err
		}

		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		if err := r.RefreshTools(refreshCtx, summary.SessionID); err != nil {
			log.Warn("Failed to refresh backend tools", "session", summary.SessionID, "error", err)
		}

		cancel()

		return JSONResult(openResult{
			Success: true,
			Session: summary,
			Message: "Binary opened successfully: " + summary.BinaryName,
		}), nil

	case ToolClose:
		id, err := req.stringArg("session_id", true)
		if err != nil {
			return nil, err
		}

		if err := r.table.Close(ctx, id); err != nil {
			if notFound, ok := stderrors.AsType[*errors.SessionNotFoundError](err); ok {
				notFound.Tool = req.Tool
			}

			return nil, err
		}

		return JSONResult(closeResult{Success: true, Message: "Session closed: " + id}), nil

	case ToolSwitch:
		id, err := req.stringArg("session_id", true)
		if err != nil {
			return nil, err
		}

		summary, err := r.table.Switch(id)
		if err != nil {
			return nil, err
		}

		return JSONResult(openResult{Success: true, Session: summary, Message: "Switched to session: " + id}), nil

	case ToolList:
		sessions := r.table.List()

		result := listResult{Sessions: sessions, Count: len(sessions)}

		for _, s := range sessions {
			if s.IsCurrent {
				result.CurrentSessionID = &s.SessionID
			}
		}

		return JSONResult(result), nil

	case ToolCurrent:
		summary, ok := r.table.Current()
		if !ok {
			return nil, &errors.NoActiveSessionError{Tool: req.Tool}
		}

		return JSONResult(summary), nil
	}

	return nil, fmt.Errorf("unknown session tool %q", req.Tool)
}
