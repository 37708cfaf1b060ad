package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/wagiedev/ida-proxy-mcp/internal/errors"
)

// Status is the lifecycle state of a backend process.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusCrashed  Status = "crashed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusCrashed
}

// Handle is one running backend process bound to one port. It owns the MCP
// client session used to talk to the process.
type Handle struct {
	log  *slog.Logger
	port int
	cmd  *exec.Cmd

	stderr *stderrTail

	// exited is closed once the process has been reaped; exitErr is set first.
	exited  chan struct{}
	exitErr error

	stopOnce sync.Once
	stopErr  error

	mu        sync.Mutex
	status    Status
	client    *mcp.ClientSession
	counted   bool
	inputPath string
	suffix    string
}

func newHandle(log *slog.Logger, port int, cmd *exec.Cmd, stderr *stderrTail) *Handle {
	return &Handle{
		log:    log,
		port:   port,
		cmd:    cmd,
		stderr: stderr,
		exited: make(chan struct{}),
		status: StatusStarting,
	}
}

// Port returns the TCP port the backend listens on.
func (h *Handle) Port() int { return h.port }

// PID returns the OS process id, or 0 before the process started.
func (h *Handle) PID() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}

	return h.cmd.Process.Pid
}

// Status returns the current lifecycle state.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.status
}

// Exited is closed once the process is gone.
func (h *Handle) Exited() <-chan struct{} { return h.exited }

// Alive reports whether the OS process is still running.
func (h *Handle) Alive() bool {
	select {
	case <-h.exited:
		return false
	default:
		return true
	}
}

// ExitErr returns the error reported by the process wait, if it has exited.
func (h *Handle) ExitErr() error {
	select {
	case <-h.exited:
		return h.exitErr
	default:
		return nil
	}
}

// Stderr returns the tail of the process's stderr.
func (h *Handle) Stderr() string { return h.stderr.String() }

// InputPath returns the binary opened in this backend, if any.
func (h *Handle) InputPath() string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.inputPath
}

// BackendSession returns the session token the backend assigned on open.
func (h *Handle) BackendSession() string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.suffix
}

func (h *Handle) String() string {
	return fmt.Sprintf("backend(port=%d pid=%d status=%s)", h.port, h.PID(), h.Status())
}

// CallTool invokes a tool on the backend. Tool-level failures come back as a
// result with IsError set; a non-nil error means the call itself failed.
func (h *Handle) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	cs, err := h.session()
	if err != nil {
		return nil, err
	}

	if args == nil {
		args = map[string]any{}
	}

	return cs.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
}

// ListTools returns every tool the backend advertises, following pagination.
func (h *Handle) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	cs, err := h.session()
	if err != nil {
		return nil, err
	}

	var tools []*mcp.Tool

	params := &mcp.ListToolsParams{}

	for {
		res, err := cs.ListTools(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("list backend tools: %w", err)
		}

		tools = append(tools, res.Tools...)

		if res.NextCursor == "" {
			return tools, nil
		}

		params = &mcp.ListToolsParams{Cursor: res.NextCursor}
	}
}

// Ping sends an MCP ping.
func (h *Handle) Ping(ctx context.Context) error {
	cs, err := h.session()
	if err != nil {
		return err
	}

	return cs.Ping(ctx, nil)
}

func (h *Handle) session() (*mcp.ClientSession, error) {
	if !h.Alive() {
		return nil, errors.ErrProcessExited
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.client == nil {
		return nil, errors.ErrNotConnected
	}

	return h.client, nil
}

func (h *Handle) setRunning(cs *mcp.ClientSession) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.client = cs
	h.status = StatusRunning
	h.counted = true
}

func (h *Handle) setOpened(inputPath, suffix string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.inputPath = inputPath
	h.suffix = suffix
}

// markCrashed moves a running handle to CRASHED. It reports whether the
// transition happened, so each crash is handled once.
func (h *Handle) markCrashed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.status != StatusRunning {
		return false
	}

	h.status = StatusCrashed

	return true
}

// beginStop moves the handle to STOPPING unless it already crashed, and
// detaches the client session so no new calls start.
func (h *Handle) beginStop() (cs *mcp.ClientSession, suffix string, counted bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.status != StatusCrashed {
		h.status = StatusStopping
	}

	cs, h.client = h.client, nil
	counted, h.counted = h.counted, false

	return cs, h.suffix, counted
}

func (h *Handle) finishStop(wasAlive bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if wasAlive && h.status != StatusCrashed {
		h.status = StatusStopped
	} else {
		h.status = StatusCrashed
	}
}

// stopping reports whether an exit is expected.
func (h *Handle) stopping() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.status == StatusStopping || h.status.Terminal()
}
