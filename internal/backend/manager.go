package backend

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/wagiedev/ida-proxy-mcp/internal/config"
	"github.com/wagiedev/ida-proxy-mcp/internal/errors"
	"github.com/wagiedev/ida-proxy-mcp/internal/metrics"
	"github.com/wagiedev/ida-proxy-mcp/internal/ports"
)

// Backend tool names the manager calls itself.
const (
	ToolOpen  = "idalib_open"
	ToolClose = "idalib_close"
)

const (
	// probeDialTimeout bounds the check for a foreign listener on a port.
	probeDialTimeout = 200 * time.Millisecond
	// minConnectTimeout is the floor for one readiness attempt.
	minConnectTimeout = 2 * time.Second
	// killWait bounds how long a killed process may take to be reaped.
	killWait = 5 * time.Second
	// waitDelay bounds stderr copying after the process exits, in case a
	// grandchild still holds the pipe.
	waitDelay = time.Second
)

// Manager spawns, health-checks and terminates backend processes. Each
// process gets an exclusive port from the allocator for its lifetime.
type Manager struct {
	log        *slog.Logger
	cfg        *config.Config
	ports      *ports.Allocator
	metrics    *metrics.Pool
	client     *mcp.Client
	httpClient *http.Client

	mu      sync.Mutex
	handles map[int]*Handle
	onCrash func(h *Handle, err error)
}

// NewManager creates a process manager. A nil allocator gets one sized from
// cfg; a nil metrics pool records nothing.
func NewManager(log *slog.Logger, cfg *config.Config, alloc *ports.Allocator, pool *metrics.Pool) *Manager {
	if alloc == nil {
		alloc = ports.New(cfg.BasePort, cfg.PortSpan())
	}

	return &Manager{
		log:     log.With("component", "process_manager"),
		cfg:     cfg,
		ports:   alloc,
		metrics: pool,
		client:  mcp.NewClient(&mcp.Implementation{Name: config.Name, Version: config.Version}, nil),
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		handles: make(map[int]*Handle, cfg.MaxProcesses),
	}
}

// OnCrash registers fn to be called when a running backend exits without
// being asked to. It runs on the process's wait goroutine.
func (m *Manager) OnCrash(fn func(h *Handle, err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.onCrash = fn
}

// Live returns the number of backend processes the manager is tracking.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.handles)
}

// Launch allocates a port, spawns a backend and opens inputPath in it. On
// any failure everything acquired so far is released.
func (m *Manager) Launch(ctx context.Context, inputPath string, runAutoAnalysis bool) (*Handle, error) {
	port, err := m.ports.AllocateFunc(m.portFree)
	if err != nil {
		return nil, err
	}

	h, err := m.Spawn(ctx, port)
	if err != nil {
		return nil, err
	}

	if _, err := m.OpenBinary(ctx, h, inputPath, runAutoAnalysis); err != nil {
		if termErr := m.Terminate(context.WithoutCancel(ctx), h, false); termErr != nil {
			h.log.Warn("Failed to stop backend after open failure", "error", termErr)
		}

		return nil, err
	}

	return h, nil
}

// Spawn starts a backend bound to port and waits until it answers MCP
// initialize. Spawn takes ownership of port: it is released on failure and
// by Terminate otherwise.
//
// Returns SpawnError if the process cannot start or exits early, and
// SpawnTimeoutError if it is not ready within the spawn timeout.
func (m *Manager) Spawn(ctx context.Context, port int) (*Handle, error) {
	log := m.log.With("port", port)
	argv := m.cfg.BackendArgs(port)

	path, err := Discover(log, argv[0])
	if err != nil {
		m.ports.Release(port)

		return nil, err
	}

	//nolint:gosec // G204: the backend command is operator configuration
	cmd := exec.Command(path, argv[1:]...)
	cmd.Env = append(os.Environ(), m.cfg.BackendEnv...)
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)

	tail := newStderrTail(log)
	cmd.Stderr = tail

	log.Info("Starting backend process", "command", strings.Join(argv, " "))

	start := time.Now()

	if err := cmd.Start(); err != nil {
		m.ports.Release(port)

		return nil, &errors.SpawnError{Port: port, ExitCode: -1, Err: fmt.Errorf("start process: %w", err)}
	}

	h := newHandle(log.With("pid", cmd.Process.Pid), port, cmd, tail)
	m.track(h)

	go m.wait(h)

	if err := m.awaitReady(ctx, h); err != nil {
		h.log.Error("Backend failed to become ready", "error", err)

		if termErr := m.Terminate(context.WithoutCancel(ctx), h, false); termErr != nil {
			h.log.Warn("Failed to stop backend after spawn failure", "error", termErr)
		}

		return nil, err
	}

	elapsed := time.Since(start)
	m.metrics.BackendStarted(ctx, elapsed)
	h.log.Info("Backend ready", "elapsed", elapsed)

	return h, nil
}

// OpenBinary asks the backend to open inputPath and returns the session
// token it assigned. A backend that refuses yields BackendOpenError carrying
// its reason; the caller owns tearing the process down.
func (m *Manager) OpenBinary(ctx context.Context, h *Handle, inputPath string, runAutoAnalysis bool) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout.Std())
	defer cancel()

	h.log.Info("Opening binary in backend", "input_path", inputPath, "run_auto_analysis", runAutoAnalysis)

	res, err := h.CallTool(ctx, ToolOpen, map[string]any{
		"input_path":        inputPath,
		"run_auto_analysis": runAutoAnalysis,
	})
	if err != nil {
		return "", &errors.BackendOpenError{InputPath: inputPath, Err: err}
	}

	if res.IsError {
		return "", &errors.BackendOpenError{InputPath: inputPath, Cause: firstText(res)}
	}

	reply, err := decodeOpenReply(res)
	if err != nil {
		return "", &errors.BackendOpenError{InputPath: inputPath, Err: err}
	}

	if !reply.Success {
		cause := reply.Error
		if cause == "" {
			cause = "unknown error"
		}

		return "", &errors.BackendOpenError{InputPath: inputPath, Cause: cause}
	}

	suffix := reply.Session.SessionID
	if suffix == "" {
		suffix = strings.ToLower(ulid.Make().String()[ulid.EncodedSize-6:])
		h.log.Warn("Backend did not report a session id; generated one", "suffix", suffix)
	}

	h.setOpened(inputPath, suffix)
	h.log.Info("Binary opened", "input_path", inputPath, "backend_session", suffix)

	return suffix, nil
}

// Terminate stops the backend and releases its port. A graceful stop first
// closes the backend's database and sends SIGTERM, then kills the process
// group if it has not exited within the shutdown grace. Calling Terminate
// again returns the first result.
func (m *Manager) Terminate(ctx context.Context, h *Handle, graceful bool) error {
	h.stopOnce.Do(func() {
		h.stopErr = m.terminate(ctx, h, graceful)
	})

	return h.stopErr
}

func (m *Manager) terminate(ctx context.Context, h *Handle, graceful bool) error {
	wasAlive := h.Alive()
	cs, suffix, counted := h.beginStop()

	h.log.Info("Stopping backend", "graceful", graceful, "alive", wasAlive)

	if cs != nil && graceful && wasAlive && suffix != "" {
		if grace := m.cfg.ShutdownGrace.Std(); grace > 0 {
			closeCtx, cancel := context.WithTimeout(ctx, grace)

			_, err := cs.CallTool(closeCtx, &mcp.CallToolParams{
				Name:      ToolClose,
				Arguments: map[string]any{"session_id": suffix},
			})
			if err != nil {
				h.log.Debug("Backend close call failed", "error", err)
			}

			cancel()
		}
	}

	var err error
	if wasAlive {
		err = m.stopProcess(ctx, h, graceful)
	}

	// Sweep anything left in the process group.
	if sweepErr := signalGroup(h.PID(), true); sweepErr != nil {
		h.log.Debug("Process group sweep failed", "error", sweepErr)
	}

	// The process is gone, so closing the MCP session cannot block on it.
	if cs != nil {
		if closeErr := cs.Close(); closeErr != nil {
			h.log.Debug("Closing backend MCP session", "error", closeErr)
		}
	}

	m.untrack(h)
	m.ports.Release(h.port)

	if counted {
		m.metrics.BackendStopped(ctx)
	}

	h.finishStop(wasAlive)
	h.log.Info("Backend stopped", "status", h.Status())

	return err
}

func (m *Manager) stopProcess(ctx context.Context, h *Handle, graceful bool) error {
	if grace := m.cfg.ShutdownGrace.Std(); graceful && grace > 0 {
		if err := signalGroup(h.PID(), false); err != nil {
			h.log.Debug("Failed to signal backend", "error", err)
		}

		timer := time.NewTimer(grace)
		defer timer.Stop()

		select {
		case <-h.exited:
			return nil
		case <-timer.C:
			h.log.Warn("Backend did not exit within grace period, killing", "grace", grace)
		case <-ctx.Done():
			h.log.Warn("Stop cancelled, killing backend")
		}
	}

	if err := signalGroup(h.PID(), true); err != nil {
		h.log.Debug("Failed to kill process group, killing process", "error", err)

		_ = h.cmd.Process.Kill()
	}

	timer := time.NewTimer(killWait)
	defer timer.Stop()

	select {
	case <-h.exited:
		return nil
	case <-timer.C:
		return fmt.Errorf("backend pid %d did not exit after kill", h.PID())
	}
}

// HealthCheck reports whether the backend can take a call. A dead process,
// or a failed ping when health pings are enabled, marks the handle CRASHED.
func (m *Manager) HealthCheck(ctx context.Context, h *Handle) error {
	if !h.Alive() {
		h.markCrashed()

		return exitCause(h)
	}

	if status := h.Status(); status != StatusRunning {
		return fmt.Errorf("backend is %s", status)
	}

	timeout := m.cfg.HealthPingTimeout.Std()
	if timeout <= 0 {
		return nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := h.Ping(pingCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		h.markCrashed()

		return fmt.Errorf("ping backend: %w", err)
	}

	return nil
}

// DiscoverTools starts a backend with no binary open, lists its tools and
// stops it again.
func (m *Manager) DiscoverTools(ctx context.Context) ([]*mcp.Tool, error) {
	port, err := m.ports.AllocateFunc(m.portFree)
	if err != nil {
		return nil, err
	}

	h, err := m.Spawn(ctx, port)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := m.Terminate(context.WithoutCancel(ctx), h, true); err != nil {
			m.log.Warn("Failed to stop discovery backend", "error", err)
		}
	}()

	tools, err := h.ListTools(ctx)
	if err != nil {
		return nil, err
	}

	m.log.Info("Discovered backend tools", "count", len(tools))

	return tools, nil
}

// StopAll terminates every tracked backend concurrently.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()

	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}

	m.mu.Unlock()

	if len(handles) == 0 {
		return nil
	}

	m.log.Info("Stopping all backends", "count", len(handles))

	var g errgroup.Group

	for _, h := range handles {
		g.Go(func() error {
			return m.Terminate(ctx, h, true)
		})
	}

	err := g.Wait()

	m.httpClient.CloseIdleConnections()

	return err
}

func (m *Manager) awaitReady(ctx context.Context, h *Handle) error {
	timeout := m.cfg.SpawnTimeout.Std()
	interval := m.cfg.ReadinessInterval.Std()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	transport := &mcp.StreamableClientTransport{
		Endpoint:   m.endpoint(h.port),
		HTTPClient: m.httpClient,
	}

	var lastErr error

	for attempt := 1; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, max(interval, minConnectTimeout))
		cs, err := m.client.Connect(attemptCtx, transport, nil)

		cancel()

		if err == nil {
			h.setRunning(cs)

			return nil
		}

		lastErr = err
		h.log.Debug("Backend not ready yet", "attempt", attempt, "error", err)

		select {
		case <-h.exited:
			return &errors.SpawnError{
				Port:     h.port,
				ExitCode: exitCode(h.exitErr),
				Stderr:   h.Stderr(),
				Err:      fmt.Errorf("%w before becoming ready", errors.ErrProcessExited),
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return &errors.SpawnTimeoutError{Port: h.port, Timeout: timeout, Err: lastErr}
		case <-ticker.C:
		}
	}
}

// wait reaps the process and reports unexpected exits.
func (m *Manager) wait(h *Handle) {
	err := h.cmd.Wait()

	h.exitErr = err
	close(h.exited)

	if h.stopping() {
		h.log.Debug("Backend exited during shutdown", "error", err)

		return
	}

	// A handle still STARTING is reported by awaitReady instead.
	if !h.markCrashed() {
		return
	}

	h.log.Error("Backend exited unexpectedly", "exit_code", exitCode(err), "stderr", lastLines(h.Stderr(), 5))

	m.mu.Lock()
	onCrash := m.onCrash
	m.mu.Unlock()

	if onCrash != nil {
		onCrash(h, exitCause(h))
	}
}

func (m *Manager) track(h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.handles[h.port] = h
}

func (m *Manager) untrack(h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handles[h.port] == h {
		delete(m.handles, h.port)
	}
}

// portFree reports whether nothing is listening on port already.
func (m *Manager) portFree(port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(m.cfg.BackendHost, strconv.Itoa(port)), probeDialTimeout)
	if err != nil {
		return true
	}

	_ = conn.Close()

	m.log.Warn("Port in backend range is already in use, skipping", "port", port)

	return false
}

func (m *Manager) endpoint(port int) string {
	return "http://" + net.JoinHostPort(m.cfg.BackendHost, strconv.Itoa(port)) + "/mcp"
}

// openReply is the backend's idalib_open result.
type openReply struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Session struct {
		SessionID string `json:"session_id"`
	} `json:"session"`
}

func decodeOpenReply(res *mcp.CallToolResult) (openReply, error) {
	var (
		reply openReply
		raw   []byte
	)

	switch {
	case res.StructuredContent != nil:
		data, err := json.Marshal(res.StructuredContent)
		if err != nil {
			return reply, fmt.Errorf("encode structured reply: %w", err)
		}

		raw = data
	case firstText(res) != "":
		raw = []byte(firstText(res))
	default:
		return reply, fmt.Errorf("empty %s reply", ToolOpen)
	}

	if err := json.Unmarshal(raw, &reply); err != nil {
		return reply, fmt.Errorf("decode %s reply: %w", ToolOpen, err)
	}

	return reply, nil
}

func firstText(res *mcp.CallToolResult) string {
	for _, c := range res.Content {
		if text, ok := c.(*mcp.TextContent); ok {
			return text.Text
		}
	}

	return ""
}

func exitCause(h *Handle) error {
	if err := h.ExitErr(); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrProcessExited, err)
	}

	return errors.ErrProcessExited
}

func exitCode(err error) int {
	if exitErr, ok := stderrors.AsType[*exec.ExitError](err); ok {
		return exitErr.ExitCode()
	}

	if err == nil {
		return 0
	}

	return -1
}

func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}

	return strings.Join(lines, "\n")
}
