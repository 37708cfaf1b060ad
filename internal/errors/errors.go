package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies proxy errors.
type Kind string

const (
	KindSpawnTimeout       Kind = "spawn_timeout"
	KindSpawnFailed        Kind = "spawn_failed"
	KindBackendOpen        Kind = "backend_open_error"
	KindResourceExhausted  Kind = "resource_exhausted"
	KindPoolExhausted      Kind = "pool_exhausted"
	KindSessionNotFound    Kind = "session_not_found"
	KindNoActiveSession    Kind = "no_active_session"
	KindBackendUnreachable Kind = "backend_unreachable"
	KindBackendTimeout     Kind = "backend_timeout"
	KindBackendCrashed     Kind = "backend_crashed"
	KindInvalidArgument    Kind = "invalid_argument"
	KindBackendNotFound    Kind = "backend_not_found"
	KindInternal           Kind = "internal"
)

// ProxyError is the base interface for all proxy errors.
type ProxyError interface {
	error
	Kind() Kind
}

// Compile-time verification that all error types implement ProxyError.
var (
	_ ProxyError = (*SpawnTimeoutError)(nil)
	_ ProxyError = (*SpawnError)(nil)
	_ ProxyError = (*BackendOpenError)(nil)
	_ ProxyError = (*ResourceExhaustedError)(nil)
	_ ProxyError = (*PoolExhaustedError)(nil)
	_ ProxyError = (*SessionNotFoundError)(nil)
	_ ProxyError = (*NoActiveSessionError)(nil)
	_ ProxyError = (*BackendUnreachableError)(nil)
	_ ProxyError = (*BackendTimeoutError)(nil)
	_ ProxyError = (*BackendCrashedError)(nil)
	_ ProxyError = (*InvalidArgumentError)(nil)
	_ ProxyError = (*BackendNotFoundError)(nil)
)

// Sentinel errors for commonly checked conditions.
var (
	// ErrServerClosed indicates the proxy has been shut down.
	ErrServerClosed = errors.New("proxy server closed")

	// ErrProcessExited indicates the backend process is no longer running.
	ErrProcessExited = errors.New("backend process exited")

	// ErrNotConnected indicates the backend handle has no MCP session.
	ErrNotConnected = errors.New("backend not connected")
)

// KindOf returns the Kind of err, or KindInternal when err is not a ProxyError.
func KindOf(err error) Kind {
	if pe, ok := errors.AsType[ProxyError](err); ok {
		return pe.Kind()
	}

	return KindInternal
}

// SpawnTimeoutError indicates a backend did not become ready in time.
type SpawnTimeoutError struct {
	Port    int
	Timeout time.Duration
	Err     error
}

func (e *SpawnTimeoutError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backend on port %d not ready within %s: %v", e.Port, e.Timeout, e.Err)
	}

	return fmt.Sprintf("backend on port %d not ready within %s", e.Port, e.Timeout)
}

func (e *SpawnTimeoutError) Unwrap() error { return e.Err }

// Kind implements ProxyError.
func (e *SpawnTimeoutError) Kind() Kind { return KindSpawnTimeout }

// SpawnError indicates the backend process could not be started or exited
// before becoming ready.
type SpawnError struct {
	Port     int
	ExitCode int
	Stderr   string
	Err      error
}

func (e *SpawnError) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "start backend on port %d", e.Port)

	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}

	if e.Stderr != "" {
		fmt.Fprintf(&b, " (stderr: %s)", e.Stderr)
	}

	return b.String()
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Kind implements ProxyError.
func (e *SpawnError) Kind() Kind { return KindSpawnFailed }

// BackendOpenError indicates the backend refused to open the input file.
// Cause carries the backend-reported reason verbatim.
type BackendOpenError struct {
	InputPath string
	Cause     string
	Err       error
}

func (e *BackendOpenError) Error() string {
	switch {
	case e.Cause != "":
		return fmt.Sprintf("open %s: %s", e.InputPath, e.Cause)
	case e.Err != nil:
		return fmt.Sprintf("open %s: %v", e.InputPath, e.Err)
	default:
		return fmt.Sprintf("open %s: backend reported failure", e.InputPath)
	}
}

func (e *BackendOpenError) Unwrap() error { return e.Err }

// Kind implements ProxyError.
func (e *BackendOpenError) Kind() Kind { return KindBackendOpen }

// ResourceExhaustedError indicates the port range has no free port.
type ResourceExhaustedError struct {
	BasePort int
	Size     int
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("no free port in [%d, %d)", e.BasePort, e.BasePort+e.Size)
}

// Kind implements ProxyError.
func (e *ResourceExhaustedError) Kind() Kind { return KindResourceExhausted }

// PoolExhaustedError indicates every pooled backend is busy and none can be
// evicted to make room for a new session.
type PoolExhaustedError struct {
	MaxProcesses int
	Busy         int
	Waited       time.Duration
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("all %d backend processes busy (%d in use) after waiting %s",
		e.MaxProcesses, e.Busy, e.Waited)
}

// Kind implements ProxyError.
func (e *PoolExhaustedError) Kind() Kind { return KindPoolExhausted }

// SessionNotFoundError indicates the session id is unknown or retired.
type SessionNotFoundError struct {
	SessionID string
	Tool      string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("session not found: %s", e.SessionID)
}

// Kind implements ProxyError.
func (e *SessionNotFoundError) Kind() Kind { return KindSessionNotFound }

// NoActiveSessionError indicates a call omitted the session and there is no
// current session to default to.
type NoActiveSessionError struct {
	Tool string
}

func (e *NoActiveSessionError) Error() string {
	return "no active session: use idalib_open to open a binary or idalib_switch to select one"
}

// Kind implements ProxyError.
func (e *NoActiveSessionError) Kind() Kind { return KindNoActiveSession }

// BackendUnreachableError indicates the backend refused or reset the connection.
type BackendUnreachableError struct {
	SessionID string
	Tool      string
	Port      int
	Err       error
}

func (e *BackendUnreachableError) Error() string {
	return fmt.Sprintf("backend for session %s (port %d) unreachable: %v", e.SessionID, e.Port, e.Err)
}

func (e *BackendUnreachableError) Unwrap() error { return e.Err }

// Kind implements ProxyError.
func (e *BackendUnreachableError) Kind() Kind { return KindBackendUnreachable }

// BackendTimeoutError indicates the backend did not answer within the request timeout.
type BackendTimeoutError struct {
	SessionID string
	Tool      string
	Timeout   time.Duration
	Err       error
}

func (e *BackendTimeoutError) Error() string {
	return fmt.Sprintf("backend for session %s did not answer %s within %s", e.SessionID, e.Tool, e.Timeout)
}

func (e *BackendTimeoutError) Unwrap() error { return e.Err }

// Kind implements ProxyError.
func (e *BackendTimeoutError) Kind() Kind { return KindBackendTimeout }

// BackendCrashedError indicates the backend process died. The owning session
// has been closed and cannot be recovered.
type BackendCrashedError struct {
	SessionID string
	Tool      string
	Port      int
	Err       error
}

func (e *BackendCrashedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session %s is no longer available (backend crashed): %v", e.SessionID, e.Err)
	}

	return fmt.Sprintf("session %s is no longer available (backend crashed)", e.SessionID)
}

func (e *BackendCrashedError) Unwrap() error { return e.Err }

// Kind implements ProxyError.
func (e *BackendCrashedError) Kind() Kind { return KindBackendCrashed }

// InvalidArgumentError indicates a malformed tool argument.
type InvalidArgumentError struct {
	Tool     string
	Argument string
	Reason   string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("%s: invalid argument %q: %s", e.Tool, e.Argument, e.Reason)
}

// Kind implements ProxyError.
func (e *InvalidArgumentError) Kind() Kind { return KindInvalidArgument }

// BackendNotFoundError indicates the backend executable was not found.
type BackendNotFoundError struct {
	Command       string
	SearchedPaths []string
}

func (e *BackendNotFoundError) Error() string {
	return fmt.Sprintf("backend command %q not found in: %v", e.Command, e.SearchedPaths)
}

// Kind implements ProxyError.
func (e *BackendNotFoundError) Kind() Kind { return KindBackendNotFound }
