package idaproxy

import "github.com/wagiedev/ida-proxy-mcp/internal/errors"

// Re-export error types from internal package

// ProxyError is implemented by every classified proxy error.
type ProxyError = errors.ProxyError

// ErrorKind classifies a proxy error for clients.
type ErrorKind = errors.Kind

// SpawnTimeoutError indicates a backend did not become ready in time.
type SpawnTimeoutError = errors.SpawnTimeoutError

// SpawnError indicates a backend process could not be started or exited
// before becoming ready.
type SpawnError = errors.SpawnError

// BackendOpenError indicates the backend could not open the binary.
type BackendOpenError = errors.BackendOpenError

// ResourceExhaustedError indicates no backend port is free.
type ResourceExhaustedError = errors.ResourceExhaustedError

// PoolExhaustedError indicates every backend slot is busy.
type PoolExhaustedError = errors.PoolExhaustedError

// SessionNotFoundError indicates a session id that is not live.
type SessionNotFoundError = errors.SessionNotFoundError

// NoActiveSessionError indicates a call named no session and none is current.
type NoActiveSessionError = errors.NoActiveSessionError

// BackendUnreachableError indicates the backend could not be reached.
type BackendUnreachableError = errors.BackendUnreachableError

// BackendTimeoutError indicates the backend did not answer in time.
type BackendTimeoutError = errors.BackendTimeoutError

// BackendCrashedError indicates the backend died and its session is gone.
type BackendCrashedError = errors.BackendCrashedError

// InvalidArgumentError indicates malformed tool arguments.
type InvalidArgumentError = errors.InvalidArgumentError

// BackendNotFoundError indicates the backend executable was not found.
type BackendNotFoundError = errors.BackendNotFoundError

// Re-export sentinel errors from internal package.
var (
	// ErrServerClosed indicates the proxy has been shut down.
	ErrServerClosed = errors.ErrServerClosed

	// ErrProcessExited indicates a backend process is no longer running.
	ErrProcessExited = errors.ErrProcessExited
)

// KindOf returns the kind of err, or the internal kind for unclassified
// errors.
func KindOf(err error) ErrorKind {
	return errors.KindOf(err)
}
