package session

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/semaphore"

	"github.com/wagiedev/ida-proxy-mcp/internal/errors"
)

// State is the lifecycle state of a session.
type State string

// A session is busy only while a call holds its process; calls waiting
// their turn leave it ready but still keep it from being evicted.
const (
	StateOpening State = "opening"
	StateReady   State = "ready"
	StateBusy    State = "busy"
	StateClosing State = "closing"
	StateClosed  State = "closed"
)

// Process is the backend process a session is bound to.
type Process interface {
	Port() int
	PID() int
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
	ListTools(ctx context.Context) ([]*mcp.Tool, error)
}

// Launcher creates and destroys backend processes for the table.
type Launcher interface {
	// Launch starts a process with inputPath open and returns it together
	// with the session token the backend assigned.
	Launch(ctx context.Context, inputPath string, runAutoAnalysis bool) (Process, string, error)

	// Terminate stops p and reclaims its port.
	Terminate(ctx context.Context, p Process, graceful bool) error

	// HealthCheck reports whether p can take a call.
	HealthCheck(ctx context.Context, p Process) error
}

// Summary is a read-only view of a session.
type Summary struct {
	SessionID    string    `json:"session_id"`
	BinaryPath   string    `json:"binary_path"`
	BinaryName   string    `json:"binary_name"`
	ProcessPort  int       `json:"process_port"`
	State        State     `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	IsCurrent    bool      `json:"is_current"`
}

// entry is a live session. All fields except sem are guarded by Table.mu.
type entry struct {
	id         string
	inputPath  string
	binaryName string
	suffix     string
	proc       Process
	createdAt  time.Time
	lastUsedAt time.Time

	// usedSeq orders entries by recency; wall clocks can tie or go backwards.
	usedSeq uint64

	state State

	// pending counts leases held or queued; a pending entry is never evicted.
	pending int

	// crashErr is set when the backend died under the session.
	crashErr error

	// sem serializes calls to the process in arrival order.
	sem *semaphore.Weighted
}

// crashRecord is what remains of a session whose backend died.
type crashRecord struct {
	port  int
	cause error
}

func (c crashRecord) err(id, tool string) error {
	return &errors.BackendCrashedError{SessionID: id, Tool: tool, Port: c.port, Err: c.cause}
}

func (e *entry) summary(current string) Summary {
	return Summary{
		SessionID:    e.id,
		BinaryPath:   e.inputPath,
		BinaryName:   e.binaryName,
		ProcessPort:  e.proc.Port(),
		State:        e.state,
		CreatedAt:    e.createdAt,
		LastAccessed: e.lastUsedAt,
		IsCurrent:    e.id == current,
	}
}

// evictsBefore reports whether e is less recently used than o.
func (e *entry) evictsBefore(o *entry) bool {
	if e.usedSeq != o.usedSeq {
		return e.usedSeq < o.usedSeq
	}

	if !e.createdAt.Equal(o.createdAt) {
		return e.createdAt.Before(o.createdAt)
	}

	return e.id < o.id
}
