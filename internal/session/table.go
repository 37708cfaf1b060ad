package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/wagiedev/ida-proxy-mcp/internal/errors"
	"github.com/wagiedev/ida-proxy-mcp/internal/metrics"
)

// Options configures a Table.
type Options struct {
	// MaxProcesses bounds the number of live sessions, counting opens in
	// progress.
	MaxProcesses int

	// PoolWait caps how long Open waits for a busy session to go idle when
	// the pool is full. Zero fails immediately.
	PoolWait time.Duration

	// ReuseSessions makes Open return the live session for a binary that is
	// already open instead of starting another backend.
	ReuseSessions bool

	// Metrics records pool activity. Nil records nothing.
	Metrics *metrics.Pool
}

// Table maps session ids to backend processes and bounds the pool with LRU
// eviction. Structural changes happen under one mutex; spawning, forwarding
// and terminating happen outside it.
type Table struct {
	log      *slog.Logger
	launcher Launcher
	metrics  *metrics.Pool
	max      int
	poolWait time.Duration
	reuse    bool

	mu       sync.Mutex
	sessions map[string]*entry
	byPath   map[string]string
	opening  map[string]chan struct{}
	retired  map[string]struct{}
	current  string
	clock    uint64

	// crashed remembers sessions lost to a backend crash so later calls
	// naming them report the crash rather than an unknown id.
	crashed map[string]crashRecord
	// lostCurrent is the crashed session that was current, until another
	// session becomes current.
	lostCurrent string

	// reserving counts opens in progress; they hold capacity.
	reserving int

	// changed is closed and replaced whenever capacity may have freed up.
	changed chan struct{}
	closed  bool
}

// NewTable creates an empty session table.
func NewTable(log *slog.Logger, launcher Launcher, opts Options) *Table {
	if opts.MaxProcesses < 1 {
		opts.MaxProcesses = 1
	}

	return &Table{
		log:      log.With("component", "session_table"),
		launcher: launcher,
		metrics:  opts.Metrics,
		max:      opts.MaxProcesses,
		poolWait: opts.PoolWait,
		reuse:    opts.ReuseSessions,
		sessions: make(map[string]*entry, opts.MaxProcesses),
		byPath:   make(map[string]string, opts.MaxProcesses),
		opening:  make(map[string]chan struct{}),
		retired:  make(map[string]struct{}),
		crashed:  make(map[string]crashRecord),
		changed:  make(chan struct{}),
	}
}

// Open starts a backend for inputPath and makes the new session current.
//
// When the pool is full the least recently used idle session is evicted
// first. When every session is busy Open waits up to the pool wait for one
// to go idle, then fails with PoolExhaustedError. On any failure nothing is
// inserted and the reserved capacity is returned.
func (t *Table) Open(ctx context.Context, inputPath string, runAutoAnalysis bool) (Summary, error) {
	abs, err := filepath.Abs(inputPath)
	if err != nil {
		return Summary{}, &errors.BackendOpenError{InputPath: inputPath, Err: err}
	}

	info, err := os.Stat(abs)
	if err != nil {
		return Summary{}, &errors.BackendOpenError{InputPath: inputPath, Err: err}
	}

	if info.IsDir() {
		return Summary{}, &errors.BackendOpenError{InputPath: inputPath, Cause: "is a directory"}
	}

	victim, done, summary, reused, err := t.reserve(ctx, abs)
	if err != nil || reused {
		return summary, err
	}

	if victim != nil {
		t.evict(ctx, victim)
	}

	proc, suffix, err := t.launcher.Launch(ctx, abs, runAutoAnalysis)
	if err != nil {
		t.unreserve(abs, done)
		t.log.Error("Failed to open session", "input_path", abs, "error", err)

		return Summary{}, err
	}

	t.mu.Lock()

	if t.closed {
		t.mu.Unlock()
		t.unreserve(abs, done)

		if termErr := t.launcher.Terminate(context.WithoutCancel(ctx), proc, false); termErr != nil {
			t.log.Warn("Failed to stop backend opened during shutdown", "error", termErr)
		}

		return Summary{}, errors.ErrServerClosed
	}

	e := &entry{
		id:         t.uniqueIDLocked(filepath.Base(abs) + "-" + suffix),
		inputPath:  abs,
		binaryName: filepath.Base(abs),
		suffix:     suffix,
		proc:       proc,
		createdAt:  time.Now(),
		state:      StateReady,
		sem:        semaphore.NewWeighted(1),
	}

	t.touchLocked(e)
	t.sessions[e.id] = e
	t.setCurrentLocked(e.id)

	if t.reuse {
		t.byPath[abs] = e.id
	}

	t.reserving--
	t.finishOpeningLocked(abs, done)
	t.notifyLocked()

	summary = e.summary(t.current)

	t.mu.Unlock()

	t.metrics.SessionOpened(ctx)
	t.log.Info("Session opened", "session", e.id, "input_path", abs, "port", proc.Port())

	return summary, nil
}

// reserve claims capacity for an open of abs. It returns the entry evicted to
// make room, if any, or the existing session when abs is already open and
// sessions are reused.
func (t *Table) reserve(ctx context.Context, abs string) (victim *entry, done chan struct{}, existing Summary, reused bool, err error) {
	var deadline time.Time

	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		if t.closed {
			return nil, nil, Summary{}, false, errors.ErrServerClosed
		}

		if t.reuse {
			if id, ok := t.byPath[abs]; ok {
				e := t.sessions[id]
				t.touchLocked(e)
				t.setCurrentLocked(id)

				t.log.Info("Binary already open, reusing session", "session", id)

				return nil, nil, e.summary(t.current), true, nil
			}

			if wait, ok := t.opening[abs]; ok {
				if err := t.waitLocked(ctx, wait, time.Time{}); err != nil {
					return nil, nil, Summary{}, false, err
				}

				continue
			}
		}

		if len(t.sessions)+t.reserving < t.max {
			break
		}

		if victim = t.lruIdleLocked(); victim != nil {
			t.removeLocked(victim, StateClosing)

			break
		}

		if deadline.IsZero() {
			deadline = time.Now().Add(t.poolWait)
		}

		if !time.Now().Before(deadline) {
			return nil, nil, Summary{}, false, &errors.PoolExhaustedError{
				MaxProcesses: t.max,
				Busy:         len(t.sessions) + t.reserving,
				Waited:       t.poolWait,
			}
		}

		if err := t.waitLocked(ctx, t.changed, deadline); err != nil {
			return nil, nil, Summary{}, false, err
		}
	}

	t.reserving++

	if t.reuse {
		done = make(chan struct{})
		t.opening[abs] = done
	}

	return victim, done, Summary{}, false, nil
}

// waitLocked releases the mutex until ch is closed, the deadline passes or
// ctx is done. A zero deadline waits without a timer.
func (t *Table) waitLocked(ctx context.Context, ch <-chan struct{}, deadline time.Time) error {
	t.mu.Unlock()
	defer t.mu.Lock()

	var timeout <-chan time.Time

	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()

		timeout = timer.C
	}

	select {
	case <-ch:
	case <-timeout:
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

func (t *Table) unreserve(abs string, done chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.reserving--
	t.finishOpeningLocked(abs, done)
	t.notifyLocked()
}

func (t *Table) finishOpeningLocked(abs string, done chan struct{}) {
	if done == nil {
		return
	}

	if t.opening[abs] == done {
		delete(t.opening, abs)
	}

	close(done)
}

func (t *Table) evict(ctx context.Context, victim *entry) {
	t.log.Info("Evicting least recently used session", "session", victim.id, "port", victim.proc.Port())

	if err := t.launcher.Terminate(context.WithoutCancel(ctx), victim.proc, true); err != nil {
		t.log.Warn("Failed to stop evicted backend", "session", victim.id, "error", err)
	}

	t.mu.Lock()
	victim.state = StateClosed
	t.mu.Unlock()

	t.metrics.SessionEvicted(ctx)
}

// Close removes the session, lets already-queued calls finish and then stops
// its backend gracefully. If the session was current, no session is current
// afterwards.
func (t *Table) Close(ctx context.Context, id string) error {
	t.mu.Lock()

	e, ok := t.sessions[id]
	if !ok {
		t.mu.Unlock()

		return &errors.SessionNotFoundError{SessionID: id}
	}

	t.removeLocked(e, StateClosing)
	t.mu.Unlock()

	t.log.Info("Closing session", "session", id)

	graceful := true

	// Queued calls were admitted before the close and run first.
	if err := e.sem.Acquire(ctx, 1); err != nil {
		t.log.Warn("Gave up waiting for queued calls, stopping backend", "session", id, "error", err)

		graceful = false
	} else {
		defer e.sem.Release(1)
	}

	err := t.launcher.Terminate(context.WithoutCancel(ctx), e.proc, graceful)

	t.mu.Lock()
	e.state = StateClosed
	t.mu.Unlock()

	t.metrics.SessionClosed(ctx)

	if err != nil {
		return fmt.Errorf("stop backend for session %s: %w", id, err)
	}

	return nil
}

// Switch makes id the current session. Switching counts as a use.
func (t *Table) Switch(id string) (Summary, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.sessions[id]
	if !ok {
		return Summary{}, &errors.SessionNotFoundError{SessionID: id}
	}

	t.setCurrentLocked(id)
	t.touchLocked(e)

	return e.summary(t.current), nil
}

// List returns every live session, most recently used first.
func (t *Table) List() []Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := make([]*entry, 0, len(t.sessions))
	for _, e := range t.sessions {
		entries = append(entries, e)
	}

	slices.SortFunc(entries, func(a, b *entry) int {
		switch {
		case a == b:
			return 0
		case b.evictsBefore(a):
			return -1
		default:
			return 1
		}
	})

	out := make([]Summary, len(entries))
	for i, e := range entries {
		out[i] = e.summary(t.current)
	}

	return out
}

// Current returns the current session, if any.
func (t *Table) Current() (Summary, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.sessions[t.current]
	if !ok {
		return Summary{}, false
	}

	return e.summary(t.current), true
}

// Get returns the session with the given id.
func (t *Table) Get(id string) (Summary, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.sessions[id]
	if !ok {
		return Summary{}, false
	}

	return e.summary(t.current), true
}

// Touch marks id most recently used without changing the current session.
func (t *Table) Touch(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.sessions[id]; ok {
		t.touchLocked(e)
	}
}

// Len returns the number of live sessions.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.sessions)
}

// Acquire resolves id, or the current session when id is empty, and waits in
// arrival order for exclusive use of its process. The session cannot be
// evicted while the lease is held or queued.
func (t *Table) Acquire(ctx context.Context, id, tool string) (*Lease, error) {
	t.mu.Lock()

	if id == "" {
		id = t.current
		if id == "" {
			lostID := t.lostCurrent
			lost, ok := t.crashed[lostID]
			t.mu.Unlock()

			if ok {
				return nil, lost.err(lostID, tool)
			}

			return nil, &errors.NoActiveSessionError{Tool: tool}
		}
	}

	e, ok := t.sessions[id]
	if !ok {
		lost, crashed := t.crashed[id]
		t.mu.Unlock()

		if crashed {
			return nil, lost.err(id, tool)
		}

		return nil, &errors.SessionNotFoundError{SessionID: id, Tool: tool}
	}

	e.pending++
	t.mu.Unlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		t.releasePending(e, false)

		return nil, err
	}

	t.mu.Lock()
	state, crashErr := e.state, e.crashErr
	if state == StateReady {
		e.state = StateBusy
	}
	t.mu.Unlock()

	if state == StateClosed {
		e.sem.Release(1)
		t.releasePending(e, false)

		if crashErr != nil {
			return nil, &errors.BackendCrashedError{SessionID: id, Tool: tool, Port: e.proc.Port(), Err: crashErr}
		}

		return nil, &errors.SessionNotFoundError{SessionID: id, Tool: tool}
	}

	return &Lease{table: t, entry: e}, nil
}

// releasePending drops one pending call. ran reports whether the call held
// the process, in which case the session is idle again until the next
// queued call takes it.
func (t *Table) releasePending(e *entry, ran bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e.pending--
	if ran && e.state == StateBusy {
		e.state = StateReady
	}

	t.notifyLocked()
}

// Invalidate drops a session whose backend died and force-stops the process.
// It reports whether the session was still live.
func (t *Table) Invalidate(ctx context.Context, id string, cause error) bool {
	t.mu.Lock()

	e, ok := t.sessions[id]
	if !ok {
		t.mu.Unlock()

		return false
	}

	e.crashErr = cause
	t.crashed[id] = crashRecord{port: e.proc.Port(), cause: cause}

	if t.current == id {
		t.lostCurrent = id
	}

	t.removeLocked(e, StateClosed)
	t.mu.Unlock()

	t.log.Error("Session lost to backend crash", "session", id, "port", e.proc.Port(), "error", cause)
	t.metrics.SessionCrashed(ctx)

	if err := t.launcher.Terminate(context.WithoutCancel(ctx), e.proc, false); err != nil {
		t.log.Warn("Failed to reap crashed backend", "session", id, "error", err)
	}

	return true
}

// InvalidateProcess invalidates the session bound to p, if any.
func (t *Table) InvalidateProcess(ctx context.Context, p Process, cause error) bool {
	t.mu.Lock()

	var id string

	for _, e := range t.sessions {
		if e.proc == p {
			id = e.id

			break
		}
	}

	t.mu.Unlock()

	if id == "" {
		return false
	}

	return t.Invalidate(ctx, id, cause)
}

// CloseAll closes every session concurrently and refuses further opens.
func (t *Table) CloseAll(ctx context.Context) error {
	t.mu.Lock()

	t.closed = true

	entries := make([]*entry, 0, len(t.sessions))
	for _, e := range t.sessions {
		entries = append(entries, e)
	}

	t.mu.Unlock()

	if len(entries) == 0 {
		return nil
	}

	t.log.Info("Closing all sessions", "count", len(entries))

	var g errgroup.Group

	for _, e := range entries {
		g.Go(func() error {
			err := t.Close(ctx, e.id)
			if _, notFound := stderrors.AsType[*errors.SessionNotFoundError](err); notFound {
				return nil
			}

			return err
		})
	}

	return g.Wait()
}

func (t *Table) setCurrentLocked(id string) {
	t.current = id
	t.lostCurrent = ""
}

func (t *Table) touchLocked(e *entry) {
	t.clock++
	e.usedSeq = t.clock
	e.lastUsedAt = time.Now()
}

// lruIdleLocked returns the least recently used session with no pending
// calls, or nil when every session is busy.
func (t *Table) lruIdleLocked() *entry {
	var lru *entry

	for _, e := range t.sessions {
		if e.pending > 0 || e.state != StateReady {
			continue
		}

		if lru == nil || e.evictsBefore(lru) {
			lru = e
		}
	}

	return lru
}

func (t *Table) removeLocked(e *entry, state State) {
	delete(t.sessions, e.id)

	if t.byPath[e.inputPath] == e.id {
		delete(t.byPath, e.inputPath)
	}

	if t.current == e.id {
		t.current = ""
	}

	t.retired[e.id] = struct{}{}
	e.state = state

	t.notifyLocked()
}

// uniqueIDLocked returns base, or base-2, base-3, ... when base is taken by
// a live or retired session.
func (t *Table) uniqueIDLocked(base string) string {
	taken := func(id string) bool {
		_, live := t.sessions[id]
		_, retired := t.retired[id]

		return live || retired
	}

	if !taken(base) {
		return base
	}

	for n := 2; ; n++ {
		if id := base + "-" + strconv.Itoa(n); !taken(id) {
			return id
		}
	}
}

func (t *Table) notifyLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}
