package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/wagiedev/ida-proxy-mcp/internal/errors"
)

type fakeProc struct {
	port int
	path string

	mu    sync.Mutex
	calls int
	dead  bool
}

func (p *fakeProc) Port() int { return p.port }
func (p *fakeProc) PID() int  { return 10000 + p.port }

func (p *fakeProc) CallTool(_ context.Context, _ string, _ map[string]any) (*mcp.CallToolResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.dead {
		return nil, stderrors.New("connection refused")
	}

	p.calls++

	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: p.path}}}, nil
}

func (p *fakeProc) ListTools(context.Context) ([]*mcp.Tool, error) { return nil, nil }

func (p *fakeProc) isDead() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.dead
}

type termination struct {
	proc     *fakeProc
	graceful bool
}

type fakeLauncher struct {
	mu         sync.Mutex
	nextPort   int
	launches   int
	live       int
	maxLive    int
	terminated []termination
	fail       error
	suffix     string
	gate       chan struct{}
}

func (l *fakeLauncher) Launch(ctx context.Context, inputPath string, _ bool) (Process, string, error) {
	if l.gate != nil {
		select {
		case <-l.gate:
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.launches++

	if l.fail != nil {
		return nil, "", l.fail
	}

	l.nextPort++
	l.live++
	l.maxLive = max(l.maxLive, l.live)

	suffix := l.suffix
	if suffix == "" {
		suffix = fmt.Sprintf("%05d", l.nextPort)
	}

	return &fakeProc{port: 9000 + l.nextPort, path: inputPath}, suffix, nil
}

func (l *fakeLauncher) Terminate(_ context.Context, p Process, graceful bool) error {
	fp := p.(*fakeProc)

	fp.mu.Lock()
	wasDead := fp.dead
	fp.dead = true
	fp.mu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	if !wasDead {
		l.live--
	}

	l.terminated = append(l.terminated, termination{proc: fp, graceful: graceful})

	return nil
}

func (l *fakeLauncher) HealthCheck(_ context.Context, p Process) error {
	if p.(*fakeProc).isDead() {
		return stderrors.New("process exited")
	}

	return nil
}

func (l *fakeLauncher) terminations() []termination {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]termination(nil), l.terminated...)
}

func (l *fakeLauncher) stats() (launches, live, maxLive int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.launches, l.live, l.maxLive
}

func newTable(t *testing.T, maxProcesses int, opts ...func(*Options)) (*Table, *fakeLauncher) {
	t.Helper()

	o := Options{MaxProcesses: maxProcesses, PoolWait: 100 * time.Millisecond, ReuseSessions: true}
	for _, opt := range opts {
		opt(&o)
	}

	l := &fakeLauncher{}

	return NewTable(slog.Default(), l, o), l
}

func binary(t *testing.T, name string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("bin"), 0o600))

	return path
}

func ids(summaries []Summary) []string {
	out := make([]string, len(summaries))
	for i, s := range summaries {
		out[i] = s.SessionID
	}

	return out
}

func route(t *testing.T, tbl *Table, id string) string {
	t.Helper()

	lease, err := tbl.Acquire(t.Context(), id, "get_metadata")
	require.NoError(t, err)

	defer lease.Release()

	res, err := lease.Process().CallTool(t.Context(), "get_metadata", nil)
	require.NoError(t, err)

	lease.Touch()

	return res.Content[0].(*mcp.TextContent).Text
}

func TestTable_OpenAssignsIDAndCurrent(t *testing.T) {
	tbl, _ := newTable(t, 2)
	path := binary(t, "crackme.elf")

	s, err := tbl.Open(t.Context(), path, true)
	require.NoError(t, err)

	require.Equal(t, "crackme.elf-00001", s.SessionID)
	require.Equal(t, path, s.BinaryPath)
	require.Equal(t, "crackme.elf", s.BinaryName)
	require.Equal(t, 9001, s.ProcessPort)
	require.Equal(t, StateReady, s.State)
	require.True(t, s.IsCurrent)

	cur, ok := tbl.Current()
	require.True(t, ok)
	require.Equal(t, s.SessionID, cur.SessionID)
}

func TestTable_CapacityBound(t *testing.T) {
	tbl, l := newTable(t, 2)

	for _, name := range []string{"a", "b", "c", "d"} {
		_, err := tbl.Open(t.Context(), binary(t, name), true)
		require.NoError(t, err)
		require.LessOrEqual(t, tbl.Len(), 2)
	}

	launches, live, maxLive := l.stats()
	require.Equal(t, 4, launches)
	require.Equal(t, 2, live)
	require.Equal(t, 2, maxLive)
	require.Equal(t, []string{"d-00004", "c-00003"}, ids(tbl.List()))
}

func TestTable_EvictsLeastRecentlyUsedEvenIfCurrent(t *testing.T) {
	tbl, l := newTable(t, 2)

	a, err := tbl.Open(t.Context(), binary(t, "a"), true)
	require.NoError(t, err)
	b, err := tbl.Open(t.Context(), binary(t, "b"), true)
	require.NoError(t, err)

	// Use A explicitly; B stays current but becomes least recently used.
	route(t, tbl, a.SessionID)

	cur, _ := tbl.Current()
	require.Equal(t, b.SessionID, cur.SessionID)

	c, err := tbl.Open(t.Context(), binary(t, "c"), true)
	require.NoError(t, err)

	require.ElementsMatch(t, []string{a.SessionID, c.SessionID}, ids(tbl.List()))

	cur, _ = tbl.Current()
	require.Equal(t, c.SessionID, cur.SessionID)

	terms := l.terminations()
	require.Len(t, terms, 1)
	require.Equal(t, b.ProcessPort, terms[0].proc.Port())
	require.True(t, terms[0].graceful)

	_, err = tbl.Acquire(t.Context(), b.SessionID, "get_metadata")
	require.Equal(t, errors.KindSessionNotFound, errors.KindOf(err))
}

func TestTable_SwitchCountsAsUse(t *testing.T) {
	tbl, l := newTable(t, 2)

	a, err := tbl.Open(t.Context(), binary(t, "a"), true)
	require.NoError(t, err)
	b, err := tbl.Open(t.Context(), binary(t, "b"), true)
	require.NoError(t, err)

	sw, err := tbl.Switch(a.SessionID)
	require.NoError(t, err)
	require.True(t, sw.IsCurrent)

	_, err = tbl.Open(t.Context(), binary(t, "c"), true)
	require.NoError(t, err)

	terms := l.terminations()
	require.Len(t, terms, 1)
	require.Equal(t, b.ProcessPort, terms[0].proc.Port())

	_, err = tbl.Switch("missing-1")
	notFound, ok := stderrors.AsType[*errors.SessionNotFoundError](err)
	require.True(t, ok)
	require.Equal(t, "missing-1", notFound.SessionID)
}

func TestTable_PoolOfOneEvictsCurrent(t *testing.T) {
	tbl, _ := newTable(t, 1)

	a, err := tbl.Open(t.Context(), binary(t, "a"), true)
	require.NoError(t, err)
	b, err := tbl.Open(t.Context(), binary(t, "b"), true)
	require.NoError(t, err)

	require.Equal(t, []string{b.SessionID}, ids(tbl.List()))

	_, ok := tbl.Get(a.SessionID)
	require.False(t, ok)
}

func TestTable_CloseCurrentLeavesNoCurrent(t *testing.T) {
	tbl, l := newTable(t, 2)

	a, err := tbl.Open(t.Context(), binary(t, "a"), true)
	require.NoError(t, err)
	b, err := tbl.Open(t.Context(), binary(t, "b"), true)
	require.NoError(t, err)

	require.NoError(t, tbl.Close(t.Context(), b.SessionID))

	_, ok := tbl.Current()
	require.False(t, ok, "close must not pick a new current session")

	_, err = tbl.Acquire(t.Context(), "", "get_metadata")
	noActive, ok := stderrors.AsType[*errors.NoActiveSessionError](err)
	require.True(t, ok)
	require.Equal(t, "get_metadata", noActive.Tool)

	// A is unaffected.
	require.Equal(t, a.BinaryPath, route(t, tbl, a.SessionID))

	terms := l.terminations()
	require.Len(t, terms, 1)
	require.True(t, terms[0].graceful)

	err = tbl.Close(t.Context(), b.SessionID)
	require.Equal(t, errors.KindSessionNotFound, errors.KindOf(err))
}

func TestTable_RoutesToCurrentByDefault(t *testing.T) {
	tbl, _ := newTable(t, 2)

	a, err := tbl.Open(t.Context(), binary(t, "a"), true)
	require.NoError(t, err)
	b, err := tbl.Open(t.Context(), binary(t, "b"), true)
	require.NoError(t, err)

	require.Equal(t, b.BinaryPath, route(t, tbl, ""))
	require.Equal(t, a.BinaryPath, route(t, tbl, a.SessionID))

	// Routing with an explicit id does not change the current session.
	cur, _ := tbl.Current()
	require.Equal(t, b.SessionID, cur.SessionID)
}

func TestTable_ListIsReadOnly(t *testing.T) {
	tbl, l := newTable(t, 2)

	a, err := tbl.Open(t.Context(), binary(t, "a"), true)
	require.NoError(t, err)
	b, err := tbl.Open(t.Context(), binary(t, "b"), true)
	require.NoError(t, err)

	first := tbl.List()
	second := tbl.List()
	require.Equal(t, first, second)
	require.Equal(t, []string{b.SessionID, a.SessionID}, ids(first))
	require.True(t, first[0].IsCurrent)
	require.False(t, first[1].IsCurrent)

	_, _ = tbl.Current()
	_, _ = tbl.Get(b.SessionID)

	// Listing did not refresh A, so A is still the eviction candidate.
	_, err = tbl.Open(t.Context(), binary(t, "c"), true)
	require.NoError(t, err)

	terms := l.terminations()
	require.Len(t, terms, 1)
	require.Equal(t, a.ProcessPort, terms[0].proc.Port())
}

func TestTable_BusySessionIsNotEvicted(t *testing.T) {
	tbl, l := newTable(t, 1)

	a, err := tbl.Open(t.Context(), binary(t, "a"), true)
	require.NoError(t, err)

	lease, err := tbl.Acquire(t.Context(), a.SessionID, "decompile")
	require.NoError(t, err)

	s, _ := tbl.Get(a.SessionID)
	require.Equal(t, StateBusy, s.State)

	start := time.Now()
	_, err = tbl.Open(t.Context(), binary(t, "b"), true)
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	exhausted, ok := stderrors.AsType[*errors.PoolExhaustedError](err)
	require.True(t, ok, "expected PoolExhaustedError, got %v", err)
	require.Equal(t, 1, exhausted.MaxProcesses)
	require.Empty(t, l.terminations())

	lease.Release()

	s, _ = tbl.Get(a.SessionID)
	require.Equal(t, StateReady, s.State)

	_, err = tbl.Open(t.Context(), binary(t, "b"), true)
	require.NoError(t, err)
	require.Len(t, l.terminations(), 1)
}

func TestTable_BusyLeastRecentlyUsedIsSkipped(t *testing.T) {
	tbl, l := newTable(t, 2)

	a, err := tbl.Open(t.Context(), binary(t, "a"), true)
	require.NoError(t, err)
	b, err := tbl.Open(t.Context(), binary(t, "b"), true)
	require.NoError(t, err)

	require.Equal(t, b.BinaryPath, route(t, tbl, b.SessionID))

	lease, err := tbl.Acquire(t.Context(), a.SessionID, "decompile")
	require.NoError(t, err)

	defer lease.Release()

	c, err := tbl.Open(t.Context(), binary(t, "c"), true)
	require.NoError(t, err)

	terms := l.terminations()
	require.Len(t, terms, 1)
	require.Equal(t, b.ProcessPort, terms[0].proc.Port(), "idle session must be evicted instead of the busy one")

	_, ok := tbl.Get(b.SessionID)
	require.False(t, ok)

	require.ElementsMatch(t, []string{a.SessionID, c.SessionID}, ids(tbl.List()))
	require.Equal(t, a.ProcessPort, lease.Process().Port())
}

func TestTable_StateFollowsCallInFlight(t *testing.T) {
	tbl, _ := newTable(t, 1)

	a, err := tbl.Open(t.Context(), binary(t, "a"), true)
	require.NoError(t, err)

	held, err := tbl.Acquire(t.Context(), a.SessionID, "decompile")
	require.NoError(t, err)

	acquired := make(chan *Lease, 1)

	go func() {
		lease, err := tbl.Acquire(context.Background(), a.SessionID, "get_metadata")
		if err == nil {
			acquired <- lease
		}
	}()

	time.Sleep(20 * time.Millisecond)

	held.Release()

	var queued *Lease
	select {
	case queued = <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("queued call never ran")
	}

	s, _ := tbl.Get(a.SessionID)
	require.Equal(t, StateBusy, s.State)

	queued.Release()

	s, _ = tbl.Get(a.SessionID)
	require.Equal(t, StateReady, s.State)
}

func TestTable_CrashedCurrentIsReported(t *testing.T) {
	tbl, _ := newTable(t, 2)

	a, err := tbl.Open(t.Context(), binary(t, "a"), true)
	require.NoError(t, err)
	b, err := tbl.Open(t.Context(), binary(t, "b"), true)
	require.NoError(t, err)

	cause := stderrors.New("signal: killed")
	require.True(t, tbl.Invalidate(t.Context(), b.SessionID, cause))

	_, ok := tbl.Current()
	require.False(t, ok)

	_, err = tbl.Acquire(t.Context(), "", "get_metadata")
	crashed, ok := stderrors.AsType[*errors.BackendCrashedError](err)
	require.True(t, ok, "expected BackendCrashedError, got %v", err)
	require.Equal(t, b.SessionID, crashed.SessionID)
	require.Equal(t, b.ProcessPort, crashed.Port)
	require.ErrorIs(t, err, cause)

	_, err = tbl.Switch(a.SessionID)
	require.NoError(t, err)
	require.Equal(t, a.BinaryPath, route(t, tbl, ""))

	// The crash stays attached to its id but no longer to default routing.
	require.NoError(t, tbl.Close(t.Context(), a.SessionID))

	_, err = tbl.Acquire(t.Context(), "", "get_metadata")
	require.Equal(t, errors.KindNoActiveSession, errors.KindOf(err))

	_, err = tbl.Acquire(t.Context(), b.SessionID, "get_metadata")
	require.Equal(t, errors.KindBackendCrashed, errors.KindOf(err))
}

func TestTable_OpenWaitsForBusySession(t *testing.T) {
	tbl, _ := newTable(t, 1, func(o *Options) { o.PoolWait = 5 * time.Second })

	a, err := tbl.Open(t.Context(), binary(t, "a"), true)
	require.NoError(t, err)

	lease, err := tbl.Acquire(t.Context(), a.SessionID, "decompile")
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		lease.Release()
	}()

	b, err := tbl.Open(t.Context(), binary(t, "b"), true)
	require.NoError(t, err)
	require.Equal(t, []string{b.SessionID}, ids(tbl.List()))
}

func TestTable_SameSessionCallsAreFIFO(t *testing.T) {
	tbl, _ := newTable(t, 1)

	a, err := tbl.Open(t.Context(), binary(t, "a"), true)
	require.NoError(t, err)

	first, err := tbl.Acquire(t.Context(), a.SessionID, "t0")
	require.NoError(t, err)

	const n = 5

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)

	for i := range n {
		wg.Add(1)

		go func() {
			defer wg.Done()

			lease, err := tbl.Acquire(context.Background(), a.SessionID, "t")
			if err != nil {
				return
			}

			mu.Lock()
			order = append(order, i)
			mu.Unlock()

			lease.Release()
		}()

		// Let goroutine i queue before i+1.
		time.Sleep(20 * time.Millisecond)
	}

	first.Release()
	wg.Wait()

	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestTable_CancelledAcquireDoesNotPinSession(t *testing.T) {
	tbl, _ := newTable(t, 1)

	a, err := tbl.Open(t.Context(), binary(t, "a"), true)
	require.NoError(t, err)

	held, err := tbl.Acquire(t.Context(), a.SessionID, "t")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Millisecond)
	defer cancel()

	_, err = tbl.Acquire(ctx, a.SessionID, "t")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	held.Release()

	// Nothing is pending any more, so A can be evicted.
	_, err = tbl.Open(t.Context(), binary(t, "b"), true)
	require.NoError(t, err)
}

func TestTable_InvalidateIsolatesCrash(t *testing.T) {
	tbl, l := newTable(t, 2)

	a, err := tbl.Open(t.Context(), binary(t, "a"), true)
	require.NoError(t, err)
	b, err := tbl.Open(t.Context(), binary(t, "b"), true)
	require.NoError(t, err)

	require.True(t, tbl.Invalidate(t.Context(), a.SessionID, stderrors.New("exit status 139")))
	require.False(t, tbl.Invalidate(t.Context(), a.SessionID, nil), "second invalidation is a no-op")

	_, err = tbl.Acquire(t.Context(), a.SessionID, "t")
	require.Equal(t, errors.KindBackendCrashed, errors.KindOf(err), "a crashed session is not an unknown one")

	require.Equal(t, b.BinaryPath, route(t, tbl, b.SessionID))
	require.Equal(t, []string{b.SessionID}, ids(tbl.List()))

	terms := l.terminations()
	require.Len(t, terms, 1)
	require.False(t, terms[0].graceful)
	require.Equal(t, a.ProcessPort, terms[0].proc.Port())
}

func TestTable_InvalidateProcess(t *testing.T) {
	tbl, _ := newTable(t, 2)

	a, err := tbl.Open(t.Context(), binary(t, "a"), true)
	require.NoError(t, err)

	lease, err := tbl.Acquire(t.Context(), a.SessionID, "t")
	require.NoError(t, err)

	proc := lease.Process()
	lease.Release()

	require.True(t, tbl.InvalidateProcess(t.Context(), proc, stderrors.New("killed")))
	require.False(t, tbl.InvalidateProcess(t.Context(), proc, nil))
	require.Zero(t, tbl.Len())

	_, ok := tbl.Current()
	require.False(t, ok)
}

func TestTable_QueuedCallSeesCrash(t *testing.T) {
	tbl, _ := newTable(t, 1)

	a, err := tbl.Open(t.Context(), binary(t, "a"), true)
	require.NoError(t, err)

	held, err := tbl.Acquire(t.Context(), a.SessionID, "t")
	require.NoError(t, err)

	errCh := make(chan error, 1)

	go func() {
		lease, err := tbl.Acquire(context.Background(), a.SessionID, "decompile")
		if lease != nil {
			lease.Release()
		}

		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)

	cause := stderrors.New("segfault")
	require.True(t, tbl.Invalidate(t.Context(), a.SessionID, cause))
	held.Release()

	err = <-errCh
	crashed, ok := stderrors.AsType[*errors.BackendCrashedError](err)
	require.True(t, ok, "expected BackendCrashedError, got %v", err)
	require.Equal(t, a.SessionID, crashed.SessionID)
	require.Equal(t, "decompile", crashed.Tool)
	require.ErrorIs(t, err, cause)
}

func TestTable_OpenFailureRestoresCapacity(t *testing.T) {
	tbl, l := newTable(t, 1)

	l.fail = &errors.SpawnTimeoutError{Port: 9001, Timeout: time.Second}

	_, err := tbl.Open(t.Context(), binary(t, "a"), true)
	require.Equal(t, errors.KindSpawnTimeout, errors.KindOf(err))
	require.Zero(t, tbl.Len())

	_, ok := tbl.Current()
	require.False(t, ok)

	l.mu.Lock()
	l.fail = nil
	l.mu.Unlock()

	_, err = tbl.Open(t.Context(), binary(t, "b"), true)
	require.NoError(t, err)
	require.Equal(t, 1, tbl.Len())
}

func TestTable_MissingFileIsRejectedBeforeLaunch(t *testing.T) {
	tbl, l := newTable(t, 1)

	_, err := tbl.Open(t.Context(), filepath.Join(t.TempDir(), "nope.elf"), true)

	openErr, ok := stderrors.AsType[*errors.BackendOpenError](err)
	require.True(t, ok)
	require.ErrorIs(t, openErr, fs.ErrNotExist)

	_, err = tbl.Open(t.Context(), t.TempDir(), true)
	require.Equal(t, errors.KindBackendOpen, errors.KindOf(err))

	launches, _, _ := l.stats()
	require.Zero(t, launches)
}

func TestTable_ReuseReturnsExistingSession(t *testing.T) {
	tbl, l := newTable(t, 2)
	path := binary(t, "a")

	a, err := tbl.Open(t.Context(), path, true)
	require.NoError(t, err)
	b, err := tbl.Open(t.Context(), binary(t, "b"), true)
	require.NoError(t, err)
	require.True(t, b.IsCurrent)

	again, err := tbl.Open(t.Context(), path, true)
	require.NoError(t, err)
	require.Equal(t, a.SessionID, again.SessionID)
	require.True(t, again.IsCurrent)

	launches, _, _ := l.stats()
	require.Equal(t, 2, launches)
}

func TestTable_ConcurrentOpensOfSameBinaryShareSession(t *testing.T) {
	tbl, l := newTable(t, 2)
	l.gate = make(chan struct{})
	path := binary(t, "a")

	results := make(chan Summary, 2)

	for range 2 {
		go func() {
			s, err := tbl.Open(context.Background(), path, true)
			if err == nil {
				results <- s
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(l.gate)

	first, second := <-results, <-results
	require.Equal(t, first.SessionID, second.SessionID)

	launches, _, _ := l.stats()
	require.Equal(t, 1, launches)
}

func TestTable_IDsAreNeverReused(t *testing.T) {
	tbl, l := newTable(t, 3, func(o *Options) { o.ReuseSessions = false })
	l.suffix = "1fd76"
	path := binary(t, "crackme.elf")

	first, err := tbl.Open(t.Context(), path, true)
	require.NoError(t, err)
	require.Equal(t, "crackme.elf-1fd76", first.SessionID)

	second, err := tbl.Open(t.Context(), path, true)
	require.NoError(t, err)
	require.Equal(t, "crackme.elf-1fd76-2", second.SessionID)

	require.NoError(t, tbl.Close(t.Context(), second.SessionID))

	third, err := tbl.Open(t.Context(), path, true)
	require.NoError(t, err)
	require.Equal(t, "crackme.elf-1fd76-3", third.SessionID, "retired id must not come back")
}

func TestTable_CloseWaitsForQueuedCalls(t *testing.T) {
	tbl, l := newTable(t, 1)

	a, err := tbl.Open(t.Context(), binary(t, "a"), true)
	require.NoError(t, err)

	lease, err := tbl.Acquire(t.Context(), a.SessionID, "t")
	require.NoError(t, err)

	closed := make(chan error, 1)

	go func() { closed <- tbl.Close(context.Background(), a.SessionID) }()

	select {
	case <-closed:
		t.Fatal("close finished while a call was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	// New calls can no longer find the session.
	_, err = tbl.Acquire(t.Context(), a.SessionID, "t")
	require.Equal(t, errors.KindSessionNotFound, errors.KindOf(err))
	require.Empty(t, l.terminations())

	lease.Release()
	require.NoError(t, <-closed)

	terms := l.terminations()
	require.Len(t, terms, 1)
	require.True(t, terms[0].graceful)
}

func TestTable_CloseAll(t *testing.T) {
	tbl, l := newTable(t, 3)

	for _, name := range []string{"a", "b", "c"} {
		_, err := tbl.Open(t.Context(), binary(t, name), true)
		require.NoError(t, err)
	}

	require.NoError(t, tbl.CloseAll(t.Context()))
	require.Zero(t, tbl.Len())
	require.Len(t, l.terminations(), 3)

	_, live, _ := l.stats()
	require.Zero(t, live)

	_, err := tbl.Open(t.Context(), binary(t, "d"), true)
	require.ErrorIs(t, err, errors.ErrServerClosed)
}

func TestTable_ConcurrentOpensNeverExceedCapacity(t *testing.T) {
	tbl, l := newTable(t, 2, func(o *Options) { o.PoolWait = 5 * time.Second })

	var wg sync.WaitGroup

	for i := range 10 {
		path := binary(t, fmt.Sprintf("bin%d", i))

		wg.Go(func() {
			_, _ = tbl.Open(context.Background(), path, true)
		})
	}

	wg.Wait()

	_, live, maxLive := l.stats()
	require.LessOrEqual(t, maxLive, 2)
	require.Equal(t, 2, live)
	require.Equal(t, 2, tbl.Len())
}
