package session

import "sync"

// Lease is exclusive use of one session's process. Release must be called
// exactly once; further calls are no-ops.
type Lease struct {
	table *Table
	entry *entry
	once  sync.Once
}

// SessionID returns the leased session's id.
func (l *Lease) SessionID() string { return l.entry.id }

// Process returns the leased session's backend process.
func (l *Lease) Process() Process { return l.entry.proc }

// Touch records a successful use of the session.
func (l *Lease) Touch() {
	l.table.mu.Lock()
	defer l.table.mu.Unlock()

	if l.table.sessions[l.entry.id] == l.entry {
		l.table.touchLocked(l.entry)
	}
}

// Release gives up exclusive use, admitting the next queued call.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.entry.sem.Release(1)
		l.table.releasePending(l.entry, true)
	})
}
