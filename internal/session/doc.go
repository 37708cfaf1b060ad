// Package session tracks which backend process serves which opened binary.
//
// A Table holds at most MaxProcesses sessions. Opening a binary when the
// table is full evicts the least recently used idle session first; sessions
// with calls in flight or queued are never evicted. Exactly one session may
// be current, and calls that name no session are routed to it.
//
// Calls to one session are serialized in arrival order through a Lease:
//
//	lease, err := table.Acquire(ctx, sessionID, toolName)
//	if err != nil {
//		return err
//	}
//	defer lease.Release()
//
//	res, err := lease.Process().CallTool(ctx, toolName, args)
//	if err == nil {
//		lease.Touch()
//	}
//
// Session ids are "<binary name>-<backend token>", made unique with a -2,
// -3, ... suffix. Ids are never reused, even after the session is gone.
// A session lost to a backend crash keeps reporting BackendCrashedError for
// its id instead of SessionNotFoundError.
package session
