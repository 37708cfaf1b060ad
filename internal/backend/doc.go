// Package backend manages idalib-mcp backend processes.
//
// Each backend is an OS child process that serves MCP over streamable HTTP on
// a loopback port and holds at most one opened binary. The package provides
// two main capabilities:
//
// # Process Lifecycle
//
// The Manager spawns backends in their own process group, polls them with an
// MCP initialize until they answer, and terminates them (gracefully or by
// force), always returning the port to the allocator:
//
//	mgr := backend.NewManager(log, cfg, nil, nil)
//	h, err := mgr.Launch(ctx, "/samples/crackme.elf", true)
//	...
//	err = mgr.Terminate(ctx, h, true)
//
// Handle status moves STARTING → RUNNING → STOPPING → STOPPED, or to CRASHED
// when the process dies on its own. A waiter goroutine per process reports
// unexpected exits through the OnCrash callback.
//
// # Forwarding
//
// Handle.CallTool forwards a tool call over the handle's MCP client session.
// Handle.ListTools and Manager.DiscoverTools expose the backend's tool list.
package backend
