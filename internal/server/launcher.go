package server

import (
	"context"
	"fmt"

	"github.com/wagiedev/ida-proxy-mcp/internal/backend"
	"github.com/wagiedev/ida-proxy-mcp/internal/session"
)

// Compile-time verification that launcher implements session.Launcher.
var _ session.Launcher = (*launcher)(nil)

// launcher binds the session table to backend processes. The table holds
// *backend.Handle values directly so crash reports can be matched by
// identity.
type launcher struct {
	manager *backend.Manager
}

func (l *launcher) Launch(ctx context.Context, inputPath string, runAutoAnalysis bool) (session.Process, string, error) {
	h, err := l.manager.Launch(ctx, inputPath, runAutoAnalysis)
	if err != nil {
		return nil, "", err
	}

	return h, h.BackendSession(), nil
}

func (l *launcher) Terminate(ctx context.Context, p session.Process, graceful bool) error {
	h, err := handleOf(p)
	if err != nil {
		return err
	}

	return l.manager.Terminate(ctx, h, graceful)
}

func (l *launcher) HealthCheck(ctx context.Context, p session.Process) error {
	h, err := handleOf(p)
	if err != nil {
		return err
	}

	return l.manager.HealthCheck(ctx, h)
}

func handleOf(p session.Process) (*backend.Handle, error) {
	h, ok := p.(*backend.Handle)
	if !ok {
		return nil, fmt.Errorf("unexpected process type %T", p)
	}

	return h, nil
}
