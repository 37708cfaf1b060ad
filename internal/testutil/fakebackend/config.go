package fakebackend

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wagiedev/ida-proxy-mcp/internal/config"
)

// Config returns a proxy config whose backends are fake backends on free
// loopback ports, with timeouts tightened for tests.
func Config(t testing.TB, extraEnv ...string) *config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.Port = FreePort(t)
	cfg.BasePort = FreePort(t)
	cfg.PortRange = 8
	cfg.BackendCommand = Command()
	cfg.BackendEnv = Env(extraEnv...)
	cfg.RequestTimeout = config.Duration(5 * time.Second)
	cfg.SpawnTimeout = config.Duration(15 * time.Second)
	cfg.ReadinessInterval = config.Duration(50 * time.Millisecond)
	cfg.ShutdownGrace = config.Duration(2 * time.Second)
	cfg.PoolWait = config.Duration(500 * time.Millisecond)
	cfg.DiscoverTools = false

	for cfg.BasePort <= cfg.Port && cfg.Port < cfg.BasePort+cfg.PortSpan() {
		cfg.Port = FreePort(t)
	}

	return cfg
}

// FreePort returns a loopback port that was free a moment ago.
func FreePort(t testing.TB) int {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	return port
}

// Binary writes a placeholder input file named name and returns its path.
func Binary(t testing.TB, name string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("\x7fELF fake"), 0o600))

	return path
}
