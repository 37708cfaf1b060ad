package idaproxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wagiedev/ida-proxy-mcp/internal/testutil/metrictest"
)

func TestApplyOptions_Defaults(t *testing.T) {
	options := applyOptions(nil)

	require.NotNil(t, options.Logger)
	require.Equal(t, DefaultConfig(), options.Config)
}

func TestApplyOptions_FieldOptionsOverrideConfig(t *testing.T) {
	base := DefaultConfig()
	base.MaxProcesses = 8

	options := applyOptions([]Option{
		WithMaxProcesses(3),
		WithConfig(base),
		WithPort(9000),
		WithBasePort(9100),
		WithRequestTimeout(45 * time.Second),
		WithBackendCommand("idalib-mcp", "--port", "{port}"),
		WithReuseSessions(false),
		WithDiscoverTools(false),
		WithTransport(TransportStdio),
		WithHost("0.0.0.0"),
	})

	cfg := options.Config
	require.Same(t, base, cfg)
	require.Equal(t, 3, cfg.MaxProcesses)
	require.Equal(t, 9000, cfg.Port)
	require.Equal(t, 9100, cfg.BasePort)
	require.Equal(t, Duration(45*time.Second), cfg.RequestTimeout)
	require.Equal(t, []string{"idalib-mcp", "--port", "{port}"}, cfg.BackendCommand)
	require.False(t, cfg.ReuseSessions)
	require.False(t, cfg.DiscoverTools)
	require.Equal(t, TransportStdio, cfg.Transport)
	require.Equal(t, "0.0.0.0", cfg.Host)
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(WithMaxProcesses(0))
	require.Error(t, err)
	require.Contains(t, err.Error(), "max_processes")
}

func TestListenAndServe_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	require.ErrorIs(t, ListenAndServe(ctx), context.Canceled)
}

func TestProxy_HandlerAndSessions(t *testing.T) {
	p, err := New(WithDiscoverTools(false))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, p.Close(context.Background()))
	})

	require.Empty(t, p.Sessions())
	require.Equal(t, 2, p.Config().MaxProcesses)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"sessions":[],"count":0,"current_session_id":null}`, rec.Body.String())
}

func TestProxy_WithMeterProviderRecordsCalls(t *testing.T) {
	reader := metrictest.New(t)

	p, err := New(WithDiscoverTools(false), WithMeterProvider(reader.Provider))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, p.Close(context.Background()))
	})

	ts := httptest.NewServer(p.Handler())
	t.Cleanup(ts.Close)

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "0.0.1"}, nil)

	cs, err := client.Connect(t.Context(), &mcp.StreamableClientTransport{Endpoint: ts.URL + "/mcp"}, nil)
	require.NoError(t, err)

	t.Cleanup(func() { _ = cs.Close() })

	res, err := cs.CallTool(t.Context(), &mcp.CallToolParams{Name: "idalib_list", Arguments: map[string]any{}})
	require.NoError(t, err)
	require.False(t, res.IsError)

	res, err = cs.CallTool(t.Context(), &mcp.CallToolParams{Name: "idalib_current", Arguments: map[string]any{}})
	require.NoError(t, err)
	require.True(t, res.IsError)

	require.EqualValues(t, 1, reader.Sum(t, "idaproxy.calls",
		attribute.String("tool", "idalib_list"),
		attribute.String("outcome", "ok"),
	))
	require.EqualValues(t, 1, reader.Sum(t, "idaproxy.calls",
		attribute.String("tool", "idalib_current"),
		attribute.String("outcome", "no_active_session"),
	))
}
