// Package fakebackend is a stand-in for idalib-mcp used by tests. It serves
// MCP over streamable HTTP with idalib_open, idalib_close and a handful of
// analysis-like tools.
//
// Tests run it by re-executing their own test binary:
//
//	func TestMain(m *testing.M) {
//		if fakebackend.Requested() {
//			os.Exit(fakebackend.Main(os.Args[1:]))
//		}
//
//		os.Exit(m.Run())
//	}
//
// and pointing the backend command at Command() with Env() appended.
package fakebackend

import (
	"context"
	"flag"
	"fmt"
	"hash/crc32"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Environment variables understood by the fake.
const (
	// EnvVar selects fake backend mode in a re-executed test binary.
	EnvVar = "IDAPROXY_FAKE_BACKEND"
	// EnvExitEarly makes the process exit with status 3 before listening.
	EnvExitEarly = "IDAPROXY_FAKE_EXIT_EARLY"
	// EnvNeverReady makes the process run without ever listening.
	EnvNeverReady = "IDAPROXY_FAKE_NEVER_READY"
	// EnvOpenDelay delays every idalib_open by the given duration.
	EnvOpenDelay = "IDAPROXY_FAKE_OPEN_DELAY"
)

// CorruptMarker in an input path makes idalib_open report failure.
const CorruptMarker = "corrupt"

// Requested reports whether this process was started as a fake backend.
func Requested() bool {
	return os.Getenv(EnvVar) == "1"
}

// Command returns a backend command that re-executes the current binary.
func Command() []string {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}

	return []string{exe, "--host", "{host}", "--port", "{port}"}
}

// Env returns the environment that selects fake backend mode, plus extra.
func Env(extra ...string) []string {
	return append([]string{EnvVar + "=1"}, extra...)
}

// Main runs the fake backend until SIGTERM or SIGINT and returns the exit
// status.
func Main(args []string) int {
	fs := flag.NewFlagSet("fakebackend", flag.ContinueOnError)
	host := fs.String("host", "127.0.0.1", "listen host")
	port := fs.Int("port", 0, "listen port")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if os.Getenv(EnvExitEarly) == "1" {
		log.Error("Exiting early on request")

		return 3
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if os.Getenv(EnvNeverReady) == "1" {
		<-ctx.Done()

		return 0
	}

	var openDelay time.Duration
	if v := os.Getenv(EnvOpenDelay); v != "" {
		openDelay, _ = time.ParseDuration(v)
	}

	b := &backend{port: *port, openDelay: openDelay}

	r := chi.NewRouter()
	r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return b.server()
	}, nil))

	srv := &http.Server{
		Addr:              net.JoinHostPort(*host, strconv.Itoa(*port)),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("Fake backend listening", "addr", srv.Addr)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("Serve failed", "error", err)

		return 1
	}

	return 0
}

type backend struct {
	port      int
	openDelay time.Duration

	once sync.Once
	srv  *mcp.Server

	mu        sync.Mutex
	inputPath string
	sessionID string
}

func (b *backend) server() *mcp.Server {
	b.once.Do(func() {
		b.srv = mcp.NewServer(&mcp.Implementation{Name: "fake-idalib-mcp", Version: "0.0.0"}, nil)

		b.srv.AddTool(&mcp.Tool{
			Name:        "idalib_open",
			Description: "Open a binary",
			InputSchema: objectSchema(map[string]*jsonschema.Schema{
				"input_path":        {Type: "string"},
				"run_auto_analysis": {Type: "boolean"},
			}, "input_path"),
		}, b.open)

		b.srv.AddTool(&mcp.Tool{
			Name:        "idalib_close",
			Description: "Close the open database",
			InputSchema: objectSchema(map[string]*jsonschema.Schema{
				"session_id": {Type: "string"},
			}, "session_id"),
		}, b.close)

		b.srv.AddTool(&mcp.Tool{
			Name:        "idalib_list",
			Description: "Backend-local session list, shadowed by the proxy",
			InputSchema: objectSchema(nil),
		}, b.metadata)

		b.srv.AddTool(&mcp.Tool{
			Name:        "get_metadata",
			Description: "Describe the opened binary",
			InputSchema: objectSchema(nil),
		}, b.metadata)

		b.srv.AddTool(&mcp.Tool{
			Name:        "echo",
			Description: "Return the received arguments",
			InputSchema: objectSchema(map[string]*jsonschema.Schema{
				"text": {Type: "string"},
			}),
		}, b.echo)

		b.srv.AddTool(&mcp.Tool{
			Name:        "sleep",
			Description: "Sleep for the given number of milliseconds",
			InputSchema: objectSchema(map[string]*jsonschema.Schema{
				"ms": {Type: "integer"},
			}, "ms"),
		}, b.sleep)

		b.srv.AddTool(&mcp.Tool{
			Name:        "crash",
			Description: "Exit the process immediately",
			InputSchema: objectSchema(nil),
		}, func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			os.Exit(7)

			return nil, nil
		})
	})

	return b.srv
}

func (b *backend) open(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		InputPath string `json:"input_path"`
	}

	if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
		return errorResult(err.Error()), nil
	}

	if b.openDelay > 0 {
		time.Sleep(b.openDelay)
	}

	if strings.Contains(args.InputPath, CorruptMarker) {
		return jsonResult(map[string]any{
			"success": false,
			"error":   "failed to open database: " + args.InputPath,
		}), nil
	}

	sessionID := fmt.Sprintf("%05x", crc32.ChecksumIEEE([]byte(args.InputPath))&0xfffff)

	b.mu.Lock()
	b.inputPath = args.InputPath
	b.sessionID = sessionID
	b.mu.Unlock()

	return jsonResult(map[string]any{
		"success": true,
		"session": map[string]any{
			"session_id":  sessionID,
			"input_path":  args.InputPath,
			"binary_name": args.InputPath[strings.LastIndexAny(args.InputPath, `/\`)+1:],
		},
	}), nil
}

func (b *backend) close(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	b.mu.Lock()
	b.inputPath = ""
	b.sessionID = ""
	b.mu.Unlock()

	return jsonResult(map[string]any{"success": true}), nil
}

func (b *backend) metadata(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return jsonResult(map[string]any{
		"input_path": b.inputPath,
		"session_id": b.sessionID,
		"port":       b.port,
		"pid":        os.Getpid(),
	}), nil
}

func (b *backend) echo(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := map[string]any{}
	if len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			return errorResult(err.Error()), nil
		}
	}

	return jsonResult(map[string]any{"arguments": args, "port": b.port}), nil
}

func (b *backend) sleep(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		MS int `json:"ms"`
	}

	if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
		return errorResult(err.Error()), nil
	}

	select {
	case <-time.After(time.Duration(args.MS) * time.Millisecond):
		return jsonResult(map[string]any{"slept_ms": args.MS, "port": b.port}), nil
	case <-ctx.Done():
		return errorResult("cancelled"), nil
	}
}

func objectSchema(props map[string]*jsonschema.Schema, required ...string) *jsonschema.Schema {
	if props == nil {
		props = map[string]*jsonschema.Schema{}
	}

	return &jsonschema.Schema{Type: "object", Properties: props, Required: required}
}

func jsonResult(v any) *mcp.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return errorResult(err.Error())
	}

	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(data)}}}
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: msg}}, IsError: true}
}
