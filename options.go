package idaproxy

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/wagiedev/ida-proxy-mcp/internal/config"
)

// Config is the proxy configuration. It is fixed for the lifetime of a
// Proxy.
type Config = config.Config

// Duration is a config duration that decodes from seconds or a duration
// string.
type Duration = config.Duration

// Transports the proxy can serve MCP over.
const (
	TransportHTTP  = config.TransportHTTP
	TransportStdio = config.TransportStdio
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return config.Default()
}

// LoadConfig reads a JSON or YAML config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// Options holds everything needed to build a Proxy.
type Options struct {
	// Logger receives proxy logs. Nil disables logging.
	Logger *slog.Logger

	// Config is the proxy configuration. Nil uses DefaultConfig.
	Config *Config

	// MeterProvider receives pool metrics. Nil uses the global provider.
	MeterProvider metric.MeterProvider

	edits []func(*Config)
}

// Option configures a Proxy using the functional options pattern.
type Option func(*Options)

// applyOptions applies functional options and resolves the final config.
func applyOptions(opts []Option) *Options {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}

	if options.Logger == nil {
		options.Logger = NopLogger()
	}

	if options.Config == nil {
		options.Config = DefaultConfig()
	}

	for _, edit := range options.edits {
		edit(options.Config)
	}

	return options
}

func withEdit(edit func(*Config)) Option {
	return func(o *Options) {
		o.edits = append(o.edits, edit)
	}
}

// ===== Basic Configuration =====

// WithLogger sets the logger.
// If not set, logging is disabled (silent operation).
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithConfig replaces the base configuration. Field options apply on top of
// it regardless of order.
func WithConfig(cfg *Config) Option {
	return func(o *Options) {
		o.Config = cfg
	}
}

// WithMeterProvider records pool metrics (sessions opened, evicted, closed
// and crashed, live backends, routed calls by outcome) on provider.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(o *Options) {
		o.MeterProvider = provider
	}
}

// ===== Listener =====

// WithHost sets the address the proxy listens on.
func WithHost(host string) Option {
	return withEdit(func(c *Config) { c.Host = host })
}

// WithPort sets the port the proxy listens on.
func WithPort(port int) Option {
	return withEdit(func(c *Config) { c.Port = port })
}

// WithTransport selects TransportHTTP or TransportStdio.
func WithTransport(transport string) Option {
	return withEdit(func(c *Config) { c.Transport = transport })
}

// ===== Backend Pool =====

// WithMaxProcesses bounds the number of concurrently open sessions.
func WithMaxProcesses(n int) Option {
	return withEdit(func(c *Config) { c.MaxProcesses = n })
}

// WithBasePort sets the first port handed to backends.
func WithBasePort(port int) Option {
	return withEdit(func(c *Config) { c.BasePort = port })
}

// WithRequestTimeout bounds each forwarded tool call.
func WithRequestTimeout(d time.Duration) Option {
	return withEdit(func(c *Config) { c.RequestTimeout = config.Duration(d) })
}

// WithBackendCommand sets the command that starts one backend. The {host}
// and {port} placeholders are expanded per process.
func WithBackendCommand(args ...string) Option {
	return withEdit(func(c *Config) { c.BackendCommand = append([]string(nil), args...) })
}

// WithReuseSessions controls whether opening an already open binary returns
// its existing session.
func WithReuseSessions(reuse bool) Option {
	return withEdit(func(c *Config) { c.ReuseSessions = reuse })
}

// WithDiscoverTools controls whether backend tools are learned at startup.
func WithDiscoverTools(discover bool) Option {
	return withEdit(func(c *Config) { c.DiscoverTools = discover })
}
