// Package config provides configuration types for the proxy.
//
// A Config is read once at startup and treated as immutable for the lifetime
// of the proxy; changing it requires a restart.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// Name identifies the proxy in MCP implementation info.
	Name = "ida-proxy-mcp"
	// Version is the proxy release version.
	Version = "0.1.0"

	// DefaultHost is the address the proxy listens on.
	DefaultHost = "127.0.0.1"
	// DefaultPort is the proxy's own listening port.
	DefaultPort = 8744
	// DefaultBasePort is the first port handed to backend processes.
	DefaultBasePort = 8745
	// DefaultMaxProcesses bounds the backend pool.
	DefaultMaxProcesses = 2
	// DefaultRequestTimeout bounds every forwarded tool call.
	DefaultRequestTimeout = 30 * time.Second
	// DefaultSpawnTimeout bounds backend readiness polling.
	DefaultSpawnTimeout = 30 * time.Second
	// DefaultReadinessInterval is the delay between readiness probes.
	DefaultReadinessInterval = 500 * time.Millisecond
	// DefaultShutdownGrace is how long a backend gets to exit after SIGTERM.
	DefaultShutdownGrace = 5 * time.Second
	// DefaultPoolWait caps how long an open waits for a busy pool to free up.
	DefaultPoolWait = 2 * time.Second

	// TransportHTTP serves MCP over streamable HTTP.
	TransportHTTP = "http"
	// TransportStdio serves MCP over stdin/stdout.
	TransportStdio = "stdio"
)

// DefaultBackendCommand launches idalib-mcp through uv. {host} and {port}
// are substituted per process.
var DefaultBackendCommand = []string{"uv", "run", "idalib-mcp", "--host", "{host}", "--port", "{port}"}

// Config configures the proxy server and its backend pool.
type Config struct {
	// Host is the address the proxy listens on.
	Host string `json:"host" yaml:"host"`

	// Port is the proxy's own listening port.
	Port int `json:"port" yaml:"port"`

	// MaxProcesses is the maximum number of concurrent backend processes.
	MaxProcesses int `json:"max_processes" yaml:"max_processes"`

	// BasePort is the first port assigned to backend processes.
	BasePort int `json:"base_port" yaml:"base_port"`

	// PortRange is the number of ports reserved for backends starting at
	// BasePort. Values below MaxProcesses are raised to MaxProcesses.
	PortRange int `json:"port_range,omitempty" yaml:"port_range,omitempty"`

	// RequestTimeout bounds each forwarded call, including the backend open.
	RequestTimeout Duration `json:"request_timeout" yaml:"request_timeout"`

	// SpawnTimeout bounds how long a new backend may take to become ready.
	SpawnTimeout Duration `json:"spawn_timeout" yaml:"spawn_timeout"`

	// ReadinessInterval is the delay between readiness probes.
	ReadinessInterval Duration `json:"readiness_interval" yaml:"readiness_interval"`

	// ShutdownGrace is how long a backend gets to exit before it is killed.
	ShutdownGrace Duration `json:"shutdown_grace" yaml:"shutdown_grace"`

	// PoolWait caps how long an open waits for a busy session to go idle
	// when the pool is full.
	PoolWait Duration `json:"pool_wait" yaml:"pool_wait"`

	// HealthPingTimeout enables an MCP ping before each routed call.
	// Zero checks process liveness only.
	HealthPingTimeout Duration `json:"health_ping_timeout,omitempty" yaml:"health_ping_timeout,omitempty"`

	// BackendHost is the loopback address backends bind to.
	BackendHost string `json:"backend_host" yaml:"backend_host"`

	// BackendCommand is the argv used to launch a backend.
	BackendCommand []string `json:"backend_command" yaml:"backend_command"`

	// BackendEnv is appended to the proxy's environment for each backend.
	BackendEnv []string `json:"backend_env,omitempty" yaml:"backend_env,omitempty"`

	// ReuseSessions returns the existing session when an already-open
	// binary is opened again.
	ReuseSessions bool `json:"reuse_sessions" yaml:"reuse_sessions"`

	// DiscoverTools starts a throwaway backend at startup to learn the
	// analysis tool list.
	DiscoverTools bool `json:"discover_tools" yaml:"discover_tools"`

	// Transport selects how the proxy itself speaks MCP: "http" or "stdio".
	Transport string `json:"transport" yaml:"transport"`

	// Stateless serves streamable HTTP without MCP session tracking.
	Stateless bool `json:"stateless,omitempty" yaml:"stateless,omitempty"`

	// MetricsInterval is how often the command-line proxy writes pool
	// metrics to stderr. Zero disables the export.
	MetricsInterval Duration `json:"metrics_interval,omitempty" yaml:"metrics_interval,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Host:              DefaultHost,
		Port:              DefaultPort,
		MaxProcesses:      DefaultMaxProcesses,
		BasePort:          DefaultBasePort,
		RequestTimeout:    Duration(DefaultRequestTimeout),
		SpawnTimeout:      Duration(DefaultSpawnTimeout),
		ReadinessInterval: Duration(DefaultReadinessInterval),
		ShutdownGrace:     Duration(DefaultShutdownGrace),
		PoolWait:          Duration(DefaultPoolWait),
		BackendHost:       DefaultHost,
		BackendCommand:    append([]string(nil), DefaultBackendCommand...),
		ReuseSessions:     true,
		DiscoverTools:     true,
		Transport:         TransportHTTP,
	}
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	switch {
	case c.MaxProcesses < 1:
		return fmt.Errorf("max_processes must be at least 1")
	case c.Port < 1 || c.Port > 65535:
		return fmt.Errorf("port must be between 1 and 65535")
	case c.BasePort < 1 || c.BasePort > 65535:
		return fmt.Errorf("base_port must be between 1 and 65535")
	case c.BasePort+c.PortSpan()-1 > 65535:
		return fmt.Errorf("backend port range %d+%d exceeds 65535", c.BasePort, c.PortSpan())
	case c.RequestTimeout.Std() < time.Second:
		return fmt.Errorf("request_timeout must be at least 1 second")
	case c.SpawnTimeout.Std() <= 0:
		return fmt.Errorf("spawn_timeout must be positive")
	case c.ReadinessInterval.Std() <= 0:
		return fmt.Errorf("readiness_interval must be positive")
	case c.ShutdownGrace.Std() < 0 || c.PoolWait.Std() < 0 || c.HealthPingTimeout.Std() < 0 || c.MetricsInterval.Std() < 0:
		return fmt.Errorf("durations must not be negative")
	case len(c.BackendCommand) == 0 || strings.TrimSpace(c.BackendCommand[0]) == "":
		return fmt.Errorf("backend_command must not be empty")
	case c.Transport != TransportHTTP && c.Transport != TransportStdio:
		return fmt.Errorf("transport must be %q or %q", TransportHTTP, TransportStdio)
	}

	if c.Transport == TransportHTTP && c.BasePort <= c.Port && c.Port < c.BasePort+c.PortSpan() {
		return fmt.Errorf("port %d overlaps the backend port range", c.Port)
	}

	return nil
}

// PortSpan is the number of ports reserved for backends.
func (c *Config) PortSpan() int {
	return max(c.PortRange, c.MaxProcesses)
}

// Addr is the proxy's listen address.
func (c *Config) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// BackendArgs expands the backend command for one process.
func (c *Config) BackendArgs(port int) []string {
	replacer := strings.NewReplacer("{host}", c.BackendHost, "{port}", strconv.Itoa(port))

	args := make([]string, len(c.BackendCommand))
	for i, arg := range c.BackendCommand {
		args[i] = replacer.Replace(arg)
	}

	return args
}
