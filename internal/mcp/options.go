package mcp

import (
	"io"
	"log/slog"
	"os"

	"github.com/nugget/tether/internal/buildinfo"
	"github.com/nugget/tether/internal/events"
	"github.com/nugget/tether/internal/metrics"
)

// ClientInfo identifies this client in the initialize handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Title   string `json:"title,omitempty"`
}

// DefaultClientInfo describes this build.
func DefaultClientInfo() ClientInfo {
	return ClientInfo{
		Name:    "tether",
		Version: buildinfo.Version,
		Title:   "Tether MCP Client",
	}
}

type options struct {
	logger  *slog.Logger
	bus     *events.Bus
	metrics *metrics.Recorder
	client  ClientInfo
	stderr  io.Writer
}

// Option configures a Process or Registry.
type Option func(*options)

// WithLogger sets the logger. Each process adds an mcp_server attribute.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithEvents publishes lifecycle events to bus.
func WithEvents(bus *events.Bus) Option {
	return func(o *options) { o.bus = bus }
}

// WithMetrics records request and lifecycle metrics.
func WithMetrics(m *metrics.Recorder) Option {
	return func(o *options) { o.metrics = m }
}

// WithClientInfo overrides the clientInfo sent in initialize.
func WithClientInfo(ci ClientInfo) Option {
	return func(o *options) { o.client = ci }
}

// WithStderr sets where child stderr goes. Defaults to os.Stderr.
func WithStderr(w io.Writer) Option {
	return func(o *options) { o.stderr = w }
}

func newOptions(opts []Option) options {
	o := options{
		logger: slog.Default(),
		client: DefaultClientInfo(),
		stderr: os.Stderr,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}
