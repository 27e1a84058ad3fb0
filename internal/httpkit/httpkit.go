// Package httpkit builds the *http.Client shared by every model
// provider backend. Clients get explicit dial, TLS and header timeouts,
// a Tether User-Agent, and optional retry of connection failures that
// happen before any bytes reach the server.
package httpkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"github.com/nugget/tether/internal/buildinfo"
)

// Transport defaults.
const (
	DefaultDialTimeout         = 10 * time.Second
	DefaultKeepAlive           = 30 * time.Second
	DefaultTLSHandshakeTimeout = 10 * time.Second
	DefaultIdleConnTimeout     = 90 * time.Second
	DefaultMaxIdleConnsPerHost = 4

	// DefaultResponseHeader is generous because models can think for a
	// long time before the first header arrives.
	DefaultResponseHeader = 120 * time.Second
)

// Option configures a client built by NewClient.
type Option func(*clientConfig)

type clientConfig struct {
	timeout        time.Duration
	responseHeader time.Duration
	userAgent      string
	retries        int
	retryDelay     time.Duration
	logger         *slog.Logger
}

// WithTimeout sets the overall request timeout. Zero means no limit
// beyond the request context.
func WithTimeout(d time.Duration) Option {
	return func(c *clientConfig) { c.timeout = d }
}

// WithResponseHeaderTimeout bounds the wait for response headers.
func WithResponseHeaderTimeout(d time.Duration) Option {
	return func(c *clientConfig) { c.responseHeader = d }
}

// WithUserAgent overrides the default User-Agent.
func WithUserAgent(ua string) Option {
	return func(c *clientConfig) { c.userAgent = ua }
}

// WithRetry retries requests that failed to connect. Requests whose body
// cannot be rewound are never retried.
func WithRetry(count int, delay time.Duration) Option {
	return func(c *clientConfig) {
		c.retries = count
		c.retryDelay = delay
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *clientConfig) { c.logger = l }
}

// NewTransport returns a transport with the package defaults.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   DefaultDialTimeout,
			KeepAlive: DefaultKeepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeader,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient builds a client for a provider backend. By default there is
// no overall timeout; callers bound requests with their context.
func NewClient(opts ...Option) *http.Client {
	cfg := &clientConfig{
		responseHeader: DefaultResponseHeader,
		userAgent:      buildinfo.UserAgent(),
	}
	for _, o := range opts {
		o(cfg)
	}

	t := NewTransport()
	t.ResponseHeaderTimeout = cfg.responseHeader

	var rt http.RoundTripper = &userAgentTransport{base: t, ua: cfg.userAgent}
	if cfg.retries > 0 {
		logger := cfg.logger
		if logger == nil {
			logger = slog.Default()
		}
		rt = &retryTransport{
			base:   rt,
			count:  cfg.retries,
			delay:  cfg.retryDelay,
			logger: logger,
		}
	}

	return &http.Client{
		Timeout:   cfg.timeout,
		Transport: rt,
	}
}

type userAgentTransport struct {
	base http.RoundTripper
	ua   string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.ua)
	}
	return t.base.RoundTrip(req)
}

type retryTransport struct {
	base   http.RoundTripper
	count  int
	delay  time.Duration
	logger *slog.Logger
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if !IsConnectError(err) {
		return resp, err
	}
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return resp, err
	}

	for attempt := 1; attempt <= t.count; attempt++ {
		t.logger.Debug("retrying request after connect failure",
			"method", req.Method,
			"host", req.URL.Host,
			"attempt", attempt,
			"error", err,
		)

		timer := time.NewTimer(t.delay)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}

		retry := req.Clone(req.Context())
		if req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, fmt.Errorf("rewind request body: %w", bodyErr)
			}
			retry.Body = body
		}

		resp, err = t.base.RoundTrip(retry)
		if !IsConnectError(err) {
			return resp, err
		}
	}
	return resp, err
}

// IsConnectError reports whether err is a failure to reach the server
// at all: refused, unreachable, or a dial timeout.
func IsConnectError(err error) bool {
	if err == nil {
		return false
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.EHOSTUNREACH, syscall.ENETUNREACH:
			return true
		}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return false
}

// IsNetworkError reports whether err came from the transport rather than
// from a response: connect failures, timeouts, and URL errors. Context
// cancellation is not a network error.
func IsNetworkError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if IsConnectError(err) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// ReadErrorBody reads up to limit bytes of rc for an error message and
// drains the rest so the connection can be reused.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	defer rc.Close()
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, 4096))
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
