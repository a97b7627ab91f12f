// Package httpkit builds the HTTP clients behind every outbound call:
// model requests, web search, webhook notifications, and the API client
// used by the watchdog and the CLI. Every client gets the same dial and
// TLS limits and a Zipper User-Agent.
package httpkit

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/nugget/zipper/internal/buildinfo"
)

const (
	defaultTimeout      = 30 * time.Second
	dialTimeout         = 10 * time.Second
	tcpKeepAlive        = 30 * time.Second
	tlsHandshakeTimeout = 10 * time.Second
	idleConnTimeout     = 90 * time.Second
	maxIdlePerHost      = 5
)

// ClientOption adjusts a client built by NewClient.
type ClientOption func(*settings)

type settings struct {
	timeout        time.Duration
	userAgent      string
	noKeepAlive    bool
	headerDeadline time.Duration
}

// WithTimeout bounds each whole request. Zero means no client-side
// limit; the request context governs instead.
func WithTimeout(d time.Duration) ClientOption {
	return func(s *settings) { s.timeout = d }
}

// WithUserAgent replaces the default User-Agent.
func WithUserAgent(ua string) ClientOption {
	return func(s *settings) { s.userAgent = ua }
}

// WithDisableKeepAlives opens a fresh connection for every request.
// Health probes use it so they never talk to a socket left over from a
// process that has exited.
func WithDisableKeepAlives() ClientOption {
	return func(s *settings) { s.noKeepAlive = true }
}

// WithResponseHeaderTimeout limits the wait for response headers once
// the request is written.
func WithResponseHeaderTimeout(d time.Duration) ClientOption {
	return func(s *settings) { s.headerDeadline = d }
}

func newTransport(s *settings) *http.Transport {
	dialer := &net.Dialer{Timeout: dialTimeout, KeepAlive: tcpKeepAlive}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		IdleConnTimeout:       idleConnTimeout,
		MaxIdleConnsPerHost:   maxIdlePerHost,
		DisableKeepAlives:     s.noKeepAlive,
		ResponseHeaderTimeout: s.headerDeadline,
	}
}

// NewClient returns an *http.Client with a 30s timeout unless opts say
// otherwise.
func NewClient(opts ...ClientOption) *http.Client {
	s := &settings{timeout: defaultTimeout, userAgent: buildinfo.UserAgent()}
	for _, opt := range opts {
		opt(s)
	}
	return &http.Client{
		Timeout:   s.timeout,
		Transport: agentHeader{next: newTransport(s), value: s.userAgent},
	}
}

// agentHeader sets User-Agent on requests that lack one.
type agentHeader struct {
	next  http.RoundTripper
	value string
}

func (a agentHeader) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return a.next.RoundTrip(req)
	}
	out := req.Clone(req.Context())
	out.Header.Set("User-Agent", a.value)
	return a.next.RoundTrip(out)
}

// DrainAndClose discards at most limit bytes of rc and closes it so the
// connection can go back to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody returns at most limit bytes of rc as a string for use in
// an error message, then drains and closes rc.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	defer DrainAndClose(rc, 1024)
	b, err := io.ReadAll(io.LimitReader(rc, limit))
	if err != nil {
		return fmt.Sprintf("(error body unreadable: %v)", err)
	}
	return string(b)
}
