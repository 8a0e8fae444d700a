// Package transport maintains a pool of long-lived HTTP/2 client sessions
// keyed by host:port, with idle reaping, optional proxy tunneling (SOCKS5 or
// HTTP/S CONNECT), and a Chrome-shaped utls ClientHello on every connection.
// It exposes Request (buffered) and StreamSSE (live) — the only two ways the
// rest of this module talks to the vendor API.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/andybalholm/brotli"
	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"

	"github.com/relaycore/corerelay/internal/collab"
	"github.com/relaycore/corerelay/internal/config"
)

const (
	reapInterval = 60 * time.Second
	idleTimeout  = 5 * time.Minute
	dialTimeout  = 30 * time.Second
)

// Manager owns the per-(account-proxy) round-tripper pool. One Manager is a
// process-wide singleton, safe for concurrent use from many request tasks.
type Manager struct {
	mu             sync.Mutex
	entries        map[string]*poolEntry
	requestTimeout time.Duration
}

type poolEntry struct {
	roundTripper http.RoundTripper
	lastUsed     time.Time
}

// NewManager builds a Manager; call RunCleanup in a goroutine to start the
// idle reaper.
func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		entries:        make(map[string]*poolEntry),
		requestTimeout: cfg.RequestTimeout,
	}
}

// RunCleanup runs the idle-session reaper until ctx is canceled.
func (m *Manager) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reap(idleTimeout)
		}
	}
}

// Close tears down every pooled round-tripper.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, entry := range m.entries {
		closeIdle(entry.roundTripper)
		delete(m.entries, key)
	}
}

func (m *Manager) reap(olderThan time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	for key, entry := range m.entries {
		if entry.lastUsed.Before(cutoff) {
			closeIdle(entry.roundTripper)
			delete(m.entries, key)
		}
	}
}

func closeIdle(rt http.RoundTripper) {
	if t, ok := rt.(interface{ CloseIdleConnections() }); ok {
		t.CloseIdleConnections()
	}
}

// get returns the pooled round-tripper for an already-validated proxy
// descriptor (see internal/proxyagent.Factory.Parse, which callers run the
// descriptor through before it ever reaches here) and IPv4/IPv6 preference,
// race-free: at most one concurrent connect per key completes and is
// cached, and a discarded loser never leaks (buildRoundTripper itself
// performs no I/O — it only wires dial funcs — so there is nothing to close
// on the losing side, the map write under the lock is the only coalescing
// point needed).
func (m *Manager) get(proxyDesc *collab.ProxyDescriptor, preferIPv4 bool) http.RoundTripper {
	key := poolKey(proxyDesc, preferIPv4)

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[key]; ok {
		entry.lastUsed = time.Now()
		return entry.roundTripper
	}

	rt := buildRoundTripper(proxyDesc, preferIPv4)
	m.entries[key] = &poolEntry{roundTripper: rt, lastUsed: time.Now()}
	return rt
}

func poolKey(p *collab.ProxyDescriptor, preferIPv4 bool) string {
	if p == nil {
		return fmt.Sprintf("direct:ipv4=%t", preferIPv4)
	}
	return fmt.Sprintf("%s://%s:%d:%s:ipv4=%t", p.Type, p.Host, p.Port, p.Username, preferIPv4)
}

func buildRoundTripper(p *collab.ProxyDescriptor, preferIPv4 bool) http.RoundTripper {
	if p != nil {
		return &http.Transport{
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     idleTimeout,
			DialTLSContext:      proxyDialer(p, preferIPv4),
		}
	}
	return &http2.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return dialUTLS(ctx, network, addr, preferIPv4)
		},
	}
}

// --- Request/StreamSSE options and results ---

// Options configures a single outbound call. Proxy is expected to already
// have passed through internal/proxyagent.Factory.Parse — transport trusts
// it as validated and keys its connection pool by it verbatim.
type Options struct {
	Method     string
	Headers    http.Header
	Body       []byte
	Proxy      *collab.ProxyDescriptor
	PreferIPv4 bool
	Timeout    time.Duration
}

// Response is a fully buffered, decompressed upstream response.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Request performs a buffered round trip: decompresses gzip/deflate/br per
// content-encoding and strips HTTP/2 pseudo-headers from the response map.
func (m *Manager) Request(ctx context.Context, url string, opts Options) (*Response, error) {
	req, err := m.buildRequest(ctx, url, opts)
	if err != nil {
		return nil, err
	}

	client := &http.Client{
		Transport: m.get(opts.Proxy, opts.PreferIPv4),
		Timeout:   firstNonZero(opts.Timeout, m.requestTimeout),
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyDialError(err)
	}
	defer resp.Body.Close()

	reader, err := decompress(resp.Header.Get("Content-Encoding"), resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decompress response: %w", err)
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    stripPseudoHeaders(resp.Header),
		Body:       body,
	}, nil
}

// Stream is a live SSE response: the caller reads raw chunks via Chunks()
// until it closes (nil error) or errors.
type Stream struct {
	StatusCode int
	Headers    http.Header

	body io.ReadCloser
	buf  []byte
}

// Chunks reads the next available slice of raw bytes from the upstream
// body. Returns io.EOF when the stream has ended cleanly.
func (s *Stream) Chunks() ([]byte, error) {
	if s.buf == nil {
		s.buf = make([]byte, 32*1024)
	}
	n, err := s.body.Read(s.buf)
	if n > 0 {
		out := make([]byte, n)
		copy(out, s.buf[:n])
		if err != nil && err != io.EOF {
			return out, classifyDialError(err)
		}
		return out, err
	}
	if err != nil && err != io.EOF {
		return nil, classifyDialError(err)
	}
	return nil, err
}

// Close releases the underlying connection back to the pool (or closes it,
// for non-keepalive transports).
func (s *Stream) Close() error {
	return s.body.Close()
}

// StreamSSE opens a live event-stream response. onResponse is invoked
// exactly once with the status/headers as soon as they arrive.
func (m *Manager) StreamSSE(ctx context.Context, url string, opts Options, onResponse func(status int, headers http.Header)) (*Stream, error) {
	req, err := m.buildRequest(ctx, url, opts)
	if err != nil {
		return nil, err
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "text/event-stream")
	}

	client := &http.Client{
		Transport: m.get(opts.Proxy, opts.PreferIPv4),
		// No overall client timeout for a live stream; the caller's ctx
		// governs cancellation.
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyDialError(err)
	}

	headers := stripPseudoHeaders(resp.Header)
	if onResponse != nil {
		onResponse(resp.StatusCode, headers)
	}

	// SSE bodies are not content-encoded in practice, but honor the header
	// if the vendor ever sets one.
	reader, err := decompress(resp.Header.Get("Content-Encoding"), resp.Body)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("decompress stream: %w", err)
	}
	var body io.ReadCloser
	if rc, ok := reader.(io.ReadCloser); ok {
		body = rc
	} else {
		body = struct {
			io.Reader
			io.Closer
		}{reader, resp.Body}
	}

	return &Stream{StatusCode: resp.StatusCode, Headers: headers, body: body}, nil
}

func (m *Manager) buildRequest(ctx context.Context, url string, opts Options) (*http.Request, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodPost
	}
	var bodyReader io.Reader
	if opts.Body != nil {
		bodyReader = strings.NewReader(string(opts.Body))
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range opts.Headers {
		lk := strings.ToLower(k)
		if strings.HasPrefix(lk, ":") {
			continue // pseudo-headers are transport's to set, never caller's
		}
		for _, v := range vs {
			req.Header.Add(lk, v)
		}
	}
	return req, nil
}

func firstNonZero(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

func stripPseudoHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		if strings.HasPrefix(k, ":") {
			continue
		}
		out[k] = v
	}
	return out
}

func decompress(encoding string, body io.Reader) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "br":
		return brotli.NewReader(body), nil
	case "gzip":
		return gzipReader(body)
	case "deflate":
		return flateReader(body)
	default:
		return body, nil
	}
}

// classifyDialError maps low-level connection errors to a stable, humanized
// message, without evicting the session pool entry — that is left to the
// health controller when it sees a synthesized 5xx, not to transport itself.
func classifyDialError(err error) error {
	switch {
	case errors.Is(err, syscall.ECONNRESET):
		return fmt.Errorf("connection reset: %w", err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("connection refused: %w", err)
	case errors.Is(err, syscall.ETIMEDOUT):
		return fmt.Errorf("connection timed out: %w", err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Errorf("unable to resolve hostname: %w", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("connection timed out: %w", err)
	}
	return err
}

// --- TLS (utls Chrome fingerprint) ---

func dialUTLS(ctx context.Context, network, addr string, preferIPv4 bool) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	dialer := &net.Dialer{Timeout: dialTimeout}
	rawConn, err := dialer.DialContext(ctx, dialNetwork(network, preferIPv4), addr)
	if err != nil {
		return nil, classifyDialError(err)
	}

	return uTLSHandshake(ctx, rawConn, host)
}

// dialNetwork narrows a "tcp"-family network to "tcp4" when the caller
// prefers IPv4-only resolution (config.ProxyUseIPv4 / proxyagent.Factory.
// PreferIPv4); an already address-family-specific network passes through
// unchanged.
func dialNetwork(network string, preferIPv4 bool) string {
	if preferIPv4 && network == "tcp" {
		return "tcp4"
	}
	return network
}

func dialUTLSViaConn(ctx context.Context, rawConn net.Conn, serverName string) (net.Conn, error) {
	return uTLSHandshake(ctx, rawConn, serverName)
}

func uTLSHandshake(ctx context.Context, rawConn net.Conn, serverName string) (net.Conn, error) {
	tlsConn := utls.UClient(rawConn, &utls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: false,
		MinVersion:         tls.VersionTLS12,
	}, utls.HelloChrome_Auto)

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, err
	}
	return tlsConn, nil
}

// --- Proxy (SOCKS5 + HTTP/S CONNECT) ---

func proxyDialer(p *collab.ProxyDescriptor, preferIPv4 bool) func(ctx context.Context, network, addr string) (net.Conn, error) {
	if p.Type == "socks5" {
		return socks5Dialer(p, preferIPv4)
	}
	return httpConnectDialer(p, preferIPv4)
}

func socks5Dialer(p *collab.ProxyDescriptor, preferIPv4 bool) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		proxyAddr := fmt.Sprintf("%s:%d", p.Host, p.Port)

		var auth *proxy.Auth
		if p.Username != "" {
			auth = &proxy.Auth{User: p.Username, Password: p.Password}
		}

		dialer, err := proxy.SOCKS5(dialNetwork("tcp", preferIPv4), proxyAddr, auth, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer: %w", err)
		}

		rawConn, err := dialer.Dial(network, addr)
		if err != nil {
			return nil, fmt.Errorf("socks5 dial: %w", err)
		}

		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			rawConn.Close()
			return nil, err
		}
		return dialUTLSViaConn(ctx, rawConn, host)
	}
}

func httpConnectDialer(p *collab.ProxyDescriptor, preferIPv4 bool) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		proxyAddr := fmt.Sprintf("%s:%d", p.Host, p.Port)

		dialer := &net.Dialer{Timeout: dialTimeout}
		rawConn, err := dialer.DialContext(ctx, dialNetwork("tcp", preferIPv4), proxyAddr)
		if err != nil {
			return nil, classifyDialError(err)
		}

		connectReq := &http.Request{
			Method: http.MethodConnect,
			URL:    nil,
			Host:   addr,
			Header: make(http.Header),
		}
		if p.Username != "" {
			cred := base64.StdEncoding.EncodeToString([]byte(p.Username + ":" + p.Password))
			connectReq.Header.Set("Proxy-Authorization", "Basic "+cred)
		}

		if err := connectReq.Write(rawConn); err != nil {
			rawConn.Close()
			return nil, fmt.Errorf("proxy CONNECT write: %w", err)
		}

		resp, err := http.ReadResponse(bufio.NewReader(rawConn), connectReq)
		if err != nil {
			rawConn.Close()
			return nil, fmt.Errorf("proxy CONNECT read: %w", err)
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			rawConn.Close()
			return nil, fmt.Errorf("proxy CONNECT failed: %s", resp.Status)
		}

		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			rawConn.Close()
			return nil, err
		}
		return dialUTLSViaConn(ctx, rawConn, host)
	}
}
