// Package safefetch performs outbound HTTP(S) requests to untrusted URLs without
// reaching loopback, private or link-local networks. Every URL, including each
// redirect hop, is validated and resolved before use, and connections are dialed
// to the validated address instead of re-resolving the name.
package safefetch

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"syscall"
	"time"

	domainjob "github.com/target/mmk-jobqueue/internal/domain/job"
	"golang.org/x/net/http2"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultReadTimeout    = 15 * time.Second
	defaultMaxBytes       = 5 << 20
	defaultMaxRedirects   = 5
	defaultUserAgent      = "mmk-jobqueue/1.0"
)

// Dialer opens network connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Options configures a Client.
type Options struct {
	Resolver       Resolver
	Dialer         Dialer
	Policy         Policy
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	MaxBytes       int64
	MaxRedirects   int
	UserAgent      string
	TLSConfig      *tls.Config
	Logger         *slog.Logger
}

// Client is an SSRF-hardened HTTP client. It is safe for concurrent use.
type Client struct {
	resolver     Resolver
	dialer       Dialer
	policy       Policy
	http         *http.Client
	readTimeout  time.Duration
	connTimeout  time.Duration
	maxBytes     int64
	maxRedirects int
	userAgent    string
	logger       *slog.Logger
}

// Request describes a single outbound call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is a fully read, size-limited response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Truncated  bool
	FinalURL   string
	Redirects  int
	RemoteAddr netip.Addr
	Duration   time.Duration
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Err returns nil for 2xx, a transient StatusError for 429 and 5xx and a
// permanent StatusError otherwise.
func (r *Response) Err() error {
	if r == nil {
		return domainjob.Transient(errors.New("no response"))
	}
	if r.OK() {
		return nil
	}
	se := &StatusError{StatusCode: r.StatusCode, URL: r.FinalURL}
	if se.Retryable() {
		return domainjob.Transient(se)
	}
	return domainjob.Permanent(se)
}

type pinKey struct{}

type pin struct {
	host  string
	addrs []netip.Addr
	used  *netip.Addr
}

// New constructs a Client, filling unset options with defaults.
func New(opts Options) *Client {
	c := &Client{
		resolver:     opts.Resolver,
		dialer:       opts.Dialer,
		policy:       opts.Policy,
		readTimeout:  opts.ReadTimeout,
		connTimeout:  opts.ConnectTimeout,
		maxBytes:     opts.MaxBytes,
		maxRedirects: opts.MaxRedirects,
		userAgent:    opts.UserAgent,
		logger:       opts.Logger,
	}
	if c.resolver == nil {
		c.resolver = net.DefaultResolver
	}
	if c.connTimeout <= 0 {
		c.connTimeout = defaultConnectTimeout
	}
	if c.readTimeout <= 0 {
		c.readTimeout = defaultReadTimeout
	}
	if c.maxBytes <= 0 {
		c.maxBytes = defaultMaxBytes
	}
	if c.maxRedirects <= 0 {
		c.maxRedirects = defaultMaxRedirects
	}
	if c.userAgent == "" {
		c.userAgent = defaultUserAgent
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "safefetch")
	if c.dialer == nil {
		c.dialer = &net.Dialer{
			Timeout:   c.connTimeout,
			KeepAlive: 30 * time.Second,
			Control:   c.controlSocket,
		}
	}

	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           c.dialPinned,
		TLSClientConfig:       opts.TLSConfig,
		TLSHandshakeTimeout:   c.connTimeout,
		ResponseHeaderTimeout: c.readTimeout,
		MaxIdleConns:          50,
		IdleConnTimeout:       90 * time.Second,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		c.logger.Warn("http2 not enabled on fetch transport", "error", err)
	}

	c.http = &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return c
}

// Validate reports whether rawURL may be fetched right now: scheme, credentials
// and every resolved address are checked. It is what Do runs before each hop.
func (c *Client) Validate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return domainjob.Permanent(fmt.Errorf("parse url: %w", err))
	}
	_, err = c.validate(ctx, u)
	return c.classify(err)
}

// Do executes req, following redirects manually. Blocked destinations return a
// permanent error wrapping *BlockedError; timeouts and network failures return a
// transient error. Non-2xx responses are returned without error; see Response.Err.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	body := req.Body
	header := req.Header.Clone()
	if header == nil {
		header = http.Header{}
	}

	current, err := url.Parse(req.URL)
	if err != nil {
		return nil, domainjob.Permanent(fmt.Errorf("parse url: %w", err))
	}

	for hop := 0; ; hop++ {
		addrs, err := c.validate(ctx, current)
		if err != nil {
			return nil, c.classify(err)
		}

		resp, remote, err := c.roundTrip(ctx, hopRequest{
			method: method,
			url:    current,
			header: header,
			body:   body,
			addrs:  addrs,
		})
		if err != nil {
			return nil, err
		}

		next, isRedirect := redirectTarget(resp, current)
		if !isRedirect {
			out, readErr := c.readResponse(resp)
			if readErr != nil {
				return nil, readErr
			}
			out.FinalURL = current.String()
			out.Redirects = hop
			out.RemoteAddr = remote
			out.Duration = time.Since(start)
			return out, nil
		}
		drain(resp.Body)

		if next == nil {
			return nil, c.classify(&BlockedError{URL: redactedURL(current), Reason: ReasonBadRedirect})
		}
		if hop+1 > c.maxRedirects {
			return nil, c.classify(&BlockedError{URL: redactedURL(next), Reason: ReasonRedirectLoop})
		}

		method, body = redirectMethod(resp.StatusCode, method, body)
		if next.Hostname() != current.Hostname() {
			header.Del("Authorization")
			header.Del("Cookie")
		}
		c.logger.Debug("following redirect", "from", redactedURL(current), "to", redactedURL(next), "status", resp.StatusCode)
		current = next
	}
}

type hopRequest struct {
	method string
	url    *url.URL
	header http.Header
	body   []byte
	addrs  []netip.Addr
}

func (c *Client) roundTrip(ctx context.Context, hr hopRequest) (*http.Response, netip.Addr, error) {
	used := new(netip.Addr)
	pinned := context.WithValue(ctx, pinKey{}, pin{host: hr.url.Hostname(), addrs: hr.addrs, used: used})

	var reader io.Reader
	if hr.body != nil {
		reader = bytes.NewReader(hr.body)
	}
	httpReq, err := http.NewRequestWithContext(pinned, hr.method, hr.url.String(), reader)
	if err != nil {
		return nil, netip.Addr{}, domainjob.Permanent(fmt.Errorf("build request: %w", err))
	}
	httpReq.Header = hr.header.Clone()
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, netip.Addr{}, c.classifyTransportError(ctx, hr.url, err)
	}
	return resp, *used, nil
}

func (c *Client) readResponse(resp *http.Response) (*Response, error) {
	defer resp.Body.Close()

	deadline := time.AfterFunc(c.readTimeout, func() { _ = resp.Body.Close() })
	defer deadline.Stop()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, domainjob.Transient(fmt.Errorf("read body: %w", err))
	}
	out := &Response{StatusCode: resp.StatusCode, Header: resp.Header}
	if int64(len(data)) > c.maxBytes {
		data = data[:c.maxBytes]
		out.Truncated = true
	}
	out.Body = data
	return out, nil
}

// dialPinned dials only the addresses validated for the request's host.
func (c *Client) dialPinned(ctx context.Context, network, address string) (net.Conn, error) {
	p, ok := ctx.Value(pinKey{}).(pin)
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	if !ok || p.host != host || len(p.addrs) == 0 {
		return nil, ErrUnpinnedDial
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", portStr, err)
	}

	var lastErr error
	for _, addr := range p.addrs {
		if c.policy.Blocked(addr) {
			lastErr = &BlockedError{URL: host, Reason: ReasonAddress, Addr: addr}
			continue
		}
		conn, dialErr := c.dialer.DialContext(ctx, network, netip.AddrPortFrom(addr, uint16(port)).String())
		if dialErr == nil {
			if p.used != nil {
				*p.used = addr
			}
			return conn, nil
		}
		lastErr = dialErr
	}
	return nil, lastErr
}

// controlSocket re-checks the concrete socket address as the last line before connect.
func (c *Client) controlSocket(_, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return err
	}
	if c.policy.Blocked(ap.Addr()) {
		return &BlockedError{URL: address, Reason: ReasonAddress, Addr: ap.Addr()}
	}
	return nil
}

func (c *Client) classify(err error) error {
	if err == nil {
		return nil
	}
	var blocked *BlockedError
	if errors.As(err, &blocked) {
		c.logger.Warn("security rejection: outbound fetch blocked",
			"url", blocked.URL,
			"reason", blocked.Reason,
			"addr", blocked.Addr.String(),
		)
		return domainjob.Permanent(err)
	}
	var resolveErr *ResolveError
	if errors.As(err, &resolveErr) && resolveErr.NotFound {
		return domainjob.Permanent(err)
	}
	return domainjob.Transient(err)
}

func (c *Client) classifyTransportError(ctx context.Context, u *url.URL, err error) error {
	var blocked *BlockedError
	if errors.As(err, &blocked) {
		return c.classify(blocked)
	}
	if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) {
		return ctxErr
	}
	if errors.Is(err, ErrUnpinnedDial) {
		return domainjob.Permanent(fmt.Errorf("fetch %s: %w", redactedURL(u), err))
	}
	return domainjob.Transient(fmt.Errorf("fetch %s: %w", redactedURL(u), err))
}

func redirectTarget(resp *http.Response, current *url.URL) (*url.URL, bool) {
	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
	default:
		return nil, false
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		return nil, false
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return nil, true
	}
	return current.ResolveReference(ref), true
}

func redirectMethod(status int, method string, body []byte) (string, []byte) {
	switch status {
	case http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return method, body
	default:
		if method == http.MethodHead {
			return method, nil
		}
		return http.MethodGet, nil
	}
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}
