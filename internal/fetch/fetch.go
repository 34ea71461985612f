// Package fetch is the outbound HTTP client for upstream record and blob
// fetches. Every request is checked against an SSRF blocklist (at name
// resolution and again at dial time), capped in size, and bounded by a
// total wall-clock timeout. Redirects are followed up to ten hops with each
// hop re-checked.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"syscall"
	"time"
)

var (
	ErrInvalidURL  = errors.New("fetch: URL scheme must be http or https")
	ErrBlockedHost = errors.New("fetch: host is not allowed")
	ErrTooLarge    = errors.New("fetch: response exceeds size limit")
)

// Default caps. Blob downloads during snapshot materialization override
// these per call.
const (
	DefaultTimeout  = 120 * time.Second
	DefaultJSONMax  = 1 << 20   // 1 MiB
	DefaultBlobMax  = 100 << 20 // 100 MiB
	maxRedirectHops = 10
)

// Hostnames that are rejected before any DNS resolution happens.
var blockedNames = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
}

// blockedIP reports whether addr falls in a range that must never be
// reached from the edge: loopback, RFC 1918 / ULA, link-local (which also
// covers the cloud metadata endpoints), and the unspecified address.
func blockedIP(addr netip.Addr) bool {
	addr = addr.Unmap()
	switch {
	case addr.IsLoopback(), addr.IsPrivate(), addr.IsUnspecified():
		return true
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return true
	}
	// AWS ECS task metadata and the EC2 IPv6 metadata endpoint.
	for _, s := range []string{"169.254.170.2", "fd00:ec2::254"} {
		if addr == netip.MustParseAddr(s) {
			return true
		}
	}
	return false
}

// Options adjusts a single fetch.
type Options struct {
	// MaxBytes caps the response body. Zero means the method default.
	MaxBytes int64
	// Timeout bounds the total wall time. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Client issues guarded outbound requests. The zero value is not usable;
// call New.
type Client struct {
	hc           *http.Client
	allowPrivate bool
}

// Option configures a Client.
type Option func(*Client)

// AllowPrivate disables the address blocklist. Only for tests, which talk
// to loopback servers.
func AllowPrivate() Option {
	return func(c *Client) { c.allowPrivate = true }
}

// New returns a Client with the SSRF guard installed on the dialer, so the
// check applies to the address actually connected to, not just the name in
// the URL.
func New(opts ...Option) *Client {
	c := &Client{}
	for _, o := range opts {
		o(c)
	}
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
		Control: func(network, address string, _ syscall.RawConn) error {
			if c.allowPrivate {
				return nil
			}
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			addr, err := netip.ParseAddr(host)
			if err != nil {
				return err
			}
			if blockedIP(addr) {
				return fmt.Errorf("%w: %s", ErrBlockedHost, addr)
			}
			return nil
		},
	}
	c.hc = &http.Client{
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			MaxIdleConns:        32,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 15 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirectHops {
				return fmt.Errorf("fetch: more than %d redirects", maxRedirectHops)
			}
			return c.checkURL(req.URL.Scheme, req.URL.Hostname())
		},
	}
	return c
}

func (c *Client) checkURL(scheme, hostname string) error {
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, scheme)
	}
	if c.allowPrivate {
		return nil
	}
	name := strings.ToLower(strings.TrimSuffix(hostname, "."))
	if blockedNames[name] {
		return fmt.Errorf("%w: %s", ErrBlockedHost, name)
	}
	if addr, err := netip.ParseAddr(name); err == nil && blockedIP(addr) {
		return fmt.Errorf("%w: %s", ErrBlockedHost, name)
	}
	return nil
}

// Bytes fetches url and returns the body, enforcing the blob size cap.
func (c *Client) Bytes(ctx context.Context, url string, opts Options) ([]byte, error) {
	if opts.MaxBytes == 0 {
		opts.MaxBytes = DefaultBlobMax
	}
	return c.do(ctx, url, opts)
}

// JSON fetches url and decodes the body into v, enforcing the JSON size cap.
func (c *Client) JSON(ctx context.Context, url string, v any, opts Options) error {
	if opts.MaxBytes == 0 {
		opts.MaxBytes = DefaultJSONMax
	}
	body, err := c.do(ctx, url, opts)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("fetch: decoding %s: %w", url, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, url string, opts Options) ([]byte, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	if err := c.checkURL(req.URL.Scheme, req.URL.Hostname()); err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "wisp-edge/1.0")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch: GET %s: unexpected status %d", url, resp.StatusCode)
	}
	if resp.ContentLength > opts.MaxBytes {
		return nil, fmt.Errorf("%w: declared %d > %d", ErrTooLarge, resp.ContentLength, opts.MaxBytes)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, opts.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("fetch: reading %s: %w", url, err)
	}
	if int64(len(body)) > opts.MaxBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrTooLarge, opts.MaxBytes)
	}
	return body, nil
}
