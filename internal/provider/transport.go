// Package provider implements the provider adapter registry and the
// credential manager shared by all upstream adapters.
//
// This file provides shared HTTP plumbing: NewTransport for client setup
// and WithIdleTimeout for stalled-stream protection.
package provider

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
)

// Per-read idle deadlines for upstream response bodies. A generative stream
// may legitimately pause between tokens; quota lookups should not.
const (
	GenerativeIdleTimeout = 2 * time.Minute
	QuotaTimeout          = 10 * time.Second
)

// NewTransport returns a tuned *http.Transport with connection pooling and
// optional DNS caching. Set forceHTTP2 to true for remote HTTPS APIs.
func NewTransport(resolver *dnscache.Resolver, forceHTTP2 bool) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   forceHTTP2,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// WithIdleTimeout wraps a response body so that it is closed when no read
// completes within d. Closing the underlying body unblocks a stalled Read
// with an error, which ends the decode loop.
func WithIdleTimeout(rc io.ReadCloser, d time.Duration) io.ReadCloser {
	b := &idleTimeoutBody{rc: rc, d: d}
	b.timer = time.AfterFunc(d, func() { rc.Close() })
	return b
}

type idleTimeoutBody struct {
	rc    io.ReadCloser
	timer *time.Timer
	d     time.Duration
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if err == nil {
		b.timer.Reset(b.d)
	}
	return n, err
}

func (b *idleTimeoutBody) Close() error {
	b.timer.Stop()
	return b.rc.Close()
}
