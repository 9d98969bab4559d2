// Package transportutil builds the HTTP transports and listeners
// members talk to each other through. Peer URLs may use the unix and
// unixs schemes, addressing a unix socket path.
package transportutil

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"
)

// Config configures a transport.
type Config struct {
	DialTimeout time.Duration

	// ResponseHeaderTimeout bounds the wait for a response once the
	// request is written. Zero means no limit.
	ResponseHeaderTimeout time.Duration

	MaxIdleConnsPerHost int
}

func newDialer(d time.Duration) *net.Dialer {
	return &net.Dialer{Timeout: d, KeepAlive: 30 * time.Second}
}

// NewTransport returns an http.Transport that also serves the unix and
// unixs schemes.
func NewTransport(cfg Config) *http.Transport {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           newDialer(cfg.DialTimeout).DialContext,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       time.Minute,
	}

	dialer := newDialer(cfg.DialTimeout)
	utr := &http.Transport{
		DialContext: func(ctx context.Context, _, addr string) (net.Conn, error) {
			// addr is host:port with a port the url parser required
			if i := strings.LastIndexByte(addr, ':'); i >= 0 {
				addr = addr[:i]
			}
			return dialer.DialContext(ctx, "unix", addr)
		},
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       time.Minute,
	}
	ut := &unixTransport{utr}
	tr.RegisterProtocol("unix", ut)
	tr.RegisterProtocol("unixs", ut)
	return tr
}

type unixTransport struct{ *http.Transport }

func (ut *unixTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req2 := *req
	u := *req.URL
	u.Scheme = strings.Replace(u.Scheme, "unix", "http", 1)
	req2.URL = &u
	return ut.Transport.RoundTrip(&req2)
}
