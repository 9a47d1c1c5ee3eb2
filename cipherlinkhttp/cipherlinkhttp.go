// Package cipherlinkhttp provides a http.RoundTripper for making HTTP requests
// through a cipherlink tunnel. The request URL names the tunnel server; the
// server relays the request to its configured target.
package cipherlinkhttp

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/mjl-/cipherlink"
)

// Register registers a RoundTripper for an URL scheme (like "httpc") with
// transport. Requests for the scheme are tunneled using config.
func Register(scheme string, transport *http.Transport, config *cipherlink.Config) {
	transport.RegisterProtocol(scheme, NewRoundTripper(scheme, config))
}

// NewRoundTripper creates a new RoundTripper for scheme.
func NewRoundTripper(scheme string, config *cipherlink.Config) *RoundTripper {
	rt := &RoundTripper{scheme: scheme, config: config}
	rt.transport = &http.Transport{
		DialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
			return cipherlink.DialContext(ctx, network, address, rt.config)
		},
	}
	return rt
}

// RoundTripper is a http.RoundTripper that sends plain HTTP requests over
// cipherlink tunnels. Idle tunnels are reused for later requests.
type RoundTripper struct {
	scheme    string
	config    *cipherlink.Config
	transport *http.Transport
}

// RoundTrip performs a HTTP request over a tunnel to the server in req.URL.Host.
func (rt *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme != rt.scheme {
		return nil, fmt.Errorf("bad scheme, got %q, expected %q", req.URL.Scheme, rt.scheme)
	}

	u := *req.URL
	u.Scheme = "http"
	req = req.Clone(req.Context())
	req.URL = &u
	return rt.transport.RoundTrip(req)
}

// CloseIdleConnections closes tunnels kept open for reuse.
func (rt *RoundTripper) CloseIdleConnections() {
	rt.transport.CloseIdleConnections()
}
