// Package resolver resolves outbound hostnames through advoid's own
// upstream DNS server instead of the host's /etc/resolv.conf, so the
// sink's cloud endpoints are looked up via the same resolver the DNS
// datapath forwards queries to.
package resolver

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/jyuch/advoid/pkg/logging"
)

// Resolver dials a single fixed upstream DNS server for every lookup it
// performs. There is no fallback to the system resolver: a silent
// fall-through to /etc/resolv.conf for sink egress would defeat the point
// of a stub resolver that controls its own resolution path.
type Resolver struct {
	logger   *logging.Logger
	dialer   *net.Dialer
	upstream string
}

// New creates a Resolver that looks up hostnames via upstream (host:port).
func New(upstream string, logger *logging.Logger) *Resolver {
	logger.Info("resolver initialized", "upstream", upstream)

	return &Resolver{
		upstream: upstream,
		logger:   logger,
		dialer: &net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		},
	}
}

// LookupIP resolves host against the configured upstream.
func (r *Resolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	netResolver := &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return r.dialer.DialContext(ctx, "udp", r.upstream)
		},
	}

	ips, err := netResolver.LookupIP(ctx, network, host)
	if err != nil {
		return nil, fmt.Errorf("resolver: resolve %s via %s: %w", host, r.upstream, err)
	}

	r.logger.Debug("resolved host", "host", host, "ips", ips)
	return ips, nil
}

// DialContext dials addr, resolving a hostname portion via the configured
// upstream first. It is compatible with http.Transport.DialContext.
func (r *Resolver) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("resolver: invalid address %s: %w", addr, err)
	}

	if net.ParseIP(host) != nil {
		return r.dialer.DialContext(ctx, network, addr)
	}

	ips, err := r.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("resolver: no IP addresses found for %s", host)
	}

	resolvedAddr := net.JoinHostPort(ips[0].String(), port)
	return r.dialer.DialContext(ctx, network, resolvedAddr)
}
