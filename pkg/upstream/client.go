// Package upstream wraps a single shared stub DNS client used to forward
// allowed queries to the configured recursive resolver.
package upstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jyuch/advoid/pkg/logging"

	"github.com/miekg/dns"
)

// Client forwards queries to a single fixed upstream address. The *dns.Client
// handle is cheap to copy by value but is mutated by in-flight exchanges, so
// access is guarded by a mutex that is held only long enough to copy it; the
// exchange itself runs outside the lock.
type Client struct {
	mu         sync.Mutex
	udpClient  *dns.Client
	tcpClient  *dns.Client
	addr       string
	breaker    *CircuitBreaker
	logger     *logging.Logger
}

// New creates an upstream client pointed at addr with the given per-query
// timeout. Its circuit breaker opens after 5 consecutive failures, lets
// probes through after 30s, and closes again after 2 consecutive successes.
func New(addr string, timeout time.Duration, logger *logging.Logger) *Client {
	return &Client{
		udpClient: &dns.Client{Net: "udp", Timeout: timeout},
		tcpClient: &dns.Client{Net: "tcp", Timeout: timeout},
		addr:      addr,
		breaker:   NewCircuitBreaker(5, 2, 30*time.Second),
		logger:    logger,
	}
}

func (c *Client) cloneUDP() *dns.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl := *c.udpClient
	return &cl
}

func (c *Client) cloneTCP() *dns.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl := *c.tcpClient
	return &cl
}

// Forward sends msg upstream and returns the raw response. msg is forwarded
// as-is (not rebuilt), which preserves the client's RD bit and any other
// header flags it set. On TC=1 in the UDP response, a TCP retry is made.
// All outcomes — timeout, transport error, parse failure, or an open
// breaker — are returned as an error for the caller to map to SERVFAIL.
func (c *Client) Forward(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	client := c.cloneUDP()

	var resp *dns.Msg
	err := c.breaker.Call(func() error {
		var exchangeErr error
		resp, _, exchangeErr = client.ExchangeContext(ctx, msg, c.addr)
		if exchangeErr == nil && resp == nil {
			exchangeErr = fmt.Errorf("upstream: nil response from %s", c.addr)
		}
		return exchangeErr
	})
	if err != nil {
		return nil, fmt.Errorf("upstream: exchange with %s: %w", c.addr, err)
	}

	if resp.Truncated {
		tcpClient := c.cloneTCP()
		tcpResp, _, tcpErr := tcpClient.ExchangeContext(ctx, msg, c.addr)
		if tcpErr != nil {
			return nil, fmt.Errorf("upstream: tcp retry with %s: %w", c.addr, tcpErr)
		}
		return tcpResp, nil
	}

	return resp, nil
}

// BreakerState reports the current circuit breaker state, for metrics.
func (c *Client) BreakerState() CircuitState {
	return c.breaker.State()
}

// Addr returns the configured upstream address.
func (c *Client) Addr() string {
	return c.addr
}
