package resolver

import (
	"net/http"
	"time"
)

// NewHTTPClient creates an HTTP client whose outbound connections resolve
// hostnames via the configured upstream DNS server instead of the host's
// default resolver. Used for the sink's cloud uploads and the blocklist
// fetch, so the same upstream that answers the DNS datapath also answers
// advoid's own egress traffic.
func (r *Resolver) NewHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		DialContext:           r.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
