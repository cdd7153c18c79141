// Package localzone implements the RFC 6303 "should not be leaked upstream"
// predicate over canonical DNS names.
package localzone

import (
	"strconv"

	"github.com/jyuch/advoid/pkg/dnsname"
)

// zones lists the reserved reverse-mapping and special-use apex names this
// resolver treats as local per RFC 6303 and RFC 6761.
var zones = []string{
	// IPv4 reverse zones: loopback, RFC 1918 private ranges, link-local,
	// and the IANA TEST-NET-1..3 ranges (RFC 5735/6303).
	"127.in-addr.arpa.",
	"10.in-addr.arpa.",
	"168.192.in-addr.arpa.",
	"254.169.in-addr.arpa.", // link-local 169.254/16
	"2.0.192.in-addr.arpa.",
	"100.51.198.in-addr.arpa.",
	"113.0.203.in-addr.arpa.",

	// IPv6 reverse zones: loopback, ULA, and link-local.
	"1.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.ip6.arpa.",
	"d.f.ip6.arpa.",
	"c.f.ip6.arpa.",
	"8.e.f.ip6.arpa.",
	"9.e.f.ip6.arpa.",
	"a.e.f.ip6.arpa.",
	"b.e.f.ip6.arpa.",

	// Reserved TLDs (RFC 6761).
	"localhost.",
	"invalid.",
	"test.",
	"example.",
	"local.",
}

// rfc1918 double-octet (16-31.172.in-addr.arpa.) zones, generated rather
// than spelled out one by one.
func init() {
	for i := 16; i <= 31; i++ {
		zones = append(zones, strconv.Itoa(i)+".172.in-addr.arpa.")
	}
}

// IsLocalZone reports whether name falls, on a label boundary, inside any
// RFC 6303 reserved zone. name must already be canonical.
func IsLocalZone(name string) bool {
	_, ok := matchZone(name)
	return ok
}

// Apex returns the matched zone's apex name and true if name falls within
// (or is) a reserved zone. The apex is used to special-case SOA/NS queries
// targeting the zone's own origin rather than a name below it.
func Apex(name string) (apex string, ok bool) {
	return matchZone(name)
}

// IsApex reports whether name is exactly the apex of a matched zone (as
// opposed to a name below it).
func IsApex(name string) bool {
	apex, ok := matchZone(name)
	return ok && name == apex
}

func matchZone(name string) (string, bool) {
	for _, zone := range zones {
		if dnsname.HasSuffix(name, zone) {
			return zone, true
		}
	}
	return "", false
}
