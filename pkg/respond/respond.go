// Package respond builds the three wire-level response shapes the request
// handler can produce: a synthetic negative answer, a forwarded upstream
// response, and a SERVFAIL.
package respond

import (
	"github.com/miekg/dns"
)

// ServerUDPSize is the fixed EDNS UDP payload size this resolver advertises
// on every response, per DNS Flag Day 2020. It is never an echo of the
// client's requested size.
const ServerUDPSize = 1232

// NegativeTTL is the negative-cache TTL used in synthetic SOA records.
const NegativeTTL = 3600

// soaMname and soaRname are the stable placeholder MNAME/RNAME of synthetic
// SOA records; soaMname is also the target of synthetic NS records.
const (
	soaMname = "ns.advoid.invalid."
	soaRname = "hostmaster.advoid.invalid."
)

// EDNSInfo captures the EDNS0 parameters carried on an inbound request.
type EDNSInfo struct {
	Present bool
	DO      bool
}

// GetEDNSInfo extracts EDNS0 parameters from req.
func GetEDNSInfo(req *dns.Msg) EDNSInfo {
	if req == nil {
		return EDNSInfo{}
	}
	opt := req.IsEdns0()
	if opt == nil {
		return EDNSInfo{}
	}
	return EDNSInfo{Present: true, DO: opt.Do()}
}

// applyEDNSPolicy appends a freshly built OPT record to resp if the request
// carried one. Any OPT record already present on resp (e.g. copied in from
// an upstream response) is stripped first, so the policy — DO mirrored from
// the request, version 0, a fixed server UDP size — always wins, on every
// response shape including the forwarded path.
func applyEDNSPolicy(resp *dns.Msg, info EDNSInfo) {
	if !info.Present {
		return
	}

	stripOPT(resp)

	opt := &dns.OPT{
		Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeOPT},
	}
	opt.SetUDPSize(ServerUDPSize)
	opt.SetVersion(0)
	if info.DO {
		opt.SetDo()
	}
	resp.Extra = append(resp.Extra, opt)
}

func stripOPT(msg *dns.Msg) {
	kept := msg.Extra[:0]
	for _, rr := range msg.Extra {
		if rr.Header().Rrtype != dns.TypeOPT {
			kept = append(kept, rr)
		}
	}
	msg.Extra = kept
}

func synthesizedSOA(zone string) *dns.SOA {
	return &dns.SOA{
		Hdr: dns.RR_Header{
			Name:   zone,
			Rrtype: dns.TypeSOA,
			Class:  dns.ClassINET,
			Ttl:    NegativeTTL,
		},
		Ns:      soaMname,
		Mbox:    soaRname,
		Serial:  1,
		Refresh: 3600,
		Retry:   600,
		Expire:  86400,
		Minttl:  NegativeTTL,
	}
}

// NXDOMAIN builds a synthetic negative answer for req, with an authority
// SOA for zone (the closest enclosing zone the caller has identified — the
// matched blocklist suffix or local zone). req's ID, header flags, and EDNS
// policy are all honored; the answer and additional sections (besides OPT)
// are empty.
func NXDOMAIN(req *dns.Msg, zone string) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Authoritative = true
	resp.RecursionAvailable = true
	resp.Rcode = dns.RcodeNameError
	resp.Ns = []dns.RR{synthesizedSOA(zone)}

	applyEDNSPolicy(resp, GetEDNSInfo(req))
	return resp
}

// ApexRecord builds a NOERROR response for a query whose name is itself the
// apex of a matched RFC 6303 zone, for types SOA and NS — the cases the
// plain NXDOMAIN path would otherwise wrongly reject.
func ApexRecord(req *dns.Msg, zone string, qtype uint16) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Authoritative = true
	resp.RecursionAvailable = true
	resp.Rcode = dns.RcodeSuccess

	switch qtype {
	case dns.TypeSOA:
		resp.Answer = []dns.RR{synthesizedSOA(zone)}
	case dns.TypeNS:
		resp.Answer = []dns.RR{&dns.NS{
			Hdr: dns.RR_Header{Name: zone, Rrtype: dns.TypeNS, Class: dns.ClassINET, Ttl: NegativeTTL},
			Ns:  soaMname,
		}}
	}

	applyEDNSPolicy(resp, GetEDNSInfo(req))
	return resp
}

// Forwarded builds a client-facing response from an upstream answer. Every
// section is copied wholesale — including any signature/DNSSEC records —
// and the EDNS policy is still applied on top, which strips whatever OPT
// record the upstream attached and replaces it with our own.
func Forwarded(req *dns.Msg, upstreamResp *dns.Msg) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Rcode = upstreamResp.Rcode
	resp.RecursionAvailable = upstreamResp.RecursionAvailable
	resp.Authoritative = upstreamResp.Authoritative
	resp.Answer = upstreamResp.Answer
	resp.Ns = upstreamResp.Ns
	resp.Extra = upstreamResp.Extra

	applyEDNSPolicy(resp, GetEDNSInfo(req))
	return resp
}

// ServFail builds a SERVFAIL response derived from req — never from a fresh
// header, which would otherwise carry ID 0 instead of the request's ID.
func ServFail(req *dns.Msg) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Rcode = dns.RcodeServerFailure
	resp.RecursionAvailable = true

	applyEDNSPolicy(resp, GetEDNSInfo(req))
	return resp
}

// FormErr builds a FORMERR response carrying id. It takes only the ID, not a
// dns.Msg: QR is set, and every other header field besides the ID and rcode
// is left at its zero value.
func FormErr(id uint16) *dns.Msg {
	resp := new(dns.Msg)
	resp.Id = id
	resp.Response = true
	resp.Rcode = dns.RcodeFormatError
	return resp
}
