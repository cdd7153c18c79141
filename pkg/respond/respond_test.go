package respond

import (
	"testing"

	"github.com/miekg/dns"
)

func newQuery(name string, qtype uint16, do bool) *dns.Msg {
	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(name), qtype)
	req.Id = 0x1234
	req.RecursionDesired = true
	req.SetEdns0(4096, do)
	return req
}

func TestNXDOMAIN_HeaderFlags(t *testing.T) {
	req := newQuery("ads.example.", dns.TypeA, false)
	resp := NXDOMAIN(req, "example.")

	if resp.Id != req.Id {
		t.Errorf("Id = %d, want %d", resp.Id, req.Id)
	}
	if !resp.Response {
		t.Error("expected Response (QR) bit set")
	}
	if !resp.Authoritative {
		t.Error("expected Authoritative bit set")
	}
	if !resp.RecursionAvailable {
		t.Error("expected RecursionAvailable bit set")
	}
	if resp.Rcode != dns.RcodeNameError {
		t.Errorf("Rcode = %d, want NXDOMAIN", resp.Rcode)
	}
}

func TestNXDOMAIN_AuthoritySOAOnly(t *testing.T) {
	req := newQuery("ads.example.", dns.TypeA, false)
	resp := NXDOMAIN(req, "example.")

	if len(resp.Answer) != 0 {
		t.Errorf("Answer section must be empty, got %d records", len(resp.Answer))
	}
	if len(resp.Ns) != 1 {
		t.Fatalf("Ns section = %d records, want 1", len(resp.Ns))
	}
	soa, ok := resp.Ns[0].(*dns.SOA)
	if !ok {
		t.Fatalf("Ns[0] = %T, want *dns.SOA", resp.Ns[0])
	}
	if soa.Hdr.Name != "example." {
		t.Errorf("SOA owner = %q, want example.", soa.Hdr.Name)
	}
}

func TestApplyEDNSPolicy_MirrorsDOFixesSize(t *testing.T) {
	req := newQuery("ads.example.", dns.TypeA, true)
	resp := NXDOMAIN(req, "example.")

	opt := resp.IsEdns0()
	if opt == nil {
		t.Fatal("expected an OPT record on the response")
	}
	if !opt.Do() {
		t.Error("expected DO bit mirrored from the request")
	}
	if opt.UDPSize() != ServerUDPSize {
		t.Errorf("UDPSize() = %d, want %d", opt.UDPSize(), ServerUDPSize)
	}
}

func TestApplyEDNSPolicy_DOFalseNotForced(t *testing.T) {
	req := newQuery("ads.example.", dns.TypeA, false)
	resp := NXDOMAIN(req, "example.")

	opt := resp.IsEdns0()
	if opt == nil {
		t.Fatal("expected an OPT record on the response")
	}
	if opt.Do() {
		t.Error("DO must not be forced on when the request didn't set it")
	}
}

func TestApplyEDNSPolicy_AbsentWhenNoRequestOPT(t *testing.T) {
	req := new(dns.Msg)
	req.SetQuestion("ads.example.", dns.TypeA)
	resp := NXDOMAIN(req, "example.")

	if resp.IsEdns0() != nil {
		t.Error("response must not carry an OPT record when the request had none")
	}
}

func TestForwarded_StripsUpstreamOPTAppliesOwnPolicy(t *testing.T) {
	req := newQuery("example.com.", dns.TypeA, true)

	upstreamResp := new(dns.Msg)
	upstreamResp.SetReply(req)
	upstreamResp.Answer = []dns.RR{
		&dns.A{Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60}},
	}
	upstreamOPT := &dns.OPT{Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeOPT}}
	upstreamOPT.SetUDPSize(512)
	upstreamResp.Extra = []dns.RR{upstreamOPT}

	resp := Forwarded(req, upstreamResp)

	if len(resp.Answer) != 1 {
		t.Fatalf("Answer section = %d records, want 1", len(resp.Answer))
	}

	var optCount int
	for _, rr := range resp.Extra {
		if rr.Header().Rrtype == dns.TypeOPT {
			optCount++
		}
	}
	if optCount != 1 {
		t.Fatalf("expected exactly one OPT record on the response, found %d", optCount)
	}
	if resp.IsEdns0().UDPSize() != ServerUDPSize {
		t.Errorf("UDPSize() = %d, want %d", resp.IsEdns0().UDPSize(), ServerUDPSize)
	}
}

func TestServFail_PreservesRequestID(t *testing.T) {
	req := newQuery("example.com.", dns.TypeA, false)
	req.Id = 0xBEEF

	resp := ServFail(req)

	if resp.Id != 0xBEEF {
		t.Errorf("Id = %x, want beef", resp.Id)
	}
	if resp.Rcode != dns.RcodeServerFailure {
		t.Errorf("Rcode = %d, want SERVFAIL", resp.Rcode)
	}
}

func TestApexRecord_SOA(t *testing.T) {
	req := newQuery("168.192.in-addr.arpa.", dns.TypeSOA, false)
	resp := ApexRecord(req, "168.192.in-addr.arpa.", dns.TypeSOA)

	if resp.Rcode != dns.RcodeSuccess {
		t.Errorf("Rcode = %d, want NOERROR", resp.Rcode)
	}
	if len(resp.Answer) != 1 {
		t.Fatalf("Answer section = %d records, want 1", len(resp.Answer))
	}
	if _, ok := resp.Answer[0].(*dns.SOA); !ok {
		t.Errorf("Answer[0] = %T, want *dns.SOA", resp.Answer[0])
	}
}

func TestFormErr_NoParsedRequestNeeded(t *testing.T) {
	resp := FormErr(0x4242)

	if resp.Id != 0x4242 {
		t.Errorf("Id = %x, want 4242", resp.Id)
	}
	if !resp.Response {
		t.Error("expected Response (QR) bit set")
	}
	if resp.Rcode != dns.RcodeFormatError {
		t.Errorf("Rcode = %d, want FORMERR", resp.Rcode)
	}
}
