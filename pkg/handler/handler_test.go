package handler

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/jyuch/advoid/pkg/blocklist"
	"github.com/jyuch/advoid/pkg/decisioncache"
	"github.com/jyuch/advoid/pkg/logging"
	"github.com/jyuch/advoid/pkg/sink"
	"github.com/jyuch/advoid/pkg/upstream"
)

type mockResponseWriter struct {
	msg        *dns.Msg
	remoteAddr net.Addr
}

func (m *mockResponseWriter) LocalAddr() net.Addr  { return nil }
func (m *mockResponseWriter) RemoteAddr() net.Addr { return m.remoteAddr }
func (m *mockResponseWriter) WriteMsg(msg *dns.Msg) error {
	m.msg = msg
	return nil
}
func (m *mockResponseWriter) Write([]byte) (int, error) { return 0, nil }
func (m *mockResponseWriter) Close() error              { return nil }
func (m *mockResponseWriter) TsigStatus() error         { return nil }
func (m *mockResponseWriter) TsigTimersOnly(bool)       {}
func (m *mockResponseWriter) Hijack()                   {}

func newWriter() *mockResponseWriter {
	return &mockResponseWriter{remoteAddr: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 12345}}
}

func testLogger() *logging.Logger {
	return logging.New(nil, logging.Options{Level: "error", Format: "text"})
}

func loadBlocklist(t *testing.T, names ...string) *blocklist.Set {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "list.txt")
	contents := ""
	for _, n := range names {
		contents += n + "\n"
	}
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}
	set, err := blocklist.Load(t.Context(), path, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return set
}

// mockUpstream starts a UDP DNS server that always answers NOERROR with one
// A record, unless qname is in nxdomain, and returns its address. The
// listener is closed through t.Cleanup.
func mockUpstream(t *testing.T, nxdomain map[string]bool) string {
	t.Helper()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	go func() {
		buf := make([]byte, 512)
		for {
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			req := new(dns.Msg)
			if err := req.Unpack(buf[:n]); err != nil {
				continue
			}

			resp := new(dns.Msg)
			resp.SetReply(req)
			if len(req.Question) > 0 && nxdomain[req.Question[0].Name] {
				resp.Rcode = dns.RcodeNameError
			} else if len(req.Question) > 0 {
				resp.Answer = []dns.RR{&dns.A{
					Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
				}}
			}

			out, err := resp.Pack()
			if err != nil {
				continue
			}
			_, _ = conn.WriteTo(out, addr)
		}
	}()

	return conn.LocalAddr().String()
}

func newHandler(t *testing.T, set *blocklist.Set, upstreamAddr string, forwardLocalZone bool) *Handler {
	t.Helper()
	cache, err := decisioncache.New(100)
	if err != nil {
		t.Fatal(err)
	}
	var upstreamClient *upstream.Client
	if upstreamAddr != "" {
		upstreamClient = upstream.New(upstreamAddr, 2*time.Second, testLogger())
	}
	return &Handler{
		Blocklist:     set,
		DecisionCache: cache,
		Upstream:      upstreamClient,
		Sink:          sink.NullSink{},
		Metrics: &Metrics{
			RequestsTotal:   noopmetric.Int64Counter{},
			RequestsBlock:   noopmetric.Int64Counter{},
			RequestsForward: noopmetric.Int64Counter{},
		},
		Logger:           testLogger(),
		Tracer:           nooptrace.NewTracerProvider().Tracer("test"),
		ForwardLocalZone: forwardLocalZone,
	}
}

func TestServeDNS_EmptyQuestion(t *testing.T) {
	h := newHandler(t, loadBlocklist(t), "", false)
	w := newWriter()

	r := new(dns.Msg)
	r.Id = 42
	r.Question = nil

	h.ServeDNS(w, r)

	if w.msg == nil {
		t.Fatal("expected a response message")
	}
	if w.msg.Rcode != dns.RcodeFormatError {
		t.Errorf("Rcode = %d, want FORMERR", w.msg.Rcode)
	}
	if w.msg.Id != 42 {
		t.Errorf("Id = %d, want 42", w.msg.Id)
	}
}

func TestServeDNS_ExactBlock(t *testing.T) {
	h := newHandler(t, loadBlocklist(t, "ads.example."), "", false)
	w := newWriter()

	r := new(dns.Msg)
	r.SetQuestion("ads.example.", dns.TypeA)

	h.ServeDNS(w, r)

	if w.msg.Rcode != dns.RcodeNameError {
		t.Errorf("Rcode = %d, want NXDOMAIN", w.msg.Rcode)
	}
	if !w.msg.Authoritative || !w.msg.RecursionAvailable {
		t.Error("expected AA=1 and RA=1")
	}
	if len(w.msg.Ns) != 1 {
		t.Fatalf("Ns section = %d, want 1", len(w.msg.Ns))
	}
}

func TestServeDNS_LabelBoundary_NotBlocked(t *testing.T) {
	addr := mockUpstream(t, nil)
	h := newHandler(t, loadBlocklist(t, "ad.com."), addr, false)
	w := newWriter()

	r := new(dns.Msg)
	r.SetQuestion("bad.com.", dns.TypeA)

	h.ServeDNS(w, r)

	if w.msg.Rcode != dns.RcodeSuccess {
		t.Errorf("Rcode = %d, want NOERROR (forwarded)", w.msg.Rcode)
	}
}

func TestServeDNS_SubdomainSuffix_Blocked(t *testing.T) {
	h := newHandler(t, loadBlocklist(t, "ad.com."), "", false)
	w := newWriter()

	r := new(dns.Msg)
	r.SetQuestion("x.y.ad.com.", dns.TypeAAAA)

	h.ServeDNS(w, r)

	if w.msg.Rcode != dns.RcodeNameError {
		t.Errorf("Rcode = %d, want NXDOMAIN", w.msg.Rcode)
	}
}

func TestServeDNS_RFC6303_PTR_NoUpstreamCall(t *testing.T) {
	called := false
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	go func() {
		buf := make([]byte, 512)
		if _, _, err := conn.ReadFrom(buf); err == nil {
			called = true
		}
	}()

	h := newHandler(t, loadBlocklist(t), conn.LocalAddr().String(), false)
	w := newWriter()

	r := new(dns.Msg)
	r.SetQuestion("1.0.168.192.in-addr.arpa.", dns.TypePTR)

	h.ServeDNS(w, r)

	if w.msg.Rcode != dns.RcodeNameError {
		t.Errorf("Rcode = %d, want NXDOMAIN", w.msg.Rcode)
	}
	time.Sleep(50 * time.Millisecond)
	if called {
		t.Error("expected no upstream call for an RFC 6303 PTR query")
	}
}

func TestServeDNS_ApexSOA(t *testing.T) {
	h := newHandler(t, loadBlocklist(t), "", false)
	w := newWriter()

	r := new(dns.Msg)
	r.SetQuestion("168.192.in-addr.arpa.", dns.TypeSOA)

	h.ServeDNS(w, r)

	if w.msg.Rcode != dns.RcodeSuccess {
		t.Errorf("Rcode = %d, want NOERROR", w.msg.Rcode)
	}
	if len(w.msg.Answer) != 1 {
		t.Fatalf("Answer = %d, want 1", len(w.msg.Answer))
	}
}

func TestServeDNS_UpstreamSERVFAIL(t *testing.T) {
	h := newHandler(t, loadBlocklist(t), "127.0.0.1:1", false)
	w := newWriter()

	r := new(dns.Msg)
	r.SetQuestion("example.com.", dns.TypeA)
	r.Id = 0xABCD

	h.ServeDNS(w, r)

	if w.msg.Rcode != dns.RcodeServerFailure {
		t.Errorf("Rcode = %d, want SERVFAIL", w.msg.Rcode)
	}
	if w.msg.Id != 0xABCD {
		t.Errorf("Id = %x, want abcd", w.msg.Id)
	}
	if len(w.msg.Answer) != 0 {
		t.Error("expected no answer records on SERVFAIL")
	}
}

type recordingUploader struct {
	mu      sync.Mutex
	batches [][]byte
}

func (u *recordingUploader) Upload(_ context.Context, payload []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.batches = append(u.batches, payload)
	return nil
}

func TestServeDNS_ResponseEventHasOwnID(t *testing.T) {
	uploader := &recordingUploader{}
	batching := sink.New(t.Context(), sink.Options{BatchSize: 1, FlushInterval: time.Hour}, uploader, testLogger(), nil)
	t.Cleanup(func() { _ = batching.Close(t.Context()) })

	h := newHandler(t, loadBlocklist(t, "ads.example."), "", false)
	h.Sink = batching
	w := newWriter()

	r := new(dns.Msg)
	r.SetQuestion("ads.example.", dns.TypeA)
	h.ServeDNS(w, r)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		uploader.mu.Lock()
		n := len(uploader.batches)
		uploader.mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	uploader.mu.Lock()
	defer uploader.mu.Unlock()
	if len(uploader.batches) < 2 {
		t.Fatalf("expected a request batch and a response batch, got %d", len(uploader.batches))
	}

	var reqEvent sink.RequestEvent
	var respEvent sink.ResponseEvent
	for _, batch := range uploader.batches {
		var probe map[string]any
		if err := json.Unmarshal(batch, &probe); err != nil {
			t.Fatalf("unmarshal batch: %v", err)
		}
		if _, ok := probe["client"]; ok {
			if err := json.Unmarshal(batch, &reqEvent); err != nil {
				t.Fatalf("unmarshal request event: %v", err)
			}
		}
		if _, ok := probe["request_id"]; ok {
			if err := json.Unmarshal(batch, &respEvent); err != nil {
				t.Fatalf("unmarshal response event: %v", err)
			}
		}
	}

	if reqEvent.ID == "" {
		t.Error("request event ID must not be empty")
	}
	if respEvent.ID == "" {
		t.Error("response event ID must not be empty")
	}
	if respEvent.RequestID == "" {
		t.Error("response event RequestID must not be empty")
	}
	if respEvent.ID == respEvent.RequestID {
		t.Error("response event ID must differ from its RequestID — they identify different events")
	}
}

func TestServeDNS_Forwarded(t *testing.T) {
	addr := mockUpstream(t, nil)
	h := newHandler(t, loadBlocklist(t), addr, false)
	w := newWriter()

	r := new(dns.Msg)
	r.SetQuestion("example.com.", dns.TypeA)
	r.Id = 7

	h.ServeDNS(w, r)

	if w.msg.Rcode != dns.RcodeSuccess {
		t.Errorf("Rcode = %d, want NOERROR", w.msg.Rcode)
	}
	if w.msg.Id != 7 {
		t.Errorf("Id = %d, want 7", w.msg.Id)
	}
	if len(w.msg.Answer) != 1 {
		t.Errorf("Answer = %d, want 1", len(w.msg.Answer))
	}
}
